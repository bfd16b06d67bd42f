// Package tracking persists pipeline run bookkeeping: run lifecycles,
// ingestion counters, the audit trail, and data quality scores. Three
// backends implement the same Conn contract; the Repository holds the
// business logic once, written against Conn alone.
package tracking

import (
	"context"
	"time"
)

// RunStatus is the lifecycle state of one pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunComplete  RunStatus = "complete"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// PipelineRun is one execution of a named pipeline.
type PipelineRun struct {
	RunID       string     `json:"run_id"`
	Pipeline    string     `json:"pipeline"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Attempted   int        `json:"attempted"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
}

// IngestionStat is one counter bucket for a run and source format.
// FailureCategory buckets failures by error kind so summaries can break
// them down without storing record content.
type IngestionStat struct {
	RunID           string `json:"run_id"`
	SourceType      string `json:"source_type"`
	Attempted       int    `json:"attempted"`
	Succeeded       int    `json:"succeeded"`
	Failed          int    `json:"failed"`
	FailureCategory string `json:"failure_category,omitempty"`
}

// AuditEvent is one stage transition for one record. RecordHash is the
// salted correlation hash, never a source identifier.
type AuditEvent struct {
	EventID    string    `json:"event_id"`
	RunID      string    `json:"run_id"`
	Stage      string    `json:"stage"`
	RecordHash string    `json:"record_hash"`
	Status     string    `json:"status"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// QualityScore is the per-record data quality assessment.
type QualityScore struct {
	RecordHash   string  `json:"record_hash"`
	RunID        string  `json:"run_id"`
	Completeness float64 `json:"completeness"`
	Consistency  float64 `json:"consistency"`
	OutlierFlag  bool    `json:"outlier_flag"`
	Aggregate    float64 `json:"aggregate_score"`
}

// OpType names a tracking operation. Backends translate ops to their own
// statements; an op a backend does not know yields KindUnsupported.
type OpType string

const (
	OpInsertRun     OpType = "insert_run"
	OpCompleteRun   OpType = "complete_run"
	OpIncrementStat OpType = "increment_stat"
	OpInsertAudit   OpType = "insert_audit"
	OpInsertQuality OpType = "insert_quality"
	OpSelectRuns    OpType = "select_runs"
)

// Query is one backend-neutral operation with named arguments.
type Query struct {
	Op   OpType
	Args map[string]any
}

// Row is an ordered column-to-value mapping from one result row.
type Row struct {
	Columns []string
	Values  []any
}

// Value returns the named column, or nil when absent.
func (r Row) Value(col string) any {
	for i, c := range r.Columns {
		if c == col {
			return r.Values[i]
		}
	}
	return nil
}

// Result is the outcome of one executed Query.
type Result struct {
	Rows         []Row
	RowsAffected int64
}

// Conn is the backend contract. Implementations are safe for concurrent
// use by multiple pipelines.
type Conn interface {
	Execute(ctx context.Context, q Query) (*Result, error)
	Begin(ctx context.Context) (Tx, error)
	MigrateSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx groups queries atomically where the backend supports it.
type Tx interface {
	Execute(ctx context.Context, q Query) (*Result, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
