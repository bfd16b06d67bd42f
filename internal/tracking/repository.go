package tracking

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/PulsePipe/pulsepipe/internal/resilience"
)

// Repository is the tracking business logic, written once against Conn.
// Transient backend failures retry transparently; exhaustion surfaces as
// an error the pipeline treats as run-fatal.
type Repository struct {
	conn  Conn
	retry resilience.RetryConfig
	log   *zap.Logger
}

// batchInserter is the optional fast path a backend may offer for audit
// trail flushes. The Postgres backend implements it over COPY.
type batchInserter interface {
	InsertAuditBatch(ctx context.Context, events []AuditEvent) (int64, error)
}

// NewRepository wires a Conn with retry policy. A zero RetryConfig gets
// the package defaults.
func NewRepository(conn Conn, retry resilience.RetryConfig) *Repository {
	if retry.MaxAttempts == 0 {
		retry = resilience.DefaultRetryConfig()
	}
	retry.ShouldRetry = IsRetryable
	return &Repository{
		conn:  conn,
		retry: retry,
		log:   zap.L().Named("tracking"),
	}
}

// StartRun registers a new run as running.
func (r *Repository) StartRun(ctx context.Context, run *PipelineRun) error {
	run.Status = RunRunning
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	return r.execute(ctx, Query{Op: OpInsertRun, Args: map[string]any{
		"run_id":     run.RunID,
		"pipeline":   run.Pipeline,
		"status":     string(run.Status),
		"started_at": run.StartedAt,
	}})
}

// CompleteRun records a run's terminal status and final counters.
func (r *Repository) CompleteRun(ctx context.Context, run *PipelineRun, status RunStatus) error {
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	return r.execute(ctx, Query{Op: OpCompleteRun, Args: map[string]any{
		"run_id":       run.RunID,
		"status":       string(status),
		"completed_at": now,
		"attempted":    run.Attempted,
		"succeeded":    run.Succeeded,
		"failed":       run.Failed,
	}})
}

// IncrementStat bumps the counter bucket for one run, source, and failure
// category.
func (r *Repository) IncrementStat(ctx context.Context, stat IngestionStat) error {
	return r.execute(ctx, Query{Op: OpIncrementStat, Args: map[string]any{
		"run_id":           stat.RunID,
		"source_type":      stat.SourceType,
		"failure_category": stat.FailureCategory,
		"attempted":        stat.Attempted,
		"succeeded":        stat.Succeeded,
		"failed":           stat.Failed,
	}})
}

// RecordOutcome writes both sides of one record's result: the counter
// bucket and the audit trail entry. An empty errKind means success.
func (r *Repository) RecordOutcome(ctx context.Context, runID, sourceType, recordHash, stage, errKind string) error {
	stat := IngestionStat{
		RunID:           runID,
		SourceType:      sourceType,
		FailureCategory: errKind,
		Attempted:       1,
	}
	status := "success"
	if errKind == "" {
		stat.Succeeded = 1
	} else {
		stat.Failed = 1
		status = "failure"
	}
	if err := r.IncrementStat(ctx, stat); err != nil {
		return err
	}
	return r.RecordAuditEvent(ctx, AuditEvent{
		RunID:      runID,
		Stage:      stage,
		RecordHash: recordHash,
		Status:     status,
		ErrorKind:  errKind,
	})
}

// RecordAuditEvent appends one stage transition. Event ids are ULIDs so
// the trail sorts chronologically by id alone.
func (r *Repository) RecordAuditEvent(ctx context.Context, ev AuditEvent) error {
	if ev.EventID == "" {
		ev.EventID = newEventID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return r.execute(ctx, Query{Op: OpInsertAudit, Args: map[string]any{
		"event_id":    ev.EventID,
		"run_id":      ev.RunID,
		"stage":       ev.Stage,
		"record_hash": ev.RecordHash,
		"status":      ev.Status,
		"error_kind":  ev.ErrorKind,
		"timestamp":   ev.Timestamp,
	}})
}

// FlushAuditBatch writes a buffered trail in one shot, taking the
// backend's bulk path when it has one.
func (r *Repository) FlushAuditBatch(ctx context.Context, events []AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	for i := range events {
		if events[i].EventID == "" {
			events[i].EventID = newEventID()
		}
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = time.Now().UTC()
		}
	}
	if bi, ok := r.conn.(batchInserter); ok {
		return r.withRetry(ctx, "flush_audit", func(ctx context.Context) error {
			_, err := bi.InsertAuditBatch(ctx, events)
			return err
		})
	}
	for _, ev := range events {
		if err := r.RecordAuditEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// batchUpserter is the optional fast path a backend may offer for
// quality-score flushes.
type batchUpserter interface {
	UpsertQualityBatch(ctx context.Context, scores []QualityScore) (int64, error)
}

// FlushQualityBatch writes a run's buffered scores in one shot, taking
// the backend's bulk path when it has one.
func (r *Repository) FlushQualityBatch(ctx context.Context, scores []QualityScore) error {
	if len(scores) == 0 {
		return nil
	}
	if bu, ok := r.conn.(batchUpserter); ok {
		return r.withRetry(ctx, "flush_quality", func(ctx context.Context) error {
			_, err := bu.UpsertQualityBatch(ctx, scores)
			return err
		})
	}
	for _, s := range scores {
		if err := r.RecordQualityScore(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// RecordQualityScore upserts the per-record assessment.
func (r *Repository) RecordQualityScore(ctx context.Context, score QualityScore) error {
	return r.execute(ctx, Query{Op: OpInsertQuality, Args: map[string]any{
		"record_hash":     score.RecordHash,
		"run_id":          score.RunID,
		"completeness":    score.Completeness,
		"consistency":     score.Consistency,
		"outlier_flag":    score.OutlierFlag,
		"aggregate_score": score.Aggregate,
	}})
}

// RunSummary returns the most recent runs, newest first.
func (r *Repository) RunSummary(ctx context.Context, limit int) ([]PipelineRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var res *Result
	err := r.withRetry(ctx, string(OpSelectRuns), func(ctx context.Context) error {
		var execErr error
		res, execErr = r.conn.Execute(ctx, Query{Op: OpSelectRuns, Args: map[string]any{"limit": limit}})
		return execErr
	})
	if err != nil {
		return nil, err
	}

	runs := make([]PipelineRun, 0, len(res.Rows))
	for _, row := range res.Rows {
		run := PipelineRun{
			RunID:     asString(row.Value("run_id")),
			Pipeline:  asString(row.Value("pipeline")),
			Status:    RunStatus(asString(row.Value("status"))),
			Attempted: asInt(row.Value("attempted")),
			Succeeded: asInt(row.Value("succeeded")),
			Failed:    asInt(row.Value("failed")),
		}
		if t, ok := asTime(row.Value("started_at")); ok {
			run.StartedAt = t
		}
		if t, ok := asTime(row.Value("completed_at")); ok {
			run.CompletedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Migrate initializes the schema. Safe to run on every start.
func (r *Repository) Migrate(ctx context.Context) error {
	return r.withRetry(ctx, "migrate", r.conn.MigrateSchema)
}

func (r *Repository) execute(ctx context.Context, q Query) error {
	return r.withRetry(ctx, string(q.Op), func(ctx context.Context) error {
		_, err := r.conn.Execute(ctx, q)
		return err
	})
}

func (r *Repository) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cfg := r.retry
	cfg.OnRetry = func(attempt int, err error) {
		r.log.Warn("retrying tracking write",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	err := resilience.Do(ctx, cfg, fn)
	if err == nil {
		return nil
	}
	if IsRetryable(err) {
		// Still transient after the last attempt: retries are exhausted
		// and the run must stop.
		return eris.Wrapf(err, "tracking: %s: retries exhausted", op)
	}
	return err
}

func newEventID() string {
	return ulid.Make().String()
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t != nil {
			return *t, true
		}
	case string:
		if t == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
