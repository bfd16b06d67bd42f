package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PulsePipe/pulsepipe/internal/resilience"
)

// fakeConn scripts Execute results so Repository behavior can be tested
// without a backend. It has no batch path, forcing the per-event
// fallback in FlushAuditBatch.
type fakeConn struct {
	queries []Query
	errs    []error
}

func (f *fakeConn) Execute(ctx context.Context, q Query) (*Result, error) {
	f.queries = append(f.queries, q)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Result{RowsAffected: 1}, nil
}

func (f *fakeConn) Begin(ctx context.Context) (Tx, error)    { return nil, nil }
func (f *fakeConn) MigrateSchema(ctx context.Context) error  { return nil }
func (f *fakeConn) Ping(ctx context.Context) error           { return nil }
func (f *fakeConn) Close() error                             { return nil }

func TestRecordOutcomeWritesStatAndAudit(t *testing.T) {
	conn := &fakeConn{}
	repo := NewRepository(conn, resilience.RetryConfig{MaxAttempts: 1})

	err := repo.RecordOutcome(context.Background(), "run-1", "hl7v2", "pp-abc", "ingest", "")
	require.NoError(t, err)
	require.Len(t, conn.queries, 2)

	stat := conn.queries[0]
	assert.Equal(t, OpIncrementStat, stat.Op)
	assert.Equal(t, 1, stat.Args["attempted"])
	assert.Equal(t, 1, stat.Args["succeeded"])
	assert.Equal(t, 0, stat.Args["failed"])

	audit := conn.queries[1]
	assert.Equal(t, OpInsertAudit, audit.Op)
	assert.Equal(t, "success", audit.Args["status"])
	assert.NotEmpty(t, audit.Args["event_id"])
}

func TestRecordOutcomeFailureBucketsByKind(t *testing.T) {
	conn := &fakeConn{}
	repo := NewRepository(conn, resilience.RetryConfig{MaxAttempts: 1})

	err := repo.RecordOutcome(context.Background(), "run-1", "x12", "pp-abc", "ingest", "structural_error")
	require.NoError(t, err)

	stat := conn.queries[0]
	assert.Equal(t, "structural_error", stat.Args["failure_category"])
	assert.Equal(t, 1, stat.Args["failed"])
	assert.Equal(t, 0, stat.Args["succeeded"])
	assert.Equal(t, "failure", conn.queries[1].Args["status"])
}

func TestFlushAuditBatchFallsBackToSingleInserts(t *testing.T) {
	conn := &fakeConn{}
	repo := NewRepository(conn, resilience.RetryConfig{MaxAttempts: 1})

	events := []AuditEvent{
		{RunID: "run-1", Stage: "ingest", RecordHash: "pp-a", Status: "success"},
		{RunID: "run-1", Stage: "deid", RecordHash: "pp-b", Status: "success"},
	}
	require.NoError(t, repo.FlushAuditBatch(context.Background(), events))
	assert.Len(t, conn.queries, 2)
	for _, q := range conn.queries {
		assert.Equal(t, OpInsertAudit, q.Op)
	}
}

// bulkConn layers the quality bulk path over fakeConn.
type bulkConn struct {
	fakeConn
	batches [][]QualityScore
}

func (b *bulkConn) UpsertQualityBatch(_ context.Context, scores []QualityScore) (int64, error) {
	b.batches = append(b.batches, scores)
	return int64(len(scores)), nil
}

func TestFlushQualityBatchPrefersBulkPath(t *testing.T) {
	scores := []QualityScore{
		{RecordHash: "pp-a", RunID: "run-1", Completeness: 0.9, Aggregate: 0.8},
		{RecordHash: "pp-b", RunID: "run-1", Completeness: 0.7, Aggregate: 0.6},
	}

	bulk := &bulkConn{}
	repo := NewRepository(bulk, resilience.RetryConfig{MaxAttempts: 1})
	require.NoError(t, repo.FlushQualityBatch(context.Background(), scores))
	require.Len(t, bulk.batches, 1)
	assert.Len(t, bulk.batches[0], 2)
	assert.Empty(t, bulk.queries, "bulk path must not issue per-row ops")

	plain := &fakeConn{}
	repo = NewRepository(plain, resilience.RetryConfig{MaxAttempts: 1})
	require.NoError(t, repo.FlushQualityBatch(context.Background(), scores))
	assert.Len(t, plain.queries, 2)
	for _, q := range plain.queries {
		assert.Equal(t, OpInsertQuality, q.Op)
	}
}

func TestEventIDsAreSortableAndUnique(t *testing.T) {
	a := newEventID()
	time.Sleep(2 * time.Millisecond)
	b := newEventID()
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "later events sort after earlier ones")
}

func TestWithRetryPassesThroughNonRetryable(t *testing.T) {
	conn := &fakeConn{errs: []error{&Error{Kind: KindConstraint, Op: OpInsertRun, Err: assert.AnError}}}
	repo := NewRepository(conn, resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond})

	err := repo.StartRun(context.Background(), &PipelineRun{RunID: "r", Pipeline: "p"})
	require.Error(t, err)
	assert.Len(t, conn.queries, 1, "constraint violations must not retry")
	assert.NotContains(t, err.Error(), "retries exhausted")
}

func TestWithRetryExhaustionWrapsError(t *testing.T) {
	transient := &Error{Kind: KindConnection, Op: OpIncrementStat, Err: assert.AnError}
	conn := &fakeConn{errs: []error{transient, transient}}
	repo := NewRepository(conn, resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		JitterFraction: 0,
	})

	err := repo.IncrementStat(context.Background(), IngestionStat{RunID: "r", SourceType: "fhir"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")
	assert.Len(t, conn.queries, 2)
}
