package tracking

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PulsePipe/pulsepipe/internal/resilience"
)

func newTestSQLite(t *testing.T) *SQLiteConn {
	t.Helper()
	conn, err := NewSQLite(filepath.Join(t.TempDir(), "tracking.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.MigrateSchema(context.Background()))
	return conn
}

func TestSQLiteMigrateIsIdempotent(t *testing.T) {
	conn := newTestSQLite(t)
	// A second migration on a populated schema must be a no-op.
	require.NoError(t, conn.MigrateSchema(context.Background()))
}

func TestSQLiteRunLifecycle(t *testing.T) {
	conn := newTestSQLite(t)
	repo := NewRepository(conn, resilience.RetryConfig{MaxAttempts: 1})
	ctx := context.Background()

	run := &PipelineRun{RunID: "run-1", Pipeline: "clinical-intake"}
	require.NoError(t, repo.StartRun(ctx, run))

	run.Attempted, run.Succeeded, run.Failed = 10, 8, 2
	require.NoError(t, repo.CompleteRun(ctx, run, RunComplete))

	runs, err := repo.RunSummary(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
	assert.Equal(t, "clinical-intake", runs[0].Pipeline)
	assert.Equal(t, RunComplete, runs[0].Status)
	assert.Equal(t, 10, runs[0].Attempted)
	assert.Equal(t, 8, runs[0].Succeeded)
	assert.Equal(t, 2, runs[0].Failed)
	assert.NotNil(t, runs[0].CompletedAt)
}

func TestSQLiteRunSummaryNewestFirst(t *testing.T) {
	conn := newTestSQLite(t)
	repo := NewRepository(conn, resilience.RetryConfig{MaxAttempts: 1})
	ctx := context.Background()

	older := &PipelineRun{RunID: "run-old", Pipeline: "p", StartedAt: time.Now().UTC().Add(-time.Hour)}
	newer := &PipelineRun{RunID: "run-new", Pipeline: "p", StartedAt: time.Now().UTC()}
	require.NoError(t, repo.StartRun(ctx, older))
	require.NoError(t, repo.StartRun(ctx, newer))

	runs, err := repo.RunSummary(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-new", runs[0].RunID)
	assert.Equal(t, "run-old", runs[1].RunID)
}

func TestSQLiteStatIncrementsAccumulate(t *testing.T) {
	conn := newTestSQLite(t)
	repo := NewRepository(conn, resilience.RetryConfig{MaxAttempts: 1})
	ctx := context.Background()

	require.NoError(t, repo.StartRun(ctx, &PipelineRun{RunID: "run-1", Pipeline: "p"}))
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.IncrementStat(ctx, IngestionStat{
			RunID: "run-1", SourceType: "hl7v2", Attempted: 1, Succeeded: 1,
		}))
	}
	require.NoError(t, repo.IncrementStat(ctx, IngestionStat{
		RunID: "run-1", SourceType: "hl7v2", FailureCategory: "structural_error",
		Attempted: 1, Failed: 1,
	}))

	var attempted, succeeded int
	row := conn.db.QueryRowContext(ctx,
		`SELECT attempted, succeeded FROM ingestion_stats
		 WHERE run_id = 'run-1' AND source_type = 'hl7v2' AND failure_category = ''`)
	require.NoError(t, row.Scan(&attempted, &succeeded))
	assert.Equal(t, 3, attempted)
	assert.Equal(t, 3, succeeded)

	var failed int
	row = conn.db.QueryRowContext(ctx,
		`SELECT failed FROM ingestion_stats
		 WHERE run_id = 'run-1' AND failure_category = 'structural_error'`)
	require.NoError(t, row.Scan(&failed))
	assert.Equal(t, 1, failed)
}

func TestSQLiteConcurrentIncrements(t *testing.T) {
	conn := newTestSQLite(t)
	repo := NewRepository(conn, resilience.DefaultRetryConfig())
	ctx := context.Background()
	require.NoError(t, repo.StartRun(ctx, &PipelineRun{RunID: "run-1", Pipeline: "p"}))

	const workers = 8
	const perWorker = 5
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				errs <- repo.IncrementStat(ctx, IngestionStat{
					RunID: "run-1", SourceType: "fhir", Attempted: 1, Succeeded: 1,
				})
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var attempted int
	row := conn.db.QueryRowContext(ctx,
		`SELECT attempted FROM ingestion_stats WHERE run_id = 'run-1' AND source_type = 'fhir'`)
	require.NoError(t, row.Scan(&attempted))
	assert.Equal(t, workers*perWorker, attempted)
}

func TestSQLiteAuditTrail(t *testing.T) {
	conn := newTestSQLite(t)
	repo := NewRepository(conn, resilience.RetryConfig{MaxAttempts: 1})
	ctx := context.Background()
	require.NoError(t, repo.StartRun(ctx, &PipelineRun{RunID: "run-1", Pipeline: "p"}))

	require.NoError(t, repo.RecordAuditEvent(ctx, AuditEvent{
		RunID: "run-1", Stage: "ingest", RecordHash: "pp-abc", Status: "success",
	}))
	require.NoError(t, repo.RecordOutcome(ctx, "run-1", "x12", "pp-def", "deid", "safe_harbor_violation"))

	var count int
	row := conn.db.QueryRowContext(ctx, `SELECT count(*) FROM audit_trail WHERE run_id = 'run-1'`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 2, count)

	var eventID, status string
	row = conn.db.QueryRowContext(ctx,
		`SELECT event_id, status FROM audit_trail WHERE record_hash = 'pp-def'`)
	require.NoError(t, row.Scan(&eventID, &status))
	assert.NotEmpty(t, eventID, "event ids are generated when absent")
	assert.Equal(t, "failure", status)
}

func TestSQLiteQualityUpsertReplaces(t *testing.T) {
	conn := newTestSQLite(t)
	repo := NewRepository(conn, resilience.RetryConfig{MaxAttempts: 1})
	ctx := context.Background()
	require.NoError(t, repo.StartRun(ctx, &PipelineRun{RunID: "run-1", Pipeline: "p"}))

	score := QualityScore{RecordHash: "pp-abc", RunID: "run-1", Completeness: 0.5, Consistency: 1, Aggregate: 0.75}
	require.NoError(t, repo.RecordQualityScore(ctx, score))

	score.Completeness = 0.9
	score.Aggregate = 0.95
	require.NoError(t, repo.RecordQualityScore(ctx, score))

	var count int
	var completeness float64
	row := conn.db.QueryRowContext(ctx, `SELECT count(*) FROM quality_scores`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count, "re-scoring the same record replaces, not duplicates")

	row = conn.db.QueryRowContext(ctx,
		`SELECT completeness FROM quality_scores WHERE record_hash = 'pp-abc'`)
	require.NoError(t, row.Scan(&completeness))
	assert.InDelta(t, 0.9, completeness, 1e-9)
}

func TestSQLiteTransaction(t *testing.T) {
	conn := newTestSQLite(t)
	ctx := context.Background()

	tx, err := conn.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Execute(ctx, Query{Op: OpInsertRun, Args: map[string]any{
		"run_id": "run-tx", "pipeline": "p", "status": "running", "started_at": time.Now().UTC(),
	}})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	res, err := conn.Execute(ctx, Query{Op: OpSelectRuns, Args: map[string]any{"limit": 10}})
	require.NoError(t, err)
	assert.Empty(t, res.Rows, "rolled-back insert must not persist")
}

func TestSQLiteUnknownOp(t *testing.T) {
	conn := newTestSQLite(t)
	_, err := conn.Execute(context.Background(), Query{Op: "no_such_op"})
	require.Error(t, err)
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindUnsupported, te.Kind)
	assert.False(t, te.Retryable())
}
