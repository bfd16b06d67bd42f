package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PulsePipe/pulsepipe/internal/resilience"
)

func newMockPostgres(t *testing.T) (*PostgresConn, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresFromPool(mock), mock
}

func TestPostgresInsertRun(t *testing.T) {
	conn, mock := newMockPostgres(t)
	started := time.Now().UTC()

	mock.ExpectExec("INSERT INTO pipeline_runs").
		WithArgs("run-1", "clinical-intake", "running", started).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	res, err := conn.Execute(context.Background(), Query{Op: OpInsertRun, Args: map[string]any{
		"run_id": "run-1", "pipeline": "clinical-intake", "status": "running", "started_at": started,
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIncrementStat(t *testing.T) {
	conn, mock := newMockPostgres(t)

	mock.ExpectExec("INSERT INTO ingestion_stats").
		WithArgs("run-1", "x12", "", 1, 1, 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	_, err := conn.Execute(context.Background(), Query{Op: OpIncrementStat, Args: map[string]any{
		"run_id": "run-1", "source_type": "x12", "failure_category": "",
		"attempted": 1, "succeeded": 1, "failed": 0,
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSelectRuns(t *testing.T) {
	conn, mock := newMockPostgres(t)
	started := time.Now().UTC()

	rows := pgxmock.NewRows([]string{
		"run_id", "pipeline", "status", "started_at", "completed_at", "attempted", "succeeded", "failed",
	}).AddRow("run-1", "clinical-intake", "complete", started, &started, 5, 5, 0)

	mock.ExpectQuery("SELECT run_id, pipeline, status").
		WithArgs(10).
		WillReturnRows(rows)

	res, err := conn.Execute(context.Background(), Query{Op: OpSelectRuns, Args: map[string]any{"limit": 10}})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "run-1", res.Rows[0].Value("run_id"))
	assert.Equal(t, "complete", res.Rows[0].Value("status"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		wantKind  ErrorKind
		retryable bool
	}{
		{"unique violation", "23505", KindConstraint, false},
		{"serialization failure", "40001", KindSerialization, true},
		{"deadlock", "40P01", KindSerialization, true},
		{"connection failure", "08006", KindConnection, true},
		{"too many connections", "53300", KindConnection, true},
		{"query canceled", "57014", KindTimeout, true},
		{"syntax error", "42601", KindUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, mock := newMockPostgres(t)
			mock.ExpectExec("INSERT INTO audit_trail").
				WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
					pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
				WillReturnError(&pgconn.PgError{Code: tt.code})

			_, err := conn.Execute(context.Background(), Query{Op: OpInsertAudit, Args: map[string]any{}})
			require.Error(t, err)
			var te *Error
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.wantKind, te.Kind)
			assert.Equal(t, tt.retryable, te.Retryable())
		})
	}
}

func TestPostgresAuditBatchUsesCopy(t *testing.T) {
	conn, mock := newMockPostgres(t)
	repo := NewRepository(conn, resilience.RetryConfig{MaxAttempts: 1})

	mock.ExpectCopyFrom(
		pgx.Identifier{"audit_trail"},
		[]string{"event_id", "run_id", "stage", "record_hash", "status", "error_kind", "timestamp"},
	).WillReturnResult(2)

	events := []AuditEvent{
		{RunID: "run-1", Stage: "ingest", RecordHash: "pp-a", Status: "success"},
		{RunID: "run-1", Stage: "deid", RecordHash: "pp-b", Status: "success"},
	}
	require.NoError(t, repo.FlushAuditBatch(context.Background(), events))
	assert.NotEmpty(t, events[0].EventID, "flush assigns event ids")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRetryOnTransientFailure(t *testing.T) {
	conn, mock := newMockPostgres(t)
	repo := NewRepository(conn, resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		JitterFraction: 0,
	})

	// Fails twice with a retryable state, then succeeds.
	mock.ExpectExec("INSERT INTO ingestion_stats").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectExec("INSERT INTO ingestion_stats").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectExec("INSERT INTO ingestion_stats").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := repo.IncrementStat(context.Background(), IngestionStat{
		RunID: "run-1", SourceType: "fhir", Attempted: 1, Succeeded: 1,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRetriesExhaustedEscalates(t *testing.T) {
	conn, mock := newMockPostgres(t)
	repo := NewRepository(conn, resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		JitterFraction: 0,
	})

	mock.ExpectExec("INSERT INTO ingestion_stats").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "08006"})
	mock.ExpectExec("INSERT INTO ingestion_stats").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "08006"})

	err := repo.IncrementStat(context.Background(), IngestionStat{
		RunID: "run-1", SourceType: "fhir", Attempted: 1,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")
}

func TestPostgresConstraintViolationDoesNotRetry(t *testing.T) {
	conn, mock := newMockPostgres(t)
	repo := NewRepository(conn, resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	})

	// A single expectation: a constraint violation must not be retried.
	mock.ExpectExec("INSERT INTO pipeline_runs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := repo.StartRun(context.Background(), &PipelineRun{RunID: "dup", Pipeline: "p"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "retries exhausted")
	assert.NoError(t, mock.ExpectationsWereMet())
}
