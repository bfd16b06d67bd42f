package tracking

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/PulsePipe/pulsepipe/internal/db"
)

// PostgresConn implements Conn over a pgx connection pool.
type PostgresConn struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// postgresStatements maps each op to its SQL and argument order. The
// statements are prepared on every new connection.
var postgresStatements = map[OpType]struct {
	sql  string
	args []string
}{
	OpInsertRun: {
		`INSERT INTO pipeline_runs (run_id, pipeline, status, started_at) VALUES ($1, $2, $3, $4)`,
		[]string{"run_id", "pipeline", "status", "started_at"},
	},
	OpCompleteRun: {
		`UPDATE pipeline_runs SET status = $1, completed_at = $2, attempted = $3, succeeded = $4, failed = $5 WHERE run_id = $6`,
		[]string{"status", "completed_at", "attempted", "succeeded", "failed", "run_id"},
	},
	OpIncrementStat: {
		`INSERT INTO ingestion_stats (run_id, source_type, failure_category, attempted, succeeded, failed)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id, source_type, failure_category) DO UPDATE SET
		 attempted = ingestion_stats.attempted + EXCLUDED.attempted,
		 succeeded = ingestion_stats.succeeded + EXCLUDED.succeeded,
		 failed = ingestion_stats.failed + EXCLUDED.failed`,
		[]string{"run_id", "source_type", "failure_category", "attempted", "succeeded", "failed"},
	},
	OpInsertAudit: {
		`INSERT INTO audit_trail (event_id, run_id, stage, record_hash, status, error_kind, timestamp) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		[]string{"event_id", "run_id", "stage", "record_hash", "status", "error_kind", "timestamp"},
	},
	OpInsertQuality: {
		`INSERT INTO quality_scores (record_hash, run_id, completeness, consistency, outlier_flag, aggregate_score)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (record_hash, run_id) DO UPDATE SET
		 completeness = EXCLUDED.completeness,
		 consistency = EXCLUDED.consistency,
		 outlier_flag = EXCLUDED.outlier_flag,
		 aggregate_score = EXCLUDED.aggregate_score`,
		[]string{"record_hash", "run_id", "completeness", "consistency", "outlier_flag", "aggregate_score"},
	},
	OpSelectRuns: {
		`SELECT run_id, pipeline, status, started_at, completed_at, attempted, succeeded, failed
		 FROM pipeline_runs ORDER BY started_at DESC LIMIT $1`,
		[]string{"limit"},
	},
}

// NewPostgres creates a PostgresConn with a tuned connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresConn, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for op, stmt := range postgresStatements {
			if _, err := conn.Prepare(ctx, string(op), stmt.sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", op)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresConn{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Tests hand a pgxmock pool in
// here.
func NewPostgresFromPool(pool db.Pool) *PostgresConn {
	return &PostgresConn{pool: pool, closeFn: pool.Close}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	run_id       TEXT PRIMARY KEY,
	pipeline     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	attempted    INTEGER NOT NULL DEFAULT 0,
	succeeded    INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ingestion_stats (
	run_id           TEXT NOT NULL REFERENCES pipeline_runs(run_id),
	source_type      TEXT NOT NULL,
	failure_category TEXT NOT NULL DEFAULT '',
	attempted        INTEGER NOT NULL DEFAULT 0,
	succeeded        INTEGER NOT NULL DEFAULT 0,
	failed           INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, source_type, failure_category)
);

CREATE TABLE IF NOT EXISTS audit_trail (
	event_id    TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES pipeline_runs(run_id),
	stage       TEXT NOT NULL,
	record_hash TEXT NOT NULL,
	status      TEXT NOT NULL,
	error_kind  TEXT,
	timestamp   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS quality_scores (
	record_hash     TEXT NOT NULL,
	run_id          TEXT NOT NULL REFERENCES pipeline_runs(run_id),
	completeness    DOUBLE PRECISION NOT NULL,
	consistency     DOUBLE PRECISION NOT NULL,
	outlier_flag    BOOLEAN NOT NULL DEFAULT false,
	aggregate_score DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (record_hash, run_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON pipeline_runs(pipeline, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_trail(run_id);
CREATE INDEX IF NOT EXISTS idx_audit_record ON audit_trail(record_hash);
CREATE INDEX IF NOT EXISTS idx_quality_run ON quality_scores(run_id);
`

func (c *PostgresConn) Execute(ctx context.Context, q Query) (*Result, error) {
	stmt, ok := postgresStatements[q.Op]
	if !ok {
		return nil, &Error{Kind: KindUnsupported, Op: q.Op, Err: eris.New("postgres: unknown op")}
	}
	args := bindArgs(q, stmt.args)

	if q.Op == OpSelectRuns {
		rows, err := c.pool.Query(ctx, stmt.sql, args...)
		if err != nil {
			return nil, &Error{Kind: classifyPostgres(err), Op: q.Op, Err: err}
		}
		defer rows.Close()
		return scanPgxRows(rows, q.Op)
	}

	tag, err := c.pool.Exec(ctx, stmt.sql, args...)
	if err != nil {
		return nil, &Error{Kind: classifyPostgres(err), Op: q.Op, Err: err}
	}
	return &Result{RowsAffected: tag.RowsAffected()}, nil
}

func (c *PostgresConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, &Error{Kind: classifyPostgres(err), Op: "begin", Err: err}
	}
	return &postgresTx{tx: tx}, nil
}

func (c *PostgresConn) MigrateSchema(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, postgresSchema); err != nil {
		return &Error{Kind: classifyPostgres(err), Op: "migrate", Err: err}
	}
	return nil
}

func (c *PostgresConn) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

func (c *PostgresConn) Close() error {
	if c.closeFn != nil {
		c.closeFn()
	}
	return nil
}

// InsertAuditBatch bulk-loads audit events over the COPY protocol. The
// Repository uses it when flushing a run's buffered trail.
func (c *PostgresConn) InsertAuditBatch(ctx context.Context, events []AuditEvent) (int64, error) {
	rows := make([][]any, len(events))
	for i, ev := range events {
		rows[i] = []any{ev.EventID, ev.RunID, ev.Stage, ev.RecordHash, ev.Status, ev.ErrorKind, ev.Timestamp}
	}
	n, err := db.CopyFrom(ctx, c.pool, "audit_trail",
		[]string{"event_id", "run_id", "stage", "record_hash", "status", "error_kind", "timestamp"}, rows)
	if err != nil {
		return 0, &Error{Kind: classifyPostgres(err), Op: OpInsertAudit, Err: err}
	}
	return n, nil
}

// UpsertQualityBatch bulk-upserts quality scores, replacing earlier scores
// for re-processed records.
func (c *PostgresConn) UpsertQualityBatch(ctx context.Context, scores []QualityScore) (int64, error) {
	rows := make([][]any, len(scores))
	for i, s := range scores {
		rows[i] = []any{s.RecordHash, s.RunID, s.Completeness, s.Consistency, s.OutlierFlag, s.Aggregate}
	}
	n, err := db.BulkUpsert(ctx, c.pool, db.UpsertConfig{
		Table:        "quality_scores",
		Columns:      []string{"record_hash", "run_id", "completeness", "consistency", "outlier_flag", "aggregate_score"},
		ConflictKeys: []string{"record_hash", "run_id"},
	}, rows)
	if err != nil {
		return 0, &Error{Kind: classifyPostgres(err), Op: OpInsertQuality, Err: err}
	}
	return n, nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) Execute(ctx context.Context, q Query) (*Result, error) {
	stmt, ok := postgresStatements[q.Op]
	if !ok {
		return nil, &Error{Kind: KindUnsupported, Op: q.Op, Err: eris.New("postgres: unknown op")}
	}
	tag, err := t.tx.Exec(ctx, stmt.sql, bindArgs(q, stmt.args)...)
	if err != nil {
		return nil, &Error{Kind: classifyPostgres(err), Op: q.Op, Err: err}
	}
	return &Result{RowsAffected: tag.RowsAffected()}, nil
}

func (t *postgresTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *postgresTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func scanPgxRows(rows pgx.Rows, op OpType) (*Result, error) {
	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}
	out := &Result{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, &Error{Kind: KindUnknown, Op: op, Err: err}
		}
		out.Rows = append(out.Rows, Row{Columns: cols, Values: values})
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Kind: classifyPostgres(err), Op: op, Err: err}
	}
	return out, nil
}
