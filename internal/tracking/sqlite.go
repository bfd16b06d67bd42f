package tracking

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteConn implements Conn on an embedded database. The zero-config
// default backend.
type SQLiteConn struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at dsn and switches it to WAL
// so concurrent pipelines do not serialize on the writer lock.
func NewSQLite(dsn string) (*SQLiteConn, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteConn{db: db}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	run_id       TEXT PRIMARY KEY,
	pipeline     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
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
	timestamp   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS quality_scores (
	record_hash     TEXT NOT NULL,
	run_id          TEXT NOT NULL REFERENCES pipeline_runs(run_id),
	completeness    REAL NOT NULL,
	consistency     REAL NOT NULL,
	outlier_flag    INTEGER NOT NULL DEFAULT 0,
	aggregate_score REAL NOT NULL,
	PRIMARY KEY (record_hash, run_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON pipeline_runs(pipeline, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_trail(run_id);
CREATE INDEX IF NOT EXISTS idx_audit_record ON audit_trail(record_hash);
CREATE INDEX IF NOT EXISTS idx_quality_run ON quality_scores(run_id);
`

// sqliteStatements maps each op to its SQL and the named arguments bound
// in order.
var sqliteStatements = map[OpType]struct {
	sql  string
	args []string
}{
	OpInsertRun: {
		`INSERT INTO pipeline_runs (run_id, pipeline, status, started_at) VALUES (?, ?, ?, ?)`,
		[]string{"run_id", "pipeline", "status", "started_at"},
	},
	OpCompleteRun: {
		`UPDATE pipeline_runs SET status = ?, completed_at = ?, attempted = ?, succeeded = ?, failed = ? WHERE run_id = ?`,
		[]string{"status", "completed_at", "attempted", "succeeded", "failed", "run_id"},
	},
	OpIncrementStat: {
		`INSERT INTO ingestion_stats (run_id, source_type, failure_category, attempted, succeeded, failed)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, source_type, failure_category) DO UPDATE SET
		 attempted = attempted + excluded.attempted,
		 succeeded = succeeded + excluded.succeeded,
		 failed = failed + excluded.failed`,
		[]string{"run_id", "source_type", "failure_category", "attempted", "succeeded", "failed"},
	},
	OpInsertAudit: {
		`INSERT INTO audit_trail (event_id, run_id, stage, record_hash, status, error_kind, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		[]string{"event_id", "run_id", "stage", "record_hash", "status", "error_kind", "timestamp"},
	},
	OpInsertQuality: {
		`INSERT INTO quality_scores (record_hash, run_id, completeness, consistency, outlier_flag, aggregate_score)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (record_hash, run_id) DO UPDATE SET
		 completeness = excluded.completeness,
		 consistency = excluded.consistency,
		 outlier_flag = excluded.outlier_flag,
		 aggregate_score = excluded.aggregate_score`,
		[]string{"record_hash", "run_id", "completeness", "consistency", "outlier_flag", "aggregate_score"},
	},
	OpSelectRuns: {
		`SELECT run_id, pipeline, status, started_at, completed_at, attempted, succeeded, failed
		 FROM pipeline_runs ORDER BY started_at DESC LIMIT ?`,
		[]string{"limit"},
	},
}

func (c *SQLiteConn) Execute(ctx context.Context, q Query) (*Result, error) {
	stmt, ok := sqliteStatements[q.Op]
	if !ok {
		return nil, &Error{Kind: KindUnsupported, Op: q.Op, Err: eris.New("sqlite: unknown op")}
	}
	args := bindArgs(q, stmt.args)

	if q.Op == OpSelectRuns {
		rows, err := c.db.QueryContext(ctx, stmt.sql, args...)
		if err != nil {
			return nil, &Error{Kind: classifySQLite(err), Op: q.Op, Err: err}
		}
		defer rows.Close()
		return scanRows(rows, q.Op)
	}

	res, err := c.db.ExecContext(ctx, stmt.sql, args...)
	if err != nil {
		return nil, &Error{Kind: classifySQLite(err), Op: q.Op, Err: err}
	}
	affected, _ := res.RowsAffected()
	return &Result{RowsAffected: affected}, nil
}

func (c *SQLiteConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &Error{Kind: classifySQLite(err), Op: "begin", Err: err}
	}
	return &sqliteTx{tx: tx}, nil
}

func (c *SQLiteConn) MigrateSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, sqliteSchema); err != nil {
		return &Error{Kind: classifySQLite(err), Op: "migrate", Err: err}
	}
	return nil
}

func (c *SQLiteConn) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *SQLiteConn) Close() error {
	return c.db.Close()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Execute(ctx context.Context, q Query) (*Result, error) {
	stmt, ok := sqliteStatements[q.Op]
	if !ok {
		return nil, &Error{Kind: KindUnsupported, Op: q.Op, Err: eris.New("sqlite: unknown op")}
	}
	res, err := t.tx.ExecContext(ctx, stmt.sql, bindArgs(q, stmt.args)...)
	if err != nil {
		return nil, &Error{Kind: classifySQLite(err), Op: q.Op, Err: err}
	}
	affected, _ := res.RowsAffected()
	return &Result{RowsAffected: affected}, nil
}

func (t *sqliteTx) Commit(ctx context.Context) error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback(ctx context.Context) error { return t.tx.Rollback() }

// bindArgs pulls named arguments into positional order. A missing name
// binds NULL, which the schema defaults absorb.
func bindArgs(q Query, names []string) []any {
	args := make([]any, len(names))
	for i, name := range names {
		args[i] = q.Args[name]
	}
	return args
}

// scanRows converts database/sql rows into the backend-neutral Result.
func scanRows(rows *sql.Rows, op OpType) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Op: op, Err: err}
	}
	out := &Result{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &Error{Kind: KindUnknown, Op: op, Err: err}
		}
		out.Rows = append(out.Rows, Row{Columns: cols, Values: values})
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Kind: classifySQLite(err), Op: op, Err: err}
	}
	return out, nil
}
