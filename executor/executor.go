// Package executor is the query execution facade. It owns the single SQL
// engine connection on behalf of the current leader and is the only component
// allowed to touch the storage backend directly. Writes go through Execute,
// which assigns the commit sequence and reports every committed transaction
// on the event bus.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/INLOpen/nexuslocal/core"
	"github.com/INLOpen/nexuslocal/hooks"
	"github.com/INLOpen/nexuslocal/storage"
)

// Options configures optional executor facilities.
type Options struct {
	// TracerProvider enables tracing of query and commit spans. A noop
	// provider is used when nil.
	TracerProvider trace.TracerProvider
}

// Executor wraps the external SQL engine. All writes are serialized through
// it; the commit sequence it assigns is the only cross-instance ordering
// guarantee.
type Executor struct {
	db     *sql.DB
	hooks  hooks.HookManager
	logger *slog.Logger
	tracer trace.Tracer

	writeCh chan struct{} // capacity 1, held across a write transaction
	seq     uint64        // last committed sequence, guarded by writeCh
}

// Open connects to the SQL engine over the backend's DSN, creates the
// internal bookkeeping tables, and restores the last committed sequence so
// commitSeq stays strictly monotonic across leader changes.
func Open(backend storage.Backend, hookMgr hooks.HookManager, logger *slog.Logger, opts Options) (*Executor, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if hookMgr == nil {
		hookMgr = hooks.NewHookManager(logger)
	}

	db, err := sql.Open("duckdb", backend.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open sql engine: %w", err)
	}
	// The leader holds the storage connection exclusively; a single
	// connection also keeps an in-memory DSN pointing at one database.
	db.SetMaxOpenConns(1)

	e := &Executor{
		db:      db,
		hooks:   hookMgr,
		logger:  logger.With("component", "executor"),
		writeCh: make(chan struct{}, 1),
	}

	if opts.TracerProvider != nil {
		e.tracer = opts.TracerProvider.Tracer("github.com/INLOpen/nexuslocal/executor")
	} else {
		e.tracer = noop.NewTracerProvider().Tracer("")
	}

	if err := e.ensureInternalTables(); err != nil {
		db.Close()
		return nil, err
	}
	if err := e.restoreSequence(); err != nil {
		db.Close()
		return nil, err
	}

	e.logger.Info("Executor opened", "dsn", backend.DSN(), "medium", backend.Medium().String(), "restored_seq", e.seq)
	return e, nil
}

func (e *Executor) ensureInternalTables() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS nexus_commits (id INTEGER PRIMARY KEY, seq BIGINT NOT NULL)`,
		`INSERT INTO nexus_commits (id, seq) SELECT 0, 0 WHERE NOT EXISTS (SELECT 1 FROM nexus_commits WHERE id = 0)`,
		`CREATE TABLE IF NOT EXISTS nexus_shape_cursors (shape_key VARCHAR PRIMARY KEY, cursor VARCHAR NOT NULL)`,
	}
	for _, stmt := range ddl {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create internal tables: %w", err)
		}
	}
	return nil
}

func (e *Executor) restoreSequence() error {
	row := e.db.QueryRow(`SELECT seq FROM nexus_commits WHERE id = 0`)
	if err := row.Scan(&e.seq); err != nil {
		return fmt.Errorf("failed to restore commit sequence: %w", err)
	}
	return nil
}

// CurrentSeq returns the last committed sequence number.
func (e *Executor) CurrentSeq() uint64 {
	e.writeCh <- struct{}{}
	seq := e.seq
	<-e.writeCh
	return seq
}

// Query runs a read statement and materializes the result set.
func (e *Executor) Query(ctx context.Context, query string, args ...any) (core.Rows, error) {
	_, span := e.tracer.Start(ctx, "Executor.Query")
	defer span.End()

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &core.QueryError{SQL: query, Err: err}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, &core.QueryError{SQL: query, Err: err}
	}

	var out core.Rows
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &core.QueryError{SQL: query, Err: err}
		}
		row := make(core.Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &core.QueryError{SQL: query, Err: err}
	}
	return out, nil
}

// Execute applies one transaction: the pre-commit hook runs first (and can
// veto or rewrite it), every statement executes inside a single SQL
// transaction together with the sequence advance, and only after the commit
// succeeds is the post-commit notice published. The assigned sequence is
// returned.
func (e *Executor) Execute(ctx context.Context, stmts []core.Statement) (uint64, error) {
	_, span := e.tracer.Start(ctx, "Executor.Execute")
	defer span.End()

	if len(stmts) == 0 {
		return 0, &core.QueryError{Err: fmt.Errorf("empty transaction")}
	}

	if err := e.hooks.Trigger(ctx, hooks.NewPreCommitEvent(hooks.PreCommitPayload{Statements: &stmts})); err != nil {
		return 0, &core.QueryError{Err: err}
	}

	select {
	case e.writeCh <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-e.writeCh }()

	seq := e.seq + 1

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &core.QueryError{Err: fmt.Errorf("failed to begin transaction: %w", err)}
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
			tx.Rollback()
			return 0, &core.QueryError{SQL: stmt.SQL, Err: err}
		}
	}

	// The sequence advance rides the same transaction, so a crash can never
	// leave a committed write without its sequence (or the reverse).
	if _, err := tx.ExecContext(ctx, `UPDATE nexus_commits SET seq = ? WHERE id = 0`, seq); err != nil {
		tx.Rollback()
		return 0, &core.QueryError{Err: fmt.Errorf("failed to advance commit sequence: %w", err)}
	}

	if err := tx.Commit(); err != nil {
		return 0, &core.QueryError{Err: fmt.Errorf("commit failed: %w", err)}
	}
	e.seq = seq

	notice := core.CommitNotice{Seq: seq, Tables: touchedTables(stmts)}
	if err := e.hooks.Trigger(ctx, hooks.NewPostCommitEvent(hooks.PostCommitPayload{Notice: notice})); err != nil {
		e.logger.Error("Post-commit hook failed", "seq", seq, "error", err)
	}

	e.logger.Debug("Transaction committed", "seq", seq, "statements", len(stmts), "tables", notice.Tables)
	return seq, nil
}

// LoadShapeCursor returns the persisted resumption cursor for a shape key.
func (e *Executor) LoadShapeCursor(ctx context.Context, shapeKey string) (string, bool, error) {
	rows, err := e.Query(ctx, `SELECT cursor FROM nexus_shape_cursors WHERE shape_key = ?`, shapeKey)
	if err != nil {
		return "", false, err
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	cursor, _ := rows[0]["cursor"].(string)
	return cursor, true, nil
}

// CursorUpsertStatement builds the statement that persists a shape cursor.
// Shape sync appends it to the batch's own transaction so the cursor can
// never advance ahead of the applied batch.
func CursorUpsertStatement(shapeKey, cursor string) core.Statement {
	return core.Statement{
		SQL:  `INSERT OR REPLACE INTO nexus_shape_cursors (shape_key, cursor) VALUES (?, ?)`,
		Args: []any{shapeKey, cursor},
	}
}

// Close releases the SQL engine connection.
func (e *Executor) Close() error {
	return e.db.Close()
}
