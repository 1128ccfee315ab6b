package shape

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/nexuslocal/core"
	"github.com/INLOpen/nexuslocal/executor"
	"github.com/INLOpen/nexuslocal/hooks"
)

// Status describes where a shape is in its sync lifecycle.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusSyncing    Status = "syncing"
	StatusUpToDate   Status = "up-to-date"
	StatusRetrying   Status = "retrying"
	StatusFailed     Status = "failed"
)

// Spec configures one shape: where it comes from and where it lands.
type Spec struct {
	// ShapeKey names the persisted resumption cursor. An empty key disables
	// resumption; the shape restarts from the beginning of the log.
	ShapeKey string
	// Source is the remote shape URL, used when Endpoint is nil.
	Source  string
	Filter  string
	Columns []string
	// Endpoint overrides the HTTP transport, mainly for tests.
	Endpoint Endpoint
	// Table is the local destination table.
	Table string
	// PrimaryKey is the destination's key column, used for deletes.
	PrimaryKey string
}

func (s Spec) endpoint() Endpoint {
	if s.Endpoint != nil {
		return s.Endpoint
	}
	return NewHTTPEndpoint(s.ShapeKey, s.Source, s.Filter, s.Columns, nil)
}

// Applier is the write path batches go through. The coordinator's instance
// satisfies it, so applied batches flow through the single writer and wake
// live queries like any local write.
type Applier interface {
	ExecuteBatch(ctx context.Context, stmts []core.Statement) (uint64, error)
	Query(ctx context.Context, query string, args ...any) (core.Rows, error)
}

// Options carries the retry envelope for the fetch loop.
type Options struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultOptions matches the configuration defaults.
func DefaultOptions() Options {
	return Options{BackoffInitial: time.Second, BackoffMax: 30 * time.Second}
}

// Handle controls one running shape sync.
type Handle struct {
	Spec Spec

	mu       sync.Mutex
	status   Status
	err      error
	upToDate bool
	watchers []func(Status)

	cancel context.CancelFunc
	done   chan struct{}
}

// IsUpToDate reports whether the shape has reached the live end of the
// remote log at least once.
func (h *Handle) IsUpToDate() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.upToDate
}

// Status returns the shape's current lifecycle status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err returns the fatal error for a failed shape, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// OnStatusChange registers a callback fired on every status transition.
func (h *Handle) OnStatusChange(cb func(Status)) {
	h.mu.Lock()
	h.watchers = append(h.watchers, cb)
	h.mu.Unlock()
}

// Unsubscribe stops the sync loop. Already-applied batches stay applied.
func (h *Handle) Unsubscribe() {
	h.cancel()
	<-h.done
}

// Wait blocks until the sync loop exits and returns its fatal error, if any.
func (h *Handle) Wait() error {
	<-h.done
	return h.Err()
}

func (h *Handle) setStatus(s Status, err error) {
	h.mu.Lock()
	if h.status == s {
		h.mu.Unlock()
		return
	}
	h.status = s
	if err != nil {
		h.err = err
	}
	if s == StatusUpToDate {
		h.upToDate = true
	}
	watchers := make([]func(Status), len(h.watchers))
	copy(watchers, h.watchers)
	h.mu.Unlock()
	for _, cb := range watchers {
		cb(s)
	}
}

// Syncer runs shape sync loops against one applier.
type Syncer struct {
	applier Applier
	hooks   hooks.HookManager
	logger  *slog.Logger
	opts    Options
}

// NewSyncer builds a syncer. A nil hook manager disables status events.
func NewSyncer(applier Applier, hookMgr hooks.HookManager, logger *slog.Logger, opts Options) *Syncer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = 30 * time.Second
	}
	return &Syncer{
		applier: applier,
		hooks:   hookMgr,
		logger:  logger.With("component", "shape"),
		opts:    opts,
	}
}

// Sync starts replicating one shape into its destination table and returns
// immediately. Progress is observable through the handle.
func (s *Syncer) Sync(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.Table == "" {
		return nil, fmt.Errorf("shape %q: destination table is required", spec.ShapeKey)
	}
	if spec.Endpoint == nil && spec.Source == "" {
		return nil, fmt.Errorf("shape %q: either Source or Endpoint is required", spec.ShapeKey)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		Spec:   spec,
		status: StatusConnecting,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(runCtx, spec, h)
	return h, nil
}

func (s *Syncer) run(ctx context.Context, spec Spec, h *Handle) {
	defer close(h.done)
	logger := s.logger.With("shape", spec.ShapeKey, "table", spec.Table)

	cursor, err := s.loadCursor(ctx, spec.ShapeKey)
	if err != nil {
		logger.Error("Failed to load shape cursor", "error", err)
		s.transition(h, StatusFailed, err)
		return
	}
	if cursor != "" {
		logger.Info("Resuming shape from persisted cursor", "cursor", cursor)
	}

	endpoint := spec.endpoint()
	backoff := s.opts.BackoffInitial

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := endpoint.Fetch(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if core.IsShapeSchemaError(err) {
				logger.Error("Shape stopped on incompatible batch", "error", err)
				s.transition(h, StatusFailed, err)
				return
			}
			logger.Warn("Shape fetch failed, backing off", "error", err, "backoff", backoff)
			s.transition(h, StatusRetrying, nil)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > s.opts.BackoffMax {
				backoff = s.opts.BackoffMax
			}
			continue
		}
		backoff = s.opts.BackoffInitial

		if len(batch.Messages) > 0 || (batch.Cursor != "" && batch.Cursor != cursor) {
			stmts, err := translate(spec, batch.Messages)
			if err != nil {
				s.transition(h, StatusFailed, err)
				return
			}
			next := batch.Cursor
			if next == "" {
				next = cursor
			}
			if spec.ShapeKey != "" && next != "" {
				stmts = append(stmts, executor.CursorUpsertStatement(spec.ShapeKey, next))
			}
			if len(stmts) > 0 {
				if _, err := s.applier.ExecuteBatch(ctx, stmts); err != nil {
					if ctx.Err() != nil {
						return
					}
					logger.Error("Failed to apply shape batch", "error", err)
					s.transition(h, StatusFailed, err)
					return
				}
			}
			// The cursor moves only after its batch committed.
			cursor = next
		}

		if batch.UpToDate {
			s.transition(h, StatusUpToDate, nil)
			// Idle at the live end; re-poll at the initial backoff cadence.
			if !sleepCtx(ctx, s.opts.BackoffInitial) {
				return
			}
		} else {
			s.transition(h, StatusSyncing, nil)
		}
	}
}

func (s *Syncer) loadCursor(ctx context.Context, shapeKey string) (string, error) {
	if shapeKey == "" {
		return "", nil
	}
	rows, err := s.applier.Query(ctx, `SELECT cursor FROM nexus_shape_cursors WHERE shape_key = ?`, shapeKey)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	cursor, _ := rows[0]["cursor"].(string)
	return cursor, nil
}

func (s *Syncer) transition(h *Handle, status Status, err error) {
	prev := h.Status()
	h.setStatus(status, err)
	if s.hooks != nil && prev != status {
		s.hooks.Trigger(context.Background(), hooks.NewShapeStatusChangedEvent(hooks.ShapeStatusChangedPayload{
			ShapeKey: h.Spec.ShapeKey,
			Status:   string(status),
		}))
	}
}

// translate turns remote messages into local statements. Inserts and updates
// are unconditional upserts; the remote row always wins over local edits.
func translate(spec Spec, msgs []Message) ([]core.Statement, error) {
	stmts := make([]core.Statement, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Op {
		case opInsert, opUpdate:
			stmt, err := upsertStatement(spec.Table, msg.Row)
			if err != nil {
				return nil, &core.ShapeSchemaError{ShapeKey: spec.ShapeKey, Err: err}
			}
			stmts = append(stmts, stmt)
		case opDelete:
			if spec.PrimaryKey == "" {
				return nil, &core.ShapeSchemaError{ShapeKey: spec.ShapeKey, Err: fmt.Errorf("delete without a configured primary key")}
			}
			key := any(msg.Key)
			if v, ok := msg.Row[spec.PrimaryKey]; ok {
				key = v
			}
			stmts = append(stmts, core.Statement{
				SQL:  fmt.Sprintf("DELETE FROM %s WHERE %s = ?", spec.Table, spec.PrimaryKey),
				Args: []any{key},
			})
		default:
			return nil, &core.ShapeSchemaError{ShapeKey: spec.ShapeKey, Err: fmt.Errorf("unknown operation %q", msg.Op)}
		}
	}
	return stmts, nil
}

func upsertStatement(table string, row core.Row) (core.Statement, error) {
	if len(row) == 0 {
		return core.Statement{}, fmt.Errorf("upsert without a row image")
	}
	columns := make([]string, 0, len(row))
	for col := range row {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	args := make([]any, 0, len(columns))
	placeholders := make([]string, 0, len(columns))
	for _, col := range columns {
		args = append(args, row[col])
		placeholders = append(placeholders, "?")
	}
	return core.Statement{
		SQL: fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
			table, strings.Join(columns, ", "), strings.Join(placeholders, ", ")),
		Args: args,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
