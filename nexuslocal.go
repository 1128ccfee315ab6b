// Package nexuslocal is a local-first embedded-database client core. Any
// number of connections may share one logical database: a writer lease keeps
// exactly one of them executing SQL while the rest route through it, live
// queries track committed writes, and shape sync replicates filtered remote
// tables into local ones through the same write path.
package nexuslocal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/nexuslocal/config"
	"github.com/INLOpen/nexuslocal/coordinator"
	"github.com/INLOpen/nexuslocal/core"
	"github.com/INLOpen/nexuslocal/hooks"
	"github.com/INLOpen/nexuslocal/reactive"
	"github.com/INLOpen/nexuslocal/shape"
	"github.com/INLOpen/nexuslocal/storage"
)

// ErrClusterClosed is returned by operations on a closed cluster.
var ErrClusterClosed = errors.New("nexuslocal: cluster is closed")

// Option adjusts cluster construction.
type Option func(*Cluster)

// WithLogger sets the cluster's logger. Defaults to a discarding logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cluster) { c.logger = logger }
}

// WithTracerProvider enables tracing of query and commit spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Cluster) { c.tracerProvider = tp }
}

// Cluster owns the shared pieces of one logical database: the storage
// backend, the routing fabric, and the tuning derived from configuration.
type Cluster struct {
	cfg            *config.Config
	backend        storage.Backend
	network        *coordinator.Network
	logger         *slog.Logger
	tracerProvider trace.TracerProvider

	coordOpts coordinator.Options
	shapeOpts shape.Options

	mu     sync.Mutex
	conns  []*Conn
	closed bool
}

// Open builds a cluster from configuration. A nil backend is derived from
// the config's storage section; a caller-supplied backend overrides it.
func Open(cfg *config.Config, backend storage.Backend, opts ...Option) (*Cluster, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	c := &Cluster{
		cfg:     cfg,
		backend: backend,
		network: coordinator.NewNetwork(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.backend == nil {
		b, err := storage.FromConfig(cfg.Storage)
		if err != nil {
			return nil, err
		}
		c.backend = b
	}

	c.coordOpts = coordinator.OptionsFromConfig(cfg, c.logger)
	c.coordOpts.TracerProvider = c.tracerProvider
	c.shapeOpts = shape.Options{
		BackoffInitial: cfg.ShapeBackoffInitial(c.logger),
		BackoffMax:     cfg.ShapeBackoffMax(c.logger),
	}
	return c, nil
}

// Connect adds one instance to the cluster. The connection is usable
// immediately; leader election proceeds in the background and operations
// block only until a leader is known.
func (c *Cluster) Connect(ctx context.Context) (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClusterClosed
	}

	hookMgr := hooks.NewHookManager(c.logger)
	inst := coordinator.Join(c.network, c.backend, hookMgr, c.logger, c.coordOpts)
	conn := &Conn{
		inst:   inst,
		syncer: shape.NewSyncer(inst, hookMgr, c.logger, c.shapeOpts),
	}
	c.conns = append(c.conns, conn)
	return conn, nil
}

// Close shuts down every connection and releases the backend.
func (c *Cluster) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := c.conns
	c.conns = nil
	c.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	return c.backend.Close()
}

// Conn is one client instance: a coordination participant plus its shape
// syncer. All methods are safe for concurrent use.
type Conn struct {
	inst   *coordinator.Instance
	syncer *shape.Syncer

	closeOnce sync.Once
}

// Execute applies one write statement atomically and returns its commit
// sequence.
func (cn *Conn) Execute(ctx context.Context, sql string, args ...any) (uint64, error) {
	return cn.inst.Execute(ctx, sql, args...)
}

// ExecuteBatch applies several statements as one transaction.
func (cn *Conn) ExecuteBatch(ctx context.Context, stmts []core.Statement) (uint64, error) {
	return cn.inst.ExecuteBatch(ctx, stmts)
}

// QueryOnce runs a read statement once and returns its rows.
func (cn *Conn) QueryOnce(ctx context.Context, sql string, args ...any) (core.Rows, error) {
	return cn.inst.Query(ctx, sql, args...)
}

// Query registers a live query in full mode: after any commit touches a
// table the statement reads, the complete row set is recomputed and
// delivered. The initial snapshot arrives through onResult before any
// change-driven update.
func (cn *Conn) Query(ctx context.Context, sql string, args []any, onResult func(reactive.Update)) (*coordinator.SubscriptionHandle, error) {
	return cn.inst.Subscribe(ctx, reactive.SubscriptionSpec{
		SQL: sql, Args: args, Mode: core.ModeFull,
	}, onResult)
}

// IncrementalQuery registers a live query that delivers the full row set
// together with a keyed diff against the previous delivery.
func (cn *Conn) IncrementalQuery(ctx context.Context, sql string, args []any, keyColumn string, onResult func(reactive.Update)) (*coordinator.SubscriptionHandle, error) {
	return cn.inst.Subscribe(ctx, reactive.SubscriptionSpec{
		SQL: sql, Args: args, Mode: core.ModeIncremental, KeyColumn: keyColumn,
	}, onResult)
}

// Changes registers a live query that delivers only per-key change events,
// one per affected key, instead of snapshots.
func (cn *Conn) Changes(ctx context.Context, sql string, args []any, keyColumn string, onChanges func(reactive.Update)) (*coordinator.SubscriptionHandle, error) {
	return cn.inst.Subscribe(ctx, reactive.SubscriptionSpec{
		SQL: sql, Args: args, Mode: core.ModeChanges, KeyColumn: keyColumn,
	}, onChanges)
}

// SyncShapeToTable starts replicating one remote shape into a local table.
// Applied batches flow through the coordinated write path, so live queries
// over the target table update like for any local write.
func (cn *Conn) SyncShapeToTable(ctx context.Context, spec shape.Spec) (*shape.Handle, error) {
	return cn.syncer.Sync(ctx, spec)
}

// SyncShapesToTables starts a transactionally entangled group of shapes:
// remote transactions spanning several shapes become visible atomically.
func (cn *Conn) SyncShapesToTables(ctx context.Context, specs map[string]shape.Spec) (*shape.CompositeHandle, error) {
	return cn.syncer.SyncAll(ctx, specs)
}

// IsLeader reports whether this connection currently holds the writer lease.
func (cn *Conn) IsLeader() bool {
	return cn.inst.IsLeader()
}

// OnLeaderChange registers a callback for leadership transitions observed by
// this connection.
func (cn *Conn) OnLeaderChange(cb func(coordinator.LeaseState)) {
	cn.inst.OnLeaderChange(cb)
}

// Hooks exposes the connection's event bus.
func (cn *Conn) Hooks() hooks.HookManager {
	return cn.inst.Hooks()
}

// Close disconnects the instance, releasing its lease if it holds one.
func (cn *Conn) Close() {
	cn.closeOnce.Do(func() {
		cn.inst.Close()
	})
}
