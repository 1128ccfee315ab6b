// Package coordinator arbitrates single-writer access across every client
// instance sharing one logical database. Exactly one instance holds the
// writer lease at a time; all others forward their work to it over the
// message fabric and cannot tell the difference.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/INLOpen/nexuslocal/core"
	"github.com/INLOpen/nexuslocal/executor"
	"github.com/INLOpen/nexuslocal/hooks"
	"github.com/INLOpen/nexuslocal/reactive"
	"github.com/INLOpen/nexuslocal/storage"
)

// errNotLeader is returned over the fabric when a request lands on an
// instance that no longer leads. The caller re-resolves and retries.
var errNotLeader = errors.New("not the leader")

// Instance is one connected process (tab, worker) participating in
// coordination. Its API behaves identically whether or not it currently
// holds the writer lease.
type Instance struct {
	ID string

	opts    Options
	network *Network
	backend storage.Backend
	hooks   hooks.HookManager
	logger  *slog.Logger
	mailbox chan envelope

	mu       sync.Mutex
	state    LeaseState
	leaderID string
	exec     *executor.Executor
	engine   *reactive.Engine
	pending  map[string]chan envelope
	forwards map[string]*reactive.Subscription
	subs     map[string]*SubscriptionHandle
	cbs      []func(LeaseState)

	releaseOnStop bool
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// Join attaches a new instance to the fabric and starts its election and
// mailbox loops. The instance participates in leader election immediately.
func Join(network *Network, backend storage.Backend, hookMgr hooks.HookManager, logger *slog.Logger, opts Options) *Instance {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if hookMgr == nil {
		hookMgr = hooks.NewHookManager(logger)
	}
	id := uuid.NewString()

	inst := &Instance{
		ID:            id,
		opts:          opts,
		network:       network,
		backend:       backend,
		hooks:         hookMgr,
		logger:        logger.With("component", "coordinator", "instance", id),
		mailbox:       network.Attach(id),
		state:         LeaseState{Phase: PhaseFollower},
		pending:       make(map[string]chan envelope),
		forwards:      make(map[string]*reactive.Subscription),
		subs:          make(map[string]*SubscriptionHandle),
		releaseOnStop: true,
		stopCh:        make(chan struct{}),
	}

	inst.wg.Add(2)
	go inst.runMailbox()
	go inst.runElection()
	return inst
}

// Close disconnects the instance. If it holds the lease, the lease is
// released so a waiting instance can take over without waiting for expiry.
func (inst *Instance) Close() {
	inst.shutdown(true)
}

// Kill disconnects the instance without releasing its lease, simulating a
// crash. A waiting instance takes over only once the lease expires.
func (inst *Instance) Kill() {
	inst.shutdown(false)
}

func (inst *Instance) shutdown(release bool) {
	inst.stopOnce.Do(func() {
		inst.mu.Lock()
		inst.releaseOnStop = release
		inst.mu.Unlock()

		close(inst.stopCh)
		inst.network.Detach(inst.ID)
		inst.wg.Wait()
		inst.hooks.Stop()
		inst.logger.Info("Instance closed", "released_lease", release)
	})
}

// IsLeader reports whether this instance currently holds write authority.
func (inst *Instance) IsLeader() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state.Phase.Leading()
}

// LeaseState returns the instance's last observed leadership state.
func (inst *Instance) LeaseState() LeaseState {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

// OnLeaderChange registers a callback invoked on every observed leadership
// transition, including this instance gaining or losing the lease.
func (inst *Instance) OnLeaderChange(cb func(LeaseState)) {
	inst.mu.Lock()
	inst.cbs = append(inst.cbs, cb)
	inst.mu.Unlock()
}

// Hooks returns the instance's event bus.
func (inst *Instance) Hooks() hooks.HookManager {
	return inst.hooks
}

// Executor returns the instance's executor while it leads, or nil.
func (inst *Instance) Executor() *executor.Executor {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.exec
}

func (inst *Instance) currentEngine() *reactive.Engine {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.engine
}

// Execute applies a single write statement. See ExecuteBatch.
func (inst *Instance) Execute(ctx context.Context, query string, args ...any) (uint64, error) {
	return inst.ExecuteBatch(ctx, []core.Statement{{SQL: query, Args: args}})
}

// ExecuteBatch applies one atomic transaction through whichever instance
// holds the lease and returns the assigned commit sequence. Routing
// timeouts are retried a bounded number of times before surfacing; the
// coordinator does not deduplicate retried requests.
func (inst *Instance) ExecuteBatch(ctx context.Context, stmts []core.Statement) (uint64, error) {
	var lastErr error
	for attempt := 0; attempt <= inst.opts.MaxRetries; attempt++ {
		if exec := inst.Executor(); exec != nil {
			return exec.Execute(ctx, stmts)
		}
		leaderID, err := inst.waitForLeader(ctx)
		if err != nil {
			return 0, err
		}
		if leaderID == inst.ID {
			// Leadership arrived between checks; loop to the local path.
			continue
		}
		resp, err := inst.roundTrip(ctx, leaderID, envelope{kind: kindExecRequest, stmts: stmts})
		if err != nil {
			lastErr = err
			if core.Transient(err) {
				continue
			}
			return 0, err
		}
		if resp.err != nil {
			if errors.Is(resp.err, errNotLeader) {
				lastErr = resp.err
				continue
			}
			return 0, resp.err
		}
		return resp.seq, nil
	}
	return 0, fmt.Errorf("write failed after %d attempts: %w", inst.opts.MaxRetries+1, lastErr)
}

// Query runs a read statement through the current leader.
func (inst *Instance) Query(ctx context.Context, query string, args ...any) (core.Rows, error) {
	var lastErr error
	for attempt := 0; attempt <= inst.opts.MaxRetries; attempt++ {
		if exec := inst.Executor(); exec != nil {
			return exec.Query(ctx, query, args...)
		}
		leaderID, err := inst.waitForLeader(ctx)
		if err != nil {
			return nil, err
		}
		if leaderID == inst.ID {
			continue
		}
		resp, err := inst.roundTrip(ctx, leaderID, envelope{kind: kindQueryRequest, query: query, args: args})
		if err != nil {
			lastErr = err
			if core.Transient(err) {
				continue
			}
			return nil, err
		}
		if resp.err != nil {
			if errors.Is(resp.err, errNotLeader) {
				lastErr = resp.err
				continue
			}
			return nil, resp.err
		}
		return resp.rows, nil
	}
	return nil, fmt.Errorf("query failed after %d attempts: %w", inst.opts.MaxRetries+1, lastErr)
}

// SubscriptionHandle is a live query created on this instance, whether the
// statement currently evaluates locally (leader) or on a remote leader.
type SubscriptionHandle struct {
	Spec reactive.SubscriptionSpec

	inst    *Instance
	deliver reactive.Deliver

	mu        sync.Mutex
	closed    bool
	leaderSub *reactive.Subscription // non-nil while served by the local engine
}

func (h *SubscriptionHandle) dispatch(update reactive.Update) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}
	h.deliver(update)
}

// Unsubscribe stops all future deliveries immediately.
func (h *SubscriptionHandle) Unsubscribe() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	leaderSub := h.leaderSub
	h.leaderSub = nil
	h.mu.Unlock()

	h.inst.removeSub(h.Spec.ID)
	if leaderSub != nil {
		leaderSub.Unsubscribe()
		return
	}
	if leaderID := h.inst.cachedLeader(); leaderID != "" {
		h.inst.network.Send(leaderID, envelope{
			kind: kindUnsubscribeRequest, from: h.inst.ID, subID: h.Spec.ID,
		})
	}
}

// Subscribe registers a live query. SQL errors surface synchronously before
// any subscription state exists. The initial snapshot arrives through the
// delivery callback.
func (inst *Instance) Subscribe(ctx context.Context, spec reactive.SubscriptionSpec, deliver reactive.Deliver) (*SubscriptionHandle, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	h := &SubscriptionHandle{Spec: spec, inst: inst, deliver: deliver}

	if engine := inst.currentEngine(); engine != nil {
		leaderSub, err := engine.Subscribe(ctx, spec, h.dispatch)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.leaderSub = leaderSub
		h.mu.Unlock()
		inst.registerSub(h)
		return h, nil
	}

	// Register before forwarding so the initial delivery, which the leader
	// sends ahead of the acknowledgement, finds its handle.
	inst.registerSub(h)

	var lastErr error
	for attempt := 0; attempt <= inst.opts.MaxRetries; attempt++ {
		leaderID, err := inst.waitForLeader(ctx)
		if err != nil {
			inst.removeSub(spec.ID)
			return nil, err
		}
		if leaderID == inst.ID {
			// Became leader while subscribing; serve locally.
			engine := inst.currentEngine()
			if engine == nil {
				continue
			}
			leaderSub, err := engine.Subscribe(ctx, spec, h.dispatch)
			if err != nil {
				inst.removeSub(spec.ID)
				return nil, err
			}
			h.mu.Lock()
			h.leaderSub = leaderSub
			h.mu.Unlock()
			return h, nil
		}
		resp, err := inst.roundTrip(ctx, leaderID, envelope{kind: kindSubscribeRequest, subSpec: spec, subID: spec.ID})
		if err != nil {
			lastErr = err
			if core.Transient(err) {
				continue
			}
			inst.removeSub(spec.ID)
			return nil, err
		}
		if resp.err != nil {
			if errors.Is(resp.err, errNotLeader) {
				lastErr = resp.err
				continue
			}
			inst.removeSub(spec.ID)
			return nil, resp.err
		}
		return h, nil
	}
	inst.removeSub(spec.ID)
	return nil, fmt.Errorf("subscribe failed after %d attempts: %w", inst.opts.MaxRetries+1, lastErr)
}

func (inst *Instance) registerSub(h *SubscriptionHandle) {
	inst.mu.Lock()
	inst.subs[h.Spec.ID] = h
	inst.mu.Unlock()
}

func (inst *Instance) removeSub(id string) {
	inst.mu.Lock()
	delete(inst.subs, id)
	inst.mu.Unlock()
}

func (inst *Instance) cachedLeader() string {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state.Phase.Leading() {
		return inst.ID
	}
	return inst.leaderID
}

// waitForLeader blocks until some instance is known to hold the lease, or
// the election bound (expiry + heartbeat) passes.
func (inst *Instance) waitForLeader(ctx context.Context) (string, error) {
	bound := inst.opts.Expiry + inst.opts.Heartbeat
	deadline := time.Now().Add(bound)
	store := inst.backend.LeaseStore()

	for {
		if id := inst.cachedLeader(); id != "" {
			return id, nil
		}

		record, held, err := store.Current(ctx, inst.opts.LeaseName)
		if err == nil && held && !record.Expired(time.Now()) {
			inst.observeLeader(record.HolderID, record.Epoch, record.ExpiresAt)
			return record.HolderID, nil
		}

		if time.Now().After(deadline) {
			return "", &core.ElectionTimeoutError{Waited: bound}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-inst.stopCh:
			return "", errors.New("instance closed")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// roundTrip sends one correlated request to the leader and waits for its
// response or the follower request timeout.
func (inst *Instance) roundTrip(ctx context.Context, leaderID string, env envelope) (envelope, error) {
	corrID := uuid.NewString()
	replyCh := make(chan envelope, 1)

	inst.mu.Lock()
	inst.pending[corrID] = replyCh
	inst.mu.Unlock()
	defer func() {
		inst.mu.Lock()
		delete(inst.pending, corrID)
		inst.mu.Unlock()
	}()

	env.corrID = corrID
	env.from = inst.ID
	if !inst.network.Send(leaderID, env) {
		// Unknown or saturated leader mailbox: let the cached leader go
		// stale and report it like a lost request.
		inst.forgetLeader(leaderID)
		return envelope{}, &core.RoutingTimeoutError{CorrelationID: corrID, Timeout: 0}
	}

	select {
	case resp := <-replyCh:
		return resp, nil
	case <-time.After(inst.opts.RequestTimeout):
		inst.forgetLeader(leaderID)
		return envelope{}, &core.RoutingTimeoutError{CorrelationID: corrID, Timeout: inst.opts.RequestTimeout}
	case <-ctx.Done():
		return envelope{}, ctx.Err()
	case <-inst.stopCh:
		return envelope{}, errors.New("instance closed")
	}
}

func (inst *Instance) forgetLeader(leaderID string) {
	inst.mu.Lock()
	if inst.leaderID == leaderID {
		inst.leaderID = ""
	}
	inst.mu.Unlock()
}

// runMailbox is the instance's single-threaded message loop; all
// cross-instance work lands here.
func (inst *Instance) runMailbox() {
	defer inst.wg.Done()
	for {
		select {
		case <-inst.stopCh:
			return
		case env := <-inst.mailbox:
			inst.handle(env)
		}
	}
}

func (inst *Instance) handle(env envelope) {
	switch env.kind {
	case kindExecRequest:
		inst.serveExec(env)
	case kindQueryRequest:
		inst.serveQuery(env)
	case kindSubscribeRequest:
		inst.serveSubscribe(env)
	case kindUnsubscribeRequest:
		inst.serveUnsubscribe(env)
	case kindResponse:
		inst.mu.Lock()
		replyCh, ok := inst.pending[env.corrID]
		inst.mu.Unlock()
		if ok {
			replyCh <- env
		}
	case kindDelivery:
		inst.mu.Lock()
		h, ok := inst.subs[env.subID]
		inst.mu.Unlock()
		if ok {
			if env.update.Terminal {
				inst.removeSub(env.subID)
			}
			h.dispatch(env.update)
		}
	case kindLeaderAnnounce:
		inst.handleAnnounce(env.state)
	}
}

func (inst *Instance) respond(to, corrID string, env envelope) {
	env.kind = kindResponse
	env.corrID = corrID
	env.from = inst.ID
	inst.network.Send(to, env)
}

func (inst *Instance) serveExec(env envelope) {
	exec := inst.Executor()
	if exec == nil {
		inst.respond(env.from, env.corrID, envelope{err: errNotLeader})
		return
	}
	seq, err := exec.Execute(context.Background(), env.stmts)
	inst.respond(env.from, env.corrID, envelope{seq: seq, err: err})
}

func (inst *Instance) serveQuery(env envelope) {
	exec := inst.Executor()
	if exec == nil {
		inst.respond(env.from, env.corrID, envelope{err: errNotLeader})
		return
	}
	rows, err := exec.Query(context.Background(), env.query, env.args...)
	inst.respond(env.from, env.corrID, envelope{rows: rows, err: err})
}

// serveSubscribe registers a forwarded subscription whose deliveries stream
// back to the originating instance's mailbox.
func (inst *Instance) serveSubscribe(env envelope) {
	engine := inst.currentEngine()
	if engine == nil {
		inst.respond(env.from, env.corrID, envelope{err: errNotLeader})
		return
	}

	origin := env.from
	subID := env.subID

	// A re-registration after a leadership change replaces the old pipe.
	inst.mu.Lock()
	if old, ok := inst.forwards[subID]; ok {
		delete(inst.forwards, subID)
		inst.mu.Unlock()
		old.Unsubscribe()
	} else {
		inst.mu.Unlock()
	}

	leaderSub, err := engine.Subscribe(context.Background(), env.subSpec, func(update reactive.Update) {
		inst.network.Send(origin, envelope{kind: kindDelivery, from: inst.ID, subID: subID, update: update})
	})
	if err == nil {
		inst.mu.Lock()
		inst.forwards[subID] = leaderSub
		inst.mu.Unlock()
	}
	inst.respond(origin, env.corrID, envelope{err: err})
}

func (inst *Instance) serveUnsubscribe(env envelope) {
	inst.mu.Lock()
	leaderSub, ok := inst.forwards[env.subID]
	delete(inst.forwards, env.subID)
	inst.mu.Unlock()
	if ok {
		leaderSub.Unsubscribe()
	}
}
