// Package reactive keeps live query subscriptions consistent with committed
// writes. It listens for commit notices on the event bus, marks affected
// subscriptions dirty by table reference, and recomputes them strictly after
// the triggering commit. No component invalidates a subscription manually.
package reactive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/INLOpen/nexuslocal/core"
	"github.com/INLOpen/nexuslocal/executor"
	"github.com/INLOpen/nexuslocal/hooks"
)

// QueryRunner is the read path subscriptions recompute through. The leader's
// executor satisfies it.
type QueryRunner interface {
	Query(ctx context.Context, query string, args ...any) (core.Rows, error)
	CurrentSeq() uint64
}

// SubscriptionSpec describes one live query registration.
type SubscriptionSpec struct {
	ID        string
	SQL       string
	Args      []any
	Mode      core.SubscriptionMode
	KeyColumn string
}

// Update is one delivery to a subscriber. For ModeChanges only Events is
// populated after the initial snapshot; for the other modes Rows always
// carries the full current row set. A Terminal update is the last one the
// subscription will ever deliver.
type Update struct {
	SubscriptionID string
	Initial        bool
	CommitSeq      uint64
	Rows           core.Rows
	Diff           *Diff
	Events         []core.ChangeEvent
	Err            error
	Terminal       bool
}

// Deliver receives updates for one subscription. It is called from the
// engine's scheduler goroutine; one subscription's deliveries are ordered.
type Deliver func(Update)

// Subscription is a live query handle.
type Subscription struct {
	Spec    SubscriptionSpec
	Initial core.Rows

	engine  *Engine
	deliver Deliver
	tables  []string

	mu         sync.Mutex
	closed     bool
	ready      bool // initial snapshot delivered; recomputes may run
	dirty      bool
	pendingSeq uint64
	baseline   *keyedRows
}

// Unsubscribe removes the subscription. All future deliveries stop
// immediately; an in-flight recomputation may still run but its result is
// discarded.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.engine.remove(s.Spec.ID)
}

// Engine tracks subscriptions and schedules their recomputation.
type Engine struct {
	runner QueryRunner
	hooks  hooks.HookManager
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription

	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates the reactive engine, registers its dirty-tracking
// listener on the event bus, and starts the recompute scheduler.
func NewEngine(runner QueryRunner, hookMgr hooks.HookManager, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{
		runner: runner,
		hooks:  hookMgr,
		logger: logger.With("component", "reactive"),
		subs:   make(map[string]*Subscription),
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}

	hookMgr.Register(hooks.EventPostCommit, &hooks.ListenerFunc{
		Fn: func(ctx context.Context, event hooks.HookEvent) error {
			e.markDirty(event.Payload().(hooks.PostCommitPayload).Notice)
			return nil
		},
	})

	e.wg.Add(1)
	go e.runScheduler()
	return e
}

// Stop shuts the scheduler down. Registered subscriptions stop receiving
// updates; they are not individually notified.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// Subscribe validates the spec, executes the statement once synchronously,
// and registers the subscription. A SQL error surfaces here, before any
// state is created. The initial snapshot is delivered through the callback
// before Subscribe returns.
func (e *Engine) Subscribe(ctx context.Context, spec SubscriptionSpec, deliver Deliver) (*Subscription, error) {
	if !spec.Mode.Valid() {
		return nil, &core.QueryError{Err: fmt.Errorf("invalid subscription mode: %q", spec.Mode)}
	}
	if spec.Mode.NeedsKeyColumn() && spec.KeyColumn == "" {
		return nil, &core.QueryError{Err: fmt.Errorf("mode %q requires a key column", spec.Mode)}
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}

	seq := e.runner.CurrentSeq()
	rows, err := e.runner.Query(ctx, spec.SQL, spec.Args...)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		Spec:    spec,
		Initial: rows,
		engine:  e,
		deliver: deliver,
		tables:  executor.ExtractTables(spec.SQL),
	}
	if spec.Mode.NeedsKeyColumn() {
		baseline, err := keyRows(rows, spec.KeyColumn)
		if err != nil {
			return nil, &core.QueryError{SQL: spec.SQL, Err: err}
		}
		sub.baseline = baseline
	}

	e.mu.Lock()
	e.subs[spec.ID] = sub
	e.mu.Unlock()

	deliver(Update{SubscriptionID: spec.ID, Initial: true, CommitSeq: seq, Rows: rows})

	// A commit can land between the snapshot query and the registration
	// above; its notice found no subscription to mark. Now that the
	// subscription is visible, compare sequences and self-mark so the
	// subscriber catches up instead of staying stale until the next commit.
	sub.mu.Lock()
	if cur := e.runner.CurrentSeq(); cur > seq {
		sub.dirty = true
		if cur > sub.pendingSeq {
			sub.pendingSeq = cur
		}
	}
	sub.ready = true
	dirty := sub.dirty
	sub.mu.Unlock()
	if dirty {
		e.wake()
	}

	e.logger.Debug("Subscription registered", "id", spec.ID, "mode", spec.Mode, "tables", sub.tables)
	return sub, nil
}

func (e *Engine) remove(id string) {
	e.mu.Lock()
	delete(e.subs, id)
	e.mu.Unlock()
}

// markDirty flags every subscription whose statement references a touched
// table. Over-approximation is acceptable; missing a table is not.
func (e *Engine) markDirty(notice core.CommitNotice) {
	e.mu.Lock()
	for _, sub := range e.subs {
		if !executor.TablesOverlap(sub.tables, notice.Tables) {
			continue
		}
		sub.mu.Lock()
		sub.dirty = true
		if notice.Seq > sub.pendingSeq {
			sub.pendingSeq = notice.Seq
		}
		sub.mu.Unlock()
	}
	e.mu.Unlock()
	e.wake()
}

func (e *Engine) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

func (e *Engine) runScheduler() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.wakeCh:
		}

		for {
			sub := e.nextDirty()
			if sub == nil {
				break
			}
			e.recompute(sub)
		}
	}
}

func (e *Engine) nextDirty() *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subs {
		sub.mu.Lock()
		if sub.dirty && sub.ready && !sub.closed {
			sub.dirty = false
			sub.mu.Unlock()
			return sub
		}
		sub.mu.Unlock()
	}
	return nil
}

// recompute re-executes a dirty subscription's statement against the current
// snapshot and delivers per the subscription's mode. It runs strictly after
// the triggering commit; the sequence attached to the delivery is therefore
// at or after that commit.
func (e *Engine) recompute(sub *Subscription) {
	ctx := context.Background()
	seq := e.runner.CurrentSeq()

	rows, err := e.runner.Query(ctx, sub.Spec.SQL, sub.Spec.Args...)
	if err != nil {
		e.terminate(sub, err)
		return
	}

	update := Update{SubscriptionID: sub.Spec.ID, CommitSeq: seq, Rows: rows}

	if sub.Spec.Mode.NeedsKeyColumn() {
		next, err := keyRows(rows, sub.Spec.KeyColumn)
		if err != nil {
			e.terminate(sub, err)
			return
		}

		sub.mu.Lock()
		prev := sub.baseline
		sub.baseline = next
		sub.mu.Unlock()

		diff := diffKeyed(prev, next)
		if diff.Empty() {
			// The commit touched a referenced table but this result set is
			// unchanged; nothing to deliver in keyed modes.
			return
		}
		switch sub.Spec.Mode {
		case core.ModeIncremental:
			update.Diff = diff
		case core.ModeChanges:
			table := ""
			if len(sub.tables) == 1 && sub.tables[0] != core.WildcardTable {
				table = sub.tables[0]
			}
			update.Rows = nil
			update.Events = changeEvents(diff, table, sub.Spec.KeyColumn, seq)
		}
	}

	sub.mu.Lock()
	closed := sub.closed
	sub.mu.Unlock()
	if closed {
		// Unsubscribed while recomputing: discard the result.
		return
	}
	sub.deliver(update)
}

// terminate delivers a terminal error to one subscription and removes it.
// Other subscriptions are unaffected.
func (e *Engine) terminate(sub *Subscription, cause error) {
	fatal := &core.SubscriptionFatalError{SubscriptionID: sub.Spec.ID, Err: cause}

	sub.mu.Lock()
	alreadyClosed := sub.closed
	sub.closed = true
	sub.mu.Unlock()
	e.remove(sub.Spec.ID)

	if alreadyClosed {
		return
	}

	e.logger.Warn("Subscription terminated", "id", sub.Spec.ID, "error", cause)
	if err := e.hooks.Trigger(context.Background(), hooks.NewSubscriptionTerminatedEvent(hooks.SubscriptionTerminatedPayload{
		SubscriptionID: sub.Spec.ID,
		Err:            fatal,
	})); err != nil {
		e.logger.Error("Subscription-terminated hook failed", "id", sub.Spec.ID, "error", err)
	}
	sub.deliver(Update{SubscriptionID: sub.Spec.ID, Err: fatal, Terminal: true})
}
