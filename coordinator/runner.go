package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/INLOpen/nexuslocal/executor"
	"github.com/INLOpen/nexuslocal/hooks"
	"github.com/INLOpen/nexuslocal/reactive"
	"github.com/INLOpen/nexuslocal/storage"
)

func leaseRequest(holderID string, opts Options) storage.LeaseRequest {
	return storage.LeaseRequest{
		Name:     opts.LeaseName,
		HolderID: holderID,
		Duration: opts.Expiry,
	}
}

// runElection is the instance's lease loop. Followers poll for the lease at
// the acquire interval; the holder renews at the heartbeat interval until a
// renewal fails or the instance shuts down.
func (inst *Instance) runElection() {
	defer inst.wg.Done()

	store := inst.backend.LeaseStore()
	req := leaseRequest(inst.ID, inst.opts)
	ctx := context.Background()

	for {
		select {
		case <-inst.stopCh:
			return
		default:
		}

		record, acquired, err := store.Acquire(ctx, req)
		if err != nil {
			inst.logger.Warn("Lease acquire failed", "error", err)
			if !inst.sleep(inst.opts.AcquireInterval) {
				return
			}
			continue
		}

		if !acquired {
			// Someone else leads; remember who for routing.
			if current, held, err := store.Current(ctx, inst.opts.LeaseName); err == nil && held && !current.Expired(time.Now()) {
				inst.observeLeader(current.HolderID, current.Epoch, current.ExpiresAt)
			}
			if !inst.sleep(inst.opts.AcquireInterval) {
				return
			}
			continue
		}

		if err := inst.becomeLeader(record); err != nil {
			inst.logger.Error("Failed to start leader engines, releasing lease", "error", err)
			_ = store.Release(ctx, req, record.Epoch)
			if !inst.sleep(inst.opts.AcquireInterval) {
				return
			}
			continue
		}

		stopped := inst.renewLoop(record)
		inst.teardownLeadership(stopped)
		if stopped {
			return
		}
	}
}

// sleep waits d unless the instance begins shutting down first.
func (inst *Instance) sleep(d time.Duration) bool {
	select {
	case <-inst.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// becomeLeader opens the SQL engine and the reactive engine, publishes the
// new lease state, and re-homes this instance's own subscriptions onto the
// local engine.
func (inst *Instance) becomeLeader(record storage.LeaseRecord) error {
	exec, err := executor.Open(inst.backend, inst.hooks, inst.logger, executor.Options{
		TracerProvider: inst.opts.TracerProvider,
	})
	if err != nil {
		return err
	}
	engine := reactive.NewEngine(exec, inst.hooks, inst.logger)

	state := LeaseState{
		Phase:     PhaseAcquired,
		HolderID:  inst.ID,
		Epoch:     record.Epoch,
		ExpiresAt: record.ExpiresAt,
	}

	inst.mu.Lock()
	inst.exec = exec
	inst.engine = engine
	inst.leaderID = inst.ID
	inst.state = state
	handles := inst.openHandles()
	inst.mu.Unlock()

	inst.logger.Info("Acquired writer lease", "epoch", record.Epoch)
	inst.publishState(state)
	inst.network.Broadcast(envelope{kind: kindLeaderAnnounce, from: inst.ID, state: state})

	for _, h := range handles {
		inst.rehomeLocal(engine, h)
	}
	return nil
}

// renewLoop heartbeats the lease. It returns true if the instance is
// shutting down, false if the lease was lost.
func (inst *Instance) renewLoop(record storage.LeaseRecord) (stopped bool) {
	store := inst.backend.LeaseStore()
	req := leaseRequest(inst.ID, inst.opts)
	ticker := time.NewTicker(inst.opts.Heartbeat)
	defer ticker.Stop()

	epoch := record.Epoch
	for {
		select {
		case <-inst.stopCh:
			return true
		case <-ticker.C:
		}

		renewed, ok, err := store.Renew(context.Background(), req, epoch)
		if err != nil || !ok {
			inst.logger.Warn("Lost writer lease", "epoch", epoch, "error", err)
			return false
		}

		inst.mu.Lock()
		first := inst.state.Phase == PhaseAcquired
		inst.state.Phase = PhaseRenewing
		inst.state.ExpiresAt = renewed.ExpiresAt
		state := inst.state
		inst.mu.Unlock()
		if first {
			inst.publishState(state)
		}
	}
}

// teardownLeadership stops the local engines and, when shutting down with a
// clean close, releases the lease so a waiting instance takes over without
// waiting out the expiry.
func (inst *Instance) teardownLeadership(stopping bool) {
	inst.mu.Lock()
	exec := inst.exec
	engine := inst.engine
	epoch := inst.state.Epoch
	inst.exec = nil
	inst.engine = nil
	inst.leaderID = ""
	inst.state = LeaseState{Phase: PhaseExpired, HolderID: inst.ID, Epoch: epoch}
	state := inst.state
	release := inst.releaseOnStop
	handles := inst.openHandles()
	inst.mu.Unlock()

	// Detach local subscriptions from the dying engine; they re-register
	// against the next leader when it announces itself.
	for _, h := range handles {
		h.mu.Lock()
		h.leaderSub = nil
		h.mu.Unlock()
	}

	if engine != nil {
		engine.Stop()
	}
	if exec != nil {
		if err := exec.Close(); err != nil {
			inst.logger.Warn("Executor close failed", "error", err)
		}
	}
	if stopping && release {
		req := leaseRequest(inst.ID, inst.opts)
		if err := inst.backend.LeaseStore().Release(context.Background(), req, epoch); err != nil {
			inst.logger.Warn("Lease release failed", "error", err)
		}
	}
	if !stopping {
		inst.publishState(state)
	}
}

// observeLeader records a remote instance as the current lease holder.
func (inst *Instance) observeLeader(holderID string, epoch int64, expiresAt time.Time) {
	inst.mu.Lock()
	if inst.state.Phase.Leading() {
		inst.mu.Unlock()
		return
	}
	if inst.leaderID == holderID {
		inst.state.Epoch = epoch
		inst.state.ExpiresAt = expiresAt
		inst.mu.Unlock()
		return
	}
	inst.leaderID = holderID
	inst.state = LeaseState{Phase: PhaseFollower, HolderID: holderID, Epoch: epoch, ExpiresAt: expiresAt}
	state := inst.state
	handles := inst.openHandles()
	inst.mu.Unlock()

	inst.publishState(state)
	inst.reregisterRemote(holderID, handles)
}

// handleAnnounce reacts to a leader's broadcast: remember the new leader and
// re-register every open subscription against it.
func (inst *Instance) handleAnnounce(state LeaseState) {
	if state.HolderID == inst.ID {
		return
	}
	inst.observeLeader(state.HolderID, state.Epoch, state.ExpiresAt)
}

// rehomeLocal re-creates a subscription on the instance's own engine after
// it gained the lease. The resulting snapshot delivery doubles as the
// subscriber's catch-up for anything missed during the handover.
func (inst *Instance) rehomeLocal(engine *reactive.Engine, h *SubscriptionHandle) {
	leaderSub, err := engine.Subscribe(context.Background(), h.Spec, h.dispatch)
	if err != nil {
		inst.logger.Warn("Failed to re-home subscription after election",
			"subscription", h.Spec.ID, "error", err)
		inst.removeSub(h.Spec.ID)
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		leaderSub.Unsubscribe()
		return
	}
	h.leaderSub = leaderSub
	h.mu.Unlock()
}

// reregisterRemote forwards every open subscription to a newly observed
// leader. Acknowledgements are not awaited; a lost registration surfaces as
// a missing snapshot and is repaired on the next announcement.
func (inst *Instance) reregisterRemote(leaderID string, handles []*SubscriptionHandle) {
	for _, h := range handles {
		h.mu.Lock()
		skip := h.closed || h.leaderSub != nil
		h.mu.Unlock()
		if skip {
			continue
		}
		inst.network.Send(leaderID, envelope{
			kind:    kindSubscribeRequest,
			from:    inst.ID,
			corrID:  uuid.NewString(),
			subID:   h.Spec.ID,
			subSpec: h.Spec,
		})
	}
}

// openHandles returns the live subscription handles. Callers must hold mu.
func (inst *Instance) openHandles() []*SubscriptionHandle {
	handles := make([]*SubscriptionHandle, 0, len(inst.subs))
	for _, h := range inst.subs {
		handles = append(handles, h)
	}
	return handles
}

// publishState fires leadership callbacks and the LeaseChanged hook without
// holding the instance lock.
func (inst *Instance) publishState(state LeaseState) {
	inst.mu.Lock()
	cbs := make([]func(LeaseState), len(inst.cbs))
	copy(cbs, inst.cbs)
	inst.mu.Unlock()

	for _, cb := range cbs {
		cb(state)
	}
	inst.hooks.Trigger(context.Background(), hooks.NewLeaseChangedEvent(hooks.LeaseChangedPayload{
		InstanceID: inst.ID,
		HolderID:   state.HolderID,
		Phase:      state.Phase.String(),
		Epoch:      state.Epoch,
	}))
}
