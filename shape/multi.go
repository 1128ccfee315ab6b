package shape

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/nexuslocal/core"
	"github.com/INLOpen/nexuslocal/executor"
)

var (
	errMissingTable  = errors.New("destination table is required")
	errMissingSource = errors.New("either Source or Endpoint is required")
)

// CompositeHandle controls a group of shapes synced together. Because the
// group shares transactions, stopping any member stops the whole group.
type CompositeHandle struct {
	mu      sync.Mutex
	members map[string]*Handle

	cancel context.CancelFunc
	done   chan struct{}
}

// Members returns the per-shape handles, keyed by shape key.
func (c *CompositeHandle) Members() map[string]*Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*Handle, len(c.members))
	for k, h := range c.members {
		out[k] = h
	}
	return out
}

// IsUpToDate reports whether every member has reached the live end of its
// remote log at least once.
func (c *CompositeHandle) IsUpToDate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.members {
		if !h.IsUpToDate() {
			return false
		}
	}
	return len(c.members) > 0
}

// Unsubscribe stops the sync loop for all member shapes.
func (c *CompositeHandle) Unsubscribe() {
	c.cancel()
	<-c.done
}

// fetched is one shape's batch for the current round.
type fetched struct {
	key   string
	spec  Spec
	batch *Batch
}

// txGroup collects the statements of one upstream transaction, possibly
// spanning shapes.
type txGroup struct {
	txID  int64
	stmts []core.Statement
}

// SyncAll replicates several shapes with cross-shape transactional
// atomicity: messages sharing an upstream transaction id are applied in one
// local transaction even when they land in different tables. Cursor upserts
// ride the round's final transaction, so a crash mid-round re-fetches and
// re-applies the whole round idempotently.
func (s *Syncer) SyncAll(ctx context.Context, specs map[string]Spec) (*CompositeHandle, error) {
	runCtx, cancel := context.WithCancel(ctx)
	c := &CompositeHandle{
		members: make(map[string]*Handle, len(specs)),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for key, spec := range specs {
		if spec.ShapeKey == "" {
			spec.ShapeKey = key
		}
		if spec.Table == "" {
			cancel()
			close(c.done)
			return nil, &core.ShapeSchemaError{ShapeKey: key, Err: errMissingTable}
		}
		if spec.Endpoint == nil && spec.Source == "" {
			cancel()
			close(c.done)
			return nil, &core.ShapeSchemaError{ShapeKey: key, Err: errMissingSource}
		}
		c.members[key] = &Handle{
			Spec:   spec,
			status: StatusConnecting,
			cancel: cancel,
			done:   c.done,
		}
	}
	go s.runAll(runCtx, c)
	return c, nil
}

func (s *Syncer) runAll(ctx context.Context, c *CompositeHandle) {
	defer close(c.done)

	type shapeState struct {
		spec     Spec
		endpoint Endpoint
		cursor   string
		handle   *Handle
	}

	active := make(map[string]*shapeState)
	for key, h := range c.Members() {
		cursor, err := s.loadCursor(ctx, h.Spec.ShapeKey)
		if err != nil {
			s.logger.Error("Failed to load shape cursor", "shape", key, "error", err)
			s.transition(h, StatusFailed, err)
			continue
		}
		active[key] = &shapeState{
			spec:     h.Spec,
			endpoint: h.Spec.endpoint(),
			cursor:   cursor,
			handle:   h,
		}
	}

	backoff := s.opts.BackoffInitial
	for len(active) > 0 {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Fetch every active shape's next batch concurrently.
		var mu sync.Mutex
		results := make(map[string]fetched, len(active))
		g, fetchCtx := errgroup.WithContext(ctx)
		for key, st := range active {
			key, st := key, st
			g.Go(func() error {
				batch, err := st.endpoint.Fetch(fetchCtx, st.cursor)
				if err != nil {
					return err
				}
				mu.Lock()
				results[key] = fetched{key: key, spec: st.spec, batch: batch}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				return
			}
			// Drop only the broken shape; its siblings keep syncing.
			if broken := failedShapeKey(err); broken != "" {
				dropped := false
				for key, st := range active {
					if st.spec.ShapeKey == broken {
						s.logger.Error("Shape stopped on incompatible batch", "shape", key, "error", err)
						s.transition(st.handle, StatusFailed, err)
						delete(active, key)
						dropped = true
						break
					}
				}
				if dropped {
					continue
				}
			}
			s.logger.Warn("Multi-shape fetch failed, backing off", "error", err, "backoff", backoff)
			for _, st := range active {
				s.transition(st.handle, StatusRetrying, nil)
			}
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

		// An unchanged cursor needs no re-persisting on idle polls.
		for key, st := range active {
			if res, ok := results[key]; ok && res.batch.Cursor == st.cursor {
				res.batch.Cursor = ""
			}
		}

		groups, cursors, err := mergeRound(results)
		if err != nil {
			// A translation failure names its shape; drop it and retry the
			// round for the rest.
			if broken := failedShapeKey(err); broken != "" {
				dropped := false
				for key, st := range active {
					if st.spec.ShapeKey == broken {
						s.transition(st.handle, StatusFailed, err)
						delete(active, key)
						dropped = true
						break
					}
				}
				if dropped {
					continue
				}
			}
			s.logger.Error("Failed to translate shape round", "error", err)
			return
		}

		if err := s.applyRound(ctx, groups, cursors); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to apply shape round", "error", err)
			for _, st := range active {
				s.transition(st.handle, StatusFailed, err)
			}
			return
		}

		allIdle := true
		for key, st := range active {
			res := results[key]
			if res.batch.Cursor != "" {
				st.cursor = res.batch.Cursor
			}
			if res.batch.UpToDate {
				s.transition(st.handle, StatusUpToDate, nil)
			} else {
				s.transition(st.handle, StatusSyncing, nil)
				allIdle = false
			}
		}
		if allIdle {
			if !sleepCtx(ctx, s.opts.BackoffInitial) {
				return
			}
		}
	}
}

// mergeRound folds all fetched batches into upstream-transaction groups
// ordered by transaction id, plus the cursor upserts the round must persist.
func mergeRound(results map[string]fetched) ([]txGroup, []core.Statement, error) {
	byTx := make(map[int64]*txGroup)
	var order []int64
	var cursors []core.Statement

	keys := make([]string, 0, len(results))
	for key := range results {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		res := results[key]
		for _, msg := range res.batch.Messages {
			stmts, err := translate(res.spec, []Message{msg})
			if err != nil {
				return nil, nil, err
			}
			group, ok := byTx[msg.TxID]
			if !ok {
				group = &txGroup{txID: msg.TxID}
				byTx[msg.TxID] = group
				order = append(order, msg.TxID)
			}
			group.stmts = append(group.stmts, stmts...)
		}
		if res.spec.ShapeKey != "" && res.batch.Cursor != "" {
			cursors = append(cursors, executor.CursorUpsertStatement(res.spec.ShapeKey, res.batch.Cursor))
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	groups := make([]txGroup, 0, len(order))
	for _, txID := range order {
		groups = append(groups, *byTx[txID])
	}
	return groups, cursors, nil
}

// applyRound commits each upstream transaction group atomically, attaching
// the cursor upserts to the final commit so no cursor outruns its data.
func (s *Syncer) applyRound(ctx context.Context, groups []txGroup, cursors []core.Statement) error {
	if len(groups) == 0 {
		if len(cursors) == 0 {
			return nil
		}
		_, err := s.applier.ExecuteBatch(ctx, cursors)
		return err
	}
	for i, group := range groups {
		stmts := group.stmts
		if i == len(groups)-1 {
			stmts = append(stmts, cursors...)
		}
		if _, err := s.applier.ExecuteBatch(ctx, stmts); err != nil {
			return err
		}
	}
	return nil
}

// failedShapeKey extracts the shape key a fatal error is scoped to.
func failedShapeKey(err error) string {
	var schemaErr *core.ShapeSchemaError
	if errors.As(err, &schemaErr) {
		return schemaErr.ShapeKey
	}
	return ""
}
