package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuslocal/core"
)

// mockListener is a mock implementation of HookListener for testing.
type mockListener struct {
	priority int
	// A channel to signal when OnEvent is called, for async tests.
	callSignal chan string
	// A slice to record the order of calls, for sync tests.
	callOrder *[]string
	mu        sync.Mutex
	name      string
	returnErr error
	isAsync   bool
	// A function to be executed inside OnEvent, for payload modification tests.
	onEventFunc func(event HookEvent)
}

func (m *mockListener) OnEvent(ctx context.Context, event HookEvent) error {
	if m.onEventFunc != nil {
		m.onEventFunc(event)
	}
	if m.callOrder != nil {
		m.mu.Lock()
		*m.callOrder = append(*m.callOrder, m.name)
		m.mu.Unlock()
	}
	if m.callSignal != nil {
		m.callSignal <- m.name
	}
	return m.returnErr
}

func (m *mockListener) Priority() int { return m.priority }
func (m *mockListener) IsAsync() bool { return m.isAsync }

func TestRegister_PriorityOrder(t *testing.T) {
	manager := NewHookManager(nil)

	var order []string
	manager.Register(EventPostCommit, &mockListener{name: "second", priority: 10, callOrder: &order})
	manager.Register(EventPostCommit, &mockListener{name: "first", priority: 1, callOrder: &order})
	manager.Register(EventPostCommit, &mockListener{name: "third", priority: 20, callOrder: &order})

	err := manager.Trigger(context.Background(), NewPostCommitEvent(PostCommitPayload{
		Notice: core.CommitNotice{Seq: 1, Tables: []string{"todos"}},
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestTrigger_PreHookErrorCancels(t *testing.T) {
	manager := NewHookManager(nil)

	var order []string
	manager.Register(EventPreCommit, &mockListener{name: "veto", priority: 1, callOrder: &order, returnErr: errors.New("rejected")})
	manager.Register(EventPreCommit, &mockListener{name: "after", priority: 2, callOrder: &order})

	stmts := []core.Statement{{SQL: "DELETE FROM todos"}}
	err := manager.Trigger(context.Background(), NewPreCommitEvent(PreCommitPayload{Statements: &stmts}))
	require.Error(t, err)
	// The failing pre-hook stops the chain.
	assert.Equal(t, []string{"veto"}, order)
}

func TestTrigger_PreHookCanRewriteStatements(t *testing.T) {
	manager := NewHookManager(nil)

	rewriter := &mockListener{name: "rewriter", priority: 1, onEventFunc: func(event HookEvent) {
		payload := event.Payload().(PreCommitPayload)
		*payload.Statements = append(*payload.Statements, core.Statement{SQL: "-- audit"})
	}}
	manager.Register(EventPreCommit, rewriter)

	stmts := []core.Statement{{SQL: "INSERT INTO todos VALUES (1)"}}
	err := manager.Trigger(context.Background(), NewPreCommitEvent(PreCommitPayload{Statements: &stmts}))
	require.NoError(t, err)
	require.Len(t, stmts, 2)
}

func TestTrigger_PostHookErrorDoesNotPropagate(t *testing.T) {
	manager := NewHookManager(nil)

	var order []string
	manager.Register(EventPostCommit, &mockListener{name: "failing", priority: 1, callOrder: &order, returnErr: errors.New("boom")})
	manager.Register(EventPostCommit, &mockListener{name: "next", priority: 2, callOrder: &order})

	err := manager.Trigger(context.Background(), NewPostCommitEvent(PostCommitPayload{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"failing", "next"}, order)
}

func TestTrigger_AsyncPostHook(t *testing.T) {
	manager := NewHookManager(nil)

	signal := make(chan string, 1)
	manager.Register(EventShapeStatusChanged, &mockListener{name: "async", priority: 1, isAsync: true, callSignal: signal})

	err := manager.Trigger(context.Background(), NewShapeStatusChangedEvent(ShapeStatusChangedPayload{ShapeKey: "k", Status: "up-to-date"}))
	require.NoError(t, err)

	select {
	case name := <-signal:
		assert.Equal(t, "async", name)
	case <-time.After(time.Second):
		t.Fatal("async listener was never called")
	}
	manager.Stop()
}

func TestTrigger_NoListeners(t *testing.T) {
	manager := NewHookManager(nil)
	err := manager.Trigger(context.Background(), NewLeaseChangedEvent(LeaseChangedPayload{}))
	require.NoError(t, err)
}

func TestListenerFunc(t *testing.T) {
	manager := NewHookManager(nil)

	var got core.CommitNotice
	manager.Register(EventPostCommit, &ListenerFunc{
		Fn: func(ctx context.Context, event HookEvent) error {
			got = event.Payload().(PostCommitPayload).Notice
			return nil
		},
	})

	notice := core.CommitNotice{Seq: 42, Tables: []string{"issues", "projects"}}
	require.NoError(t, manager.Trigger(context.Background(), NewPostCommitEvent(PostCommitPayload{Notice: notice})))
	assert.Equal(t, notice, got)
}
