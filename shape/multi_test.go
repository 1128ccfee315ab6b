package shape

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuslocal/core"
	"github.com/INLOpen/nexuslocal/executor"
	"github.com/INLOpen/nexuslocal/storage"
)

// scriptedEndpoint replays a fixed sequence of fetch results.
type scriptedEndpoint struct {
	mu    sync.Mutex
	steps []func(cursor string) (*Batch, error)
	calls int
}

func (e *scriptedEndpoint) Fetch(ctx context.Context, cursor string) (*Batch, error) {
	e.mu.Lock()
	step := e.steps[len(e.steps)-1]
	if e.calls < len(e.steps) {
		step = e.steps[e.calls]
	}
	e.calls++
	e.mu.Unlock()
	return step(cursor)
}

func serve(batch Batch) func(string) (*Batch, error) {
	return func(string) (*Batch, error) {
		b := batch
		return &b, nil
	}
}

func idle(cursor string) func(string) (*Batch, error) {
	return serve(Batch{Cursor: cursor, UpToDate: true})
}

// recordingApplier captures every transaction passed through while still
// applying it.
type recordingApplier struct {
	inner execApplier
	mu    sync.Mutex
	txns  [][]core.Statement
}

func (a *recordingApplier) ExecuteBatch(ctx context.Context, stmts []core.Statement) (uint64, error) {
	a.mu.Lock()
	captured := make([]core.Statement, len(stmts))
	copy(captured, stmts)
	a.txns = append(a.txns, captured)
	a.mu.Unlock()
	return a.inner.ExecuteBatch(ctx, stmts)
}

func (a *recordingApplier) Query(ctx context.Context, query string, args ...any) (core.Rows, error) {
	return a.inner.Query(ctx, query, args...)
}

func (a *recordingApplier) transactions() [][]core.Statement {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]core.Statement, len(a.txns))
	copy(out, a.txns)
	return out
}

func newMultiApplier(t *testing.T) *recordingApplier {
	t.Helper()
	e, err := executor.Open(storage.NewMemoryBackend(), nil, nil, executor.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	ctx := context.Background()
	_, err = e.Execute(ctx, []core.Statement{
		{SQL: "CREATE TABLE issues (id INTEGER PRIMARY KEY, title VARCHAR)"},
		{SQL: "CREATE TABLE comments (id INTEGER PRIMARY KEY, issue_id INTEGER, body VARCHAR)"},
	})
	require.NoError(t, err)
	return &recordingApplier{inner: execApplier{e: e}}
}

func TestSyncAll_GroupsUpstreamTransactionsAcrossShapes(t *testing.T) {
	applier := newMultiApplier(t)

	// One upstream transaction (txid 10) touches both shapes; another
	// (txid 11) touches only comments.
	issues := &scriptedEndpoint{steps: []func(string) (*Batch, error){
		serve(Batch{
			Messages: []Message{{Op: "insert", Row: core.Row{"id": 1, "title": "crash on save"}, TxID: 10}},
			Cursor:   "i1",
			UpToDate: true,
		}),
		idle("i1"),
	}}
	comments := &scriptedEndpoint{steps: []func(string) (*Batch, error){
		serve(Batch{
			Messages: []Message{
				{Op: "insert", Row: core.Row{"id": 100, "issue_id": 1, "body": "repro attached"}, TxID: 10},
				{Op: "insert", Row: core.Row{"id": 101, "issue_id": 1, "body": "fixed"}, TxID: 11},
			},
			Cursor:   "c1",
			UpToDate: true,
		}),
		idle("c1"),
	}}

	syncer := NewSyncer(applier, nil, nil, testSyncOptions())
	handle, err := syncer.SyncAll(context.Background(), map[string]Spec{
		"issues":   {Endpoint: issues, Table: "issues", PrimaryKey: "id"},
		"comments": {Endpoint: comments, Table: "comments", PrimaryKey: "id"},
	})
	require.NoError(t, err)
	defer handle.Unsubscribe()

	waitFor(t, 2*time.Second, handle.IsUpToDate)

	rows, err := applier.Query(context.Background(), "SELECT COUNT(*) AS n FROM comments")
	require.NoError(t, err)
	assert.EqualValues(t, 2, rows[0]["n"])

	// txid 10's statements, spanning both tables, ride one transaction;
	// txid 11 lands in the next one with the cursor upserts attached.
	var groups [][]core.Statement
	for _, txn := range applier.transactions() {
		if touchesShapes(txn) {
			groups = append(groups, txn)
		}
	}
	require.Len(t, groups, 2)
	assert.Len(t, statementsFor(groups[0], "issues"), 1)
	assert.Len(t, statementsFor(groups[0], "comments"), 1)
	assert.Len(t, statementsFor(groups[1], "comments"), 1)
	assert.Len(t, statementsFor(groups[1], "nexus_shape_cursors"), 2)
}

func touchesShapes(stmts []core.Statement) bool {
	return len(statementsFor(stmts, "issues")) > 0 || len(statementsFor(stmts, "comments")) > 0
}

func statementsFor(stmts []core.Statement, table string) []core.Statement {
	var out []core.Statement
	for _, s := range stmts {
		for _, tbl := range executor.ExtractTables(s.SQL) {
			if tbl == table {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// dyingApplier forwards a fixed number of transactions, then fails every
// subsequent one, modeling a process crash between two transaction groups of
// the same round.
type dyingApplier struct {
	inner *recordingApplier
	mu    sync.Mutex
	left  int
}

func (a *dyingApplier) ExecuteBatch(ctx context.Context, stmts []core.Statement) (uint64, error) {
	a.mu.Lock()
	if a.left <= 0 {
		a.mu.Unlock()
		return 0, assert.AnError
	}
	a.left--
	a.mu.Unlock()
	return a.inner.ExecuteBatch(ctx, stmts)
}

func (a *dyingApplier) Query(ctx context.Context, query string, args ...any) (core.Rows, error) {
	return a.inner.Query(ctx, query, args...)
}

// crashRoundEndpoints scripts one round with two upstream transactions:
// txid 10 spans both shapes, txid 11 touches comments only.
func crashRoundEndpoints() (issues, comments *scriptedEndpoint) {
	issues = &scriptedEndpoint{steps: []func(string) (*Batch, error){
		serve(Batch{
			Messages: []Message{{Op: "insert", Row: core.Row{"id": 1, "title": "shared txn"}, TxID: 10}},
			Cursor:   "i1",
			UpToDate: true,
		}),
		idle("i1"),
	}}
	comments = &scriptedEndpoint{steps: []func(string) (*Batch, error){
		serve(Batch{
			Messages: []Message{
				{Op: "insert", Row: core.Row{"id": 100, "issue_id": 1, "body": "same txn"}, TxID: 10},
				{Op: "insert", Row: core.Row{"id": 101, "issue_id": 1, "body": "next txn"}, TxID: 11},
			},
			Cursor:   "c1",
			UpToDate: true,
		}),
		idle("c1"),
	}}
	return issues, comments
}

func TestSyncAll_CrashBetweenGroupsLeavesNoPartialTransaction(t *testing.T) {
	applier := newMultiApplier(t)
	ctx := context.Background()

	// The applier dies after the first group commits, before the group
	// carrying txid 11 and the cursor upserts.
	issues, comments := crashRoundEndpoints()
	dying := &dyingApplier{inner: applier, left: 1}
	syncer := NewSyncer(dying, nil, nil, testSyncOptions())
	handle, err := syncer.SyncAll(ctx, map[string]Spec{
		"issues":   {Endpoint: issues, Table: "issues", PrimaryKey: "id"},
		"comments": {Endpoint: comments, Table: "comments", PrimaryKey: "id"},
	})
	require.NoError(t, err)
	members := handle.Members()
	waitFor(t, 2*time.Second, func() bool {
		return members["issues"].Status() == StatusFailed && members["comments"].Status() == StatusFailed
	})

	// txid 10 committed whole; no statement of txid 11 is visible anywhere
	// and the cursors, riding the final group, never advanced.
	rows, err := applier.Query(ctx, "SELECT COUNT(*) AS n FROM comments")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rows[0]["n"])
	rows, err = applier.Query(ctx, "SELECT COUNT(*) AS n FROM nexus_shape_cursors")
	require.NoError(t, err)
	assert.EqualValues(t, 0, rows[0]["n"])

	// A restart re-fetches the round from the unadvanced cursors and
	// re-applies it idempotently.
	issues, comments = crashRoundEndpoints()
	restarted, err := NewSyncer(applier, nil, nil, testSyncOptions()).SyncAll(ctx, map[string]Spec{
		"issues":   {Endpoint: issues, Table: "issues", PrimaryKey: "id"},
		"comments": {Endpoint: comments, Table: "comments", PrimaryKey: "id"},
	})
	require.NoError(t, err)
	defer restarted.Unsubscribe()
	waitFor(t, 2*time.Second, restarted.IsUpToDate)

	rows, err = applier.Query(ctx, "SELECT COUNT(*) AS n FROM issues")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rows[0]["n"])
	rows, err = applier.Query(ctx, "SELECT COUNT(*) AS n FROM comments")
	require.NoError(t, err)
	assert.EqualValues(t, 2, rows[0]["n"])
	rows, err = applier.Query(ctx, "SELECT cursor FROM nexus_shape_cursors WHERE shape_key = ?", "comments")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "c1", rows[0]["cursor"])
}

func TestSyncAll_SchemaErrorScopedToOneShape(t *testing.T) {
	applier := newMultiApplier(t)

	broken := &scriptedEndpoint{steps: []func(string) (*Batch, error){
		func(string) (*Batch, error) {
			return nil, &core.ShapeSchemaError{ShapeKey: "issues", Err: assert.AnError}
		},
	}}
	healthy := &scriptedEndpoint{steps: []func(string) (*Batch, error){
		serve(Batch{
			Messages: []Message{{Op: "insert", Row: core.Row{"id": 100, "issue_id": 1, "body": "still here"}, TxID: 1}},
			Cursor:   "c1",
			UpToDate: true,
		}),
		idle("c1"),
	}}

	syncer := NewSyncer(applier, nil, nil, testSyncOptions())
	handle, err := syncer.SyncAll(context.Background(), map[string]Spec{
		"issues":   {Endpoint: broken, Table: "issues", PrimaryKey: "id"},
		"comments": {Endpoint: healthy, Table: "comments", PrimaryKey: "id"},
	})
	require.NoError(t, err)
	defer handle.Unsubscribe()

	members := handle.Members()
	waitFor(t, 2*time.Second, func() bool {
		return members["issues"].Status() == StatusFailed && members["comments"].IsUpToDate()
	})

	rows, err := applier.Query(context.Background(), "SELECT COUNT(*) AS n FROM comments")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rows[0]["n"], "a sibling's schema failure must not stop this shape")
	assert.True(t, core.IsShapeSchemaError(members["issues"].Err()))
}

func TestSyncAll_NetworkErrorRetriesWholeRound(t *testing.T) {
	applier := newMultiApplier(t)

	flaky := &scriptedEndpoint{steps: []func(string) (*Batch, error){
		func(string) (*Batch, error) {
			return nil, &core.ShapeNetworkError{ShapeKey: "issues", Err: assert.AnError}
		},
		serve(Batch{
			Messages: []Message{{Op: "insert", Row: core.Row{"id": 1, "title": "finally"}, TxID: 1}},
			Cursor:   "i1",
			UpToDate: true,
		}),
		idle("i1"),
	}}
	steady := &scriptedEndpoint{steps: []func(string) (*Batch, error){
		idle(""),
	}}

	syncer := NewSyncer(applier, nil, nil, testSyncOptions())
	handle, err := syncer.SyncAll(context.Background(), map[string]Spec{
		"issues":   {Endpoint: flaky, Table: "issues", PrimaryKey: "id"},
		"comments": {Endpoint: steady, Table: "comments", PrimaryKey: "id"},
	})
	require.NoError(t, err)
	defer handle.Unsubscribe()

	waitFor(t, 2*time.Second, handle.IsUpToDate)

	rows, err := applier.Query(context.Background(), "SELECT title FROM issues WHERE id = 1")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// Nothing from the failed round may have been applied before the retry
	// succeeded: every recorded transaction is a complete round.
	for _, txn := range applier.transactions() {
		assert.NotEmpty(t, txn)
	}
}
