package shape

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuslocal/core"
	"github.com/INLOpen/nexuslocal/executor"
	"github.com/INLOpen/nexuslocal/storage"
)

// execApplier drives batches straight into a local executor, standing in for
// the coordinator write path.
type execApplier struct {
	e *executor.Executor
}

func (a execApplier) ExecuteBatch(ctx context.Context, stmts []core.Statement) (uint64, error) {
	return a.e.Execute(ctx, stmts)
}

func (a execApplier) Query(ctx context.Context, query string, args ...any) (core.Rows, error) {
	return a.e.Query(ctx, query, args...)
}

func newTestApplier(t *testing.T) execApplier {
	t.Helper()
	e, err := executor.Open(storage.NewMemoryBackend(), nil, nil, executor.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	_, err = e.Execute(context.Background(), []core.Statement{
		{SQL: "CREATE TABLE todos (id INTEGER PRIMARY KEY, title VARCHAR, done BOOLEAN)"},
	})
	require.NoError(t, err)
	return execApplier{e: e}
}

func testSyncOptions() Options {
	return Options{BackoffInitial: 10 * time.Millisecond, BackoffMax: 40 * time.Millisecond}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

// pageServer serves a fixed progression of batches keyed by cursor.
func pageServer(t *testing.T, pages map[string]Batch) (*httptest.Server, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var cursors []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursor := r.URL.Query().Get("cursor")
		mu.Lock()
		cursors = append(cursors, cursor)
		mu.Unlock()
		batch, ok := pages[cursor]
		if !ok {
			// Past the scripted pages: stay at the live end.
			last := Batch{Cursor: cursor, UpToDate: true}
			json.NewEncoder(w).Encode(last)
			return
		}
		json.NewEncoder(w).Encode(batch)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(cursors))
		copy(out, cursors)
		return out
	}
}

func TestHTTPEndpoint_RequestShape(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clone := *r
		got = &clone
		json.NewEncoder(w).Encode(Batch{UpToDate: true})
	}))
	defer srv.Close()

	ep := NewHTTPEndpoint("todos", srv.URL, "done = false", []string{"id", "title"}, srv.Client())
	batch, err := ep.Fetch(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, batch.UpToDate)

	q := got.URL.Query()
	assert.Equal(t, "42", q.Get("cursor"))
	assert.Equal(t, "done = false", q.Get("filter"))
	assert.Equal(t, "id,title", q.Get("columns"))
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
}

func TestHTTPEndpoint_ErrorClassification(t *testing.T) {
	testCases := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "server error is transient",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "overloaded", http.StatusServiceUnavailable)
			},
			check: func(t *testing.T, err error) {
				assert.True(t, core.IsShapeNetworkError(err))
				assert.True(t, core.Transient(err))
			},
		},
		{
			name: "client error is fatal",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "no such shape", http.StatusNotFound)
			},
			check: func(t *testing.T, err error) {
				assert.True(t, core.IsShapeSchemaError(err))
				assert.False(t, core.Transient(err))
			},
		},
		{
			name: "undecodable body is fatal",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("{not json"))
			},
			check: func(t *testing.T, err error) {
				assert.True(t, core.IsShapeSchemaError(err))
			},
		},
		{
			name: "unknown operation is fatal",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(Batch{Messages: []Message{{Op: "truncate"}}})
			},
			check: func(t *testing.T, err error) {
				assert.True(t, core.IsShapeSchemaError(err))
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			ep := NewHTTPEndpoint("k", srv.URL, "", nil, srv.Client())
			_, err := ep.Fetch(context.Background(), "")
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestSync_AppliesBatchesUntilUpToDate(t *testing.T) {
	applier := newTestApplier(t)
	srv, _ := pageServer(t, map[string]Batch{
		"": {
			Messages: []Message{
				{Op: "insert", Row: core.Row{"id": 1, "title": "write tests", "done": false}, TxID: 1},
				{Op: "insert", Row: core.Row{"id": 2, "title": "ship it", "done": false}, TxID: 1},
			},
			Cursor: "1",
		},
		"1": {
			Messages: []Message{
				{Op: "update", Row: core.Row{"id": 1, "title": "write tests", "done": true}, TxID: 2},
				{Op: "delete", Key: "2", Row: core.Row{"id": 2}, TxID: 3},
			},
			Cursor:   "2",
			UpToDate: true,
		},
	})

	syncer := NewSyncer(applier, nil, nil, testSyncOptions())
	handle, err := syncer.Sync(context.Background(), Spec{
		ShapeKey:   "todos",
		Source:     srv.URL,
		Table:      "todos",
		PrimaryKey: "id",
	})
	require.NoError(t, err)
	defer handle.Unsubscribe()

	waitFor(t, 2*time.Second, handle.IsUpToDate)

	rows, err := applier.Query(context.Background(), "SELECT id, title, done FROM todos ORDER BY id")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 1, rows[0]["id"])
	assert.Equal(t, true, rows[0]["done"])

	// The cursor landed with the data.
	cur, err := applier.Query(context.Background(), "SELECT cursor FROM nexus_shape_cursors WHERE shape_key = ?", "todos")
	require.NoError(t, err)
	require.Len(t, cur, 1)
	assert.Equal(t, "2", cur[0]["cursor"])
}

func TestSync_ResumesFromPersistedCursor(t *testing.T) {
	applier := newTestApplier(t)
	_, err := applier.ExecuteBatch(context.Background(), []core.Statement{
		executor.CursorUpsertStatement("todos", "7"),
	})
	require.NoError(t, err)

	srv, requested := pageServer(t, map[string]Batch{
		"7": {Cursor: "7", UpToDate: true},
	})

	syncer := NewSyncer(applier, nil, nil, testSyncOptions())
	handle, err := syncer.Sync(context.Background(), Spec{
		ShapeKey:   "todos",
		Source:     srv.URL,
		Table:      "todos",
		PrimaryKey: "id",
	})
	require.NoError(t, err)
	defer handle.Unsubscribe()

	waitFor(t, 2*time.Second, handle.IsUpToDate)

	for _, cursor := range requested() {
		assert.Equal(t, "7", cursor, "a resumed shape must never re-fetch from the start")
	}
}

func TestSync_RetriesNetworkErrorsWithBackoff(t *testing.T) {
	applier := newTestApplier(t)

	var mu sync.Mutex
	failures := 2
	var attempts []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		fail := failures > 0
		if fail {
			failures--
		}
		mu.Unlock()
		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(Batch{UpToDate: true})
	}))
	defer srv.Close()

	var statuses []Status
	var smu sync.Mutex
	syncer := NewSyncer(applier, nil, nil, testSyncOptions())
	handle, err := syncer.Sync(context.Background(), Spec{
		ShapeKey: "todos", Source: srv.URL, Table: "todos", PrimaryKey: "id",
	})
	require.NoError(t, err)
	handle.OnStatusChange(func(s Status) {
		smu.Lock()
		statuses = append(statuses, s)
		smu.Unlock()
	})
	defer handle.Unsubscribe()

	waitFor(t, 2*time.Second, handle.IsUpToDate)

	smu.Lock()
	assert.Contains(t, statuses, StatusRetrying)
	smu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(attempts), 3)
	// The second gap doubles the first, up to the cap.
	first := attempts[1].Sub(attempts[0])
	second := attempts[2].Sub(attempts[1])
	assert.GreaterOrEqual(t, second, first)
}

func TestSync_SchemaErrorIsFatal(t *testing.T) {
	applier := newTestApplier(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "shape definition rejected", http.StatusBadRequest)
	}))
	defer srv.Close()

	syncer := NewSyncer(applier, nil, nil, testSyncOptions())
	handle, err := syncer.Sync(context.Background(), Spec{
		ShapeKey: "todos", Source: srv.URL, Table: "todos", PrimaryKey: "id",
	})
	require.NoError(t, err)

	err = handle.Wait()
	require.Error(t, err)
	assert.True(t, core.IsShapeSchemaError(err))
	assert.Equal(t, StatusFailed, handle.Status())
	assert.False(t, handle.IsUpToDate())
}

func TestSync_RemoteWinsOverLocalEdit(t *testing.T) {
	applier := newTestApplier(t)
	_, err := applier.ExecuteBatch(context.Background(), []core.Statement{
		{SQL: "INSERT INTO todos VALUES (1, 'local edit', false)"},
	})
	require.NoError(t, err)

	srv, _ := pageServer(t, map[string]Batch{
		"": {
			Messages: []Message{{Op: "update", Row: core.Row{"id": 1, "title": "remote truth", "done": true}, TxID: 1}},
			Cursor:   "1",
			UpToDate: true,
		},
	})

	syncer := NewSyncer(applier, nil, nil, testSyncOptions())
	handle, err := syncer.Sync(context.Background(), Spec{
		ShapeKey: "todos", Source: srv.URL, Table: "todos", PrimaryKey: "id",
	})
	require.NoError(t, err)
	defer handle.Unsubscribe()

	waitFor(t, 2*time.Second, handle.IsUpToDate)

	rows, err := applier.Query(context.Background(), "SELECT title FROM todos WHERE id = 1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "remote truth", rows[0]["title"], "the synced row always overwrites local state")
}

func TestSync_EmptyShapeKeySkipsCursorPersistence(t *testing.T) {
	applier := newTestApplier(t)
	srv, _ := pageServer(t, map[string]Batch{
		"": {
			Messages: []Message{{Op: "insert", Row: core.Row{"id": 9, "title": "x", "done": false}, TxID: 1}},
			Cursor:   "1",
			UpToDate: true,
		},
	})

	syncer := NewSyncer(applier, nil, nil, testSyncOptions())
	handle, err := syncer.Sync(context.Background(), Spec{
		Source: srv.URL, Table: "todos", PrimaryKey: "id",
	})
	require.NoError(t, err)
	defer handle.Unsubscribe()

	waitFor(t, 2*time.Second, handle.IsUpToDate)

	cur, err := applier.Query(context.Background(), "SELECT cursor FROM nexus_shape_cursors")
	require.NoError(t, err)
	assert.Empty(t, cur)
}
