package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revittco/mcprouter/internal/errs"
	"github.com/revittco/mcprouter/internal/mcpclient"
	"github.com/revittco/mcprouter/internal/store"
)

type memServerStore struct {
	mu      sync.Mutex
	rows    map[string]*store.Server
	updates int

	startingGate    chan struct{} // UpdateServer(starting) signals here
	startingRelease chan struct{} // and then blocks here
}

func newMemServerStore() *memServerStore {
	return &memServerStore{rows: make(map[string]*store.Server)}
}

func (m *memServerStore) CreateServer(_ context.Context, s *store.Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Name == s.Name {
			return store.ErrAlreadyExists
		}
	}
	now := time.Now().UnixMilli()
	s.CreatedAt, s.UpdatedAt = now, now
	cp := *s
	m.rows[s.ID] = &cp
	return nil
}

func (m *memServerStore) GetServer(_ context.Context, id string) (*store.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memServerStore) GetServerByName(_ context.Context, name string) (*store.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Name == name {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memServerStore) ListServers(_ context.Context) ([]store.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Server, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, *r)
	}
	return out, nil
}

func (m *memServerStore) UpdateServer(_ context.Context, s *store.Server) error {
	m.mu.Lock()
	if _, ok := m.rows[s.ID]; !ok {
		m.mu.Unlock()
		return store.ErrNotFound
	}
	m.updates++
	s.UpdatedAt = time.Now().UnixMilli()
	cp := *s
	m.rows[s.ID] = &cp
	gate, release := m.startingGate, m.startingRelease
	m.mu.Unlock()

	if s.Status == store.StatusStarting && gate != nil {
		gate <- struct{}{}
		<-release
	}
	return nil
}

func (m *memServerStore) DeleteServer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *memServerStore) CountServersByStatus(_ context.Context, status string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if r.Status == status {
			n++
		}
	}
	return n, nil
}

type fakeClient struct {
	mu        sync.Mutex
	connected bool
	failure   error
	tools     []mcpclient.ToolInfo
	stderr    io.Reader
	done      chan error
	hang      chan struct{} // Disconnect blocks on it until Kill
	killed    bool
}

func (f *fakeClient) Connect(context.Context) error {
	if f.failure != nil {
		return f.failure
	}
	f.mu.Lock()
	f.connected = true
	f.done = make(chan error, 1)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	hang := f.hang
	f.mu.Unlock()
	if hang != nil {
		<-hang
	}

	f.mu.Lock()
	f.connected = false
	done := f.done
	f.done = nil
	f.mu.Unlock()
	if done != nil {
		close(done)
	}
	return nil
}

func (f *fakeClient) Kill() error {
	f.mu.Lock()
	f.killed = true
	hang := f.hang
	f.hang = nil
	f.mu.Unlock()
	if hang != nil {
		close(hang)
	}
	return nil
}

func (f *fakeClient) Done() <-chan error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// fail simulates the connection dying; a nil cause is a clean exit.
func (f *fakeClient) fail(cause error) {
	f.mu.Lock()
	f.connected = false
	done := f.done
	f.done = nil
	f.mu.Unlock()
	if done != nil {
		if cause != nil {
			done <- cause
		}
		close(done)
	}
}

func (f *fakeClient) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) ListTools(context.Context) ([]mcpclient.ToolInfo, error) {
	return f.tools, nil
}

func (f *fakeClient) CallTool(_ context.Context, name string, _ map[string]any, _ time.Duration) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}

func (f *fakeClient) Stderr() (io.Reader, bool) {
	if f.stderr == nil {
		return nil, false
	}
	return f.stderr, true
}

func newTestManager(t *testing.T, client *fakeClient) (*Manager, *memServerStore) {
	t.Helper()
	s := newMemServerStore()
	factory := func(srv *store.Server, _ *slog.Logger) (Client, error) {
		return client, nil
	}
	return NewManager(s, factory, nil, nil, nil), s
}

func stdioConfig(name string) *store.Server {
	return &store.Server{
		Name:      name,
		Transport: store.TransportStdio,
		Command:   "echo",
	}
}

func TestAddValidatesTransport(t *testing.T) {
	m, _ := newTestManager(t, &fakeClient{})
	ctx := context.Background()

	_, err := m.Add(ctx, &store.Server{Name: "bad", Transport: "carrier-pigeon"})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	_, err = m.Add(ctx, &store.Server{Name: "bad", Transport: store.TransportStdio})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err), "stdio without command")

	_, err = m.Add(ctx, &store.Server{Name: "bad", Transport: store.TransportSSE})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err), "sse without url")
}

func TestStartStopLifecycle(t *testing.T) {
	client := &fakeClient{stderr: strings.NewReader("warmup line\n")}
	m, ss := newTestManager(t, client)
	ctx := context.Background()

	srv, err := m.Add(ctx, stdioConfig("notes"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, srv.Status)

	require.NoError(t, m.Start(ctx, srv.ID))
	got, err := m.Get(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
	assert.True(t, client.IsConnected())

	// Status was persisted before the cache reflected it.
	row, err := ss.GetServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, row.Status)

	// Starting a running server is a no-op.
	require.NoError(t, m.Start(ctx, srv.ID))

	require.NoError(t, m.Stop(ctx, srv.ID))
	got, err = m.Get(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, got.Status)
	assert.False(t, client.IsConnected())
}

func TestStartFailureSetsError(t *testing.T) {
	client := &fakeClient{failure: errs.New(errs.KindTransport, "spawn failed")}
	m, _ := newTestManager(t, client)
	ctx := context.Background()

	srv, err := m.Add(ctx, stdioConfig("broken"))
	require.NoError(t, err)

	require.Error(t, m.Start(ctx, srv.ID))
	got, err := m.Get(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, got.Status)
	assert.Contains(t, got.LastError, "spawn failed")
}

func TestMaxRunningCapacity(t *testing.T) {
	m, _ := newTestManager(t, &fakeClient{})
	m.maxRunning = 2
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		srv, err := m.Add(ctx, stdioConfig(name))
		require.NoError(t, err)
		ids = append(ids, srv.ID)
	}

	require.NoError(t, m.Start(ctx, ids[0]))
	require.NoError(t, m.Start(ctx, ids[1]))

	err := m.Start(ctx, ids[2])
	assert.Equal(t, errs.KindCapacity, errs.KindOf(err))
}

func TestMaxRunningHoldsUnderConcurrentStarts(t *testing.T) {
	client := &fakeClient{}
	s := newMemServerStore()
	factory := func(srv *store.Server, _ *slog.Logger) (Client, error) {
		return client, nil
	}
	m := NewManager(s, factory, nil, nil, nil)
	m.maxRunning = 1
	ctx := context.Background()

	a, err := m.Add(ctx, stdioConfig("a"))
	require.NoError(t, err)
	b, err := m.Add(ctx, stdioConfig("b"))
	require.NoError(t, err)

	// Stall the first Start while it persists the starting status. Its
	// slot must already be claimed by then.
	s.mu.Lock()
	s.startingGate = make(chan struct{}, 1)
	s.startingRelease = make(chan struct{})
	s.mu.Unlock()

	first := make(chan error, 1)
	go func() { first <- m.Start(ctx, a.ID) }()
	<-s.startingGate

	err = m.Start(ctx, b.ID)
	assert.Equal(t, errs.KindCapacity, errs.KindOf(err))

	close(s.startingRelease)
	require.NoError(t, <-first)

	got, err := m.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
}

func TestServerCrashSetsErrorStatus(t *testing.T) {
	client := &fakeClient{}
	m, ss := newTestManager(t, client)
	ctx := context.Background()

	srv, err := m.Add(ctx, stdioConfig("notes"))
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, srv.ID))

	client.fail(errors.New("exited with code 1"))

	assert.Eventually(t, func() bool {
		got, err := m.Get(ctx, srv.ID)
		return err == nil && got.Status == store.StatusError
	}, time.Second, 10*time.Millisecond)

	got, err := m.Get(ctx, srv.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "exited with code 1")

	row, err := ss.GetServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, row.Status)
}

func TestServerCleanExitSetsStopped(t *testing.T) {
	client := &fakeClient{}
	m, _ := newTestManager(t, client)
	ctx := context.Background()

	srv, err := m.Add(ctx, stdioConfig("notes"))
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, srv.ID))

	client.fail(nil)

	assert.Eventually(t, func() bool {
		got, err := m.Get(ctx, srv.ID)
		return err == nil && got.Status == store.StatusStopped
	}, time.Second, 10*time.Millisecond)
}

func TestStopKillsHungDisconnect(t *testing.T) {
	client := &fakeClient{hang: make(chan struct{})}
	m, _ := newTestManager(t, client)
	m.stopTimeout = 50 * time.Millisecond
	ctx := context.Background()

	srv, err := m.Add(ctx, stdioConfig("notes"))
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, srv.ID))

	require.NoError(t, m.Stop(ctx, srv.ID))
	assert.True(t, client.wasKilled())

	got, err := m.Get(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, got.Status)
}

func TestRunningGaugeTracksLifecycle(t *testing.T) {
	client := &fakeClient{}
	m, _ := newTestManager(t, client)
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "running_servers"})
	m.SetRunningGauge(g)
	ctx := context.Background()

	srv, err := m.Add(ctx, stdioConfig("notes"))
	require.NoError(t, err)

	require.NoError(t, m.Start(ctx, srv.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(g))

	require.NoError(t, m.Stop(ctx, srv.ID))
	assert.Equal(t, 0.0, testutil.ToFloat64(g))
}

func TestUpdateRejectsStatusPatch(t *testing.T) {
	m, _ := newTestManager(t, &fakeClient{})
	ctx := context.Background()

	srv, err := m.Add(ctx, stdioConfig("notes"))
	require.NoError(t, err)

	patch := *srv
	patch.Command = "other"
	patch.Status = store.StatusRunning
	patch.CreatedAt = 42

	updated, err := m.Update(ctx, &patch)
	require.NoError(t, err)
	assert.Equal(t, "other", updated.Command)
	assert.Equal(t, store.StatusStopped, updated.Status, "status is not patchable")
	assert.Equal(t, srv.CreatedAt, updated.CreatedAt)
}

func TestLRUEvictsOnlyStopped(t *testing.T) {
	m, ss := newTestManager(t, &fakeClient{})
	m.maxServers = 3
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"s1", "s2", "s3", "s4"} {
		srv, err := m.Add(ctx, stdioConfig(name))
		require.NoError(t, err)
		ids = append(ids, srv.ID)
	}

	m.mu.Lock()
	_, s1Cached := m.entries[ids[0]]
	total := len(m.entries)
	m.mu.Unlock()
	assert.False(t, s1Cached, "oldest stopped entry is evicted")
	assert.Equal(t, 3, total)

	// The row survives in the store and a get re-inserts it, evicting the
	// then-oldest stopped entry (s2).
	_, err := ss.GetServer(ctx, ids[0])
	require.NoError(t, err)

	_, err = m.Get(ctx, ids[0])
	require.NoError(t, err)

	m.mu.Lock()
	_, s1Back := m.entries[ids[0]]
	_, s2Cached := m.entries[ids[1]]
	m.mu.Unlock()
	assert.True(t, s1Back)
	assert.False(t, s2Cached)
}

func TestLRUSkipsWhenAllRunning(t *testing.T) {
	m, _ := newTestManager(t, &fakeClient{})
	m.maxServers = 2
	m.maxRunning = 10
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"a", "b"} {
		srv, err := m.Add(ctx, stdioConfig(name))
		require.NoError(t, err)
		require.NoError(t, m.Start(ctx, srv.ID))
		ids = append(ids, srv.ID)
	}

	srv, err := m.Add(ctx, stdioConfig("c"))
	require.NoError(t, err)

	m.mu.Lock()
	total := len(m.entries)
	m.mu.Unlock()
	assert.Equal(t, 3, total, "cap is soft when every entry is running")
	_ = srv
	_ = ids
}

func TestLRUPinsErroredEntries(t *testing.T) {
	client := &fakeClient{failure: errs.New(errs.KindTransport, "spawn failed")}
	m, _ := newTestManager(t, client)
	m.maxServers = 2
	ctx := context.Background()

	bad, err := m.Add(ctx, stdioConfig("bad"))
	require.NoError(t, err)
	require.Error(t, m.Start(ctx, bad.ID))

	for _, name := range []string{"s2", "s3", "s4"} {
		_, err := m.Add(ctx, stdioConfig(name))
		require.NoError(t, err)
	}

	m.mu.Lock()
	_, badCached := m.entries[bad.ID]
	m.mu.Unlock()
	assert.True(t, badCached, "an errored entry keeps its place in the cache")
}

func TestGetToolsRequiresRunning(t *testing.T) {
	client := &fakeClient{tools: []mcpclient.ToolInfo{{Name: "read_file"}}}
	m, _ := newTestManager(t, client)
	ctx := context.Background()

	srv, err := m.Add(ctx, stdioConfig("notes"))
	require.NoError(t, err)

	_, err = m.GetTools(ctx, srv.ID)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))

	require.NoError(t, m.Start(ctx, srv.ID))
	tools, err := m.GetTools(ctx, srv.ID)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "read_file", tools[0].Name)
}

func TestRemoveStopsRunningServer(t *testing.T) {
	client := &fakeClient{}
	m, ss := newTestManager(t, client)
	ctx := context.Background()

	srv, err := m.Add(ctx, stdioConfig("notes"))
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, srv.ID))

	require.NoError(t, m.Remove(ctx, srv.ID))
	assert.False(t, client.IsConnected())

	_, err = ss.GetServer(ctx, srv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.Get(ctx, srv.ID)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestStderrTail(t *testing.T) {
	client := &fakeClient{stderr: strings.NewReader("one\ntwo\nthree\n")}
	m, _ := newTestManager(t, client)
	ctx := context.Background()

	srv, err := m.Add(ctx, stdioConfig("notes"))
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, srv.ID))

	// The drain goroutine needs a moment with a strings.Reader.
	assert.Eventually(t, func() bool {
		return len(m.StderrTail(srv.ID)) == 3
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, m.StderrTail(srv.ID))
}
