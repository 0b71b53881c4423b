// Package server manages the lifecycle of configured MCP servers: a
// bounded in-memory cache over the persistent rows, subprocess supervision
// for stdio transports, and the per-server protocol handles.
package server

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/revittco/mcprouter/internal/audit"
	"github.com/revittco/mcprouter/internal/catalog"
	"github.com/revittco/mcprouter/internal/errs"
	"github.com/revittco/mcprouter/internal/events"
	"github.com/revittco/mcprouter/internal/mcpclient"
	"github.com/revittco/mcprouter/internal/store"
)

const (
	// MaxServers bounds the in-memory cache. It is a soft target: running
	// servers are never evicted to satisfy it.
	MaxServers = 100

	// MaxRunning bounds concurrently running servers.
	MaxRunning = 20

	// StopTimeout is how long a graceful shutdown may take before the
	// child is killed.
	StopTimeout = 5 * time.Second

	stderrRingLines = 100
)

// Client is the per-server protocol handle the manager drives. Done yields
// the failure when the connection dies outside Disconnect and closes
// without a value on a clean exit; Kill force-terminates a hung child.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Kill() error
	Done() <-chan error
	IsConnected() bool
	ListTools(ctx context.Context) ([]mcpclient.ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*mcp.CallToolResult, error)
	Stderr() (io.Reader, bool)
}

// ClientFactory builds a Client for a server row.
type ClientFactory func(srv *store.Server, log *slog.Logger) (Client, error)

// DefaultClientFactory wires the real MCP client.
func DefaultClientFactory(srv *store.Server, log *slog.Logger) (Client, error) {
	return mcpclient.New(srv, log)
}

type entry struct {
	mu     sync.Mutex // serializes start/stop/restart for one server
	server *store.Server
	client Client
	stderr *ringBuffer
	elem   *list.Element
}

// Manager owns the server cache and lifecycle.
type Manager struct {
	store   store.ServerStore
	factory ClientFactory
	audit   *audit.Logger
	bus     *events.Bus
	log     *slog.Logger

	maxServers   int
	maxRunning   int
	stopTimeout  time.Duration
	runningGauge prometheus.Gauge // optional

	mu       sync.Mutex
	entries  map[string]*entry
	lru      *list.List // of server id; front is most recently used
	reserved int        // start slots claimed but not yet visible as starting
}

// NewManager creates a server manager. Audit logger and bus are optional.
func NewManager(s store.ServerStore, factory ClientFactory, auditLog *audit.Logger, bus *events.Bus, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if factory == nil {
		factory = DefaultClientFactory
	}
	return &Manager{
		store:       s,
		factory:     factory,
		audit:       auditLog,
		bus:         bus,
		log:         log,
		maxServers:  MaxServers,
		maxRunning:  MaxRunning,
		stopTimeout: StopTimeout,
		entries:     make(map[string]*entry),
		lru:         list.New(),
	}
}

// SetRunningGauge attaches a gauge tracking the number of running servers.
// Wire it before the first lifecycle call.
func (m *Manager) SetRunningGauge(g prometheus.Gauge) {
	m.runningGauge = g
}

// Add validates and persists a new server configuration.
func (m *Manager) Add(ctx context.Context, srv *store.Server) (*store.Server, error) {
	if err := validateConfig(srv); err != nil {
		return nil, err
	}
	if srv.ID == "" {
		srv.ID = store.NewID("server")
	}
	srv.Status = store.StatusStopped

	if err := m.store.CreateServer(ctx, srv); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.insertLocked(srv)
	m.mu.Unlock()

	cp := *srv
	return &cp, nil
}

// Get returns one server, loading it into the cache if absent.
func (m *Manager) Get(ctx context.Context, id string) (*store.Server, error) {
	e, err := m.entryFor(ctx, id, true)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	cp := *e.server
	m.mu.Unlock()
	return &cp, nil
}

// List returns all configured servers from the store.
func (m *Manager) List(ctx context.Context) ([]store.Server, error) {
	return m.store.ListServers(ctx)
}

// Update applies a patch. ID, createdAt, and status cannot be patched.
func (m *Manager) Update(ctx context.Context, patch *store.Server) (*store.Server, error) {
	if err := validateConfig(patch); err != nil {
		return nil, err
	}

	e, err := m.entryFor(ctx, patch.ID, true)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m.mu.Lock()
	cur := *e.server
	m.mu.Unlock()

	patch.CreatedAt = cur.CreatedAt
	patch.Status = cur.Status
	patch.LastError = cur.LastError

	if err := m.store.UpdateServer(ctx, patch); err != nil {
		return nil, err
	}

	m.mu.Lock()
	e.server = patch
	m.mu.Unlock()

	cp := *patch
	return &cp, nil
}

// Remove stops the server if needed, deletes the row, and evicts it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	e, err := m.entryFor(ctx, id, false)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.server.Status == store.StatusRunning || e.server.Status == store.StatusStarting {
		m.stopLocked(ctx, e)
	}
	e.mu.Unlock()

	if err := m.store.DeleteServer(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	if cur, ok := m.entries[id]; ok {
		m.lru.Remove(cur.elem)
		delete(m.entries, id)
	}
	m.mu.Unlock()
	return nil
}

// Start transitions stopped→starting→running and connects the protocol
// client. Fails with capacity when MaxRunning servers are already up.
func (m *Manager) Start(ctx context.Context, id string) error {
	e, err := m.entryFor(ctx, id, true)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.server.Status == store.StatusRunning {
		return nil
	}

	// Claim a start slot under the same lock as the capacity check so two
	// concurrent Starts cannot both squeeze past the cap. The reservation
	// covers the window until the starting status lands in the cache.
	m.mu.Lock()
	if n := m.runningCountLocked() + m.reserved; n >= m.maxRunning {
		m.mu.Unlock()
		return errs.Newf(errs.KindCapacity, "%d servers already running", n)
	}
	m.reserved++
	m.mu.Unlock()

	err = m.setStatus(ctx, e, store.StatusStarting, "")
	m.mu.Lock()
	m.reserved--
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.mu.Lock()
	cfg := *e.server
	m.mu.Unlock()

	client, err := m.factory(&cfg, m.log)
	if err == nil {
		err = client.Connect(ctx)
	}
	if err != nil {
		_ = m.setStatus(ctx, e, store.StatusError, err.Error())
		m.auditEvent(ctx, audit.TypeServerStart, id, false, map[string]any{"error": err.Error()})
		return err
	}

	ring := newRingBuffer(stderrRingLines)
	if stderr, ok := client.Stderr(); ok {
		go ring.drain(stderr)
	}

	e.client = client
	e.stderr = ring
	if err := m.setStatus(ctx, e, store.StatusRunning, ""); err != nil {
		e.client = nil
		_ = client.Disconnect()
		return err
	}

	go m.watch(id, client, client.Done())

	m.auditEvent(ctx, audit.TypeServerStart, id, true, nil)
	m.log.Info("server started", "server_id", id, "transport", cfg.Transport)
	return nil
}

// watch demotes a server whose connection dies out from under the manager:
// a clean exit lands on stopped, a failure on error with the cause as
// lastError. A client replaced by a later lifecycle call is ignored.
func (m *Manager) watch(id string, c Client, done <-chan error) {
	err, ok := <-done

	m.mu.Lock()
	e, exists := m.entries[id]
	m.mu.Unlock()
	if !exists {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != c {
		return
	}
	e.client = nil

	ctx := context.Background()
	if !ok || err == nil {
		_ = m.setStatus(ctx, e, store.StatusStopped, "")
		m.auditEvent(ctx, audit.TypeServerStop, id, true, map[string]any{"reason": "exited"})
		m.log.Info("server exited", "server_id", id)
		return
	}
	_ = m.setStatus(ctx, e, store.StatusError, err.Error())
	m.auditEvent(ctx, audit.TypeServerStop, id, false, map[string]any{"error": err.Error()})
	m.log.Warn("server connection lost", "server_id", id, "err", err)
}

// Stop transitions running→stopping→stopped, waiting up to StopTimeout for
// a graceful disconnect before killing the child. The server always ends
// up stopped.
func (m *Manager) Stop(ctx context.Context, id string) error {
	e, err := m.entryFor(ctx, id, false)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.server.Status != store.StatusRunning && e.server.Status != store.StatusStarting && e.server.Status != store.StatusError {
		return nil
	}
	m.stopLocked(ctx, e)
	return nil
}

// stopLocked requires e.mu held. A disconnect that overruns the graceful
// budget escalates to a kill, then joins the disconnect goroutine so the
// client handle is never cleared while still in use.
func (m *Manager) stopLocked(ctx context.Context, e *entry) {
	id := e.server.ID
	_ = m.setStatus(ctx, e, store.StatusStopping, "")

	if e.client != nil {
		done := make(chan struct{})
		client := e.client
		go func() {
			if err := client.Disconnect(); err != nil {
				m.log.Warn("disconnect failed", "server_id", id, "err", err)
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(m.stopTimeout):
			m.log.Warn("graceful stop timed out, killing", "server_id", id)
			if err := client.Kill(); err != nil {
				m.log.Warn("kill failed", "server_id", id, "err", err)
			}
			<-done
		}
		e.client = nil
	}

	_ = m.setStatus(ctx, e, store.StatusStopped, "")
	m.auditEvent(ctx, audit.TypeServerStop, id, true, nil)
	m.log.Info("server stopped", "server_id", id)
}

// Restart stops then starts the server. The per-server lock in each phase
// keeps concurrent lifecycle calls from interleaving.
func (m *Manager) Restart(ctx context.Context, id string) error {
	if err := m.Stop(ctx, id); err != nil {
		return err
	}
	return m.Start(ctx, id)
}

// GetTools lists the tools of a running server.
func (m *Manager) GetTools(ctx context.Context, id string) ([]mcpclient.ToolInfo, error) {
	e, err := m.entryFor(ctx, id, true)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	client := e.client
	status := e.server.Status
	m.mu.Unlock()

	if status != store.StatusRunning || client == nil {
		return nil, errs.Newf(errs.KindConflict, "server %s is not running", id)
	}
	return client.ListTools(ctx)
}

// CallTool invokes a tool on a running server.
func (m *Manager) CallTool(ctx context.Context, id, rawName string, args map[string]any, timeout time.Duration) (*mcp.CallToolResult, error) {
	e, err := m.entryFor(ctx, id, true)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	client := e.client
	status := e.server.Status
	m.mu.Unlock()

	if status != store.StatusRunning || client == nil {
		return nil, errs.Newf(errs.KindConflict, "server %s is not running", id)
	}
	return client.CallTool(ctx, rawName, args, timeout)
}

// StderrTail returns the retained stderr lines of a server, oldest first.
func (m *Manager) StderrTail(id string) []string {
	m.mu.Lock()
	e, ok := m.entries[id]
	var ring *ringBuffer
	if ok {
		ring = e.stderr
	}
	m.mu.Unlock()
	if ring == nil {
		return nil
	}
	return ring.Tail()
}

// RunningServers implements catalog.Source.
func (m *Manager) RunningServers(ctx context.Context) []*store.Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Server
	for _, e := range m.entries {
		if e.server.Status == store.StatusRunning {
			cp := *e.server
			out = append(out, &cp)
		}
	}
	return out
}

// ServerTools implements catalog.Source.
func (m *Manager) ServerTools(ctx context.Context, serverID string) ([]catalog.RawTool, error) {
	tools, err := m.GetTools(ctx, serverID)
	if err != nil {
		return nil, err
	}
	out := make([]catalog.RawTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, catalog.RawTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out, nil
}

// Shutdown stops every running server.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	var ids []string
	for id, e := range m.entries {
		if e.server.Status == store.StatusRunning || e.server.Status == store.StatusStarting {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			m.log.Warn("shutdown: stop failed", "server_id", id, "err", err)
		}
	}
}

// entryFor returns the cache entry for id, loading the row from the store
// on a miss. touch marks the entry as recently used.
func (m *Manager) entryFor(ctx context.Context, id string, touch bool) (*entry, error) {
	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		if touch {
			m.lru.MoveToFront(e.elem)
		}
		m.mu.Unlock()
		return e, nil
	}
	m.mu.Unlock()

	srv, err := m.store.GetServer(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.Newf(errs.KindNotFound, "server %s not found", id)
		}
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		if touch {
			m.lru.MoveToFront(e.elem)
		}
		return e, nil
	}
	return m.insertLocked(srv), nil
}

// insertLocked adds a row to the cache and evicts past the cap. Requires
// m.mu held.
func (m *Manager) insertLocked(srv *store.Server) *entry {
	e := &entry{server: srv}
	e.elem = m.lru.PushFront(srv.ID)
	m.entries[srv.ID] = e
	m.evictLocked()
	return e
}

// evictLocked removes least-recently-used stopped entries while the cache
// is over capacity. Only stopped entries are evictable; running and errored
// entries are pinned, and if nothing is evictable the cap is exceeded
// silently.
func (m *Manager) evictLocked() {
	for len(m.entries) > m.maxServers {
		evicted := false
		for el := m.lru.Back(); el != nil; el = el.Prev() {
			id := el.Value.(string)
			e := m.entries[id]
			if e.server.Status != store.StatusStopped {
				continue
			}
			m.lru.Remove(el)
			delete(m.entries, id)
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}

// runningCountLocked requires m.mu held.
func (m *Manager) runningCountLocked() int {
	n := 0
	for _, e := range m.entries {
		if e.server.Status == store.StatusRunning || e.server.Status == store.StatusStarting {
			n++
		}
	}
	return n
}

// setStatus persists the transition before mutating the cache, then
// publishes the change.
func (m *Manager) setStatus(ctx context.Context, e *entry, status, lastErr string) error {
	m.mu.Lock()
	updated := *e.server
	m.mu.Unlock()

	updated.Status = status
	updated.LastError = lastErr

	if err := m.store.UpdateServer(ctx, &updated); err != nil {
		return err
	}

	m.mu.Lock()
	e.server = &updated
	running := 0
	for _, cur := range m.entries {
		if cur.server.Status == store.StatusRunning {
			running++
		}
	}
	m.mu.Unlock()

	if m.runningGauge != nil {
		m.runningGauge.Set(float64(running))
	}

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type: "server.status-changed",
			Data: map[string]any{
				"serverId":  updated.ID,
				"status":    status,
				"lastError": lastErr,
			},
		})
	}
	return nil
}

func (m *Manager) auditEvent(ctx context.Context, typ, serverID string, success bool, metadata map[string]any) {
	if m.audit == nil {
		return
	}
	var raw json.RawMessage
	if len(metadata) > 0 {
		raw, _ = json.Marshal(metadata)
	}
	m.audit.Record(ctx, &store.AuditEvent{
		Type:     typ,
		ServerID: serverID,
		Success:  success,
		Metadata: raw,
	})
}

func validateConfig(srv *store.Server) error {
	if srv.Name == "" {
		return errs.New(errs.KindValidation, "name is required")
	}
	switch srv.Transport {
	case store.TransportStdio:
		if srv.Command == "" {
			return errs.New(errs.KindValidation, "stdio transport requires a command")
		}
	case store.TransportSSE, store.TransportHTTP:
		if srv.URL == nil || *srv.URL == "" {
			return errs.Newf(errs.KindValidation, "%s transport requires a url", srv.Transport)
		}
	default:
		return errs.Newf(errs.KindValidation, "unsupported transport %q", srv.Transport)
	}
	return nil
}
