// Package catalog aggregates the tools of every running server under
// unique exposed names and serves lookups and BM25 relevance search over a
// 60 second cache.
package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/revittco/mcprouter/internal/errs"
	"github.com/revittco/mcprouter/internal/store"
)

// TTL is how long a built catalog stays fresh.
const TTL = 60 * time.Second

// Tool is one catalog entry.
type Tool struct {
	ServerID    string          `json:"serverId"`
	ServerName  string          `json:"serverName"`
	RawName     string          `json:"name"`
	ExposedName string          `json:"exposedName"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	RiskLevel   string          `json:"riskLevel"`
	Enabled     bool            `json:"enabled"`
	UsageCount  int64           `json:"usageCount"`
}

// RawTool is what a server reports before catalog enrichment.
type RawTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Source yields the running servers and their tool lists. The server
// manager implements it.
type Source interface {
	RunningServers(ctx context.Context) []*store.Server
	ServerTools(ctx context.Context, serverID string) ([]RawTool, error)
}

// snapshot is one immutable build of the catalog. Readers hold a snapshot
// pointer and never see a half-built state.
type snapshot struct {
	byExposed map[string]*Tool
	byServer  map[string][]*Tool
	index     *searchIndex
	builtAt   time.Time
}

// Catalog caches the aggregated tool list and its search index. Rebuilds
// run outside the lock; the write lock is held only for the pointer swap,
// so readers on a fresh snapshot never wait on server I/O.
type Catalog struct {
	source Source
	log    *slog.Logger
	now    func() time.Time
	ttl    time.Duration

	mu   sync.RWMutex
	snap *snapshot

	sf singleflight.Group

	usageMu sync.Mutex
	usage   map[string]int64
}

// New creates a catalog over the given source.
func New(source Source, log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{
		source: source,
		log:    log,
		now:    time.Now,
		ttl:    TTL,
		usage:  make(map[string]int64),
	}
}

// Get resolves an exposed tool name, refreshing the cache if stale.
func (c *Catalog) Get(ctx context.Context, exposedName string) (*Tool, error) {
	s, err := c.fresh(ctx)
	if err != nil {
		return nil, err
	}
	t, ok := s.byExposed[exposedName]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "tool %s not found", exposedName)
	}
	cp := *t
	return &cp, nil
}

// List returns tools, optionally restricted to one server, sorted by
// exposed name.
func (c *Catalog) List(ctx context.Context, serverID string) ([]*Tool, error) {
	s, err := c.fresh(ctx)
	if err != nil {
		return nil, err
	}

	var src []*Tool
	if serverID != "" {
		src = s.byServer[serverID]
	} else {
		for _, t := range s.byExposed {
			src = append(src, t)
		}
	}

	out := make([]*Tool, 0, len(src))
	for _, t := range src {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExposedName < out[j].ExposedName })
	return out, nil
}

// Search runs a BM25 query over the catalog and returns matching tools with
// scores, best first.
func (c *Catalog) Search(ctx context.Context, query string, limit int) ([]*Tool, []SearchResult, error) {
	s, err := c.fresh(ctx)
	if err != nil {
		return nil, nil, err
	}

	results := s.index.search(query, limit)
	tools := make([]*Tool, 0, len(results))
	for _, r := range results {
		if t, ok := s.byExposed[r.ExposedName]; ok {
			cp := *t
			tools = append(tools, &cp)
		}
	}
	return tools, results, nil
}

// Refresh forces a rebuild regardless of TTL.
func (c *Catalog) Refresh(ctx context.Context) error {
	ns, err := c.build(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.snap = ns
	c.mu.Unlock()
	return nil
}

// Invalidate marks the cache stale so the next query rebuilds it.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	if c.snap != nil {
		stale := *c.snap
		stale.builtAt = time.Time{}
		c.snap = &stale
	}
	c.mu.Unlock()
}

// RecordUsage bumps the call counter for an exposed tool name.
func (c *Catalog) RecordUsage(exposedName string) {
	c.usageMu.Lock()
	c.usage[exposedName]++
	c.usageMu.Unlock()
}

// fresh returns the current snapshot, rebuilding it when stale. Concurrent
// callers of a stale catalog share one rebuild.
func (c *Catalog) fresh(ctx context.Context) (*snapshot, error) {
	c.mu.RLock()
	s := c.snap
	c.mu.RUnlock()
	if s != nil && c.now().Sub(s.builtAt) < c.ttl {
		return s, nil
	}

	v, err, _ := c.sf.Do("rebuild", func() (any, error) {
		c.mu.RLock()
		cur := c.snap
		c.mu.RUnlock()
		if cur != nil && c.now().Sub(cur.builtAt) < c.ttl {
			return cur, nil
		}

		ns, err := c.build(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.snap = ns
		c.mu.Unlock()
		return ns, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot), nil
}

// build lists tools from every running server concurrently. A server that
// fails to answer is skipped so one bad child cannot blank the whole
// catalog.
func (c *Catalog) build(ctx context.Context) (*snapshot, error) {
	servers := c.source.RunningServers(ctx)

	type serverTools struct {
		server *store.Server
		tools  []RawTool
	}
	results := make([]serverTools, len(servers))

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		g.Go(func() error {
			tools, err := c.source.ServerTools(gctx, srv.ID)
			if err != nil {
				c.log.Warn("catalog refresh: server skipped",
					"server_id", srv.ID, "err", err)
				return nil
			}
			results[i] = serverTools{server: srv, tools: tools}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byExposed := make(map[string]*Tool)
	byServer := make(map[string][]*Tool)
	var all []*Tool

	c.usageMu.Lock()
	defer c.usageMu.Unlock()

	for _, st := range results {
		if st.server == nil {
			continue
		}
		for _, raw := range st.tools {
			t := &Tool{
				ServerID:    st.server.ID,
				ServerName:  st.server.Name,
				RawName:     raw.Name,
				ExposedName: ExposedName(st.server.Name, raw.Name),
				Description: raw.Description,
				InputSchema: raw.InputSchema,
				RiskLevel:   RiskLevel(raw.Name),
				Enabled:     toolEnabled(st.server, raw.Name),
				UsageCount:  c.usage[ExposedName(st.server.Name, raw.Name)],
			}
			byExposed[t.ExposedName] = t
			byServer[t.ServerID] = append(byServer[t.ServerID], t)
			all = append(all, t)
		}
	}

	return &snapshot{
		byExposed: byExposed,
		byServer:  byServer,
		index:     buildIndex(all),
		builtAt:   c.now(),
	}, nil
}

// toolEnabled consults the server's per-tool permission map. Tools without
// an entry are enabled.
func toolEnabled(srv *store.Server, rawName string) bool {
	if srv.ToolPermissions == nil {
		return true
	}
	enabled, ok := srv.ToolPermissions[rawName]
	if !ok {
		return true
	}
	return enabled
}
