// Package hooks runs user-registered scripts around tool calls. Scripts
// execute in an isolated interpreter with no filesystem, network, or host
// access, a bounded time budget, and only the call payload plus JSON and
// string primitives. Constructs that load code dynamically or reach for
// host reflection are rejected when the hook is registered.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/revittco/mcprouter/internal/errs"
	"github.com/revittco/mcprouter/internal/store"
)

// Hook events.
const (
	EventBeforeToolCall = "beforeToolCall"
	EventAfterToolCall  = "afterToolCall"
)

// Budget is the wall-time allowance for one hook invocation.
const Budget = 5 * time.Second

// Hook is one registered script. The source must define a function named
// hook(payload) and may return an object; only hooks with CanModify set
// have their return value applied.
type Hook struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Event     string `json:"event"`
	ProjectID string `json:"projectId,omitempty"`
	ServerID  string `json:"serverId,omitempty"`
	Source    string `json:"source"`
	CanModify bool   `json:"canModify"`

	prog *goja.Program
}

// forbidden constructs scanned for before compilation. The interpreter has
// no host bindings, but dynamic evaluation and prototype walking are shut
// off outright.
var forbidden = []*regexp.Regexp{
	regexp.MustCompile(`\beval\s*\(`),
	regexp.MustCompile(`\bFunction\s*\(`),
	regexp.MustCompile(`new\s+Function\b`),
	regexp.MustCompile(`\bReflect\b`),
	regexp.MustCompile(`\bProxy\b`),
	regexp.MustCompile(`\bglobalThis\b`),
	regexp.MustCompile(`\brequire\s*\(`),
	regexp.MustCompile(`\bimport\b`),
	regexp.MustCompile(`__proto__`),
	regexp.MustCompile(`\bconstructor\b`),
}

// Registry holds registered hooks.
type Registry struct {
	log *slog.Logger

	mu    sync.RWMutex
	hooks map[string]*Hook
}

// NewRegistry creates an empty hook registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log, hooks: make(map[string]*Hook)}
}

// Register validates and compiles a hook. Invalid sources fail here, never
// at call time.
func (r *Registry) Register(h *Hook) error {
	if h.Event != EventBeforeToolCall && h.Event != EventAfterToolCall {
		return errs.Newf(errs.KindValidation, "unknown hook event %q", h.Event)
	}
	if h.Source == "" {
		return errs.New(errs.KindValidation, "hook source is required")
	}
	for _, re := range forbidden {
		if re.MatchString(h.Source) {
			return errs.Newf(errs.KindValidation, "hook uses forbidden construct %q", re.String())
		}
	}

	prog, err := goja.Compile(h.Name, h.Source, true)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "hook does not compile", err)
	}

	if h.ID == "" {
		h.ID = store.NewID("hook")
	}
	h.prog = prog

	r.mu.Lock()
	r.hooks[h.ID] = h
	r.mu.Unlock()
	return nil
}

// Unregister removes a hook.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hooks[id]; !ok {
		return errs.Newf(errs.KindNotFound, "hook %s not found", id)
	}
	delete(r.hooks, id)
	return nil
}

// List returns all registered hooks.
func (r *Registry) List() []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Hook, 0, len(r.hooks))
	for _, h := range r.hooks {
		cp := *h
		out = append(out, &cp)
	}
	return out
}

// Run invokes every hook registered for the event that matches the project
// and server. Hooks with CanModify may replace the payload; hook failures
// are logged and skipped. The returned payload is always usable.
func (r *Registry) Run(ctx context.Context, event, projectID, serverID string, payload map[string]any) map[string]any {
	r.mu.RLock()
	var matched []*Hook
	for _, h := range r.hooks {
		if h.Event != event {
			continue
		}
		if h.ProjectID != "" && h.ProjectID != projectID {
			continue
		}
		if h.ServerID != "" && h.ServerID != serverID {
			continue
		}
		matched = append(matched, h)
	}
	r.mu.RUnlock()

	current := payload
	for _, h := range matched {
		out, err := r.invoke(ctx, h, current)
		if err != nil {
			r.log.Warn("hook failed", "hook", h.Name, "event", event, "err", err)
			continue
		}
		if h.CanModify && out != nil {
			current = out
		}
	}
	return current
}

// invoke runs one hook in a fresh interpreter. The payload crosses the
// boundary as JSON so the script can never hold references into router
// state.
func (r *Registry) invoke(ctx context.Context, h *Hook, payload map[string]any) (out map[string]any, err error) {
	frozen, err := jsonRoundTrip(payload)
	if err != nil {
		return nil, fmt.Errorf("freeze payload: %w", err)
	}

	vm := goja.New()

	stop := time.AfterFunc(Budget, func() {
		vm.Interrupt("hook budget exceeded")
	})
	defer stop.Stop()
	if done := ctx.Done(); done != nil {
		cancelWatch := make(chan struct{})
		defer close(cancelWatch)
		go func() {
			select {
			case <-done:
				vm.Interrupt("cancelled")
			case <-cancelWatch:
			}
		}()
	}

	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, fmt.Errorf("hook panicked: %v", rec)
		}
	}()

	if _, err := vm.RunProgram(h.prog); err != nil {
		return nil, err
	}

	fn, ok := goja.AssertFunction(vm.Get("hook"))
	if !ok {
		return nil, fmt.Errorf("source does not define hook(payload)")
	}

	res, err := fn(goja.Undefined(), vm.ToValue(frozen))
	if err != nil {
		return nil, err
	}

	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return nil, nil
	}
	if m, ok := res.Export().(map[string]any); ok {
		// Round-trip the result too; values must be plain data.
		return jsonRoundTrip(m)
	}
	return nil, nil
}

func jsonRoundTrip(m map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
