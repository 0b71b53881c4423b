// Package approval holds pending tool-call approvals in memory and blocks
// callers until a decision arrives or the request expires. Approvals do not
// survive a restart.
package approval

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/revittco/mcprouter/internal/errs"
	"github.com/revittco/mcprouter/internal/events"
	"github.com/revittco/mcprouter/internal/store"
)

// Approval statuses.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
)

// DefaultTimeout is how long a request stays pending without a decision.
const DefaultTimeout = 5 * time.Minute

// terminalRetention is how long resolved entries remain listable.
const terminalRetention = time.Hour

// Approval is one pending or resolved decision.
type Approval struct {
	ID         string         `json:"id"`
	ClientID   string         `json:"clientId"`
	ServerID   string         `json:"serverId"`
	ToolName   string         `json:"toolName"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	RiskLevel  string         `json:"riskLevel"`
	Status     string         `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	ResolvedBy string         `json:"resolvedBy,omitempty"`
	CreatedAt  int64          `json:"createdAt"`
	ExpiresAt  int64          `json:"expiresAt"`
	ResolvedAt *int64         `json:"resolvedAt,omitempty"`
}

// Resolution is what waiters receive.
type Resolution struct {
	Status string
	Reason string
}

// Approved reports whether the decision allows the call to proceed.
func (r Resolution) Approved() bool { return r.Status == StatusApproved }

type item struct {
	approval *Approval
	res      Resolution
	done     chan struct{} // closed exactly once, on resolution
	timer    *time.Timer
}

// Queue coordinates approval requests and their resolution. All waiters on
// one id share the same decision.
type Queue struct {
	bus     *events.Bus
	timeout time.Duration
	now     func() time.Time

	mu    sync.Mutex
	items map[string]*item
}

// NewQueue creates an approval queue. The bus is optional (nil-safe).
func NewQueue(bus *events.Bus) *Queue {
	return &Queue{
		bus:     bus,
		timeout: DefaultTimeout,
		now:     time.Now,
		items:   make(map[string]*item),
	}
}

// Request describes a new approval to enqueue.
type Request struct {
	ClientID  string
	ServerID  string
	ToolName  string
	Arguments map[string]any
	RiskLevel string
	Timeout   time.Duration // zero means DefaultTimeout
}

// Create enqueues a pending approval and starts its expiry timer. The entry
// expires on schedule whether or not anyone is waiting on it.
func (q *Queue) Create(req Request) *Approval {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = q.timeout
	}

	now := q.now()
	a := &Approval{
		ID:        store.NewID("approval"),
		ClientID:  req.ClientID,
		ServerID:  req.ServerID,
		ToolName:  req.ToolName,
		Arguments: req.Arguments,
		RiskLevel: req.RiskLevel,
		Status:    StatusPending,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(timeout).UnixMilli(),
	}

	it := &item{
		approval: a,
		done:     make(chan struct{}),
	}
	it.timer = time.AfterFunc(timeout, func() { q.expire(a.ID) })

	q.mu.Lock()
	q.items[a.ID] = it
	q.mu.Unlock()

	q.publish("approval.new", a)
	return a
}

// WaitFor blocks until the approval is resolved or expires. A positive
// timeout shorter than the remaining lifetime expires the request early.
// A lapsed context deadline expires the entry; any other cancellation
// resolves it as cancelled. Waiters arriving after resolution get the
// recorded decision immediately.
func (q *Queue) WaitFor(ctx context.Context, id string, timeout time.Duration) (Resolution, error) {
	q.mu.Lock()
	it, ok := q.items[id]
	q.mu.Unlock()
	if !ok {
		return Resolution{}, errs.Newf(errs.KindNotFound, "approval %s not found", id)
	}

	if timeout > 0 {
		t := time.AfterFunc(timeout, func() { q.expire(id) })
		defer t.Stop()
	}

	select {
	case <-it.done:
		return it.res, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			q.expire(id)
		} else {
			_ = q.Cancel(id, "client disconnected")
		}
		// A concurrent Respond may have won; report whichever resolution
		// landed first.
		<-it.done
		return it.res, ctx.Err()
	}
}

// Respond records an approve or reject decision. A second decision for the
// same approval returns a conflict.
func (q *Queue) Respond(id string, approved bool, respondedBy, note string) (*Approval, error) {
	status := StatusRejected
	if approved {
		status = StatusApproved
	}
	return q.resolve(id, status, respondedBy, note)
}

// Cancel resolves a pending approval as cancelled.
func (q *Queue) Cancel(id, reason string) error {
	_, err := q.resolve(id, StatusCancelled, "system", reason)
	return err
}

// Get returns a copy of one approval.
func (q *Queue) Get(id string) (*Approval, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "approval %s not found", id)
	}
	cp := *it.approval
	return &cp, nil
}

// List returns approvals, newest first, optionally filtered by status.
func (q *Queue) List(status string) []*Approval {
	q.mu.Lock()
	out := make([]*Approval, 0, len(q.items))
	for _, it := range q.items {
		if status != "" && it.approval.Status != status {
			continue
		}
		cp := *it.approval
		out = append(out, &cp)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out
}

// SweepExpired expires overdue pending entries and drops resolved entries
// older than the retention window. Returns how many entries were expired.
func (q *Queue) SweepExpired() int {
	nowMs := q.now().UnixMilli()
	cutoff := q.now().Add(-terminalRetention).UnixMilli()

	q.mu.Lock()
	var overdue []string
	for id, it := range q.items {
		a := it.approval
		if a.Status == StatusPending {
			if a.ExpiresAt <= nowMs {
				overdue = append(overdue, id)
			}
			continue
		}
		if a.ResolvedAt != nil && *a.ResolvedAt < cutoff {
			delete(q.items, id)
		}
	}
	q.mu.Unlock()

	for _, id := range overdue {
		q.expire(id)
	}
	return len(overdue)
}

// Shutdown resolves every pending approval as cancelled.
func (q *Queue) Shutdown() {
	for _, a := range q.List(StatusPending) {
		_ = q.Cancel(a.ID, "shutting down")
	}
}

func (q *Queue) expire(id string) {
	_, _ = q.resolve(id, StatusExpired, "system", "timed out")
}

// resolve moves a pending approval to a terminal status, wakes every
// waiter, and publishes the matching event. Only the first resolution wins.
func (q *Queue) resolve(id, status, by, reason string) (*Approval, error) {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return nil, errs.Newf(errs.KindNotFound, "approval %s not found", id)
	}
	a := it.approval
	if a.Status != StatusPending {
		q.mu.Unlock()
		return nil, errs.Newf(errs.KindConflict, "approval %s already %s", id, a.Status)
	}

	resolvedAt := q.now().UnixMilli()
	a.Status = status
	a.Reason = reason
	a.ResolvedBy = by
	a.ResolvedAt = &resolvedAt
	it.res = Resolution{Status: status, Reason: reason}
	it.timer.Stop()
	close(it.done)
	cp := *a
	q.mu.Unlock()

	event := "approval.resolved"
	if status == StatusExpired {
		event = "approval.expired"
	}
	q.publish(event, &cp)
	return &cp, nil
}

func (q *Queue) publish(typ string, a *Approval) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(events.Event{Type: typ, Data: a})
}
