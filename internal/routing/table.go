// Package routing holds the route table: physical routes naming known peer
// routers and logical routes binding endpoint patterns to in-process
// handlers.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nforgeio/LillTek-sub012/internal/endpoint"
	"github.com/nforgeio/LillTek-sub012/internal/message"
	"github.com/nforgeio/LillTek-sub012/internal/session"
)

// DefaultKey is the handler key matching any message type not claimed by a
// typed handler on the same route.
const DefaultKey = "*default*"

var ErrDuplicateHandler = errors.New("routing: duplicate handler")

// Link is the outbound side of a channel to a peer router. Implementations
// frame and transmit the bytes; the table never interprets them.
type Link interface {
	Send(ctx context.Context, frame []byte) error
}

// HandlerFunc consumes one dispatched message.
type HandlerFunc func(m message.Msg)

// Handler binds a callback to a message type, optionally with the session
// behavior the callback opted into.
type Handler struct {
	// Target identifies the object the handler was registered on behalf
	// of; RemoveTarget matches on it.
	Target any

	Fn HandlerFunc

	// MsgType is the type ID the handler declares, or DefaultKey.
	MsgType string

	Session *session.HandlerInfo
}

// PhysicalRoute records a known peer router.
type PhysicalRoute struct {
	RouterEP *endpoint.EP

	// SetID is the peer's logical endpoint set ID from its last
	// advertisement.
	SetID uuid.UUID

	LastSeen time.Time

	Link Link
}

// LogicalRoute binds one logical endpoint to its handlers, keyed by message
// type ID or DefaultKey.
type LogicalRoute struct {
	EP *endpoint.EP

	// TargetGroup, when non-nil, lets several targets share the route.
	TargetGroup any

	handlers map[string]*Handler
}

// Handler selects the route's handler for a type ID, falling back to the
// route's default handler.
func (r *LogicalRoute) Handler(typeID string) (*Handler, bool) {
	if h, ok := r.handlers[typeID]; ok {
		return h, true
	}
	h, ok := r.handlers[DefaultKey]
	return h, ok
}

// Handlers returns the route's handlers. The map is live; callers must not
// retain it across table mutations.
func (r *LogicalRoute) Handlers() map[string]*Handler {
	return r.handlers
}

// Table is the route store. It is a passive structure: the dispatcher wraps
// every mutation to regenerate the logical endpoint set ID.
type Table struct {
	mu       sync.Mutex
	logical  []*LogicalRoute
	physical map[string]*PhysicalRoute
}

func NewTable() *Table {
	return &Table{physical: make(map[string]*PhysicalRoute)}
}

// AddLogical registers h under (ep, h.MsgType). Each target owns its own
// route per endpoint, so distinct targets registering the same endpoint
// fan out under broadcast and load-balance under unicast. A non-nil
// targetGroup makes the registrations share one route instead. Within a
// route there is at most one handler per key: re-adding the same (target,
// key) is a no-op, a second target claiming an occupied key on a grouped
// route is rejected.
func (t *Table) AddLogical(ep *endpoint.EP, h *Handler, targetGroup any) error {
	if !ep.IsLogical() {
		return fmt.Errorf("routing: %s: %w", ep, endpoint.ErrNotLogical)
	}
	key := h.MsgType
	if key == "" {
		key = DefaultKey
		h.MsgType = DefaultKey
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.logical {
		if !r.EP.Equal(ep) {
			continue
		}
		if targetGroup != nil {
			if r.TargetGroup != targetGroup {
				continue
			}
		} else if r.TargetGroup != nil || !r.ownedBy(h.Target) {
			continue
		}

		existing, ok := r.handlers[key]
		if !ok {
			r.handlers[key] = h
			return nil
		}
		if existing.Target == h.Target {
			return nil
		}
		return fmt.Errorf("%w: %s %s", ErrDuplicateHandler, ep, key)
	}

	t.logical = append(t.logical, &LogicalRoute{
		EP:          ep,
		TargetGroup: targetGroup,
		handlers:    map[string]*Handler{key: h},
	})
	return nil
}

// ownedBy reports whether every handler on the route belongs to target.
func (r *LogicalRoute) ownedBy(target any) bool {
	for _, h := range r.handlers {
		if h.Target != target {
			return false
		}
	}
	return true
}

// RemoveTarget drops every handler registered for target and removes routes
// left with no handlers. Reports whether anything changed.
func (t *Table) RemoveTarget(target any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := false
	kept := t.logical[:0]
	for _, r := range t.logical {
		for key, h := range r.handlers {
			if h.Target == target {
				delete(r.handlers, key)
				changed = true
			}
		}
		if len(r.handlers) > 0 {
			kept = append(kept, r)
		}
	}
	t.logical = kept
	return changed
}

// Routes returns the logical routes whose endpoints match target under the
// wildcard-aware relation.
func (t *Table) Routes(target *endpoint.EP) []*LogicalRoute {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*LogicalRoute
	for _, r := range t.logical {
		if r.EP.LogicalMatch(target) {
			out = append(out, r)
		}
	}
	return out
}

// LogicalEndpoints returns the distinct endpoints of all logical routes,
// the set advertised to peers.
func (t *Table) LogicalEndpoints() []*endpoint.EP {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*endpoint.EP, 0, len(t.logical))
	for _, r := range t.logical {
		out = append(out, r.EP)
	}
	return out
}

// AddPhysical records or replaces the route to a peer router.
func (t *Table) AddPhysical(r *PhysicalRoute) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.physical[r.RouterEP.String()] = r
}

// RemovePhysical drops the route to a peer. Reports whether it existed.
func (t *Table) RemovePhysical(routerEP *endpoint.EP) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := routerEP.String()
	_, ok := t.physical[key]
	delete(t.physical, key)
	return ok
}

// Physical returns the route to a peer router, when known.
func (t *Table) Physical(routerEP *endpoint.EP) (*PhysicalRoute, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.physical[routerEP.String()]
	return r, ok
}

// Physicals snapshots all known peer routes.
func (t *Table) Physicals() []*PhysicalRoute {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*PhysicalRoute, 0, len(t.physical))
	for _, r := range t.physical {
		out = append(out, r)
	}
	return out
}

// Touch refreshes a peer's last-seen time and advertised set ID. Reports
// whether the set ID changed.
func (t *Table) Touch(routerEP *endpoint.EP, setID uuid.UUID, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.physical[routerEP.String()]
	if !ok {
		return false
	}
	r.LastSeen = now
	changed := r.SetID != setID
	r.SetID = setID
	return changed
}

// Clear drops every route.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logical = nil
	t.physical = make(map[string]*PhysicalRoute)
}
