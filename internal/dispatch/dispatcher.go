// Package dispatch maps message type and target endpoint to in-process
// handlers and runs them on the router's worker pool, enforcing broadcast
// and unicast semantics.
package dispatch

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nforgeio/LillTek-sub012/internal/endpoint"
	"github.com/nforgeio/LillTek-sub012/internal/message"
	"github.com/nforgeio/LillTek-sub012/internal/metrics"
	"github.com/nforgeio/LillTek-sub012/internal/routing"
	"github.com/nforgeio/LillTek-sub012/internal/session"
)

// Executor runs dispatch tasks on the owning router's worker pool. Priority
// tasks drain ahead of normal ones.
type Executor interface {
	Execute(task func(), priority bool)
}

// Advertiser is told when the logical endpoint set ID changes so peers can
// be re-advertised. The router implements it; the dispatcher holds a
// non-owning reference.
type Advertiser interface {
	LogicalSetChanged(setID uuid.UUID)
}

// SessionRouter is the session-manager surface dispatch needs on a worker.
type SessionRouter interface {
	OpenServer(info *session.HandlerInfo, m message.Msg, invoke func(message.Msg))
	Deliver(m message.Msg) bool
}

// Dispatcher selects handlers for inbound messages. Physical handlers are
// keyed by message type; logical handlers live in the route table.
type Dispatcher struct {
	exec     Executor
	sessions SessionRouter
	logger   *zap.Logger

	mu         sync.Mutex
	physical   map[string]*routing.Handler
	table      *routing.Table
	setID      uuid.UUID
	advertiser Advertiser
}

func New(exec Executor, sessions SessionRouter, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		exec:     exec,
		sessions: sessions,
		logger:   logger,
		physical: make(map[string]*routing.Handler),
		table:    routing.NewTable(),
		setID:    uuid.New(),
	}
}

// SetAdvertiser wires the router back-reference. Called once during router
// construction, before any traffic.
func (d *Dispatcher) SetAdvertiser(a Advertiser) {
	d.mu.Lock()
	d.advertiser = a
	d.mu.Unlock()
}

// Table exposes the route table for peer bookkeeping.
func (d *Dispatcher) Table() *routing.Table {
	return d.table
}

// SetID returns the current logical endpoint set ID.
func (d *Dispatcher) SetID() uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setID
}

// AddPhysical registers a handler for messages addressed physically (or
// with no target at all), keyed by message type. An empty MsgType installs
// the default physical handler.
func (d *Dispatcher) AddPhysical(h *routing.Handler) error {
	key := h.MsgType
	if key == "" {
		key = routing.DefaultKey
		h.MsgType = routing.DefaultKey
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.physical[key]; ok {
		if existing.Target != nil && existing.Target == h.Target {
			return nil
		}
		return fmt.Errorf("%w: physical %s", routing.ErrDuplicateHandler, key)
	}
	d.physical[key] = h
	return nil
}

// AddLogical registers a handler for a logical endpoint. suppressAdvertise
// batches registrations without notifying peers after each one; callers
// finish with RefreshAdvertise.
func (d *Dispatcher) AddLogical(ep *endpoint.EP, h *routing.Handler, targetGroup any, suppressAdvertise bool) error {
	if err := d.table.AddLogical(ep, h, targetGroup); err != nil {
		return err
	}
	d.regenerate(!suppressAdvertise)
	return nil
}

// RemoveTarget drops every handler registered for target. Reports whether
// anything changed.
func (d *Dispatcher) RemoveTarget(target any) bool {
	changed := d.table.RemoveTarget(target)

	d.mu.Lock()
	for key, h := range d.physical {
		if h.Target == target {
			delete(d.physical, key)
			changed = true
		}
	}
	d.mu.Unlock()

	if changed {
		d.regenerate(true)
	}
	return changed
}

// RefreshAdvertise regenerates the set ID and re-advertises without a route
// change.
func (d *Dispatcher) RefreshAdvertise() {
	d.regenerate(true)
}

// Clear drops all handlers and routes.
func (d *Dispatcher) Clear() {
	d.table.Clear()
	d.mu.Lock()
	d.physical = make(map[string]*routing.Handler)
	d.mu.Unlock()
	d.regenerate(true)
}

func (d *Dispatcher) regenerate(notify bool) {
	d.mu.Lock()
	d.setID = uuid.New()
	id := d.setID
	a := d.advertiser
	d.mu.Unlock()

	if notify && a != nil {
		a.LogicalSetChanged(id)
	}
}

// Dispatch routes m to local handlers. Reports whether at least one handler
// or session accepted it; a false return means the message was dropped.
func (d *Dispatcher) Dispatch(m message.Msg) bool {
	h := m.Header()
	to := h.To

	if to != nil && to.IsNull() {
		return false
	}
	if message.IsEnvelope(m) {
		// Envelopes exist to be forwarded; they are never handed to
		// local handlers.
		metrics.DispatchDroppedTotal.WithLabelValues("envelope").Inc()
		return false
	}

	if to == nil || to.IsPhysical() {
		return d.dispatchPhysical(m)
	}
	if h.Flags&message.FlagBroadcast != 0 {
		return d.dispatchBroadcast(m, to)
	}
	return d.dispatchUnicast(m, to)
}

func (d *Dispatcher) dispatchPhysical(m message.Msg) bool {
	d.mu.Lock()
	handler, ok := d.physical[m.TypeID()]
	if !ok {
		handler, ok = d.physical[routing.DefaultKey]
	}
	d.mu.Unlock()

	if !ok {
		if m.Header().SessionID == uuid.Nil {
			d.drop(m, "no_physical_handler")
			return false
		}
		// Session traffic without a handler routes by session ID alone.
		d.enqueue(nil, m)
		return true
	}
	if !d.applicable(handler, m) {
		return false
	}
	d.enqueue(handler, m)
	return true
}

func (d *Dispatcher) dispatchBroadcast(m message.Msg, to *endpoint.EP) bool {
	routes := d.table.Routes(to)
	n := 0
	for _, r := range routes {
		handler, ok := r.Handler(m.TypeID())
		if !ok || !d.applicable(handler, m) {
			continue
		}
		d.enqueue(handler, m)
		n++
	}
	if n == 0 {
		d.drop(m, "no_broadcast_route")
		return false
	}
	return true
}

func (d *Dispatcher) dispatchUnicast(m message.Msg, to *endpoint.EP) bool {
	routes := d.table.Routes(to)
	if len(routes) == 0 {
		d.drop(m, "no_route")
		return false
	}
	r := routes[rand.Intn(len(routes))]
	handler, ok := r.Handler(m.TypeID())
	if !ok {
		if m.Header().SessionID == uuid.Nil {
			d.drop(m, "no_route_handler")
			return false
		}
		d.enqueue(nil, m)
		return true
	}
	if !d.applicable(handler, m) {
		return false
	}
	d.enqueue(handler, m)
	return true
}

// applicable verifies the handler's declared type against the runtime
// message type. Default handlers accept everything.
func (d *Dispatcher) applicable(h *routing.Handler, m message.Msg) bool {
	if h.MsgType == routing.DefaultKey || h.MsgType == m.TypeID() {
		return true
	}
	d.logger.Warn("handler type mismatch",
		zap.String("declared", h.MsgType),
		zap.String("got", m.TypeID()),
	)
	metrics.DispatchDroppedTotal.WithLabelValues("type_mismatch").Inc()
	return false
}

// enqueue schedules one invocation on the worker pool. A nil handler means
// session-only routing.
func (d *Dispatcher) enqueue(h *routing.Handler, m message.Msg) {
	priority := m.Header().Flags&message.FlagPriority != 0
	band := "normal"
	if priority {
		band = "priority"
	}
	metrics.DispatchTotal.WithLabelValues(band).Inc()
	d.exec.Execute(func() { d.invoke(h, m) }, priority)
}

// invoke runs on a worker: direct call, session open, or delivery into a
// live session depending on the header.
func (d *Dispatcher) invoke(h *routing.Handler, m message.Msg) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				zap.String("type", m.TypeID()),
				zap.Any("panic", r),
			)
		}
	}()

	hdr := m.Header()
	switch {
	case hdr.SessionID == uuid.Nil:
		if h != nil && h.Fn != nil {
			h.Fn(m)
		}
	case hdr.Flags&message.FlagOpenSession != 0:
		if h == nil || h.Fn == nil {
			d.drop(m, "open_without_handler")
			return
		}
		d.sessions.OpenServer(h.Session, m, h.Fn)
	default:
		if !d.sessions.Deliver(m) {
			d.drop(m, "no_session")
		}
	}
}

func (d *Dispatcher) drop(m message.Msg, reason string) {
	metrics.DispatchDroppedTotal.WithLabelValues(reason).Inc()
	d.logger.Debug("message dropped",
		zap.String("type", m.TypeID()),
		zap.String("reason", reason),
	)
}
