// Package router ties the pieces together: it stamps and routes outbound
// messages, feeds inbound frames through the dispatch pipeline, forwards
// across peer channels, and owns the worker pool, session manager, and
// receipt tracker.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nforgeio/LillTek-sub012/internal/dispatch"
	"github.com/nforgeio/LillTek-sub012/internal/endpoint"
	"github.com/nforgeio/LillTek-sub012/internal/message"
	"github.com/nforgeio/LillTek-sub012/internal/metrics"
	"github.com/nforgeio/LillTek-sub012/internal/receipt"
	"github.com/nforgeio/LillTek-sub012/internal/routing"
	"github.com/nforgeio/LillTek-sub012/internal/session"
)

var (
	ErrClosed  = errors.New("router: closed")
	ErrNoRoute = errors.New("router: no route to target")
)

// Config carries the tunables the router honors. Zero values fall back to
// the defaults below.
type Config struct {
	// RouterEP is this node's physical endpoint.
	RouterEP *endpoint.EP

	// Workers sizes the dispatch pool.
	Workers int

	// QueueDepth sizes each worker band.
	QueueDepth int

	// DefaultTTL stamps outbound messages that carry none.
	DefaultTTL uint8

	// Session supplies defaults for handlers without explicit session
	// parameters.
	Session session.Defaults

	// DeadRouterTTL arms receipt tracking; zero disables dead-router
	// detection entirely.
	DeadRouterTTL time.Duration

	// DeadRouterScanInterval overrides the tracker's scan cadence.
	DeadRouterScanInterval time.Duration

	// AdvertisePairs is merged into outgoing advertisements.
	AdvertisePairs map[string]string
}

const (
	defaultWorkers    = 4
	defaultQueueDepth = 256
	defaultTTL        = 5
)

// Router is the hub of one node. It implements the sender side of the
// session layer and the executor and advertiser sides of the dispatcher.
type Router struct {
	cfg      Config
	logger   *zap.Logger
	parser   *endpoint.Parser
	registry *message.Registry

	pool     *workerPool
	disp     *dispatch.Dispatcher
	sessions *session.Manager
	tracker  *receipt.Tracker

	mu          sync.Mutex
	channels    []Channel
	onSetChange func(uuid.UUID)
	onDead      func(*endpoint.EP, uuid.UUID)
	started     bool
	closed      bool
	cancel      context.CancelFunc
}

// New builds a router. parser carries the abstract endpoint map; nil uses
// the process default. registry resolves inbound frame types; nil uses the
// default registry with the built-in system messages.
func New(cfg Config, parser *endpoint.Parser, registry *message.Registry, logger *zap.Logger) (*Router, error) {
	if cfg.RouterEP == nil || !cfg.RouterEP.IsPhysical() {
		return nil, fmt.Errorf("router: config needs a physical router endpoint")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = defaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if parser == nil {
		parser = endpoint.DefaultParser()
	}
	if registry == nil {
		registry = message.DefaultRegistry()
		message.RegisterBuiltins(registry)
	}

	r := &Router{
		cfg:      cfg,
		logger:   logger,
		parser:   parser,
		registry: registry,
		pool:     newWorkerPool(cfg.QueueDepth, logger),
	}
	r.sessions = session.NewManager(r, cfg.Session, logger.Named("session"))
	r.disp = dispatch.New(r.pool, r.sessions, logger.Named("dispatch"))
	r.disp.SetAdvertiser(r)
	r.tracker = receipt.New(cfg.DeadRouterTTL, r.deadRouter, logger.Named("receipt"))
	return r, nil
}

// Start launches the worker pool and the dead-router scan.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.started {
		return nil
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.pool.start(ctx, r.cfg.Workers)
	go r.tracker.Loop(ctx, r.cfg.DeadRouterScanInterval)
	r.started = true
	r.logger.Info("router started",
		zap.String("endpoint", r.cfg.RouterEP.String()),
		zap.Int("workers", r.cfg.Workers),
		zap.Bool("dead_router_detect", r.tracker.Enabled()),
	)
	return nil
}

// Close stops the router: sessions abort, workers drain out, channels
// close.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	cancel := r.cancel
	channels := r.channels
	r.channels = nil
	r.mu.Unlock()

	r.sessions.Close()
	if cancel != nil {
		cancel()
		r.pool.wait()
	}
	for _, ch := range channels {
		if err := ch.Close(); err != nil {
			r.logger.Warn("channel close failed", zap.Error(err))
		}
	}
	r.tracker.Clear()
	r.logger.Info("router stopped")
}

// Running reports whether the router has started and not yet closed.
func (r *Router) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started && !r.closed
}

// Dispatcher exposes handler registration.
func (r *Router) Dispatcher() *dispatch.Dispatcher { return r.disp }

// Sessions exposes the session manager.
func (r *Router) Sessions() *session.Manager { return r.sessions }

// Parser returns the endpoint parser the router was built with.
func (r *Router) Parser() *endpoint.Parser { return r.parser }

// RouterEP returns this node's physical endpoint.
func (r *Router) RouterEP() *endpoint.EP { return r.cfg.RouterEP }

// AttachChannel registers a transport for lifecycle management. Peer links
// still have to be added per peer with AddPeer.
func (r *Router) AttachChannel(ch Channel) {
	r.mu.Lock()
	r.channels = append(r.channels, ch)
	r.mu.Unlock()
}

// OnLogicalSetChange installs the peer-discovery hook fired when the local
// handler set changes.
func (r *Router) OnLogicalSetChange(fn func(setID uuid.UUID)) {
	r.mu.Lock()
	r.onSetChange = fn
	r.mu.Unlock()
}

// OnDeadRouter installs a hook fired after a dead peer has been pruned.
func (r *Router) OnDeadRouter(fn func(routerEP *endpoint.EP, setID uuid.UUID)) {
	r.mu.Lock()
	r.onDead = fn
	r.mu.Unlock()
}

// Handle registers fn for a logical endpoint. msgType empty claims the
// default slot on the route.
func (r *Router) Handle(logicalEP, msgType string, fn routing.HandlerFunc, info *session.HandlerInfo) error {
	ep, err := r.parser.Parse(logicalEP)
	if err != nil {
		return err
	}
	return r.disp.AddLogical(ep, &routing.Handler{Fn: fn, MsgType: msgType, Session: info}, nil, false)
}

// HandlePhysical registers fn for messages addressed physically to this
// node.
func (r *Router) HandlePhysical(msgType string, fn routing.HandlerFunc, info *session.HandlerInfo) error {
	return r.disp.AddPhysical(&routing.Handler{Fn: fn, MsgType: msgType, Session: info})
}

// AddTarget registers every handler a target declares.
func (r *Router) AddTarget(obj dispatch.Target, mungers []dispatch.Munger, targetGroup any) error {
	return r.disp.AddTarget(obj, r.parser, mungers, targetGroup)
}

// RemoveTarget drops a target's handlers.
func (r *Router) RemoveTarget(obj any) bool {
	return r.disp.RemoveTarget(obj)
}

// Send stamps and routes one message: locally dispatched when a route
// matches, otherwise forwarded toward a peer.
func (r *Router) Send(m message.Msg) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.mu.Unlock()

	r.stamp(m)
	metrics.MessagesTotal.WithLabelValues("send", m.TypeID()).Inc()
	return r.route(m)
}

// Broadcast sets the broadcast flag and sends, fanning out to every
// matching route locally and to all peers.
func (r *Router) Broadcast(m message.Msg) error {
	m.Header().Flags |= message.FlagBroadcast
	return r.Send(m)
}

// Query sends m as the opening message of a session and blocks for the
// reply.
func (r *Router) Query(ctx context.Context, m message.Msg, timeout time.Duration) (message.Msg, error) {
	return r.sessions.Query(ctx, m, timeout)
}

// ReplyTo completes a server transaction with reply.
func (r *Router) ReplyTo(rc *session.RequestContext, reply message.Msg) error {
	return rc.Reply(reply)
}

// stamp fills the header fields every outbound message carries.
func (r *Router) stamp(m message.Msg) {
	h := m.Header()
	if h.From == nil {
		h.From = r.cfg.RouterEP
	}
	if h.TTL == 0 {
		h.TTL = r.cfg.DefaultTTL
	}
	if h.Flags&message.FlagReceiptRequest != 0 && h.MsgID == uuid.Nil {
		h.MsgID = uuid.New()
	}
	if h.To != nil && h.To.IsBroadcast() {
		h.Flags |= message.FlagBroadcast
	}
}

func (r *Router) route(m message.Msg) error {
	h := m.Header()
	to := h.To

	if to != nil && to.IsNull() {
		// The null endpoint discards silently.
		return nil
	}

	if to != nil && to.IsPhysical() && !r.isLocal(to) {
		return r.forwardPhysical(m, to)
	}

	if to != nil && to.IsLogical() && h.Flags&message.FlagBroadcast != 0 {
		// Broadcast reaches every peer and the local routes. Peers first:
		// the fan-out consumes the hop and encodes before local dispatch
		// hands the message to workers.
		r.forwardToPeers(m, nil)
		r.disp.Dispatch(m)
		return nil
	}

	if r.disp.Dispatch(m) {
		r.maybeReceipt(m)
		return nil
	}
	if to != nil && to.IsLogical() {
		// No local route; hand it to a peer that may have one.
		return r.forwardLogical(m, nil)
	}
	return nil
}

// isLocal reports whether a physical target addresses this node.
func (r *Router) isLocal(to *endpoint.EP) bool {
	return to.PhysicalMatch(r.cfg.RouterEP)
}

func (r *Router) forwardPhysical(m message.Msg, to *endpoint.EP) error {
	table := r.disp.Table()
	route, ok := table.Physical(to.NoBroadcast())
	if !ok {
		// Fall back to a peer the target hangs under.
		for _, pr := range table.Physicals() {
			if to.IsPhysicalDescendantOf(pr.RouterEP) {
				route, ok = pr, true
				break
			}
		}
	}
	if !ok || route.Link == nil {
		return fmt.Errorf("%w: %s", ErrNoRoute, to)
	}
	return r.forward(m, route)
}

// forwardLogical relays toward one random linked peer. skip, when non-nil,
// excludes the peer a transiting message arrived from.
func (r *Router) forwardLogical(m message.Msg, skip routing.Link) error {
	peers := r.disp.Table().Physicals()
	linked := peers[:0]
	for _, pr := range peers {
		if pr.Link == nil || (skip != nil && pr.Link == skip) {
			continue
		}
		linked = append(linked, pr)
	}
	if len(linked) == 0 {
		return fmt.Errorf("%w: %s", ErrNoRoute, m.Header().To)
	}
	return r.forward(m, linked[rand.Intn(len(linked))])
}

// forwardToPeers fans one frame out to every linked peer except the one
// behind skip. The fan-out consumes a single hop and encodes the frame
// once, so every peer receives identical bytes.
func (r *Router) forwardToPeers(m message.Msg, skip routing.Link) {
	var targets []*routing.PhysicalRoute
	for _, pr := range r.disp.Table().Physicals() {
		if pr.Link == nil || (skip != nil && pr.Link == skip) {
			continue
		}
		targets = append(targets, pr)
	}
	if len(targets) == 0 {
		return
	}
	if !m.Header().Hop() {
		r.logger.Debug("ttl exhausted", zap.String("type", m.TypeID()))
		return
	}
	frame, err := message.Encode(m)
	if err != nil {
		metrics.FrameErrorsTotal.WithLabelValues("encode").Inc()
		r.logger.Warn("fan-out encode failed", zap.Error(err))
		return
	}
	for _, pr := range targets {
		if err := pr.Link.Send(context.Background(), frame); err != nil {
			r.logger.Warn("peer forward failed",
				zap.String("peer", pr.RouterEP.String()),
				zap.Error(err),
			)
			continue
		}
		metrics.ForwardedTotal.WithLabelValues(pr.RouterEP.String()).Inc()
		r.tracker.Track(pr, m)
	}
}

func (r *Router) forward(m message.Msg, route *routing.PhysicalRoute) error {
	if !m.Header().Hop() {
		r.logger.Debug("ttl exhausted", zap.String("type", m.TypeID()))
		return nil
	}
	frame, err := message.Encode(m)
	if err != nil {
		metrics.FrameErrorsTotal.WithLabelValues("encode").Inc()
		return fmt.Errorf("router: encode for %s: %w", route.RouterEP, err)
	}
	if err := route.Link.Send(context.Background(), frame); err != nil {
		return fmt.Errorf("router: forward to %s: %w", route.RouterEP, err)
	}
	metrics.ForwardedTotal.WithLabelValues(route.RouterEP.String()).Inc()
	r.tracker.Track(route, m)
	return nil
}

// Receive enters one inbound frame into the routing pipeline. Transports
// call it with every frame they deliver.
func (r *Router) Receive(frame []byte, from Channel) {
	m, err := message.Decode(frame, r.registry)
	if err != nil {
		metrics.FrameErrorsTotal.WithLabelValues("decode").Inc()
		r.logger.Warn("bad frame", zap.Error(err))
		return
	}
	metrics.MessagesTotal.WithLabelValues("receive", m.TypeID()).Inc()
	h := m.Header()
	h.ReceiveChannel = from

	switch sys := m.(type) {
	case *message.ReceiptMsg:
		r.tracker.OnReceipt(sys)
		return
	case *message.RouterAdvertiseMsg:
		r.handleAdvertise(sys)
		return
	}

	to := h.To
	if to != nil && to.IsPhysical() && !r.isLocal(to) {
		if err := r.forwardPhysical(m, to); err != nil {
			r.logger.Debug("transit forward failed", zap.Error(err))
		}
		return
	}
	if message.IsEnvelope(m) && to != nil && to.IsLogical() {
		// Unknown type passing through: relay the opaque frame, minus the
		// peer it arrived from. TTL keeps relays from looping.
		if h.Flags&message.FlagBroadcast != 0 {
			r.forwardToPeers(m, from)
			return
		}
		if err := r.forwardLogical(m, from); err != nil {
			r.logger.Debug("envelope relay failed", zap.Error(err))
		}
		return
	}

	if r.disp.Dispatch(m) {
		r.maybeReceipt(m)
		return
	}
	if to != nil && to.IsLogical() && h.Flags&message.FlagBroadcast == 0 {
		// Known type but no local route: a transiting unicast relays the
		// same way an unknown-type frame does.
		if err := r.forwardLogical(m, from); err != nil {
			r.logger.Debug("transit relay failed", zap.Error(err))
		}
	}
}

// maybeReceipt acknowledges a receipt-requesting message that was accepted
// for dispatch here.
func (r *Router) maybeReceipt(m message.Msg) {
	h := m.Header()
	if h.Flags&message.FlagReceiptRequest == 0 || h.MsgID == uuid.Nil || h.Receipt == nil {
		return
	}
	rcpt := &message.ReceiptMsg{RefID: h.MsgID}
	rcpt.H.To = h.Receipt
	if err := r.Send(rcpt); err != nil {
		r.logger.Debug("receipt send failed", zap.Error(err))
	}
}

// AddPeer records a peer router reachable over link and advertises to it.
func (r *Router) AddPeer(routerEP *endpoint.EP, link routing.Link) error {
	if !routerEP.IsPhysical() {
		return fmt.Errorf("router: peer %s: %w", routerEP, endpoint.ErrNotPhysical)
	}
	r.disp.Table().AddPhysical(&routing.PhysicalRoute{
		RouterEP: routerEP.NoBroadcast(),
		LastSeen: time.Now(),
		Link:     link,
	})
	r.advertiseTo(routerEP)
	return nil
}

// RemovePeer drops a peer route. Reports whether it existed.
func (r *Router) RemovePeer(routerEP *endpoint.EP) bool {
	return r.disp.Table().RemovePhysical(routerEP)
}

// Peers snapshots the known peer routes.
func (r *Router) Peers() []*routing.PhysicalRoute {
	return r.disp.Table().Physicals()
}

// LogicalSetChanged implements the dispatcher's advertiser: re-advertise to
// all peers and fire the discovery hook.
func (r *Router) LogicalSetChanged(setID uuid.UUID) {
	r.mu.Lock()
	started := r.started
	hook := r.onSetChange
	r.mu.Unlock()

	if started {
		r.Advertise()
	}
	if hook != nil {
		hook(setID)
	}
}

// Advertise announces this router's capabilities and current set ID to all
// peers.
func (r *Router) Advertise() {
	m := r.advertisement()
	for _, pr := range r.disp.Table().Physicals() {
		if pr.Link == nil {
			continue
		}
		adv := *m
		adv.H.To = pr.RouterEP
		if err := r.forward(&adv, pr); err != nil {
			r.logger.Debug("advertise failed",
				zap.String("peer", pr.RouterEP.String()),
				zap.Error(err),
			)
		}
	}
}

func (r *Router) advertiseTo(routerEP *endpoint.EP) {
	route, ok := r.disp.Table().Physical(routerEP)
	if !ok || route.Link == nil {
		return
	}
	m := r.advertisement()
	m.H.To = routerEP
	if err := r.forward(m, route); err != nil {
		r.logger.Debug("advertise failed",
			zap.String("peer", routerEP.String()),
			zap.Error(err),
		)
	}
}

func (r *Router) advertisement() *message.RouterAdvertiseMsg {
	pairs := map[string]string{
		message.AdvProtocolVer:     "1",
		message.AdvP2PEnable:       "true",
		message.AdvReceiptSend:     fmt.Sprint(r.tracker.Enabled()),
		message.AdvDeadRouterCheck: fmt.Sprint(r.tracker.Enabled()),
	}
	for k, v := range r.cfg.AdvertisePairs {
		pairs[k] = v
	}
	m := &message.RouterAdvertiseMsg{SetID: r.disp.SetID(), Pairs: pairs}
	m.H.From = r.cfg.RouterEP
	m.H.TTL = 1
	return m
}

// handleAdvertise refreshes the peer's route from its advertisement.
func (r *Router) handleAdvertise(m *message.RouterAdvertiseMsg) {
	from := m.H.From
	if from == nil || !from.IsPhysical() {
		return
	}
	table := r.disp.Table()
	if changed := table.Touch(from.NoBroadcast(), m.SetID, time.Now()); changed {
		r.logger.Debug("peer set changed",
			zap.String("peer", from.String()),
			zap.String("set_id", m.SetID.String()),
		)
	}
}

// deadRouter prunes the peer the tracker reported and fires the hook.
func (r *Router) deadRouter(routerEP *endpoint.EP, setID uuid.UUID) {
	if r.RemovePeer(routerEP) {
		r.logger.Warn("dead router pruned", zap.String("peer", routerEP.String()))
	}
	r.mu.Lock()
	hook := r.onDead
	r.mu.Unlock()
	if hook != nil {
		hook(routerEP, setID)
	}
}
