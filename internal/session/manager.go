package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nforgeio/LillTek-sub012/internal/message"
	"github.com/nforgeio/LillTek-sub012/internal/metrics"
)

// idemCacheLimit caps the duplicate-reply cache. Oldest entries are evicted
// past this point.
const idemCacheLimit = 1024

type signalKind uint8

const (
	sigReply signalKind = iota + 1
	sigCancel
	sigKeepAlive
)

type clientSignal struct {
	kind signalKind
	msg  message.Msg
}

type idemEntry struct {
	reply message.Msg
	at    time.Time
}

// Manager owns the live sessions of one router: server sessions created by
// open-session messages and client waiters created by Query.
type Manager struct {
	sender   Sender
	defaults Defaults
	logger   *zap.Logger

	mu      sync.Mutex
	server  map[uuid.UUID]*serverSession
	clients map[uuid.UUID]chan clientSignal
	idem    map[uuid.UUID]idemEntry
	closed  bool
}

func NewManager(sender Sender, defaults Defaults, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sender:   sender,
		defaults: defaults,
		logger:   logger,
		server:   make(map[uuid.UUID]*serverSession),
		clients:  make(map[uuid.UUID]chan clientSignal),
		idem:     make(map[uuid.UUID]idemEntry),
	}
}

// ContextOf returns the request context the manager attached to a message
// dispatched inside a server session.
func ContextOf(m message.Msg) (*RequestContext, bool) {
	rc, ok := m.Header().Session.(*RequestContext)
	return rc, ok
}

type serverSession struct {
	id      uuid.UUID
	reqID   uuid.UUID
	info    *HandlerInfo
	rc      *RequestContext
	mgr     *Manager
	started time.Time

	// lastActivity is guarded by mgr.mu.
	lastActivity time.Time

	done chan struct{}
}

// OpenServer constructs the server-side session for an open-session message
// and invokes the handler inside its lifecycle. Runs on a worker.
func (mgr *Manager) OpenServer(info *HandlerInfo, m message.Msg, invoke func(message.Msg)) {
	if info == nil {
		info = &HandlerInfo{}
	}
	norm, err := info.Normalized(mgr.defaults)
	if err != nil {
		mgr.logger.Error("rejecting session open", zap.Error(err))
		return
	}

	h := m.Header()
	id := h.SessionID
	now := time.Now()

	mgr.mu.Lock()
	if mgr.closed {
		mgr.mu.Unlock()
		return
	}
	if existing, ok := mgr.server[id]; ok {
		// Duplicate open for a live session: refresh it and, for
		// idempotent handlers, answer from the cache instead of invoking
		// the handler a second time.
		existing.lastActivity = now
		var cached idemEntry
		var hit bool
		if h.MsgID != uuid.Nil {
			cached, hit = mgr.idem[h.MsgID]
		}
		mgr.mu.Unlock()
		metrics.SessionRetriesTotal.Inc()
		if hit && norm.Idempotent {
			mgr.resendCached(cached.reply, h)
		}
		return
	}
	if cached, hit := mgr.idem[h.MsgID]; hit && norm.Idempotent && h.MsgID != uuid.Nil {
		mgr.mu.Unlock()
		metrics.SessionRetriesTotal.Inc()
		mgr.resendCached(cached.reply, h)
		return
	}

	s := &serverSession{
		id:           id,
		reqID:        h.MsgID,
		info:         norm,
		mgr:          mgr,
		started:      now,
		lastActivity: now,
		done:         make(chan struct{}),
	}
	s.rc = NewRequestContext(mgr.sender, m, s.complete)
	mgr.server[id] = s
	metrics.SessionsActive.Inc()
	mgr.mu.Unlock()

	h.Session = s.rc
	go s.watch()

	invoke(m)

	// A synchronous handler that returned without completing its context
	// abandoned the transaction.
	if !norm.Async && !s.rc.Completed() {
		mgr.logger.Warn("handler returned without completing its session",
			zap.String("session_id", id.String()),
		)
		s.rc.Cancel()
	}
}

func (s *serverSession) complete(kind Completion, reply message.Msg) {
	mgr := s.mgr
	mgr.mu.Lock()
	if _, ok := mgr.server[s.id]; ok {
		delete(mgr.server, s.id)
		metrics.SessionsActive.Dec()
	}
	if s.info.Idempotent && kind == CompletionReply && s.reqID != uuid.Nil {
		mgr.idem[s.reqID] = idemEntry{reply: reply, at: time.Now()}
		mgr.pruneIdemLocked()
	}
	mgr.mu.Unlock()
	close(s.done)
}

// watch emits keep-alives and enforces the inactivity timeout and the async
// lifetime ceiling.
func (s *serverSession) watch() {
	ticker := time.NewTicker(s.info.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.mgr.mu.Lock()
			last := s.lastActivity
			s.mgr.mu.Unlock()

			if now.Sub(last) > s.info.Timeout {
				metrics.SessionTimeoutsTotal.Inc()
				s.mgr.logger.Debug("session timed out",
					zap.String("session_id", s.id.String()),
				)
				s.rc.timeout()
				return
			}
			if s.info.Async && s.info.MaxAsyncKeepAlive > 0 && now.Sub(s.started) > s.info.MaxAsyncKeepAlive {
				s.mgr.logger.Debug("async session hit its keep-alive ceiling",
					zap.String("session_id", s.id.String()),
				)
				s.rc.Abort()
				return
			}
			if s.rc.From != nil {
				ka := &message.KeepAliveMsg{}
				ka.H.To = s.rc.From
				ka.H.SessionID = s.id
				ka.H.Flags |= message.FlagServerSession
				if err := s.mgr.sender.Send(ka); err != nil {
					s.mgr.logger.Debug("keep-alive send failed", zap.Error(err))
				}
			}
		}
	}
}

func (mgr *Manager) resendCached(reply message.Msg, reqHeader *message.Header) {
	if reply == nil {
		return
	}
	h := reply.Header()
	h.To = reqHeader.From
	h.SessionID = reqHeader.SessionID
	h.Flags |= message.FlagServerSession
	if err := mgr.sender.Send(reply); err != nil {
		mgr.logger.Debug("cached reply resend failed", zap.Error(err))
	}
}

func (mgr *Manager) pruneIdemLocked() {
	for len(mgr.idem) > idemCacheLimit {
		var oldest uuid.UUID
		var oldestAt time.Time
		first := true
		for id, e := range mgr.idem {
			if first || e.at.Before(oldestAt) {
				oldest, oldestAt, first = id, e.at, false
			}
		}
		delete(mgr.idem, oldest)
	}
}

// Deliver routes a message carrying a session ID to its live session.
// Reports false when no session with that ID exists.
func (mgr *Manager) Deliver(m message.Msg) bool {
	h := m.Header()
	if h.SessionID == uuid.Nil {
		return false
	}

	mgr.mu.Lock()
	if s, ok := mgr.server[h.SessionID]; ok {
		s.lastActivity = time.Now()
		mgr.mu.Unlock()
		switch m.(type) {
		case *message.KeepAliveMsg:
			// Activity already refreshed.
		case *message.SessionCancelMsg:
			// Client abandoned the exchange; terminate silently.
			s.rc.Abort()
		default:
			// Concrete session types consume mid-exchange traffic; at the
			// contract level it only refreshes the session.
		}
		return true
	}
	ch, ok := mgr.clients[h.SessionID]
	mgr.mu.Unlock()
	if !ok {
		return false
	}

	sig := clientSignal{kind: sigReply, msg: m}
	switch m.(type) {
	case *message.KeepAliveMsg:
		sig = clientSignal{kind: sigKeepAlive}
	case *message.SessionCancelMsg:
		sig = clientSignal{kind: sigCancel}
	}
	select {
	case ch <- sig:
	default:
		mgr.logger.Debug("client session signal dropped",
			zap.String("session_id", h.SessionID.String()),
		)
	}
	return true
}

// Query sends req as the opening message of a session and blocks until the
// reply arrives, the timeout elapses, the server cancels, or ctx is done.
// Server keep-alives reset the timeout clock.
func (mgr *Manager) Query(ctx context.Context, req message.Msg, timeout time.Duration) (message.Msg, error) {
	h := req.Header()
	if h.SessionID == uuid.Nil {
		h.SessionID = uuid.New()
	}
	if h.MsgID == uuid.Nil {
		h.MsgID = uuid.New()
	}
	h.Flags |= message.FlagOpenSession

	ch := make(chan clientSignal, 4)
	mgr.mu.Lock()
	mgr.clients[h.SessionID] = ch
	mgr.mu.Unlock()
	defer func() {
		mgr.mu.Lock()
		delete(mgr.clients, h.SessionID)
		mgr.mu.Unlock()
	}()

	if err := mgr.sender.Send(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case sig := <-ch:
			switch sig.kind {
			case sigReply:
				return sig.msg, nil
			case sigCancel:
				return nil, ErrCancelled
			case sigKeepAlive:
				// The server is alive and still working; extend.
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(timeout)
			}
		case <-timer.C:
			metrics.SessionTimeoutsTotal.Inc()
			return nil, ErrSessionTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ActiveServerSessions reports the number of open server sessions.
func (mgr *Manager) ActiveServerSessions() int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return len(mgr.server)
}

// Close aborts all server sessions and cancels all client waiters.
func (mgr *Manager) Close() {
	mgr.mu.Lock()
	mgr.closed = true
	sessions := make([]*serverSession, 0, len(mgr.server))
	for _, s := range mgr.server {
		sessions = append(sessions, s)
	}
	waiters := make([]chan clientSignal, 0, len(mgr.clients))
	for _, ch := range mgr.clients {
		waiters = append(waiters, ch)
	}
	mgr.mu.Unlock()

	for _, s := range sessions {
		s.rc.Abort()
	}
	for _, ch := range waiters {
		select {
		case ch <- clientSignal{kind: sigCancel}:
		default:
		}
	}
}
