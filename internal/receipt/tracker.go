// Package receipt tracks forwarded messages awaiting a delivery receipt
// and reports peers whose receipts never arrive.
package receipt

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nforgeio/LillTek-sub012/internal/endpoint"
	"github.com/nforgeio/LillTek-sub012/internal/message"
	"github.com/nforgeio/LillTek-sub012/internal/metrics"
	"github.com/nforgeio/LillTek-sub012/internal/routing"
)

// DeadRouterFunc is invoked once per expired message, after the entry has
// been removed. Expiry is advisory: the callback may prune peer routes or
// ignore the report.
type DeadRouterFunc func(routerEP *endpoint.EP, setID uuid.UUID)

type entry struct {
	routerEP *endpoint.EP
	setID    uuid.UUID
	ttd      time.Time
}

// Tracker holds one entry per outstanding forwarded message. A zero TTL
// disables tracking entirely.
type Tracker struct {
	ttl    time.Duration
	onDead DeadRouterFunc
	logger *zap.Logger

	mu      sync.Mutex
	entries map[uuid.UUID]entry
}

func New(ttl time.Duration, onDead DeadRouterFunc, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		ttl:     ttl,
		onDead:  onDead,
		logger:  logger,
		entries: make(map[uuid.UUID]entry),
	}
}

// Enabled reports whether dead-router detection is on.
func (t *Tracker) Enabled() bool { return t.ttl > 0 }

// Track arms an entry for a message forwarded over route. Only messages
// that request a receipt and carry a message ID are tracked, and only when
// detection is enabled.
func (t *Tracker) Track(route *routing.PhysicalRoute, m message.Msg) {
	h := m.Header()
	if !t.Enabled() || h.Flags&message.FlagReceiptRequest == 0 || h.MsgID == uuid.Nil {
		return
	}

	t.mu.Lock()
	t.entries[h.MsgID] = entry{
		routerEP: route.RouterEP,
		setID:    route.SetID,
		ttd:      time.Now().Add(t.ttl),
	}
	t.mu.Unlock()
}

// OnReceipt clears the entry the receipt refers to. Reports whether an
// entry was outstanding.
func (t *Tracker) OnReceipt(m *message.ReceiptMsg) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[m.RefID]
	delete(t.entries, m.RefID)
	return ok
}

// DetectDead removes every entry past its time-to-die and invokes the
// dead-router callback for each. Removal happens before the callback, so a
// receipt racing in cannot double-report.
func (t *Tracker) DetectDead(now time.Time) {
	t.mu.Lock()
	var dead []entry
	for id, e := range t.entries {
		if e.ttd.Before(now) {
			delete(t.entries, id)
			dead = append(dead, e)
		}
	}
	t.mu.Unlock()

	for _, e := range dead {
		metrics.ReceiptsExpiredTotal.Inc()
		metrics.DeadRoutersTotal.Inc()
		t.logger.Warn("receipt expired",
			zap.String("router", e.routerEP.String()),
			zap.String("set_id", e.setID.String()),
		)
		if t.onDead != nil {
			t.onDead(e.routerEP, e.setID)
		}
	}
}

// Loop scans for expired entries until ctx is done. A zero interval scans
// at half the TTL, which bounds detection latency by 1.5x TTL.
func (t *Tracker) Loop(ctx context.Context, interval time.Duration) {
	if !t.Enabled() {
		return
	}
	if interval <= 0 {
		interval = t.ttl / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.DetectDead(now)
		}
	}
}

// Outstanding reports the number of tracked messages.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear drops all tracked entries without firing callbacks.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[uuid.UUID]entry)
}
