package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nforgeio/LillTek-sub012/internal/endpoint"
	"github.com/nforgeio/LillTek-sub012/internal/message"
	"github.com/nforgeio/LillTek-sub012/internal/session"
)

func mustEP(t *testing.T, s string) *endpoint.EP {
	t.Helper()
	e, err := endpoint.DefaultParser().Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return e
}

func newRouter(t *testing.T, epURI string, cfg Config) *Router {
	t.Helper()
	cfg.RouterEP = mustEP(t, epURI)
	r, err := New(cfg, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Close)
	return r
}

// captureLink records frames handed to a peer.
type captureLink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (l *captureLink) Send(_ context.Context, frame []byte) error {
	l.mu.Lock()
	l.frames = append(l.frames, append([]byte(nil), frame...))
	l.mu.Unlock()
	return nil
}

func (l *captureLink) Close() error { return nil }

func (l *captureLink) take() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.frames
	l.frames = nil
	return out
}

func (l *captureLink) decoded(t *testing.T) []message.Msg {
	t.Helper()
	var out []message.Msg
	for _, frame := range l.take() {
		m, err := message.Decode(frame, nil)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, m)
	}
	return out
}

// wireLink feeds frames straight into another router's receive path.
type wireLink struct{ to *Router }

func (l wireLink) Send(_ context.Context, frame []byte) error {
	l.to.Receive(frame, nil)
	return nil
}

func TestLocalSendAndHandle(t *testing.T) {
	r := newRouter(t, "physical://node-a:7400", Config{})

	got := make(chan message.Msg, 1)
	if err := r.Handle("logical://svc/echo", "", func(m message.Msg) { got <- m }, nil); err != nil {
		t.Fatal(err)
	}

	if err := r.Send(&message.BlobMsg{Base: message.Base{H: message.Header{To: mustEP(t, "logical://svc/echo")}}, Data: []byte("hi")}); err != nil {
		t.Fatal(err)
	}

	select {
	case m := <-got:
		if !m.Header().From.Equal(r.RouterEP()) {
			t.Error("sender endpoint must be stamped")
		}
		if m.Header().TTL != defaultTTL {
			t.Errorf("ttl = %d, want %d", m.Header().TTL, defaultTTL)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestNullTargetDiscarded(t *testing.T) {
	r := newRouter(t, "physical://node-a:7400", Config{})
	ran := make(chan struct{}, 1)
	r.Handle("logical://svc/echo", "", func(message.Msg) { ran <- struct{}{} }, nil)

	m := &message.BlobMsg{}
	m.H.To = mustEP(t, "logical://null")
	if err := r.Send(m); err != nil {
		t.Fatalf("null target must be discarded without error: %v", err)
	}
	select {
	case <-ran:
		t.Fatal("no handler may run for a null target")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestForwardPhysicalToPeer(t *testing.T) {
	r := newRouter(t, "physical://node-a:7400", Config{})
	link := &captureLink{}
	peer := mustEP(t, "physical://node-b:7400")
	if err := r.AddPeer(peer, link); err != nil {
		t.Fatal(err)
	}
	link.take() // drop the advertisement sent on AddPeer

	m := &message.BlobMsg{Data: []byte("payload")}
	m.H.To = mustEP(t, "physical://node-b:7400/hub/leaf")
	if err := r.Send(m); err != nil {
		t.Fatal(err)
	}

	msgs := link.decoded(t)
	if len(msgs) != 1 {
		t.Fatalf("%d frames forwarded, want 1", len(msgs))
	}
	fwd := msgs[0]
	if fwd.TypeID() != message.TypeBlob {
		t.Fatalf("type = %s", fwd.TypeID())
	}
	if fwd.Header().TTL != defaultTTL-1 {
		t.Errorf("ttl = %d, want %d", fwd.Header().TTL, defaultTTL-1)
	}
}

func TestSendNoRoute(t *testing.T) {
	r := newRouter(t, "physical://node-a:7400", Config{})
	m := &message.BlobMsg{}
	m.H.To = mustEP(t, "physical://elsewhere:7400")
	if err := r.Send(m); err == nil {
		t.Fatal("forwarding with no peer route must fail")
	}
}

func TestBroadcastReachesLocalAndPeers(t *testing.T) {
	r := newRouter(t, "physical://node-a:7400", Config{})
	ran := make(chan struct{}, 1)
	r.Handle("logical://svc/worker", "", func(message.Msg) { ran <- struct{}{} }, nil)

	linkB, linkC := &captureLink{}, &captureLink{}
	r.AddPeer(mustEP(t, "physical://node-b:7400"), linkB)
	r.AddPeer(mustEP(t, "physical://node-c:7400"), linkC)
	linkB.take()
	linkC.take()

	m := &message.BlobMsg{}
	m.H.To = mustEP(t, "logical://svc/worker")
	if err := r.Broadcast(m); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("local handler never ran")
	}
	for name, link := range map[string]*captureLink{"b": linkB, "c": linkC} {
		msgs := link.decoded(t)
		if len(msgs) != 1 || msgs[0].Header().Flags&message.FlagBroadcast == 0 {
			t.Errorf("peer %s got %d broadcast frames", name, len(msgs))
		}
	}
}

func TestBroadcastFanOutConsumesOneHop(t *testing.T) {
	r := newRouter(t, "physical://node-a:7400", Config{DefaultTTL: 2})

	links := []*captureLink{{}, {}, {}}
	for i, link := range links {
		r.AddPeer(mustEP(t, fmt.Sprintf("physical://node-%c:7400", 'b'+i)), link)
		link.take()
	}

	m := &message.BlobMsg{}
	m.H.To = mustEP(t, "logical://svc/worker")
	if err := r.Broadcast(m); err != nil {
		t.Fatal(err)
	}

	for i, link := range links {
		msgs := link.decoded(t)
		if len(msgs) != 1 {
			t.Fatalf("peer %d received %d broadcast frames, want 1", i, len(msgs))
		}
		if ttl := msgs[0].Header().TTL; ttl != 1 {
			t.Errorf("peer %d frame ttl = %d, want 1", i, ttl)
		}
	}
}

func TestQueryAcrossRouters(t *testing.T) {
	a := newRouter(t, "physical://node-a:7400", Config{
		Session: session.Defaults{KeepAlive: 50 * time.Millisecond},
	})
	b := newRouter(t, "physical://node-b:7400", Config{
		Session: session.Defaults{KeepAlive: 50 * time.Millisecond},
	})
	a.AddPeer(b.RouterEP(), wireLink{to: b})
	b.AddPeer(a.RouterEP(), wireLink{to: a})

	err := b.Handle("logical://svc/echo", message.TypeBlob, func(m message.Msg) {
		rc, ok := session.ContextOf(m)
		if !ok {
			t.Error("request context missing on session open")
			return
		}
		req := m.(*message.BlobMsg)
		rc.Reply(&message.AckMsg{Properties: map[string]string{"echo": string(req.Data)}})
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	q := &message.BlobMsg{Data: []byte("ping")}
	q.H.To = mustEP(t, "logical://svc/echo")
	reply, err := a.Query(context.Background(), q, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	ack, ok := reply.(*message.AckMsg)
	if !ok || ack.Properties["echo"] != "ping" {
		t.Fatalf("reply = %#v", reply)
	}
}

func TestDeadRouterDetection(t *testing.T) {
	const ttl = 100 * time.Millisecond
	r := newRouter(t, "physical://node-a:7400", Config{
		DeadRouterTTL:          ttl,
		DeadRouterScanInterval: 20 * time.Millisecond,
	})

	peer := mustEP(t, "physical://node-b:7400")
	r.AddPeer(peer, &captureLink{})

	var mu sync.Mutex
	fired := 0
	r.OnDeadRouter(func(ep *endpoint.EP, _ uuid.UUID) {
		mu.Lock()
		fired++
		mu.Unlock()
		if !ep.Equal(peer) {
			t.Errorf("dead router = %s, want %s", ep, peer)
		}
	})

	m := &message.BlobMsg{}
	m.H.To = mustEP(t, "physical://node-b:7400/hub")
	m.H.Flags |= message.FlagReceiptRequest
	if err := r.Send(m); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * ttl)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := fired
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	n := fired
	mu.Unlock()
	if n != 1 {
		t.Fatalf("dead-router callback fired %d times, want 1", n)
	}
	if len(r.Peers()) != 0 {
		t.Error("dead peer must be pruned from the route table")
	}
}

func TestReceiptStopsDeadRouterDetection(t *testing.T) {
	r := newRouter(t, "physical://node-a:7400", Config{
		DeadRouterTTL:          80 * time.Millisecond,
		DeadRouterScanInterval: 20 * time.Millisecond,
	})
	peer := mustEP(t, "physical://node-b:7400")
	link := &captureLink{}
	r.AddPeer(peer, link)
	link.take()

	r.OnDeadRouter(func(*endpoint.EP, uuid.UUID) {
		t.Error("receipt must clear the tracked entry")
	})

	m := &message.BlobMsg{}
	m.H.To = mustEP(t, "physical://node-b:7400/hub")
	m.H.Flags |= message.FlagReceiptRequest
	if err := r.Send(m); err != nil {
		t.Fatal(err)
	}

	rcpt := &message.ReceiptMsg{RefID: m.H.MsgID}
	rcpt.H.From = peer
	rcpt.H.To = r.RouterEP()
	frame, err := message.Encode(rcpt)
	if err != nil {
		t.Fatal(err)
	}
	r.Receive(frame, nil)

	time.Sleep(200 * time.Millisecond)
}

func TestReceiveSendsReceipt(t *testing.T) {
	r := newRouter(t, "physical://node-a:7400", Config{})
	done := make(chan struct{}, 1)
	r.Handle("logical://svc/sink", "", func(message.Msg) { done <- struct{}{} }, nil)

	peer := mustEP(t, "physical://node-b:7400")
	link := &captureLink{}
	r.AddPeer(peer, link)
	link.take()

	m := &message.BlobMsg{}
	m.H.To = mustEP(t, "logical://svc/sink")
	m.H.From = peer
	m.H.Receipt = peer
	m.H.MsgID = uuid.New()
	m.H.TTL = 3
	m.H.Flags |= message.FlagReceiptRequest
	frame, err := message.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	r.Receive(frame, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, got := range link.decoded(t) {
			if rcpt, ok := got.(*message.ReceiptMsg); ok {
				if rcpt.RefID != m.H.MsgID {
					t.Fatalf("receipt refers to %s, want %s", rcpt.RefID, m.H.MsgID)
				}
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no receipt sent to the requester")
}

func TestReceiveBadFrame(t *testing.T) {
	r := newRouter(t, "physical://node-a:7400", Config{})
	r.Receive([]byte{0xde, 0xad, 0xbe, 0xef}, nil)
	r.Receive(nil, nil)
}

func TestEnvelopeRelayedToPeer(t *testing.T) {
	r := newRouter(t, "physical://node-a:7400", Config{})
	peer := mustEP(t, "physical://node-b:7400")
	link := &captureLink{}
	r.AddPeer(peer, link)
	link.take()

	unknown := message.NewEnvelope("com.example.unknown-v2", []byte{1, 2, 3, 4, 5, 6, 7})
	unknown.Header().To = mustEP(t, "logical://svc/remote")
	unknown.Header().TTL = 3
	frame, err := message.Encode(unknown)
	if err != nil {
		t.Fatal(err)
	}
	r.Receive(frame, nil)

	msgs := link.decoded(t)
	if len(msgs) != 1 {
		t.Fatalf("%d frames relayed, want 1", len(msgs))
	}
	env, ok := msgs[0].(*message.Envelope)
	if !ok {
		t.Fatalf("relayed message is %T", msgs[0])
	}
	if env.TypeID() != "com.example.unknown-v2" || string(env.Payload()) != string([]byte{1, 2, 3, 4, 5, 6, 7}) {
		t.Fatal("relay must preserve the opaque type and payload")
	}
}

func TestReceiveRelaysUnroutedKnownType(t *testing.T) {
	r := newRouter(t, "physical://node-a:7400", Config{})
	link := &captureLink{}
	r.AddPeer(mustEP(t, "physical://node-b:7400"), link)
	link.take()

	m := &message.BlobMsg{Data: []byte("transit")}
	m.H.To = mustEP(t, "logical://svc/remote")
	m.H.TTL = 3
	frame, err := message.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	r.Receive(frame, nil)

	msgs := link.decoded(t)
	if len(msgs) != 1 {
		t.Fatalf("%d frames relayed, want 1", len(msgs))
	}
	if msgs[0].TypeID() != message.TypeBlob {
		t.Fatalf("type = %s", msgs[0].TypeID())
	}
	if ttl := msgs[0].Header().TTL; ttl != 2 {
		t.Errorf("ttl = %d, want 2", ttl)
	}
}

func TestRelaySkipsArrivalPeer(t *testing.T) {
	r := newRouter(t, "physical://node-a:7400", Config{})
	linkB, linkC := &captureLink{}, &captureLink{}
	r.AddPeer(mustEP(t, "physical://node-b:7400"), linkB)
	r.AddPeer(mustEP(t, "physical://node-c:7400"), linkC)
	linkB.take()
	linkC.take()

	unknown := message.NewEnvelope("com.example.unknown-v2", []byte{9})
	h := unknown.Header()
	h.To = mustEP(t, "logical://svc/everyone")
	h.Flags |= message.FlagBroadcast
	h.TTL = 3
	frame, err := message.Encode(unknown)
	if err != nil {
		t.Fatal(err)
	}
	r.Receive(frame, linkB)

	if got := linkB.take(); len(got) != 0 {
		t.Errorf("relay echoed %d frames to the arrival peer", len(got))
	}
	msgs := linkC.decoded(t)
	if len(msgs) != 1 {
		t.Fatalf("other peer received %d frames, want 1", len(msgs))
	}

	// The unicast relay must honor the same skip: with only the arrival
	// peer linked there is nowhere to relay to.
	r.RemovePeer(mustEP(t, "physical://node-c:7400"))
	uni := message.NewEnvelope("com.example.unknown-v2", []byte{9})
	uni.Header().To = mustEP(t, "logical://svc/one")
	uni.Header().TTL = 3
	frame, err = message.Encode(uni)
	if err != nil {
		t.Fatal(err)
	}
	r.Receive(frame, linkB)
	if got := linkB.take(); len(got) != 0 {
		t.Errorf("unicast relay echoed %d frames to the arrival peer", len(got))
	}
}
