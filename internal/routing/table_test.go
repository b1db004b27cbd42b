package routing

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nforgeio/LillTek-sub012/internal/endpoint"
	"github.com/nforgeio/LillTek-sub012/internal/message"
)

func ep(t *testing.T, s string) *endpoint.EP {
	t.Helper()
	e, err := endpoint.DefaultParser().Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return e
}

func noopHandler(message.Msg) {}

func TestAddLogicalRoutePerTarget(t *testing.T) {
	tbl := NewTable()
	target := ep(t, "logical://svc/worker")

	if err := tbl.AddLogical(target, &Handler{Target: "a", Fn: noopHandler, MsgType: "sys.blob"}, nil); err != nil {
		t.Fatal(err)
	}
	// A second target at the same endpoint gets its own route, so
	// broadcast fans out and unicast load-balances.
	if err := tbl.AddLogical(target, &Handler{Target: "b", Fn: noopHandler, MsgType: "sys.blob"}, nil); err != nil {
		t.Fatal(err)
	}
	if got := tbl.Routes(target); len(got) != 2 {
		t.Fatalf("%d routes, want 2", len(got))
	}

	// Re-registering the same (target, key) is idempotent.
	if err := tbl.AddLogical(target, &Handler{Target: "a", Fn: noopHandler, MsgType: "sys.blob"}, nil); err != nil {
		t.Fatal(err)
	}
	if got := tbl.Routes(target); len(got) != 2 {
		t.Fatalf("%d routes after re-add, want 2", len(got))
	}

	// A different type from the same target lands on its existing route.
	if err := tbl.AddLogical(target, &Handler{Target: "a", Fn: noopHandler, MsgType: "sys.ack"}, nil); err != nil {
		t.Fatal(err)
	}
	if got := tbl.Routes(target); len(got) != 2 {
		t.Fatalf("%d routes after second type, want 2", len(got))
	}
}

func TestAddLogicalTargetGroupShares(t *testing.T) {
	tbl := NewTable()
	target := ep(t, "logical://svc/cluster")

	if err := tbl.AddLogical(target, &Handler{Target: "a", Fn: noopHandler, MsgType: "sys.blob"}, "pool"); err != nil {
		t.Fatal(err)
	}
	if err := tbl.AddLogical(target, &Handler{Target: "b", Fn: noopHandler, MsgType: "sys.ack"}, "pool"); err != nil {
		t.Fatalf("group members must share the route: %v", err)
	}
	if got := tbl.Routes(target); len(got) != 1 || len(got[0].Handlers()) != 2 {
		t.Fatalf("routes = %v", got)
	}

	// A second group member claiming an occupied key is a conflict.
	if err := tbl.AddLogical(target, &Handler{Target: "c", Fn: noopHandler, MsgType: "sys.blob"}, "pool"); !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("err = %v, want ErrDuplicateHandler", err)
	}

	// A different group gets its own route.
	if err := tbl.AddLogical(target, &Handler{Target: "c", Fn: noopHandler, MsgType: "sys.blob"}, "other"); err != nil {
		t.Fatal(err)
	}
	if got := tbl.Routes(target); len(got) != 2 {
		t.Fatalf("%d routes, want 2", len(got))
	}
}

func TestAddLogicalRejectsPhysical(t *testing.T) {
	tbl := NewTable()
	err := tbl.AddLogical(ep(t, "physical://host:80"), &Handler{Fn: noopHandler}, nil)
	if !errors.Is(err, endpoint.ErrNotLogical) {
		t.Fatalf("err = %v, want ErrNotLogical", err)
	}
}

func TestRemoveTarget(t *testing.T) {
	tbl := NewTable()
	w := ep(t, "logical://svc/worker")
	m := ep(t, "logical://svc/manager")

	tbl.AddLogical(w, &Handler{Target: "a", Fn: noopHandler, MsgType: "sys.blob"}, nil)
	tbl.AddLogical(w, &Handler{Target: "b", Fn: noopHandler, MsgType: "sys.ack"}, nil)
	tbl.AddLogical(m, &Handler{Target: "a", Fn: noopHandler, MsgType: "sys.blob"}, nil)

	if !tbl.RemoveTarget("a") {
		t.Fatal("removing a registered target must report a change")
	}
	if got := tbl.Routes(m); len(got) != 0 {
		t.Error("route with no surviving handlers must be dropped")
	}
	if got := tbl.Routes(w); len(got) != 1 || len(got[0].Handlers()) != 1 {
		t.Error("other targets' handlers must survive")
	}
	if tbl.RemoveTarget("a") {
		t.Error("second removal must report no change")
	}
}

func TestRoutesWildcardMatch(t *testing.T) {
	tbl := NewTable()
	tbl.AddLogical(ep(t, "logical://apps/foo/*"), &Handler{Target: "w", Fn: noopHandler, MsgType: DefaultKey}, nil)
	tbl.AddLogical(ep(t, "logical://apps/bar"), &Handler{Target: "x", Fn: noopHandler, MsgType: DefaultKey}, nil)

	got := tbl.Routes(ep(t, "logical://apps/foo/bar"))
	if len(got) != 1 || !got[0].EP.Equal(ep(t, "logical://apps/foo/*")) {
		t.Fatalf("routes = %v", got)
	}
	if got := tbl.Routes(ep(t, "logical://apps/baz")); len(got) != 0 {
		t.Fatalf("unexpected match: %v", got)
	}
}

func TestRouteHandlerFallsBackToDefault(t *testing.T) {
	tbl := NewTable()
	target := ep(t, "logical://svc/worker")
	tbl.AddLogical(target, &Handler{Target: "x", Fn: noopHandler, MsgType: DefaultKey}, nil)
	tbl.AddLogical(target, &Handler{Target: "x", Fn: noopHandler, MsgType: "sys.blob"}, nil)

	r := tbl.Routes(target)[0]
	if h, ok := r.Handler("sys.blob"); !ok || h.MsgType != "sys.blob" {
		t.Error("typed handler must win for its type")
	}
	if h, ok := r.Handler("sys.ack"); !ok || h.MsgType != DefaultKey {
		t.Error("unclaimed types must fall to the default handler")
	}
}

func TestPhysicalRoutes(t *testing.T) {
	tbl := NewTable()
	peer := ep(t, "physical://peer:80/hub")
	id := uuid.New()
	tbl.AddPhysical(&PhysicalRoute{RouterEP: peer, SetID: id, LastSeen: time.Now()})

	r, ok := tbl.Physical(ep(t, "physical://PEER:80/hub/"))
	if !ok || r.SetID != id {
		t.Fatal("physical lookup must be case-insensitive on the canonical form")
	}

	next := uuid.New()
	if !tbl.Touch(peer, next, time.Now()) {
		t.Error("set ID change must be reported")
	}
	if tbl.Touch(peer, next, time.Now()) {
		t.Error("unchanged set ID must not be reported")
	}

	if !tbl.RemovePhysical(peer) {
		t.Error("removal of a known peer must report true")
	}
	if tbl.RemovePhysical(peer) {
		t.Error("removal of an unknown peer must report false")
	}
}
