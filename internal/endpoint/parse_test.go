package endpoint

import (
	"errors"
	"testing"
)

func TestParseRoundTrip(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"physical://Host:80/Hub/Leaf/", "physical://host:80/hub/leaf"},
		{"physical://host", "physical://host"},
		{"physical://host:8080?broadcast", "physical://host:8080?broadcast"},
		{"physical://host/hub?o=Obj&c=tcp:1.2.3.4:99", "physical://host/hub?o=obj&c=tcp:1.2.3.4:99"},
		{"physical://?c=tcp:10.1.1.1:4530", "physical://?c=tcp:10.1.1.1:4530"},
		{"physical://DETACHED", "physical://detached"},
		{"logical://Apps/Foo/", "logical://apps/foo"},
		{"logical://apps/foo/*", "logical://apps/foo/*"},
		{"logical://svc?broadcast", "logical://svc?broadcast"},
		{"logical://null", "logical://null"},
	}
	for _, tc := range cases {
		e, err := Parse(tc.in)
		if err != nil {
			t.Errorf("Parse(%q): %v", tc.in, err)
			continue
		}
		if got := e.String(); got != tc.want {
			t.Errorf("Parse(%q).String() = %q, want %q", tc.in, got, tc.want)
			continue
		}
		// Parsing the canonical form again yields the same endpoint.
		again, err := Parse(e.String())
		if err != nil {
			t.Errorf("reparse %q: %v", e, err)
			continue
		}
		if !again.Equal(e) {
			t.Errorf("reparse of %q not equal", e)
		}
	}
}

func TestParseRejects(t *testing.T) {
	cases := []string{
		"",
		"host:80/hub",
		"tcp://host:80",
		"physical://host:notaport",
		"physical://host:0",
		"physical://host/hub//leaf",
		"physical://host/a/b/c", // four levels with the default limit of three
		"physical://",
		"physical://host?x=1",
		"logical://",
		"logical://a//b",
		"logical://a/*/b",   // wildcard not in the final segment
		"logical://a/b*",    // wildcard not standing alone
		"logical://a?o=obj", // only broadcast is recognized
	}
	for _, in := range cases {
		if _, err := Parse(in); !errors.Is(err, ErrInvalidEndpoint) {
			t.Errorf("Parse(%q) = %v, want ErrInvalidEndpoint", in, err)
		}
	}
}

func TestParseDepthParameterized(t *testing.T) {
	deep := NewParser(5)
	if _, err := deep.Parse("physical://host/a/b/c/d"); err != nil {
		t.Errorf("depth 5 parser must accept four segments: %v", err)
	}
	if _, err := deep.Parse("physical://host/a/b/c/d/e"); !errors.Is(err, ErrInvalidEndpoint) {
		t.Error("depth 5 parser must reject five segments")
	}
}

func TestAbstractResolution(t *testing.T) {
	p := NewParser(DefaultMaxDepth)
	if err := p.MapAbstract("mailbox", "logical://svc/mail/inbound"); err != nil {
		t.Fatal(err)
	}

	e, err := p.Parse("abstract://Mailbox")
	if err != nil {
		t.Fatal(err)
	}
	if e.String() != "logical://svc/mail/inbound" {
		t.Errorf("mapped abstract = %s", e)
	}

	// Unmapped names substitute the logical scheme.
	e, err = p.Parse("abstract://orphan/queue")
	if err != nil {
		t.Fatal(err)
	}
	if e.String() != "logical://orphan/queue" {
		t.Errorf("unmapped abstract = %s", e)
	}
}

func TestAbstractMappingValidation(t *testing.T) {
	p := NewParser(DefaultMaxDepth)
	if err := p.MapAbstract("bad", "physical://host:80"); !errors.Is(err, ErrNotLogical) {
		t.Errorf("physical mapping target = %v, want ErrNotLogical", err)
	}
	if err := p.MapAbstract("worse", "logical://a/*/b"); !errors.Is(err, ErrInvalidEndpoint) {
		t.Errorf("invalid mapping target = %v, want ErrInvalidEndpoint", err)
	}
	// Mapped endpoints are cloned out, so callers cannot corrupt the table.
	if err := p.MapAbstract("ok", "logical://svc/x"); err != nil {
		t.Fatal(err)
	}
	first, _ := p.Parse("abstract://ok")
	first.SetBroadcast(true)
	second, _ := p.Parse("abstract://ok")
	if second.IsBroadcast() {
		t.Error("mutating a resolved abstract endpoint leaked into the map")
	}
}

func TestLogicalMatch(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"logical://a/b", "logical://a/b", true},
		{"logical://a/b", "logical://a/c", false},
		{"logical://a/b", "logical://a/b/c", false},
		{"logical://apps/foo/*", "logical://apps/foo/bar", true},
		{"logical://apps/foo/*", "logical://apps/foo", true},
		{"logical://apps/foo/*", "logical://apps/foo/bar/baz", true},
		{"logical://apps/foo/*", "logical://apps/other", false},
		{"logical://a/b/*", "logical://a", false}, // wildcard side two segments longer
		{"logical://a/*", "logical://a/b/*", true},
		{"logical://a/*", "logical://b/*", false},
		{"logical://*", "logical://anything/at/all", true},
	}
	for _, tc := range cases {
		a, b := MustParse(tc.a), MustParse(tc.b)
		if got := a.LogicalMatch(b); got != tc.want {
			t.Errorf("LogicalMatch(%s, %s) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
		if got := b.LogicalMatch(a); got != tc.want {
			t.Errorf("LogicalMatch(%s, %s) = %v, want %v (symmetry)", tc.b, tc.a, got, tc.want)
		}
	}
}

func TestLogicalMatchKindGuard(t *testing.T) {
	if MustParse("physical://host").LogicalMatch(MustParse("logical://a")) {
		t.Error("physical endpoints never logically match")
	}
}
