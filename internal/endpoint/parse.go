package endpoint

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// DefaultMaxDepth is the default physical hierarchy limit: root, hub, leaf.
const DefaultMaxDepth = 3

const (
	schemePhysical = "physical://"
	schemeLogical  = "logical://"
	schemeAbstract = "abstract://"
)

// Parser parses endpoint URIs. It carries the abstract-to-logical map and
// the physical depth limit, both configuration in deployed routers.
type Parser struct {
	mu       sync.RWMutex
	maxDepth int
	abstract map[string]*EP
}

func NewParser(maxDepth int) *Parser {
	if maxDepth < 1 {
		maxDepth = DefaultMaxDepth
	}
	return &Parser{
		maxDepth: maxDepth,
		abstract: make(map[string]*EP),
	}
}

var defaultParser = NewParser(DefaultMaxDepth)

// DefaultParser returns the process-wide parser used by Parse and by the
// frame decoder. Configuration installs the abstract map into it at startup.
func DefaultParser() *Parser { return defaultParser }

// Parse parses with the default parser.
func Parse(s string) (*EP, error) { return defaultParser.Parse(s) }

// MustParse is Parse that panics on error, for fixtures and tests.
func MustParse(s string) *EP {
	e, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return e
}

// MapAbstract installs one abstract-to-logical mapping. The target must
// parse as a logical endpoint.
func (p *Parser) MapAbstract(name, target string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return fmt.Errorf("%w: empty abstract name", ErrInvalidEndpoint)
	}
	e, err := p.Parse(target)
	if err != nil {
		return fmt.Errorf("endpoint: abstract mapping %q: %w", name, err)
	}
	if !e.IsLogical() {
		return fmt.Errorf("%w: abstract mapping %q targets %q", ErrNotLogical, name, target)
	}
	p.mu.Lock()
	p.abstract[name] = e
	p.mu.Unlock()
	return nil
}

// MaxDepth returns the physical hierarchy limit.
func (p *Parser) MaxDepth() int { return p.maxDepth }

// Parse parses a physical://, logical://, or abstract:// URI. Input is
// lowercased and right-trimmed of slashes before interpretation.
func (p *Parser) Parse(s string) (*EP, error) {
	s = strings.TrimRight(strings.ToLower(strings.TrimSpace(s)), "/")
	switch {
	case strings.HasPrefix(s, schemePhysical):
		return p.parsePhysical(s[len(schemePhysical):])
	case strings.HasPrefix(s, schemeLogical):
		return p.parseLogical(s[len(schemeLogical):])
	case strings.HasPrefix(s, schemeAbstract):
		return p.resolveAbstract(s[len(schemeAbstract):])
	default:
		return nil, fmt.Errorf("%w: unknown scheme in %q", ErrInvalidEndpoint, s)
	}
}

func (p *Parser) parsePhysical(rest string) (*EP, error) {
	rest, query, hasQuery := strings.Cut(rest, "?")
	rest = strings.TrimRight(rest, "/")

	e := &EP{physical: true}

	authority, path, _ := strings.Cut(rest, "/")
	if host, portStr, ok := strings.Cut(authority, ":"); ok {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("%w: bad port %q", ErrInvalidEndpoint, portStr)
		}
		e.rootHost = host
		e.rootPort = port
	} else {
		e.rootHost = authority
	}

	if path != "" {
		if e.rootHost == "" {
			return nil, fmt.Errorf("%w: physical segments without a root host", ErrInvalidEndpoint)
		}
		for _, seg := range strings.Split(path, "/") {
			if seg == "" {
				return nil, fmt.Errorf("%w: empty physical segment", ErrInvalidEndpoint)
			}
			e.segments = append(e.segments, seg)
		}
		if len(e.segments) > p.maxDepth-1 {
			return nil, fmt.Errorf("%w: physical depth %d exceeds %d levels",
				ErrInvalidEndpoint, len(e.segments)+1, p.maxDepth)
		}
	}

	if hasQuery {
		for _, pair := range strings.Split(query, "&") {
			key, val, hasVal := strings.Cut(pair, "=")
			switch {
			case key == "broadcast" && !hasVal:
				e.broadcast = true
			case key == "o" && hasVal:
				e.objectID = val
			case key == "c" && hasVal:
				e.channelHint = val
			default:
				return nil, fmt.Errorf("%w: unrecognized query %q", ErrInvalidEndpoint, pair)
			}
		}
	}

	if e.rootHost == "" && e.channelHint == "" {
		return nil, fmt.Errorf("%w: physical endpoint needs a root host or channel hint", ErrInvalidEndpoint)
	}
	return e, nil
}

func (p *Parser) parseLogical(rest string) (*EP, error) {
	rest, query, hasQuery := strings.Cut(rest, "?")
	rest = strings.TrimRight(rest, "/")
	if rest == "" {
		return nil, fmt.Errorf("%w: logical endpoint needs at least one segment", ErrInvalidEndpoint)
	}

	e := &EP{}
	segs := strings.Split(rest, "/")
	for i, seg := range segs {
		if err := checkLogicalSegment(seg, i == len(segs)-1); err != nil {
			return nil, err
		}
		e.segments = append(e.segments, seg)
	}

	if hasQuery {
		if query != "broadcast" {
			return nil, fmt.Errorf("%w: unrecognized query %q", ErrInvalidEndpoint, query)
		}
		e.broadcast = true
	}
	return e, nil
}

// resolveAbstract maps an abstract name through the configured table.
// Unmapped names fall back to logical://<name>.
func (p *Parser) resolveAbstract(name string) (*EP, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty abstract name", ErrInvalidEndpoint)
	}
	p.mu.RLock()
	mapped, ok := p.abstract[name]
	p.mu.RUnlock()
	if ok {
		return mapped.Clone(false), nil
	}
	return p.parseLogical(name)
}
