// Package endpoint implements the routable address model: physical endpoints
// naming nodes in a router hierarchy, logical endpoints naming service
// identities (with a trailing wildcard), and abstract endpoints that resolve
// to logical ones through a configured map at parse time.
package endpoint

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

var (
	ErrInvalidEndpoint    = errors.New("endpoint: invalid endpoint")
	ErrAlreadyInitialized = errors.New("endpoint: endpoint already serialized")
	ErrNotPhysical        = errors.New("endpoint: not a physical endpoint")
	ErrNotLogical         = errors.New("endpoint: not a logical endpoint")
)

const (
	// Wildcard is the only wildcard form allowed, and only as the entire
	// final segment of a logical endpoint.
	Wildcard = "*"

	// NullSegment marks the discard endpoint when it is the first segment
	// of a logical endpoint.
	NullSegment = "null"

	// DetachedHost marks a physical root that is not part of any hierarchy.
	DetachedHost = "detached"
)

// EP is a parsed endpoint. The zero value is not usable; obtain endpoints
// from Parse or one of the constructors. An EP becomes immutable once it has
// been serialized for the wire (see Seal).
type EP struct {
	physical bool

	rootHost    string
	rootPort    int // 0 when unset
	segments    []string
	objectID    string
	channelHint string

	broadcast bool

	str    string // cached canonical form, "" when dirty
	sealed bool
}

// NewLogical builds a logical endpoint from segments. Segment validation
// follows the parse rules: no empty segments, wildcard only as the entire
// final segment.
func NewLogical(broadcast bool, segments ...string) (*EP, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: logical endpoint needs at least one segment", ErrInvalidEndpoint)
	}
	e := &EP{broadcast: broadcast}
	for i, seg := range segments {
		seg = strings.ToLower(seg)
		if err := checkLogicalSegment(seg, i == len(segments)-1); err != nil {
			return nil, err
		}
		e.segments = append(e.segments, seg)
	}
	return e, nil
}

// NewPhysical builds a physical endpoint from structural fields. Depth is
// checked against DefaultMaxDepth; use a Parser for other limits.
func NewPhysical(host string, port int, segments ...string) (*EP, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: physical endpoint needs a root host", ErrInvalidEndpoint)
	}
	if len(segments) > DefaultMaxDepth-1 {
		return nil, fmt.Errorf("%w: physical depth %d exceeds %d levels", ErrInvalidEndpoint, len(segments)+1, DefaultMaxDepth)
	}
	e := &EP{physical: true, rootHost: strings.ToLower(host), rootPort: port}
	for _, seg := range segments {
		seg = strings.ToLower(seg)
		if seg == "" {
			return nil, fmt.Errorf("%w: empty physical segment", ErrInvalidEndpoint)
		}
		e.segments = append(e.segments, seg)
	}
	return e, nil
}

// NewChannel builds a channel endpoint: a physical endpoint with no root and
// no segments, carrying only a channel hint.
func NewChannel(hint string) *EP {
	return &EP{physical: true, channelHint: strings.ToLower(hint)}
}

// Child composes a physical endpoint one level below e.
func (e *EP) Child(segment string) (*EP, error) {
	if !e.physical {
		return nil, ErrNotPhysical
	}
	segment = strings.ToLower(segment)
	if segment == "" {
		return nil, fmt.Errorf("%w: empty physical segment", ErrInvalidEndpoint)
	}
	c := e.Clone(false)
	c.segments = append(c.segments, segment)
	c.str = ""
	return c, nil
}

func (e *EP) IsPhysical() bool { return e != nil && e.physical }
func (e *EP) IsLogical() bool  { return e != nil && !e.physical }

// IsNull reports whether e is the logical discard endpoint. Messages
// targeting it are silently dropped.
func (e *EP) IsNull() bool {
	return e.IsLogical() && len(e.segments) > 0 && e.segments[0] == NullSegment
}

// IsChannel reports whether e is a channel endpoint: physical, no root, no
// segments, with a channel hint.
func (e *EP) IsChannel() bool {
	return e.IsPhysical() && e.rootHost == "" && len(e.segments) == 0 && e.channelHint != ""
}

// IsPhysicalRoot reports whether e names the root of a hierarchy.
func (e *EP) IsPhysicalRoot() bool {
	return e.IsPhysical() && e.rootHost != "" && len(e.segments) == 0
}

// IsDetachedRoot reports whether e is a root outside any hierarchy.
func (e *EP) IsDetachedRoot() bool {
	return e.IsPhysicalRoot() && e.rootHost == DetachedHost
}

func (e *EP) RootHost() string    { return e.rootHost }
func (e *EP) RootPort() int       { return e.rootPort }
func (e *EP) Segments() []string  { return slices.Clone(e.segments) }
func (e *EP) ObjectID() string    { return e.objectID }
func (e *EP) ChannelHint() string { return e.channelHint }
func (e *EP) IsBroadcast() bool   { return e != nil && e.broadcast }

// HasWildcard reports whether e is logical and ends with the wildcard
// segment.
func (e *EP) HasWildcard() bool {
	return e.IsLogical() && len(e.segments) > 0 && e.segments[len(e.segments)-1] == Wildcard
}

// Parent returns the endpoint one hierarchy level up, or nil at the top.
func (e *EP) Parent() *EP {
	if e == nil {
		return nil
	}
	if e.physical {
		if len(e.segments) == 0 {
			return nil
		}
	} else if len(e.segments) <= 1 {
		return nil
	}
	p := e.Clone(false)
	p.segments = slices.Clone(e.segments[:len(e.segments)-1])
	p.objectID = ""
	p.str = ""
	return p
}

// PhysicalMatch reports equality of the physical location, ignoring the
// broadcast flag and the query fields (object ID, channel hint).
func (e *EP) PhysicalMatch(o *EP) bool {
	if !e.IsPhysical() || !o.IsPhysical() {
		return false
	}
	return e.rootHost == o.rootHost && e.rootPort == o.rootPort &&
		slices.Equal(e.segments, o.segments)
}

// IsPhysicalDescendantOf reports whether e sits strictly below ancestor in
// the same hierarchy.
func (e *EP) IsPhysicalDescendantOf(ancestor *EP) bool {
	if !e.IsPhysical() || !ancestor.IsPhysical() {
		return false
	}
	if e.rootHost != ancestor.rootHost || e.rootPort != ancestor.rootPort {
		return false
	}
	if len(e.segments) <= len(ancestor.segments) {
		return false
	}
	return slices.Equal(e.segments[:len(ancestor.segments)], ancestor.segments)
}

// IsPhysicalPeerOf reports whether e and o share the same parent.
func (e *EP) IsPhysicalPeerOf(o *EP) bool {
	if !e.IsPhysical() || !o.IsPhysical() {
		return false
	}
	if e.rootHost != o.rootHost || e.rootPort != o.rootPort {
		return false
	}
	if len(e.segments) != len(o.segments) {
		return false
	}
	if len(e.segments) == 0 {
		// Both name the same root.
		return true
	}
	return slices.Equal(e.segments[:len(e.segments)-1], o.segments[:len(o.segments)-1])
}

// LogicalMatch reports whether two logical endpoints address each other,
// honoring a trailing wildcard on either side. The relation is symmetric.
func (e *EP) LogicalMatch(o *EP) bool {
	if !e.IsLogical() || !o.IsLogical() {
		return false
	}
	ew, ow := e.HasWildcard(), o.HasWildcard()
	switch {
	case !ew && !ow:
		return slices.Equal(e.segments, o.segments)
	case ew && ow:
		ep, op := e.segments[:len(e.segments)-1], o.segments[:len(o.segments)-1]
		n := min(len(ep), len(op))
		return slices.Equal(ep[:n], op[:n])
	case ew:
		return wildcardMatch(e.segments, o.segments)
	default:
		return wildcardMatch(o.segments, e.segments)
	}
}

// wildcardMatch matches a wildcard-terminated segment list against a plain
// one. The wildcard side may have at most one segment more than the plain
// side (the wildcard itself) and its prefix must equal the plain side's
// leading segments.
func wildcardMatch(wild, plain []string) bool {
	if len(wild) > len(plain)+1 {
		return false
	}
	prefix := wild[:len(wild)-1]
	return slices.Equal(prefix, plain[:len(prefix)])
}

// Equal reports full equality on the canonical form, broadcast included.
func (e *EP) Equal(o *EP) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.canonical() == o.canonical()
}

// Compare orders endpoints lexicographically on their canonical form.
func (e *EP) Compare(o *EP) int {
	return strings.Compare(e.canonical(), o.canonical())
}

// Clone copies e. The copy is unsealed. The broadcast flag is preserved
// unless resetBroadcast is set.
func (e *EP) Clone(resetBroadcast bool) *EP {
	if e == nil {
		return nil
	}
	c := &EP{
		physical:    e.physical,
		rootHost:    e.rootHost,
		rootPort:    e.rootPort,
		segments:    slices.Clone(e.segments),
		objectID:    e.objectID,
		channelHint: e.channelHint,
		broadcast:   e.broadcast,
		str:         e.str,
	}
	if resetBroadcast && c.broadcast {
		c.broadcast = false
		c.str = ""
	}
	return c
}

// NoBroadcast returns e without the broadcast flag, sharing e when the flag
// is already clear.
func (e *EP) NoBroadcast() *EP {
	if e == nil || !e.broadcast {
		return e
	}
	return e.Clone(true)
}

// CopyMaxSegments returns a copy keeping at most n leading segments.
func (e *EP) CopyMaxSegments(n int) *EP {
	c := e.Clone(false)
	if c == nil || n >= len(c.segments) {
		return c
	}
	if n < 0 {
		n = 0
	}
	c.segments = slices.Clone(c.segments[:n])
	c.str = ""
	return c
}

// SetBroadcast sets or clears the broadcast flag. Fails once the endpoint
// has been sealed by wire serialization.
func (e *EP) SetBroadcast(b bool) error {
	if e.sealed {
		return ErrAlreadyInitialized
	}
	if e.broadcast != b {
		e.broadcast = b
		e.str = ""
	}
	return nil
}

// SetObjectID sets the object ID query field of a physical endpoint.
func (e *EP) SetObjectID(id string) error {
	if e.sealed {
		return ErrAlreadyInitialized
	}
	if !e.physical {
		return ErrNotPhysical
	}
	id = strings.ToLower(id)
	if e.objectID != id {
		e.objectID = id
		e.str = ""
	}
	return nil
}

// Seal marks the endpoint immutable. Called by the frame encoder on first
// serialization; later mutation attempts fail with ErrAlreadyInitialized.
func (e *EP) Seal() { e.sealed = true }

// String returns the canonical URI form, lowercased with no trailing slash.
// The value is cached and invalidated by mutation.
func (e *EP) String() string { return e.canonical() }

func (e *EP) canonical() string {
	if e == nil {
		return ""
	}
	if e.str != "" {
		return e.str
	}
	var b strings.Builder
	if e.physical {
		b.WriteString("physical://")
		b.WriteString(e.rootHost)
		if e.rootPort > 0 {
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(e.rootPort))
		}
		for _, seg := range e.segments {
			b.WriteByte('/')
			b.WriteString(seg)
		}
		sep := byte('?')
		if e.objectID != "" {
			b.WriteByte(sep)
			sep = '&'
			b.WriteString("o=")
			b.WriteString(e.objectID)
		}
		if e.channelHint != "" {
			b.WriteByte(sep)
			sep = '&'
			b.WriteString("c=")
			b.WriteString(e.channelHint)
		}
		if e.broadcast {
			b.WriteByte(sep)
			b.WriteString("broadcast")
		}
	} else {
		b.WriteString("logical://")
		for i, seg := range e.segments {
			if i > 0 {
				b.WriteByte('/')
			}
			b.WriteString(seg)
		}
		if e.broadcast {
			b.WriteString("?broadcast")
		}
	}
	e.str = b.String()
	return e.str
}

func checkLogicalSegment(seg string, last bool) error {
	if seg == "" {
		return fmt.Errorf("%w: empty logical segment", ErrInvalidEndpoint)
	}
	if strings.Contains(seg, Wildcard) {
		if !last {
			return fmt.Errorf("%w: wildcard allowed only in the final segment", ErrInvalidEndpoint)
		}
		if seg != Wildcard {
			return fmt.Errorf("%w: wildcard must stand alone in its segment", ErrInvalidEndpoint)
		}
	}
	return nil
}
