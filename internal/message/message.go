// Package message defines the typed message model and its wire frame: a
// fixed big-endian header, optional extension headers, and a type-specific
// payload keyed by an opaque type-ID string. Frames whose type ID is not
// registered locally decode into envelopes that re-encode byte-identically,
// so unknown messages can be forwarded unchanged.
package message

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/nforgeio/LillTek-sub012/internal/endpoint"
)

// Flag is the header flags word. The numeric values are wire-compatible and
// must not change.
type Flag uint32

const (
	FlagMsgID          Flag = 0x01
	FlagSessionID      Flag = 0x02
	FlagBroadcast      Flag = 0x04
	FlagOpenSession    Flag = 0x08
	FlagServerSession  Flag = 0x10
	FlagReceiptRequest Flag = 0x20
	FlagPriority       Flag = 0x40
	FlagExtHeaders     Flag = 0x80
	FlagClosestRoute   Flag = 0x100
	FlagSecurityToken  Flag = 0x200
	FlagKeepSessionID  Flag = 0x0800_0000

	// RoutingScopeMask selects the routing-scope bits used for
	// closest-route preference.
	RoutingScopeMask Flag = 0x7000_0000

	// presenceMask covers the bits the encoder derives from header fields.
	// All other bits pass through encode/decode untouched.
	presenceMask = FlagMsgID | FlagSessionID | FlagSecurityToken | FlagExtHeaders
)

// RoutingScope extracts the routing-scope bits.
func (f Flag) RoutingScope() Flag { return f & RoutingScopeMask }

// ExtHeader is one extension header record. At most one record per ID may
// be present on a message; content is limited to 65535 bytes.
type ExtHeader struct {
	ID      uint8
	Content []byte
}

// Header is the serialized message header plus the non-persistent routing
// associations the library attaches in flight.
type Header struct {
	Version uint8
	TTL     uint8
	Flags   Flag

	To      *endpoint.EP
	From    *endpoint.EP
	Receipt *endpoint.EP

	MsgID         uuid.UUID
	SessionID     uuid.UUID
	SecurityToken []byte

	Ext []ExtHeader

	// Session is the associated session reference; set by the session
	// manager during dispatch. Not serialized.
	Session any
	// ReceiveChannel references the channel a received message arrived on.
	// The association is weak: it never extends the channel's lifetime.
	// Not serialized.
	ReceiveChannel any
}

// SetExt stores an extension header, replacing any record with the same ID.
func (h *Header) SetExt(id uint8, content []byte) error {
	if len(content) > 0xFFFF {
		return fmt.Errorf("message: extension header %d content exceeds 65535 bytes", id)
	}
	for i := range h.Ext {
		if h.Ext[i].ID == id {
			h.Ext[i].Content = content
			return nil
		}
	}
	if len(h.Ext) >= 255 {
		return fmt.Errorf("message: extension header limit of 255 reached")
	}
	h.Ext = append(h.Ext, ExtHeader{ID: id, Content: content})
	return nil
}

// ExtContent returns the content of the extension header with the given ID.
func (h *Header) ExtContent(id uint8) ([]byte, bool) {
	for i := range h.Ext {
		if h.Ext[i].ID == id {
			return h.Ext[i].Content, true
		}
	}
	return nil, false
}

// Hop consumes one TTL hop. It reports false when the message has no hops
// left and must be dropped instead of forwarded.
func (h *Header) Hop() bool {
	if h.TTL == 0 {
		return false
	}
	h.TTL--
	return true
}

// Msg is the interface every routable message implements. Concrete types
// embed Base and add payload marshaling.
type Msg interface {
	Header() *Header
	TypeID() string
	MarshalPayload() ([]byte, error)
	UnmarshalPayload(data []byte) error
}

// Base carries the header for embedding into concrete message types.
type Base struct {
	H Header
}

func (b *Base) Header() *Header { return &b.H }
