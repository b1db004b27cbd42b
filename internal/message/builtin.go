package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// Built-in system message type IDs. Fixed strings keep deployments
// wire-compatible across refactors.
const (
	TypeKeepAlive       = "sys.keep-alive"
	TypeSessionCancel   = "sys.session-cancel"
	TypeReceipt         = "sys.receipt"
	TypeRouterAdvertise = "sys.router-advertise"
	TypeAck             = "sys.ack"
	TypeBlob            = "sys.blob"
)

// RegisterBuiltins registers the system message types a router depends on.
// Idempotent, so routers sharing one registry can each call it.
func RegisterBuiltins(reg *Registry) {
	for id, factory := range map[string]Factory{
		TypeKeepAlive:       func() Msg { return &KeepAliveMsg{} },
		TypeSessionCancel:   func() Msg { return &SessionCancelMsg{} },
		TypeReceipt:         func() Msg { return &ReceiptMsg{} },
		TypeRouterAdvertise: func() Msg { return &RouterAdvertiseMsg{} },
		TypeAck:             func() Msg { return &AckMsg{} },
		TypeBlob:            func() Msg { return &BlobMsg{} },
	} {
		if err := reg.Register(id, factory); err != nil && !errors.Is(err, ErrDuplicateType) {
			panic(err)
		}
	}
}

// KeepAliveMsg refreshes a session's activity timer. Payload is empty; the
// session ID travels in the header.
type KeepAliveMsg struct {
	Base
}

func (*KeepAliveMsg) TypeID() string { return TypeKeepAlive }

func (*KeepAliveMsg) MarshalPayload() ([]byte, error) { return nil, nil }

func (*KeepAliveMsg) UnmarshalPayload(data []byte) error {
	if len(data) != 0 {
		return fmt.Errorf("keep-alive carries no payload, got %d bytes", len(data))
	}
	return nil
}

// SessionCancelMsg is the synthetic cancellation delivered when a server
// cancels a transaction or a request context is dropped uncompleted.
type SessionCancelMsg struct {
	Base
	Reason string
}

func (*SessionCancelMsg) TypeID() string { return TypeSessionCancel }

func (m *SessionCancelMsg) MarshalPayload() ([]byte, error) {
	return appendString(nil, m.Reason)
}

func (m *SessionCancelMsg) UnmarshalPayload(data []byte) error {
	reason, rest, err := takeString(data)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("trailing %d bytes after cancel reason", len(rest))
	}
	m.Reason = reason
	return nil
}

// ReceiptMsg acknowledges that a forwarded message identified by RefID was
// accepted for dispatch downstream.
type ReceiptMsg struct {
	Base
	RefID uuid.UUID
}

func (*ReceiptMsg) TypeID() string { return TypeReceipt }

func (m *ReceiptMsg) MarshalPayload() ([]byte, error) {
	return m.RefID[:], nil
}

func (m *ReceiptMsg) UnmarshalPayload(data []byte) error {
	if len(data) != 16 {
		return fmt.Errorf("receipt ref ID must be 16 bytes, got %d", len(data))
	}
	copy(m.RefID[:], data)
	return nil
}

// RouterAdvertiseMsg announces a router's capabilities together with its
// logical endpoint set ID. Peers refresh their view when the set ID changes.
type RouterAdvertiseMsg struct {
	Base
	SetID uuid.UUID
	Pairs map[string]string
}

// Recognized advertisement keys.
const (
	AdvProtocolVer     = "protocol-ver"
	AdvBuildVer        = "build-ver"
	AdvP2PEnable       = "p2p-enable"
	AdvReceiptSend     = "receipt-send"
	AdvDeadRouterCheck = "dead-router-detect"
	AdvMachineName     = "machine-name"
)

func (*RouterAdvertiseMsg) TypeID() string { return TypeRouterAdvertise }

func (m *RouterAdvertiseMsg) MarshalPayload() ([]byte, error) {
	if len(m.Pairs) > 0xFFFF {
		return nil, fmt.Errorf("advertisement has %d pairs", len(m.Pairs))
	}
	buf := append([]byte(nil), m.SetID[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Pairs)))
	for _, key := range sortedKeys(m.Pairs) {
		var err error
		if buf, err = appendString(buf, key); err != nil {
			return nil, err
		}
		if buf, err = appendString(buf, m.Pairs[key]); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (m *RouterAdvertiseMsg) UnmarshalPayload(data []byte) error {
	if len(data) < 18 {
		return fmt.Errorf("advertisement payload too short (%d bytes)", len(data))
	}
	copy(m.SetID[:], data[:16])
	count := int(binary.BigEndian.Uint16(data[16:18]))
	rest := data[18:]
	m.Pairs = make(map[string]string, count)
	for i := 0; i < count; i++ {
		var key, val string
		var err error
		if key, rest, err = takeString(rest); err != nil {
			return err
		}
		if val, rest, err = takeString(rest); err != nil {
			return err
		}
		m.Pairs[key] = val
	}
	if len(rest) != 0 {
		return fmt.Errorf("trailing %d bytes after advertisement pairs", len(rest))
	}
	return nil
}

// AckMsg is a generic reply carrying key/value properties. Query handlers
// without a richer reply type answer with it.
type AckMsg struct {
	Base
	Properties map[string]string
}

func (*AckMsg) TypeID() string { return TypeAck }

func (m *AckMsg) MarshalPayload() ([]byte, error) {
	if len(m.Properties) > 0xFFFF {
		return nil, fmt.Errorf("ack has %d properties", len(m.Properties))
	}
	buf := binary.BigEndian.AppendUint16(nil, uint16(len(m.Properties)))
	for _, key := range sortedKeys(m.Properties) {
		var err error
		if buf, err = appendString(buf, key); err != nil {
			return nil, err
		}
		if buf, err = appendString(buf, m.Properties[key]); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (m *AckMsg) UnmarshalPayload(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("ack payload too short (%d bytes)", len(data))
	}
	count := int(binary.BigEndian.Uint16(data[:2]))
	rest := data[2:]
	m.Properties = make(map[string]string, count)
	for i := 0; i < count; i++ {
		var key, val string
		var err error
		if key, rest, err = takeString(rest); err != nil {
			return err
		}
		if val, rest, err = takeString(rest); err != nil {
			return err
		}
		m.Properties[key] = val
	}
	if len(rest) != 0 {
		return fmt.Errorf("trailing %d bytes after ack properties", len(rest))
	}
	return nil
}

// BlobMsg carries opaque application bytes.
type BlobMsg struct {
	Base
	Data []byte
}

func (*BlobMsg) TypeID() string { return TypeBlob }

func (m *BlobMsg) MarshalPayload() ([]byte, error) { return m.Data, nil }

func (m *BlobMsg) UnmarshalPayload(data []byte) error {
	m.Data = data
	return nil
}

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > maxStringLen {
		return nil, fmt.Errorf("string length %d exceeds %d", len(s), maxStringLen)
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

func takeString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("truncated string length prefix")
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	if n == int(nullString) {
		return "", buf[2:], nil
	}
	if len(buf) < 2+n {
		return "", nil, fmt.Errorf("truncated string (need %d bytes, have %d)", n, len(buf)-2)
	}
	return string(buf[2 : 2+n]), buf[2+n:], nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic payload bytes for identical maps.
	slices.Sort(keys)
	return keys
}
