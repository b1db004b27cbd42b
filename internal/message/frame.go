package message

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nforgeio/LillTek-sub012/internal/endpoint"
)

var ErrBadFrame = errors.New("message: bad frame")

const (
	// FrameMagic is the first byte of every frame.
	FrameMagic = 0x88
	// FrameFormat is the single supported format version byte.
	FrameFormat = 0

	// PreambleSize covers magic, format, and the total-length word. Stream
	// transports read the preamble first to learn the frame size.
	PreambleSize = 6

	// nullString encodes a null string or byte array length.
	nullString = 0xFFFF

	maxStringLen = 0xFFFE
)

// FrameLen validates a frame preamble and returns the total frame length,
// preamble included.
func FrameLen(preamble []byte) (int, error) {
	if len(preamble) < PreambleSize {
		return 0, fmt.Errorf("%w: short preamble (%d bytes)", ErrBadFrame, len(preamble))
	}
	if preamble[0] != FrameMagic {
		return 0, fmt.Errorf("%w: bad magic 0x%02x", ErrBadFrame, preamble[0])
	}
	if preamble[1] != FrameFormat {
		return 0, fmt.Errorf("%w: unknown format %d", ErrBadFrame, preamble[1])
	}
	total := int(binary.BigEndian.Uint32(preamble[2:6]))
	if total < PreambleSize {
		return 0, fmt.Errorf("%w: declared length %d below preamble size", ErrBadFrame, total)
	}
	return total, nil
}

// Encode serializes m into a wire frame. Presence flag bits are derived from
// the header fields; every other flag bit is written as-is. Endpoints are
// sealed by their first serialization.
func Encode(m Msg) ([]byte, error) {
	h := m.Header()

	payload, err := m.MarshalPayload()
	if err != nil {
		return nil, fmt.Errorf("message: marshal %q payload: %w", m.TypeID(), err)
	}

	typeID := []byte(m.TypeID())
	if len(typeID) == 0 || len(typeID) > maxStringLen {
		return nil, fmt.Errorf("message: bad type ID length %d", len(typeID))
	}
	if len(h.Ext) > 255 {
		return nil, fmt.Errorf("message: %d extension headers exceeds 255", len(h.Ext))
	}

	flags := h.Flags &^ presenceMask
	if h.MsgID != uuid.Nil {
		flags |= FlagMsgID
	}
	if h.SessionID != uuid.Nil {
		flags |= FlagSessionID
	}
	if len(h.SecurityToken) > 0 {
		flags |= FlagSecurityToken
	}
	if len(h.Ext) > 0 {
		flags |= FlagExtHeaders
	}
	h.Flags = flags

	var w frameWriter
	w.byte(FrameMagic)
	w.byte(FrameFormat)
	w.u32(0) // total length, patched below
	w.u16(uint16(len(typeID)))
	w.bytes(typeID)
	w.byte(h.Version)
	w.byte(h.TTL)
	w.u32(uint32(flags))
	if err := w.ep(h.To); err != nil {
		return nil, err
	}
	if err := w.ep(h.From); err != nil {
		return nil, err
	}
	if err := w.ep(h.Receipt); err != nil {
		return nil, err
	}
	if flags&FlagMsgID != 0 {
		w.bytes(h.MsgID[:])
	}
	if flags&FlagSessionID != 0 {
		w.bytes(h.SessionID[:])
	}
	if flags&FlagSecurityToken != 0 {
		if len(h.SecurityToken) > maxStringLen {
			return nil, fmt.Errorf("message: security token length %d exceeds %d", len(h.SecurityToken), maxStringLen)
		}
		w.u16(uint16(len(h.SecurityToken)))
		w.bytes(h.SecurityToken)
	}
	if flags&FlagExtHeaders != 0 {
		w.byte(uint8(len(h.Ext)))
		for _, ext := range h.Ext {
			if len(ext.Content) > 0xFFFF {
				return nil, fmt.Errorf("message: extension header %d content exceeds 65535 bytes", ext.ID)
			}
			w.byte(ext.ID)
			w.u16(uint16(len(ext.Content)))
			w.bytes(ext.Content)
		}
	}
	w.bytes(payload)

	binary.BigEndian.PutUint32(w.buf[2:6], uint32(len(w.buf)))
	return w.buf, nil
}

// Decode parses a complete frame. Registered type IDs decode into their
// concrete message type; unknown IDs decode into an Envelope carrying the
// opaque payload.
func Decode(buf []byte, reg *Registry) (Msg, error) {
	total, err := FrameLen(buf)
	if err != nil {
		return nil, err
	}
	if total != len(buf) {
		return nil, fmt.Errorf("%w: declared length %d, have %d bytes", ErrBadFrame, total, len(buf))
	}

	r := frameReader{buf: buf, off: PreambleSize}

	typeIDLen, err := r.u16()
	if err != nil {
		return nil, err
	}
	if typeIDLen == nullString || typeIDLen == 0 {
		return nil, fmt.Errorf("%w: missing type ID", ErrBadFrame)
	}
	typeIDBytes, err := r.take(int(typeIDLen))
	if err != nil {
		return nil, err
	}
	typeID := string(typeIDBytes)

	var h Header
	if h.Version, err = r.byte(); err != nil {
		return nil, err
	}
	if h.TTL, err = r.byte(); err != nil {
		return nil, err
	}
	flags, err := r.u32()
	if err != nil {
		return nil, err
	}
	h.Flags = Flag(flags)
	if h.To, err = r.ep(); err != nil {
		return nil, err
	}
	if h.From, err = r.ep(); err != nil {
		return nil, err
	}
	if h.Receipt, err = r.ep(); err != nil {
		return nil, err
	}
	if h.Flags&FlagMsgID != 0 {
		raw, err := r.take(16)
		if err != nil {
			return nil, err
		}
		copy(h.MsgID[:], raw)
	}
	if h.Flags&FlagSessionID != 0 {
		raw, err := r.take(16)
		if err != nil {
			return nil, err
		}
		copy(h.SessionID[:], raw)
	}
	if h.Flags&FlagSecurityToken != 0 {
		n, err := r.u16()
		if err != nil {
			return nil, err
		}
		if n != nullString {
			if h.SecurityToken, err = r.take(int(n)); err != nil {
				return nil, err
			}
		}
	}
	if h.Flags&FlagExtHeaders != 0 {
		count, err := r.byte()
		if err != nil {
			return nil, err
		}
		for i := 0; i < int(count); i++ {
			var ext ExtHeader
			if ext.ID, err = r.byte(); err != nil {
				return nil, err
			}
			n, err := r.u16()
			if err != nil {
				return nil, err
			}
			if n != nullString {
				if ext.Content, err = r.take(int(n)); err != nil {
					return nil, err
				}
			}
			h.Ext = append(h.Ext, ext)
		}
	}
	payload := r.rest()

	if reg == nil {
		reg = DefaultRegistry()
	}
	m, ok := reg.New(typeID)
	if !ok {
		env := &Envelope{typeID: typeID, payload: payload}
		env.H = h
		return env, nil
	}
	*m.Header() = h
	if err := m.UnmarshalPayload(payload); err != nil {
		return nil, fmt.Errorf("message: unmarshal %q payload: %w", typeID, err)
	}
	return m, nil
}

type frameWriter struct {
	buf []byte
}

func (w *frameWriter) byte(b uint8)   { w.buf = append(w.buf, b) }
func (w *frameWriter) bytes(b []byte) { w.buf = append(w.buf, b...) }
func (w *frameWriter) u16(v uint16)   { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *frameWriter) u32(v uint32)   { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *frameWriter) ep(e *endpoint.EP) error {
	if e == nil {
		w.u16(nullString)
		return nil
	}
	e.Seal()
	s := e.String()
	if len(s) > maxStringLen {
		return fmt.Errorf("message: endpoint string length %d exceeds %d", len(s), maxStringLen)
	}
	w.u16(uint16(len(s)))
	w.bytes([]byte(s))
	return nil
}

type frameReader struct {
	buf []byte
	off int
}

func (r *frameReader) take(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, fmt.Errorf("%w: truncated at offset %d (need %d bytes)", ErrBadFrame, r.off, n)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *frameReader) byte() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *frameReader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *frameReader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *frameReader) ep() (*endpoint.EP, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	if n == nullString {
		return nil, nil
	}
	raw, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	e, err := endpoint.Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return e, nil
}

func (r *frameReader) rest() []byte {
	b := r.buf[r.off:]
	r.off = len(r.buf)
	return b
}
