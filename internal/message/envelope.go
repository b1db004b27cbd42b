package message

// Envelope carries a frame whose type ID has no local registration. It
// preserves the original type ID and the opaque payload so the frame can be
// re-serialized and forwarded unchanged. Envelopes are never dispatched to
// local handlers.
type Envelope struct {
	Base
	typeID  string
	payload []byte
}

// NewEnvelope wraps an opaque payload under a foreign type ID. Used by
// tests and by tooling that replays captured frames.
func NewEnvelope(typeID string, payload []byte) *Envelope {
	return &Envelope{typeID: typeID, payload: payload}
}

func (e *Envelope) TypeID() string { return e.typeID }

// Payload exposes the opaque payload bytes.
func (e *Envelope) Payload() []byte { return e.payload }

func (e *Envelope) MarshalPayload() ([]byte, error) { return e.payload, nil }

func (e *Envelope) UnmarshalPayload(data []byte) error {
	e.payload = data
	return nil
}

// IsEnvelope reports whether m is an envelope for a locally unknown type.
func IsEnvelope(m Msg) bool {
	_, ok := m.(*Envelope)
	return ok
}
