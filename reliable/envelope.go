package reliable

import (
	"fmt"

	"github.com/opd-ai/peertransport/limits"
	"github.com/opd-ai/peertransport/transport"
)

// EnvelopeType identifies the kind of reliability envelope.
type EnvelopeType uint8

const (
	// TypeUnreliable carries a payload with no sequencing.
	TypeUnreliable EnvelopeType = 1
	// TypeReliable carries a sequenced payload that must be acknowledged.
	TypeReliable EnvelopeType = 2
	// TypeAck acknowledges one reliable sequence number.
	TypeAck EnvelopeType = 3
)

// String implements fmt.Stringer.
func (t EnvelopeType) String() string {
	switch t {
	case TypeUnreliable:
		return "unreliable"
	case TypeReliable:
		return "reliable"
	case TypeAck:
		return "ack"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Envelope is the reliability layer header plus payload.
//
// Wire format: [type (1 byte)][sequence (1 byte)][payload (variable)]
type Envelope struct {
	Type    EnvelopeType
	Seq     uint8
	Payload []byte
}

// Serialize converts the envelope to a byte slice for transmission.
func (e *Envelope) Serialize() []byte {
	out := make([]byte, limits.ReliableHeaderSize+len(e.Payload))
	out[0] = byte(e.Type)
	out[1] = e.Seq
	copy(out[limits.ReliableHeaderSize:], e.Payload)
	return out
}

// ParseEnvelope decodes data. The returned Payload aliases data.
func ParseEnvelope(data []byte) (*Envelope, error) {
	if len(data) < limits.ReliableHeaderSize {
		return nil, fmt.Errorf("%w: reliability envelope of %d bytes", transport.ErrMalformed, len(data))
	}
	e := &Envelope{
		Type:    EnvelopeType(data[0]),
		Seq:     data[1],
		Payload: data[limits.ReliableHeaderSize:],
	}
	switch e.Type {
	case TypeUnreliable, TypeReliable:
		if len(e.Payload) == 0 {
			return nil, fmt.Errorf("%w: empty %s payload", transport.ErrMalformed, e.Type)
		}
	case TypeAck:
	default:
		return nil, fmt.Errorf("%w: unknown envelope %s", transport.ErrMalformed, e.Type)
	}
	return e, nil
}
