package relay

import (
	"fmt"

	"github.com/opd-ai/peertransport/limits"
	"github.com/opd-ai/peertransport/transport"
)

const (
	flagReliable = 0x80
	hopMask      = 0x7F
)

// MaxHops is the hop count at which a relayed envelope is dropped instead of
// forwarded again. It bounds relay storms in topologies with cycles.
const MaxHops = 64

// Envelope is the relay layer header plus payload.
//
// Wire format:
//
//	[flags (1 byte)][from (1 byte)][to (1 byte)][payload (variable)]
//
// The top bit of flags requests reliable delivery on every hop, the low seven
// bits count hops taken so far.
type Envelope struct {
	Reliable bool
	Hops     uint8
	From     transport.PeerHandle
	To       transport.PeerHandle
	Payload  []byte
}

// Serialize converts the envelope to a byte slice for transmission.
func (e *Envelope) Serialize() []byte {
	out := make([]byte, limits.RelayHeaderSize+len(e.Payload))
	flags := e.Hops & hopMask
	if e.Reliable {
		flags |= flagReliable
	}
	out[0] = flags
	out[1] = byte(e.From)
	out[2] = byte(e.To)
	copy(out[limits.RelayHeaderSize:], e.Payload)
	return out
}

// ParseEnvelope decodes data. The returned Payload aliases data.
func ParseEnvelope(data []byte) (*Envelope, error) {
	if len(data) <= limits.RelayHeaderSize {
		return nil, fmt.Errorf("%w: relay envelope of %d bytes", transport.ErrMalformed, len(data))
	}
	if len(data) > limits.MaxRelayEnvelope {
		return nil, fmt.Errorf("%w: relay envelope of %d bytes", transport.ErrMalformed, len(data))
	}

	e := &Envelope{
		Reliable: data[0]&flagReliable != 0,
		Hops:     data[0] & hopMask,
		From:     transport.PeerHandle(data[1]),
		To:       transport.PeerHandle(data[2]),
		Payload:  data[limits.RelayHeaderSize:],
	}
	if !e.From.Valid() || !e.To.Valid() {
		return nil, fmt.Errorf("%w: relay envelope %s -> %s", transport.ErrMalformed, e.From, e.To)
	}
	return e, nil
}
