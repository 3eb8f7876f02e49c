// Package limits provides centralized envelope size limits for the peer
// transport stack. This ensures consistent validation across the layers.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxRelayPayload is the largest payload the relay layer accepts.
	MaxRelayPayload = 1200

	// RelayHeaderSize is the relay envelope overhead: flags, from, to.
	RelayHeaderSize = 3

	// MaxRelayEnvelope is the largest relay envelope, header included.
	MaxRelayEnvelope = MaxRelayPayload + RelayHeaderSize

	// MaxReliablePayload is the largest application payload that may be
	// sent reliably.
	MaxReliablePayload = 510

	// ReliableHeaderSize is the reliability envelope overhead: type, sequence.
	ReliableHeaderSize = 2

	// MaxSequencedPayload is the largest payload the reliability layer keeps
	// for retransmission: a reliable application payload in a relay envelope.
	MaxSequencedPayload = MaxReliablePayload + RelayHeaderSize

	// MaxUnreliablePayload is the largest payload the reliability layer
	// forwards without sequencing: a full relay envelope.
	MaxUnreliablePayload = MaxRelayEnvelope

	// MaxDatagram is the largest datagram any layer hands to the link: a
	// full relay envelope inside a reliability envelope.
	MaxDatagram = MaxUnreliablePayload + ReliableHeaderSize
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateRelayPayload validates a payload against MaxRelayPayload.
func ValidateRelayPayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrMessageEmpty
	}
	if len(payload) > MaxRelayPayload {
		return fmt.Errorf("%w: relay payload size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxRelayPayload)
	}
	return nil
}

// ValidateReliablePayload validates a payload against MaxReliablePayload.
func ValidateReliablePayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrMessageEmpty
	}
	if len(payload) > MaxReliablePayload {
		return fmt.Errorf("%w: reliable payload size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxReliablePayload)
	}
	return nil
}

// ValidateSequencedPayload validates a payload against MaxSequencedPayload.
func ValidateSequencedPayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrMessageEmpty
	}
	if len(payload) > MaxSequencedPayload {
		return fmt.Errorf("%w: sequenced payload size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxSequencedPayload)
	}
	return nil
}

// ValidateDatagram validates a complete datagram against MaxDatagram.
func ValidateDatagram(datagram []byte) error {
	return ValidateMessageSize(datagram, MaxDatagram)
}
