// Package limits provides centralized envelope size constants and validation
// functions for the peer transport stack.
//
// # Size Hierarchy
//
// The standard stack nests a relay envelope inside a reliability envelope,
// so the budgets are derived outward from the application payloads:
//
//   - MaxRelayPayload (1200 bytes): the largest application payload the relay
//     layer wraps. With the 3-byte relay header this gives MaxRelayEnvelope
//     (1203 bytes), which is also MaxUnreliablePayload.
//
//   - MaxReliablePayload (510 bytes): the largest application payload sent
//     reliably. The relay layer enforces it; the reliability layer accepts
//     MaxSequencedPayload (513 bytes) so the relay header fits.
//
//   - MaxDatagram (1205 bytes): a full relay envelope plus the 2-byte
//     reliability header, the largest datagram handed to a Link.
//
// # Validation Functions
//
// Each validation function rejects empty messages and oversized messages
// synchronously, so nothing is ever partially sent:
//
//	if err := limits.ValidateRelayPayload(data); err != nil {
//	    if errors.Is(err, limits.ErrMessageTooLarge) {
//	        // reject
//	    }
//	}
//
// Empty payloads are rejected because a zero-length Receive means "nothing
// pending" throughout the stack.
package limits
