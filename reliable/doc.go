// Package reliable implements the reliability decorator: a PeerTransport
// wrapper that turns reliable sends into acknowledged, retransmitted
// datagrams over an unreliable layer.
//
// Every datagram carries a two-byte envelope:
//
//	[type (1 byte)][sequence (1 byte)][payload (variable)]
//
// Types are unreliable (1), reliable (2) and ack (3). Sequence numbers are
// per peer and per direction and wrap modulo 256. Reliable payloads are
// limited to limits.MaxSequencedPayload bytes, which leaves room for a relay
// envelope around a limits.MaxReliablePayload application payload.
//
// # Delivery
//
// A reliable send is forwarded unreliably and kept as a retransmit record
// until the matching ack arrives. Update resends every record older than
// Options.RetransmitInterval. A message still unacknowledged after
// Options.MaxResends resends marks the peer faulty: its pending records are
// dropped, Peers reports it as not alive, and sends to it fail with
// transport.ErrPeerFaulty until any datagram from it arrives again.
//
// A resend that the layer below refuses as unreachable is not retried on the
// same hop. The record is dropped and its payload returned by Bounced, so a
// relay layer above can route it another way. This matters over the async
// adapter, where the first send of a message only enqueues it and the
// refusal surfaces on the next attempt.
//
// The receiver acks every copy of a reliable envelope, because the previous
// ack may have been lost, and delivers only the first. Duplicates are found
// by membership in the last 16 received sequence numbers.
//
// Example:
//
//	tr := reliable.New(discoveryLayer, nil)
//	if err := tr.Send(peer, payload, true); err != nil {
//	    return err
//	}
//	for {
//	    tr.Update()
//	    n, from, err := tr.Receive(buf)
//	    // ...
//	}
//
// Transport is not safe for concurrent use.
package reliable
