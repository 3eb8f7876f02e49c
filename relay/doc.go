// Package relay implements the relay decorator: a PeerTransport wrapper that
// delivers datagrams directly when it can and through a third peer when the
// direct path is refused.
//
// Every datagram carries a three-byte envelope (see Envelope): a flags byte
// holding the reliable bit and the hop count, then the origin and
// destination handles. Payloads are limited to limits.MaxRelayPayload bytes,
// or limits.MaxReliablePayload bytes when sent reliably.
//
// # Sending
//
//  1. Try the destination directly. Success marks it reachable in the local
//     connection-state bitmask; failure clears its bit.
//  2. If a previously successful relayer for the destination is still
//     reachable, try it first. A failure clears its bit too.
//  3. Otherwise collect the peers this node reaches directly that advertise a
//     direct link to the destination, or every directly reachable peer if
//     none does, shuffle them and try each in turn. The first success
//     becomes the sticky relayer.
//
// # Bounced Envelopes
//
// When the layer below implements transport.Bouncer, Update takes the
// envelopes it could not deliver, clears the refusing hop's bit and routes
// them again without that hop. Over the async adapter this is how a reliable
// message first queued for an unreachable peer still finds a relayer.
//
// # Receiving
//
// Receive returns envelopes addressed to this node with the origin handle
// as sender. Anything else is forwarded with the hop count incremented,
// trying the destination directly before relaying again, and dropped once
// the count reaches MaxHops. The loop keeps going until a local envelope is
// found or nothing is pending.
//
// # Reachability Gossip
//
// Update pushes the local bitmask down with SetConnectionState whenever it
// changed. The discovery layer publishes it in the session service, which
// is how other nodes learn which relayers can reach which destinations.
//
// When this layer sits above the reliable layer, reliable sends are
// acknowledged per hop rather than end to end.
package relay
