// Package transport defines the peer transport contract shared by every layer
// of the stack: the PeerHandle newtype, PeerInfo snapshots, the
// ConnectionState reachability bitmask, the PeerTransport interface and the
// handle-less Link datagram primitive.
//
// # Layering
//
// Each layer implements PeerTransport and wraps exactly one inner
// PeerTransport. The usual chain, outermost first, is:
//
//	relay.New(reliable.New(discovery.New(session, async.New(link, nil), nil), nil), nil)
//
// Update, Send and Receive cascade down the chain; every layer adds or strips
// its own envelope before delegating.
//
// # Error Handling
//
// Failures are returned as errors, never panics. Sentinel errors are provided
// for the common cases and are matched with errors.Is:
//
//	var (
//	    ErrClosed          // inner layer unusable, propagated by every decorator
//	    ErrPeerUnreachable // direct send refused, recovered by relay or retransmission
//	    ErrNoRoute         // relay exhausted every candidate
//	    ErrPeerFaulty      // reliability layer gave up on the peer
//	)
//
// # Thread Safety
//
// PeerTransport implementations are driven by one simulation goroutine and
// are not synchronized. The async package is the only place where a second
// goroutine exists.
package transport
