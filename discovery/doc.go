// Package discovery implements the identity/discovery layer: the lowest
// PeerTransport in the stack and the only one that talks to the session
// service.
//
// # Handle Assignment
//
// Session participants are identified by 64-bit user ids; the rest of the
// stack addresses them by 8-bit handles. The session owner allocates handles
// and publishes each one under the session-wide key "__ID__<decimal uid>":
//
//   - The owner first gives itself the lowest free handle, then every live
//     participant without a usable published handle.
//   - A participant whose published handle is not held by another live
//     participant keeps it. This covers reconnects and ownership migration.
//   - Handles of departed participants stay reserved for
//     Options.HandleReuseDelay so in-flight packets drain before reuse.
//
// Non-owners only read the keys. Until a participant's key is readable it is
// not addressable and its datagrams are dropped.
//
// # Published Metadata
//
// Each node also publishes its status byte under the member key "__STATUS__"
// and its reachability bitmask (hex) under "__CONN__". Both are read back
// into transport.PeerInfo for every peer on Update.
//
// # Ordering Dependency
//
// If ownership changes while assignments are in flight, two nodes can
// briefly both act as allocator. Duplicate handles are only avoided if the
// session service orders writes per key, as required by interfaces.Session.
// This layer does not re-implement that guarantee.
//
// # Thread Safety
//
// Peers is driven by the simulation goroutine and is not synchronized.
package discovery
