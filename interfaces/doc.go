// Package interfaces defines the abstraction over the external lobby/session
// service that the discovery layer consumes.
//
// This package lets the same stack run against a real lobby backend in
// production and against the in-memory Lobby from the testing package in
// deterministic tests:
//
//	lobby := testing.NewLobby()
//	session := lobby.Join(42, "alice")
//	peers := discovery.New(session, link, nil)
//
// # Ordering Guarantee
//
// Implementations of [Session] must apply writes to one key in a single
// total order visible to every participant. When lobby ownership changes
// while handle assignments are in flight, two participants may briefly both
// act as allocator; the discovery layer only avoids duplicate handles if the
// service provides this ordering. The discovery layer documents the
// dependency and does not re-implement it.
//
// # Error Handling
//
//   - SetData: ErrNotOwner when the caller does not own the session
//   - SetData, SetMemberData: ErrNotMember once the caller has left
package interfaces
