package transport

import (
	"fmt"
	"math/bits"
)

// PeerHandle is the small opaque identifier of a session participant.
// It is a distinct type so it cannot be mixed up with sequence numbers,
// flags or other byte-sized wire fields.
type PeerHandle uint8

const (
	// InvalidHandle marks an unassigned handle.
	InvalidHandle PeerHandle = 0
	// MinHandle is the lowest assignable handle.
	MinHandle PeerHandle = 1
	// MaxHandle is the highest assignable handle.
	MaxHandle PeerHandle = 255
)

// Valid reports whether h is an assigned handle.
func (h PeerHandle) Valid() bool {
	return h != InvalidHandle
}

// String implements fmt.Stringer.
func (h PeerHandle) String() string {
	if h == InvalidHandle {
		return "peer(none)"
	}
	return fmt.Sprintf("peer(%d)", uint8(h))
}

// UserID is the session service's global identifier for a participant.
type UserID uint64

// ConnectionState is a reachability bitmask: bit i set means the owner of the
// mask can currently send directly to the peer with handle i. Only handles
// below 64 are representable; larger handles always read as unreachable.
type ConnectionState uint64

// Has reports whether bit h is set.
func (c ConnectionState) Has(h PeerHandle) bool {
	if h >= 64 {
		return false
	}
	return c&(1<<h) != 0
}

// Set returns c with bit h set.
func (c ConnectionState) Set(h PeerHandle) ConnectionState {
	if h >= 64 {
		return c
	}
	return c | 1<<h
}

// Clear returns c with bit h cleared.
func (c ConnectionState) Clear(h PeerHandle) ConnectionState {
	if h >= 64 {
		return c
	}
	return c &^ (1 << h)
}

// Count returns the number of reachable peers in the mask.
func (c ConnectionState) Count() int {
	return bits.OnesCount64(uint64(c))
}

// PeerInfo is a per-layer snapshot of one remote peer. Layers rebuild their
// snapshots on every Update; nothing here is persisted.
type PeerInfo struct {
	Handle PeerHandle
	Name   string
	// Direct is true while the local node has a working direct link.
	Direct bool
	// Relayed is true while traffic reaches the peer through another peer.
	Relayed bool
	// Alive is false once a reliability layer declared the peer faulty.
	Alive bool
	// Status is an application-defined byte published by the peer.
	Status uint8
	// ConnectionState is the peer's own advertised reachability bitmask.
	ConnectionState ConnectionState
}

// FindPeer returns the entry for h in peers.
func FindPeer(peers []PeerInfo, h PeerHandle) (PeerInfo, bool) {
	for _, p := range peers {
		if p.Handle == h {
			return p, true
		}
	}
	return PeerInfo{}, false
}
