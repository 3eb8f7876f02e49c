package transport

import "errors"

var (
	// ErrClosed indicates the transport or one of its inner layers is closed.
	ErrClosed = errors.New("transport closed")
	// ErrUnknownPeer indicates the handle or user is not currently known.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrPeerUnreachable indicates a direct send was refused.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrNoRoute indicates neither direct delivery nor any relayer worked.
	ErrNoRoute = errors.New("no route to peer")
	// ErrPeerFaulty indicates the reliability layer gave up on the peer.
	ErrPeerFaulty = errors.New("peer faulty")
	// ErrQueueFull indicates a bounded queue rejected the datagram.
	ErrQueueFull = errors.New("queue full")
	// ErrMalformed indicates a datagram whose envelope could not be parsed.
	ErrMalformed = errors.New("malformed envelope")
)
