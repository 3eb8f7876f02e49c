package transport

// PeerTransport is the capability every layer of the stack implements and
// consumes. Decorators hold exactly one inner PeerTransport and forward what
// they do not handle themselves, so any ordering of layers can be assembled
// at construction time.
//
// Implementations are driven by a single simulation goroutine and are not
// safe for concurrent use unless documented otherwise.
type PeerTransport interface {
	// Update advances timers and refreshes the peer list. It must be called
	// once per tick. A non-nil error means the transport became unusable;
	// every decorator propagates it unchanged.
	Update() error

	// Peers returns a full snapshot of the currently known peers. Callers
	// must not assume the snapshot stays valid across Update calls.
	Peers() []PeerInfo

	// Send delivers data to the peer best-effort. reliable is a request that
	// only reliability layers honor; other layers may ignore it.
	Send(to PeerHandle, data []byte, reliable bool) error

	// Receive copies at most one pending message into buf. It never blocks:
	// n == 0 with a nil error means nothing is pending.
	Receive(buf []byte) (n int, from PeerHandle, err error)

	// PrimaryPeer returns the handle of the node acting as simulation
	// authority (host).
	PrimaryPeer() PeerHandle

	// SetPrimaryPeer records a host migration.
	SetPrimaryPeer(h PeerHandle)

	// Handle returns the local node's own handle, or InvalidHandle while
	// it is still unassigned.
	Handle() PeerHandle

	// Name returns the local node's display name.
	Name() string

	// SetConnectionState publishes the local node's reachability bitmask to
	// the other peers.
	SetConnectionState(state ConnectionState)

	// Close releases resources and closes the wrapped layer. It is
	// idempotent.
	Close() error
}

// Link is the handle-less datagram primitive addressed by session user id.
// The concrete network binding lives outside this module.
type Link interface {
	// SendTo transmits one datagram. Implementations may block.
	SendTo(to UserID, data []byte) error

	// ReceiveFrom copies one pending datagram into buf. n == 0 with a nil
	// error means nothing is pending.
	ReceiveFrom(buf []byte) (n int, from UserID, err error)

	// Close shuts the link down.
	Close() error
}

// Bounce is a datagram a layer accepted earlier but could no longer deliver
// to the hop it was addressed to.
type Bounce struct {
	// To is the hop that refused the datagram.
	To PeerHandle
	// Data is the payload as it was handed to the bouncing layer.
	Data []byte
	// Err is the refusal reported by the layer below.
	Err error
}

// Bouncer is implemented by layers that hand undeliverable datagrams back to
// the layer above instead of dropping them, so a routing layer can try
// another path.
type Bouncer interface {
	// Bounced returns the datagrams bounced since the last call and forgets
	// them.
	Bounced() []Bounce
}
