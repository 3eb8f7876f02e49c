package testing

import (
	"sync"

	"github.com/opd-ai/peertransport/transport"
	"github.com/sirupsen/logrus"
)

// DeliveryRecord represents a datagram send event for test verification.
type DeliveryRecord struct {
	From       transport.UserID
	To         transport.UserID
	PacketSize int
	Timestamp  int64
	// Dropped is set when loss injection swallowed the datagram.
	Dropped bool
	Error   error
}

type linkKey struct {
	from, to transport.UserID
}

type datagram struct {
	from transport.UserID
	data []byte
}

// Network is an in-memory datagram fabric. Directional links decide which
// sends are accepted; sends over a missing link fail synchronously with
// transport.ErrPeerUnreachable, which is how a refused direct send looks to
// the layers above. Delivery is FIFO per receiver.
//
// Network is safe for concurrent use so async adapters can run on top of it.
type Network struct {
	mu      sync.Mutex
	inbox   map[transport.UserID][]datagram
	links   map[linkKey]bool
	drops   map[linkKey]int
	closed  map[transport.UserID]bool
	nodes   map[transport.UserID]*Node
	order   []transport.UserID
	primary transport.PeerHandle
	log     []DeliveryRecord
	clock   transport.TimeProvider
}

// NewNetwork creates an empty network. A nil clock uses the system clock.
func NewNetwork(clock transport.TimeProvider) *Network {
	logrus.WithFields(logrus.Fields{
		"function": "NewNetwork",
	}).Debug("Creating simulated network")

	return &Network{
		inbox:  make(map[transport.UserID][]datagram),
		links:  make(map[linkKey]bool),
		drops:  make(map[linkKey]int),
		closed: make(map[transport.UserID]bool),
		nodes:  make(map[transport.UserID]*Node),
		clock:  transport.TimeProviderOrDefault(clock),
	}
}

// Connect creates a working direct link in both directions.
func (n *Network) Connect(a, b transport.UserID) {
	n.SetLink(a, b, true)
	n.SetLink(b, a, true)
}

// Disconnect removes the direct link in both directions.
func (n *Network) Disconnect(a, b transport.UserID) {
	n.SetLink(a, b, false)
	n.SetLink(b, a, false)
}

// SetLink sets or removes the directional link from -> to.
func (n *Network) SetLink(from, to transport.UserID, up bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if up {
		n.links[linkKey{from, to}] = true
	} else {
		delete(n.links, linkKey{from, to})
	}
}

// Linked reports whether from can currently send directly to to.
func (n *Network) Linked(from, to transport.UserID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.links[linkKey{from, to}]
}

// DropFirst silently loses the next count datagrams sent from -> to. The
// sends still report success, like a lossy datagram network.
func (n *Network) DropFirst(from, to transport.UserID, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drops[linkKey{from, to}] = count
}

// Inject places a datagram directly into to's inbox, bypassing links and
// loss injection. Tests use it to replay or duplicate traffic.
func (n *Network) Inject(from, to transport.UserID, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enqueueLocked(from, to, data)
}

// Pending returns the number of datagrams waiting for user.
func (n *Network) Pending(user transport.UserID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.inbox[user])
}

// DeliveryLog returns a copy of every send attempt so far.
func (n *Network) DeliveryLog() []DeliveryRecord {
	n.mu.Lock()
	defer n.mu.Unlock()

	log := make([]DeliveryRecord, len(n.log))
	copy(log, n.log)
	return log
}

// ClearDeliveryLog clears the delivery log for test cleanup.
func (n *Network) ClearDeliveryLog() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.log = nil
}

// Link returns a synchronous transport.Link endpoint for user.
func (n *Network) Link(user transport.UserID) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.closed, user)
	return &Endpoint{net: n, user: user}
}

func (n *Network) send(from, to transport.UserID, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	record := DeliveryRecord{
		From:       from,
		To:         to,
		PacketSize: len(data),
		Timestamp:  n.clock.Now().UnixNano(),
	}

	switch {
	case n.closed[from]:
		record.Error = transport.ErrClosed
	case !n.links[linkKey{from, to}] || n.closed[to]:
		record.Error = transport.ErrPeerUnreachable
	case n.drops[linkKey{from, to}] > 0:
		n.drops[linkKey{from, to}]--
		record.Dropped = true
	default:
		n.enqueueLocked(from, to, data)
	}

	n.log = append(n.log, record)

	if record.Error != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Network.send",
			"from":     from,
			"to":       to,
			"error":    record.Error.Error(),
		}).Debug("Simulated send refused")
	}
	return record.Error
}

func (n *Network) enqueueLocked(from, to transport.UserID, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	n.inbox[to] = append(n.inbox[to], datagram{from: from, data: buf})
}

func (n *Network) receive(user transport.UserID, buf []byte) (int, transport.UserID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed[user] {
		return 0, 0, transport.ErrClosed
	}
	queue := n.inbox[user]
	if len(queue) == 0 {
		return 0, 0, nil
	}
	d := queue[0]
	queue[0] = datagram{}
	n.inbox[user] = queue[1:]
	return copy(buf, d.data), d.from, nil
}

func (n *Network) close(user transport.UserID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed[user] = true
	delete(n.inbox, user)
}

// Endpoint is a transport.Link bound to one user of a Network.
type Endpoint struct {
	net  *Network
	user transport.UserID
}

// SendTo implements transport.Link.
func (e *Endpoint) SendTo(to transport.UserID, data []byte) error {
	return e.net.send(e.user, to, data)
}

// ReceiveFrom implements transport.Link.
func (e *Endpoint) ReceiveFrom(buf []byte) (int, transport.UserID, error) {
	return e.net.receive(e.user, buf)
}

// Close implements transport.Link.
func (e *Endpoint) Close() error {
	e.net.close(e.user)
	return nil
}

// User returns the id the endpoint is bound to.
func (e *Endpoint) User() transport.UserID {
	return e.user
}
