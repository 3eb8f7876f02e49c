package testing

import (
	"github.com/opd-ai/peertransport/transport"
)

// Node is a transport.PeerTransport backed directly by a Network, with the
// handle equal to the user id. It stands in for the discovery layer when a
// test only cares about the decorators above it. User ids must be 1..255.
type Node struct {
	net   *Network
	user  transport.UserID
	name  string
	state transport.ConnectionState
}

// Node registers and returns a PeerTransport node for user.
func (n *Network) Node(user transport.UserID, name string) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()

	node := &Node{net: n, user: user, name: name}
	if _, exists := n.nodes[user]; !exists {
		n.order = append(n.order, user)
	}
	n.nodes[user] = node
	delete(n.closed, user)
	return node
}

// Update implements transport.PeerTransport.
func (nd *Node) Update() error {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()

	if nd.net.closed[nd.user] {
		return transport.ErrClosed
	}
	return nil
}

// Peers implements transport.PeerTransport. Direct mirrors the link matrix.
func (nd *Node) Peers() []transport.PeerInfo {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()

	peers := make([]transport.PeerInfo, 0, len(nd.net.order))
	for _, user := range nd.net.order {
		other := nd.net.nodes[user]
		if user == nd.user || nd.net.closed[user] {
			continue
		}
		peers = append(peers, transport.PeerInfo{
			Handle:          transport.PeerHandle(user),
			Name:            other.name,
			Direct:          nd.net.links[linkKey{nd.user, user}],
			Alive:           true,
			ConnectionState: other.state,
		})
	}
	return peers
}

// Send implements transport.PeerTransport.
func (nd *Node) Send(to transport.PeerHandle, data []byte, reliable bool) error {
	return nd.net.send(nd.user, transport.UserID(to), data)
}

// Receive implements transport.PeerTransport.
func (nd *Node) Receive(buf []byte) (int, transport.PeerHandle, error) {
	n, from, err := nd.net.receive(nd.user, buf)
	return n, transport.PeerHandle(from), err
}

// PrimaryPeer implements transport.PeerTransport.
func (nd *Node) PrimaryPeer() transport.PeerHandle {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()
	return nd.net.primary
}

// SetPrimaryPeer implements transport.PeerTransport.
func (nd *Node) SetPrimaryPeer(h transport.PeerHandle) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()
	nd.net.primary = h
}

// Handle implements transport.PeerTransport.
func (nd *Node) Handle() transport.PeerHandle {
	return transport.PeerHandle(nd.user)
}

// Name implements transport.PeerTransport.
func (nd *Node) Name() string {
	return nd.name
}

// SetConnectionState implements transport.PeerTransport.
func (nd *Node) SetConnectionState(state transport.ConnectionState) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()
	nd.state = state
}

// ConnectionState returns the last state the node published.
func (nd *Node) ConnectionState() transport.ConnectionState {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()
	return nd.state
}

// Close implements transport.PeerTransport.
func (nd *Node) Close() error {
	nd.net.close(nd.user)
	return nil
}
