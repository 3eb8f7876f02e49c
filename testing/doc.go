// Package testing provides deterministic in-memory stand-ins for the
// collaborators the peer transport stack consumes: a datagram Network with a
// controllable link matrix and loss injection, an in-memory Lobby session
// service, and a ManualClock.
//
// The simulation is useful for:
//   - Unit testing the decorators without sockets
//   - Reproducing relay topologies and packet loss exactly
//   - Driving the peersim command line simulator
//
// Example:
//
//	clock := testing.NewManualClock(time.Unix(0, 0))
//	network := testing.NewNetwork(clock)
//	network.Connect(1, 2)
//	network.DropFirst(1, 2, 3) // lose the next three datagrams 1 -> 2
//
//	lobby := testing.NewLobby()
//	session := lobby.Join(1, "alice")
//	link := network.Link(1)
//
// Network, Lobby and ManualClock are safe for concurrent use.
package testing
