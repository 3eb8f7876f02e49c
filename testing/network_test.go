package testing_test

import (
	"testing"
	"time"

	"github.com/opd-ai/peertransport/interfaces"
	simnet "github.com/opd-ai/peertransport/testing"
	"github.com/opd-ai/peertransport/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, link transport.Link) (string, transport.UserID) {
	t.Helper()
	buf := make([]byte, 64)
	n, from, err := link.ReceiveFrom(buf)
	require.NoError(t, err)
	return string(buf[:n]), from
}

func TestNetworkDelivery(t *testing.T) {
	clock := simnet.NewManualClock(time.Unix(100, 0))
	network := simnet.NewNetwork(clock)
	a, b := network.Link(1), network.Link(2)

	assert.ErrorIs(t, a.SendTo(2, []byte("x")), transport.ErrPeerUnreachable)

	network.SetLink(1, 2, true)
	assert.True(t, network.Linked(1, 2))
	assert.False(t, network.Linked(2, 1))
	assert.ErrorIs(t, b.SendTo(1, []byte("x")), transport.ErrPeerUnreachable)

	require.NoError(t, a.SendTo(2, []byte("first")))
	require.NoError(t, a.SendTo(2, []byte("second")))
	assert.Equal(t, 2, network.Pending(2))

	data, from := receive(t, b)
	assert.Equal(t, "first", data)
	assert.Equal(t, transport.UserID(1), from)
	data, _ = receive(t, b)
	assert.Equal(t, "second", data)

	n, _, err := b.ReceiveFrom(make([]byte, 8))
	require.NoError(t, err)
	assert.Zero(t, n)

	log := network.DeliveryLog()
	require.Len(t, log, 4)
	assert.Equal(t, time.Unix(100, 0).UnixNano(), log[2].Timestamp)
	assert.Equal(t, len("first"), log[2].PacketSize)

	network.ClearDeliveryLog()
	assert.Empty(t, network.DeliveryLog())
}

func TestNetworkDropFirst(t *testing.T) {
	network := simnet.NewNetwork(nil)
	a, b := network.Link(1), network.Link(2)
	network.Connect(1, 2)
	network.DropFirst(1, 2, 2)

	for i := 0; i < 3; i++ {
		require.NoError(t, a.SendTo(2, []byte{byte(i)}))
	}
	assert.Equal(t, 1, network.Pending(2))

	buf := make([]byte, 4)
	n, _, err := b.ReceiveFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, buf[:n])

	dropped := 0
	for _, r := range network.DeliveryLog() {
		if r.Dropped {
			dropped++
		}
	}
	assert.Equal(t, 2, dropped)
}

func TestNetworkInjectAndClose(t *testing.T) {
	network := simnet.NewNetwork(nil)
	a, b := network.Link(1), network.Link(2)

	network.Inject(1, 2, []byte("forged"))
	data, from := receive(t, b)
	assert.Equal(t, "forged", data)
	assert.Equal(t, transport.UserID(1), from)

	network.Connect(1, 2)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, a.SendTo(2, []byte("x")), transport.ErrPeerUnreachable)
	_, _, err := b.ReceiveFrom(make([]byte, 8))
	assert.ErrorIs(t, err, transport.ErrClosed)

	reopened := network.Link(2)
	require.NoError(t, a.SendTo(2, []byte("again")))
	data, _ = receive(t, reopened)
	assert.Equal(t, "again", data)
}

func TestNodePeers(t *testing.T) {
	network := simnet.NewNetwork(nil)
	a := network.Node(1, "alice")
	b := network.Node(2, "bob")
	c := network.Node(3, "carol")
	network.Connect(1, 2)

	b.SetConnectionState(transport.ConnectionState(0).Set(1))

	peers := a.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, transport.PeerInfo{
		Handle:          2,
		Name:            "bob",
		Direct:          true,
		Alive:           true,
		ConnectionState: b.ConnectionState(),
	}, peers[0])
	assert.False(t, peers[1].Direct)

	require.NoError(t, c.Close())
	assert.Len(t, a.Peers(), 1)
	assert.ErrorIs(t, c.Update(), transport.ErrClosed)

	a.SetPrimaryPeer(2)
	assert.Equal(t, transport.PeerHandle(2), b.PrimaryPeer())
	assert.Equal(t, transport.PeerHandle(1), a.Handle())
}

func TestLobbyOwnership(t *testing.T) {
	lobby := simnet.NewLobby()
	alice := lobby.Join(1, "alice")
	bob := lobby.Join(2, "bob")

	assert.Equal(t, transport.UserID(1), bob.Owner())
	assert.ErrorIs(t, bob.SetData("k", "v"), interfaces.ErrNotOwner)
	require.NoError(t, alice.SetData("k", "v"))
	require.NoError(t, bob.SetMemberData("status", "1"))

	v, ok := bob.Data("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	v, ok = alice.MemberData(2, "status")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, 2, lobby.Writes())

	lobby.Leave(1)
	assert.Equal(t, transport.UserID(2), bob.Owner())
	assert.Equal(t, []interfaces.Member{{ID: 2, Name: "bob"}}, bob.Members())
	assert.ErrorIs(t, alice.SetMemberData("status", "2"), interfaces.ErrNotMember)
	assert.ErrorIs(t, alice.SetData("k", "w"), interfaces.ErrNotMember)

	v, ok = lobby.Data("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}
