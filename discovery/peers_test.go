package discovery

import (
	"errors"
	"io"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/opd-ai/peertransport/limits"
	simnet "github.com/opd-ai/peertransport/testing"
	"github.com/opd-ai/peertransport/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	clock   *simnet.ManualClock
	network *simnet.Network
	lobby   *simnet.Lobby
	nodes   map[transport.UserID]*Peers
}

func newHarness() *harness {
	clock := simnet.NewManualClock(time.Unix(1000, 0))
	return &harness{
		clock:   clock,
		network: simnet.NewNetwork(clock),
		lobby:   simnet.NewLobby(),
		nodes:   make(map[transport.UserID]*Peers),
	}
}

func (h *harness) join(user transport.UserID, name string) *Peers {
	session := h.lobby.Join(user, name)
	p := New(session, h.network.Link(user), &Options{
		HandleReuseDelay: 10 * time.Second,
		TimeProvider:     h.clock,
	})
	h.nodes[user] = p
	return p
}

func (h *harness) leave(user transport.UserID) {
	h.lobby.Leave(user)
	if p, ok := h.nodes[user]; ok {
		p.Close()
		delete(h.nodes, user)
	}
}

func (h *harness) published(t *testing.T, user transport.UserID) transport.PeerHandle {
	t.Helper()
	v, ok := h.lobby.Data(IDKey(user))
	require.True(t, ok, "no handle published for user %d", user)
	handle, ok := parseHandle(v)
	require.True(t, ok)
	return handle
}

func TestOwnerAssignsLowestHandles(t *testing.T) {
	h := newHarness()
	a := h.join(100, "alice")
	b := h.join(200, "bob")
	h.join(300, "carol")

	require.NoError(t, a.Update())
	assert.Equal(t, transport.PeerHandle(1), a.Handle())
	assert.Equal(t, transport.PeerHandle(2), h.published(t, 200))
	assert.Equal(t, transport.PeerHandle(3), h.published(t, 300))

	require.NoError(t, b.Update())
	assert.Equal(t, transport.PeerHandle(2), b.Handle())
	assert.Equal(t, "bob", b.Name())

	peers := b.Peers()
	require.Len(t, peers, 2)
	alice, ok := transport.FindPeer(peers, 1)
	require.True(t, ok)
	assert.Equal(t, "alice", alice.Name)
	assert.True(t, alice.Alive)
	carol, ok := transport.FindPeer(peers, 3)
	require.True(t, ok)
	assert.Equal(t, "carol", carol.Name)
}

func TestNonOwnerWaitsForAssignment(t *testing.T) {
	h := newHarness()
	a := h.join(100, "alice")
	b := h.join(200, "bob")

	require.NoError(t, b.Update())
	assert.Equal(t, transport.InvalidHandle, b.Handle())
	assert.Empty(t, b.Peers())

	require.NoError(t, a.Update())
	require.NoError(t, b.Update())
	assert.Equal(t, transport.PeerHandle(2), b.Handle())
	assert.Len(t, b.Peers(), 1)
}

func TestReconnectKeepsHandle(t *testing.T) {
	h := newHarness()
	a := h.join(100, "alice")
	h.join(200, "bob")
	h.join(300, "carol")
	require.NoError(t, a.Update())
	require.Equal(t, transport.PeerHandle(3), h.published(t, 300))

	h.leave(300)
	require.NoError(t, a.Update())
	_, ok := transport.FindPeer(a.Peers(), 3)
	assert.False(t, ok, "departed participant should be pruned")

	h.join(300, "carol")
	require.NoError(t, a.Update())
	assert.Equal(t, transport.PeerHandle(3), h.published(t, 300))
	_, ok = transport.FindPeer(a.Peers(), 3)
	assert.True(t, ok)
}

func TestDepartedHandleReservedUntilDelay(t *testing.T) {
	h := newHarness()
	a := h.join(100, "alice")
	h.join(200, "bob")
	h.join(300, "carol")
	require.NoError(t, a.Update())

	h.leave(300)
	require.NoError(t, a.Update())

	h.join(400, "dave")
	require.NoError(t, a.Update())
	assert.Equal(t, transport.PeerHandle(4), h.published(t, 400), "reserved handle must not be reused yet")

	h.clock.Advance(11 * time.Second)
	h.join(500, "erin")
	require.NoError(t, a.Update())
	assert.Equal(t, transport.PeerHandle(3), h.published(t, 500))
}

func TestStaleKeyAfterReuseGetsNewHandle(t *testing.T) {
	h := newHarness()
	a := h.join(100, "alice")
	h.join(200, "bob")
	require.NoError(t, a.Update())

	h.leave(200)
	require.NoError(t, a.Update())
	h.clock.Advance(11 * time.Second)
	h.join(300, "carol")
	require.NoError(t, a.Update())
	require.Equal(t, transport.PeerHandle(2), h.published(t, 300))

	// Bob comes back with a key that now points at carol's handle.
	bob := h.join(200, "bob")
	require.NoError(t, bob.Update())
	assert.Equal(t, transport.InvalidHandle, bob.Handle(), "stale key must not be adopted while held")

	require.NoError(t, a.Update())
	assert.Equal(t, transport.PeerHandle(3), h.published(t, 200))
	assert.Equal(t, transport.PeerHandle(2), h.published(t, 300))

	require.NoError(t, bob.Update())
	assert.Equal(t, transport.PeerHandle(3), bob.Handle())
}

func TestOwnershipMigrationKeepsAssignments(t *testing.T) {
	h := newHarness()
	a := h.join(100, "alice")
	b := h.join(200, "bob")
	c := h.join(300, "carol")
	require.NoError(t, a.Update())
	require.NoError(t, b.Update())
	require.NoError(t, c.Update())

	h.leave(100)
	h.join(400, "dave")
	require.NoError(t, b.Update())
	require.NoError(t, c.Update())

	assert.Equal(t, transport.PeerHandle(2), b.Handle())
	assert.Equal(t, transport.PeerHandle(3), c.Handle())
	assert.Equal(t, transport.PeerHandle(4), h.published(t, 400), "new owner must skip live handles")
}

func TestHandleUniquenessUnderChurn(t *testing.T) {
	h := newHarness()
	rng := rand.New(rand.NewPCG(7, 11))

	for user := transport.UserID(1); user <= 4; user++ {
		h.join(user, "")
	}

	for step := 0; step < 400; step++ {
		user := transport.UserID(1 + rng.IntN(12))
		switch rng.IntN(4) {
		case 0:
			if _, live := h.nodes[user]; !live {
				h.join(user, "")
			}
		case 1:
			if _, live := h.nodes[user]; live && len(h.nodes) > 1 {
				h.leave(user)
			}
		case 2:
			h.lobby.SetOwner(user)
		case 3:
			h.clock.Advance(time.Duration(rng.IntN(4000)) * time.Millisecond)
		}

		for _, p := range h.nodes {
			require.NoError(t, p.Update())
		}

		for user, p := range h.nodes {
			assert.Equal(t, len(p.byUser), len(p.byHandle), "node %d maps out of sync", user)
			for u, handle := range p.byUser {
				assert.Equal(t, u, p.byHandle[handle], "node %d: handle %d claimed twice", user, handle)
				assert.True(t, handle.Valid())
			}
		}

		seen := make(map[transport.PeerHandle]transport.UserID)
		for user := range h.nodes {
			handle := h.published(t, user)
			if other, dup := seen[handle]; dup {
				t.Fatalf("step %d: handle %d published for users %d and %d", step, handle, other, user)
			}
			seen[handle] = user
		}
	}
}

func TestSendReceiveMapsHandles(t *testing.T) {
	h := newHarness()
	a := h.join(100, "alice")
	b := h.join(200, "bob")
	h.network.Connect(100, 200)
	require.NoError(t, a.Update())
	require.NoError(t, b.Update())

	require.NoError(t, a.Send(2, []byte("state"), false))

	buf := make([]byte, limits.MaxDatagram)
	n, from, err := b.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, "state", string(buf[:n]))
	assert.Equal(t, transport.PeerHandle(1), from)

	n, _, err = b.Receive(buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnresolvedSenderDropped(t *testing.T) {
	h := newHarness()
	a := h.join(100, "alice")
	require.NoError(t, a.Update())

	h.network.Inject(999, 100, []byte("stranger"))
	n, _, err := a.Receive(make([]byte, 64))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendErrors(t *testing.T) {
	h := newHarness()
	a := h.join(100, "alice")
	h.join(200, "bob")
	require.NoError(t, a.Update())

	assert.ErrorIs(t, a.Send(9, []byte("x"), false), transport.ErrUnknownPeer)
	assert.ErrorIs(t, a.Send(2, nil, false), limits.ErrMessageEmpty)

	err := a.Send(2, []byte("x"), false)
	assert.ErrorIs(t, err, transport.ErrPeerUnreachable)

	require.NoError(t, a.Update())
	bob, ok := transport.FindPeer(a.Peers(), 2)
	require.True(t, ok)
	assert.False(t, bob.Direct, "refused send should clear the direct flag")

	h.network.Connect(100, 200)
	require.NoError(t, a.Send(2, []byte("x"), false))
	require.NoError(t, a.Update())
	bob, _ = transport.FindPeer(a.Peers(), 2)
	assert.True(t, bob.Direct)
}

func TestStatusAndConnectionStatePublished(t *testing.T) {
	h := newHarness()
	a := h.join(100, "alice")
	b := h.join(200, "bob")
	require.NoError(t, a.Update())
	require.NoError(t, b.Update())

	require.NoError(t, b.SetStatus(7))
	b.SetConnectionState(transport.ConnectionState(0).Set(1).Set(3))

	writes := h.lobby.Writes()
	b.SetConnectionState(transport.ConnectionState(0).Set(1).Set(3))
	assert.Equal(t, writes, h.lobby.Writes(), "unchanged state must not be republished")

	require.NoError(t, a.Update())
	bob, ok := transport.FindPeer(a.Peers(), 2)
	require.True(t, ok)
	assert.Equal(t, uint8(7), bob.Status)
	assert.True(t, bob.ConnectionState.Has(1))
	assert.True(t, bob.ConnectionState.Has(3))
	assert.False(t, bob.ConnectionState.Has(2))
}

func TestEmptyConnectionStatePublishedOnce(t *testing.T) {
	h := newHarness()
	a := h.join(100, "alice")
	require.NoError(t, a.Update())

	writes := h.lobby.Writes()
	a.SetConnectionState(0)
	assert.Equal(t, writes+1, h.lobby.Writes(), "the first state is published even when empty")
	a.SetConnectionState(0)
	assert.Equal(t, writes+1, h.lobby.Writes())

	v, ok := a.session.MemberData(100, connKey)
	require.True(t, ok)
	assert.Equal(t, transport.ConnectionState(0), parseConnectionState(v))
}

func TestReceiveShortBufferKeepsDatagram(t *testing.T) {
	h := newHarness()
	a := h.join(100, "alice")
	b := h.join(200, "bob")
	h.network.Connect(100, 200)
	require.NoError(t, a.Update())
	require.NoError(t, b.Update())

	require.NoError(t, a.Send(2, []byte("too long"), false))

	n, from, err := b.Receive(make([]byte, 3))
	assert.ErrorIs(t, err, io.ErrShortBuffer)
	assert.Zero(t, n)
	assert.Equal(t, transport.PeerHandle(1), from)
	require.NoError(t, b.Update(), "a short buffer is not a link failure")

	buf := make([]byte, limits.MaxDatagram)
	n, from, err = b.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, "too long", string(buf[:n]))
	assert.Equal(t, transport.PeerHandle(1), from)
}

func TestPrimaryPeer(t *testing.T) {
	h := newHarness()
	a := h.join(100, "alice")
	b := h.join(200, "bob")
	require.NoError(t, a.Update())
	require.NoError(t, b.Update())

	assert.Equal(t, transport.PeerHandle(1), b.PrimaryPeer(), "owner is primary by default")

	b.SetPrimaryPeer(2)
	assert.Equal(t, transport.PeerHandle(2), b.PrimaryPeer())

	b.SetPrimaryPeer(42)
	assert.Equal(t, transport.PeerHandle(1), b.PrimaryPeer(), "unknown override falls back to owner")
}

func TestUpdateFailsAfterLeaving(t *testing.T) {
	h := newHarness()
	a := h.join(100, "alice")
	b := h.join(200, "bob")
	require.NoError(t, a.Update())

	h.lobby.Leave(200)
	err := b.Update()
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrClosed))
	assert.ErrorIs(t, b.Update(), transport.ErrClosed, "failure is sticky")
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness()
	a := h.join(100, "alice")

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Update(), transport.ErrClosed)
	assert.ErrorIs(t, a.Send(1, []byte("x"), false), transport.ErrClosed)
}
