package reliable

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/opd-ai/peertransport/limits"
	simnet "github.com/opd-ai/peertransport/testing"
	"github.com/opd-ai/peertransport/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInterval = 100 * time.Millisecond

type pair struct {
	clock   *simnet.ManualClock
	network *simnet.Network
	a, b    *Transport
}

func newPair(maxResends int) *pair {
	clock := simnet.NewManualClock(time.Unix(1000, 0))
	network := simnet.NewNetwork(clock)
	network.Connect(1, 2)

	opts := &Options{
		RetransmitInterval: testInterval,
		MaxResends:         maxResends,
		TimeProvider:       clock,
	}
	return &pair{
		clock:   clock,
		network: network,
		a:       New(network.Node(1, "a"), opts),
		b:       New(network.Node(2, "b"), opts),
	}
}

// drain receives until nothing is pending and returns the delivered payloads.
func drain(t *testing.T, tr *Transport) []string {
	t.Helper()
	var out []string
	buf := make([]byte, limits.MaxDatagram)
	for {
		n, _, err := tr.Receive(buf)
		require.NoError(t, err)
		if n == 0 {
			return out
		}
		out = append(out, string(buf[:n]))
	}
}

// tick runs one receive/retransmit cycle on both sides.
func (p *pair) tick(t *testing.T) []string {
	t.Helper()
	got := drain(t, p.b)
	drain(t, p.a)
	p.clock.Advance(testInterval)
	require.NoError(t, p.a.Update())
	require.NoError(t, p.b.Update())
	return got
}

func acksFrom(log []simnet.DeliveryRecord, from transport.UserID) int {
	count := 0
	for _, r := range log {
		if r.From == from && r.PacketSize == limits.ReliableHeaderSize {
			count++
		}
	}
	return count
}

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{"reliable", []byte{2, 9, 'x'}, false},
		{"unreliable", []byte{1, 0, 'x', 'y'}, false},
		{"ack", []byte{3, 9}, false},
		{"too short", []byte{2}, true},
		{"unknown type", []byte{7, 1, 'x'}, true},
		{"empty reliable payload", []byte{2, 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope(tt.data)
			if tt.wantErr {
				assert.ErrorIs(t, err, transport.ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.data, env.Serialize())
		})
	}
}

func TestReliableDelivery(t *testing.T) {
	p := newPair(10)

	require.NoError(t, p.a.Send(2, []byte("hello"), true))
	assert.Equal(t, 1, p.a.Pending(2))

	assert.Equal(t, []string{"hello"}, p.tick(t))
	assert.Equal(t, 0, p.a.Pending(2))
	assert.Equal(t, uint64(1), p.a.Stats().AcksReceived)
	assert.Equal(t, uint64(0), p.a.Stats().Resends)
}

func TestUnreliableDelivery(t *testing.T) {
	p := newPair(10)

	require.NoError(t, p.a.Send(2, []byte("fire"), false))
	assert.Equal(t, 0, p.a.Pending(2))
	assert.Equal(t, []string{"fire"}, drain(t, p.b))
	assert.Equal(t, 0, acksFrom(p.network.DeliveryLog(), 2))
}

func TestDuplicateSuppression(t *testing.T) {
	p := newPair(10)

	env := Envelope{Type: TypeReliable, Seq: 7, Payload: []byte("dup")}
	for i := 0; i < 3; i++ {
		p.network.Inject(1, 2, env.Serialize())
	}

	assert.Equal(t, []string{"dup"}, drain(t, p.b))
	assert.Equal(t, uint64(3), p.b.Stats().AcksSent)
	assert.Equal(t, uint64(2), p.b.Stats().Duplicates)
	assert.Equal(t, 3, acksFrom(p.network.DeliveryLog(), 2))
}

func TestRetransmissionConvergence(t *testing.T) {
	for _, drops := range []int{0, 1, 2, 5} {
		t.Run(fmt.Sprintf("drops=%d", drops), func(t *testing.T) {
			p := newPair(10)
			p.network.DropFirst(1, 2, drops)

			require.NoError(t, p.a.Send(2, []byte("payload"), true))

			var delivered []string
			for i := 0; i < 20 && p.a.Pending(2) > 0; i++ {
				delivered = append(delivered, p.tick(t)...)
			}

			assert.Equal(t, 0, p.a.Pending(2))
			assert.Equal(t, []string{"payload"}, delivered)
			assert.Equal(t, uint64(drops), p.a.Stats().Resends)
			assert.False(t, p.a.Faulty(2))
		})
	}
}

func TestLostAckIsReacknowledged(t *testing.T) {
	p := newPair(10)
	p.network.DropFirst(2, 1, 1)

	require.NoError(t, p.a.Send(2, []byte("once"), true))

	var delivered []string
	for i := 0; i < 10 && p.a.Pending(2) > 0; i++ {
		delivered = append(delivered, p.tick(t)...)
	}

	assert.Equal(t, []string{"once"}, delivered)
	assert.Equal(t, uint64(1), p.a.Stats().Resends)
	assert.Equal(t, uint64(1), p.b.Stats().Duplicates)
	assert.Equal(t, uint64(2), p.b.Stats().AcksSent)
}

func TestPeerMarkedFaultyAfterMaxResends(t *testing.T) {
	p := newPair(3)
	p.network.DropFirst(1, 2, 1000)

	require.NoError(t, p.a.Send(2, []byte("lost"), true))
	for i := 0; i < 3; i++ {
		p.tick(t)
		assert.False(t, p.a.Faulty(2), "faulty too early after %d resends", i+1)
	}
	p.tick(t)

	assert.True(t, p.a.Faulty(2))
	assert.Equal(t, 0, p.a.Pending(2))
	assert.Equal(t, uint64(3), p.a.Stats().Resends)

	info, ok := transport.FindPeer(p.a.Peers(), 2)
	require.True(t, ok)
	assert.False(t, info.Alive)
	assert.False(t, info.Direct)

	err := p.a.Send(2, []byte("again"), true)
	assert.ErrorIs(t, err, transport.ErrPeerFaulty)

	// Any traffic from the peer clears the fault.
	require.NoError(t, p.b.Send(1, []byte("ping"), false))
	assert.Equal(t, []string{"ping"}, drain(t, p.a))
	assert.False(t, p.a.Faulty(2))

	info, _ = transport.FindPeer(p.a.Peers(), 2)
	assert.True(t, info.Alive)
}

func TestSequenceWrap(t *testing.T) {
	p := newPair(10)

	var delivered []string
	for i := 0; i < 300; i++ {
		require.NoError(t, p.a.Send(2, []byte(fmt.Sprintf("m%d", i)), true))
		delivered = append(delivered, drain(t, p.b)...)
		drain(t, p.a)
	}

	require.Len(t, delivered, 300)
	assert.Equal(t, "m0", delivered[0])
	assert.Equal(t, "m299", delivered[299])
	assert.Equal(t, 0, p.a.Pending(2))
	assert.Equal(t, uint64(0), p.b.Stats().Duplicates)
}

func TestSendValidation(t *testing.T) {
	p := newPair(10)

	err := p.a.Send(2, make([]byte, limits.MaxSequencedPayload+1), true)
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)

	err = p.a.Send(2, nil, true)
	assert.ErrorIs(t, err, limits.ErrMessageEmpty)

	assert.NoError(t, p.a.Send(2, make([]byte, limits.MaxReliablePayload+1), false))

	err = p.a.Send(2, make([]byte, limits.MaxUnreliablePayload+1), false)
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)
	assert.Equal(t, 0, p.a.Pending(2))

	// A reliable application payload wrapped in a relay envelope fits.
	assert.NoError(t, p.a.Send(2, make([]byte, limits.MaxSequencedPayload), true))
	assert.NoError(t, p.a.Send(2, make([]byte, limits.MaxUnreliablePayload), false))
	assert.Equal(t, 1, p.a.Pending(2))
}

func TestSynchronousSendFailureKeepsNoRecord(t *testing.T) {
	p := newPair(10)
	p.network.Node(3, "c")

	err := p.a.Send(3, []byte("nowhere"), true)
	assert.ErrorIs(t, err, transport.ErrPeerUnreachable)
	assert.Equal(t, 0, p.a.Pending(3))
}

func TestMalformedDatagramsSkipped(t *testing.T) {
	p := newPair(10)

	p.network.Inject(1, 2, []byte{9, 1, 'x'})
	p.network.Inject(1, 2, []byte{1})
	require.NoError(t, p.a.Send(2, []byte("good"), false))

	assert.Equal(t, []string{"good"}, drain(t, p.b))
	assert.Equal(t, uint64(2), p.b.Stats().MalformedSeen)
}

func TestReceiveShortBuffer(t *testing.T) {
	p := newPair(10)
	require.NoError(t, p.a.Send(2, []byte("too long"), false))

	n, from, err := p.b.Receive(make([]byte, 3))
	assert.ErrorIs(t, err, io.ErrShortBuffer)
	assert.Equal(t, 0, n)
	assert.Equal(t, transport.PeerHandle(1), from)

	assert.Equal(t, []string{"too long"}, drain(t, p.b), "held message is delivered next")
}

func TestShortBufferDoesNotLoseReliableMessage(t *testing.T) {
	p := newPair(10)
	require.NoError(t, p.a.Send(2, []byte("important"), true))

	_, _, err := p.b.Receive(make([]byte, 4))
	assert.ErrorIs(t, err, io.ErrShortBuffer)

	// The retransmitted copy is a duplicate; the held one is still delivered.
	copyAgain := Envelope{Type: TypeReliable, Seq: 1, Payload: []byte("important")}
	p.network.Inject(1, 2, copyAgain.Serialize())
	assert.Equal(t, []string{"important"}, drain(t, p.b))
	assert.Equal(t, uint64(1), p.b.Stats().Duplicates)
	assert.Equal(t, 2, acksFrom(p.network.DeliveryLog(), 2))

	drain(t, p.a)
	assert.Equal(t, 0, p.a.Pending(2))
}

func TestRefusedResendIsBounced(t *testing.T) {
	p := newPair(10)
	p.network.DropFirst(1, 2, 1)
	require.NoError(t, p.a.Send(2, []byte("rerouted"), true))
	require.Equal(t, 1, p.a.Pending(2))
	assert.Empty(t, p.a.Bounced())

	p.network.Disconnect(1, 2)
	p.tick(t)

	assert.Equal(t, 0, p.a.Pending(2))
	assert.False(t, p.a.Faulty(2))
	assert.Equal(t, uint64(1), p.a.Stats().Bounced)

	bounced := p.a.Bounced()
	require.Len(t, bounced, 1)
	assert.Equal(t, transport.PeerHandle(2), bounced[0].To)
	assert.Equal(t, "rerouted", string(bounced[0].Data))
	assert.ErrorIs(t, bounced[0].Err, transport.ErrPeerUnreachable)
	assert.Empty(t, p.a.Bounced(), "bounces are handed out once")

	p.tick(t)
	assert.Equal(t, uint64(1), p.a.Stats().Resends, "nothing left to resend")
}

func TestInnerFailurePropagates(t *testing.T) {
	clock := simnet.NewManualClock(time.Unix(1000, 0))
	network := simnet.NewNetwork(clock)
	node := network.Node(1, "a")
	tr := New(node, &Options{TimeProvider: clock})

	require.NoError(t, node.Close())
	assert.ErrorIs(t, tr.Update(), transport.ErrClosed)
}

func TestDepartedPeerStateDropped(t *testing.T) {
	p := newPair(10)
	p.network.DropFirst(1, 2, 1000)
	require.NoError(t, p.a.Send(2, []byte("x"), true))
	require.Equal(t, 1, p.a.Pending(2))

	require.NoError(t, p.b.Close())
	require.NoError(t, p.a.Update())
	assert.Equal(t, 0, p.a.Pending(2))
}

func TestCloseIdempotent(t *testing.T) {
	p := newPair(10)

	require.NoError(t, p.a.Close())
	require.NoError(t, p.a.Close())
	assert.ErrorIs(t, p.a.Send(2, []byte("x"), false), transport.ErrClosed)
	assert.ErrorIs(t, p.a.Update(), transport.ErrClosed)
}
