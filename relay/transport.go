package relay

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/opd-ai/peertransport/limits"
	"github.com/opd-ai/peertransport/transport"
	"github.com/sirupsen/logrus"
)

// Options configures the relay layer.
type Options struct {
	// Rand shuffles relay candidates. Nil seeds a fresh generator.
	Rand *rand.Rand
}

// Stats counts relay events since creation.
type Stats struct {
	Direct        uint64
	Relayed       uint64
	Forwarded     uint64
	NoRoute       uint64
	HopLimitDrops uint64
	Malformed     uint64
	Rerouted      uint64
}

// Transport is the relay decorator. Sends are delivered directly when the
// layer below accepts them and through a third peer otherwise; envelopes
// received for another peer are forwarded on its behalf.
type Transport struct {
	inner transport.PeerTransport
	rng   *rand.Rand

	direct   map[transport.PeerHandle]bool
	relayers map[transport.PeerHandle]transport.PeerHandle
	peers    []transport.PeerInfo

	published    transport.ConnectionState
	hasPublished bool

	held   *heldMessage
	buf    []byte
	stats  Stats
	closed bool
}

// heldMessage is a local delivery that did not fit the caller's buffer.
type heldMessage struct {
	from    transport.PeerHandle
	payload []byte
}

// New wraps inner.
func New(inner transport.PeerTransport, opts *Options) *Transport {
	var rng *rand.Rand
	if opts != nil && opts.Rand != nil {
		rng = opts.Rand
	} else {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	return &Transport{
		inner:    inner,
		rng:      rng,
		direct:   make(map[transport.PeerHandle]bool),
		relayers: make(map[transport.PeerHandle]transport.PeerHandle),
		buf:      make([]byte, limits.MaxDatagram),
	}
}

// Update implements transport.PeerTransport. Newly seen peers start out with
// the direct flag reported by the layer below; afterwards only send results
// change it. Envelopes the layer below bounced are routed again, and the
// resulting bitmask is pushed down when it changed.
func (t *Transport) Update() error {
	if t.closed {
		return transport.ErrClosed
	}
	if err := t.inner.Update(); err != nil {
		return err
	}

	t.peers = t.inner.Peers()
	live := make(map[transport.PeerHandle]bool, len(t.peers))
	for _, p := range t.peers {
		live[p.Handle] = true
		if _, known := t.direct[p.Handle]; !known {
			t.direct[p.Handle] = p.Direct
		}
	}
	for h := range t.direct {
		if !live[h] {
			delete(t.direct, h)
		}
	}
	for to, via := range t.relayers {
		if !live[to] || !live[via] {
			delete(t.relayers, to)
		}
	}
	t.reroute()

	state := t.ConnectionState()
	if !t.hasPublished || state != t.published {
		logrus.WithFields(logrus.Fields{
			"function": "Update",
			"handle":   t.inner.Handle(),
			"reach":    state.Count(),
		}).Debug("Publishing connection state")

		t.inner.SetConnectionState(state)
		t.published = state
		t.hasPublished = true
	}
	return nil
}

// ConnectionState returns the bitmask of peers this node currently reaches
// directly. Handles of 64 and above are tracked but cannot be advertised.
func (t *Transport) ConnectionState() transport.ConnectionState {
	var state transport.ConnectionState
	for h, ok := range t.direct {
		if ok {
			state = state.Set(h)
		}
	}
	return state
}

// Peers implements transport.PeerTransport. Direct reflects this layer's own
// send results; Relayed is set for peers reached through a sticky relayer.
func (t *Transport) Peers() []transport.PeerInfo {
	peers := t.inner.Peers()
	for i := range peers {
		h := peers[i].Handle
		if ok, known := t.direct[h]; known {
			peers[i].Direct = ok
		}
		_, via := t.relayers[h]
		peers[i].Relayed = via && !peers[i].Direct
	}
	return peers
}

// Send implements transport.PeerTransport. It returns transport.ErrNoRoute
// when neither direct delivery nor any relayer accepted the envelope.
func (t *Transport) Send(to transport.PeerHandle, data []byte, reliable bool) error {
	if t.closed {
		return transport.ErrClosed
	}
	validate := limits.ValidateRelayPayload
	if reliable {
		validate = limits.ValidateReliablePayload
	}
	if err := validate(data); err != nil {
		return err
	}
	self := t.inner.Handle()
	if !self.Valid() {
		return fmt.Errorf("%w: local handle not assigned", transport.ErrUnknownPeer)
	}
	if !to.Valid() || to == self {
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, to)
	}

	env := Envelope{Reliable: reliable, From: self, To: to, Payload: data}
	return t.route(env.To, env.Serialize(), reliable, transport.InvalidHandle)
}

// route delivers datagram to its destination directly or through a relayer,
// never handing it back to exclude.
func (t *Transport) route(to transport.PeerHandle, datagram []byte, reliable bool, exclude transport.PeerHandle) error {
	err := t.inner.Send(to, datagram, reliable)
	if err == nil {
		t.direct[to] = true
		t.stats.Direct++
		return nil
	}
	if permanent(err) {
		return err
	}
	t.direct[to] = false

	if via, ok := t.relayers[to]; ok && via != exclude && t.direct[via] {
		if t.inner.Send(via, datagram, reliable) == nil {
			t.stats.Relayed++
			return nil
		}
		t.direct[via] = false
		delete(t.relayers, to)
	}

	candidates := t.candidates(to, exclude)
	t.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	for _, via := range candidates {
		if t.inner.Send(via, datagram, reliable) != nil {
			t.direct[via] = false
			continue
		}
		if prev, had := t.relayers[to]; !had || prev != via {
			logrus.WithFields(logrus.Fields{
				"function": "route",
				"to":       to,
				"via":      via,
			}).Info("Selected relayer")
		}
		t.relayers[to] = via
		t.stats.Relayed++
		return nil
	}

	t.stats.NoRoute++
	return fmt.Errorf("%w: %s (direct: %v)", transport.ErrNoRoute, to, err)
}

// reroute routes the envelopes the layer below bounced, avoiding the hop that
// refused them.
func (t *Transport) reroute() {
	bouncer, ok := t.inner.(transport.Bouncer)
	if !ok {
		return
	}
	for _, b := range bouncer.Bounced() {
		env, err := ParseEnvelope(b.Data)
		if err != nil {
			t.stats.Malformed++
			continue
		}
		if _, known := t.direct[b.To]; known {
			t.direct[b.To] = false
		}
		if via, ok := t.relayers[env.To]; ok && via == b.To {
			delete(t.relayers, env.To)
		}

		if err := t.route(env.To, b.Data, env.Reliable, b.To); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "reroute",
				"from":     env.From,
				"to":       env.To,
				"refused":  b.To,
				"error":    err.Error(),
			}).Warn("Could not reroute bounced envelope")
			continue
		}
		t.stats.Rerouted++

		logrus.WithFields(logrus.Fields{
			"function": "reroute",
			"from":     env.From,
			"to":       env.To,
			"refused":  b.To,
		}).Debug("Rerouted bounced envelope")
	}
}

// candidates returns the peers this node reaches directly that advertise a
// direct link to to, or every directly reachable peer when none does.
func (t *Transport) candidates(to, exclude transport.PeerHandle) []transport.PeerHandle {
	self := t.inner.Handle()
	var strict, relaxed []transport.PeerHandle
	for _, p := range t.peers {
		h := p.Handle
		if h == to || h == self || h == exclude || !p.Alive || !t.direct[h] {
			continue
		}
		relaxed = append(relaxed, h)
		if p.ConnectionState.Has(to) {
			strict = append(strict, h)
		}
	}
	if len(strict) > 0 {
		return strict
	}
	return relaxed
}

// permanent reports errors that no other route can fix.
func permanent(err error) bool {
	return errors.Is(err, transport.ErrClosed) || errors.Is(err, limits.ErrMessageTooLarge) ||
		errors.Is(err, limits.ErrMessageEmpty)
}

// Receive implements transport.PeerTransport. Envelopes addressed to another
// peer are forwarded with an incremented hop count, or dropped once the count
// reaches MaxHops, and the loop continues until a local envelope is found or
// nothing is pending. A payload larger than buf is kept and io.ErrShortBuffer
// returned; the next call with a large enough buffer delivers it.
func (t *Transport) Receive(buf []byte) (int, transport.PeerHandle, error) {
	if t.closed {
		return 0, transport.InvalidHandle, transport.ErrClosed
	}
	if t.held != nil {
		return t.deliver(buf, t.held.from, t.held.payload)
	}
	for {
		n, prev, err := t.inner.Receive(t.buf)
		if err != nil || n == 0 {
			return 0, transport.InvalidHandle, err
		}

		env, err := ParseEnvelope(t.buf[:n])
		if err != nil {
			t.stats.Malformed++
			logrus.WithFields(logrus.Fields{
				"function": "Receive",
				"from":     prev,
				"error":    err.Error(),
			}).Debug("Dropping malformed relay envelope")
			continue
		}

		if env.To == t.inner.Handle() {
			return t.deliver(buf, env.From, env.Payload)
		}

		t.forward(env, prev)
	}
}

// deliver copies payload into buf, or holds a copy for the next Receive when
// buf is too small.
func (t *Transport) deliver(buf []byte, from transport.PeerHandle, payload []byte) (int, transport.PeerHandle, error) {
	if len(payload) > len(buf) {
		if t.held == nil {
			t.held = &heldMessage{from: from, payload: append([]byte(nil), payload...)}
		}
		return 0, from, io.ErrShortBuffer
	}
	t.held = nil
	return copy(buf, payload), from, nil
}

func (t *Transport) forward(env *Envelope, prev transport.PeerHandle) {
	next := env.Hops + 1
	if next >= MaxHops {
		t.stats.HopLimitDrops++
		logrus.WithFields(logrus.Fields{
			"function": "forward",
			"from":     env.From,
			"to":       env.To,
			"hops":     env.Hops,
		}).Warn("Dropping relayed envelope at hop limit")
		return
	}

	env.Hops = next
	if err := t.route(env.To, env.Serialize(), env.Reliable, prev); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "forward",
			"from":     env.From,
			"to":       env.To,
			"hops":     env.Hops,
			"error":    err.Error(),
		}).Debug("Could not forward relayed envelope")
		return
	}
	t.stats.Forwarded++
}

// RelayerFor returns the sticky relayer currently used for to.
func (t *Transport) RelayerFor(to transport.PeerHandle) (transport.PeerHandle, bool) {
	via, ok := t.relayers[to]
	return via, ok
}

// Stats returns the relay counters.
func (t *Transport) Stats() Stats {
	return t.stats
}

// PrimaryPeer implements transport.PeerTransport.
func (t *Transport) PrimaryPeer() transport.PeerHandle { return t.inner.PrimaryPeer() }

// SetPrimaryPeer implements transport.PeerTransport.
func (t *Transport) SetPrimaryPeer(h transport.PeerHandle) { t.inner.SetPrimaryPeer(h) }

// Handle implements transport.PeerTransport.
func (t *Transport) Handle() transport.PeerHandle { return t.inner.Handle() }

// Name implements transport.PeerTransport.
func (t *Transport) Name() string { return t.inner.Name() }

// SetConnectionState implements transport.PeerTransport. The relay layer
// computes the state it publishes from its own send results, so values from
// above are ignored.
func (t *Transport) SetConnectionState(transport.ConnectionState) {}

// Close implements transport.PeerTransport.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.held = nil
	if err := t.inner.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		return err
	}
	return nil
}
