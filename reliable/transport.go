package reliable

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opd-ai/peertransport/limits"
	"github.com/opd-ai/peertransport/transport"
	"github.com/sirupsen/logrus"
)

// Options configures the reliability layer.
type Options struct {
	// RetransmitInterval is the age after which an unacknowledged reliable
	// send is resent.
	RetransmitInterval time.Duration
	// MaxResends is how many resends a message gets before the peer is
	// declared faulty.
	MaxResends int
	// TimeProvider drives the retransmit timers. Nil uses the system clock.
	TimeProvider transport.TimeProvider
}

// DefaultOptions returns the defaults used when New is given nil options.
func DefaultOptions() *Options {
	return &Options{
		RetransmitInterval: 100 * time.Millisecond,
		MaxResends:         10,
	}
}

// Stats counts reliability events since creation.
type Stats struct {
	ReliableSent  uint64
	Resends       uint64
	AcksSent      uint64
	AcksReceived  uint64
	Duplicates    uint64
	FaultyMarked  uint64
	MalformedSeen uint64
	Bounced       uint64
}

// Transport is the reliability decorator. Reliable sends are sequenced,
// kept until acknowledged and resent on a timer; reliable receives are
// acknowledged and duplicate-suppressed.
type Transport struct {
	inner transport.PeerTransport
	opts  Options
	clock transport.TimeProvider

	peers   map[transport.PeerHandle]*peerControl
	bounced []transport.Bounce
	held    *heldMessage
	buf     []byte
	stats   Stats
	closed  bool
}

// heldMessage is a delivery that did not fit the caller's buffer.
type heldMessage struct {
	from    transport.PeerHandle
	payload []byte
}

// New wraps inner. With nil options DefaultOptions is used.
func New(inner transport.PeerTransport, opts *Options) *Transport {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if o.RetransmitInterval <= 0 {
		o.RetransmitInterval = DefaultOptions().RetransmitInterval
	}
	if o.MaxResends < 0 {
		o.MaxResends = 0
	}

	return &Transport{
		inner: inner,
		opts:  o,
		clock: transport.TimeProviderOrDefault(o.TimeProvider),
		peers: make(map[transport.PeerHandle]*peerControl),
		buf:   make([]byte, limits.MaxDatagram),
	}
}

func (t *Transport) control(h transport.PeerHandle) *peerControl {
	c, ok := t.peers[h]
	if !ok {
		c = newPeerControl()
		t.peers[h] = c
	}
	return c
}

// Update implements transport.PeerTransport. It refreshes per-peer state from
// the inner layer and resends every record older than the retransmit
// interval.
func (t *Transport) Update() error {
	if t.closed {
		return transport.ErrClosed
	}
	if err := t.inner.Update(); err != nil {
		return err
	}

	live := make(map[transport.PeerHandle]bool)
	for _, p := range t.inner.Peers() {
		live[p.Handle] = true
		t.control(p.Handle)
	}
	for h := range t.peers {
		if !live[h] {
			delete(t.peers, h)
		}
	}

	now := t.clock.Now()
	for h, c := range t.peers {
		if !c.faulty {
			t.retransmit(h, c, now)
		}
	}
	return nil
}

// retransmit resends every record of h that is due. A resend the layer below
// refuses as unreachable is not retried on the same hop: the record is
// dropped and its payload bounced to the layer above.
func (t *Transport) retransmit(h transport.PeerHandle, c *peerControl, now time.Time) {
	kept := c.pending[:0]
	for _, rec := range c.pending {
		if now.Sub(rec.lastResend) < t.opts.RetransmitInterval {
			kept = append(kept, rec)
			continue
		}
		if rec.resends >= t.opts.MaxResends {
			t.markFaulty(h, c, rec)
			return
		}

		rec.resends++
		rec.resent = true
		rec.lastResend = now
		t.stats.Resends++

		err := t.inner.Send(h, rec.datagram, false)
		if err == nil {
			kept = append(kept, rec)
			continue
		}
		if errors.Is(err, transport.ErrPeerUnreachable) {
			t.bounce(h, rec, err)
			continue
		}
		kept = append(kept, rec)
		logrus.WithFields(logrus.Fields{
			"function": "retransmit",
			"peer":     h,
			"seq":      rec.seq,
			"attempt":  rec.resends,
			"error":    err.Error(),
		}).Debug("Resend refused by inner layer")
	}
	clear(c.pending[len(kept):])
	c.pending = kept
}

func (t *Transport) bounce(h transport.PeerHandle, rec *retransmitRecord, err error) {
	t.bounced = append(t.bounced, transport.Bounce{
		To:   h,
		Data: rec.datagram[limits.ReliableHeaderSize:],
		Err:  err,
	})
	t.stats.Bounced++

	logrus.WithFields(logrus.Fields{
		"function": "bounce",
		"peer":     h,
		"seq":      rec.seq,
		"attempt":  rec.resends,
		"error":    err.Error(),
	}).Debug("Peer refused resend, bouncing message")
}

// Bounced implements transport.Bouncer. It returns the reliable payloads
// whose resend was refused as unreachable since the last call.
func (t *Transport) Bounced() []transport.Bounce {
	out := t.bounced
	t.bounced = nil
	return out
}

func (t *Transport) markFaulty(h transport.PeerHandle, c *peerControl, rec *retransmitRecord) {
	c.faulty = true
	c.alive = false
	c.pending = nil
	t.stats.FaultyMarked++

	logrus.WithFields(logrus.Fields{
		"function": "markFaulty",
		"peer":     h,
		"seq":      rec.seq,
		"resends":  rec.resends,
		"age":      t.clock.Now().Sub(rec.sentAt).String(),
	}).Warn("Peer exhausted retransmit budget, marking faulty")
}

// Peers implements transport.PeerTransport. Faulty peers are reported as
// neither alive nor directly reachable.
func (t *Transport) Peers() []transport.PeerInfo {
	peers := t.inner.Peers()
	for i := range peers {
		if c, ok := t.peers[peers[i].Handle]; ok && c.faulty {
			peers[i].Alive = false
			peers[i].Direct = false
		}
	}
	return peers
}

// Send implements transport.PeerTransport. A reliable send that the inner
// layer refuses synchronously is returned as an error and not retransmitted.
func (t *Transport) Send(to transport.PeerHandle, data []byte, reliable bool) error {
	if t.closed {
		return transport.ErrClosed
	}
	c := t.control(to)
	if c.faulty {
		return fmt.Errorf("%w: %s", transport.ErrPeerFaulty, to)
	}

	if !reliable {
		if err := limits.ValidateMessageSize(data, limits.MaxUnreliablePayload); err != nil {
			return err
		}
		env := Envelope{Type: TypeUnreliable, Payload: data}
		return t.inner.Send(to, env.Serialize(), false)
	}

	if err := limits.ValidateSequencedPayload(data); err != nil {
		return err
	}
	env := Envelope{Type: TypeReliable, Seq: c.next(), Payload: data}
	datagram := env.Serialize()
	if err := t.inner.Send(to, datagram, false); err != nil {
		return err
	}

	now := t.clock.Now()
	c.pending = append(c.pending, &retransmitRecord{
		seq:        env.Seq,
		sentAt:     now,
		lastResend: now,
		size:       len(data),
		datagram:   datagram,
	})
	t.stats.ReliableSent++
	return nil
}

// Receive implements transport.PeerTransport. Acks are consumed here;
// every copy of a reliable envelope is acknowledged but only the first is
// delivered. A message larger than buf is kept and io.ErrShortBuffer
// returned; the next call with a large enough buffer delivers it.
func (t *Transport) Receive(buf []byte) (int, transport.PeerHandle, error) {
	if t.closed {
		return 0, transport.InvalidHandle, transport.ErrClosed
	}
	if t.held != nil {
		return t.deliver(buf, t.held.from, t.held.payload)
	}
	for {
		n, from, err := t.inner.Receive(t.buf)
		if err != nil || n == 0 {
			return 0, transport.InvalidHandle, err
		}

		env, err := ParseEnvelope(t.buf[:n])
		if err != nil {
			t.stats.MalformedSeen++
			logrus.WithFields(logrus.Fields{
				"function": "Receive",
				"from":     from,
				"error":    err.Error(),
			}).Debug("Dropping malformed datagram")
			continue
		}

		c := t.control(from)
		if c.faulty {
			c.faulty = false
			c.alive = true
			logrus.WithFields(logrus.Fields{
				"function": "Receive",
				"peer":     from,
			}).Info("Faulty peer is sending again, clearing fault")
		}

		switch env.Type {
		case TypeAck:
			if c.acknowledge(env.Seq) {
				t.stats.AcksReceived++
			}
			continue

		case TypeReliable:
			duplicate := c.seen(env.Seq)
			t.sendAck(from, env.Seq)
			if duplicate {
				t.stats.Duplicates++
				continue
			}
			c.remember(env.Seq)
		}

		return t.deliver(buf, from, env.Payload)
	}
}

// deliver copies payload into buf, or holds it for the next Receive when buf
// is too small.
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

func (t *Transport) sendAck(to transport.PeerHandle, seq uint8) {
	ack := Envelope{Type: TypeAck, Seq: seq}
	if err := t.inner.Send(to, ack.Serialize(), false); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendAck",
			"peer":     to,
			"seq":      seq,
			"error":    err.Error(),
		}).Debug("Ack refused by inner layer")
		return
	}
	t.stats.AcksSent++
}

// Pending returns the number of unacknowledged reliable sends to h.
func (t *Transport) Pending(h transport.PeerHandle) int {
	if c, ok := t.peers[h]; ok {
		return len(c.pending)
	}
	return 0
}

// Faulty reports whether h has been declared faulty.
func (t *Transport) Faulty(h transport.PeerHandle) bool {
	c, ok := t.peers[h]
	return ok && c.faulty
}

// Stats returns the reliability counters.
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

// SetConnectionState implements transport.PeerTransport.
func (t *Transport) SetConnectionState(state transport.ConnectionState) {
	t.inner.SetConnectionState(state)
}

// Close implements transport.PeerTransport.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.peers = nil
	t.bounced = nil
	t.held = nil
	if err := t.inner.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		return err
	}
	return nil
}
