package diagnostics

import (
	"io"
	"time"

	"github.com/opd-ai/peertransport/transport"
	"github.com/sirupsen/logrus"
)

// Recorder is a transparent PeerTransport wrapper that writes every send,
// every received datagram and every topology change to w. The first write
// error disables recording; forwarded results are never affected.
type Recorder struct {
	inner transport.PeerTransport
	w     io.Writer
	clock transport.TimeProvider
	start time.Time

	topology []TopologyPeer
	scratch  []byte
	err      error
}

// NewRecorder wraps inner and records to w. Timestamps are milliseconds since
// creation. A nil clock uses the system clock.
func NewRecorder(inner transport.PeerTransport, w io.Writer, clock transport.TimeProvider) *Recorder {
	clock = transport.TimeProviderOrDefault(clock)
	return &Recorder{
		inner: inner,
		w:     w,
		clock: clock,
		start: clock.Now(),
	}
}

func (r *Recorder) write(rec *Record) {
	if r.err != nil {
		return
	}
	rec.Timestamp = r.clock.Now().Sub(r.start)
	r.scratch = appendRecord(r.scratch[:0], rec)
	if _, err := r.w.Write(r.scratch); err != nil {
		r.err = err
		logrus.WithFields(logrus.Fields{
			"function": "Recorder.write",
			"kind":     rec.Kind.String(),
			"error":    err.Error(),
		}).Warn("Recording disabled after write error")
	}
}

// Err returns the write error that disabled recording, if any.
func (r *Recorder) Err() error {
	return r.err
}

// Update implements transport.PeerTransport. A topology record is written
// whenever the peer list differs from the last one recorded.
func (r *Recorder) Update() error {
	err := r.inner.Update()
	if err != nil {
		return err
	}

	peers := r.inner.Peers()
	current := make([]TopologyPeer, len(peers))
	for i, p := range peers {
		current[i] = TopologyPeer{Handle: p.Handle, Name: p.Name, Direct: p.Direct}
	}
	if r.topology != nil && sameTopology(r.topology, current) {
		return nil
	}
	r.topology = current
	r.write(&Record{Kind: KindTopology, Peers: current})
	return nil
}

func sameTopology(a, b []TopologyPeer) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Peers implements transport.PeerTransport.
func (r *Recorder) Peers() []transport.PeerInfo { return r.inner.Peers() }

// Bounced implements transport.Bouncer by forwarding to the inner layer.
func (r *Recorder) Bounced() []transport.Bounce {
	if b, ok := r.inner.(transport.Bouncer); ok {
		return b.Bounced()
	}
	return nil
}

// Send implements transport.PeerTransport.
func (r *Recorder) Send(to transport.PeerHandle, data []byte, reliable bool) error {
	err := r.inner.Send(to, data, reliable)
	kind := KindSendSuccess
	if err != nil {
		kind = KindSendFailure
	}
	r.write(&Record{Kind: kind, Peer: to, Data: data})
	return err
}

// Receive implements transport.PeerTransport.
func (r *Recorder) Receive(buf []byte) (int, transport.PeerHandle, error) {
	n, from, err := r.inner.Receive(buf)
	if n > 0 {
		r.write(&Record{Kind: KindReceived, Peer: from, Data: buf[:n]})
	}
	return n, from, err
}

// PrimaryPeer implements transport.PeerTransport.
func (r *Recorder) PrimaryPeer() transport.PeerHandle { return r.inner.PrimaryPeer() }

// SetPrimaryPeer implements transport.PeerTransport.
func (r *Recorder) SetPrimaryPeer(h transport.PeerHandle) { r.inner.SetPrimaryPeer(h) }

// Handle implements transport.PeerTransport.
func (r *Recorder) Handle() transport.PeerHandle { return r.inner.Handle() }

// Name implements transport.PeerTransport.
func (r *Recorder) Name() string { return r.inner.Name() }

// SetConnectionState implements transport.PeerTransport.
func (r *Recorder) SetConnectionState(state transport.ConnectionState) {
	r.inner.SetConnectionState(state)
}

// Close implements transport.PeerTransport. The writer is left open.
func (r *Recorder) Close() error { return r.inner.Close() }
