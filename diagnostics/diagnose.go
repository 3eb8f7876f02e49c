package diagnostics

import (
	"sync/atomic"
	"time"

	"github.com/opd-ai/peertransport/transport"
	"github.com/sirupsen/logrus"
)

// DiagnoseOptions configures a Diagnose layer.
type DiagnoseOptions struct {
	// Interval is the throughput measurement window.
	Interval time.Duration
	// Metrics receives the counters. Nil disables prometheus export.
	Metrics *Metrics
	// Node labels the metric series. Empty uses the inner layer's name.
	Node string
	// TimeProvider drives the measurement window. Nil uses the system clock.
	TimeProvider transport.TimeProvider
}

// DefaultDiagnoseOptions returns the defaults used when NewDiagnose is given
// nil options.
func DefaultDiagnoseOptions() *DiagnoseOptions {
	return &DiagnoseOptions{Interval: time.Second}
}

// Counters is a snapshot of the traffic seen by a Diagnose layer.
type Counters struct {
	PacketsIn  uint64
	PacketsOut uint64
	BytesIn    uint64
	BytesOut   uint64
	SendErrors uint64
}

// Diagnose is a transparent PeerTransport wrapper that measures traffic.
// Results from the inner layer are returned unchanged.
type Diagnose struct {
	inner    transport.PeerTransport
	interval time.Duration
	metrics  *Metrics
	node     string
	clock    transport.TimeProvider

	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	sendErrors atomic.Uint64

	windowStart time.Time
	windowIn    uint64
	windowOut   uint64
	rateIn      float64
	rateOut     float64
}

// NewDiagnose wraps inner.
func NewDiagnose(inner transport.PeerTransport, opts *DiagnoseOptions) *Diagnose {
	if opts == nil {
		opts = DefaultDiagnoseOptions()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}
	node := opts.Node
	if node == "" {
		node = inner.Name()
	}
	clock := transport.TimeProviderOrDefault(opts.TimeProvider)

	return &Diagnose{
		inner:       inner,
		interval:    interval,
		metrics:     opts.Metrics,
		node:        node,
		clock:       clock,
		windowStart: clock.Now(),
	}
}

// Update implements transport.PeerTransport. Once per interval it computes
// throughput, logs it and updates the gauges.
func (d *Diagnose) Update() error {
	err := d.inner.Update()

	now := d.clock.Now()
	elapsed := now.Sub(d.windowStart)
	if elapsed < d.interval {
		return err
	}

	in, out := d.bytesIn.Load(), d.bytesOut.Load()
	seconds := elapsed.Seconds()
	d.rateIn = float64(in-d.windowIn) / seconds
	d.rateOut = float64(out-d.windowOut) / seconds
	d.windowIn, d.windowOut = in, out
	d.windowStart = now

	peers := len(d.inner.Peers())
	if d.metrics != nil {
		d.metrics.Throughput.WithLabelValues(d.node, "in").Set(d.rateIn)
		d.metrics.Throughput.WithLabelValues(d.node, "out").Set(d.rateOut)
		d.metrics.Peers.WithLabelValues(d.node).Set(float64(peers))
	}

	logrus.WithFields(logrus.Fields{
		"function": "Diagnose.Update",
		"node":     d.node,
	}).Debug(formatThroughput(d.rateIn, d.rateOut, peers))

	return err
}

// Peers implements transport.PeerTransport.
func (d *Diagnose) Peers() []transport.PeerInfo { return d.inner.Peers() }

// Bounced implements transport.Bouncer by forwarding to the inner layer.
func (d *Diagnose) Bounced() []transport.Bounce {
	if b, ok := d.inner.(transport.Bouncer); ok {
		return b.Bounced()
	}
	return nil
}

// Send implements transport.PeerTransport.
func (d *Diagnose) Send(to transport.PeerHandle, data []byte, reliable bool) error {
	err := d.inner.Send(to, data, reliable)
	if err != nil {
		d.sendErrors.Add(1)
		return err
	}

	d.packetsOut.Add(1)
	d.bytesOut.Add(uint64(len(data)))
	if d.metrics != nil {
		d.metrics.Packets.WithLabelValues(d.node, "out").Inc()
		d.metrics.Bytes.WithLabelValues(d.node, "out").Add(float64(len(data)))
	}
	return nil
}

// Receive implements transport.PeerTransport.
func (d *Diagnose) Receive(buf []byte) (int, transport.PeerHandle, error) {
	n, from, err := d.inner.Receive(buf)
	if n > 0 {
		d.packetsIn.Add(1)
		d.bytesIn.Add(uint64(n))
		if d.metrics != nil {
			d.metrics.Packets.WithLabelValues(d.node, "in").Inc()
			d.metrics.Bytes.WithLabelValues(d.node, "in").Add(float64(n))
		}
	}
	return n, from, err
}

// Counters returns the totals so far. It is safe to call from any goroutine.
func (d *Diagnose) Counters() Counters {
	return Counters{
		PacketsIn:  d.packetsIn.Load(),
		PacketsOut: d.packetsOut.Load(),
		BytesIn:    d.bytesIn.Load(),
		BytesOut:   d.bytesOut.Load(),
		SendErrors: d.sendErrors.Load(),
	}
}

// Throughput returns the bytes per second measured over the last complete
// interval.
func (d *Diagnose) Throughput() (in, out float64) {
	return d.rateIn, d.rateOut
}

// PrimaryPeer implements transport.PeerTransport.
func (d *Diagnose) PrimaryPeer() transport.PeerHandle { return d.inner.PrimaryPeer() }

// SetPrimaryPeer implements transport.PeerTransport.
func (d *Diagnose) SetPrimaryPeer(h transport.PeerHandle) { d.inner.SetPrimaryPeer(h) }

// Handle implements transport.PeerTransport.
func (d *Diagnose) Handle() transport.PeerHandle { return d.inner.Handle() }

// Name implements transport.PeerTransport.
func (d *Diagnose) Name() string { return d.inner.Name() }

// SetConnectionState implements transport.PeerTransport.
func (d *Diagnose) SetConnectionState(state transport.ConnectionState) {
	d.inner.SetConnectionState(state)
}

// Close implements transport.PeerTransport.
func (d *Diagnose) Close() error { return d.inner.Close() }
