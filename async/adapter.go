package async

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/peertransport/limits"
	"github.com/opd-ai/peertransport/transport"
	"github.com/sirupsen/logrus"
)

// Options configures an Adapter.
type Options struct {
	// TxQueueSize bounds the outbound queue.
	TxQueueSize int
	// RxQueueSize bounds the inbound queue.
	RxQueueSize int
	// PollInterval is how long the idle worker waits for new work before it
	// polls the link for inbound datagrams again.
	PollInterval time.Duration
	// StartTimeout is how long New waits for the worker to report ready
	// before falling back to synchronous mode.
	StartTimeout time.Duration
	// UnreachableBackoff is how long a destination whose last send failed is
	// rejected up front.
	UnreachableBackoff time.Duration
	// Synchronous disables the worker entirely.
	Synchronous bool
	// TimeProvider drives the unreachable backoff. Nil uses the system clock.
	TimeProvider transport.TimeProvider
}

// DefaultOptions returns the defaults used when New is given nil options.
func DefaultOptions() *Options {
	return &Options{
		TxQueueSize:        256,
		RxQueueSize:        256,
		PollInterval:       time.Millisecond,
		StartTimeout:       time.Second,
		UnreachableBackoff: 500 * time.Millisecond,
	}
}

// Stats is a snapshot of the adapter counters.
type Stats struct {
	Queued   uint64
	Sent     uint64
	Failed   uint64
	Received uint64
	Dropped  uint64
}

type datagram struct {
	peer transport.UserID
	data []byte
}

const (
	workerPending int32 = iota
	workerRunning
	workerAbandoned
)

// spawnWorker starts the background worker. Tests replace it to simulate a
// worker that never comes up.
var spawnWorker = func(fn func()) { go fn() }

// Adapter wraps a possibly blocking transport.Link so the simulation
// goroutine never blocks on network I/O. SendTo only enqueues and ReceiveFrom
// only dequeues; a single background worker performs the real I/O.
//
// Adapter itself implements transport.Link and is safe for concurrent use.
type Adapter struct {
	link  transport.Link
	opts  Options
	clock transport.TimeProvider

	txQueue chan datagram
	rxQueue chan datagram
	wake    chan struct{}
	done    chan struct{}

	worker  sync.WaitGroup
	state   atomic.Int32
	stop    atomic.Bool
	async   bool
	closed  atomic.Bool
	closeMu sync.Once

	mu          sync.Mutex
	unreachable map[transport.UserID]time.Time
	linkErr     error

	rxMu sync.Mutex
	held *datagram

	queued   atomic.Uint64
	sent     atomic.Uint64
	failed   atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
}

// New wraps link. With nil options DefaultOptions is used.
func New(link transport.Link, opts *Options) *Adapter {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	defaults := DefaultOptions()
	if o.TxQueueSize <= 0 {
		o.TxQueueSize = defaults.TxQueueSize
	}
	if o.RxQueueSize <= 0 {
		o.RxQueueSize = defaults.RxQueueSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaults.PollInterval
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = defaults.StartTimeout
	}

	a := &Adapter{
		link:        link,
		opts:        o,
		clock:       transport.TimeProviderOrDefault(o.TimeProvider),
		txQueue:     make(chan datagram, o.TxQueueSize),
		rxQueue:     make(chan datagram, o.RxQueueSize),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		unreachable: make(map[transport.UserID]time.Time),
	}

	if !o.Synchronous {
		a.async = a.startWorker()
	}

	logrus.WithFields(logrus.Fields{
		"function": "async.New",
		"async":    a.async,
		"tx_queue": o.TxQueueSize,
		"rx_queue": o.RxQueueSize,
	}).Debug("Created async adapter")

	return a
}

// startWorker launches the worker and waits for it to report ready. On
// timeout the worker is marked abandoned so a late start exits immediately.
func (a *Adapter) startWorker() bool {
	ready := make(chan struct{})
	a.worker.Add(1)
	spawnWorker(func() { a.run(ready) })

	timer := time.NewTimer(a.opts.StartTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		return true
	case <-timer.C:
		if !a.state.CompareAndSwap(workerPending, workerAbandoned) {
			<-ready
			return true
		}
		a.worker.Done()
		logrus.WithFields(logrus.Fields{
			"function": "startWorker",
			"timeout":  a.opts.StartTimeout,
		}).Warn("Async worker did not start, falling back to synchronous mode")
		return false
	}
}

// run is the worker loop: drain one inbound datagram if available, else send
// one queued datagram, else wait briefly for a wake signal.
func (a *Adapter) run(ready chan<- struct{}) {
	if !a.state.CompareAndSwap(workerPending, workerRunning) {
		return
	}
	defer a.worker.Done()
	close(ready)

	buf := make([]byte, limits.MaxDatagram)
	idle := time.NewTimer(a.opts.PollInterval)
	defer idle.Stop()

	for !a.stop.Load() {
		n, from, err := a.link.ReceiveFrom(buf)
		if err != nil {
			a.setLinkErr(err)
			return
		}
		if n > 0 {
			a.pushInbound(from, buf[:n])
			continue
		}

		select {
		case out := <-a.txQueue:
			a.transmit(out)
			continue
		default:
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(a.opts.PollInterval)

		select {
		case <-a.wake:
		case <-a.done:
		case <-idle.C:
		}
	}
}

func (a *Adapter) pushInbound(from transport.UserID, data []byte) {
	d := datagram{peer: from, data: make([]byte, len(data))}
	copy(d.data, data)

	select {
	case a.rxQueue <- d:
		a.received.Add(1)
	default:
		a.dropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "pushInbound",
			"from":     from,
			"size":     len(data),
		}).Debug("Inbound queue full, dropping datagram")
	}
}

func (a *Adapter) transmit(out datagram) {
	err := a.link.SendTo(out.peer, out.data)
	a.noteSendResult(out.peer, err)
}

func (a *Adapter) noteSendResult(to transport.UserID, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err == nil {
		a.sent.Add(1)
		delete(a.unreachable, to)
		return
	}

	a.failed.Add(1)
	a.unreachable[to] = a.clock.Now()
	logrus.WithFields(logrus.Fields{
		"function": "noteSendResult",
		"to":       to,
		"error":    err.Error(),
	}).Debug("Link send failed")
}

func (a *Adapter) setLinkErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.linkErr == nil {
		a.linkErr = err
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"error":    err.Error(),
		}).Error("Link failed, async worker stopping")
	}
}

// checkSend returns an error if the datagram must be rejected up front.
func (a *Adapter) checkSend(to transport.UserID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.linkErr != nil {
		return a.linkErr
	}
	if failedAt, ok := a.unreachable[to]; ok {
		if a.clock.Now().Sub(failedAt) < a.opts.UnreachableBackoff {
			return fmt.Errorf("%w: user %d", transport.ErrPeerUnreachable, to)
		}
		delete(a.unreachable, to)
	}
	return nil
}

// SendTo implements transport.Link. In asynchronous mode it never blocks:
// the datagram is copied onto the outbound queue, or rejected with
// transport.ErrQueueFull.
func (a *Adapter) SendTo(to transport.UserID, data []byte) error {
	if a.closed.Load() {
		return transport.ErrClosed
	}
	if err := limits.ValidateDatagram(data); err != nil {
		return err
	}
	if err := a.checkSend(to); err != nil {
		return err
	}

	if !a.async {
		err := a.link.SendTo(to, data)
		a.noteSendResult(to, err)
		return err
	}

	d := datagram{peer: to, data: make([]byte, len(data))}
	copy(d.data, data)

	select {
	case a.txQueue <- d:
		a.queued.Add(1)
	default:
		a.dropped.Add(1)
		return transport.ErrQueueFull
	}

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// ReceiveFrom implements transport.Link. It never blocks in asynchronous
// mode; queued datagrams are still handed out after the link failed. A
// datagram larger than buf stays queued and io.ErrShortBuffer is returned.
func (a *Adapter) ReceiveFrom(buf []byte) (int, transport.UserID, error) {
	if a.closed.Load() {
		return 0, 0, transport.ErrClosed
	}

	if !a.async {
		n, from, err := a.link.ReceiveFrom(buf)
		if n > 0 {
			a.received.Add(1)
		}
		return n, from, err
	}

	a.rxMu.Lock()
	d, ok := a.nextInbound()
	if ok && len(d.data) > len(buf) {
		a.held = &d
		a.rxMu.Unlock()
		return 0, d.peer, io.ErrShortBuffer
	}
	a.rxMu.Unlock()
	if ok {
		return copy(buf, d.data), d.peer, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return 0, 0, a.linkErr
}

// nextInbound returns the held datagram, or else the next queued one. The
// caller holds rxMu.
func (a *Adapter) nextInbound() (datagram, bool) {
	if a.held != nil {
		d := *a.held
		a.held = nil
		return d, true
	}
	select {
	case d := <-a.rxQueue:
		return d, true
	default:
		return datagram{}, false
	}
}

// Async reports whether the background worker is running.
func (a *Adapter) Async() bool {
	return a.async
}

// Stats returns a snapshot of the adapter counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		Queued:   a.queued.Load(),
		Sent:     a.sent.Load(),
		Failed:   a.failed.Load(),
		Received: a.received.Load(),
		Dropped:  a.dropped.Load(),
	}
}

// Close stops and joins the worker, then closes the wrapped link. It is the
// only method that may block. Close is idempotent.
func (a *Adapter) Close() error {
	var err error
	a.closeMu.Do(func() {
		a.closed.Store(true)
		a.stop.Store(true)
		close(a.done)
		if a.async {
			a.worker.Wait()
		}
		err = a.link.Close()

		logrus.WithFields(logrus.Fields{
			"function": "async.Close",
			"sent":     a.sent.Load(),
			"received": a.received.Load(),
			"dropped":  a.dropped.Load(),
		}).Debug("Async adapter closed")
	})
	return err
}
