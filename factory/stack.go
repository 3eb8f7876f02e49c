package factory

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"

	"github.com/opd-ai/peertransport/async"
	"github.com/opd-ai/peertransport/diagnostics"
	"github.com/opd-ai/peertransport/discovery"
	"github.com/opd-ai/peertransport/interfaces"
	"github.com/opd-ai/peertransport/relay"
	"github.com/opd-ai/peertransport/reliable"
	"github.com/opd-ai/peertransport/transport"
	"github.com/sirupsen/logrus"
)

// Option customizes NewStack beyond what Config expresses.
type Option func(*stackOptions)

type stackOptions struct {
	clock   transport.TimeProvider
	metrics *diagnostics.Metrics
	record  io.Writer
	rand    *rand.Rand
	name    string
}

// WithTimeProvider drives every timer in the stack from tp.
func WithTimeProvider(tp transport.TimeProvider) Option {
	return func(o *stackOptions) { o.clock = tp }
}

// WithMetrics exports the Diagnose layer's counters through m.
func WithMetrics(m *diagnostics.Metrics) Option {
	return func(o *stackOptions) { o.metrics = m }
}

// WithRecorder records to w instead of Config.Diagnostics.RecordPath.
func WithRecorder(w io.Writer) Option {
	return func(o *stackOptions) { o.record = w }
}

// WithRand makes relayer selection use r.
func WithRand(r *rand.Rand) Option {
	return func(o *stackOptions) { o.rand = r }
}

// WithNodeName labels metric series with name.
func WithNodeName(name string) Option {
	return func(o *stackOptions) { o.name = name }
}

// Stack is an assembled transport chain. Transport is the outermost layer;
// the other fields expose individual layers for inspection and are nil
// when the layer is disabled.
type Stack struct {
	Transport transport.PeerTransport

	Adapter   *async.Adapter
	Discovery *discovery.Peers
	Recorder  *diagnostics.Recorder
	Diagnose  *diagnostics.Diagnose
	Reliable  *reliable.Transport
	Relay     *relay.Transport

	recordFile *os.File
}

// NewStack builds Relay -> Reliable -> Diagnose -> Recorder -> Discovery ->
// Async over link, skipping disabled layers. A nil cfg uses DefaultConfig.
func NewStack(cfg *Config, session interfaces.Session, link transport.Link, opts ...Option) (*Stack, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if session == nil || link == nil {
		return nil, errors.New("session and link are required")
	}

	var o stackOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &Stack{}
	s.Adapter = async.New(link, &async.Options{
		TxQueueSize:        cfg.Async.TxQueueSize,
		RxQueueSize:        cfg.Async.RxQueueSize,
		PollInterval:       cfg.Async.PollInterval,
		StartTimeout:       cfg.Async.StartTimeout,
		UnreachableBackoff: cfg.Async.UnreachableBackoff,
		Synchronous:        cfg.Async.Synchronous,
		TimeProvider:       o.clock,
	})
	s.Discovery = discovery.New(session, s.Adapter, &discovery.Options{
		HandleReuseDelay: cfg.Discovery.HandleReuseDelay,
		TimeProvider:     o.clock,
	})
	var top transport.PeerTransport = s.Discovery

	record := o.record
	if record == nil && cfg.Diagnostics.RecordPath != "" {
		f, err := os.Create(cfg.Diagnostics.RecordPath)
		if err != nil {
			s.Discovery.Close()
			return nil, fmt.Errorf("open recording: %w", err)
		}
		s.recordFile = f
		record = f
	}
	if record != nil {
		s.Recorder = diagnostics.NewRecorder(top, record, o.clock)
		top = s.Recorder
	}

	if cfg.Diagnostics.Enabled {
		s.Diagnose = diagnostics.NewDiagnose(top, &diagnostics.DiagnoseOptions{
			Interval:     cfg.Diagnostics.Interval,
			Metrics:      o.metrics,
			Node:         o.name,
			TimeProvider: o.clock,
		})
		top = s.Diagnose
	}

	if cfg.Reliable.Enabled {
		s.Reliable = reliable.New(top, &reliable.Options{
			RetransmitInterval: cfg.Reliable.RetransmitInterval,
			MaxResends:         cfg.Reliable.MaxResends,
			TimeProvider:       o.clock,
		})
		top = s.Reliable
	}

	if cfg.Relay.Enabled {
		rng := o.rand
		if rng == nil && cfg.Relay.Seed != 0 {
			rng = rand.New(rand.NewPCG(cfg.Relay.Seed, cfg.Relay.Seed^0x9e3779b97f4a7c15))
		}
		s.Relay = relay.New(top, &relay.Options{Rand: rng})
		top = s.Relay
	}

	s.Transport = top

	logrus.WithFields(logrus.Fields{
		"function":    "NewStack",
		"async":       s.Adapter.Async(),
		"reliable":    s.Reliable != nil,
		"relay":       s.Relay != nil,
		"diagnose":    s.Diagnose != nil,
		"recording":   s.Recorder != nil,
		"local_user":  session.LocalUser(),
		"reuse_delay": cfg.Discovery.HandleReuseDelay.String(),
	}).Info("Created transport stack")

	return s, nil
}

// Close closes the chain from the outermost layer down, then the recording
// file if the stack opened one.
func (s *Stack) Close() error {
	err := s.Transport.Close()
	if s.recordFile != nil {
		if cerr := s.recordFile.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.recordFile = nil
	}
	return err
}
