package factory

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Validation bounds for configuration values.
const (
	// MinQueueSize is the smallest allowed async queue capacity.
	MinQueueSize = 1
	// MaxQueueSize is the largest allowed async queue capacity.
	MaxQueueSize = 65536
	// MinRetransmitInterval is the shortest allowed retransmit interval.
	MinRetransmitInterval = time.Millisecond
	// MaxRetransmitInterval is the longest allowed retransmit interval.
	MaxRetransmitInterval = time.Minute
	// MaxResendLimit is the largest allowed resend budget.
	MaxResendLimit = 1000
)

var (
	// ErrInvalidQueueSize is returned for a queue capacity outside
	// [MinQueueSize, MaxQueueSize].
	ErrInvalidQueueSize = errors.New("invalid queue size")
	// ErrInvalidInterval is returned for a non-positive or out of range
	// duration.
	ErrInvalidInterval = errors.New("invalid interval")
	// ErrInvalidResends is returned for a resend budget outside
	// [0, MaxResendLimit].
	ErrInvalidResends = errors.New("invalid resend limit")
)

// Config describes a complete transport stack.
type Config struct {
	Async       AsyncConfig       `toml:"async"`
	Reliable    ReliableConfig    `toml:"reliable"`
	Relay       RelayConfig       `toml:"relay"`
	Discovery   DiscoveryConfig   `toml:"discovery"`
	Diagnostics DiagnosticsConfig `toml:"diagnostics"`
}

// AsyncConfig configures the async I/O adapter.
type AsyncConfig struct {
	Synchronous        bool          `toml:"synchronous"`
	TxQueueSize        int           `toml:"tx_queue_size"`
	RxQueueSize        int           `toml:"rx_queue_size"`
	PollInterval       time.Duration `toml:"poll_interval"`
	StartTimeout       time.Duration `toml:"start_timeout"`
	UnreachableBackoff time.Duration `toml:"unreachable_backoff"`
}

// ReliableConfig configures the reliability layer.
type ReliableConfig struct {
	Enabled            bool          `toml:"enabled"`
	RetransmitInterval time.Duration `toml:"retransmit_interval"`
	MaxResends         int           `toml:"max_resends"`
}

// RelayConfig configures the relay layer. The hop limit is fixed at
// relay.MaxHops.
type RelayConfig struct {
	Enabled bool `toml:"enabled"`
	// Seed makes relayer selection reproducible. Zero picks a random seed.
	Seed uint64 `toml:"seed"`
}

// DiscoveryConfig configures the identity/discovery layer.
type DiscoveryConfig struct {
	HandleReuseDelay time.Duration `toml:"handle_reuse_delay"`
}

// DiagnosticsConfig configures the diagnostics wrappers.
type DiagnosticsConfig struct {
	Enabled  bool          `toml:"enabled"`
	Interval time.Duration `toml:"interval"`
	// RecordPath enables the recorder, writing to this file.
	RecordPath string `toml:"record_path"`
}

// DefaultConfig returns the configuration used when none is given: relay
// over reliable over discovery over an asynchronous adapter, diagnostics off.
func DefaultConfig() *Config {
	return &Config{
		Async: AsyncConfig{
			TxQueueSize:        256,
			RxQueueSize:        256,
			PollInterval:       time.Millisecond,
			StartTimeout:       time.Second,
			UnreachableBackoff: 500 * time.Millisecond,
		},
		Reliable: ReliableConfig{
			Enabled:            true,
			RetransmitInterval: 100 * time.Millisecond,
			MaxResends:         10,
		},
		Relay: RelayConfig{
			Enabled: true,
		},
		Discovery: DiscoveryConfig{
			HandleReuseDelay: 10 * time.Second,
		},
		Diagnostics: DiagnosticsConfig{
			Interval: time.Second,
		},
	}
}

// Validate checks every value against its bounds.
func (c *Config) Validate() error {
	if err := checkQueue("async.tx_queue_size", c.Async.TxQueueSize); err != nil {
		return err
	}
	if err := checkQueue("async.rx_queue_size", c.Async.RxQueueSize); err != nil {
		return err
	}
	if c.Async.PollInterval <= 0 {
		return fmt.Errorf("%w: async.poll_interval %s", ErrInvalidInterval, c.Async.PollInterval)
	}
	if c.Async.StartTimeout <= 0 {
		return fmt.Errorf("%w: async.start_timeout %s", ErrInvalidInterval, c.Async.StartTimeout)
	}
	if c.Async.UnreachableBackoff < 0 {
		return fmt.Errorf("%w: async.unreachable_backoff %s", ErrInvalidInterval, c.Async.UnreachableBackoff)
	}

	if c.Reliable.Enabled {
		ri := c.Reliable.RetransmitInterval
		if ri < MinRetransmitInterval || ri > MaxRetransmitInterval {
			return fmt.Errorf("%w: reliable.retransmit_interval %s outside [%s, %s]",
				ErrInvalidInterval, ri, MinRetransmitInterval, MaxRetransmitInterval)
		}
		if c.Reliable.MaxResends < 0 || c.Reliable.MaxResends > MaxResendLimit {
			return fmt.Errorf("%w: reliable.max_resends %d outside [0, %d]",
				ErrInvalidResends, c.Reliable.MaxResends, MaxResendLimit)
		}
		// Over the worker a refused send is only seen by the next attempt,
		// which must fall inside the backoff window to be bounced upward.
		if !c.Async.Synchronous && ri >= c.Async.UnreachableBackoff {
			return fmt.Errorf("%w: reliable.retransmit_interval %s must be below async.unreachable_backoff %s",
				ErrInvalidInterval, ri, c.Async.UnreachableBackoff)
		}
	}

	if c.Discovery.HandleReuseDelay < 0 {
		return fmt.Errorf("%w: discovery.handle_reuse_delay %s", ErrInvalidInterval, c.Discovery.HandleReuseDelay)
	}
	if c.Diagnostics.Enabled && c.Diagnostics.Interval <= 0 {
		return fmt.Errorf("%w: diagnostics.interval %s", ErrInvalidInterval, c.Diagnostics.Interval)
	}
	return nil
}

func checkQueue(name string, size int) error {
	if size < MinQueueSize || size > MaxQueueSize {
		return fmt.Errorf("%w: %s %d outside [%d, %d]", ErrInvalidQueueSize, name, size, MinQueueSize, MaxQueueSize)
	}
	return nil
}

// LoadConfig reads a TOML file over DefaultConfig and validates the result.
// Keys missing from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "LoadConfig",
			"path":     path,
			"keys":     fmt.Sprint(undecoded),
		}).Warn("Ignoring unknown configuration keys")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
