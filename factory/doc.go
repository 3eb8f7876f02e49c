// Package factory assembles complete transport stacks from configuration.
//
// A stack is built bottom-up over a transport.Link and an
// interfaces.Session:
//
//	Relay -> Reliable -> Diagnose -> Recorder -> Discovery -> Async -> Link
//
// Layers whose section is disabled in Config are skipped. The outermost
// layer is exposed as Stack.Transport; the individual layers stay reachable
// for inspection.
//
// # Configuration
//
// Config is plain data with TOML tags. DefaultConfig returns working
// defaults, LoadConfig overlays a TOML file on them, and Validate checks
// bounds, returning sentinel errors such as ErrInvalidQueueSize:
//
//	cfg, err := factory.LoadConfig("stack.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	stack, err := factory.NewStack(cfg, session, link,
//	    factory.WithMetrics(metrics))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stack.Close()
//
// Durations are written as strings, e.g. retransmit_interval = "100ms".
//
// # Testing Support
//
// The testing package provides an in-memory Network and Lobby. Combined
// with WithTimeProvider and a synchronous async section they make a stack
// fully deterministic.
package factory
