package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/opd-ai/peertransport/factory"
	"github.com/opd-ai/peertransport/transport"
)

// ErrInvalidScenario is returned for a scenario that references unknown
// nodes or is otherwise inconsistent.
var ErrInvalidScenario = errors.New("invalid scenario")

// Scenario is a scripted simulation: a set of nodes joining one session, the
// direct links between them, and messages and topology events keyed by tick.
type Scenario struct {
	Ticks    int            `toml:"ticks"`
	Tick     time.Duration  `toml:"tick"`
	Stack    factory.Config `toml:"stack"`
	Nodes    []NodeSpec     `toml:"node"`
	Links    []LinkSpec     `toml:"link"`
	Messages []MessageSpec  `toml:"message"`
	Events   []EventSpec    `toml:"event"`
}

// NodeSpec is one session participant. Nodes join in file order, so the
// first one owns the session.
type NodeSpec struct {
	ID   transport.UserID `toml:"id"`
	Name string           `toml:"name"`
}

// LinkSpec is a working direct link, bidirectional unless OneWay is set.
type LinkSpec struct {
	A      transport.UserID `toml:"a"`
	B      transport.UserID `toml:"b"`
	OneWay bool             `toml:"one_way"`
}

// MessageSpec is one send issued at the start of a tick.
type MessageSpec struct {
	Tick     int              `toml:"tick"`
	From     transport.UserID `toml:"from"`
	To       transport.UserID `toml:"to"`
	Data     string           `toml:"data"`
	Reliable bool             `toml:"reliable"`
}

// Event actions.
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionLeave      = "leave"
)

// EventSpec changes the topology at the start of a tick. Leave only uses A.
type EventSpec struct {
	Tick   int              `toml:"tick"`
	Action string           `toml:"action"`
	A      transport.UserID `toml:"a"`
	B      transport.UserID `toml:"b"`
}

// DefaultScenario returns the values a scenario file starts from. Stacks run
// synchronously so a run is reproducible.
func DefaultScenario() *Scenario {
	s := &Scenario{
		Ticks: 100,
		Tick:  16 * time.Millisecond,
		Stack: *factory.DefaultConfig(),
	}
	s.Stack.Async.Synchronous = true
	s.Stack.Relay.Seed = 1
	return s
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	s := DefaultScenario()
	if _, err := toml.DecodeFile(path, s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return s, nil
}

// Validate checks that every reference resolves and the stack config is
// within bounds.
func (s *Scenario) Validate() error {
	if s.Ticks <= 0 {
		return fmt.Errorf("%w: ticks must be positive", ErrInvalidScenario)
	}
	if s.Tick <= 0 {
		return fmt.Errorf("%w: tick must be positive", ErrInvalidScenario)
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrInvalidScenario)
	}

	known := make(map[transport.UserID]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.ID == 0 {
			return fmt.Errorf("%w: node %q has no id", ErrInvalidScenario, n.Name)
		}
		if known[n.ID] {
			return fmt.Errorf("%w: duplicate node %d", ErrInvalidScenario, n.ID)
		}
		known[n.ID] = true
	}
	check := func(what string, ids ...transport.UserID) error {
		for _, id := range ids {
			if !known[id] {
				return fmt.Errorf("%w: %s references unknown node %d", ErrInvalidScenario, what, id)
			}
		}
		return nil
	}

	for _, l := range s.Links {
		if err := check("link", l.A, l.B); err != nil {
			return err
		}
	}
	for i, m := range s.Messages {
		if err := check(fmt.Sprintf("message %d", i), m.From, m.To); err != nil {
			return err
		}
		if m.Tick < 0 || m.Tick >= s.Ticks {
			return fmt.Errorf("%w: message %d at tick %d outside run", ErrInvalidScenario, i, m.Tick)
		}
		if m.Data == "" {
			return fmt.Errorf("%w: message %d is empty", ErrInvalidScenario, i)
		}
	}
	for i, e := range s.Events {
		switch e.Action {
		case ActionConnect, ActionDisconnect:
			if err := check(fmt.Sprintf("event %d", i), e.A, e.B); err != nil {
				return err
			}
		case ActionLeave:
			if err := check(fmt.Sprintf("event %d", i), e.A); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: event %d has unknown action %q", ErrInvalidScenario, i, e.Action)
		}
	}

	return s.Stack.Validate()
}
