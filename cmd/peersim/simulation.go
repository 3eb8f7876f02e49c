package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opd-ai/peertransport/diagnostics"
	"github.com/opd-ai/peertransport/factory"
	"github.com/opd-ai/peertransport/limits"
	simnet "github.com/opd-ai/peertransport/testing"
	"github.com/opd-ai/peertransport/transport"
	"github.com/sirupsen/logrus"
)

var (
	errDeparted = errors.New("destination left the session")
	errNoHandle = errors.New("destination has no handle yet")
)

// simStart is the origin of the simulated clock.
var simStart = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Delivery is one payload returned by a node's Receive.
type Delivery struct {
	Tick int
	From string
	Data string
}

// NodeResult summarizes one node after a run.
type NodeResult struct {
	ID        transport.UserID
	Name      string
	Handle    transport.PeerHandle
	Sent      int
	Failed    int
	Delivered []Delivery
	Pending   int
	Faulty    int
	Relayed   uint64
	Forwarded uint64
	Err       error
}

type simNode struct {
	spec   NodeSpec
	stack  *factory.Stack
	result NodeResult
	gone   bool
}

// runOptions carries the command-line extras of a run.
type runOptions struct {
	metrics    *diagnostics.Metrics
	record     io.Writer
	recordNode transport.UserID
	onTick     func(tick int)
}

// simulation drives one stack per scenario node over a shared in-memory
// network and lobby, all on a manual clock.
type simulation struct {
	scenario *Scenario
	clock    *simnet.ManualClock
	network  *simnet.Network
	lobby    *simnet.Lobby
	nodes    []*simNode
	byID     map[transport.UserID]*simNode
	buf      []byte
}

func newSimulation(s *Scenario, opts runOptions) (*simulation, error) {
	clock := simnet.NewManualClock(simStart)
	sim := &simulation{
		scenario: s,
		clock:    clock,
		network:  simnet.NewNetwork(clock),
		lobby:    simnet.NewLobby(),
		byID:     make(map[transport.UserID]*simNode),
		buf:      make([]byte, limits.MaxDatagram),
	}

	for _, l := range s.Links {
		if l.OneWay {
			sim.network.SetLink(l.A, l.B, true)
		} else {
			sim.network.Connect(l.A, l.B)
		}
	}

	cfg := s.Stack
	if opts.metrics != nil {
		cfg.Diagnostics.Enabled = true
	}
	recordNode := opts.recordNode
	if recordNode == 0 {
		recordNode = s.Nodes[0].ID
	}

	for _, spec := range s.Nodes {
		stackOpts := []factory.Option{
			factory.WithTimeProvider(clock),
			factory.WithNodeName(spec.Name),
		}
		if opts.metrics != nil {
			stackOpts = append(stackOpts, factory.WithMetrics(opts.metrics))
		}
		if opts.record != nil && spec.ID == recordNode {
			stackOpts = append(stackOpts, factory.WithRecorder(opts.record))
		}

		stack, err := factory.NewStack(&cfg, sim.lobby.Join(spec.ID, spec.Name), sim.network.Link(spec.ID), stackOpts...)
		if err != nil {
			sim.close()
			return nil, fmt.Errorf("node %d: %w", spec.ID, err)
		}
		node := &simNode{spec: spec, stack: stack}
		node.result.ID = spec.ID
		node.result.Name = spec.Name
		sim.nodes = append(sim.nodes, node)
		sim.byID[spec.ID] = node
	}
	return sim, nil
}

// run executes every tick and returns the per-node results.
func (sim *simulation) run(opts runOptions) []NodeResult {
	for tick := 0; tick < sim.scenario.Ticks; tick++ {
		sim.applyEvents(tick)
		sim.update()
		sim.sendMessages(tick)
		sim.receive(tick)
		sim.clock.Advance(sim.scenario.Tick)
		if opts.onTick != nil {
			opts.onTick(tick)
		}
	}
	return sim.results()
}

func (sim *simulation) applyEvents(tick int) {
	for _, e := range sim.scenario.Events {
		if e.Tick != tick {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "applyEvents",
			"tick":     tick,
			"action":   e.Action,
			"a":        e.A,
			"b":        e.B,
		}).Info("Applying scenario event")

		switch e.Action {
		case ActionConnect:
			sim.network.Connect(e.A, e.B)
		case ActionDisconnect:
			sim.network.Disconnect(e.A, e.B)
		case ActionLeave:
			if node := sim.byID[e.A]; node != nil && !node.gone {
				sim.lobby.Leave(e.A)
				node.stack.Close()
				node.gone = true
			}
		}
	}
}

func (sim *simulation) update() {
	for _, node := range sim.nodes {
		if node.gone {
			continue
		}
		if err := node.stack.Transport.Update(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "update",
				"node":     node.spec.Name,
				"error":    err.Error(),
			}).Warn("Node transport failed, removing it from the run")
			node.result.Err = err
			node.stack.Close()
			node.gone = true
		}
	}
}

func (sim *simulation) sendMessages(tick int) {
	for _, m := range sim.scenario.Messages {
		if m.Tick != tick {
			continue
		}
		from, to := sim.byID[m.From], sim.byID[m.To]
		if from.gone {
			continue
		}

		var err error
		switch h := to.stack.Transport.Handle(); {
		case to.gone:
			err = errDeparted
		case !h.Valid():
			err = errNoHandle
		default:
			err = from.stack.Transport.Send(h, []byte(m.Data), m.Reliable)
		}
		if err != nil {
			from.result.Failed++
			logrus.WithFields(logrus.Fields{
				"function": "sendMessages",
				"tick":     tick,
				"from":     from.spec.Name,
				"to":       to.spec.Name,
				"error":    err.Error(),
			}).Warn("Scenario send failed")
			continue
		}
		from.result.Sent++
	}
}

func (sim *simulation) receive(tick int) {
	for _, node := range sim.nodes {
		if node.gone {
			continue
		}
		for {
			n, from, err := node.stack.Transport.Receive(sim.buf)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "receive",
					"node":     node.spec.Name,
					"error":    err.Error(),
				}).Debug("Receive failed")
				break
			}
			if n == 0 {
				break
			}
			node.result.Delivered = append(node.result.Delivered, Delivery{
				Tick: tick,
				From: sim.nameOf(node, from),
				Data: string(sim.buf[:n]),
			})
		}
	}
}

func (sim *simulation) nameOf(node *simNode, h transport.PeerHandle) string {
	if info, ok := transport.FindPeer(node.stack.Transport.Peers(), h); ok {
		return info.Name
	}
	return h.String()
}

func (sim *simulation) results() []NodeResult {
	out := make([]NodeResult, 0, len(sim.nodes))
	for _, node := range sim.nodes {
		r := node.result
		r.Handle = node.stack.Transport.Handle()
		if s := node.stack.Reliable; s != nil && !node.gone {
			for _, p := range node.stack.Transport.Peers() {
				r.Pending += s.Pending(p.Handle)
				if s.Faulty(p.Handle) {
					r.Faulty++
				}
			}
		}
		if s := node.stack.Relay; s != nil {
			r.Relayed = s.Stats().Relayed
			r.Forwarded = s.Stats().Forwarded
		}
		out = append(out, r)
	}
	return out
}

func (sim *simulation) close() {
	for _, node := range sim.nodes {
		if err := node.stack.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "close",
				"node":     node.spec.Name,
				"error":    err.Error(),
			}).Debug("Error closing stack")
		}
	}
}
