package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/peertransport/diagnostics"
	"github.com/opd-ai/peertransport/factory"
	"github.com/opd-ai/peertransport/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var simulateFlags struct {
	scenario    string
	config      string
	ticks       int
	record      string
	recordNode  uint64
	metricsAddr string
	tickDelay   time.Duration
}

func init() {
	f := simulateCmd.Flags()
	f.StringVarP(&simulateFlags.scenario, "scenario", "s", "", "scenario TOML file")
	f.StringVar(&simulateFlags.config, "config", "", "stack TOML file replacing the scenario's [stack] section")
	f.IntVar(&simulateFlags.ticks, "ticks", 0, "override the scenario tick count")
	f.StringVar(&simulateFlags.record, "record", "", "write a diagnostics recording to this file")
	f.Uint64Var(&simulateFlags.recordNode, "record-node", 0, "user id of the recorded node (default: first node)")
	f.StringVar(&simulateFlags.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address during the run")
	f.DurationVar(&simulateFlags.tickDelay, "tick-delay", 0, "wall-clock pause after every tick")
	simulateCmd.MarkFlagRequired("scenario")

	rootCmd.AddCommand(simulateCmd)
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a scenario through simulated transport stacks",
	Args:  cobra.NoArgs,
	RunE:  runSimulate,
}

// loadRunScenario layers defaults, the scenario file, an optional stack
// config file, PEERSIM_* variables and flags, in that order.
func loadRunScenario(cmd *cobra.Command) (*Scenario, error) {
	s, err := LoadScenario(simulateFlags.scenario)
	if err != nil {
		return nil, err
	}
	if simulateFlags.config != "" {
		cfg, err := factory.LoadConfig(simulateFlags.config)
		if err != nil {
			return nil, err
		}
		s.Stack = *cfg
	}
	applyEnvironmentOverrides(s)
	if cmd.Flags().Changed("ticks") {
		s.Ticks = simulateFlags.ticks
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	s, err := loadRunScenario(cmd)
	if err != nil {
		return err
	}

	var opts runOptions
	opts.recordNode = transport.UserID(simulateFlags.recordNode)

	if simulateFlags.record != "" {
		f, err := os.Create(simulateFlags.record)
		if err != nil {
			return fmt.Errorf("create recording: %w", err)
		}
		w := bufio.NewWriter(f)
		defer func() {
			if err := w.Flush(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "runSimulate",
					"error":    err.Error(),
				}).Error("Failed to flush recording")
			}
			f.Close()
		}()
		opts.record = w

		tag := uuid.New()
		logrus.WithFields(logrus.Fields{
			"function": "runSimulate",
			"file":     simulateFlags.record,
			"tag":      tag.String(),
		}).Info("Recording enabled")
		pterm.Info.Printfln("Recording to %s (session %s)", simulateFlags.record, tag)
	}

	if simulateFlags.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts.metrics = diagnostics.NewMetrics(reg)
		srv, err := startMetricsServer(simulateFlags.metricsAddr, metricsHandler(reg))
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		defer srv.Shutdown()
		pterm.Info.Printfln("Serving metrics on http://%s/metrics", srv.addr)
	}

	if d := simulateFlags.tickDelay; d > 0 {
		opts.onTick = func(int) { time.Sleep(d) }
	}

	sim, err := newSimulation(s, opts)
	if err != nil {
		return err
	}
	defer sim.close()

	pterm.DefaultSection.Printfln("Lobby %s: %d nodes, %d ticks of %s",
		sim.lobby.ID(), len(s.Nodes), s.Ticks, s.Tick)

	results := sim.run(opts)
	return printResults(results)
}

func printResults(results []NodeResult) error {
	nodes := pterm.TableData{{"Node", "User", "Handle", "Sent", "Failed", "Received", "Pending", "Faulty", "Relayed", "Forwarded", "Error"}}
	for _, r := range results {
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		nodes = append(nodes, []string{
			r.Name,
			strconv.FormatUint(uint64(r.ID), 10),
			r.Handle.String(),
			strconv.Itoa(r.Sent),
			strconv.Itoa(r.Failed),
			strconv.Itoa(len(r.Delivered)),
			strconv.Itoa(r.Pending),
			strconv.Itoa(r.Faulty),
			strconv.FormatUint(r.Relayed, 10),
			strconv.FormatUint(r.Forwarded, 10),
			errText,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(nodes).Render(); err != nil {
		return err
	}

	deliveries := pterm.TableData{{"Tick", "Node", "From", "Data"}}
	for _, r := range results {
		for _, d := range r.Delivered {
			deliveries = append(deliveries, []string{strconv.Itoa(d.Tick), r.Name, d.From, d.Data})
		}
	}
	if len(deliveries) == 1 {
		pterm.Warning.Println("No messages were delivered")
		return nil
	}
	pterm.DefaultSection.Println("Deliveries")
	return pterm.DefaultTable.WithHasHeader().WithData(deliveries).Render()
}
