package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/peertransport/diagnostics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runScenario(t *testing.T, path string, opts runOptions) []NodeResult {
	t.Helper()
	s, err := LoadScenario(path)
	require.NoError(t, err)

	sim, err := newSimulation(s, opts)
	require.NoError(t, err)
	defer sim.close()
	return sim.run(opts)
}

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "three_nodes.toml"))
	require.NoError(t, err)

	assert.Equal(t, 20, s.Ticks)
	assert.Equal(t, 16*time.Millisecond, s.Tick)
	assert.Len(t, s.Nodes, 3)
	assert.Len(t, s.Links, 2)
	assert.Equal(t, 50*time.Millisecond, s.Stack.Reliable.RetransmitInterval)
	assert.True(t, s.Stack.Async.Synchronous, "scenarios default to synchronous stacks")
	assert.True(t, s.Stack.Relay.Enabled)
}

func TestScenarioValidate(t *testing.T) {
	base := func() *Scenario {
		s := DefaultScenario()
		s.Nodes = []NodeSpec{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}}
		return s
	}
	tests := []struct {
		name   string
		mutate func(*Scenario)
	}{
		{"no nodes", func(s *Scenario) { s.Nodes = nil }},
		{"duplicate node", func(s *Scenario) { s.Nodes = append(s.Nodes, NodeSpec{ID: 1}) }},
		{"zero id", func(s *Scenario) { s.Nodes = append(s.Nodes, NodeSpec{Name: "z"}) }},
		{"unknown link end", func(s *Scenario) { s.Links = []LinkSpec{{A: 1, B: 9}} }},
		{"message after run", func(s *Scenario) {
			s.Messages = []MessageSpec{{Tick: s.Ticks, From: 1, To: 2, Data: "x"}}
		}},
		{"empty message", func(s *Scenario) { s.Messages = []MessageSpec{{From: 1, To: 2}} }},
		{"unknown action", func(s *Scenario) { s.Events = []EventSpec{{Action: "explode", A: 1}} }},
		{"zero ticks", func(s *Scenario) { s.Ticks = 0 }},
	}

	require.NoError(t, base().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			tt.mutate(s)
			assert.ErrorIs(t, s.Validate(), ErrInvalidScenario)
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv(envTicks, "7")
	t.Setenv(envSynchronous, "false")
	t.Setenv(envRetransmitInterval, "40ms")
	t.Setenv(envMaxResends, "not-a-number")
	t.Setenv(envRelaySeed, "99")

	s := DefaultScenario()
	applyEnvironmentOverrides(s)

	assert.Equal(t, 7, s.Ticks)
	assert.False(t, s.Stack.Async.Synchronous)
	assert.Equal(t, 40*time.Millisecond, s.Stack.Reliable.RetransmitInterval)
	assert.Equal(t, 10, s.Stack.Reliable.MaxResends, "unparsable value keeps the previous one")
	assert.Equal(t, uint64(99), s.Stack.Relay.Seed)
}

func TestSimulateThreeNodes(t *testing.T) {
	results := runScenario(t, filepath.Join("testdata", "three_nodes.toml"), runOptions{})
	require.Len(t, results, 3)
	a, b, c := results[0], results[1], results[2]

	assert.Equal(t, []Delivery{{Tick: 5, From: "A", Data: "hello"}}, c.Delivered)
	assert.Equal(t, []Delivery{{Tick: 7, From: "C", Data: "hi back"}}, a.Delivered)
	assert.Empty(t, b.Delivered)

	assert.Equal(t, 1, a.Sent)
	assert.Equal(t, 1, c.Sent)
	assert.Equal(t, uint64(2), b.Forwarded)
	for _, r := range results {
		assert.Zero(t, r.Failed, r.Name)
		assert.Zero(t, r.Pending, r.Name)
		assert.Zero(t, r.Faulty, r.Name)
		assert.NoError(t, r.Err, r.Name)
		assert.True(t, r.Handle.Valid(), r.Name)
	}
}

func TestSimulateChurn(t *testing.T) {
	results := runScenario(t, filepath.Join("testdata", "churn.toml"), runOptions{})
	require.Len(t, results, 3)
	owner, guest := results[0], results[1]

	assert.Equal(t, []Delivery{{Tick: 2, From: "owner", Data: "before"}}, guest.Delivered)
	assert.Equal(t, 1, owner.Sent)
	assert.Equal(t, 1, owner.Failed, "send to a departed node fails")
	assert.Equal(t, 1, guest.Failed, "no route once the only link is cut")
	assert.Zero(t, owner.Pending)
}

func TestSimulateRecordingReplays(t *testing.T) {
	var rec bytes.Buffer
	runScenario(t, filepath.Join("testdata", "three_nodes.toml"), runOptions{
		record:     &rec,
		recordNode: 1002,
	})

	rows, counts, err := replayTable(bytes.NewReader(rec.Bytes()))
	require.NoError(t, err)
	assert.Greater(t, len(rows), 1)
	assert.GreaterOrEqual(t, counts[diagnostics.KindTopology], 1)
	assert.GreaterOrEqual(t, counts[diagnostics.KindReceived], 2, "relayer saw both messages")
	assert.GreaterOrEqual(t, counts[diagnostics.KindSendSuccess], 2, "relayer forwarded both messages")
	assert.Zero(t, counts[diagnostics.KindSendFailure])

	truncated := rec.Bytes()[:rec.Len()-1]
	_, _, err = replayTable(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := diagnostics.NewMetrics(reg)
	metrics.Bytes.WithLabelValues("A", "out").Add(42)

	srv := httptest.NewServer(metricsHandler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `peertransport_bytes_total{direction="out",node="A"} 42`)
}

func TestSimulateCommand(t *testing.T) {
	dir := t.TempDir()
	recording := filepath.Join(dir, "run.rec")

	rootCmd.SetArgs([]string{"simulate",
		"--scenario", filepath.Join("testdata", "three_nodes.toml"),
		"--record", recording,
		"--ticks", "12",
	})
	require.NoError(t, rootCmd.Execute())

	info, err := os.Stat(recording)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	rootCmd.SetArgs([]string{"replay", recording})
	require.NoError(t, rootCmd.Execute())
}
