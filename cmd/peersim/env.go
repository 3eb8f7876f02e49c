package main

import (
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Environment variables read by applyEnvironmentOverrides.
const (
	envTicks              = "PEERSIM_TICKS"
	envSynchronous        = "PEERSIM_SYNCHRONOUS"
	envRetransmitInterval = "PEERSIM_RETRANSMIT_INTERVAL"
	envMaxResends         = "PEERSIM_MAX_RESENDS"
	envRelaySeed          = "PEERSIM_RELAY_SEED"
)

// applyEnvironmentOverrides updates s from PEERSIM_* variables. Values that
// fail to parse are logged and ignored.
func applyEnvironmentOverrides(s *Scenario) {
	parseIntSetting(envTicks, &s.Ticks)
	parseBoolSetting(envSynchronous, &s.Stack.Async.Synchronous)
	parseDurationSetting(envRetransmitInterval, &s.Stack.Reliable.RetransmitInterval)
	parseIntSetting(envMaxResends, &s.Stack.Reliable.MaxResends)
	parseUintSetting(envRelaySeed, &s.Stack.Relay.Seed)
}

func warnInvalid(name, value string, err error, using interface{}) {
	logrus.WithFields(logrus.Fields{
		"function":    "applyEnvironmentOverrides",
		"env_var":     name,
		"value":       value,
		"error":       err.Error(),
		"using_value": using,
	}).Warn("Failed to parse environment variable, using previous value")
}

func parseIntSetting(name string, dst *int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		warnInvalid(name, raw, err, *dst)
		return
	}
	*dst = v
}

func parseUintSetting(name string, dst *uint64) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		warnInvalid(name, raw, err, *dst)
		return
	}
	*dst = v
}

func parseBoolSetting(name string, dst *bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		warnInvalid(name, raw, err, *dst)
		return
	}
	*dst = v
}

func parseDurationSetting(name string, dst *time.Duration) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		warnInvalid(name, raw, err, dst.String())
		return
	}
	*dst = v
}
