package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errOut
	err := app.RunContext(context.Background(), append([]string{"schedsim"}, args...))
	return out.String(), err
}

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const pairTOML = `
name = "pair"
duration_us = 240000

[[reservation]]
name = "phone"
handle = 0
min_interval_us = 120000
duration_us = 2000

[[reservation]]
name = "watch"
handle = 1
min_interval_us = 120000
duration_us = 2000
`

func TestRunCommandPrintsSummaryAndMetrics(t *testing.T) {
	out, err := runApp(t, "run", "--dump-metrics", writeScenario(t, pairTOML))
	require.NoError(t, err)

	require.Contains(t, out, "scenario pair")
	require.Contains(t, out, "2 placements, 0 rejections")
	require.Contains(t, out, "collisions: bitmask=0 uncommon=0 topology=0")
	require.Contains(t, out, "final: common=120000us depth=1 bitmask=11 capacity=20%")
	require.Contains(t, out, "sched_reservations_active 2")
	require.Contains(t, out, `sched_operations_total{op="add",result="ok"} 2`)
}

func TestRunCommandWritesReport(t *testing.T) {
	reportPath := filepath.Join(t.TempDir(), "report.json")
	_, err := runApp(t, "run", "--report", reportPath, writeScenario(t, pairTOML))
	require.NoError(t, err)

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var rep struct {
		Scenario   string `json:"scenario"`
		Placements []struct {
			Name       string `json:"name"`
			OffsetUsec uint32 `json:"offset_us"`
		} `json:"placements"`
	}
	require.NoError(t, json.Unmarshal(data, &rep))
	require.Equal(t, "pair", rep.Scenario)
	require.Len(t, rep.Placements, 2)
	require.EqualValues(t, 1250, rep.Placements[0].OffsetUsec)
	require.EqualValues(t, 61250, rep.Placements[1].OffsetUsec)
}

func TestRunCommandTracesRadioIdentity(t *testing.T) {
	t.Setenv("SCHEDSIM_RADIO_ID", "hci2")
	var out, errOut bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errOut
	err := app.RunContext(context.Background(), []string{
		"schedsim", "run", "--tracing", "--tracing-exporter", "stdout", writeScenario(t, pairTOML),
	})
	require.NoError(t, err)

	traces := errOut.String()
	require.Contains(t, traces, `"rm.add"`)
	require.Contains(t, traces, `"ble.radio.id"`)
	require.Contains(t, traces, `"hci2"`)
	require.Contains(t, traces, `"ble.scenario"`)
	require.Contains(t, traces, `"accelerated"`)
}

func TestRunCommandRequiresScenario(t *testing.T) {
	_, err := runApp(t, "run")
	require.ErrorContains(t, err, "exactly one scenario path")

	_, err = runApp(t, "run", filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorContains(t, err, "open scenario")
}

func TestCheckCommand(t *testing.T) {
	good := writeScenario(t, pairTOML)
	out, err := runApp(t, "check", good)
	require.NoError(t, err)
	require.Contains(t, out, "ok   "+good+" (pair: 2 reservations, 0 links)")

	bad := writeScenario(t, `
[[reservation]]
name = "broken"
handle = 99
min_interval_us = 40000
duration_us = 1000
`)
	out, err = runApp(t, "check", good, bad)
	require.ErrorContains(t, err, "1 invalid scenario(s)")
	require.Contains(t, out, "FAIL")
	require.Contains(t, out, "handle 99 outside the connection range")
}

func TestCheckCommandAcceptsExamples(t *testing.T) {
	paths, err := filepath.Glob("../../examples/scenarios/*.toml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	_, err = runApp(t, append([]string{"check"}, paths...)...)
	require.NoError(t, err)
}

func TestDepthCommand(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"120000", "30000"}, "depth 2 (exact)\n"},
		{[]string{"40000", "40000"}, "depth 0 (exact)\n"},
		{[]string{"100000", "30000"}, "depth 0 (not a power-of-two relative)\n"},
		{[]string{"--min-offset-unit-us", "5000", "40000", "2500"}, "depth 0 (not a power-of-two relative)\n"},
	}
	for _, tt := range tests {
		out, err := runApp(t, append([]string{"depth"}, tt.args...)...)
		require.NoError(t, err, tt.args)
		require.Equal(t, tt.want, out, tt.args)
	}

	_, err := runApp(t, "depth", "120000", "abc")
	require.ErrorContains(t, err, `invalid microsecond value "abc"`)
}

func TestPeriodicityCommand(t *testing.T) {
	out, err := runApp(t, "periodicity", "45000")
	require.NoError(t, err)
	require.Equal(t, "common periodicity 10000us\n", out)

	out, err = runApp(t, "periodicity", "40000")
	require.NoError(t, err)
	require.Equal(t, "common periodicity 40000us\n", out)

	out, err = runApp(t, "periodicity", "--pref-period-conn-us", "7500", "45000")
	require.NoError(t, err)
	require.Equal(t, "common periodicity 45000us\n", out)
}
