package supervisor

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// Far above any pid_max, so a stray signal cannot reach a real process.
const unusedPID = 1 << 30

type fakeTable struct {
	unsupported error
	running     map[int][]string
	swept       []int
}

func (f *fakeTable) supported() error { return f.unsupported }

func (f *fakeTable) commandLines() ([]string, error) { return nil, nil }

func (f *fakeTable) cmdline(pid int) ([]string, error) {
	args, ok := f.running[pid]
	if !ok {
		return nil, os.ErrNotExist
	}
	return args, nil
}

func (f *fakeTable) alive(pid int) bool {
	_, ok := f.running[pid]
	return ok
}

func (f *fakeTable) listeners(port int) ([]int, error) {
	f.swept = append(f.swept, port)
	return nil, nil
}

func newFakeSupervisor(t *testing.T, cfg Config, table *fakeTable) *Supervisor {
	t.Helper()
	if cfg.StateDir == "" {
		cfg.StateDir = t.TempDir()
	}
	cfg.Logger = zerolog.Nop()
	sup, err := New(cfg)
	require.NoError(t, err)
	sup.procs = table
	return sup
}

func TestMatchesEntry(t *testing.T) {
	cases := []struct {
		name  string
		title string
		args  []string
		want  bool
	}{
		{"binary", "Radar Subscriber", []string{"/opt/Radar_idl_generated/build/Radarmain", "subscriber"}, true},
		{"script", "Radar Subscriber", []string{"/bin/sh", "/opt/build/Radarmain", "subscriber"}, true},
		{"wrong role", "Radar Subscriber", []string{"/opt/build/Radarmain", "publisher"}, false},
		{"other module", "Radar Subscriber", []string{"/opt/build/Messagingmain", "subscriber"}, false},
		{"unrelated", "Radar Subscriber", []string{"/usr/bin/python3", "server.py"}, false},
		{"kernel thread", "Radar Subscriber", nil, false},
		{"module with spaces", "Fleet Radar Publisher", []string{"/opt/build/Fleet Radarmain", "publisher"}, true},
		{"arbitrary command", "Frontend", []string{"npm", "run", "dev"}, true},
		{"title without role", "Dashboard Server", []string{"node", "index.js"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, matchesEntry(tc.title, tc.args))
		})
	}
}

func TestTerminateAllLeavesReusedPIDAlone(t *testing.T) {
	table := &fakeTable{running: map[int][]string{unusedPID: {"/usr/bin/python3", "server.py"}}}
	sup := newFakeSupervisor(t, Config{}, table)
	require.NoError(t, sup.Ledger().Append(Entry{Title: "Radar Subscriber", PID: unusedPID}))

	report, err := sup.TerminateAll(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Entries, 1)
	require.Equal(t, OutcomeForeign, report.Entries[0].Outcome)
	require.Equal(t, 1, report.Stopped())
	require.True(t, table.alive(unusedPID))
	require.NoFileExists(t, sup.Ledger().Path())
}

func TestTerminateAllUnsupportedPlatformKeepsLedger(t *testing.T) {
	unsupported := errors.New("process control unavailable")
	sup := newFakeSupervisor(t, Config{}, &fakeTable{unsupported: unsupported})
	require.NoError(t, sup.Ledger().Append(Entry{Title: "Radar Publisher", PID: unusedPID}))
	before, err := os.ReadFile(sup.Ledger().Path())
	require.NoError(t, err)

	report, err := sup.TerminateAll(context.Background())
	require.ErrorIs(t, err, unsupported)
	require.Empty(t, report.Entries)

	after, err := os.ReadFile(sup.Ledger().Path())
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestTerminateAllUnsupportedPlatformEmptyLedger(t *testing.T) {
	sup := newFakeSupervisor(t, Config{}, &fakeTable{unsupported: errors.New("process control unavailable")})

	report, err := sup.TerminateAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Entries)
}

func TestTerminateAllSweepsPortWhenLedgerUnreadable(t *testing.T) {
	table := &fakeTable{}
	// A directory in place of the ledger file cannot be read.
	sup := newFakeSupervisor(t, Config{LedgerPath: t.TempDir(), FrontendPort: 5000}, table)

	_, err := sup.TerminateAll(context.Background())
	require.Error(t, err)
	require.Equal(t, []int{5000}, table.swept)
	require.DirExists(t, sup.Ledger().Path())
	require.Equal(t, StateTerminated, sup.State())
}
