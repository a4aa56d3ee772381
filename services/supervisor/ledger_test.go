package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseEntry(t *testing.T) {
	tests := []struct {
		line    string
		want    Entry
		wantErr bool
	}{
		{line: "Messaging Publisher PID: 4242", want: Entry{Title: "Messaging Publisher", PID: 4242}},
		{line: "Dashboard PID: 7\r\n", want: Entry{Title: "Dashboard", PID: 7}},
		{line: "Odd PID: name PID: 12", want: Entry{Title: "Odd PID: name", PID: 12}},
		{line: "Messaging Publisher 4242", wantErr: true},
		{line: "Messaging Publisher PID: abc", wantErr: true},
		{line: "Messaging Publisher PID: -3", wantErr: true},
		{line: " PID: 3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseEntry(tt.line)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestLedgerLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "fleet.pids")
	ledger := NewLedger(path, zerolog.Nop())

	entries, err := ledger.Entries()
	require.NoError(t, err)
	require.Empty(t, entries)

	require.NoError(t, ledger.Append(Entry{Title: "Messaging Publisher", PID: 10}))
	require.NoError(t, ledger.Append(Entry{Title: "Messaging Subscriber", PID: 11}))
	require.Error(t, ledger.Append(Entry{Title: "bad\ntitle", PID: 12}))
	require.Error(t, ledger.Append(Entry{Title: "zero", PID: 0}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "Messaging Publisher PID: 10\nMessaging Subscriber PID: 11\n", string(data))

	entries, err = ledger.Entries()
	require.NoError(t, err)
	require.Equal(t, []Entry{{Title: "Messaging Publisher", PID: 10}, {Title: "Messaging Subscriber", PID: 11}}, entries)

	require.NoError(t, ledger.Rewrite([]Entry{{Title: "Messaging Subscriber", PID: 11}}))
	entries, err = ledger.Entries()
	require.NoError(t, err)
	require.Equal(t, []Entry{{Title: "Messaging Subscriber", PID: 11}}, entries)

	require.NoError(t, ledger.Rewrite(nil))
	require.NoFileExists(t, path)
	require.NoError(t, ledger.Remove())
}

func TestLedgerSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.pids")
	require.NoError(t, os.WriteFile(path, []byte("Radar Publisher PID: 5\ngarbage\n\nRadar Subscriber PID: 6\n"), 0o644))

	entries, err := NewLedger(path, zerolog.Nop()).Entries()
	require.NoError(t, err)
	require.Equal(t, []Entry{{Title: "Radar Publisher", PID: 5}, {Title: "Radar Subscriber", PID: 6}}, entries)
}
