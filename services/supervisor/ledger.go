package supervisor

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"ddsfleet/pkg/fsutil"
)

const ledgerSeparator = " PID: "

// Entry is one line of the ledger: "<title> PID: <pid>".
type Entry struct {
	Title string `json:"title"`
	PID   int    `json:"pid"`
}

func (e Entry) String() string {
	return e.Title + ledgerSeparator + strconv.Itoa(e.PID)
}

// ParseEntry parses a single ledger line.
func ParseEntry(line string) (Entry, error) {
	line = strings.TrimRight(line, "\r\n")
	idx := strings.LastIndex(line, ledgerSeparator)
	if idx <= 0 {
		return Entry{}, fmt.Errorf("ledger line %q: missing %q", line, strings.TrimSpace(ledgerSeparator))
	}
	title := strings.TrimSpace(line[:idx])
	pid, err := strconv.Atoi(strings.TrimSpace(line[idx+len(ledgerSeparator):]))
	if err != nil || pid <= 0 {
		return Entry{}, fmt.Errorf("ledger line %q: invalid pid", line)
	}
	if title == "" {
		return Entry{}, fmt.Errorf("ledger line %q: empty title", line)
	}
	return Entry{Title: title, PID: pid}, nil
}

// Ledger is the append-only record of launched processes, shared between the
// run that starts the fleet and the run that tears it down.
type Ledger struct {
	path string
	log  zerolog.Logger
	mu   sync.Mutex
}

// NewLedger returns a ledger stored at path.
func NewLedger(path string, logger zerolog.Logger) *Ledger {
	return &Ledger{path: path, log: logger.With().Str("component", "ledger").Logger()}
}

// Path returns the ledger file location.
func (l *Ledger) Path() string { return l.path }

// Append writes one entry and syncs it to disk before returning.
func (l *Ledger) Append(entry Entry) error {
	if entry.PID <= 0 || strings.TrimSpace(entry.Title) == "" || strings.ContainsAny(entry.Title, "\r\n") {
		return fmt.Errorf("ledger: invalid entry %q", entry.String())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("ledger: create dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("ledger: open: %w", err)
	}
	if _, err := f.WriteString(entry.String() + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("ledger: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("ledger: sync: %w", err)
	}
	return f.Close()
}

// Entries returns every parseable entry in file order. A missing ledger is
// empty. Malformed lines are skipped with a warning.
func (l *Ledger) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: read: %w", err)
	}

	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		entry, err := ParseEntry(line)
		if err != nil {
			l.log.Warn().Err(err).Int("line", lineNo).Msg("skipping malformed ledger line")
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("ledger: scan: %w", err)
	}
	return entries, nil
}

// Remove deletes the ledger. Removing a missing ledger is not an error.
func (l *Ledger) Remove() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ledger: remove: %w", err)
	}
	return nil
}

// Rewrite replaces the ledger with entries, or removes it when entries is empty.
func (l *Ledger) Rewrite(entries []Entry) error {
	if len(entries) == 0 {
		return l.Remove()
	}
	var buf bytes.Buffer
	for _, entry := range entries {
		buf.WriteString(entry.String())
		buf.WriteByte('\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := fsutil.WriteFileAtomic(l.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("ledger: rewrite: %w", err)
	}
	return nil
}
