package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Teardown outcome per ledger entry.
const (
	OutcomeAlreadyStopped = "already-stopped"
	OutcomeTerminated     = "terminated"
	OutcomeKilled         = "killed"
	OutcomeFailed         = "failed"

	// OutcomeForeign marks a live PID now running something other than the
	// recorded entry. It is left alone.
	OutcomeForeign = "pid-reused"
)

const (
	killSettle   = 2 * time.Second
	livenessPoll = 50 * time.Millisecond
)

// EntryResult is the teardown outcome for one ledger entry.
type EntryResult struct {
	Entry   Entry  `json:"entry"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// Report summarises a teardown.
type Report struct {
	Entries  []EntryResult `json:"entries"`
	Swept    []int         `json:"swept,omitempty"`
	Retained []Entry       `json:"retained,omitempty"`
}

// Stopped counts entries that are no longer running.
func (r Report) Stopped() int {
	n := 0
	for _, e := range r.Entries {
		if e.Outcome != OutcomeFailed {
			n++
		}
	}
	return n
}

// TeardownPartial lists the entries that could not be stopped. They stay in
// the ledger for a later attempt.
type TeardownPartial struct {
	Failures []EntryResult
}

func (e *TeardownPartial) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Entry.String(), f.Error))
	}
	return "teardown incomplete: " + strings.Join(parts, "; ")
}

// TerminateAll stops every process recorded in the ledger: SIGTERM to the
// process group, SIGKILL after GracePeriod. It then force-kills anything
// still listening on the front-end port and removes the ledger. Entries that
// could not be stopped are written back instead.
func (s *Supervisor) TerminateAll(ctx context.Context) (Report, error) {
	s.transition(StateShuttingDown)
	defer s.transition(StateTerminated)

	var report Report
	entries, err := s.ledger.Entries()
	if err != nil {
		s.log.Error().Err(err).Str("ledger", s.ledger.Path()).Msg("ledger unreadable, sweeping port only")
		report.Swept = s.sweepPort()
		return report, err
	}
	if len(entries) > 0 {
		if err := s.procs.supported(); err != nil {
			return report, fmt.Errorf("teardown of %d ledger entries: %w", len(entries), err)
		}
	}

	var failures []EntryResult
	for _, entry := range entries {
		result := s.stop(ctx, entry)
		report.Entries = append(report.Entries, result)
		logger := s.log.With().Str("title", entry.Title).Int("pid", entry.PID).Str("outcome", result.Outcome).Logger()
		if result.Outcome == OutcomeFailed {
			failures = append(failures, result)
			report.Retained = append(report.Retained, entry)
			logger.Error().Str("error", result.Error).Msg("could not stop process")
			continue
		}
		logger.Info().Msg("process stopped")
	}

	report.Swept = s.sweepPort()

	if err := s.ledger.Rewrite(report.Retained); err != nil {
		return report, err
	}
	if len(failures) > 0 {
		return report, &TeardownPartial{Failures: failures}
	}
	return report, nil
}

func (s *Supervisor) stop(ctx context.Context, entry Entry) EntryResult {
	result := EntryResult{Entry: entry}
	if !s.procs.alive(entry.PID) {
		result.Outcome = OutcomeAlreadyStopped
		return result
	}
	if args, err := s.procs.cmdline(entry.PID); err == nil && !matchesEntry(entry.Title, args) {
		s.log.Warn().Str("title", entry.Title).Int("pid", entry.PID).Strs("cmdline", args).Msg("pid now belongs to another process, not signalling")
		result.Outcome = OutcomeForeign
		return result
	}

	if err := signalProcess(entry.PID, sigTerm); err != nil && s.procs.alive(entry.PID) {
		result.Outcome = OutcomeFailed
		result.Error = fmt.Sprintf("sigterm: %v", err)
		return result
	}
	if s.waitExit(ctx, entry.PID, s.cfg.GracePeriod) {
		result.Outcome = OutcomeTerminated
		return result
	}

	if err := signalProcess(entry.PID, sigKill); err != nil && s.procs.alive(entry.PID) {
		result.Outcome = OutcomeFailed
		result.Error = fmt.Sprintf("sigkill: %v", err)
		return result
	}
	// SIGKILL is not optional; wait for it even when ctx is done.
	if s.waitExit(context.Background(), entry.PID, killSettle) {
		result.Outcome = OutcomeKilled
		return result
	}
	result.Outcome = OutcomeFailed
	result.Error = "still running after SIGKILL"
	return result
}

// waitExit polls until pid is gone or the wait elapses. A cancelled ctx cuts
// the grace period short.
func (s *Supervisor) waitExit(ctx context.Context, pid int, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for {
		if !s.procs.alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !s.procs.alive(pid)
		case <-time.After(livenessPoll):
		}
	}
}

func (s *Supervisor) sweepPort() []int {
	if s.cfg.FrontendPort <= 0 {
		return nil
	}
	pids, err := s.procs.listeners(s.cfg.FrontendPort)
	if err != nil {
		s.log.Warn().Err(err).Int("port", s.cfg.FrontendPort).Msg("port sweep skipped")
		return nil
	}
	var swept []int
	for _, pid := range pids {
		if err := signalPID(pid, sigKill); err != nil {
			s.log.Warn().Err(err).Int("pid", pid).Msg("port sweep kill failed")
			continue
		}
		s.log.Info().Int("pid", pid).Int("port", s.cfg.FrontendPort).Msg("killed orphaned listener")
		swept = append(swept, pid)
	}
	return swept
}

// matchesEntry reports whether args could be the process launched under a
// module ledger title such as "Radar Subscriber": the last argument is the
// role and an earlier argument is the <module>main entry point. Titles of
// arbitrary commands carry nothing to compare and always match.
func matchesEntry(title string, args []string) bool {
	cut := strings.LastIndexByte(title, ' ')
	if cut <= 0 {
		return true
	}
	role, err := ParseRole(title[cut+1:])
	if err != nil {
		return true
	}
	if len(args) < 2 || args[len(args)-1] != string(role) {
		return false
	}
	prefix := title[:cut] + "main"
	for _, arg := range args[:len(args)-1] {
		if strings.HasPrefix(filepath.Base(arg), prefix) {
			return true
		}
	}
	return false
}
