package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ddsfleet/services/modules"
)

const (
	DefaultGracePeriod  = 5 * time.Second
	DefaultPollInterval = time.Second

	logsDirName = "logs"
)

// ErrReadinessTimeout is recorded when no probe succeeded in time. It is
// never fatal.
var ErrReadinessTimeout = errors.New("supervisor: no participant became ready before the timeout")

// Role is the positional argument handed to a module entry point.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// ParseRole accepts the two roles case-insensitively.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RolePublisher:
		return RolePublisher, nil
	case RoleSubscriber:
		return RoleSubscriber, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Title returns the capitalised role name used in ledger titles.
func (r Role) Title() string {
	if r == "" {
		return ""
	}
	return strings.ToUpper(string(r[:1])) + string(r[1:])
}

// LaunchedProcess describes one child started by the supervisor.
type LaunchedProcess struct {
	Title      string    `json:"title"`
	PID        int       `json:"pid"`
	Role       Role      `json:"role,omitempty"`
	Module     string    `json:"module,omitempty"`
	Entrypoint string    `json:"entrypoint"`
	LogPath    string    `json:"log_path"`
	StartedAt  time.Time `json:"started_at"`
}

// LaunchFailure reports a child that could not be started. The ledger is
// left untouched.
type LaunchFailure struct {
	Title string
	Err   error
}

func (e *LaunchFailure) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Title, e.Err)
}

func (e *LaunchFailure) Unwrap() error { return e.Err }

// processTable is the view of running processes used for liveness checks,
// readiness probing and the port sweep.
type processTable interface {
	supported() error
	commandLines() ([]string, error)
	cmdline(pid int) ([]string, error)
	alive(pid int) bool
	listeners(port int) ([]int, error)
}

// Config holds supervisor settings.
type Config struct {
	// StateDir receives logs/<module>_<role>.log.
	StateDir     string
	LedgerPath   string
	GracePeriod  time.Duration
	PollInterval time.Duration
	// FrontendPort is swept of listeners during teardown. Zero disables the sweep.
	FrontendPort int
	// Env is appended to the inherited environment of every child.
	Env    []string
	Logger zerolog.Logger
}

// Supervisor launches detached children, records them in the ledger and
// tears them down again, possibly from a different invocation.
type Supervisor struct {
	cfg    Config
	ledger *Ledger
	procs  processTable
	log    zerolog.Logger
	state  stateMachine

	mu       sync.Mutex
	launched []LaunchedProcess
}

// New builds a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if strings.TrimSpace(cfg.StateDir) == "" {
		return nil, errors.New("supervisor: state dir is required")
	}
	if strings.TrimSpace(cfg.LedgerPath) == "" {
		cfg.LedgerPath = filepath.Join(cfg.StateDir, "fleet.pids")
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger.With().Str("component", "supervisor").Logger()
	return &Supervisor{
		cfg:    cfg,
		ledger: NewLedger(cfg.LedgerPath, cfg.Logger),
		procs:  newProcessTable(),
		log:    logger,
	}, nil
}

// Ledger exposes the process ledger.
func (s *Supervisor) Ledger() *Ledger { return s.ledger }

// State returns the current lifecycle phase.
func (s *Supervisor) State() State { return s.state.get() }

// Launched returns the children started by this Supervisor instance.
func (s *Supervisor) Launched() []LaunchedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LaunchedProcess(nil), s.launched...)
}

func (s *Supervisor) transition(to State) {
	from, ok := s.state.move(to)
	if !ok {
		s.log.Warn().Str("from", string(from)).Str("to", string(to)).Msg("ignoring illegal state transition")
		return
	}
	if from != to {
		s.log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("state changed")
	}
}

// Launch starts the module's entry point in role, detached from the caller.
func (s *Supervisor) Launch(ctx context.Context, m modules.Module, role Role) (*LaunchedProcess, error) {
	title := m.Name + " " + role.Title()
	if role != RolePublisher && role != RoleSubscriber {
		return nil, &LaunchFailure{Title: title, Err: fmt.Errorf("unknown role %q", role)}
	}
	proc, err := s.start(ctx, title, []string{m.Entrypoint, string(role)}, m.Dir, m.Name+"_"+string(role))
	if err != nil {
		return nil, err
	}
	proc.Role = role
	proc.Module = m.Name
	s.record(*proc)
	return proc, nil
}

// LaunchCommand starts an arbitrary command, such as the dashboard front
// end, under the same ledger contract as Launch.
func (s *Supervisor) LaunchCommand(ctx context.Context, title string, argv []string, dir string) (*LaunchedProcess, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, &LaunchFailure{Title: title, Err: errors.New("empty command")}
	}
	proc, err := s.start(ctx, title, argv, dir, logName(title))
	if err != nil {
		return nil, err
	}
	s.record(*proc)
	return proc, nil
}

func (s *Supervisor) record(proc LaunchedProcess) {
	s.mu.Lock()
	s.launched = append(s.launched, proc)
	s.mu.Unlock()
}

func (s *Supervisor) start(ctx context.Context, title string, argv []string, dir, logBase string) (*LaunchedProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, &LaunchFailure{Title: title, Err: err}
	}
	s.transition(StateLaunching)

	logPath := filepath.Join(s.cfg.StateDir, logsDirName, logBase+".log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, &LaunchFailure{Title: title, Err: fmt.Errorf("create log dir: %w", err)}
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &LaunchFailure{Title: title, Err: fmt.Errorf("open log: %w", err)}
	}
	defer logFile.Close()

	// Not CommandContext: children must outlive this invocation.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.SysProcAttr = detachedAttr()

	if err := cmd.Start(); err != nil {
		return nil, &LaunchFailure{Title: title, Err: err}
	}
	pid := cmd.Process.Pid
	go func() {
		// Reap in the background so an exited child never lingers as a zombie.
		_ = cmd.Wait()
	}()

	if err := s.ledger.Append(Entry{Title: title, PID: pid}); err != nil {
		// An untracked child could never be torn down; do not leave one behind.
		_ = signalProcess(pid, sigKill)
		return nil, &LaunchFailure{Title: title, Err: err}
	}

	s.log.Info().Str("title", title).Int("pid", pid).Str("log", logPath).Msg("process launched")
	return &LaunchedProcess{
		Title:      title,
		PID:        pid,
		Entrypoint: argv[0],
		LogPath:    logPath,
		StartedAt:  time.Now().UTC(),
	}, nil
}

// AwaitAnyReady probes immediately and then every PollInterval until probe
// succeeds, the timeout elapses or ctx is cancelled. It never stops children.
func (s *Supervisor) AwaitAnyReady(ctx context.Context, probe LivenessProbe, timeout time.Duration) bool {
	s.transition(StateAwaitingReadiness)
	defer s.transition(StateRunning)

	if probe == nil {
		return false
	}
	if timeout <= 0 {
		return probe.Check(ctx) == nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		err := probe.Check(waitCtx)
		if err == nil {
			s.log.Info().Str("probe", probe.String()).Msg("participant ready")
			return true
		}
		s.log.Debug().Err(err).Str("probe", probe.String()).Msg("not ready yet")

		select {
		case <-waitCtx.Done():
			if ctx.Err() == nil {
				s.log.Warn().Dur("timeout", timeout).Msg("readiness wait timed out")
			}
			return false
		case <-ticker.C:
		}
	}
}

func logName(title string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "command"
	}
	return b.String()
}
