package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ddsfleet/pkg/metrics"
	"ddsfleet/pkg/telemetry"
	"ddsfleet/services/certstore"
	"ddsfleet/services/issuer"
	"ddsfleet/services/modules"
	"ddsfleet/services/supervisor"
)

// Identity modes.
const (
	IdentityIssue  = "issue"
	IdentityImport = "import"
)

const (
	DefaultMaxProcesses = 16
	DefaultReadyTimeout = 30 * time.Second

	frontendTitle = "Frontend"
)

// Options configures an Orchestrator. Zero values fall back to defaults.
type Options struct {
	Label        string
	ModulesDir   string
	IdentityMode string
	Documents    issuer.DocumentOptions
	Roles        []supervisor.Role
	MaxProcesses int
	ReadyTimeout time.Duration

	FrontendPort      int
	FrontendCommand   []string
	FrontendDir       string
	FrontendHealthURL string

	Events   EventPublisher
	Metrics  *metrics.Recorder
	Frontend Frontend
	Logger   zerolog.Logger
}

// UpResult records everything BringUp did. Only identity and discovery
// failures abort a run; the rest is collected here.
type UpResult struct {
	RunID             uuid.UUID                    `json:"run_id"`
	StartedAt         time.Time                    `json:"started_at"`
	Label             string                       `json:"label"`
	CARotated         bool                         `json:"ca_rotated"`
	ParticipantIssued bool                         `json:"participant_issued"`
	DocumentsWritten  bool                         `json:"documents_written"`
	Modules           []modules.Module             `json:"modules"`
	Warnings          []modules.DiscoveryWarning   `json:"warnings,omitempty"`
	Launched          []supervisor.LaunchedProcess `json:"launched"`
	Failures          []*supervisor.LaunchFailure  `json:"-"`
	Skipped           []string                     `json:"skipped,omitempty"`
	Ready             bool                         `json:"ready"`
	Readiness         error                        `json:"-"`
}

// Orchestrator sequences identity, discovery, launch and readiness for one
// host, and tears the fleet down again.
type Orchestrator struct {
	opts   Options
	issuer *issuer.Issuer
	sup    *supervisor.Supervisor
	log    zerolog.Logger
	tracer trace.Tracer
}

// New wires an Orchestrator over the given issuer and supervisor.
func New(iss *issuer.Issuer, sup *supervisor.Supervisor, opts Options) (*Orchestrator, error) {
	if iss == nil {
		return nil, errors.New("issuer is required")
	}
	if sup == nil {
		return nil, errors.New("supervisor is required")
	}
	if err := certstore.ValidateLabel(opts.Label); err != nil {
		return nil, err
	}
	switch opts.IdentityMode {
	case "":
		opts.IdentityMode = IdentityIssue
	case IdentityIssue, IdentityImport:
	default:
		return nil, fmt.Errorf("unknown identity mode %q", opts.IdentityMode)
	}
	if len(opts.Roles) == 0 {
		opts.Roles = []supervisor.Role{supervisor.RolePublisher, supervisor.RoleSubscriber}
	}
	if opts.MaxProcesses <= 0 {
		opts.MaxProcesses = DefaultMaxProcesses
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	logger := opts.Logger.With().Str("component", "orchestrator").Logger()
	if opts.Frontend == nil {
		opts.Frontend = LogFrontend{Port: opts.FrontendPort, Logger: logger}
	}
	return &Orchestrator{
		opts:   opts,
		issuer: iss,
		sup:    sup,
		log:    logger,
		tracer: telemetry.Tracer("ddsfleet/orchestrator"),
	}, nil
}

// Supervisor exposes the process supervisor, for status reporting.
func (o *Orchestrator) Supervisor() *supervisor.Supervisor { return o.sup }

// ModulesDir is the directory scanned by BringUp.
func (o *Orchestrator) ModulesDir() string { return o.opts.ModulesDir }

// BringUp ensures the local identity, discovers modules, launches their role
// processes and waits a bounded time for any of them to become ready.
func (o *Orchestrator) BringUp(ctx context.Context) (*UpResult, error) {
	result := &UpResult{
		RunID:     uuid.New(),
		StartedAt: time.Now().UTC(),
		Label:     o.opts.Label,
	}
	log := o.log.With().Str("run_id", result.RunID.String()).Logger()

	ctx, span := o.tracer.Start(ctx, "fleet.up", trace.WithAttributes(
		attribute.String("run_id", result.RunID.String()),
		attribute.String("label", o.opts.Label),
	))
	defer span.End()

	var participant *certstore.ParticipantIdentity
	var ca *certstore.CertificateAuthority
	err := o.phase(ctx, "identity", func(ctx context.Context) error {
		var err error
		ca, participant, err = o.ensureIdentity(ctx, result)
		return err
	})
	if err != nil {
		return result, fail(span, err)
	}

	var discovered modules.Result
	err = o.phase(ctx, "discovery", func(ctx context.Context) error {
		var err error
		discovered, err = modules.Discover(o.opts.ModulesDir)
		return err
	})
	if err != nil {
		return result, fail(span, err)
	}
	result.Modules = discovered.Modules
	result.Warnings = discovered.Warnings
	for _, w := range discovered.Warnings {
		log.Warn().Str("module", w.Module).Str("dir", w.Dir).Strs("candidates", w.Candidates).Msg(w.Reason)
	}
	o.opts.Metrics.Discovery(len(discovered.Modules), len(discovered.Warnings))
	o.publish(ctx, SubjectModulesDiscovered, discoveryEvent{
		RunID:   result.RunID,
		Modules: discovered.Names(),
		Skipped: warningNames(discovered.Warnings),
	})
	log.Info().Strs("modules", discovered.Names()).Int("skipped", len(discovered.Warnings)).Msg("modules discovered")

	if ca != nil {
		err = o.phase(ctx, "documents", func(ctx context.Context) error {
			docs := o.opts.Documents
			if len(docs.Topics) == 0 {
				docs.Topics = discovered.Names()
			}
			var err error
			result.DocumentsWritten, err = o.issuer.EnsureSecurityDocuments(ctx, o.opts.Label, ca, participant, docs)
			return err
		})
		if err != nil {
			return result, fail(span, err)
		}
	}

	_ = o.phase(ctx, "launch", func(ctx context.Context) error {
		o.launchAll(ctx, result, discovered.Modules)
		return nil
	})

	_ = o.phase(ctx, "readiness", func(ctx context.Context) error {
		return o.awaitReady(ctx, result)
	})
	span.SetAttributes(attribute.Bool("ready", result.Ready), attribute.Int("launched", len(result.Launched)))

	if err := o.opts.Frontend.Handoff(ctx, result); err != nil {
		log.Warn().Err(err).Msg("front-end handoff failed")
	}
	return result, nil
}

func (o *Orchestrator) ensureIdentity(ctx context.Context, result *UpResult) (*certstore.CertificateAuthority, *certstore.ParticipantIdentity, error) {
	if o.opts.IdentityMode == IdentityImport {
		cert, err := o.issuer.VerifyParticipant(o.opts.Label)
		if err != nil {
			return nil, nil, &issuer.IdentityError{Op: "verify imported identity", Label: o.opts.Label, Err: err}
		}
		o.publish(ctx, SubjectIdentityIssued, identityEvent{
			RunID:    result.RunID,
			Label:    o.opts.Label,
			Mode:     IdentityImport,
			Subject:  issuer.SubjectName(cert.Subject),
			NotAfter: cert.NotAfter,
		})
		return nil, nil, nil
	}

	ca, rotated, err := o.issuer.EnsureCA(ctx)
	if err != nil {
		return nil, nil, err
	}
	result.CARotated = rotated
	if rotated {
		o.opts.Metrics.CARotated()
		o.opts.Metrics.IdentityIssued("ca")
	}

	participant, issued, err := o.issuer.EnsureParticipant(ctx, o.opts.Label, ca, rotated)
	if err != nil {
		return nil, nil, err
	}
	result.ParticipantIssued = issued
	if issued {
		o.opts.Metrics.IdentityIssued("participant")
	}

	o.publish(ctx, SubjectIdentityIssued, identityEvent{
		RunID:             result.RunID,
		Label:             o.opts.Label,
		Mode:              IdentityIssue,
		CARotated:         rotated,
		ParticipantIssued: issued,
		Subject:           issuer.SubjectName(participant.Cert.Subject),
		NotAfter:          participant.Cert.NotAfter,
	})
	return ca, participant, nil
}

// launchAll starts each configured role of each module in discovery order
// until MaxProcesses launches have been attempted, then the front end.
func (o *Orchestrator) launchAll(ctx context.Context, result *UpResult, mods []modules.Module) {
	attempts := 0
	for _, m := range mods {
		for _, role := range o.opts.Roles {
			title := m.Name + " " + role.Title()
			if attempts >= o.opts.MaxProcesses {
				result.Skipped = append(result.Skipped, title)
				continue
			}
			attempts++
			proc, err := o.sup.Launch(ctx, m, role)
			o.recordLaunch(ctx, result, title, proc, err)
		}
	}
	if len(result.Skipped) > 0 {
		o.log.Warn().Int("max_processes", o.opts.MaxProcesses).Strs("skipped", result.Skipped).Msg("process cap reached")
	}

	if len(o.opts.FrontendCommand) > 0 {
		proc, err := o.sup.LaunchCommand(ctx, frontendTitle, o.opts.FrontendCommand, o.opts.FrontendDir)
		o.recordLaunch(ctx, result, frontendTitle, proc, err)
	}
}

func (o *Orchestrator) recordLaunch(ctx context.Context, result *UpResult, title string, proc *supervisor.LaunchedProcess, err error) {
	o.opts.Metrics.Launch(err == nil)
	if err != nil {
		var failure *supervisor.LaunchFailure
		if !errors.As(err, &failure) {
			failure = &supervisor.LaunchFailure{Title: title, Err: err}
		}
		result.Failures = append(result.Failures, failure)
		o.log.Error().Err(err).Str("title", title).Msg("launch failed")
		o.publish(ctx, SubjectProcessLaunched, launchEvent{RunID: result.RunID, Title: title, Error: err.Error()})
		return
	}
	result.Launched = append(result.Launched, *proc)
	o.publish(ctx, SubjectProcessLaunched, launchEvent{
		RunID:  result.RunID,
		Title:  proc.Title,
		PID:    proc.PID,
		Module: proc.Module,
		Role:   string(proc.Role),
	})
}

func (o *Orchestrator) awaitReady(ctx context.Context, result *UpResult) error {
	probe := o.readinessProbe(result)
	event := readyEvent{
		RunID:    result.RunID,
		Launched: len(result.Launched),
		Failed:   len(result.Failures),
	}
	if len(probe) == 0 {
		o.log.Warn().Msg("nothing launched, skipping readiness wait")
		result.Readiness = supervisor.ErrReadinessTimeout
	} else {
		event.Probe = probe.String()
		result.Ready = o.sup.AwaitAnyReady(ctx, probe, o.opts.ReadyTimeout)
		if !result.Ready {
			result.Readiness = supervisor.ErrReadinessTimeout
			o.log.Warn().Dur("timeout", o.opts.ReadyTimeout).Msg("fleet not confirmed ready, continuing")
		}
	}
	event.Ready = result.Ready
	o.opts.Metrics.Ready(result.Ready)
	o.publish(ctx, SubjectFleetReady, event)
	return result.Readiness
}

func (o *Orchestrator) readinessProbe(result *UpResult) supervisor.AnyProbe {
	var probe supervisor.AnyProbe
	if patterns := supervisor.PatternsFor(result.Launched); len(patterns) > 0 {
		probe = append(probe, supervisor.NewProcessTableProbe(patterns))
	}
	frontendUp := false
	for _, proc := range result.Launched {
		if proc.Title == frontendTitle {
			frontendUp = true
		}
	}
	if frontendUp && o.opts.FrontendPort > 0 {
		probe = append(probe, supervisor.PortProbe{Addr: net.JoinHostPort("127.0.0.1", strconv.Itoa(o.opts.FrontendPort))})
	}
	if frontendUp && o.opts.FrontendHealthURL != "" {
		probe = append(probe, supervisor.HTTPProbe{URL: o.opts.FrontendHealthURL})
	}
	return probe
}

// BringDown stops everything in the ledger. It is safe after a partial
// BringUp, from a separate invocation, and on an empty ledger.
func (o *Orchestrator) BringDown(ctx context.Context) (supervisor.Report, error) {
	ctx, span := o.tracer.Start(ctx, "fleet.down")
	defer span.End()

	start := time.Now()
	report, err := o.sup.TerminateAll(ctx)
	o.opts.Metrics.ObservePhase("teardown", start)
	for _, entry := range report.Entries {
		o.opts.Metrics.Teardown(entry.Outcome)
	}
	o.opts.Metrics.Swept(len(report.Swept))

	o.publish(ctx, SubjectFleetTeardown, teardownEvent{
		Stopped:  report.Stopped(),
		Failed:   len(report.Entries) - report.Stopped(),
		Swept:    report.Swept,
		Retained: len(report.Retained),
	})
	o.log.Info().Int("stopped", report.Stopped()).Int("swept", len(report.Swept)).Int("retained", len(report.Retained)).Msg("fleet down")
	if err != nil {
		return report, fail(span, err)
	}
	return report, nil
}

func (o *Orchestrator) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "fleet."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	o.opts.Metrics.ObservePhase(name, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func warningNames(warnings []modules.DiscoveryWarning) []string {
	out := make([]string, 0, len(warnings))
	for _, w := range warnings {
		out = append(out, w.Module)
	}
	return out
}

// ParseRoles converts role names from configuration.
func ParseRoles(names []string) ([]supervisor.Role, error) {
	roles := make([]supervisor.Role, 0, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		role, err := supervisor.ParseRole(name)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, nil
}
