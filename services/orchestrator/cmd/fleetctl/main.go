package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ddsfleet/pkg/bus"
	"ddsfleet/pkg/metrics"
	gos3 "ddsfleet/pkg/s3"
	"ddsfleet/pkg/telemetry"
	"ddsfleet/services/bundler"
	"ddsfleet/services/certstore"
	"ddsfleet/services/issuer"
	"ddsfleet/services/orchestrator"
	"ddsfleet/services/orchestrator/internal/config"
	"ddsfleet/services/supervisor"
)

const serviceName = "fleetctl"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	root       string
	modulesDir string
	label      string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Bootstrap, run and tear down a secured publisher/subscriber fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Path to a YAML configuration file")
	pf.StringVar(&flags.root, "root", "", "Identity and state root (overrides config)")
	pf.StringVar(&flags.modulesDir, "modules-dir", "", "Directory holding *_idl_generated modules")
	pf.StringVar(&flags.label, "label", "", "Participant identity label (defaults to the hostname)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(newUpCommand(flags))
	cmd.AddCommand(newDownCommand(flags))
	cmd.AddCommand(newStatusCommand(flags))
	cmd.AddCommand(newModulesCommand(flags))
	cmd.AddCommand(newIdentityCommand(flags))
	cmd.AddCommand(newEventsCommand(flags))
	return cmd
}

func (g *globalFlags) load() (config.Config, error) {
	return config.Load(g.configPath, func(c *config.Config) {
		if g.root != "" {
			c.Root = g.root
		}
		if g.modulesDir != "" {
			c.ModulesDir = g.modulesDir
		}
		if g.label != "" {
			c.Label = g.label
		}
		if g.logLevel != "" {
			c.Log.Level = g.logLevel
		}
	})
}

// app holds the wired components for one command invocation.
type app struct {
	cfg        config.Config
	log        zerolog.Logger
	metrics    *metrics.Recorder
	store      *certstore.Store
	issuer     *issuer.Issuer
	sup        *supervisor.Supervisor
	bus        *bus.Bus
	middleware func(http.Handler) http.Handler
	shutdown   func(context.Context) error
}

func newApp(ctx context.Context, g *globalFlags) (*app, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	logger, err := telemetry.NewLogger(serviceName, telemetry.LogOptions{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Out:    os.Stderr,
	})
	if err != nil {
		return nil, err
	}

	shutdown, middleware, err := telemetry.Init(ctx, serviceName, logger)
	if err != nil {
		return nil, err
	}

	store, err := certstore.New(cfg.Root)
	if err != nil {
		return nil, err
	}
	iss, err := issuer.New(store, nil, issuer.Config{
		KeyBits:      cfg.Identity.KeyBits,
		ValidityDays: cfg.Identity.ValidityDays,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	sup, err := supervisor.New(supervisor.Config{
		StateDir:     cfg.Root,
		LedgerPath:   cfg.Fleet.LedgerPath,
		GracePeriod:  cfg.Fleet.GracePeriod,
		PollInterval: cfg.Fleet.PollInterval,
		FrontendPort: cfg.Frontend.Port,
		Env:          cfg.Fleet.Env,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:        cfg,
		log:        logger,
		metrics:    metrics.New(),
		store:      store,
		issuer:     iss,
		sup:        sup,
		middleware: middleware,
		shutdown:   shutdown,
	}

	if cfg.Bus.URL != "" {
		b, err := bus.New(cfg.Bus.URL, nats.Name(serviceName), nats.Timeout(5*time.Second))
		if err != nil {
			// Events are best effort.
			logger.Warn().Err(err).Str("url", cfg.Bus.URL).Msg("event bus unavailable")
		} else {
			if err := b.EnsureStream(cfg.Bus.Stream, orchestrator.SubjectWildcard); err != nil {
				logger.Warn().Err(err).Str("stream", cfg.Bus.Stream).Msg("ensure event stream")
			}
			a.bus = b
		}
	}
	return a, nil
}

func (a *app) orchestrator() (*orchestrator.Orchestrator, error) {
	roles, err := orchestrator.ParseRoles(a.cfg.Fleet.Roles)
	if err != nil {
		return nil, err
	}
	opts := orchestrator.Options{
		Label:        a.cfg.Label,
		ModulesDir:   a.cfg.ModulesDir,
		IdentityMode: a.cfg.Identity.Mode,
		Documents: issuer.DocumentOptions{
			DomainID: a.cfg.Identity.DomainID,
			Topics:   a.cfg.Identity.Topics,
		},
		Roles:             roles,
		MaxProcesses:      a.cfg.Fleet.MaxProcesses,
		ReadyTimeout:      a.cfg.Fleet.ReadyTimeout,
		FrontendPort:      a.cfg.Frontend.Port,
		FrontendCommand:   a.cfg.Frontend.Command,
		FrontendDir:       a.cfg.Frontend.Dir,
		FrontendHealthURL: a.cfg.Frontend.HealthURL,
		Metrics:           a.metrics,
		Logger:            a.log,
	}
	if a.bus != nil {
		opts.Events = a.bus
	}
	return orchestrator.New(a.issuer, a.sup, opts)
}

func (a *app) signer() (*bundler.Signer, error) {
	return bundler.NewSigner(bundler.SignerConfig{
		SecretKey:     a.cfg.Bundle.SecretKey,
		SecretKeyFile: a.cfg.Bundle.SecretKeyFile,
		TrustedKeys:   a.cfg.Bundle.TrustedKeys,
	})
}

func (a *app) objectStore(ctx context.Context) (*gos3.Client, error) {
	s3cfg := a.cfg.Bundle.S3
	return gos3.New(ctx, gos3.Config{
		Endpoint:  s3cfg.Endpoint,
		Region:    s3cfg.Region,
		AccessKey: s3cfg.AccessKey,
		SecretKey: s3cfg.SecretKey,
		PathStyle: s3cfg.PathStyle,
	})
}

func (a *app) close(ctx context.Context) {
	if a.cfg.Metrics.Textfile != "" {
		if err := os.MkdirAll(filepath.Dir(a.cfg.Metrics.Textfile), 0o755); err == nil {
			if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
				a.log.Warn().Err(err).Msg("write metrics textfile")
			}
		}
	}
	a.bus.Close()
	if a.shutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn().Err(err).Msg("telemetry shutdown")
		}
	}
}

// withApp builds the app, runs fn and always releases it.
func withApp(cmd *cobra.Command, g *globalFlags, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.close(ctx)
	return fn(ctx, a)
}
