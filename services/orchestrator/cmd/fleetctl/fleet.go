package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ddsfleet/services/modules"
	"ddsfleet/services/orchestrator"
	"ddsfleet/services/supervisor"
)

func newUpCommand(g *globalFlags) *cobra.Command {
	var serve bool

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Ensure identity, launch every discovered module and wait for readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				orch, err := a.orchestrator()
				if err != nil {
					return err
				}
				result, err := orch.BringUp(ctx)
				if err != nil {
					return err
				}
				printUpResult(cmd.OutOrStdout(), result)
				if !serve {
					return nil
				}
				return serveUntilSignal(ctx, a, orch, result)
			})
		},
	}

	cmd.Flags().BoolVar(&serve, "serve", false, "Keep the status server running until SIGINT/SIGTERM, then bring the fleet down")
	return cmd
}

func serveUntilSignal(ctx context.Context, a *app, orch *orchestrator.Orchestrator, result *orchestrator.UpResult) error {
	status, err := orchestrator.NewStatusAPI(orch, a.metrics)
	if err != nil {
		return err
	}
	status.SetResult(result)

	srv := &http.Server{
		Addr:              a.cfg.Status.Addr,
		Handler:           a.middleware(status.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).Msg("status server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-sigCtx.Done():
		a.log.Info().Msg("signal received, bringing fleet down")
	case serveErr = <-errCh:
		a.log.Error().Err(serveErr).Msg("status server failed, bringing fleet down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("status server shutdown")
	}

	report, err := orch.BringDown(context.WithoutCancel(ctx))
	printReport(os.Stdout, report)
	if err != nil {
		return err
	}
	return serveErr
}

func newDownCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop every process recorded in the ledger and sweep the front-end port",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				orch, err := a.orchestrator()
				if err != nil {
					return err
				}
				report, err := orch.BringDown(ctx)
				printReport(cmd.OutOrStdout(), report)
				return err
			})
		},
	}
}

func newStatusCommand(g *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the process ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				entries, err := a.sup.Ledger().Entries()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return json.NewEncoder(out).Encode(map[string]any{
						"ledger":  a.sup.Ledger().Path(),
						"entries": entries,
					})
				}
				if len(entries) == 0 {
					fmt.Fprintln(out, "no processes recorded")
					return nil
				}
				for _, entry := range entries {
					fmt.Fprintln(out, entry.String())
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the ledger as JSON")
	return cmd
}

func newModulesCommand(g *globalFlags) *cobra.Command {
	var (
		check   bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "modules",
		Short: "List discovered modules and optionally smoke-test their entry points",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				result, err := modules.Discover(a.cfg.ModulesDir)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, w := range result.Warnings {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", w)
				}

				failed := 0
				for _, m := range result.Modules {
					if !check {
						fmt.Fprintf(out, "%s\t%s\n", m.Name, m.Entrypoint)
						continue
					}
					if err := modules.Check(ctx, m, timeout); err != nil {
						failed++
						fmt.Fprintf(out, "%s\tFAIL\t%v\n", m.Name, err)
						continue
					}
					fmt.Fprintf(out, "%s\tok\t%s\n", m.Name, m.Entrypoint)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d modules failed the --help check", failed, len(result.Modules))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Run each entry point with --help and require a zero exit")
	cmd.Flags().DurationVar(&timeout, "timeout", modules.DefaultCheckTimeout, "Per-module --help timeout")
	return cmd
}

func newEventsCommand(g *globalFlags) *cobra.Command {
	var subject, durable string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow fleet lifecycle events on the bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				if a.bus == nil {
					return errors.New("no event bus configured (set bus.url or DDSFLEET_NATS_URL)")
				}
				sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				out := cmd.OutOrStdout()
				var (
					sub io.Closer
					err error
				)
				if durable != "" {
					sub, err = a.bus.Subscribe(sigCtx, subject, durable, func(_ context.Context, subj string, data []byte) error {
						_, err := fmt.Fprintf(out, "%s %s\n", subj, data)
						return err
					})
				} else {
					sub, err = a.bus.Tail(sigCtx, subject, func(subj string, data []byte) {
						fmt.Fprintf(out, "%s %s\n", subj, data)
					})
				}
				if err != nil {
					return err
				}
				defer sub.Close()
				<-sigCtx.Done()
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&subject, "subject", orchestrator.SubjectWildcard, "Subject filter")
	cmd.Flags().StringVar(&durable, "durable", "", "Durable consumer name; resumes after the last event this consumer acknowledged")
	return cmd
}

func printUpResult(w io.Writer, result *orchestrator.UpResult) {
	fmt.Fprintf(w, "run %s for %s\n", result.RunID, result.Label)
	if result.CARotated {
		fmt.Fprintln(w, "certificate authority rotated")
	}
	if result.ParticipantIssued {
		fmt.Fprintln(w, "participant certificate issued")
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "skipped %v\n", warning)
	}
	for _, proc := range result.Launched {
		fmt.Fprintf(w, "launched %s PID: %d (log %s)\n", proc.Title, proc.PID, proc.LogPath)
	}
	for _, failure := range result.Failures {
		fmt.Fprintf(w, "failed %v\n", failure)
	}
	if len(result.Skipped) > 0 {
		fmt.Fprintf(w, "not launched (process cap): %v\n", result.Skipped)
	}
	if result.Ready {
		fmt.Fprintln(w, "fleet ready")
	} else {
		fmt.Fprintln(w, "fleet not confirmed ready")
	}
}

func printReport(w io.Writer, report supervisor.Report) {
	for _, entry := range report.Entries {
		line := fmt.Sprintf("%s: %s", entry.Entry.String(), entry.Outcome)
		if entry.Error != "" {
			line += " (" + entry.Error + ")"
		}
		fmt.Fprintln(w, line)
	}
	if len(report.Swept) > 0 {
		fmt.Fprintf(w, "swept listeners: %v\n", report.Swept)
	}
	if len(report.Retained) > 0 {
		fmt.Fprintf(w, "%d entries kept in the ledger for retry\n", len(report.Retained))
	}
}
