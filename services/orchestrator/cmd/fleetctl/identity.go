package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/spf13/cobra"

	gos3 "ddsfleet/pkg/s3"
	"ddsfleet/services/bundler"
	"ddsfleet/services/issuer"
	"ddsfleet/services/modules"
	"ddsfleet/services/orchestrator/internal/config"
)

func newIdentityCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Certificate authority and participant identity operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newIdentityEnsureCommand(g))
	cmd.AddCommand(newIdentityVerifyCommand(g))
	cmd.AddCommand(newIdentityExportCommand(g))
	cmd.AddCommand(newIdentityImportCommand(g))
	cmd.AddCommand(newIdentityKeysCommand(g))
	return cmd
}

func newIdentityEnsureCommand(g *globalFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create or renew the CA, the local participant certificate and its security documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				if a.cfg.Identity.Mode == config.IdentityModeImport {
					return errors.New("identity ensure needs the CA key; this host imports its identity (identity.mode: import)")
				}
				ca, rotated, err := a.issuer.EnsureCA(ctx)
				if err != nil {
					return err
				}
				participant, issued, err := a.issuer.EnsureParticipant(ctx, a.cfg.Label, ca, rotated || force)
				if err != nil {
					return err
				}

				topics := a.cfg.Identity.Topics
				if len(topics) == 0 {
					if discovered, err := modules.Discover(a.cfg.ModulesDir); err == nil {
						topics = discovered.Names()
					}
				}
				wrote, err := a.issuer.EnsureSecurityDocuments(ctx, a.cfg.Label, ca, participant, issuer.DocumentOptions{
					DomainID: a.cfg.Identity.DomainID,
					Topics:   topics,
				})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "ca: %s (rotated: %t)\n", ca.Cert.Subject.CommonName, rotated)
				fmt.Fprintf(out, "participant: %s serial %X (issued: %t)\n", participant.Cert.Subject.CommonName, participant.Cert.SerialNumber, issued)
				fmt.Fprintf(out, "security documents written: %t\n", wrote)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Reissue the participant certificate even if it is still valid")
	return cmd
}

func newIdentityVerifyCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the participant certificate and signed documents against the CA certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				cert, err := a.issuer.VerifyParticipant(a.cfg.Label)
				if err != nil {
					return err
				}
				caCert, _, err := a.store.LoadCACert()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s: chain ok, expires %s\n", cert.Subject.CommonName, cert.NotAfter.Format(time.RFC3339))

				pairs := [][2]string{
					{issuer.GovernanceFile, issuer.GovernanceSignedFile},
					{issuer.PermissionsFile, issuer.PermissionsSignedFile},
				}
				var failures []string
				for _, pair := range pairs {
					content, err := a.store.ReadSecurityFile(a.cfg.Label, pair[0])
					if err != nil {
						failures = append(failures, fmt.Sprintf("%s: %v", pair[0], err))
						continue
					}
					signed, err := a.store.ReadSecurityFile(a.cfg.Label, pair[1])
					if err != nil {
						failures = append(failures, fmt.Sprintf("%s: %v", pair[1], err))
						continue
					}
					if err := issuer.VerifyDocument(signed, content, caCert.Raw); err != nil {
						failures = append(failures, fmt.Sprintf("%s: %v", pair[1], err))
						continue
					}
					fmt.Fprintf(out, "%s: signature ok\n", pair[1])
				}
				if len(failures) > 0 {
					return errors.New(strings.Join(failures, "; "))
				}
				return nil
			})
		},
	}
}

func newIdentityKeysCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Print the age recipient and manifest signing key other hosts need",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				signer, err := a.signer()
				if err != nil {
					return err
				}
				id := signer.AgeIdentity()
				if id == nil {
					return errors.New("no age secret key configured (bundle.secret_key_file or DDSFLEET_AGE_SECRET_KEY)")
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "recipient: %s\n", id.Recipient())
				fmt.Fprintf(out, "signing key: %s\n", signer.PublicKey())
				return nil
			})
		},
	}
}

func newIdentityExportCommand(g *globalFlags) *cobra.Command {
	var (
		output     string
		recipients []string
		upload     string
		shareTTL   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an age-encrypted identity bundle for the participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				signer, err := a.signer()
				if err != nil {
					return err
				}
				if len(recipients) == 0 {
					recipients = a.cfg.Bundle.Recipients
				}
				parsed, err := parseRecipients(recipients, signer)
				if err != nil {
					return err
				}

				var s3Client *gos3.Client
				if upload != "" {
					if s3Client, err = a.objectStore(ctx); err != nil {
						return err
					}
				}

				_, err = bundler.Export(ctx, bundler.ExportConfig{
					Store:      a.store,
					Label:      a.cfg.Label,
					Output:     output,
					Recipients: parsed,
					Signer:     signer,
					Upload:     upload,
					S3:         s3Client,
					Stdout:     cmd.OutOrStdout(),
				})
				if err != nil {
					return err
				}

				if upload != "" && shareTTL > 0 {
					loc, err := gos3.ParseLocation(upload)
					if err != nil {
						return err
					}
					url, err := s3Client.ShareURL(ctx, loc, shareTTL)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), url)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (.age)")
	cmd.Flags().StringSliceVar(&recipients, "recipient", nil, "age X25519 recipient (age1...); defaults to bundle.recipients, then this host's own recipient")
	cmd.Flags().StringVar(&upload, "upload", "", "Optional s3://bucket/key destination")
	cmd.Flags().DurationVar(&shareTTL, "presign-ttl", 0, "Print a presigned download URL valid for this long (requires --upload)")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newIdentityImportCommand(g *globalFlags) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Verify and install an identity bundle from a file or s3:// URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				signer, err := a.signer()
				if err != nil {
					return err
				}
				var s3Client *gos3.Client
				if gos3.IsLocation(source) {
					if s3Client, err = a.objectStore(ctx); err != nil {
						return err
					}
				}
				manifest, err := bundler.Import(ctx, bundler.ImportConfig{
					Store:  a.store,
					Source: source,
					Signer: signer,
					S3:     s3Client,
					Stdout: cmd.OutOrStdout(),
				})
				if err != nil {
					return err
				}
				if manifest.Label != a.cfg.Label {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: bundle is for %q but this host runs as %q\n", manifest.Label, a.cfg.Label)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&source, "file", "", "Bundle path or s3://bucket/key")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func parseRecipients(values []string, signer *bundler.Signer) ([]age.Recipient, error) {
	if len(values) == 0 {
		id := signer.AgeIdentity()
		if id == nil {
			return nil, errors.New("no recipient: pass --recipient or configure an age secret key")
		}
		return []age.Recipient{id.Recipient()}, nil
	}
	out := make([]age.Recipient, 0, len(values))
	for _, value := range values {
		r, err := age.ParseX25519Recipient(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("recipient %q: %w", value, err)
		}
		out = append(out, r)
	}
	return out, nil
}
