package orchestrator

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"ddsfleet/pkg/metrics"
	"ddsfleet/services/certstore"
	"ddsfleet/services/issuer"
	"ddsfleet/services/supervisor"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *recordingPublisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

type fixture struct {
	orch   *Orchestrator
	store  *certstore.Store
	sup    *supervisor.Supervisor
	events *recordingPublisher
	rec    *metrics.Recorder
}

func newFixture(t *testing.T, modulesDir string, opts Options) *fixture {
	t.Helper()

	root := t.TempDir()
	store, err := certstore.New(root)
	require.NoError(t, err)
	iss, err := issuer.New(store, nil, issuer.Config{
		Now:    func() time.Time { return time.Now().Add(-time.Minute) },
		Logger: zerolog.Nop(),
		GenerateKey: func(random io.Reader, _ int) (crypto.Signer, error) {
			return ecdsa.GenerateKey(elliptic.P256(), random)
		},
	})
	require.NoError(t, err)
	sup, err := supervisor.New(supervisor.Config{
		StateDir:     root,
		GracePeriod:  500 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	events := &recordingPublisher{}
	rec := metrics.New()
	if opts.Label == "" {
		opts.Label = "hostA"
	}
	opts.ModulesDir = modulesDir
	opts.Events = events
	opts.Metrics = rec
	opts.Logger = zerolog.Nop()

	orch, err := New(iss, sup, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = orch.BringDown(context.Background())
	})
	return &fixture{orch: orch, store: store, sup: sup, events: events, rec: rec}
}

func TestNewValidatesOptions(t *testing.T) {
	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	iss, err := issuer.New(store, nil, issuer.Config{Logger: zerolog.Nop()})
	require.NoError(t, err)
	sup, err := supervisor.New(supervisor.Config{StateDir: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = New(nil, sup, Options{Label: "hostA"})
	require.Error(t, err)
	_, err = New(iss, nil, Options{Label: "hostA"})
	require.Error(t, err)
	_, err = New(iss, sup, Options{Label: "a/b"})
	require.ErrorIs(t, err, certstore.ErrInvalidLabel)
	_, err = New(iss, sup, Options{Label: "hostA", IdentityMode: "borrow"})
	require.ErrorContains(t, err, "identity mode")

	orch, err := New(iss, sup, Options{Label: "hostA"})
	require.NoError(t, err)
	require.Equal(t, IdentityIssue, orch.opts.IdentityMode)
	require.Equal(t, DefaultMaxProcesses, orch.opts.MaxProcesses)
	require.Equal(t, DefaultReadyTimeout, orch.opts.ReadyTimeout)
	require.Len(t, orch.opts.Roles, 2)
}

func TestBringUpWithNoModules(t *testing.T) {
	f := newFixture(t, t.TempDir(), Options{})

	result, err := f.orch.BringUp(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, "", result.RunID.String())
	require.True(t, result.CARotated)
	require.True(t, result.ParticipantIssued)
	require.True(t, result.DocumentsWritten)
	require.Empty(t, result.Modules)
	require.Empty(t, result.Launched)
	require.False(t, result.Ready)
	require.ErrorIs(t, result.Readiness, supervisor.ErrReadinessTimeout)

	permissions, err := f.store.ReadSecurityFile("hostA", issuer.PermissionsFile)
	require.NoError(t, err)
	require.Contains(t, string(permissions), "<topic>*</topic>")

	require.Equal(t, []string{SubjectIdentityIssued, SubjectModulesDiscovered, SubjectFleetReady}, f.events.Subjects())

	again, err := f.orch.BringUp(context.Background())
	require.NoError(t, err)
	require.False(t, again.CARotated)
	require.False(t, again.ParticipantIssued)
	require.False(t, again.DocumentsWritten)
	require.NotEqual(t, result.RunID, again.RunID)
}

func TestBringUpFailsOnUnreadableModulesDir(t *testing.T) {
	f := newFixture(t, filepath.Join(t.TempDir(), "missing"), Options{})

	_, err := f.orch.BringUp(context.Background())
	require.ErrorContains(t, err, "read modules root")
	require.Equal(t, []string{SubjectIdentityIssued}, f.events.Subjects())
	require.NoFileExists(t, f.sup.Ledger().Path())
}

func TestBringUpImportModeRequiresIdentity(t *testing.T) {
	f := newFixture(t, t.TempDir(), Options{IdentityMode: IdentityImport})

	_, err := f.orch.BringUp(context.Background())
	var identityErr *issuer.IdentityError
	require.True(t, errors.As(err, &identityErr))
	require.Equal(t, "hostA", identityErr.Label)
	require.NoFileExists(t, f.store.CAKeyPath())
	require.Empty(t, f.events.Subjects())
}

func TestBringUpImportModeVerifiesWithoutCAKey(t *testing.T) {
	source := newFixture(t, t.TempDir(), Options{})
	_, err := source.orch.BringUp(context.Background())
	require.NoError(t, err)

	caCert, caPEM, err := source.store.LoadCACert()
	require.NoError(t, err)
	require.NotNil(t, caCert)
	identity, err := source.store.LoadParticipant("hostA")
	require.NoError(t, err)

	f := newFixture(t, t.TempDir(), Options{IdentityMode: IdentityImport})
	require.NoError(t, f.store.SaveCACert(caPEM))
	require.NoError(t, f.store.SaveParticipantKey("hostA", identity.KeyPEM))
	require.NoError(t, f.store.SaveParticipantCert("hostA", identity.CertPEM))

	result, err := f.orch.BringUp(context.Background())
	require.NoError(t, err)
	require.False(t, result.CARotated)
	require.False(t, result.DocumentsWritten)
	require.NoFileExists(t, f.store.CAKeyPath())
}

func TestBringDownOnEmptyLedger(t *testing.T) {
	f := newFixture(t, t.TempDir(), Options{})

	report, err := f.orch.BringDown(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Entries)
	require.Equal(t, []string{SubjectFleetTeardown}, f.events.Subjects())
}

func TestParseRoles(t *testing.T) {
	roles, err := ParseRoles([]string{"Publisher", " ", "subscriber"})
	require.NoError(t, err)
	require.Equal(t, []supervisor.Role{supervisor.RolePublisher, supervisor.RoleSubscriber}, roles)

	_, err = ParseRoles([]string{"relay"})
	require.Error(t, err)
}
