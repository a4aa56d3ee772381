package bundler

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"ddsfleet/services/certstore"
	"ddsfleet/services/issuer"
	"ddsfleet/services/trust"
)

func provisionStore(t *testing.T, label string) *certstore.Store {
	t.Helper()

	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	iss, err := issuer.New(store, nil, issuer.Config{
		Now:    func() time.Time { return time.Now().Add(-time.Minute) },
		Logger: zerolog.Nop(),
		GenerateKey: func(random io.Reader, _ int) (crypto.Signer, error) {
			return ecdsa.GenerateKey(elliptic.P256(), random)
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	ca, _, err := iss.EnsureCA(ctx)
	require.NoError(t, err)
	_, _, err = iss.EnsureParticipant(ctx, label, ca, false)
	require.NoError(t, err)
	require.NoError(t, store.WriteSecurityFile(label, issuer.GovernanceFile, []byte("<governance/>")))
	return store
}

func newTestSigner(t *testing.T) (*Signer, *age.X25519Identity) {
	t.Helper()
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	signer, err := NewSigner(SignerConfig{SecretKey: id.String()})
	require.NoError(t, err)
	return signer, id
}

func exportBundle(t *testing.T, store *certstore.Store, label string, signer *Signer, id *age.X25519Identity) string {
	t.Helper()
	output := filepath.Join(t.TempDir(), "out", label+".bundle")
	manifest, err := Export(context.Background(), ExportConfig{
		Store:      store,
		Label:      label,
		Output:     output,
		Recipients: []age.Recipient{id.Recipient()},
		Signer:     signer,
		Stdout:     io.Discard,
	})
	require.NoError(t, err)
	require.Equal(t, label, manifest.Label)
	require.Equal(t, signer.AgeIdentity().Recipient().String(), manifest.Signer)
	return output
}

func TestExportImportRoundTrip(t *testing.T) {
	source := provisionStore(t, "hostA")
	signer, id := newTestSigner(t)
	output := exportBundle(t, source, "hostA", signer, id)

	info, err := os.Stat(output)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	target, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	var out bytes.Buffer
	manifest, err := Import(context.Background(), ImportConfig{
		Store:  target,
		Source: output,
		Signer: signer,
		Stdout: &out,
	})
	require.NoError(t, err)
	require.Equal(t, "hostA", manifest.Label)
	require.Len(t, manifest.Files, 4)
	require.Contains(t, out.String(), "installed identity for hostA")

	require.NoFileExists(t, target.CAKeyPath())
	caCert, _, err := target.LoadCACert()
	require.NoError(t, err)
	identity, err := target.LoadParticipant("hostA")
	require.NoError(t, err)
	require.NoError(t, trust.VerifyChain(identity.Cert, caCert))

	want, err := source.LoadParticipant("hostA")
	require.NoError(t, err)
	require.Equal(t, want.KeyPEM, identity.KeyPEM)
	require.Equal(t, want.CertPEM, identity.CertPEM)
	require.Equal(t, issuer.SubjectName(want.Cert.Subject), manifest.Subject)

	governance, err := target.ReadSecurityFile("hostA", issuer.GovernanceFile)
	require.NoError(t, err)
	require.Equal(t, "<governance/>", string(governance))
}

func TestExportNeverIncludesCAKey(t *testing.T) {
	source := provisionStore(t, "hostA")
	signer, id := newTestSigner(t)
	output := exportBundle(t, source, "hostA", signer, id)

	target, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	manifest, err := Import(context.Background(), ImportConfig{
		Store:      target,
		Source:     output,
		Identities: []age.Identity{id},
		Signer:     signer,
		Stdout:     io.Discard,
	})
	require.NoError(t, err)
	for _, f := range manifest.Files {
		require.NotContains(t, f.Path, "private")
	}
}

func TestImportRejectsForeignSigner(t *testing.T) {
	source := provisionStore(t, "hostA")
	signer, id := newTestSigner(t)
	output := exportBundle(t, source, "hostA", signer, id)

	other, _ := newTestSigner(t)
	target, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	_, err = Import(context.Background(), ImportConfig{
		Store:      target,
		Source:     output,
		Identities: []age.Identity{id},
		Signer:     other,
		Stdout:     io.Discard,
	})
	require.ErrorContains(t, err, "unexpected key")
	require.NoDirExists(t, target.ParticipantDir("hostA"))
}

func TestImportOnHostTrustingExporterKey(t *testing.T) {
	source := provisionStore(t, "hostA")
	exporter, _ := newTestSigner(t)
	receiver, receiverID := newTestSigner(t)
	output := exportBundle(t, source, "hostA", exporter, receiverID)

	importer, err := NewSigner(SignerConfig{
		SecretKey:   receiverID.String(),
		TrustedKeys: []string{exporter.PublicKey()},
	})
	require.NoError(t, err)
	require.NotEqual(t, exporter.PublicKey(), receiver.PublicKey())

	target, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	manifest, err := Import(context.Background(), ImportConfig{
		Store:  target,
		Source: output,
		Signer: importer,
		Stdout: io.Discard,
	})
	require.NoError(t, err)
	require.Equal(t, exporter.PublicKey(), manifest.SigningPublicKey)
	require.FileExists(t, target.ParticipantCertPath("hostA"))
}

func TestImportRejectsWrongRecipient(t *testing.T) {
	source := provisionStore(t, "hostA")
	signer, id := newTestSigner(t)
	output := exportBundle(t, source, "hostA", signer, id)

	stranger, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	target, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	_, err = Import(context.Background(), ImportConfig{
		Store:      target,
		Source:     output,
		Identities: []age.Identity{stranger},
		Signer:     signer,
		Stdout:     io.Discard,
	})
	require.ErrorContains(t, err, "age decrypt")
}

func TestVerifyFilesDetectsTampering(t *testing.T) {
	data := []byte("payload")
	file := newBundleFile("/root", "/root/CA/mainca_cert.pem", KindCACert, data)
	manifest := Manifest{Files: []ManifestFile{file.meta}}

	_, err := verifyFiles(manifest, map[string][]byte{file.meta.Path: []byte("payloaD")})
	require.ErrorContains(t, err, "checksum mismatch")

	_, err = verifyFiles(manifest, map[string][]byte{})
	require.ErrorContains(t, err, "missing")

	_, err = verifyFiles(manifest, map[string][]byte{file.meta.Path: data, "extra.pem": data})
	require.ErrorContains(t, err, "not in the manifest")

	_, err = verifyFiles(manifest, map[string][]byte{file.meta.Path: data})
	require.ErrorContains(t, err, "exactly one participant-key")
}

func TestExportRequiresIssuedParticipant(t *testing.T) {
	source := provisionStore(t, "hostA")
	signer, id := newTestSigner(t)

	_, err := Export(context.Background(), ExportConfig{
		Store:      source,
		Label:      "hostB",
		Output:     filepath.Join(t.TempDir(), "b.bundle"),
		Recipients: []age.Recipient{id.Recipient()},
		Signer:     signer,
		Stdout:     io.Discard,
	})
	require.ErrorIs(t, err, certstore.ErrNotFound)
}
