package bundler

import (
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/require"
)

func sealedManifest(t *testing.T, signer *Signer) Manifest {
	t.Helper()
	m := Manifest{Version: manifestVersion, Label: "hostA", Subject: "CN=hostA_Participant"}
	require.NoError(t, signer.Seal(&m))
	return m
}

func TestSignerSealCheck(t *testing.T) {
	signer, id := newTestSigner(t)
	require.Equal(t, id.String(), signer.AgeIdentity().String())

	m := sealedManifest(t, signer)
	require.Equal(t, id.Recipient().String(), m.Signer)
	require.Equal(t, signer.PublicKey(), m.SigningPublicKey)
	require.NoError(t, signer.Check(m))

	tampered := m
	tampered.Label = "hostB"
	require.ErrorContains(t, signer.Check(tampered), "verification failed")

	unsigned := m
	unsigned.Signature = ""
	require.ErrorContains(t, signer.Check(unsigned), "missing signature")
}

func TestVerifyOnlySigner(t *testing.T) {
	signer, _ := newTestSigner(t)
	m := sealedManifest(t, signer)

	verifier, err := NewSigner(SignerConfig{TrustedKeys: []string{signer.PublicKey()}})
	require.NoError(t, err)
	require.Nil(t, verifier.AgeIdentity())
	require.Empty(t, verifier.PublicKey())
	require.NoError(t, verifier.Check(m))
	require.Error(t, verifier.Seal(&Manifest{}))
}

func TestSignerRejectsUntrustedKey(t *testing.T) {
	signer, _ := newTestSigner(t)
	other, _ := newTestSigner(t)

	require.ErrorContains(t, other.Check(sealedManifest(t, signer)), "unexpected key")

	// Claiming a trusted key still needs that key's signature.
	forged := sealedManifest(t, other)
	forged.SigningPublicKey = signer.PublicKey()
	require.ErrorContains(t, signer.Check(forged), "verification failed")
}

func TestSignerSecretKeyFile(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "fleet.key")
	content := "# created: 2026-01-01T00:00:00Z\n# public key: " + id.Recipient().String() + "\n" + id.String() + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	signer, err := NewSigner(SignerConfig{SecretKeyFile: path})
	require.NoError(t, err)
	require.Equal(t, id.Recipient().String(), signer.AgeIdentity().Recipient().String())

	_, err = NewSigner(SignerConfig{SecretKey: id.String(), SecretKeyFile: path})
	require.ErrorContains(t, err, "not both")

	empty := filepath.Join(t.TempDir(), "empty.key")
	require.NoError(t, os.WriteFile(empty, []byte("# nothing\n"), 0o600))
	_, err = NewSigner(SignerConfig{SecretKeyFile: empty})
	require.Error(t, err)
}

func TestNewSignerInvalidInput(t *testing.T) {
	_, err := NewSigner(SignerConfig{})
	require.Error(t, err)

	_, err = NewSigner(SignerConfig{SecretKey: "not-a-key"})
	require.Error(t, err)

	_, err = NewSigner(SignerConfig{TrustedKeys: []string{"AAAA"}})
	require.ErrorContains(t, err, "bytes")
}
