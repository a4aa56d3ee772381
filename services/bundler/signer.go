package bundler

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

// SignerConfig carries the bundle key material. The exporting host needs an
// age secret key, inline or in a file; it both opens bundles addressed to
// its recipient and seals manifests with the Ed25519 key derived from the
// same seed. TrustedKeys pins the base64 Ed25519 keys whose manifests an
// importing host accepts; when empty only the host's own key is trusted.
type SignerConfig struct {
	SecretKey     string
	SecretKeyFile string
	TrustedKeys   []string
}

// Signer seals and checks bundle manifests.
type Signer struct {
	identity *age.X25519Identity
	sealKey  ed25519.PrivateKey
	trusted  []ed25519.PublicKey
}

// NewSigner resolves cfg into a Signer. A config with trusted keys but no
// secret yields a verify-only signer.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	secret, err := cfg.secret()
	if err != nil {
		return nil, err
	}

	s := &Signer{}
	if secret != "" {
		identity, err := age.ParseX25519Identity(secret)
		if err != nil {
			return nil, fmt.Errorf("parse age secret key: %w", err)
		}
		seed, err := ageSeed(secret)
		if err != nil {
			return nil, fmt.Errorf("parse age secret key: %w", err)
		}
		s.identity = identity
		s.sealKey = ed25519.NewKeyFromSeed(seed)
	}

	for _, raw := range cfg.TrustedKeys {
		key, err := decodePublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted key %q: %w", raw, err)
		}
		s.trusted = append(s.trusted, key)
	}
	if len(s.trusted) == 0 && s.sealKey != nil {
		s.trusted = []ed25519.PublicKey{s.publicKey()}
	}
	if s.sealKey == nil && len(s.trusted) == 0 {
		return nil, errors.New("bundle signer needs an age secret key or at least one trusted key")
	}
	return s, nil
}

func (c SignerConfig) secret() (string, error) {
	secret := strings.TrimSpace(c.SecretKey)
	if c.SecretKeyFile == "" {
		return secret, nil
	}
	if secret != "" {
		return "", errors.New("set either the age secret key or its file, not both")
	}
	data, err := os.ReadFile(c.SecretKeyFile)
	if err != nil {
		return "", fmt.Errorf("read age secret key: %w", err)
	}
	// age-keygen output carries comment lines ahead of the key.
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return line, nil
		}
	}
	return "", fmt.Errorf("no age secret key in %s", c.SecretKeyFile)
}

// Seal stamps m with the signer's recipient and public key, then signs it.
func (s *Signer) Seal(m *Manifest) error {
	if s == nil || s.sealKey == nil {
		return errors.New("signer has no age secret key")
	}
	m.Signer = s.identity.Recipient().String()
	m.SigningPublicKey = s.PublicKey()
	payload, err := m.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal manifest for signing: %w", err)
	}
	m.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(s.sealKey, payload))
	return nil
}

// Check verifies that m was sealed by a trusted key.
func (s *Signer) Check(m Manifest) error {
	if s == nil {
		return errors.New("nil signer")
	}
	if m.Signature == "" {
		return errors.New("manifest missing signature")
	}
	key, err := decodePublicKey(m.SigningPublicKey)
	if err != nil {
		return fmt.Errorf("manifest signing key: %w", err)
	}
	if !s.trusts(key) {
		return fmt.Errorf("manifest signed by unexpected key %s", m.SigningPublicKey)
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(m.Signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	payload, err := m.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if !ed25519.Verify(key, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

func (s *Signer) trusts(key ed25519.PublicKey) bool {
	for _, t := range s.trusted {
		if t.Equal(key) {
			return true
		}
	}
	return false
}

func (s *Signer) publicKey() ed25519.PublicKey {
	return s.sealKey.Public().(ed25519.PublicKey)
}

// PublicKey returns the base64 Ed25519 key other hosts pin as trusted, or
// "" for a verify-only signer.
func (s *Signer) PublicKey() string {
	if s == nil || s.sealKey == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.publicKey())
}

// AgeIdentity returns the X25519 identity behind the secret key, or nil.
func (s *Signer) AgeIdentity() *age.X25519Identity {
	if s == nil {
		return nil
	}
	return s.identity
}

func decodePublicKey(raw string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("want %d bytes, got %d", ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// ageSeed extracts the 32-byte seed from an AGE-SECRET-KEY-1 string.
func ageSeed(secret string) ([]byte, error) {
	hrp, data, err := bech32.Decode(secret)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(seed))
	}
	return seed, nil
}
