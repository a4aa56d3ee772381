package issuer

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ddsfleet/pkg/fsutil"
	"ddsfleet/services/certstore"
	"ddsfleet/services/trust"
)

const (
	DefaultKeyBits      = 4096
	DefaultValidityDays = 99999

	caCommonName      = "DDS Root CA"
	caEmail           = "admin@dds-security.local"
	participantSuffix = "_Participant"
	participantHost   = "participant.dds-security.local"
	emailDomain       = "dds-security.local"
)

// Fixed distinguished-name attributes shared by the CA and every participant.
var baseSubject = pkix.Name{
	Country:            []string{"TR"},
	Province:           []string{"Istanbul"},
	Locality:           []string{"Istanbul"},
	Organization:       []string{"DDS Security System"},
	OrganizationalUnit: []string{"Military Applications"},
}

var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// IdentityError reports a failure to produce or persist identity material.
// Stored identity is never left half-written when one is returned.
type IdentityError struct {
	Op    string
	Label string
	Err   error
}

func (e *IdentityError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("identity %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("identity %s %q: %v", e.Op, e.Label, e.Err)
}

func (e *IdentityError) Unwrap() error { return e.Err }

// Config tunes key generation and certificate validity.
type Config struct {
	KeyBits      int
	ValidityDays int
	Now          func() time.Time
	Rand         io.Reader
	Logger       zerolog.Logger

	// GenerateKey overrides RSA key generation. Tests use it to swap in
	// smaller or failing keys.
	GenerateKey func(random io.Reader, bits int) (crypto.Signer, error)
}

// Issuer creates and renews the CA and participant certificates held in a
// certstore.Store according to a trust.Policy.
type Issuer struct {
	store  *certstore.Store
	policy *trust.Policy
	cfg    Config
	log    zerolog.Logger
}

// New wires an Issuer. A nil policy means the calendar-year rule with
// creation times read from the store.
func New(store *certstore.Store, policy *trust.Policy, cfg Config) (*Issuer, error) {
	if store == nil {
		return nil, errors.New("issuer: store is required")
	}
	if policy == nil {
		policy = trust.NewPolicy(store)
	}
	if cfg.KeyBits <= 0 {
		cfg.KeyBits = DefaultKeyBits
	}
	if cfg.ValidityDays <= 0 {
		cfg.ValidityDays = DefaultValidityDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.GenerateKey == nil {
		cfg.GenerateKey = generateRSA
	}
	return &Issuer{
		store:  store,
		policy: policy,
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "issuer").Logger(),
	}, nil
}

// Store exposes the backing certificate store.
func (i *Issuer) Store() *certstore.Store { return i.store }

// EnsureCA returns a usable CA, generating a new one when the policy says the
// stored CA is absent or stale. The boolean reports whether a rotation took
// place; callers must then re-issue every participant certificate.
func (i *Issuer) EnsureCA(ctx context.Context) (*certstore.CertificateAuthority, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	ca, err := i.store.LoadCA()
	switch {
	case err == nil:
	case errors.Is(err, certstore.ErrNotFound):
		ca = nil
	default:
		// Unreadable material is regenerated rather than trusted.
		i.log.Warn().Err(err).Msg("stored ca unusable, regenerating")
		ca = nil
	}

	now := i.cfg.Now()
	renew, reason := i.policy.CADecision(ca, now)
	if !renew {
		i.log.Debug().Str("subject", SubjectName(ca.Cert.Subject)).Msg("ca is current")
		return ca, false, nil
	}
	i.log.Info().Str("reason", string(reason)).Msg("generating certificate authority")

	fresh, err := i.newCA(now)
	if err != nil {
		return nil, false, &IdentityError{Op: "create ca", Err: err}
	}

	if ca != nil || fsutil.Exists(i.store.CACertPath()) {
		path, err := i.store.BackupCA(now)
		if err != nil && !errors.Is(err, certstore.ErrNotFound) {
			return nil, false, &IdentityError{Op: "backup ca", Err: err}
		}
		if path != "" {
			i.log.Info().Str("path", path).Msg("previous ca certificate backed up")
		}
	}
	if err := i.store.SaveCA(fresh); err != nil {
		return nil, false, &IdentityError{Op: "save ca", Err: err}
	}
	return fresh, true, nil
}

func (i *Issuer) newCA(now time.Time) (*certstore.CertificateAuthority, error) {
	key, err := i.cfg.GenerateKey(i.cfg.Rand, i.cfg.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate ca key: %w", err)
	}
	serial, err := randomSerial(i.cfg.Rand)
	if err != nil {
		return nil, err
	}

	subject := withEmail(baseSubject, caCommonName, caEmail)
	notBefore := now.UTC().Truncate(time.Second)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(0, 0, i.cfg.ValidityDays),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(i.cfg.Rand, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("self-sign ca: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse ca certificate: %w", err)
	}
	keyPEM, err := certstore.EncodePrivateKeyPEM(key)
	if err != nil {
		return nil, err
	}
	return &certstore.CertificateAuthority{
		Cert:    cert,
		CertPEM: certstore.EncodeCertificatePEM(der),
		Key:     key,
		KeyPEM:  keyPEM,
		Serial:  new(big.Int).Set(certstore.InitialSerial),
	}, nil
}

// EnsureParticipant makes sure label holds a certificate signed by ca. The
// stored key is reused when present. A fresh certificate is verified before
// anything on disk changes; the previous certificate is backed up and then
// replaced atomically. The boolean reports whether a certificate was issued.
func (i *Issuer) EnsureParticipant(ctx context.Context, label string, ca *certstore.CertificateAuthority, force bool) (*certstore.ParticipantIdentity, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := certstore.ValidateLabel(label); err != nil {
		return nil, false, &IdentityError{Op: "validate", Label: label, Err: err}
	}
	if ca == nil || ca.Cert == nil || ca.Key == nil {
		return nil, false, &IdentityError{Op: "issue", Label: label, Err: errors.New("certificate authority not loaded")}
	}

	existing, err := i.store.LoadParticipant(label)
	if err != nil && !errors.Is(err, certstore.ErrNotFound) {
		return nil, false, &IdentityError{Op: "load", Label: label, Err: err}
	}

	renew, reason := i.policy.ParticipantDecision(existing, ca)
	if !renew && !force {
		return existing, false, nil
	}
	if !renew {
		reason = "forced"
	}
	logger := i.log.With().Str("label", label).Str("reason", string(reason)).Logger()
	logger.Info().Msg("issuing participant certificate")

	identity := &certstore.ParticipantIdentity{Label: label}
	newKey := existing == nil || existing.Key == nil
	if newKey {
		key, err := i.cfg.GenerateKey(i.cfg.Rand, i.cfg.KeyBits)
		if err != nil {
			return nil, false, &IdentityError{Op: "generate key", Label: label, Err: err}
		}
		keyPEM, err := certstore.EncodePrivateKeyPEM(key)
		if err != nil {
			return nil, false, &IdentityError{Op: "encode key", Label: label, Err: err}
		}
		identity.Key, identity.KeyPEM = key, keyPEM
	} else {
		identity.Key, identity.KeyPEM = existing.Key, existing.KeyPEM
	}

	csrPEM, csr, err := i.newCSR(label, identity.Key)
	if err != nil {
		return nil, false, &IdentityError{Op: "csr", Label: label, Err: err}
	}
	identity.CSR = csrPEM

	serial := new(big.Int).Set(certstore.InitialSerial)
	if ca.Serial != nil && ca.Serial.Sign() > 0 {
		serial.Set(ca.Serial)
	}
	certDER, err := i.sign(csr, serial, ca)
	if err != nil {
		return nil, false, &IdentityError{Op: "sign", Label: label, Err: err}
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, false, &IdentityError{Op: "sign", Label: label, Err: err}
	}
	if err := trust.VerifyChain(cert, ca.Cert); err != nil {
		return nil, false, &IdentityError{Op: "verify", Label: label, Err: err}
	}
	identity.Cert = cert
	identity.CertPEM = certstore.EncodeCertificatePEM(certDER)

	// Nothing on disk has changed up to here.
	if newKey {
		if err := i.store.SaveParticipantKey(label, identity.KeyPEM); err != nil {
			return nil, false, &IdentityError{Op: "save key", Label: label, Err: err}
		}
	}
	if err := i.store.SaveCSR(label, csrPEM); err != nil {
		return nil, false, &IdentityError{Op: "save csr", Label: label, Err: err}
	}
	if existing != nil && len(existing.CertPEM) > 0 {
		path, err := i.store.BackupParticipantCert(label, i.cfg.Now())
		if err != nil && !errors.Is(err, certstore.ErrNotFound) {
			return nil, false, &IdentityError{Op: "backup", Label: label, Err: err}
		}
		if path != "" {
			logger.Info().Str("path", path).Msg("previous participant certificate backed up")
		}
	}
	if err := i.store.SaveParticipantCert(label, identity.CertPEM); err != nil {
		return nil, false, &IdentityError{Op: "save certificate", Label: label, Err: err}
	}

	ca.Serial = new(big.Int).Add(serial, big.NewInt(1))
	if err := i.store.SaveSerial(ca.Serial); err != nil {
		return nil, false, &IdentityError{Op: "save serial", Label: label, Err: err}
	}

	logger.Info().
		Str("serial", strings.ToUpper(serial.Text(16))).
		Time("not_after", cert.NotAfter).
		Msg("participant certificate issued")
	return identity, true, nil
}

// VerifyParticipant checks the stored participant certificate against the
// stored CA certificate without touching either key.
func (i *Issuer) VerifyParticipant(label string) (*x509.Certificate, error) {
	caCert, _, err := i.store.LoadCACert()
	if err != nil {
		return nil, fmt.Errorf("load ca certificate: %w", err)
	}
	identity, err := i.store.LoadParticipant(label)
	if err != nil {
		return nil, fmt.Errorf("load participant: %w", err)
	}
	if identity.Cert == nil {
		return nil, fmt.Errorf("participant %q has no certificate", label)
	}
	if err := trust.VerifyChain(identity.Cert, caCert); err != nil {
		return identity.Cert, err
	}
	return identity.Cert, nil
}

func (i *Issuer) newCSR(label string, key crypto.Signer) ([]byte, *x509.CertificateRequest, error) {
	email := participantEmail(label)
	template := &x509.CertificateRequest{
		Subject:        participantSubject(label),
		EmailAddresses: []string{email},
	}
	der, err := x509.CreateCertificateRequest(i.cfg.Rand, template, key)
	if err != nil {
		return nil, nil, err
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, nil, err
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, nil, fmt.Errorf("csr signature: %w", err)
	}
	return certstore.EncodeCSRPEM(der), csr, nil
}

func (i *Issuer) sign(csr *x509.CertificateRequest, serial *big.Int, ca *certstore.CertificateAuthority) ([]byte, error) {
	label := strings.TrimSuffix(csr.Subject.CommonName, participantSuffix)
	notBefore := i.cfg.Now().UTC().Truncate(time.Second)
	// Never start before the CA itself, or path validation rejects the leaf.
	if notBefore.Before(ca.Cert.NotBefore) {
		notBefore = ca.Cert.NotBefore
	}
	template := &x509.Certificate{
		// Parsed names drop the emailAddress attribute; keep the DER as requested.
		RawSubject:            csr.RawSubject,
		SerialNumber:          serial,
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(0, 0, i.cfg.ValidityDays),
		BasicConstraintsValid: true,
		IsCA:                  false,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageContentCommitment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:              []string{label, participantHost},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		EmailAddresses:        csr.EmailAddresses,
	}
	if template.NotAfter.After(ca.Cert.NotAfter) {
		template.NotAfter = ca.Cert.NotAfter
	}
	return x509.CreateCertificate(i.cfg.Rand, template, ca.Cert, csr.PublicKey, ca.Key)
}

func participantSubject(label string) pkix.Name {
	return withEmail(baseSubject, label+participantSuffix, participantEmail(label))
}

func participantEmail(label string) string {
	return strings.ToLower(label) + "@" + emailDomain
}

// withEmail appends the emailAddress attribute the way openssl writes it in
// a subject DN.
func withEmail(base pkix.Name, cn, email string) pkix.Name {
	name := base
	name.CommonName = cn
	name.ExtraNames = append([]pkix.AttributeTypeAndValue(nil), base.ExtraNames...)
	name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{
		Type:  oidEmailAddress,
		Value: asn1.RawValue{Tag: asn1.TagIA5String, Class: asn1.ClassUniversal, Bytes: []byte(email)},
	})
	return name
}

// subjectEmail returns the emailAddress attribute of a parsed subject.
func subjectEmail(name pkix.Name) string {
	for _, atv := range name.Names {
		if !atv.Type.Equal(oidEmailAddress) {
			continue
		}
		if email, ok := atv.Value.(string); ok {
			return email
		}
	}
	return ""
}

// SubjectName renders a certificate subject the way openssl prints it in
// RFC 2253 order, with emailAddress named instead of shown as a raw OID.
func SubjectName(name pkix.Name) string {
	plain := name
	plain.Names = nil
	plain.ExtraNames = nil
	rendered := plain.String()
	if email := subjectEmail(name); email != "" {
		return "emailAddress=" + escapeDN(email) + "," + rendered
	}
	return rendered
}

var dnEscaper = strings.NewReplacer(`\`, `\\`, ",", `\,`, "+", `\+`, `"`, `\"`, "<", `\<`, ">", `\>`, ";", `\;`)

func escapeDN(s string) string { return dnEscaper.Replace(s) }

func randomSerial(random io.Reader) (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 127)
	serial, err := rand.Int(random, limit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial.Add(serial, big.NewInt(1)), nil
}

func generateRSA(random io.Reader, bits int) (crypto.Signer, error) {
	return rsa.GenerateKey(random, bits)
}
