package certstore

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ddsfleet/pkg/fsutil"
)

const (
	caDirName           = "CA"
	caPrivateDirName    = "private"
	caCertFileName      = "mainca_cert.pem"
	caKeyFileName       = "mainca_key.pem"
	caSerialFileName    = "serial"
	participantsDirName = "participants"
	securityDirName     = "security"
	backupTimeLayout    = "20060102T150405Z"
)

// InitialSerial is the first serial number handed out by a freshly created CA.
var InitialSerial = big.NewInt(0x1000)

var (
	ErrNotFound     = errors.New("certstore: not found")
	ErrUnknownAge   = errors.New("certstore: certificate creation time unknown")
	ErrInvalidLabel = errors.New("certstore: invalid participant label")
)

// CertificateAuthority is the CA keypair, certificate and serial counter.
type CertificateAuthority struct {
	Cert    *x509.Certificate
	CertPEM []byte
	Key     crypto.Signer
	KeyPEM  []byte
	Serial  *big.Int
}

// ParticipantIdentity is one machine's key material. Cert is nil when only
// the key has been generated so far.
type ParticipantIdentity struct {
	Label   string
	Key     crypto.Signer
	KeyPEM  []byte
	Cert    *x509.Certificate
	CertPEM []byte
	CSR     []byte
}

// Store reads and writes identity material under a fixed directory layout:
//
//	<root>/CA/mainca_cert.pem
//	<root>/CA/private/mainca_key.pem
//	<root>/CA/serial
//	<root>/participants/<label>/<label>_cert.pem
//	<root>/participants/<label>/<label>_key.pem
//	<root>/participants/<label>/<label>.csr
//
// It holds no policy; callers decide what to write and when.
type Store struct {
	root string
}

// New returns a Store rooted at root. The directory is created lazily on the
// first write.
func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("certstore: root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("certstore: resolve root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute storage root.
func (s *Store) Root() string { return s.root }

func (s *Store) CACertPath() string {
	return filepath.Join(s.root, caDirName, caCertFileName)
}

func (s *Store) CAKeyPath() string {
	return filepath.Join(s.root, caDirName, caPrivateDirName, caKeyFileName)
}

func (s *Store) SerialPath() string {
	return filepath.Join(s.root, caDirName, caSerialFileName)
}

// ParticipantDir returns the directory holding the label's material.
func (s *Store) ParticipantDir(label string) string {
	return filepath.Join(s.root, participantsDirName, label)
}

func (s *Store) ParticipantCertPath(label string) string {
	return filepath.Join(s.ParticipantDir(label), label+"_cert.pem")
}

func (s *Store) ParticipantKeyPath(label string) string {
	return filepath.Join(s.ParticipantDir(label), label+"_key.pem")
}

func (s *Store) ParticipantCSRPath(label string) string {
	return filepath.Join(s.ParticipantDir(label), label+".csr")
}

// SecurityDir holds the participant's governance and permissions documents.
func (s *Store) SecurityDir(label string) string {
	return filepath.Join(s.ParticipantDir(label), securityDirName)
}

// ValidateLabel rejects labels that cannot be used as a single path element.
func ValidateLabel(label string) error {
	trimmed := strings.TrimSpace(label)
	if trimmed == "" || trimmed != label {
		return fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	if label == "." || label == ".." || strings.ContainsAny(label, `/\`) || strings.ContainsRune(label, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	return nil
}

// LoadCA reads the CA certificate, key and serial. ErrNotFound is returned
// when either the certificate or the key is missing.
func (s *Store) LoadCA() (*CertificateAuthority, error) {
	certPEM, err := readOptional(s.CACertPath())
	if err != nil {
		return nil, err
	}
	keyPEM, err := readOptional(s.CAKeyPath())
	if err != nil {
		return nil, err
	}
	if certPEM == nil || keyPEM == nil {
		return nil, ErrNotFound
	}

	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("parse ca certificate: %w", err)
	}
	key, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse ca key: %w", err)
	}

	serial, err := s.loadSerial()
	if err != nil {
		return nil, err
	}

	return &CertificateAuthority{
		Cert:    cert,
		CertPEM: certPEM,
		Key:     key,
		KeyPEM:  keyPEM,
		Serial:  serial,
	}, nil
}

// LoadCACert reads only the CA certificate. Verification-only callers use it
// so they never touch the private key.
func (s *Store) LoadCACert() (*x509.Certificate, []byte, error) {
	certPEM, err := readOptional(s.CACertPath())
	if err != nil {
		return nil, nil, err
	}
	if certPEM == nil {
		return nil, nil, ErrNotFound
	}
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parse ca certificate: %w", err)
	}
	return cert, certPEM, nil
}

// LoadParticipant reads the key and certificate stored for label. A
// participant with a key but no certificate loads with a nil Cert.
func (s *Store) LoadParticipant(label string) (*ParticipantIdentity, error) {
	if err := ValidateLabel(label); err != nil {
		return nil, err
	}

	keyPEM, err := readOptional(s.ParticipantKeyPath(label))
	if err != nil {
		return nil, err
	}
	certPEM, err := readOptional(s.ParticipantCertPath(label))
	if err != nil {
		return nil, err
	}
	if keyPEM == nil && certPEM == nil {
		return nil, ErrNotFound
	}

	identity := &ParticipantIdentity{Label: label}
	if keyPEM != nil {
		key, err := ParsePrivateKeyPEM(keyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse participant key %q: %w", label, err)
		}
		identity.Key = key
		identity.KeyPEM = keyPEM
	}
	if certPEM != nil {
		identity.CertPEM = certPEM
		// An unparseable certificate is reported as absent; the trust policy
		// treats that as a renewal trigger rather than a load failure.
		if cert, err := ParseCertificatePEM(certPEM); err == nil {
			identity.Cert = cert
		}
	}
	return identity, nil
}

// SaveCA persists the CA key, certificate and serial.
func (s *Store) SaveCA(ca *CertificateAuthority) error {
	if ca == nil || len(ca.CertPEM) == 0 || len(ca.KeyPEM) == 0 {
		return errors.New("certstore: incomplete certificate authority")
	}
	if err := os.MkdirAll(filepath.Dir(s.CAKeyPath()), 0o700); err != nil {
		return fmt.Errorf("create ca private dir: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.CAKeyPath(), ca.KeyPEM, 0o600); err != nil {
		return fmt.Errorf("write ca key: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.CACertPath(), ca.CertPEM, 0o644); err != nil {
		return fmt.Errorf("write ca certificate: %w", err)
	}
	serial := ca.Serial
	if serial == nil {
		serial = InitialSerial
	}
	return s.SaveSerial(serial)
}

// SaveCACert stores only the CA certificate. Hosts that receive identity
// from elsewhere hold the certificate without the key.
func (s *Store) SaveCACert(certPEM []byte) error {
	if len(certPEM) == 0 {
		return errors.New("certstore: empty ca certificate")
	}
	if err := fsutil.WriteFileAtomic(s.CACertPath(), certPEM, 0o644); err != nil {
		return fmt.Errorf("write ca certificate: %w", err)
	}
	return nil
}

// SaveSerial persists the next serial number as hex, like openssl's serial file.
func (s *Store) SaveSerial(serial *big.Int) error {
	if serial == nil || serial.Sign() <= 0 {
		return errors.New("certstore: serial must be positive")
	}
	data := []byte(strings.ToUpper(serial.Text(16)) + "\n")
	if err := fsutil.WriteFileAtomic(s.SerialPath(), data, 0o644); err != nil {
		return fmt.Errorf("write serial: %w", err)
	}
	return nil
}

// SaveParticipantKey persists the participant's private key with owner-only permissions.
func (s *Store) SaveParticipantKey(label string, keyPEM []byte) error {
	if err := ValidateLabel(label); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.ParticipantKeyPath(label), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write participant key %q: %w", label, err)
	}
	return nil
}

// SaveParticipantCert atomically replaces the participant's certificate.
func (s *Store) SaveParticipantCert(label string, certPEM []byte) error {
	if err := ValidateLabel(label); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.ParticipantCertPath(label), certPEM, 0o644); err != nil {
		return fmt.Errorf("write participant certificate %q: %w", label, err)
	}
	return nil
}

// SaveCSR persists the signing request that produced the current certificate.
func (s *Store) SaveCSR(label string, csrPEM []byte) error {
	if err := ValidateLabel(label); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.ParticipantCSRPath(label), csrPEM, 0o644); err != nil {
		return fmt.Errorf("write csr %q: %w", label, err)
	}
	return nil
}

// WriteSecurityFile stores a governance/permissions artefact for label.
func (s *Store) WriteSecurityFile(label, name string, data []byte) error {
	if err := ValidateLabel(label); err != nil {
		return err
	}
	if name == "" || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("certstore: invalid security file name %q", name)
	}
	return fsutil.WriteFileAtomic(filepath.Join(s.SecurityDir(label), name), data, 0o644)
}

// ReadSecurityFile returns the named security artefact or ErrNotFound.
func (s *Store) ReadSecurityFile(label, name string) ([]byte, error) {
	if err := ValidateLabel(label); err != nil {
		return nil, err
	}
	data, err := readOptional(filepath.Join(s.SecurityDir(label), name))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNotFound
	}
	return data, nil
}

// AgeOf returns the creation timestamp recorded in cert.
func (s *Store) AgeOf(cert *x509.Certificate) (time.Time, error) {
	if cert == nil || cert.NotBefore.IsZero() {
		return time.Time{}, ErrUnknownAge
	}
	return cert.NotBefore, nil
}

// BackupParticipantCert copies the current participant certificate to a
// timestamped name next to it and returns the backup path. It returns
// ErrNotFound when there is nothing to back up.
func (s *Store) BackupParticipantCert(label string, now time.Time) (string, error) {
	if err := ValidateLabel(label); err != nil {
		return "", err
	}
	return backup(s.ParticipantCertPath(label), now)
}

// BackupCA copies the current CA certificate to a timestamped name.
func (s *Store) BackupCA(now time.Time) (string, error) {
	return backup(s.CACertPath(), now)
}

func backup(path string, now time.Time) (string, error) {
	if !fsutil.Exists(path) {
		return "", ErrNotFound
	}
	base := fmt.Sprintf("%s.%s.bak", path, now.UTC().Format(backupTimeLayout))
	target := base
	for i := 1; fsutil.Exists(target); i++ {
		target = fmt.Sprintf("%s-%d", base, i)
	}
	if err := fsutil.CopyFile(path, target); err != nil {
		return "", fmt.Errorf("backup %q: %w", path, err)
	}
	return target, nil
}

func (s *Store) loadSerial() (*big.Int, error) {
	data, err := readOptional(s.SerialPath())
	if err != nil {
		return nil, err
	}
	if data == nil {
		return new(big.Int).Set(InitialSerial), nil
	}
	serial, ok := new(big.Int).SetString(strings.TrimSpace(string(data)), 16)
	if !ok || serial.Sign() <= 0 {
		return nil, fmt.Errorf("certstore: invalid serial file %q", s.SerialPath())
	}
	return serial, nil
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	return data, nil
}
