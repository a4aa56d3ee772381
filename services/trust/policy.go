package trust

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"ddsfleet/services/certstore"
)

// ErrChainInvalid marks a certificate that does not chain to the current CA.
// It is a renewal trigger, not a fatal condition.
var ErrChainInvalid = errors.New("trust: certificate does not chain to ca")

// Mode selects the CA renewal rule.
type Mode string

const (
	// CalendarYear renews every CA created before January 1 of the previous
	// calendar year, so every deployment rotates at the same boundary.
	CalendarYear Mode = "calendar"

	// RollingYear is the degraded fallback: renew once the CA is older than
	// 365 days. It is never consulted unless selected explicitly.
	RollingYear Mode = "rolling"
)

const rollingWindow = 365 * 24 * time.Hour

// Reason explains a renewal decision for logs and metrics.
type Reason string

const (
	ReasonValid        Reason = "valid"
	ReasonAbsent       Reason = "absent"
	ReasonUnknownAge   Reason = "unknown-age"
	ReasonFutureDated  Reason = "future-dated"
	ReasonStale        Reason = "stale"
	ReasonChainInvalid Reason = "chain-invalid"
	ReasonKeyMismatch  Reason = "key-mismatch"
)

// AgeSource reports when a certificate was created.
type AgeSource interface {
	AgeOf(cert *x509.Certificate) (time.Time, error)
}

// Policy decides whether identity material must be (re)issued.
type Policy struct {
	Mode Mode
	Ages AgeSource
}

// NewPolicy returns a calendar-year policy reading creation times from ages.
func NewPolicy(ages AgeSource) *Policy {
	return &Policy{Mode: CalendarYear, Ages: ages}
}

// CANeedsRenewal reports whether the CA must be regenerated at now.
func (p *Policy) CANeedsRenewal(ca *certstore.CertificateAuthority, now time.Time) bool {
	renew, _ := p.CADecision(ca, now)
	return renew
}

// CADecision is CANeedsRenewal with the reason attached.
func (p *Policy) CADecision(ca *certstore.CertificateAuthority, now time.Time) (bool, Reason) {
	if ca == nil || ca.Cert == nil {
		return true, ReasonAbsent
	}
	// The key and certificate are renamed into place separately.
	if ca.Key != nil && !publicKeysEqual(ca.Key.Public(), ca.Cert.PublicKey) {
		return true, ReasonKeyMismatch
	}

	created, err := p.ageOf(ca.Cert)
	if err != nil {
		return true, ReasonUnknownAge
	}
	if created.After(now) {
		return true, ReasonFutureDated
	}

	switch p.Mode {
	case RollingYear:
		// Fallback branch: rolling window, independent of the calendar rule.
		if now.Sub(created) > rollingWindow {
			return true, ReasonStale
		}
	default:
		if created.Before(CalendarCutoff(now)) {
			return true, ReasonStale
		}
	}
	return false, ReasonValid
}

// CalendarCutoff returns January 1 of the year before now, in UTC.
func CalendarCutoff(now time.Time) time.Time {
	return time.Date(now.UTC().Year()-1, time.January, 1, 0, 0, 0, 0, time.UTC)
}

// ParticipantNeedsRenewal reports whether the participant certificate is
// absent or no longer chains to ca.
func (p *Policy) ParticipantNeedsRenewal(participant *certstore.ParticipantIdentity, ca *certstore.CertificateAuthority) bool {
	renew, _ := p.ParticipantDecision(participant, ca)
	return renew
}

// ParticipantDecision is ParticipantNeedsRenewal with the reason attached.
func (p *Policy) ParticipantDecision(participant *certstore.ParticipantIdentity, ca *certstore.CertificateAuthority) (bool, Reason) {
	if participant == nil || participant.Cert == nil {
		return true, ReasonAbsent
	}
	if ca == nil || ca.Cert == nil {
		return true, ReasonChainInvalid
	}
	if err := VerifyChain(participant.Cert, ca.Cert); err != nil {
		return true, ReasonChainInvalid
	}
	if participant.Key != nil && !publicKeysEqual(participant.Key.Public(), participant.Cert.PublicKey) {
		return true, ReasonKeyMismatch
	}
	return false, ReasonValid
}

type equaler interface {
	Equal(crypto.PublicKey) bool
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	eq, ok := a.(equaler)
	return ok && eq.Equal(b)
}

func (p *Policy) ageOf(cert *x509.Certificate) (time.Time, error) {
	if p.Ages == nil {
		if cert.NotBefore.IsZero() {
			return time.Time{}, certstore.ErrUnknownAge
		}
		return cert.NotBefore, nil
	}
	return p.Ages.AgeOf(cert)
}

// VerifyChain checks that cert was issued by ca and that its signature is
// intact. Revocation is not checked.
func VerifyChain(cert, ca *x509.Certificate) error {
	if cert == nil || ca == nil {
		return fmt.Errorf("%w: missing certificate", ErrChainInvalid)
	}
	if !bytes.Equal(cert.RawIssuer, ca.RawSubject) {
		return fmt.Errorf("%w: issuer %q does not match ca subject %q", ErrChainInvalid, cert.Issuer.String(), ca.Subject.String())
	}
	if err := cert.CheckSignatureFrom(ca); err != nil {
		return fmt.Errorf("%w: %v", ErrChainInvalid, err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)
	// Verify at the certificate's own start time: this is a structural and
	// cryptographic check, expiry is the renewal policy's concern.
	at := cert.NotBefore
	if at.Before(ca.NotBefore) {
		at = ca.NotBefore
	}
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: at,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChainInvalid, err)
	}
	return nil
}
