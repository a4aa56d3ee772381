package trust

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ddsfleet/services/certstore"
)

type authority struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newAuthority(t *testing.T, cn string, notBefore time.Time) authority {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(10, 0, 0),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return authority{cert: cert, key: key}
}

func (a authority) issue(t *testing.T, cn string) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    a.cert.NotBefore,
		NotAfter:     a.cert.NotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

type fixedAges struct {
	at  time.Time
	err error
}

func (f fixedAges) AgeOf(*x509.Certificate) (time.Time, error) { return f.at, f.err }

func TestCANeedsRenewalCalendarBoundary(t *testing.T) {
	now := time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC)
	ca := &certstore.CertificateAuthority{Cert: &x509.Certificate{}}

	tests := []struct {
		name    string
		created time.Time
		err     error
		want    bool
		reason  Reason
	}{
		{name: "created today", created: now, want: false, reason: ReasonValid},
		{name: "created this year", created: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC), want: false, reason: ReasonValid},
		{name: "exactly the cutoff", created: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), want: false, reason: ReasonValid},
		{name: "one second before cutoff", created: time.Date(2024, time.December, 31, 23, 59, 59, 0, time.UTC), want: true, reason: ReasonStale},
		{name: "late previous year", created: time.Date(2025, time.December, 31, 0, 0, 0, 0, time.UTC), want: false, reason: ReasonValid},
		{name: "two years ago", created: time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC), want: true, reason: ReasonStale},
		{name: "future dated", created: now.Add(time.Minute), want: true, reason: ReasonFutureDated},
		{name: "unknown", err: certstore.ErrUnknownAge, want: true, reason: ReasonUnknownAge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := NewPolicy(fixedAges{at: tt.created, err: tt.err})
			got, reason := policy.CADecision(ca, now)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.reason, reason)
			require.Equal(t, tt.want, policy.CANeedsRenewal(ca, now))
		})
	}
}

func TestCANeedsRenewalAbsent(t *testing.T) {
	policy := NewPolicy(nil)
	require.True(t, policy.CANeedsRenewal(nil, time.Now()))
	require.True(t, policy.CANeedsRenewal(&certstore.CertificateAuthority{}, time.Now()))
}

func TestCADecisionKeyMismatch(t *testing.T) {
	now := time.Now().UTC()
	a := newAuthority(t, "ca", now.Add(-time.Hour))
	foreign, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	policy := NewPolicy(nil)

	renew, reason := policy.CADecision(&certstore.CertificateAuthority{Cert: a.cert, Key: a.key}, now)
	require.False(t, renew)
	require.Equal(t, ReasonValid, reason)

	renew, reason = policy.CADecision(&certstore.CertificateAuthority{Cert: a.cert, Key: foreign}, now)
	require.True(t, renew)
	require.Equal(t, ReasonKeyMismatch, reason)
}

func TestCANeedsRenewalRollingFallback(t *testing.T) {
	now := time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC)
	ca := &certstore.CertificateAuthority{Cert: &x509.Certificate{}}

	// 375 days old.
	old := time.Date(2024, time.December, 31, 0, 0, 0, 0, time.UTC)
	rolling := &Policy{Mode: RollingYear, Ages: fixedAges{at: old}}
	require.True(t, rolling.CANeedsRenewal(ca, now))

	recent := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	rolling.Ages = fixedAges{at: recent}
	require.False(t, rolling.CANeedsRenewal(ca, now))

	// Checked in February 2025, both 2024 CAs pass the calendar rule; only
	// the younger one passes the rolling window.
	now = time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
	mid := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	calendar := NewPolicy(fixedAges{at: mid})
	rolling.Ages = fixedAges{at: mid}
	require.False(t, calendar.CANeedsRenewal(ca, now))
	require.False(t, rolling.CANeedsRenewal(ca, now))

	mid = time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)
	calendar.Ages = fixedAges{at: mid}
	rolling.Ages = fixedAges{at: mid}
	require.False(t, calendar.CANeedsRenewal(ca, now))
	require.True(t, rolling.CANeedsRenewal(ca, now))
}

func TestCalendarCutoffUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	now := time.Date(2026, time.January, 1, 1, 0, 0, 0, loc)
	require.Equal(t, time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), CalendarCutoff(now))
}

func TestVerifyChain(t *testing.T) {
	start := time.Now().Add(-time.Hour).Truncate(time.Second)
	ca := newAuthority(t, "DDS Root CA", start)
	other := newAuthority(t, "DDS Root CA", start)

	leaf := ca.issue(t, "hostA_Participant")
	require.NoError(t, VerifyChain(leaf, ca.cert))

	err := VerifyChain(leaf, other.cert)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrChainInvalid))

	unrelated := newAuthority(t, "Other CA", start)
	require.ErrorIs(t, VerifyChain(leaf, unrelated.cert), ErrChainInvalid)
	require.ErrorIs(t, VerifyChain(nil, ca.cert), ErrChainInvalid)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	start := time.Now().Add(-time.Hour).Truncate(time.Second)
	ca := newAuthority(t, "DDS Root CA", start)
	leaf := ca.issue(t, "hostA_Participant")

	raw := append([]byte(nil), leaf.Raw...)
	raw[len(raw)-1] ^= 0xff
	tampered, err := x509.ParseCertificate(raw)
	if err != nil {
		// Corrupting the signature may make the DER unparseable; either way
		// the certificate cannot be trusted.
		return
	}
	require.ErrorIs(t, VerifyChain(tampered, ca.cert), ErrChainInvalid)
}

func TestParticipantNeedsRenewal(t *testing.T) {
	start := time.Now().Add(-time.Hour).Truncate(time.Second)
	ca := newAuthority(t, "DDS Root CA", start)
	rotated := newAuthority(t, "DDS Root CA", start)
	leaf := ca.issue(t, "hostA_Participant")

	policy := NewPolicy(nil)
	current := &certstore.CertificateAuthority{Cert: ca.cert}

	renew, reason := policy.ParticipantDecision(nil, current)
	require.True(t, renew)
	require.Equal(t, ReasonAbsent, reason)

	require.True(t, policy.ParticipantNeedsRenewal(&certstore.ParticipantIdentity{Label: "hostA"}, current))
	require.False(t, policy.ParticipantNeedsRenewal(&certstore.ParticipantIdentity{Label: "hostA", Cert: leaf}, current))

	renew, reason = policy.ParticipantDecision(&certstore.ParticipantIdentity{Label: "hostA", Cert: leaf}, &certstore.CertificateAuthority{Cert: rotated.cert})
	require.True(t, renew)
	require.Equal(t, ReasonChainInvalid, reason)
}
