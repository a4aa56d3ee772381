package issuer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"ddsfleet/services/certstore"
)

func newRSAIssuer(t *testing.T) *Issuer {
	t.Helper()

	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	iss, err := New(store, nil, Config{
		KeyBits: 2048,
		Now:     func() time.Time { return time.Now().Add(-time.Hour) },
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	return iss
}

func TestEnsureSecurityDocuments(t *testing.T) {
	iss := newRSAIssuer(t)
	ctx := context.Background()

	ca, _, err := iss.EnsureCA(ctx)
	require.NoError(t, err)
	participant, _, err := iss.EnsureParticipant(ctx, "hostA", ca, false)
	require.NoError(t, err)

	opts := DocumentOptions{Topics: []string{"Radar", "Messaging", "Radar", " "}}
	wrote, err := iss.EnsureSecurityDocuments(ctx, "hostA", ca, participant, opts)
	require.NoError(t, err)
	require.True(t, wrote)

	store := iss.Store()
	permissions, err := store.ReadSecurityFile("hostA", PermissionsFile)
	require.NoError(t, err)
	text := string(permissions)
	require.Contains(t, text, `<grant name="hostA_Participant">`)
	require.Contains(t, text, "CN=hostA_Participant")
	require.Equal(t, 2, strings.Count(text, "<topic>Messaging</topic>"))
	require.Equal(t, 2, strings.Count(text, "<topic>Radar</topic>"))
	require.Less(t, strings.Index(text, "Messaging"), strings.Index(text, "Radar"))

	for _, pair := range [][2]string{{GovernanceFile, GovernanceSignedFile}, {PermissionsFile, PermissionsSignedFile}} {
		content, err := store.ReadSecurityFile("hostA", pair[0])
		require.NoError(t, err)
		signed, err := store.ReadSecurityFile("hostA", pair[1])
		require.NoError(t, err)
		require.NoError(t, VerifyDocument(signed, content, ca.Cert.Raw))
		require.Error(t, VerifyDocument(signed, append(content, ' '), ca.Cert.Raw))
		require.Error(t, VerifyDocument(signed, content, participant.Cert.Raw))
	}

	signedBefore, err := store.ReadSecurityFile("hostA", PermissionsSignedFile)
	require.NoError(t, err)
	wrote, err = iss.EnsureSecurityDocuments(ctx, "hostA", ca, participant, opts)
	require.NoError(t, err)
	require.False(t, wrote)
	signedAfter, err := store.ReadSecurityFile("hostA", PermissionsSignedFile)
	require.NoError(t, err)
	require.Equal(t, signedBefore, signedAfter)

	opts.Topics = append(opts.Topics, "Telemetry")
	wrote, err = iss.EnsureSecurityDocuments(ctx, "hostA", ca, participant, opts)
	require.NoError(t, err)
	require.True(t, wrote)
}

func TestEnsureSecurityDocumentsRequiresCertificate(t *testing.T) {
	iss := newRSAIssuer(t)
	ca, _, err := iss.EnsureCA(context.Background())
	require.NoError(t, err)

	_, err = iss.EnsureSecurityDocuments(context.Background(), "hostA", ca, &certstore.ParticipantIdentity{Label: "hostA"}, DocumentOptions{})
	var identityErr *IdentityError
	require.ErrorAs(t, err, &identityErr)
}

func TestNormaliseTopics(t *testing.T) {
	require.Equal(t, []string{"*"}, normaliseTopics(nil))
	require.Equal(t, []string{"A", "B"}, normaliseTopics([]string{"B", "A", "B", ""}))
}
