package issuer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.mozilla.org/pkcs7"

	"ddsfleet/pkg/render"
	"ddsfleet/services/certstore"
)

// Security document file names inside participants/<label>/security.
const (
	GovernanceFile        = "governance.xml"
	GovernanceSignedFile  = "governance.p7s"
	PermissionsFile       = "permissions.xml"
	PermissionsSignedFile = "permissions.p7s"

	permissionsTimeLayout = "2006-01-02T15:04:05"
	wildcardTopic         = "*"
)

// DocumentOptions shapes the rendered governance and permissions.
type DocumentOptions struct {
	DomainID int
	Topics   []string
}

// EnsureSecurityDocuments renders the governance and permissions documents
// for label and signs both with the CA key. Existing files are left alone
// when the XML is unchanged and the stored signature still verifies against
// ca. It reports whether anything was written.
func (i *Issuer) EnsureSecurityDocuments(ctx context.Context, label string, ca *certstore.CertificateAuthority, participant *certstore.ParticipantIdentity, opts DocumentOptions) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ca == nil || ca.Cert == nil || ca.Key == nil {
		return false, &IdentityError{Op: "security documents", Label: label, Err: errors.New("certificate authority not loaded")}
	}
	if participant == nil || participant.Cert == nil {
		return false, &IdentityError{Op: "security documents", Label: label, Err: errors.New("participant certificate not issued")}
	}

	engine, err := render.New()
	if err != nil {
		return false, &IdentityError{Op: "security documents", Label: label, Err: err}
	}

	governance, err := engine.Render(render.GovernanceTemplate, render.GovernanceData{DomainID: opts.DomainID})
	if err != nil {
		return false, &IdentityError{Op: "render governance", Label: label, Err: err}
	}
	permissions, err := engine.Render(render.PermissionsTemplate, render.PermissionsData{
		GrantName:   label + participantSuffix,
		SubjectName: SubjectName(participant.Cert.Subject),
		NotBefore:   participant.Cert.NotBefore.UTC().Format(permissionsTimeLayout),
		NotAfter:    participant.Cert.NotAfter.UTC().Format(permissionsTimeLayout),
		DomainID:    opts.DomainID,
		Topics:      normaliseTopics(opts.Topics),
	})
	if err != nil {
		return false, &IdentityError{Op: "render permissions", Label: label, Err: err}
	}

	wroteGovernance, err := i.ensureSigned(label, GovernanceFile, GovernanceSignedFile, governance, ca)
	if err != nil {
		return false, err
	}
	wrotePermissions, err := i.ensureSigned(label, PermissionsFile, PermissionsSignedFile, permissions, ca)
	if err != nil {
		return false, err
	}
	return wroteGovernance || wrotePermissions, nil
}

func (i *Issuer) ensureSigned(label, xmlName, signedName string, content []byte, ca *certstore.CertificateAuthority) (bool, error) {
	current, err := i.store.ReadSecurityFile(label, xmlName)
	if err != nil && !errors.Is(err, certstore.ErrNotFound) {
		return false, &IdentityError{Op: "read " + xmlName, Label: label, Err: err}
	}
	if bytes.Equal(current, content) {
		signed, err := i.store.ReadSecurityFile(label, signedName)
		if err == nil && VerifyDocument(signed, content, ca.Cert.Raw) == nil {
			return false, nil
		}
	}

	signed, err := SignDocument(content, ca)
	if err != nil {
		return false, &IdentityError{Op: "sign " + xmlName, Label: label, Err: err}
	}
	if err := i.store.WriteSecurityFile(label, xmlName, content); err != nil {
		return false, &IdentityError{Op: "write " + xmlName, Label: label, Err: err}
	}
	if err := i.store.WriteSecurityFile(label, signedName, signed); err != nil {
		return false, &IdentityError{Op: "write " + signedName, Label: label, Err: err}
	}
	i.log.Info().Str("label", label).Str("document", signedName).Msg("security document signed")
	return true, nil
}

// SignDocument produces a DER PKCS#7 signed-data structure with content
// embedded, signed by the CA.
func SignDocument(content []byte, ca *certstore.CertificateAuthority) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("init signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(ca.Cert, ca.Key, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("add signer: %w", err)
	}
	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("finish signed data: %w", err)
	}
	return der, nil
}

// VerifyDocument checks that signed embeds content and was signed by the
// certificate whose DER encoding is signerRaw.
func VerifyDocument(signed, content, signerRaw []byte) error {
	p7, err := pkcs7.Parse(signed)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}
	if !bytes.Equal(p7.Content, content) {
		return errors.New("signed content differs")
	}
	if err := p7.Verify(); err != nil {
		return fmt.Errorf("verify signature: %w", err)
	}
	signer := p7.GetOnlySigner()
	if signer == nil || !bytes.Equal(signer.Raw, signerRaw) {
		return errors.New("document not signed by the expected authority")
	}
	return nil
}

func normaliseTopics(topics []string) []string {
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		out = append(out, topic)
	}
	if len(out) == 0 {
		return []string{wildcardTopic}
	}
	sort.Strings(out)
	return out
}
