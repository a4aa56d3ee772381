package bundler

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	gos3 "ddsfleet/pkg/s3"
	"ddsfleet/services/certstore"
	"ddsfleet/services/issuer"
	"ddsfleet/services/trust"
)

const (
	manifestFileName = "manifest.yaml"
	maxEntrySize     = 4 << 20
)

var securityFiles = []string{
	issuer.GovernanceFile,
	issuer.GovernanceSignedFile,
	issuer.PermissionsFile,
	issuer.PermissionsSignedFile,
}

type bundleFile struct {
	meta ManifestFile
	data []byte
}

// Export writes an encrypted identity bundle for one participant: the CA
// certificate, the participant's key and certificate, and whatever security
// documents exist. The CA key is never included.
func Export(ctx context.Context, cfg ExportConfig) (*Manifest, error) {
	if cfg.Store == nil {
		return nil, errors.New("certificate store is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if len(cfg.Recipients) == 0 {
		return nil, errors.New("at least one age recipient is required")
	}
	var dest gos3.Location
	if cfg.Upload != "" {
		if cfg.S3 == nil {
			return nil, errors.New("s3 client is required for upload")
		}
		var err error
		if dest, err = gos3.ParseLocation(cfg.Upload); err != nil {
			return nil, err
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	files, subject, err := collectIdentity(cfg.Store, cfg.Label)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		Version:   manifestVersion,
		CreatedAt: cfg.Now().UTC().Truncate(time.Second),
		Label:     cfg.Label,
		Subject:   subject,
	}
	for _, f := range files {
		manifest.Files = append(manifest.Files, f.meta)
	}
	if err := cfg.Signer.Seal(manifest); err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(cfg.Output, manifestBytes, files, cfg.Recipients); err != nil {
		return nil, err
	}
	fmt.Fprintf(cfg.Stdout, "wrote identity bundle %s for %s (%d files)\n", cfg.Output, cfg.Label, len(files))

	if cfg.Upload != "" {
		data, err := os.ReadFile(cfg.Output)
		if err != nil {
			return nil, fmt.Errorf("read bundle for upload: %w", err)
		}
		if err := cfg.S3.PutBundle(ctx, dest, data); err != nil {
			return nil, err
		}
		fmt.Fprintf(cfg.Stdout, "uploaded %s\n", dest)
	}
	return manifest, nil
}

func collectIdentity(store *certstore.Store, label string) ([]bundleFile, string, error) {
	if err := certstore.ValidateLabel(label); err != nil {
		return nil, "", err
	}

	caCert, caPEM, err := store.LoadCACert()
	if err != nil {
		return nil, "", fmt.Errorf("load ca certificate: %w", err)
	}
	identity, err := store.LoadParticipant(label)
	if err != nil {
		return nil, "", fmt.Errorf("load participant %q: %w", label, err)
	}
	if identity.Key == nil || identity.Cert == nil {
		return nil, "", fmt.Errorf("participant %q has no complete identity to export", label)
	}
	if err := trust.VerifyChain(identity.Cert, caCert); err != nil {
		return nil, "", fmt.Errorf("participant %q: %w", label, err)
	}

	root := store.Root()
	files := []bundleFile{
		newBundleFile(root, store.CACertPath(), KindCACert, caPEM),
		newBundleFile(root, store.ParticipantKeyPath(label), KindParticipantKey, identity.KeyPEM),
		newBundleFile(root, store.ParticipantCertPath(label), KindParticipantCert, identity.CertPEM),
	}
	for _, name := range securityFiles {
		data, err := store.ReadSecurityFile(label, name)
		if errors.Is(err, certstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		files = append(files, newBundleFile(root, filepath.Join(store.SecurityDir(label), name), KindSecurity, data))
	}

	sort.Slice(files, func(i, j int) bool { return files[i].meta.Path < files[j].meta.Path })
	return files, issuer.SubjectName(identity.Cert.Subject), nil
}

func newBundleFile(root, full, kind string, data []byte) bundleFile {
	rel, err := filepath.Rel(root, full)
	if err != nil {
		rel = filepath.Base(full)
	}
	sum := sha256.Sum256(data)
	return bundleFile{
		meta: ManifestFile{
			Path:   filepath.ToSlash(rel),
			Kind:   kind,
			Size:   int64(len(data)),
			SHA256: hex.EncodeToString(sum[:]),
		},
		data: data,
	}
}

func writeBundle(output string, manifest []byte, files []bundleFile, recipients []age.Recipient) (err error) {
	dir := filepath.Dir(output)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".bundle-*")
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	encrypted, err := age.Encrypt(tmp, recipients...)
	if err != nil {
		return fmt.Errorf("age encrypt: %w", err)
	}
	encoder, err := zstd.NewWriter(encrypted)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	modTime := time.Now().UTC()
	if err := writeEntry(tw, manifestFileName, 0o644, modTime, manifest); err != nil {
		return err
	}
	for _, f := range files {
		mode := int64(0o644)
		if f.meta.Kind == KindParticipantKey {
			mode = 0o600
		}
		if err := writeEntry(tw, f.meta.Path, mode, modTime, f.data); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := encrypted.Close(); err != nil {
		return fmt.Errorf("close age: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close bundle: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod bundle: %w", err)
	}
	if err := os.Rename(tmp.Name(), output); err != nil {
		return fmt.Errorf("rename bundle: %w", err)
	}
	return nil
}

func writeEntry(tw *tar.Writer, name string, mode int64, modTime time.Time, data []byte) error {
	header := &tar.Header{
		Name:     name,
		Mode:     mode,
		Size:     int64(len(data)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %q: %w", name, err)
	}
	return nil
}

// Import decrypts and verifies an identity bundle and installs its contents
// into the store. Nothing is written unless the manifest signature, every
// file hash and the certificate chain check out.
func Import(ctx context.Context, cfg ImportConfig) (*Manifest, error) {
	if cfg.Store == nil {
		return nil, errors.New("certificate store is required")
	}
	if cfg.Source == "" {
		return nil, errors.New("bundle source is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if len(cfg.Identities) == 0 {
		if id := cfg.Signer.AgeIdentity(); id != nil {
			cfg.Identities = []age.Identity{id}
		} else {
			return nil, errors.New("an age identity is required to decrypt the bundle")
		}
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	source, err := openSource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer source.Close()

	decrypted, err := age.Decrypt(source, cfg.Identities...)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	decoder, err := zstd.NewReader(decrypted)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	manifestBytes, contents, err := readEntries(ctx, tar.NewReader(decoder))
	if err != nil {
		return nil, err
	}
	if len(manifestBytes) == 0 {
		return nil, errors.New("bundle missing manifest.yaml")
	}

	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if err := cfg.Signer.Check(manifest); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}
	fmt.Fprintf(cfg.Stdout, "verified manifest for %s signed at %s\n", manifest.Label, manifest.CreatedAt.Format(time.RFC3339))

	if err := certstore.ValidateLabel(manifest.Label); err != nil {
		return nil, err
	}
	byKind, err := verifyFiles(manifest, contents)
	if err != nil {
		return nil, err
	}
	if err := verifyIdentity(byKind); err != nil {
		return nil, err
	}

	if err := install(cfg.Store, manifest.Label, byKind); err != nil {
		return nil, err
	}
	fmt.Fprintf(cfg.Stdout, "installed identity for %s into %s\n", manifest.Label, cfg.Store.Root())
	return &manifest, nil
}

func openSource(ctx context.Context, cfg ImportConfig) (io.ReadCloser, error) {
	if gos3.IsLocation(cfg.Source) {
		if cfg.S3 == nil {
			return nil, errors.New("s3 client is required for s3 sources")
		}
		loc, err := gos3.ParseLocation(cfg.Source)
		if err != nil {
			return nil, err
		}
		data, err := cfg.S3.GetBundle(ctx, loc)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	file, err := os.Open(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	return file, nil
}

func readEntries(ctx context.Context, tr *tar.Reader) ([]byte, map[string][]byte, error) {
	var manifest []byte
	contents := map[string][]byte{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(header.Name)
		if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
			return nil, nil, fmt.Errorf("invalid entry path %q", header.Name)
		}
		if header.Size > maxEntrySize {
			return nil, nil, fmt.Errorf("entry %q too large (%d bytes)", name, header.Size)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxEntrySize+1))
		if err != nil {
			return nil, nil, fmt.Errorf("read %q: %w", name, err)
		}
		if name == manifestFileName {
			manifest = data
			continue
		}
		contents[name] = data
	}
	return manifest, contents, nil
}

func verifyFiles(manifest Manifest, contents map[string][]byte) (map[string][]bundleFile, error) {
	byKind := map[string][]bundleFile{}
	seen := map[string]bool{}
	for _, meta := range manifest.Files {
		data, ok := contents[meta.Path]
		if !ok {
			return nil, fmt.Errorf("bundle missing %s", meta.Path)
		}
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, meta.SHA256) || int64(len(data)) != meta.Size {
			return nil, fmt.Errorf("checksum mismatch for %s", meta.Path)
		}
		seen[meta.Path] = true
		byKind[meta.Kind] = append(byKind[meta.Kind], bundleFile{meta: meta, data: data})
	}
	for name := range contents {
		if !seen[name] {
			return nil, fmt.Errorf("bundle contains %s which is not in the manifest", name)
		}
	}
	for _, kind := range []string{KindCACert, KindParticipantKey, KindParticipantCert} {
		if len(byKind[kind]) != 1 {
			return nil, fmt.Errorf("bundle must hold exactly one %s, found %d", kind, len(byKind[kind]))
		}
	}
	return byKind, nil
}

type publicKeyEqualer interface {
	Equal(x any) bool
}

func verifyIdentity(byKind map[string][]bundleFile) error {
	caCert, err := certstore.ParseCertificatePEM(byKind[KindCACert][0].data)
	if err != nil {
		return fmt.Errorf("bundled ca certificate: %w", err)
	}
	cert, err := certstore.ParseCertificatePEM(byKind[KindParticipantCert][0].data)
	if err != nil {
		return fmt.Errorf("bundled participant certificate: %w", err)
	}
	key, err := certstore.ParsePrivateKeyPEM(byKind[KindParticipantKey][0].data)
	if err != nil {
		return fmt.Errorf("bundled participant key: %w", err)
	}
	if err := trust.VerifyChain(cert, caCert); err != nil {
		return err
	}
	pub, ok := key.Public().(publicKeyEqualer)
	if !ok || !pub.Equal(cert.PublicKey) {
		return errors.New("bundled key does not match the participant certificate")
	}
	return nil
}

func install(store *certstore.Store, label string, byKind map[string][]bundleFile) error {
	if err := store.SaveCACert(byKind[KindCACert][0].data); err != nil {
		return err
	}
	if err := store.SaveParticipantKey(label, byKind[KindParticipantKey][0].data); err != nil {
		return err
	}
	if _, err := store.BackupParticipantCert(label, time.Now()); err != nil && !errors.Is(err, certstore.ErrNotFound) {
		return err
	}
	if err := store.SaveParticipantCert(label, byKind[KindParticipantCert][0].data); err != nil {
		return err
	}
	for _, f := range byKind[KindSecurity] {
		if err := store.WriteSecurityFile(label, path.Base(f.meta.Path), f.data); err != nil {
			return err
		}
	}
	return nil
}
