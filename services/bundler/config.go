package bundler

import (
	"io"
	"time"

	"filippo.io/age"

	gos3 "ddsfleet/pkg/s3"
	"ddsfleet/services/certstore"
)

// ExportConfig configures identity bundle creation.
type ExportConfig struct {
	Store      *certstore.Store
	Label      string
	Output     string
	Recipients []age.Recipient
	Signer     *Signer
	// Upload, when set, is an s3://bucket/key destination for the bundle.
	Upload string
	S3     *gos3.Client
	Now    func() time.Time
	Stdout io.Writer
}

// ImportConfig configures identity bundle import.
type ImportConfig struct {
	Store *certstore.Store
	// Source is a local path or an s3://bucket/key URL.
	Source     string
	Identities []age.Identity
	Signer     *Signer
	S3         *gos3.Client
	Stdout     io.Writer
}
