package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	DefaultRegion = "us-east-1"

	// MaxBundleSize caps what GetBundle will buffer.
	MaxBundleSize = 64 << 20

	digestMetadataKey = "sha256"
)

// Config locates the S3-compatible store that parks identity bundles. An
// empty Endpoint means AWS itself; empty keys fall back to the SDK's default
// credential chain.
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	PathStyle bool
	Timeout   time.Duration
}

// Location is an s3://bucket/key reference.
type Location struct {
	Bucket string
	Key    string
}

// ParseLocation splits s3://bucket/key into its parts.
func ParseLocation(raw string) (Location, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(raw), "s3://")
	if !ok {
		return Location{}, fmt.Errorf("not an s3 url: %q", raw)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || strings.Trim(key, "/") == "" {
		return Location{}, fmt.Errorf("s3 url %q needs bucket and key", raw)
	}
	return Location{Bucket: bucket, Key: key}, nil
}

// IsLocation reports whether raw names an object rather than a local path.
func IsLocation(raw string) bool {
	return strings.HasPrefix(strings.TrimSpace(raw), "s3://")
}

func (l Location) String() string { return "s3://" + l.Bucket + "/" + l.Key }

// Client moves identity bundles in and out of a bucket.
type Client struct {
	api     *s3.Client
	presign *s3.PresignClient
}

// New builds a Client from cfg.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if (cfg.AccessKey == "") != (cfg.SecretKey == "") {
		return nil, errors.New("s3: access key and secret key must be set together")
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	endpoint := endpointURL(cfg.Endpoint)
	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &Client{api: api, presign: s3.NewPresignClient(api)}, nil
}

// endpointURL defaults a bare host:port to https.
func endpointURL(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" || strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return "https://" + endpoint
}

// PutBundle uploads an encrypted bundle. The store checks the SHA-256 on
// receipt and keeps the hex digest as object metadata for GetBundle.
func (c *Client) PutBundle(ctx context.Context, loc Location, data []byte) error {
	if c == nil {
		return errors.New("s3: nil client")
	}
	sum := sha256.Sum256(data)
	checksum := base64.StdEncoding.EncodeToString(sum[:])
	size := int64(len(data))

	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(loc.Bucket),
		Key:               aws.String(loc.Key),
		Body:              bytes.NewReader(data),
		ContentLength:     &size,
		ContentType:       aws.String("application/octet-stream"),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    &checksum,
		Metadata:          map[string]string{digestMetadataKey: hex.EncodeToString(sum[:])},
	})
	if err != nil {
		return fmt.Errorf("s3: put %s: %w", loc, err)
	}
	return nil
}

// GetBundle downloads a bundle, refusing anything over MaxBundleSize or
// whose content no longer matches the digest recorded by PutBundle.
func (c *Client) GetBundle(ctx context.Context, loc Location) ([]byte, error) {
	if c == nil {
		return nil, errors.New("s3: nil client")
	}
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: get %s: %w", loc, err)
	}
	defer out.Body.Close()

	data, err := readLimited(out.Body, MaxBundleSize)
	if err != nil {
		return nil, fmt.Errorf("s3: read %s: %w", loc, err)
	}
	if err := checkDigest(data, out.Metadata[digestMetadataKey]); err != nil {
		return nil, fmt.Errorf("s3: %s: %w", loc, err)
	}
	return data, nil
}

// ShareURL returns a presigned download URL for loc valid for ttl.
func (c *Client) ShareURL(ctx context.Context, loc Location, ttl time.Duration) (string, error) {
	if c == nil {
		return "", errors.New("s3: nil client")
	}
	if ttl <= 0 {
		return "", errors.New("s3: share ttl must be positive")
	}
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("s3: presign %s: %w", loc, err)
	}
	return req.URL, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("object exceeds %d bytes", limit)
	}
	return data, nil
}

// checkDigest compares data with a hex SHA-256. Objects uploaded by other
// tools carry no digest and pass.
func checkDigest(data []byte, want string) error {
	if want == "" {
		return nil
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, want) {
		return fmt.Errorf("sha256 mismatch: object %s, metadata %s", got, want)
	}
	return nil
}
