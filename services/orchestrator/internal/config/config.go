package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	IdentityModeIssue  = "issue"
	IdentityModeImport = "import"

	DefaultFrontendPort = 5000
	DefaultReadyTimeout = 30 * time.Second
	DefaultMaxProcesses = 16
	DefaultStatusAddr   = "127.0.0.1:9477"
	DefaultStream       = "DDSFLEET"
	DefaultS3Region     = "us-east-1"
)

// Default returns the built-in configuration before any file or environment
// override is applied.
func Default() Config {
	label, err := os.Hostname()
	if err != nil {
		label = ""
	}
	return Config{
		Root:       "secure_dds",
		ModulesDir: ".",
		Label:      label,
		Identity: IdentityConfig{
			Mode:         IdentityModeIssue,
			KeyBits:      4096,
			ValidityDays: 99999,
		},
		Fleet: FleetConfig{
			Roles:        []string{"publisher", "subscriber"},
			MaxProcesses: DefaultMaxProcesses,
			ReadyTimeout: DefaultReadyTimeout,
			GracePeriod:  5 * time.Second,
			PollInterval: time.Second,
		},
		Frontend: FrontendConfig{Port: DefaultFrontendPort},
		Status:   StatusConfig{Addr: DefaultStatusAddr},
		Bus:      BusConfig{Stream: DefaultStream},
		Bundle:   BundleConfig{S3: S3Config{Region: DefaultS3Region, PathStyle: true}},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// Load resolves configuration from defaults, the YAML file at path (if path
// is non-empty), DDSFLEET_* environment variables and finally overrides, in
// that order, then validates the result.
func Load(path string, overrides ...func(*Config)) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	for _, override := range overrides {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Root = getEnv("DDSFLEET_ROOT", cfg.Root)
	cfg.ModulesDir = getEnv("DDSFLEET_MODULES_DIR", cfg.ModulesDir)
	cfg.Label = getEnv("DDSFLEET_LABEL", cfg.Label)

	cfg.Identity.Mode = getEnv("DDSFLEET_IDENTITY_MODE", cfg.Identity.Mode)
	cfg.Identity.KeyBits = getEnvInt("DDSFLEET_KEY_BITS", cfg.Identity.KeyBits)
	cfg.Identity.DomainID = getEnvInt("DDSFLEET_DOMAIN_ID", cfg.Identity.DomainID)
	if topics := os.Getenv("DDSFLEET_TOPICS"); topics != "" {
		cfg.Identity.Topics = splitList(topics)
	}

	if roles := os.Getenv("DDSFLEET_ROLES"); roles != "" {
		cfg.Fleet.Roles = splitList(roles)
	}
	cfg.Fleet.MaxProcesses = getEnvInt("DDSFLEET_MAX_PROCESSES", cfg.Fleet.MaxProcesses)
	cfg.Fleet.LedgerPath = getEnv("DDSFLEET_LEDGER", cfg.Fleet.LedgerPath)
	for key, target := range map[string]*time.Duration{
		"DDSFLEET_READY_TIMEOUT": &cfg.Fleet.ReadyTimeout,
		"DDSFLEET_GRACE_PERIOD":  &cfg.Fleet.GracePeriod,
	} {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %q", key, v)
			}
			*target = d
		}
	}

	cfg.Frontend.Port = getEnvInt("DDSFLEET_FRONTEND_PORT", cfg.Frontend.Port)
	cfg.Frontend.HealthURL = getEnv("DDSFLEET_FRONTEND_HEALTH_URL", cfg.Frontend.HealthURL)
	cfg.Status.Addr = getEnv("DDSFLEET_STATUS_ADDR", cfg.Status.Addr)
	cfg.Bus.URL = getEnv("DDSFLEET_NATS_URL", cfg.Bus.URL)
	cfg.Bundle.SecretKey = getEnv("DDSFLEET_AGE_SECRET_KEY", cfg.Bundle.SecretKey)
	cfg.Bundle.SecretKeyFile = getEnv("DDSFLEET_AGE_SECRET_KEY_FILE", cfg.Bundle.SecretKeyFile)
	if keys := os.Getenv("DDSFLEET_TRUSTED_KEYS"); keys != "" {
		cfg.Bundle.TrustedKeys = splitList(keys)
	}
	if recipients := os.Getenv("DDSFLEET_RECIPIENTS"); recipients != "" {
		cfg.Bundle.Recipients = splitList(recipients)
	}
	cfg.Bundle.S3.Endpoint = getEnv("DDSFLEET_S3_ENDPOINT", cfg.Bundle.S3.Endpoint)
	cfg.Bundle.S3.Region = getEnv("DDSFLEET_S3_REGION", cfg.Bundle.S3.Region)
	cfg.Bundle.S3.AccessKey = getEnv("DDSFLEET_S3_ACCESS_KEY", cfg.Bundle.S3.AccessKey)
	cfg.Bundle.S3.SecretKey = getEnv("DDSFLEET_S3_SECRET_KEY", cfg.Bundle.S3.SecretKey)
	cfg.Bundle.S3.PathStyle = getEnvBool("DDSFLEET_S3_PATH_STYLE", cfg.Bundle.S3.PathStyle)

	cfg.Log.Level = getEnv("DDSFLEET_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("DDSFLEET_LOG_FORMAT", cfg.Log.Format)
	cfg.Metrics.Textfile = getEnv("DDSFLEET_METRICS_TEXTFILE", cfg.Metrics.Textfile)
	if getEnvBool("DDSFLEET_NO_FRONTEND", false) {
		cfg.Frontend.Command = nil
	}
	return nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return errors.New("root is required")
	}
	if strings.TrimSpace(c.ModulesDir) == "" {
		return errors.New("modules_dir is required")
	}
	if strings.TrimSpace(c.Label) == "" {
		return errors.New("label is required (hostname unavailable; set DDSFLEET_LABEL)")
	}
	switch c.Identity.Mode {
	case IdentityModeIssue, IdentityModeImport:
	default:
		return fmt.Errorf("identity.mode must be %q or %q, got %q", IdentityModeIssue, IdentityModeImport, c.Identity.Mode)
	}
	if c.Identity.KeyBits < 2048 {
		return fmt.Errorf("identity.key_bits must be at least 2048, got %d", c.Identity.KeyBits)
	}
	if c.Identity.ValidityDays <= 0 {
		return fmt.Errorf("identity.validity_days must be positive, got %d", c.Identity.ValidityDays)
	}
	if len(c.Fleet.Roles) == 0 {
		return errors.New("fleet.roles must name at least one role")
	}
	for _, role := range c.Fleet.Roles {
		switch strings.ToLower(strings.TrimSpace(role)) {
		case "publisher", "subscriber":
		default:
			return fmt.Errorf("fleet.roles: unknown role %q", role)
		}
	}
	if c.Fleet.MaxProcesses <= 0 {
		return fmt.Errorf("fleet.max_processes must be positive, got %d", c.Fleet.MaxProcesses)
	}
	if c.Fleet.ReadyTimeout < 0 {
		return fmt.Errorf("fleet.ready_timeout must not be negative, got %s", c.Fleet.ReadyTimeout)
	}
	if c.Frontend.Port < 0 || c.Frontend.Port > 65535 {
		return fmt.Errorf("frontend.port %d is outside the valid range 0-65535", c.Frontend.Port)
	}
	if c.Bundle.SecretKey != "" && c.Bundle.SecretKeyFile != "" {
		return errors.New("bundle.secret_key and bundle.secret_key_file are mutually exclusive")
	}
	if (c.Bundle.S3.AccessKey == "") != (c.Bundle.S3.SecretKey == "") {
		return errors.New("bundle.s3.access_key and bundle.s3.secret_key must be set together")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
