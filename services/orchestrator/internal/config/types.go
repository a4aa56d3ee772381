package config

import "time"

// Config is the fully resolved fleetctl configuration.
type Config struct {
	// Root holds CA/, participants/, logs/ and the process ledger.
	Root       string         `yaml:"root"`
	ModulesDir string         `yaml:"modules_dir"`
	Label      string         `yaml:"label"`
	Identity   IdentityConfig `yaml:"identity"`
	Fleet      FleetConfig    `yaml:"fleet"`
	Frontend   FrontendConfig `yaml:"frontend"`
	Status     StatusConfig   `yaml:"status"`
	Bus        BusConfig      `yaml:"bus"`
	Bundle     BundleConfig   `yaml:"bundle"`
	Log        LogConfig      `yaml:"log"`
	Metrics    MetricsConfig  `yaml:"metrics"`
}

type IdentityConfig struct {
	// Mode is "issue" on the host owning the CA key and "import" on hosts
	// that received their identity as a bundle.
	Mode         string   `yaml:"mode"`
	KeyBits      int      `yaml:"key_bits"`
	ValidityDays int      `yaml:"validity_days"`
	DomainID     int      `yaml:"domain_id"`
	Topics       []string `yaml:"topics"`
}

type FleetConfig struct {
	Roles        []string      `yaml:"roles"`
	MaxProcesses int           `yaml:"max_processes"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	GracePeriod  time.Duration `yaml:"grace_period"`
	PollInterval time.Duration `yaml:"poll_interval"`
	LedgerPath   string        `yaml:"ledger_path"`
	Env          []string      `yaml:"env"`
}

type FrontendConfig struct {
	Port      int      `yaml:"port"`
	Command   []string `yaml:"command"`
	Dir       string   `yaml:"dir"`
	HealthURL string   `yaml:"health_url"`
}

type StatusConfig struct {
	Addr string `yaml:"addr"`
}

type BusConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
}

// BundleConfig holds the key material and object store used by
// identity export and import.
type BundleConfig struct {
	// SecretKey is an AGE-SECRET-KEY-1 string. Prefer SecretKeyFile or the
	// environment over writing it into the config file.
	SecretKey     string `yaml:"secret_key"`
	SecretKeyFile string `yaml:"secret_key_file"`
	// TrustedKeys are base64 Ed25519 signing keys of exporting hosts.
	TrustedKeys []string `yaml:"trusted_keys"`
	// Recipients default the age recipients of an export.
	Recipients []string `yaml:"recipients"`
	S3         S3Config `yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Textfile, when set, receives a node-exporter textfile after each command.
	Textfile string `yaml:"textfile"`
}
