// Package config handles loading, validating, and writing the sealog
// configuration from ~/.sealog/config.yaml.
//
// The config defines:
//   - Server bind address (host:port)
//   - Audit log and keyring directories
//   - Key rotation schedule and retry policy
//   - How key material is sealed at rest (local AEAD key or a KMS)
//   - Live feed and metrics toggles
//
// Secrets never live in config.yaml. The local master key and any KMS
// credentials come from the environment, optionally loaded from a .env
// file next to the config.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables.
const (
	EnvMasterKey        = "SEALOG_MASTER_KEY"
	EnvHost             = "SEALOG_HOST"
	EnvPort             = "SEALOG_PORT"
	EnvAuditDir         = "SEALOG_AUDIT_DIR"
	EnvKeysDir          = "SEALOG_KEYS_DIR"
	EnvRotationInterval = "SEALOG_ROTATION_INTERVAL"
	EnvSealProvider     = "SEALOG_SEAL_PROVIDER"
)

// Config is the top-level sealog configuration.
// Loaded from ~/.sealog/config.yaml, with sensible defaults for fields
// that are not explicitly set.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audit    AuditConfig    `yaml:"audit"`
	Keys     KeysConfig     `yaml:"keys"`
	Rotation RotationConfig `yaml:"rotation"`
	Seal     SealConfig     `yaml:"seal"`
	Feed     FeedConfig     `yaml:"feed"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig defines where the HTTP API listens.
// Default: 127.0.0.1:3200 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AuditConfig locates the audit log. Relative paths are resolved against
// the config file's directory.
type AuditConfig struct {
	Dir string `yaml:"dir"`
}

// KeysConfig locates the keyring.
//
// CacheTTL bounds how long retired keys stay unsealed in memory after a
// lookup.
type KeysConfig struct {
	Dir      string        `yaml:"dir"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// RotationConfig controls the key rotation schedule.
//
// Interval: time between rotations (default 2h).
// Timeout: upper bound for one rotation including retries.
// InitialBackoff/MaxBackoff: exponential retry delays between attempts.
type RotationConfig struct {
	Interval       time.Duration `yaml:"interval"`
	Timeout        time.Duration `yaml:"timeout"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
}

// SealConfig selects how key material is protected at rest.
//
// Provider "aead" uses a local 32-byte master key from SEALOG_MASTER_KEY.
// Providers "transit", "awskms", "gcpckms" and "azurekeyvault" take their
// settings from Config (e.g. address, key_name, kms_key_id, region).
type SealConfig struct {
	Provider string            `yaml:"provider"`
	KeyID    string            `yaml:"keyId"`
	Config   map[string]string `yaml:"config,omitempty"`
}

// FeedConfig controls the WebSocket live feed at /v1/feed.
type FeedConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus endpoint at /metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Environment overrides are applied after the file. Invalid YAML or
// validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	cfg.resolvePaths(filepath.Dir(path))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadEnv loads dir/.env into the process environment if it exists.
// Variables already set in the environment win.
func LoadEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("checking %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// MasterKey decodes SEALOG_MASTER_KEY (standard base64, 32 bytes).
func MasterKey() ([]byte, error) {
	v := os.Getenv(EnvMasterKey)
	if v == "" {
		return nil, fmt.Errorf("%s is not set (run `sealog config init` to generate one)", EnvMasterKey)
	}
	key, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%s: not valid base64: %w", EnvMasterKey, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s: decoded key is %d bytes, want 32", EnvMasterKey, len(key))
	}
	return key, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `sealog config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# sealog configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3200)
#
# audit.dir / keys.dir: relative to this file's directory
# keys.cacheTTL: how long retired keys stay unsealed in memory
#
# rotation:
#   interval: Time between key rotations (hot-reloaded)
#   timeout: Give up on one rotation after this long; the old key stays active
#   initialBackoff / maxBackoff: Retry delays between attempts
#
# seal:
#   provider: aead | transit | awskms | gcpckms | azurekeyvault
#   keyId: Label for the local aead master key
#   config: Provider settings passed to the KMS wrapper
#
# The aead master key is read from SEALOG_MASTER_KEY (base64, 32 bytes),
# optionally from a .env file in this directory.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
		},
		Audit: AuditConfig{
			Dir: "audit",
		},
		Keys: KeysConfig{
			Dir:      "keys",
			CacheTTL: 10 * time.Minute,
		},
		Rotation: RotationConfig{
			Interval:       2 * time.Hour,
			Timeout:        time.Minute,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
		},
		Seal: SealConfig{
			Provider: "aead",
			KeyID:    "sealog-local",
		},
		Feed: FeedConfig{
			Enabled: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// applyEnv overrides config fields from SEALOG_* variables.
func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvHost); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv(EnvAuditDir); v != "" {
		cfg.Audit.Dir = v
	}
	if v := os.Getenv(EnvKeysDir); v != "" {
		cfg.Keys.Dir = v
	}
	if v := os.Getenv(EnvRotationInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRotationInterval, err)
		}
		cfg.Rotation.Interval = d
	}
	if v := os.Getenv(EnvSealProvider); v != "" {
		cfg.Seal.Provider = v
	}
	return nil
}

func (cfg *Config) resolvePaths(base string) {
	if cfg.Audit.Dir != "" && !filepath.IsAbs(cfg.Audit.Dir) {
		cfg.Audit.Dir = filepath.Join(base, cfg.Audit.Dir)
	}
	if cfg.Keys.Dir != "" && !filepath.IsAbs(cfg.Keys.Dir) {
		cfg.Keys.Dir = filepath.Join(base, cfg.Keys.Dir)
	}
}

var validProviders = map[string]bool{
	"aead":          true,
	"transit":       true,
	"awskms":        true,
	"gcpckms":       true,
	"azurekeyvault": true,
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Host == "" {
		errs = append(errs, fmt.Errorf("server.host must not be empty"))
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port))
	}
	if cfg.Audit.Dir == "" {
		errs = append(errs, fmt.Errorf("audit.dir must not be empty"))
	}
	if cfg.Keys.Dir == "" {
		errs = append(errs, fmt.Errorf("keys.dir must not be empty"))
	}
	if cfg.Keys.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("keys.cacheTTL must be non-negative"))
	}

	r := cfg.Rotation
	if r.Interval < time.Minute {
		errs = append(errs, fmt.Errorf("rotation.interval %s is shorter than 1m", r.Interval))
	}
	if r.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("rotation.timeout must be positive"))
	}
	if r.InitialBackoff <= 0 || r.MaxBackoff < r.InitialBackoff {
		errs = append(errs, fmt.Errorf("rotation backoff must satisfy 0 < initialBackoff <= maxBackoff"))
	}

	if !validProviders[cfg.Seal.Provider] {
		errs = append(errs, fmt.Errorf("seal.provider %q is not supported", cfg.Seal.Provider))
	}

	return errors.Join(errs...)
}
