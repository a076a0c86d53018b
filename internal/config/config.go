// Package config loads the artifactctl configuration file and applies the
// environment overlay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meigma/artifactcache/backend"
)

// Environment variables read by Load.
const (
	EnvConfig         = "ARTIFACTCACHE_CONFIG"
	EnvDiskDir        = "ARTIFACTCACHE_DISK_DIR"
	EnvMemoryMaxBytes = "ARTIFACTCACHE_MEMORY_MAX_BYTES"
	EnvLogLevel       = "ARTIFACTCACHE_LOG_LEVEL"
	EnvLogFormat      = "ARTIFACTCACHE_LOG_FORMAT"
	EnvServerAddr     = "ARTIFACTCACHE_SERVER_ADDR"
)

// EvictionLRU is the only supported eviction policy.
const EvictionLRU = "lru"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root of the configuration file.
type Config struct {
	Cache     CacheConfig     `yaml:"cache"`
	Transfers TransfersConfig `yaml:"transfers"`
	Retry     RetryConfig     `yaml:"retry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	Backends  []BackendConfig `yaml:"backends"`
}

type CacheConfig struct {
	MemoryMaxBytes  int64  `yaml:"memory_max_bytes"`
	DiskDir         string `yaml:"disk_dir"`
	DiskMaxBytes    int64  `yaml:"disk_max_bytes"`
	DiskCompression bool   `yaml:"disk_compression"`
	Eviction        string `yaml:"eviction"`
}

type TransfersConfig struct {
	Retain    int           `yaml:"retain"`
	RetainFor time.Duration `yaml:"retain_for"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

// Policy converts the section to a backend retry policy.
func (r RetryConfig) Policy() backend.RetryPolicy {
	return backend.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		Jitter:      r.Jitter,
	}
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Credentials holds references resolved with backend.ParseTokenRef.
type Credentials struct {
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// BackendConfig describes one remote backend. Which fields apply depends
// on Kind.
type BackendConfig struct {
	Name    string        `yaml:"name"`
	Kind    string        `yaml:"kind"`
	Timeout time.Duration `yaml:"timeout"`
	// Token is a credential reference: "env:NAME", "file:PATH" or empty.
	Token string `yaml:"token"`

	// object-store
	RootPrefix  string      `yaml:"root_prefix"`
	Bucket      string      `yaml:"bucket"`
	Region      string      `yaml:"region"`
	Endpoint    string      `yaml:"endpoint"`
	PathStyle   bool        `yaml:"path_style"`
	Credentials Credentials `yaml:"credentials"`

	// shared-link-drive
	Manifest     string `yaml:"manifest"`
	ModelVersion string `yaml:"model_version"`
	FolderLink   string `yaml:"folder_link"`
	GraphURL     string `yaml:"graph_url"`

	// registry
	Repository string `yaml:"repository"`
	PlainHTTP  bool   `yaml:"plain_http"`
	Username   string `yaml:"username"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	policy := backend.DefaultRetryPolicy()
	return &Config{
		Cache: CacheConfig{
			MemoryMaxBytes: 512 << 20,
			DiskMaxBytes:   8 << 30,
			Eviction:       EvictionLRU,
		},
		Transfers: TransfersConfig{Retain: 10, RetainFor: 10 * time.Minute},
		Retry: RetryConfig{
			MaxAttempts: policy.MaxAttempts,
			BaseDelay:   policy.BaseDelay,
			MaxDelay:    policy.MaxDelay,
			Jitter:      policy.Jitter,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Server:  ServerConfig{Addr: ":8080"},
	}
}

// Load reads path, or the file named by ARTIFACTCACHE_CONFIG when path is
// empty, then applies the environment overlay and validates the result.
// With neither set the defaults are used.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	cfg := Default()
	if path != "" {
		// #nosec G304 -- config path is operator-provided.
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvDiskDir); ok {
		c.Cache.DiskDir = v
	}
	if v, ok := lookup(EnvMemoryMaxBytes); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, EnvMemoryMaxBytes, err)
		}
		c.Cache.MemoryMaxBytes = n
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.Logging.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok {
		c.Logging.Format = v
	}
	if v, ok := lookup(EnvServerAddr); ok {
		c.Server.Addr = v
	}
	return nil
}

// Validate checks the configuration for values that cannot be wired.
func (c *Config) Validate() error {
	var errs []error
	if c.Cache.Eviction != "" && !strings.EqualFold(c.Cache.Eviction, EvictionLRU) {
		errs = append(errs, fmt.Errorf("cache.eviction %q is not supported; only %q", c.Cache.Eviction, EvictionLRU))
	}
	if c.Cache.MemoryMaxBytes < 0 || c.Cache.DiskMaxBytes < 0 {
		errs = append(errs, errors.New("cache byte ceilings must be >= 0"))
	}
	if c.Transfers.Retain < 0 {
		errs = append(errs, errors.New("transfers.retain must be >= 0"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, errors.New("retry.jitter must be between 0 and 1"))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: want text or json", c.Logging.Format))
	}

	names := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if err := b.validate(); err != nil {
			errs = append(errs, fmt.Errorf("backends[%d]: %w", i, err))
		}
		if b.Name != "" {
			if names[b.Name] {
				errs = append(errs, fmt.Errorf("backends[%d]: duplicate name %q", i, b.Name))
			}
			names[b.Name] = true
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (b BackendConfig) validate() error {
	kind, err := backend.ParseKind(b.Kind)
	if err != nil {
		return err
	}
	refs := []string{b.Token, b.Credentials.AccessKeyID, b.Credentials.SecretAccessKey}
	for _, ref := range refs {
		if _, err := backend.ParseTokenRef(ref); err != nil {
			return err
		}
	}
	switch kind {
	case backend.KindObjectStore:
		if b.Bucket == "" {
			return errors.New("object-store backend needs a bucket")
		}
		if (b.Credentials.AccessKeyID == "") != (b.Credentials.SecretAccessKey == "") {
			return errors.New("object-store credentials need both access_key_id and secret_access_key")
		}
	case backend.KindSharedLink:
		if b.Manifest == "" && b.FolderLink == "" {
			return errors.New("shared-link-drive backend needs a manifest or a folder_link")
		}
	case backend.KindRegistry:
		if b.Repository == "" {
			return errors.New("registry backend needs a repository")
		}
	}
	return nil
}
