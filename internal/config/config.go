package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

const (
	DefaultRemote           = "origin"
	DefaultBranch           = "master"
	DefaultInterval         = time.Minute
	DefaultMaxResolveRounds = 32
	DefaultDebounce         = 2 * time.Second
	DefaultDedupInterval    = time.Hour
	DefaultListenAddr       = "127.0.0.1:8787"
)

// Config represents the complete gitdrive configuration
type Config struct {
	Replica ReplicaConfig `yaml:"replica"`
	Sync    SyncConfig    `yaml:"sync"`
	Auth    AuthConfig    `yaml:"auth"`
	Notify  NotifyConfig  `yaml:"notify"`
	Serve   ServeConfig   `yaml:"serve"`
}

// ReplicaConfig identifies the working tree and its remote counterpart
type ReplicaConfig struct {
	Dir      string `yaml:"dir"`
	Remote   string `yaml:"remote"`
	Branch   string `yaml:"branch"`
	Identity string `yaml:"identity"`
}

// SyncConfig configures the sync loop
type SyncConfig struct {
	Interval         time.Duration `yaml:"interval"`
	MaxResolveRounds *int          `yaml:"max_resolve_rounds"`
	WatchFiles       bool          `yaml:"watch_files"`
	Debounce         time.Duration `yaml:"debounce"`
	KeepGoing        bool          `yaml:"keep_going"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// NotifyConfig configures desktop notifications
type NotifyConfig struct {
	LibNotify     bool          `yaml:"libnotify"`
	DedupInterval time.Duration `yaml:"dedup_interval"`
}

// ServeConfig configures the webhook trigger
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
}

// DefaultPath returns $XDG_CONFIG_HOME/gitdrive/config.yaml
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "gitdrive", "config.yaml")
}

// Default returns a configuration with every default applied and no file
// behind it.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file. When optional is set a
// missing file yields the defaults instead of an error. The result is not
// validated so callers can apply overrides first.
func Load(path string, optional bool) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Finalize expands environment variables and home directories in path
// fields, then validates.
func (c *Config) Finalize() error {
	if err := c.expandPaths(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Replica.Dir,
		&c.Auth.SSHKeyFile,
		&c.Auth.HTTPSTokenFile,
		&c.Serve.GitHubWebhookSecretFile,
	} {
		expanded, err := homedir.Expand(os.ExpandEnv(*p))
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	c.Replica.Remote = os.ExpandEnv(c.Replica.Remote)
	c.Replica.Branch = os.ExpandEnv(c.Replica.Branch)
	c.Replica.Identity = os.ExpandEnv(c.Replica.Identity)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)

	if c.Replica.Dir != "" {
		abs, err := filepath.Abs(c.Replica.Dir)
		if err != nil {
			return fmt.Errorf("failed to resolve replica.dir: %w", err)
		}
		c.Replica.Dir = abs
	}
	return nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Replica.Remote == "" {
		c.Replica.Remote = DefaultRemote
	}
	if c.Replica.Branch == "" {
		c.Replica.Branch = DefaultBranch
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = DefaultInterval
	}
	if c.Sync.MaxResolveRounds == nil {
		rounds := DefaultMaxResolveRounds
		c.Sync.MaxResolveRounds = &rounds
	}
	if c.Sync.Debounce == 0 {
		c.Sync.Debounce = DefaultDebounce
	}
	if c.Notify.DedupInterval == 0 {
		c.Notify.DedupInterval = DefaultDedupInterval
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
	if len(c.Serve.AllowedEventTypes) == 0 {
		c.Serve.AllowedEventTypes = []string{"push"}
	}
}

// Rounds returns the conflict resolution round cap; 0 means unlimited.
func (c *Config) Rounds() int {
	if c.Sync.MaxResolveRounds == nil {
		return DefaultMaxResolveRounds
	}
	return *c.Sync.MaxResolveRounds
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Replica.Dir == "" {
		return fmt.Errorf("replica.dir is required")
	}
	if !filepath.IsAbs(c.Replica.Dir) {
		return fmt.Errorf("replica.dir must be an absolute path: %s", c.Replica.Dir)
	}
	if c.Replica.Remote == "" {
		return fmt.Errorf("replica.remote is required")
	}
	if c.Replica.Branch == "" {
		return fmt.Errorf("replica.branch is required")
	}
	if c.Replica.Identity == "" {
		return fmt.Errorf("replica.identity is required")
	}

	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive: %s", c.Sync.Interval)
	}
	if c.Rounds() < 0 {
		return fmt.Errorf("sync.max_resolve_rounds must not be negative: %d", c.Rounds())
	}
	if c.Sync.Debounce < 0 {
		return fmt.Errorf("sync.debounce must not be negative: %s", c.Sync.Debounce)
	}
	if c.Notify.DedupInterval < 0 {
		return fmt.Errorf("notify.dedup_interval must not be negative: %s", c.Notify.DedupInterval)
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// BranchRef returns the fully qualified ref of the synced branch
func (c *Config) BranchRef() string {
	return "refs/heads/" + c.Replica.Branch
}
