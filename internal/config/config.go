package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// SourceKind selects the transport used to fetch package files
type SourceKind string

const (
	SourceAPI SourceKind = "api"
	SourceS3  SourceKind = "s3"
)

const (
	// DefaultProgressInterval is the minimum time between two progress events
	DefaultProgressInterval = 50 * time.Millisecond

	// DefaultListenAddr is where serve listens when not socket activated
	DefaultListenAddr = "127.0.0.1:7823"

	// DefaultUserAgent is sent with every API request
	DefaultUserAgent = "pkgsyncd"
)

// Config represents the complete pkgsyncd configuration
type Config struct {
	Source  SourceConfig  `yaml:"source"`
	Paths   PathsConfig   `yaml:"paths"`
	Sync    SyncConfig    `yaml:"sync"`
	Desktop DesktopConfig `yaml:"desktop"`
	Serve   ServeConfig   `yaml:"serve"`
}

// SourceConfig configures where package files come from
type SourceConfig struct {
	Kind         SourceKind `yaml:"kind"`
	APIURL       string     `yaml:"api_url"`
	Bucket       string     `yaml:"bucket"`
	PathPrefix   string     `yaml:"path_prefix"`
	OS           string     `yaml:"os"`
	Architecture string     `yaml:"architecture"`
	S3           S3Config   `yaml:"s3"`
}

// S3Config configures direct bucket access
type S3Config struct {
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	InstallRoot string `yaml:"install_root"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	ProgressInterval time.Duration `yaml:"progress_interval"`
	// Keep lists gitignore-style patterns the final sweep leaves alone
	Keep      []string `yaml:"keep"`
	UserAgent string   `yaml:"user_agent"`
}

// DesktopConfig configures the desktop shortcut hook
type DesktopConfig struct {
	// ShortcutCommand is an argv; {install_path} and {title} are substituted
	ShortcutCommand []string `yaml:"shortcut_command"`
}

// ServeConfig configures the HTTP command surface
type ServeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	SecretFile string `yaml:"secret_file"`
}

// DefaultPath returns the config file location used when none is given
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "pkgsyncd", "config.yaml")
}

// Default returns a configuration built from defaults only
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// LoadOrDefault loads path when explicit is set or the file exists, and
// falls back to defaults when an implicit default file is missing
func LoadOrDefault(path string, explicit bool) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return nil, err
}

// Parse decodes, defaults and validates a YAML configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Source.APIURL = os.ExpandEnv(c.Source.APIURL)
	c.Source.Bucket = os.ExpandEnv(c.Source.Bucket)
	c.Source.PathPrefix = os.ExpandEnv(c.Source.PathPrefix)
	c.Source.OS = os.ExpandEnv(c.Source.OS)
	c.Source.Architecture = os.ExpandEnv(c.Source.Architecture)
	c.Source.S3.Region = os.ExpandEnv(c.Source.S3.Region)
	c.Source.S3.Endpoint = os.ExpandEnv(c.Source.S3.Endpoint)
	c.Paths.InstallRoot = os.ExpandEnv(c.Paths.InstallRoot)
	c.Sync.UserAgent = os.ExpandEnv(c.Sync.UserAgent)
	for i, arg := range c.Desktop.ShortcutCommand {
		c.Desktop.ShortcutCommand[i] = os.ExpandEnv(arg)
	}
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Source.Kind == "" {
		c.Source.Kind = SourceAPI
	}
	if c.Source.OS == "" {
		c.Source.OS = runtime.GOOS
	}
	if c.Source.Architecture == "" {
		c.Source.Architecture = runtime.GOARCH
	}
	if c.Paths.InstallRoot == "" {
		c.Paths.InstallRoot = filepath.Join(xdg.DataHome, "pkgsyncd", "packages")
	}
	if c.Sync.ProgressInterval == 0 {
		c.Sync.ProgressInterval = DefaultProgressInterval
	}
	if c.Sync.UserAgent == "" {
		c.Sync.UserAgent = DefaultUserAgent
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	switch c.Source.Kind {
	case SourceAPI:
		if c.Source.APIURL != "" {
			u, err := url.Parse(c.Source.APIURL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("source.api_url must be an absolute http(s) URL: %s", c.Source.APIURL)
			}
		}
	case SourceS3:
		if c.Source.Bucket == "" {
			return fmt.Errorf("source.bucket is required for the s3 source")
		}
	default:
		return fmt.Errorf("invalid source.kind: %s (must be api or s3)", c.Source.Kind)
	}

	if !filepath.IsAbs(c.Paths.InstallRoot) {
		return fmt.Errorf("paths.install_root must be an absolute path: %s", c.Paths.InstallRoot)
	}

	if c.Sync.ProgressInterval < 0 {
		return fmt.Errorf("sync.progress_interval must not be negative: %s", c.Sync.ProgressInterval)
	}

	if len(c.Desktop.ShortcutCommand) > 0 && c.Desktop.ShortcutCommand[0] == "" {
		return fmt.Errorf("desktop.shortcut_command must start with a program")
	}

	return nil
}

// InstallPath returns the default install directory for a package
func (c *Config) InstallPath(name string) string {
	return filepath.Join(c.Paths.InstallRoot, name)
}

// ReadSecret returns the trimmed content of serve.secret_file, or nil when
// no secret is configured
func (c *Config) ReadSecret() ([]byte, error) {
	if c.Serve.SecretFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.Serve.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read serve secret: %w", err)
	}
	secret := bytes.TrimSpace(data)
	if len(secret) == 0 {
		return nil, fmt.Errorf("serve secret file %s is empty", c.Serve.SecretFile)
	}
	return secret, nil
}
