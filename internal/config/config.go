package config

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	instance   *Config
	once       sync.Once
	configPath string
)

const envPrefix = "STREAMFETCH_"

type Stream struct {
	ChunkSize       string            `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty"` // 9MiB, 9437184
	Timeout         string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`       // per HTTP attempt
	MaxRetries      int               `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Backoff         string            `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	MaxBackoff      string            `json:"max_backoff,omitempty" yaml:"max_backoff,omitempty"`
	RetryableStatus []int             `json:"retryable_status,omitempty" yaml:"retryable_status,omitempty"`
	RateLimit       string            `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"` // 200/minute or 10/second
	Headers         map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

type Cache struct {
	TTL           string `json:"ttl,omitempty" yaml:"ttl,omitempty"` // empty or 0 keeps sizes forever
	SweepInterval string `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"`
}

type Auth struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // bcrypt hash
}

type Config struct {
	// server
	BindAddress string `json:"bind_address,omitempty" yaml:"bind_address,omitempty"`
	URLBase     string `json:"url_base,omitempty" yaml:"url_base,omitempty"`
	Port        string `json:"port,omitempty" yaml:"port,omitempty"`

	LogLevel string            `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	Stream   Stream            `json:"stream,omitempty" yaml:"stream,omitempty"`
	Proxy    string            `json:"proxy,omitempty" yaml:"proxy,omitempty"`     // applied to http and https
	Proxies  map[string]string `json:"proxies,omitempty" yaml:"proxies,omitempty"` // per scheme, wins over Proxy
	Cache    Cache             `json:"cache,omitempty" yaml:"cache,omitempty"`
	UseAuth  bool              `json:"use_auth,omitempty" yaml:"use_auth,omitempty"`
	Path     string            `json:"-" yaml:"-"` // Path to the config folder
	Auth     *Auth             `json:"-" yaml:"-"`
}

func (c *Config) JsonFile() string {
	return filepath.Join(c.Path, "config.json")
}

func (c *Config) YamlFile() string {
	return filepath.Join(c.Path, "config.yaml")
}

func (c *Config) AuthFile() string {
	return filepath.Join(c.Path, "auth.json")
}

// Load reads the configuration from the folder at path. config.yaml wins over
// config.json; when neither exists a default config.json is written.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path not set")
	}
	c := &Config{Path: path}

	data, err := os.ReadFile(c.YamlFile())
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("error unmarshaling %s: %w", c.YamlFile(), err)
		}
	case os.IsNotExist(err):
		data, err = os.ReadFile(c.JsonFile())
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
			fmt.Printf("Config file not found, creating a new one at %s\n", c.JsonFile())
			if err := c.createConfig(path); err != nil {
				return nil, fmt.Errorf("failed to create config file: %w", err)
			}
			if err := c.Save(); err != nil {
				return nil, err
			}
			break
		}
		if err := json.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("error unmarshaling config: %w", err)
		}
	default:
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	c.Path = path

	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FromEnv builds a configuration from defaults and STREAMFETCH_* variables
// only, without touching the filesystem.
func FromEnv() (*Config, error) {
	c := &Config{}
	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}
	c.UseAuth = false
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFromEnv applies STREAMFETCH_* environment overrides.
func (c *Config) LoadFromEnv() error {
	str := map[string]*string{
		"BIND_ADDRESS":         &c.BindAddress,
		"PORT":                 &c.Port,
		"URL_BASE":             &c.URLBase,
		"LOG_LEVEL":            &c.LogLevel,
		"PROXY":                &c.Proxy,
		"CHUNK_SIZE":           &c.Stream.ChunkSize,
		"TIMEOUT":              &c.Stream.Timeout,
		"BACKOFF":              &c.Stream.Backoff,
		"MAX_BACKOFF":          &c.Stream.MaxBackoff,
		"RATE_LIMIT":           &c.Stream.RateLimit,
		"CACHE_TTL":            &c.Cache.TTL,
		"CACHE_SWEEP_INTERVAL": &c.Cache.SweepInterval,
	}
	for name, field := range str {
		if v := os.Getenv(envPrefix + name); v != "" {
			*field = v
		}
	}
	if v := os.Getenv(envPrefix + "MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sMAX_RETRIES: %w", envPrefix, err)
		}
		c.Stream.MaxRetries = n
	}
	if v := os.Getenv(envPrefix + "USE_AUTH"); v != "" {
		c.UseAuth = v == "true" || v == "1"
	}
	return nil
}

// Validate checks every size and duration field parses.
func (c *Config) Validate() error {
	if c.Stream.ChunkSize != "" {
		size, err := ParseSize(c.Stream.ChunkSize)
		if err != nil {
			return fmt.Errorf("stream.chunk_size: %w", err)
		}
		if size <= 0 {
			return errors.New("stream.chunk_size must be positive")
		}
	}
	if c.Stream.MaxRetries < 0 {
		return errors.New("stream.max_retries must not be negative")
	}
	durations := map[string]string{
		"stream.timeout":       c.Stream.Timeout,
		"stream.backoff":       c.Stream.Backoff,
		"stream.max_backoff":   c.Stream.MaxBackoff,
		"cache.ttl":            c.Cache.TTL,
		"cache.sweep_interval": c.Cache.SweepInterval,
	}
	for name, v := range durations {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	for _, code := range c.Stream.RetryableStatus {
		if code < 100 || code > 599 {
			return fmt.Errorf("stream.retryable_status: invalid status code %d", code)
		}
	}
	return nil
}

func SetConfigPath(path string) {
	configPath = path
}

func Get() *Config {
	once.Do(func() {
		cfg, err := Load(configPath)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "configuration Error: %v\n", err)
			os.Exit(1)
		}
		instance = cfg
	})
	return instance
}

func (c *Config) GetChunkSize() int64 {
	s, err := ParseSize(c.Stream.ChunkSize)
	if err != nil {
		return 0
	}
	return s
}

func (c *Config) GetTimeout() time.Duration {
	d, _ := parseDuration(c.Stream.Timeout)
	return d
}

func (c *Config) GetBackoff() time.Duration {
	d, _ := parseDuration(c.Stream.Backoff)
	return d
}

func (c *Config) GetMaxBackoff() time.Duration {
	d, _ := parseDuration(c.Stream.MaxBackoff)
	return d
}

func (c *Config) GetCacheTTL() time.Duration {
	d, _ := parseDuration(c.Cache.TTL)
	return d
}

// GetProxies returns the per-scheme proxy map, or nil when no proxy is set.
func (c *Config) GetProxies() map[string]string {
	if len(c.Proxies) == 0 && c.Proxy == "" {
		return nil
	}
	proxies := make(map[string]string, 2)
	if c.Proxy != "" {
		proxies["http"] = c.Proxy
		proxies["https"] = c.Proxy
	}
	for scheme, uri := range c.Proxies {
		proxies[strings.ToLower(scheme)] = uri
	}
	return proxies
}

func (c *Config) GetAuth() *Auth {
	if !c.UseAuth {
		return nil
	}
	if c.Auth == nil {
		c.Auth = &Auth{}
		if _, err := os.Stat(c.AuthFile()); err == nil {
			file, err := os.ReadFile(c.AuthFile())
			if err == nil {
				_ = json.Unmarshal(file, c.Auth)
			}
		}
	}
	return c.Auth
}

func (c *Config) SaveAuth(auth *Auth) error {
	c.Auth = auth
	data, err := json.Marshal(auth)
	if err != nil {
		return err
	}
	return os.WriteFile(c.AuthFile(), data, 0600)
}

func (c *Config) NeedsAuth() bool {
	if c.UseAuth {
		return c.GetAuth().Username == ""
	}
	return false
}

func (c *Config) setDefaults() {
	c.Port = cmp.Or(c.Port, "8383")
	c.LogLevel = cmp.Or(c.LogLevel, "info")

	if c.URLBase == "" {
		c.URLBase = "/"
	}
	// validate url base starts with /
	if !strings.HasPrefix(c.URLBase, "/") {
		c.URLBase = "/" + c.URLBase
	}
	if !strings.HasSuffix(c.URLBase, "/") {
		c.URLBase += "/"
	}

	c.Stream.ChunkSize = cmp.Or(c.Stream.ChunkSize, "9MiB")
	c.Stream.Timeout = cmp.Or(c.Stream.Timeout, "20s")
	c.Cache.SweepInterval = cmp.Or(c.Cache.SweepInterval, "10m")

	c.Auth = c.GetAuth()
}

func (c *Config) Save() error {
	c.setDefaults()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(c.JsonFile(), data, 0644); err != nil {
		return err
	}
	return nil
}

func (c *Config) createConfig(path string) error {
	// Create the directory if it doesn't exist
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	c.Path = path
	c.URLBase = "/"
	c.Port = "8383"
	c.LogLevel = "info"
	c.Stream = Stream{
		ChunkSize: "9MiB",
		Timeout:   "20s",
	}
	return nil
}

// Reload forces a reload of the configuration from disk
func Reload() {
	instance = nil
	once = sync.Once{}
}

// ParseSize parses sizes such as "9437184", "512KB", "9MiB" or "1.5GB". Units
// are powers of 1024 with or without the "i".
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	upper := strings.ToUpper(s)

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"TIB", 1 << 40}, {"TB", 1 << 40},
		{"GIB", 1 << 30}, {"GB", 1 << 30},
		{"MIB", 1 << 20}, {"MB", 1 << 20},
		{"KIB", 1 << 10}, {"KB", 1 << 10},
		{"B", 1},
	}
	multiplier := int64(1)
	for _, u := range units {
		if strings.HasSuffix(upper, u.suffix) {
			multiplier = u.multiplier
			upper = strings.TrimSpace(strings.TrimSuffix(upper, u.suffix))
			break
		}
	}

	value, err := strconv.ParseFloat(upper, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid size: %q", s)
	}
	return int64(value * float64(multiplier)), nil
}

func parseDuration(v string) (time.Duration, error) {
	if v == "" || v == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", v)
	}
	return d, nil
}
