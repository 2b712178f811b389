// Package config holds driver and demo-node configuration.
//
// Configuration starts from DefaultConfig, is optionally overlaid with a
// YAML file (LoadFile), then with NORNICDB_DRIVER_* environment variables
// (ApplyEnv), and is checked with Validate before use.
//
// Example Usage:
//
//	cfg, err := config.LoadFile("./driver.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	cfg.ApplyEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	profile, err := cfg.Profile("analytics")
//
// Example YAML:
//
//	connection:
//	  address: localhost:7688
//	  username: admin
//	  password: secret
//	throttle:
//	  kind: concurrency-limiting
//	  max_concurrent_requests: 64
//	  max_queue_size: 1024
//	profiles:
//	  default:
//	    max_enqueued_pages: 4
//	    page_size: 100
//	  analytics:
//	    graph_timeout: 2m
//	    max_pages: 50
//
// Environment Variables:
//   - NORNICDB_DRIVER_ADDRESS="localhost:7688"
//   - NORNICDB_DRIVER_USERNAME / NORNICDB_DRIVER_PASSWORD
//   - NORNICDB_DRIVER_THROTTLE="pass-through" or "concurrency-limiting"
//   - NORNICDB_DRIVER_MAX_CONCURRENT_REQUESTS=64
//   - NORNICDB_DRIVER_LOG_LEVEL="debug"
//   - NORNICDB_DRIVER_GRAPH_TIMEOUT=30s (default profile)
//   - NORNICDB_DRIVER_MAX_ENQUEUED_PAGES=4 (default profile)
//   - NORNICDB_DRIVER_MAX_PAGES=0 (default profile)
//
// For a complete list, see ApplyEnv.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultProfileName names the profile every other profile inherits from.
const DefaultProfileName = "default"

// Throttle kinds.
const (
	ThrottlePassThrough         = "pass-through"
	ThrottleConcurrencyLimiting = "concurrency-limiting"
)

// ErrUnknownProfile is returned by Profile for a name with no definition.
var ErrUnknownProfile = errors.New("unknown execution profile")

// Config holds all driver configuration.
//
// Configuration is organized into logical sections:
//   - Connection: where and how the driver connects
//   - Server: the demo node served by `nornicpage serve`
//   - Throttle: client-side admission control
//   - Metrics: Prometheus counters
//   - Logging: zap level, format and optional rotated file
//   - Cache: custom-payload cache
//   - Retry: outer retry policy for whole requests
//   - Profiles: named execution profiles
type Config struct {
	Connection ConnectionConfig   `yaml:"connection"`
	Server     ServerConfig       `yaml:"server"`
	Throttle   ThrottleConfig     `yaml:"throttle"`
	Metrics    MetricsConfig      `yaml:"metrics"`
	Logging    LoggingConfig      `yaml:"logging"`
	Cache      CacheConfig        `yaml:"cache"`
	Retry      RetryConfig        `yaml:"retry"`
	Profiles   map[string]Profile `yaml:"profiles"`
}

// ConnectionConfig is the driver's connection to a node.
type ConnectionConfig struct {
	Address          string        `yaml:"address"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	UserAgent        string        `yaml:"user_agent"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadBufferSize   int           `yaml:"read_buffer_size"`
	WriteBufferSize  int           `yaml:"write_buffer_size"`
}

// ServerConfig configures the demo node.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	NodeName      string `yaml:"node_name"`
	DataDir       string `yaml:"data_dir"`
	InMemory      bool   `yaml:"in_memory"`
	// Users maps usernames to plaintext passwords; they are hashed at
	// startup. An empty map disables authentication.
	Users           map[string]string `yaml:"users"`
	DefaultPageSize int               `yaml:"default_page_size"`
	MaxStreams      int               `yaml:"max_streams"`
	WriteTimeout    time.Duration     `yaml:"write_timeout"`
	// AuditLog, when set, records authentication events to this file.
	AuditLog string `yaml:"audit_log"`
}

// ThrottleConfig selects the admission throttle.
type ThrottleConfig struct {
	Kind                  string `yaml:"kind"`
	MaxConcurrentRequests int    `yaml:"max_concurrent_requests"`
	MaxQueueSize          int    `yaml:"max_queue_size"`
}

// MetricsConfig configures the Prometheus sink.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
	// File enables rotated file output through lumberjack.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// CacheConfig sizes the custom-payload cache.
type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

// RetryConfig configures the outer retry policy. MaxRetries zero disables
// retries.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// Profile is a named set of execution options for graph requests.
//
// Zero fields of a non-default profile inherit the default profile's value.
type Profile struct {
	Name string `yaml:"-"`

	// GraphTimeout is the global timeout of a request unless the statement
	// overrides it. Zero disables it.
	GraphTimeout time.Duration `yaml:"graph_timeout"`
	// PageTimeout and ReviseRequestTimeout are disabled when zero.
	PageTimeout          time.Duration `yaml:"page_timeout"`
	ReviseRequestTimeout time.Duration `yaml:"revise_request_timeout"`

	MaxEnqueuedPages int `yaml:"max_enqueued_pages"`
	MaxPages         int `yaml:"max_pages"`
	PageSize         int `yaml:"page_size"`

	SubProtocol     string `yaml:"sub_protocol"`
	GraphLanguage   string `yaml:"graph_language"`
	GraphName       string `yaml:"graph_name"`
	TraversalSource string `yaml:"traversal_source"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Address:          "localhost:7688",
			UserAgent:        "nornicdb-driver/1.0",
			DialTimeout:      5 * time.Second,
			HandshakeTimeout: 5 * time.Second,
			ReadBufferSize:   32 * 1024,
			WriteBufferSize:  32 * 1024,
		},
		Server: ServerConfig{
			ListenAddress:   "0.0.0.0:7688",
			NodeName:        "nornic-1",
			DataDir:         "./data",
			DefaultPageSize: 100,
			MaxStreams:      256,
			WriteTimeout:    10 * time.Second,
		},
		Throttle: ThrottleConfig{
			Kind:                  ThrottlePassThrough,
			MaxConcurrentRequests: 64,
			MaxQueueSize:          1024,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "nornicdb_driver",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Cache: CacheConfig{
			Size: 256,
			TTL:  10 * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries: 0,
			BaseDelay:  100 * time.Millisecond,
			MaxDelay:   2 * time.Second,
		},
		Profiles: map[string]Profile{
			DefaultProfileName: {
				MaxEnqueuedPages: 4,
				MaxPages:         0,
				PageSize:         100,
				SubProtocol:      "graph-binary-1.0",
				GraphLanguage:    "gremlin-groovy",
				TraversalSource:  "g",
			},
		},
	}
}

// LoadFile reads a YAML file over DefaultConfig. Fields absent from the
// file keep their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over DefaultConfig.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	defaults := cfg.Profiles[DefaultProfileName]
	cfg.Profiles = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]Profile)
	}
	def, ok := cfg.Profiles[DefaultProfileName]
	if !ok {
		def = defaults
	} else {
		def = inherit(def, defaults)
	}
	cfg.Profiles[DefaultProfileName] = def
	return cfg, nil
}

// LoadFileOrDefault loads path, or returns DefaultConfig when path is
// empty or does not exist.
func LoadFileOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	cfg, err := LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return cfg, err
}

// ApplyEnv overlays NORNICDB_DRIVER_* environment variables. Unset or
// unparsable variables leave the current value.
func (c *Config) ApplyEnv() {
	c.Connection.Address = getEnv("NORNICDB_DRIVER_ADDRESS", c.Connection.Address)
	c.Connection.Username = getEnv("NORNICDB_DRIVER_USERNAME", c.Connection.Username)
	c.Connection.Password = getEnv("NORNICDB_DRIVER_PASSWORD", c.Connection.Password)
	c.Connection.DialTimeout = getEnvDuration("NORNICDB_DRIVER_DIAL_TIMEOUT", c.Connection.DialTimeout)

	c.Server.ListenAddress = getEnv("NORNICDB_DRIVER_LISTEN_ADDRESS", c.Server.ListenAddress)
	c.Server.NodeName = getEnv("NORNICDB_DRIVER_NODE_NAME", c.Server.NodeName)
	c.Server.DataDir = getEnv("NORNICDB_DRIVER_DATA_DIR", c.Server.DataDir)
	c.Server.InMemory = getEnvBool("NORNICDB_DRIVER_IN_MEMORY", c.Server.InMemory)

	c.Throttle.Kind = getEnv("NORNICDB_DRIVER_THROTTLE", c.Throttle.Kind)
	c.Throttle.MaxConcurrentRequests = getEnvInt("NORNICDB_DRIVER_MAX_CONCURRENT_REQUESTS", c.Throttle.MaxConcurrentRequests)
	c.Throttle.MaxQueueSize = getEnvInt("NORNICDB_DRIVER_MAX_QUEUE_SIZE", c.Throttle.MaxQueueSize)

	c.Metrics.Enabled = getEnvBool("NORNICDB_DRIVER_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Namespace = getEnv("NORNICDB_DRIVER_METRICS_NAMESPACE", c.Metrics.Namespace)

	c.Logging.Level = getEnv("NORNICDB_DRIVER_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("NORNICDB_DRIVER_LOG_FORMAT", c.Logging.Format)
	c.Logging.File = getEnv("NORNICDB_DRIVER_LOG_FILE", c.Logging.File)

	c.Retry.MaxRetries = getEnvInt("NORNICDB_DRIVER_MAX_RETRIES", c.Retry.MaxRetries)

	if c.Profiles == nil {
		c.Profiles = make(map[string]Profile)
	}
	def := c.Profiles[DefaultProfileName]
	def.GraphTimeout = getEnvDuration("NORNICDB_DRIVER_GRAPH_TIMEOUT", def.GraphTimeout)
	def.MaxEnqueuedPages = getEnvInt("NORNICDB_DRIVER_MAX_ENQUEUED_PAGES", def.MaxEnqueuedPages)
	def.MaxPages = getEnvInt("NORNICDB_DRIVER_MAX_PAGES", def.MaxPages)
	def.PageSize = getEnvInt("NORNICDB_DRIVER_PAGE_SIZE", def.PageSize)
	def.SubProtocol = getEnv("NORNICDB_DRIVER_SUB_PROTOCOL", def.SubProtocol)
	def.GraphName = getEnv("NORNICDB_DRIVER_GRAPH_NAME", def.GraphName)
	c.Profiles[DefaultProfileName] = def
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Connection.Address == "" {
		return fmt.Errorf("connection address is required")
	}
	if c.Connection.Password != "" && c.Connection.Username == "" {
		return fmt.Errorf("password set but no username provided")
	}

	switch c.Throttle.Kind {
	case ThrottlePassThrough:
	case ThrottleConcurrencyLimiting:
		if c.Throttle.MaxConcurrentRequests <= 0 {
			return fmt.Errorf("invalid max concurrent requests: %d", c.Throttle.MaxConcurrentRequests)
		}
		if c.Throttle.MaxQueueSize < 0 {
			return fmt.Errorf("invalid max queue size: %d", c.Throttle.MaxQueueSize)
		}
	default:
		return fmt.Errorf("unknown throttle kind %q", c.Throttle.Kind)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("invalid max retries: %d", c.Retry.MaxRetries)
	}

	if _, ok := c.Profiles[DefaultProfileName]; !ok {
		return fmt.Errorf("profile %q is required", DefaultProfileName)
	}
	for _, name := range c.ProfileNames() {
		p, _ := c.Profile(name)
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profile %q: %w", name, err)
		}
	}
	return nil
}

// Validate checks a resolved profile.
func (p Profile) Validate() error {
	switch {
	case p.MaxEnqueuedPages <= 0:
		return fmt.Errorf("max enqueued pages must be positive, got %d", p.MaxEnqueuedPages)
	case p.MaxPages < 0:
		return fmt.Errorf("max pages must not be negative, got %d", p.MaxPages)
	case p.PageSize < 0:
		return fmt.Errorf("page size must not be negative, got %d", p.PageSize)
	case p.GraphTimeout < 0 || p.PageTimeout < 0 || p.ReviseRequestTimeout < 0:
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// Profile resolves a named profile. The empty name selects the default
// profile; other profiles inherit zero fields from it.
func (c *Config) Profile(name string) (Profile, error) {
	if name == "" {
		name = DefaultProfileName
	}
	def := c.Profiles[DefaultProfileName]
	p, ok := c.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	if name != DefaultProfileName {
		p = inherit(p, def)
	}
	p.Name = name
	return p, nil
}

// ProfileNames returns the defined profile names in sorted order.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func inherit(p, def Profile) Profile {
	if p.GraphTimeout == 0 {
		p.GraphTimeout = def.GraphTimeout
	}
	if p.PageTimeout == 0 {
		p.PageTimeout = def.PageTimeout
	}
	if p.ReviseRequestTimeout == 0 {
		p.ReviseRequestTimeout = def.ReviseRequestTimeout
	}
	if p.MaxEnqueuedPages == 0 {
		p.MaxEnqueuedPages = def.MaxEnqueuedPages
	}
	if p.MaxPages == 0 {
		p.MaxPages = def.MaxPages
	}
	if p.PageSize == 0 {
		p.PageSize = def.PageSize
	}
	if p.SubProtocol == "" {
		p.SubProtocol = def.SubProtocol
	}
	if p.GraphLanguage == "" {
		p.GraphLanguage = def.GraphLanguage
	}
	if p.GraphName == "" {
		p.GraphName = def.GraphName
	}
	if p.TraversalSource == "" {
		p.TraversalSource = def.TraversalSource
	}
	return p
}

// String returns a representation safe for logging; passwords are
// redacted.
func (c *Config) String() string {
	password := ""
	if c.Connection.Password != "" {
		password = "****"
	}
	return fmt.Sprintf("Config{Address: %s, User: %s, Password: %s, Throttle: %s, Profiles: %v}",
		c.Connection.Address, c.Connection.Username, password, c.Throttle.Kind, c.ProfileNames())
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
