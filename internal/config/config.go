package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects the scan intensity tier.
type Mode string

const (
	// ModeSimple is the fast, shallow tier.
	ModeSimple Mode = "simple"
	// ModeAdvanced is the comprehensive tier.
	ModeAdvanced Mode = "advanced"
)

// Scope modes for discovered URL ingestion.
const (
	ScopeOff    = ""
	ScopeHost   = "host"
	ScopeDomain = "domain"
)

// Config is the root configuration. It is also the snapshot stored in a
// checkpoint, so every field round-trips through JSON.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger" json:"logger"`
	Engine    EngineConfig    `mapstructure:"engine" yaml:"engine" json:"engine"`
	Network   NetworkConfig   `mapstructure:"network" yaml:"network" json:"network"`
	Payloads  PayloadsConfig  `mapstructure:"payloads" yaml:"payloads" json:"payloads"`
	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery" json:"discovery"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output" json:"output"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database" json:"-"`
	Proxy     ProxyConfig     `mapstructure:"proxy" yaml:"proxy" json:"-"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level" json:"level"`
	Format      string      `mapstructure:"format" yaml:"format" json:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source" json:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name" json:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file" json:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size" json:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups" json:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age" json:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress" json:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors" json:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug" json:"debug"`
	Info   string `mapstructure:"info" yaml:"info" json:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn" json:"warn"`
	Error  string `mapstructure:"error" yaml:"error" json:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic" json:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic" json:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal" json:"fatal"`
}

// EngineConfig configures dispatch.
type EngineConfig struct {
	// Threads bounds both concurrent targets and the per-target task fan-out.
	Threads int           `mapstructure:"threads" yaml:"threads" json:"threads"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	Mode    Mode          `mapstructure:"mode" yaml:"mode" json:"mode"`
	// RateLimit caps requests per second across the scan. Zero disables it.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
	DryRun    bool    `mapstructure:"dry_run" yaml:"dry_run" json:"dry_run"`
	Verbose   bool    `mapstructure:"verbose" yaml:"verbose" json:"verbose"`
}

// NetworkConfig tunes the HTTP transport.
type NetworkConfig struct {
	Proxy string `mapstructure:"proxy" yaml:"proxy" json:"proxy"`
	// Headers are "Name: value" entries; one entry may hold several
	// separated by ';'.
	Headers         []string `mapstructure:"headers" yaml:"headers" json:"headers"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors" json:"ignore_tls_errors"`
	HTTP2           bool     `mapstructure:"http2" yaml:"http2" json:"http2"`
	MaxBodyBytes    int64    `mapstructure:"max_body_bytes" yaml:"max_body_bytes" json:"max_body_bytes"`
}

// PayloadsConfig points at optional files extending the built-in pools.
type PayloadsConfig struct {
	XSS     string `mapstructure:"xss" yaml:"xss" json:"xss"`
	SQLi    string `mapstructure:"sqli" yaml:"sqli" json:"sqli"`
	JSON    string `mapstructure:"json" yaml:"json" json:"json"`
	Generic string `mapstructure:"generic" yaml:"generic" json:"generic"`
}

// DiscoveryConfig groups the target expansion phases.
type DiscoveryConfig struct {
	Scope     string          `mapstructure:"scope" yaml:"scope" json:"scope"`
	Crawler   CrawlerConfig   `mapstructure:"crawler" yaml:"crawler" json:"crawler"`
	Templates TemplatesConfig `mapstructure:"templates" yaml:"templates" json:"templates"`
	Passive   PassiveConfig   `mapstructure:"passive" yaml:"passive" json:"passive"`
}

// CrawlerConfig configures the external crawler.
type CrawlerConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Binary  string        `mapstructure:"binary" yaml:"binary" json:"binary"`
	Depth   int           `mapstructure:"depth" yaml:"depth" json:"depth"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	MaxURLs int           `mapstructure:"max_urls" yaml:"max_urls" json:"max_urls"`
}

// TemplatesConfig configures the external template scanner.
type TemplatesConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Binary  string   `mapstructure:"binary" yaml:"binary" json:"binary"`
	Tags    []string `mapstructure:"tags" yaml:"tags" json:"tags"`
}

// PassiveConfig configures robots.txt and sitemap harvesting.
type PassiveConfig struct {
	Enabled   bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
	MaxURLs   int     `mapstructure:"max_urls" yaml:"max_urls" json:"max_urls"`
}

// OutputConfig controls where results and checkpoints go.
type OutputConfig struct {
	Path       string `mapstructure:"path" yaml:"path" json:"path"`
	StateFile  string `mapstructure:"state_file" yaml:"state_file" json:"state_file"`
	Checkpoint bool   `mapstructure:"checkpoint" yaml:"checkpoint" json:"checkpoint"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ProxyConfig configures the capture proxy.
type ProxyConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
	CACert string `mapstructure:"ca_cert" yaml:"ca_cert"`
	CAKey  string `mapstructure:"ca_key" yaml:"ca_key"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "arkenar")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Engine --
	v.SetDefault("engine.threads", 50)
	v.SetDefault("engine.timeout", "5s")
	v.SetDefault("engine.mode", string(ModeSimple))
	v.SetDefault("engine.rate_limit", 100.0)
	v.SetDefault("engine.dry_run", false)
	v.SetDefault("engine.verbose", false)

	// -- Network --
	v.SetDefault("network.proxy", "")
	v.SetDefault("network.headers", []string{})
	v.SetDefault("network.ignore_tls_errors", true)
	v.SetDefault("network.http2", true)
	v.SetDefault("network.max_body_bytes", 5*1024*1024)

	// -- Payloads --
	v.SetDefault("payloads.xss", "payloads/seclist_xss.txt")
	v.SetDefault("payloads.sqli", "payloads/seclist_sqli.txt")
	v.SetDefault("payloads.json", "payloads/json_breakers.txt")
	v.SetDefault("payloads.generic", "payloads/generic.txt")

	// -- Discovery --
	v.SetDefault("discovery.scope", ScopeOff)
	v.SetDefault("discovery.crawler.enabled", true)
	v.SetDefault("discovery.crawler.binary", "katana")
	v.SetDefault("discovery.crawler.depth", 3)
	v.SetDefault("discovery.crawler.timeout", "60s")
	v.SetDefault("discovery.crawler.max_urls", 50)
	v.SetDefault("discovery.templates.enabled", true)
	v.SetDefault("discovery.templates.binary", "nuclei")
	v.SetDefault("discovery.templates.tags", []string{})
	v.SetDefault("discovery.passive.enabled", false)
	v.SetDefault("discovery.passive.rate_limit", 2.0)
	v.SetDefault("discovery.passive.max_urls", 100)

	// -- Output --
	v.SetDefault("output.path", "scan_results.json")
	v.SetDefault("output.state_file", ".arkenar-state.json")
	v.SetDefault("output.checkpoint", true)

	// -- Capture proxy --
	v.SetDefault("proxy.listen", "127.0.0.1:8080")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Connection strings carry credentials; allow a dedicated variable.
	_ = v.BindEnv("database.url", "ARKENAR_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Engine.Mode = Mode(strings.ToLower(string(cfg.Engine.Mode)))
	cfg.Discovery.Scope = strings.ToLower(cfg.Discovery.Scope)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Engine.Threads <= 0 {
		return fmt.Errorf("engine.threads must be a positive integer")
	}
	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("engine.timeout must be a positive duration")
	}
	switch c.Engine.Mode {
	case ModeSimple, ModeAdvanced:
	default:
		return fmt.Errorf("engine.mode must be %q or %q, got %q", ModeSimple, ModeAdvanced, c.Engine.Mode)
	}
	if c.Engine.RateLimit < 0 {
		return fmt.Errorf("engine.rate_limit must not be negative")
	}
	switch c.Discovery.Scope {
	case ScopeOff, ScopeHost, ScopeDomain:
	default:
		return fmt.Errorf("discovery.scope must be empty, %q or %q", ScopeHost, ScopeDomain)
	}
	if c.Discovery.Crawler.Enabled && c.Discovery.Crawler.Depth <= 0 {
		return fmt.Errorf("discovery.crawler.depth must be a positive integer")
	}
	if c.Output.Path == "" {
		return fmt.Errorf("output.path is required")
	}
	if c.Output.Checkpoint && c.Output.StateFile == "" {
		return fmt.Errorf("output.state_file is required when checkpointing is enabled")
	}
	return nil
}
