// Package config loads the service configuration from an optional YAML
// file, environment variables and command-line flags, in that order of
// precedence (flags win).
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/luminousflow/luminous/pkg/ai"
	"github.com/luminousflow/luminous/pkg/defaults"
	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/nuclei"
)

// Environment names.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds every service setting.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Database  DatabaseConfig  `yaml:"database"`
	Nuclei    nuclei.Config   `yaml:"nuclei"`
	AI        AIConfig        `yaml:"ai"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Addr               string `yaml:"addr"`
	Environment        string `yaml:"environment"`
	FrontendURL        string `yaml:"frontend_url"`
	TrustProxy         bool   `yaml:"trust_proxy"`
	MaxBodyBytes       int64  `yaml:"max_body_bytes"`
	StartRatePerMinute int    `yaml:"start_rate_per_minute"`
	StartBurst         int    `yaml:"start_burst"`
	LogLevel           string `yaml:"log_level"`
}

// ScannerConfig tunes the scan manager.
type ScannerConfig struct {
	MaxConcurrent     int `yaml:"max_concurrent"`
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AIConfig selects the analysis provider. Enabled=false forces the local
// heuristic regardless of Provider.
type AIConfig struct {
	Enabled   bool `yaml:"enabled"`
	ai.Config `yaml:",inline"`
}

// TelemetryConfig enables metrics and tracing.
type TelemetryConfig struct {
	Metrics      bool   `yaml:"metrics"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// NotifyConfig configures outbound notifications.
type NotifyConfig struct {
	WebhookURL         string           `yaml:"webhook_url"`
	WebhookMinSeverity finding.Severity `yaml:"webhook_min_severity"`
	Twilio             TwilioConfig     `yaml:"twilio"`
}

// TwilioConfig configures SMS alerts. SMS is enabled when AccountSID is set.
type TwilioConfig struct {
	AccountSID      string           `yaml:"account_sid"`
	AuthToken       string           `yaml:"auth_token"`
	From            string           `yaml:"from"`
	SenderName      string           `yaml:"sender_name"`
	To              []string         `yaml:"to"`
	MinSeverity     finding.Severity `yaml:"min_severity"`
	NotifyCompleted bool             `yaml:"notify_completed"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:               defaults.ListenAddr,
			Environment:        EnvDevelopment,
			MaxBodyBytes:       defaults.MaxBodyBytes,
			StartRatePerMinute: defaults.StartRatePerMinute,
			StartBurst:         defaults.StartRateBurst,
			LogLevel:           "info",
		},
		Scanner: ScannerConfig{
			MaxConcurrent:     defaults.MaxConcurrentScans,
			DefaultTimeoutSec: defaults.ScanTimeoutDefaultSec,
		},
		Database: DatabaseConfig{Path: defaults.DatabasePath},
		Nuclei:   nuclei.DefaultConfig(),
		AI:       AIConfig{Config: ai.Config{Provider: ai.ProviderLocal}},
		Telemetry: TelemetryConfig{
			Metrics: true,
		},
		Notify: NotifyConfig{
			WebhookMinSeverity: finding.High,
			Twilio:             TwilioConfig{MinSeverity: finding.Critical},
		},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides from lookup. Pass os.LookupEnv outside tests.
func Load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
	}
	if lookup != nil {
		if err := cfg.applyEnv(lookup); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, key, v))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidConfig, key, v))
				return
			}
			*dst = b
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}

	if port, ok := lookup("PORT"); ok && port != "" {
		c.Server.Addr = ":" + port
	}
	str("NODE_ENV", &c.Server.Environment)
	str("LUMINOUS_ENV", &c.Server.Environment)
	str("FRONTEND_URL", &c.Server.FrontendURL)
	boolean("TRUST_PROXY", &c.Server.TrustProxy)
	str("LOG_LEVEL", &c.Server.LogLevel)

	num("MAX_CONCURRENT_SCANS", &c.Scanner.MaxConcurrent)
	num("SCAN_TIMEOUT", &c.Scanner.DefaultTimeoutSec)
	str("DATABASE_PATH", &c.Database.Path)

	str("NUCLEI_PATH", &c.Nuclei.Binary)
	list("NUCLEI_TEMPLATES", &c.Nuclei.Templates)

	boolean("AI_ENABLED", &c.AI.Enabled)
	if v, ok := lookup("AI_PROVIDER"); ok && v != "" {
		c.AI.Provider = ai.Provider(strings.ToLower(strings.TrimSpace(v)))
	}
	str("AI_MODEL", &c.AI.Model)
	switch c.AI.Provider {
	case ai.ProviderOpenAI:
		str("OPENAI_API_KEY", &c.AI.APIKey)
		str("OPENAI_BASE_URL", &c.AI.BaseURL)
	case ai.ProviderGemini:
		str("GEMINI_API_KEY", &c.AI.APIKey)
	}

	boolean("METRICS_ENABLED", &c.Telemetry.Metrics)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	boolean("OTEL_EXPORTER_OTLP_INSECURE", &c.Telemetry.OTLPInsecure)

	str("WEBHOOK_URL", &c.Notify.WebhookURL)
	tw := &c.Notify.Twilio
	str("TWILIO_ACCOUNT_SID", &tw.AccountSID)
	str("TWILIO_AUTH_TOKEN", &tw.AuthToken)
	str("TWILIO_PHONE_NUMBER", &tw.From)
	str("TWILIO_SENDER_NAME", &tw.SenderName)
	list("TWILIO_TO", &tw.To)

	return errors.Join(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsProduction reports whether the production environment is selected.
func (c *Config) IsProduction() bool { return c.Server.Environment == EnvProduction }

// AIProvider returns the provider analyses should use.
func (c *Config) AIProvider() ai.Provider {
	if !c.AI.Enabled {
		return ai.ProviderLocal
	}
	return ai.ParseProvider(string(c.AI.Provider))
}

// Validate checks limits and cross-field requirements. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}
	missing := func(field, why string) {
		errs = append(errs, fmt.Errorf("%w: %s (%s)", ErrMissingRequired, field, why))
	}

	if c.Server.Addr == "" {
		missing("server.addr", "listen address")
	}
	switch c.Server.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		invalid("server.environment %q must be %q or %q", c.Server.Environment, EnvDevelopment, EnvProduction)
	}
	if c.IsProduction() && c.Server.FrontendURL == "" {
		missing("server.frontend_url", "required for CORS in production")
	}
	switch strings.ToLower(c.Server.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		invalid("server.log_level %q must be debug, info, warn or error", c.Server.LogLevel)
	}
	if c.Server.MaxBodyBytes <= 0 {
		invalid("server.max_body_bytes must be positive")
	}
	if c.Server.StartRatePerMinute <= 0 || c.Server.StartBurst <= 0 {
		invalid("server.start_rate_per_minute and server.start_burst must be positive")
	}

	if c.Scanner.MaxConcurrent < 1 || c.Scanner.MaxConcurrent > 100 {
		invalid("scanner.max_concurrent %d out of range [1, 100]", c.Scanner.MaxConcurrent)
	}
	if c.Scanner.DefaultTimeoutSec < defaults.ScanTimeoutMinSec || c.Scanner.DefaultTimeoutSec > defaults.ScanTimeoutMaxSec {
		invalid("scanner.default_timeout_sec %d out of range [%d, %d]",
			c.Scanner.DefaultTimeoutSec, defaults.ScanTimeoutMinSec, defaults.ScanTimeoutMaxSec)
	}
	if c.Database.Path == "" {
		missing("database.path", "SQLite file")
	}
	if c.Nuclei.Binary == "" {
		missing("nuclei.binary", "engine executable")
	}

	if c.AI.Enabled {
		switch c.AI.Provider {
		case ai.ProviderOpenAI, ai.ProviderGemini:
			if c.AI.APIKey == "" {
				missing("ai.api_key", string(c.AI.Provider)+" provider selected")
			}
		case ai.ProviderLocal, "":
		default:
			invalid("ai.provider %q must be openai, gemini or local", c.AI.Provider)
		}
	}

	for _, sev := range []finding.Severity{c.Notify.WebhookMinSeverity, c.Notify.Twilio.MinSeverity} {
		if sev != "" && !sev.IsValid() {
			invalid("unknown severity %q", sev)
		}
	}
	if tw := c.Notify.Twilio; tw.AccountSID != "" {
		if tw.AuthToken == "" {
			missing("notify.twilio.auth_token", "account_sid is set")
		}
		if tw.From == "" {
			missing("notify.twilio.from", "account_sid is set")
		}
		if len(tw.To) == 0 {
			missing("notify.twilio.to", "account_sid is set")
		}
	}
	return errors.Join(errs...)
}

// Flags holds command-line overrides. Only flags the user actually set
// are applied.
type Flags struct {
	ConfigPath    string
	Addr          string
	Environment   string
	DatabasePath  string
	LogLevel      string
	MaxConcurrent int
	NucleiPath    string
	NoBanner      bool
}

// RegisterFlags binds the override flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.ConfigPath, "config", "", "YAML configuration file")
	fs.StringVar(&f.ConfigPath, "c", "", "Configuration file (alias)")
	fs.StringVar(&f.Addr, "addr", defaults.ListenAddr, "HTTP listen address")
	fs.StringVar(&f.Environment, "env", EnvDevelopment, "Environment: development or production")
	fs.StringVar(&f.DatabasePath, "db", defaults.DatabasePath, "SQLite database path")
	fs.StringVar(&f.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.IntVar(&f.MaxConcurrent, "max-concurrent", defaults.MaxConcurrentScans, "Maximum concurrent scans")
	fs.StringVar(&f.NucleiPath, "nuclei", defaults.NucleiBinary, "Path to the nuclei binary")
	fs.BoolVar(&f.NoBanner, "no-banner", false, "Do not print the startup banner")
	return f
}

// Apply copies explicitly set flags onto cfg.
func (f *Flags) Apply(fs *flag.FlagSet, cfg *Config) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "addr":
			cfg.Server.Addr = f.Addr
		case "env":
			cfg.Server.Environment = f.Environment
		case "db":
			cfg.Database.Path = f.DatabasePath
		case "log-level":
			cfg.Server.LogLevel = f.LogLevel
		case "max-concurrent":
			cfg.Scanner.MaxConcurrent = f.MaxConcurrent
		case "nuclei":
			cfg.Nuclei.Binary = f.NucleiPath
		}
	})
}
