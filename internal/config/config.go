// Package config provides YAML-based configuration loading for beam.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/zulandar/beamyard/internal/gather"
	"gopkg.in/yaml.v3"
)

// Config is the top-level beam configuration, loaded from beam.yaml.
type Config struct {
	Scatter   ScatterConfig    `yaml:"scatter"`
	Gather    GatherConfig     `yaml:"gather"`
	Stream    StreamConfig     `yaml:"stream"`
	Providers []ProviderConfig `yaml:"providers" validate:"dive"`
	Database  DatabaseConfig   `yaml:"database"`
	Dashboard DashboardConfig  `yaml:"dashboard"`
	Notify    NotifyConfig     `yaml:"notify"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ScatterConfig bounds the ray set and picks its models.
type ScatterConfig struct {
	DefaultRays int `yaml:"default_rays" validate:"gte=1"`
	MinRays     int `yaml:"min_rays" validate:"gte=1"`
	MaxRays     int `yaml:"max_rays" validate:"gtefield=MinRays"`
	// Model is the shared fallback for rays without their own model.
	Model string `yaml:"model" validate:"omitempty,contains=/"`
	// Models assigns initial per-ray models, in ray order.
	Models []string `yaml:"models" validate:"dive,contains=/"`
}

// GatherConfig configures fusion.
type GatherConfig struct {
	Model          string `yaml:"model" validate:"omitempty,contains=/"`
	MinRays        int    `yaml:"min_rays" validate:"gte=1"`
	DefaultFactory string `yaml:"default_factory"`
}

// StreamConfig tunes the streaming aggregator.
type StreamConfig struct {
	// ThrottleHz caps forwarded updates per second; negative disables.
	ThrottleHz float64 `yaml:"throttle_hz"`
	Speak      bool    `yaml:"speak"`
}

// ProviderConfig registers one model vendor under Name. Model ids are
// "<name>/<model>".
type ProviderConfig struct {
	Name      string `yaml:"name" validate:"required,excludes=/"`
	Kind      string `yaml:"kind" validate:"oneof=openai gemini"`
	BaseURL   string `yaml:"base_url" validate:"omitempty,url"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// APIKey reads the provider's key from its environment variable.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// DatabaseConfig holds the session archive connection settings.
type DatabaseConfig struct {
	Driver        string `yaml:"driver" validate:"oneof=sqlite mysql"`
	Path          string `yaml:"path"`
	DSN           string `yaml:"dsn"`
	RetentionDays int    `yaml:"retention_days" validate:"gte=0"`
	PruneSchedule string `yaml:"prune_schedule"`
}

// DashboardConfig holds the HTTP server settings.
type DashboardConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=1,lte=65535"`
}

// NotifyConfig configures where accepted outputs are posted.
type NotifyConfig struct {
	Slack   ChannelConfig `yaml:"slack"`
	Discord ChannelConfig `yaml:"discord"`
}

// ChannelConfig is a chat channel reached with a bot token.
type ChannelConfig struct {
	BotTokenEnv string `yaml:"bot_token_env"`
	ChannelID   string `yaml:"channel_id"`
}

// Enabled reports whether the channel is configured.
func (c ChannelConfig) Enabled() bool {
	return c.BotTokenEnv != "" && c.ChannelID != ""
}

// Token reads the bot token from its environment variable.
func (c ChannelConfig) Token() string {
	return os.Getenv(c.BotTokenEnv)
}

// LoggingConfig selects log level and encoder.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Scatter.MinRays == 0 {
		c.Scatter.MinRays = 1
	}
	if c.Scatter.MaxRays == 0 {
		c.Scatter.MaxRays = 8
	}
	if c.Scatter.DefaultRays == 0 {
		c.Scatter.DefaultRays = 2
		if n := len(c.Scatter.Models); n > c.Scatter.DefaultRays {
			c.Scatter.DefaultRays = n
		}
	}
	if c.Gather.MinRays == 0 {
		c.Gather.MinRays = 2
	}
	if c.Gather.DefaultFactory == "" {
		c.Gather.DefaultFactory = gather.FactoryFuse
	}
	if c.Stream.ThrottleHz == 0 {
		c.Stream.ThrottleHz = 12
	}
	if len(c.Providers) == 0 {
		c.Providers = []ProviderConfig{{Name: "openai", Kind: "openai", APIKeyEnv: "OPENAI_API_KEY"}}
	}
	for i := range c.Providers {
		if c.Providers[i].Kind == "" {
			c.Providers[i].Kind = "openai"
		}
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "beam.db"
	}
	if c.Database.RetentionDays == 0 {
		c.Database.RetentionDays = 30
	}
	if c.Database.PruneSchedule == "" {
		c.Database.PruneSchedule = "0 3 * * *"
	}
	if c.Dashboard.Host == "" {
		c.Dashboard.Host = "127.0.0.1"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// validate checks struct tags, then the rules that span fields.
func (c *Config) validate() error {
	var errs []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config: validate: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, describe(fe))
		}
	}

	if c.Scatter.DefaultRays < c.Scatter.MinRays || c.Scatter.DefaultRays > c.Scatter.MaxRays {
		errs = append(errs, fmt.Sprintf("scatter.default_rays must be between %d and %d", c.Scatter.MinRays, c.Scatter.MaxRays))
	}
	if len(c.Scatter.Models) > c.Scatter.MaxRays {
		errs = append(errs, fmt.Sprintf("scatter.models lists %d models but max_rays is %d", len(c.Scatter.Models), c.Scatter.MaxRays))
	}
	if _, ok := gather.FactoryByID(c.Gather.DefaultFactory); !ok {
		errs = append(errs, fmt.Sprintf("gather.default_factory %q is unknown", c.Gather.DefaultFactory))
	}
	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("providers[%d].name %q is duplicated", i, p.Name))
		}
		seen[p.Name] = true
		if p.Kind == "openai" && p.APIKeyEnv == "" && p.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("providers[%d] needs api_key_env or base_url", i))
		}
		if p.Kind == "gemini" && p.APIKeyEnv == "" {
			errs = append(errs, fmt.Sprintf("providers[%d].api_key_env is required for gemini", i))
		}
	}
	if c.Database.Driver == "mysql" && c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required for mysql")
	}
	if c.Notify.Slack.BotTokenEnv != "" && c.Notify.Slack.ChannelID == "" {
		errs = append(errs, "notify.slack.channel_id is required")
	}
	if c.Notify.Discord.BotTokenEnv != "" && c.Notify.Discord.ChannelID == "" {
		errs = append(errs, "notify.discord.channel_id is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// describe renders a field error with its YAML path.
func describe(fe validator.FieldError) string {
	path := strings.TrimPrefix(fe.Namespace(), "Config.")
	rule := fe.Tag()
	if fe.Param() != "" {
		rule += "=" + fe.Param()
	}
	return fmt.Sprintf("%s fails %s (got %v)", path, rule, fe.Value())
}

// Addr returns the dashboard listen address.
func (d DashboardConfig) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}
