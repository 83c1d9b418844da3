// Package config loads paperboy settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robertmeta/paperboy/analysis"
	"github.com/robertmeta/paperboy/deliver"
	"github.com/robertmeta/paperboy/feed"
	"github.com/robertmeta/paperboy/llm"
	"github.com/robertmeta/paperboy/model"
	"github.com/robertmeta/paperboy/opml"
	"github.com/robertmeta/paperboy/store"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no config file is given. A missing default file
// is not an error.
const DefaultPath = "config.yaml"

const redactedValue = "********"

// ErrMissingCredential is wrapped by validation errors for absent secrets.
var ErrMissingCredential = errors.New("missing credential")

// envBindings maps config keys to the environment variables that override
// them.
var envBindings = map[string]string{
	"llm.api_key":           "GEMINI_API_KEY",
	"email.sender_email":    "EMAIL_USER",
	"email.recipient_email": "EMAIL_TO",
	"email.password":        "EMAIL_PASSWORD",
	"email.smtp_server":     "SMTP_SERVER",
	"email.smtp_port":       "SMTP_PORT",
	"log_level":             "LOG_LEVEL",
}

// Config is the effective configuration of one paperboy process.
type Config struct {
	UserName      string         `mapstructure:"user_name" yaml:"user_name"`
	Persona       string         `mapstructure:"persona" yaml:"persona"`
	Interests     []string       `mapstructure:"interests" yaml:"interests"`
	DeliveryMode  string         `mapstructure:"delivery_mode" yaml:"delivery_mode"`
	Days          int            `mapstructure:"days" yaml:"days"`
	UndatedPolicy string         `mapstructure:"undated_policy" yaml:"undated_policy"`
	Sources       []model.Source `mapstructure:"sources" yaml:"sources"`
	SourcesOPML   string         `mapstructure:"sources_opml" yaml:"sources_opml,omitempty"`
	TemplatesDir  string         `mapstructure:"templates_dir" yaml:"templates_dir,omitempty"`
	OutputDir     string         `mapstructure:"output_dir" yaml:"output_dir"`
	LogLevel      string         `mapstructure:"log_level" yaml:"log_level"`

	Fetch    FetchConfig    `mapstructure:"fetch" yaml:"fetch"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Analysis AnalysisConfig `mapstructure:"analysis" yaml:"analysis"`
	Summary  SummaryConfig  `mapstructure:"summary" yaml:"summary"`
	Email    EmailConfig    `mapstructure:"email" yaml:"email"`
	History  HistoryConfig  `mapstructure:"history" yaml:"history"`
}

// FetchConfig controls feed requests.
type FetchConfig struct {
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// LLMConfig selects and authenticates the language model.
type LLMConfig struct {
	Model    string        `mapstructure:"model" yaml:"model"`
	Endpoint string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey   string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// AnalysisConfig bounds per-entry analysis.
type AnalysisConfig struct {
	MaxItems int `mapstructure:"max_items" yaml:"max_items"`
}

// SummaryConfig bounds the summary prompt.
type SummaryConfig struct {
	MaxItems     int `mapstructure:"max_items" yaml:"max_items"`
	SnippetChars int `mapstructure:"snippet_chars" yaml:"snippet_chars"`
}

// EmailConfig holds SMTP delivery settings.
type EmailConfig struct {
	SMTPServer     string `mapstructure:"smtp_server" yaml:"smtp_server"`
	SMTPPort       int    `mapstructure:"smtp_port" yaml:"smtp_port"`
	SenderEmail    string `mapstructure:"sender_email" yaml:"sender_email"`
	RecipientEmail string `mapstructure:"recipient_email" yaml:"recipient_email"`
	Password       string `mapstructure:"password" yaml:"password"`
}

// HistoryConfig enables the cross-run seen-link store. An empty path
// disables it.
type HistoryConfig struct {
	Path      string `mapstructure:"path" yaml:"path,omitempty"`
	Retention string `mapstructure:"retention" yaml:"retention"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("user_name", "User")
	v.SetDefault("persona", analysis.DefaultPersona)
	v.SetDefault("delivery_mode", string(model.DeliveryMarkdown))
	v.SetDefault("days", 1)
	v.SetDefault("undated_policy", string(model.UndatedDrop))
	v.SetDefault("output_dir", deliver.DefaultOutputDir)
	v.SetDefault("log_level", "info")

	v.SetDefault("fetch.timeout", feed.DefaultTimeout)
	v.SetDefault("fetch.user_agent", feed.DefaultUserAgent)

	v.SetDefault("llm.model", llm.DefaultModel)
	v.SetDefault("llm.endpoint", llm.DefaultEndpoint)
	v.SetDefault("llm.timeout", llm.DefaultTimeout)

	v.SetDefault("analysis.max_items", analysis.DefaultAnalyzeLimit)
	v.SetDefault("summary.max_items", analysis.DefaultSummaryEntries)
	v.SetDefault("summary.snippet_chars", analysis.DefaultSnippetChars)

	v.SetDefault("email.smtp_server", "smtp.gmail.com")
	v.SetDefault("email.smtp_port", 587)

	v.SetDefault("history.retention", "30d")
}

// Load reads the configuration at path, applies defaults and environment
// overrides, and merges sources from sources_opml. An empty path reads
// DefaultPath if it exists.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	readFile := true
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || explicit {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		readFile = false
	}

	if readFile {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.SourcesOPML != "" {
		opmlPath := cfg.SourcesOPML
		if !filepath.IsAbs(opmlPath) && readFile {
			opmlPath = filepath.Join(filepath.Dir(path), opmlPath)
		}
		extra, err := loadOPML(opmlPath)
		if err != nil {
			return nil, err
		}
		cfg.Sources = opml.Merge(cfg.Sources, extra)
	}

	return &cfg, nil
}

func loadOPML(path string) ([]model.Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sources OPML: %w", err)
	}
	defer f.Close()

	sources, err := opml.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load sources from %s: %w", path, err)
	}
	return sources, nil
}

// Validate reports every fatal configuration problem. Source names are
// defaulted in place.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Sources) == 0 {
		errs = append(errs, errors.New("no sources configured"))
	}
	for i := range c.Sources {
		if err := c.Sources[i].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("source %d: %w", i, err))
		}
	}

	mode, err := model.ParseDeliveryMode(c.DeliveryMode)
	if err != nil {
		errs = append(errs, err)
	}
	if _, err := model.ParseUndatedPolicy(c.UndatedPolicy); err != nil {
		errs = append(errs, err)
	}

	if c.Days <= 0 {
		errs = append(errs, fmt.Errorf("days must be positive, got %d", c.Days))
	}
	if c.Analysis.MaxItems <= 0 {
		errs = append(errs, fmt.Errorf("analysis.max_items must be positive, got %d", c.Analysis.MaxItems))
	}
	if c.Summary.MaxItems <= 0 {
		errs = append(errs, fmt.Errorf("summary.max_items must be positive, got %d", c.Summary.MaxItems))
	}
	if c.Summary.SnippetChars <= 0 {
		errs = append(errs, fmt.Errorf("summary.snippet_chars must be positive, got %d", c.Summary.SnippetChars))
	}

	if c.LLM.APIKey == "" {
		errs = append(errs, fmt.Errorf("%w: llm.api_key (GEMINI_API_KEY)", ErrMissingCredential))
	}

	if err == nil && mode.WantsEmail() {
		if c.Email.SenderEmail == "" {
			errs = append(errs, fmt.Errorf("%w: email.sender_email (EMAIL_USER)", ErrMissingCredential))
		}
		if c.Email.RecipientEmail == "" {
			errs = append(errs, fmt.Errorf("%w: email.recipient_email (EMAIL_TO)", ErrMissingCredential))
		}
		if c.Email.Password == "" {
			errs = append(errs, fmt.Errorf("%w: email.password (EMAIL_PASSWORD)", ErrMissingCredential))
		}
		if c.Email.SMTPServer == "" || c.Email.SMTPPort <= 0 {
			errs = append(errs, errors.New("email.smtp_server and email.smtp_port are required for email delivery"))
		}
	}

	if c.History.Path != "" {
		if _, err := c.Retention(); err != nil {
			errs = append(errs, fmt.Errorf("history.retention: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Mode returns the parsed delivery mode. Call Validate first.
func (c *Config) Mode() model.DeliveryMode {
	mode, _ := model.ParseDeliveryMode(c.DeliveryMode)
	return mode
}

// Undated returns the parsed undated-entry policy. Call Validate first.
func (c *Config) Undated() model.UndatedPolicy {
	policy, _ := model.ParseUndatedPolicy(c.UndatedPolicy)
	return policy
}

// Window is the recency window derived from Days.
func (c *Config) Window() time.Duration {
	return time.Duration(c.Days) * 24 * time.Hour
}

// Retention parses history.retention.
func (c *Config) Retention() (time.Duration, error) {
	return store.ParseDuration(strings.TrimSpace(c.History.Retention))
}

// Redacted returns a copy with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Interests = append([]string(nil), c.Interests...)
	out.Sources = append([]model.Source(nil), c.Sources...)
	if out.LLM.APIKey != "" {
		out.LLM.APIKey = redactedValue
	}
	if out.Email.Password != "" {
		out.Email.Password = redactedValue
	}
	return &out
}

// WriteYAML writes the redacted configuration as YAML.
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.Redacted()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
