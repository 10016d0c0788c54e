// ABOUTME: Configuration loading and parsing for cobrai-gateway
// ABOUTME: Supports YAML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete cobrai-gateway configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Tailscale     TailscaleConfig     `yaml:"tailscale"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	WhatsApp      WhatsAppConfig      `yaml:"whatsapp"`
	Matrix        MatrixConfig        `yaml:"matrix"`
	Model         ModelConfig         `yaml:"model"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Features      FeaturesConfig      `yaml:"features"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Dedupe        DedupeConfig        `yaml:"dedupe"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// GRPCAddr serves the gRPC health service. Empty disables it.
	GRPCAddr string `yaml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`
	Funnel    bool   `yaml:"funnel"` // Public Funnel for the webhook (implies HTTPS)
}

// DatabaseConfig holds the ledger database configuration.
// An empty path disables the ledger.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration for the admin endpoints
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// WhatsAppConfig holds WhatsApp Cloud API configuration
type WhatsAppConfig struct {
	Enabled     bool   `yaml:"enabled"`
	AccessToken string `yaml:"access_token"`
	VerifyToken string `yaml:"verify_token"`
	AppSecret   string `yaml:"app_secret"` // enables X-Hub-Signature-256 checks when set
	APIVersion  string `yaml:"api_version"`
	GraphURL    string `yaml:"graph_url"`
}

// MatrixConfig holds Matrix frontend configuration
type MatrixConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Homeserver   string   `yaml:"homeserver"`
	UserID       string   `yaml:"user_id"`
	AccessToken  string   `yaml:"access_token"`
	AllowedRooms []string `yaml:"allowed_rooms"`
	Typing       bool     `yaml:"typing"`
}

// ModelConfig holds the OpenAI-compatible model endpoint configuration
type ModelConfig struct {
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	Model             string  `yaml:"model"`
	Temperature       float32 `yaml:"temperature"`
	TopP              float32 `yaml:"top_p"`
	MaxTokens         int     `yaml:"max_tokens"`
	JSONMode          *bool   `yaml:"json_mode"`
	RequestsPerSecond float64 `yaml:"requests_per_second"` // 0 means unlimited
	Attempts          int     `yaml:"attempts"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// UseJSONMode reports whether the JSON-only response format is requested.
func (m ModelConfig) UseJSONMode() bool {
	return m.JSONMode == nil || *m.JSONMode
}

// TranscriptionConfig holds speech-to-text configuration
type TranscriptionConfig struct {
	BaseURL  string `yaml:"base_url"` // defaults to model.base_url
	APIKey   string `yaml:"api_key"`  // defaults to model.api_key
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

// FeaturesConfig points at an optional feature catalog file.
// The embedded catalog is used when CatalogPath is empty.
type FeaturesConfig struct {
	CatalogPath string `yaml:"catalog_path"`
}

// SessionsConfig holds session lifecycle configuration
type SessionsConfig struct {
	// ResetSchedule is a cron expression for periodic ResetAll. Empty disables it.
	ResetSchedule string `yaml:"reset_schedule"`
}

// DedupeConfig bounds the inbound message id cache
type DedupeConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"-"`
	TTLRaw     string        `yaml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	RedactUsers *bool  `yaml:"redact_users"`
	// RedactKey keys the pseudonym hash. Empty means a random key per process,
	// so ledger keys do not survive restarts.
	RedactKey string `yaml:"redact_key"`
}

// Redact reports whether user identifiers are pseudonymized in logs and the ledger.
func (l LoggingConfig) Redact() bool {
	return l.RedactUsers == nil || *l.RedactUsers
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.WhatsApp.APIVersion == "" {
		c.WhatsApp.APIVersion = "v15.0"
	}
	if c.WhatsApp.GraphURL == "" {
		c.WhatsApp.GraphURL = "https://graph.facebook.com"
	}
	if c.Model.Temperature == 0 {
		c.Model.Temperature = 0.7
	}
	if c.Model.TopP == 0 {
		c.Model.TopP = 0.9
	}
	if c.Model.MaxTokens == 0 {
		c.Model.MaxTokens = 1024
	}
	if c.Model.Timeout == 0 {
		c.Model.Timeout = 30 * time.Second
	}
	if c.Model.Attempts == 0 {
		c.Model.Attempts = 1
	}
	if c.Transcription.Model == "" {
		c.Transcription.Model = "whisper-1"
	}
	if c.Transcription.Language == "" {
		c.Transcription.Language = "pt-BR"
	}
	if c.Transcription.BaseURL == "" {
		c.Transcription.BaseURL = c.Model.BaseURL
	}
	if c.Transcription.APIKey == "" {
		c.Transcription.APIKey = c.Model.APIKey
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = 5 * time.Minute
	}
	if c.Dedupe.MaxEntries == 0 {
		c.Dedupe.MaxEntries = 10000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Model.Model == "" {
		return fmt.Errorf("model.model is required")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("model.temperature must be between 0 and 2, got %v", c.Model.Temperature)
	}
	if c.Model.TopP < 0 || c.Model.TopP > 1 {
		return fmt.Errorf("model.top_p must be between 0 and 1, got %v", c.Model.TopP)
	}
	if c.Model.MaxTokens < 0 {
		return fmt.Errorf("model.max_tokens must not be negative")
	}
	if c.Model.RequestsPerSecond < 0 {
		return fmt.Errorf("model.requests_per_second must not be negative")
	}
	if c.Model.Attempts < 1 {
		return fmt.Errorf("model.attempts must be at least 1")
	}

	if c.WhatsApp.Enabled {
		if c.WhatsApp.AccessToken == "" {
			return fmt.Errorf("whatsapp.access_token is required when whatsapp is enabled")
		}
		if c.WhatsApp.VerifyToken == "" {
			return fmt.Errorf("whatsapp.verify_token is required when whatsapp is enabled")
		}
	}

	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" || c.Matrix.UserID == "" || c.Matrix.AccessToken == "" {
			return fmt.Errorf("matrix.homeserver, matrix.user_id and matrix.access_token are required when matrix is enabled")
		}
	}

	if !c.WhatsApp.Enabled && !c.Matrix.Enabled {
		return fmt.Errorf("at least one of whatsapp or matrix must be enabled")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Model.TimeoutRaw != "" {
		cfg.Model.Timeout, err = time.ParseDuration(cfg.Model.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing model.timeout %q: %w", cfg.Model.TimeoutRaw, err)
		}
	}

	if cfg.Dedupe.TTLRaw != "" {
		cfg.Dedupe.TTL, err = time.ParseDuration(cfg.Dedupe.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe.ttl %q: %w", cfg.Dedupe.TTLRaw, err)
		}
	}

	return nil
}
