package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. Nested keys use "__",
// e.g. STAGED_THINKING__ENABLED=false.
const EnvPrefix = "STAGED_"

// Stage backend wire formats.
const (
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
)

// Injection positions for the message-list extension point.
const (
	InjectionAppend         = "append"
	InjectionBeforeLastUser = "before_last_user"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Thinking  ThinkingConfig  `koanf:"thinking"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port           int    `koanf:"port"`
	RequestTimeout string `koanf:"request_timeout"` // Duration string like "120s"

	// AdminKeyHashes are SHA-256 hashes of keys accepted by /admin. Without
	// any, /admin is not mounted unless AdminOpen is set.
	AdminKeyHashes []string `koanf:"admin_key_hashes"`
	AdminOpen      bool     `koanf:"admin_open"` // serve /admin without auth when no keys are set
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// UpstreamConfig is the completion API the gateway forwards host generations to.
type UpstreamConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
}

// ThinkingConfig is the staged thinking configuration surface.
type ThinkingConfig struct {
	Enabled            bool    `koanf:"enabled"`
	ShowStages         bool    `koanf:"show_stages"`
	MaxTokensPerStage  int     `koanf:"max_tokens_per_stage"`
	DelayBetweenStages int     `koanf:"delay_between_stages"` // milliseconds
	ContextMessages    int     `koanf:"context_messages"`
	MaxPromptChars     int     `koanf:"max_prompt_chars"` // 0 = unbounded
	StageTimeout       string  `koanf:"stage_timeout"`    // Duration string like "60s"
	Temperature        float64 `koanf:"temperature"`
	InjectionPosition  string  `koanf:"injection_position"`
	StagesPath         string  `koanf:"stages_path"`
	WatchStages        bool    `koanf:"watch_stages"`
	TokenModel         string  `koanf:"token_model"` // tokenizer for measuring injected thinking

	Backend BackendConfig `koanf:"backend"`
}

// BackendConfig is the completion endpoint used by the stages themselves.
// For the openai type, unset fields fall back to the upstream configuration.
type BackendConfig struct {
	Type    string `koanf:"type"` // openai, anthropic
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
	Model   string `koanf:"model"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// Delay returns the pause between non-final stages.
func (t ThinkingConfig) Delay() time.Duration {
	if t.DelayBetweenStages <= 0 {
		return 0
	}
	return time.Duration(t.DelayBetweenStages) * time.Millisecond
}

// Timeout returns the per-stage backend timeout. Invalid values were
// rejected by Validate, so a parse failure here yields the default.
func (t ThinkingConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(t.StageTimeout)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// RequestTimeoutDuration returns the HTTP request timeout for the server.
func (s ServerConfig) RequestTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(s.RequestTimeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":                   8080,
	"server.request_timeout":        "120s",
	"storage.type":                  "sqlite",
	"storage.sqlite.path":           "./data/staged-thinking.db",
	"upstream.base_url":             "https://api.openai.com/v1",
	"thinking.enabled":              true,
	"thinking.show_stages":          true,
	"thinking.max_tokens_per_stage": 500,
	"thinking.delay_between_stages": 100,
	"thinking.context_messages":     10,
	"thinking.max_prompt_chars":     0,
	"thinking.stage_timeout":        "60s",
	"thinking.temperature":          0.7,
	"thinking.injection_position":   InjectionAppend,
	"thinking.stages_path":          "stages.yaml",
	"thinking.watch_stages":         true,
	"thinking.backend.type":         BackendOpenAI,
	"thinking.token_model":          "gpt-4o",
	"telemetry.service_name":        "staged-thinking-gateway",
}

// Load reads configuration from path (optional) and STAGED_* environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Upstream.APIKey = substituteEnvVars(cfg.Upstream.APIKey)
	cfg.Thinking.Backend.APIKey = substituteEnvVars(cfg.Thinking.Backend.APIKey)

	// An anthropic backend never inherits the OpenAI-compatible upstream.
	if cfg.Thinking.Backend.Type != BackendAnthropic {
		if cfg.Thinking.Backend.BaseURL == "" {
			cfg.Thinking.Backend.BaseURL = cfg.Upstream.BaseURL
		}
		if cfg.Thinking.Backend.APIKey == "" {
			cfg.Thinking.Backend.APIKey = cfg.Upstream.APIKey
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks value ranges that the loader cannot express as defaults.
func (c *Config) Validate() error {
	t := c.Thinking
	if t.MaxTokensPerStage <= 0 {
		return fmt.Errorf("thinking.max_tokens_per_stage must be positive, got %d", t.MaxTokensPerStage)
	}
	if t.DelayBetweenStages < 0 {
		return fmt.Errorf("thinking.delay_between_stages must not be negative, got %d", t.DelayBetweenStages)
	}
	if t.MaxPromptChars < 0 {
		return fmt.Errorf("thinking.max_prompt_chars must not be negative, got %d", t.MaxPromptChars)
	}
	if t.StageTimeout != "" {
		if _, err := time.ParseDuration(t.StageTimeout); err != nil {
			return fmt.Errorf("thinking.stage_timeout %q: %w", t.StageTimeout, err)
		}
	}
	switch t.InjectionPosition {
	case "", InjectionAppend, InjectionBeforeLastUser:
	default:
		return fmt.Errorf("thinking.injection_position %q (must be %q or %q)",
			t.InjectionPosition, InjectionAppend, InjectionBeforeLastUser)
	}
	switch t.Backend.Type {
	case "", BackendOpenAI, BackendAnthropic:
	default:
		return fmt.Errorf("thinking.backend.type %q (must be %q or %q)",
			t.Backend.Type, BackendOpenAI, BackendAnthropic)
	}
	if t.Backend.Type == BackendAnthropic && t.Backend.Model == "" {
		return fmt.Errorf("thinking.backend.model is required for the %s backend", BackendAnthropic)
	}
	switch c.Storage.Type {
	case "", "sqlite", "memory":
	default:
		return fmt.Errorf("storage.type %q (must be sqlite or memory)", c.Storage.Type)
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
