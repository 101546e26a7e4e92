// Package config provides application configuration with multi-source
// priority:
//
//  1. Environment variables (LEXCHAT_* plus GEMINI_API_KEY)
//  2. Config file (~/.lexchat/config.yaml)
//  3. Defaults
//
// Sensitive values (the API key) are read from the environment only and are
// never written to logs or files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel errors, checked with errors.Is.
var (
	// ErrMissingAPIKey indicates GEMINI_API_KEY is not set.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates an empty or malformed model name.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates a temperature outside [0, 2].
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens indicates an out-of-range max output tokens value.
	ErrInvalidMaxTokens = errors.New("invalid max output tokens")

	// ErrInvalidMaxHistory indicates a non-positive history bound.
	ErrInvalidMaxHistory = errors.New("invalid max history")

	// ErrInvalidMaxRetries indicates a negative retry cap.
	ErrInvalidMaxRetries = errors.New("invalid max retries")

	// ErrInvalidMaxInputLength indicates a non-positive input bound.
	ErrInvalidMaxInputLength = errors.New("invalid max input length")
)

// Defaults.
const (
	DefaultAddr           = "127.0.0.1:3400"
	DefaultModel          = "gemini-2.5-flash"
	DefaultTemperature    = 0.7
	DefaultMaxHistory     = 50
	DefaultMaxRetries     = 3
	DefaultRequestTimeout = 2 * time.Minute
	DefaultMaxInputLength = 100_000

	// MaxOutputTokensLimit is the provider's context ceiling.
	MaxOutputTokensLimit = 2_097_152
)

// Config stores application configuration.
type Config struct {
	// Server
	Addr string `mapstructure:"addr"`

	// Provider
	ModelName string `mapstructure:"model_name"`
	// APIKey comes from GEMINI_API_KEY, never from the config file.
	APIKey string `mapstructure:"-"`

	// Generation parameters, passed through to the provider.
	Temperature     float64 `mapstructure:"temperature"`
	TopP            float64 `mapstructure:"top_p"`
	TopK            int     `mapstructure:"top_k"`
	MaxOutputTokens int     `mapstructure:"max_output_tokens"`
	ThinkingBudget  int     `mapstructure:"thinking_budget"`

	// Session behavior
	MultiTurn      bool          `mapstructure:"multi_turn"`
	SystemPrompt   string        `mapstructure:"system_prompt"`
	AutoRetry      bool          `mapstructure:"auto_retry"`
	MaxRetries     int           `mapstructure:"max_retries"`
	MaxHistory     int           `mapstructure:"max_history"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Input validation
	MaxInputLength int      `mapstructure:"max_input_length"`
	DenyPatterns   []string `mapstructure:"deny_patterns"`

	// Rate limiting: sustained requests per second and burst toward the
	// provider, shared by all sessions. Zero disables the limiter.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// Load reads configuration from defaults, the optional config file and the
// environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("addr", DefaultAddr)
	v.SetDefault("model_name", DefaultModel)
	v.SetDefault("temperature", DefaultTemperature)
	v.SetDefault("top_p", 0.0)
	v.SetDefault("top_k", 0)
	v.SetDefault("max_output_tokens", 0)
	v.SetDefault("thinking_budget", 0)
	v.SetDefault("multi_turn", true)
	v.SetDefault("system_prompt", "")
	v.SetDefault("auto_retry", true)
	v.SetDefault("max_retries", DefaultMaxRetries)
	v.SetDefault("max_history", DefaultMaxHistory)
	v.SetDefault("request_timeout", DefaultRequestTimeout)
	v.SetDefault("max_input_length", DefaultMaxInputLength)
	v.SetDefault("rate_limit", 10.0)
	v.SetDefault("rate_burst", 30)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".lexchat"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("LEXCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file is fine; defaults and env apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.APIKey = os.Getenv("GEMINI_API_KEY")
	return &cfg, nil
}
