package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultBaseURL is Gemini's OpenAI-compatible endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	// DefaultModel is used whenever a call does not name a model.
	DefaultModel = "gemini-3-flash-preview"
	// MaxBackoff bounds any single wait between attempts.
	MaxBackoff = 24 * time.Hour
)

// Config holds the application configuration
type Config struct {
	LLM      LLMConfig
	Retry    RetryConfig
	Server   ServerConfig
	History  HistoryConfig
	LogLevel string `mapstructure:"log_level"`
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RetryConfig tunes the backoff applied to transient failures.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	Multiplier     int           `mapstructure:"multiplier"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// HistoryConfig controls the optional exchange journal.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

// Default returns the configuration used when nothing else is provided.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			BaseURL: DefaultBaseURL,
			Model:   DefaultModel,
			Timeout: 120 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: 2 * time.Second,
			Multiplier:     2,
		},
		Server:   ServerConfig{Host: "0.0.0.0", Port: "8080"},
		History:  HistoryConfig{DBPath: "history.db"},
		LogLevel: "info",
	}
}

// Load reads config.yaml (or the file named by CONFIG_PATH) on top of the
// defaults, then applies environment overrides. A missing file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("COMPLETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The credential keeps its conventional name.
	if err := v.BindEnv("llm.api_key", "COMPLETER_LLM_API_KEY", "GEMINI_API_KEY"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.timeout", d.LLM.Timeout)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_backoff", d.Retry.InitialBackoff)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.db_path", d.History.DBPath)
	v.SetDefault("log_level", d.LogLevel)
}

// Validate reports settings the completion caller cannot work with.
func (c *Config) Validate() error {
	switch {
	case c.LLM.BaseURL == "":
		return errors.New("config: llm.base_url is empty")
	case c.LLM.Model == "":
		return errors.New("config: llm.model is empty")
	case c.Retry.MaxAttempts < 1:
		return fmt.Errorf("config: retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	case c.Retry.InitialBackoff < 0:
		return fmt.Errorf("config: retry.initial_backoff must not be negative, got %s", c.Retry.InitialBackoff)
	case c.Retry.Multiplier < 1:
		return fmt.Errorf("config: retry.multiplier must be at least 1, got %d", c.Retry.Multiplier)
	case c.Retry.InitialBackoff > MaxBackoff:
		return fmt.Errorf("config: retry.initial_backoff must not exceed %s, got %s", MaxBackoff, c.Retry.InitialBackoff)
	}

	// The longest wait precedes the last attempt.
	d, mult := c.Retry.InitialBackoff, time.Duration(c.Retry.Multiplier)
	for i := 0; i < c.Retry.MaxAttempts-2; i++ {
		if d > MaxBackoff/mult {
			return fmt.Errorf("config: retry backoff exceeds %s after %d attempts; lower multiplier or max_attempts", MaxBackoff, i+2)
		}
		d *= mult
	}
	return nil
}
