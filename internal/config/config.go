package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Database struct {
		// Path of the store file. Empty selects ~/.zerocode-llm-chat/chat_history.db.
		Path string `toml:"path"`
	} `toml:"database"`

	Server struct {
		Addr string `toml:"addr"`
	} `toml:"server"`

	LLM struct {
		Provider     string        `toml:"provider"`
		Model        string        `toml:"model"`
		BaseURL      string        `toml:"base_url"`
		OpenAIKey    string        `toml:"openai_api_key"`
		AnthropicKey string        `toml:"anthropic_api_key"`
		Temperature  float64       `toml:"temperature"`
		MaxTokens    int           `toml:"max_tokens"`
		Timeout      time.Duration `toml:"timeout"`
	} `toml:"llm"`

	Conversation struct {
		SummaryPolicy string `toml:"summary_policy"`
	} `toml:"conversation"`

	Logging struct {
		Level       string `toml:"level"`
		Development bool   `toml:"development"`
	} `toml:"logging"`
}

// Default returns the built-in configuration before any file or environment
// is applied.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8100"
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxTokens = 1000
	cfg.LLM.Timeout = 30 * time.Second
	cfg.Logging.Level = "info"
	return cfg
}

// Load builds the configuration from, in increasing precedence, the defaults,
// the TOML file at path (skipped when path is empty) and the environment.
// A .env file in the working directory is loaded into the environment first.
func Load(path string) (*Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyProviderDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Database.Path = getEnvString("CHAT_DB_PATH", c.Database.Path)
	c.Server.Addr = getEnvString("CHAT_SERVER_ADDR", c.Server.Addr)

	c.LLM.Provider = getEnvString("CHAT_LLM_PROVIDER", c.LLM.Provider)
	c.LLM.Model = getEnvString("CHAT_MODEL", c.LLM.Model)
	c.LLM.BaseURL = getEnvString("CHAT_LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.OpenAIKey = getEnvString("OPENAI_API_KEY", c.LLM.OpenAIKey)
	c.LLM.AnthropicKey = getEnvString("ANTHROPIC_API_KEY", c.LLM.AnthropicKey)

	var err error
	if c.LLM.Temperature, err = getEnvFloat("CHAT_LLM_TEMPERATURE", c.LLM.Temperature); err != nil {
		return err
	}
	if c.LLM.MaxTokens, err = getEnvInt("CHAT_LLM_MAX_TOKENS", c.LLM.MaxTokens); err != nil {
		return err
	}
	if c.LLM.Timeout, err = getEnvDuration("CHAT_LLM_TIMEOUT", c.LLM.Timeout); err != nil {
		return err
	}

	c.Conversation.SummaryPolicy = getEnvString("CHAT_SUMMARY_POLICY", c.Conversation.SummaryPolicy)
	c.Logging.Level = getEnvString("CHAT_LOG_LEVEL", c.Logging.Level)
	if c.Logging.Development, err = getEnvBool("CHAT_LOG_DEVELOPMENT", c.Logging.Development); err != nil {
		return err
	}
	return nil
}

// applyProviderDefaults prefers OpenAI when its key is present and falls back
// to Anthropic otherwise.
func (c *Config) applyProviderDefaults() {
	if c.LLM.Provider == "" {
		switch {
		case c.LLM.OpenAIKey != "":
			c.LLM.Provider = "openai"
		case c.LLM.AnthropicKey != "":
			c.LLM.Provider = "anthropic"
		default:
			c.LLM.Provider = "openai"
		}
	}
	if c.LLM.Model == "" {
		if c.LLM.Provider == "anthropic" {
			c.LLM.Model = "claude-3-sonnet"
		} else {
			c.LLM.Model = "gpt-3.5-turbo"
		}
	}
}

func (c *Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case "openai", "anthropic", "ollama":
	default:
		errs = append(errs, fmt.Errorf("unsupported llm provider %q", c.LLM.Provider))
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, errors.New("llm max_tokens must be positive"))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, errors.New("llm temperature must be between 0 and 2"))
	}
	if c.LLM.Timeout <= 0 {
		errs = append(errs, errors.New("llm timeout must be positive"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server addr must not be empty"))
	}
	return errors.Join(errs...)
}

func getEnvString(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := getEnvString(key, "")
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := getEnvString(key, "")
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := getEnvString(key, "")
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := getEnvString(key, "")
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
