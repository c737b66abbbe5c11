package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider selects which AnalysisClient implementation backs a session.
type Provider string

const (
	ProviderKolam  Provider = "kolam"
	ProviderOpenAI Provider = "openai"
)

// DefaultSystemPrompt is used by the LLM provider when none is configured.
const DefaultSystemPrompt = "You are KolamGPT, an expert on the traditional South Indian art of kolam. Provide helpful, accurate information about kolam patterns, techniques, cultural significance, and related topics."

// Config holds the application configuration
type Config struct {
	Backend    BackendConfig    `mapstructure:"backend"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Attachment AttachmentConfig `mapstructure:"attachment"`
	Server     ServerConfig     `mapstructure:"server"`
	History    HistoryConfig    `mapstructure:"history"`
	Log        LogConfig        `mapstructure:"log"`
}

// BackendConfig holds the analysis backend configuration
type BackendConfig struct {
	Provider Provider `mapstructure:"provider"`
	BaseURL  string   `mapstructure:"base_url"`
	// RequestTimeout of zero means a dispatched request may wait forever.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LLMConfig holds the OpenAI-compatible provider configuration
type LLMConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// AttachmentConfig holds image selection limits
type AttachmentConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// HistoryConfig holds the transcript archive configuration. An empty Path disables it.
type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.provider", string(ProviderKolam))
	v.SetDefault("backend.base_url", "http://localhost:5000")
	v.SetDefault("backend.request_timeout", time.Duration(0))
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.system_prompt", DefaultSystemPrompt)
	v.SetDefault("attachment.max_bytes", int64(10*1024*1024))
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8080")
	v.SetDefault("history.path", "")
	v.SetDefault("log.level", "info")
}

// Load loads the configuration from config.yaml (or the file named by CONFIG_PATH),
// with KOLAMCHAT_* environment variables taking precedence.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_PATH"))
}

// LoadFile is Load with an explicit file path. An empty path searches the working
// directory for config.yaml and tolerates its absence.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KOLAMCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects configurations no component can run with.
func (c *Config) Validate() error {
	switch c.Backend.Provider {
	case ProviderKolam:
		if c.Backend.BaseURL == "" {
			return errors.New("config: backend.base_url is required for the kolam provider")
		}
	case ProviderOpenAI:
		if c.LLM.Model == "" {
			return errors.New("config: llm.model is required for the openai provider")
		}
	default:
		return errors.New("config: unsupported backend.provider " + string(c.Backend.Provider))
	}
	if c.Attachment.MaxBytes <= 0 {
		return errors.New("config: attachment.max_bytes must be positive")
	}
	if c.Backend.RequestTimeout < 0 {
		return errors.New("config: backend.request_timeout must not be negative")
	}
	return nil
}

// Addr returns host:port for the HTTP surface.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}
