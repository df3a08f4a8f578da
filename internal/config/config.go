package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Ollama  OllamaConfig
	Storage StorageConfig
	Log     LogConfig
	Chat    ChatConfig
	Pull    PullConfig
}

type ServerConfig struct {
	Host string
	Port int
	// Token, when set, is required as a bearer token on /console routes.
	Token    string
	MaxConns int
}

type OllamaConfig struct {
	// BaseURL is used until settings have been saved from the console.
	BaseURL      string
	DefaultModel string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type ChatConfig struct {
	SystemPrompt string
	SaveHistory  bool
}

type PullConfig struct {
	MaxAttempts  int
	PollInterval time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     4100,
			MaxConns: 64,
		},
		Ollama: OllamaConfig{
			BaseURL:      "http://localhost:11434",
			DefaultModel: "llama3.2",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Chat: ChatConfig{
			SaveHistory: true,
		},
		Pull: PullConfig{
			MaxAttempts:  1,
			PollInterval: 500 * time.Millisecond,
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/ollamanager/config.json, then applies OLLAMANAGER_*
// environment overrides.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxConns < 1 {
		return fmt.Errorf("invalid config: server.max_conns must be at least 1, got %d", c.Server.MaxConns)
	}
	if c.Pull.MaxAttempts < 1 {
		return fmt.Errorf("invalid config: pull.max_attempts must be at least 1, got %d", c.Pull.MaxAttempts)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("invalid config: storage.data_dir is empty")
	}
	return nil
}

// Addr is the host:port the console server listens on.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SlogLevel maps log.level to a slog level. Unknown values mean info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
