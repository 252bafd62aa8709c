package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Provider ProviderConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type ProviderConfig struct {
	// OpenAIAPIKey authenticates the chat-completions calls. Required.
	OpenAIAPIKey string
	// BaseURL overrides the provider endpoint (tests, proxies).
	BaseURL string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/researchd/config.json, then applies RESEARCHD_*
// environment overrides. The provider API key is required.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Provider.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("missing required config: OpenAI API key. " +
			"Set it via environment variable RESEARCHD_OPENAI_API_KEY " +
			"or the provider.api_key config key")
	}

	return cfg, nil
}

func applyBackend(cfg *Config, b backend) error {
	if v, ok, err := b.GetInt("server.port"); err != nil {
		return fmt.Errorf("reading server.port: %w", err)
	} else if ok {
		cfg.Server.Port = v
	}
	if v, ok, err := b.GetString("storage.data_dir"); err != nil {
		return fmt.Errorf("reading storage.data_dir: %w", err)
	} else if ok && v != "" {
		cfg.Storage.DataDir = v
	}
	if v, ok, err := b.GetString("provider.api_key"); err != nil {
		return fmt.Errorf("reading provider.api_key: %w", err)
	} else if ok {
		cfg.Provider.OpenAIAPIKey = v
	}
	if v, ok, err := b.GetString("provider.base_url"); err != nil {
		return fmt.Errorf("reading provider.base_url: %w", err)
	} else if ok {
		cfg.Provider.BaseURL = v
	}
	if v, ok, err := b.GetString("log.level"); err != nil {
		return fmt.Errorf("reading log.level: %w", err)
	} else if ok && v != "" {
		cfg.Log.Level = v
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RESEARCHD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RESEARCHD_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("RESEARCHD_OPENAI_API_KEY"); v != "" {
		cfg.Provider.OpenAIAPIKey = v
	}
	if v := os.Getenv("RESEARCHD_OPENAI_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("RESEARCHD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
