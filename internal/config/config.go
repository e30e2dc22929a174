// Package config loads client configuration from a TOML file with
// environment overrides.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	APIBaseURL        string `toml:"api_base_url"`
	SocketURL         string `toml:"socket_url"`
	ReconnectAttempts int    `toml:"reconnect_attempts"`
	ReconnectDelayMS  int    `toml:"reconnect_delay_ms"`
	TypingIdleMS      int    `toml:"typing_idle_ms"`
	LogLevel          string `toml:"log_level"`
}

func Default() Config {
	return Config{
		APIBaseURL:        "https://offertabackend.onrender.com/api",
		SocketURL:         "wss://offertabackend.onrender.com/ws",
		ReconnectAttempts: 5,
		ReconnectDelayMS:  1000,
		TypingIdleMS:      1500,
		LogLevel:          "info",
	}
}

// Load reads the TOML file at path on top of the defaults, then applies env
// overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OFFERTA_API_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("OFFERTA_WS_URL"); v != "" {
		cfg.SocketURL = v
	}
	if v := os.Getenv("OFFERTA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMS) * time.Millisecond
}

func (c Config) TypingIdle() time.Duration {
	return time.Duration(c.TypingIdleMS) * time.Millisecond
}
