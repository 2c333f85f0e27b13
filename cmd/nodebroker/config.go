package main

import (
	"fmt"
	"os"
	"time"
)

const version = "0.1.0"

// Config holds runtime configuration for the server command.
type Config struct {
	Port                 int
	Bind                 string
	AuthToken            string
	DiscordToken         string
	GuildID              string
	TickInterval         time.Duration
	StateDir             string
	MaxPayloadBytes      int64
	MaxInvokeResultBytes int64
	MaxInflightBytes     int64
	RateLimit            float64
}

func validateConfig(cfg Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", cfg.Port)
	}
	if cfg.Bind != "loopback" && cfg.Bind != "lan" {
		return fmt.Errorf("invalid bind mode: %q (must be \"loopback\" or \"lan\")", cfg.Bind)
	}
	if cfg.Bind == "lan" && cfg.AuthToken == "" {
		return fmt.Errorf("refusing to start: --bind lan requires --token to prevent unauthenticated access")
	}
	if cfg.MaxInvokeResultBytes > 0 && cfg.MaxInflightBytes > 0 && cfg.MaxInflightBytes < cfg.MaxInvokeResultBytes {
		return fmt.Errorf("--max-inflight-bytes must be at least --max-result-bytes")
	}
	return nil
}

// Env helpers

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}
