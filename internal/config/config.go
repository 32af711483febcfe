// Package config loads the indexer core's configuration from environment
// variables: RPC endpoints, database DSN, poll interval, and the HTTP
// control-plane port.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RPCEndpointConfig is one entry of an INDEXER_EVENT_RPCS chain's endpoint list.
type RPCEndpointConfig struct {
	ID                   string `json:"id"`
	URL                  string `json:"url"`
	Priority             int    `json:"priority"`
	Enabled              *bool  `json:"enabled,omitempty"`
	MaxConsecutiveFailures int  `json:"maxConsecutiveFailures,omitempty"`
	CooldownMs           int    `json:"cooldownMs,omitempty"`
}

// RPCChainConfig is one chain's entry of INDEXER_EVENT_RPCS.
type RPCChainConfig struct {
	ChainID   int                 `json:"chainId"`
	Label     string              `json:"label,omitempty"`
	Endpoints []RPCEndpointConfig `json:"endpoints"`
}

// Config holds every tunable the indexer core reads from the environment.
type Config struct {
	DatabaseURL string
	PGBossURL   string

	RPCs []RPCChainConfig

	PollInterval           time.Duration
	MaxBatchSize           int
	Port                   int
	RPCFailureThreshold    int
	RPCCooldown            time.Duration
	RegistryRefreshInterval time.Duration

	LogLevel  string
	LogFormat string
	LogOutput string
}

// Load reads and validates the configuration, applying defaults, and loads a
// local .env file when present. Any error from loading .env, whether the
// file is missing or unreadable, is ignored and not reported to the caller.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		PollInterval:            6 * time.Second,
		MaxBatchSize:            200,
		Port:                    4005,
		RPCFailureThreshold:     3,
		RPCCooldown:             60 * time.Second,
		RegistryRefreshInterval: 60 * time.Second,
		LogLevel:                "info",
		LogFormat:               "text",
		LogOutput:               "stdout",
	}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.PGBossURL = strings.TrimSpace(os.Getenv("PG_BOSS_URL"))
	if cfg.PGBossURL == "" {
		cfg.PGBossURL = cfg.DatabaseURL
	}

	rpcsJSON := strings.TrimSpace(os.Getenv("INDEXER_EVENT_RPCS"))
	if rpcsJSON == "" {
		return nil, fmt.Errorf("INDEXER_EVENT_RPCS is required")
	}
	if err := json.Unmarshal([]byte(rpcsJSON), &cfg.RPCs); err != nil {
		return nil, fmt.Errorf("invalid INDEXER_EVENT_RPCS JSON: %w", err)
	}
	for _, chain := range cfg.RPCs {
		if len(chain.Endpoints) == 0 {
			return nil, fmt.Errorf("chain %d has zero endpoints", chain.ChainID)
		}
	}

	if v := strings.TrimSpace(os.Getenv("INDEXER_EVENT_POLL_INTERVAL_MS")); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid INDEXER_EVENT_POLL_INTERVAL_MS: %w", err)
		}
		if ms < 500 {
			ms = 500
		}
		cfg.PollInterval = time.Duration(ms) * time.Millisecond
	}

	if v := strings.TrimSpace(os.Getenv("INDEXER_EVENT_MAX_BATCH")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid INDEXER_EVENT_MAX_BATCH: %w", err)
		}
		cfg.MaxBatchSize = n
	}

	if v := strings.TrimSpace(os.Getenv("INDEXER_EVENT_PORT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid INDEXER_EVENT_PORT: %w", err)
		}
		cfg.Port = n
	}

	if v := strings.TrimSpace(os.Getenv("INDEXER_EVENT_RPC_FAILURE_THRESHOLD")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid INDEXER_EVENT_RPC_FAILURE_THRESHOLD: %w", err)
		}
		cfg.RPCFailureThreshold = n
	}

	if v := strings.TrimSpace(os.Getenv("INDEXER_EVENT_RPC_COOLDOWN_MS")); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid INDEXER_EVENT_RPC_COOLDOWN_MS: %w", err)
		}
		if ms < 1000 {
			ms = 1000
		}
		cfg.RPCCooldown = time.Duration(ms) * time.Millisecond
	}

	if v := strings.TrimSpace(os.Getenv("INDEXER_EVENT_REGISTRY_REFRESH_MS")); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid INDEXER_EVENT_REGISTRY_REFRESH_MS: %w", err)
		}
		cfg.RegistryRefreshInterval = time.Duration(ms) * time.Millisecond
	}

	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_FORMAT")); v != "" {
		cfg.LogFormat = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_OUTPUT")); v != "" {
		cfg.LogOutput = v
	}

	return cfg, nil
}
