package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// APIKeyConfig describes a single API key + secret pair accepted by the gateway.
type APIKeyConfig struct {
	Key    string `yaml:"key" json:"key"`
	Secret string `yaml:"secret" json:"secret"`
}

// RateLimitConfig shapes a token bucket applied per client.
type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

// Config captures runtime configuration for the bounty gateway service.
// Values come from an optional YAML file; BOUNTY_GATEWAY_* environment
// variables override whatever the file set.
type Config struct {
	ListenAddress        string          `yaml:"listen"`
	NodeURL              string          `yaml:"nodeUrl"`
	NodeAuthToken        string          `yaml:"nodeAuthToken"`
	DatabasePath         string          `yaml:"database"`
	AllowedTimestampSkew time.Duration   `yaml:"timestampSkew"`
	NonceTTL             time.Duration   `yaml:"nonceTtl"`
	NonceCapacity        int             `yaml:"nonceCapacity"`
	APIKeys              []APIKeyConfig  `yaml:"apiKeys"`
	MutationLimit        RateLimitConfig `yaml:"mutationLimit"`
	ReadLimit            RateLimitConfig `yaml:"readLimit"`
	LogRequests          bool            `yaml:"logRequests"`
}

// LoadConfig builds the gateway configuration from an optional YAML file and
// the environment. Env values win over file values.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ListenAddress:        ":8081",
		DatabasePath:         "bounty-gateway.db",
		AllowedTimestampSkew: 2 * time.Minute,
		NonceCapacity:        1024,
		MutationLimit:        RateLimitConfig{RatePerSecond: 5, Burst: 10},
		ReadLimit:            RateLimitConfig{RatePerSecond: 20, Burst: 40},
		LogRequests:          true,
	}

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		decoder := yaml.NewDecoder(file)
		decodeErr := decoder.Decode(&cfg)
		_ = file.Close()
		if decodeErr != nil {
			return Config{}, fmt.Errorf("decode config: %w", decodeErr)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.AllowedTimestampSkew <= 0 {
		cfg.AllowedTimestampSkew = 2 * time.Minute
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = 2 * cfg.AllowedTimestampSkew
	}
	if cfg.NonceTTL < cfg.AllowedTimestampSkew {
		cfg.NonceTTL = cfg.AllowedTimestampSkew
	}
	if cfg.NonceCapacity <= 0 {
		cfg.NonceCapacity = 1024
	}

	if strings.TrimSpace(cfg.NodeURL) == "" {
		return Config{}, errors.New("node RPC URL is required (nodeUrl or BOUNTY_GATEWAY_NODE_URL)")
	}
	if len(cfg.APIKeys) == 0 {
		return Config{}, errors.New("no API keys configured (apiKeys or BOUNTY_GATEWAY_API_KEYS)")
	}
	for i, entry := range cfg.APIKeys {
		key := strings.TrimSpace(entry.Key)
		secret := strings.TrimSpace(entry.Secret)
		if key == "" || secret == "" {
			return Config{}, fmt.Errorf("api key entry %d must include key and secret", i)
		}
		cfg.APIKeys[i] = APIKeyConfig{Key: key, Secret: secret}
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("BOUNTY_GATEWAY_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("BOUNTY_GATEWAY_NODE_URL")); v != "" {
		cfg.NodeURL = v
	}
	if v := strings.TrimSpace(os.Getenv("BOUNTY_GATEWAY_NODE_TOKEN")); v != "" {
		cfg.NodeAuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("BOUNTY_GATEWAY_DB_PATH")); v != "" {
		cfg.DatabasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("BOUNTY_GATEWAY_TIMESTAMP_SKEW")); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse BOUNTY_GATEWAY_TIMESTAMP_SKEW: %w", err)
		}
		if dur <= 0 {
			return errors.New("BOUNTY_GATEWAY_TIMESTAMP_SKEW must be positive")
		}
		cfg.AllowedTimestampSkew = dur
	}
	if v := strings.TrimSpace(os.Getenv("BOUNTY_GATEWAY_NONCE_TTL")); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse BOUNTY_GATEWAY_NONCE_TTL: %w", err)
		}
		if dur <= 0 {
			return errors.New("BOUNTY_GATEWAY_NONCE_TTL must be positive")
		}
		cfg.NonceTTL = dur
	}
	if v := strings.TrimSpace(os.Getenv("BOUNTY_GATEWAY_NONCE_CAP")); v != "" {
		val, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse BOUNTY_GATEWAY_NONCE_CAP: %w", err)
		}
		if val <= 0 {
			return errors.New("BOUNTY_GATEWAY_NONCE_CAP must be positive")
		}
		cfg.NonceCapacity = val
	}
	// API keys arrive as a JSON array: [{"key":"...","secret":"..."}, ...]
	if v := strings.TrimSpace(os.Getenv("BOUNTY_GATEWAY_API_KEYS")); v != "" {
		var entries []APIKeyConfig
		if err := json.Unmarshal([]byte(v), &entries); err != nil {
			return fmt.Errorf("parse BOUNTY_GATEWAY_API_KEYS: %w", err)
		}
		cfg.APIKeys = entries
	}
	return nil
}
