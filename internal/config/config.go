// Package config loads the session configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Transport modes.
const (
	TransportSocket = "socket"
	TransportStream = "stream"
)

// Config is the full session configuration.
type Config struct {
	Server struct {
		BaseURL   string `yaml:"base_url"`
		SocketURL string `yaml:"socket_url"`
		StreamURL string `yaml:"stream_url"`
	} `yaml:"server"`

	AuctionID string `yaml:"auction_id"`
	Transport string `yaml:"transport"`

	// RetryCeiling is the consecutive reconnect budget of the live channel.
	RetryCeiling int `yaml:"retry_ceiling"`

	// ClientIDFile persists the stable client identifier across runs.
	ClientIDFile string `yaml:"client_id_file"`

	Bidder struct {
		ID   string `yaml:"id"`
		Hash string `yaml:"hash"`
	} `yaml:"bidder"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// Load reads the YAML file at path, applies environment overrides and
// fills defaults. A missing file is fine; environment alone can carry a
// full configuration.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg.Server.BaseURL = getEnv("LIVEBID_BASE_URL", cfg.Server.BaseURL)
	cfg.Server.SocketURL = getEnv("LIVEBID_SOCKET_URL", cfg.Server.SocketURL)
	cfg.Server.StreamURL = getEnv("LIVEBID_STREAM_URL", cfg.Server.StreamURL)
	cfg.AuctionID = getEnv("LIVEBID_AUCTION_ID", cfg.AuctionID)
	cfg.Transport = getEnv("LIVEBID_TRANSPORT", cfg.Transport)
	cfg.RetryCeiling = getEnvAsInt("LIVEBID_RETRY_CEILING", cfg.RetryCeiling)
	cfg.ClientIDFile = getEnv("LIVEBID_CLIENT_ID_FILE", cfg.ClientIDFile)
	cfg.Bidder.ID = getEnv("LIVEBID_BIDDER_ID", cfg.Bidder.ID)
	cfg.Bidder.Hash = getEnv("LIVEBID_BIDDER_HASH", cfg.Bidder.Hash)
	cfg.Log.Level = getEnv("LIVEBID_LOG_LEVEL", cfg.Log.Level)

	if cfg.Transport == "" {
		cfg.Transport = TransportSocket
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = 10
	}
	if cfg.ClientIDFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.ClientIDFile = filepath.Join(home, ".livebid", "client_id")
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	return &cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("config: server.base_url is required")
	}
	if c.AuctionID == "" {
		return fmt.Errorf("config: auction_id is required")
	}
	if c.Transport != TransportSocket && c.Transport != TransportStream {
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if (c.Bidder.ID == "") != (c.Bidder.Hash == "") {
		return fmt.Errorf("config: bidder.id and bidder.hash must be set together")
	}
	return nil
}
