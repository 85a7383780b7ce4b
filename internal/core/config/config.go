package config

import (
	"time"

	"github.com/vietddude/graphnode/internal/infra/ipfs"
	redisclient "github.com/vietddude/graphnode/internal/infra/redis"
	"github.com/vietddude/graphnode/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig       `yaml:"server"`
	Logging     LoggingConfig      `yaml:"logging"`
	Database    postgres.Config    `yaml:"database"`
	Redis       redisclient.Config `yaml:"redis"`
	IPFS        ipfs.Config        `yaml:"ipfs"`
	Networks    []NetworkConfig    `yaml:"networks"`
	Indexing    IndexingConfig     `yaml:"indexing"`
	Deployments []DeploymentConfig `yaml:"deployments"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// NetworkConfig describes one chain endpoint shared by deployments.
type NetworkConfig struct {
	Name              string        `yaml:"name"`
	URL               string        `yaml:"url"`
	FallbackURLs      []string      `yaml:"fallback_urls"`
	ConfirmationDepth uint64        `yaml:"confirmation_depth"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeadCacheTTL      time.Duration `yaml:"head_cache_ttl"`
}

// IndexingConfig tunes the per-deployment runners.
type IndexingConfig struct {
	MaxBlockRetries   int           `yaml:"max_block_retries"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	FuelPerHandler    int64         `yaml:"fuel_per_handler"`
	HandlerTimeout    time.Duration `yaml:"handler_timeout"`
	MaxDynamicDepth   int           `yaml:"max_dynamic_depth"`
	HistoryBlocks     uint64        `yaml:"history_blocks"` // 0 = keep everything
	PruneInterval     time.Duration `yaml:"prune_interval"`
}

// DeploymentConfig binds a manifest to a network.
type DeploymentConfig struct {
	ID       string `yaml:"id"`
	Manifest string `yaml:"manifest"`
	Network  string `yaml:"network"`
	Paused   bool   `yaml:"paused"`
}

// Network returns the network config with the given name.
func (c *AppConfig) Network(name string) (NetworkConfig, bool) {
	for _, n := range c.Networks {
		if n.Name == name {
			return n, true
		}
	}
	return NetworkConfig{}, false
}

// Deployment returns the deployment config with the given id.
func (c *AppConfig) Deployment(id string) (DeploymentConfig, bool) {
	for _, d := range c.Deployments {
		if d.ID == id {
			return d, true
		}
	}
	return DeploymentConfig{}, false
}
