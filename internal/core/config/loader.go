package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	for i := range cfg.Networks {
		n := &cfg.Networks[i]
		if n.PollInterval == 0 {
			n.PollInterval = 2 * time.Second
		}
		if n.HeadCacheTTL == 0 {
			n.HeadCacheTTL = n.PollInterval / 2
		}
		if n.ConfirmationDepth == 0 {
			n.ConfirmationDepth = 12
		}
	}

	idx := &cfg.Indexing
	if idx.MaxBlockRetries == 0 {
		idx.MaxBlockRetries = 5
	}
	if idx.RetryInitialDelay == 0 {
		idx.RetryInitialDelay = time.Second
	}
	if idx.RetryMaxDelay == 0 {
		idx.RetryMaxDelay = time.Minute
	}
	if idx.FuelPerHandler == 0 {
		idx.FuelPerHandler = 10_000_000
	}
	if idx.HandlerTimeout == 0 {
		idx.HandlerTimeout = 30 * time.Second
	}
	if idx.MaxDynamicDepth == 0 {
		idx.MaxDynamicDepth = 8
	}
	if idx.PruneInterval == 0 {
		idx.PruneInterval = 10 * time.Minute
	}

	if cfg.IPFS.Timeout == 0 {
		cfg.IPFS.Timeout = 30 * time.Second
	}
	if cfg.IPFS.MaxSize == 0 {
		cfg.IPFS.MaxSize = 16 << 20
	}
	if cfg.IPFS.CacheTTL == 0 {
		cfg.IPFS.CacheTTL = 24 * time.Hour
	}
}

// Validate checks cross references between sections.
func (c *AppConfig) Validate() error {
	networks := make(map[string]struct{}, len(c.Networks))
	for _, n := range c.Networks {
		if n.Name == "" {
			return fmt.Errorf("network name is required")
		}
		if _, dup := networks[n.Name]; dup {
			return fmt.Errorf("duplicate network %q", n.Name)
		}
		if n.URL == "" {
			return fmt.Errorf("network %q: url is required", n.Name)
		}
		networks[n.Name] = struct{}{}
	}

	ids := make(map[string]struct{}, len(c.Deployments))
	for _, d := range c.Deployments {
		if d.ID == "" {
			return fmt.Errorf("deployment id is required")
		}
		if _, dup := ids[d.ID]; dup {
			return fmt.Errorf("duplicate deployment %q", d.ID)
		}
		if d.Manifest == "" {
			return fmt.Errorf("deployment %q: manifest is required", d.ID)
		}
		if _, ok := networks[d.Network]; !ok {
			return fmt.Errorf("deployment %q: unknown network %q", d.ID, d.Network)
		}
		ids[d.ID] = struct{}{}
	}
	if c.Indexing.MaxBlockRetries < 0 {
		return fmt.Errorf("indexing.max_block_retries must not be negative")
	}
	return nil
}
