// Package config defines this node's on-disk configuration, a nested
// yaml-tagged struct loaded with gopkg.in/yaml.v2 (grounded on
// scttfrdmn-objectfs/internal/config/config.go's Configuration struct).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete node configuration.
type Configuration struct {
	Node    NodeConfig    `yaml:"node"`
	Driver  DriverConfig  `yaml:"driver"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// NodeConfig identifies this node to the cluster.
type NodeConfig struct {
	Name          string `yaml:"name"`
	BindAddr      string `yaml:"bind_addr"`
	BindPort      int    `yaml:"bind_port"`
	AdvertiseAddr string `yaml:"advertise_addr"`
	AdvertisePort int    `yaml:"advertise_port"`
	Zone          uint32 `yaml:"zone"`
	VNodes        uint16 `yaml:"vnodes"`
}

// DriverConfig tunes the cluster driver adapter's memberlist backend,
// generalized from the teacher's NewClusterBind field overrides
// (TCPTimeout, SuspicionMult, PushPullInterval).
type DriverConfig struct {
	SeedNodes        []string      `yaml:"seed_nodes"`
	TCPTimeout       time.Duration `yaml:"tcp_timeout"`
	SuspicionMult    int           `yaml:"suspicion_mult"`
	PushPullInterval time.Duration `yaml:"push_pull_interval"`
	GossipInterval   time.Duration `yaml:"gossip_interval"`
}

// StorageConfig points at this node's durable state.
type StorageConfig struct {
	EpochLogDir string `yaml:"epoch_log_dir"`
	Copies      int    `yaml:"copies"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a Configuration with reasonable defaults, the same
// spirit as the teacher's NewCluster()/NewClusterBind() zero-value
// fallbacks.
func Default() *Configuration {
	return &Configuration{
		Node: NodeConfig{
			BindPort: 7946,
			VNodes:   64,
		},
		Driver: DriverConfig{
			TCPTimeout:       30 * time.Second,
			SuspicionMult:    6,
			PushPullInterval: 15 * time.Second,
			GossipInterval:   200 * time.Millisecond,
		},
		Storage: StorageConfig{
			EpochLogDir: "./data/epochs",
			Copies:      1,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9120",
		},
	}
}

// Load reads and parses a YAML configuration file at path, applying
// Default() first so zero-valued fields in the file fall back sanely.
func Load(path string) (*Configuration, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the minimal invariants main.go relies on before
// wiring the core together.
func (c *Configuration) Validate() error {
	if c.Node.Name == "" {
		return fmt.Errorf("node.name is required")
	}
	if c.Storage.EpochLogDir == "" {
		return fmt.Errorf("storage.epoch_log_dir is required")
	}
	if c.Storage.Copies < 1 {
		return fmt.Errorf("storage.copies must be >= 1")
	}
	return nil
}
