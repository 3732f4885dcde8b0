// Package config provides configuration management for the meshcomm CLI.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config holds all configuration for the CLI.
type Config struct {
	Bench     BenchConfig     `mapstructure:"bench"`
	Transport TransportConfig `mapstructure:"transport"`
	Log       LogConfig       `mapstructure:"log"`
}

// BenchConfig holds the exchange benchmark configuration.
type BenchConfig struct {
	Ranks            int    `mapstructure:"ranks"`
	CellsPerRank     int    `mapstructure:"cells_per_rank"`
	Rows             int    `mapstructure:"rows"`
	Iterations       int    `mapstructure:"iterations"`
	MaxRecvBytes     uint32 `mapstructure:"max_recv_bytes"`
	UseRma           bool   `mapstructure:"use_rma"`
	UseSomeToSome    bool   `mapstructure:"use_some_to_some"`
	RequireRankOrder bool   `mapstructure:"require_rank_order"`
}

// TransportConfig selects and parameterises the communicator backend.
type TransportConfig struct {
	// Type is "local" (in-process ranks) or "ws" (WebSocket mesh).
	Type string `mapstructure:"type"`
	// Rank and Peers configure the "ws" transport.
	Rank  int      `mapstructure:"rank"`
	Peers []string `mapstructure:"peers"`
	// Compress enables zstd compression of large frames.
	Compress bool `mapstructure:"compress"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from the specified file path.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/meshcomm")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No config file; defaults apply.
		} else if os.IsNotExist(err) {
			// Explicit path that does not exist; defaults apply.
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the runtime cannot honour.
func (c *Config) Validate() error {
	if c.Bench.Ranks < 1 {
		return fmt.Errorf("bench.ranks must be at least 1, got %d", c.Bench.Ranks)
	}
	if c.Bench.Rows < 1 {
		return fmt.Errorf("bench.rows must be at least 1, got %d", c.Bench.Rows)
	}
	if c.Bench.Iterations < 1 {
		return fmt.Errorf("bench.iterations must be at least 1, got %d", c.Bench.Iterations)
	}

	switch c.Transport.Type {
	case "local":
	case "ws":
		if len(c.Transport.Peers) < 1 {
			return fmt.Errorf("transport.peers must list every rank for the ws transport")
		}
		if c.Transport.Rank < 0 || c.Transport.Rank >= len(c.Transport.Peers) {
			return fmt.Errorf("transport.rank %d out of range for %d peers",
				c.Transport.Rank, len(c.Transport.Peers))
		}
	default:
		return fmt.Errorf("unknown transport.type %q", c.Transport.Type)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bench.ranks", 4)
	v.SetDefault("bench.cells_per_rank", 1024)
	v.SetDefault("bench.rows", 1)
	v.SetDefault("bench.iterations", 10)
	v.SetDefault("bench.max_recv_bytes", 0)
	v.SetDefault("bench.use_rma", false)
	v.SetDefault("bench.use_some_to_some", false)
	v.SetDefault("bench.require_rank_order", false)

	v.SetDefault("transport.type", "local")
	v.SetDefault("transport.rank", 0)
	v.SetDefault("transport.compress", false)

	v.SetDefault("log.level", "info")
}
