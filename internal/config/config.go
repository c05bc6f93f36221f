// Package config loads the driver configuration from RING_* environment
// variables, optionally seeded from a .env file.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "RING"

type Configs struct {
	AppName  string `mapstructure:"app_name"`
	LogLevel string `mapstructure:"log_level"`

	Entries    uint          `mapstructure:"entries"`
	SQPoll     bool          `mapstructure:"sqpoll"`
	SQPollCPU  uint32        `mapstructure:"sqpoll_cpu"`
	SQPollIdle time.Duration `mapstructure:"sqpoll_idle"`

	Workers   int    `mapstructure:"workers"`
	Rounds    int    `mapstructure:"rounds"`
	BlockSize int    `mapstructure:"block_size"`
	File      string `mapstructure:"file"`
	Direct    bool   `mapstructure:"direct"`

	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	StatsdAddr     string `mapstructure:"statsd_addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "iouring-sqpoll")
	v.SetDefault("log_level", "INFO")

	v.SetDefault("entries", 1024)
	v.SetDefault("sqpoll", true)
	v.SetDefault("sqpoll_cpu", 0)
	v.SetDefault("sqpoll_idle", 60*time.Second)

	v.SetDefault("workers", 1)
	v.SetDefault("rounds", 10)
	v.SetDefault("block_size", 4096)
	v.SetDefault("file", "/tmp/iouring-sqpoll.out")
	v.SetDefault("direct", true)

	v.SetDefault("metrics_enabled", false)
	v.SetDefault("statsd_addr", "localhost:8125")
}

// InitEnv loads the given .env files, or ./.env when none are given. Missing
// files are not an error.
func InitEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}

	var present []string
	for _, file := range files {
		if _, err := os.Stat(file); err == nil {
			present = append(present, file)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return errors.Wrap(godotenv.Load(present...), "load env files")
}

// Load reads the configuration from the environment and validates it.
func Load() (*Configs, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Configs{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Configs) Validate() error {
	if cfg.Entries == 0 || cfg.Entries&(cfg.Entries-1) != 0 {
		return errors.Errorf("%s_ENTRIES must be a non-zero power of two, got %d", envPrefix, cfg.Entries)
	}
	if cfg.Workers <= 0 {
		return errors.Errorf("%s_WORKERS must be positive, got %d", envPrefix, cfg.Workers)
	}
	if uint(cfg.Workers) > cfg.Entries {
		return errors.Errorf("%s_WORKERS (%d) exceeds %s_ENTRIES (%d)", envPrefix, cfg.Workers, envPrefix, cfg.Entries)
	}
	if cfg.Rounds <= 0 {
		return errors.Errorf("%s_ROUNDS must be positive, got %d", envPrefix, cfg.Rounds)
	}
	if cfg.BlockSize <= 0 || cfg.BlockSize%512 != 0 {
		return errors.Errorf("%s_BLOCK_SIZE must be a positive multiple of 512, got %d", envPrefix, cfg.BlockSize)
	}
	if cfg.File == "" {
		return errors.Errorf("%s_FILE is not set", envPrefix)
	}
	return nil
}
