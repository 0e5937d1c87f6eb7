package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ControllerConfig contains all configuration for the job controller daemon.
type ControllerConfig struct {
	REST      RESTConfig      `mapstructure:"rest"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Job       JobConfig       `mapstructure:"job"`
	Committer CommitterConfig `mapstructure:"committer"`
	Uber      UberConfig      `mapstructure:"uber"`
	Nodes     NodesConfig     `mapstructure:"nodes"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown"`
	Staging   StagingConfig   `mapstructure:"staging"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RESTConfig contains REST API server configuration.
type RESTConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// GRPCConfig contains gRPC health server configuration.
type GRPCConfig struct {
	Addr             string        `mapstructure:"addr"`
	KeepaliveMinTime time.Duration `mapstructure:"keepalive_min_time"`
	EnableReflection bool          `mapstructure:"enable_reflection"`
}

// JobConfig contains job lifecycle policy.
type JobConfig struct {
	MaxMapAttempts         int           `mapstructure:"max_map_attempts"`
	MaxReduceAttempts      int           `mapstructure:"max_reduce_attempts"`
	FinishWhenReducersDone bool          `mapstructure:"finish_when_reducers_done"`
	FailWaitTimeout        time.Duration `mapstructure:"fail_wait_timeout"`
	MaxSplitMetaSize       int64         `mapstructure:"max_split_meta_size"`
	ACLsEnabled            bool          `mapstructure:"acls_enabled"`
}

// CommitterConfig selects and tunes the output commit protocol.
type CommitterConfig struct {
	AlgorithmVersion   int           `mapstructure:"algorithm_version"`
	TaskCleanup        bool          `mapstructure:"task_cleanup"`
	FailureAttempts    int           `mapstructure:"failure_attempts"`
	CancelTimeout      time.Duration `mapstructure:"cancel_timeout"`
	MarkSuccessfulJobs bool          `mapstructure:"mark_successful_jobs"`
}

// UberConfig bounds the in-controller execution decision.
type UberConfig struct {
	Enabled    bool  `mapstructure:"enabled"`
	MaxMaps    int   `mapstructure:"max_maps"`
	MaxReduces int   `mapstructure:"max_reduces"`
	MaxBytes   int64 `mapstructure:"max_bytes"`
}

// NodesConfig contains compute node health checking configuration.
type NodesConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	StaleTimeout  time.Duration `mapstructure:"stale_timeout"`
}

// ShutdownConfig contains shutdown hook execution configuration.
type ShutdownConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	TimeoutMin time.Duration `mapstructure:"timeout_min"`
}

// StagingConfig locates controller scratch space.
type StagingConfig struct {
	Dir string `mapstructure:"dir"`
}

// LoggingConfig selects the log level and output format for the controller
// daemon's slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadController loads the controller configuration from the given path.
// If configPath is empty, it looks for controller.yaml in the config/ directory.
// Environment variables with GRIDMR_CONTROLLER_ prefix override config file values.
func LoadController(configPath string) (*ControllerConfig, error) {
	v := viper.New()

	v.SetDefault("rest.addr", ":8080")
	v.SetDefault("rest.read_timeout", 15*time.Second)
	v.SetDefault("rest.write_timeout", 15*time.Second)
	v.SetDefault("rest.idle_timeout", 60*time.Second)
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("grpc.keepalive_min_time", 30*time.Second)
	v.SetDefault("grpc.enable_reflection", false)
	v.SetDefault("job.max_map_attempts", 4)
	v.SetDefault("job.max_reduce_attempts", 4)
	v.SetDefault("job.finish_when_reducers_done", true)
	v.SetDefault("job.fail_wait_timeout", 60*time.Second)
	v.SetDefault("job.max_split_meta_size", int64(10_000_000))
	v.SetDefault("job.acls_enabled", false)
	v.SetDefault("committer.algorithm_version", 1)
	v.SetDefault("committer.task_cleanup", false)
	v.SetDefault("committer.failure_attempts", 1)
	v.SetDefault("committer.cancel_timeout", 60*time.Second)
	v.SetDefault("committer.mark_successful_jobs", true)
	v.SetDefault("uber.enabled", false)
	v.SetDefault("uber.max_maps", 9)
	v.SetDefault("uber.max_reduces", 1)
	v.SetDefault("uber.max_bytes", int64(64*1024*1024))
	v.SetDefault("nodes.check_interval", 5*time.Second)
	v.SetDefault("nodes.stale_timeout", 15*time.Second)
	v.SetDefault("shutdown.timeout", 30*time.Second)
	v.SetDefault("shutdown.timeout_min", time.Second)
	v.SetDefault("staging.dir", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("controller")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("GRIDMR_CONTROLLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg ControllerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}
