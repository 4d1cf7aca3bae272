package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultConfigDir  = ".skillscan"
	DefaultConfigFile = "config.json"
	DefaultDBFile     = ".skillscan/skillscan.db"
)

// Load reads the config file (if present) and returns a populated Config.
// Environment variables override file values; REPETITION_PENALTY and
// GITHUB_TOKEN are bound explicitly so the scanner can run file-less.
func Load(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Flat env names kept for parity with the deployment environment.
	_ = v.BindEnv("knowledge.repetition_penalty", "REPETITION_PENALTY")
	_ = v.BindEnv("github.token", "GITHUB_TOKEN")
	_ = v.BindEnv("store.redis_addr", "REDIS_ADDR")
	_ = v.BindEnv("database.dsn", "DATABASE_DSN")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(home, DefaultConfigDir))
	}

	setDefaults(v, home)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errorsAs(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// No config file yet; defaults + env carry the run.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	expandPaths(&cfg, home)
	return &cfg, nil
}

// Save writes the config to disk as JSON.
func Save(cfg *Config, configPath string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}

	if configPath == "" {
		configPath = filepath.Join(home, DefaultConfigDir, DefaultConfigFile)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("serialising config: %w", err)
	}

	return os.WriteFile(configPath, data, 0o600)
}

func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("github.min_delay_millis", 750)
	v.SetDefault("github.max_retries", 3)

	v.SetDefault("clone.tmpfs_dir", "/dev/shm/skillscan")
	v.SetDefault("clone.fs_dir", filepath.Join(os.TempDir(), "skillscan"))
	v.SetDefault("clone.tmpfs_cutoff_bytes", int64(256<<20))

	v.SetDefault("knowledge.repetition_penalty", 20.0)
	v.SetDefault("knowledge.depth", 2)

	v.SetDefault("store.redis_addr", "localhost:6379")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(home, DefaultDBFile))

	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 25252)
	v.SetDefault("server.parallel", true)
	v.SetDefault("server.workers", 0)
	v.SetDefault("server.worker_idle_timeout_secs", 5)
	v.SetDefault("server.memoized", true)
	v.SetDefault("server.memo_cache_size", 0)

	v.SetDefault("parsers.python", []map[string]any{
		{"host": "python_parser", "port": 25252, "timeout_secs": 60},
		{"host": "python_2_parser", "port": 25253, "timeout_secs": 60},
	})
	v.SetDefault("parsers.python_impact", map[string]any{
		"host": "python_impact", "port": 25000, "timeout_secs": 3,
	})
	v.SetDefault("parsers.javascript", []map[string]any{
		{"host": "javascript_parser", "port": 7777, "timeout_secs": 120},
	})
	v.SetDefault("parsers.javascript_impact", map[string]any{
		"host": "javascript_impact", "port": 9999, "timeout_secs": 20,
	})

	v.SetDefault("agent.cron_spec", "@daily")
	v.SetDefault("agent.metrics_port", 0)
	v.SetDefault("agent.watchdog_secs", 360)
}

// expandPaths resolves ~ in configured paths.
func expandPaths(cfg *Config, home string) {
	cfg.Database.Path = expandHome(cfg.Database.Path, home)
	cfg.Clone.TmpfsDir = expandHome(cfg.Clone.TmpfsDir, home)
	cfg.Clone.FsDir = expandHome(cfg.Clone.FsDir, home)
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}
