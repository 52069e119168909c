package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Config struct {
	Port    string `mapstructure:"port" yaml:"port"`
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	Queue    QueueConfig    `mapstructure:"queue" yaml:"queue"`
	Snapshot SnapshotConfig `mapstructure:"snapshot" yaml:"snapshot"`
	Locator  LocatorConfig  `mapstructure:"locator" yaml:"locator"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`

	path string
	v    *viper.Viper
}

type QueueConfig struct {
	MaxConcurrent    int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	ChunkSize        int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval"`
	ResolveTimeout   time.Duration `mapstructure:"resolve_timeout" yaml:"resolve_timeout"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
}

type SnapshotConfig struct {
	Interval      time.Duration `mapstructure:"interval" yaml:"interval"`
	Backend       string        `mapstructure:"backend" yaml:"backend"`
	PostgresDSN   string        `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
	RedisAddr     string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password" yaml:"redis_password"`
	RedisKey      string        `mapstructure:"redis_key" yaml:"redis_key"`
}

type LocatorConfig struct {
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	Bitrate   int    `mapstructure:"bitrate" yaml:"bitrate"`
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
}

type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	BlobDir    string `mapstructure:"blob_dir" yaml:"blob_dir"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("queue.max_concurrent", 3)
	v.SetDefault("queue.chunk_size", 32*1024)
	v.SetDefault("queue.progress_interval", 250*time.Millisecond)
	v.SetDefault("queue.resolve_timeout", 8*time.Second)
	v.SetDefault("queue.open_timeout", 8*time.Second)
	v.SetDefault("snapshot.interval", 10*time.Second)
	v.SetDefault("snapshot.backend", BackendSQLite)
	v.SetDefault("snapshot.postgres_dsn", "")
	v.SetDefault("snapshot.redis_addr", "")
	v.SetDefault("snapshot.redis_password", "")
	v.SetDefault("snapshot.redis_key", "songq:downloads")
	v.SetDefault("locator.base_url", "https://music-api.gdstudio.xyz/api.php")
	v.SetDefault("locator.bitrate", 320000)
	v.SetDefault("locator.user_agent", "songq/1.0")
	v.SetDefault("store.sqlite_path", "./data/songq.db")
	v.SetDefault("store.blob_dir", "./data/library")
	v.SetDefault("log.path", "songq.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
}

// Load reads the YAML file at path. A missing default config.yaml is not an
// error: defaults and SONGQ_* environment variables are used instead.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		switch {
		case explicit:
			return nil, fmt.Errorf("config file not found: %s", path)
		default:
			// Docker images mount the config under /config
			if _, errEx := os.Stat("/config/config.yaml"); errEx == nil {
				path = "/config/config.yaml"
			} else {
				path = ""
			}
		}
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// Support Environment Variables
	v.SetEnvPrefix("SONGQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg.path = path
	cfg.v = v
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path is the config file in use, empty when running on defaults.
func (c *Config) Path() string { return c.path }

// LockPath is the file guarding against two daemons sharing a data dir.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "songq.lock")
}

func (c *Config) validate() error {
	if c.Queue.MaxConcurrent < 1 {
		c.Queue.MaxConcurrent = 3
	}
	if c.Queue.ChunkSize <= 0 {
		c.Queue.ChunkSize = 32 * 1024
	}
	if c.Queue.ProgressInterval <= 0 {
		c.Queue.ProgressInterval = 250 * time.Millisecond
	}
	if c.Queue.ResolveTimeout <= 0 {
		c.Queue.ResolveTimeout = 8 * time.Second
	}
	if c.Queue.OpenTimeout <= 0 {
		c.Queue.OpenTimeout = 8 * time.Second
	}
	if c.Snapshot.Interval <= 0 {
		c.Snapshot.Interval = 10 * time.Second
	}

	c.Snapshot.Backend = strings.ToLower(strings.TrimSpace(c.Snapshot.Backend))
	switch c.Snapshot.Backend {
	case "", BackendSQLite:
		c.Snapshot.Backend = BackendSQLite
	case BackendPostgres:
		if c.Snapshot.PostgresDSN == "" {
			return errors.New("snapshot.postgres_dsn is required for the postgres backend")
		}
	case BackendRedis:
		if c.Snapshot.RedisAddr == "" {
			return errors.New("snapshot.redis_addr is required for the redis backend")
		}
		if c.Snapshot.RedisKey == "" {
			c.Snapshot.RedisKey = "songq:downloads"
		}
	default:
		return fmt.Errorf("unknown snapshot backend %q", c.Snapshot.Backend)
	}

	if c.Locator.BaseURL == "" {
		return errors.New("locator.base_url is required")
	}

	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	return nil
}

// Watch re-reads the config file on change and hands the new queue ceiling
// to apply. Invalid edits are reported through onErr and otherwise ignored.
func (c *Config) Watch(apply func(maxConcurrent int), onErr func(error)) {
	if c.v == nil || c.path == "" {
		return
	}

	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		n := c.v.GetInt("queue.max_concurrent")
		if n < 1 {
			if onErr != nil {
				onErr(fmt.Errorf("ignoring queue.max_concurrent=%d from %s: must be at least 1", n, e.Name))
			}
			return
		}
		apply(n)
	})
	c.v.WatchConfig()
}
