package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SelimCelen/dataflowhub/internal/artifacts"
)

const (
	SchedulerLocal = "local"
	SchedulerRedis = "redis"
)

type ServerConfig struct {
	Port         string        `yaml:"port" bson:"port"`
	MongoURI     string        `yaml:"mongo_uri" bson:"mongo_uri"`
	DatabaseName string        `yaml:"database_name" bson:"database_name"`
	JSTimeout    time.Duration `yaml:"js_timeout" bson:"js_timeout"`
	MaxParallel  int           `yaml:"max_parallel" bson:"max_parallel"` // inline executions in flight

	DataDir      string `yaml:"data_dir" bson:"data_dir"`
	PipelinesDir string `yaml:"pipelines_dir" bson:"pipelines_dir"`
	ScriptsDir   string `yaml:"scripts_dir" bson:"scripts_dir"`
	CacheDir     string `yaml:"cache_dir" bson:"cache_dir"`
	SQLiteDir    string `yaml:"sqlite_dir" bson:"sqlite_dir"`
	WatchFiles   bool   `yaml:"watch_files" bson:"watch_files"`

	Scheduler         string `yaml:"scheduler" bson:"scheduler"`
	RedisAddr         string `yaml:"redis_addr" bson:"redis_addr"`
	RedisPrefix       string `yaml:"redis_prefix" bson:"redis_prefix"`
	RedisWorkers      bool   `yaml:"redis_workers" bson:"redis_workers"`
	SchedulerParallel int    `yaml:"scheduler_parallel" bson:"scheduler_parallel"`

	DefaultServingFilling bool `yaml:"default_serving_filling" bson:"default_serving_filling"`

	LogLevel    string `yaml:"log_level" bson:"log_level"`
	Development bool   `yaml:"development" bson:"development"`

	MinIO artifacts.Config `yaml:"minio" bson:"minio"`
}

func DefaultConfig() ServerConfig {
	return ServerConfig{
		Port:                  "8080",
		DatabaseName:          "dataflowhub",
		JSTimeout:             5 * time.Second,
		MaxParallel:           10,
		DataDir:               "data",
		PipelinesDir:          "pipelines",
		ScriptsDir:            "operators",
		WatchFiles:            true,
		Scheduler:             SchedulerLocal,
		RedisAddr:             "localhost:6379",
		RedisWorkers:          true,
		SchedulerParallel:     1,
		DefaultServingFilling: true,
		LogLevel:              "info",
	}
}

// LoadConfig layers struct defaults, the YAML file at path (when present)
// and environment overrides.
func LoadConfig(path string) (ServerConfig, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	applyEnv(&cfg)
	cfg.fillPaths()
	if cfg.Scheduler != SchedulerLocal && cfg.Scheduler != SchedulerRedis {
		return cfg, fmt.Errorf("unknown scheduler %q", cfg.Scheduler)
	}
	if cfg.MinIO.Enabled() {
		if err := cfg.MinIO.Validate(); err != nil {
			return cfg, fmt.Errorf("minio: %w", err)
		}
	}
	return cfg, nil
}

func applyEnv(cfg *ServerConfig) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("SERVER_PORT", &cfg.Port)
	str("MONGO_URI", &cfg.MongoURI)
	str("DB_NAME", &cfg.DatabaseName)
	if timeout := os.Getenv("JS_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.JSTimeout = d
		}
	}
	if maxParallel := os.Getenv("MAX_PARALLEL"); maxParallel != "" {
		var val int
		n, err := fmt.Sscanf(maxParallel, "%d", &val)
		if n == 1 && err == nil && val >= 1 {
			cfg.MaxParallel = val
		}
	}
	str("DATA_DIR", &cfg.DataDir)
	str("PIPELINES_DIR", &cfg.PipelinesDir)
	str("SCRIPTS_DIR", &cfg.ScriptsDir)
	str("CACHE_DIR", &cfg.CacheDir)
	str("SQLITE_DB_DIR", &cfg.SQLiteDir)
	str("SCHEDULER", &cfg.Scheduler)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PREFIX", &cfg.RedisPrefix)
	boolean("DEFAULT_SERVING_FILLING", &cfg.DefaultServingFilling)
	boolean("WATCH_FILES", &cfg.WatchFiles)
	str("LOG_LEVEL", &cfg.LogLevel)
	boolean("DEVELOPMENT", &cfg.Development)

	str("MINIO_ENDPOINT", &cfg.MinIO.Endpoint)
	str("MINIO_ACCESS_KEY", &cfg.MinIO.AccessKey)
	str("MINIO_SECRET_KEY", &cfg.MinIO.SecretKey)
	str("MINIO_REGION", &cfg.MinIO.Region)
	str("MINIO_BUCKET", &cfg.MinIO.Bucket)
	boolean("MINIO_USE_SSL", &cfg.MinIO.UseSSL)
}

// fillPaths derives the directories left empty from DataDir.
func (c *ServerConfig) fillPaths() {
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.DataDir, "cache")
	}
	if c.SQLiteDir == "" {
		c.SQLiteDir = filepath.Join(c.DataDir, "text2sql_dbs")
	}
	if c.SchedulerParallel < 1 {
		c.SchedulerParallel = 1
	}
}

// DataFile returns the path of a registry document under DataDir.
func (c ServerConfig) DataFile(name string) string {
	return filepath.Join(c.DataDir, name)
}
