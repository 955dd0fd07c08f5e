// Package config loads cache configuration from YAML files and environment variables.
package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/cyverse/imagecache/decode"
	"github.com/cyverse/imagecache/irods"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix of environment variables overriding config values
	EnvPrefix string = "IMAGECACHE_"

	CacheDirNameDefault         string        = "imagecache"
	FilesDirNameDefault         string        = "images"
	IndexFileNameDefault        string        = "index.jsonl"
	MaxMemoryEntriesDefault     int           = 256
	IndexWorkersDefault         int           = 1
	DecodeWorkersDefault        int           = 4
	UtilityWorkersDefault       int           = 1
	HousekeepingIntervalDefault time.Duration = 10 * time.Minute
	HTTPTimeoutDefault          time.Duration = 60 * time.Second
	UserAgentDefault            string        = "imagecache"
	IRODSChunkSizeDefault       int           = 1024 * 1024
	LogLevelDefault             string        = "info"
)

// Config holds the cache configuration
type Config struct {
	BaseDir       string `yaml:"base_dir" env:"BASE_DIR"`
	CacheDirName  string `yaml:"cache_dir_name" env:"CACHE_DIR_NAME"`
	FilesDirName  string `yaml:"files_dir_name" env:"FILES_DIR_NAME"`
	IndexFileName string `yaml:"index_file_name" env:"INDEX_FILE_NAME"`

	// DefaultExpireAfter applies to stored images without their own expiry, 0 = never expire
	DefaultExpireAfter time.Duration `yaml:"default_expire_after" env:"DEFAULT_EXPIRE_AFTER"`

	MaxMemoryEntries int `yaml:"max_memory_entries" env:"MAX_MEMORY_ENTRIES"`
	// MemoryTTL bounds the age of in-memory images, 0 = recency bound only
	MemoryTTL time.Duration `yaml:"memory_ttl" env:"MEMORY_TTL"`

	MaxPixelWidth  int `yaml:"max_pixel_width" env:"MAX_PIXEL_WIDTH"`
	MaxPixelHeight int `yaml:"max_pixel_height" env:"MAX_PIXEL_HEIGHT"`

	IndexWorkers         int           `yaml:"index_workers" env:"INDEX_WORKERS"`
	DecodeWorkers        int           `yaml:"decode_workers" env:"DECODE_WORKERS"`
	UtilityWorkers       int           `yaml:"utility_workers" env:"UTILITY_WORKERS"`
	HousekeepingInterval time.Duration `yaml:"housekeeping_interval" env:"HOUSEKEEPING_INTERVAL"`

	HTTPTimeout    time.Duration       `yaml:"http_timeout" env:"HTTP_TIMEOUT"`
	UserAgent      string              `yaml:"user_agent" env:"USER_AGENT"`
	IRODSChunkSize int                 `yaml:"irods_chunk_size" env:"IRODS_CHUNK_SIZE"`
	IRODS          irods.AccountConfig `yaml:"irods" envPrefix:"IRODS_"`

	LogLevel       string `yaml:"log_level" env:"LOG_LEVEL"`
	LogJSON        bool   `yaml:"log_json" env:"LOG_JSON"`
	MetricsAddress string `yaml:"metrics_address" env:"METRICS_ADDRESS"`
}

// GetDefaultBaseDir returns the user cache dir, or the temp dir if unavailable
func GetDefaultBaseDir() string {
	dir, err := os.UserCacheDir()
	if err != nil || len(dir) == 0 {
		return os.TempDir()
	}
	return dir
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		BaseDir:       GetDefaultBaseDir(),
		CacheDirName:  CacheDirNameDefault,
		FilesDirName:  FilesDirNameDefault,
		IndexFileName: IndexFileNameDefault,

		DefaultExpireAfter: 0,

		MaxMemoryEntries: MaxMemoryEntriesDefault,
		MemoryTTL:        0,

		IndexWorkers:         IndexWorkersDefault,
		DecodeWorkers:        DecodeWorkersDefault,
		UtilityWorkers:       UtilityWorkersDefault,
		HousekeepingInterval: HousekeepingIntervalDefault,

		HTTPTimeout:    HTTPTimeoutDefault,
		UserAgent:      UserAgentDefault,
		IRODSChunkSize: IRODSChunkSizeDefault,
		IRODS: irods.AccountConfig{
			Port: 1247,
		},

		LogLevel: LogLevelDefault,
		LogJSON:  false,
	}
}

// Load returns the defaults overridden by the YAML file at configPath (optional) and then by environment variables
func Load(configPath string) (*Config, error) {
	config := Default()

	if len(configPath) > 0 {
		err := config.LoadFile(configPath)
		if err != nil {
			return nil, err
		}
	}

	err := config.LoadEnv()
	if err != nil {
		return nil, err
	}

	return config, nil
}

// LoadFile overrides config values with the YAML file at configPath. A missing file is not an error.
func (config *Config) LoadFile(configPath string) error {
	logger := log.WithFields(log.Fields{
		"package":  "config",
		"struct":   "Config",
		"function": "LoadFile",
	})

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debugf("config file %s does not exist, using defaults", configPath)
			return nil
		}
		return xerrors.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	return config.LoadYAML(data)
}

// LoadYAML overrides config values with the given YAML document
func (config *Config) LoadYAML(data []byte) error {
	err := yaml.Unmarshal(data, config)
	if err != nil {
		return xerrors.Errorf("failed to parse config yaml: %w", err)
	}
	return nil
}

// LoadEnv overrides config values with IMAGECACHE_* environment variables
func (config *Config) LoadEnv() error {
	err := env.ParseWithOptions(config, env.Options{
		Prefix: EnvPrefix,
	})
	if err != nil {
		return xerrors.Errorf("failed to parse environment variables: %w", err)
	}
	return nil
}

// GetCacheDirPath returns the directory holding the index and the files directory
func (config *Config) GetCacheDirPath() string {
	return filepath.Join(config.BaseDir, config.CacheDirName)
}

// GetFilesDirPath returns the directory holding stored images
func (config *Config) GetFilesDirPath() string {
	return filepath.Join(config.GetCacheDirPath(), config.FilesDirName)
}

// GetIndexFilePath returns the path of the index file
func (config *Config) GetIndexFilePath() string {
	return filepath.Join(config.GetCacheDirPath(), config.IndexFileName)
}

// GetMaxPixelSize returns the decode bound, a zero dimension is unbounded
func (config *Config) GetMaxPixelSize() decode.Size {
	return decode.Size{
		Width:  config.MaxPixelWidth,
		Height: config.MaxPixelHeight,
	}
}

// GetLogLevel parses the log level
func (config *Config) GetLogLevel() (log.Level, error) {
	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		return log.InfoLevel, xerrors.Errorf("failed to parse log level %q: %w", config.LogLevel, err)
	}
	return level, nil
}

// Validate validates field values
func (config *Config) Validate() error {
	if len(config.BaseDir) == 0 {
		return xerrors.Errorf("base dir is not given")
	}

	for name, value := range map[string]string{
		"cache dir name":  config.CacheDirName,
		"files dir name":  config.FilesDirName,
		"index file name": config.IndexFileName,
	} {
		if len(value) == 0 {
			return xerrors.Errorf("%s is not given", name)
		}

		if filepath.Base(value) != value {
			return xerrors.Errorf("%s %q must be a single path element", name, value)
		}
	}

	if config.DefaultExpireAfter < 0 {
		return xerrors.Errorf("default expire after must not be negative")
	}

	if config.MaxMemoryEntries <= 0 {
		return xerrors.Errorf("max memory entries must be positive")
	}

	if config.MemoryTTL < 0 {
		return xerrors.Errorf("memory ttl must not be negative")
	}

	if config.MaxPixelWidth < 0 || config.MaxPixelHeight < 0 {
		return xerrors.Errorf("max pixel size must not be negative")
	}

	if config.IndexWorkers <= 0 || config.DecodeWorkers <= 0 || config.UtilityWorkers <= 0 {
		return xerrors.Errorf("worker counts must be positive")
	}

	if config.HousekeepingInterval < 0 {
		return xerrors.Errorf("housekeeping interval must not be negative")
	}

	if config.HTTPTimeout <= 0 {
		return xerrors.Errorf("http timeout must be positive")
	}

	if config.IRODSChunkSize <= 0 {
		return xerrors.Errorf("irods chunk size must be positive")
	}

	if config.IRODS.IsConfigured() {
		if err := config.IRODS.Validate(); err != nil {
			return xerrors.Errorf("invalid irods account: %w", err)
		}
	}

	if _, err := config.GetLogLevel(); err != nil {
		return err
	}

	return nil
}
