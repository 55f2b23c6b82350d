// Package config loads imgsync settings from a config file, environment
// variables and built-in defaults.
//
// Files named imgsync.yaml (or .json, .toml) are searched in the working
// directory and in $HOME/.config/imgsync unless an explicit path is given.
// Every key can be overridden with an IMGSYNC_ environment variable, where
// dots become underscores: IMGSYNC_BATCH_UPDATE_SIZE=200.
//
// The keys local_image_dir, sheet_name, cache_file and bucket_name are read
// as-is from older config.json files.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/portfolio-tools/imgsync/internal/cache"
	"github.com/portfolio-tools/imgsync/internal/daemon"
	"github.com/portfolio-tools/imgsync/internal/organize"
	"github.com/portfolio-tools/imgsync/internal/retry"
	"github.com/portfolio-tools/imgsync/internal/storage"
	imgsync "github.com/portfolio-tools/imgsync/internal/sync"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "IMGSYNC"

// Config is the complete imgsync configuration.
type Config struct {
	// File is the config file that was read, if any.
	File string `mapstructure:"-" yaml:"-"`

	ImageDir       string   `mapstructure:"local_image_dir" yaml:"local_image_dir"`
	Extensions     []string `mapstructure:"extensions" yaml:"extensions,omitempty"`
	SheetStore     string   `mapstructure:"sheet_store" yaml:"sheet_store"`
	SheetName      string   `mapstructure:"sheet_name" yaml:"sheet_name"`
	CacheFile      string   `mapstructure:"cache_file" yaml:"cache_file"`
	CacheLimit     int      `mapstructure:"cache_limit" yaml:"cache_limit,omitempty"`
	FailedFile     string   `mapstructure:"failed_files" yaml:"failed_files,omitempty"`
	CategoriesFile string   `mapstructure:"categories_file" yaml:"categories_file,omitempty"`

	Storage storage.Config `mapstructure:"storage" yaml:"storage"`
	Upload  RetryConfig    `mapstructure:"upload" yaml:"upload,omitempty"`
	Batch   BatchConfig    `mapstructure:"batch" yaml:"batch,omitempty"`
	Watch   WatchConfig    `mapstructure:"watch" yaml:"watch,omitempty"`
	Export  ExportConfig   `mapstructure:"export" yaml:"export,omitempty"`
	Log     LogConfig      `mapstructure:"log" yaml:"log,omitempty"`
}

// RetryConfig is the file form of a retry.Policy.
type RetryConfig struct {
	Attempts   int           `mapstructure:"attempts" yaml:"attempts"`
	Initial    time.Duration `mapstructure:"initial" yaml:"initial"`
	Multiplier float64       `mapstructure:"multiplier" yaml:"multiplier"`
}

// Policy returns the retry policy named name.
func (r RetryConfig) Policy(name string) retry.Policy {
	return retry.Policy{
		Name:        name,
		MaxAttempts: r.Attempts,
		Initial:     r.Initial,
		Multiplier:  r.Multiplier,
	}
}

// BatchConfig controls how sheet writes are batched and paced.
type BatchConfig struct {
	UpdateSize     int           `mapstructure:"update_size" yaml:"update_size"`
	UpdatePause    time.Duration `mapstructure:"update_pause" yaml:"update_pause"`
	UpdateRetry    RetryConfig   `mapstructure:"update_retry" yaml:"update_retry"`
	AppendSize     int           `mapstructure:"append_size" yaml:"append_size"`
	AppendPause    time.Duration `mapstructure:"append_pause" yaml:"append_pause"`
	AppendRetry    RetryConfig   `mapstructure:"append_retry" yaml:"append_retry"`
	RowPause       time.Duration `mapstructure:"row_pause" yaml:"row_pause"`
	Settle         time.Duration `mapstructure:"settle" yaml:"settle"`
	ThumbnailSize  int           `mapstructure:"thumbnail_size" yaml:"thumbnail_size"`
	ThumbnailPause time.Duration `mapstructure:"thumbnail_pause" yaml:"thumbnail_pause"`
	ClearNewSize   int           `mapstructure:"clear_new_size" yaml:"clear_new_size"`
	ClearNewPause  time.Duration `mapstructure:"clear_new_pause" yaml:"clear_new_pause"`
}

// WatchConfig controls watch mode.
type WatchConfig struct {
	Debounce  time.Duration `mapstructure:"debounce" yaml:"debounce"`
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
	Dashboard string        `mapstructure:"dashboard" yaml:"dashboard,omitempty"`
}

// ExportConfig controls the gallery export.
type ExportConfig struct {
	Output string `mapstructure:"output" yaml:"output"`
}

// Default returns the built-in configuration.
func Default() *Config {
	exec := imgsync.DefaultExecutorConfig()
	upload := imgsync.DefaultUploadRetry()
	return &Config{
		ImageDir:       "images",
		Extensions:     organize.DefaultExtensions,
		SheetStore:     "portfolio.db",
		SheetName:      "Portfolio",
		CacheFile:      "image_processing_cache.json",
		CacheLimit:     1000,
		FailedFile:     "failed_files.json",
		CategoriesFile: "config/categories.json",
		Storage: storage.Config{
			Backend: storage.BackendDir,
			Dir:     "public",
		},
		Upload: retryConfig(upload),
		Batch: BatchConfig{
			UpdateSize:     exec.UpdateBatch,
			UpdatePause:    exec.UpdatePause,
			UpdateRetry:    retryConfig(exec.UpdateRetry),
			AppendSize:     exec.AppendBatch,
			AppendPause:    exec.AppendPause,
			AppendRetry:    retryConfig(exec.AppendRetry),
			RowPause:       exec.RowPause,
			Settle:         exec.Settle,
			ThumbnailSize:  exec.ThumbnailBatch,
			ThumbnailPause: exec.ThumbnailPause,
			ClearNewSize:   exec.ClearNewBatch,
			ClearNewPause:  exec.ClearNewPause,
		},
		Watch: WatchConfig{
			Debounce: 2 * time.Second,
			Interval: 15 * time.Minute,
		},
		Export: ExportConfig{Output: "data/gallery_data.json"},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func retryConfig(p retry.Policy) RetryConfig {
	return RetryConfig{Attempts: p.MaxAttempts, Initial: p.Initial, Multiplier: p.Multiplier}
}

// setDefaults registers every key so that environment overrides apply to
// nested keys too.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("local_image_dir", d.ImageDir)
	v.SetDefault("extensions", d.Extensions)
	v.SetDefault("sheet_store", d.SheetStore)
	v.SetDefault("sheet_name", d.SheetName)
	v.SetDefault("cache_file", d.CacheFile)
	v.SetDefault("cache_limit", d.CacheLimit)
	v.SetDefault("failed_files", d.FailedFile)
	v.SetDefault("categories_file", d.CategoriesFile)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.prefix", d.Storage.Prefix)
	v.SetDefault("storage.public_base_url", d.Storage.PublicBaseURL)
	v.SetDefault("storage.dir", d.Storage.Dir)
	v.SetDefault("storage.bucket", d.Storage.Bucket)
	v.SetDefault("storage.region", d.Storage.Region)
	v.SetDefault("storage.endpoint", d.Storage.Endpoint)
	v.SetDefault("storage.path_style", d.Storage.PathStyle)
	v.SetDefault("storage.remote", d.Storage.Remote)

	setRetryDefaults(v, "upload", d.Upload)

	v.SetDefault("batch.update_size", d.Batch.UpdateSize)
	v.SetDefault("batch.update_pause", d.Batch.UpdatePause)
	setRetryDefaults(v, "batch.update_retry", d.Batch.UpdateRetry)
	v.SetDefault("batch.append_size", d.Batch.AppendSize)
	v.SetDefault("batch.append_pause", d.Batch.AppendPause)
	setRetryDefaults(v, "batch.append_retry", d.Batch.AppendRetry)
	v.SetDefault("batch.row_pause", d.Batch.RowPause)
	v.SetDefault("batch.settle", d.Batch.Settle)
	v.SetDefault("batch.thumbnail_size", d.Batch.ThumbnailSize)
	v.SetDefault("batch.thumbnail_pause", d.Batch.ThumbnailPause)
	v.SetDefault("batch.clear_new_size", d.Batch.ClearNewSize)
	v.SetDefault("batch.clear_new_pause", d.Batch.ClearNewPause)

	v.SetDefault("watch.debounce", d.Watch.Debounce)
	v.SetDefault("watch.interval", d.Watch.Interval)
	v.SetDefault("watch.dashboard", d.Watch.Dashboard)

	v.SetDefault("export.output", d.Export.Output)

	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
}

func setRetryDefaults(v *viper.Viper, prefix string, r RetryConfig) {
	v.SetDefault(prefix+".attempts", r.Attempts)
	v.SetDefault(prefix+".initial", r.Initial)
	v.SetDefault(prefix+".multiplier", r.Multiplier)
}

// legacyKeys maps keys of older config files to their current location.
var legacyKeys = map[string]string{
	"bucket_name": "storage.bucket",
}

// Load reads the configuration. An empty path searches the default
// locations and falls back to defaults when no file exists; an explicit
// path must exist. Relative paths in the file are resolved against the
// file's directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("imgsync")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "imgsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	for legacy, key := range legacyKeys {
		if v.IsSet(legacy) && v.GetString(key) == "" {
			v.Set(key, v.Get(legacy))
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	base := "."
	if used := v.ConfigFileUsed(); used != "" {
		cfg.File = used
		base = filepath.Dir(used)
	}
	cfg.resolvePaths(base)
	return cfg, nil
}

func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{
		&c.ImageDir, &c.SheetStore, &c.CacheFile, &c.FailedFile,
		&c.CategoriesFile, &c.Export.Output, &c.Log.File, &c.Storage.Dir,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// Validate reports every problem found, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.ImageDir != "", "local_image_dir is required")
	check(c.SheetStore != "", "sheet_store is required")
	check(c.SheetName != "", "sheet_name is required")
	check(c.CacheFile != "", "cache_file is required")
	check(c.FailedFile != "", "failed_files is required")
	check(c.CacheLimit >= 0, "cache_limit must not be negative")
	check(c.Upload.Attempts >= 1, "upload.attempts must be at least 1")
	check(c.Batch.UpdateSize >= 1, "batch.update_size must be at least 1")
	check(c.Batch.AppendSize >= 1, "batch.append_size must be at least 1")
	check(c.Batch.ThumbnailSize >= 1, "batch.thumbnail_size must be at least 1")
	check(c.Batch.ClearNewSize >= 1, "batch.clear_new_size must be at least 1")
	check(c.Batch.UpdateRetry.Attempts >= 1, "batch.update_retry.attempts must be at least 1")
	check(c.Batch.AppendRetry.Attempts >= 1, "batch.append_retry.attempts must be at least 1")
	check(c.Watch.Debounce > 0, "watch.debounce must be positive")

	switch c.Storage.Backend {
	case storage.BackendDir:
		check(c.Storage.Dir != "", "storage.dir is required for the dir backend")
	case storage.BackendS3:
		check(c.Storage.Bucket != "", "storage.bucket is required for the s3 backend")
	case storage.BackendRclone:
		check(c.Storage.Remote != "", "storage.remote is required for the rclone backend")
	default:
		problems = append(problems, fmt.Sprintf("unknown storage.backend %q", c.Storage.Backend))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// LockPath is the file locked for the duration of a run.
func (c *Config) LockPath() string {
	return c.CacheFile + ".lock"
}

// Cache returns the cache settings.
func (c *Config) Cache(logger *log.Logger) cache.Config {
	cc := cache.DefaultConfig(c.CacheFile)
	cc.Limit = c.CacheLimit
	cc.Logger = logger
	return cc
}

// StorageConfig returns the object store settings.
func (c *Config) StorageConfig(logger *log.Logger) storage.Config {
	sc := c.Storage
	sc.Logger = logger
	return sc
}

// Engine returns the sync engine settings.
func (c *Config) Engine(logger *log.Logger) imgsync.Config {
	ec := imgsync.DefaultConfig(c.ImageDir)
	ec.Extensions = c.Extensions
	ec.SheetName = c.SheetName
	ec.KeyPrefix = c.Storage.Prefix
	ec.LockPath = c.LockPath()
	ec.Logger = logger

	upload := c.Upload.Policy("upload")
	upload.Retryable = storage.Retryable
	ec.Upload = upload

	ec.Executor = imgsync.ExecutorConfig{
		UpdateBatch:    c.Batch.UpdateSize,
		UpdatePause:    c.Batch.UpdatePause,
		UpdateRetry:    c.Batch.UpdateRetry.Policy("update cells"),
		AppendBatch:    c.Batch.AppendSize,
		AppendPause:    c.Batch.AppendPause,
		AppendRetry:    c.Batch.AppendRetry.Policy("append rows"),
		RowPause:       c.Batch.RowPause,
		Settle:         c.Batch.Settle,
		ThumbnailBatch: c.Batch.ThumbnailSize,
		ThumbnailPause: c.Batch.ThumbnailPause,
		ClearNewBatch:  c.Batch.ClearNewSize,
		ClearNewPause:  c.Batch.ClearNewPause,
		Logger:         logger,
	}
	return ec
}

// Daemon returns the watch mode settings.
func (c *Config) Daemon(logger *log.Logger) *daemon.Config {
	return &daemon.Config{
		DebounceInterval: c.Watch.Debounce,
		RescanInterval:   c.Watch.Interval,
		Extensions:       c.Extensions,
		Logger:           logger,
	}
}
