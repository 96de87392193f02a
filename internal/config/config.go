package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "quarry.db"
	defaultSourceDriver  = "sqlite"
	defaultSourceDSN     = "source.db"
	defaultMaxAsyncAfter = 10 * time.Second

	envConfigFile = "QUARRY_CONFIG"
	envListenAddr = "QUARRY_LISTEN_ADDR"
	envDBPath     = "QUARRY_DB_PATH"
	envLogLevel   = "QUARRY_LOG_LEVEL"
)

// Config holds application configuration. Values come from defaults, then
// the YAML file named by QUARRY_CONFIG, then QUARRY_* environment variables.
type Config struct {
	ListenAddr    string        `yaml:"listen_addr"`
	DBPath        string        `yaml:"db_path"`
	LogLevelName  string        `yaml:"log_level"`
	LogLevel      slog.Level    `yaml:"-"`
	MaxAsyncAfter time.Duration `yaml:"max_async_after"`

	Source    SourceConfig    `yaml:"source"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Query     QueryConfig     `yaml:"query"`
	Export    ExportConfig    `yaml:"export"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Storage   StorageConfig   `yaml:"storage"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type SourceConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type ExecutorConfig struct {
	ExecuteWorkers int           `yaml:"execute_workers"`
	ExecuteBacklog int           `yaml:"execute_backlog"`
	UpdateWorkers  int           `yaml:"update_workers"`
	UpdateBacklog  int           `yaml:"update_backlog"`
	UpdateTimeout  time.Duration `yaml:"update_timeout"`
	FinishedMemory int           `yaml:"finished_memory"`
}

type QueryConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxRows caps inline query results. Zero means unlimited.
	MaxRows int `yaml:"max_rows"`
}

type ExportConfig struct {
	Enabled        bool   `yaml:"enabled"`
	CSVWriteHeader bool   `yaml:"csv_write_header"`
	DefaultFormat  string `yaml:"default_format"`
}

type CleanupConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxRunTime  time.Duration `yaml:"max_run_time"`
	Retention   time.Duration `yaml:"retention"`
	Interval    time.Duration `yaml:"interval"`
	AckTimeout  time.Duration `yaml:"ack_timeout"`
	Concurrency int           `yaml:"concurrency"`
}

type StorageConfig struct {
	Provider        string        `yaml:"provider"`
	AppendExtension bool          `yaml:"append_extension"`
	Prefix          string        `yaml:"prefix"`
	Root            string        `yaml:"root"`
	CacheSize       int           `yaml:"cache_size"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`

	S3 struct {
		Bucket          string `yaml:"bucket"`
		Region          string `yaml:"region"`
		Endpoint        string `yaml:"endpoint"`
		AccessKeyID     string `yaml:"access_key_id"`
		SecretAccessKey string `yaml:"secret_access_key"`
	} `yaml:"s3"`

	GCS struct {
		Bucket          string `yaml:"bucket"`
		CredentialsFile string `yaml:"credentials_file"`
	} `yaml:"gcs"`

	Azure struct {
		AccountName string `yaml:"account_name"`
		AccountKey  string `yaml:"account_key"`
		Container   string `yaml:"container"`
		ServiceURL  string `yaml:"service_url"`
	} `yaml:"azure"`
}

type RateLimitConfig struct {
	// PerSecond is the sustained submission rate allowed per principal.
	// Zero disables limiting.
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		ListenAddr:    defaultListenAddr,
		DBPath:        defaultDBPath,
		LogLevelName:  "info",
		LogLevel:      slog.LevelInfo,
		MaxAsyncAfter: defaultMaxAsyncAfter,
		Source:        SourceConfig{Driver: defaultSourceDriver, DSN: defaultSourceDSN},
		Executor: ExecutorConfig{
			ExecuteWorkers: 4,
			ExecuteBacklog: 64,
			UpdateWorkers:  2,
			UpdateBacklog:  256,
			UpdateTimeout:  5 * time.Second,
			FinishedMemory: 4096,
		},
		Query:  QueryConfig{Enabled: true, MaxRows: 10000},
		Export: ExportConfig{Enabled: true, CSVWriteHeader: true, DefaultFormat: "csv"},
		Cleanup: CleanupConfig{
			Enabled:     true,
			MaxRunTime:  time.Hour,
			Retention:   7 * 24 * time.Hour,
			Interval:    time.Minute,
			Concurrency: 4,
		},
		Storage: StorageConfig{
			Provider:        "file",
			AppendExtension: true,
			Root:            "results",
			CacheTTL:        5 * time.Minute,
		},
		RateLimit: RateLimitConfig{PerSecond: 10, Burst: 20},
	}
}

// Load builds the configuration from defaults, the optional YAML file and
// the environment.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.MaxAsyncAfter < 0 {
		errs = append(errs, errors.New("max_async_after must not be negative"))
	}
	if c.Export.Enabled {
		switch c.Export.DefaultFormat {
		case "csv", "json":
		default:
			errs = append(errs, fmt.Errorf("export.default_format %q is not supported", c.Export.DefaultFormat))
		}
	}
	if c.Cleanup.Enabled && c.Cleanup.Interval <= 0 {
		errs = append(errs, errors.New("cleanup.interval must be positive"))
	}
	switch c.Storage.Provider {
	case "file", "s3", "gcs", "azure":
	default:
		errs = append(errs, fmt.Errorf("storage.provider %q is not supported", c.Storage.Provider))
	}
	return errors.Join(errs...)
}

// envBinding maps one QUARRY_* variable onto a config field.
type envBinding struct {
	name string
	set  func(v string) error
}

func applyEnv(cfg *Config) error {
	bindings := []envBinding{
		{envListenAddr, setString(&cfg.ListenAddr)},
		{envDBPath, setString(&cfg.DBPath)},
		{envLogLevel, setString(&cfg.LogLevelName)},
		{"QUARRY_MAX_ASYNC_AFTER", setDuration(&cfg.MaxAsyncAfter)},
		{"QUARRY_SOURCE_DRIVER", setString(&cfg.Source.Driver)},
		{"QUARRY_SOURCE_DSN", setString(&cfg.Source.DSN)},
		{"QUARRY_EXECUTE_WORKERS", setInt(&cfg.Executor.ExecuteWorkers)},
		{"QUARRY_EXECUTE_BACKLOG", setInt(&cfg.Executor.ExecuteBacklog)},
		{"QUARRY_UPDATE_WORKERS", setInt(&cfg.Executor.UpdateWorkers)},
		{"QUARRY_UPDATE_BACKLOG", setInt(&cfg.Executor.UpdateBacklog)},
		{"QUARRY_QUERY_ENABLED", setBool(&cfg.Query.Enabled)},
		{"QUARRY_QUERY_MAX_ROWS", setInt(&cfg.Query.MaxRows)},
		{"QUARRY_EXPORT_ENABLED", setBool(&cfg.Export.Enabled)},
		{"QUARRY_EXPORT_CSV_WRITE_HEADER", setBool(&cfg.Export.CSVWriteHeader)},
		{"QUARRY_EXPORT_DEFAULT_FORMAT", setString(&cfg.Export.DefaultFormat)},
		{"QUARRY_CLEANUP_ENABLED", setBool(&cfg.Cleanup.Enabled)},
		{"QUARRY_CLEANUP_MAX_RUN_TIME", setDuration(&cfg.Cleanup.MaxRunTime)},
		{"QUARRY_CLEANUP_RETENTION", setDuration(&cfg.Cleanup.Retention)},
		{"QUARRY_CLEANUP_INTERVAL", setDuration(&cfg.Cleanup.Interval)},
		{"QUARRY_STORAGE_PROVIDER", setString(&cfg.Storage.Provider)},
		{"QUARRY_STORAGE_ROOT", setString(&cfg.Storage.Root)},
		{"QUARRY_STORAGE_APPEND_EXTENSION", setBool(&cfg.Storage.AppendExtension)},
		{"QUARRY_STORAGE_PREFIX", setString(&cfg.Storage.Prefix)},
		{"QUARRY_STORAGE_CACHE_SIZE", setInt(&cfg.Storage.CacheSize)},
		{"QUARRY_S3_BUCKET", setString(&cfg.Storage.S3.Bucket)},
		{"QUARRY_S3_REGION", setString(&cfg.Storage.S3.Region)},
		{"QUARRY_S3_ENDPOINT", setString(&cfg.Storage.S3.Endpoint)},
		{"QUARRY_S3_ACCESS_KEY_ID", setString(&cfg.Storage.S3.AccessKeyID)},
		{"QUARRY_S3_SECRET_ACCESS_KEY", setString(&cfg.Storage.S3.SecretAccessKey)},
		{"QUARRY_GCS_BUCKET", setString(&cfg.Storage.GCS.Bucket)},
		{"QUARRY_GCS_CREDENTIALS_FILE", setString(&cfg.Storage.GCS.CredentialsFile)},
		{"QUARRY_AZURE_ACCOUNT_NAME", setString(&cfg.Storage.Azure.AccountName)},
		{"QUARRY_AZURE_ACCOUNT_KEY", setString(&cfg.Storage.Azure.AccountKey)},
		{"QUARRY_AZURE_CONTAINER", setString(&cfg.Storage.Azure.Container)},
		{"QUARRY_AZURE_SERVICE_URL", setString(&cfg.Storage.Azure.ServiceURL)},
		{"QUARRY_RATE_LIMIT_PER_SECOND", setFloat(&cfg.RateLimit.PerSecond)},
		{"QUARRY_RATE_LIMIT_BURST", setInt(&cfg.RateLimit.Burst)},
	}

	var errs []error
	for _, b := range bindings {
		v := os.Getenv(b.name)
		if v == "" {
			continue
		}
		if err := b.set(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
		}
	}
	return errors.Join(errs...)
}

func setString(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setFloat(dst *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func setDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
