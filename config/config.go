package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"optionlevels/internal/levels"
)

const DefaultConfigPath = "config/config.yml"

type Config struct {
	App       AppConfig       `yaml:"app"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Reader    ReaderConfig    `yaml:"reader"`
	Processor ProcessorConfig `yaml:"processor"`
	Levels    LevelsConfig    `yaml:"levels"`
	Writer    WriterConfig    `yaml:"writer"`
	Source    SourceConfig    `yaml:"source"`
	Storage   StorageConfig   `yaml:"storage"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	ChannelSize bool `yaml:"channel_size"`
	Prometheus  bool `yaml:"prometheus"`
}

type ChannelsConfig struct {
	BookBuffer int `yaml:"book_buffer"`
	RowBuffer  int `yaml:"row_buffer"`
}

type ReaderConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	UserAgent      string               `yaml:"user_agent"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Retry          RetryConfig          `yaml:"retry"`
}

type CircuitBreakerConfig struct {
	FailureThreshold    int           `yaml:"failure_threshold"`
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxRequests int           `yaml:"half_open_max_requests"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type ProcessorConfig struct {
	MaxWorkers int `yaml:"max_workers"`
}

// LevelsConfig selects the engine policies. One deployment uses one set.
type LevelsConfig struct {
	Step       float64 `yaml:"step"`
	CoarseStep float64 `yaml:"coarse_step"`
	Range      string  `yaml:"range"`
	Single     string  `yaml:"single"`
	Weighting  string  `yaml:"weighting"`
}

type WriterConfig struct {
	Batch   BatchConfig       `yaml:"batch"`
	CSV     CSVWriterConfig   `yaml:"csv"`
	Daily   DailyWriterConfig `yaml:"daily"`
	Parquet ParquetConfig     `yaml:"parquet"`
	Redis   RedisWriterConfig `yaml:"redis"`
	Pine    PineConfig        `yaml:"pine"`
}

type BatchConfig struct {
	Size    int           `yaml:"size"`
	Timeout time.Duration `yaml:"timeout"`
}

type CSVWriterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type DailyWriterConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type ParquetConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Dir         string `yaml:"dir"`
	Prefix      string `yaml:"prefix"`
	Compression string `yaml:"compression"`
}

type RedisWriterConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Prefix      string `yaml:"prefix"`
	HistorySize int64  `yaml:"history_size"`
}

type PineConfig struct {
	Output string `yaml:"output"`
	Title  string `yaml:"title"`
}

type SourceConfig struct {
	Thales  ThalesConfig  `yaml:"thales"`
	Deribit DeribitConfig `yaml:"deribit"`
	Bybit   BybitConfig   `yaml:"bybit"`
}

type ThalesConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Currency   string `yaml:"currency"`
	IntervalMs int    `yaml:"interval_ms"`
	// Window is "day" (UTC midnight to end of hour) or "trailing".
	Window   string        `yaml:"window"`
	Trailing time.Duration `yaml:"trailing"`
	// IndexURL serves the spot used by spot-aware policies.
	IndexURL string `yaml:"index_url"`
}

type DeribitConfig struct {
	Enabled    bool     `yaml:"enabled"`
	URL        string   `yaml:"url"`
	WSURL      string   `yaml:"ws_url"`
	Currencies []string `yaml:"currencies"`
	IntervalMs int      `yaml:"interval_ms"`
	// Mode is "book_summary" (open interest) or "trades".
	Mode        string        `yaml:"mode"`
	Lookback    time.Duration `yaml:"lookback"`
	IndexStream bool          `yaml:"index_stream"`
}

type BybitConfig struct {
	Enabled    bool     `yaml:"enabled"`
	URL        string   `yaml:"url"`
	Currencies []string `yaml:"currencies"`
	IntervalMs int      `yaml:"interval_ms"`
}

type StorageConfig struct {
	S3    S3Config    `yaml:"s3"`
	Redis RedisConfig `yaml:"redis"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	History int    `yaml:"history"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		App: AppConfig{Name: "optionlevels", Version: "dev"},
		Metrics: MetricsConfig{
			ChannelSize: true,
			Prometheus:  true,
		},
		Channels: ChannelsConfig{BookBuffer: 64, RowBuffer: 256},
		Reader: ReaderConfig{
			Timeout:   30 * time.Second,
			UserAgent: "optionlevels/1.0",
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:    5,
				RecoveryTimeout:     time.Minute,
				HalfOpenMaxRequests: 1,
			},
			RateLimit: RateLimitConfig{RequestsPerSecond: 5, BurstSize: 1},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         500 * time.Millisecond,
				MaxDelay:          10 * time.Second,
				BackoffMultiplier: 2,
			},
		},
		Processor: ProcessorConfig{MaxWorkers: 2},
		Levels: LevelsConfig{
			Step:      1,
			Range:     "strikes",
			Single:    "collapse",
			Weighting: "mean",
		},
		Writer: WriterConfig{
			Batch: BatchConfig{Size: 1, Timeout: 5 * time.Second},
			CSV:   CSVWriterConfig{Enabled: true, Path: "data/levels_minute.csv"},
			Daily: DailyWriterConfig{Path: "data/levels_daily.csv", RetentionDays: 90},
			Parquet: ParquetConfig{
				Dir:         "data/parquet",
				Prefix:      "levels",
				Compression: "snappy",
			},
			Redis: RedisWriterConfig{Prefix: "levels", HistorySize: 1440},
			Pine:  PineConfig{Output: "data/levels.pine", Title: "Option Levels"},
		},
		Source: SourceConfig{
			Thales: ThalesConfig{
				URL:        "https://oss.thales-mfi.com/api/MarketScreener/FetchOptions",
				Currency:   "BTC",
				IntervalMs: 60_000,
				Window:     "day",
				Trailing:   24 * time.Hour,
				IndexURL:   "https://www.deribit.com/api/v2",
			},
			Deribit: DeribitConfig{
				URL:        "https://www.deribit.com/api/v2",
				WSURL:      "wss://www.deribit.com/ws/api/v2",
				Currencies: []string{"BTC"},
				IntervalMs: 60_000,
				Mode:       "book_summary",
				Lookback:   24 * time.Hour,
			},
			Bybit: BybitConfig{
				URL:        "https://api.bybit.com",
				Currencies: []string{"BTC"},
				IntervalMs: 60_000,
			},
		},
		Storage: StorageConfig{Redis: RedisConfig{Addr: "localhost:6379"}},
		API:     APIConfig{Addr: ":8080", History: 1440},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, map[string]string{
		environmentProduction: "config/config.production.yml",
		environmentStaging:    "config/config.staging.yml",
	})

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Storage.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Storage.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			config.Storage.Redis.DB = db
		}
	}
	if v := os.Getenv("LEVELS_STEP"); v != "" {
		if step, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			config.Levels.Step = step
		}
	}
}

// Params converts the configured policy names into engine parameters.
func (c LevelsConfig) Params() (levels.Params, error) {
	p := levels.Params{Step: c.Step, CoarseStep: c.CoarseStep}

	switch strings.ToLower(strings.TrimSpace(c.Range)) {
	case "", "strikes":
		p.Range = levels.RangeStrikes
	case "spot":
		p.Range = levels.RangeSpot
	default:
		return p, fmt.Errorf("levels.range %q is not one of strikes, spot", c.Range)
	}

	switch strings.ToLower(strings.TrimSpace(c.Single)) {
	case "", "collapse":
		p.Single = levels.SingleCollapse
	case "spot_offset":
		p.Single = levels.SingleSpotOffset
	default:
		return p, fmt.Errorf("levels.single %q is not one of collapse, spot_offset", c.Single)
	}

	switch strings.ToLower(strings.TrimSpace(c.Weighting)) {
	case "", "mean":
		p.Weighting = levels.WeightMean
	case "median":
		p.Weighting = levels.WeightMedian
	case "near_money":
		p.Weighting = levels.WeightNearMoney
	default:
		return p, fmt.Errorf("levels.weighting %q is not one of mean, median, near_money", c.Weighting)
	}

	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("levels: %w", err)
	}
	return p, nil
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if cfg.Channels.BookBuffer <= 0 {
		return fmt.Errorf("channels.book_buffer must be greater than 0")
	}
	if cfg.Channels.RowBuffer <= 0 {
		return fmt.Errorf("channels.row_buffer must be greater than 0")
	}

	if cfg.Processor.MaxWorkers <= 0 {
		return fmt.Errorf("processor.max_workers must be greater than 0")
	}

	if _, err := cfg.Levels.Params(); err != nil {
		return err
	}

	if cfg.Writer.Batch.Size <= 0 {
		return fmt.Errorf("writer.batch.size must be greater than 0")
	}
	if cfg.Writer.Batch.Timeout <= 0 {
		return fmt.Errorf("writer.batch.timeout must be greater than 0")
	}
	if cfg.Writer.CSV.Enabled && cfg.Writer.CSV.Path == "" {
		return fmt.Errorf("writer.csv.path is required when the csv writer is enabled")
	}
	if cfg.Writer.Daily.Enabled && cfg.Writer.Daily.RetentionDays <= 0 {
		return fmt.Errorf("writer.daily.retention_days must be greater than 0")
	}

	switch cfg.Source.Thales.Window {
	case "day", "trailing":
	default:
		return fmt.Errorf("source.thales.window must be day or trailing")
	}
	switch cfg.Source.Deribit.Mode {
	case "book_summary", "trades":
	default:
		return fmt.Errorf("source.deribit.mode must be book_summary or trades")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if cfg.Writer.Redis.Enabled && cfg.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr is required when the redis writer is enabled")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
