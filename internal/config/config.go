package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/datapack-cli/internal/blocks"
	"github.com/sells-group/datapack-cli/internal/datapack"
	"github.com/sells-group/datapack-cli/internal/fetcher"
	"github.com/sells-group/datapack-cli/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store         StoreConfig      `yaml:"store" mapstructure:"store"`
	Blocks        BlocksConfig     `yaml:"blocks" mapstructure:"blocks"`
	Fetch         FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Collect       CollectConfig    `yaml:"collect" mapstructure:"collect"`
	IndustriesDir string           `yaml:"industries_dir" mapstructure:"industries_dir"`
	AdaptersFile  string           `yaml:"adapters_file" mapstructure:"adapters_file"`
	Server        ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring    MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log           LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the run and company store.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// BlocksConfig configures the source block registry and its backing store.
type BlocksConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	// Path is the JSON file for the file driver or the DSN for sqlite.
	Path string `yaml:"path" mapstructure:"path"`
	// DatabaseURL is used by the postgres driver. Empty falls back to
	// store.database_url.
	DatabaseURL          string `yaml:"database_url" mapstructure:"database_url"`
	RedisAddr            string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisDB              int    `yaml:"redis_db" mapstructure:"redis_db"`
	DefaultWindowMinutes int    `yaml:"default_window_minutes" mapstructure:"default_window_minutes"`
	MaxWindowMinutes     int    `yaml:"max_window_minutes" mapstructure:"max_window_minutes"`
}

// FetchConfig configures the HTTP and FTP fetch client.
type FetchConfig struct {
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries"`
	DefaultRate float64 `yaml:"default_rate" mapstructure:"default_rate"`
	// RateLimits is a list rather than a map because viper splits map keys
	// on dots, which host names contain.
	RateLimits            []HostRate `yaml:"rate_limits" mapstructure:"rate_limits"`
	RateLimitCooldownSecs int        `yaml:"rate_limit_cooldown_secs" mapstructure:"rate_limit_cooldown_secs"`
}

// HostRate sets requests per second for one host.
type HostRate struct {
	Host string  `yaml:"host" mapstructure:"host"`
	RPS  float64 `yaml:"rps" mapstructure:"rps"`
}

// CollectConfig bounds industry runs.
type CollectConfig struct {
	BatchSize          int  `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency        int  `yaml:"concurrency" mapstructure:"concurrency"`
	CompanyTimeoutSecs int  `yaml:"company_timeout_secs" mapstructure:"company_timeout_secs"`
	RunTimeoutSecs     int  `yaml:"run_timeout_secs" mapstructure:"run_timeout_secs"`
	MemoryManagement   bool `yaml:"memory_management" mapstructure:"memory_management"`
	MemoryThresholdMB  int  `yaml:"memory_threshold_mb" mapstructure:"memory_threshold_mb"`
}

// ServerConfig configures the admin API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures run health alerting in serve mode.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	ActiveBlockThreshold int     `yaml:"active_block_threshold" mapstructure:"active_block_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	AlertCooldownMins    int     `yaml:"alert_cooldown_mins" mapstructure:"alert_cooldown_mins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DATAPACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "datapack.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("blocks.driver", "file")
	v.SetDefault("blocks.path", "source_blocks.json")
	v.SetDefault("blocks.redis_addr", "localhost:6379")
	v.SetDefault("blocks.redis_db", 0)
	v.SetDefault("blocks.default_window_minutes", 360)
	v.SetDefault("blocks.max_window_minutes", 2880)
	v.SetDefault("fetch.user_agent", "datapack-cli/1.0")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("fetch.default_rate", 2.0)
	v.SetDefault("fetch.rate_limit_cooldown_secs", 300)
	v.SetDefault("collect.batch_size", 10)
	v.SetDefault("collect.concurrency", 1)
	v.SetDefault("collect.company_timeout_secs", 300)
	v.SetDefault("collect.run_timeout_secs", 0)
	v.SetDefault("collect.memory_management", true)
	v.SetDefault("collect.memory_threshold_mb", 512)
	v.SetDefault("industries_dir", "industries")
	v.SetDefault("adapters_file", "adapters.yaml")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.active_block_threshold", 10)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.alert_cooldown_mins", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "collect":
		if c.Collect.Concurrency < 1 || c.Collect.Concurrency > 32 {
			errs = append(errs, "collect.concurrency must be between 1 and 32")
		}
		if c.Collect.BatchSize < 1 {
			errs = append(errs, "collect.batch_size must be > 0")
		}
		if c.IndustriesDir == "" {
			errs = append(errs, "industries_dir is required")
		}
		if c.AdaptersFile == "" {
			errs = append(errs, "adapters_file is required")
		}
		errs = append(errs, c.storeErrors()...)
		errs = append(errs, c.blocksErrors()...)
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.storeErrors()...)
		errs = append(errs, c.blocksErrors()...)
	case "blocks":
		errs = append(errs, c.blocksErrors()...)
	case "runs":
		errs = append(errs, c.storeErrors()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) storeErrors() []string {
	var errs []string
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	return errs
}

func (c *Config) blocksErrors() []string {
	var errs []string
	switch c.Blocks.Driver {
	case "file", "sqlite":
		if c.Blocks.Path == "" {
			errs = append(errs, "blocks.path is required")
		}
	case "postgres":
		if c.BlocksDatabaseURL() == "" {
			errs = append(errs, "blocks.database_url is required")
		}
	case "redis":
		if c.Blocks.RedisAddr == "" {
			errs = append(errs, "blocks.redis_addr is required")
		}
	default:
		errs = append(errs, "blocks.driver must be file, sqlite, postgres, or redis")
	}
	if c.Blocks.MaxWindowMinutes > 0 && c.Blocks.MaxWindowMinutes < c.Blocks.DefaultWindowMinutes {
		errs = append(errs, "blocks.max_window_minutes must be >= default_window_minutes")
	}
	return errs
}

// BlocksDatabaseURL returns the Postgres URL for the block store.
func (c *Config) BlocksDatabaseURL() string {
	if c.Blocks.DatabaseURL != "" {
		return c.Blocks.DatabaseURL
	}
	return c.Store.DatabaseURL
}

// BlockOptions converts the window settings for the block registry.
func (c *Config) BlockOptions() blocks.Options {
	return blocks.Options{
		DefaultWindow: time.Duration(c.Blocks.DefaultWindowMinutes) * time.Minute,
		MaxWindow:     time.Duration(c.Blocks.MaxWindowMinutes) * time.Minute,
	}
}

// FetchOptions converts the fetch settings for the fetch client.
func (c *Config) FetchOptions() fetcher.Options {
	retry := resilience.DefaultPolicy()
	retry.Attempts = c.Fetch.MaxRetries + 1
	rates := make(map[string]float64, len(c.Fetch.RateLimits))
	for _, r := range c.Fetch.RateLimits {
		rates[strings.ToLower(r.Host)] = r.RPS
	}
	return fetcher.Options{
		UserAgent:         c.Fetch.UserAgent,
		Timeout:           time.Duration(c.Fetch.TimeoutSecs) * time.Second,
		Retry:             retry,
		HostRates:         rates,
		DefaultRate:       c.Fetch.DefaultRate,
		RateLimitCooldown: time.Duration(c.Fetch.RateLimitCooldownSecs) * time.Second,
	}
}

// CollectOptions converts the collect settings for the industry collector.
func (c *Config) CollectOptions() datapack.Options {
	return datapack.Options{
		BatchSize:         c.Collect.BatchSize,
		Concurrency:       c.Collect.Concurrency,
		CompanyTimeout:    time.Duration(c.Collect.CompanyTimeoutSecs) * time.Second,
		RunTimeout:        time.Duration(c.Collect.RunTimeoutSecs) * time.Second,
		MemoryManagement:  c.Collect.MemoryManagement,
		MemoryThresholdMB: c.Collect.MemoryThresholdMB,
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
