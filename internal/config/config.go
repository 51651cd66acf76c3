// Package config loads service configuration from config/{ENV_NAME}.yaml, an optional .env file,
// environment overrides and config/secrets.yaml, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string `validate:"required,numeric"`

	DataSource            string `validate:"oneof=csv postgres"`
	CSVPath               string
	DataFrom              string `validate:"omitempty,datetime=2006-01-02"`
	DataTo                string `validate:"omitempty,datetime=2006-01-02"`
	PostgresURL           string
	PostgresMaxConns      int32 `validate:"min=1"`
	InterpolatePollutants bool
	IncludeLive           bool

	ForecastStrategy string `validate:"oneof=polynomial arima"`
	MaxHorizon       int    `validate:"min=1,max=365"`
	DefaultHorizon   int    `validate:"min=1,ltefield=MaxHorizon"`
	AnchorMode       string `validate:"oneof=last_observation today"`

	ModelsDir     string
	PersistModels bool

	WAQIToken         string
	WAQIURL           string        `validate:"required,url"`
	WAQITimeout       time.Duration `validate:"gt=0"`
	WAQIBounds        string
	WAQICities        []string
	WAQIRatePerSecond float64 `validate:"gte=0"`
	WAQIBurst         int     `validate:"gte=0"`

	RequestTimeout time.Duration `validate:"gt=0"`
	CacheTTL       time.Duration `validate:"gt=0"`
	CacheBackend   string        `validate:"oneof=in_memory memcached"`
	CacheMaxItems  int

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RetryAttempts  int `validate:"min=1,max=10"`
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	BreakerFailureThreshold int `validate:"min=1"`
	BreakerSuccessThreshold int `validate:"min=1"`
	BreakerTimeout          time.Duration

	ShutdownTimeout time.Duration

	RetrainInterval  time.Duration
	RetrainTimeout   time.Duration
	TrainConcurrency int
	WarmConcurrency  int
	WarmCities       []string

	HealthWindow   time.Duration
	HealthErrorPct int `validate:"min=1,max=100"`

	TrackedCities []string
}

// LiveEnabled reports whether a WAQI token is configured. Live endpoints are off without one.
func (c *Config) LiveEnabled() bool {
	return c.WAQIToken != ""
}

// AnchorToday reports whether forecasts anchor on the current date by default.
func (c *Config) AnchorToday() bool {
	return c.AnchorMode == "today"
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Data struct {
		Source                string `yaml:"source"`
		CSVPath               string `yaml:"csv_path"`
		From                  string `yaml:"from"`
		To                    string `yaml:"to"`
		PostgresURL           string `yaml:"postgres_url"`
		PostgresMaxConns      int32  `yaml:"postgres_max_conns"`
		InterpolatePollutants bool   `yaml:"interpolate_pollutants"`
		IncludeLive           bool   `yaml:"include_live"`
	} `yaml:"data"`

	Forecast struct {
		Strategy       string `yaml:"strategy"`
		MaxHorizon     int    `yaml:"max_horizon"`
		DefaultHorizon int    `yaml:"default_horizon"`
		Anchor         string `yaml:"anchor"`
	} `yaml:"forecast"`

	Models struct {
		Dir     string `yaml:"dir"`
		Persist *bool  `yaml:"persist"`
	} `yaml:"models"`

	WAQI struct {
		URL           string   `yaml:"url"`
		Timeout       string   `yaml:"timeout"`
		Bounds        string   `yaml:"bounds"`
		Cities        []string `yaml:"cities"`
		RatePerSecond float64  `yaml:"rate_per_second"`
		Burst         int      `yaml:"burst"`
	} `yaml:"waqi"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		MaxItems  int    `yaml:"max_items"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts        int    `yaml:"retry_max_attempts"`
		RetryBaseDelay          string `yaml:"retry_base_delay"`
		RetryMaxDelay           string `yaml:"retry_max_delay"`
		RateLimitRPS            int    `yaml:"rate_limit_rps"`
		RateLimitBurst          int    `yaml:"rate_limit_burst"`
		BreakerFailureThreshold int    `yaml:"breaker_failure_threshold"`
		BreakerSuccessThreshold int    `yaml:"breaker_success_threshold"`
		BreakerTimeout          string `yaml:"breaker_timeout"`
	} `yaml:"reliability"`

	Schedule struct {
		RetrainInterval  string   `yaml:"retrain_interval"`
		RetrainTimeout   string   `yaml:"retrain_timeout"`
		TrainConcurrency int      `yaml:"train_concurrency"`
		WarmConcurrency  int      `yaml:"warm_concurrency"`
		WarmCities       []string `yaml:"warm_cities"`
	} `yaml:"schedule"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Health struct {
		Window   string `yaml:"window"`
		ErrorPct int    `yaml:"error_pct"`
	} `yaml:"health"`

	Metrics struct {
		TrackedCities []string `yaml:"tracked_cities"`
	} `yaml:"metrics"`
}

// envOverrides are read after the YAML file. Empty values leave the file setting in place.
type envOverrides struct {
	Port             string        `envconfig:"PORT"`
	DataSource       string        `envconfig:"DATA_SOURCE"`
	CSVPath          string        `envconfig:"CSV_PATH"`
	PostgresURL      string        `envconfig:"POSTGRES_URL"`
	ForecastStrategy string        `envconfig:"FORECAST_STRATEGY"`
	ModelsDir        string        `envconfig:"MODELS_DIR"`
	CacheBackend     string        `envconfig:"CACHE_BACKEND"`
	MemcachedAddrs   string        `envconfig:"MEMCACHED_ADDRS"`
	WAQIToken        string        `envconfig:"WAQI_TOKEN"`
	WAQIURL          string        `envconfig:"WAQI_URL"`
	RetrainInterval  time.Duration `envconfig:"RETRAIN_INTERVAL"`
}

type secretsFile struct {
	WAQIToken string `yaml:"waqi_token"`
}

// Load reads configuration relative to the working directory. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadDir(cwd)
}

// LoadDir reads dir/.env, dir/config/{ENV_NAME}.yaml (default dev) and dir/config/secrets.yaml.
// The WAQI token comes from WAQI_TOKEN or the secrets file; without one the live endpoints are disabled.
func LoadDir(dir string) (*Config, error) {
	// .env never overrides variables already set in the process environment.
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read .env file: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(dir, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	var ov envOverrides
	if err := envconfig.Process("", &ov); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg := fromFile(&fc)
	applyOverrides(cfg, &ov)

	if cfg.WAQIToken == "" {
		secretsPath := filepath.Join(dir, "config", "secrets.yaml")
		secretsData, err := os.ReadFile(secretsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return nil, fmt.Errorf("parse secrets file: %w", err)
			}
			cfg.WAQIToken = strings.TrimSpace(sec.WAQIToken)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromFile(fc *fileConfig) *Config {
	cfg := &Config{}

	cfg.ServerPort = orDefault(fc.Server.Port, "8080")

	cfg.DataSource = orDefault(strings.ToLower(strings.TrimSpace(fc.Data.Source)), "csv")
	cfg.CSVPath = orDefault(fc.Data.CSVPath, "data/city_day.csv")
	cfg.DataFrom = strings.TrimSpace(fc.Data.From)
	cfg.DataTo = strings.TrimSpace(fc.Data.To)
	cfg.PostgresURL = fc.Data.PostgresURL
	cfg.PostgresMaxConns = fc.Data.PostgresMaxConns
	if cfg.PostgresMaxConns <= 0 {
		cfg.PostgresMaxConns = 4
	}
	cfg.InterpolatePollutants = fc.Data.InterpolatePollutants
	cfg.IncludeLive = fc.Data.IncludeLive

	cfg.ForecastStrategy = orDefault(strings.ToLower(strings.TrimSpace(fc.Forecast.Strategy)), "polynomial")
	cfg.MaxHorizon = orDefaultInt(fc.Forecast.MaxHorizon, 30)
	cfg.DefaultHorizon = orDefaultInt(fc.Forecast.DefaultHorizon, 7)
	cfg.AnchorMode = orDefault(strings.ToLower(strings.TrimSpace(fc.Forecast.Anchor)), "last_observation")

	cfg.ModelsDir = orDefault(fc.Models.Dir, "models")
	cfg.PersistModels = true
	if fc.Models.Persist != nil {
		cfg.PersistModels = *fc.Models.Persist
	}

	cfg.WAQIURL = orDefault(fc.WAQI.URL, "https://api.waqi.info")
	cfg.WAQITimeout = parseDurationOrZero(fc.WAQI.Timeout, 10*time.Second)
	cfg.WAQIBounds = strings.TrimSpace(fc.WAQI.Bounds)
	cfg.WAQICities = fc.WAQI.Cities
	cfg.WAQIRatePerSecond = fc.WAQI.RatePerSecond
	cfg.WAQIBurst = fc.WAQI.Burst

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 15*time.Second)
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, time.Hour)
	cfg.CacheBackend = orDefault(strings.ToLower(strings.TrimSpace(fc.Cache.Backend)), "in_memory")
	cfg.CacheMaxItems = orDefaultInt(fc.Cache.MaxItems, 1000)
	cfg.MemcachedAddrs = orDefault(fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = orDefaultInt(fc.Cache.Memcached.MaxIdleConns, 2)

	cfg.RetryAttempts = orDefaultInt(fc.Reliability.RetryMaxAttempts, 3)
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 200*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = orDefaultInt(fc.Reliability.RateLimitRPS, 100)
	cfg.RateLimitBurst = orDefaultInt(fc.Reliability.RateLimitBurst, 250)
	cfg.BreakerFailureThreshold = orDefaultInt(fc.Reliability.BreakerFailureThreshold, 5)
	cfg.BreakerSuccessThreshold = orDefaultInt(fc.Reliability.BreakerSuccessThreshold, 1)
	cfg.BreakerTimeout = parseDuration(fc.Reliability.BreakerTimeout, 30*time.Second)

	cfg.RetrainInterval = parseDuration(fc.Schedule.RetrainInterval, 24*time.Hour)
	cfg.RetrainTimeout = parseDuration(fc.Schedule.RetrainTimeout, 10*time.Minute)
	cfg.TrainConcurrency = orDefaultInt(fc.Schedule.TrainConcurrency, 4)
	cfg.WarmConcurrency = orDefaultInt(fc.Schedule.WarmConcurrency, 4)
	cfg.WarmCities = fc.Schedule.WarmCities

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.HealthWindow = parseDuration(fc.Health.Window, time.Minute)
	cfg.HealthErrorPct = orDefaultInt(fc.Health.ErrorPct, 5)
	cfg.TrackedCities = fc.Metrics.TrackedCities
	return cfg
}

func applyOverrides(cfg *Config, ov *envOverrides) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.ServerPort, ov.Port)
	set(&cfg.DataSource, strings.ToLower(ov.DataSource))
	set(&cfg.CSVPath, ov.CSVPath)
	set(&cfg.PostgresURL, ov.PostgresURL)
	set(&cfg.ForecastStrategy, strings.ToLower(ov.ForecastStrategy))
	set(&cfg.ModelsDir, ov.ModelsDir)
	set(&cfg.CacheBackend, strings.ToLower(ov.CacheBackend))
	set(&cfg.MemcachedAddrs, ov.MemcachedAddrs)
	set(&cfg.WAQIToken, ov.WAQIToken)
	set(&cfg.WAQIURL, ov.WAQIURL)
	if ov.RetrainInterval > 0 {
		cfg.RetrainInterval = ov.RetrainInterval
	}
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}

func orDefaultInt(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero or negative durations are returned as-is so validation can reject them.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

var structValidator = validator.New()

// validate checks struct tags, then cross-field rules. RequestTimeout is raised above
// WAQITimeout when needed so a live call can complete inside a request.
func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	switch cfg.DataSource {
	case "csv":
		if strings.TrimSpace(cfg.CSVPath) == "" {
			return errors.New("data.csv_path is required when data.source is csv")
		}
	case "postgres":
		if strings.TrimSpace(cfg.PostgresURL) == "" {
			return errors.New("data.postgres_url (or POSTGRES_URL) is required when data.source is postgres")
		}
	}
	if cfg.DataFrom != "" && cfg.DataTo != "" && cfg.DataTo < cfg.DataFrom {
		return fmt.Errorf("data.to %s is before data.from %s", cfg.DataTo, cfg.DataFrom)
	}
	if cfg.IncludeLive && len(cfg.WAQICities) == 0 {
		return errors.New("data.include_live requires waqi.cities")
	}
	if cfg.RequestTimeout <= cfg.WAQITimeout {
		cfg.RequestTimeout = cfg.WAQITimeout + time.Second
	}
	return nil
}
