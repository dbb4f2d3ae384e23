package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig captures all tunable parameters for the presence table service.
// Values come from an optional .env file and the environment, with defaults
// good enough to run locally against the in-memory store.
type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"HTTP_ADDR"`
	ReadTimeout     time.Duration `mapstructure:"HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `mapstructure:"HTTP_WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `mapstructure:"HTTP_IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"HTTP_SHUTDOWN_TIMEOUT"`

	StoreBackend  string `mapstructure:"STORE_BACKEND"`
	PGDSN         string `mapstructure:"PG_DSN"`
	RunMigrations bool   `mapstructure:"MIGRATE"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisGeoKey   string `mapstructure:"REDIS_GEO_KEY"`

	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string `mapstructure:"KAFKA_TOPIC"`

	Window         time.Duration `mapstructure:"PRESENCE_WINDOW"`
	ReaperInterval time.Duration `mapstructure:"REAPER_INTERVAL"`
	ReaperGrace    time.Duration `mapstructure:"REAPER_GRACE"`
	// GeoPruneInterval drops expired entries from the nearby index.
	GeoPruneInterval time.Duration `mapstructure:"GEO_PRUNE_INTERVAL"`

	RateLimitRPS   int `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int `mapstructure:"RATE_LIMIT_BURST"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
}

// ViewerConfig configures one viewer instance: tracker, matching engine and its local UI API.
type ViewerConfig struct {
	HTTPAddr        string        `mapstructure:"HTTP_ADDR"`
	ShutdownTimeout time.Duration `mapstructure:"HTTP_SHUTDOWN_TIMEOUT"`

	TableURL     string        `mapstructure:"TABLE_URL"`
	TableTimeout time.Duration `mapstructure:"TABLE_TIMEOUT"`

	Window            time.Duration `mapstructure:"PRESENCE_WINDOW"`
	SyncPeriodSeconds int           `mapstructure:"SYNC_PERIOD_SECONDS"`
	MatcherTopN       int           `mapstructure:"MATCHER_TOP_N"`

	PricePerKm        float64 `mapstructure:"PRICE_PER_KM"`
	MinPrice          int     `mapstructure:"MIN_PRICE"`
	AssumedDistanceKm float64 `mapstructure:"ASSUMED_DISTANCE_KM"`
	PricingMode       string  `mapstructure:"PRICING_MODE"`
	ContactBaseURL    string  `mapstructure:"CONTACT_BASE_URL"`

	// ViewerLocation is an optional fixed "lat,lng" used instead of browser fixes.
	ViewerLocation string `mapstructure:"VIEWER_LOCATION"`
	FixedLat       float64
	FixedLng       float64
	HasFixed       bool

	LogLevel string `mapstructure:"LOG_LEVEL"`
}

// ConsumerConfig configures the Kafka to Redis GEO mirror.
type ConsumerConfig struct {
	MetricsAddr   string        `mapstructure:"METRICS_ADDR"`
	KafkaBrokers  string        `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic    string        `mapstructure:"KAFKA_TOPIC"`
	KafkaGroup    string        `mapstructure:"KAFKA_GROUP"`
	RedisAddr     string        `mapstructure:"REDIS_ADDR"`
	RedisPassword string        `mapstructure:"REDIS_PASSWORD"`
	RedisGeoKey   string        `mapstructure:"REDIS_GEO_KEY"`
	RetryAttempts int           `mapstructure:"RETRY_ATTEMPTS"`
	RetryDelay    time.Duration `mapstructure:"RETRY_DELAY"`
	LogLevel      string        `mapstructure:"LOG_LEVEL"`
}

func serverDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("HTTP_READ_TIMEOUT", 5*time.Second)
	v.SetDefault("HTTP_WRITE_TIMEOUT", 10*time.Second)
	v.SetDefault("HTTP_IDLE_TIMEOUT", 120*time.Second)
	v.SetDefault("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second)
	v.SetDefault("STORE_BACKEND", "memory")
	v.SetDefault("PG_DSN", "")
	v.SetDefault("MIGRATE", false)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_GEO_KEY", "presence_geo")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "presence-events")
	v.SetDefault("PRESENCE_WINDOW", 30*time.Minute)
	v.SetDefault("REAPER_INTERVAL", time.Duration(0))
	v.SetDefault("REAPER_GRACE", 10*time.Minute)
	v.SetDefault("GEO_PRUNE_INTERVAL", time.Minute)
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("LOG_LEVEL", "info")
}

func viewerDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8090")
	v.SetDefault("HTTP_SHUTDOWN_TIMEOUT", 5*time.Second)
	v.SetDefault("TABLE_URL", "")
	v.SetDefault("TABLE_TIMEOUT", 5*time.Second)
	v.SetDefault("PRESENCE_WINDOW", 30*time.Minute)
	v.SetDefault("SYNC_PERIOD_SECONDS", 60)
	v.SetDefault("MATCHER_TOP_N", 10)
	v.SetDefault("PRICE_PER_KM", 40.0)
	v.SetDefault("MIN_PRICE", 150)
	v.SetDefault("ASSUMED_DISTANCE_KM", 4.5)
	v.SetDefault("PRICING_MODE", "flat")
	v.SetDefault("CONTACT_BASE_URL", "https://t.me")
	v.SetDefault("VIEWER_LOCATION", "")
	v.SetDefault("LOG_LEVEL", "info")
}

func consumerDefaults(v *viper.Viper) {
	v.SetDefault("METRICS_ADDR", ":2112")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_TOPIC", "presence-events")
	v.SetDefault("KAFKA_GROUP", "presence-geo-mirror")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_GEO_KEY", "presence_geo")
	v.SetDefault("RETRY_ATTEMPTS", 3)
	v.SetDefault("RETRY_DELAY", 200*time.Millisecond)
	v.SetDefault("LOG_LEVEL", "info")
}

// load reads path/.env when present, layers the environment on top and unmarshals into out.
func load(path string, defaults func(*viper.Viper), out any) error {
	v := viper.New()
	defaults(v)
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := load(path, serverDefaults, &cfg); err != nil {
		return cfg, err
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	var errs []error
	switch cfg.StoreBackend {
	case "memory":
	case "postgres":
		if cfg.PGDSN == "" {
			errs = append(errs, errors.New("PG_DSN is required for STORE_BACKEND=postgres"))
		}
	case "redis":
		if cfg.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for STORE_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend))
	}
	if cfg.Window <= 0 {
		errs = append(errs, errors.New("PRESENCE_WINDOW must be > 0"))
	}
	if cfg.RateLimitRPS <= 0 || cfg.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func LoadViewerConfig(path string) (ViewerConfig, error) {
	var cfg ViewerConfig
	if err := load(path, viewerDefaults, &cfg); err != nil {
		return cfg, err
	}
	cfg.PricingMode = strings.ToLower(strings.TrimSpace(cfg.PricingMode))

	var errs []error
	if cfg.MatcherTopN <= 0 {
		errs = append(errs, errors.New("MATCHER_TOP_N must be > 0"))
	}
	if cfg.SyncPeriodSeconds <= 0 || cfg.SyncPeriodSeconds > 60 || 60%cfg.SyncPeriodSeconds != 0 {
		errs = append(errs, errors.New("SYNC_PERIOD_SECONDS must divide 60"))
	}
	if cfg.Window <= 0 {
		errs = append(errs, errors.New("PRESENCE_WINDOW must be > 0"))
	}
	if cfg.PricingMode != "flat" && cfg.PricingMode != "distance" {
		errs = append(errs, fmt.Errorf("unknown PRICING_MODE %q", cfg.PricingMode))
	}
	if loc := strings.TrimSpace(cfg.ViewerLocation); loc != "" {
		lat, lng, err := parseLatLng(loc)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid VIEWER_LOCATION: %w", err))
		} else {
			cfg.FixedLat, cfg.FixedLng, cfg.HasFixed = lat, lng, true
		}
	}
	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig(path string) (ConsumerConfig, error) {
	var cfg ConsumerConfig
	if err := load(path, consumerDefaults, &cfg); err != nil {
		return cfg, err
	}
	var errs []error
	if len(SplitAndTrim(cfg.KafkaBrokers)) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS must not be empty"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, errors.New("RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func parseLatLng(v string) (float64, float64, error) {
	parts := SplitAndTrim(v)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want \"lat,lng\", got %q", v)
	}
	lat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, 0, err
	}
	lng, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, 0, err
	}
	return lat, lng, nil
}

// SplitAndTrim splits a comma separated list, dropping blanks.
func SplitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
