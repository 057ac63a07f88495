// Package config loads settings from an optional YAML file and DISPATCH_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	HTTP     HTTPConfig
	JWT      JWTConfig
	Log      LogConfig
	Dispatch DispatchConfig
	Retry    RetryConfig
	OTP      OTPConfig
	Sweeper  SweeperConfig
	Cache    CacheConfig
	Outbox   OutboxConfig
}

type DatabaseConfig struct {
	URL             string
	MaxConns        int32
	MaxConnIdleTime time.Duration
}

// RedisConfig selects the Redis cache when Addr is set; otherwise the
// in-process cache is used.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type HTTPConfig struct {
	Addr         string
	AllowOrigins []string
}

type JWTConfig struct {
	Secret string
}

type LogConfig struct {
	Level string
}

type DispatchConfig struct {
	RadiusKm          float64
	MaxCandidates     int
	LocationFreshness time.Duration
	BroadcastTTL      time.Duration
}

type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type OTPConfig struct {
	MaxFailures   int
	FailureWindow time.Duration
}

type SweeperConfig struct {
	Interval       time.Duration
	SiblingGrace   time.Duration
	RepublishAfter time.Duration
}

type CacheConfig struct {
	HelperTTL time.Duration
}

type OutboxConfig struct {
	MaxAttempts  int
	PollInterval time.Duration
	// WebhookURL receives pushed messages. Empty means messages are logged.
	WebhookURL string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.max_conn_idle_time", "5m")
	v.SetDefault("redis.db", 0)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allow_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("dispatch.radius_km", 10.0)
	v.SetDefault("dispatch.max_candidates", 20)
	v.SetDefault("dispatch.location_freshness", "15m")
	v.SetDefault("dispatch.broadcast_ttl", "30m")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_interval", "50ms")
	v.SetDefault("retry.max_interval", "1s")
	v.SetDefault("otp.max_failures", 5)
	v.SetDefault("otp.failure_window", "15m")
	v.SetDefault("sweeper.interval", "30s")
	v.SetDefault("sweeper.sibling_grace", "1m")
	v.SetDefault("sweeper.republish_after", "1m")
	v.SetDefault("cache.helper_ttl", "5m")
	v.SetDefault("outbox.max_attempts", 5)
	v.SetDefault("outbox.poll_interval", "2s")
}

// Load reads file when it exists, then lets DISPATCH_* variables override
// it. DISPATCH_DATABASE_URL sets database.url, and so on.
func Load(file string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil && !missingFile(err) {
		return Config{}, fmt.Errorf("config: read: %w", err)
	}

	v.SetEnvPrefix("dispatch")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Config{
		Database: DatabaseConfig{
			URL:             v.GetString("database.url"),
			MaxConns:        v.GetInt32("database.max_conns"),
			MaxConnIdleTime: v.GetDuration("database.max_conn_idle_time"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		HTTP: HTTPConfig{
			Addr:         v.GetString("http.addr"),
			AllowOrigins: v.GetStringSlice("http.allow_origins"),
		},
		JWT: JWTConfig{Secret: v.GetString("jwt.secret")},
		Log: LogConfig{Level: v.GetString("log.level")},
		Dispatch: DispatchConfig{
			RadiusKm:          v.GetFloat64("dispatch.radius_km"),
			MaxCandidates:     v.GetInt("dispatch.max_candidates"),
			LocationFreshness: v.GetDuration("dispatch.location_freshness"),
			BroadcastTTL:      v.GetDuration("dispatch.broadcast_ttl"),
		},
		Retry: RetryConfig{
			MaxAttempts:     v.GetInt("retry.max_attempts"),
			InitialInterval: v.GetDuration("retry.initial_interval"),
			MaxInterval:     v.GetDuration("retry.max_interval"),
		},
		OTP: OTPConfig{
			MaxFailures:   v.GetInt("otp.max_failures"),
			FailureWindow: v.GetDuration("otp.failure_window"),
		},
		Sweeper: SweeperConfig{
			Interval:       v.GetDuration("sweeper.interval"),
			SiblingGrace:   v.GetDuration("sweeper.sibling_grace"),
			RepublishAfter: v.GetDuration("sweeper.republish_after"),
		},
		Cache: CacheConfig{HelperTTL: v.GetDuration("cache.helper_ttl")},
		Outbox: OutboxConfig{
			MaxAttempts:  v.GetInt("outbox.max_attempts"),
			PollInterval: v.GetDuration("outbox.poll_interval"),
			WebhookURL:   v.GetString("outbox.webhook_url"),
		},
	}
	return cfg, cfg.Validate()
}

func missingFile(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

func (c Config) Validate() error {
	switch {
	case c.Database.URL == "":
		return errors.New("config: database.url is required")
	case c.JWT.Secret == "":
		return errors.New("config: jwt.secret is required")
	case c.Dispatch.RadiusKm <= 0:
		return errors.New("config: dispatch.radius_km must be positive")
	case c.Dispatch.MaxCandidates <= 0:
		return errors.New("config: dispatch.max_candidates must be positive")
	}
	return nil
}
