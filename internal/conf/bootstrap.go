package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/durationpb"
)

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies
// defaults, and allows overrides from environment variables prefixed with
// RELAYCORE_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Required environment variables:
//   - MYSQL_DSN or RELAYCORE_DATA_DATABASE_SOURCE: MySQL connection string
//   - ENCRYPTION_KEY or RELAYCORE_AUTH_ENCRYPTION_KEY: secrets-at-rest key
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RELAYCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind plain environment variable names for required fields
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "RELAYCORE_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "RELAYCORE_DATA_REDIS_ADDR")
	_ = v.BindEnv("auth.admin_token", "ADMIN_TOKEN", "RELAYCORE_AUTH_ADMIN_TOKEN")
	_ = v.BindEnv("auth.encryption.key", "ENCRYPTION_KEY", "RELAYCORE_AUTH_ENCRYPTION_KEY")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	bc := &Bootstrap{
		Server: &Server{
			Http: &Server_HTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: durationpb.New(v.GetDuration("server.http.timeout")),
			},
		},
		Data: &Data{
			Database: &Data_Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Data_Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				ReadTimeout:  durationpb.New(v.GetDuration("data.redis.read_timeout")),
				WriteTimeout: durationpb.New(v.GetDuration("data.redis.write_timeout")),
			},
		},
		Auth: &Auth{
			AdminToken: v.GetString("auth.admin_token"),
			Encryption: &Auth_Encryption{
				Key: v.GetString("auth.encryption.key"),
			},
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
		Routing: &Routing{
			MaxRetries:  v.GetInt32("routing.max_retries"),
			SessionTTL:  durationpb.New(v.GetDuration("routing.session_ttl")),
			ScoreWindow: durationpb.New(v.GetDuration("routing.score_window")),
		},
		Reconcile: &Reconcile{
			Enabled:       v.GetBool("reconcile.enabled"),
			IntervalHours: v.GetInt32("reconcile.interval_hours"),
			AutoFix:       v.GetBool("reconcile.auto_fix"),
			ThresholdUsd:  v.GetFloat64("reconcile.threshold_usd"),
			ThresholdRate: v.GetFloat64("reconcile.threshold_rate"),
		},
		Notify: &Notify{
			Workers:         v.GetInt32("notify.workers"),
			MaxAttempts:     v.GetInt32("notify.max_attempts"),
			BackoffBase:     durationpb.New(v.GetDuration("notify.backoff_base")),
			PollInterval:    durationpb.New(v.GetDuration("notify.poll_interval")),
			LeaderboardCron: v.GetString("notify.leaderboard_cron"),
			CostAlertHours:  v.GetInt32("notify.cost_alert_hours"),
		},
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 30*time.Second)

	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	// Note: data.database.source (MYSQL_DSN) is required from environment

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Routing defaults
	v.SetDefault("routing.max_retries", 3)
	v.SetDefault("routing.session_ttl", 5*time.Minute)
	v.SetDefault("routing.score_window", 24*time.Hour)

	// Reconcile defaults
	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval_hours", 6)
	v.SetDefault("reconcile.auto_fix", false)
	v.SetDefault("reconcile.threshold_usd", 0.01)
	v.SetDefault("reconcile.threshold_rate", 5.0)

	// Notify defaults
	v.SetDefault("notify.workers", 2)
	v.SetDefault("notify.max_attempts", 3)
	v.SetDefault("notify.backoff_base", 60*time.Second)
	v.SetDefault("notify.poll_interval", 5*time.Second)
	v.SetDefault("notify.leaderboard_cron", "0 0 9 * * *")
	v.SetDefault("notify.cost_alert_hours", 1)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that all required configuration fields are present.
func Validate(bc *Bootstrap) error {
	var missingFields []string

	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		missingFields = append(missingFields, "data.database.source (MYSQL_DSN)")
	}

	if bc.Auth == nil || bc.Auth.Encryption == nil || bc.Auth.Encryption.Key == "" {
		missingFields = append(missingFields, "auth.encryption.key (ENCRYPTION_KEY)")
	}

	if len(missingFields) > 0 {
		return fmt.Errorf("missing required configuration fields: %s", strings.Join(missingFields, ", "))
	}

	if bc.Reconcile != nil && bc.Reconcile.IntervalHours < 0 {
		return fmt.Errorf("reconcile.interval_hours must not be negative")
	}

	return nil
}
