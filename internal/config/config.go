// Package config loads the cross-app daemon configuration: defaults, then an
// optional YAML file, then an optional .env file, then the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/aesyros/align/internal/sharedstate"
)

const (
	BackendSupabase = "supabase"
	BackendPostgres = "postgres"
)

// SupabaseConfig holds the hosted backend settings.
type SupabaseConfig struct {
	URL         string        `yaml:"url" env:"SUPABASE_URL"`
	AnonKey     string        `yaml:"anon_key" env:"SUPABASE_ANON_KEY"`
	AccessToken string        `yaml:"access_token" env:"SUPABASE_ACCESS_TOKEN"`
	JoinTimeout time.Duration `yaml:"join_timeout" env:"SUPABASE_JOIN_TIMEOUT"`
}

// PostgresConfig holds the direct database settings.
type PostgresConfig struct {
	DSN string `yaml:"dsn" env:"CROSSAPP_POSTGRES_DSN"`
}

// SyncConfig controls the sync provider and the store.
type SyncConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout" env:"CROSSAPP_CONNECT_TIMEOUT"`
	NotificationCap int           `yaml:"notification_cap" env:"CROSSAPP_NOTIFICATION_CAP"`
	ActivityCap     int           `yaml:"activity_cap" env:"CROSSAPP_ACTIVITY_CAP"`
	OrganizationID  string        `yaml:"organization_id" env:"CROSSAPP_ORGANIZATION_ID"`
	UserID          string        `yaml:"user_id" env:"CROSSAPP_USER_ID"`
	// ResyncSchedule is a cron spec for a full cache refresh that backs up
	// the push feed, e.g. "@every 5m". Empty disables it.
	ResyncSchedule string `yaml:"resync_schedule" env:"CROSSAPP_RESYNC_SCHEDULE"`
}

// HTTPConfig controls the HTTP surface.
type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"CROSSAPP_HTTP_ADDR"`
	RateLimit       int           `yaml:"rate_limit" env:"CROSSAPP_RATE_LIMIT"`
	RateBurst       int           `yaml:"rate_burst" env:"CROSSAPP_RATE_BURST"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"CROSSAPP_SHUTDOWN_TIMEOUT"`
	// AllowedOrigins is separated by ";" in the environment.
	AllowedOrigins []string `yaml:"allowed_origins" env:"CROSSAPP_ALLOWED_ORIGINS"`
	// JWTSecret enables bearer-token authentication when set.
	JWTSecret string `yaml:"jwt_secret" env:"SUPABASE_JWT_SECRET"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Config is the daemon configuration.
type Config struct {
	App      string         `yaml:"app" env:"CROSSAPP_APP"`
	Backend  string         `yaml:"backend" env:"CROSSAPP_BACKEND"`
	Supabase SupabaseConfig `yaml:"supabase"`
	Postgres PostgresConfig `yaml:"postgres"`
	Sync     SyncConfig     `yaml:"sync"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		App:     sharedstate.AppAlign.String(),
		Backend: BackendSupabase,
		Supabase: SupabaseConfig{
			JoinTimeout: 10 * time.Second,
		},
		Sync: SyncConfig{
			ConnectTimeout:  10 * time.Second,
			NotificationCap: sharedstate.DefaultNotificationCap,
			ActivityCap:     sharedstate.DefaultActivityCap,
		},
		HTTP: HTTPConfig{
			Addr:            ":8090",
			RateLimit:       20,
			RateBurst:       40,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration. path names an optional YAML file and envFile
// an optional dotenv file; missing files are skipped. Variables already in the
// environment win over the dotenv file.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env (%s): %w", envFile, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if cfg.Backend == "postgresql" {
		cfg.Backend = BackendPostgres
	}
	return cfg, nil
}

// AppName returns the configured application.
func (c *Config) AppName() sharedstate.App {
	return sharedstate.ParseApp(strings.ToLower(strings.TrimSpace(c.App)))
}

// Validate checks the configuration for the selected backend.
func (c *Config) Validate() error {
	var errs []error
	if !c.AppName().Valid() {
		errs = append(errs, fmt.Errorf("app %q is not one of align, drive, pulse, catalyst, flow, foresight", c.App))
	}
	switch c.Backend {
	case BackendSupabase:
		if c.Supabase.URL == "" {
			errs = append(errs, errors.New("supabase.url is required"))
		}
		if c.Supabase.AnonKey == "" {
			errs = append(errs, errors.New("supabase.anon_key is required"))
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend %q is not supabase or postgres", c.Backend))
	}
	if c.Sync.NotificationCap <= 0 {
		errs = append(errs, errors.New("sync.notification_cap must be positive"))
	}
	if c.Sync.ActivityCap <= 0 {
		errs = append(errs, errors.New("sync.activity_cap must be positive"))
	}
	if c.Sync.ResyncSchedule != "" {
		if _, err := cron.ParseStandard(c.Sync.ResyncSchedule); err != nil {
			errs = append(errs, fmt.Errorf("sync.resync_schedule: %w", err))
		}
	}
	if c.HTTP.RateLimit < 0 || c.HTTP.RateBurst < 0 {
		errs = append(errs, errors.New("http rate limits must not be negative"))
	}
	return errors.Join(errs...)
}
