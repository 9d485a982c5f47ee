// Package config builds the process configuration once at startup. Values
// come from defaults, then an optional YAML file, then an optional .env
// file, then the process environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"scooproute/internal/schedule"
)

type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	DBMigrate   bool   `yaml:"db_migrate"`
	RedisURL    string `yaml:"redis_url"`

	Cron     CronConfig     `yaml:"cron"`
	Auth     AuthConfig     `yaml:"auth"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Rate     RateConfig     `yaml:"rate"`
	Webhooks WebhookConfig  `yaml:"webhooks"`
	Log      LogConfig      `yaml:"log"`
}

type CronConfig struct {
	// Secret authorizes X-Cron-Secret callers. Empty disables secret auth.
	Secret string `yaml:"secret"`
	// LockTTL bounds how long a crashed run can keep others out.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

type AuthConfig struct {
	Mode       string `yaml:"mode"` // dev | hmac | jwks
	HMACSecret string `yaml:"hmac_secret"`
	JWKSURL    string `yaml:"jwks_url"`
}

type ScheduleConfig struct {
	Timezone                   string   `yaml:"timezone"`
	DaysAhead                  int      `yaml:"days_ahead"`
	NonServiceDays             []string `yaml:"non_service_days"`
	WeekdayPinOverridesCadence bool     `yaml:"weekday_pin_overrides_cadence"`
}

type RateConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type WebhookConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

// MaxDaysAhead caps the materializer horizon a caller may request.
const MaxDaysAhead = 60

func Default() Config {
	return Config{
		Port:     "8080",
		Cron:     CronConfig{LockTTL: 10 * time.Minute},
		Auth:     AuthConfig{Mode: "dev"},
		Schedule: ScheduleConfig{Timezone: "UTC", DaysAhead: schedule.DefaultDaysAhead, NonServiceDays: []string{"sunday"}},
		Rate:     RateConfig{RPS: 20, Burst: 40},
		Webhooks: WebhookConfig{MaxAttempts: 8, PollInterval: 2 * time.Second},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// Load applies CONFIG_FILE, then .env (when present), then the environment
// over Default and validates the result.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadYAML(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Port = envStr("PORT", c.Port)
	c.DatabaseURL = envStr("DATABASE_URL", c.DatabaseURL)
	c.DBMigrate = envBool("DB_MIGRATE", c.DBMigrate)
	c.RedisURL = envStr("REDIS_URL", c.RedisURL)
	c.Cron.Secret = envStr("CRON_SECRET", c.Cron.Secret)
	c.Auth.Mode = envStr("AUTH_MODE", c.Auth.Mode)
	c.Auth.HMACSecret = envStr("AUTH_HMAC_SECRET", c.Auth.HMACSecret)
	c.Auth.JWKSURL = envStr("AUTH_JWKS_URL", c.Auth.JWKSURL)
	c.Schedule.Timezone = envStr("SCHEDULE_TIMEZONE", c.Schedule.Timezone)
	if v := os.Getenv("SCHEDULE_NON_SERVICE_DAYS"); v != "" {
		c.Schedule.NonServiceDays = splitList(v)
	}
	c.Schedule.WeekdayPinOverridesCadence = envBool("WEEKDAY_PIN_OVERRIDES_CADENCE", c.Schedule.WeekdayPinOverridesCadence)
	c.Log.Level = envStr("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envStr("LOG_FORMAT", c.Log.Format)

	var err error
	if c.Schedule.DaysAhead, err = envInt("SCHEDULE_DAYS_AHEAD", c.Schedule.DaysAhead); err != nil {
		return err
	}
	if c.Rate.Burst, err = envInt("RATE_BURST", c.Rate.Burst); err != nil {
		return err
	}
	if c.Webhooks.MaxAttempts, err = envInt("WEBHOOK_MAX_ATTEMPTS", c.Webhooks.MaxAttempts); err != nil {
		return err
	}
	if v := os.Getenv("RATE_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RATE_RPS: %w", err)
		}
		c.Rate.RPS = f
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	if c.Schedule.DaysAhead < 0 || c.Schedule.DaysAhead > MaxDaysAhead {
		errs = append(errs, fmt.Errorf("schedule.days_ahead must be between 0 and %d", MaxDaysAhead))
	}
	switch c.Auth.Mode {
	case "dev":
	case "hmac":
		if c.Auth.HMACSecret == "" {
			errs = append(errs, errors.New("auth.hmac_secret is required in hmac mode"))
		}
	case "jwks":
		if c.Auth.JWKSURL == "" {
			errs = append(errs, errors.New("auth.jwks_url is required in jwks mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth mode %q", c.Auth.Mode))
	}
	if c.Rate.RPS < 0 || c.Rate.Burst < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if c.Webhooks.MaxAttempts < 1 {
		errs = append(errs, errors.New("webhooks.max_attempts must be at least 1"))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location resolves the scheduling timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule.timezone: %w", err)
	}
	return loc, nil
}

// Policy converts the schedule section into the predicate's policy.
func (c *Config) Policy() (schedule.Policy, error) {
	pol := schedule.Policy{WeekdayPinOverridesCadence: c.Schedule.WeekdayPinOverridesCadence}
	for _, name := range c.Schedule.NonServiceDays {
		d, err := schedule.ParseWeekday(name)
		if err != nil {
			return pol, fmt.Errorf("schedule.non_service_days: %w", err)
		}
		pol.NonServiceDays = append(pol.NonServiceDays, d)
	}
	return pol, nil
}

func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return lvl, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger() *slog.Logger {
	lvl, _ := c.LogLevel()
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(c.Log.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	switch strings.ToLower(os.Getenv(k)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return d
}

func envInt(k string, d int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return d, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
