// Package config loads process configuration from a YAML file, MEMSYNC_*
// environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/and161185/memsync/internal/membership"
)

// EnvPrefix prefixes every environment override, e.g. MEMSYNC_CRM_BASE_URL.
const EnvPrefix = "MEMSYNC"

// Config is the full process configuration.
type Config struct {
	Environment string          `mapstructure:"environment"`
	Dev         bool            `mapstructure:"dev"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	GRPC        GRPCConfig      `mapstructure:"grpc"`
	Database    DatabaseConfig  `mapstructure:"database"`
	CRM         CRMConfig       `mapstructure:"crm"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	Cache       CacheConfig     `mapstructure:"cache"`
	Membership  MemberConfig    `mapstructure:"membership"`
	Sweep       SweepConfig     `mapstructure:"sweep"`
	Mail        MailConfig      `mapstructure:"mail"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type GRPCConfig struct {
	Addr       string `mapstructure:"addr"`
	TLSCert    string `mapstructure:"tls_cert"`
	TLSKey     string `mapstructure:"tls_key"`
	Reflection bool   `mapstructure:"reflection"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// CRMConfig configures the remote CRM transport.
type CRMConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	SubscriptionKey string        `mapstructure:"subscription_key"`
	AccessToken     string        `mapstructure:"access_token"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	MaxRetryAfter   time.Duration `mapstructure:"max_retry_after"`
}

// RateLimitConfig is the outbound CRM call budget. Shared enables the
// Postgres-backed budget common to all processes.
type RateLimitConfig struct {
	Calls  int           `mapstructure:"calls"`
	Window time.Duration `mapstructure:"window"`
	Burst  int           `mapstructure:"burst"`
	Shared bool          `mapstructure:"shared"`
}

type CacheConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// MemberConfig holds membership evaluation parameters.
type MemberConfig struct {
	TimeZone      string `mapstructure:"time_zone"`
	GraceDays     int    `mapstructure:"grace_days"`
	LookAheadDays int    `mapstructure:"look_ahead_days"`
}

type SweepConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// MailConfig configures reminder delivery. Without an SMTP address
// messages are only logged.
type MailConfig struct {
	Suppress  bool       `mapstructure:"suppress"`
	AllowList []string   `mapstructure:"allow_list"`
	SMTP      SMTPConfig `mapstructure:"smtp"`
}

type SMTPConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// AuthConfig holds the HS256 keys for webhook senders and operators.
type AuthConfig struct {
	WebhookKey  string        `mapstructure:"webhook_key"`
	OperatorKey string        `mapstructure:"operator_key"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
}

type TelemetryConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

var defaults = map[string]any{
	"environment":                "development",
	"http.addr":                  ":8080",
	"grpc.addr":                  ":8443",
	"database.dsn":               "",
	"crm.base_url":               "",
	"crm.subscription_key":       "",
	"crm.access_token":           "",
	"crm.timeout":                30 * time.Second,
	"crm.max_attempts":           5,
	"crm.initial_backoff":        500 * time.Millisecond,
	"crm.max_backoff":            30 * time.Second,
	"crm.max_retry_after":        time.Minute,
	"rate_limit.calls":           10,
	"rate_limit.window":          time.Second,
	"rate_limit.burst":           10,
	"rate_limit.shared":          true,
	"cache.size":                 64,
	"cache.ttl":                  10 * time.Minute,
	"membership.time_zone":       "UTC",
	"membership.grace_days":      30,
	"membership.look_ahead_days": 30,
	"sweep.enabled":              true,
	"sweep.interval":             24 * time.Hour,
	"mail.suppress":              true,
	"mail.allow_list":            []string{},
	"mail.smtp.addr":             "",
	"mail.smtp.username":         "",
	"mail.smtp.password":         "",
	"mail.smtp.from":             "",
	"auth.webhook_key":           "",
	"auth.operator_key":          "",
	"auth.token_ttl":             24 * time.Hour,
	"telemetry.endpoint":         "",
	"telemetry.sample_ratio":     1.0,
	"grpc.tls_cert":              "",
	"grpc.tls_key":               "",
	"grpc.reflection":            false,
	"dev":                        false,
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"http-addr": "http.addr",
	"grpc-addr": "grpc.addr",
	"dsn":       "database.dsn",
	"dev":       "dev",
}

// Load reads path (optional), then environment, then the flags present in fs
// (may be nil). Later sources win.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Production reports whether mail suppression must be off.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Location returns the membership time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Membership.TimeZone)
}

// Policy returns the grace and look-ahead windows.
func (c *Config) Policy() membership.Policy {
	return membership.Policy{GraceDays: c.Membership.GraceDays, LookAheadDays: c.Membership.LookAheadDays}
}

// Validate reports every missing or invalid value of a serving process.
func (c *Config) Validate() error {
	var missing, invalid []string
	if c.Database.DSN == "" {
		missing = append(missing, "database.dsn")
	}
	if c.CRM.BaseURL == "" {
		missing = append(missing, "crm.base_url")
	}
	if c.Auth.WebhookKey == "" {
		missing = append(missing, "auth.webhook_key")
	}
	if c.Auth.OperatorKey == "" {
		missing = append(missing, "auth.operator_key")
	}
	if c.Auth.WebhookKey != "" && c.Auth.WebhookKey == c.Auth.OperatorKey {
		invalid = append(invalid, "auth.operator_key must differ from auth.webhook_key")
	}
	if c.Membership.GraceDays < 0 || c.Membership.LookAheadDays < 0 {
		invalid = append(invalid, "membership windows must not be negative")
	}
	if _, err := c.Location(); err != nil {
		invalid = append(invalid, "membership.time_zone: "+err.Error())
	}
	if c.RateLimit.Calls <= 0 || c.RateLimit.Window <= 0 {
		invalid = append(invalid, "rate_limit needs positive calls and window")
	}
	if c.Sweep.Enabled && c.Sweep.Interval < time.Minute {
		invalid = append(invalid, "sweep.interval below one minute")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		invalid = append(invalid, "telemetry.sample_ratio must be within [0,1]")
	}
	if (c.GRPC.TLSCert == "") != (c.GRPC.TLSKey == "") {
		invalid = append(invalid, "grpc.tls_cert and grpc.tls_key go together")
	}

	if len(missing) == 0 && len(invalid) == 0 {
		return nil
	}
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		parts = append(parts, "invalid: "+strings.Join(invalid, "; "))
	}
	return errors.New("config " + strings.Join(parts, "; "))
}
