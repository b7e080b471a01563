// Package config loads and validates MediSys configuration using Viper.
//
// Layering: built-in defaults < YAML config file < environment variables.
// Environment variables use the MEDISYS_ prefix (MEDISYS_DATABASE_HOST overrides
// database.host). The unprefixed DB_NAME, DB_USER, DB_PASS and DB_HOST variables
// used by existing deployments are honoured as fallbacks for the database section.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned (wrapped) for missing or inconsistent settings.
// Startup treats it as fatal.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config holds all application configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig holds PostgreSQL connection and pool settings.
type DatabaseConfig struct {
	// URL, when set, wins over the discrete fields below.
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	// TxTimeout bounds every transaction opened by the store; 0 disables it.
	TxTimeout time.Duration `mapstructure:"tx_timeout"`
}

// DSN returns the connection string for the pgx driver.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   d.Host + ":" + strconv.Itoa(d.Port),
		Path:   "/" + d.Name,
	}
	q := url.Values{}
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RatePerSecond   int           `mapstructure:"rate_per_second"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

// AuthConfig holds password hashing and session token settings.
type AuthConfig struct {
	// SessionSecret signs session tokens. Empty means an ephemeral per-process secret.
	SessionSecret string        `mapstructure:"session_secret"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	Issuer        string        `mapstructure:"issuer"`
	BcryptCost    int           `mapstructure:"bcrypt_cost"`
}

// BootstrapConfig holds the credentials and names seeded by EnsureSchema.
type BootstrapConfig struct {
	AdminPassword    string `mapstructure:"admin_password"`
	DoctorPassword   string `mapstructure:"doctor_password"`
	DoctorDepartment string `mapstructure:"doctor_department"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// legacyEnv maps config keys to the unprefixed variables older deployments export.
var legacyEnv = map[string]string{
	"database.name":     "DB_NAME",
	"database.user":     "DB_USER",
	"database.password": "DB_PASS",
	"database.host":     "DB_HOST",
}

// bindEnvVars explicitly binds environment variables for every nested key;
// AutomaticEnv alone does not reach nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		"database.url",
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_open_conns",
		"database.max_idle_conns",
		"database.conn_max_lifetime",
		"database.conn_max_idle_time",
		"database.tx_timeout",

		"server.addr",
		"server.read_timeout",
		"server.write_timeout",
		"server.shutdown_timeout",
		"server.rate_per_second",
		"server.rate_burst",

		"auth.session_secret",
		"auth.session_ttl",
		"auth.issuer",
		"auth.bcrypt_cost",

		"bootstrap.admin_password",
		"bootstrap.doctor_password",
		"bootstrap.doctor_department",

		"logging.level",
		"logging.format",
	}
	for _, key := range keys {
		names := []string{key, "MEDISYS_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}
		if legacy, ok := legacyEnv[key]; ok {
			names = append(names, legacy)
		}
		if err := v.BindEnv(names...); err != nil {
			return fmt.Errorf("bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load reads configuration from configPath (optional) and the environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("medisys")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/medisys")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("MEDISYS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "medisys")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "15m")
	v.SetDefault("database.conn_max_idle_time", "5m")
	v.SetDefault("database.tx_timeout", "10s")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.rate_per_second", 20)
	v.SetDefault("server.rate_burst", 40)

	v.SetDefault("auth.session_ttl", "8h")
	v.SetDefault("auth.issuer", "medisys")
	v.SetDefault("auth.bcrypt_cost", 12)

	v.SetDefault("bootstrap.admin_password", "admin")
	v.SetDefault("bootstrap.doctor_password", "doctor123")
	v.SetDefault("bootstrap.doctor_department", "General Medicine")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks required settings. Errors wrap ErrInvalidConfig.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.Database.URL == "" {
		if c.Database.Host == "" {
			return invalid("database.host is required")
		}
		if c.Database.Name == "" {
			return invalid("database.name is required")
		}
		if c.Database.User == "" {
			return invalid("database.user is required")
		}
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return invalid("invalid database port: %d", c.Database.Port)
		}
	}
	if c.Database.MaxOpenConns < 1 {
		return invalid("database.max_open_conns must be positive")
	}
	if c.Database.TxTimeout < 0 {
		return invalid("database.tx_timeout must not be negative")
	}

	if c.Server.Addr == "" {
		return invalid("server.addr is required")
	}
	if c.Server.RatePerSecond < 1 || c.Server.RateBurst < 1 {
		return invalid("server rate limit must be positive")
	}

	// bcrypt accepts costs 4..31
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return invalid("auth.bcrypt_cost out of range: %d", c.Auth.BcryptCost)
	}
	if c.Auth.SessionTTL <= 0 {
		return invalid("auth.session_ttl must be positive")
	}

	if c.Bootstrap.AdminPassword == "" || c.Bootstrap.DoctorPassword == "" {
		return invalid("bootstrap passwords must not be empty")
	}
	if c.Bootstrap.DoctorDepartment == "" {
		return invalid("bootstrap.doctor_department is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return invalid("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return invalid("invalid logging format: %s", c.Logging.Format)
	}
	return nil
}
