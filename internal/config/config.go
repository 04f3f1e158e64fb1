// Package config loads panelauth settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultJWTSecret  = "change-me"
	defaultCSRFSecret = "change-me-too"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	DBAdapter     string `mapstructure:"DB_ADAPTER"`
	SQLiteFile    string `mapstructure:"SQLITE_FILE"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	Env           string `mapstructure:"APP_ENV"`

	JwtSecret      string        `mapstructure:"JWT_SECRET"`
	JwtIssuer      string        `mapstructure:"JWT_ISSUER"`
	AccessTokenTTL time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`

	CSRFSecret      string `mapstructure:"CSRF_SECRET"`
	CSRFExemptPaths string `mapstructure:"CSRF_EXEMPT_PATHS"`
	CookieSecure    bool   `mapstructure:"COOKIE_SECURE"`

	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LoginRatePerMinute int    `mapstructure:"LOGIN_RATE_PER_MINUTE"`

	// PasswordWorkers bounds concurrent hash computations; 0 means GOMAXPROCS.
	PasswordWorkers int `mapstructure:"PASSWORD_WORKERS"`
	ScryptN         int `mapstructure:"SCRYPT_N"`

	StoreTimeout time.Duration `mapstructure:"STORE_TIMEOUT"`
	DefaultRole  string        `mapstructure:"DEFAULT_ROLE"`

	// PostgreSQL connection settings
	PostgresDSN      string `mapstructure:"POSTGRES_DSN"`
	PostgresHost     string `mapstructure:"POSTGRES_HOST"`
	PostgresPort     string `mapstructure:"POSTGRES_PORT"`
	PostgresUser     string `mapstructure:"POSTGRES_USER"`
	PostgresPassword string `mapstructure:"POSTGRES_PASSWORD"`
	PostgresDB       string `mapstructure:"POSTGRES_DB"`
	PostgresSSLMode  string `mapstructure:"POSTGRES_SSLMODE"`
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

// IsProduction reports whether APP_ENV (or ENV/NODE_ENV) names production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}

// CSRFExemptList returns the configured extra CSRF-exempt path prefixes.
func (c *Config) CSRFExemptList() []string { return splitList(c.CSRFExemptPaths) }

// CORSOriginList returns the allowed CORS origins. An empty list allows none.
func (c *Config) CORSOriginList() []string { return splitList(c.CORSAllowedOrigins) }

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// New reads .env (if present) and the environment. Env vars override .env.
func New() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()

	// legacy names kept as fallbacks
	_ = v.BindEnv("APP_ENV", "APP_ENV", "ENV", "NODE_ENV")
	_ = v.BindEnv("POSTGRES_HOST", "POSTGRES_HOST", "DB_HOST")
	_ = v.BindEnv("POSTGRES_PORT", "POSTGRES_PORT", "DB_PORT")
	_ = v.BindEnv("POSTGRES_USER", "POSTGRES_USER", "DB_USER")
	_ = v.BindEnv("POSTGRES_PASSWORD", "POSTGRES_PASSWORD", "DB_PASSWORD")
	_ = v.BindEnv("POSTGRES_DB", "POSTGRES_DB", "DB_NAME")
	_ = v.BindEnv("POSTGRES_SSLMODE", "POSTGRES_SSLMODE", "DB_SSLMODE")

	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_ADAPTER", "postgres")
	v.SetDefault("SQLITE_FILE", "./data/panelauth.db")
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("JWT_ISSUER", "panelauth")
	v.SetDefault("ACCESS_TOKEN_TTL", "15m")
	v.SetDefault("CSRF_SECRET", defaultCSRFSecret)
	v.SetDefault("CSRF_EXEMPT_PATHS", "")
	v.SetDefault("COOKIE_SECURE", false)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
	v.SetDefault("LOGIN_RATE_PER_MINUTE", 10)
	v.SetDefault("PASSWORD_WORKERS", 0)
	v.SetDefault("SCRYPT_N", 1<<15)
	v.SetDefault("STORE_TIMEOUT", "5s")
	v.SetDefault("DEFAULT_ROLE", "viewer")
	v.SetDefault("POSTGRES_DSN", "")
	v.SetDefault("POSTGRES_HOST", "localhost")
	v.SetDefault("POSTGRES_PORT", "5432")
	v.SetDefault("POSTGRES_USER", "panel")
	v.SetDefault("POSTGRES_PASSWORD", "panelpass")
	v.SetDefault("POSTGRES_DB", "panelauth")
	v.SetDefault("POSTGRES_SSLMODE", "disable")

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("invalid DB_ADAPTER: %s", c.DBAdapter)
	}

	if c.IsProduction() {
		if c.JwtSecret == "" || c.JwtSecret == defaultJWTSecret {
			return nil, errors.New("JWT_SECRET must be set in production")
		}
		if c.CSRFSecret == "" || c.CSRFSecret == defaultCSRFSecret {
			return nil, errors.New("CSRF_SECRET must be set in production")
		}
	}
	if c.JwtSecret == "" || c.CSRFSecret == "" {
		return nil, errors.New("JWT_SECRET and CSRF_SECRET must not be empty")
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}
	if c.AccessTokenTTL <= 0 {
		return nil, fmt.Errorf("invalid ACCESS_TOKEN_TTL: %s", c.AccessTokenTTL)
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.LoginRatePerMinute <= 0 {
		return nil, fmt.Errorf("invalid LOGIN_RATE_PER_MINUTE: %d", c.LoginRatePerMinute)
	}
	if c.PasswordWorkers < 0 {
		return nil, fmt.Errorf("invalid PASSWORD_WORKERS: %d", c.PasswordWorkers)
	}

	return &c, nil
}
