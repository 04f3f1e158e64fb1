package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, "panelauth", c.JwtIssuer)
	assert.Equal(t, 15*time.Minute, c.AccessTokenTTL)
	assert.Equal(t, 5*time.Second, c.StoreTimeout)
	assert.Equal(t, 10, c.LoginRatePerMinute)
	assert.Equal(t, 1<<15, c.ScryptN)
	assert.Equal(t, "viewer", c.DefaultRole)
	assert.False(t, c.CookieSecure)
	assert.Nil(t, c.CSRFExemptList())
	assert.False(t, c.IsProduction())
}

func TestNew_Overrides(t *testing.T) {
	t.Setenv("DB_ADAPTER", "sqlite")
	t.Setenv("SQLITE_FILE", "/tmp/x.db")
	t.Setenv("ACCESS_TOKEN_TTL", "5m")
	t.Setenv("CSRF_EXEMPT_PATHS", "/api/v1/webhooks, /callbacks ,")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://panel.example.com")
	t.Setenv("COOKIE_SECURE", "true")
	t.Setenv("PASSWORD_WORKERS", "3")

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, c.AccessTokenTTL)
	assert.Equal(t, []string{"/api/v1/webhooks", "/callbacks"}, c.CSRFExemptList())
	assert.Equal(t, []string{"https://panel.example.com"}, c.CORSOriginList())
	assert.True(t, c.CookieSecure)
	assert.Equal(t, 3, c.PasswordWorkers)
}

func TestNew_PostgresDSNFromLegacyNames(t *testing.T) {
	t.Setenv("DB_ADAPTER", "postgres")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_USER", "svc")
	t.Setenv("DB_NAME", "panel")
	t.Setenv("DB_PASSWORD", "pw")

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, "host=db.internal port=5432 user=svc dbname=panel sslmode=disable password=pw", c.PostgresDSN)
}

func TestNew_ProductionRejectsDefaultSecrets(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("ENV", "production")

	_, err := New()
	require.Error(t, err)

	t.Setenv("JWT_SECRET", "a-real-secret")
	_, err = New()
	require.Error(t, err)

	t.Setenv("CSRF_SECRET", "another-real-secret")
	c, err := New()
	require.NoError(t, err)
	assert.True(t, c.IsProduction())
}

func TestNew_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"adapter": {"DB_ADAPTER": "mongo"},
		"port":    {"DB_ADAPTER": "memory", "PORT": "http"},
		"rate":    {"DB_ADAPTER": "memory", "LOGIN_RATE_PER_MINUTE": "0"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := New()
			assert.Error(t, err)
		})
	}
}

func TestBuildPostgresDSN(t *testing.T) {
	c := &Config{PostgresDSN: "postgres://x"}
	dsn, err := c.BuildPostgresDSN()
	require.NoError(t, err)
	assert.Equal(t, "postgres://x", dsn)

	_, err = (&Config{}).BuildPostgresDSN()
	assert.Error(t, err)
}
