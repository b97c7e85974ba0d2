package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"document-intake/internal/apperr"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DOC_API_URL", "https://docs.example.com/")
	t.Setenv("RECONCILE_DELAY", "")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg := Load()

	assert.Equal(t, "https://docs.example.com", cfg.DocAPIURL)
	assert.Equal(t, 3, cfg.ReconcileAttempts)
	assert.Equal(t, 2*time.Second, cfg.ReconcileDelay)
	assert.Equal(t, 5*time.Minute, cfg.PipelineTimeout)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
	assert.False(t, cfg.StorageEnabled())
}

func TestValidateListsMissingKeys(t *testing.T) {
	cfg := Config{DocAPIURL: "https://docs.example.com", DatabaseURL: "postgres://x"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, apperr.IsConfiguration(err))

	var cfgErr *apperr.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, []string{"DOC_API_USERNAME", "DOC_API_PASSWORD", "AUTH_JWT_SECRET"}, cfgErr.Keys)
}

func TestValidateComplete(t *testing.T) {
	cfg := Config{
		DocAPIURL:      "https://docs.example.com",
		DocAPIUsername: "svc",
		DocAPIPassword: "secret",
		DatabaseURL:    "postgres://x",
		AuthJWTSecret:  "jwt",
	}
	assert.NoError(t, cfg.Validate())
}

func TestInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("RECONCILE_ATTEMPTS", "three")
	t.Setenv("LOG_JSON", "yes please")
	cfg := Load()
	assert.Equal(t, 3, cfg.ReconcileAttempts)
	assert.False(t, cfg.LogJSON)
}
