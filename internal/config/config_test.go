package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CALL_PROVIDER", "")
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("REDIS_PORT", "")
	t.Setenv("PROVISION_TIMEOUT", "")
	t.Setenv("POSTCALL_MAX_ATTEMPTS", "")

	cfg, err := Load("pod-1")
	require.NoError(t, err)
	assert.Equal(t, ProviderDaily, cfg.Provider)
	assert.Equal(t, "pod-1", cfg.InstanceID)
	assert.Equal(t, DefaultOrchestratorConfig.ProvisionTimeout, cfg.Orchestrator.ProvisionTimeout)
	assert.Equal(t, DefaultPostCallConfig.MaxAttempts, cfg.PostCall.MaxAttempts)
	assert.Equal(t, "https://api.daily.co/v1", cfg.Daily.APIURL)
	assert.Equal(t, StoreDatabase, cfg.Store)
	assert.Equal(t, "6379", cfg.Redis.Port)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CALL_PROVIDER", "livekit")
	t.Setenv("LIVEKIT_SERVER_URL", "wss://lk.example.com")
	t.Setenv("PROVISION_TIMEOUT", "3s")
	t.Setenv("STOP_GRACE_PERIOD", "20")
	t.Setenv("POSTCALL_MAX_ATTEMPTS", "0")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example ,")

	cfg, err := Load("pod-1")
	require.NoError(t, err)
	assert.Equal(t, ProviderLiveKit, cfg.Provider)
	assert.Equal(t, "wss://lk.example.com", cfg.LiveKit.ServerURL)
	assert.Equal(t, 3*time.Second, cfg.Orchestrator.ProvisionTimeout)
	assert.Equal(t, 20*time.Second, cfg.Orchestrator.StopGracePeriod)
	assert.Equal(t, DefaultPostCallConfig.MaxAttempts, cfg.PostCall.MaxAttempts)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	t.Setenv("CALL_PROVIDER", "zoom")
	_, err := Load("pod-1")
	assert.Error(t, err)
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	t.Setenv("CALL_PROVIDER", "")
	t.Setenv("STORE_BACKEND", "sqlite")
	_, err := Load("pod-1")
	assert.Error(t, err)
}

func TestDatabaseDSN(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PASSWORD", "secret")
	cfg := LoadDatabaseConfig()
	assert.Equal(t, "host=db.internal port=5432 user=postgres password=secret dbname=niva sslmode=disable", cfg.DSN())
	assert.True(t, cfg.AutoMigrate)

	t.Setenv("DATABASE_URL", "postgres://u:p@h/db")
	assert.Equal(t, "postgres://u:p@h/db", LoadDatabaseConfig().DSN())
}
