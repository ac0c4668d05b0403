package config

import (
	"fmt"
	"os"
	"time"

	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"go.uber.org/zap"
)

const (
	ProviderDaily   = "daily"
	ProviderLiveKit = "livekit"

	StoreDatabase = "database"
	StoreMemory   = "memory"
)

// Config is the full service configuration.
type Config struct {
	Port        string
	Environment string
	InstanceID  string
	EnableCORS  bool
	CORSOrigins []string
	// APIJWTSecret signs bearer tokens accepted on the call control endpoints.
	// Empty disables the check.
	APIJWTSecret string
	Provider     string
	// Store is "database" or "memory". Memory keeps records and jobs in process and
	// is meant for local runs.
	Store string
	// CatalogSeedFile preloads courses and agents into the memory store.
	CatalogSeedFile string
	// CatalogCacheTTL bounds how long course and agent lookups are cached. Zero disables it.
	CatalogCacheTTL time.Duration

	Database     DatabaseConfig
	Redis        RedisConfig
	Orchestrator OrchestratorConfig
	Webhook      WebhookConfig
	PostCall     PostCallConfig
	Daily        DailyConfig
	LiveKit      LiveKitConfig
	AgentRuntime AgentRuntimeConfig
	Twilio       TwilioConfig
	PubSub       PubSubConfig
	Archive      ArchiveConfig
}

// DatabaseConfig configures the Postgres pool behind the call record store.
// URL, when set, wins over the individual connection fields.
type DatabaseConfig struct {
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	SlowThreshold   time.Duration
	// AutoMigrate creates or updates the schema on startup.
	AutoMigrate bool
}

// DSN returns the connection string for the Postgres driver.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

func LoadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:      os.Getenv("DATABASE_URL"),
		Host:     getEnvOrDefault("DB_HOST", "localhost"),
		Port:     getEnvAsIntOrDefault("DB_PORT", 5432),
		User:     getEnvOrDefault("DB_USER", "postgres"),
		Password: os.Getenv("DB_PASSWORD"),
		Name:     getEnvOrDefault("DB_NAME", "niva"),
		SSLMode:  getEnvOrDefault("DB_SSLMODE", "disable"),

		MaxOpenConns:    getEnvAsIntOrDefault("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDurationOrDefault("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		ConnMaxIdleTime: getEnvAsDurationOrDefault("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		SlowThreshold:   getEnvAsDurationOrDefault("DB_SLOW_QUERY_THRESHOLD", 500*time.Millisecond),
		AutoMigrate:     getEnvAsBoolOrDefault("DB_AUTO_MIGRATE", true),
	}
}

// RedisConfig locates the shared store used for dedupe, presence and tasks.
// Without a host the service runs single-instance on an in-process store.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type OrchestratorConfig struct {
	ProvisionTimeout  time.Duration
	AgentStartTimeout time.Duration
	StopGracePeriod   time.Duration
	AgentJoinTimeout  time.Duration
	MaxCallDuration   time.Duration
	RoomExpiry        time.Duration
	SweepInterval     time.Duration
	RoomPrefix        string
	EnableRecording   bool
}

var DefaultOrchestratorConfig = OrchestratorConfig{
	ProvisionTimeout:  10 * time.Second,
	AgentStartTimeout: 30 * time.Second,
	StopGracePeriod:   15 * time.Second,
	AgentJoinTimeout:  2 * time.Minute,
	MaxCallDuration:   time.Hour,
	RoomExpiry:        time.Hour,
	SweepInterval:     30 * time.Second,
	RoomPrefix:        "niva",
	EnableRecording:   true,
}

type WebhookConfig struct {
	DedupeWindow time.Duration
	// RateLimit is the sustained events/second accepted per provider route.
	RateLimit float64
	Burst     int
}

var DefaultWebhookConfig = WebhookConfig{
	DedupeWindow: 10 * time.Minute,
	RateLimit:    200,
	Burst:        400,
}

type PostCallConfig struct {
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	Workers       int
	PollInterval  time.Duration
	RecordingWait time.Duration
	JobTimeout    time.Duration
}

var DefaultPostCallConfig = PostCallConfig{
	MaxAttempts:   5,
	BaseBackoff:   2 * time.Second,
	MaxBackoff:    2 * time.Minute,
	Workers:       4,
	PollInterval:  5 * time.Second,
	RecordingWait: 10 * time.Minute,
	JobTimeout:    time.Minute,
}

type DailyConfig struct {
	APIURL         string
	APIKey         string
	RequestsPerSec float64
}

type LiveKitConfig struct {
	ServerURL    string
	APIKey       string
	APISecret    string
	SIPHost      string
	EgressBucket string
	// EgressCredentialsB64 is a base64 service account JSON for egress uploads.
	EgressCredentialsB64 string
}

type AgentRuntimeConfig struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

type PubSubConfig struct {
	ProjectID   string
	TopicName   string
	EventPrefix string
}

type ArchiveConfig struct {
	Bucket          string
	CredentialsFile string
	SignedURLTTL    time.Duration
}

// LoadOrchestratorConfig reads call timing settings.
func LoadOrchestratorConfig() OrchestratorConfig {
	d := DefaultOrchestratorConfig
	return OrchestratorConfig{
		ProvisionTimeout:  getEnvAsDurationOrDefault("PROVISION_TIMEOUT", d.ProvisionTimeout),
		AgentStartTimeout: getEnvAsDurationOrDefault("AGENT_START_TIMEOUT", d.AgentStartTimeout),
		StopGracePeriod:   getEnvAsDurationOrDefault("STOP_GRACE_PERIOD", d.StopGracePeriod),
		AgentJoinTimeout:  getEnvAsDurationOrDefault("AGENT_JOIN_TIMEOUT", d.AgentJoinTimeout),
		MaxCallDuration:   getEnvAsDurationOrDefault("MAX_CALL_DURATION", d.MaxCallDuration),
		RoomExpiry:        getEnvAsDurationOrDefault("ROOM_EXPIRY", d.RoomExpiry),
		SweepInterval:     getEnvAsDurationOrDefault("SWEEP_INTERVAL", d.SweepInterval),
		RoomPrefix:        getEnvOrDefault("ROOM_PREFIX", d.RoomPrefix),
		EnableRecording:   getEnvAsBoolOrDefault("RECORD_CALLS", d.EnableRecording),
	}
}

func LoadWebhookConfig() WebhookConfig {
	d := DefaultWebhookConfig
	return WebhookConfig{
		DedupeWindow: getEnvAsDurationOrDefault("DEDUPE_WINDOW", d.DedupeWindow),
		RateLimit:    getEnvAsFloatOrDefault("WEBHOOK_RATE_LIMIT", d.RateLimit),
		Burst:        getEnvAsIntOrDefault("WEBHOOK_RATE_BURST", d.Burst),
	}
}

func LoadPostCallConfig() PostCallConfig {
	d := DefaultPostCallConfig
	cfg := PostCallConfig{
		MaxAttempts:   getEnvAsIntOrDefault("POSTCALL_MAX_ATTEMPTS", d.MaxAttempts),
		BaseBackoff:   getEnvAsDurationOrDefault("POSTCALL_BASE_BACKOFF", d.BaseBackoff),
		MaxBackoff:    getEnvAsDurationOrDefault("POSTCALL_MAX_BACKOFF", d.MaxBackoff),
		Workers:       getEnvAsIntOrDefault("POSTCALL_WORKERS", d.Workers),
		PollInterval:  getEnvAsDurationOrDefault("POSTCALL_POLL_INTERVAL", d.PollInterval),
		RecordingWait: getEnvAsDurationOrDefault("RECORDING_WAIT", d.RecordingWait),
		JobTimeout:    getEnvAsDurationOrDefault("POSTCALL_JOB_TIMEOUT", d.JobTimeout),
	}
	if cfg.MaxAttempts < 1 {
		logger.Base().Warn("POSTCALL_MAX_ATTEMPTS below 1, using default", zap.Int("default", d.MaxAttempts))
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return cfg
}

func LoadDailyConfig() DailyConfig {
	cfg := DailyConfig{
		APIURL:         getEnvOrDefault("DAILY_API_URL", "https://api.daily.co/v1"),
		APIKey:         os.Getenv("DAILY_API_KEY"),
		RequestsPerSec: getEnvAsFloatOrDefault("DAILY_REQUESTS_PER_SEC", 5),
	}
	if cfg.APIKey == "" {
		logger.Base().Warn("DAILY_API_KEY is not set")
	}
	return cfg
}

func LoadLiveKitConfig() LiveKitConfig {
	return LiveKitConfig{
		ServerURL: os.Getenv("LIVEKIT_SERVER_URL"),
		APIKey:    os.Getenv("LIVEKIT_API_KEY"),
		APISecret: os.Getenv("LIVEKIT_API_SECRET"),
		SIPHost:   os.Getenv("LIVEKIT_SIP_HOST"),

		EgressBucket:         os.Getenv("LIVEKIT_GCS_BUCKET"),
		EgressCredentialsB64: os.Getenv("GOOGLE_STORAGE_LIVEKIT_CLOUD_ACCOUNT_JSON_BASE64"),
	}
}

func LoadAgentRuntimeConfig() AgentRuntimeConfig {
	cfg := AgentRuntimeConfig{
		BaseURL: getEnvOrDefault("AGENT_RUNTIME_URL", "http://localhost:8765"),
		Secret:  os.Getenv("AGENT_RUNTIME_SECRET"),
		Timeout: getEnvAsDurationOrDefault("AGENT_RUNTIME_TIMEOUT", 30*time.Second),
	}
	if os.Getenv("AGENT_RUNTIME_URL") == "" {
		logger.Base().Warn("No agent runtime endpoint found in environment, using default", zap.String("url", cfg.BaseURL))
	}
	return cfg
}

// Load assembles the configuration from the environment. The caller loads .env first.
func Load(instanceID string) (*Config, error) {
	cfg := &Config{
		Port:         getEnvOrDefault("PORT", "8080"),
		Environment:  getEnvOrDefault("ENVIRONMENT", "development"),
		InstanceID:   instanceID,
		EnableCORS:   getEnvAsBoolOrDefault("ENABLE_CORS", true),
		CORSOrigins:  splitAndTrimStrings(getEnvOrDefault("CORS_ORIGINS", "*"), ","),
		APIJWTSecret: os.Getenv("API_JWT_SECRET"),
		Provider:     getEnvOrDefault("CALL_PROVIDER", ProviderDaily),
		Store:        getEnvOrDefault("STORE_BACKEND", StoreDatabase),

		CatalogSeedFile: os.Getenv("CATALOG_SEED_FILE"),
		CatalogCacheTTL: getEnvAsDurationOrDefault("CATALOG_CACHE_TTL", time.Minute),

		Redis: RedisConfig{
			Host:     os.Getenv("REDIS_HOST"),
			Port:     getEnvOrDefault("REDIS_PORT", "6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvAsIntOrDefault("REDIS_DB", 0),
		},

		Orchestrator: LoadOrchestratorConfig(),
		Webhook:      LoadWebhookConfig(),
		PostCall:     LoadPostCallConfig(),
		AgentRuntime: LoadAgentRuntimeConfig(),
		Twilio: TwilioConfig{
			AccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
			AuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
			FromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		},
		PubSub: PubSubConfig{
			ProjectID:   os.Getenv("PUBSUB_PROJECT_ID"),
			TopicName:   getEnvOrDefault("PUBSUB_TOPIC_NAME", "call-events"),
			EventPrefix: os.Getenv("PUBSUB_EVENT_PREFIX"),
		},
		Archive: ArchiveConfig{
			Bucket:          os.Getenv("ARCHIVE_BUCKET"),
			CredentialsFile: os.Getenv("GCS_CREDENTIALS_FILE"),
			SignedURLTTL:    getEnvAsDurationOrDefault("RECORDING_URL_TTL", 24*time.Hour),
		},
	}

	if cfg.Store == StoreDatabase {
		cfg.Database = LoadDatabaseConfig()
	}

	switch cfg.Provider {
	case ProviderDaily:
		cfg.Daily = LoadDailyConfig()
	case ProviderLiveKit:
		cfg.LiveKit = LoadLiveKitConfig()
	default:
		return nil, fmt.Errorf("unsupported CALL_PROVIDER %q", cfg.Provider)
	}

	if cfg.Store != StoreDatabase && cfg.Store != StoreMemory {
		return nil, fmt.Errorf("unsupported STORE_BACKEND %q", cfg.Store)
	}
	if cfg.Orchestrator.StopGracePeriod <= 0 {
		return nil, fmt.Errorf("STOP_GRACE_PERIOD must be positive")
	}
	return cfg, nil
}
