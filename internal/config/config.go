package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Auth         AuthConfig
	RFI          RFIConfig
	Transport    TransportConfig
	Gmail        GmailConfig
	PubSub       PubSubConfig
	Webhook      WebhookConfig
	Ingestion    IngestionConfig
	Notification NotificationConfig
	FCM          FCMConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values. An empty DSN selects the in-memory store.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values. An empty Addr selects in-memory queues.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines bearer token verification parameters.
type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
}

// RFIConfig holds record numbering defaults.
type RFIConfig struct {
	DefaultPrefix  string
	SequenceHeader string
}

// TransportConfig selects and bounds the mail provider client.
type TransportConfig struct {
	Driver         string
	SenderAddress  string
	SenderName     string
	MessageDomain  string
	CallTimeout    time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
}

// GmailConfig carries OAuth client credentials for the Gmail driver.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	UserID       string
	WatchTopic   string
}

// PubSubConfig enables the pull-subscriber event source.
type PubSubConfig struct {
	ProjectID       string
	Subscription    string
	CredentialsFile string
	MaxOutstanding  int
}

// WebhookConfig controls push authenticity checks.
type WebhookConfig struct {
	Secret     string
	Token      string
	DedupeTTL  time.Duration
	MaxBodyLen int
}

// IngestionConfig bounds the async worker pool.
type IngestionConfig struct {
	Workers       int
	QueueCapacity int
	MaxAttempts   int
	RetryBase     time.Duration
	RetryCeiling  time.Duration
	// LeaseTimeout is how long a dequeued job may stay unacknowledged
	// before it is handed to another worker.
	LeaseTimeout time.Duration
}

// NotificationConfig holds dispatcher and scheduler settings.
type NotificationConfig struct {
	WebhookURL           string
	ScanInterval         time.Duration
	DueSoonWindow        time.Duration
	DeliveryConfirmAfter time.Duration
	MaxAttempts          int
	RetryDelay           time.Duration
	BatchSize            int
}

// FCMConfig enables Firebase Cloud Messaging topic pushes.
type FCMConfig struct {
	CredentialsFile string
	TopicPrefix     string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "rfi-sync-service"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:      os.Getenv("REDIS_ADDR"),
			Password:  os.Getenv("REDIS_PASSWORD"),
			DB:        redisDB,
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "rfi"),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", "dev-secret"),
			JWTIssuer: os.Getenv("AUTH_JWT_ISSUER"),
		},
		RFI: RFIConfig{
			DefaultPrefix:  strings.ToUpper(getEnv("RFI_SEQUENCE_PREFIX", "RFI")),
			SequenceHeader: getEnv("RFI_SEQUENCE_HEADER", "X-RFI-Sequence"),
		},
		Transport: TransportConfig{
			Driver:         strings.ToLower(getEnv("TRANSPORT_DRIVER", "memory")),
			SenderAddress:  getEnv("TRANSPORT_SENDER_ADDRESS", "rfi@example.com"),
			SenderName:     getEnv("TRANSPORT_SENDER_NAME", "RFI Desk"),
			MessageDomain:  getEnv("TRANSPORT_MESSAGE_DOMAIN", "rfi.example.com"),
			CallTimeout:    getEnvAsDuration("TRANSPORT_CALL_TIMEOUT", 30*time.Second),
			MaxAttempts:    getEnvAsInt("TRANSPORT_MAX_ATTEMPTS", 5),
			BackoffBase:    getEnvAsDuration("TRANSPORT_BACKOFF_BASE", 500*time.Millisecond),
			BackoffCeiling: getEnvAsDuration("TRANSPORT_BACKOFF_CEILING", 30*time.Second),
		},
		Gmail: GmailConfig{
			ClientID:     os.Getenv("GMAIL_CLIENT_ID"),
			ClientSecret: os.Getenv("GMAIL_CLIENT_SECRET"),
			RefreshToken: os.Getenv("GMAIL_REFRESH_TOKEN"),
			UserID:       getEnv("GMAIL_USER_ID", "me"),
			WatchTopic:   os.Getenv("GMAIL_WATCH_TOPIC"),
		},
		PubSub: PubSubConfig{
			ProjectID:       os.Getenv("PUBSUB_PROJECT_ID"),
			Subscription:    os.Getenv("PUBSUB_SUBSCRIPTION"),
			CredentialsFile: os.Getenv("PUBSUB_CREDENTIALS_FILE"),
			MaxOutstanding:  getEnvAsInt("PUBSUB_MAX_OUTSTANDING", 10),
		},
		Webhook: WebhookConfig{
			Secret:     os.Getenv("WEBHOOK_SECRET"),
			Token:      os.Getenv("WEBHOOK_TOKEN"),
			DedupeTTL:  getEnvAsDuration("WEBHOOK_DEDUPE_TTL", 24*time.Hour),
			MaxBodyLen: getEnvAsInt("WEBHOOK_MAX_BODY_BYTES", 1<<20),
		},
		Ingestion: IngestionConfig{
			Workers:       getEnvAsInt("INGEST_WORKERS", 4),
			QueueCapacity: getEnvAsInt("INGEST_QUEUE_CAPACITY", 1024),
			MaxAttempts:   getEnvAsInt("INGEST_MAX_ATTEMPTS", 5),
			RetryBase:     getEnvAsDuration("INGEST_RETRY_BASE", time.Second),
			RetryCeiling:  getEnvAsDuration("INGEST_RETRY_CEILING", 2*time.Minute),
			LeaseTimeout:  getEnvAsDuration("INGEST_LEASE_TIMEOUT", 5*time.Minute),
		},
		Notification: NotificationConfig{
			WebhookURL:           os.Getenv("NOTIFY_WEBHOOK_URL"),
			ScanInterval:         getEnvAsDuration("NOTIFY_SCAN_INTERVAL", time.Minute),
			DueSoonWindow:        getEnvAsDuration("NOTIFY_DUE_SOON_WINDOW", 48*time.Hour),
			DeliveryConfirmAfter: getEnvAsDuration("DELIVERY_CONFIRM_AFTER", 5*time.Minute),
			MaxAttempts:          getEnvAsInt("NOTIFY_MAX_ATTEMPTS", 5),
			RetryDelay:           getEnvAsDuration("NOTIFY_RETRY_DELAY", 30*time.Second),
			BatchSize:            getEnvAsInt("NOTIFY_BATCH_SIZE", 50),
		},
		FCM: FCMConfig{
			CredentialsFile: os.Getenv("FCM_CREDENTIALS_FILE"),
			TopicPrefix:     getEnv("FCM_TOPIC_PREFIX", "rfi-project-"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Transport.Driver {
	case "memory":
	case "gmail":
		if c.Gmail.ClientID == "" || c.Gmail.ClientSecret == "" || c.Gmail.RefreshToken == "" {
			return errors.New("gmail transport requires GMAIL_CLIENT_ID, GMAIL_CLIENT_SECRET and GMAIL_REFRESH_TOKEN")
		}
	default:
		return fmt.Errorf("unsupported TRANSPORT_DRIVER %q", c.Transport.Driver)
	}
	if c.PubSub.Subscription != "" && c.PubSub.ProjectID == "" {
		return errors.New("PUBSUB_SUBSCRIPTION requires PUBSUB_PROJECT_ID")
	}
	if c.Ingestion.Workers <= 0 {
		return errors.New("INGEST_WORKERS must be positive")
	}
	if c.Ingestion.MaxAttempts <= 0 || c.Transport.MaxAttempts <= 0 {
		return errors.New("retry ceilings must be positive")
	}
	if c.App.Env == "production" && c.Webhook.Secret == "" && c.Webhook.Token == "" {
		return errors.New("production requires WEBHOOK_SECRET or WEBHOOK_TOKEN")
	}
	if c.RFI.DefaultPrefix == "" {
		return errors.New("RFI_SEQUENCE_PREFIX must not be empty")
	}
	return nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
