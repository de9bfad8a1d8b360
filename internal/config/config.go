package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Payment   PaymentConfig
	Scheduler SchedulerConfig
	Usage     UsageConfig
	SMTP      SMTPConfig

	BillingConfigPath string
}

// PaymentConfig configures the external payment processor.
type PaymentConfig struct {
	BaseURL         string
	SecretKey       string
	Timeout         time.Duration
	MaxRetries      int
	WebhookSecret   string
	SignatureHeader string
	CallbackURL     string
}

type SchedulerConfig struct {
	Enabled    bool
	Cron       string
	JobsSecret string
	StaleAfter time.Duration
	JobTimeout time.Duration
}

type UsageConfig struct {
	FlushInterval time.Duration
	// TrackRate is tracking calls per second per organization; zero disables
	// the limit.
	TrackRate  float64
	TrackBurst int
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// NotifyTo receives billing reminders when no per-organization contact
	// is known.
	NotifyTo []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "billforge"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("APP_ENV", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DB_TYPE", "postgres"),
		DBHost:            getenv("DB_HOST", "localhost"),
		DBPort:            getenv("DB_PORT", "5432"),
		DBName:            getenv("DB_NAME", "billforge"),
		DBUser:            getenv("DB_USER", "postgres"),
		DBPassword:        getenv("DB_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DB_SSL_MODE", "disable"),
		DBMaxIdleConn:     getenvInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConn:     getenvInt("DB_MAX_OPEN_CONNS", 50),
		DBConnMaxLifetime: getenvInt("DB_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DB_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DB_AUTO_MIGRATE", true),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Payment: PaymentConfig{
			BaseURL:         strings.TrimRight(getenv("PAYMENT_BASE_URL", "https://api.paystack.co"), "/"),
			SecretKey:       strings.TrimSpace(getenv("PAYMENT_SECRET_KEY", "")),
			Timeout:         getenvDuration("PAYMENT_TIMEOUT", 10*time.Second),
			MaxRetries:      getenvInt("PAYMENT_MAX_RETRIES", 3),
			WebhookSecret:   strings.TrimSpace(getenv("WEBHOOK_SECRET", "")),
			SignatureHeader: getenv("WEBHOOK_SIGNATURE_HEADER", "X-Paystack-Signature"),
			CallbackURL:     strings.TrimSpace(getenv("PAYMENT_CALLBACK_URL", "")),
		},
		Scheduler: SchedulerConfig{
			Enabled:    getenvBool("SCHEDULER_ENABLED", true),
			Cron:       getenv("SCHEDULER_CRON", "@every 5m"),
			JobsSecret: strings.TrimSpace(getenv("JOBS_SECRET", "")),
			StaleAfter: getenvDuration("JOB_STALE_AFTER", 30*time.Minute),
			JobTimeout: getenvDuration("JOB_TIMEOUT", 10*time.Minute),
		},
		Usage: UsageConfig{
			FlushInterval: getenvDuration("USAGE_FLUSH_INTERVAL", 30*time.Second),
			TrackRate:     getenvFloat("USAGE_TRACK_RATE", 0),
			TrackBurst:    getenvInt("USAGE_TRACK_BURST", 100),
		},
		SMTP: SMTPConfig{
			Host:     strings.TrimSpace(getenv("SMTP_HOST", "")),
			Port:     getenvInt("SMTP_PORT", 587),
			Username: getenv("SMTP_USERNAME", ""),
			Password: getenv("SMTP_PASSWORD", ""),
			From:     getenv("SMTP_FROM", "billing@billforge.local"),
			NotifyTo: getenvList("BILLING_NOTIFY_TO"),
		},
		BillingConfigPath: strings.TrimSpace(getenv("BILLING_CONFIG_PATH", "")),
	}

	// Timeouts outside 5-10s are clamped; the processor must never hang a request.
	if cfg.Payment.Timeout < 5*time.Second {
		cfg.Payment.Timeout = 5 * time.Second
	}
	if cfg.Payment.Timeout > 10*time.Second {
		cfg.Payment.Timeout = 10 * time.Second
	}
	if cfg.Payment.MaxRetries <= 0 {
		cfg.Payment.MaxRetries = 1
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
