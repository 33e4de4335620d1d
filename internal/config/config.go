package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string
	CRDBDSN      string
	MongoURI     string
	MongoDB      string
	RedisAddr    string
	RabbitURL    string
	OTLPEndpoint string
	LogLevel     string

	ReservationTTL     time.Duration
	SweepInterval      time.Duration
	SweepBatchSize     int
	MaxTicketsPerOrder int64
	Currency           string

	StoreTimeout       time.Duration
	PaymentTimeout     time.Duration
	PaymentMaxAttempts int
	PaymentAPIURL      string
	PaymentSecretKey   string
	WebhookSecret      string
	WebhookTolerance   time.Duration

	IdempotencyTTL   time.Duration
	RateLimitBackend string
	RateLimits       map[string]RateLimitClass
	OutboxInterval   time.Duration
	OutboxBatchSize  int

	// IdempotencyLockTTL bounds how long a checkout holds its
	// Idempotency-Key; it must outlast the slowest checkout.
	IdempotencyLockTTL time.Duration
}

// RateLimitClass is the fixed-window budget of one endpoint class.
type RateLimitClass struct {
	MaxRequests int64
	Window      time.Duration
}

const (
	ClassAuth     = "auth"
	ClassRead     = "read"
	ClassWrite    = "write"
	ClassCheckout = "checkout"
	ClassWebhook  = "webhook"
)

func DefaultRateLimits() map[string]RateLimitClass {
	return map[string]RateLimitClass{
		ClassAuth:     {MaxRequests: 5, Window: 15 * time.Minute},
		ClassRead:     {MaxRequests: 100, Window: time.Minute},
		ClassWrite:    {MaxRequests: 30, Window: time.Minute},
		ClassCheckout: {MaxRequests: 10, Window: time.Minute},
		ClassWebhook:  {MaxRequests: 600, Window: time.Minute},
	}
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	limits := DefaultRateLimits()
	for name, class := range limits {
		prefix := "RATE_LIMIT_" + strings.ToUpper(name)
		class.MaxRequests = int64(envInt(prefix+"_MAX", int(class.MaxRequests)))
		class.Window = envDur(prefix+"_WINDOW", class.Window)
		limits[name] = class
	}

	cfg := &Config{
		HTTPAddr:     envStr("HTTP_ADDR", ":8080"),
		CRDBDSN:      os.Getenv("CRDB_DSN"),
		MongoURI:     os.Getenv("MONGO_URI"),
		MongoDB:      envStr("MONGO_DB", "tickets"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RabbitURL:    os.Getenv("RABBIT_URL"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:     envStr("LOG_LEVEL", "info"),

		ReservationTTL:     envDur("RESERVATION_TTL", 15*time.Minute),
		SweepInterval:      envDur("SWEEP_INTERVAL", time.Minute),
		SweepBatchSize:     envInt("SWEEP_BATCH_SIZE", 100),
		MaxTicketsPerOrder: int64(envInt("MAX_TICKETS_PER_ORDER", 10)),
		Currency:           envStr("CURRENCY", "usd"),

		StoreTimeout:       envDur("STORE_TIMEOUT", 3*time.Second),
		PaymentTimeout:     envDur("PAYMENT_TIMEOUT", 10*time.Second),
		PaymentMaxAttempts: envInt("PAYMENT_MAX_ATTEMPTS", 3),
		PaymentAPIURL:      os.Getenv("PAYMENT_API_URL"),
		PaymentSecretKey:   os.Getenv("PAYMENT_SECRET_KEY"),
		WebhookSecret:      os.Getenv("PAYMENT_WEBHOOK_SECRET"),
		WebhookTolerance:   envDur("PAYMENT_WEBHOOK_TOLERANCE", 5*time.Minute),

		IdempotencyTTL:   envDur("IDEMPOTENCY_TTL", 24*time.Hour),
		RateLimitBackend: envStr("RATE_LIMIT_BACKEND", "redis"),
		RateLimits:       limits,
		OutboxInterval:   envDur("OUTBOX_INTERVAL", 5*time.Second),
		OutboxBatchSize:  envInt("OUTBOX_BATCH_SIZE", 50),
	}
	cfg.IdempotencyLockTTL = envDur("IDEMPOTENCY_LOCK_TTL", cfg.CheckoutDeadline())
	return cfg, nil
}

// CheckoutDeadline is the longest a checkout can run: every payment attempt
// timing out with its backoff in between, plus store calls, plus a minute.
func (c *Config) CheckoutDeadline() time.Duration {
	attempts := c.PaymentMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(attempts) * c.PaymentTimeout
	for a := 1; a < attempts; a++ {
		d += time.Duration(1<<(a-1)) * 250 * time.Millisecond
	}
	return d + 10*c.StoreTimeout + time.Minute
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
		return dur
	}
	return d
}
