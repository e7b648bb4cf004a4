package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	CRDBDSN           string
	MongoURI          string
	RedisAddr         string
	RabbitURL         string
	ListenAddr        string
	ReservationTTL    time.Duration
	SweepInterval     time.Duration
	SnapshotTTL       time.Duration
	IdempotencyTTL    time.Duration
	RateLimitPerBuyer int
	RateLimitPerIP    int
	RateLimitWindow   time.Duration
	OTLPEndpoint      string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	return &Config{
		CRDBDSN:           os.Getenv("CRDB_DSN"),
		MongoURI:          os.Getenv("MONGO_URI"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RabbitURL:         os.Getenv("RABBIT_URL"),
		ListenAddr:        getString("LISTEN_ADDR", ":8080"),
		ReservationTTL:    getDuration("RESERVATION_TTL", 15*time.Minute),
		SweepInterval:     getDuration("SWEEP_INTERVAL", time.Minute),
		SnapshotTTL:       getDuration("SNAPSHOT_TTL", time.Second),
		IdempotencyTTL:    getDuration("IDEMPOTENCY_TTL", time.Hour),
		RateLimitPerBuyer: getInt("RATE_LIMIT_PER_BUYER", 10),
		RateLimitPerIP:    getInt("RATE_LIMIT_PER_IP", 100),
		RateLimitWindow:   getDuration("RATE_LIMIT_WINDOW", time.Minute),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func getInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
