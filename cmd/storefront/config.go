package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/go_cart/storefront/internal/pix"
	"github.com/fjod/go_cart/storefront/internal/repository"
	"github.com/shopspring/decimal"
)

type Config struct {
	HTTPPort        string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	CartCacheTTL  time.Duration

	MongoURI    string
	MongoDBName string

	DB repository.Credentials

	KafkaBrokers []string
	KafkaGroupID string // prefix; each instance consumes under its own group

	Merchant      pix.Merchant
	DeliveryFee   decimal.Decimal
	JWTSecret     []byte
	RemoteTimeout time.Duration
	MirrorWorkers int
	SessionIdle   time.Duration
}

func loadConfig() (*Config, error) {
	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	fee, err := decimal.NewFromString(getEnv("DELIVERY_FEE", "5.00"))
	if err != nil {
		return nil, fmt.Errorf("invalid DELIVERY_FEE: %w", err)
	}
	if fee.IsNegative() {
		return nil, errors.New("invalid DELIVERY_FEE: must not be negative")
	}
	workers, err := strconv.Atoi(getEnv("MIRROR_WORKERS", "4"))
	if err != nil {
		return nil, fmt.Errorf("invalid MIRROR_WORKERS: %w", err)
	}

	cfg := &Config{
		HTTPPort:      getEnv("HTTP_PORT", "8080"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDBName:   getEnv("MONGO_DB_NAME", "storefront"),
		DB: repository.Credentials{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              dbPort,
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", "postgres"),
			DBName:            getEnv("DB_NAME", "storefront"),
			MigrationsDirPath: getEnv("MIGRATIONS_PATH", "./internal/repository/migrations"),
		},
		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "storefront"),
		Merchant: pix.Merchant{
			Key:  getEnv("PIX_KEY", ""),
			Name: getEnv("PIX_MERCHANT_NAME", ""),
			City: getEnv("PIX_MERCHANT_CITY", ""),
		},
		DeliveryFee:   fee,
		JWTSecret:     []byte(getEnv("JWT_SECRET", "")),
		MirrorWorkers: workers,
	}
	for _, d := range []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"REQUEST_TIMEOUT", "30s", &cfg.RequestTimeout},
		{"SHUTDOWN_TIMEOUT", "10s", &cfg.ShutdownTimeout},
		{"CART_CACHE_TTL", "720h", &cfg.CartCacheTTL},
		{"REMOTE_TIMEOUT", "5s", &cfg.RemoteTimeout},
		{"SESSION_IDLE_TTL", "2h", &cfg.SessionIdle},
	} {
		v, err := time.ParseDuration(getEnv(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	// fail at startup rather than at the first checkout
	if _, err := cfg.Merchant.Encode(decimal.NewFromInt(1)); err != nil {
		return nil, fmt.Errorf("invalid merchant settings: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
