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

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreScylla   = "scylla"

	RealtimeMemory = "memory"
	RealtimeRedis  = "redis"
	RealtimeKafka  = "kafka"
)

// Config aggregates application configuration values loaded from environment variables.
type Config struct {
	Env      string
	HTTPAddr string
	GRPCAddr string
	UserID   string

	StoreBackend      string
	DatabaseURL       string
	MongoURI          string
	MongoDB           string
	ScyllaHosts       []string
	ScyllaKeyspace    string
	ScyllaTimeout     time.Duration
	ScyllaConsistency string
	ScyllaUsername    string
	ScyllaPassword    string

	RealtimeBackend string
	RedisURL        string
	KafkaBrokers    []string
	KafkaTopic      string

	TypingIdle   time.Duration
	TypingExpiry time.Duration
	SearchLimit  int
	CallTimeout  time.Duration

	S3Endpoint   string
	S3AccessKey  string
	S3SecretKey  string
	S3Bucket     string
	S3Region     string
	S3UseSSL     bool
	AvatarURLTTL time.Duration

	CORSOrigins    []string
	HealthInterval time.Duration
}

// Load reads an optional .env file and then parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv parses configuration from the current environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		Env:               getEnv("APP_ENV", "dev"),
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:          getEnv("GRPC_ADDR", ":9000"),
		UserID:            os.Getenv("CHAT_USER_ID"),
		StoreBackend:      strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		MongoURI:          os.Getenv("MONGO_URI"),
		MongoDB:           getEnv("MONGO_DB", "chat"),
		ScyllaHosts:       splitAndTrim(getEnv("SCYLLA_HOSTS", "")),
		ScyllaKeyspace:    getEnv("SCYLLA_KEYSPACE", "chat"),
		ScyllaConsistency: getEnv("SCYLLA_CONSISTENCY", "QUORUM"),
		ScyllaUsername:    os.Getenv("SCYLLA_USERNAME"),
		ScyllaPassword:    os.Getenv("SCYLLA_PASSWORD"),
		RealtimeBackend:   strings.ToLower(getEnv("REALTIME_BACKEND", RealtimeMemory)),
		RedisURL:          os.Getenv("REDIS_URL"),
		KafkaBrokers:      splitAndTrim(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "chat.events.v1"),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3AccessKey:       getEnv("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:       getEnv("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:          getEnv("S3_BUCKET", "chat-avatars"),
		S3Region:          getEnv("S3_REGION", "us-east-1"),
		CORSOrigins:       splitAndTrim(getEnv("CORS_ORIGINS", "*")),
	}

	var err error
	if cfg.ScyllaTimeout, err = parseDurationEnv("SCYLLA_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.TypingIdle, err = parseDurationEnv("TYPING_IDLE", 2*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.TypingExpiry, err = parseDurationEnv("TYPING_EXPIRY", 3*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.CallTimeout, err = parseDurationEnv("CALL_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.AvatarURLTTL, err = parseDurationEnv("AVATAR_URL_TTL", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.HealthInterval, err = parseDurationEnv("HEALTH_INTERVAL", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.SearchLimit, err = parseIntEnv("SEARCH_LIMIT", 10); err != nil {
		return Config{}, err
	}
	if cfg.S3UseSSL, err = parseBoolEnv("S3_USE_SSL", false); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE_BACKEND=%s", c.StoreBackend)
		}
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required for STORE_BACKEND=%s", c.StoreBackend)
		}
	case StoreScylla:
		if len(c.ScyllaHosts) == 0 {
			return fmt.Errorf("SCYLLA_HOSTS is required for STORE_BACKEND=%s", c.StoreBackend)
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.RealtimeBackend {
	case RealtimeMemory:
	case RealtimeRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for REALTIME_BACKEND=%s", c.RealtimeBackend)
		}
	case RealtimeKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for REALTIME_BACKEND=%s", c.RealtimeBackend)
		}
	default:
		return fmt.Errorf("unknown REALTIME_BACKEND %q", c.RealtimeBackend)
	}

	if c.TypingIdle <= 0 || c.TypingExpiry <= 0 {
		return fmt.Errorf("typing windows must be positive")
	}
	if c.SearchLimit <= 0 {
		return fmt.Errorf("SEARCH_LIMIT must be positive")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", key, err)
	}
	return d, nil
}

func parseIntEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s integer: %w", key, err)
	}
	return n, nil
}

func parseBoolEnv(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "t", "true", "yes", "y", "on":
		return true, nil
	case "0", "f", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid %s boolean: %q", key, raw)
	}
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
