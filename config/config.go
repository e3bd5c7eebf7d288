package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppPort     string
	AppMode     string
	StoreDriver string
	BusDriver   string
	DatabaseURL string
	DBHost      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBPort      string
	DBMaxConns  int

	JWTSecret      string
	AccessTokenTTL time.Duration

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	RelayAppID    string
	RelaySecret   string
	RelayTokenTTL time.Duration

	CallRingTimeout     time.Duration
	CallRemoteLeftGrace time.Duration

	OutboxBatchSize  int
	OutboxInterval   time.Duration
	OutboxMaxRetries int

	S3Region     string
	S3Bucket     string
	S3AccessKey  string
	S3SecretKey  string
	S3Endpoint   string
	S3PublicBase string
	S3PresignTTL time.Duration
}

func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		AppPort:     getEnv("APP_PORT", "8080"),
		AppMode:     getEnv("APP_MODE", "debug"),
		StoreDriver: getEnv("STORE_DRIVER", "memory"),
		BusDriver:   getEnv("BUS_DRIVER", "memory"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBUser:      getEnv("DB_USER", "postgres"),
		DBPassword:  getEnv("DB_PASSWORD", "postgres"),
		DBName:      getEnv("DB_NAME", "convosync"),
		DBPort:      getEnv("DB_PORT", "5432"),
		DBMaxConns:  getEnvAsInt("DB_MAX_CONNS", 20),

		JWTSecret:      getEnv("JWT_SECRET", "change-me"),
		AccessTokenTTL: getEnvAsDuration("ACCESS_TOKEN_TTL", 24*time.Hour),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		RelayAppID:    getEnv("RELAY_APP_ID", "convosync-dev"),
		RelaySecret:   getEnv("RELAY_SECRET", "change-me-too"),
		RelayTokenTTL: getEnvAsDuration("RELAY_TOKEN_TTL", time.Hour),

		CallRingTimeout:     getEnvAsDuration("CALL_RING_TIMEOUT", 45*time.Second),
		CallRemoteLeftGrace: getEnvAsDuration("CALL_REMOTE_LEFT_GRACE", 3*time.Second),

		OutboxBatchSize:  getEnvAsInt("OUTBOX_BATCH", 100),
		OutboxInterval:   getEnvAsDuration("OUTBOX_INTERVAL", 250*time.Millisecond),
		OutboxMaxRetries: getEnvAsInt("OUTBOX_MAX_RETRIES", 5),

		S3Region:     getEnv("S3_REGION", ""),
		S3Bucket:     getEnv("S3_BUCKET", ""),
		S3AccessKey:  getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:  getEnv("S3_SECRET_KEY", ""),
		S3Endpoint:   getEnv("S3_ENDPOINT", ""),
		S3PublicBase: getEnv("S3_PUBLIC_BASE", ""),
		S3PresignTTL: getEnvAsDuration("S3_PRESIGN_TTL", 15*time.Minute),
	}
}

// PostgresDSN returns DATABASE_URL when set, otherwise a DSN built from the DB_* keys.
func (c *Config) PostgresDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&timezone=UTC",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// S3Enabled reports whether media uploads can be presigned.
func (c *Config) S3Enabled() bool {
	return c.S3Region != "" && c.S3Bucket != ""
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}
