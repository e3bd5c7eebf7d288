package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CALL_RING_TIMEOUT", "")
	cfg := LoadConfig()

	assert.Equal(t, 45*time.Second, cfg.CallRingTimeout)
	assert.Equal(t, 3*time.Second, cfg.CallRemoteLeftGrace)
	assert.False(t, cfg.S3Enabled())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("CALL_RING_TIMEOUT", "10s")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/x")

	cfg := LoadConfig()

	assert.Equal(t, 10*time.Second, cfg.CallRingTimeout)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, "postgres://u:p@db:5432/x", cfg.PostgresDSN())
}

func TestPostgresDSNFromParts(t *testing.T) {
	cfg := &Config{DBUser: "a", DBPassword: "b", DBHost: "h", DBPort: "1", DBName: "n"}
	assert.Equal(t, "postgres://a:b@h:1/n?sslmode=disable&timezone=UTC", cfg.PostgresDSN())
}
