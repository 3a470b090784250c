package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_LISTEN", ":7000")
	t.Setenv("HEARTBEAT_INTERVAL_SEC", "5")
	t.Setenv("STATIC_CREDENTIALS", "alice:hash:1, bob:hash:2")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SESSION_RATE_LIMIT", "12.5")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Gateway.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.Gateway.HeartbeatInterval)
	assert.Equal(t, []string{"alice:hash:1", "bob:hash:2"}, cfg.Credentials.Static)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 12.5, cfg.Gateway.RateLimit)
	assert.Equal(t, "EXCHANGE", cfg.Gateway.SenderCompID)
}

func TestEmptyDataDirSelectsMemoryJournal(t *testing.T) {
	t.Setenv("DATA_DIR", "")
	t.Setenv("MESSAGE_LOG", "data/messages.log")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Storage.JournalDir)
	assert.Equal(t, "data/messages.log", cfg.Storage.MessageLog)
}

func TestLoadFromFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	yamlDoc := `
gateway:
  sender_comp_id: VENUE
  heartbeat_interval: 15s
api:
  addr: ":9000"
  fill_token: from-file
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("API_ADDR", ":9100")
	t.Setenv("API_FILL_TOKEN", "from-env")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "VENUE", cfg.Gateway.SenderCompID)
	assert.Equal(t, 15*time.Second, cfg.Gateway.HeartbeatInterval)
	assert.Equal(t, ":9100", cfg.API.Addr, "env wins over file")
	assert.Equal(t, "from-env", cfg.API.FillToken)
	assert.Equal(t, "FIX.4.2", cfg.Gateway.BeginString, "unset keys keep defaults")
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty comp id", func(c *Config) { c.Gateway.SenderCompID = "" }},
		{"zero heartbeat", func(c *Config) { c.Gateway.HeartbeatInterval = 0 }},
		{"negative logon timeout", func(c *Config) { c.Gateway.LogonTimeout = -time.Second }},
		{"tiny frames", func(c *Config) { c.Gateway.MaxMessageBytes = 10 }},
		{"no rate", func(c *Config) { c.Gateway.RateLimit = 0 }},
		{"brokers without topic", func(c *Config) { c.Kafka.Brokers, c.Kafka.Topic = []string{"k:9092"}, "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
