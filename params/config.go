package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Gateway struct {
	ListenAddr   string `yaml:"listen_addr"`
	SenderCompID string `yaml:"sender_comp_id"`
	BeginString  string `yaml:"begin_string"`
	// HeartbeatInterval is used when a client's Logon carries no usable HeartBtInt.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LogonTimeout      time.Duration `yaml:"logon_timeout"`
	MaxMessageBytes   int           `yaml:"max_message_bytes"`
	// Per-session inbound throttle; a session over its budget is slowed down, not rejected.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type API struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// FillToken is the bearer token the matching engine sends with fills.
	// Empty disables the fill hook.
	FillToken string `yaml:"fill_token"`
}

type Storage struct {
	// JournalDir empty keeps the journal in memory.
	JournalDir string `yaml:"journal_dir"`
	// MessageLog is a file receiving every inbound and outbound frame. Empty disables it.
	MessageLog string `yaml:"message_log"`
}

type Credentials struct {
	// PostgresDSN selects the users table as credential store. Empty means Static is used.
	PostgresDSN string `yaml:"postgres_dsn"`
	// Static entries are "username:bcrypt-hash:user-id".
	Static []string `yaml:"static"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Queue   int      `yaml:"queue"`
}

type Logging struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

type Config struct {
	Gateway     Gateway     `yaml:"gateway"`
	API         API         `yaml:"api"`
	Storage     Storage     `yaml:"storage"`
	Credentials Credentials `yaml:"credentials"`
	Kafka       Kafka       `yaml:"kafka"`
	Logging     Logging     `yaml:"logging"`
}

func Default() Config {
	return Config{
		Gateway: Gateway{
			ListenAddr:        ":9878",
			SenderCompID:      "EXCHANGE",
			BeginString:       "FIX.4.2",
			HeartbeatInterval: 30 * time.Second,
			LogonTimeout:      10 * time.Second,
			MaxMessageBytes:   4096,
			RateLimit:         200,
			RateBurst:         50,
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Storage: Storage{
			JournalDir: "data/journal",
		},
		Kafka: Kafka{
			Topic: "orders",
			Queue: 1024,
		},
		Logging: Logging{
			File:  "data/gateway.log",
			Level: "info",
		},
	}
}

// LoadFromFile overlays a YAML file on top of the defaults.
func LoadFromFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from an optional YAML file (CONFIG_FILE),
// the .env file (if it exists) and environment variables.
// Priority: ENV > .env file > YAML file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return cfg, err
		}
	}

	cfg.Gateway.ListenAddr = getEnv("GATEWAY_LISTEN", cfg.Gateway.ListenAddr)
	cfg.Gateway.SenderCompID = getEnv("SENDER_COMP_ID", cfg.Gateway.SenderCompID)
	cfg.Gateway.BeginString = getEnv("BEGIN_STRING", cfg.Gateway.BeginString)
	cfg.Gateway.HeartbeatInterval = getSeconds("HEARTBEAT_INTERVAL_SEC", cfg.Gateway.HeartbeatInterval)
	cfg.Gateway.LogonTimeout = getSeconds("LOGON_TIMEOUT_SEC", cfg.Gateway.LogonTimeout)
	cfg.Gateway.MaxMessageBytes = getInt("MAX_MESSAGE_BYTES", cfg.Gateway.MaxMessageBytes)
	cfg.Gateway.RateBurst = getInt("SESSION_RATE_BURST", cfg.Gateway.RateBurst)
	if v := os.Getenv("SESSION_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Gateway.RateLimit = f
		}
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	cfg.API.FillToken = getEnv("API_FILL_TOKEN", cfg.API.FillToken)
	if origins := os.Getenv("API_ALLOWED_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = splitList(origins)
	}

	if v, ok := os.LookupEnv("DATA_DIR"); ok {
		cfg.Storage.JournalDir = v
	}
	cfg.Storage.MessageLog = getEnv("MESSAGE_LOG", cfg.Storage.MessageLog)

	cfg.Credentials.PostgresDSN = getEnv("POSTGRES_DSN", cfg.Credentials.PostgresDSN)
	if creds := os.Getenv("STATIC_CREDENTIALS"); creds != "" {
		cfg.Credentials.Static = splitList(creds)
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)
	cfg.Kafka.Queue = getInt("KAFKA_QUEUE", cfg.Kafka.Queue)

	cfg.Logging.File = getEnv("LOG_FILE", cfg.Logging.File)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	g := c.Gateway
	switch {
	case g.SenderCompID == "":
		return fmt.Errorf("gateway sender comp id is empty")
	case g.BeginString == "":
		return fmt.Errorf("gateway begin string is empty")
	case g.HeartbeatInterval <= 0:
		return fmt.Errorf("heartbeat interval must be positive, got %s", g.HeartbeatInterval)
	case g.LogonTimeout <= 0:
		return fmt.Errorf("logon timeout must be positive, got %s", g.LogonTimeout)
	case g.MaxMessageBytes < 64:
		return fmt.Errorf("max message bytes too small: %d", g.MaxMessageBytes)
	case g.RateLimit <= 0 || g.RateBurst <= 0:
		return fmt.Errorf("session rate limit must be positive")
	case len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "":
		return fmt.Errorf("kafka brokers set without a topic")
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getSeconds(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
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
