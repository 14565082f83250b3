package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// Config contains runtime configuration read from the environment.
type Config struct {
	Port     string
	GinMode  string
	FEOrigin string

	JWTSecret         string
	TokenTTL          time.Duration
	AdminUsername     string
	AdminPasswordHash string

	// DatabaseURL enables the Postgres event log sink when set.
	DatabaseURL string
	ClickHouse  ClickHouseConfig

	SweepInterval     time.Duration
	PresenceTimeout   time.Duration
	ActivityRetention time.Duration

	SinkFlushInterval time.Duration
	SinkBatchSize     int
	SinkMaxPending    int
}

// ClickHouseConfig enables the ClickHouse activity sink when Host is set.
type ClickHouseConfig struct {
	Host       string
	NativePort int
	Database   string
	Username   string
	Password   string
}

func (c ClickHouseConfig) Enabled() bool {
	return c.Host != ""
}

// Load reads configuration from environment variables. Call
// godotenv.Load first to pick up a .env file.
func Load() (Config, error) {
	cfg := Config{
		Port:              envOr("PORT", "8080"),
		GinMode:           os.Getenv("GIN_MODE"),
		FEOrigin:          envOr("FE_ORIGIN", "http://localhost:3000"),
		JWTSecret:         strings.TrimSpace(os.Getenv("JWT_SECRET_KEY")),
		AdminUsername:     envOr("ADMIN_USERNAME", "admin"),
		AdminPasswordHash: strings.TrimSpace(os.Getenv("ADMIN_PASSWORD_HASH")),
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		ClickHouse: ClickHouseConfig{
			Host:     strings.TrimSpace(os.Getenv("CLICKHOUSE_HOST")),
			Database: envOr("CLICKHOUSE_DB_NAME", "default"),
			Username: os.Getenv("CLICKHOUSE_USERNAME"),
			Password: os.Getenv("CLICKHOUSE_PASSWORD"),
		},
	}

	if cfg.JWTSecret == "" {
		return Config{}, xerrors.New("JWT_SECRET_KEY required")
	}

	var err error
	if cfg.ClickHouse.NativePort, err = envInt("CLICKHOUSE_NATIVE_PORT", 9000); err != nil {
		return Config{}, err
	}
	if cfg.SinkBatchSize, err = envInt("SINK_BATCH_SIZE", 500); err != nil {
		return Config{}, err
	}
	if cfg.SinkMaxPending, err = envInt("SINK_MAX_PENDING", 10000); err != nil {
		return Config{}, err
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"TOKEN_TTL", time.Hour, &cfg.TokenTTL},
		{"LIVE_SWEEP_INTERVAL", 5 * time.Minute, &cfg.SweepInterval},
		{"LIVE_PRESENCE_TIMEOUT", 30 * time.Minute, &cfg.PresenceTimeout},
		{"LIVE_ACTIVITY_RETENTION", time.Hour, &cfg.ActivityRetention},
		{"SINK_FLUSH_INTERVAL", 5 * time.Second, &cfg.SinkFlushInterval},
	}
	for _, d := range durations {
		if *d.dst, err = envDuration(d.key, d.def); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, xerrors.Errorf("%s must be a positive integer, got %q", key, raw)
	}
	return v, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return 0, xerrors.Errorf("%s must be a positive duration like 30s or 5m, got %q", key, raw)
	}
	return v, nil
}
