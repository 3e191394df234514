// Package config reads service settings from the environment.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Config holds every setting of the service.
type Config struct {
	Debug     bool
	LogFormat string
	LogFile   string

	DBPath            string
	StorageConnString string
	RecordsTable      string
	ReminderQueue     string

	RedisConnString   string
	Scope             string
	InstanceID        string
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration

	SyncInterval    time.Duration
	SyncMaxAttempts int
	SyncJitter      bool
	TombstoneGrace  time.Duration

	AnthropicAPIKey string
	AnthropicModel  string

	AuthDomain      string
	AuthAudience    string
	LocalAuthSecret string
	JWKSCacheTTL    time.Duration

	ListenAddr string
}

// Load reads the configuration. Missing required values and malformed
// numbers are reported as errors.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		Debug:     boolEnv("DEBUG", false, &errs),
		LogFormat: strings.ToLower(os.Getenv("LOG_FORMAT")),
		LogFile:   os.Getenv("LOG_FILE"),

		DBPath:            stringEnv("PRISM_DB_PATH", "prism.db"),
		StorageConnString: os.Getenv("STORAGE_CONNECTION_STRING"),
		RecordsTable:      stringEnv("RECORDS_TABLE", "records"),
		ReminderQueue:     os.Getenv("REMINDER_QUEUE"),

		RedisConnString:   os.Getenv("REDIS_CONNECTION_STRING"),
		Scope:             stringEnv("PRISM_SCOPE", "default"),
		InstanceID:        stringEnv("INSTANCE_ID", uuid.NewString()),
		HeartbeatInterval: durationEnv("HEARTBEAT_INTERVAL", 5*time.Second, &errs),
		HeartbeatTTL:      durationEnv("HEARTBEAT_TTL", 15*time.Second, &errs),

		SyncInterval:    durationEnv("SYNC_INTERVAL", 5*time.Second, &errs),
		SyncMaxAttempts: intEnv("SYNC_MAX_ATTEMPTS", 6, &errs),
		SyncJitter:      boolEnv("SYNC_JITTER", false, &errs),
		TombstoneGrace:  durationEnv("TOMBSTONE_GRACE", 7*24*time.Hour, &errs),

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  os.Getenv("ANTHROPIC_MODEL"),

		AuthDomain:   os.Getenv("AUTH0_DOMAIN"),
		AuthAudience: os.Getenv("AUTH0_AUDIENCE"),
		JWKSCacheTTL: durationEnv("JWKS_CACHE_TTL", 15*time.Minute, &errs),

		ListenAddr: ":8080",
	}
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		cfg.ListenAddr = ":" + val
	}

	if cfg.StorageConnString == "" {
		errs = append(errs, errors.New("missing STORAGE_CONNECTION_STRING"))
	}
	if cfg.HeartbeatTTL <= cfg.HeartbeatInterval {
		errs = append(errs, errors.New("HEARTBEAT_TTL must exceed HEARTBEAT_INTERVAL"))
	}
	switch cfg.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unsupported LOG_FORMAT %q", cfg.LogFormat))
	}

	switch mode := strings.ToLower(os.Getenv("LOCAL_AUTH_MODE")); mode {
	case "":
		if cfg.AuthDomain == "" || cfg.AuthAudience == "" {
			errs = append(errs, errors.New("missing Auth0 config"))
		}
	case "hs256":
		cfg.LocalAuthSecret = os.Getenv("LOCAL_AUTH_SHARED_SECRET")
		if cfg.LocalAuthSecret == "" {
			errs = append(errs, errors.New("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported LOCAL_AUTH_MODE %q", mode))
	}

	return cfg, errors.Join(errs...)
}

func stringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		*errs = append(*errs, fmt.Errorf("invalid %s: must be a positive integer", key))
		return def
	}
	return n
}

func durationEnv(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("invalid %s: must be a positive duration", key))
		return def
	}
	return d
}

func boolEnv(key string, def bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %v", key, err))
		return def
	}
	return b
}

// RedisOptions accepts a redis:// URL or an Azure Cache style string of the
// form "host:port,password=...,ssl=true".
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}
