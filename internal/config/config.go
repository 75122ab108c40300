// Package config provides console configuration. Values come from, in order
// of precedence, command-line flags bound by the caller, SUPPORT_* environment
// variables (optionally seeded from a .env file), a config file and the
// defaults below.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every key when read from the environment, e.g.
// agent_id is read from SUPPORT_AGENT_ID.
const EnvPrefix = "SUPPORT"

// Cache backends.
const (
	CacheNone   = "none"
	CacheSQLite = "sqlite"
	CacheRedis  = "redis"
)

// Config holds all console configuration.
type Config struct {
	ServerURL string // push channel, ws:// or wss://
	APIURL    string // snapshot API base, http:// or https://
	Token     string
	AgentID   string

	TypingTimeout     time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration // silence tolerated past HeartbeatInterval
	WriteTimeout      time.Duration
	SnapshotTimeout   time.Duration

	CacheBackend string // none, sqlite or redis
	SQLitePath   string
	RedisAddr    string

	NATSURL     string // empty disables the supervisor mirror
	MetricsAddr string // empty disables the /metrics listener

	MessageRateLimit  int // messages per session per window, at least 1
	MessageRateWindow time.Duration
}

// New returns a viper instance with defaults and environment binding set up.
// Callers may bind flags on it before passing it to Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("server_url", "ws://localhost:8080/ws")
	v.SetDefault("api_url", "http://localhost:8080")
	v.SetDefault("token", "")
	v.SetDefault("agent_id", "")
	v.SetDefault("typing_timeout", time.Second)
	v.SetDefault("reconnect_base", time.Second)
	v.SetDefault("reconnect_max", 30*time.Second)
	v.SetDefault("heartbeat_interval", 25*time.Second)
	v.SetDefault("heartbeat_timeout", 10*time.Second)
	v.SetDefault("write_timeout", 10*time.Second)
	v.SetDefault("snapshot_timeout", 10*time.Second)
	v.SetDefault("cache_backend", CacheNone)
	v.SetDefault("sqlite_path", "./data/console.db")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("nats_url", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("message_rate_limit", 20)
	v.SetDefault("message_rate_window", 10*time.Second)
	return v
}

// Load reads .env (if present) and configFile (if non-empty) into v and
// returns the validated configuration.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load .env: %w", err)
		}
	} else {
		log.Printf("[config] loaded .env")
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		ServerURL:         v.GetString("server_url"),
		APIURL:            v.GetString("api_url"),
		Token:             v.GetString("token"),
		AgentID:           v.GetString("agent_id"),
		TypingTimeout:     v.GetDuration("typing_timeout"),
		ReconnectBase:     v.GetDuration("reconnect_base"),
		ReconnectMax:      v.GetDuration("reconnect_max"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		HeartbeatTimeout:  v.GetDuration("heartbeat_timeout"),
		WriteTimeout:      v.GetDuration("write_timeout"),
		SnapshotTimeout:   v.GetDuration("snapshot_timeout"),
		CacheBackend:      strings.ToLower(strings.TrimSpace(v.GetString("cache_backend"))),
		SQLitePath:        v.GetString("sqlite_path"),
		RedisAddr:         v.GetString("redis_addr"),
		NATSURL:           v.GetString("nats_url"),
		MetricsAddr:       v.GetString("metrics_addr"),
		MessageRateLimit:  v.GetInt("message_rate_limit"),
		MessageRateWindow: v.GetDuration("message_rate_window"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set and
// consistent.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("SUPPORT_AGENT_ID cannot be empty")
	}
	if c.Token == "" {
		return fmt.Errorf("SUPPORT_TOKEN cannot be empty")
	}
	if err := checkURL(c.ServerURL, "ws", "wss"); err != nil {
		return fmt.Errorf("SUPPORT_SERVER_URL: %w", err)
	}
	if err := checkURL(c.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("SUPPORT_API_URL: %w", err)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"SUPPORT_TYPING_TIMEOUT", c.TypingTimeout},
		{"SUPPORT_RECONNECT_BASE", c.ReconnectBase},
		{"SUPPORT_RECONNECT_MAX", c.ReconnectMax},
		{"SUPPORT_HEARTBEAT_INTERVAL", c.HeartbeatInterval},
		{"SUPPORT_HEARTBEAT_TIMEOUT", c.HeartbeatTimeout},
		{"SUPPORT_WRITE_TIMEOUT", c.WriteTimeout},
		{"SUPPORT_SNAPSHOT_TIMEOUT", c.SnapshotTimeout},
		{"SUPPORT_MESSAGE_RATE_WINDOW", c.MessageRateWindow},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
	}
	if c.ReconnectMax < c.ReconnectBase {
		return fmt.Errorf("SUPPORT_RECONNECT_MAX must be >= SUPPORT_RECONNECT_BASE")
	}
	if c.MessageRateLimit < 1 {
		return fmt.Errorf("SUPPORT_MESSAGE_RATE_LIMIT must be >= 1")
	}

	switch c.CacheBackend {
	case CacheNone:
	case CacheSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SUPPORT_SQLITE_PATH cannot be empty with the sqlite cache")
		}
	case CacheRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("SUPPORT_REDIS_ADDR cannot be empty with the redis cache")
		}
	default:
		return fmt.Errorf("SUPPORT_CACHE_BACKEND must be one of none, sqlite, redis (got %q)", c.CacheBackend)
	}
	return nil
}

// Redacted returns the token with all but its last four characters masked,
// for startup logging.
func (c *Config) Redacted() string {
	if len(c.Token) <= 4 {
		return strings.Repeat("*", len(c.Token))
	}
	return strings.Repeat("*", len(c.Token)-4) + c.Token[len(c.Token)-4:]
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s (got %q)", strings.Join(schemes, ", "), u.Scheme)
}
