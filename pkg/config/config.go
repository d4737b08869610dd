// Package config loads wikisync settings from an optional TOML file with WIKISYNC_* environment overrides.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

type Log struct {
	Level  string
	Format string
}

type Server struct {
	Addr           string
	Instance       string
	BackupInterval time.Duration
	PingInterval   time.Duration
	SendBuffer     int
}

type Storage struct {
	// Driver is sqlite or postgres.
	Driver string
	Path   string
	URL    string
}

type Rooms struct {
	// Driver is sqlite, bolt or memory.
	Driver string
	Path   string
}

type Redis struct {
	// Addr enables cross-instance fan-out when set.
	Addr string
}

type Auth struct {
	// Secret enables token authentication when set.
	Secret   string
	TokenTTL time.Duration
}

type Client struct {
	ServerURL        string
	Token            string
	Quiescence       time.Duration
	CaptureTimeout   time.Duration
	HandshakeTimeout time.Duration
	ResyncInterval   time.Duration
	SettleWindow     time.Duration
	AwarenessTimeout time.Duration
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	MaxAttempts      int
}

type Discovery struct {
	Enabled bool
	Service string
	Domain  string
}

type Config struct {
	Log       Log
	Server    Server
	Storage   Storage
	Rooms     Rooms
	Redis     Redis
	Auth      Auth
	Client    Client
	Discovery Discovery
}

// Load reads path when it is not empty, then applies environment overrides and defaults.
func Load(path string) (Config, error) {
	var tree *toml.Tree
	if path != "" {
		var err error
		if tree, err = toml.LoadFile(path); err != nil {
			return Config{}, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	return fromTree(tree), nil
}

// Parse is Load for configuration held in memory.
func Parse(content string) (Config, error) {
	tree, err := toml.Load(content)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return fromTree(tree), nil
}

func fromTree(tree *toml.Tree) Config {
	f := file{tree: tree}
	return Config{
		Log: Log{
			Level:  envOr("WIKISYNC_LOG_LEVEL", f.str("log.level", "info")),
			Format: envOr("WIKISYNC_LOG_FORMAT", f.str("log.format", "text")),
		},
		Server: Server{
			Addr:           envOr("WIKISYNC_ADDR", f.str("server.addr", "localhost:8080")),
			Instance:       envOr("WIKISYNC_INSTANCE", f.str("server.instance", hostname())),
			BackupInterval: envDuration("WIKISYNC_BACKUP_INTERVAL", f.duration("server.backup_interval", 5*time.Second)),
			PingInterval:   envDuration("WIKISYNC_PING_INTERVAL", f.duration("server.ping_interval", 15*time.Second)),
			SendBuffer:     envInt("WIKISYNC_SEND_BUFFER", f.integer("server.send_buffer", 256)),
		},
		Storage: Storage{
			Driver: envOr("WIKISYNC_STORAGE_DRIVER", f.str("storage.driver", "sqlite")),
			Path:   envOr("WIKISYNC_STORAGE_PATH", f.str("storage.path", "wikisync.sqlite3")),
			URL:    envOr("WIKISYNC_DATABASE_URL", f.str("storage.url", "")),
		},
		Rooms: Rooms{
			Driver: envOr("WIKISYNC_ROOMS_DRIVER", f.str("rooms.driver", "sqlite")),
			Path:   envOr("WIKISYNC_ROOMS_PATH", f.str("rooms.path", "wikisync-rooms.sqlite3")),
		},
		Redis: Redis{
			Addr: envOr("WIKISYNC_REDIS_ADDR", f.str("redis.addr", "")),
		},
		Auth: Auth{
			Secret:   envOr("WIKISYNC_AUTH_SECRET", f.str("auth.secret", "")),
			TokenTTL: envDuration("WIKISYNC_TOKEN_TTL", f.duration("auth.token_ttl", 24*time.Hour)),
		},
		Client: Client{
			ServerURL:        envOr("WIKISYNC_SERVER_URL", f.str("client.server_url", "http://localhost:8080")),
			Token:            envOr("WIKISYNC_TOKEN", f.str("client.token", "")),
			Quiescence:       envDuration("WIKISYNC_QUIESCENCE", f.duration("client.quiescence", 2*time.Second)),
			CaptureTimeout:   envDuration("WIKISYNC_CAPTURE_TIMEOUT", f.duration("client.capture_timeout", 300*time.Millisecond)),
			HandshakeTimeout: envDuration("WIKISYNC_HANDSHAKE_TIMEOUT", f.duration("client.handshake_timeout", 5*time.Second)),
			ResyncInterval:   envDuration("WIKISYNC_RESYNC_INTERVAL", f.duration("client.resync_interval", 5*time.Second)),
			SettleWindow:     envDuration("WIKISYNC_SETTLE_WINDOW", f.duration("client.settle_window", 500*time.Millisecond)),
			AwarenessTimeout: envDuration("WIKISYNC_AWARENESS_TIMEOUT", f.duration("client.awareness_timeout", 30*time.Second)),
			InitialInterval:  envDuration("WIKISYNC_RECONNECT_INITIAL", f.duration("client.reconnect_initial", time.Second)),
			MaxInterval:      envDuration("WIKISYNC_RECONNECT_MAX", f.duration("client.reconnect_max", 10*time.Second)),
			MaxAttempts:      envInt("WIKISYNC_RECONNECT_ATTEMPTS", f.integer("client.reconnect_attempts", 5)),
		},
		Discovery: Discovery{
			Enabled: envBool("WIKISYNC_DISCOVERY", f.boolean("discovery.enabled", false)),
			Service: envOr("WIKISYNC_DISCOVERY_SERVICE", f.str("discovery.service", "_wikisync._tcp")),
			Domain:  envOr("WIKISYNC_DISCOVERY_DOMAIN", f.str("discovery.domain", "local.")),
		},
	}
}

func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.URL == "" {
			return fmt.Errorf("storage.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Rooms.Driver {
	case "sqlite", "bolt":
		if c.Rooms.Path == "" {
			return fmt.Errorf("rooms.path is required for the %s driver", c.Rooms.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown rooms driver %q", c.Rooms.Driver)
	}
	if c.Server.BackupInterval <= 0 {
		return fmt.Errorf("server.backup_interval must be positive")
	}
	if c.Client.MaxAttempts <= 0 {
		return fmt.Errorf("client.reconnect_attempts must be positive")
	}
	if c.Client.InitialInterval > c.Client.MaxInterval {
		return fmt.Errorf("client.reconnect_initial must not exceed client.reconnect_max")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// NewLogger builds the process logger described by the log section.
func (l Log) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// file reads typed values out of an optional toml tree.
type file struct {
	tree *toml.Tree
}

func (f file) get(key string) interface{} {
	if f.tree == nil {
		return nil
	}
	return f.tree.Get(key)
}

func (f file) str(key, def string) string {
	if val, ok := f.get(key).(string); ok {
		return val
	}
	return def
}

func (f file) integer(key string, def int) int {
	val, ok := f.get(key).(int64)
	if ok && val >= math.MinInt32 && val <= math.MaxInt32 {
		return int(val)
	}
	return def
}

func (f file) boolean(key string, def bool) bool {
	if val, ok := f.get(key).(bool); ok {
		return val
	}
	return def
}

func (f file) duration(key string, def time.Duration) time.Duration {
	if val, ok := f.get(key).(string); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return def
}

func hostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "wikisync"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
