package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/errs"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// CacheConfig covers the remote in-memory store and the session namespace.
type CacheConfig struct {
	Host                 string
	Port                 int
	DB                   int
	Password             string
	PoolSize             int
	SessionExpireSeconds int
	MaxRetries           int
}

func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ShardConfig is one user-data database.
type ShardConfig struct {
	ID  int
	URL string
}

type DatabaseConfig struct {
	GlobalURL    string
	Shards       []ShardConfig
	MaxOpenConns int
	MaxIdleConns int
}

type QueueConfig struct {
	BatchSize    int
	PollInterval time.Duration
	MaxRetries   int
	// VisibilityTimeout bounds how long a claimed message may stay in the
	// processing set before it is reclaimed.
	VisibilityTimeout time.Duration
	EventWorkers      int
}

type SchedulerConfig struct {
	TickMs int
}

func (c SchedulerConfig) Tick() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

type NotificationConfig struct {
	EnabledChannels      []string
	PriorityChannels     []string
	DedupWindowHours     int
	RateLimitPerUserHour int
	BatchSize            int
	FlushInterval        time.Duration
}

type OutboxConfig struct {
	PollInterval       time.Duration
	BatchSize          int
	MaxRetries         int
	PublishedRetention time.Duration
	FailedRetention    time.Duration
}

type WebSocketConfig struct {
	MaxConnections    int
	RequireAuth       bool
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	PubSubPrefix      string
}

// ExternalAPIConfig is one named upstream for the external HTTP client.
type ExternalAPIConfig struct {
	Name             string
	BaseURL          string
	Timeout          time.Duration
	MaxRetries       int
	FailureThreshold int
	SuccessThreshold int
	BreakerTimeout   time.Duration
}

type Config struct {
	AppID string
	Env   string
	// NodeID identifies this process in the fleet (lock ownership, pub/sub).
	NodeID string

	Cache        CacheConfig
	Database     DatabaseConfig
	Queue        QueueConfig
	Scheduler    SchedulerConfig
	Notification NotificationConfig
	Outbox       OutboxConfig
	WebSocket    WebSocketConfig
	ExternalAPIs map[string]ExternalAPIConfig

	JWTSecret  string
	ServerAddr string
}

// Namespace is the prefix applied to every cache key: "<app_id>:<env>".
func (c *Config) Namespace() string {
	return c.AppID + ":" + c.Env
}

func Load() (*Config, error) {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Log but continue, as .env is optional if variables are set elsewhere
		logger := log.NewLogger()
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	logger := log.NewLogger()
	cfg := &Config{
		AppID:  os.Getenv("APP_ID"),
		Env:    os.Getenv("APP_ENV"),
		NodeID: os.Getenv("NODE_ID"),
		Cache: CacheConfig{
			Host:                 os.Getenv("CACHE_HOST"),
			Port:                 envInt("CACHE_PORT", 6379),
			DB:                   envInt("CACHE_DB", 0),
			Password:             os.Getenv("CACHE_PASSWORD"),
			PoolSize:             envInt("CACHE_POOL_SIZE", 20),
			SessionExpireSeconds: envInt("SESSION_EXPIRE_SECONDS", 3600),
			MaxRetries:           envInt("CACHE_MAX_RETRIES", 3),
		},
		Database: DatabaseConfig{
			GlobalURL:    os.Getenv("GLOBAL_DATABASE_URL"),
			MaxOpenConns: envInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns: envInt("DB_MAX_IDLE_CONNS", 10),
		},
		Queue: QueueConfig{
			BatchSize:         envInt("QUEUE_BATCH_SIZE", 10),
			PollInterval:      envSeconds("QUEUE_POLL_INTERVAL_SECONDS", 1),
			MaxRetries:        envInt("QUEUE_MAX_RETRIES", 3),
			VisibilityTimeout: envSeconds("QUEUE_VISIBILITY_TIMEOUT_SECONDS", 30),
			EventWorkers:      envInt("EVENT_WORKERS", 10),
		},
		Scheduler: SchedulerConfig{
			TickMs: envInt("SCHEDULER_TICK_MS", 1000),
		},
		Notification: NotificationConfig{
			EnabledChannels:      splitList(getenvDefault("NOTIFICATION_ENABLED_CHANNELS", "WEBSOCKET,EMAIL,SMS,IN_APP")),
			PriorityChannels:     splitList(getenvDefault("NOTIFICATION_PRIORITY_CHANNELS", "WEBSOCKET,IN_APP,EMAIL,SMS,PUSH")),
			DedupWindowHours:     envInt("NOTIFICATION_DEDUP_WINDOW_HOURS", 1),
			RateLimitPerUserHour: envInt("NOTIFICATION_RATE_LIMIT_PER_USER_PER_HOUR", 100),
			BatchSize:            envInt("NOTIFICATION_BATCH_SIZE", 50),
			FlushInterval:        envSeconds("NOTIFICATION_FLUSH_INTERVAL_SECONDS", 3),
		},
		Outbox: OutboxConfig{
			PollInterval:       envSeconds("OUTBOX_POLL_INTERVAL_SECONDS", 5),
			BatchSize:          envInt("OUTBOX_BATCH_SIZE", 50),
			MaxRetries:         envInt("OUTBOX_MAX_RETRIES", 3),
			PublishedRetention: envSeconds("OUTBOX_PUBLISHED_RETENTION_SECONDS", 86400),
			FailedRetention:    envSeconds("OUTBOX_FAILED_RETENTION_SECONDS", 604800),
		},
		WebSocket: WebSocketConfig{
			MaxConnections:    envInt("WS_MAX_CONNECTIONS", 10000),
			RequireAuth:       envBool("WS_REQUIRE_AUTH", true),
			HeartbeatInterval: envSeconds("WS_HEARTBEAT_INTERVAL_SECONDS", 30),
			PingTimeout:       envSeconds("WS_PING_TIMEOUT_SECONDS", 90),
			PubSubPrefix:      getenvDefault("WS_PUBSUB_PREFIX", "ws"),
		},
		ExternalAPIs: make(map[string]ExternalAPIConfig),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		ServerAddr:   getenvDefault("SERVER_ADDR", ":8080"),
	}

	if cfg.AppID == "" {
		logger.Error("APP_ID is required")
		return nil, errs.New(errs.KindConfigInvalid, "APP_ID is required")
	}
	if cfg.Env == "" {
		logger.Error("APP_ENV is required")
		return nil, errs.New(errs.KindConfigInvalid, "APP_ENV is required")
	}
	if cfg.Cache.Host == "" {
		logger.Error("CACHE_HOST is required")
		return nil, errs.New(errs.KindConfigInvalid, "CACHE_HOST is required")
	}
	if cfg.Database.GlobalURL == "" {
		logger.Error("GLOBAL_DATABASE_URL is required")
		return nil, errs.New(errs.KindConfigInvalid, "GLOBAL_DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		return nil, errs.New(errs.KindConfigInvalid, "JWT_SECRET is required")
	}

	shardURLs := strings.Split(os.Getenv("SHARD_DATABASE_URLS"), ",")
	if len(shardURLs) == 0 || shardURLs[0] == "" {
		logger.Error("SHARD_DATABASE_URLS is required")
		return nil, errs.New(errs.KindConfigInvalid, "SHARD_DATABASE_URLS is required")
	}
	for i, url := range shardURLs {
		cfg.Database.Shards = append(cfg.Database.Shards, ShardConfig{ID: i + 1, URL: strings.TrimSpace(url)})
	}

	if cfg.NodeID == "" {
		host, _ := os.Hostname()
		cfg.NodeID = fmt.Sprintf("%s-%d", host, os.Getpid())
		logger.Info("Using generated NodeID", zap.String("node_id", cfg.NodeID))
	}

	// External APIs: semicolon-separated entries of
	// "name=base_url,timeout_seconds,max_retries".
	apis := os.Getenv("EXTERNAL_APIS")
	if apis != "" {
		for _, entry := range strings.Split(apis, ";") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			name, spec, ok := strings.Cut(entry, "=")
			if !ok {
				logger.Error("Invalid EXTERNAL_APIS entry", zap.String("entry", entry))
				return nil, errs.Newf(errs.KindConfigInvalid, "invalid EXTERNAL_APIS entry: %s", entry)
			}
			parts := strings.Split(spec, ",")
			api := ExternalAPIConfig{
				Name:             name,
				BaseURL:          parts[0],
				Timeout:          10 * time.Second,
				MaxRetries:       3,
				FailureThreshold: 5,
				SuccessThreshold: 2,
				BreakerTimeout:   30 * time.Second,
			}
			if len(parts) > 1 {
				secs, err := strconv.Atoi(parts[1])
				if err != nil {
					logger.Error("Invalid external API timeout", zap.String("api", name), zap.Error(err))
					return nil, errs.Wrap(errs.KindConfigInvalid, fmt.Sprintf("invalid timeout for %s", name), err)
				}
				api.Timeout = time.Duration(secs) * time.Second
			}
			if len(parts) > 2 {
				retries, err := strconv.Atoi(parts[2])
				if err != nil {
					logger.Error("Invalid external API retries", zap.String("api", name), zap.Error(err))
					return nil, errs.Wrap(errs.KindConfigInvalid, fmt.Sprintf("invalid retries for %s", name), err)
				}
				api.MaxRetries = retries
			}
			cfg.ExternalAPIs[name] = api
		}
	}

	logger.Info("Config loaded successfully",
		zap.String("app_id", cfg.AppID),
		zap.String("env", cfg.Env),
		zap.Int("shards", len(cfg.Database.Shards)))
	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
