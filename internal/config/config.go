package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type App struct {
	Env      string
	LogLevel string
	// StoreBackend is "postgres", "aztable" or "memory".
	StoreBackend string
	// CacheBackend is "redis" or "lru".
	CacheBackend string
	LRUCapacity  int
	// DeadLetterBackend is "kafka", "azqueue" or "log".
	DeadLetterBackend string
	// AlertChannels lists any of "log", "kafka", "redis".
	AlertChannels []string
	// Domains limits the materializers this process runs; empty means all.
	Domains []string
}

type HTTP struct {
	Port           string
	RequestTimeout time.Duration
}

type DB struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
}

type Kafka struct {
	Brokers     []string
	ClientID    string
	Topic       string
	Group       string
	DLQ         string
	AlertsTopic string
}

type Redis struct {
	Addr         string
	Password     string
	DB           int
	TTL          time.Duration
	LastKnownTTL time.Duration
	Prefix       string
	AlertChannel string
}

type Azure struct {
	ConnectionString string
	ReadModelTable   string
	DeadLetterQueue  string
}

type Router struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

type Query struct {
	StoreTimeout     time.Duration
	FallbackTimeout  time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

type Reconciler struct {
	Enabled         bool
	Interval        time.Duration
	Tolerance       float64
	AlertAfter      int
	RebuildAttempts int
	Concurrency     int
}

type Source struct {
	// Backend is "eventlog" (fold the authoritative event log) or "http".
	Backend string
	// BaseURLs maps a domain to its service, from SOURCE_URL_<DOMAIN>.
	BaseURLs map[string]string
	Timeout  time.Duration
	RPS      float64
	Burst    int
}

type Config struct {
	App        App
	HTTP       HTTP
	DB         DB
	Kafka      Kafka
	Redis      Redis
	Azure      Azure
	Router     Router
	Query      Query
	Reconciler Reconciler
	Source     Source
	// Periods maps a domain to "month" or "quarter", from
	// ANALYTICS_PERIOD_<DOMAIN>.
	Periods map[string]string
}

// Load reads the environment, after a .env file in the working directory
// when one exists. Variables already set take precedence over the file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		App: App{
			Env:               getenv("APP_ENV", "dev"),
			LogLevel:          getenv("LOG_LEVEL", "info"),
			StoreBackend:      getenv("STORE_BACKEND", "postgres"),
			CacheBackend:      getenv("CACHE_BACKEND", "lru"),
			LRUCapacity:       atoi(getenv("LRU_CAPACITY", "10000")),
			DeadLetterBackend: getenv("DEAD_LETTER_BACKEND", "kafka"),
			AlertChannels:     splitCSV(getenv("ALERT_CHANNELS", "log")),
			Domains:           splitCSV(getenv("ANALYTICS_DOMAINS", "")),
		},
		HTTP: HTTP{
			Port:           getenv("PORT", "8080"),
			RequestTimeout: parseDuration(getenv("HTTP_REQUEST_TIMEOUT", "15s")),
		},
		DB: DB{
			Host:     getenv("DB_HOST", "127.0.0.1"),
			Port:     getenv("DB_PORT", "55432"),
			Name:     getenv("DB_NAME", "analytics_db"),
			User:     getenv("DB_USER", "postgres"),
			Password: getenv("DB_PASSWORD", "postgres"),
			SSLMode:  getenv("DB_SSLMODE", "disable"),
		},
		Kafka: Kafka{
			Brokers:     splitCSV(getenv("KAFKA_BROKERS", "localhost:19092")),
			ClientID:    getenv("KAFKA_CLIENT_ID", "erp-analytics"),
			Topic:       getenv("ANALYTICS_EVENTS_TOPIC", "erp-domain-events"),
			Group:       getenv("ANALYTICS_CONSUMER_GROUP", "erp-analytics"),
			DLQ:         getenv("ANALYTICS_DLQ_TOPIC", "erp-domain-events-dlq"),
			AlertsTopic: getenv("ANALYTICS_ALERTS_TOPIC", "erp-analytics-alerts"),
		},
		Redis: Redis{
			Addr:         getenv("REDIS_ADDR", "localhost:6379"),
			Password:     getenv("REDIS_PASSWORD", ""),
			DB:           atoi(getenv("REDIS_DB", "0")),
			TTL:          parseDuration(getenv("CACHE_TTL", "5m")),
			LastKnownTTL: parseDuration(getenv("CACHE_LAST_KNOWN_TTL", "168h")),
			Prefix:       getenv("REDIS_PREFIX", "analytics:"),
			AlertChannel: getenv("REDIS_ALERT_CHANNEL", "analytics:alerts"),
		},
		Azure: Azure{
			ConnectionString: getenv("AZURE_STORAGE_CONNECTION_STRING", ""),
			ReadModelTable:   getenv("AZURE_READMODEL_TABLE", "ReadModels"),
			DeadLetterQueue:  getenv("AZURE_DEAD_LETTER_QUEUE", "analytics-dead-letters"),
		},
		Router: Router{
			Workers:     atoi(getenv("ROUTER_WORKERS", "8")),
			QueueSize:   atoi(getenv("ROUTER_QUEUE_SIZE", "64")),
			MaxAttempts: atoi(getenv("ROUTER_MAX_ATTEMPTS", "5")),
			BaseBackoff: parseDuration(getenv("ROUTER_BASE_BACKOFF", "200ms")),
			MaxBackoff:  parseDuration(getenv("ROUTER_MAX_BACKOFF", "10s")),
		},
		Query: Query{
			StoreTimeout:     parseDuration(getenv("QUERY_STORE_TIMEOUT", "2s")),
			FallbackTimeout:  parseDuration(getenv("QUERY_FALLBACK_TIMEOUT", "10s")),
			BreakerThreshold: atoi(getenv("BREAKER_THRESHOLD", "5")),
			BreakerCooldown:  parseDuration(getenv("BREAKER_COOLDOWN", "60s")),
		},
		Reconciler: Reconciler{
			Enabled:         parseBool(getenv("RECONCILE_ENABLED", "true")),
			Interval:        parseDuration(getenv("RECONCILE_INTERVAL", "15m")),
			Tolerance:       parseFloat(getenv("RECONCILE_TOLERANCE", "1e-9")),
			AlertAfter:      atoi(getenv("RECONCILE_ALERT_AFTER", "3")),
			RebuildAttempts: atoi(getenv("RECONCILE_REBUILD_ATTEMPTS", "3")),
			Concurrency:     atoi(getenv("RECONCILE_CONCURRENCY", "4")),
		},
		Source: Source{
			Backend:  getenv("SOURCE_BACKEND", "eventlog"),
			BaseURLs: prefixed("SOURCE_URL_"),
			Timeout:  parseDuration(getenv("SOURCE_TIMEOUT", "10s")),
			RPS:      parseFloat(getenv("SOURCE_RPS", "0")),
			Burst:    atoi(getenv("SOURCE_BURST", "1")),
		},
		Periods: prefixed("ANALYTICS_PERIOD_"),
	}
}

// DatabaseURL prefers DATABASE_URL over the individual DB_* settings.
func (c Config) DatabaseURL() string {
	if u := os.Getenv("DATABASE_URL"); u != "" {
		return u
	}
	return "postgres://" + c.DB.User + ":" + c.DB.Password + "@" +
		c.DB.Host + ":" + c.DB.Port + "/" + c.DB.Name + "?sslmode=" + c.DB.SSLMode
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// prefixed collects PREFIX_<NAME>=value pairs keyed by lowercased NAME.
func prefixed(prefix string) map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || v == "" {
			continue
		}
		if name, ok := strings.CutPrefix(k, prefix); ok && name != "" {
			out[strings.ToLower(name)] = v
		}
	}
	return out
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func atoi(s string) int {
	i, _ := strconv.Atoi(s)
	return i
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
