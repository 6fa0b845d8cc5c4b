package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration derived from environment variables.
// It is built once at startup and passed by value to constructors.
type Config struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	ServiceName    string
	ReloadInterval time.Duration

	// Search backend
	SearchURL     string
	PromotedIndex string
	OrganicIndex  string
	ChannelIndex  string
	SearchTimeout time.Duration

	// Video catalog
	CatalogURL              string
	CatalogTimeout          time.Duration
	CatalogRetryPeriod      time.Duration
	CatalogRetryMaxPeriod   time.Duration
	CatalogRetryMaxAttempts int
	CatalogFetchLimit       int

	// Decision
	DefaultPattern       string
	MaxChannels          int
	MaxImpressions       int
	ImpressionHistoryTTL time.Duration

	// Bulkheads
	AdsConcurrency          int
	OrganicConcurrency      int
	ChannelConcurrency      int
	QueryTimeout            time.Duration
	BulkIndexConcurrency    int
	BulkIndexTimeout        time.Duration
	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration

	// Caches
	OrganicCacheEnabled   bool
	OrganicCacheRefresh   time.Duration
	OrganicCacheSize      int
	OrganicCacheMaxVideos int
	ChannelCacheRefresh   time.Duration
	ChannelCacheSize      int
	ChannelMaxVideos      int
	CacheExpireAfter      time.Duration
	CacheReloadWorkers    int
	CacheDrainTimeout     time.Duration

	// Scoring
	CTRScript          string
	CTRScriptLang      string
	CPVWeight          float64
	TierWeightGold     float64
	TierWeightSilver   float64
	TierWeightBronze   float64
	PubDateScale       string
	PubDateOffset      string
	PubDateDecay       float64
	BoostMode          string
	ScoreMode          string
	MaxBoost           float64
	OrganicRandomScore bool

	// Channels
	ChannelAllowlist  []string
	ChannelIndexStore bool
	ThumbnailDomain   string

	// Stores
	RedisAddr     string
	PostgresDSN   string
	ClickHouseDSN string
	GeoIPDB       string
	// Database connection pooling configuration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	// ClickHouse connection pooling configuration
	CHMaxOpenConns    int
	CHMaxIdleConns    int
	CHConnMaxLifetime time.Duration
	CHConnMaxIdleTime time.Duration

	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// Tracing configuration
	TracingEnabled    bool
	TempoEndpoint     string
	TracingSampleRate float64
}

// Load parses environment variables and returns a Config populated with
// defaults when variables are absent.
func Load() Config {
	cfg := Config{}

	cfg.Port = getenv("PORT", "8787")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 5*time.Second)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 10*time.Second)
	cfg.RequestTimeout = envDuration("REQUEST_TIMEOUT", 3*time.Second)
	cfg.ServiceName = getenv("SERVICE_NAME", "decision-engine")
	// allow-list refresh from Postgres
	cfg.ReloadInterval = envDuration("RELOAD_INTERVAL", 30*time.Second)

	cfg.SearchURL = getenv("SEARCH_URL", "http://localhost:9200")
	cfg.PromotedIndex = getenv("PROMOTED_INDEX", "promoted")
	cfg.OrganicIndex = getenv("ORGANIC_INDEX", "organic")
	cfg.ChannelIndex = getenv("CHANNEL_INDEX", "channel")
	cfg.SearchTimeout = envDuration("SEARCH_TIMEOUT", 2*time.Second)

	cfg.CatalogURL = getenv("CATALOG_URL", "https://api.pxlad.io")
	cfg.CatalogTimeout = envDuration("CATALOG_TIMEOUT", 5*time.Second)
	cfg.CatalogRetryPeriod = envDuration("CATALOG_RETRY_PERIOD", 100*time.Millisecond)
	cfg.CatalogRetryMaxPeriod = envDuration("CATALOG_RETRY_MAX_PERIOD", time.Second)
	cfg.CatalogRetryMaxAttempts = envInt("CATALOG_RETRY_MAX_ATTEMPTS", 5)
	cfg.CatalogFetchLimit = envInt("CATALOG_FETCH_LIMIT", 100)

	cfg.DefaultPattern = getenv("DEFAULT_PATTERN", "oop")
	cfg.MaxChannels = envInt("MAX_CHANNELS", 7)
	cfg.MaxImpressions = envInt("MAX_IMPRESSIONS", 3)
	cfg.ImpressionHistoryTTL = envDuration("IMPRESSION_HISTORY_TTL", 24*time.Hour)

	cfg.AdsConcurrency = envInt("ADS_CONCURRENCY", 100)
	cfg.OrganicConcurrency = envInt("ORGANIC_CONCURRENCY", 100)
	cfg.ChannelConcurrency = envInt("CHANNEL_CONCURRENCY", 100)
	cfg.QueryTimeout = envDuration("QUERY_TIMEOUT", 5*time.Second)
	cfg.BulkIndexConcurrency = envInt("BULK_INDEX_CONCURRENCY", 10)
	cfg.BulkIndexTimeout = envDuration("BULK_INDEX_TIMEOUT", 60*time.Second)
	cfg.BreakerFailureThreshold = envInt("BREAKER_FAILURE_THRESHOLD", 20)
	cfg.BreakerOpenTimeout = envDuration("BREAKER_OPEN_TIMEOUT", 10*time.Second)

	cfg.OrganicCacheEnabled = envBool("ORGANIC_CACHE_ENABLED", false)
	cfg.OrganicCacheRefresh = envDuration("ORGANIC_CACHE_REFRESH", time.Minute)
	cfg.OrganicCacheSize = envInt("ORGANIC_CACHE_SIZE", 1000)
	cfg.OrganicCacheMaxVideos = envInt("ORGANIC_CACHE_MAX_VIDEOS", 20)
	cfg.ChannelCacheRefresh = envDuration("CHANNEL_CACHE_REFRESH", 4*time.Minute)
	cfg.ChannelCacheSize = envInt("CHANNEL_CACHE_SIZE", 1000)
	cfg.ChannelMaxVideos = envInt("CHANNEL_MAX_VIDEOS", 25)
	// entries not refreshed within this window are dropped instead of served
	cfg.CacheExpireAfter = envDuration("CACHE_EXPIRE_AFTER", time.Hour)
	cfg.CacheReloadWorkers = envInt("CACHE_RELOAD_WORKERS", 8)
	cfg.CacheDrainTimeout = envDuration("CACHE_DRAIN_TIMEOUT", 2*time.Minute)

	cfg.CTRScript = getenv("CTR_SCRIPT", "(doc['clicks'].value + 1) / (doc['impressions'].value + 100)")
	cfg.CTRScriptLang = getenv("CTR_SCRIPT_LANG", "expression")
	cfg.CPVWeight = envFloat("CPV_WEIGHT", 2.0)
	cfg.TierWeightGold = envFloat("TIER_WEIGHT_GOLD", 0.5)
	cfg.TierWeightSilver = envFloat("TIER_WEIGHT_SILVER", 0.25)
	cfg.TierWeightBronze = envFloat("TIER_WEIGHT_BRONZE", 0.01)
	cfg.PubDateScale = getenv("PUBDATE_SCALE", "180d")
	cfg.PubDateOffset = getenv("PUBDATE_OFFSET", "5d")
	cfg.PubDateDecay = envFloat("PUBDATE_DECAY", 0.25)
	cfg.BoostMode = getenv("BOOST_MODE", "replace")
	cfg.ScoreMode = getenv("SCORE_MODE", "multiply")
	cfg.MaxBoost = envFloat("MAX_BOOST", 10)
	cfg.OrganicRandomScore = envBool("ORGANIC_RANDOM_SCORE", true)

	cfg.ChannelAllowlist = envList("CHANNEL_ALLOWLIST", nil)
	cfg.ChannelIndexStore = envBool("CHANNEL_INDEX_STORE", false)
	cfg.ThumbnailDomain = getenv("THUMBNAIL_DOMAIN", "pxlad.io")

	cfg.RedisAddr = getenv("REDIS_ADDR", "localhost:6379")
	cfg.PostgresDSN = getenv("POSTGRES_DSN", "")
	cfg.ClickHouseDSN = getenv("CLICKHOUSE_DSN", "")
	cfg.GeoIPDB = getenv("GEOIP_DB", "")

	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 2)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.DBConnMaxIdleTime = envDuration("DB_CONN_MAX_IDLE_TIME", time.Minute)

	cfg.CHMaxOpenConns = envInt("CH_MAX_OPEN_CONNS", 50)
	cfg.CHMaxIdleConns = envInt("CH_MAX_IDLE_CONNS", 10)
	cfg.CHConnMaxLifetime = envDuration("CH_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.CHConnMaxIdleTime = envDuration("CH_CONN_MAX_IDLE_TIME", time.Minute)

	cfg.RateLimitEnabled = envBool("RATE_LIMIT_ENABLED", false)
	cfg.RateLimitRPS = envFloat("RATE_LIMIT_RPS", 200)
	cfg.RateLimitBurst = envInt("RATE_LIMIT_BURST", 400)

	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.TempoEndpoint = getenv("TEMPO_ENDPOINT", "tempo:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 1.0)

	return cfg
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
// If the variable is unset or invalid, def is returned.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// envBool parses a boolean environment variable. When unset or invalid, def is returned.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}

// envList splits a comma separated variable, trimming blanks.
func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
