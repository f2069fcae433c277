package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"attack-feed/internal/util"
)

var (
	ErrMissingElasticNode = errors.New("ELASTIC_NODE is required unless DEMO_MODE is enabled")
	ErrMissingIndex       = errors.New("ES_INDEX is required unless DEMO_MODE is enabled")
	ErrInvalidFeed        = errors.New("invalid feed configuration")
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Elasticsearch ElasticsearchConfig
	Feed          FeedConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	GeoIP         GeoIPConfig
	Logging       LoggingConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	EnableTLS   bool
	TLSPort     int
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string

	AllowedOrigins []string
}

type ElasticsearchConfig struct {
	URL         string
	Username    string
	Password    string
	Index       string
	InsecureTLS bool
	Timeout     time.Duration
}

// FeedConfig drives the poll engine.
type FeedConfig struct {
	PollInterval     time.Duration
	PageSize         int
	Lookback         time.Duration
	SeenLimit        int
	CountryField     string
	CountryBuckets   int
	RecoveryInterval time.Duration
	DemoMode         bool
	SendBuffer       int
	ReplayCount      int
	HubShards        int
	// ConnectLimit caps socket connects per remote address per ConnectWindow. Needs Redis.
	ConnectLimit  int
	ConnectWindow time.Duration
}

type RedisConfig struct {
	URL          string
	Password     string
	DB           int
	PoolSize     int
	RecentEvents int
	StatsTTL     time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
	Table    string
}

type GeoIPConfig struct {
	DBPath string
}

type LoggingConfig struct {
	Level  string
	Format string
}

var (
	current *Config
	once    sync.Once
)

// LoadConfig reads .env (when present) and the process environment. The result is
// cached; later calls return the same value.
func LoadConfig() *Config {
	once.Do(func() {
		_ = godotenv.Load()
		current = fromEnv()
	})
	return current
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	return LoadConfig()
}

func fromEnv() *Config {
	env := util.GetEnv("ENVIRONMENT", "development")
	cfg := &Config{
		Environment: env,
		Server: ServerConfig{
			Port:           util.GetEnvInt("PORT", 3001),
			ReadTimeout:    util.GetEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   util.GetEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    util.GetEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			EnableTLS:      util.GetEnvBool("TLS_ENABLED", false),
			TLSPort:        util.GetEnvInt("TLS_PORT", 3443),
			AutoCert:       util.GetEnvBool("TLS_AUTOCERT", false),
			Domain:         util.GetEnv("TLS_DOMAIN", "localhost"),
			CertFile:       util.GetEnv("TLS_CERT_FILE", ""),
			KeyFile:        util.GetEnv("TLS_KEY_FILE", ""),
			AutoCertDir:    util.GetEnv("TLS_AUTOCERT_DIR", "./certs"),
			Email:          util.GetEnv("TLS_EMAIL", ""),
			AllowedOrigins: util.GetEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:         util.GetEnv("ELASTIC_NODE", ""),
			Username:    util.GetEnv("ELASTIC_USER", ""),
			Password:    util.GetEnv("ELASTIC_PASS", ""),
			Index:       util.GetEnv("ES_INDEX", ""),
			InsecureTLS: util.GetEnvBool("ELASTIC_TLS_INSECURE", env != "production"),
			Timeout:     util.GetEnvDuration("ELASTIC_TIMEOUT", 30*time.Second),
		},
		Feed: FeedConfig{
			PollInterval:     time.Duration(util.GetEnvInt("POLL_INTERVAL_MS", 5000)) * time.Millisecond,
			PageSize:         util.GetEnvInt("FEED_PAGE_SIZE", 200),
			Lookback:         util.GetEnvDuration("FEED_LOOKBACK", 60*time.Second),
			SeenLimit:        util.GetEnvInt("FEED_SEEN_LIMIT", 5000),
			CountryField:     util.GetEnv("FEED_COUNTRY_FIELD", "source.geo.country_name"),
			CountryBuckets:   util.GetEnvInt("FEED_COUNTRY_BUCKETS", 20),
			RecoveryInterval: util.GetEnvDuration("FEED_RECOVERY_INTERVAL", 0),
			DemoMode:         util.GetEnvBool("DEMO_MODE", false),
			SendBuffer:       util.GetEnvInt("WS_SEND_BUFFER", 64),
			ReplayCount:      util.GetEnvInt("WS_REPLAY_COUNT", 50),
			HubShards:        util.GetEnvInt("HUB_SHARDS", 16),
			ConnectLimit:     util.GetEnvInt("WS_CONNECT_LIMIT", 30),
			ConnectWindow:    util.GetEnvDuration("WS_CONNECT_WINDOW", time.Minute),
		},
		Redis: RedisConfig{
			URL:          util.GetEnv("REDIS_URL", ""),
			Password:     util.GetEnv("REDIS_PASSWORD", ""),
			DB:           util.GetEnvInt("REDIS_DB", 0),
			PoolSize:     util.GetEnvInt("REDIS_POOL_SIZE", 20),
			RecentEvents: util.GetEnvInt("REDIS_RECENT_EVENTS", 500),
			StatsTTL:     util.GetEnvDuration("REDIS_STATS_TTL", 24*time.Hour),
		},
		Kafka: KafkaConfig{
			Brokers: util.GetEnvList("KAFKA_BROKERS", nil),
			Topic:   util.GetEnv("KAFKA_TOPIC", "attack-events"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      util.GetEnv("CLICKHOUSE_URL", ""),
			Username: util.GetEnv("CLICKHOUSE_USER", "default"),
			Password: util.GetEnv("CLICKHOUSE_PASSWORD", ""),
			Database: util.GetEnv("CLICKHOUSE_DATABASE", "default"),
			Table:    util.GetEnv("CLICKHOUSE_TABLE", "attack_events"),
		},
		GeoIP: GeoIPConfig{
			DBPath: util.GetEnv("GEOIP_DB_PATH", ""),
		},
		Logging: LoggingConfig{
			Level:  util.GetEnv("LOG_LEVEL", "info"),
			Format: util.GetEnv("LOG_FORMAT", defaultLogFormat(env)),
		},
	}
	return cfg
}

func defaultLogFormat(env string) string {
	if env == "production" {
		return "json"
	}
	return "console"
}

// Validate reports configuration that would keep the feed from starting.
func (c *Config) Validate() error {
	if !c.Feed.DemoMode {
		if c.Elasticsearch.URL == "" {
			return ErrMissingElasticNode
		}
		if c.Elasticsearch.Index == "" {
			return ErrMissingIndex
		}
	}
	if c.Feed.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidFeed)
	}
	if c.Feed.PageSize <= 0 {
		return fmt.Errorf("%w: page size must be positive", ErrInvalidFeed)
	}
	if c.Feed.SeenLimit <= 0 {
		return fmt.Errorf("%w: seen limit must be positive", ErrInvalidFeed)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func (c *Config) RedisEnabled() bool      { return c.Redis.URL != "" }
func (c *Config) KafkaEnabled() bool      { return len(c.Kafka.Brokers) > 0 }
func (c *Config) ClickhouseEnabled() bool { return c.Clickhouse.URL != "" }
