package factory

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"attack-feed/internal/bucketing"
	"attack-feed/internal/client"
	"attack-feed/internal/config"
	"attack-feed/internal/feed"
	"attack-feed/internal/geo"
	"attack-feed/internal/handler"
	"attack-feed/internal/hub"
	"attack-feed/internal/model"
	redisrepo "attack-feed/internal/repository/redis"
	"attack-feed/internal/sink"
	"attack-feed/internal/tls"
	"attack-feed/internal/transport"
	"attack-feed/internal/util"
)

const initTimeout = 30 * time.Second

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	esClient         *client.ESClient
	redisClient      *client.RedisClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient
	geoResolver      *geo.MaxMindResolver

	// Feed pipeline
	feedCache   *redisrepo.FeedCache
	rateLimit   *redisrepo.RateLimitCache
	dispatcher  *sink.Dispatcher
	hub         *hub.Hub
	engine      *feed.Engine
	wsServer    *transport.Server
	feedHandler *handler.FeedHandler

	closeOnce sync.Once
}

// NewFactory loads configuration and builds the feed pipeline. Optional backends that
// fail to come up are logged and skipped outside production.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{
		config: cfg,
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewManager(cfg.Server, cfg.IsProduction(), util.Named("tls"))
	}

	if err := f.initializeClients(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	f.initializePipeline()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("demo_mode", cfg.Feed.DemoMode),
		util.String("engine_mode", f.engine.Snapshot().Mode.String()),
		util.Int("archive_sinks", len(f.dispatcher.Sinks())),
	)

	return f, nil
}

// initializeClients connects the event index and the optional archive backends.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	cfg := f.config
	var initErrors []error

	// Elasticsearch
	if !cfg.Feed.DemoMode && cfg.Elasticsearch.URL != "" {
		if es, err := client.NewElasticsearchClient(cfg.Elasticsearch, util.Named("elasticsearch")); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = es
			if err := es.HealthCheck(ctx); err != nil {
				// The engine degrades on the first failed search.
				util.Warn("Elasticsearch health check failed", util.ErrorField(err))
			} else {
				util.Info("Elasticsearch client initialized and healthy")
			}
		}
	}

	// Redis
	if cfg.RedisEnabled() {
		if rc, err := client.NewRedisClient(cfg.Redis, util.Named("redis")); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else if err := rc.HealthCheck(ctx); err != nil {
			_ = rc.Close()
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			f.redisClient = rc
			f.feedCache = redisrepo.NewFeedCache(rc, cfg.Redis.RecentEvents, cfg.Redis.StatsTTL, util.Named("feed_cache"))
			f.rateLimit = redisrepo.NewRateLimitCache(rc, cfg.Feed.ConnectLimit, cfg.Feed.ConnectWindow, util.Named("rate_limit"))
			util.Info("Redis client initialized and healthy")
		}
	}

	// Kafka
	if cfg.KafkaEnabled() {
		if producer, err := client.NewKafkaProducer(cfg.Kafka, util.Named("kafka")); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized", util.String("topic", cfg.Kafka.Topic))
		}
	}

	// ClickHouse
	if cfg.ClickhouseEnabled() {
		if ch, err := client.NewClickHouseClient(cfg.Clickhouse, cfg.IsProduction(), util.Named("clickhouse")); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = ch
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	// GeoIP
	if cfg.GeoIP.DBPath != "" {
		if resolver, err := geo.OpenMaxMind(cfg.GeoIP.DBPath); err != nil {
			util.Warn("GeoIP database unavailable - events without coordinates will be dropped", util.ErrorField(err))
		} else {
			f.geoResolver = resolver
			util.Info("GeoIP database loaded", util.String("path", cfg.GeoIP.DBPath))
		}
	}

	if len(initErrors) > 0 {
		if cfg.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) archiveSinks() []sink.Sink {
	var sinks []sink.Sink
	if f.feedCache != nil {
		sinks = append(sinks, f.feedCache)
	}
	if f.kafkaProducer != nil {
		sinks = append(sinks, sink.NewKafkaSink(f.kafkaProducer, f.config.Kafka.Topic))
	}
	if f.clickhouseClient != nil {
		ch, err := sink.NewClickHouseSink(f.clickhouseClient, f.config.Clickhouse.Table)
		if err != nil {
			util.Warn("ClickHouse sink disabled", util.ErrorField(err))
			return sinks
		}
		ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
		defer cancel()
		if err := ch.EnsureSchema(ctx); err != nil {
			util.Warn("ClickHouse schema setup failed - sink disabled", util.ErrorField(err))
			return sinks
		}
		sinks = append(sinks, ch)
	}
	return sinks
}

func (f *Factory) initializePipeline() {
	cfg := f.config

	f.hub = hub.New(bucketing.NewManager(cfg.Feed.HubShards), util.Named("hub"))
	f.dispatcher = sink.NewDispatcher(f.archiveSinks(), 0, 0, util.Named("archive"))

	// A nil interface, not a typed nil pointer, tells the engine to start degraded.
	var exec feed.QueryExecutor
	if f.esClient != nil {
		exec = f.esClient
	}
	var resolver feed.GeoResolver
	if f.geoResolver != nil {
		resolver = f.geoResolver
	}

	f.engine = feed.NewEngine(exec, f.hub, feed.Options{
		Index:        cfg.Elasticsearch.Index,
		PageSize:     cfg.Feed.PageSize,
		PollInterval: cfg.Feed.PollInterval,
		Lookback:     cfg.Feed.Lookback,
		SeenLimit:    cfg.Feed.SeenLimit,
		Agg: model.AggSpec{
			Field:   cfg.Feed.CountryField,
			Size:    cfg.Feed.CountryBuckets,
			Missing: "Unknown",
		},
		RecoveryInterval: cfg.Feed.RecoveryInterval,
		StartDegraded:    cfg.Feed.DemoMode,
	}, util.Named("feed"),
		feed.WithNormalizer(feed.NewNormalizer(resolver)),
		feed.WithArchiver(f.dispatcher),
	)

	wsOpts := transport.Options{
		SendBuffer:     cfg.Feed.SendBuffer,
		ReplayCount:    cfg.Feed.ReplayCount,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
	var replay transport.ReplaySource
	if f.feedCache != nil {
		replay = f.feedCache
	}
	if f.rateLimit != nil {
		wsOpts.Limiter = f.rateLimit
	}
	f.wsServer = transport.NewServer(f.hub, replay, wsOpts, util.Named("ws"))

	opts := []handler.FeedHandlerOption{handler.WithArchiveStats(f.dispatcher)}
	if f.esClient != nil {
		opts = append(opts, handler.WithDiagnostics(f.esClient, cfg.Elasticsearch.Index))
	}
	if f.feedCache != nil {
		opts = append(opts, handler.WithStatsCache(f.feedCache))
	}
	f.feedHandler = handler.NewFeedHandler(f.engine, f.hub, util.Named("http"), opts...)
}

// Router builds the HTTP handler serving the API and the feed socket.
func (f *Factory) Router() http.Handler {
	return handler.NewRouter(f.feedHandler, f.wsServer, handler.RouterOptions{
		AllowedOrigins: f.config.Server.AllowedOrigins,
	}, util.Named("http"))
}

// HealthCheck probes every configured backend.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx, false, false); err != nil {
			healthErrors["kafka"] = err
		}
	}
	return healthErrors
}

// Close releases every client. Safe to call more than once.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.hub != nil {
			f.hub.CloseAll()
			util.Info("WebSocket connections closed")
		}

		if f.dispatcher != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := f.dispatcher.Close(ctx); err != nil {
				util.Error("Archive queue not fully drained", util.ErrorField(err))
			} else {
				util.Info("Archive queue drained")
			}
			cancel()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.geoResolver != nil {
			_ = f.geoResolver.Close()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) Engine() *feed.Engine {
	return f.engine
}

func (f *Factory) Dispatcher() *sink.Dispatcher {
	return f.dispatcher
}

func (f *Factory) Hub() *hub.Hub {
	return f.hub
}
