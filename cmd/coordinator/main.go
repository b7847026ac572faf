// Command coordinator starts the client-facing query service.
//
// The coordinator fans each query out to one replica of every required
// shard over RPC, merges the per-shard top-k lists and applies the
// partial-failure policy. Shard placement comes from etcd when endpoints
// are configured and from coordinator.staticShards otherwise. Complete
// results are cached in Redis until the next generation is published;
// query events flow through Kafka into the analytics aggregator.
//
// Usage:
//
//	go run ./cmd/coordinator [-config configs/development.yaml]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/cluster"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/coordinator"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/termdict"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/grpc"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/proto"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err := cfg.Coordinator.Validate(); err != nil {
		slog.Error("invalid coordinator policy", "error", err)
		os.Exit(1)
	}
	slog.Info("starting coordinator",
		"port", cfg.Server.Port,
		"num_shards", cfg.Index.NumShards,
		"min_shard_coverage", cfg.Coordinator.MinShardCoverage,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	checker := health.NewChecker()
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, "coordinator", checker.ReadyHandler())
		defer shutdownMetrics(context.Background())
	}

	membership, closeMembership, err := openMembership(ctx, cfg)
	if err != nil {
		slog.Error("failed to set up cluster membership", "error", err)
		os.Exit(1)
	}
	defer closeMembership()
	checker.Register("membership", func(context.Context) health.ComponentHealth {
		return placementHealth(membership.Snapshot())
	})

	pool := grpc.NewPool()
	defer pool.Close()
	transport := coordinator.NewRPCTransport(pool, cfg.RPC, cfg.Coordinator, m)

	coord, err := coordinator.New(coordinator.Options{
		Policy:          cfg.Coordinator,
		DefaultDeadline: cfg.Query.DefaultDeadline,
		Membership:      membership,
		Transport:       transport,
		Metrics:         m,
		Tracer:          tracing.NewTracer(cfg.Tracing.Enabled, cfg.Tracing.SampleRate),
	})
	if err != nil {
		slog.Error("failed to start coordinator", "error", err)
		os.Exit(1)
	}
	defer coord.Stop()

	opts := coordinator.HandlerOptions{
		Searcher:   coord,
		Membership: membership,
		Metrics:    m,
		Query:      cfg.Query,
	}

	var queryCache *coordinator.QueryCache
	if cfg.Redis.Enabled {
		redisClient, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, result caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			queryCache = coordinator.NewQueryCache(redisClient, cfg.Redis.CacheTTL, m)
			opts.Cache = queryCache
			checker.Register("redis", health.Ping(redisClient.Ping))
			slog.Info("result cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	aggregator := analytics.NewAggregator()
	opts.Tracker = recorder{aggregator}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.QueryEvents)
		defer producer.Close()
		collector := analytics.NewCollector(producer, 10000, 100, 0)
		collector.Start(ctx)
		defer collector.Close()
		opts.Tracker = collector

		events := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.QueryEvents, aggregator.Handler())
		defer events.Close()
		go consume(ctx, "query events", events)
		slog.Info("analytics pipeline started", "topic", cfg.Kafka.Topics.QueryEvents)

		if queryCache != nil {
			host, _ := os.Hostname()
			// Every coordinator invalidates its own view of the cache epoch.
			group := fmt.Sprintf("%s-coordinator-%s-%d", cfg.Kafka.ConsumerGroup, host, cfg.Server.Port)
			invalidations := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.GenerationPublished,
				queryCache.InvalidationHandler(), kafka.WithGroupID(group))
			defer invalidations.Close()
			go consume(ctx, "cache invalidation", invalidations)
		}
	}

	if cfg.Postgres.Enabled {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Warn("postgres unavailable, generation catalog disabled", "error", err)
		} else {
			defer db.Close()
			cat := catalog.New(db)
			if err := cat.Migrate(ctx); err != nil {
				slog.Error("catalog migration failed", "error", err)
				os.Exit(1)
			}
			opts.Generations = cat
			checker.Register("postgres", health.Ping(db.Ping))
		}
	}

	if cfg.TermDict.Path != "" {
		dict, err := termdict.Open(cfg.TermDict.Backend, cfg.TermDict.Path)
		if err != nil {
			slog.Warn("term dictionary unavailable, text search disabled", "path", cfg.TermDict.Path, "error", err)
		} else {
			defer dict.Close()
			opts.Terms = dict
			slog.Info("term dictionary loaded", "terms", dict.Len(), "documents", dict.DocCount(), "frozen", dict.Frozen())
		}
	}

	mux := http.NewServeMux()
	coordinator.NewHandler(opts).Register(mux)
	mux.Handle("GET /api/v1/analytics", aggregator)
	mux.HandleFunc("GET /api/v1/cluster/breakers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, transport.BreakerStates())
	})
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	chain := []func(http.Handler) http.Handler{middleware.RequestID, middleware.Metrics(m)}
	if len(cfg.Server.CORSOrigins) > 0 {
		cors := middleware.DefaultCORSConfig()
		cors.AllowOrigins = cfg.Server.CORSOrigins
		chain = append(chain, middleware.CORS(cors))
	}
	if cfg.Server.ClientRateLimit > 0 {
		limiter := middleware.NewClientLimiter(cfg.Server.ClientRateLimit, cfg.Server.ClientRateBurst)
		go sweepClients(ctx, limiter)
		chain = append(chain, middleware.RateLimit(limiter))
		slog.Info("client rate limiting enabled", "per_second", cfg.Server.ClientRateLimit, "burst", cfg.Server.ClientRateBurst)
	}
	chain = append(chain, middleware.Timeout(cfg.Server.WriteTimeout))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware.Chain(mux, chain...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("coordinator listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("coordinator stopped")
}

// openMembership returns the etcd-backed membership when endpoints are
// configured, else the static placement. Known shards are the configured
// shard count plus every statically placed shard.
func openMembership(ctx context.Context, cfg *config.Config) (cluster.Membership, func(), error) {
	known := make([]uint32, 0, cfg.Index.NumShards)
	for id := 0; id < cfg.Index.NumShards; id++ {
		known = append(known, uint32(id))
	}
	known = append(known, slices.Collect(maps.Keys(cfg.Coordinator.StaticShards))...)

	if len(cfg.Etcd.Endpoints) == 0 {
		slog.Info("using static shard placement", "shards", len(cfg.Coordinator.StaticShards))
		return cluster.NewStatic(cfg.Coordinator.StaticShards, known...), func() {}, nil
	}
	e, err := cluster.NewEtcd(cfg.Etcd, known)
	if err != nil {
		return nil, nil, err
	}
	watchCtx, cancel := context.WithCancel(ctx)
	if err := e.Watch(watchCtx); err != nil {
		cancel()
		e.Close()
		return nil, nil, err
	}
	slog.Info("watching etcd shard placement", "endpoints", cfg.Etcd.Endpoints, "prefix", cfg.Etcd.Prefix)
	return e, func() {
		cancel()
		e.Close()
	}, nil
}

func placementHealth(v cluster.View) health.ComponentHealth {
	shards := v.Shards()
	var unplaced []uint32
	for _, id := range shards {
		if len(v.Replicas(id)) == 0 {
			unplaced = append(unplaced, id)
		}
	}
	switch {
	case len(shards) == 0:
		return health.Down("no shards known")
	case len(unplaced) == len(shards):
		return health.Down("no shard has a replica")
	case len(unplaced) > 0:
		return health.Degraded(fmt.Sprintf("shards without replicas: %v", unplaced))
	default:
		return health.Up(fmt.Sprintf("%d shards placed", len(shards)))
	}
}

func sweepClients(ctx context.Context, l *middleware.ClientLimiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(10 * time.Minute); n > 0 {
				slog.Debug("forgot idle clients", "removed", n, "tracked", l.Len())
			}
		}
	}
}

func consume(ctx context.Context, name string, c *kafka.Consumer) {
	if err := c.Start(ctx); err != nil && ctx.Err() == nil {
		slog.Error("consumer stopped", "consumer", name, "error", err)
	}
}

// recorder feeds query events straight into the aggregator when Kafka is
// disabled.
type recorder struct {
	agg *analytics.Aggregator
}

func (r recorder) Track(ev proto.QueryEvent) { r.agg.Record(ev) }

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
