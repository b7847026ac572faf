// Command analytics starts the standalone analytics service.
//
// It consumes query events from Kafka in its own consumer group, so it sees
// the traffic of every coordinator, aggregates them in memory (query counts,
// latency percentiles, partial results, cache hit rate, exclusions per shard)
// and exposes them at GET /api/v1/analytics. With Postgres enabled it also
// records every published generation in the catalog and serves the
// generation history of a shard at GET /api/v1/generations/{shard}.
//
// Usage:
//
//	go run ./cmd/analytics [-config configs/development.yaml]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/proto"
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
	if !cfg.Kafka.Enabled {
		slog.Error("the analytics service reads query events from kafka; enable kafka in the config")
		os.Exit(1)
	}
	slog.Info("starting analytics service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	checker := health.NewChecker()
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, "analytics", checker.ReadyHandler())
		defer shutdownMetrics(context.Background())
	}

	aggregator := analytics.NewAggregator()
	events := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.QueryEvents, aggregator.Handler(),
		kafka.WithGroupID(cfg.Kafka.ConsumerGroup+"-analytics"))
	defer events.Close()
	consumerErr := make(chan error, 1)
	go func() {
		if err := events.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("query event consumer stopped", "error", err)
			consumerErr <- err
		}
	}()
	checker.Register("kafka", func(context.Context) health.ComponentHealth {
		select {
		case err := <-consumerErr:
			consumerErr <- err
			return health.Down(err.Error())
		default:
			return health.Up("consuming " + cfg.Kafka.Topics.QueryEvents)
		}
	})
	slog.Info("analytics aggregator started", "topic", cfg.Kafka.Topics.QueryEvents)

	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/analytics", aggregator)

	if cfg.Postgres.Enabled {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		cat := catalog.New(db)
		if err := cat.Migrate(ctx); err != nil {
			slog.Error("catalog migration failed", "error", err)
			os.Exit(1)
		}
		checker.Register("postgres", health.Ping(db.Ping))

		recorder := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.GenerationPublished,
			kafka.JSONHandler(func(ctx context.Context, ev proto.GenerationPublished) error {
				if err := cat.Record(ctx, catalog.FromEvent(ev)); err != nil {
					slog.Warn("generation not recorded", "shard_id", ev.ShardID, "generation", ev.Generation, "error", err)
				}
				return nil
			}),
			kafka.WithGroupID(cfg.Kafka.ConsumerGroup+"-catalog"), kafka.FromFirstOffset())
		defer recorder.Close()
		go func() {
			if err := recorder.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("generation recorder stopped", "error", err)
			}
		}()

		mux.HandleFunc("GET /api/v1/generations", func(w http.ResponseWriter, r *http.Request) {
			gens, err := cat.Latest(r.Context())
			if err != nil {
				slog.Error("listing generations failed", "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing generations failed"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"generations": gens})
		})
		mux.HandleFunc("GET /api/v1/generations/{shard}", func(w http.ResponseWriter, r *http.Request) {
			shardID, err := strconv.ParseUint(r.PathValue("shard"), 10, 32)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "shard must be a non-negative integer"})
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			gens, err := cat.History(r.Context(), uint32(shardID), limit)
			if err != nil {
				slog.Error("reading generation history failed", "shard_id", shardID, "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reading generation history failed"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"shard_id": shardID, "generations": gens})
		})
		slog.Info("generation catalog enabled", "topic", cfg.Kafka.Topics.GenerationPublished)
	}

	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware.Chain(mux, middleware.RequestID, middleware.Metrics(m)),
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

	slog.Info("analytics service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("analytics service stopped")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
