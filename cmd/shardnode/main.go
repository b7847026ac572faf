// Command shardnode serves one or more index shards.
//
// Every hosted shard runs as an actor that owns its current generation. The
// node loads the newest complete generation of each shard at start, answers
// shard dispatches from coordinators over RPC, swaps in new generations
// announced on Kafka, and keeps its replica registration alive in etcd.
//
// Usage:
//
//	go run ./cmd/shardnode [-config configs/development.yaml] [-shards 0,1]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/cluster"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/query"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/shard"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/grpc"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/middleware"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	shardList := flag.String("shards", "", "comma-separated shard ids to host (overrides index.shards)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *shardList != "" {
		ids, err := parseShardList(*shardList)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -shards: %v\n", err)
			os.Exit(1)
		}
		cfg.Index.Shards = ids
	}
	if len(cfg.Index.Shards) == 0 {
		for id := 0; id < cfg.Index.NumShards; id++ {
			cfg.Index.Shards = append(cfg.Index.Shards, uint32(id))
		}
	}
	advertise := cfg.RPC.AdvertiseAddr
	if advertise == "" {
		advertise = cfg.RPC.Addr
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting shard node",
		"shards", cfg.Index.Shards,
		"rpc_addr", cfg.RPC.Addr,
		"advertise_addr", advertise,
		"data_dir", cfg.Index.DataDir,
	)

	m := metrics.New()
	checker := health.NewChecker()
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, "shardnode", checker.ReadyHandler())
		defer shutdownMetrics(context.Background())
	}

	node, err := shard.NewNode(cfg.Index, cfg.Shard, query.NewProcessor(), m)
	if err != nil {
		slog.Error("failed to start shard node", "error", err)
		os.Exit(1)
	}
	defer node.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rpcServer := grpc.NewServer()
	shard.RegisterService(rpcServer, node)
	ln, err := net.Listen("tcp", cfg.RPC.Addr)
	if err != nil {
		slog.Error("failed to listen for rpc", "addr", cfg.RPC.Addr, "error", err)
		os.Exit(1)
	}
	go func() {
		if err := rpcServer.ServeListener(ln); err != nil {
			slog.Error("rpc server error", "error", err)
		}
	}()
	defer rpcServer.Stop()
	slog.Info("shard rpc listening", "addr", ln.Addr().String(), "methods", rpcServer.MethodCount())

	checker.Register("shards", func(ctx context.Context) health.ComponentHealth {
		return shardHealth(node.Statuses(ctx))
	})

	if cfg.Kafka.Enabled {
		feed := shard.NewGenerationFeed(node, cfg.Index.OpenLimit)
		// A group per node: every replica must see every announcement.
		group := cfg.Kafka.ConsumerGroup + "-shardnode-" + advertise
		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.GenerationPublished, feed.Handler(), kafka.WithGroupID(group))
		defer consumer.Close()
		go func() {
			if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("generation feed stopped", "error", err)
			}
		}()
		slog.Info("generation feed started", "topic", cfg.Kafka.Topics.GenerationPublished, "group", group)
	}

	if len(cfg.Etcd.Endpoints) > 0 {
		membership, err := cluster.NewEtcd(cfg.Etcd, nil)
		if err != nil {
			slog.Error("failed to connect to etcd", "error", err)
			os.Exit(1)
		}
		regCtx, cancelReg := context.WithCancel(ctx)
		if err := membership.Register(regCtx, node.ShardIDs(), advertise); err != nil {
			slog.Error("failed to register replica", "error", err)
			cancelReg()
			membership.Close()
			os.Exit(1)
		}
		defer func() {
			cancelReg()
			membership.Close()
		}()
		checker.Register("etcd", func(ctx context.Context) health.ComponentHealth {
			return health.Up(fmt.Sprintf("registered as %s", advertise))
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/shards", func(w http.ResponseWriter, r *http.Request) {
		writeStatuses(w, node.Statuses(r.Context()))
	})
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

	slog.Info("shard node admin listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("shard node stopped")
}

func parseShardList(s string) ([]uint32, error) {
	var ids []uint32
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("shard id %q: %w", part, err)
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}

// shardHealth is Down when no shard can answer and Degraded when only some
// can.
func shardHealth(statuses []shard.Status) health.ComponentHealth {
	var serving int
	var unhealthy []string
	for _, st := range statuses {
		if st.Loaded && st.Healthy {
			serving++
			continue
		}
		reason := st.Reason
		if !st.Loaded {
			reason = "no generation"
		}
		unhealthy = append(unhealthy, fmt.Sprintf("%d: %s", st.ShardID, reason))
	}
	switch {
	case serving == 0:
		return health.Down(fmt.Sprintf("no shard serving (%s)", strings.Join(unhealthy, "; ")))
	case len(unhealthy) > 0:
		return health.Degraded(fmt.Sprintf("%d of %d shards serving (%s)", serving, len(statuses), strings.Join(unhealthy, "; ")))
	default:
		return health.Up(fmt.Sprintf("%d shards serving", serving))
	}
}

func writeStatuses(w http.ResponseWriter, statuses []shard.Status) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"shards": statuses}); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
