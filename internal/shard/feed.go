package shard

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/proto"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/resilience"
)

// GenerationFeed swaps newly published generations into the actors of a
// node as GenerationPublished events arrive.
type GenerationFeed struct {
	node      *Node
	openLimit time.Duration
	retry     resilience.RetryConfig
	logger    *slog.Logger
}

// NewGenerationFeed returns a feed for node. openLimit bounds one attempt
// to open and swap a generation.
func NewGenerationFeed(node *Node, openLimit time.Duration) *GenerationFeed {
	return &GenerationFeed{
		node:      node,
		openLimit: openLimit,
		retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			Retryable: func(err error) bool {
				return !IsStale(err) && !errors.Is(err, apperrors.ErrCorruptIndex) && !errors.Is(err, apperrors.ErrInvalidInput)
			},
		},
		logger: slog.Default().With("component", "generation-feed"),
	}
}

// Handler adapts the feed to a Kafka consumer.
func (f *GenerationFeed) Handler() kafka.MessageHandler {
	return kafka.JSONHandler(f.Handle)
}

// Handle swaps in the generation ev describes if this node hosts its
// shard. Stale and corrupt generations are logged and acknowledged; other
// failures are returned so the event is redelivered.
func (f *GenerationFeed) Handle(ctx context.Context, ev proto.GenerationPublished) error {
	if _, err := f.node.Route(ev.ShardID); err != nil {
		return nil
	}
	path := ev.Path
	if path == "" {
		path = index.SegmentPath(f.node.dataDir, ev.ShardID, ev.Generation)
	}
	logger := f.logger.With("shard_id", ev.ShardID, "generation", ev.Generation, "path", path)

	err := resilience.Retry(ctx, "generation-swap", f.retry, func() error {
		return resilience.WithTimeout(ctx, f.openLimit, "open-generation", func(ctx context.Context) error {
			_, err := f.node.Load(ctx, ev.ShardID, path)
			return err
		})
	})
	switch {
	case err == nil:
		logger.Info("published generation swapped in")
		return nil
	case IsStale(err):
		logger.Info("ignoring generation not newer than the one served", "error", err)
		return nil
	case errors.Is(err, apperrors.ErrCorruptIndex), errors.Is(err, apperrors.ErrInvalidInput):
		logger.Error("published generation rejected", "error", err)
		return nil
	default:
		return err
	}
}
