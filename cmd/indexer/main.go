// Command indexer builds and publishes one generation per shard.
//
// Input is a JSON-lines file. In tuples mode every line is a posting
// {"shard_id","doc_id","term_id","freq"} or a document length
// {"shard_id","doc_id","length"}. In documents mode every line is
// {"id","text"}: documents are spread over index.numShards shards by their
// external id, featurized, and their terms assigned ids in the term
// dictionary, which is frozen once the build succeeds.
//
// Each published generation is announced on Kafka, so shard nodes swap it
// in, and recorded in the Postgres catalog.
//
// Usage:
//
//	go run ./cmd/indexer -input postings.jsonl [-mode tuples|documents] [-config configs/development.yaml]
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/featurize"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index/builder"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index/builder/partition"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/scoring"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/termdict"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/proto"
)

const (
	modeTuples    = "tuples"
	modeDocuments = "documents"
)

// tupleRecord is one line of tuples input. A line without term_id sets the
// document length.
type tupleRecord struct {
	ShardID uint32  `json:"shard_id"`
	DocID   uint32  `json:"doc_id"`
	TermID  *uint32 `json:"term_id"`
	Freq    uint32  `json:"freq"`
	Length  uint32  `json:"length"`
}

type documentRecord struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	input := flag.String("input", "", "JSON-lines input file (- for stdin)")
	mode := flag.String("mode", modeTuples, "input mode: tuples or documents")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *input == "" {
		fmt.Fprintln(os.Stderr, "-input is required")
		os.Exit(2)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	scorer, err := scoring.FromConfig(cfg.Index.Scorer)
	if err != nil {
		slog.Error("invalid scorer config", "error", err)
		os.Exit(1)
	}
	slog.Info("starting indexer",
		"mode", *mode,
		"input", *input,
		"num_shards", cfg.Index.NumShards,
		"scorer", scorer.Name(),
		"data_dir", cfg.Index.DataDir,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in, err := openInput(*input)
	if err != nil {
		slog.Error("failed to open input", "error", err)
		os.Exit(1)
	}
	defer in.Close()

	builders := make([]*builder.Builder, cfg.Index.NumShards)
	for i := range builders {
		builders[i] = builder.New(uint32(i), scorer)
	}

	var (
		dict *termdict.Dict
		part *partition.Partitioner
	)
	switch *mode {
	case modeTuples:
		err = readTuples(in, builders)
	case modeDocuments:
		dict, err = termdict.Open(cfg.TermDict.Backend, cfg.TermDict.Path)
		if err != nil {
			slog.Error("failed to open term dictionary", "path", cfg.TermDict.Path, "error", err)
			os.Exit(1)
		}
		defer dict.Close()
		part, err = partition.New(cfg.Index.NumShards, partition.DefaultSeed)
		if err == nil {
			err = readDocuments(in, builders, part, dict)
		}
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		slog.Error("reading input failed", "error", err)
		os.Exit(1)
	}

	var nonEmpty []*builder.Builder
	for i, b := range builders {
		if b.DocCount() == 0 {
			slog.Warn("shard has no documents, skipping", "shard_id", i)
			continue
		}
		nonEmpty = append(nonEmpty, b)
	}
	if len(nonEmpty) == 0 {
		slog.Error("no documents in input")
		os.Exit(1)
	}

	start := time.Now()
	infos, err := builder.BuildAll(ctx, cfg.Index.DataDir, nonEmpty...)
	if err != nil {
		slog.Error("build failed", "error", err)
		os.Exit(1)
	}
	slog.Info("generations published", "shards", len(infos), "duration_ms", time.Since(start).Milliseconds())

	if dict != nil {
		if err := dict.Freeze(); err != nil {
			slog.Error("freezing term dictionary failed", "error", err)
			os.Exit(1)
		}
		slog.Info("term dictionary frozen", "terms", dict.Len(), "documents", dict.DocCount())
	}
	if part != nil {
		for _, info := range infos {
			if err := writeKeys(cfg.Index.DataDir, info, part.Keys(info.ShardID)); err != nil {
				slog.Error("writing document keys failed", "shard_id", info.ShardID, "error", err)
				os.Exit(1)
			}
		}
	}

	if err := announce(ctx, cfg, scorer.Name(), infos); err != nil {
		slog.Error("announcing generations failed", "error", err)
		os.Exit(1)
	}
	slog.Info("indexer finished")
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func readTuples(r io.Reader, builders []*builder.Builder) error {
	return eachLine(r, func(line int, raw []byte) error {
		var rec tupleRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if int(rec.ShardID) >= len(builders) {
			return fmt.Errorf("line %d: shard %d outside index.numShards=%d", line, rec.ShardID, len(builders))
		}
		b := builders[rec.ShardID]
		if rec.TermID == nil {
			b.SetDocumentLength(rec.DocID, rec.Length)
			return nil
		}
		if err := b.Add(rec.DocID, *rec.TermID, rec.Freq); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		return nil
	})
}

func readDocuments(r io.Reader, builders []*builder.Builder, part *partition.Partitioner, dict *termdict.Dict) error {
	return eachLine(r, func(line int, raw []byte) error {
		var rec documentRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if rec.ID == "" {
			return fmt.Errorf("line %d: document without id", line)
		}
		a, isNew := part.Assign(rec.ID)
		if !isNew {
			slog.Warn("duplicate document id, keeping the first", "id", rec.ID, "line", line)
			return nil
		}
		doc := featurize.Featurize(rec.Text)
		ids := make([]uint32, 0, len(doc.Frequencies))
		freqs := make(map[uint32]uint32, len(doc.Frequencies))
		for term, freq := range doc.Frequencies {
			id, err := dict.Assign(term)
			if err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			ids = append(ids, id)
			freqs[id] = freq
		}
		b := builders[a.ShardID]
		if err := b.AddDocument(a.DocID, freqs); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		b.SetDocumentLength(a.DocID, doc.Length)
		return dict.AddDocument(ids)
	})
}

func eachLine(r io.Reader, fn func(line int, raw []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		if err := fn(line, raw); err != nil {
			return err
		}
	}
	return sc.Err()
}

// writeKeys stores the external id of every document next to the
// generation, indexed by DocumentID.
func writeKeys(dataDir string, info index.GenerationInfo, keys []string) error {
	path := filepath.Join(index.GenerationDir(dataDir, info.ShardID, info.Generation), "keys.json")
	data, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// announce publishes one GenerationPublished per shard and records it in
// the catalog. Either sink is skipped when disabled.
func announce(ctx context.Context, cfg *config.Config, scorer string, infos []index.GenerationInfo) error {
	events := make([]proto.GenerationPublished, len(infos))
	now := time.Now().UnixNano()
	for i, info := range infos {
		events[i] = proto.GenerationPublished{
			ShardID:     info.ShardID,
			Generation:  info.Generation,
			Path:        info.Path,
			DocCount:    info.DocCount,
			TermCount:   info.TermCount,
			Scorer:      scorer,
			PublishedAt: now,
		}
	}

	var errs []error
	if cfg.Postgres.Enabled {
		errs = append(errs, record(ctx, cfg.Postgres, events))
	}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.GenerationPublished)
		batch := make([]kafka.Event, len(events))
		for i, ev := range events {
			batch[i] = kafka.Event{Key: fmt.Sprintf("shard-%d", ev.ShardID), Value: ev}
		}
		if err := producer.PublishBatch(ctx, batch); err != nil {
			errs = append(errs, fmt.Errorf("publishing to %s: %w", cfg.Kafka.Topics.GenerationPublished, err))
		} else {
			slog.Info("generations announced", "topic", cfg.Kafka.Topics.GenerationPublished, "count", len(batch))
		}
		errs = append(errs, producer.Close())
	}
	return errors.Join(errs...)
}

func record(ctx context.Context, pg config.PostgresConfig, events []proto.GenerationPublished) error {
	db, err := postgres.New(pg)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()
	cat := catalog.New(db)
	if err := cat.Migrate(ctx); err != nil {
		return err
	}
	for _, ev := range events {
		if err := cat.Record(ctx, catalog.FromEvent(ev)); err != nil {
			return fmt.Errorf("recording shard %d generation %d: %w", ev.ShardID, ev.Generation, err)
		}
	}
	slog.Info("generations catalogued", "count", len(events))
	return nil
}
