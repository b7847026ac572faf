// Package catalog records every published index generation in Postgres so
// operators and the coordinator can see what each shard is serving.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/proto"
)

const schema = `CREATE TABLE IF NOT EXISTS index_generations (
	shard_id     INTEGER     NOT NULL,
	generation   BIGINT      NOT NULL,
	path         TEXT        NOT NULL,
	doc_count    BIGINT      NOT NULL,
	term_count   BIGINT      NOT NULL,
	scorer       TEXT        NOT NULL,
	published_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (shard_id, generation)
)`

// Generation is one catalog row.
type Generation struct {
	ShardID     uint32    `json:"shard_id"`
	Generation  uint64    `json:"generation"`
	Path        string    `json:"path"`
	DocCount    uint32    `json:"doc_count"`
	TermCount   uint32    `json:"term_count"`
	Scorer      string    `json:"scorer"`
	PublishedAt time.Time `json:"published_at"`
}

// FromEvent converts a publish announcement into a row.
func FromEvent(ev proto.GenerationPublished) Generation {
	return Generation{
		ShardID:     ev.ShardID,
		Generation:  ev.Generation,
		Path:        ev.Path,
		DocCount:    ev.DocCount,
		TermCount:   ev.TermCount,
		Scorer:      ev.Scorer,
		PublishedAt: time.Unix(0, ev.PublishedAt).UTC(),
	}
}

type Catalog struct {
	db *postgres.Client
}

func New(db *postgres.Client) *Catalog {
	return &Catalog{db: db}
}

// Migrate creates the table if it does not exist.
func (c *Catalog) Migrate(ctx context.Context) error {
	return c.db.Exec(ctx, schema)
}

// Record inserts g. Recording the same generation twice is a no-op; a
// generation not newer than the shard's latest is rejected.
func (c *Catalog) Record(ctx context.Context, g Generation) error {
	return c.db.InTx(ctx, func(tx *sql.Tx) error {
		var latest sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(generation) FROM index_generations WHERE shard_id = $1`, g.ShardID,
		).Scan(&latest); err != nil {
			return fmt.Errorf("reading latest generation of shard %d: %w", g.ShardID, err)
		}
		if latest.Valid && uint64(latest.Int64) == g.Generation {
			return nil
		}
		if latest.Valid && uint64(latest.Int64) > g.Generation {
			return fmt.Errorf("shard %d: generation %d is older than recorded %d", g.ShardID, g.Generation, latest.Int64)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO index_generations
				(shard_id, generation, path, doc_count, term_count, scorer, published_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (shard_id, generation) DO NOTHING`,
			g.ShardID, g.Generation, g.Path, g.DocCount, g.TermCount, g.Scorer, g.PublishedAt,
		)
		if err != nil {
			return fmt.Errorf("recording generation %d of shard %d: %w", g.Generation, g.ShardID, err)
		}
		return nil
	})
}

// Latest returns the newest generation of every shard, by shard id.
func (c *Catalog) Latest(ctx context.Context) ([]Generation, error) {
	return c.query(ctx,
		`SELECT DISTINCT ON (shard_id) shard_id, generation, path, doc_count, term_count, scorer, published_at
		 FROM index_generations
		 ORDER BY shard_id, generation DESC`)
}

// History returns up to limit generations of one shard, newest first.
func (c *Catalog) History(ctx context.Context, shardID uint32, limit int) ([]Generation, error) {
	if limit <= 0 {
		limit = 20
	}
	return c.query(ctx,
		`SELECT shard_id, generation, path, doc_count, term_count, scorer, published_at
		 FROM index_generations
		 WHERE shard_id = $1
		 ORDER BY generation DESC
		 LIMIT $2`, shardID, limit)
}

func (c *Catalog) query(ctx context.Context, q string, args ...any) ([]Generation, error) {
	rows, err := c.db.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying generations: %w", err)
	}
	defer rows.Close()
	out := []Generation{}
	for rows.Next() {
		var g Generation
		if err := rows.Scan(&g.ShardID, &g.Generation, &g.Path, &g.DocCount, &g.TermCount, &g.Scorer, &g.PublishedAt); err != nil {
			return nil, fmt.Errorf("scanning generation: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
