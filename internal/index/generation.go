package index

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// GenerationInfo describes one published generation on disk.
type GenerationInfo struct {
	ShardID    uint32 `json:"shard_id"`
	Generation uint64 `json:"generation"`
	Path       string `json:"path"`
	DocCount   uint32 `json:"doc_count"`
	TermCount  uint32 `json:"term_count"`
	SizeBytes  int64  `json:"size_bytes"`
}

const (
	genPrefix = "gen-"
	tmpSuffix = ".tmp"
)

// ShardDir is <dataDir>/shard-<id>.
func ShardDir(dataDir string, shardID uint32) string {
	return filepath.Join(dataDir, fmt.Sprintf("shard-%d", shardID))
}

// GenerationDir is <dataDir>/shard-<id>/gen-<%010d>.
func GenerationDir(dataDir string, shardID uint32, gen uint64) string {
	return filepath.Join(ShardDir(dataDir, shardID), fmt.Sprintf("%s%010d", genPrefix, gen))
}

// SegmentPath is the segment file inside a generation directory.
func SegmentPath(dataDir string, shardID uint32, gen uint64) string {
	return filepath.Join(GenerationDir(dataDir, shardID, gen), SegmentFile)
}

// ListGenerations returns the complete generations of a shard in ascending
// order. In-progress *.tmp directories and directories without a segment
// file are ignored.
func ListGenerations(dataDir string, shardID uint32) ([]uint64, error) {
	entries, err := os.ReadDir(ShardDir(dataDir, shardID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing generations: %w", err)
	}
	var gens []uint64
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, genPrefix) || strings.HasSuffix(name, tmpSuffix) {
			continue
		}
		gen, err := strconv.ParseUint(strings.TrimPrefix(name, genPrefix), 10, 64)
		if err != nil {
			continue
		}
		if _, err := os.Stat(SegmentPath(dataDir, shardID, gen)); err != nil {
			continue
		}
		gens = append(gens, gen)
	}
	slices.Sort(gens)
	return gens, nil
}

// LatestGeneration returns the greatest complete generation of a shard, and
// false when none exists.
func LatestGeneration(dataDir string, shardID uint32) (uint64, bool, error) {
	gens, err := ListGenerations(dataDir, shardID)
	if err != nil || len(gens) == 0 {
		return 0, false, err
	}
	return gens[len(gens)-1], true, nil
}

// Recover deletes leftovers of interrupted publishes and returns the latest
// complete generation. It must only run while no publisher is active for
// the shard, i.e. at node startup.
func Recover(dataDir string, shardID uint32) (uint64, bool, error) {
	dir := ShardDir(dataDir, shardID)
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, false, fmt.Errorf("reading shard directory: %w", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), tmpSuffix) {
			p := filepath.Join(dir, e.Name())
			slog.Warn("removing incomplete generation", "component", "index", "shard_id", shardID, "path", p)
			if err := os.RemoveAll(p); err != nil {
				return 0, false, fmt.Errorf("removing %s: %w", p, err)
			}
		}
	}
	return LatestGeneration(dataDir, shardID)
}

// Publish writes s as the next generation of its shard. The segment is
// written into gen-N.tmp, fsynced, and renamed into place, so a reader
// either sees the complete generation or none of it.
func Publish(dataDir string, s *Shard) (GenerationInfo, error) {
	latest, _, err := LatestGeneration(dataDir, s.ID())
	if err != nil {
		return GenerationInfo{}, err
	}
	gen := latest + 1
	shardDir := ShardDir(dataDir, s.ID())
	if err := os.MkdirAll(shardDir, 0o755); err != nil {
		return GenerationInfo{}, fmt.Errorf("creating shard directory: %w", err)
	}

	final := GenerationDir(dataDir, s.ID(), gen)
	tmp := final + tmpSuffix
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return GenerationInfo{}, fmt.Errorf("creating generation directory (concurrent publish?): %w", err)
	}
	cleanup := func() { os.RemoveAll(tmp) }

	if err := WriteSegment(filepath.Join(tmp, SegmentFile), s, gen); err != nil {
		cleanup()
		return GenerationInfo{}, err
	}
	if err := syncDir(tmp); err != nil {
		cleanup()
		return GenerationInfo{}, err
	}
	if err := os.Rename(tmp, final); err != nil {
		cleanup()
		return GenerationInfo{}, fmt.Errorf("renaming generation directory: %w", err)
	}
	if err := syncDir(shardDir); err != nil {
		return GenerationInfo{}, err
	}

	path := filepath.Join(final, SegmentFile)
	info := GenerationInfo{
		ShardID:    s.ID(),
		Generation: gen,
		Path:       path,
		DocCount:   s.Stats().DocCount,
		TermCount:  uint32(s.TermCount()),
	}
	if fi, err := os.Stat(path); err == nil {
		info.SizeBytes = fi.Size()
	}
	return info, nil
}

// Prune removes all but the newest keep generations of a shard. Open
// mappings of removed generations stay valid until unmapped.
func Prune(dataDir string, shardID uint32, keep int) (int, error) {
	gens, err := ListGenerations(dataDir, shardID)
	if err != nil || len(gens) <= keep {
		return 0, err
	}
	removed := 0
	for _, g := range gens[:len(gens)-keep] {
		if err := os.RemoveAll(GenerationDir(dataDir, shardID, g)); err != nil {
			return removed, fmt.Errorf("removing generation %d: %w", g, err)
		}
		removed++
	}
	return removed, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening %s for sync: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", dir, err)
	}
	return nil
}
