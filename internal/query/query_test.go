package query

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index/builder"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/scoring"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
)

type posting struct{ doc, term, freq uint32 }

func buildShard(t testing.TB, id uint32, scorer scoring.Scorer, docs int, postings []posting) *index.Shard {
	t.Helper()
	b := builder.New(id, scorer)
	for _, p := range postings {
		if err := b.Add(p.doc, p.term, p.freq); err != nil {
			t.Fatalf("Add(%+v): %v", p, err)
		}
	}
	if docs > 0 {
		b.SetDocumentLength(uint32(docs-1), 4)
	}
	s, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return s
}

func randomShard(t testing.TB, rng *rand.Rand, id uint32, scorer scoring.Scorer) *index.Shard {
	t.Helper()
	return randomShardOf(t, rng, id, scorer, 1+rng.IntN(900))
}

func randomShardOf(t testing.TB, rng *rand.Rand, id uint32, scorer scoring.Scorer, docs int) *index.Shard {
	t.Helper()
	var ps []posting
	for term := uint32(0); term < 8; term++ {
		density := rng.Float64()
		for d := 0; d < docs; d++ {
			if rng.Float64() < density {
				ps = append(ps, posting{uint32(d), term, 1 + uint32(rng.IntN(6))})
			}
		}
	}
	return buildShard(t, id, scorer, docs, ps)
}

func randomQuery(rng *rand.Rand) Query {
	weights := []float64{0, 0.5, 1, 2.25}
	n := rng.IntN(5)
	q := Query{K: 1}
	for range n {
		w := weights[rng.IntN(len(weights))]
		if rng.IntN(3) == 0 {
			w = rng.Float64() * 3
		}
		// Terms 8 and 9 are never indexed.
		q.Terms = append(q.Terms, TermWeight{TermID: uint32(rng.IntN(10)), Weight: w})
	}
	return q
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		q       Query
		wantErr bool
	}{
		{"ok", Query{K: 3, Terms: []TermWeight{{1, 0.5}}}, false},
		{"no terms", Query{K: 1}, false},
		{"zero weight", Query{K: 1, Terms: []TermWeight{{1, 0}}}, false},
		{"zero k", Query{K: 0}, true},
		{"negative k", Query{K: -2}, true},
		{"negative weight", Query{K: 1, Terms: []TermWeight{{1, -1}}}, true},
		{"nan weight", Query{K: 1, Terms: []TermWeight{{1, math.NaN()}}}, true},
		{"inf weight", Query{K: 1, Terms: []TermWeight{{1, math.Inf(1)}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.q)
			if tt.wantErr != (err != nil) {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, apperrors.ErrInvalidQuery) {
				t.Errorf("expected ErrInvalidQuery, got %v", err)
			}
		})
	}
}

func TestThreeDocumentScenario(t *testing.T) {
	const a, b = 1, 2
	s := buildShard(t, 0, scoring.BM25{K1: 1.2, B: 0.75, AvgDocLength: 3}, 4, []posting{
		{1, a, 1}, {2, a, 3}, {3, b, 2},
	})
	res, err := NewProcessor().TopK(context.Background(), s, Query{K: 5, Terms: []TermWeight{{a, 1}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hits) != 2 {
		t.Fatalf("got %d hits, want 2: %+v", len(res.Hits), res.Hits)
	}
	ids := []uint32{res.Hits[0].DocID, res.Hits[1].DocID}
	slices.Sort(ids)
	if !slices.Equal(ids, []uint32{1, 2}) {
		t.Errorf("docs = %v, want {1, 2}", ids)
	}
	if res.Hits[0].Score < res.Hits[1].Score {
		t.Errorf("not ordered by score: %+v", res.Hits)
	}
}

func TestTopKMatchesExhaustive(t *testing.T) {
	scorers := []scoring.Scorer{
		scoring.BM25{K1: 1.2, B: 0.75, AvgDocLength: 9},
		scoring.TF{},
		scoring.LogTF{},
	}
	p := NewProcessor()
	rng := rand.New(rand.NewPCG(7, 11))
	for round := 0; round < 30; round++ {
		scorer := scorers[round%len(scorers)]
		s := randomShard(t, rng, uint32(round), scorer)
		docs := int(s.Stats().DocCount)
		for qi := 0; qi < 6; qi++ {
			q := randomQuery(rng)
			q.K = docs + 1
			want, err := Exhaustive(s, q)
			if err != nil {
				t.Fatal(err)
			}
			for k := 1; k <= docs+1; k += 1 + k/8 {
				q.K = k
				got, err := p.TopK(context.Background(), s, q)
				if err != nil {
					t.Fatalf("round %d k=%d: %v", round, k, err)
				}
				exp := want.Hits[:min(k, len(want.Hits))]
				if !slices.Equal(got.Hits, exp) {
					t.Fatalf("round %d %s terms=%v k=%d:\n got %v\nwant %v",
						round, scorer.Name(), q.Terms, k, got.Hits, exp)
				}
			}
		}
	}
}

// Every k from 1 past the collection size, over collections that straddle
// block boundaries.
func TestTopKMatchesExhaustiveEveryK(t *testing.T) {
	p := NewProcessor()
	rng := rand.New(rand.NewPCG(3, 5))
	scorers := []scoring.Scorer{
		scoring.BM25{K1: 1.2, B: 0.75, AvgDocLength: 9},
		scoring.TF{},
		scoring.LogTF{},
	}
	for round, docs := range []int{1, 2, 127, 128, 129, 255, 257, 300} {
		scorer := scorers[round%len(scorers)]
		s := randomShardOf(t, rng, uint32(round), scorer, docs)
		for qi := 0; qi < 4; qi++ {
			q := randomQuery(rng)
			q.K = docs + 1
			want, err := Exhaustive(s, q)
			if err != nil {
				t.Fatal(err)
			}
			for k := 1; k <= docs+1; k++ {
				q.K = k
				got, err := p.TopK(context.Background(), s, q)
				if err != nil {
					t.Fatalf("docs %d k=%d: %v", docs, k, err)
				}
				exp := want.Hits[:min(k, len(want.Hits))]
				if !slices.Equal(got.Hits, exp) {
					t.Fatalf("docs %d %s terms=%v k=%d:\n got %v\nwant %v",
						docs, scorer.Name(), q.Terms, k, got.Hits, exp)
				}
			}
		}
	}
}

func TestTiesResolveByDocID(t *testing.T) {
	var ps []posting
	for d := uint32(0); d < 400; d++ {
		ps = append(ps, posting{d, 1, 2})
	}
	s := buildShard(t, 0, scoring.TF{}, 400, ps)
	res, err := NewProcessor().TopK(context.Background(), s, Query{K: 5, Terms: []TermWeight{{1, 1}}})
	if err != nil {
		t.Fatal(err)
	}
	var ids []uint32
	for _, h := range res.Hits {
		ids = append(ids, h.DocID)
	}
	if !slices.Equal(ids, []uint32{0, 1, 2, 3, 4}) {
		t.Errorf("tied docs = %v, want lowest ids", ids)
	}
}

func TestDuplicateTermsSumContributions(t *testing.T) {
	s := buildShard(t, 0, scoring.TF{}, 3, []posting{{0, 1, 2}, {1, 1, 1}, {2, 5, 3}})
	p := NewProcessor()
	res, err := p.TopK(context.Background(), s, Query{K: 3, Terms: []TermWeight{{1, 1}, {1, 0.5}, {5, 0.1}}})
	if err != nil {
		t.Fatal(err)
	}
	want := []ScoredResult{{DocID: 0, Score: 3}, {DocID: 1, Score: 1.5}, {DocID: 2, Score: 0.30000000000000004}}
	if len(res.Hits) != len(want) {
		t.Fatalf("hits = %+v", res.Hits)
	}
	for i, h := range res.Hits {
		if h.DocID != want[i].DocID || math.Abs(h.Score-want[i].Score) > 1e-12 {
			t.Errorf("hit %d = %+v, want %+v", i, h, want[i])
		}
	}
}

func TestBoundaries(t *testing.T) {
	s := buildShard(t, 2, scoring.TF{}, 10, []posting{{0, 1, 1}, {4, 1, 9}, {9, 2, 3}})
	p := NewProcessor()
	ctx := context.Background()

	t.Run("k=1", func(t *testing.T) {
		res, err := p.TopK(ctx, s, Query{K: 1, Terms: []TermWeight{{1, 1}, {2, 1}}})
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Hits) != 1 || res.Hits[0] != (ScoredResult{ShardID: 2, DocID: 4, Score: 9}) {
			t.Errorf("hits = %+v", res.Hits)
		}
	})
	t.Run("unknown term", func(t *testing.T) {
		res, err := p.TopK(ctx, s, Query{K: 3, Terms: []TermWeight{{77, 1}}})
		if err != nil || len(res.Hits) != 0 {
			t.Errorf("hits = %+v, err = %v", res.Hits, err)
		}
	})
	t.Run("unknown and known term", func(t *testing.T) {
		res, err := p.TopK(ctx, s, Query{K: 3, Terms: []TermWeight{{77, 1}, {2, 1}}})
		if err != nil || len(res.Hits) != 1 || res.Hits[0].DocID != 9 {
			t.Errorf("hits = %+v, err = %v", res.Hits, err)
		}
	})
	t.Run("no terms", func(t *testing.T) {
		res, err := p.TopK(ctx, s, Query{K: 3})
		if err != nil || res.Hits == nil || len(res.Hits) != 0 {
			t.Errorf("hits = %#v, err = %v", res.Hits, err)
		}
	})
	t.Run("k larger than matches", func(t *testing.T) {
		res, err := p.TopK(ctx, s, Query{K: 100, Terms: []TermWeight{{1, 1}}})
		if err != nil || len(res.Hits) != 2 {
			t.Errorf("hits = %+v, err = %v", res.Hits, err)
		}
	})
	t.Run("invalid", func(t *testing.T) {
		if _, err := p.TopK(ctx, s, Query{K: 0}); !errors.Is(err, apperrors.ErrInvalidQuery) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestPruningSkipsWork(t *testing.T) {
	const docs = 20000
	var ps []posting
	for d := uint32(0); d < docs; d++ {
		// The first block outscores the rest of term 1.
		freq := uint32(1)
		if d < 5 {
			freq = 2
		}
		ps = append(ps, posting{d, 1, freq})
		if d%4000 == 3999 {
			ps = append(ps, posting{d, 2, 100})
		}
	}
	s := buildShard(t, 0, scoring.TF{}, docs, ps)
	q := Query{K: 5, Terms: []TermWeight{{1, 1}, {2, 1}}}

	got, err := NewProcessor().TopK(context.Background(), s, q)
	if err != nil {
		t.Fatal(err)
	}
	want, err := Exhaustive(s, q)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got.Hits, want.Hits) {
		t.Fatalf("got %v, want %v", got.Hits, want.Hits)
	}
	if got.Stats.Scored > 200 {
		t.Errorf("scored %d documents; pruning did not engage", got.Stats.Scored)
	}
	if got.Stats.BlocksPruned == 0 {
		t.Errorf("no blocks pruned: %+v", got.Stats)
	}
}

func TestTopKTimeout(t *testing.T) {
	s := buildShard(t, 0, scoring.TF{}, 3, []posting{{0, 1, 1}})
	_, err := NewProcessor().TopK(context.Background(), s, Query{
		K:        1,
		Terms:    []TermWeight{{1, 1}},
		Deadline: time.Now().Add(-time.Millisecond),
	})
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestAccumulatorOrdering(t *testing.T) {
	acc := NewAccumulator(3)
	in := []ScoredResult{
		{ShardID: 1, DocID: 5, Score: 2},
		{ShardID: 0, DocID: 5, Score: 2},
		{ShardID: 0, DocID: 9, Score: 3},
		{ShardID: 0, DocID: 1, Score: 1},
		{ShardID: 2, DocID: 4, Score: 2},
	}
	for _, r := range in {
		acc.Offer(r)
	}
	want := []ScoredResult{
		{ShardID: 0, DocID: 9, Score: 3},
		{ShardID: 2, DocID: 4, Score: 2},
		{ShardID: 0, DocID: 5, Score: 2},
	}
	if got := acc.Results(); !slices.Equal(got, want) {
		t.Errorf("Results() = %v, want %v", got, want)
	}
	if acc.Threshold() != 2 {
		t.Errorf("Threshold() = %v", acc.Threshold())
	}
}
