package builder

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index/builder/partition"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index/codec"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/scoring"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
)

func TestBuildRestoresOrderAndSumsDuplicates(t *testing.T) {
	b := New(1, scoring.TF{})
	adds := [][3]uint32{
		{9, 7, 1}, {2, 7, 3}, {5, 7, 1}, {2, 7, 2}, {0, 3, 4}, {300, 7, 1},
	}
	for _, a := range adds {
		if err := b.Add(a[0], a[1], a[2]); err != nil {
			t.Fatal(err)
		}
	}
	s, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	pl, err := s.Postings(7)
	if err != nil {
		t.Fatal(err)
	}
	docs, freqs, err := codec.DecodeList(pl.Data())
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(docs, []uint32{2, 5, 9, 300}) || !slices.Equal(freqs, []uint32{5, 1, 1, 1}) {
		t.Errorf("term 7 = %v / %v", docs, freqs)
	}
	if pl.MaxScore() != 5 {
		t.Errorf("max score = %v, want 5", pl.MaxScore())
	}
	if st := s.Stats(); st.DocCount != 301 {
		t.Errorf("doc count = %d, want 301", st.DocCount)
	}
	if l, _ := s.DocumentLength(2); l != 5 {
		t.Errorf("derived length of doc 2 = %d, want 5", l)
	}
	if l, _ := s.DocumentLength(100); l != 0 {
		t.Errorf("length of doc without postings = %d", l)
	}
}

func TestExplicitLengthsAndBlockMax(t *testing.T) {
	scorer := scoring.BM25{K1: 1.2, B: 0.75, AvgDocLength: 10}
	b := New(0, scorer)
	for d := uint32(0); d < 300; d++ {
		b.Add(d, 1, 1+d%3)
		b.SetDocumentLength(d, 5+d%20)
	}
	s, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	pl, _ := s.Postings(1)
	if len(pl.Skips()) != 3 {
		t.Fatalf("skips = %d, want 3", len(pl.Skips()))
	}
	for i, sk := range pl.Skips() {
		var want float64
		for d := uint32(i * codec.BlockSize); d <= sk.LastDoc; d++ {
			want = max(want, scorer.Score(1+d%3, 5+d%20))
		}
		if sk.MaxScore != want {
			t.Errorf("block %d max = %v, want %v", i, sk.MaxScore, want)
		}
	}
}

func TestBuildRejects(t *testing.T) {
	b := New(0, scoring.TF{})
	if _, err := b.Build(); !errors.Is(err, apperrors.ErrEmptyCollection) {
		t.Errorf("empty build: %v", err)
	}
	if !errors.Is(apperrors.ErrEmptyCollection, apperrors.ErrBuild) {
		t.Error("ErrEmptyCollection must be a build error")
	}
	if err := b.Add(1, 1, 0); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("zero frequency: %v", err)
	}
}

func TestLengthOnlyDocuments(t *testing.T) {
	b := New(0, scoring.TF{})
	b.SetDocumentLength(4, 12)
	s, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if s.Stats().DocCount != 5 || s.TermCount() != 0 {
		t.Errorf("stats = %+v terms = %d", s.Stats(), s.TermCount())
	}
}

func TestPublishAndBuildAll(t *testing.T) {
	dir := t.TempDir()
	p, err := partition.New(4, partition.DefaultSeed)
	if err != nil {
		t.Fatal(err)
	}
	builders := make([]*Builder, p.NumShards())
	for i := range builders {
		builders[i] = New(uint32(i), scoring.LogTF{})
	}
	for i := 0; i < 500; i++ {
		a, _ := p.Assign(fmt.Sprintf("doc-%04d", i))
		if err := builders[a.ShardID].AddDocument(a.DocID, map[uint32]uint32{uint32(i % 17): 1, 100: uint32(1 + i%4)}); err != nil {
			t.Fatal(err)
		}
	}

	infos, err := BuildAll(context.Background(), dir, builders...)
	if err != nil {
		t.Fatalf("BuildAll: %v", err)
	}
	total := 0
	for i, info := range infos {
		if info.ShardID != uint32(i) || info.Generation != 1 {
			t.Errorf("info %d = %+v", i, info)
		}
		s, err := index.Open(info.Path)
		if err != nil {
			t.Fatalf("Open shard %d: %v", i, err)
		}
		if int(s.Stats().DocCount) != p.DocCount(uint32(i)) {
			t.Errorf("shard %d holds %d docs, partitioner says %d", i, s.Stats().DocCount, p.DocCount(uint32(i)))
		}
		total += int(s.Stats().DocCount)
		s.Close()
	}
	if total != 500 {
		t.Errorf("shards hold %d docs, want 500", total)
	}

	info, err := builders[0].Publish(context.Background(), dir)
	if err != nil || info.Generation != 2 {
		t.Errorf("republish = %+v, %v", info, err)
	}
}

func TestBuildAllStopsOnError(t *testing.T) {
	ok := New(0, scoring.TF{})
	ok.Add(0, 1, 1)
	empty := New(1, scoring.TF{})
	if _, err := BuildAll(context.Background(), t.TempDir(), ok, empty); !errors.Is(err, apperrors.ErrEmptyCollection) {
		t.Fatalf("expected ErrEmptyCollection, got %v", err)
	}
}
