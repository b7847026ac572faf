package shard

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index/builder"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index/codec"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/query"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/scoring"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/grpc"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/proto"
)

var testShardCfg = config.ShardConfig{MailboxSize: 16, MaxConcurrent: 4, EvalBudget: time.Second}

// generation builds shard id at the given generation number. Doc d holds
// term 1 with frequency d+1, so higher DocIDs score higher under TF.
func generation(t *testing.T, id uint32, gen uint64, docs int) *index.Shard {
	t.Helper()
	b := builder.New(id, scoring.TF{})
	for d := 0; d < docs; d++ {
		b.Add(uint32(d), 1, uint32(d+1))
	}
	s, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	var terms []index.TermData
	for tid := range s.Terms() {
		pl, _ := s.Postings(tid)
		terms = append(terms, index.TermData{TermID: tid, DocFreq: pl.DocFreq(), MaxScore: pl.MaxScore(), Data: pl.Data(), Skips: pl.Skips()})
	}
	lengths := make([]uint32, docs)
	for d := range lengths {
		lengths[d], _ = s.DocumentLength(uint32(d))
	}
	out, err := index.NewShard(id, gen, scoring.TF{}, terms, lengths)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func corruptGeneration(t *testing.T, id uint32, gen uint64) *index.Shard {
	t.Helper()
	data, skips, err := codec.EncodeList([]uint32{0, 1, 2}, []uint32{1, 1, 1}, func(_, _ []uint32) float64 { return 1 })
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xFF
	s, err := index.NewShard(id, gen, scoring.TF{}, []index.TermData{
		{TermID: 1, DocFreq: 3, MaxScore: 1, Data: data, Skips: skips},
	}, []uint32{1, 1, 1})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newActor(t *testing.T, cfg config.ShardConfig) *Actor {
	t.Helper()
	a := NewActor(7, cfg, query.NewProcessor(), nil)
	t.Cleanup(a.Stop)
	return a
}

func topQuery(k int) Request {
	return Request{QueryID: "q", Query: query.Query{K: k, Terms: []query.TermWeight{{TermID: 1, Weight: 1}}}}
}

func TestActorExecute(t *testing.T) {
	ctx := context.Background()
	a := newActor(t, testShardCfg)

	resp, err := a.Execute(ctx, topQuery(3))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Failure == nil || resp.Failure.Kind != apperrors.FailureUnavailable {
		t.Fatalf("empty actor: failure = %v", resp.Failure)
	}

	if _, err := a.Swap(ctx, index.NewHandle(generation(t, 7, 1, 50))); err != nil {
		t.Fatal(err)
	}
	resp, err = a.Execute(ctx, topQuery(3))
	if err != nil || resp.Failure != nil {
		t.Fatalf("Execute: %v / %v", err, resp.Failure)
	}
	var ids []uint32
	for _, h := range resp.Hits {
		ids = append(ids, h.DocID)
		if h.ShardID != 7 {
			t.Errorf("hit from shard %d", h.ShardID)
		}
	}
	if !slices.Equal(ids, []uint32{49, 48, 47}) || resp.Generation != 1 {
		t.Errorf("hits = %v generation = %d", ids, resp.Generation)
	}
}

func TestActorSwapKeepsOldGenerationForReaders(t *testing.T) {
	ctx := context.Background()
	a := newActor(t, testShardCfg)

	h1 := index.NewHandle(generation(t, 7, 1, 10))
	if _, err := a.Swap(ctx, h1); err != nil {
		t.Fatal(err)
	}
	if !h1.Acquire() {
		t.Fatal("acquire failed")
	}

	gen, err := a.Swap(ctx, index.NewHandle(generation(t, 7, 2, 20)))
	if err != nil || gen != 2 {
		t.Fatalf("Swap = %d, %v", gen, err)
	}
	select {
	case <-h1.Closed():
		t.Fatal("old generation closed while still referenced")
	default:
	}
	if _, err := h1.Shard().Postings(1); err != nil {
		t.Fatalf("old generation unreadable: %v", err)
	}
	h1.Release()
	select {
	case <-h1.Closed():
	case <-time.After(time.Second):
		t.Fatal("old generation never closed")
	}

	resp, _ := a.Execute(ctx, topQuery(1))
	if resp.Generation != 2 || resp.Hits[0].DocID != 19 {
		t.Errorf("after swap: %+v", resp)
	}
}

func TestActorRejectsStaleSwap(t *testing.T) {
	ctx := context.Background()
	a := newActor(t, testShardCfg)
	a.Swap(ctx, index.NewHandle(generation(t, 7, 5, 10)))

	old := index.NewHandle(generation(t, 7, 5, 10))
	gen, err := a.Swap(ctx, old)
	if !errors.Is(err, apperrors.ErrStaleGeneration) || gen != 5 {
		t.Fatalf("Swap(stale) = %d, %v", gen, err)
	}
	select {
	case <-old.Closed():
	default:
		t.Error("rejected handle was not retired")
	}

	_, err = a.Swap(ctx, index.NewHandle(generation(t, 8, 9, 10)))
	if !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("foreign shard: %v", err)
	}
}

func TestActorCorruptionMarksUnhealthy(t *testing.T) {
	ctx := context.Background()
	a := newActor(t, testShardCfg)
	a.Swap(ctx, index.NewHandle(corruptGeneration(t, 7, 1)))

	resp, err := a.Execute(ctx, topQuery(2))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Failure == nil || resp.Failure.Kind != apperrors.FailureCorrupt {
		t.Fatalf("failure = %v", resp.Failure)
	}

	// evalDone is processed before the status request.
	st, err := a.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Healthy {
		t.Fatalf("status = %+v, want unhealthy", st)
	}
	resp, _ = a.Execute(ctx, topQuery(2))
	if resp.Failure == nil || resp.Failure.Kind != apperrors.FailureCorrupt || !errors.Is(resp.Failure, apperrors.ErrShardUnhealthy) {
		t.Fatalf("unhealthy actor answered %+v", resp)
	}

	a.Swap(ctx, index.NewHandle(generation(t, 7, 2, 5)))
	resp, _ = a.Execute(ctx, topQuery(2))
	if resp.Failure != nil || len(resp.Hits) != 2 {
		t.Fatalf("after repair: %+v", resp)
	}
}

func TestActorAdmission(t *testing.T) {
	ctx := context.Background()
	cfg := testShardCfg
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	a := newActor(t, cfg)
	a.Swap(ctx, index.NewHandle(generation(t, 7, 1, 10)))

	if resp, _ := a.Execute(ctx, topQuery(1)); resp.Failure != nil {
		t.Fatalf("first request: %v", resp.Failure)
	}
	resp, _ := a.Execute(ctx, topQuery(1))
	if resp.Failure == nil || resp.Failure.Kind != apperrors.FailureOverloaded || !resp.Failure.Transient() {
		t.Fatalf("second request: %+v", resp)
	}
}

func TestActorDeadline(t *testing.T) {
	ctx := context.Background()
	a := newActor(t, testShardCfg)
	a.Swap(ctx, index.NewHandle(generation(t, 7, 1, 10)))

	req := topQuery(1)
	req.Query.Deadline = time.Now().Add(-time.Second)
	resp, err := a.Execute(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Failure == nil || resp.Failure.Kind != apperrors.FailureTimeout {
		t.Fatalf("failure = %v", resp.Failure)
	}
	if !errors.Is(resp.Failure, apperrors.ErrTimeout) {
		t.Error("timeout failure does not unwrap to ErrTimeout")
	}
}

func TestActorStop(t *testing.T) {
	a := NewActor(1, testShardCfg, query.NewProcessor(), nil)
	h := index.NewHandle(generation(t, 1, 1, 3))
	a.Swap(context.Background(), h)
	a.Stop()
	a.Stop()

	if _, err := a.Execute(context.Background(), topQuery(1)); !errors.Is(err, apperrors.ErrShardUnavailable) {
		t.Errorf("Execute after stop: %v", err)
	}
	select {
	case <-h.Closed():
	default:
		t.Error("current generation not released on stop")
	}
}

func TestActorStopRetiresQueuedSwaps(t *testing.T) {
	a := NewActor(1, testShardCfg, query.NewProcessor(), nil)
	a.Stop()

	// A swap left in the mailbox when the loop exits.
	queued := index.NewHandle(generation(t, 1, 2, 3))
	reply := make(chan swapResult, 1)
	a.mailbox <- swapMsg{handle: queued, retire: sync.OnceFunc(queued.Retire), reply: reply}
	a.drain()
	if r := <-reply; !errors.Is(r.err, apperrors.ErrShardUnavailable) {
		t.Errorf("queued swap: %v", r.err)
	}

	// A swap offered after stop.
	late := index.NewHandle(generation(t, 1, 3, 3))
	if _, err := a.Swap(context.Background(), late); !errors.Is(err, apperrors.ErrShardUnavailable) {
		t.Errorf("Swap after stop: %v", err)
	}
	a.drain()

	for name, h := range map[string]*index.Handle{"queued": queued, "late": late} {
		select {
		case <-h.Closed():
		default:
			t.Errorf("%s generation never released", name)
		}
	}
}

func publishGeneration(t *testing.T, dir string, id uint32, docs int) index.GenerationInfo {
	t.Helper()
	b := builder.New(id, scoring.TF{})
	for d := 0; d < docs; d++ {
		b.Add(uint32(d), 1, uint32(d+1))
	}
	info, err := b.Publish(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	return info
}

func TestNodeServiceAndFeed(t *testing.T) {
	dir := t.TempDir()
	publishGeneration(t, dir, 0, 10)
	publishGeneration(t, dir, 0, 12)

	node, err := NewNode(config.IndexConfig{DataDir: dir, Shards: []uint32{0, 1}, KeepGenerations: 2},
		testShardCfg, query.NewProcessor(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(node.Stop)

	srv := grpc.NewServer()
	RegisterService(srv, node)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.ServeListener(ln)
	t.Cleanup(srv.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := grpc.Dial(ctx, srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	var resp proto.ShardResponse
	req := RequestToWire("q1", 0, query.Query{K: 2, Terms: []query.TermWeight{{TermID: 1, Weight: 1}}, Deadline: time.Now().Add(time.Second)})
	if err := c.Call(ctx, MethodExecute, req, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Failure != nil || resp.Generation != 2 || len(resp.Results) != 2 || resp.Results[0].DocID != 11 {
		t.Fatalf("Execute = %+v", resp)
	}

	// Shard 1 has nothing on disk.
	req.ShardID = 1
	resp = proto.ShardResponse{}
	if err := c.Call(ctx, MethodExecute, req, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Failure == nil || apperrors.ParseFailureKind(resp.Failure.Kind) != apperrors.FailureUnavailable {
		t.Fatalf("empty shard = %+v", resp)
	}

	// A shard this node does not host.
	req.ShardID = 9
	resp = proto.ShardResponse{}
	if err := c.Call(ctx, MethodExecute, req, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Failure == nil {
		t.Fatalf("unknown shard answered %+v", resp)
	}

	info := publishGeneration(t, dir, 1, 4)
	var swapped proto.SwapResponse
	if err := c.Call(ctx, MethodSwap, proto.SwapRequest{ShardID: 1, Generation: info.Generation}, &swapped); err != nil {
		t.Fatal(err)
	}
	if swapped.Generation != 1 {
		t.Fatalf("Swap = %+v", swapped)
	}

	feed := NewGenerationFeed(node, time.Second)
	info = publishGeneration(t, dir, 0, 30)
	ev := proto.GenerationPublished{ShardID: 0, Generation: info.Generation, Path: info.Path}
	if err := feed.Handle(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if err := feed.Handle(ctx, ev); err != nil {
		t.Fatalf("replayed event: %v", err)
	}
	if err := feed.Handle(ctx, proto.GenerationPublished{ShardID: 42, Generation: 1}); err != nil {
		t.Fatalf("foreign shard event: %v", err)
	}
	gens, _ := index.ListGenerations(dir, 0)
	if !slices.Equal(gens, []uint64{2, 3}) {
		t.Errorf("generations on disk = %v, want pruned to [2 3]", gens)
	}

	var health proto.HealthResponse
	if err := c.Call(ctx, MethodHealth, proto.HealthRequest{}, &health); err != nil {
		t.Fatal(err)
	}
	if len(health.Shards) != 2 || health.Shards[0].Generation != 3 || !health.Shards[1].Healthy {
		t.Fatalf("Health = %+v", health)
	}
}
