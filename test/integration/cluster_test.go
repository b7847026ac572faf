//go:build integration

// Package integration contains tests that verify the interaction between
// multiple components over real loopback connections: shard nodes serving
// RPC, the coordinator dispatching through the RPC transport, and the HTTP
// API on top. External services (Kafka, PostgreSQL, Redis, etcd) are not
// used.
//
// Run with: go test -tags=integration ./test/integration/...
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand/v2"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/cluster"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/coordinator"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index/builder"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/query"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/scoring"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/shard"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/grpc"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/proto"
)

const (
	numShards = 4
	numDocs   = 600
	numTerms  = 16
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// testCluster is two shard nodes, each hosting half of the shards behind
// its own RPC server, and a coordinator reaching them over RPC.
type testCluster struct {
	dataDir   string
	refs      []query.Index
	servers   map[string]*grpc.Server
	addrs     []string
	transport *coordinator.RPCTransport
	coord     *coordinator.Coordinator
	api       *httptest.Server
}

func buildCorpus(t *testing.T, dir string) []query.Index {
	t.Helper()
	rng := rand.New(rand.NewPCG(42, 7))
	builders := make([]*builder.Builder, numShards)
	next := make([]uint32, numShards)
	for i := range builders {
		builders[i] = builder.New(uint32(i), scoring.TF{})
	}
	for d := 0; d < numDocs; d++ {
		s := rng.IntN(numShards)
		doc := next[s]
		next[s]++
		for tid := uint32(1); tid <= numTerms; tid++ {
			if rng.IntN(4) == 0 {
				if err := builders[s].Add(doc, tid, uint32(1+rng.IntN(9))); err != nil {
					t.Fatal(err)
				}
			}
		}
		builders[s].SetDocumentLength(doc, uint32(1+rng.IntN(80)))
	}

	refs := make([]query.Index, 0, numShards)
	for _, b := range builders {
		s, err := b.Build()
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { s.Close() })
		refs = append(refs, s)
	}
	if _, err := builder.BuildAll(context.Background(), dir, builders...); err != nil {
		t.Fatal(err)
	}
	return refs
}

func startNode(t *testing.T, dir string, shards []uint32) (*grpc.Server, string) {
	t.Helper()
	node, err := shard.NewNode(
		config.IndexConfig{DataDir: dir, Shards: shards, KeepGenerations: 3},
		config.ShardConfig{MailboxSize: 64, MaxConcurrent: 4, EvalBudget: time.Second},
		query.NewProcessor(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(node.Stop)

	srv := grpc.NewServer()
	shard.RegisterService(srv, node)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.ServeListener(ln)
	t.Cleanup(srv.Stop)
	return srv, srv.Addr().String()
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()
	tc := &testCluster{dataDir: t.TempDir(), servers: make(map[string]*grpc.Server)}
	tc.refs = buildCorpus(t, tc.dataDir)

	placement := make(map[uint32][]string, numShards)
	for _, hosted := range [][]uint32{{0, 1}, {2, 3}} {
		srv, addr := startNode(t, tc.dataDir, hosted)
		tc.servers[addr] = srv
		tc.addrs = append(tc.addrs, addr)
		for _, id := range hosted {
			placement[id] = []string{addr}
		}
	}

	policy := config.CoordinatorConfig{
		MailboxSize:      256,
		MinShardCoverage: 0.5,
		RetryOverloaded:  true,
		BreakerThreshold: 2,
		BreakerReset:     time.Minute,
	}
	pool := grpc.NewPool()
	t.Cleanup(pool.Close)
	tc.transport = coordinator.NewRPCTransport(pool, config.RPCConfig{DialTimeout: time.Second}, policy, nil)

	membership := cluster.NewStatic(placement)
	coord, err := coordinator.New(coordinator.Options{
		Policy:          policy,
		DefaultDeadline: 2 * time.Second,
		Membership:      membership,
		Transport:       tc.transport,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(coord.Stop)
	tc.coord = coord

	mux := http.NewServeMux()
	coordinator.NewHandler(coordinator.HandlerOptions{
		Searcher:   coord,
		Membership: membership,
		Query:      config.QueryConfig{DefaultK: 10, MaxK: 100, DefaultDeadline: 2 * time.Second, MaxTerms: 16},
	}).Register(mux)
	tc.api = httptest.NewServer(mux)
	t.Cleanup(tc.api.Close)
	return tc
}

// expected is the global top-k computed by scoring every posting of every
// shard in process.
func (tc *testCluster) expected(t *testing.T, q query.Query) []query.ScoredResult {
	t.Helper()
	var all []query.ScoredResult
	for _, idx := range tc.refs {
		exact, err := query.Exhaustive(idx, query.Query{K: numDocs, Terms: q.Terms})
		if err != nil {
			t.Fatal(err)
		}
		all = append(all, exact.Hits...)
	}
	slices.SortFunc(all, func(a, b query.ScoredResult) int {
		switch {
		case query.Better(a, b):
			return -1
		case query.Better(b, a):
			return 1
		}
		return 0
	})
	return all[:min(q.K, len(all))]
}

func postSearch(t *testing.T, url string, req proto.QueryRequest) (int, proto.QueryResponse) {
	t.Helper()
	body, _ := json.Marshal(req)
	resp, err := http.Post(url+"/api/v1/search", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("search request failed: %v", err)
	}
	defer resp.Body.Close()
	var out proto.QueryResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
	}
	return resp.StatusCode, out
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestSearchOverRPCMatchesExhaustive(t *testing.T) {
	tc := newTestCluster(t)
	rng := rand.New(rand.NewPCG(3, 5))

	for trial := 0; trial < 30; trial++ {
		q := query.Query{K: 1 + rng.IntN(40)}
		for n := 1 + rng.IntN(5); n > 0; n-- {
			q.Terms = append(q.Terms, query.TermWeight{TermID: uint32(1 + rng.IntN(numTerms+2)), Weight: float64(1 + rng.IntN(4))})
		}
		want := tc.expected(t, q)

		res, err := tc.coord.Search(context.Background(), coordinator.SearchRequest{Query: q})
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		if res.Partial {
			t.Fatalf("trial %d: partial result %v", trial, res.Reasons)
		}
		if !slices.Equal(res.Results, want) {
			t.Fatalf("trial %d: query %+v\n got  %v\n want %v", trial, q.Terms, res.Results, want)
		}
	}
}

func TestHTTPSearchOverRPC(t *testing.T) {
	tc := newTestCluster(t)
	req := proto.QueryRequest{
		Terms: []proto.TermWeight{{TermID: 1, Weight: 2}, {TermID: 5, Weight: 1}},
		K:     15,
	}

	status, resp := postSearch(t, tc.api.URL, req)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if resp.Partial || len(resp.ShardsExcluded) != 0 {
		t.Fatalf("unexpected partial response: %+v", resp)
	}
	want := tc.expected(t, query.Query{K: 15, Terms: []query.TermWeight{{TermID: 1, Weight: 2}, {TermID: 5, Weight: 1}}})
	if len(resp.Results) != len(want) {
		t.Fatalf("got %d results, want %d", len(resp.Results), len(want))
	}
	for i, h := range resp.Results {
		if h.ShardID != want[i].ShardID || h.DocID != want[i].DocID || h.Score != want[i].Score {
			t.Fatalf("result %d = %+v, want %+v", i, h, want[i])
		}
	}

	// A routing hint restricts the fan-out.
	req.Shards = []uint32{2}
	status, resp = postSearch(t, tc.api.URL, req)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	for _, h := range resp.Results {
		if h.ShardID != 2 {
			t.Fatalf("hit from shard %d outside the routing hint", h.ShardID)
		}
	}
}

func TestStoppedNodeDegradesThenOpensBreaker(t *testing.T) {
	tc := newTestCluster(t)
	down := tc.addrs[1]
	tc.servers[down].Stop()

	req := coordinator.SearchRequest{Query: query.Query{K: 10, Terms: []query.TermWeight{{TermID: 2, Weight: 1}}}}
	for i := 0; i < 3; i++ {
		res, err := tc.coord.Search(context.Background(), req)
		if err != nil {
			t.Fatalf("search %d: %v", i, err)
		}
		if !res.Partial || !slices.Equal(res.ShardsExcluded, []uint32{2, 3}) {
			t.Fatalf("search %d: partial = %v, excluded = %v", i, res.Partial, res.ShardsExcluded)
		}
		for _, id := range res.ShardsExcluded {
			if res.Reasons[id] != "unavailable" {
				t.Fatalf("shard %d excluded as %q", id, res.Reasons[id])
			}
		}
		for _, h := range res.Results {
			if h.ShardID >= 2 {
				t.Fatalf("hit from stopped shard %d", h.ShardID)
			}
		}
	}

	states := tc.transport.BreakerStates()
	if states[down] != "open" {
		t.Fatalf("breaker for %s is %q, want open", down, states[down])
	}
	if states[tc.addrs[0]] != "closed" {
		t.Fatalf("breaker for healthy node is %q", states[tc.addrs[0]])
	}
}

func TestInsufficientCoverageOverHTTP(t *testing.T) {
	tc := newTestCluster(t)
	tc.servers[tc.addrs[1]].Stop()

	// Only shards 2 and 3 are required and both are down.
	status, _ := postSearch(t, tc.api.URL, proto.QueryRequest{
		Terms:  []proto.TermWeight{{TermID: 1, Weight: 1}},
		K:      5,
		Shards: []uint32{2, 3},
	})
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
}

func TestGenerationSwapOverRPC(t *testing.T) {
	tc := newTestCluster(t)

	// Publish a new generation of shard 0 with one document that dominates
	// term 1.
	b := builder.New(0, scoring.TF{})
	if err := b.Add(7, 1, 1000); err != nil {
		t.Fatal(err)
	}
	b.SetDocumentLength(7, 1000)
	info, err := b.Publish(context.Background(), tc.dataDir)
	if err != nil {
		t.Fatal(err)
	}

	client, err := grpc.Dial(context.Background(), tc.addrs[0])
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	var swapped proto.SwapResponse
	if err := client.Call(context.Background(), shard.MethodSwap,
		proto.SwapRequest{ShardID: 0, Generation: info.Generation}, &swapped); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if swapped.Generation != info.Generation {
		t.Fatalf("serving generation %d, want %d", swapped.Generation, info.Generation)
	}

	res, err := tc.coord.Search(context.Background(), coordinator.SearchRequest{
		Query: query.Query{K: 1, Terms: []query.TermWeight{{TermID: 1, Weight: 1}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := query.ScoredResult{ShardID: 0, DocID: 7, Score: 1000}
	if len(res.Results) != 1 || res.Results[0] != want {
		t.Fatalf("results after swap = %v, want [%v]", res.Results, want)
	}

	var health proto.HealthResponse
	if err := client.Call(context.Background(), shard.MethodHealth, proto.HealthRequest{}, &health); err != nil {
		t.Fatal(err)
	}
	for _, sh := range health.Shards {
		if sh.ShardID == 0 && sh.Generation != info.Generation {
			t.Fatalf("health reports generation %d for shard 0", sh.Generation)
		}
	}

	// Swapping back to the older generation is rejected.
	err = client.Call(context.Background(), shard.MethodSwap,
		proto.SwapRequest{ShardID: 0, Generation: info.Generation - 1}, &swapped)
	if err == nil {
		t.Fatal("stale swap accepted")
	}
}
