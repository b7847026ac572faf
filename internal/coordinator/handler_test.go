package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/cluster"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/query"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/proto"
)

// stubSearcher records the last request and answers with res and err.
type stubSearcher struct {
	mu   sync.Mutex
	last SearchRequest
	res  SearchResult
	err  error
}

func (s *stubSearcher) Search(_ context.Context, req SearchRequest) (SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = req
	res := s.res
	if res.QueryID == "" {
		res.QueryID = "q-1"
	}
	return res, s.err
}

func (s *stubSearcher) request() SearchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

type stubTerms map[string]uint32

func (t stubTerms) Lookup(term string) (uint32, error) {
	id, ok := t[term]
	if !ok {
		return 0, fmt.Errorf("%w: %s", apperrors.ErrTermNotFound, term)
	}
	return id, nil
}

func (t stubTerms) IDF(id uint32) float64 { return float64(id) }

type recordingTracker struct {
	mu     sync.Mutex
	events []proto.QueryEvent
}

func (r *recordingTracker) Track(ev proto.QueryEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func newTestHandler(s Searcher, opts HandlerOptions) *http.ServeMux {
	opts.Searcher = s
	if opts.Membership == nil {
		opts.Membership = cluster.NewStatic(map[uint32][]string{0: {"a", "b"}}, 0, 1)
	}
	if opts.Query.MaxK == 0 {
		opts.Query = config.QueryConfig{DefaultK: 10, MaxK: 100, DefaultDeadline: time.Second, MaxTerms: 4}
	}
	mux := http.NewServeMux()
	NewHandler(opts).Register(mux)
	return mux
}

func postSearch(t *testing.T, mux http.Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/search", bytes.NewReader(mustJSON(t, body)))
	mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestSearchJSON(t *testing.T) {
	s := &stubSearcher{res: SearchResult{
		Results:        []query.ScoredResult{{ShardID: 1, DocID: 7, Score: 3}},
		Partial:        true,
		ShardsExcluded: []uint32{2},
	}}
	tracker := &recordingTracker{}
	mux := newTestHandler(s, HandlerOptions{Tracker: tracker})

	rec := postSearch(t, mux, proto.QueryRequest{
		Terms:  []proto.TermWeight{{TermID: 4, Weight: 2}},
		K:      5,
		Shards: []uint32{1, 2},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decode[proto.QueryResponse](t, rec)
	if !resp.Partial || len(resp.ShardsExcluded) != 1 || resp.ShardsExcluded[0] != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if len(resp.Results) != 1 || resp.Results[0] != (proto.Hit{ShardID: 1, DocID: 7, Score: 3}) {
		t.Fatalf("results = %+v", resp.Results)
	}

	got := s.request()
	if got.Query.K != 5 || len(got.Query.Terms) != 1 || got.Query.Terms[0] != (query.TermWeight{TermID: 4, Weight: 2}) {
		t.Fatalf("query = %+v", got.Query)
	}
	if got.Query.Deadline.IsZero() {
		t.Fatal("no default deadline applied")
	}
	if len(got.Shards) != 2 {
		t.Fatalf("shards = %v", got.Shards)
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.events) != 1 || !tracker.events[0].Partial || tracker.events[0].TermCount != 1 {
		t.Fatalf("events = %+v", tracker.events)
	}
}

func TestSearchJSONRejects(t *testing.T) {
	mux := newTestHandler(&stubSearcher{}, HandlerOptions{})
	tests := []struct {
		name string
		body any
	}{
		{"zero k", proto.QueryRequest{K: 0, Terms: []proto.TermWeight{{TermID: 1, Weight: 1}}}},
		{"k above max", proto.QueryRequest{K: 101, Terms: []proto.TermWeight{{TermID: 1, Weight: 1}}}},
		{"negative weight", proto.QueryRequest{K: 1, Terms: []proto.TermWeight{{TermID: 1, Weight: -2}}}},
		{"too many terms", proto.QueryRequest{K: 1, Terms: make([]proto.TermWeight, 5)}},
		{"not an object", []int{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := postSearch(t, mux, tt.body); rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestSearchJSONInsufficientCoverage(t *testing.T) {
	s := &stubSearcher{err: fmt.Errorf("%w: 1 of 3 shards answered", apperrors.ErrInsufficientCoverage)}
	mux := newTestHandler(s, HandlerOptions{})

	rec := postSearch(t, mux, proto.QueryRequest{K: 3, Terms: []proto.TermWeight{{TermID: 1, Weight: 1}}})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestSearchText(t *testing.T) {
	s := &stubSearcher{}
	mux := newTestHandler(s, HandlerOptions{Terms: stubTerms{"distribut": 2, "search": 3}})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/search?q=distributed+search%5E2+unknownword&k=500&shards=1,+2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	got := s.request()
	if got.Query.K != 100 {
		t.Fatalf("k = %d, want the cap of 100", got.Query.K)
	}
	want := []query.TermWeight{{TermID: 2, Weight: 2}, {TermID: 3, Weight: 6}}
	if len(got.Query.Terms) != len(want) {
		t.Fatalf("terms = %+v, want %+v", got.Query.Terms, want)
	}
	for i := range want {
		if got.Query.Terms[i] != want[i] {
			t.Fatalf("terms = %+v, want %+v", got.Query.Terms, want)
		}
	}
	if len(got.Shards) != 2 || got.Shards[0] != 1 || got.Shards[1] != 2 {
		t.Fatalf("shards = %v", got.Shards)
	}
}

func TestSearchTextNoKnownTerms(t *testing.T) {
	s := &stubSearcher{}
	mux := newTestHandler(s, HandlerOptions{Terms: stubTerms{}})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/search?q=nothing+here", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[proto.QueryResponse](t, rec)
	if len(resp.Results) != 0 || resp.Partial {
		t.Fatalf("resp = %+v", resp)
	}
	if s.request().Query.K != 0 {
		t.Fatal("searcher called without any known term")
	}
}

func TestSearchTextBadParams(t *testing.T) {
	mux := newTestHandler(&stubSearcher{}, HandlerOptions{Terms: stubTerms{"a": 1}})
	for _, target := range []string{
		"/api/v1/search",
		"/api/v1/search?q=a&k=-1",
		"/api/v1/search?q=a&k=x",
		"/api/v1/search?q=a&shards=1,x",
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	newTestHandler(&stubSearcher{}, HandlerOptions{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/search?q=a", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("without a dictionary: status = %d, want 503", rec.Code)
	}
}

func TestCluster(t *testing.T) {
	mux := newTestHandler(&stubSearcher{}, HandlerOptions{})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/cluster", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := decode[struct {
		Shards     []shardPlacement `json:"shards"`
		Unassigned []uint32         `json:"unassigned"`
	}](t, rec)
	if len(out.Shards) != 2 || len(out.Shards[0].Replicas) != 2 {
		t.Fatalf("shards = %+v", out.Shards)
	}
	if len(out.Unassigned) != 1 || out.Unassigned[0] != 1 {
		t.Fatalf("unassigned = %v", out.Unassigned)
	}
}

func TestCacheEndpoints(t *testing.T) {
	store := newMemStore()
	cache := NewQueryCache(store, time.Minute, nil)
	s := &stubSearcher{res: SearchResult{Results: []query.ScoredResult{{DocID: 1, Score: 1}}}}
	mux := newTestHandler(s, HandlerOptions{Cache: cache})
	body := proto.QueryRequest{K: 3, Terms: []proto.TermWeight{{TermID: 1, Weight: 1}}}

	postSearch(t, mux, body)
	resp := decode[proto.QueryResponse](t, postSearch(t, mux, body))
	if !resp.Cached {
		t.Fatal("second identical query not served from cache")
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/cache/stats", nil))
	stats := decode[map[string]any](t, rec)
	if stats["hits"] != float64(1) {
		t.Fatalf("stats = %v", stats)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/cache/invalidate", nil))
	if rec.Code != http.StatusOK || store.epoch != 1 {
		t.Fatalf("invalidate: status = %d, epoch = %d", rec.Code, store.epoch)
	}
	if resp := decode[proto.QueryResponse](t, postSearch(t, mux, body)); resp.Cached {
		t.Fatal("served from cache after invalidation")
	}
}

func TestCacheEndpointsDisabled(t *testing.T) {
	mux := newTestHandler(&stubSearcher{}, HandlerOptions{})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/cache/invalidate", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/generations", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("generations without a catalog: status = %d", rec.Code)
	}
}
