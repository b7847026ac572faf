//go:build e2e

// Package e2e contains end-to-end tests that exercise a running deployment:
// indexer → shard nodes → coordinator, with real Kafka, PostgreSQL, Redis
// and etcd.
//
// Prerequisites:
//   - at least one shard node and one coordinator running
//   - the indexer has published a generation built in documents mode, so
//     the term dictionary is populated
//   - PostgreSQL, Kafka, Redis and etcd running if enabled in the config
//
// Run with:
//
//	go test -v -tags=e2e -timeout=120s ./test/e2e/...
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/proto"
)

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

type e2eConfig struct {
	CoordinatorURL string
	ShardNodeURL   string
	Query          string
	K              int
}

func loadE2EConfig() e2eConfig {
	return e2eConfig{
		CoordinatorURL: envOrDefault("E2E_COORDINATOR_URL", "http://localhost:8080"),
		ShardNodeURL:   envOrDefault("E2E_SHARDNODE_URL", "http://localhost:8081"),
		Query:          envOrDefault("E2E_QUERY", "distributed search"),
		K:              envOrDefaultInt("E2E_K", 10),
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestPlatformHealth verifies all services respond to health checks.
func TestPlatformHealth(t *testing.T) {
	cfg := loadE2EConfig()

	services := []struct {
		name string
		url  string
	}{
		{"coordinator /health/live", cfg.CoordinatorURL + "/health/live"},
		{"coordinator /health/ready", cfg.CoordinatorURL + "/health/ready"},
		{"shardnode /health/live", cfg.ShardNodeURL + "/health/live"},
		{"shardnode /health/ready", cfg.ShardNodeURL + "/health/ready"},
	}

	client := &http.Client{Timeout: 5 * time.Second}

	for _, svc := range services {
		t.Run(svc.name, func(t *testing.T) {
			resp, err := client.Get(svc.url)
			if err != nil {
				t.Skipf("service unavailable: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				t.Errorf("expected 200, got %d: %s", resp.StatusCode, body)
			}
		})
	}
}

// TestClusterPlacement verifies every known shard has at least one replica
// and that the shard node reports a loaded generation.
func TestClusterPlacement(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 5 * time.Second}

	var placement struct {
		Shards []struct {
			ShardID  uint32   `json:"shard_id"`
			Replicas []string `json:"replicas"`
		} `json:"shards"`
		Unassigned []uint32 `json:"unassigned"`
	}
	getJSON(t, client, cfg.CoordinatorURL+"/api/v1/cluster", &placement)
	if len(placement.Shards) == 0 {
		t.Fatal("coordinator knows no shards")
	}
	if len(placement.Unassigned) > 0 {
		t.Errorf("shards without replicas: %v", placement.Unassigned)
	}
	t.Logf("cluster: %d shards", len(placement.Shards))

	var node struct {
		Shards []struct {
			ShardID    uint32 `json:"shard_id"`
			Generation uint64 `json:"generation"`
			Loaded     bool   `json:"loaded"`
		} `json:"shards"`
	}
	getJSON(t, client, cfg.ShardNodeURL+"/api/v1/shards", &node)
	for _, s := range node.Shards {
		if !s.Loaded {
			t.Errorf("shard %d has no generation loaded", s.ShardID)
		}
	}
}

// TestTextSearch runs a free-text query and checks the result ordering.
func TestTextSearch(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 10 * time.Second}

	u := fmt.Sprintf("%s/api/v1/search?q=%s&k=%d", cfg.CoordinatorURL, url.QueryEscape(cfg.Query), cfg.K)
	var result proto.QueryResponse
	getJSON(t, client, u, &result)

	if len(result.Results) > cfg.K {
		t.Fatalf("got %d results for k=%d", len(result.Results), cfg.K)
	}
	assertRanked(t, result.Results)
	t.Logf("query %q: %d results, partial=%v, excluded=%v, latency=%dms",
		cfg.Query, len(result.Results), result.Partial, result.ShardsExcluded, result.LatencyMs)
}

// TestJSONSearch sends a term-id query and checks the response contract.
func TestJSONSearch(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 10 * time.Second}

	req := proto.QueryRequest{
		Terms: []proto.TermWeight{{TermID: 0, Weight: 1}, {TermID: 1, Weight: 0.5}},
		K:     cfg.K,
	}
	result, status := postJSON(t, client, cfg.CoordinatorURL+"/api/v1/search", req)
	if status == http.StatusServiceUnavailable {
		t.Skip("coordinator reports insufficient shard coverage")
	}
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if result.QueryID == "" {
		t.Error("response has no query id")
	}
	assertRanked(t, result.Results)

	// A negative weight is rejected before any dispatch.
	req.Terms[0].Weight = -1
	if _, status := postJSON(t, client, cfg.CoordinatorURL+"/api/v1/search", req); status != http.StatusBadRequest {
		t.Errorf("negative weight: expected 400, got %d", status)
	}
}

// TestRepeatedSearchIsCached checks a repeated complete query is served from
// the result cache when caching is enabled.
func TestRepeatedSearchIsCached(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Get(cfg.CoordinatorURL + "/api/v1/cache/stats")
	if err != nil {
		t.Skipf("coordinator unavailable: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusServiceUnavailable {
		t.Skip("result cache disabled")
	}

	u := fmt.Sprintf("%s/api/v1/search?q=%s&k=%d", cfg.CoordinatorURL, url.QueryEscape(cfg.Query), cfg.K)
	var first, second proto.QueryResponse
	getJSON(t, client, u, &first)
	if first.Partial {
		t.Skip("partial results are not cached")
	}
	getJSON(t, client, u, &second)
	if !second.Cached {
		t.Error("repeated query was not served from the cache")
	}
	if len(first.Results) != len(second.Results) {
		t.Errorf("cached result has %d hits, first had %d", len(second.Results), len(first.Results))
	}
}

// TestAnalyticsCountsQueries checks query events reach the aggregator.
func TestAnalyticsCountsQueries(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 10 * time.Second}

	var before struct {
		TotalQueries int64 `json:"total_queries"`
	}
	getJSON(t, client, cfg.CoordinatorURL+"/api/v1/analytics", &before)

	u := fmt.Sprintf("%s/api/v1/search?q=%s&k=%d", cfg.CoordinatorURL, url.QueryEscape(cfg.Query), cfg.K)
	var discard proto.QueryResponse
	getJSON(t, client, u, &discard)

	// Events may travel through Kafka, so allow some delay.
	for attempt := 0; attempt < 20; attempt++ {
		var after struct {
			TotalQueries int64 `json:"total_queries"`
		}
		getJSON(t, client, cfg.CoordinatorURL+"/api/v1/analytics", &after)
		if after.TotalQueries > before.TotalQueries {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatal("query was not counted by analytics")
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func getJSON(t *testing.T, client *http.Client, u string, out any) {
	t.Helper()
	resp, err := client.Get(u)
	if err != nil {
		t.Skipf("service unavailable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: expected 200, got %d: %s", u, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("GET %s: decoding response: %v", u, err)
	}
}

func postJSON(t *testing.T, client *http.Client, u string, body any) (proto.QueryResponse, int) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Post(u, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Skipf("service unavailable: %v", err)
	}
	defer resp.Body.Close()
	var out proto.QueryResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
	}
	return out, resp.StatusCode
}

// assertRanked checks hits are ordered by score, then DocID, then ShardID.
func assertRanked(t *testing.T, hits []proto.Hit) {
	t.Helper()
	for i := 1; i < len(hits); i++ {
		a, b := hits[i-1], hits[i]
		switch {
		case a.Score > b.Score:
		case a.Score == b.Score && a.DocID < b.DocID:
		case a.Score == b.Score && a.DocID == b.DocID && a.ShardID < b.ShardID:
		default:
			t.Fatalf("hits %d and %d out of order: %+v then %+v", i-1, i, a, b)
		}
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
