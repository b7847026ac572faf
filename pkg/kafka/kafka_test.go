package kafka

import (
	"context"
	"errors"
	"testing"
)

type announcement struct {
	ShardID    uint32 `json:"shard_id"`
	Generation uint64 `json:"generation"`
}

func TestJSONHandlerDecodes(t *testing.T) {
	var got announcement
	h := JSONHandler(func(_ context.Context, a announcement) error {
		got = a
		return nil
	})
	if err := h(context.Background(), []byte("3"), []byte(`{"shard_id":3,"generation":9}`)); err != nil {
		t.Fatal(err)
	}
	if got.ShardID != 3 || got.Generation != 9 {
		t.Errorf("decoded %+v", got)
	}
}

func TestJSONHandlerRejectsGarbage(t *testing.T) {
	called := false
	h := JSONHandler(func(context.Context, announcement) error {
		called = true
		return nil
	})
	if err := h(context.Background(), nil, []byte("{")); err == nil {
		t.Fatal("expected decode error")
	}
	if called {
		t.Error("callback ran on undecodable message")
	}
}

func TestJSONHandlerPropagatesError(t *testing.T) {
	want := errors.New("swap failed")
	h := JSONHandler(func(context.Context, announcement) error { return want })
	if err := h(context.Background(), nil, []byte(`{}`)); !errors.Is(err, want) {
		t.Fatalf("got %v", err)
	}
}
