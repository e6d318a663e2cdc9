package vectorstore

import (
	"context"
	"testing"
)

var _ Index = (*MemoryIndex)(nil)
var _ Index = (*Qdrant)(nil)

func TestMemoryIndexSearchOrder(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	_ = idx.Upsert(ctx, "a", []float32{1, 0}, map[string]string{"content": "east"})
	_ = idx.Upsert(ctx, "b", []float32{0.7, 0.7}, nil)
	_ = idx.Upsert(ctx, "c", []float32{0, 1}, nil)
	_ = idx.Upsert(ctx, "odd", []float32{1, 0, 0}, nil)

	hits, err := idx.Search(ctx, []float32{1, 0.1}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 || hits[0].ID != "a" || hits[1].ID != "b" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
	if hits[0].Payload["content"] != "east" {
		t.Errorf("payload lost: %v", hits[0].Payload)
	}
}

func TestMemoryIndexDelete(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	_ = idx.Upsert(ctx, "a", []float32{1}, nil)
	_ = idx.Upsert(ctx, "b", []float32{1}, nil)
	_ = idx.Delete(ctx, "a", "missing")
	if idx.Len() != 1 {
		t.Fatalf("got %d points, want 1", idx.Len())
	}
	hits, _ := idx.Search(ctx, []float32{0}, 5)
	if hits != nil {
		t.Errorf("zero query should match nothing, got %v", hits)
	}
}
