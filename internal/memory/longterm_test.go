package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/aide/internal/vectorstore"
)

// keywordEmbedder maps text onto fixed axes so similarity is predictable.
type keywordEmbedder struct{ calls int }

func (k *keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	k.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := []float32{0, 0, 0.1}
		if strings.Contains(t, "cat") {
			v[0] = 1
		}
		if strings.Contains(t, "dog") {
			v[1] = 1
		}
		out[i] = v
	}
	return out, nil
}

func (k *keywordEmbedder) Dimension() int { return 3 }

// flakyIndex fails the operations it is told to.
type flakyIndex struct {
	*vectorstore.MemoryIndex
	failUpsert, failDelete bool
}

var errIndexDown = errors.New("index down")

func (f *flakyIndex) Upsert(ctx context.Context, id string, v []float32, p map[string]string) error {
	if f.failUpsert {
		return errIndexDown
	}
	return f.MemoryIndex.Upsert(ctx, id, v, p)
}

func (f *flakyIndex) Delete(ctx context.Context, ids ...string) error {
	if f.failDelete {
		return errIndexDown
	}
	return f.MemoryIndex.Delete(ctx, ids...)
}

func newLongTerm(t *testing.T, dir string, idx vectorstore.Index) *LongTerm {
	t.Helper()
	var emb *keywordEmbedder
	if idx != nil {
		emb = &keywordEmbedder{}
	}
	var lt *LongTerm
	var err error
	if emb != nil {
		lt, err = NewLongTerm(dir, emb, idx, newWriter(t), zap.NewNop())
	} else {
		lt, err = NewLongTerm(dir, nil, nil, newWriter(t), zap.NewNop())
	}
	if err != nil {
		t.Fatal(err)
	}
	lt.now = fixedClock(base)
	return lt
}

func TestLongTermVectorSearch(t *testing.T) {
	ctx := context.Background()
	idx := vectorstore.NewMemoryIndex()
	lt := newLongTerm(t, t.TempDir(), idx)

	catID, _ := lt.Add(ctx, "my cat is orange", map[string]string{"source": "chat"})
	_, _ = lt.Add(ctx, "the dog walks", nil)
	_, _ = lt.Add(ctx, "sunny weather", nil)

	hits, err := lt.Search(ctx, "cat", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != catID {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[0].Metadata["created_at"] == "" || hits[0].Metadata["source"] != "chat" {
		t.Errorf("metadata not kept: %v", hits[0].Metadata)
	}
	if idx.Len() != 3 {
		t.Errorf("index holds %d points, want 3", idx.Len())
	}
}

func TestLongTermSubstringFallback(t *testing.T) {
	ctx := context.Background()
	lt := newLongTerm(t, t.TempDir(), nil)
	_, _ = lt.Add(ctx, "Meeting with Alice", nil)
	_, _ = lt.Add(ctx, "lunch", nil)

	hits, _ := lt.Search(ctx, "alice", 0)
	if len(hits) != 1 || hits[0].Embedded {
		t.Errorf("hits = %+v", hits)
	}
}

func TestLongTermIndexFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	idx := &flakyIndex{MemoryIndex: vectorstore.NewMemoryIndex()}
	lt := newLongTerm(t, t.TempDir(), idx)

	id, err := lt.Add(ctx, "cat", nil)
	if err != nil {
		t.Fatal(err)
	}

	idx.failUpsert = true
	if _, err := lt.Add(ctx, "dog", nil); !errors.Is(err, errIndexDown) {
		t.Fatalf("expected index error, got %v", err)
	}
	if lt.Len() != 1 || idx.Len() != 1 {
		t.Errorf("failed add leaked: records=%d points=%d", lt.Len(), idx.Len())
	}
	if err := lt.Update(ctx, id, "cat v2"); err == nil {
		t.Error("update should fail when the index is down")
	}
	if it, _ := lt.Get(id); it.Content != "cat" {
		t.Errorf("failed update changed content to %q", it.Content)
	}

	idx.failDelete = true
	if err := lt.Delete(ctx, id); err == nil {
		t.Error("delete should fail when the index is down")
	}
	if lt.Len() != 1 || idx.Len() != 1 {
		t.Errorf("failed delete diverged: records=%d points=%d", lt.Len(), idx.Len())
	}

	idx.failDelete = false
	if err := lt.Delete(ctx, id); err != nil {
		t.Fatal(err)
	}
	if lt.Len() != 0 || idx.Len() != 0 {
		t.Errorf("delete diverged: records=%d points=%d", lt.Len(), idx.Len())
	}
}

func TestLongTermUpdateAndClear(t *testing.T) {
	ctx := context.Background()
	idx := vectorstore.NewMemoryIndex()
	lt := newLongTerm(t, t.TempDir(), idx)

	id, _ := lt.Add(ctx, "dog", map[string]string{"k": "v"})
	if err := lt.Update(ctx, id, "cat"); err != nil {
		t.Fatal(err)
	}
	it, _ := lt.Get(id)
	if it.Content != "cat" || it.Metadata["k"] != "v" {
		t.Errorf("update lost data: %+v", it)
	}
	hits, _ := idx.Search(ctx, []float32{1, 0, 0}, 1)
	if len(hits) != 1 || hits[0].Payload["content"] != "cat" {
		t.Errorf("index not re-embedded: %+v", hits)
	}

	if err := lt.Update(ctx, "nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
	if err := lt.Delete(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}

	_, _ = lt.Add(ctx, "another", nil)
	if err := lt.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if lt.Len() != 0 || idx.Len() != 0 {
		t.Errorf("clear left records=%d points=%d", lt.Len(), idx.Len())
	}
}

func TestLongTermReloadsManifest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w := newWriter(t)
	lt, err := NewLongTerm(dir, nil, nil, w, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	_, _ = lt.Add(ctx, "first", nil)
	_, _ = lt.Add(ctx, "second", nil)
	_ = w.Flush()

	again, err := NewLongTerm(dir, nil, nil, w, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	all := again.All()
	if len(all) != 2 || all[0].Content != "first" || all[1].Content != "second" {
		t.Errorf("reloaded %+v", all)
	}
}
