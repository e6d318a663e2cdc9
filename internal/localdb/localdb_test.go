package localdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/aide/internal/memory"
	"github.com/nidhogg/aide/internal/proactive"
)

func openTemp(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "aide.db")
	db, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

var (
	_ memory.RecordStore     = (*DB)(nil)
	_ proactive.InsightStore = (*DB)(nil)
)

func TestRecordsRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, _ := openTemp(t)
	at := time.Date(2026, 3, 10, 8, 0, 0, 123, time.UTC)

	recs := []memory.Record{
		{ID: "b", Content: "second", Category: "work", Priority: 3, Importance: 0.4,
			CreatedAt: at.Add(time.Minute), LastAccessed: at.Add(time.Minute), Source: "manual"},
		{ID: "a", Content: "first", Category: "life", Priority: 8, Importance: 0.7,
			CreatedAt: at, LastAccessed: at, AccessCount: 2, Metadata: map[string]string{"k": "v"}},
	}
	if err := db.SaveRecords(ctx, recs...); err != nil {
		t.Fatalf("SaveRecords: %v", err)
	}

	got, err := db.LoadRecords(ctx)
	if err != nil {
		t.Fatalf("LoadRecords: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("want creation order [a b], got %+v", got)
	}
	if !got[0].CreatedAt.Equal(at) || got[0].Metadata["k"] != "v" || got[0].AccessCount != 2 {
		t.Errorf("record a not preserved: %+v", got[0])
	}

	recs[1].Content = "first, edited"
	recs[1].AccessCount = 5
	if err := db.SaveRecords(ctx, recs[1]); err != nil {
		t.Fatalf("SaveRecords update: %v", err)
	}
	if err := db.DeleteRecords(ctx, "b", "missing"); err != nil {
		t.Fatalf("DeleteRecords: %v", err)
	}
	got, _ = db.LoadRecords(ctx)
	if len(got) != 1 || got[0].Content != "first, edited" || got[0].AccessCount != 5 {
		t.Errorf("after update and delete: %+v", got)
	}
}

func TestEnhancedSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	db, path := openTemp(t)

	e := memory.NewEnhanced(memory.DefaultEnhancedConfig(), db, zap.NewNop())
	id := e.Add(ctx, "妈妈的生日是五月", memory.AddOptions{Category: "family", Priority: 9})
	db.Close()

	db2, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	e2 := memory.NewEnhanced(memory.DefaultEnhancedConfig(), db2, zap.NewNop())
	if err := e2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	r, ok := e2.Get(ctx, id)
	if !ok || r.Category != "family" || r.Priority != 9 {
		t.Errorf("record not reloaded: %+v ok=%v", r, ok)
	}
}

func TestInsights(t *testing.T) {
	ctx := context.Background()
	db, _ := openTemp(t)

	if err := db.SaveInsight(ctx, proactive.Insight{UserID: "u1", Type: "habit", Content: "常查天气", Confidence: 1.7}); err != nil {
		t.Fatalf("SaveInsight: %v", err)
	}
	if err := db.SaveInsight(ctx, proactive.Insight{UserID: "u2", Type: "habit", Content: "other"}); err != nil {
		t.Fatalf("SaveInsight: %v", err)
	}

	got, err := db.Insights(ctx, "u1")
	if err != nil {
		t.Fatalf("Insights: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 insight for u1, got %d", len(got))
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() || got[0].Confidence != 1 {
		t.Errorf("insight not normalized: %+v", got[0])
	}
	if none, _ := db.Insights(ctx, "nobody"); len(none) != 0 {
		t.Errorf("unknown user should have no insights, got %v", none)
	}
}
