package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/aide/internal/embedding"
	"github.com/nidhogg/aide/internal/vectorstore"
)

// Item is one long-term memory record.
type Item struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Embedded  bool              `json:"embedded,omitempty"`
}

// LongTerm stores records in a JSON manifest and, when an embedding
// provider is configured, mirrors them into a similarity index. Every
// record marked Embedded is present in the index and every indexed id is a
// stored record; a mutation whose index call fails leaves both untouched.
type LongTerm struct {
	opMu sync.Mutex // serializes mutations across index I/O

	mu    sync.RWMutex
	items map[string]*Item
	order []string

	path     string
	embedder embedding.Provider
	index    vectorstore.Index
	ensured  bool

	writer *Writer
	now    func() time.Time
	logger *zap.Logger
}

// NewLongTerm loads {dir}/memory_store.json. embedder and index may both be
// nil, in which case search is substring-only.
func NewLongTerm(dir string, embedder embedding.Provider, index vectorstore.Index, w *Writer, logger *zap.Logger) (*LongTerm, error) {
	if embedder == nil || index == nil {
		embedder, index = nil, nil
	}
	l := &LongTerm{
		items:    make(map[string]*Item),
		path:     filepath.Join(dir, "memory_store.json"),
		embedder: embedder,
		index:    index,
		writer:   w,
		now:      time.Now,
		logger:   logger,
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *LongTerm) load() error {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read long-term manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode long-term manifest: %w", err)
	}
	for _, it := range m.Items {
		l.items[it.ID] = &it
		l.order = append(l.order, it.ID)
	}
	return nil
}

type manifest struct {
	Items []Item `json:"items"`
}

// persist must be called with mu held.
func (l *LongTerm) persist() {
	m := manifest{Items: make([]Item, 0, len(l.order))}
	for _, id := range l.order {
		m.Items = append(m.Items, *l.items[id])
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err == nil {
		err = l.writer.Write(l.path, data)
	}
	if err != nil {
		l.logger.Warn("persist long-term manifest failed", zap.Error(err))
	}
}

func (l *LongTerm) vectorize(ctx context.Context, id, content string, meta map[string]string) (bool, error) {
	if l.embedder == nil {
		return false, nil
	}
	vec, err := embedding.EmbedOne(ctx, l.embedder, content)
	if err != nil {
		return false, fmt.Errorf("embed: %w", err)
	}
	if !l.ensured {
		if err := l.index.Ensure(ctx, len(vec)); err != nil {
			return false, fmt.Errorf("ensure index: %w", err)
		}
		l.ensured = true
	}
	payload := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		payload[k] = v
	}
	payload["content"] = content
	if err := l.index.Upsert(ctx, id, vec, payload); err != nil {
		return false, fmt.Errorf("index: %w", err)
	}
	return true, nil
}

// Add stores content and returns its id. created_at is stamped into metadata.
func (l *LongTerm) Add(ctx context.Context, content string, metadata map[string]string) (string, error) {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	now := l.now()
	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["created_at"] = now.Format(time.RFC3339)

	id := uuid.New().String()
	embedded, err := l.vectorize(ctx, id, content, meta)
	if err != nil {
		return "", fmt.Errorf("long-term add: %w", err)
	}

	l.mu.Lock()
	l.items[id] = &Item{ID: id, Content: content, Metadata: meta, Timestamp: now, Embedded: embedded}
	l.order = append(l.order, id)
	l.persist()
	l.mu.Unlock()

	l.logger.Debug("long-term memory added", zap.String("id", id), zap.String("content", clip(content, 50)))
	return id, nil
}

// Get returns a copy of the record.
func (l *LongTerm) Get(id string) (Item, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	it, ok := l.items[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Search tries vector similarity first and falls back to case-insensitive
// substring matching when it yields nothing. limit <= 0 means 5.
func (l *LongTerm) Search(ctx context.Context, query string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 5
	}
	if l.embedder != nil {
		items, err := l.vectorSearch(ctx, query, limit)
		if err != nil {
			l.logger.Warn("vector search failed, falling back to text", zap.Error(err))
		} else if len(items) > 0 {
			return items, nil
		}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Item
	for _, id := range l.order {
		if it := l.items[id]; containsFold(it.Content, query) {
			out = append(out, *it)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (l *LongTerm) vectorSearch(ctx context.Context, query string, limit int) ([]Item, error) {
	vec, err := embedding.EmbedOne(ctx, l.embedder, query)
	if err != nil {
		return nil, err
	}
	hits, err := l.index.Search(ctx, vec, limit)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Item, 0, len(hits))
	for _, h := range hits {
		if it, ok := l.items[h.ID]; ok {
			out = append(out, *it)
			continue
		}
		meta := make(map[string]string, len(h.Payload))
		for k, v := range h.Payload {
			if k != "content" {
				meta[k] = v
			}
		}
		out = append(out, Item{ID: h.ID, Content: h.Payload["content"], Metadata: meta, Embedded: true})
	}
	return out, nil
}

// Update replaces a record's content, re-embeds it and refreshes its
// timestamp. Metadata is kept.
func (l *LongTerm) Update(ctx context.Context, id, content string) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.RLock()
	old, ok := l.items[id]
	var meta map[string]string
	if ok {
		meta = old.Metadata
	}
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("long-term update %s: %w", id, ErrNotFound)
	}

	embedded, err := l.vectorize(ctx, id, content, meta)
	if err != nil {
		return fmt.Errorf("long-term update %s: %w", id, err)
	}

	l.mu.Lock()
	l.items[id] = &Item{ID: id, Content: content, Metadata: meta, Timestamp: l.now(), Embedded: embedded}
	l.persist()
	l.mu.Unlock()
	return nil
}

// Delete removes a record from the index and the manifest.
func (l *LongTerm) Delete(ctx context.Context, id string) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.RLock()
	it, ok := l.items[id]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("long-term delete %s: %w", id, ErrNotFound)
	}
	if it.Embedded {
		if err := l.index.Delete(ctx, id); err != nil {
			return fmt.Errorf("long-term delete %s: %w", id, err)
		}
	}

	l.mu.Lock()
	delete(l.items, id)
	for i, oid := range l.order {
		if oid == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.persist()
	l.mu.Unlock()
	return nil
}

// Clear removes every record.
func (l *LongTerm) Clear(ctx context.Context) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.RLock()
	var ids []string
	for _, id := range l.order {
		if l.items[id].Embedded {
			ids = append(ids, id)
		}
	}
	l.mu.RUnlock()
	if len(ids) > 0 {
		if err := l.index.Delete(ctx, ids...); err != nil {
			return fmt.Errorf("long-term clear: %w", err)
		}
	}

	l.mu.Lock()
	l.items = make(map[string]*Item)
	l.order = nil
	l.persist()
	l.mu.Unlock()
	return nil
}

// All returns every record in insertion order.
func (l *LongTerm) All() []Item {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Item, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.items[id])
	}
	return out
}

// Len returns the number of records.
func (l *LongTerm) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}
