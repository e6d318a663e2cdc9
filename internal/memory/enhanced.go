package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Record is an importance-scored memory entry. Importance is derived: it is
// recomputed from priority, access count, recency and age whenever the
// record is read through Enhanced.
type Record struct {
	ID           string            `json:"id"`
	Content      string            `json:"content"`
	Category     string            `json:"category"`
	Priority     int               `json:"priority"`
	Importance   float64           `json:"importance"`
	CreatedAt    time.Time         `json:"created_at"`
	LastAccessed time.Time         `json:"last_accessed"`
	AccessCount  int               `json:"access_count"`
	Source       string            `json:"source"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CalculateImportance scores r at now and stores the result. Weights:
// priority 40%, access frequency 25% (saturating at 20 accesses), recency
// 20% (exp, 168h scale) and age 15% (exp, 720h scale).
func (r *Record) CalculateImportance(now time.Time) float64 {
	ageHours := now.Sub(r.CreatedAt).Hours()
	recencyHours := now.Sub(r.LastAccessed).Hours()

	priority := float64(r.Priority) / 10
	access := math.Min(float64(r.AccessCount)/20, 1)
	recency := math.Exp(-recencyHours / 168)
	age := math.Exp(-ageHours / 720)

	r.Importance = clamp01(priority*0.4 + access*0.25 + recency*0.2 + age*0.15)
	return r.Importance
}

func (r *Record) touch(now time.Time) {
	r.LastAccessed = now
	r.AccessCount++
}

// RecordStore persists records outside the process.
type RecordStore interface {
	SaveRecords(ctx context.Context, records ...Record) error
	DeleteRecords(ctx context.Context, ids ...string) error
	LoadRecords(ctx context.Context) ([]Record, error)
}

// Retention holds the time-based expiry window per priority tier, in days.
type Retention struct {
	Critical  int `json:"critical"`
	Important int `json:"important"`
	Normal    int `json:"normal"`
	Low       int `json:"low"`
}

// EnhancedConfig tunes capacity and forgetting.
type EnhancedConfig struct {
	MaxItems        int       `json:"max_items"`
	ForgetThreshold float64   `json:"forget_threshold"`
	CleanupInterval int       `json:"cleanup_interval"`
	Similarity      float64   `json:"similarity_threshold"`
	Retention       Retention `json:"retention_days"`
}

// DefaultEnhancedConfig returns the standard policy.
func DefaultEnhancedConfig() EnhancedConfig {
	return EnhancedConfig{
		MaxItems:        1000,
		ForgetThreshold: 0.15,
		CleanupInterval: 100,
		Similarity:      0.8,
		Retention:       Retention{Critical: 365, Important: 90, Normal: 30, Low: 7},
	}
}

// Priorities at or above this are never expired by age.
const expiryExempt = 8

// AddOptions describes a new record. Zero values take defaults: category
// "general", priority 5, source "user".
type AddOptions struct {
	Category string
	Priority int
	Source   string
	Metadata map[string]string
}

// UpdateOptions names the fields to change; nil fields are left alone.
// Metadata is merged.
type UpdateOptions struct {
	Content  *string
	Priority *int
	Metadata map[string]string
}

// SearchOptions filters Search results.
type SearchOptions struct {
	Category      string
	Limit         int
	MinImportance float64
}

// EnhancedStats summarizes the store.
type EnhancedStats struct {
	Total           int            `json:"total"`
	Categories      map[string]int `json:"categories"`
	AvgImportance   float64        `json:"avg_importance"`
	AvgAccessCount  float64        `json:"avg_access_count"`
	MaxItems        int            `json:"max_items"`
	ForgetThreshold float64        `json:"forget_threshold"`
}

// Enhanced is a bounded store of importance-scored records with
// importance-based forgetting, time-based expiry and similarity compression.
type Enhanced struct {
	mu    sync.Mutex
	items map[string]*Record
	order []string
	adds  int

	cfg    EnhancedConfig
	store  RecordStore
	now    func() time.Time
	logger *zap.Logger
}

// NewEnhanced creates an empty store. store may be nil.
func NewEnhanced(cfg EnhancedConfig, store RecordStore, logger *zap.Logger) *Enhanced {
	def := DefaultEnhancedConfig()
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = def.MaxItems
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.Similarity <= 0 {
		cfg.Similarity = def.Similarity
	}
	if cfg.Retention == (Retention{}) {
		cfg.Retention = def.Retention
	}
	return &Enhanced{
		items:  make(map[string]*Record),
		cfg:    cfg,
		store:  store,
		now:    time.Now,
		logger: logger,
	}
}

// Load reads persisted records from the store.
func (e *Enhanced) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	records, err := e.store.LoadRecords(ctx)
	if err != nil {
		return fmt.Errorf("load enhanced memory: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.put(r)
	}
	e.logger.Info("enhanced memory loaded", zap.Int("records", len(records)))
	return nil
}

// put inserts or replaces r. Must be called with mu held.
func (e *Enhanced) put(r Record) *Record {
	if _, ok := e.items[r.ID]; !ok {
		e.order = append(e.order, r.ID)
	}
	rec := r
	e.items[r.ID] = &rec
	return &rec
}

// remove must be called with mu held.
func (e *Enhanced) remove(ids ...string) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := e.items[id]; ok {
			drop[id] = true
			delete(e.items, id)
		}
	}
	if len(drop) == 0 {
		return
	}
	kept := e.order[:0]
	for _, id := range e.order {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	e.order = kept
}

func (e *Enhanced) save(ctx context.Context, recs ...*Record) {
	if e.store == nil || len(recs) == 0 {
		return
	}
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, *r)
	}
	if err := e.store.SaveRecords(ctx, out...); err != nil {
		e.logger.Warn("persist enhanced memory failed", zap.Int("records", len(out)), zap.Error(err))
	}
}

func (e *Enhanced) drop(ctx context.Context, ids ...string) {
	if e.store == nil || len(ids) == 0 {
		return
	}
	if err := e.store.DeleteRecords(ctx, ids...); err != nil {
		e.logger.Warn("delete enhanced memory failed", zap.Int("records", len(ids)), zap.Error(err))
	}
}

// Add stores content and returns the new id. Going over capacity triggers
// forgetting; every CleanupInterval adds run the expiry pass.
func (e *Enhanced) Add(ctx context.Context, content string, opts AddOptions) string {
	if opts.Category == "" {
		opts.Category = "general"
	}
	if opts.Priority == 0 {
		opts.Priority = 5
	}
	if opts.Source == "" {
		opts.Source = "user"
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	rec := e.put(Record{
		ID:           uuid.New().String(),
		Content:      content,
		Category:     opts.Category,
		Priority:     clampPriority(opts.Priority),
		CreatedAt:    now,
		LastAccessed: now,
		Source:       opts.Source,
		Metadata:     copyMeta(opts.Metadata),
	})
	rec.CalculateImportance(now)
	e.save(ctx, rec)
	e.adds++

	if len(e.items) > e.cfg.MaxItems {
		e.forget(ctx, now)
	}
	if e.adds%e.cfg.CleanupInterval == 0 {
		e.cleanup(ctx, now)
	}
	e.logger.Debug("enhanced memory added", zap.String("content", clip(content, 50)), zap.Int("priority", rec.Priority))
	return rec.ID
}

// Get returns a record and counts the access.
func (e *Enhanced) Get(ctx context.Context, id string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.items[id]
	if !ok {
		return Record{}, false
	}
	now := e.now()
	r.touch(now)
	r.CalculateImportance(now)
	e.save(ctx, r)
	return *r, true
}

// pool returns records in insertion order, restricted to category when set.
// Must be called with mu held.
func (e *Enhanced) pool(category string) []*Record {
	out := make([]*Record, 0, len(e.order))
	for _, id := range e.order {
		if r := e.items[id]; category == "" || r.Category == category {
			out = append(out, r)
		}
	}
	return out
}

// Search returns records containing query, most important first. Matches
// count as accesses. Limit defaults to 10.
func (e *Enhanced) Search(ctx context.Context, query string, opts SearchOptions) []Record {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	var hits []*Record
	for _, r := range e.pool(opts.Category) {
		if !containsFold(r.Content, query) {
			continue
		}
		if r.CalculateImportance(now) >= opts.MinImportance {
			r.touch(now)
			hits = append(hits, r)
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Importance > hits[j].Importance })
	e.save(ctx, hits...)
	return snapshot(head(hits, opts.Limit))
}

// Recent returns the most recently accessed records, then counts the access.
func (e *Enhanced) Recent(ctx context.Context, category string, limit int) []Record {
	if limit <= 0 {
		limit = 10
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	recs := e.pool(category)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].LastAccessed.After(recs[j].LastAccessed) })
	recs = head(recs, limit)
	out := snapshot(recs)

	now := e.now()
	for _, r := range recs {
		r.touch(now)
	}
	e.save(ctx, recs...)
	return out
}

// Important returns records with priority >= minPriority, most important
// first. Defaults: limit 10, minPriority 7.
func (e *Enhanced) Important(limit, minPriority int) []Record {
	if limit <= 0 {
		limit = 10
	}
	if minPriority <= 0 {
		minPriority = 7
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	var recs []*Record
	for _, r := range e.pool("") {
		if r.Priority >= minPriority {
			r.CalculateImportance(now)
			recs = append(recs, r)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Importance > recs[j].Importance })
	return snapshot(head(recs, limit))
}

// Update changes a record and counts the access.
func (e *Enhanced) Update(ctx context.Context, id string, opts UpdateOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.items[id]
	if !ok {
		return fmt.Errorf("enhanced update %s: %w", id, ErrNotFound)
	}
	if opts.Content != nil {
		r.Content = *opts.Content
	}
	if opts.Priority != nil {
		r.Priority = clampPriority(*opts.Priority)
	}
	if len(opts.Metadata) > 0 {
		if r.Metadata == nil {
			r.Metadata = make(map[string]string, len(opts.Metadata))
		}
		for k, v := range opts.Metadata {
			r.Metadata[k] = v
		}
	}
	now := e.now()
	r.touch(now)
	r.CalculateImportance(now)
	e.save(ctx, r)
	return nil
}

// Delete removes a record.
func (e *Enhanced) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.items[id]; !ok {
		return fmt.Errorf("enhanced delete %s: %w", id, ErrNotFound)
	}
	e.remove(id)
	e.drop(ctx, id)
	return nil
}

// Forget deletes records below the forget threshold, least important
// first, until the store is at 90% of capacity.
func (e *Enhanced) Forget(ctx context.Context) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.forget(ctx, e.now())
}

func (e *Enhanced) forget(ctx context.Context, now time.Time) int {
	recs := e.pool("")
	for _, r := range recs {
		r.CalculateImportance(now)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Importance < recs[j].Importance })

	target := int(float64(e.cfg.MaxItems) * 0.9)
	remaining := len(recs)
	var victims []string
	for _, r := range recs {
		if remaining <= target || r.Importance >= e.cfg.ForgetThreshold {
			break
		}
		victims = append(victims, r.ID)
		remaining--
	}
	e.remove(victims...)
	e.drop(ctx, victims...)
	if len(victims) > 0 {
		e.logger.Info("forgot low-importance memories", zap.Int("count", len(victims)))
	}
	return len(victims)
}

func (e *Enhanced) retentionDays(priority int) int {
	switch {
	case priority >= 9:
		return e.cfg.Retention.Critical
	case priority >= 7:
		return e.cfg.Retention.Important
	case priority >= 4:
		return e.cfg.Retention.Normal
	}
	return e.cfg.Retention.Low
}

// CleanupExpired deletes records older than their tier's retention window.
// Priority 8 and above never expire.
func (e *Enhanced) CleanupExpired(ctx context.Context) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cleanup(ctx, e.now())
}

func (e *Enhanced) cleanup(ctx context.Context, now time.Time) int {
	var expired []string
	for _, r := range e.pool("") {
		if r.Priority >= expiryExempt {
			continue
		}
		if now.After(r.CreatedAt.AddDate(0, 0, e.retentionDays(r.Priority))) {
			expired = append(expired, r.ID)
		}
	}
	e.remove(expired...)
	e.drop(ctx, expired...)
	if len(expired) > 0 {
		e.logger.Info("expired memories cleaned", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Compress merges groups of records whose word sets overlap at or above
// the similarity threshold. Each group collapses into its most important
// member, which takes the group's highest priority and summed access count.
// It returns how many records were removed.
func (e *Enhanced) Compress(ctx context.Context, category string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	recs := e.pool(category)
	for _, r := range recs {
		r.CalculateImportance(now)
	}
	var removed []string
	var kept []*Record
	grouped := make(map[string]bool)
	for i, first := range recs {
		if grouped[first.ID] {
			continue
		}
		group := []*Record{first}
		for _, other := range recs[i+1:] {
			if !grouped[other.ID] && Jaccard(first.Content, other.Content) >= e.cfg.Similarity {
				group = append(group, other)
				grouped[other.ID] = true
			}
		}
		if len(group) == 1 {
			continue
		}
		best := group[0]
		total, maxPriority := 0, 0
		for _, r := range group {
			if r.Importance > best.Importance {
				best = r
			}
			total += r.AccessCount
			maxPriority = max(maxPriority, r.Priority)
		}
		best.AccessCount = total
		best.Priority = maxPriority
		best.CalculateImportance(now)
		kept = append(kept, best)
		for _, r := range group {
			if r != best {
				removed = append(removed, r.ID)
			}
		}
	}
	e.remove(removed...)
	e.drop(ctx, removed...)
	e.save(ctx, kept...)
	if len(removed) > 0 {
		e.logger.Info("compressed similar memories", zap.Int("removed", len(removed)))
	}
	return len(removed)
}

// Jaccard is the word-set similarity of two texts, split on whitespace and
// compared case-insensitively.
func Jaccard(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if wb[w] {
			inter++
		}
	}
	return float64(inter) / float64(len(wa)+len(wb)-inter)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}

// Stats reports store totals without recomputing importance.
func (e *Enhanced) Stats() EnhancedStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := EnhancedStats{
		Total:           len(e.items),
		Categories:      make(map[string]int),
		MaxItems:        e.cfg.MaxItems,
		ForgetThreshold: e.cfg.ForgetThreshold,
	}
	if st.Total == 0 {
		return st
	}
	var imp, acc float64
	for _, r := range e.items {
		st.Categories[r.Category]++
		imp += r.Importance
		acc += float64(r.AccessCount)
	}
	st.AvgImportance = math.Round(imp/float64(st.Total)*1000) / 1000
	st.AvgAccessCount = math.Round(acc/float64(st.Total)*100) / 100
	return st
}

// Len returns the number of records.
func (e *Enhanced) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.items)
}

// ClearAll removes every record.
func (e *Enhanced) ClearAll(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := append([]string(nil), e.order...)
	e.items = make(map[string]*Record)
	e.order = nil
	e.adds = 0
	e.drop(ctx, ids...)
	e.logger.Warn("enhanced memory cleared")
}

// Export returns every record in insertion order.
func (e *Enhanced) Export() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.pool(""))
}

// Import upserts records by id and returns how many were read.
func (e *Enhanced) Import(ctx context.Context, records []Record) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	saved := make([]*Record, 0, len(records))
	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.Category == "" {
			r.Category = "general"
		}
		if r.Priority == 0 {
			r.Priority = 5
		}
		if r.Source == "" {
			r.Source = "user"
		}
		r.Metadata = copyMeta(r.Metadata)
		saved = append(saved, e.put(r))
	}
	e.save(ctx, saved...)
	if len(e.items) > e.cfg.MaxItems {
		e.forget(ctx, e.now())
	}
	e.logger.Info("enhanced memory imported", zap.Int("records", len(records)), zap.Int("kept", len(e.items)))
	return len(records)
}

func snapshot(recs []*Record) []Record {
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		c := *r
		c.Metadata = copyMeta(r.Metadata)
		out = append(out, c)
	}
	return out
}

func copyMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
