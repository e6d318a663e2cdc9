package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/aide/internal/proactive"
)

// ErrUnknownField is returned when a profile field name is not recognized.
var ErrUnknownField = errors.New("memory: unknown profile field")

const dateLayout = "2006-01-02"

// Profile is the user's identity and contact record.
type Profile struct {
	Name       string `json:"name,omitempty"`
	Nickname   string `json:"nickname,omitempty"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	City       string `json:"city,omitempty"`
	Location   string `json:"location,omitempty"`
	Birthday   string `json:"birthday,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	Language   string `json:"language,omitempty"`
	Occupation string `json:"occupation,omitempty"`
	Company    string `json:"company,omitempty"`
}

// DefaultProfile returns an empty profile with locale defaults.
func DefaultProfile() Profile {
	return Profile{Timezone: "Asia/Shanghai", Language: "zh-CN"}
}

// ProfileFields lists profile keys in display order.
var ProfileFields = []string{
	"name", "nickname", "email", "phone", "city", "location",
	"birthday", "timezone", "language", "occupation", "company",
}

func (p *Profile) field(key string) *string {
	switch key {
	case "name":
		return &p.Name
	case "nickname":
		return &p.Nickname
	case "email":
		return &p.Email
	case "phone":
		return &p.Phone
	case "city":
		return &p.City
	case "location":
		return &p.Location
	case "birthday":
		return &p.Birthday
	case "timezone":
		return &p.Timezone
	case "language":
		return &p.Language
	case "occupation":
		return &p.Occupation
	case "company":
		return &p.Company
	}
	return nil
}

// Get returns the value of a profile field by key.
func (p Profile) Get(key string) string {
	if f := p.field(key); f != nil {
		return *f
	}
	return ""
}

// Preference is a learned or stated user preference.
type Preference struct {
	Category   string    `json:"category"`
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// QualifiedKey is the "category:key" identity of a preference.
func (p Preference) QualifiedKey() string { return p.Category + ":" + p.Key }

// Event is a calendar-like entry such as a birthday or meeting.
type Event struct {
	ID            string    `json:"event_id"`
	Title         string    `json:"title"`
	Date          string    `json:"event_date"`
	Type          string    `json:"event_type"`
	Description   string    `json:"description,omitempty"`
	Recurring     bool      `json:"is_recurring"`
	RecurringType string    `json:"recurring_type,omitempty"`
	ReminderDays  int       `json:"reminder_days"`
	CreatedAt     time.Time `json:"created_at"`
}

// Note is a free-text memo with a priority from 1 to 10.
type Note struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	Priority  int       `json:"priority"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// State is the complete unified memory document. It is both the on-disk
// format and the export format.
type State struct {
	Profile     Profile      `json:"user_profile"`
	Preferences []Preference `json:"preferences"`
	Events      []Event      `json:"important_events"`
	Notes       []Note       `json:"memory_notes"`
	Context     []string     `json:"recent_context"`
	Summaries   []string     `json:"conversation_summary"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (s State) clone() State {
	out := s
	out.Preferences = append([]Preference(nil), s.Preferences...)
	out.Events = append([]Event(nil), s.Events...)
	out.Notes = append([]Note(nil), s.Notes...)
	out.Context = append([]string(nil), s.Context...)
	out.Summaries = append([]string(nil), s.Summaries...)
	return out
}

// UnifiedConfig sets storage location and caps.
type UnifiedConfig struct {
	Dir          string `json:"data_dir"`
	MaxNotes     int    `json:"max_notes"`
	MaxContext   int    `json:"max_context"`
	MaxSummaries int    `json:"max_summaries"`
}

// DefaultUnifiedConfig returns the standard caps.
func DefaultUnifiedConfig() UnifiedConfig {
	return UnifiedConfig{Dir: "data/memory", MaxNotes: 100, MaxContext: 100, MaxSummaries: 50}
}

// SearchHit is one unified search result.
type SearchHit struct {
	Type       string  `json:"type"`
	Content    string  `json:"content"`
	Category   string  `json:"category,omitempty"`
	Priority   int     `json:"priority,omitempty"`
	Date       string  `json:"date,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Stats summarizes unified memory sizes.
type Stats struct {
	ProfileSet  bool `json:"user_profile_set"`
	Preferences int  `json:"preferences_count"`
	Events      int  `json:"events_count"`
	Notes       int  `json:"notes_count"`
	Context     int  `json:"context_count"`
	Summaries   int  `json:"summary_count"`
}

// Unified is the process-wide user memory. Every mutation re-renders
// MEMORY.md from the structured state and hands both documents to the
// Writer, so the projection never drifts from memory_data.json.
type Unified struct {
	mu    sync.RWMutex
	state State

	cfg      UnifiedConfig
	dataPath string
	mdPath   string

	writer *Writer
	now    func() time.Time
	logger *zap.Logger
}

// NewUnified loads memory_data.json from cfg.Dir. A corrupt file is an error.
func NewUnified(cfg UnifiedConfig, w *Writer, logger *zap.Logger) (*Unified, error) {
	def := DefaultUnifiedConfig()
	if cfg.MaxNotes <= 0 {
		cfg.MaxNotes = def.MaxNotes
	}
	if cfg.MaxContext <= 0 {
		cfg.MaxContext = def.MaxContext
	}
	if cfg.MaxSummaries <= 0 {
		cfg.MaxSummaries = def.MaxSummaries
	}
	u := &Unified{
		state:    State{Profile: DefaultProfile()},
		cfg:      cfg,
		dataPath: filepath.Join(cfg.Dir, "memory_data.json"),
		mdPath:   filepath.Join(cfg.Dir, "MEMORY.md"),
		writer:   w,
		now:      time.Now,
		logger:   logger,
	}
	data, err := os.ReadFile(u.dataPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read unified memory: %w", err)
	default:
		if err := json.Unmarshal(data, &u.state); err != nil {
			return nil, fmt.Errorf("decode unified memory: %w", err)
		}
	}
	return u, nil
}

// commit stamps and persists the state. Must be called with mu held.
func (u *Unified) commit() {
	u.state.UpdatedAt = u.now()
	u.persist()
}

func (u *Unified) persist() {
	data, err := json.MarshalIndent(u.state, "", "  ")
	if err == nil {
		err = u.writer.Write(u.dataPath, data)
	}
	if err == nil {
		err = u.writer.Write(u.mdPath, []byte(Render(u.state)))
	}
	if err != nil {
		u.logger.Warn("persist unified memory failed", zap.Error(err))
	}
}

// Profile returns the current profile.
func (u *Unified) Profile() Profile {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.state.Profile
}

// ProfileValue returns one profile field; unknown fields are empty.
func (u *Unified) ProfileValue(field string) string {
	return u.Profile().Get(field)
}

// UserEmail returns the profile email. Memory is single-user, so userID is
// not consulted.
func (u *Unified) UserEmail(_ context.Context, _ string) string {
	return u.ProfileValue("email")
}

// SetProfileField sets one profile field by key.
func (u *Unified) SetProfileField(key, value string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	f := u.state.Profile.field(key)
	if f == nil {
		return fmt.Errorf("%w: %s", ErrUnknownField, key)
	}
	*f = value
	u.commit()
	u.logger.Info("profile updated", zap.String("field", key), zap.String("value", value))
	return nil
}

// SetProfileFieldIfEmpty sets key only when it is empty or already holds
// value, checking and writing under one lock. It reports whether the field
// now holds value.
func (u *Unified) SetProfileFieldIfEmpty(key, value string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	f := u.state.Profile.field(key)
	if f == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownField, key)
	}
	if *f == value {
		return true, nil
	}
	if *f != "" {
		return false, nil
	}
	*f = value
	u.commit()
	u.logger.Info("profile learned", zap.String("field", key), zap.String("value", value))
	return true, nil
}

// SetProfile replaces the whole profile.
func (u *Unified) SetProfile(p Profile) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state.Profile = p
	u.commit()
	u.logger.Info("profile replaced", zap.String("name", p.Name))
}

// SetPreference creates or overwrites the preference at category:key.
// Empty category means "general", zero confidence means 0.5 and empty
// source means "learned". Confidence is clamped to [0,1].
func (u *Unified) SetPreference(p Preference) Preference {
	if p.Category == "" {
		p.Category = "general"
	}
	if p.Confidence == 0 {
		p.Confidence = 0.5
	}
	p.Confidence = clamp01(p.Confidence)
	if p.Source == "" {
		p.Source = "learned"
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	now := u.now()
	for i := range u.state.Preferences {
		cur := &u.state.Preferences[i]
		if cur.QualifiedKey() == p.QualifiedKey() {
			cur.Value = p.Value
			cur.Confidence = p.Confidence
			cur.UpdatedAt = now
			u.commit()
			return *cur
		}
	}
	p.CreatedAt, p.UpdatedAt = now, now
	u.state.Preferences = append(u.state.Preferences, p)
	u.commit()
	u.logger.Info("preference updated",
		zap.String("key", p.QualifiedKey()),
		zap.String("value", p.Value),
		zap.Float64("confidence", p.Confidence))
	return p
}

// Preference looks up a value by category and key.
func (u *Unified) Preference(category, key string) (string, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	qk := category + ":" + key
	for _, p := range u.state.Preferences {
		if p.QualifiedKey() == qk {
			return p.Value, true
		}
	}
	return "", false
}

// Preferences returns all preferences in insertion order.
func (u *Unified) Preferences() []Preference {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return append([]Preference(nil), u.state.Preferences...)
}

// AddEvent stores an event and returns its id. Type defaults to "general"
// and reminder days to 1.
func (u *Unified) AddEvent(e Event) (string, error) {
	if _, err := time.Parse(dateLayout, e.Date); err != nil {
		return "", fmt.Errorf("event date %q: %w", e.Date, err)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Type == "" {
		e.Type = "general"
	}
	if e.ReminderDays <= 0 {
		e.ReminderDays = 1
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = u.now()
	}
	u.state.Events = append(u.state.Events, e)
	u.commit()
	u.logger.Info("event added", zap.String("title", e.Title), zap.String("date", e.Date))
	return e.ID, nil
}

// RemoveEvent deletes an event by id.
func (u *Unified) RemoveEvent(id string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, e := range u.state.Events {
		if e.ID == id {
			u.state.Events = append(u.state.Events[:i], u.state.Events[i+1:]...)
			u.commit()
			return nil
		}
	}
	return fmt.Errorf("event %s: %w", id, ErrNotFound)
}

// ListEvents returns all events in insertion order.
func (u *Unified) ListEvents() []Event {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return append([]Event(nil), u.state.Events...)
}

// UpcomingEvents returns events dated from today to today+days, by date.
func (u *Unified) UpcomingEvents(days int) []Event {
	now := u.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	until := today.AddDate(0, 0, days)

	var out []Event
	for _, e := range u.ListEvents() {
		d, err := time.ParseInLocation(dateLayout, e.Date, now.Location())
		if err != nil {
			continue
		}
		if !d.Before(today) && !d.After(until) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Events exposes stored events to the thinking engine.
func (u *Unified) Events(_ context.Context, _ string) ([]proactive.Event, error) {
	events := u.ListEvents()
	out := make([]proactive.Event, 0, len(events))
	for _, e := range events {
		out = append(out, proactive.Event{
			ID:            e.ID,
			Type:          e.Type,
			Date:          e.Date,
			Title:         e.Title,
			Description:   e.Description,
			Recurring:     e.Recurring,
			RecurringType: e.RecurringType,
		})
	}
	return out, nil
}

// AddNote stores a memo. Priority is clamped to 1..10 (zero means 5),
// category defaults to "general" and source to "manual". Past the cap, the
// lowest-priority note is evicted, the oldest one on ties.
func (u *Unified) AddNote(n Note) Note {
	if n.Priority == 0 {
		n.Priority = 5
	}
	n.Priority = clampPriority(n.Priority)
	if n.Category == "" {
		n.Category = "general"
	}
	if n.Source == "" {
		n.Source = "manual"
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = u.now()
	}
	u.state.Notes = append(u.state.Notes, n)
	u.evictNotesLocked()
	u.commit()
	u.logger.Info("note added", zap.String("content", clip(n.Content, 50)), zap.Int("priority", n.Priority))
	return n
}

// evictNotesLocked drops the oldest of the lowest-priority notes until the
// cap holds.
func (u *Unified) evictNotesLocked() {
	for len(u.state.Notes) > u.cfg.MaxNotes {
		victim := 0
		for i, cur := range u.state.Notes {
			v := u.state.Notes[victim]
			if cur.Priority < v.Priority || (cur.Priority == v.Priority && cur.CreatedAt.Before(v.CreatedAt)) {
				victim = i
			}
		}
		u.state.Notes = append(u.state.Notes[:victim], u.state.Notes[victim+1:]...)
	}
}

// RemoveNote deletes a note by id.
func (u *Unified) RemoveNote(id string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, n := range u.state.Notes {
		if n.ID == id {
			u.state.Notes = append(u.state.Notes[:i], u.state.Notes[i+1:]...)
			u.commit()
			return nil
		}
	}
	return fmt.Errorf("note %s: %w", id, ErrNotFound)
}

// Notes returns all notes in insertion order.
func (u *Unified) Notes() []Note {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return append([]Note(nil), u.state.Notes...)
}

// AddContext appends a recent-context line, keeping the newest entries.
func (u *Unified) AddContext(line string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state.Context = keepLast(append(u.state.Context, line), u.cfg.MaxContext)
	u.commit()
}

// AddSummary appends a conversation summary, keeping the newest entries.
func (u *Unified) AddSummary(summary string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state.Summaries = keepLast(append(u.state.Summaries, summary), u.cfg.MaxSummaries)
	u.commit()
}

// Markdown renders the LLM context document from the current state.
func (u *Unified) Markdown() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return Render(u.state)
}

// Search matches notes, then events, then preferences. limit <= 0 means 10.
func (u *Unified) Search(query string, limit int) []SearchHit {
	if limit <= 0 {
		limit = 10
	}
	u.mu.RLock()
	defer u.mu.RUnlock()

	var hits []SearchHit
	for _, n := range u.state.Notes {
		if containsFold(n.Content, query) {
			hits = append(hits, SearchHit{Type: "note", Content: n.Content, Category: n.Category, Priority: n.Priority})
		}
	}
	for _, e := range u.state.Events {
		if containsFold(e.Title, query) || containsFold(e.Description, query) {
			hits = append(hits, SearchHit{Type: "event", Content: e.Date + ": " + e.Title, Date: e.Date})
		}
	}
	for _, p := range u.state.Preferences {
		if containsFold(p.Key, query) || containsFold(p.Value, query) {
			hits = append(hits, SearchHit{Type: "preference", Content: p.Key + ": " + p.Value, Confidence: p.Confidence})
		}
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// Stats reports collection sizes.
func (u *Unified) Stats() Stats {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return Stats{
		ProfileSet:  u.state.Profile.Name != "",
		Preferences: len(u.state.Preferences),
		Events:      len(u.state.Events),
		Notes:       len(u.state.Notes),
		Context:     len(u.state.Context),
		Summaries:   len(u.state.Summaries),
	}
}

// ClearAll resets every collection and the profile.
func (u *Unified) ClearAll() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state = State{Profile: DefaultProfile()}
	u.commit()
	u.logger.Warn("unified memory cleared")
}

// Export returns a deep copy of the state.
func (u *Unified) Export() State {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.state.clone()
}

// Import replaces the state. The imported update time is kept so the
// markdown projection of an export reproduces exactly.
func (u *Unified) Import(s State) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state = s.clone()
	u.state.Context = keepLast(u.state.Context, u.cfg.MaxContext)
	u.state.Summaries = keepLast(u.state.Summaries, u.cfg.MaxSummaries)
	u.evictNotesLocked()
	if u.state.UpdatedAt.IsZero() {
		u.state.UpdatedAt = u.now()
	}
	u.persist()
	u.logger.Info("unified memory imported",
		zap.Int("notes", len(u.state.Notes)),
		zap.Int("events", len(s.Events)))
}

// Flush waits for pending writes to reach disk.
func (u *Unified) Flush() error {
	return u.writer.Flush()
}

func keepLast(s []string, n int) []string {
	if len(s) > n {
		return append([]string(nil), s[len(s)-n:]...)
	}
	return s
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func clampPriority(p int) int {
	switch {
	case p < 1:
		return 1
	case p > 10:
		return 10
	}
	return p
}
