package memory

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Roles of transcript turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one transcript turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ShortTerm is one session's transcript, persisted one JSON object per line
// to {dir}/{session}.jsonl and loaded lazily on first use.
type ShortTerm struct {
	mu       sync.Mutex
	session  string
	path     string
	messages []Message
	loaded   bool

	writer *Writer
	now    func() time.Time
	logger *zap.Logger
}

// NewShortTerm binds a transcript to its session file.
func NewShortTerm(dir, session string, w *Writer, logger *zap.Logger) *ShortTerm {
	return &ShortTerm{
		session: session,
		path:    filepath.Join(dir, session+".jsonl"),
		writer:  w,
		now:     time.Now,
		logger:  logger,
	}
}

// Session returns the session id.
func (s *ShortTerm) Session() string { return s.session }

func (s *ShortTerm) ensureLoaded() {
	if s.loaded {
		return
	}
	s.loaded = true
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("read session log failed", zap.String("session", s.session), zap.Error(err))
		}
		return
	}
	// The whole file is in memory, so no single line can exceed the buffer.
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), max(8*1024*1024, len(data)+1))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			s.logger.Warn("skip malformed session line", zap.String("session", s.session), zap.Error(err))
			continue
		}
		s.messages = append(s.messages, m)
	}
	if err := sc.Err(); err != nil {
		s.logger.Warn("session log truncated", zap.String("session", s.session),
			zap.Int("loaded", len(s.messages)), zap.Error(err))
	}
}

// Add appends a turn and persists it.
func (s *ShortTerm) Add(role, content string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	m := Message{Role: role, Content: content, Timestamp: s.now()}
	s.messages = append(s.messages, m)
	line, err := json.Marshal(m)
	if err == nil {
		err = s.writer.Append(s.path, append(line, '\n'))
	}
	if err != nil {
		s.logger.Warn("persist session turn failed", zap.String("session", s.session), zap.Error(err))
	}
	return m
}

func (s *ShortTerm) AddUser(content string) Message      { return s.Add(RoleUser, content) }
func (s *ShortTerm) AddAssistant(content string) Message { return s.Add(RoleAssistant, content) }

// AddTool records a tool output. The tool name is logged, not stored.
func (s *ShortTerm) AddTool(content, tool string) Message {
	s.logger.Debug("tool turn", zap.String("session", s.session), zap.String("tool", tool))
	return s.Add(RoleTool, content)
}

// Messages returns the whole transcript in order.
func (s *ShortTerm) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Last returns the most recent n turns, oldest first. n <= 0 means 10.
func (s *ShortTerm) Last(n int) []Message {
	if n <= 0 {
		n = 10
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	start := len(s.messages) - n
	if start < 0 {
		start = 0
	}
	out := make([]Message, len(s.messages)-start)
	copy(out, s.messages[start:])
	return out
}

// Get returns the turn at index.
func (s *ShortTerm) Get(index int) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	if index < 0 || index >= len(s.messages) {
		return Message{}, false
	}
	return s.messages[index], true
}

// Search returns turns containing query, most recent first. limit <= 0 means 5.
func (s *ShortTerm) Search(query string, limit int) []Message {
	if limit <= 0 {
		limit = 5
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	var out []Message
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if containsFold(s.messages[i].Content, query) {
			out = append(out, s.messages[i])
		}
	}
	return out
}

// Len returns the number of turns.
func (s *ShortTerm) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	return len(s.messages)
}

// Clear drops the transcript and deletes its file.
func (s *ShortTerm) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.loaded = true
	if err := s.writer.Remove(s.path); err != nil {
		s.logger.Warn("remove session log failed", zap.String("session", s.session), zap.Error(err))
	}
}

// Sessions hands out one ShortTerm per session id.
type Sessions struct {
	mu     sync.Mutex
	dir    string
	open   map[string]*ShortTerm
	writer *Writer
	logger *zap.Logger
}

// NewSessions creates a registry rooted at dir.
func NewSessions(dir string, w *Writer, logger *zap.Logger) *Sessions {
	return &Sessions{dir: dir, open: make(map[string]*ShortTerm), writer: w, logger: logger}
}

// Get returns the transcript for id, creating the handle on first use.
func (r *Sessions) Get(id string) (*ShortTerm, error) {
	if !validSession(id) {
		return nil, fmt.Errorf("%w: %q", ErrBadSession, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.open[id]; ok {
		return st, nil
	}
	st := NewShortTerm(r.dir, id, r.writer, r.logger)
	r.open[id] = st
	return st, nil
}

// validSession accepts ids that are safe as file names.
func validSession(id string) bool {
	if id == "" || len(id) > 128 || id[0] == '.' {
		return false
	}
	for _, c := range id {
		ok := c == '-' || c == '_' || c == '.' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !ok {
			return false
		}
	}
	return true
}

// IDs lists session ids that are open or present on disk.
func (r *Sessions) IDs() []string {
	seen := make(map[string]bool)
	r.mu.Lock()
	for id := range r.open {
		seen[id] = true
	}
	r.mu.Unlock()
	if entries, err := os.ReadDir(r.dir); err == nil {
		for _, e := range entries {
			if name := e.Name(); !e.IsDir() && strings.HasSuffix(name, ".jsonl") {
				seen[strings.TrimSuffix(name, ".jsonl")] = true
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
