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
	"unicode/utf8"

	"go.uber.org/zap"
)

// HistoryMessage is one turn in the cross-session history.
type HistoryMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
}

// HistorySink mirrors history turns to an external store.
type HistorySink interface {
	AppendHistory(ctx context.Context, m HistoryMessage) error
}

// History is the process-wide conversation log across all sessions,
// persisted to {dir}/all_history.json.
type History struct {
	mu       sync.RWMutex
	messages []HistoryMessage
	path     string

	sink   HistorySink
	writer *Writer
	now    func() time.Time
	logger *zap.Logger
}

type historyFile struct {
	Messages  []HistoryMessage `json:"messages"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewHistory loads the history file. A corrupt file is logged and the
// history starts empty; sink may be nil.
func NewHistory(dir string, sink HistorySink, w *Writer, logger *zap.Logger) *History {
	h := &History{
		path:   filepath.Join(dir, "all_history.json"),
		sink:   sink,
		writer: w,
		now:    time.Now,
		logger: logger,
	}
	data, err := os.ReadFile(h.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		logger.Error("read history failed", zap.Error(err))
	default:
		var f historyFile
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Error("decode history failed", zap.Error(err))
		} else {
			h.messages = f.Messages
		}
	}
	return h
}

// persist must be called with mu held.
func (h *History) persist() {
	data, err := json.MarshalIndent(historyFile{Messages: h.messages, UpdatedAt: h.now()}, "", "  ")
	if err == nil {
		err = h.writer.Write(h.path, data)
	}
	if err != nil {
		h.logger.Warn("persist history failed", zap.Error(err))
	}
}

// Add records a turn. An empty session means "default". Sink failures are
// logged; the local log stays authoritative.
func (h *History) Add(ctx context.Context, role, content, session string) HistoryMessage {
	if session == "" {
		session = "default"
	}
	m := HistoryMessage{Role: role, Content: content, Timestamp: h.now(), SessionID: session}

	h.mu.Lock()
	h.messages = append(h.messages, m)
	h.persist()
	h.mu.Unlock()

	if h.sink != nil {
		if err := h.sink.AppendHistory(ctx, m); err != nil {
			h.logger.Warn("mirror history failed", zap.String("session", session), zap.Error(err))
		}
	}
	h.logger.Debug("history added", zap.String("role", role), zap.String("content", clip(content, 50)))
	return m
}

// Recent returns the last limit turns, oldest first. limit <= 0 means all.
func (h *History) Recent(limit int) []HistoryMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	src := h.messages
	if limit > 0 {
		src = tail(src, limit)
	}
	return append([]HistoryMessage(nil), src...)
}

// Text renders recent turns as prompt lines, skipping very short ones and
// clipping each to 300 characters.
func (h *History) Text(limit int) string {
	if limit <= 0 {
		limit = 30
	}
	var out []byte
	for _, m := range h.Recent(limit) {
		if utf8.RuneCountInString(m.Content) <= 5 {
			continue
		}
		who := "助手"
		if m.Role == RoleUser {
			who = "用户"
		}
		content := m.Content
		if utf8.RuneCountInString(content) > 300 {
			content = string([]rune(content)[:300])
		}
		if len(out) > 0 {
			out = append(out, '\n')
		}
		out = fmt.Appendf(out, "[%s] %s", who, content)
	}
	return string(out)
}

// Search returns turns containing keyword, most recent first. limit <= 0
// means 10.
func (h *History) Search(keyword string, limit int) []HistoryMessage {
	if limit <= 0 {
		limit = 10
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []HistoryMessage
	for i := len(h.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if containsFold(h.messages[i].Content, keyword) {
			out = append(out, h.messages[i])
		}
	}
	return out
}

// Count returns the number of turns.
func (h *History) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Clear drops every turn.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
	h.persist()
	h.logger.Warn("history cleared")
}
