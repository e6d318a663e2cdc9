// Package notify fans outbound notifications out to delivery sinks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind categorizes a notification.
type Kind string

const (
	KindReminder     Kind = "reminder"
	KindNotification Kind = "notification"
	KindEmail        Kind = "email"
	KindTaskComplete Kind = "task_complete"
)

// Notification is one outbound message.
type Notification struct {
	Kind      Kind     `json:"kind"`
	Title     string   `json:"title,omitempty"`
	Content   string   `json:"content"`
	Recipient string   `json:"recipient,omitempty"`
	AgentID   string   `json:"agent_id,omitempty"`
	Priority  int      `json:"priority,omitempty"`
	Sinks     []string `json:"sinks,omitempty"` // empty means every sink
}

// Text renders the notification as a single message body.
func (n Notification) Text() string {
	if n.Title == "" {
		return n.Content
	}
	return fmt.Sprintf("[%s] %s\n%s", n.Kind, n.Title, n.Content)
}

// Sink delivers notifications to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	Close() error
}

// ErrNoSink is returned when a notification names no registered sink.
var ErrNoSink = errors.New("no matching notification sink")

// Record is a delivered notification kept for inspection.
type Record struct {
	Notification Notification `json:"notification"`
	SentAt       time.Time    `json:"sent_at"`
	Delivered    []string     `json:"delivered"`
	Failed       []string     `json:"failed,omitempty"`
}

const defaultHistory = 100

// Broadcaster sends each notification to every matching sink.
type Broadcaster struct {
	mu      sync.RWMutex
	sinks   []Sink
	history []Record
	max     int
	logger  *zap.Logger
}

// NewBroadcaster creates a broadcaster with no sinks.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{max: defaultHistory, logger: logger}
}

// Register adds a sink. A sink with the same name replaces the old one.
func (b *Broadcaster) Register(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, old := range b.sinks {
		if old.Name() == s.Name() {
			b.sinks[i] = s
			return
		}
	}
	b.sinks = append(b.sinks, s)
	b.logger.Info("registered notification sink", zap.String("sink", s.Name()))
}

// Sinks returns the registered sink names in registration order.
func (b *Broadcaster) Sinks() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.sinks))
	for i, s := range b.sinks {
		names[i] = s.Name()
	}
	return names
}

func (b *Broadcaster) targets(n Notification) []Sink {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(n.Sinks) == 0 {
		return append([]Sink(nil), b.sinks...)
	}
	want := make(map[string]bool, len(n.Sinks))
	for _, name := range n.Sinks {
		want[name] = true
	}
	var out []Sink
	for _, s := range b.sinks {
		if want[s.Name()] {
			out = append(out, s)
		}
	}
	return out
}

// Send delivers n. It fails only when no sink accepted the notification.
func (b *Broadcaster) Send(ctx context.Context, n Notification) (Record, error) {
	if n.Kind == "" {
		n.Kind = KindNotification
	}
	rec := Record{Notification: n, SentAt: time.Now()}

	targets := b.targets(n)
	if len(targets) == 0 {
		return rec, ErrNoSink
	}

	var errs []error
	for _, s := range targets {
		if err := s.Send(ctx, n); err != nil {
			b.logger.Warn("notification delivery failed",
				zap.String("sink", s.Name()), zap.String("kind", string(n.Kind)), zap.Error(err))
			rec.Failed = append(rec.Failed, s.Name())
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		rec.Delivered = append(rec.Delivered, s.Name())
	}

	b.mu.Lock()
	b.history = append(b.history, rec)
	if len(b.history) > b.max {
		b.history = b.history[len(b.history)-b.max:]
	}
	b.mu.Unlock()

	if len(rec.Delivered) == 0 {
		return rec, fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return rec, nil
}

// History returns the last limit records, oldest first. limit <= 0 returns all.
func (b *Broadcaster) History(limit int) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	return append([]Record(nil), b.history[len(b.history)-limit:]...)
}

// Close closes every sink.
func (b *Broadcaster) Close() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var errs []error
	for _, s := range b.sinks {
		if err := s.Close(); err != nil {
			b.logger.Error("sink close failed", zap.String("sink", s.Name()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes notifications to the logger. It is always available.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink { return &LogSink{logger: logger} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, n Notification) error {
	s.logger.Info("notification",
		zap.String("kind", string(n.Kind)),
		zap.String("title", n.Title),
		zap.String("recipient", n.Recipient),
		zap.String("content", n.Content),
	)
	return nil
}

func (s *LogSink) Close() error { return nil }
