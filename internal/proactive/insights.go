package proactive

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Insight is an observation about a user's habits, such as repeated weather queries.
type Insight struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Type       string    `json:"insight_type"`
	Content    string    `json:"content"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// InsightStore persists insights.
type InsightStore interface {
	SaveInsight(ctx context.Context, in Insight) error
	Insights(ctx context.Context, userID string) ([]Insight, error)
}

// Normalize fills id and timestamp and clamps confidence to [0,1].
func (in *Insight) Normalize(now time.Time) {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	switch {
	case in.Confidence < 0:
		in.Confidence = 0
	case in.Confidence > 1:
		in.Confidence = 1
	}
}

// InsightLog is an in-process InsightStore.
type InsightLog struct {
	mu     sync.RWMutex
	byUser map[string][]Insight
}

// NewInsightLog creates an empty log.
func NewInsightLog() *InsightLog {
	return &InsightLog{byUser: make(map[string][]Insight)}
}

func (l *InsightLog) SaveInsight(_ context.Context, in Insight) error {
	in.Normalize(time.Now())
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byUser[in.UserID] = append(l.byUser[in.UserID], in)
	return nil
}

func (l *InsightLog) Insights(_ context.Context, userID string) ([]Insight, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Insight(nil), l.byUser[userID]...), nil
}
