package proactive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Listener receives loop ticks. An error or panic makes the loop wait the
// backoff duration instead of the regular interval before the next tick.
type Listener interface {
	OnTick(ctx context.Context, now time.Time) error
}

// Loop drives a Listener on a fixed interval. The first tick fires right after Start.
type Loop struct {
	name     string
	interval time.Duration
	backoff  time.Duration
	listener Listener
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger
}

// NewLoop creates a stopped loop.
func NewLoop(name string, interval, backoff time.Duration, l Listener, logger *zap.Logger) *Loop {
	if backoff <= 0 {
		backoff = interval
	}
	return &Loop{
		name:     name,
		interval: interval,
		backoff:  backoff,
		listener: l,
		now:      time.Now,
		logger:   logger,
	}
}

// Start begins the tick loop in a background goroutine. Calling Start on a
// running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
	l.logger.Info("loop started",
		zap.String("loop", l.name),
		zap.Duration("interval", l.interval))
}

// Stop halts the loop and waits for an in-flight tick to return.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.logger.Info("loop stopped", zap.String("loop", l.name))
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		wait := l.interval
		if err := l.tick(ctx); err != nil {
			l.logger.Error("loop tick failed",
				zap.String("loop", l.name),
				zap.Duration("retry_in", l.backoff),
				zap.Error(err))
			wait = l.backoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (l *Loop) tick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()
	return l.listener.OnTick(ctx, l.now())
}
