package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamPrefix = "aide:agent:"
	directoryKey = "aide:agents"
)

// RedisBus carries messages over Redis Streams so agents in different processes
// can share one bus. Each endpoint reads its own stream; the directory set lists
// the endpoints that are currently registered.
type RedisBus struct {
	rdb     *redis.Client
	mu      sync.Mutex
	readers map[string]context.CancelFunc
	wg      sync.WaitGroup
	subs    *listeners
	logger  *zap.Logger
}

// NewRedisBus connects to redisURL and verifies the connection.
func NewRedisBus(redisURL string, logger *zap.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBus{
		rdb:     rdb,
		readers: make(map[string]context.CancelFunc),
		subs:    newListeners(logger),
		logger:  logger,
	}, nil
}

func (b *RedisBus) Register(name string) (<-chan *Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.readers[name]; ok {
		return nil, fmt.Errorf("register %s: already registered", name)
	}
	if err := b.rdb.SAdd(context.Background(), directoryKey, name).Err(); err != nil {
		return nil, fmt.Errorf("register %s: %w", name, err)
	}

	// Start after the newest entry present now so messages published right
	// after Register returns are not missed, and older ones are not replayed.
	stream := streamPrefix + name
	lastID := "0-0"
	last, err := b.rdb.XRevRangeN(context.Background(), stream, "+", "-", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", name, err)
	}
	if len(last) > 0 {
		lastID = last[0].ID
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.readers[name] = cancel
	ch := make(chan *Message, DefaultInboxSize)
	b.wg.Add(1)
	go b.read(ctx, stream, lastID, ch)
	return ch, nil
}

func (b *RedisBus) Unregister(name string) {
	b.mu.Lock()
	cancel, ok := b.readers[name]
	delete(b.readers, name)
	b.mu.Unlock()
	if !ok {
		return
	}
	cancel()
	if err := b.rdb.SRem(context.Background(), directoryKey, name).Err(); err != nil {
		b.logger.Warn("unregister endpoint", zap.String("name", name), zap.Error(err))
	}
}

func (b *RedisBus) Subscribe(msgType string, fn Listener) {
	b.subs.add(msgType, fn)
}

func (b *RedisBus) Publish(ctx context.Context, msg *Message) error {
	stamp(msg)
	b.subs.notify(msg)

	if msg.To == Broadcast {
		names, err := b.rdb.SMembers(ctx, directoryKey).Result()
		if err != nil {
			return fmt.Errorf("list endpoints: %w", err)
		}
		for _, name := range names {
			if name == msg.From {
				continue
			}
			if err := b.xadd(ctx, name, msg); err != nil {
				return err
			}
		}
		return nil
	}

	known, err := b.rdb.SIsMember(ctx, directoryKey, msg.To).Result()
	if err != nil {
		return fmt.Errorf("lookup %s: %w", msg.To, err)
	}
	if !known {
		b.logger.Warn("message to unknown recipient",
			zap.String("from", msg.From),
			zap.String("to", msg.To))
		return fmt.Errorf("publish to %s: %w", msg.To, ErrUnknownRecipient)
	}
	return b.xadd(ctx, msg.To, msg)
}

func (b *RedisBus) xadd(ctx context.Context, name string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	stream := streamPrefix + name
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	b.logger.Debug("published message",
		zap.String("from", msg.From),
		zap.String("to", name),
		zap.String("type", msg.Type))
	return nil
}

func (b *RedisBus) read(ctx context.Context, stream, lastID string, ch chan<- *Message) {
	defer b.wg.Done()
	defer close(ch)

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   10,
			Block:   2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
				return
			}
			if errors.Is(err, redis.Nil) {
				failures = 0
				continue
			}
			failures++
			wait := readBackoff(failures)
			b.logger.Warn("xread failed", zap.String("stream", stream), zap.Duration("retry_in", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		failures = 0

		for _, r := range results {
			for _, m := range r.Messages {
				lastID = m.ID
				data, ok := m.Values["data"].(string)
				if !ok {
					continue
				}
				var msg Message
				if json.Unmarshal([]byte(data), &msg) != nil {
					continue
				}
				select {
				case ch <- &msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Close stops every reader and closes the Redis connection.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	names := make([]string, 0, len(b.readers))
	for name := range b.readers {
		names = append(names, name)
	}
	b.mu.Unlock()
	for _, name := range names {
		b.Unregister(name)
	}
	b.wg.Wait()
	return b.rdb.Close()
}

// readBackoff doubles from 100ms per consecutive failure, capped at 5s.
func readBackoff(failures int) time.Duration {
	d := 100 * time.Millisecond
	for i := 1; i < failures && d < 5*time.Second; i++ {
		d *= 2
	}
	return min(d, 5*time.Second)
}
