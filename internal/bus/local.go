package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultInboxSize is the buffer of each LocalBus inbox.
const DefaultInboxSize = 64

// LocalBus is an in-process Bus backed by buffered channels. A full inbox drops
// the message with a warning rather than blocking the publisher.
type LocalBus struct {
	mu        sync.RWMutex
	inboxes   map[string]chan *Message
	inboxSize int
	closed    bool
	subs      *listeners
	logger    *zap.Logger
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus(logger *zap.Logger) *LocalBus {
	return &LocalBus{
		inboxes:   make(map[string]chan *Message),
		inboxSize: DefaultInboxSize,
		subs:      newListeners(logger),
		logger:    logger,
	}
}

func (b *LocalBus) Register(name string) (<-chan *Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("register %s: bus closed", name)
	}
	if _, ok := b.inboxes[name]; ok {
		return nil, fmt.Errorf("register %s: already registered", name)
	}
	ch := make(chan *Message, b.inboxSize)
	b.inboxes[name] = ch
	b.logger.Debug("bus endpoint registered", zap.String("name", name))
	return ch, nil
}

func (b *LocalBus) Unregister(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.inboxes[name]; ok {
		close(ch)
		delete(b.inboxes, name)
	}
}

func (b *LocalBus) Subscribe(msgType string, fn Listener) {
	b.subs.add(msgType, fn)
}

func (b *LocalBus) Publish(ctx context.Context, msg *Message) error {
	stamp(msg)
	b.subs.notify(msg)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if msg.To == Broadcast {
		for name, ch := range b.inboxes {
			if name == msg.From {
				continue
			}
			b.deliver(name, ch, msg)
		}
		return nil
	}

	ch, ok := b.inboxes[msg.To]
	if !ok {
		b.logger.Warn("message to unknown recipient",
			zap.String("from", msg.From),
			zap.String("to", msg.To),
			zap.String("type", msg.Type))
		return fmt.Errorf("publish to %s: %w", msg.To, ErrUnknownRecipient)
	}
	b.deliver(msg.To, ch, msg)
	return nil
}

// deliver must be called with b.mu held.
func (b *LocalBus) deliver(name string, ch chan *Message, msg *Message) {
	select {
	case ch <- msg:
	default:
		b.logger.Warn("inbox full, message dropped",
			zap.String("to", name),
			zap.String("type", msg.Type))
	}
}

// Endpoints lists registered inbox names.
func (b *LocalBus) Endpoints() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.inboxes))
	for name := range b.inboxes {
		out = append(out, name)
	}
	return out
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, ch := range b.inboxes {
		close(ch)
		delete(b.inboxes, name)
	}
	b.closed = true
	return nil
}
