package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Broadcast is the recipient that addresses every registered endpoint except the sender.
const Broadcast = "*"

// Well-known message types.
const (
	TypeTaskCompleted = "task_completed"
	TypeNotification  = "notification"
	TypeRequest       = "request"
	TypeResponse      = "response"
)

// ErrUnknownRecipient is returned when a message names an endpoint no one registered.
var ErrUnknownRecipient = errors.New("unknown recipient")

// Message is passed between agents.
type Message struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage fills in id and timestamp.
func NewMessage(from, to, msgType string, payload map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Listener observes every message of a type published through a bus.
type Listener func(msg *Message)

// Bus is the asynchronous channel agents use to talk to each other.
type Bus interface {
	// Register creates an inbox for name. The channel is closed on Unregister or Close.
	Register(name string) (<-chan *Message, error)
	Unregister(name string)
	// Publish delivers msg to its recipient's inbox, or to every other inbox when To is Broadcast.
	Publish(ctx context.Context, msg *Message) error
	// Subscribe adds a listener for a message type. Listeners run on the publisher's goroutine.
	Subscribe(msgType string, fn Listener)
	Close() error
}

// listeners is shared by the bus implementations.
type listeners struct {
	mu     sync.RWMutex
	byType map[string][]Listener
	logger *zap.Logger
}

func newListeners(logger *zap.Logger) *listeners {
	return &listeners{byType: make(map[string][]Listener), logger: logger}
}

func (l *listeners) add(msgType string, fn Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byType[msgType] = append(l.byType[msgType], fn)
}

func (l *listeners) notify(msg *Message) {
	l.mu.RLock()
	fns := append([]Listener(nil), l.byType[msg.Type]...)
	l.mu.RUnlock()

	for _, fn := range fns {
		l.call(fn, msg)
	}
}

func (l *listeners) call(fn Listener, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("bus listener panicked",
				zap.String("type", msg.Type),
				zap.Any("panic", r))
		}
	}()
	fn(msg)
}

func stamp(msg *Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
}
