package bus

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestLocalBusDirect(t *testing.T) {
	b := NewLocalBus(zap.NewNop())
	inbox, err := b.Register("contact_agent")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := b.Register("contact_agent"); err == nil {
		t.Error("expected duplicate register to fail")
	}

	msg := NewMessage("email_agent", "contact_agent", TypeRequest, map[string]any{"name": "张三"})
	if err := b.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := <-inbox
	if got.ID != msg.ID || got.Payload["name"] != "张三" {
		t.Errorf("unexpected message %+v", got)
	}
}

func TestLocalBusUnknownRecipient(t *testing.T) {
	b := NewLocalBus(zap.NewNop())
	err := b.Publish(context.Background(), NewMessage("a", "nobody", TypeRequest, nil))
	if !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("expected ErrUnknownRecipient, got %v", err)
	}
}

func TestLocalBusBroadcastSkipsSender(t *testing.T) {
	b := NewLocalBus(zap.NewNop())
	master, _ := b.Register("master")
	a, _ := b.Register("a")
	c, _ := b.Register("c")

	if err := b.Publish(context.Background(), &Message{From: "master", To: Broadcast, Type: TypeNotification}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(a) != 1 || len(c) != 1 {
		t.Errorf("expected one message per receiver, got a=%d c=%d", len(a), len(c))
	}
	if len(master) != 0 {
		t.Error("sender received its own broadcast")
	}
}

func TestLocalBusListenersRecover(t *testing.T) {
	b := NewLocalBus(zap.NewNop())
	_, _ = b.Register("master")

	var seen int
	b.Subscribe(TypeTaskCompleted, func(*Message) { panic("boom") })
	b.Subscribe(TypeTaskCompleted, func(*Message) { seen++ })

	if err := b.Publish(context.Background(), NewMessage("a", "master", TypeTaskCompleted, nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if seen != 1 {
		t.Errorf("second listener ran %d times", seen)
	}
}

func TestLocalBusFullInboxDrops(t *testing.T) {
	b := NewLocalBus(zap.NewNop())
	b.inboxSize = 1
	inbox, _ := b.Register("x")
	for i := 0; i < 3; i++ {
		if err := b.Publish(context.Background(), NewMessage("y", "x", TypeRequest, nil)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if len(inbox) != 1 {
		t.Errorf("expected 1 buffered message, got %d", len(inbox))
	}
}

func TestLocalBusUnregisterClosesInbox(t *testing.T) {
	b := NewLocalBus(zap.NewNop())
	inbox, _ := b.Register("x")
	b.Unregister("x")
	if _, ok := <-inbox; ok {
		t.Error("inbox still open")
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Register("y"); err == nil {
		t.Error("register after close succeeded")
	}
}
