package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/aide/internal/memory"
	"github.com/nidhogg/aide/internal/notify"
	"github.com/nidhogg/aide/internal/task"
)

func newMemoryAgent(t *testing.T) (*BaseAgent, MemoryStores) {
	t.Helper()
	w := memory.NewWriter(zap.NewNop())
	t.Cleanup(func() { w.Close() })

	u, err := memory.NewUnified(memory.UnifiedConfig{Dir: t.TempDir()}, w, zap.NewNop())
	if err != nil {
		t.Fatalf("NewUnified: %v", err)
	}
	stores := MemoryStores{
		Unified:  u,
		Enhanced: memory.NewEnhanced(memory.DefaultEnhancedConfig(), nil, zap.NewNop()),
	}
	return NewMemoryAgent(stores, nil, DefaultConfig(), zap.NewNop()), stores
}

func run(t *testing.T, a *BaseAgent, taskType, content string, params map[string]any) *task.Result {
	t.Helper()
	res, err := a.Execute(context.Background(), task.New(taskType, content, params, task.PriorityMedium))
	if err != nil {
		t.Fatalf("%s: %v", taskType, err)
	}
	return res
}

func TestMemoryAgentRememberRecallForget(t *testing.T) {
	a, stores := newMemoryAgent(t)

	res := run(t, a, "remember", "", map[string]any{"content": "周五交季度报告", "category": "work", "priority": float64(8)})
	noteID, _ := res.Data["note_id"].(string)
	if noteID == "" || !strings.Contains(res.Message, "周五交季度报告") {
		t.Fatalf("remember result = %+v", res)
	}
	if n := stores.Unified.Notes(); len(n) != 1 || n[0].Priority != 8 || n[0].Category != "work" {
		t.Errorf("note not stored: %+v", n)
	}
	if stores.Enhanced.Len() != 1 {
		t.Errorf("enhanced record missing")
	}

	res = run(t, a, "recall", "季度报告", nil)
	if !strings.Contains(res.Message, "周五交季度报告") {
		t.Errorf("recall = %q", res.Message)
	}
	if c, _ := res.Data["count"].(int); c != 1 {
		t.Errorf("duplicates across stores should collapse, count = %v", res.Data["count"])
	}

	res = run(t, a, "recall", "不存在的东西", nil)
	if !strings.Contains(res.Message, "没有找到") {
		t.Errorf("empty recall = %q", res.Message)
	}

	res = run(t, a, "forget", "", map[string]any{"id": noteID})
	if !strings.Contains(res.Message, "已删除") || len(stores.Unified.Notes()) != 0 {
		t.Errorf("forget = %q, notes left %d", res.Message, len(stores.Unified.Notes()))
	}
	res = run(t, a, "forget", "", map[string]any{"id": noteID})
	if !strings.Contains(res.Message, "未找到") {
		t.Errorf("second forget = %q", res.Message)
	}
}

func TestMemoryAgentMissingInput(t *testing.T) {
	a, _ := newMemoryAgent(t)
	for _, tt := range []string{"remember", "recall", "forget"} {
		res := run(t, a, tt, "", nil)
		if !res.IsCannotHandle() || res.CannotHandle.Agent != MemoryAgentName {
			t.Errorf("%s without input: want cannot_handle, got %+v", tt, res)
		}
	}
}

func TestMemoryAgentProfile(t *testing.T) {
	a, stores := newMemoryAgent(t)

	run(t, a, "profile", "", map[string]any{"field": "city", "value": "杭州"})
	if got := stores.Unified.ProfileValue("city"); got != "杭州" {
		t.Errorf("city = %q", got)
	}
	res := run(t, a, "profile", "", map[string]any{"field": "city"})
	if res.Data["city"] != "杭州" {
		t.Errorf("profile read = %+v", res)
	}
	res = run(t, a, "profile", "", nil)
	if !strings.Contains(res.Message, "city: 杭州") {
		t.Errorf("profile listing = %q", res.Message)
	}
	res = run(t, a, "profile", "", map[string]any{"field": "shoe_size", "value": "42"})
	if !res.IsCannotHandle() {
		t.Errorf("unknown field should be cannot_handle, got %+v", res)
	}
}

func TestMemoryAgentPreference(t *testing.T) {
	a, stores := newMemoryAgent(t)

	run(t, a, "preference", "", map[string]any{"category": "food", "key": "coffee", "value": "美式"})
	if v, ok := stores.Unified.Preference("food", "coffee"); !ok || v != "美式" {
		t.Errorf("preference = %q %v", v, ok)
	}
	res := run(t, a, "preference", "", map[string]any{"category": "food", "key": "coffee"})
	if res.Data["value"] != "美式" {
		t.Errorf("lookup = %+v", res)
	}
	res = run(t, a, "preference", "", nil)
	if !strings.Contains(res.Message, "food:coffee: 美式") {
		t.Errorf("listing = %q", res.Message)
	}
}

type fakeNotifier struct {
	sent []notify.Notification
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, n notify.Notification) (notify.Record, error) {
	if f.err != nil {
		return notify.Record{}, f.err
	}
	f.sent = append(f.sent, n)
	return notify.Record{Notification: n, Delivered: []string{"log"}}, nil
}

func TestNotifyAgent(t *testing.T) {
	out := &fakeNotifier{}
	a := NewNotifyAgent(out, nil, DefaultConfig(), zap.NewNop())

	res := run(t, a, "notification", "提醒: 开会", map[string]any{"message": "⏰ 十点开会", "user_id": "u1"})
	if len(out.sent) != 1 || out.sent[0].Content != "⏰ 十点开会" || out.sent[0].Title != "提醒: 开会" || out.sent[0].Recipient != "u1" {
		t.Fatalf("sent = %+v", out.sent)
	}
	if !strings.Contains(res.Message, "十点开会") {
		t.Errorf("result = %q", res.Message)
	}

	res = run(t, a, "send_email", "生日祝福", map[string]any{"subject": "生日快乐"})
	if !res.IsCannotHandle() || res.CannotHandle.MissingInfo["recipient"] == "" {
		t.Errorf("send_email without recipient: %+v", res)
	}

	run(t, a, "send_email", "生日祝福", map[string]any{"recipient": "mom@example.com", "subject": "生日快乐", "body": "妈妈生日快乐"})
	last := out.sent[len(out.sent)-1]
	if last.Kind != notify.KindEmail || last.Recipient != "mom@example.com" || last.Title != "生日快乐" {
		t.Errorf("email = %+v", last)
	}
}

func TestNotifyAgentDeliveryFailure(t *testing.T) {
	a := NewNotifyAgent(&fakeNotifier{err: errors.New("down")}, nil, DefaultConfig(), zap.NewNop())
	if _, err := a.Execute(context.Background(), task.New("notification", "x", nil, task.PriorityLow)); err == nil {
		t.Error("expected delivery error")
	}
}
