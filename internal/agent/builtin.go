package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/aide/internal/bus"
	"github.com/nidhogg/aide/internal/memory"
	"github.com/nidhogg/aide/internal/notify"
	"github.com/nidhogg/aide/internal/task"
)

// Builtin agent names.
const (
	MemoryAgentName = "memory_agent"
	NotifyAgentName = "notify_agent"
)

// MemoryStores is what the memory agent reads and writes. Only Unified is
// required.
type MemoryStores struct {
	Unified  *memory.Unified
	LongTerm *memory.LongTerm
	Enhanced *memory.Enhanced
}

type memoryAgent struct {
	*BaseAgent
	stores MemoryStores
}

// NewMemoryAgent builds the agent handling remember, recall, profile,
// forget and preference tasks.
func NewMemoryAgent(stores MemoryStores, b bus.Bus, cfg Config, logger *zap.Logger) *BaseAgent {
	m := &memoryAgent{BaseAgent: NewBase(MemoryAgentName, b, cfg, logger), stores: stores}

	m.MustHandle("remember", "记住一条信息", ObjectSchema(map[string]string{
		"content":  "要记住的内容",
		"category": "分类",
		"priority": "重要程度 1-10",
	}, "content"), "memory", m.remember)
	m.MustHandle("recall", "检索相关记忆", ObjectSchema(map[string]string{
		"query": "查询内容",
	}, "query"), "memory", m.recall)
	m.MustHandle("profile", "查看或更新用户资料", ObjectSchema(map[string]string{
		"field": "资料字段",
		"value": "新值",
	}), "memory", m.profile)
	m.MustHandle("forget", "删除一条记忆", ObjectSchema(map[string]string{
		"id": "记忆 ID",
	}, "id"), "memory", m.forget)
	m.MustHandle("preference", "查看或记录偏好", ObjectSchema(map[string]string{
		"category": "偏好分类",
		"key":      "偏好名",
		"value":    "偏好值",
	}), "memory", m.preference)
	return m.BaseAgent
}

func (m *memoryAgent) remember(ctx context.Context, t *task.Task) (*task.Result, error) {
	content := paramOr(t, "content", t.Content)
	if content == "" {
		return task.Unable(m.Name(), "缺少要记住的内容", "", map[string]string{"content": "要记住的内容"}), nil
	}
	category := paramOr(t, "category", "general")
	priority := intParam(t, "priority", 5)

	note := m.stores.Unified.AddNote(memory.Note{
		Content:  content,
		Category: category,
		Priority: priority,
		Source:   MemoryAgentName,
	})
	data := map[string]any{"note_id": note.ID}

	if m.stores.Enhanced != nil {
		data["record_id"] = m.stores.Enhanced.Add(ctx, content, memory.AddOptions{
			Category: category,
			Priority: priority,
			Source:   MemoryAgentName,
		})
	}
	if m.stores.LongTerm != nil {
		id, err := m.stores.LongTerm.Add(ctx, content, map[string]string{"category": category, "note_id": note.ID})
		if err != nil {
			m.logger.Warn("long-term store failed", zap.String("note", note.ID), zap.Error(err))
		} else {
			data["item_id"] = id
		}
	}
	return task.Structured("✅ 已记住: "+content, data), nil
}

func (m *memoryAgent) recall(ctx context.Context, t *task.Task) (*task.Result, error) {
	query := paramOr(t, "query", t.Content)
	if query == "" {
		return task.Unable(m.Name(), "缺少查询内容", "", map[string]string{"query": "要查询的内容"}), nil
	}

	var lines []string
	seen := make(map[string]bool)
	add := func(prefix, content string) {
		if seen[content] {
			return
		}
		seen[content] = true
		lines = append(lines, fmt.Sprintf("- [%s] %s", prefix, content))
	}

	for _, h := range m.stores.Unified.Search(query, 5) {
		add(h.Type, h.Content)
	}
	if m.stores.LongTerm != nil {
		items, err := m.stores.LongTerm.Search(ctx, query, 5)
		if err != nil {
			m.logger.Warn("long-term search failed", zap.Error(err))
		}
		for _, it := range items {
			add("long_term", it.Content)
		}
	}
	if m.stores.Enhanced != nil {
		for _, r := range m.stores.Enhanced.Search(ctx, query, memory.SearchOptions{Limit: 5}) {
			add(r.Category, r.Content)
		}
	}

	if len(lines) == 0 {
		return task.Textf("没有找到与「%s」相关的记忆", query), nil
	}
	return task.Structured(fmt.Sprintf("找到 %d 条相关记忆:\n%s", len(lines), strings.Join(lines, "\n")),
		map[string]any{"count": len(lines)}), nil
}

func (m *memoryAgent) profile(_ context.Context, t *task.Task) (*task.Result, error) {
	u := m.stores.Unified
	field := t.StringParam("field")
	if field == "" {
		p := u.Profile()
		data := make(map[string]any, len(memory.ProfileFields))
		var lines []string
		for _, f := range memory.ProfileFields {
			if v := p.Get(f); v != "" {
				data[f] = v
				lines = append(lines, fmt.Sprintf("- %s: %s", f, v))
			}
		}
		if len(lines) == 0 {
			return task.Structured("尚未记录用户资料", data), nil
		}
		return task.Structured("用户资料:\n"+strings.Join(lines, "\n"), data), nil
	}

	value, set := t.Params["value"].(string)
	if !set {
		if v := u.ProfileValue(field); v != "" {
			return task.Structured(fmt.Sprintf("%s: %s", field, v), map[string]any{field: v}), nil
		}
		return task.Textf("尚未记录 %s", field), nil
	}
	if err := u.SetProfileField(field, value); err != nil {
		if errors.Is(err, memory.ErrUnknownField) {
			return task.Unable(m.Name(), fmt.Sprintf("未知的资料字段: %s", field), "", nil), nil
		}
		return nil, err
	}
	return task.Textf("✅ 已更新 %s: %s", field, value), nil
}

func (m *memoryAgent) forget(ctx context.Context, t *task.Task) (*task.Result, error) {
	id := paramOr(t, "id", "")
	if id == "" {
		return task.Unable(m.Name(), "缺少记忆 ID", "", map[string]string{"id": "要删除的记忆 ID"}), nil
	}

	removed := false
	try := func(err error) error {
		switch {
		case err == nil:
			removed = true
			return nil
		case errors.Is(err, memory.ErrNotFound):
			return nil
		default:
			return err
		}
	}
	if err := try(m.stores.Unified.RemoveNote(id)); err != nil {
		return nil, err
	}
	if err := try(m.stores.Unified.RemoveEvent(id)); err != nil {
		return nil, err
	}
	if m.stores.Enhanced != nil {
		if err := try(m.stores.Enhanced.Delete(ctx, id)); err != nil {
			return nil, err
		}
	}
	if m.stores.LongTerm != nil {
		if err := try(m.stores.LongTerm.Delete(ctx, id)); err != nil {
			return nil, err
		}
	}

	if !removed {
		return task.Textf("未找到记忆: %s", id), nil
	}
	return task.Textf("🗑️ 已删除记忆: %s", id), nil
}

func (m *memoryAgent) preference(_ context.Context, t *task.Task) (*task.Result, error) {
	u := m.stores.Unified
	category := paramOr(t, "category", "general")
	key := t.StringParam("key")

	if key == "" {
		prefs := u.Preferences()
		if len(prefs) == 0 {
			return task.Text("尚未记录任何偏好"), nil
		}
		lines := make([]string, 0, len(prefs))
		for _, p := range prefs {
			lines = append(lines, fmt.Sprintf("- %s: %s", p.QualifiedKey(), p.Value))
		}
		return task.Structured("用户偏好:\n"+strings.Join(lines, "\n"), map[string]any{"count": len(prefs)}), nil
	}

	value := t.StringParam("value")
	if value == "" {
		if v, ok := u.Preference(category, key); ok {
			return task.Structured(fmt.Sprintf("%s:%s = %s", category, key, v), map[string]any{"value": v}), nil
		}
		return task.Textf("尚未记录偏好 %s:%s", category, key), nil
	}

	p := u.SetPreference(memory.Preference{
		Category:   category,
		Key:        key,
		Value:      value,
		Confidence: floatParam(t, "confidence", 0.9),
		Source:     "explicit",
	})
	return task.Textf("✅ 已记录偏好 %s = %s", p.QualifiedKey(), p.Value), nil
}

// Notifier delivers outbound notifications.
type Notifier interface {
	Send(ctx context.Context, n notify.Notification) (notify.Record, error)
}

type notifyAgent struct {
	*BaseAgent
	out Notifier
}

// NewNotifyAgent builds the agent handling notification and send_email tasks.
func NewNotifyAgent(out Notifier, b bus.Bus, cfg Config, logger *zap.Logger) *BaseAgent {
	n := &notifyAgent{BaseAgent: NewBase(NotifyAgentName, b, cfg, logger), out: out}

	n.MustHandle("notification", "向用户推送通知", ObjectSchema(map[string]string{
		"message": "通知内容",
		"user_id": "用户",
	}, "message"), "communication", n.notification)
	n.MustHandle("send_email", "发送邮件", ObjectSchema(map[string]string{
		"recipient": "收件人邮箱",
		"subject":   "主题",
		"body":      "正文",
	}, "recipient"), "communication", n.sendEmail)
	n.OnMessage(bus.TypeNotification, n.relay)
	return n.BaseAgent
}

func (n *notifyAgent) notification(ctx context.Context, t *task.Task) (*task.Result, error) {
	message := paramOr(t, "message", t.Content)
	if message == "" {
		return task.Unable(n.Name(), "缺少通知内容", "", map[string]string{"message": "通知内容"}), nil
	}
	title := ""
	if message != t.Content {
		title = t.Content
	}
	rec, err := n.out.Send(ctx, notify.Notification{
		Kind:      notify.KindNotification,
		Title:     title,
		Content:   message,
		Recipient: t.StringParam("user_id"),
		AgentID:   n.Name(),
		Priority:  int(t.Priority),
	})
	if err != nil {
		return nil, fmt.Errorf("send notification: %w", err)
	}
	return task.Structured("📢 已发送通知: "+message, map[string]any{"delivered": rec.Delivered}), nil
}

func (n *notifyAgent) sendEmail(ctx context.Context, t *task.Task) (*task.Result, error) {
	recipient := t.StringParam("recipient")
	if recipient == "" {
		return task.Unable(n.Name(), "缺少收件人邮箱", "", map[string]string{"recipient": "收件人邮箱地址"}), nil
	}
	subject := paramOr(t, "subject", t.Content)
	body := paramOr(t, "body", t.Content)

	rec, err := n.out.Send(ctx, notify.Notification{
		Kind:      notify.KindEmail,
		Title:     subject,
		Content:   body,
		Recipient: recipient,
		AgentID:   n.Name(),
		Priority:  int(t.Priority),
	})
	if err != nil {
		return nil, fmt.Errorf("send email to %s: %w", recipient, err)
	}
	return task.Structured(fmt.Sprintf("📧 已发送邮件给 %s: %s", recipient, subject),
		map[string]any{"recipient": recipient, "delivered": rec.Delivered}), nil
}

// relay forwards notification messages from the bus, such as master broadcasts.
func (n *notifyAgent) relay(ctx context.Context, msg *bus.Message) {
	text, _ := msg.Payload["text"].(string)
	if text == "" {
		text, _ = msg.Payload["message"].(string)
	}
	if text == "" {
		return
	}
	if _, err := n.out.Send(ctx, notify.Notification{Kind: notify.KindNotification, Content: text, AgentID: msg.From}); err != nil {
		n.logger.Warn("relay notification failed", zap.String("from", msg.From), zap.Error(err))
	}
}

func paramOr(t *task.Task, key, def string) string {
	if v := strings.TrimSpace(t.StringParam(key)); v != "" {
		return v
	}
	return def
}

// intParam accepts JSON numbers and numeric strings.
func intParam(t *task.Task, key string, def int) int {
	switch v := t.Params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func floatParam(t *task.Task, key string, def float64) float64 {
	switch v := t.Params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
