package memory

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newLearner(t *testing.T) (*Learner, *Unified) {
	t.Helper()
	u := newUnified(t, t.TempDir(), newWriter(t))
	l := NewLearner(u, nil, zap.NewNop())
	l.now = fixedClock(base) // Tuesday 2026-03-10
	return l, u
}

func TestLearnerNameIsNotOverwritten(t *testing.T) {
	l, u := newLearner(t)
	res := l.LearnFromMessage(RoleUser, "我叫张三")
	if !res.Learned || u.ProfileValue("name") != "张三" {
		t.Fatalf("name not learned: %+v", res)
	}
	res = l.LearnFromMessage(RoleUser, "我叫李四")
	if u.ProfileValue("name") != "张三" {
		t.Errorf("name overwritten with %q", u.ProfileValue("name"))
	}
	if len(res.Profile) != 0 {
		t.Errorf("conflicting value reported as update: %+v", res.Profile)
	}
}

func TestLearnerProfileFields(t *testing.T) {
	tests := []struct {
		msg, field, want string
	}{
		{"我的邮箱是 zhang@example.com", "email", "zhang@example.com"},
		{"我的手机是13812345678", "phone", "13812345678"},
		{"我的生日是5月3日", "birthday", "2026-05-03"},
		{"我的生日是1990年5月3日", "birthday", "1990-05-03"},
		{"我住在杭州市", "city", "杭州"},
		{"我的公司是阿里", "company", "阿里"},
		{"大家叫我小张", "nickname", "小张"},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			l, u := newLearner(t)
			l.LearnFromMessage(RoleUser, tt.msg)
			if got := u.ProfileValue(tt.field); got != tt.want {
				t.Errorf("%s = %q, want %q", tt.field, got, tt.want)
			}
		})
	}
}

func TestLearnerPreferences(t *testing.T) {
	l, u := newLearner(t)
	l.LearnFromMessage(RoleUser, "请简洁一点")
	if v, _ := u.Preference("preference", "communication_style"); v != "简洁回复" {
		t.Errorf("communication_style = %q", v)
	}
	l.LearnFromMessage(RoleUser, "请用英文回复")
	if v, _ := u.Preference("preference", "language"); v != "英文" {
		t.Errorf("language = %q", v)
	}
	l.LearnFromMessage(RoleUser, "我不喜欢香菜")
	if v, _ := u.Preference("preference", "general"); v != "不喜欢香菜" {
		t.Errorf("general = %q", v)
	}
}

func TestLearnerEventsAndNotes(t *testing.T) {
	l, u := newLearner(t)
	res := l.LearnFromMessage(RoleUser, "明天有会议")
	if len(res.Events) != 1 || res.Events[0].Date != "2026-03-11" || res.Events[0].Title != "会议" {
		t.Fatalf("tomorrow event = %+v", res.Events)
	}
	if len(res.Notes) != 0 {
		t.Errorf("short sentence should not become a note: %v", res.Notes)
	}

	res = l.LearnFromMessage(RoleUser, "下周三要面试")
	if len(res.Events) != 1 || res.Events[0].Date != "2026-03-18" {
		t.Errorf("next-week event = %+v", res.Events)
	}
	if len(res.Notes) != 1 || res.Notes[0] != "下周三要面试" {
		t.Errorf("notes = %v", res.Notes)
	}
	notes := u.Notes()
	if len(notes) != 1 || notes[0].Priority != 7 || notes[0].Category != "important" || notes[0].Source != "auto_extracted" {
		t.Errorf("stored note = %+v", notes)
	}

	events := u.ListEvents()
	if len(events) != 2 || events[0].Type != "user_mentioned" {
		t.Errorf("stored events = %+v", events)
	}

	res = l.LearnFromMessage(RoleUser, "2026年12月25日是圣诞节")
	if len(res.Events) != 1 || res.Events[0].Date != "2026-12-25" || res.Events[0].Title != "圣诞节" {
		t.Errorf("absolute date event = %+v", res.Events)
	}
}

func TestLearnerIgnoresAssistant(t *testing.T) {
	l, u := newLearner(t)
	res := l.LearnFromMessage(RoleAssistant, "我叫助手")
	if res.Learned || res.Reason == "" || u.ProfileValue("name") != "" {
		t.Errorf("assistant message learned: %+v", res)
	}
}

func TestLearnFromConversation(t *testing.T) {
	l, u := newLearner(t)
	res := l.LearnFromConversation([]Message{
		{Role: RoleUser, Content: "我叫王五"},
		{Role: RoleAssistant, Content: "你好王五"},
		{Role: RoleUser, Content: "今天天气如何"},
		{Role: RoleUser, Content: "请详细一点"},
	})
	if res.Messages != 2 || !res.Learned {
		t.Errorf("learned from %d messages", res.Messages)
	}
	if u.ProfileValue("name") != "王五" {
		t.Errorf("name = %q", u.ProfileValue("name"))
	}
}

type stubExtractor struct{ ex Extraction }

func (s stubExtractor) Extract(string, time.Time) Extraction { return s.ex }

func TestLearnerUsesPluggableExtractor(t *testing.T) {
	u := newUnified(t, t.TempDir(), newWriter(t))
	l := NewLearner(u, stubExtractor{Extraction{
		Profile: []ProfileCandidate{{Field: "occupation", Value: "医生", Confidence: 1}},
	}}, zap.NewNop())
	l.LearnFromMessage(RoleUser, "anything")
	if u.ProfileValue("occupation") != "医生" {
		t.Error("custom extractor output not applied")
	}
}

func TestSummarize(t *testing.T) {
	if Summarize(nil) != "" {
		t.Error("empty conversation should have no summary")
	}
	got := Summarize([]Message{
		{Role: RoleUser, Content: "帮我查天气"},
		{Role: RoleUser, Content: "再查天气"},
		{Role: RoleUser, Content: "播放音乐"},
	})
	if got != "对话涉及: 用户请求查天气, 用户请求播放" {
		t.Errorf("summary = %q", got)
	}
	if got := Summarize([]Message{{Role: RoleUser, Content: "hi"}}); !strings.Contains(got, "1 条用户消息") {
		t.Errorf("fallback summary = %q", got)
	}
}
