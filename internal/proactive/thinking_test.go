package proactive

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/aide/internal/task"
	"go.uber.org/zap"
)

type staticEvents []Event

func (s staticEvents) Events(context.Context, string) ([]Event, error) { return s, nil }

type failingEvents struct{}

func (failingEvents) Events(context.Context, string) ([]Event, error) {
	return nil, errors.New("db locked")
}

type staticContacts string

func (s staticContacts) UserEmail(context.Context, string) string { return string(s) }

func newEngine(events EventSource, dedupe bool) *ThinkingEngine {
	cfg := DefaultThinkingConfig()
	cfg.Dedupe = dedupe
	return NewThinkingEngine(events, nil, staticContacts("me@example.com"), cfg, zap.NewNop())
}

func TestBirthdayPolicy(t *testing.T) {
	now := at("2026-03-10 15:00")
	e := newEngine(staticEvents{
		{ID: "1", Type: "birthday", Date: "2026-03-10", Title: "妈妈"},
		{ID: "2", Type: "birthday", Date: "2026-03-11", Title: "爸爸"},
		{ID: "3", Type: "birthday", Date: "2026-03-13", Title: "朋友"},
	}, true)

	n, err := e.Think(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 tasks, got %d", n)
	}
	tasks := e.PendingTasks()
	greet, eve := tasks[0], tasks[1]
	if greet.Type != "send_email" || greet.Priority != task.PriorityHigh {
		t.Errorf("unexpected greeting %+v", greet)
	}
	if greet.StringParam("recipient") != "me@example.com" || greet.StringParam("subject") != "生日快乐！🎂" {
		t.Errorf("unexpected greeting params %v", greet.Params)
	}
	if !strings.Contains(greet.StringParam("body"), "亲爱的 妈妈") || !strings.Contains(greet.StringParam("body"), "2026年03月10日") {
		t.Errorf("unexpected body %q", greet.StringParam("body"))
	}
	if eve.Type != "notification" || eve.Priority != task.PriorityMedium ||
		eve.StringParam("message") != "明天是 爸爸 的生日，记得准备祝福！🎂" {
		t.Errorf("unexpected eve reminder %+v", eve.Params)
	}
}

func TestAnniversaryAndReminder(t *testing.T) {
	now := at("2026-06-01 12:00")
	e := newEngine(staticEvents{
		{ID: "a", Type: "anniversary", Date: "2026-06-01", Title: "结婚纪念日", Description: "十周年"},
		{ID: "a2", Type: "anniversary", Date: "2026-06-02", Title: "明天"},
		{ID: "r", Type: "reminder", Date: "2026-06-01", Title: "交房租", Description: "转账给房东"},
		{ID: "r2", Type: "reminder", Date: "2026-06-03", Title: "以后"},
		{ID: "g", Type: "general", Date: "2026-06-01", Title: "无策略"},
	}, true)

	if _, err := e.Think(context.Background(), now); err != nil {
		t.Fatal(err)
	}
	tasks := e.Drain()
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].Type != "send_email" || tasks[0].StringParam("subject") != "纪念日快乐！💕" ||
		!strings.Contains(tasks[0].StringParam("body"), "十周年") {
		t.Errorf("unexpected anniversary task %+v", tasks[0].Params)
	}
	if tasks[1].StringParam("message") != "⏰ 提醒: 转账给房东" || tasks[1].Priority != task.PriorityHigh {
		t.Errorf("unexpected reminder %+v", tasks[1].Params)
	}
	if len(e.PendingTasks()) != 0 {
		t.Error("drain left tasks queued")
	}
}

func TestRecurringBirthdayProjected(t *testing.T) {
	e := newEngine(staticEvents{{ID: "b", Type: "birthday", Date: "1990-03-10", Title: "我"}}, true)
	n, _ := e.Think(context.Background(), at("2026-03-10 08:00"))
	if n != 1 {
		t.Errorf("expected birthday projected onto this year, got %d tasks", n)
	}
}

func TestOccurrenceLeapDay(t *testing.T) {
	today := at("2027-02-01 00:00")
	ev := Event{Type: "birthday", Date: "2000-02-29"}
	date, _ := time.ParseInLocation("2006-01-02", ev.Date, time.UTC)
	got := occurrence(ev, date, today)
	if !got.Equal(at("2027-02-28 00:00")) {
		t.Errorf("got %s", got)
	}
}

func TestDedupeAcrossCycles(t *testing.T) {
	events := staticEvents{{ID: "r", Type: "reminder", Date: "2026-06-01", Title: "x"}}

	deduped := newEngine(events, true)
	for i := 0; i < 3; i++ {
		_, _ = deduped.Think(context.Background(), at("2026-06-01 08:00").Add(time.Duration(i)*time.Hour))
	}
	if got := len(deduped.PendingTasks()); got != 1 {
		t.Errorf("dedupe: expected 1 task, got %d", got)
	}

	additive := newEngine(events, false)
	for i := 0; i < 3; i++ {
		_, _ = additive.Think(context.Background(), at("2026-06-01 08:00").Add(time.Duration(i)*time.Hour))
	}
	if got := len(additive.PendingTasks()); got != 3 {
		t.Errorf("no dedupe: expected 3 tasks, got %d", got)
	}
}

func TestWeatherInsightThreshold(t *testing.T) {
	e := newEngine(nil, true)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := e.AddInsight(ctx, Insight{Type: "weather_query", Content: "北京天气", Confidence: 1.5}); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := e.Think(ctx, at("2026-06-02 12:00")); n != 0 {
		t.Errorf("fired at threshold: %d", n)
	}
	_ = e.AddInsight(ctx, Insight{Type: "weather_query"})
	if n, _ := e.Think(ctx, at("2026-06-02 13:00")); n != 1 {
		t.Errorf("expected weather push above threshold, got %d", n)
	}
	got := e.PendingTasks()[0]
	if got.Priority != task.PriorityLow || got.StringParam("message") != "🌤️ 今天天气不错，适合户外活动！" {
		t.Errorf("unexpected weather task %+v", got.Params)
	}
	ins, _ := e.insights.Insights(ctx, "gui_user")
	if ins[0].Confidence != 1 || ins[0].ID == "" {
		t.Errorf("insight not normalized: %+v", ins[0])
	}
}

func TestMonthlyGoalOnFirstMorning(t *testing.T) {
	e := newEngine(nil, true)
	if n, _ := e.Think(context.Background(), at("2026-07-01 11:00")); n != 0 {
		t.Errorf("fired after 10:00: %d", n)
	}
	if n, _ := e.Think(context.Background(), at("2026-07-01 09:00")); n != 1 {
		t.Errorf("expected monthly reminder, got %d", n)
	}
	e.Clear()
	if len(e.PendingTasks()) != 0 {
		t.Error("clear left tasks")
	}
}

func TestThinkReportsSourceErrors(t *testing.T) {
	e := newEngine(failingEvents{}, true)
	if _, err := e.Think(context.Background(), time.Now()); err == nil {
		t.Error("expected error from failing source")
	}
}

// flakyEvents fails the first call for one user.
type flakyEvents struct {
	events  []Event
	failFor string
	failed  bool
}

func (f *flakyEvents) Events(_ context.Context, user string) ([]Event, error) {
	if user == f.failFor && !f.failed {
		f.failed = true
		return nil, errors.New("transient")
	}
	return f.events, nil
}

func TestFailedUserRetriedWithoutLosingTasks(t *testing.T) {
	src := &flakyEvents{
		events:  []Event{{ID: "1", Type: "birthday", Date: "2026-03-10", Title: "妈妈"}},
		failFor: "b",
	}
	cfg := DefaultThinkingConfig()
	cfg.Users = []string{"a", "b"}
	e := NewThinkingEngine(src, nil, nil, cfg, zap.NewNop())
	now := at("2026-03-10 15:00")

	n, err := e.Think(context.Background(), now)
	if err == nil || n != 1 {
		t.Fatalf("first cycle: n=%d err=%v", n, err)
	}
	if got := e.PendingTasks(); len(got) != 1 || got[0].StringParam("user_id") != "a" {
		t.Fatalf("healthy user's task not kept: %+v", got)
	}

	n, err = e.Think(context.Background(), now.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("retry cycle: n=%d err=%v", n, err)
	}
	tasks := e.Drain()
	if len(tasks) != 2 || tasks[1].StringParam("user_id") != "b" || tasks[1].Type != "send_email" {
		t.Errorf("second user's greeting not generated on retry: %d tasks", len(tasks))
	}

	if n, _ := e.Think(context.Background(), now.Add(2*time.Hour)); n != 0 {
		t.Errorf("greetings repeated after both users were served: %d", n)
	}
}

type countingListener struct {
	ticks chan struct{}
	fail  bool
}

func (c *countingListener) OnTick(context.Context, time.Time) error {
	c.ticks <- struct{}{}
	if c.fail {
		return errors.New("boom")
	}
	return nil
}

func TestLoopTicksAndStops(t *testing.T) {
	l := &countingListener{ticks: make(chan struct{}, 100)}
	loop := NewLoop("test", 10*time.Millisecond, time.Hour, l, zap.NewNop())
	loop.Start(context.Background())
	for i := 0; i < 3; i++ {
		select {
		case <-l.ticks:
		case <-time.After(time.Second):
			t.Fatal("loop did not tick")
		}
	}
	loop.Stop()
	loop.Stop()
}

func TestLoopBacksOffAfterError(t *testing.T) {
	l := &countingListener{ticks: make(chan struct{}, 100), fail: true}
	loop := NewLoop("test", 5*time.Millisecond, time.Hour, l, zap.NewNop())
	loop.Start(context.Background())
	<-l.ticks
	select {
	case <-l.ticks:
		t.Error("ticked again before backoff elapsed")
	case <-time.After(50 * time.Millisecond):
	}
	loop.Stop()
}
