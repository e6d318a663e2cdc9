package proactive

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nidhogg/aide/internal/task"
	"go.uber.org/zap"
)

// Event is a calendar-like entry the engine reasons about. Date is YYYY-MM-DD.
type Event struct {
	ID            string `json:"id"`
	Type          string `json:"event_type"`
	Date          string `json:"event_date"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Recurring     bool   `json:"is_recurring"`
	RecurringType string `json:"recurring_type,omitempty"`
}

// EventSource lists a user's events.
type EventSource interface {
	Events(ctx context.Context, userID string) ([]Event, error)
}

// ContactBook resolves a user's email for greetings.
type ContactBook interface {
	UserEmail(ctx context.Context, userID string) string
}

// ThinkingConfig holds the engine's cadence and policy knobs.
type ThinkingConfig struct {
	Interval         time.Duration
	RetryAfter       time.Duration
	WindowDays       int
	Users            []string
	Dedupe           bool
	WeatherThreshold int
}

// DefaultThinkingConfig returns an hourly engine looking one week ahead.
func DefaultThinkingConfig() ThinkingConfig {
	return ThinkingConfig{
		Interval:         time.Hour,
		RetryAfter:       time.Minute,
		WindowDays:       7,
		Users:            []string{"gui_user"},
		Dedupe:           true,
		WeatherThreshold: 5,
	}
}

// ThinkingEngine periodically scans upcoming events and insights and queues
// proactive tasks for an external consumer to drain.
type ThinkingEngine struct {
	cfg      ThinkingConfig
	events   EventSource
	insights InsightStore
	contacts ContactBook

	mu      sync.Mutex
	pending []*task.Task
	emitted map[string]string // dedupe key -> date
	cycles  int

	loop   *Loop
	logger *zap.Logger
}

// NewThinkingEngine creates an engine. contacts may be nil.
func NewThinkingEngine(events EventSource, insights InsightStore, contacts ContactBook, cfg ThinkingConfig, logger *zap.Logger) *ThinkingEngine {
	def := DefaultThinkingConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = def.RetryAfter
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = def.WindowDays
	}
	if len(cfg.Users) == 0 {
		cfg.Users = def.Users
	}
	if cfg.WeatherThreshold <= 0 {
		cfg.WeatherThreshold = def.WeatherThreshold
	}
	if insights == nil {
		insights = NewInsightLog()
	}
	e := &ThinkingEngine{
		cfg:      cfg,
		events:   events,
		insights: insights,
		contacts: contacts,
		emitted:  make(map[string]string),
		logger:   logger,
	}
	e.loop = NewLoop("thinking", cfg.Interval, cfg.RetryAfter, e, logger)
	return e
}

func (e *ThinkingEngine) Start(ctx context.Context) { e.loop.Start(ctx) }
func (e *ThinkingEngine) Stop()                    { e.loop.Stop() }

// OnTick implements Listener.
func (e *ThinkingEngine) OnTick(ctx context.Context, now time.Time) error {
	_, err := e.Think(ctx, now)
	return err
}

// Think runs one analysis cycle and returns the number of tasks queued. A
// user whose events or insights cannot be loaded is skipped for this cycle
// and reported in the returned error; tasks for the other users are still
// queued. Dedupe keys are recorded only for queued tasks.
func (e *ThinkingEngine) Think(ctx context.Context, now time.Time) (int, error) {
	e.logger.Debug("thinking cycle started")
	today := dateOf(now)
	c := e.newCycle(today)
	var errs []error

	for _, user := range e.cfg.Users {
		uc := c.sub()
		tasks, err := e.thinkFor(ctx, uc, user, today, now)
		if err != nil {
			e.logger.Warn("thinking skipped user", zap.String("user", user), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		c.merge(uc, tasks)
	}

	if now.Day() == 1 && now.Hour() < 10 && c.claim("monthly_goal") {
		c.tasks = append(c.tasks, task.New("notification", "每月目标提醒", map[string]any{
			"message": "📅 新的一月开始了，记得设置本月目标！",
			"user_id": e.cfg.Users[0],
		}, task.PriorityLow))
	}

	e.mu.Lock()
	e.pruneLocked(today)
	e.pending = append(e.pending, c.tasks...)
	day := today.Format("2006-01-02")
	for k := range c.keys {
		e.emitted[k] = day
	}
	e.cycles++
	queued := len(e.pending)
	e.mu.Unlock()

	e.logger.Info("thinking cycle finished",
		zap.Int("generated", len(c.tasks)),
		zap.Int("queued", queued))
	return len(c.tasks), errors.Join(errs...)
}

func (e *ThinkingEngine) thinkFor(ctx context.Context, c *cycle, user string, today, now time.Time) ([]*task.Task, error) {
	var generated []*task.Task
	if e.events != nil {
		events, err := e.events.Events(ctx, user)
		if err != nil {
			return nil, fmt.Errorf("load events for %s: %w", user, err)
		}
		for _, ev := range events {
			if t := e.eventTask(ctx, c, user, ev, today, now); t != nil {
				generated = append(generated, t)
			}
		}
	}

	insights, err := e.insights.Insights(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("load insights for %s: %w", user, err)
	}
	weather := 0
	for _, in := range insights {
		if in.Type == "weather_query" {
			weather++
		}
	}
	if weather > e.cfg.WeatherThreshold && c.claim("weather:"+user) {
		generated = append(generated, task.New("notification", "主动推送天气信息", map[string]any{
			"message": "🌤️ 今天天气不错，适合户外活动！",
			"user_id": user,
		}, task.PriorityLow))
	}
	return generated, nil
}

func (e *ThinkingEngine) eventTask(ctx context.Context, c *cycle, user string, ev Event, today, now time.Time) *task.Task {
	date, err := time.ParseInLocation("2006-01-02", ev.Date, today.Location())
	if err != nil {
		e.logger.Warn("skip event with bad date", zap.String("event", ev.Title), zap.String("date", ev.Date))
		return nil
	}
	date = occurrence(ev, date, today)
	days := daysBetween(today, date)
	if days < 0 || days > e.cfg.WindowDays {
		return nil
	}

	key := func(kind string) string { return user + "|" + ev.ID + "|" + ev.Title + "|" + kind }
	switch ev.Type {
	case "birthday":
		switch days {
		case 0:
			if !c.claim(key("greeting")) {
				return nil
			}
			return task.New("send_email", fmt.Sprintf("发送生日祝福邮件给 %s", ev.Title), map[string]any{
				"recipient": e.email(ctx, user),
				"subject":   "生日快乐！🎂",
				"body":      birthdayMessage(ev, now),
				"user_id":   user,
			}, task.PriorityHigh)
		case 1:
			if !c.claim(key("eve")) {
				return nil
			}
			return task.New("notification", fmt.Sprintf("提醒: 明天是 %s 的生日", ev.Title), map[string]any{
				"message": fmt.Sprintf("明天是 %s 的生日，记得准备祝福！🎂", ev.Title),
				"user_id": user,
			}, task.PriorityMedium)
		}
	case "anniversary":
		if days == 0 && c.claim(key("greeting")) {
			return task.New("send_email", fmt.Sprintf("发送纪念日祝福邮件给 %s", ev.Title), map[string]any{
				"recipient": e.email(ctx, user),
				"subject":   "纪念日快乐！💕",
				"body":      anniversaryMessage(ev, now),
				"user_id":   user,
			}, task.PriorityHigh)
		}
	case "reminder", "user_mentioned":
		if days == 0 && c.claim(key("reminder")) {
			text := ev.Description
			if text == "" {
				text = ev.Title
			}
			return task.New("notification", fmt.Sprintf("提醒: %s", ev.Title), map[string]any{
				"message": fmt.Sprintf("⏰ 提醒: %s", text),
				"user_id": user,
			}, task.PriorityHigh)
		}
	}
	return nil
}

// cycle collects the tasks and dedupe keys of one Think call. Keys are
// committed to the engine only when the tasks are queued.
type cycle struct {
	dedupe  bool
	emitted map[string]bool // keys already queued today, read-only
	keys    map[string]bool
	tasks   []*task.Task
}

func (e *ThinkingEngine) newCycle(today time.Time) *cycle {
	c := &cycle{dedupe: e.cfg.Dedupe, emitted: make(map[string]bool), keys: make(map[string]bool)}
	if !c.dedupe {
		return c
	}
	day := today.Format("2006-01-02")
	e.mu.Lock()
	for k, d := range e.emitted {
		if d == day {
			c.emitted[k] = true
		}
	}
	e.mu.Unlock()
	return c
}

func (c *cycle) sub() *cycle {
	return &cycle{dedupe: c.dedupe, emitted: c.emitted, keys: make(map[string]bool)}
}

func (c *cycle) merge(sub *cycle, tasks []*task.Task) {
	for k := range sub.keys {
		c.keys[k] = true
	}
	c.tasks = append(c.tasks, tasks...)
}

// claim reports whether a task keyed by key may be generated. Without dedupe
// every cycle may generate it again.
func (c *cycle) claim(key string) bool {
	if !c.dedupe {
		return true
	}
	if c.emitted[key] || c.keys[key] {
		return false
	}
	c.keys[key] = true
	return true
}

func (e *ThinkingEngine) pruneLocked(today time.Time) {
	day := today.Format("2006-01-02")
	for k, d := range e.emitted {
		if d != day {
			delete(e.emitted, k)
		}
	}
}

func (e *ThinkingEngine) email(ctx context.Context, user string) string {
	if e.contacts == nil {
		return ""
	}
	return e.contacts.UserEmail(ctx, user)
}

// AddInsight records an observation.
func (e *ThinkingEngine) AddInsight(ctx context.Context, in Insight) error {
	in.Normalize(time.Now())
	if in.UserID == "" {
		in.UserID = e.cfg.Users[0]
	}
	if err := e.insights.SaveInsight(ctx, in); err != nil {
		return fmt.Errorf("save insight: %w", err)
	}
	return nil
}

// PendingTasks returns a copy of the queued tasks.
func (e *ThinkingEngine) PendingTasks() []*task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*task.Task(nil), e.pending...)
}

// Drain returns and clears the queued tasks.
func (e *ThinkingEngine) Drain() []*task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pending
	e.pending = nil
	return out
}

// Clear drops every queued task.
func (e *ThinkingEngine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = nil
	e.logger.Info("proactive task queue cleared")
}

// Cycles returns the number of completed thinking cycles.
func (e *ThinkingEngine) Cycles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycles
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// daysBetween counts calendar days from a to b, both at midnight.
func daysBetween(a, b time.Time) int {
	return int(math.Round(b.Sub(a).Hours() / 24))
}

// occurrence projects recurring events onto their next date on or after today.
// Birthdays and anniversaries recur yearly even when not flagged. Feb 29 falls
// on Feb 28 in common years.
func occurrence(ev Event, date, today time.Time) time.Time {
	yearly := ev.Type == "birthday" || ev.Type == "anniversary" || (ev.Recurring && ev.RecurringType != "monthly")
	monthly := ev.Recurring && ev.RecurringType == "monthly"
	if !date.Before(today) || (!yearly && !monthly) {
		return date
	}
	loc := today.Location()
	if monthly {
		for i := 0; i < 13; i++ {
			d := time.Date(today.Year(), today.Month()+time.Month(i), date.Day(), 0, 0, 0, 0, loc)
			if d.Day() == date.Day() && !d.Before(today) {
				return d
			}
		}
		return date
	}
	for y := today.Year(); y <= today.Year()+1; y++ {
		d := time.Date(y, date.Month(), date.Day(), 0, 0, 0, 0, loc)
		if d.Month() != date.Month() {
			d = time.Date(y, date.Month(), 28, 0, 0, 0, 0, loc)
		}
		if !d.Before(today) {
			return d
		}
	}
	return date
}

func birthdayMessage(ev Event, now time.Time) string {
	return fmt.Sprintf(`亲爱的 %s，

生日快乐！🎂🎉

在这个特殊的日子里，祝你：
身体健康，工作顺利，家庭幸福！

你的智能助理
%s`, ev.Title, now.Format("2006年01月02日"))
}

func anniversaryMessage(ev Event, now time.Time) string {
	return fmt.Sprintf(`亲爱的 %s，

纪念日快乐！💕🎉

%s

愿你们的爱情永远甜蜜！

你的智能助理
%s`, ev.Title, ev.Description, now.Format("2006年01月02日"))
}
