package proactive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/aide/internal/task"
	"go.uber.org/zap"
)

// ErrTaskNotFound is returned for an unknown scheduled task id.
var ErrTaskNotFound = errors.New("scheduled task not found")

// Generator materializes the concrete task for one firing.
type Generator func(params map[string]any, now time.Time) (*task.Task, error)

// Handler executes a generated task.
type Handler func(ctx context.Context, t *task.Task) error

// DrainFunc returns tasks produced elsewhere that the scheduler should handle
// on its next tick.
type DrainFunc func() []*task.Task

// ScheduledTask is a recurring or one-off job. NextRun is nil when the job is
// disabled or a one-time job has fired.
type ScheduledTask struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Kind     ScheduleType   `json:"schedule_type"`
	Spec     string         `json:"schedule_time"`
	Params   map[string]any `json:"params,omitempty"`
	Enabled  bool           `json:"enabled"`
	LastRun  *time.Time     `json:"last_run,omitempty"`
	NextRun  *time.Time     `json:"next_run,omitempty"`
	Runs     int            `json:"runs"`
	Failures int            `json:"failures"`
	LastErr  string         `json:"last_error,omitempty"`

	generate Generator
}

// SchedulerConfig holds scheduler loop settings.
type SchedulerConfig struct {
	Interval time.Duration
	Backoff  time.Duration
	Defaults bool
	User     string
}

// DefaultSchedulerConfig returns a one-minute loop with the default jobs.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: time.Minute,
		Backoff:  time.Minute,
		Defaults: true,
		User:     "gui_user",
	}
}

// SchedulerStats summarizes the scheduler.
type SchedulerStats struct {
	Total    int `json:"total"`
	Enabled  int `json:"enabled"`
	Runs     int `json:"runs"`
	Failures int `json:"failures"`
	Drained  int `json:"drained"`
}

// Scheduler fires scheduled tasks whose next run has passed and hands the
// generated tasks to a handler keyed by task type.
type Scheduler struct {
	cfg      SchedulerConfig
	mu       sync.RWMutex
	tasks    map[string]*ScheduledTask
	handlers map[string]Handler
	fallback Handler
	drain    DrainFunc
	drained  int
	loop     *Loop
	logger   *zap.Logger
}

// NewScheduler creates a scheduler with no jobs.
func NewScheduler(cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSchedulerConfig().Interval
	}
	s := &Scheduler{
		cfg:      cfg,
		tasks:    make(map[string]*ScheduledTask),
		handlers: make(map[string]Handler),
		logger:   logger,
	}
	s.loop = NewLoop("scheduler", cfg.Interval, cfg.Backoff, s, logger)
	return s
}

// Handle registers the handler for a task type.
func (s *Scheduler) Handle(taskType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskType] = h
	s.logger.Info("registered task handler", zap.String("type", taskType))
}

// SetFallback handles task types without a registered handler.
func (s *Scheduler) SetFallback(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = h
}

// SetDrain installs a source of externally generated tasks, drained on every tick.
func (s *Scheduler) SetDrain(fn DrainFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drain = fn
}

// Add arms a new job. An empty id gets a fresh one; an existing id is replaced.
func (s *Scheduler) Add(id, name string, kind ScheduleType, spec string, params map[string]any, gen Generator) (string, error) {
	return s.add(id, name, kind, spec, params, gen, time.Now())
}

func (s *Scheduler) add(id, name string, kind ScheduleType, spec string, params map[string]any, gen Generator, now time.Time) (string, error) {
	if gen == nil {
		return "", fmt.Errorf("%w: %s has no generator", ErrBadSchedule, name)
	}
	next, err := NextRun(kind, spec, now)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.New().String()
	}
	st := &ScheduledTask{
		ID:       id,
		Name:     name,
		Kind:     kind,
		Spec:     spec,
		Params:   params,
		Enabled:  true,
		NextRun:  &next,
		generate: gen,
	}
	s.mu.Lock()
	s.tasks[id] = st
	s.mu.Unlock()
	s.logger.Info("scheduled task added",
		zap.String("id", id),
		zap.String("name", name),
		zap.String("type", string(kind)),
		zap.Time("next_run", next))
	return id, nil
}

// Remove deletes a job.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("remove %s: %w", id, ErrTaskNotFound)
	}
	delete(s.tasks, id)
	s.logger.Info("scheduled task removed", zap.String("id", id))
	return nil
}

// Enable re-arms a job from the current time.
func (s *Scheduler) Enable(id string) error {
	return s.enable(id, time.Now())
}

func (s *Scheduler) enable(id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("enable %s: %w", id, ErrTaskNotFound)
	}
	next, err := NextRun(st.Kind, st.Spec, now)
	if err != nil {
		return err
	}
	st.Enabled = true
	st.NextRun = &next
	return nil
}

// Disable stops a job from firing until enabled again.
func (s *Scheduler) Disable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("disable %s: %w", id, ErrTaskNotFound)
	}
	st.Enabled = false
	st.NextRun = nil
	return nil
}

// Get returns a copy of one job.
func (s *Scheduler) Get(id string) (ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.tasks[id]
	if !ok {
		return ScheduledTask{}, fmt.Errorf("get %s: %w", id, ErrTaskNotFound)
	}
	return *st, nil
}

// List returns copies of all jobs sorted by next run, disabled jobs last.
func (s *Scheduler) List() []ScheduledTask {
	s.mu.RLock()
	out := make([]ScheduledTask, 0, len(s.tasks))
	for _, st := range s.tasks {
		out = append(out, *st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].NextRun, out[j].NextRun
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return out[i].ID < out[j].ID
		default:
			return a.Before(*b)
		}
	})
	return out
}

// Stats summarizes jobs and runs.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := SchedulerStats{Total: len(s.tasks), Drained: s.drained}
	for _, t := range s.tasks {
		if t.Enabled {
			st.Enabled++
		}
		st.Runs += t.Runs
		st.Failures += t.Failures
	}
	return st
}

// RunNow fires a job immediately regardless of its schedule. The regular
// next run is recomputed from now.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.RLock()
	st, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("run %s: %w", id, ErrTaskNotFound)
	}
	return s.fire(ctx, st, time.Now())
}

// OnTick implements Listener.
func (s *Scheduler) OnTick(ctx context.Context, now time.Time) error {
	s.Tick(ctx, now)
	return nil
}

// Tick fires every enabled job due at now, then handles drained tasks. A
// failing job is logged and does not affect the others.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	s.mu.RLock()
	var due []*ScheduledTask
	for _, st := range s.tasks {
		if st.Enabled && st.NextRun != nil && !now.Before(*st.NextRun) {
			due = append(due, st)
		}
	}
	drain := s.drain
	s.mu.RUnlock()
	sort.Slice(due, func(i, j int) bool { return due[i].NextRun.Before(*due[j].NextRun) })

	fired := 0
	for _, st := range due {
		if err := s.fire(ctx, st, now); err == nil {
			fired++
		}
	}

	if drain != nil {
		pending := drain()
		for _, t := range pending {
			if err := s.dispatch(ctx, t); err != nil {
				s.logger.Error("drained task failed",
					zap.String("task", t.ID),
					zap.String("type", t.Type),
					zap.Error(err))
			}
		}
		s.mu.Lock()
		s.drained += len(pending)
		s.mu.Unlock()
	}
	return fired
}

func (s *Scheduler) fire(ctx context.Context, st *ScheduledTask, now time.Time) error {
	s.mu.RLock()
	gen, params, name := st.generate, st.Params, st.Name
	s.mu.RUnlock()

	s.logger.Info("running scheduled task", zap.String("id", st.ID), zap.String("name", name))
	err := s.execute(ctx, gen, params, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	st.LastRun = &now
	st.Runs++
	if err != nil {
		st.Failures++
		st.LastErr = err.Error()
		s.logger.Error("scheduled task failed", zap.String("id", st.ID), zap.Error(err))
	} else {
		st.LastErr = ""
	}

	if st.Kind == OneTime {
		st.Enabled = false
		st.NextRun = nil
		return err
	}
	if st.Enabled {
		next, nerr := NextRun(st.Kind, st.Spec, now)
		if nerr != nil {
			st.Enabled = false
			st.NextRun = nil
		} else {
			st.NextRun = &next
		}
	}
	return err
}

func (s *Scheduler) execute(ctx context.Context, gen Generator, params map[string]any, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduled task panicked: %v", r)
		}
	}()
	t, err := gen(params, now)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	if t == nil {
		return nil
	}
	return s.dispatch(ctx, t)
}

func (s *Scheduler) dispatch(ctx context.Context, t *task.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", t.Type, r)
		}
	}()
	s.mu.RLock()
	h, ok := s.handlers[t.Type]
	if !ok {
		h = s.fallback
	}
	s.mu.RUnlock()
	if h == nil {
		return fmt.Errorf("no handler for task type %s", t.Type)
	}
	s.logger.Info("handling proactive task", zap.String("type", t.Type), zap.String("content", t.Content))
	return h(ctx, t)
}

// Start runs the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cfg.Defaults {
		s.SetupDefaults()
	}
	s.loop.Start(ctx)
}

// Stop halts the loop.
func (s *Scheduler) Stop() { s.loop.Stop() }

// Notification builds a generator for a plain notification task.
func Notification(content, message string, priority task.Priority) Generator {
	return func(params map[string]any, _ time.Time) (*task.Task, error) {
		user, _ := params["user_id"].(string)
		return task.New("notification", content, map[string]any{
			"message": message,
			"user_id": user,
		}, priority), nil
	}
}

// SetupDefaults installs the morning, weekly and monthly reminders.
// Existing jobs with the same ids are replaced.
func (s *Scheduler) SetupDefaults() {
	user := s.cfg.User
	if user == "" {
		user = DefaultSchedulerConfig().User
	}
	params := map[string]any{"user_id": user}
	defaults := []struct {
		id, name string
		kind     ScheduleType
		spec     string
		gen      Generator
	}{
		{"morning_reminder", "早上日程提醒", Daily, "09:00",
			Notification("早上日程提醒", "🌅 早上好！记得查看今天的日程安排。", task.PriorityLow)},
		{"weekly_goal", "每周目标提醒", Weekly, "mon 09:00",
			Notification("每周目标提醒", "📅 新的一周开始了，记得设置本周目标！", task.PriorityLow)},
		{"monthly_goal", "每月目标提醒", Monthly, "1 09:00",
			Notification("每月目标提醒", "📅 新的一月开始了，记得设置本月目标！", task.PriorityLow)},
	}
	for _, d := range defaults {
		if _, err := s.Add(d.id, d.name, d.kind, d.spec, params, d.gen); err != nil {
			s.logger.Error("add default task", zap.String("id", d.id), zap.Error(err))
		}
	}
}
