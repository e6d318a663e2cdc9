package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/aide/internal/bus"
	"github.com/nidhogg/aide/internal/task"
	"go.uber.org/zap"
)

// Status of an agent.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// ErrNoHandler is returned when a handler registration is incomplete.
var ErrNoHandler = errors.New("no handler")

// MasterName is the bus endpoint that receives task_completed notices.
const MasterName = "master"

// HandlerFunc executes one task type. Expected domain problems should be
// returned as a task.Unable result; a non-nil error marks the task FAILED.
type HandlerFunc func(ctx context.Context, t *task.Task) (*task.Result, error)

// MessageHandler reacts to a bus message delivered to the agent's inbox.
type MessageHandler func(ctx context.Context, msg *bus.Message)

// AcceptPolicy decides whether an agent takes a new task.
type AcceptPolicy func(pending int, status Status, t *task.Task) bool

// MaxPending rejects tasks once n are already queued.
func MaxPending(n int) AcceptPolicy {
	return func(pending int, _ Status, _ *task.Task) bool {
		return pending < n
	}
}

// Agent is an independently addressable unit of execution.
type Agent interface {
	Name() string
	Capabilities() []Capability
	HasCapability(name string) bool
	Assign(t *task.Task) bool
	Execute(ctx context.Context, t *task.Task) (*task.Result, error)
	Status() Status
	Info() Info
	Start(ctx context.Context) error
	Stop()
}

// Config holds per-agent limits.
type Config struct {
	MaxPending       int `json:"max_pending"`
	CompletedHistory int `json:"completed_history"`
}

// DefaultConfig returns the default agent limits.
func DefaultConfig() Config {
	return Config{MaxPending: 5, CompletedHistory: 10}
}

// Info is a status snapshot of an agent.
type Info struct {
	Name         string       `json:"name"`
	Status       Status       `json:"status"`
	Pending      int          `json:"pending"`
	Current      string       `json:"current,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	Completed    []task.Info  `json:"completed,omitempty"`
}

// BaseAgent owns a FIFO task queue, a status and a dispatch table keyed by
// task type. Concrete agents are built by registering handlers on it.
type BaseAgent struct {
	name        string
	caps        *CapabilityRegistry
	handlers    map[string]HandlerFunc
	msgHandlers map[string]MessageHandler
	accept      AcceptPolicy
	bus         bus.Bus
	cfg         Config
	now         func() time.Time

	mu        sync.Mutex
	queue     []*task.Task
	current   *task.Task
	completed []task.Info
	status    Status
	lastErr   string
	wake      chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	logger *zap.Logger
}

// NewBase creates an offline agent. b may be nil for agents that never talk
// to peers.
func NewBase(name string, b bus.Bus, cfg Config, logger *zap.Logger) *BaseAgent {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultConfig().MaxPending
	}
	if cfg.CompletedHistory <= 0 {
		cfg.CompletedHistory = DefaultConfig().CompletedHistory
	}
	a := &BaseAgent{
		name:        name,
		caps:        NewCapabilityRegistry(),
		handlers:    make(map[string]HandlerFunc),
		msgHandlers: make(map[string]MessageHandler),
		accept:      MaxPending(cfg.MaxPending),
		bus:         b,
		cfg:         cfg,
		now:         time.Now,
		status:      StatusOffline,
		wake:        make(chan struct{}, 1),
		logger:      logger.With(zap.String("agent", name)),
	}
	a.OnMessage(bus.TypeRequest, a.answerRequest)
	return a
}

func (a *BaseAgent) Name() string { return a.name }

// RegisterCapability advertises a capability without binding a handler.
func (a *BaseAgent) RegisterCapability(name, description string, params map[string]any, category string) {
	a.caps.Register(Capability{Name: name, Description: description, Parameters: params, Category: category})
}

// Handle registers a capability together with the handler that executes it.
func (a *BaseAgent) Handle(name, description string, params map[string]any, category string, fn HandlerFunc) error {
	if name == "" {
		return fmt.Errorf("register handler: empty task type: %w", ErrNoHandler)
	}
	if fn == nil {
		return fmt.Errorf("register handler %s: %w", name, ErrNoHandler)
	}
	a.mu.Lock()
	a.handlers[name] = fn
	a.mu.Unlock()
	a.RegisterCapability(name, description, params, category)
	return nil
}

// MustHandle is Handle for construction-time tables; it panics on an invalid entry.
func (a *BaseAgent) MustHandle(name, description string, params map[string]any, category string, fn HandlerFunc) {
	if err := a.Handle(name, description, params, category, fn); err != nil {
		panic(err)
	}
}

// OnMessage binds a handler to a bus message type.
func (a *BaseAgent) OnMessage(msgType string, fn MessageHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgHandlers[msgType] = fn
}

// SetAcceptPolicy replaces the default queue-depth policy.
func (a *BaseAgent) SetAcceptPolicy(p AcceptPolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accept = p
}

func (a *BaseAgent) Capabilities() []Capability { return a.caps.List() }

func (a *BaseAgent) HasCapability(name string) bool { return a.caps.Has(name) }

// Registry exposes the capability registry.
func (a *BaseAgent) Registry() *CapabilityRegistry { return a.caps }

func (a *BaseAgent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Pending returns the number of queued tasks.
func (a *BaseAgent) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

func (a *BaseAgent) Info() Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	info := Info{
		Name:      a.name,
		Status:    a.status,
		Pending:   len(a.queue),
		LastError: a.lastErr,
		Completed: append([]task.Info(nil), a.completed...),
	}
	if a.current != nil {
		info.Current = a.current.ID
	}
	info.Capabilities = a.caps.List()
	return info
}

// Assign queues t if the agent is running and its policy accepts the task.
func (a *BaseAgent) Assign(t *task.Task) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status == StatusOffline {
		a.logger.Warn("rejected task: agent offline", zap.String("task", t.ID))
		return false
	}
	if !a.accept(len(a.queue), a.status, t) {
		a.logger.Warn("rejected task",
			zap.String("task", t.ID),
			zap.Int("pending", len(a.queue)))
		return false
	}
	if err := t.Assign(a.name); err != nil {
		a.logger.Warn("rejected task", zap.String("task", t.ID), zap.Error(err))
		return false
	}
	a.queue = append(a.queue, t)
	select {
	case a.wake <- struct{}{}:
	default:
	}
	a.logger.Debug("task queued", zap.String("task", t.ID), zap.String("type", t.Type))
	return true
}

// Execute dispatches t to the handler for its type. An unknown type yields a
// cannot_handle result. A panicking handler is reported as an error.
func (a *BaseAgent) Execute(ctx context.Context, t *task.Task) (res *task.Result, err error) {
	a.mu.Lock()
	fn, ok := a.handlers[t.Type]
	a.mu.Unlock()
	if !ok {
		return task.Unable(a.name, fmt.Sprintf("不支持的任务类型: %s", t.Type), "", nil), nil
	}

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("handler %s panicked: %v", t.Type, r)
		}
	}()
	res, err = fn(ctx, t)
	if err == nil && res == nil {
		res = &task.Result{}
	}
	return res, err
}

// Start brings the agent online and begins draining its queue.
func (a *BaseAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return nil
	}
	var inbox <-chan *bus.Message
	if a.bus != nil {
		var err error
		inbox, err = a.bus.Register(a.name)
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("start %s: %w", a.name, err)
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.status = StatusIdle
	a.mu.Unlock()

	a.wg.Add(1)
	go a.run(ctx)
	if inbox != nil {
		a.wg.Add(1)
		go a.consume(ctx, inbox)
	}
	a.logger.Info("agent started")
	return nil
}

// Stop prevents further work. A running task finishes; queued tasks fail.
func (a *BaseAgent) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if a.bus != nil {
		a.bus.Unregister(a.name)
	}
	a.wg.Wait()

	a.mu.Lock()
	dropped := a.queue
	a.queue = nil
	a.status = StatusOffline
	a.mu.Unlock()

	now := a.now()
	for _, t := range dropped {
		_ = t.Fail("agent stopped", now)
	}
	a.logger.Info("agent stopped", zap.Int("dropped", len(dropped)))
}

func (a *BaseAgent) run(ctx context.Context) {
	defer a.wg.Done()
	for {
		t := a.next()
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-a.wake:
			}
			continue
		}
		a.process(context.WithoutCancel(ctx), t)
		if ctx.Err() != nil {
			return
		}
	}
}

func (a *BaseAgent) next() *task.Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 {
		return nil
	}
	t := a.queue[0]
	a.queue[0] = nil
	a.queue = a.queue[1:]
	a.current = t
	a.status = StatusBusy
	return t
}

func (a *BaseAgent) process(ctx context.Context, t *task.Task) {
	if err := t.Start(a.now()); err != nil {
		a.logger.Warn("skip task", zap.String("task", t.ID), zap.Error(err))
		a.mu.Lock()
		a.current = nil
		a.status = StatusIdle
		a.mu.Unlock()
		return
	}

	res, err := a.Execute(ctx, t)
	if err != nil {
		a.logger.Error("task failed",
			zap.String("task", t.ID),
			zap.String("type", t.Type),
			zap.Error(err))
		_ = t.Fail(err.Error(), a.now())
	} else {
		_ = t.Complete(res, a.now())
	}
	a.finish(t)
	a.notifyMaster(ctx, t)
}

func (a *BaseAgent) finish(t *task.Task) {
	info := t.Info()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = nil
	if info.Status == task.StatusFailed {
		a.status = StatusError
		a.lastErr = info.Error
	} else {
		a.status = StatusIdle
	}
	a.completed = append(a.completed, info)
	if over := len(a.completed) - a.cfg.CompletedHistory; over > 0 {
		a.completed = append([]task.Info(nil), a.completed[over:]...)
	}
}

func (a *BaseAgent) notifyMaster(ctx context.Context, t *task.Task) {
	if a.bus == nil || a.name == MasterName {
		return
	}
	info := t.Info()
	msg := bus.NewMessage(a.name, MasterName, bus.TypeTaskCompleted, map[string]any{
		"task_id": info.ID,
		"type":    info.Type,
		"status":  string(info.Status),
		"error":   info.Error,
	})
	if err := a.bus.Publish(ctx, msg); err != nil && !errors.Is(err, bus.ErrUnknownRecipient) {
		a.logger.Warn("notify master", zap.Error(err))
	}
}

func (a *BaseAgent) consume(ctx context.Context, inbox <-chan *bus.Message) {
	defer a.wg.Done()
	for msg := range inbox {
		a.mu.Lock()
		fn := a.msgHandlers[msg.Type]
		a.mu.Unlock()
		if fn == nil {
			a.logger.Debug("unhandled message", zap.String("type", msg.Type), zap.String("from", msg.From))
			continue
		}
		a.dispatchMessage(ctx, fn, msg)
	}
}

func (a *BaseAgent) dispatchMessage(ctx context.Context, fn MessageHandler, msg *bus.Message) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("message handler panicked",
				zap.String("type", msg.Type),
				zap.Any("panic", r))
		}
	}()
	fn(ctx, msg)
}

// Send publishes a message from this agent.
func (a *BaseAgent) Send(ctx context.Context, to, msgType string, payload map[string]any) error {
	if a.bus == nil {
		return fmt.Errorf("send from %s: no bus", a.name)
	}
	return a.bus.Publish(ctx, bus.NewMessage(a.name, to, msgType, payload))
}

// answerRequest serves a peer's request message. Payload carries "task_type"
// and "params"; agents without that handler ignore the request, so a request
// can be broadcast and answered by whoever holds the capability.
func (a *BaseAgent) answerRequest(ctx context.Context, msg *bus.Message) {
	taskType, _ := msg.Payload["task_type"].(string)
	a.mu.Lock()
	_, ok := a.handlers[taskType]
	a.mu.Unlock()
	if !ok {
		return
	}
	params, _ := msg.Payload["params"].(map[string]any)
	t := task.New(taskType, "", params, task.PriorityMedium)
	t.CreatedBy = msg.From

	res, err := a.Execute(ctx, t)
	reply := map[string]any{"request_id": msg.ID, "task_type": taskType}
	if err != nil {
		reply["error"] = err.Error()
	} else {
		reply["result"] = res
	}
	if err := a.Send(ctx, msg.From, bus.TypeResponse, reply); err != nil {
		a.logger.Warn("reply to request", zap.String("to", msg.From), zap.Error(err))
	}
}
