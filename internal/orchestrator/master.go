package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/aide/internal/agent"
	"github.com/nidhogg/aide/internal/bus"
	"github.com/nidhogg/aide/internal/task"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNoAgent is returned when no agent can take a task type.
var ErrNoAgent = errors.New("no agent found")

// ForceAgentParam pins a task to a named agent.
const ForceAgentParam = "_force_agent"

// GeneralTaskType is the only task type the fallback handler sees.
const GeneralTaskType = "general"

// Factory creates an agent on first use. Capabilities are declared up front so
// routing can target an agent that is not resident yet.
type Factory struct {
	Name         string
	Capabilities []agent.Capability
	New          func() (agent.Agent, error)
}

// Resolver fills missing task parameters reported by a cannot_handle result.
type Resolver interface {
	Resolve(ctx context.Context, t *task.Task, missing map[string]string) (map[string]any, bool)
}

// Archiver persists terminal tasks.
type Archiver interface {
	ArchiveTask(ctx context.Context, info task.Info) error
}

// FallbackFunc handles "general" requests no agent claims.
type FallbackFunc func(ctx context.Context, t *task.Task) (*task.Result, error)

// Config holds master routing and wait settings.
type Config struct {
	DefaultTimeout time.Duration
	// Timeouts maps a task type, or a fragment of one, to its wait bound.
	// The longest matching key wins.
	Timeouts    map[string]time.Duration
	Routes      map[string]string
	MaxParallel int
	PerAgent    int
}

// DefaultConfig returns the default wait bounds and pool sizes.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 600 * time.Second,
		Timeouts: map[string]time.Duration{
			"download": 3600 * time.Second,
			"image":    120 * time.Second,
		},
		Routes:      map[string]string{},
		MaxParallel: 8,
		PerAgent:    2,
	}
}

// Master routes tasks to sub-agents, creates them on demand and waits for results.
type Master struct {
	cfg        Config
	bus        bus.Bus
	dispatcher *Dispatcher

	mu        sync.RWMutex
	agents    map[string]agent.Agent
	factories map[string]Factory
	routes    map[string]string
	resolver  Resolver
	archiver  Archiver
	fallback  FallbackFunc
	completed int
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	group  singleflight.Group
	logger *zap.Logger
}

// NewMaster creates a master. b may be nil.
func NewMaster(b bus.Bus, cfg Config, logger *zap.Logger) *Master {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	routes := make(map[string]string, len(cfg.Routes))
	for k, v := range cfg.Routes {
		routes[k] = v
	}
	return &Master{
		cfg:        cfg,
		bus:        b,
		dispatcher: NewDispatcher(cfg.MaxParallel, cfg.PerAgent),
		agents:     make(map[string]agent.Agent),
		factories:  make(map[string]Factory),
		routes:     routes,
		runCtx:     context.Background(),
		logger:     logger,
	}
}

func (m *Master) SetResolver(r Resolver)     { m.mu.Lock(); m.resolver = r; m.mu.Unlock() }
func (m *Master) SetArchiver(a Archiver)     { m.mu.Lock(); m.archiver = a; m.mu.Unlock() }
func (m *Master) SetFallback(f FallbackFunc) { m.mu.Lock(); m.fallback = f; m.mu.Unlock() }

// Route pins a task type to an agent name.
func (m *Master) Route(taskType, agentName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[taskType] = agentName
}

// RegisterFactory adds a lazily created agent.
func (m *Master) RegisterFactory(f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[f.Name] = f
	m.logger.Info("registered agent factory",
		zap.String("agent", f.Name),
		zap.Int("capabilities", len(f.Capabilities)))
}

// AddAgent starts a and makes it resident.
func (m *Master) AddAgent(a agent.Agent) error {
	m.mu.RLock()
	ctx := m.runCtx
	m.mu.RUnlock()
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("add agent %s: %w", a.Name(), err)
	}
	m.mu.Lock()
	m.agents[a.Name()] = a
	m.mu.Unlock()
	m.logger.Info("registered agent", zap.String("agent", a.Name()))
	return nil
}

// Start registers the master on the bus and records task_completed notices.
func (m *Master) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.runCtx = ctx
	m.cancel = cancel
	m.mu.Unlock()

	if m.bus == nil {
		return nil
	}
	inbox, err := m.bus.Register(agent.MasterName)
	if err != nil {
		cancel()
		return fmt.Errorf("start master: %w", err)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for msg := range inbox {
			if msg.Type != bus.TypeTaskCompleted {
				m.logger.Debug("master message", zap.String("type", msg.Type), zap.String("from", msg.From))
				continue
			}
			m.mu.Lock()
			m.completed++
			m.mu.Unlock()
			m.logger.Debug("task completed notice",
				zap.String("from", msg.From),
				zap.Any("task", msg.Payload["task_id"]),
				zap.Any("status", msg.Payload["status"]))
		}
	}()
	return nil
}

// Stop stops every resident agent.
func (m *Master) Stop() {
	m.mu.Lock()
	agents := make([]agent.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	cancel := m.cancel
	m.mu.Unlock()

	for _, a := range agents {
		a.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if m.bus != nil {
		m.bus.Unregister(agent.MasterName)
	}
	m.wg.Wait()
}

// Completed returns the number of task_completed notices received.
func (m *Master) Completed() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.completed
}

// Handle turns an intent into a task, runs it and returns the response.
func (m *Master) Handle(ctx context.Context, in Intent) *Response {
	params := make(map[string]any, len(in.Params))
	forced := ""
	for k, v := range in.Params {
		if k == ForceAgentParam {
			forced, _ = v.(string)
			continue
		}
		params[k] = v
	}
	t := task.New(in.TaskType, in.Content, params, in.Priority)
	t.CreatedBy = agent.MasterName
	return m.run(ctx, t, forced, false)
}

// Submit runs an already built task, honoring a _force_agent param.
func (m *Master) Submit(ctx context.Context, t *task.Task) *Response {
	forced := t.StringParam(ForceAgentParam)
	return m.run(ctx, t, forced, false)
}

func (m *Master) run(ctx context.Context, t *task.Task, forced string, retried bool) *Response {
	start := time.Now()
	resp := m.execute(ctx, t, forced)
	resp.Retried = retried

	if !retried && !t.NoRetry && resp.Result.IsCannotHandle() {
		if next, target, ok := m.retryPlan(ctx, t, resp); ok {
			m.logger.Info("resubmitting task",
				zap.String("task", t.ID),
				zap.String("retry", next.ID),
				zap.String("agent", target))
			retry := m.run(ctx, next, target, true)
			retry.Duration = time.Since(start)
			return retry
		}
	}
	resp.Duration = time.Since(start)
	return resp
}

func (m *Master) execute(ctx context.Context, t *task.Task, forced string) *Response {
	resp := &Response{TaskID: t.ID, TaskType: t.Type}

	a, err := m.selectAgent(t.Type, forced)
	if err != nil {
		m.mu.RLock()
		fallback := m.fallback
		m.mu.RUnlock()
		if fallback != nil && forced == "" && t.Type == GeneralTaskType {
			return m.runFallback(ctx, t, fallback)
		}
		m.logger.Warn("no agent for task", zap.String("type", t.Type), zap.Error(err))
		_ = t.Fail(ErrNoAgent.Error(), time.Now())
		m.archive(ctx, t)
		resp.Status = task.StatusFailed
		resp.Message = fmt.Sprintf("%s: %s", msgNoAgent, t.Type)
		resp.Error = ErrNoAgent.Error()
		return resp
	}
	resp.Agent = a.Name()

	if !a.Assign(t) {
		_ = t.Fail(msgRejected, time.Now())
		m.archive(ctx, t)
		resp.Status = task.StatusFailed
		resp.Message = msgRejected
		resp.Error = msgRejected
		return resp
	}

	m.logger.Info("dispatched task",
		zap.String("task", t.ID),
		zap.String("type", t.Type),
		zap.String("agent", a.Name()))

	timer := time.NewTimer(m.timeout(t.Type))
	defer timer.Stop()
	timedOut := false
	select {
	case <-t.Done():
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		timedOut = true
	}
	// The agent may finish between the timer firing and Fail; Fail then loses.
	if timedOut && t.Fail("timeout", time.Now()) == nil {
		m.logger.Warn("task timed out", zap.String("task", t.ID), zap.String("agent", a.Name()))
		m.archive(ctx, t)
		resp.Status = task.StatusFailed
		resp.Message = msgTimeout
		resp.Error = "timeout"
		return resp
	}

	info := t.Info()
	m.archive(ctx, t)
	resp.Status = info.Status
	resp.Result = info.Result
	if info.Status == task.StatusCompleted {
		resp.Message = info.Result.String()
	} else {
		resp.Message = msgFailed
		resp.Error = info.Error
	}
	return resp
}

func (m *Master) runFallback(ctx context.Context, t *task.Task, fn FallbackFunc) *Response {
	resp := &Response{TaskID: t.ID, TaskType: t.Type, Agent: agent.MasterName}
	_ = t.Assign(agent.MasterName)
	_ = t.Start(time.Now())

	res, err := func() (res *task.Result, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("fallback panicked: %v", r)
			}
		}()
		return fn(ctx, t)
	}()
	if err != nil {
		m.logger.Error("fallback failed", zap.String("task", t.ID), zap.Error(err))
		_ = t.Fail(err.Error(), time.Now())
		resp.Status = task.StatusFailed
		resp.Message = msgFailed
		resp.Error = err.Error()
	} else {
		if res == nil {
			res = &task.Result{}
		}
		_ = t.Complete(res, time.Now())
		resp.Status = task.StatusCompleted
		resp.Result = res
		resp.Message = res.String()
	}
	m.archive(ctx, t)
	return resp
}

// retryPlan decides whether a cannot_handle result can be retried with a fresh task.
func (m *Master) retryPlan(ctx context.Context, t *task.Task, resp *Response) (*task.Task, string, bool) {
	ch := resp.Result.CannotHandle

	m.mu.RLock()
	resolver := m.resolver
	m.mu.RUnlock()
	if len(ch.MissingInfo) > 0 && resolver != nil {
		if filled, ok := resolver.Resolve(ctx, t, ch.MissingInfo); ok {
			next := t.Clone()
			for k, v := range filled {
				next.Params[k] = v
			}
			return next, resp.Agent, true
		}
	}

	if ch.Suggestion != "" && ch.Suggestion != resp.Agent && m.known(ch.Suggestion) {
		return t.Clone(), ch.Suggestion, true
	}
	return nil, "", false
}

func (m *Master) known(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.agents[name]; ok {
		return true
	}
	_, ok := m.factories[name]
	return ok
}

// selectAgent implements the routing order: forced agent, static route,
// resident capability match preferring idle agents, declared factory capability.
func (m *Master) selectAgent(taskType, forced string) (agent.Agent, error) {
	name, err := m.target(taskType, forced)
	if err != nil {
		return nil, err
	}
	return m.getOrCreate(name)
}

func (m *Master) target(taskType, forced string) (string, error) {
	if forced != "" {
		if !m.known(forced) {
			return "", fmt.Errorf("forced agent %s: %w", forced, ErrNoAgent)
		}
		return forced, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if name, ok := m.routes[taskType]; ok {
		_, resident := m.agents[name]
		_, lazy := m.factories[name]
		if resident || lazy {
			return name, nil
		}
	}

	names := make([]string, 0, len(m.agents))
	for name := range m.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	var busy string
	for _, name := range names {
		a := m.agents[name]
		if !a.HasCapability(taskType) {
			continue
		}
		if a.Status() != agent.StatusBusy {
			return name, nil
		}
		if busy == "" {
			busy = name
		}
	}
	if busy != "" {
		return busy, nil
	}

	factories := make([]string, 0, len(m.factories))
	for name := range m.factories {
		factories = append(factories, name)
	}
	sort.Strings(factories)
	for _, name := range factories {
		for _, c := range m.factories[name].Capabilities {
			if c.Name == taskType {
				return name, nil
			}
		}
	}
	return "", fmt.Errorf("%s: %w", taskType, ErrNoAgent)
}

// getOrCreate returns a resident agent or creates it from its factory.
// Concurrent first uses share one creation.
func (m *Master) getOrCreate(name string) (agent.Agent, error) {
	m.mu.RLock()
	a, ok := m.agents[name]
	f, hasFactory := m.factories[name]
	m.mu.RUnlock()
	if ok {
		return a, nil
	}
	if !hasFactory {
		return nil, fmt.Errorf("%s: %w", name, ErrNoAgent)
	}

	v, err, _ := m.group.Do(name, func() (interface{}, error) {
		m.mu.RLock()
		existing, ok := m.agents[name]
		m.mu.RUnlock()
		if ok {
			return existing, nil
		}
		created, err := f.New()
		if err != nil {
			return nil, err
		}
		if err := m.AddAgent(created); err != nil {
			return nil, err
		}
		return created, nil
	})
	if err != nil {
		m.logger.Error("create agent", zap.String("agent", name), zap.Error(err))
		return nil, fmt.Errorf("create %s: %v: %w", name, err, ErrNoAgent)
	}
	return v.(agent.Agent), nil
}

func (m *Master) timeout(taskType string) time.Duration {
	best, bestLen := m.cfg.DefaultTimeout, -1
	for key, d := range m.cfg.Timeouts {
		if strings.Contains(taskType, key) && len(key) > bestLen {
			best, bestLen = d, len(key)
		}
	}
	return best
}

func (m *Master) archive(ctx context.Context, t *task.Task) {
	m.mu.RLock()
	ar := m.archiver
	m.mu.RUnlock()
	if ar == nil {
		return
	}
	if err := ar.ArchiveTask(context.WithoutCancel(ctx), t.Info()); err != nil {
		m.logger.Warn("archive task", zap.String("task", t.ID), zap.Error(err))
	}
}

// Broadcast sends a message from the master to every registered agent.
func (m *Master) Broadcast(ctx context.Context, msgType string, payload map[string]any) error {
	if m.bus == nil {
		return fmt.Errorf("broadcast: no bus")
	}
	return m.bus.Publish(ctx, bus.NewMessage(agent.MasterName, bus.Broadcast, msgType, payload))
}

// Catalogue lists every capability the system can serve, resident or not.
func (m *Master) Catalogue() []agent.Capability {
	m.mu.RLock()
	seen := make(map[string]agent.Capability)
	for _, a := range m.agents {
		for _, c := range a.Capabilities() {
			seen[c.Name] = c
		}
	}
	for name, f := range m.factories {
		if _, resident := m.agents[name]; resident {
			continue
		}
		for _, c := range f.Capabilities {
			if _, ok := seen[c.Name]; !ok {
				seen[c.Name] = c
			}
		}
	}
	m.mu.RUnlock()

	out := make([]agent.Capability, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Agents reports resident agents and declared but not yet created ones.
func (m *Master) Agents() []agent.Info {
	m.mu.RLock()
	var out []agent.Info
	for _, a := range m.agents {
		out = append(out, a.Info())
	}
	for name, f := range m.factories {
		if _, resident := m.agents[name]; resident {
			continue
		}
		out = append(out, agent.Info{Name: name, Status: agent.StatusOffline, Capabilities: f.Capabilities})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resident reports whether an agent has been instantiated.
func (m *Master) Resident(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.agents[name]
	return ok
}
