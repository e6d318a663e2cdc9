package task

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status tracks where a task is in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// validTransitions defines allowed state transitions. Terminal states have no entry.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid task transition")

// Transition returns nil if from→to is a legal transition.
func Transition(from, to Status) error {
	for _, s := range validTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %q → %q", ErrInvalidTransition, from, to)
}

// Priority orders tasks. LOW < MEDIUM < HIGH.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "medium"
	}
}

// ParsePriority accepts "low", "medium"/"normal" and "high" in any case.
// Anything else maps to medium.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "high", "urgent":
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	*p = ParsePriority(string(b))
	return nil
}

// Task is one unit of work routed between the orchestrator and agents.
//
// The identifying fields (ID, Type, Content, Params, Priority, CreatedBy, CreatedAt)
// are set before the task is handed to an agent and not changed afterwards. The
// lifecycle fields are only written through Start, Complete and Fail; read them
// with Info or after Done is closed.
type Task struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Params    map[string]any `json:"params,omitempty"`
	Priority  Priority       `json:"priority"`
	CreatedBy string         `json:"created_by,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	NoRetry   bool           `json:"no_retry,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	mu          sync.Mutex
	status      Status
	result      *Result
	err         string
	assignedTo  string
	startedAt   *time.Time
	completedAt *time.Time
	done        chan struct{}
}

// New creates a pending task with a fresh id.
func New(taskType, content string, params map[string]any, priority Priority) *Task {
	if params == nil {
		params = make(map[string]any)
	}
	if priority == 0 {
		priority = PriorityMedium
	}
	return &Task{
		ID:        uuid.New().String(),
		Type:      taskType,
		Content:   content,
		Params:    params,
		Priority:  priority,
		CreatedAt: time.Now(),
		status:    StatusPending,
		done:      make(chan struct{}),
	}
}

// Info is a point-in-time copy of a task, safe to serialize.
type Info struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Content     string         `json:"content"`
	Params      map[string]any `json:"params,omitempty"`
	Priority    Priority       `json:"priority"`
	Status      Status         `json:"status"`
	Result      *Result        `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	AssignedTo  string         `json:"assigned_to,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Info returns a snapshot of the task.
func (t *Task) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		ID:          t.ID,
		Type:        t.Type,
		Content:     t.Content,
		Params:      t.Params,
		Priority:    t.Priority,
		Status:      t.status,
		Result:      t.result,
		Error:       t.err,
		AssignedTo:  t.assignedTo,
		CreatedBy:   t.CreatedBy,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.startedAt,
		CompletedAt: t.completedAt,
	}
}

// Status returns the current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Result returns the result once the task completed, nil otherwise.
func (t *Task) Result() *Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the failure reason of a failed task.
func (t *Task) Err() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// AssignedTo returns the name of the agent holding the task.
func (t *Task) AssignedTo() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.assignedTo
}

// Assign records which agent queued the task. Only valid while pending.
func (t *Task) Assign(agent string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPending {
		return fmt.Errorf("%w: assign in %q", ErrInvalidTransition, t.status)
	}
	t.assignedTo = agent
	return nil
}

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Start moves a pending task to running.
func (t *Task) Start(now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := Transition(t.status, StatusRunning); err != nil {
		return err
	}
	t.status = StatusRunning
	t.startedAt = &now
	return nil
}

// Complete moves a running task to completed with the given result.
func (t *Task) Complete(result *Result, now time.Time) error {
	return t.finish(StatusCompleted, result, "", now)
}

// Fail moves a pending or running task to failed.
func (t *Task) Fail(reason string, now time.Time) error {
	return t.finish(StatusFailed, nil, reason, now)
}

func (t *Task) finish(to Status, result *Result, reason string, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := Transition(t.status, to); err != nil {
		return err
	}
	t.status = to
	t.result = result
	t.err = reason
	t.completedAt = &now
	close(t.done)
	return nil
}

// Clone returns a fresh pending task carrying the same request. Used when a
// terminal task has to be resubmitted.
func (t *Task) Clone() *Task {
	params := make(map[string]any, len(t.Params))
	for k, v := range t.Params {
		params[k] = v
	}
	c := New(t.Type, t.Content, params, t.Priority)
	c.CreatedBy = t.CreatedBy
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.NoRetry = t.NoRetry
	return c
}

// StringParam returns a string param or "" when absent or not a string.
func (t *Task) StringParam(key string) string {
	v, ok := t.Params[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
