package orchestrator

import (
	"time"

	"github.com/nidhogg/aide/internal/task"
)

// Intent is a request already parsed by the channel layer into a task type and params.
type Intent struct {
	TaskType string         `json:"task_type"`
	Content  string         `json:"content,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Priority task.Priority  `json:"priority,omitempty"`
	// Label names a workflow step so later steps can reference its output.
	Label string `json:"label,omitempty"`
}

// Response is what the master returns for one task.
type Response struct {
	TaskID   string        `json:"task_id"`
	TaskType string        `json:"task_type"`
	Agent    string        `json:"agent,omitempty"`
	Status   task.Status   `json:"status"`
	Message  string        `json:"message"`
	Result   *task.Result  `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Retried  bool          `json:"retried,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether the task completed with a usable result.
func (r *Response) OK() bool {
	return r.Status == task.StatusCompleted && !r.Result.IsCannotHandle()
}

// Outcome aggregates the responses of a workflow or batch.
type Outcome struct {
	Steps    []*Response   `json:"steps"`
	Summary  string        `json:"summary"`
	Duration time.Duration `json:"duration"`
}

// User-facing texts.
const (
	msgNoAgent  = "未找到能处理该任务的智能体"
	msgRejected = "智能体拒绝接受任务"
	msgTimeout  = "⏳ 任务处理超时"
	msgFailed   = "抱歉，任务执行失败了，请稍后再试。"
)
