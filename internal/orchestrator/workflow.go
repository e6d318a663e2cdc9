package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nidhogg/aide/internal/task"
	"go.uber.org/zap"
)

var outputRefRe = regexp.MustCompile(`\{output:([^}]*)\}`)

// RunWorkflow executes steps in order. String params and content may reference
// the previous step's output as {previous_result} or {{previous_result}}, or a
// labeled step's output as {output:<label>}. The workflow stops at the first
// step that does not complete.
func (m *Master) RunWorkflow(ctx context.Context, steps []Intent) *Outcome {
	start := time.Now()
	outcome := &Outcome{}
	outputs := make(map[string]string)
	previous := ""

	for i, step := range steps {
		if i > 0 {
			step = substitute(step, previous, outputs)
		}
		resp := m.Handle(ctx, step)
		outcome.Steps = append(outcome.Steps, resp)
		if !resp.OK() {
			m.logger.Info("workflow stopped",
				zap.Int("step", i),
				zap.String("type", step.TaskType),
				zap.String("status", string(resp.Status)))
			break
		}
		previous = stepOutput(resp.Result)
		if step.Label != "" {
			outputs[step.Label] = previous
		}
	}

	outcome.Summary = aggregate(outcome.Steps)
	outcome.Duration = time.Since(start)
	return outcome
}

// RunBatch executes independent intents in parallel through the dispatcher.
// Responses keep the order of the input.
func (m *Master) RunBatch(ctx context.Context, intents []Intent) *Outcome {
	start := time.Now()
	jobs := make([]Job, len(intents))
	for i, in := range intents {
		forced, _ := in.Params[ForceAgentParam].(string)
		key, err := m.target(in.TaskType, forced)
		if err != nil {
			key = in.TaskType
		}
		jobs[i] = Job{
			Index: i,
			Key:   key,
			Run:   func(ctx context.Context) *Response { return m.Handle(ctx, in) },
		}
	}

	steps := make([]*Response, len(intents))
	for r := range m.dispatcher.Dispatch(ctx, jobs) {
		steps[r.Index] = r.Response
	}
	return &Outcome{
		Steps:    steps,
		Summary:  aggregate(steps),
		Duration: time.Since(start),
	}
}

// Running returns the number of batch jobs in flight.
func (m *Master) Running() int { return m.dispatcher.Running() }

// stepOutput reduces a result to the text passed on to the next step.
func stepOutput(r *task.Result) string {
	if r == nil {
		return ""
	}
	if r.Message != "" {
		return r.Message
	}
	for _, key := range []string{"output", "message"} {
		if s, ok := r.Data[key].(string); ok {
			return s
		}
	}
	return r.String()
}

func substitute(in Intent, previous string, outputs map[string]string) Intent {
	replace := func(s string) string {
		s = strings.ReplaceAll(s, "{{previous_result}}", previous)
		s = strings.ReplaceAll(s, "{previous_result}", previous)
		return outputRefRe.ReplaceAllStringFunc(s, func(ref string) string {
			label := outputRefRe.FindStringSubmatch(ref)[1]
			if out, ok := outputs[label]; ok {
				return out
			}
			return previous
		})
	}

	out := in
	out.Content = replace(in.Content)
	out.Params = make(map[string]any, len(in.Params))
	for k, v := range in.Params {
		if s, ok := v.(string); ok {
			out.Params[k] = replace(s)
		} else {
			out.Params[k] = v
		}
	}
	return out
}

// aggregate concatenates step outputs.
func aggregate(steps []*Response) string {
	var buf strings.Builder
	for i, r := range steps {
		if i > 0 {
			buf.WriteString("\n---\n")
		}
		switch {
		case r == nil:
			buf.WriteString("任务失败: no response")
		case r.OK():
			buf.WriteString(r.Message)
		case r.Result.IsCannotHandle():
			fmt.Fprintf(&buf, "任务失败: %s", r.Result.CannotHandle.Reason)
		case r.Error != "":
			fmt.Fprintf(&buf, "任务失败: %s", r.Error)
		default:
			fmt.Fprintf(&buf, "任务失败: %s", r.Message)
		}
	}
	return buf.String()
}
