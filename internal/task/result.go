package task

import (
	"encoding/json"
	"fmt"
)

// Result is what an agent hands back for a task: a human-readable message,
// optional structured data, or a CannotHandle sentinel.
type Result struct {
	Message      string         `json:"message,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	CannotHandle *CannotHandle  `json:"cannot_handle,omitempty"`
}

// CannotHandle signals that the agent understood the routing but lacks
// information or support. It is a normal result, not a failure.
type CannotHandle struct {
	Agent       string            `json:"agent"`
	Reason      string            `json:"reason"`
	Suggestion  string            `json:"suggestion,omitempty"`
	MissingInfo map[string]string `json:"missing_info,omitempty"`
}

// Text builds a plain message result.
func Text(msg string) *Result {
	return &Result{Message: msg}
}

// Textf builds a formatted message result.
func Textf(format string, args ...any) *Result {
	return &Result{Message: fmt.Sprintf(format, args...)}
}

// Structured builds a result carrying machine-readable data.
func Structured(msg string, data map[string]any) *Result {
	return &Result{Message: msg, Data: data}
}

// Unable builds a cannot_handle result.
func Unable(agent, reason, suggestion string, missing map[string]string) *Result {
	return &Result{CannotHandle: &CannotHandle{
		Agent:       agent,
		Reason:      reason,
		Suggestion:  suggestion,
		MissingInfo: missing,
	}}
}

// IsCannotHandle reports whether r is a cannot_handle sentinel.
func (r *Result) IsCannotHandle() bool {
	return r != nil && r.CannotHandle != nil
}

// String renders the result as user-facing text.
func (r *Result) String() string {
	switch {
	case r == nil:
		return ""
	case r.CannotHandle != nil:
		return r.CannotHandle.Reason
	case r.Message != "":
		return r.Message
	case len(r.Data) > 0:
		b, err := json.Marshal(r.Data)
		if err != nil {
			return fmt.Sprint(r.Data)
		}
		return string(b)
	default:
		return ""
	}
}
