package actionlog

import (
	"time"

	"github.com/go-go-golems/turnguard/pkg/params"
)

type ActionKind string

const (
	ActionText       ActionKind = "text_response"
	ActionToolCall   ActionKind = "tool_call"
	ActionToolResult ActionKind = "tool_result"
	ActionError      ActionKind = "error"
)

// TurnAction is one thing that happened inside a turn. Which fields are set
// depends on Kind.
type TurnAction struct {
	Kind     ActionKind     `json:"kind" yaml:"kind"`
	At       time.Time      `json:"at" yaml:"at"`
	Text     string         `json:"text,omitempty" yaml:"text,omitempty"`
	ToolName string         `json:"tool_name,omitempty" yaml:"tool_name,omitempty"`
	ToolArgs map[string]any `json:"tool_args,omitempty" yaml:"tool_args,omitempty"`
	Result   string         `json:"result,omitempty" yaml:"result,omitempty"`
	Error    string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// TurnRecord is the audit record of one attempted turn.
type TurnRecord struct {
	ID          string        `json:"id" yaml:"id"`
	UserID      string        `json:"user_id" yaml:"user_id"`
	StartedAt   time.Time     `json:"started_at" yaml:"started_at"`
	Prompt      string        `json:"prompt" yaml:"prompt"`
	Actions     []TurnAction  `json:"actions" yaml:"actions"`
	Params      params.Params `json:"params,omitempty" yaml:"params,omitempty"`
	DurationMS  int64         `json:"duration_ms" yaml:"duration_ms"`
	Completed   bool          `json:"completed" yaml:"completed"`
	AbortReason string        `json:"abort_reason,omitempty" yaml:"abort_reason,omitempty"`
}

func (r *TurnRecord) Duration() time.Duration {
	return time.Duration(r.DurationMS) * time.Millisecond
}

// CountKind counts actions of one kind.
func (r *TurnRecord) CountKind(kind ActionKind) int {
	n := 0
	for _, a := range r.Actions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

func (r *TurnRecord) clone() TurnRecord {
	out := *r
	out.Actions = make([]TurnAction, len(r.Actions))
	for i, a := range r.Actions {
		if a.ToolArgs != nil {
			args := make(map[string]any, len(a.ToolArgs))
			for k, v := range a.ToolArgs {
				args[k] = v
			}
			a.ToolArgs = args
		}
		out.Actions[i] = a
	}
	if r.Params != nil {
		out.Params = r.Params.Clone()
	}
	return out
}
