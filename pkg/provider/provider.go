// Package provider defines the capability interfaces the supervisor uses to
// talk to an external agent.
package provider

import (
	"context"

	"github.com/pkg/errors"
)

type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
	BlockError      BlockKind = "error"
)

// ContentBlock is one streamed piece of agent output. Only the fields that
// belong to Kind are set.
type ContentBlock struct {
	Kind       BlockKind      `json:"type"`
	Text       string         `json:"text,omitempty"`
	ToolName   string         `json:"name,omitempty"`
	ToolInput  map[string]any `json:"input,omitempty"`
	ToolResult string         `json:"content,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func TextBlock(text string) ContentBlock { return ContentBlock{Kind: BlockText, Text: text} }

func ToolUseBlock(name string, input map[string]any) ContentBlock {
	return ContentBlock{Kind: BlockToolUse, ToolName: name, ToolInput: input}
}

func ToolResultBlock(name, result string) ContentBlock {
	return ContentBlock{Kind: BlockToolResult, ToolName: name, ToolResult: result}
}

func ErrorBlock(msg string) ContentBlock { return ContentBlock{Kind: BlockError, Error: msg} }

// ErrAborted is returned by Query when the call was stopped through Abort.
var ErrAborted = errors.New("provider: query aborted")

// Provider is an agent that answers one prompt at a time.
//
// Query streams blocks to emit in order and returns when the agent is done.
// An error from emit stops the query and is returned. Abort asks the in-flight
// query to stop; it is cooperative and a no-op when nothing is running.
type Provider interface {
	IsAvailable() bool
	Query(ctx context.Context, prompt string, emit func(ContentBlock) error) error
	Abort()
}

type ContextMode string

const (
	ContextNone     ContextMode = "none"
	ContextContinue ContextMode = "continue"
	ContextResume   ContextMode = "resume"
)

// SessionProvider keeps conversation state on the agent side. Providers that
// do not implement it are treated as stateless.
type SessionProvider interface {
	Provider
	SessionID() string
	SetSessionID(id string)
	SetContextMode(mode ContextMode)
	ClearContext()
}

// Factory builds the provider instance serving one user.
type Factory func(userID string) (Provider, error)

// Collect runs a query and concatenates its text blocks.
func Collect(ctx context.Context, p Provider, prompt string) (string, error) {
	var out []byte
	err := p.Query(ctx, prompt, func(b ContentBlock) error {
		if b.Kind == BlockText {
			out = append(out, b.Text...)
		}
		return nil
	})
	return string(out), err
}
