package model

import (
	"context"
	"encoding/json"
)

// Message is one chat message in provider wire shape.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// StreamRequest is a streaming chat completion request.
type StreamRequest struct {
	Model    string
	Messages []Message
	Tools    []ToolDef
}

// Result kinds for a finished stream.
const (
	ResultContent   = "content"
	ResultToolCalls = "tool_calls"
)

// StreamResult summarizes a finished stream: either accumulated content or a
// set of tool calls the caller must execute before re-dispatching.
type StreamResult struct {
	Kind         string
	Content      string
	FinishReason string
	ToolCalls    []ToolCall
}

// DeltaHandler receives streaming text fragments as they arrive.
type DeltaHandler func(delta string) error

// Provider is the language model backend. Stream delivers content deltas
// through onDelta; Complete and Embed are single-shot utility calls.
type Provider interface {
	Stream(ctx context.Context, req StreamRequest, onDelta DeltaHandler) (StreamResult, error)
	Complete(ctx context.Context, model string, messages []Message) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}
