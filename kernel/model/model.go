package model

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"strings"
)

// Role identifies message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one transcript entry. ToolCalls and ToolCallID are only used
// when a caller feeds tool results back to the model.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolDefinition describes a callable tool for model planning.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolChoice is the tool selection policy: auto, none, required, or the
// name of one tool the model must call.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// Normalized returns the policy with the "auto" default applied.
func (c ToolChoice) Normalized() ToolChoice {
	value := ToolChoice(strings.TrimSpace(string(c)))
	if value == "" {
		return ToolChoiceAuto
	}
	return value
}

// Function returns the forced tool name when the policy names one.
func (c ToolChoice) Function() (string, bool) {
	switch value := c.Normalized(); value {
	case ToolChoiceAuto, ToolChoiceNone, ToolChoiceRequired:
		return "", false
	default:
		return string(value), true
	}
}

// ReasoningConfig controls provider reasoning/thinking behavior. It travels
// beside the main options and each backend maps it onto its own side channel.
type ReasoningConfig struct {
	// Enabled toggles reasoning mode when supported by provider.
	Enabled *bool
	// BudgetTokens limits provider thinking tokens when supported.
	BudgetTokens int
	// Effort is provider-specific reasoning effort hint, e.g. low|medium|high.
	Effort string
}

// Options are per-call overrides. Extra is merged into the provider request
// body without replacing fields the backend sets itself.
type Options struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	Reasoning   ReasoningConfig
	Extra       map[string]any
}

// Request is a provider-agnostic model request.
type Request struct {
	Messages   []Message
	Tools      []ToolDefinition
	ToolChoice ToolChoice
	Options    Options
}

// Usage reports model token usage. Zero when the backend never reported it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	ReasoningTokens  int
}

// IsZero reports whether no counter was filled in.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.ReasoningTokens == 0
}

// LogValue implements slog.LogValuer.
func (u Usage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("prompt_tokens", u.PromptTokens),
		slog.Int("completion_tokens", u.CompletionTokens),
		slog.Int("reasoning_tokens", u.ReasoningTokens),
	)
}

// FinishReason tells why the model stopped producing output.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
)

const toolCallKindFunction = "function"

// ToolCall is a model-emitted tool invocation request. FunctionArgs keeps the
// raw JSON text exactly as the model produced it.
type ToolCall struct {
	ID           string
	FunctionName string
	FunctionArgs string
	Kind         string
}

// Args parses FunctionArgs. Malformed or non-object JSON yields an empty map.
func (c ToolCall) Args() map[string]any {
	out := map[string]any{}
	raw := strings.TrimSpace(c.FunctionArgs)
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		slog.Debug("model: malformed tool call arguments",
			"error_code", ErrorCodeMalformedData,
			"tool", c.FunctionName,
			"error", err,
		)
		return map[string]any{}
	}
	if out == nil {
		return map[string]any{}
	}
	return out
}

// Fragment is one unit of assistant output.
//
// Streams produce delta fragments (Final false, Content/Reasoning carry the
// frame's increment) followed by exactly one final fragment (Final true,
// FinalContent/FinalReasoning carry the assembled turn). Non-streaming calls
// return a single final fragment whose Content equals FinalContent.
type Fragment struct {
	Content        string
	Reasoning      string
	FinalContent   string
	FinalReasoning string
	Final          bool
	ToolCalls      []ToolCall
	Usage          Usage
	FinishReason   FinishReason
}

// Backend is the polymorphic model client.
type Backend interface {
	Name() string
	Chat(context.Context, *Request) (*Fragment, error)
	StructuredChat(context.Context, *Request, Schema) (json.RawMessage, error)
	StreamChat(context.Context, *Request) iter.Seq2[*Fragment, error]
}

// Schema constrains structured output to one JSON schema object.
type Schema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Structured runs StructuredChat and decodes the result into T.
func Structured[T any](ctx context.Context, backend Backend, req *Request, schema Schema) (T, error) {
	var out T
	if backend == nil {
		return out, NewCodedError(ErrorCodeConfig, "model: backend is nil")
	}
	raw, err := backend.StructuredChat(ctx, req, schema)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, WrapCodedError(ErrorCodeBackend, err, "model: structured output does not match schema %q", schema.Name)
	}
	return out, nil
}
