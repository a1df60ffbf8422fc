package providers

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/refrain2333/Refrain/kernel/model"
)

const (
	defaultAnthropicMaxTokens = 4096
	minAnthropicThinkingTok   = 1024
)

type anthropicBackend struct {
	name        string
	client      anthropic.Client
	streamHTTP  option.RequestOption
	maxTokens   int64
	temperature *float64
	obs         *observer
}

func newAnthropic(cfg Config, token string, d deps) *anthropicBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(token),
		option.WithHTTPClient(d.httpClient(cfg.Timeout)),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	maxTok := int64(cfg.MaxOutputTok)
	if maxTok <= 0 {
		maxTok = defaultAnthropicMaxTokens
	}
	return &anthropicBackend{
		name:        cfg.Model,
		client:      anthropic.NewClient(opts...),
		streamHTTP:  option.WithHTTPClient(d.streamClient(cfg.Timeout)),
		maxTokens:   maxTok,
		temperature: cfg.Temperature,
		obs:         d.observer(cfg),
	}
}

func (b *anthropicBackend) Name() string {
	return b.name
}

func (b *anthropicBackend) modelFor(req *model.Request) string {
	if req != nil && strings.TrimSpace(req.Options.Model) != "" {
		return strings.TrimSpace(req.Options.Model)
	}
	return b.name
}

func (b *anthropicBackend) Chat(ctx context.Context, req *model.Request) (*model.Fragment, error) {
	ctx, c := b.obs.start(ctx, "chat", req, b.modelFor(req))
	if req == nil {
		return nil, c.fail(model.NewCodedError(model.ErrorCodeBackend, "providers: request is nil"))
	}
	msg, err := b.client.Messages.New(ctx, b.params(req))
	if err != nil {
		return nil, c.fail(anthropicError(ctx, err))
	}
	frag := anthropicFragment(msg)
	c.done(ctx, frag.Usage)
	return frag, nil
}

// StructuredChat forces a single tool call whose input schema is the
// requested schema; the tool input is the structured value.
func (b *anthropicBackend) StructuredChat(ctx context.Context, req *model.Request, schema model.Schema) (json.RawMessage, error) {
	ctx, c := b.obs.start(ctx, "structured_chat", req, b.modelFor(req))
	if req == nil {
		return nil, c.fail(model.NewCodedError(model.ErrorCodeBackend, "providers: request is nil"))
	}
	name := strings.TrimSpace(schema.Name)
	if name == "" {
		name = "response"
	}
	forced := *req
	forced.Tools = []model.ToolDefinition{{
		Name:        name,
		Description: schema.Description,
		Parameters:  schema.Parameters,
	}}
	forced.ToolChoice = model.ToolChoice(name)
	forced.Options.Reasoning = model.ReasoningConfig{}
	msg, err := b.client.Messages.New(ctx, b.params(&forced))
	if err != nil {
		return nil, c.fail(anthropicError(ctx, err))
	}
	frag := anthropicFragment(msg)
	for _, call := range frag.ToolCalls {
		if call.FunctionName == name && json.Valid([]byte(call.FunctionArgs)) {
			c.done(ctx, frag.Usage)
			return json.RawMessage(call.FunctionArgs), nil
		}
	}
	return nil, c.fail(model.NewCodedError(model.ErrorCodeBackend, "providers: model did not produce structured output for %q", name))
}

func (b *anthropicBackend) StreamChat(ctx context.Context, req *model.Request) iter.Seq2[*model.Fragment, error] {
	return b.obs.stream(ctx, req, b.modelFor(req), func(ctx context.Context) iter.Seq2[*model.Frame, error] {
		return b.frames(ctx, req)
	})
}

func (b *anthropicBackend) frames(ctx context.Context, req *model.Request) iter.Seq2[*model.Frame, error] {
	return func(yield func(*model.Frame, error) bool) {
		if req == nil {
			yield(nil, model.NewCodedError(model.ErrorCodeBackend, "providers: request is nil"))
			return
		}
		stream := b.client.Messages.NewStreaming(ctx, b.params(req), b.streamHTTP)
		defer stream.Close()
		var conv anthropicFrames
		for stream.Next() {
			frame := conv.frame(stream.Current())
			if frame == nil {
				continue
			}
			if !yield(frame, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(nil, anthropicError(ctx, err))
		}
	}
}

func (b *anthropicBackend) params(req *model.Request) anthropic.MessageNewParams {
	system, messages := toAnthropicMessages(req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.modelFor(req)),
		MaxTokens: b.maxTokens,
		Messages:  messages,
	}
	if req.Options.MaxTokens > 0 {
		params.MaxTokens = int64(req.Options.MaxTokens)
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.ToolChoice.Normalized() != model.ToolChoiceNone {
		if tools := toAnthropicTools(req.Tools); len(tools) > 0 {
			params.Tools = tools
			params.ToolChoice = anthropicToolChoice(req.ToolChoice)
		}
	}
	reasoning := req.Options.Reasoning
	if reasoning.Enabled != nil && *reasoning.Enabled {
		budget := int64(reasoning.BudgetTokens)
		if budget < minAnthropicThinkingTok {
			budget = minAnthropicThinkingTok
		}
		if params.MaxTokens <= budget {
			params.MaxTokens = budget + minAnthropicThinkingTok
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
		return params
	}
	temperature := b.temperature
	if req.Options.Temperature != nil {
		temperature = req.Options.Temperature
	}
	if temperature != nil {
		params.Temperature = anthropic.Float(*temperature)
	}
	return params
}

func toAnthropicMessages(messages []model.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, anthropic.TextBlockParam{Text: m.Content})
			}
		case model.RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				args := strings.TrimSpace(call.FunctionArgs)
				if args == "" {
					args = "{}"
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, json.RawMessage(args), call.FunctionName))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case model.RoleTool:
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return system, out
}

func toAnthropicTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{
			Properties: t.Parameters["properties"],
			Required:   requiredFields(t.Parameters["required"]),
		}
		tool := &anthropic.ToolParam{
			Name:        t.Name,
			InputSchema: schema,
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: tool})
	}
	return out
}

func requiredFields(value any) []string {
	switch typed := value.(type) {
	case []string:
		return typed
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func anthropicToolChoice(choice model.ToolChoice) anthropic.ToolChoiceUnionParam {
	if name, ok := choice.Function(); ok {
		return anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: name}}
	}
	if choice.Normalized() == model.ToolChoiceRequired {
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	}
	return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
}

func anthropicFragment(msg *anthropic.Message) *model.Fragment {
	var content, reasoning strings.Builder
	frag := &model.Fragment{Final: true}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		case "tool_use":
			frag.ToolCalls = append(frag.ToolCalls, model.ToolCall{
				ID:           block.ID,
				FunctionName: block.Name,
				FunctionArgs: string(block.Input),
				Kind:         "function",
			})
		}
	}
	frag.Content = content.String()
	frag.FinalContent = frag.Content
	frag.Reasoning = reasoning.String()
	frag.FinalReasoning = frag.Reasoning
	frag.FinishReason = anthropicFinish(string(msg.StopReason))
	frag.Usage = model.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	return frag
}

// anthropicFrames normalizes Messages API stream events into frames. Usage is
// split across message_start and message_delta, so it is carried here and
// reported on message_stop as the usage-only frame.
type anthropicFrames struct {
	usage model.Usage
}

func (a *anthropicFrames) frame(event anthropic.MessageStreamEventUnion) *model.Frame {
	switch ev := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		a.usage.PromptTokens = int(ev.Message.Usage.InputTokens)
	case anthropic.ContentBlockStartEvent:
		if ev.ContentBlock.Type != "tool_use" {
			return nil
		}
		return &model.Frame{Choice: &model.FrameChoice{ToolCalls: []model.ToolCallDelta{{
			Index:     int(ev.Index),
			ID:        ev.ContentBlock.ID,
			NameDelta: ev.ContentBlock.Name,
		}}}}
	case anthropic.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			return &model.Frame{Choice: &model.FrameChoice{Content: delta.Text}}
		case anthropic.ThinkingDelta:
			return &model.Frame{Choice: &model.FrameChoice{Reasoning: delta.Thinking}}
		case anthropic.InputJSONDelta:
			return &model.Frame{Choice: &model.FrameChoice{ToolCalls: []model.ToolCallDelta{{
				Index:     int(ev.Index),
				ArgsDelta: delta.PartialJSON,
			}}}}
		}
	case anthropic.MessageDeltaEvent:
		if ev.Usage.OutputTokens > 0 {
			a.usage.CompletionTokens = int(ev.Usage.OutputTokens)
		}
		if ev.Delta.StopReason != "" {
			return &model.Frame{Choice: &model.FrameChoice{FinishReason: anthropicFinish(string(ev.Delta.StopReason))}}
		}
	case anthropic.MessageStopEvent:
		usage := a.usage
		return &model.Frame{Usage: &usage}
	}
	return nil
}

func anthropicFinish(reason string) model.FinishReason {
	switch reason {
	case "":
		return ""
	case "tool_use":
		return model.FinishToolCalls
	case "max_tokens":
		return model.FinishLength
	case "refusal":
		return model.FinishContentFilter
	default:
		return model.FinishStop
	}
}

func anthropicError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return model.WrapCodedError(model.ErrorCodeBackend, &StatusError{
			StatusCode: apiErr.StatusCode,
			Body:       strings.TrimSpace(apiErr.RawJSON()),
		}, "providers: upstream rejected request")
	}
	return backendError(err, "providers: anthropic request")
}
