package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/refrain2333/Refrain/kernel/model"
)

type geminiBackend struct {
	name        string
	client      *genai.Client
	stream      *genai.Client
	temperature *float64
	obs         *observer
}

func newGemini(ctx context.Context, cfg Config, token string, d deps) (*geminiBackend, error) {
	client, err := geminiClient(ctx, cfg, token, d.httpClient(cfg.Timeout))
	if err != nil {
		return nil, err
	}
	stream, err := geminiClient(ctx, cfg, token, d.streamClient(cfg.Timeout))
	if err != nil {
		return nil, err
	}
	return &geminiBackend{
		name:        cfg.Model,
		client:      client,
		stream:      stream,
		temperature: cfg.Temperature,
		obs:         d.observer(cfg),
	}, nil
}

func geminiClient(ctx context.Context, cfg Config, token string, hc *http.Client) (*genai.Client, error) {
	cc := &genai.ClientConfig{
		APIKey:     token,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: hc,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, model.WrapCodedError(model.ErrorCodeConfig, err, "providers: gemini client for %q", cfg.Alias)
	}
	return client, nil
}

func (b *geminiBackend) Name() string {
	return b.name
}

func (b *geminiBackend) modelFor(req *model.Request) string {
	if req != nil && strings.TrimSpace(req.Options.Model) != "" {
		return strings.TrimSpace(req.Options.Model)
	}
	return b.name
}

func (b *geminiBackend) Chat(ctx context.Context, req *model.Request) (*model.Fragment, error) {
	ctx, c := b.obs.start(ctx, "chat", req, b.modelFor(req))
	if req == nil {
		return nil, c.fail(model.NewCodedError(model.ErrorCodeBackend, "providers: request is nil"))
	}
	contents, config := b.build(req)
	resp, err := b.client.Models.GenerateContent(ctx, b.modelFor(req), contents, config)
	if err != nil {
		return nil, c.fail(geminiError(ctx, err))
	}
	frag := geminiFragment(resp)
	c.done(ctx, frag.Usage)
	return frag, nil
}

func (b *geminiBackend) StructuredChat(ctx context.Context, req *model.Request, schema model.Schema) (json.RawMessage, error) {
	ctx, c := b.obs.start(ctx, "structured_chat", req, b.modelFor(req))
	if req == nil {
		return nil, c.fail(model.NewCodedError(model.ErrorCodeBackend, "providers: request is nil"))
	}
	plain := *req
	plain.Tools = nil
	contents, config := b.build(&plain)
	config.ResponseMIMEType = "application/json"
	config.ResponseJsonSchema = schema.Parameters
	resp, err := b.client.Models.GenerateContent(ctx, b.modelFor(req), contents, config)
	if err != nil {
		return nil, c.fail(geminiError(ctx, err))
	}
	frag := geminiFragment(resp)
	raw := json.RawMessage(strings.TrimSpace(frag.Content))
	if len(raw) == 0 || !json.Valid(raw) {
		return nil, c.fail(model.NewCodedError(model.ErrorCodeBackend, "providers: structured output for %q is not valid json", schema.Name))
	}
	c.done(ctx, frag.Usage)
	return raw, nil
}

func (b *geminiBackend) StreamChat(ctx context.Context, req *model.Request) iter.Seq2[*model.Fragment, error] {
	return b.obs.stream(ctx, req, b.modelFor(req), func(ctx context.Context) iter.Seq2[*model.Frame, error] {
		return b.frames(ctx, req)
	})
}

func (b *geminiBackend) frames(ctx context.Context, req *model.Request) iter.Seq2[*model.Frame, error] {
	return func(yield func(*model.Frame, error) bool) {
		if req == nil {
			yield(nil, model.NewCodedError(model.ErrorCodeBackend, "providers: request is nil"))
			return
		}
		contents, config := b.build(req)
		var conv geminiFrames
		for resp, err := range b.stream.Models.GenerateContentStream(ctx, b.modelFor(req), contents, config) {
			if err != nil {
				yield(nil, geminiError(ctx, err))
				return
			}
			frame := conv.frame(resp)
			if frame == nil {
				continue
			}
			if !yield(frame, nil) {
				return
			}
		}
		if usage := conv.usage; !usage.IsZero() {
			yield(&model.Frame{Usage: &usage}, nil)
		}
	}
}

func (b *geminiBackend) build(req *model.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, contents := toGeminiContents(req.Messages)
	config := &genai.GenerateContentConfig{SystemInstruction: system}
	temperature := b.temperature
	if req.Options.Temperature != nil {
		temperature = req.Options.Temperature
	}
	if temperature != nil {
		config.Temperature = genai.Ptr(float32(*temperature))
	}
	if req.ToolChoice.Normalized() != model.ToolChoiceNone && len(req.Tools) > 0 {
		config.Tools = toGeminiTools(req.Tools)
		config.ToolConfig = geminiToolConfig(req.ToolChoice)
	}
	if reasoning := req.Options.Reasoning; reasoning.Enabled != nil {
		thinking := &genai.ThinkingConfig{IncludeThoughts: *reasoning.Enabled}
		switch {
		case !*reasoning.Enabled:
			thinking.ThinkingBudget = genai.Ptr[int32](0)
		case reasoning.BudgetTokens > 0:
			thinking.ThinkingBudget = genai.Ptr(int32(reasoning.BudgetTokens))
		}
		config.ThinkingConfig = thinking
	}
	return contents, config
}

func toGeminiContents(messages []model.Message) (*genai.Content, []*genai.Content) {
	var system *genai.Content
	names := map[string]string{}
	out := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, &genai.Part{Text: m.Content})
		case model.RoleAssistant:
			content := &genai.Content{Role: "model"}
			if m.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
			}
			for _, call := range m.ToolCalls {
				names[call.ID] = call.FunctionName
				content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: call.FunctionName,
					Args: call.Args(),
				}})
			}
			if len(content.Parts) > 0 {
				out = append(out, content)
			}
		case model.RoleTool:
			out = append(out, &genai.Content{Role: "user", Parts: []*genai.Part{{
				FunctionResponse: &genai.FunctionResponse{
					ID:       m.ToolCallID,
					Name:     names[m.ToolCallID],
					Response: toolResponse(m.Content),
				},
			}}})
		default:
			out = append(out, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	return system, out
}

// toolResponse keeps JSON object tool output as-is and wraps anything else.
func toolResponse(content string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"output": content}
}

func toGeminiTools(tools []model.ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decl := &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
		}
		if len(t.Parameters) > 0 {
			decl.ParametersJsonSchema = t.Parameters
		}
		decls = append(decls, decl)
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func geminiToolConfig(choice model.ToolChoice) *genai.ToolConfig {
	fc := &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto}
	if name, ok := choice.Function(); ok {
		fc.Mode = genai.FunctionCallingConfigModeAny
		fc.AllowedFunctionNames = []string{name}
	} else if choice.Normalized() == model.ToolChoiceRequired {
		fc.Mode = genai.FunctionCallingConfigModeAny
	}
	return &genai.ToolConfig{FunctionCallingConfig: fc}
}

func geminiFragment(resp *genai.GenerateContentResponse) *model.Fragment {
	var conv geminiFrames
	var agg model.Aggregator
	agg.Push(conv.frame(resp))
	usage := conv.usage
	frag := agg.Push(&model.Frame{Usage: &usage})
	frag.Content = frag.FinalContent
	frag.Reasoning = frag.FinalReasoning
	return frag
}

// geminiFrames turns generateContent chunks into frames. Function calls
// arrive whole, so each one gets its own assembler slot. The latest usage
// metadata is cumulative and is reported once after the last chunk.
type geminiFrames struct {
	calls    int
	sawCalls bool
	usage    model.Usage
}

func (g *geminiFrames) frame(resp *genai.GenerateContentResponse) *model.Frame {
	if resp == nil {
		return nil
	}
	if meta := resp.UsageMetadata; meta != nil {
		g.usage = model.Usage{
			PromptTokens:     int(meta.PromptTokenCount),
			CompletionTokens: int(meta.CandidatesTokenCount),
			ReasoningTokens:  int(meta.ThoughtsTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil
	}
	cand := resp.Candidates[0]
	choice := &model.FrameChoice{}
	if cand.Content != nil {
		var content, reasoning strings.Builder
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			if call := part.FunctionCall; call != nil {
				choice.ToolCalls = append(choice.ToolCalls, g.callDelta(call))
				continue
			}
			if part.Thought {
				reasoning.WriteString(part.Text)
			} else {
				content.WriteString(part.Text)
			}
		}
		choice.Content = content.String()
		choice.Reasoning = reasoning.String()
	}
	choice.FinishReason = g.finish(cand.FinishReason)
	if choice.Content == "" && choice.Reasoning == "" && len(choice.ToolCalls) == 0 && choice.FinishReason == "" {
		return nil
	}
	return &model.Frame{Choice: choice}
}

func (g *geminiFrames) callDelta(call *genai.FunctionCall) model.ToolCallDelta {
	index := g.calls
	g.calls++
	g.sawCalls = true
	id := strings.TrimSpace(call.ID)
	if id == "" {
		id = fmt.Sprintf("call_%d", index)
	}
	args := "{}"
	if len(call.Args) > 0 {
		if raw, err := json.Marshal(call.Args); err == nil {
			args = string(raw)
		}
	}
	return model.ToolCallDelta{Index: index, ID: id, NameDelta: call.Name, ArgsDelta: args}
}

func (g *geminiFrames) finish(reason genai.FinishReason) model.FinishReason {
	switch reason {
	case "", genai.FinishReasonUnspecified:
		return ""
	case genai.FinishReasonStop:
		if g.sawCalls {
			return model.FinishToolCalls
		}
		return model.FinishStop
	case genai.FinishReasonMaxTokens:
		return model.FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent, genai.FinishReasonSPII:
		return model.FinishContentFilter
	default:
		return model.FinishStop
	}
}

func geminiError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return model.WrapCodedError(model.ErrorCodeBackend, &StatusError{
			StatusCode: apiErr.Code,
			Body:       strings.TrimSpace(apiErr.Message),
		}, "providers: upstream rejected request")
	}
	return backendError(err, "providers: gemini request")
}
