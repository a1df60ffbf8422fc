package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"strings"

	"github.com/refrain2333/Refrain/kernel/model"
)

type openAICompatBackend struct {
	name        string
	provider    string
	baseURL     string
	token       string
	temperature *float64
	maxTokens   int
	extra       map[string]any
	client      *http.Client
	stream      *http.Client
	obs         *observer
	options     openAICompatOptions
}

type openAICompatOptions struct {
	ApplyReasoning  func(*openAICompatRequest, model.ReasoningConfig)
	ApplyStructured func(*openAICompatRequest, model.Schema) error
}

func defaultOpenAICompatOptions() openAICompatOptions {
	return openAICompatOptions{
		ApplyReasoning:  applyOpenAIReasoning,
		ApplyStructured: applyJSONSchemaFormat,
	}
}

func newOpenAICompat(cfg Config, token string, d deps) *openAICompatBackend {
	return &openAICompatBackend{
		name:        cfg.Model,
		provider:    cfg.Provider,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       token,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxOutputTok,
		extra:       cfg.Extra,
		client:      d.httpClient(cfg.Timeout),
		stream:      d.streamClient(cfg.Timeout),
		obs:         d.observer(cfg),
		options:     defaultOpenAICompatOptions(),
	}
}

func (b *openAICompatBackend) Name() string {
	return b.name
}

func (b *openAICompatBackend) modelFor(req *model.Request) string {
	if req != nil && strings.TrimSpace(req.Options.Model) != "" {
		return strings.TrimSpace(req.Options.Model)
	}
	return b.name
}

func (b *openAICompatBackend) Chat(ctx context.Context, req *model.Request) (*model.Fragment, error) {
	ctx, c := b.obs.start(ctx, "chat", req, b.modelFor(req))
	if req == nil {
		return nil, c.fail(model.NewCodedError(model.ErrorCodeBackend, "providers: request is nil"))
	}
	payload, extra := b.buildRequest(req, false)
	out, err := b.complete(ctx, payload, extra)
	if err != nil {
		return nil, c.fail(err)
	}
	frag := out.fragment()
	c.done(ctx, frag.Usage)
	return frag, nil
}

func (b *openAICompatBackend) StructuredChat(ctx context.Context, req *model.Request, schema model.Schema) (json.RawMessage, error) {
	ctx, c := b.obs.start(ctx, "structured_chat", req, b.modelFor(req))
	if req == nil {
		return nil, c.fail(model.NewCodedError(model.ErrorCodeBackend, "providers: request is nil"))
	}
	payload, extra := b.buildRequest(req, false)
	if b.options.ApplyStructured != nil {
		if err := b.options.ApplyStructured(&payload, schema); err != nil {
			return nil, c.fail(err)
		}
	}
	out, err := b.complete(ctx, payload, extra)
	if err != nil {
		return nil, c.fail(err)
	}
	frag := out.fragment()
	raw := json.RawMessage(strings.TrimSpace(frag.Content))
	if len(raw) == 0 || !json.Valid(raw) {
		return nil, c.fail(model.NewCodedError(model.ErrorCodeBackend, "providers: structured output for %q is not valid json", schema.Name))
	}
	c.done(ctx, frag.Usage)
	return raw, nil
}

func (b *openAICompatBackend) StreamChat(ctx context.Context, req *model.Request) iter.Seq2[*model.Fragment, error] {
	return b.obs.stream(ctx, req, b.modelFor(req), func(ctx context.Context) iter.Seq2[*model.Frame, error] {
		return b.frames(ctx, req)
	})
}

func (b *openAICompatBackend) frames(ctx context.Context, req *model.Request) iter.Seq2[*model.Frame, error] {
	return func(yield func(*model.Frame, error) bool) {
		if req == nil {
			yield(nil, model.NewCodedError(model.ErrorCodeBackend, "providers: request is nil"))
			return
		}
		payload, extra := b.buildRequest(req, true)
		resp, err := b.post(ctx, payload, extra)
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Body.Close()

		stopped := false
		err = readSSE(resp.Body, func(data []byte) error {
			var chunk openAICompatStreamChunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				return model.WrapCodedError(model.ErrorCodeBackend, err, "providers: malformed stream frame")
			}
			frame := chunk.frame()
			if frame == nil {
				return nil
			}
			if !yield(frame, nil) {
				stopped = true
				return errStopSSE
			}
			return nil
		})
		if stopped {
			return
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			yield(nil, err)
		}
	}
}

func (b *openAICompatBackend) complete(ctx context.Context, payload openAICompatRequest, extra map[string]any) (*openAICompatResponse, error) {
	resp, err := b.post(ctx, payload, extra)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out openAICompatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, backendError(err, "providers: decode response")
	}
	if len(out.Choices) == 0 {
		return nil, model.NewCodedError(model.ErrorCodeBackend, "providers: empty choices")
	}
	return &out, nil
}

func (b *openAICompatBackend) post(ctx context.Context, payload openAICompatRequest, extra map[string]any) (*http.Response, error) {
	raw, err := encodeWithExtra(payload, extra)
	if err != nil {
		return nil, backendError(err, "providers: encode request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, backendError(err, "providers: build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if payload.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if b.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.token)
	}
	client := b.client
	if payload.Stream {
		client = b.stream
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, backendError(err, "providers: send request")
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

func (b *openAICompatBackend) buildRequest(req *model.Request, stream bool) (openAICompatRequest, map[string]any) {
	payload := openAICompatRequest{
		Model:       b.modelFor(req),
		Messages:    fromKernelMessages(req.Messages),
		Tools:       fromKernelTools(req.Tools),
		Temperature: b.temperature,
		MaxTokens:   b.maxTokens,
	}
	if req.Options.Temperature != nil {
		payload.Temperature = req.Options.Temperature
	}
	if req.Options.MaxTokens > 0 {
		payload.MaxTokens = req.Options.MaxTokens
	}
	if len(payload.Tools) > 0 {
		payload.ToolChoice = toolChoiceValue(req.ToolChoice)
	}
	if stream {
		payload.Stream = true
		payload.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}
	if b.options.ApplyReasoning != nil {
		b.options.ApplyReasoning(&payload, req.Options.Reasoning)
	}
	return payload, mergeExtra(b.extra, req.Options.Extra)
}

// encodeWithExtra adds extra body fields without replacing any key the
// typed payload already set.
func encodeWithExtra(payload any, extra map[string]any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil || len(extra) == 0 {
		return raw, err
	}
	body := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	for key, value := range extra {
		if _, exists := body[key]; exists {
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		body[key] = encoded
	}
	return json.Marshal(body)
}

func mergeExtra(base, override map[string]any) map[string]any {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func toolChoiceValue(choice model.ToolChoice) any {
	if name, ok := choice.Function(); ok {
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": name},
		}
	}
	return string(choice.Normalized())
}

type openAICompatRequest struct {
	Model           string                `json:"model"`
	Messages        []openAICompatReqMsg  `json:"messages"`
	Tools           []openAICompatTool    `json:"tools,omitempty"`
	ToolChoice      any                   `json:"tool_choice,omitempty"`
	Stream          bool                  `json:"stream,omitempty"`
	StreamOptions   *openAIStreamOptions  `json:"stream_options,omitempty"`
	Temperature     *float64              `json:"temperature,omitempty"`
	MaxTokens       int                   `json:"max_tokens,omitempty"`
	ResponseFormat  *openAIResponseFormat `json:"response_format,omitempty"`
	ReasoningEffort string                `json:"reasoning_effort,omitempty"`
	Thinking        *openAIThinking       `json:"thinking,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema"`
}

type openAIThinking struct {
	Type string `json:"type"`
}

type openAICompatReqMsg struct {
	Role       string                 `json:"role"`
	Content    *string                `json:"content"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	ToolCalls  []openAICompatToolCall `json:"tool_calls,omitempty"`
}

type openAICompatTool struct {
	Type     string                   `json:"type"`
	Function openAICompatFunctionDecl `json:"function"`
}

type openAICompatFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// openAICompatToolCall doubles as the request shape and the streamed delta
// shape; index is only meaningful in deltas.
type openAICompatToolCall struct {
	Index    *int                     `json:"index,omitempty"`
	ID       string                   `json:"id,omitempty"`
	Type     string                   `json:"type,omitempty"`
	Function openAICompatCallFunction `json:"function"`
}

type openAICompatCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// openAICompatMsg decodes both the non-streaming message and the streaming
// delta. Every text field is optional; gateways disagree on the name of the
// reasoning field.
type openAICompatMsg struct {
	Role             string                 `json:"role,omitempty"`
	Content          *string                `json:"content"`
	ReasoningContent *string                `json:"reasoning_content"`
	Reasoning        *string                `json:"reasoning"`
	ToolCalls        []openAICompatToolCall `json:"tool_calls"`
}

func (m openAICompatMsg) reasoning() string {
	if m.ReasoningContent != nil {
		return *m.ReasoningContent
	}
	if m.Reasoning != nil {
		return *m.Reasoning
	}
	return ""
}

func (m openAICompatMsg) content() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

type openAICompatUsage struct {
	PromptTokens            int `json:"prompt_tokens"`
	CompletionTokens        int `json:"completion_tokens"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

func (u *openAICompatUsage) kernel() *model.Usage {
	if u == nil {
		return nil
	}
	out := &model.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}

type openAICompatChoice struct {
	Message      openAICompatMsg `json:"message"`
	Delta        openAICompatMsg `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

func (c openAICompatChoice) finishReason() model.FinishReason {
	if c.FinishReason == nil {
		return ""
	}
	return model.FinishReason(*c.FinishReason)
}

type openAICompatResponse struct {
	Model   string               `json:"model"`
	Choices []openAICompatChoice `json:"choices"`
	Usage   *openAICompatUsage   `json:"usage"`
}

func (r *openAICompatResponse) fragment() *model.Fragment {
	choice := r.Choices[0]
	msg := choice.Message
	frag := &model.Fragment{
		Content:        msg.content(),
		Reasoning:      msg.reasoning(),
		FinalContent:   msg.content(),
		FinalReasoning: msg.reasoning(),
		Final:          true,
		FinishReason:   choice.finishReason(),
	}
	if usage := r.Usage.kernel(); usage != nil {
		frag.Usage = *usage
	}
	for _, tc := range msg.ToolCalls {
		frag.ToolCalls = append(frag.ToolCalls, model.ToolCall{
			ID:           tc.ID,
			FunctionName: tc.Function.Name,
			FunctionArgs: tc.Function.Arguments,
			Kind:         "function",
		})
	}
	return frag
}

type openAICompatStreamChunk struct {
	Model   string               `json:"model"`
	Choices []openAICompatChoice `json:"choices"`
	Usage   *openAICompatUsage   `json:"usage"`
}

func (c openAICompatStreamChunk) frame() *model.Frame {
	frame := &model.Frame{Usage: c.Usage.kernel()}
	if len(c.Choices) == 0 {
		if frame.Usage == nil {
			return nil
		}
		return frame
	}
	choice := c.Choices[0]
	delta := choice.Delta
	out := &model.FrameChoice{
		Content:      delta.content(),
		Reasoning:    delta.reasoning(),
		FinishReason: choice.finishReason(),
	}
	for pos, tc := range delta.ToolCalls {
		idx := pos
		if tc.Index != nil {
			idx = *tc.Index
		}
		out.ToolCalls = append(out.ToolCalls, model.ToolCallDelta{
			Index:     idx,
			ID:        tc.ID,
			NameDelta: tc.Function.Name,
			ArgsDelta: tc.Function.Arguments,
		})
	}
	frame.Choice = out
	return frame
}

func fromKernelMessages(messages []model.Message) []openAICompatReqMsg {
	out := make([]openAICompatReqMsg, 0, len(messages))
	for _, m := range messages {
		out = append(out, fromKernelMessage(m))
	}
	return out
}

func fromKernelMessage(m model.Message) openAICompatReqMsg {
	content := m.Content
	msg := openAICompatReqMsg{
		Role:       string(m.Role),
		Content:    &content,
		ToolCallID: m.ToolCallID,
	}
	if len(m.ToolCalls) == 0 {
		return msg
	}
	if content == "" {
		msg.Content = nil
	}
	for _, c := range m.ToolCalls {
		args := c.FunctionArgs
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		msg.ToolCalls = append(msg.ToolCalls, openAICompatToolCall{
			ID:   c.ID,
			Type: "function",
			Function: openAICompatCallFunction{
				Name:      c.FunctionName,
				Arguments: args,
			},
		})
	}
	return msg
}

func fromKernelTools(tools []model.ToolDefinition) []openAICompatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openAICompatTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openAICompatTool{
			Type: "function",
			Function: openAICompatFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func applyOpenAIReasoning(payload *openAICompatRequest, cfg model.ReasoningConfig) {
	if payload == nil {
		return
	}
	effort := strings.TrimSpace(cfg.Effort)
	if effort == "" {
		return
	}
	payload.ReasoningEffort = effort
}

func applyJSONSchemaFormat(payload *openAICompatRequest, schema model.Schema) error {
	name := strings.TrimSpace(schema.Name)
	if name == "" {
		name = "response"
	}
	payload.ResponseFormat = &openAIResponseFormat{
		Type: "json_schema",
		JSONSchema: &openAIJSONSchema{
			Name:        name,
			Description: schema.Description,
			Schema:      schema.Parameters,
		},
	}
	return nil
}
