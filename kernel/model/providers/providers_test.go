package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/refrain2333/Refrain/kernel/model"
)

func ptr[T any](v T) *T { return &v }

func sseServer(t *testing.T, chunks []string, inspect func(*http.Request, map[string]any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if inspect != nil {
			var body map[string]any
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, &body)
			inspect(r, body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func testBackend(baseURL string) *openAICompatBackend {
	return newOpenAICompat(Config{
		Alias:    "test",
		Provider: "openai",
		Model:    "test-model",
		BaseURL:  baseURL,
		Timeout:  2 * time.Second,
	}, "token", deps{})
}

func collect(t *testing.T, seq func(func(*model.Fragment, error) bool)) ([]*model.Fragment, error) {
	t.Helper()
	var (
		out []*model.Fragment
		got error
	)
	for frag, err := range seq {
		if err != nil {
			got = err
			continue
		}
		out = append(out, frag)
	}
	return out, got
}

func TestOpenAICompatStream_AssemblesTurn(t *testing.T) {
	chunks := []string{
		`{"choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Paris\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":34}}`,
	}
	var (
		auth string
		body map[string]any
	)
	server := sseServer(t, chunks, func(r *http.Request, b map[string]any) {
		auth = r.Header.Get("Authorization")
		body = b
	})
	defer server.Close()

	frags, err := collect(t, testBackend(server.URL).StreamChat(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "weather?"}},
		Tools:    []model.ToolDefinition{{Name: "get_weather", Parameters: map[string]any{"type": "object"}}},
	}))
	if err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	if auth != "Bearer token" {
		t.Fatalf("unexpected authorization header %q", auth)
	}
	if body["stream"] != true || body["tool_choice"] != "auto" {
		t.Fatalf("unexpected request body %v", body)
	}
	if opts, _ := body["stream_options"].(map[string]any); opts["include_usage"] != true {
		t.Fatalf("expected include_usage stream option, got %v", body["stream_options"])
	}
	if len(frags) != 6 {
		t.Fatalf("expected 5 deltas and one final, got %d fragments", len(frags))
	}
	finals := 0
	for _, f := range frags {
		if f.Final {
			finals++
		}
	}
	if finals != 1 || !frags[len(frags)-1].Final {
		t.Fatalf("expected exactly one trailing final fragment, got %d", finals)
	}
	final := frags[len(frags)-1]
	if final.FinalContent != "Hello" {
		t.Fatalf("unexpected final content %q", final.FinalContent)
	}
	if final.FinishReason != model.FinishToolCalls {
		t.Fatalf("unexpected finish reason %q", final.FinishReason)
	}
	if final.Usage != (model.Usage{PromptTokens: 12, CompletionTokens: 34}) {
		t.Fatalf("unexpected usage %+v", final.Usage)
	}
	if len(final.ToolCalls) != 1 || final.ToolCalls[0].ID != "call_1" {
		t.Fatalf("unexpected tool calls %+v", final.ToolCalls)
	}
	if got := final.ToolCalls[0].Args()["city"]; got != "Paris" {
		t.Fatalf("unexpected tool args %v", got)
	}
}

func TestOpenAICompatStream_FallbackFinalWithoutUsage(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"hi"},"finish_reason":"stop"}]}`,
	}, nil)
	defer server.Close()

	frags, err := collect(t, testBackend(server.URL).StreamChat(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if len(frags) != 2 || !frags[1].Final {
		t.Fatalf("expected delta plus fallback final, got %+v", frags)
	}
	if frags[1].FinalContent != "hi" || !frags[1].Usage.IsZero() {
		t.Fatalf("unexpected fallback final %+v", frags[1])
	}
}

func TestOpenAICompatStream_PropagatesMalformedFrameWithoutFinal(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"hello"}}]}`,
		`{invalid-json}`,
	}, nil)
	defer server.Close()

	frags, err := collect(t, testBackend(server.URL).StreamChat(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	}))
	if !model.IsBackendError(err) {
		t.Fatalf("expected backend error, got %v", err)
	}
	for _, f := range frags {
		if f.Final {
			t.Fatalf("did not expect final fragment on stream error")
		}
	}
}

func TestOpenAICompatStream_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := collect(t, testBackend(server.URL).StreamChat(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	}))
	if !model.IsBackendError(err) {
		t.Fatalf("expected backend error, got %v", err)
	}
	var status *StatusError
	if !errors.As(err, &status) || status.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected wrapped 401 status error, got %v", err)
	}
}

func TestOpenAICompatStream_CancelStopsWithoutFinal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var (
		frags []*model.Fragment
		got   error
	)
	for frag, err := range testBackend(server.URL).StreamChat(ctx, &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	}) {
		if err != nil {
			got = err
			break
		}
		frags = append(frags, frag)
		cancel()
	}
	if !errors.Is(got, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", got)
	}
	if len(frags) != 1 || frags[0].Final {
		t.Fatalf("expected only the partial delta, got %+v", frags)
	}
}

func pacedServer(t *testing.T, chunks []string, gap time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, chunk := range chunks {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", chunk)
			if flusher != nil {
				flusher.Flush()
			}
			select {
			case <-time.After(gap):
			case <-r.Context().Done():
				return
			}
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestOpenAICompatStream_OutlivesTimeoutWhileEventsFlow(t *testing.T) {
	chunks := make([]string, 5)
	for i := range chunks {
		chunks[i] = fmt.Sprintf(`{"choices":[{"delta":{"content":"%d"}}]}`, i)
	}
	server := pacedServer(t, chunks, 150*time.Millisecond)
	defer server.Close()

	backend := newOpenAICompat(Config{
		Alias:    "test",
		Provider: "openai",
		Model:    "test-model",
		BaseURL:  server.URL,
		Timeout:  400 * time.Millisecond,
	}, "token", deps{})
	frags, err := collect(t, backend.StreamChat(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "count"}},
	}))
	if err != nil {
		t.Fatalf("stream longer than the timeout must not fail while events keep arriving: %v", err)
	}
	if len(frags) != 6 || !frags[5].Final {
		t.Fatalf("expected 5 deltas and one final, got %d fragments", len(frags))
	}
	if frags[5].FinalContent != "01234" {
		t.Fatalf("unexpected final content %q", frags[5].FinalContent)
	}
}

func TestOpenAICompatStream_IdleGapFailsAsBackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	backend := newOpenAICompat(Config{
		Alias:    "test",
		Provider: "openai",
		Model:    "test-model",
		BaseURL:  server.URL,
		Timeout:  200 * time.Millisecond,
	}, "token", deps{})
	frags, err := collect(t, backend.StreamChat(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	}))
	if !model.IsBackendError(err) || errors.Is(err, context.Canceled) {
		t.Fatalf("expected ERR_BACKEND idle timeout, got %v", err)
	}
	if !errors.Is(err, errStreamIdle) {
		t.Fatalf("expected idle cause, got %v", err)
	}
	if len(frags) != 1 || frags[0].Final {
		t.Fatalf("expected only the partial delta, got %+v", frags)
	}
}

func TestOpenAICompatStream_ConsumerStopEndsQuietly(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"a"}}]}`,
		`{"choices":[{"delta":{"content":"b"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":1,"completion_tokens":2}}`,
	}, nil)
	defer server.Close()

	seen := 0
	for frag, err := range testBackend(server.URL).StreamChat(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	}) {
		if err != nil {
			t.Fatal(err)
		}
		if frag.Final {
			t.Fatalf("did not expect final after consumer stop")
		}
		seen++
		break
	}
	if seen != 1 {
		t.Fatalf("expected one fragment, got %d", seen)
	}
}

func TestOpenAICompatChat_MergesExtraWithoutOverride(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"done","reasoning_content":"because"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":4,"completion_tokens_details":{"reasoning_tokens":2}}}`)
	}))
	defer server.Close()

	backend := newOpenAICompat(Config{
		Provider:    "openai",
		Model:       "profile-model",
		BaseURL:     server.URL,
		Temperature: ptr(0.7),
		Extra:       map[string]any{"top_p": 0.5, "model": "hijack"},
	}, "token", deps{})
	frag, err := backend.Chat(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
		Options:  model.Options{Extra: map[string]any{"seed": 7}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if body["model"] != "profile-model" || body["top_p"] != 0.5 || body["seed"] != float64(7) || body["temperature"] != 0.7 {
		t.Fatalf("unexpected request body %v", body)
	}
	if _, ok := body["tool_choice"]; ok {
		t.Fatalf("did not expect tool_choice without tools")
	}
	if !frag.Final || frag.Content != "done" || frag.FinalContent != "done" || frag.FinalReasoning != "because" {
		t.Fatalf("unexpected fragment %+v", frag)
	}
	if frag.Usage.ReasoningTokens != 2 || frag.FinishReason != model.FinishStop {
		t.Fatalf("unexpected usage or finish %+v", frag)
	}
}

func TestOpenAICompatStructuredChat(t *testing.T) {
	var body map[string]any
	reply := `{"name":"refrain"}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		content, _ := json.Marshal(reply)
		_, _ = fmt.Fprintf(w, `{"choices":[{"message":{"content":%s},"finish_reason":"stop"}]}`, content)
	}))
	defer server.Close()

	type answer struct {
		Name string `json:"name"`
	}
	schema := model.Schema{Name: "answer", Parameters: map[string]any{"type": "object"}}
	out, err := model.Structured[answer](context.Background(), testBackend(server.URL), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "name?"}},
	}, schema)
	if err != nil {
		t.Fatal(err)
	}
	if out.Name != "refrain" {
		t.Fatalf("unexpected structured value %+v", out)
	}
	format, _ := body["response_format"].(map[string]any)
	if format["type"] != "json_schema" {
		t.Fatalf("expected json_schema response format, got %v", body["response_format"])
	}

	reply = "not json"
	if _, err := testBackend(server.URL).StructuredChat(context.Background(), &model.Request{}, schema); !model.IsBackendError(err) {
		t.Fatalf("expected backend error for non-json output, got %v", err)
	}
}

func TestDeepSeekThinkingPayload(t *testing.T) {
	var body map[string]any
	server := sseServer(t, []string{`{"choices":[{"delta":{"reasoning_content":"hmm"}}]}`}, func(_ *http.Request, b map[string]any) {
		body = b
	})
	defer server.Close()

	backend := newDeepSeek(Config{Provider: "deepseek", Model: "deepseek-chat", BaseURL: server.URL}, "token", deps{})
	frags, err := collect(t, backend.StreamChat(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "think"}},
		Options:  model.Options{Reasoning: model.ReasoningConfig{Enabled: ptr(true), Effort: "high"}},
	}))
	if err != nil {
		t.Fatal(err)
	}
	thinking, _ := body["thinking"].(map[string]any)
	if thinking["type"] != "enabled" {
		t.Fatalf("expected thinking side channel, got %v", body)
	}
	if _, ok := body["reasoning_effort"]; ok {
		t.Fatalf("did not expect reasoning_effort in deepseek payload")
	}
	if final := frags[len(frags)-1]; final.FinalReasoning != "hmm" || final.FinalContent != "" {
		t.Fatalf("unexpected final fragment %+v", final)
	}
}

func TestDeepSeekStructuredChat_UnencodableSchemaFailsBeforeSend(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unexpected", http.StatusInternalServerError)
	}))
	defer server.Close()

	backend := newDeepSeek(Config{Provider: "deepseek", Model: "deepseek-chat", BaseURL: server.URL}, "token", deps{})
	_, err := backend.StructuredChat(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	}, model.Schema{Name: "answer", Parameters: map[string]any{"type": "object", "bad": make(chan int)}})
	if !model.IsBackendError(err) {
		t.Fatalf("expected ERR_BACKEND, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("request must not be sent without its schema, got %d calls", calls.Load())
	}
}

func TestDeepSeekDefaultBaseURL(t *testing.T) {
	backend := newDeepSeek(Config{Provider: "deepseek", Model: "deepseek-chat"}, "token", deps{})
	if backend.baseURL != defaultDeepSeekBaseURL {
		t.Fatalf("unexpected base url %q", backend.baseURL)
	}
}

func TestReadSSE_SkipsCommentsAndJoinsLines(t *testing.T) {
	input := ": keep-alive\n\ndata: {\"a\":\ndata: 1}\n\ndata: [DONE]\n\ndata: ignored\n\n"
	var got []string
	if err := readSSE(strings.NewReader(input), func(data []byte) error {
		got = append(got, string(data))
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "{\"a\":\n1}" {
		t.Fatalf("unexpected payloads %q", got)
	}
}

func TestAPIForProvider(t *testing.T) {
	cases := map[string]APIType{
		"deepseek":  APIDeepSeek,
		"Anthropic": APIAnthropic,
		"claude":    APIAnthropic,
		"gemini":    APIGemini,
		"openai":    APIOpenAICompatible,
		"custom":    APIOpenAICompatible,
	}
	for provider, want := range cases {
		if got := APIForProvider(provider); got != want {
			t.Fatalf("APIForProvider(%q) = %q, want %q", provider, got, want)
		}
	}
}
