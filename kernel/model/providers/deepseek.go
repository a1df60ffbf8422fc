package providers

import (
	"encoding/json"
	"strings"

	"github.com/refrain2333/Refrain/kernel/model"
)

const defaultDeepSeekBaseURL = "https://api.deepseek.com"

func newDeepSeek(cfg Config, token string, d deps) *openAICompatBackend {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultDeepSeekBaseURL
	}
	backend := newOpenAICompat(cfg, token, d)
	backend.options.ApplyReasoning = applyThinkingReasoning
	backend.options.ApplyStructured = applyJSONObjectFormat
	return backend
}

// applyThinkingReasoning routes the reasoning toggle through the "thinking"
// side-channel field instead of the OpenAI reasoning_effort field.
func applyThinkingReasoning(payload *openAICompatRequest, cfg model.ReasoningConfig) {
	if payload == nil || cfg.Enabled == nil {
		return
	}
	state := "disabled"
	if *cfg.Enabled {
		state = "enabled"
	}
	payload.Thinking = &openAIThinking{Type: state}
	payload.ReasoningEffort = ""
}

// applyJSONObjectFormat is used where json_schema response formats are not
// accepted: the schema travels as a system instruction instead.
func applyJSONObjectFormat(payload *openAICompatRequest, schema model.Schema) error {
	if payload == nil {
		return nil
	}
	raw, err := json.Marshal(schema.Parameters)
	if err != nil {
		return model.WrapCodedError(model.ErrorCodeBackend, err, "providers: encode schema %q", schema.Name)
	}
	payload.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
	var b strings.Builder
	b.WriteString("Reply with a single JSON object")
	if name := strings.TrimSpace(schema.Name); name != "" {
		b.WriteString(" named " + name)
	}
	b.WriteString(" that conforms to this JSON schema:\n")
	b.Write(raw)
	text := b.String()
	payload.Messages = append([]openAICompatReqMsg{{Role: string(model.RoleSystem), Content: &text}}, payload.Messages...)
	return nil
}
