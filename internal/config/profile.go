package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/refrain2333/Refrain/kernel/model"
	"github.com/refrain2333/Refrain/kernel/model/providers"
)

const (
	DefaultTemperature    = 0.7
	DefaultTimeoutSeconds = 60
	DefaultProfileName    = "deepseek"

	openAIBaseURL = "https://api.openai.com/v1"
)

// Profile is one named backend configuration as stored in config.yaml.
// An empty APIKeyEnv means the key lives in the secret store under Name.
type Profile struct {
	Name        string         `yaml:"name"`
	Provider    string         `yaml:"provider,omitempty"`
	Model       string         `yaml:"model"`
	APIKeyEnv   string         `yaml:"api_key_env"`
	BaseURL     string         `yaml:"base_url,omitempty"`
	Temperature float64        `yaml:"temperature"`
	Timeout     float64        `yaml:"timeout"`
	ExtraParams map[string]any `yaml:"extra_params,omitempty"`
}

// NewProfile returns a profile carrying the stored defaults.
func NewProfile(name, provider, modelID string) Profile {
	return Profile{
		Name:        strings.TrimSpace(name),
		Provider:    strings.TrimSpace(provider),
		Model:       strings.TrimSpace(modelID),
		Temperature: DefaultTemperature,
		Timeout:     DefaultTimeoutSeconds,
	}
}

func defaultProfile() Profile {
	p := NewProfile(DefaultProfileName, "deepseek", "deepseek-chat")
	p.APIKeyEnv = "DEEPSEEK_API_KEY"
	p.BaseURL = "https://api.deepseek.com"
	return p
}

// RoutingID is provider/model unless the model id already carries a
// namespace.
func (p Profile) RoutingID() string {
	if p.Provider != "" && !strings.Contains(p.Model, "/") {
		return p.Provider + "/" + p.Model
	}
	return p.Model
}

// DisplayName is "<model> (<provider>)", with "custom" for an unset provider.
func (p Profile) DisplayName() string {
	provider := p.Provider
	if provider == "" {
		provider = "custom"
	}
	return fmt.Sprintf("%s (%s)", p.Model, provider)
}

// UsesSecretStore reports whether the key is looked up in the secret store.
func (p Profile) UsesSecretStore() bool {
	return strings.TrimSpace(p.APIKeyEnv) == ""
}

// AuthLabel describes where the key comes from.
func (p Profile) AuthLabel() string {
	if p.UsesSecretStore() {
		return "keyring"
	}
	return "env " + p.APIKeyEnv
}

// Validate checks the fields every profile needs.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return model.NewCodedError(model.ErrorCodeConfig, "config: profile name is required")
	}
	if strings.TrimSpace(p.Model) == "" {
		return model.NewCodedError(model.ErrorCodeConfig, "config: profile %q has no model id", p.Name)
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return model.NewCodedError(model.ErrorCodeConfig, "config: profile %q temperature %v out of range [0, 2]", p.Name, p.Temperature)
	}
	if p.Timeout < 0 {
		return model.NewCodedError(model.ErrorCodeConfig, "config: profile %q timeout must not be negative", p.Name)
	}
	return nil
}

// ProviderConfig converts the profile into a backend definition.
func (p Profile) ProviderConfig() providers.Config {
	temperature := p.Temperature
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds
	}
	baseURL := strings.TrimSpace(p.BaseURL)
	if baseURL == "" && strings.EqualFold(p.Provider, "openai") {
		baseURL = openAIBaseURL
	}
	return providers.Config{
		Alias:       p.Name,
		Provider:    p.Provider,
		API:         providers.APIForProvider(p.Provider),
		Model:       p.Model,
		BaseURL:     baseURL,
		Timeout:     time.Duration(timeout * float64(time.Second)),
		Temperature: &temperature,
		Extra:       p.ExtraParams,
		Auth: providers.AuthConfig{
			TokenEnv:      strings.TrimSpace(p.APIKeyEnv),
			CredentialRef: p.Name,
		},
	}
}
