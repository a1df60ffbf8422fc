package providers

import (
	"strings"
	"time"
)

// APIType defines protocol dialect used by a model provider.
type APIType string

const (
	APIOpenAICompatible APIType = "openai_compatible"
	APIDeepSeek         APIType = "deepseek"
	APIAnthropic        APIType = "anthropic"
	APIGemini           APIType = "gemini"
)

// APIForProvider maps a profile provider name onto a wire dialect. Unknown
// providers are assumed to speak the OpenAI-compatible protocol.
func APIForProvider(provider string) APIType {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "deepseek":
		return APIDeepSeek
	case "anthropic", "claude":
		return APIAnthropic
	case "gemini", "google":
		return APIGemini
	default:
		return APIOpenAICompatible
	}
}

// AuthConfig says where the credential for one backend comes from.
type AuthConfig struct {
	// TokenEnv names the environment variable holding the key. Empty means
	// the secret store keyed by CredentialRef.
	TokenEnv      string
	CredentialRef string
}

// Config is a provider-agnostic backend definition resolved from a profile or
// from explicit parameters.
type Config struct {
	Alias        string
	Provider     string
	API          APIType
	Model        string
	BaseURL      string
	Timeout      time.Duration
	Temperature  *float64
	MaxOutputTok int
	Extra        map[string]any
	Auth         AuthConfig
}

// Defaults fill whatever a selection leaves unspecified.
type Defaults struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
}

const defaultTimeout = 60 * time.Second
