package providers

import (
	"context"
	"testing"
	"time"

	"github.com/refrain2333/Refrain/kernel/model"
)

type fakeProfiles struct {
	active  string
	configs map[string]Config
}

func (f fakeProfiles) ProviderConfig(alias string) (Config, bool) {
	cfg, ok := f.configs[alias]
	return cfg, ok
}

func (f fakeProfiles) ActiveProviderConfig() (Config, error) {
	cfg, ok := f.configs[f.active]
	if !ok {
		return Config{}, model.NewCodedError(model.ErrorCodeConfig, "no active profile")
	}
	return cfg, nil
}

type fakeCreds map[string]string

func (f fakeCreds) Resolve(alias string, _ AuthConfig) (string, error) {
	return f[alias], nil
}

func testRegistry() *Registry {
	profiles := fakeProfiles{
		active: "main",
		configs: map[string]Config{
			"main": {
				Alias:       "main",
				Provider:    "openai",
				Model:       "gpt-4o-mini",
				BaseURL:     "https://api.openai.com/v1",
				Temperature: ptr(0.7),
				Auth:        AuthConfig{TokenEnv: "MAIN_API_KEY"},
			},
			"ds": {
				Alias:    "ds",
				Provider: "deepseek",
				Model:    "deepseek-chat",
				Auth:     AuthConfig{TokenEnv: "DEEPSEEK_API_KEY"},
			},
			"nokey": {
				Alias:    "nokey",
				Provider: "openai",
				Model:    "gpt-4o",
				BaseURL:  "https://api.openai.com/v1",
			},
		},
	}
	creds := fakeCreds{"main": "env-main", "ds": "env-ds"}
	return NewRegistry(profiles, creds, Defaults{
		Provider: "openai",
		BaseURL:  "https://gateway.example/v1",
		Model:    "deepseek-chat",
		Timeout:  30 * time.Second,
	})
}

func TestRegistryResolve_ActiveProfile(t *testing.T) {
	reg := testRegistry()
	backend, err := reg.Resolve(context.Background(), Selector{})
	if err != nil {
		t.Fatal(err)
	}
	compat, ok := backend.(*openAICompatBackend)
	if !ok {
		t.Fatalf("expected openai-compatible backend, got %T", backend)
	}
	if compat.token != "env-main" || compat.Name() != "gpt-4o-mini" {
		t.Fatalf("unexpected backend token=%q model=%q", compat.token, compat.Name())
	}
}

func TestRegistryResolve_OverrideKeyWinsOverEnvironment(t *testing.T) {
	reg := testRegistry()
	backend, err := reg.Resolve(context.Background(), Selector{Alias: "main", APIKey: "override"})
	if err != nil {
		t.Fatal(err)
	}
	if got := backend.(*openAICompatBackend).token; got != "override" {
		t.Fatalf("expected override credential, got %q", got)
	}
}

func TestRegistryResolve_AliasWithFieldOverrides(t *testing.T) {
	reg := testRegistry()
	backend, err := reg.Resolve(context.Background(), Selector{Alias: "main", Model: "gpt-4.1"})
	if err != nil {
		t.Fatal(err)
	}
	compat := backend.(*openAICompatBackend)
	if compat.Name() != "gpt-4.1" || compat.baseURL != "https://api.openai.com/v1" {
		t.Fatalf("expected model override on stored profile, got model=%q base=%q", compat.Name(), compat.baseURL)
	}
	if compat.temperature == nil || *compat.temperature != 0.7 {
		t.Fatalf("expected stored temperature kept")
	}
}

func TestRegistryResolve_DeepSeekDialect(t *testing.T) {
	reg := testRegistry()
	backend, err := reg.Resolve(context.Background(), Selector{Alias: "ds"})
	if err != nil {
		t.Fatal(err)
	}
	compat := backend.(*openAICompatBackend)
	if compat.baseURL != defaultDeepSeekBaseURL || compat.token != "env-ds" {
		t.Fatalf("unexpected deepseek backend base=%q token=%q", compat.baseURL, compat.token)
	}
}

func TestRegistryResolve_ExplicitParamsUseDefaults(t *testing.T) {
	reg := testRegistry()
	backend, err := reg.Resolve(context.Background(), Selector{APIKey: "sk-explicit"})
	if err != nil {
		t.Fatal(err)
	}
	compat := backend.(*openAICompatBackend)
	if compat.baseURL != "https://gateway.example/v1" || compat.Name() != "deepseek-chat" || compat.token != "sk-explicit" {
		t.Fatalf("unexpected explicit backend base=%q model=%q token=%q", compat.baseURL, compat.Name(), compat.token)
	}
	if compat.temperature != nil {
		t.Fatalf("did not expect profile temperature on explicit backend")
	}
}

func TestRegistryResolve_UnknownAlias(t *testing.T) {
	reg := testRegistry()
	_, err := reg.Resolve(context.Background(), Selector{Alias: "missing"})
	if !model.IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("failed resolution must not be cached")
	}
}

func TestRegistryResolve_MissingCredential(t *testing.T) {
	reg := testRegistry()
	_, err := reg.Resolve(context.Background(), Selector{Alias: "nokey"})
	if !model.IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestRegistryResolve_SettingsKeyIsLastResort(t *testing.T) {
	reg := testRegistry()
	reg.defaults.APIKey = "settings-key"
	backend, err := reg.Resolve(context.Background(), Selector{Alias: "nokey"})
	if err != nil {
		t.Fatal(err)
	}
	if got := backend.(*openAICompatBackend).token; got != "settings-key" {
		t.Fatalf("expected settings credential, got %q", got)
	}
	backend, err = reg.Resolve(context.Background(), Selector{Alias: "main"})
	if err != nil {
		t.Fatal(err)
	}
	if got := backend.(*openAICompatBackend).token; got != "env-main" {
		t.Fatalf("profile credential must win over settings, got %q", got)
	}
}

func TestRegistryResolve_CachesByResolvedConfig(t *testing.T) {
	reg := testRegistry()
	ctx := context.Background()
	first, err := reg.Resolve(ctx, Selector{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := reg.Resolve(ctx, Selector{Alias: "main"})
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("expected active and named resolution of the same profile to share an instance")
	}
	other, err := reg.Resolve(ctx, Selector{Alias: "main", APIKey: "different"})
	if err != nil {
		t.Fatal(err)
	}
	if other == first {
		t.Fatalf("expected a different credential to build a new instance")
	}
	if reg.Len() != 2 {
		t.Fatalf("expected two cached backends, got %d", reg.Len())
	}
	if dropped := reg.Forget("main"); dropped != 2 {
		t.Fatalf("expected two dropped backends, got %d", dropped)
	}
	again, err := reg.Resolve(ctx, Selector{})
	if err != nil {
		t.Fatal(err)
	}
	if again == first {
		t.Fatalf("expected a fresh instance after Forget")
	}
	reg.Reset()
	if reg.Len() != 0 {
		t.Fatalf("expected empty cache after Reset")
	}
}

func TestRegistryResolve_NoProfiles(t *testing.T) {
	reg := NewRegistry(nil, nil, Defaults{})
	if _, err := reg.Resolve(context.Background(), Selector{}); !model.IsConfigError(err) {
		t.Fatalf("expected config error without profiles, got %v", err)
	}
}
