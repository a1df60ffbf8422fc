package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/refrain2333/Refrain/kernel/model"
	"github.com/refrain2333/Refrain/kernel/model/providers"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "config.yaml"), nil)
	require.NoError(t, err)
	return store
}

func TestOpenStore_SeedsDefaultProfile(t *testing.T) {
	store := openTestStore(t)

	raw, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	require.Contains(t, string(raw), "current_model: deepseek")

	active, err := store.Active()
	require.NoError(t, err)
	require.Equal(t, "deepseek", active.Name)
	require.Equal(t, "deepseek-chat", active.Model)
	require.Equal(t, "DEEPSEEK_API_KEY", active.APIKeyEnv)
	require.Equal(t, "https://api.deepseek.com", active.BaseURL)
	require.Equal(t, DefaultTemperature, active.Temperature)
	require.Equal(t, float64(DefaultTimeoutSeconds), active.Timeout)
}

func TestStore_AddPersistsInOrder(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Add(NewProfile("gpt4", "openai", "gpt-4o")))
	claude := NewProfile("claude", "anthropic", "claude-sonnet-4-5")
	claude.ExtraParams = map[string]any{"top_k": 5}
	require.NoError(t, store.Add(claude))
	require.NoError(t, store.SetActive("gpt4"))

	reopened, err := OpenStore(store.Path(), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"deepseek", "gpt4", "claude"}, reopened.Names())
	require.Equal(t, "gpt4", reopened.ActiveName())
	got, ok := reopened.Get("claude")
	require.True(t, ok)
	require.Equal(t, 5, got.ExtraParams["top_k"])

	// Replacing keeps the position.
	updated := NewProfile("gpt4", "openai", "gpt-4.1")
	require.NoError(t, reopened.Add(updated))
	require.Equal(t, []string{"deepseek", "gpt4", "claude"}, reopened.Names())
	got, _ = reopened.Get("gpt4")
	require.Equal(t, "gpt-4.1", got.Model)
}

func TestStore_AddRejectsInvalidProfile(t *testing.T) {
	store := openTestStore(t)
	err := store.Add(Profile{Name: "broken"})
	require.True(t, model.IsConfigError(err), "got %v", err)
	require.Equal(t, []string{"deepseek"}, store.Names())
}

func TestStore_SetActiveUnknown(t *testing.T) {
	store := openTestStore(t)
	err := store.SetActive("missing")
	require.True(t, model.IsConfigError(err))
	require.Contains(t, err.Error(), "deepseek")
	require.Equal(t, "deepseek", store.ActiveName())
}

func TestStore_RemoveRules(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Remove("deepseek")
	require.True(t, model.IsConfigError(err), "last profile must not be removable")

	_, err = store.Remove("missing")
	require.True(t, model.IsConfigError(err))

	require.NoError(t, store.Add(NewProfile("gpt4", "openai", "gpt-4o")))
	require.NoError(t, store.Add(NewProfile("local", "", "llama3")))
	reassigned, err := store.Remove("local")
	require.NoError(t, err)
	require.Empty(t, reassigned)

	reassigned, err = store.Remove("deepseek")
	require.NoError(t, err)
	require.Equal(t, "gpt4", reassigned)
	require.Equal(t, "gpt4", store.ActiveName())

	reopened, err := OpenStore(store.Path(), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"gpt4"}, reopened.Names())
}

func TestStore_MalformedFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profiles: [not, a, mapping\n"), 0o600))

	store, err := OpenStore(path, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"deepseek"}, store.Names())
	require.Equal(t, "deepseek", store.ActiveName())
}

func TestStore_MissingFieldsTakeDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := strings.Join([]string{
		"current_model: local",
		"profiles:",
		"  local:",
		"    model: llama3",
		"    base_url: http://localhost:11434/v1",
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	store, err := OpenStore(path, nil)
	require.NoError(t, err)
	p, err := store.Active()
	require.NoError(t, err)
	require.Equal(t, "local", p.Name)
	require.Equal(t, DefaultTemperature, p.Temperature)
	require.True(t, p.UsesSecretStore())
}

func TestStore_ActiveMissingNamesAvailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "current_model: gone\nprofiles:\n  a:\n    model: m1\n  b:\n    model: m2\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	store, err := OpenStore(path, nil)
	require.NoError(t, err)
	_, err = store.Active()
	require.True(t, model.IsConfigError(err))
	require.Contains(t, err.Error(), "a, b")

	_, err = store.ActiveProviderConfig()
	require.True(t, model.IsConfigError(err))
}

func TestStore_ProviderConfig(t *testing.T) {
	store := openTestStore(t)
	p := NewProfile("claude", "anthropic", "claude-sonnet-4-5")
	p.Timeout = 30
	p.ExtraParams = map[string]any{"metadata": "x"}
	require.NoError(t, store.Add(p))

	cfg, ok := store.ProviderConfig("claude")
	require.True(t, ok)
	require.Equal(t, providers.APIAnthropic, cfg.API)
	require.Equal(t, 30*time.Second, cfg.Timeout)
	require.NotNil(t, cfg.Temperature)
	require.Equal(t, 0.7, *cfg.Temperature)
	require.Equal(t, "claude", cfg.Auth.CredentialRef)
	require.Empty(t, cfg.Auth.TokenEnv)

	_, ok = store.ProviderConfig("missing")
	require.False(t, ok)
}

func TestStore_WatchReloadsExternalEdits(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- store.Watch(ctx, func() {
			select {
			case reloaded <- struct{}{}:
			default:
			}
		})
	}()
	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	other, err := OpenStore(store.Path(), nil)
	require.NoError(t, err)
	require.NoError(t, other.Add(NewProfile("gpt4", "openai", "gpt-4o")))

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	_, ok := store.Get("gpt4")
	require.True(t, ok)

	cancel()
	require.NoError(t, <-done)
}

func TestStore_ReloadKeepsProfilesOnBrokenFile(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Add(NewProfile("gpt4", "openai", "gpt-4o")))

	require.NoError(t, os.WriteFile(store.Path(), nil, 0o600))
	require.Error(t, store.Reload())
	_, ok := store.Get("gpt4")
	require.True(t, ok, "truncated file must not replace loaded profiles")

	require.NoError(t, os.WriteFile(store.Path(), []byte("profiles: [\n"), 0o600))
	require.Error(t, store.Reload())
	_, ok = store.Get("gpt4")
	require.True(t, ok)

	require.NoError(t, store.Add(NewProfile("local", "openai", "llama3")))
	raw, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	require.Contains(t, string(raw), "gpt4:")
	require.Contains(t, string(raw), "local:")
}

func TestProfileDerivedNames(t *testing.T) {
	p := NewProfile("ds", "deepseek", "deepseek-chat")
	require.Equal(t, "deepseek/deepseek-chat", p.RoutingID())
	require.Equal(t, "deepseek-chat (deepseek)", p.DisplayName())

	namespaced := NewProfile("router", "openrouter", "anthropic/claude-3.5")
	require.Equal(t, "anthropic/claude-3.5", namespaced.RoutingID())

	custom := NewProfile("local", "", "llama3")
	require.Equal(t, "llama3", custom.RoutingID())
	require.Equal(t, "llama3 (custom)", custom.DisplayName())
	require.Equal(t, "keyring", custom.AuthLabel())

	custom.APIKeyEnv = "LOCAL_KEY"
	require.Equal(t, "env LOCAL_KEY", custom.AuthLabel())
}
