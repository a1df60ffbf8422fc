package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/refrain2333/Refrain/kernel/model/providers"
)

// Settings are the read-only system defaults. They are never written back.
type Settings struct {
	ProjectName     string `koanf:"project_name"`
	Debug           bool   `koanf:"debug"`
	Env             string `koanf:"env"`
	DefaultLLMModel string `koanf:"default_llm_model"`
	OpenAIAPIKey    string `koanf:"openai_api_key"`
	OpenAIAPIBase   string `koanf:"openai_api_base"`
	LogLevel        string `koanf:"log_level"`
	Trace           bool   `koanf:"trace"`
}

const envPrefix = "REFRAIN_"

// bareEnv are the unprefixed variable names the settings also honor.
var bareEnv = map[string]string{
	"PROJECT_NAME":      "project_name",
	"DEBUG":             "debug",
	"ENV":               "env",
	"DEFAULT_LLM_MODEL": "default_llm_model",
	"OPENAI_API_KEY":    "openai_api_key",
	"OPENAI_API_BASE":   "openai_api_base",
	"LOG_LEVEL":         "log_level",
}

func settingsDefaults() map[string]any {
	return map[string]any{
		"project_name":      "Refrain",
		"debug":             false,
		"env":               "development",
		"default_llm_model": "deepseek-chat",
		"openai_api_key":    "",
		"openai_api_base":   "https://api.openai.com/v1",
		"log_level":         "INFO",
		"trace":             false,
	}
}

// LoadSettings layers defaults, the optional settings file, a .env file in
// the working directory and the environment, later layers winning.
// REFRAIN_-prefixed variables win over the bare names.
func LoadSettings(settingsPath string) (Settings, error) {
	// .env never overrides variables that are already set.
	_ = godotenv.Load()

	k := koanf.New(".")
	for key, value := range settingsDefaults() {
		if err := k.Set(key, value); err != nil {
			return Settings{}, fmt.Errorf("config: default %s: %w", key, err)
		}
	}
	if path := strings.TrimSpace(settingsPath); path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Settings{}, fmt.Errorf("config: load %q: %w", path, err)
			}
		}
	}
	if err := k.Load(env.Provider("", ".", func(s string) string {
		return bareEnv[s]
	}), nil); err != nil {
		return Settings{}, fmt.Errorf("config: load environment: %w", err)
	}
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return Settings{}, fmt.Errorf("config: load environment: %w", err)
	}

	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return Settings{}, fmt.Errorf("config: decode settings: %w", err)
	}
	return s, nil
}

// Level maps LOG_LEVEL onto slog. Debug forces debug level.
func (s Settings) Level() slog.Level {
	if s.Debug {
		return slog.LevelDebug
	}
	switch strings.ToUpper(strings.TrimSpace(s.LogLevel)) {
	case "DEBUG", "TRACE":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults are the backend defaults used when a selection names no profile.
func (s Settings) Defaults() providers.Defaults {
	return providers.Defaults{
		Provider: "openai",
		APIKey:   strings.TrimSpace(s.OpenAIAPIKey),
		BaseURL:  strings.TrimSpace(s.OpenAIAPIBase),
		Model:    strings.TrimSpace(s.DefaultLLMModel),
		Timeout:  DefaultTimeoutSeconds * time.Second,
	}
}
