package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/refrain2333/Refrain/internal/config"
	"github.com/refrain2333/Refrain/internal/credential"
)

type providerTemplate struct {
	label    string
	provider string
	model    string
	baseURL  string
	env      string
}

var providerTemplates = []providerTemplate{
	{label: "DeepSeek", provider: "deepseek", model: "deepseek-chat", baseURL: "https://api.deepseek.com", env: "DEEPSEEK_API_KEY"},
	{label: "OpenAI", provider: "openai", model: "gpt-4o", baseURL: "https://api.openai.com/v1", env: "OPENAI_API_KEY"},
	{label: "Anthropic (Claude)", provider: "anthropic", model: "claude-sonnet-4-5", env: "ANTHROPIC_API_KEY"},
	{label: "Gemini", provider: "gemini", model: "gemini-2.5-flash", env: "GEMINI_API_KEY"},
	{label: "Custom", env: "API_KEY"},
}

const (
	authEnv = iota + 1
	authStoreNow
	authLater
)

// keyStore is the part of the credential resolver the CLI writes through.
type keyStore interface {
	Available(config.Profile) bool
	Store(name, key string) (string, error)
}

// profileForm collects a new profile interactively.
type profileForm struct {
	in   prompter
	out  io.Writer
	keys keyStore
}

// run walks the user through template, identity and auth choices. ok is
// false when the user backed out with Ctrl+C or Ctrl+D.
func (f profileForm) run() (p config.Profile, ok bool, err error) {
	p, err = f.collect()
	if errors.Is(err, errInputInterrupt) || errors.Is(err, errInputEOF) {
		fmt.Fprintln(f.out)
		return config.Profile{}, false, nil
	}
	if err != nil {
		return config.Profile{}, false, err
	}
	return p, true, nil
}

func (f profileForm) collect() (config.Profile, error) {
	fmt.Fprintln(f.out, bold.Sprint("Choose a provider template:"))
	for i, tpl := range providerTemplates {
		fmt.Fprintf(f.out, "  %d) %s\n", i+1, tpl.label)
	}
	picked, err := f.choice("template", len(providerTemplates), 1)
	if err != nil {
		return config.Profile{}, err
	}
	tpl := providerTemplates[picked-1]

	provider := tpl.provider
	if provider == "" {
		if provider, err = f.text("provider", "openai"); err != nil {
			return config.Profile{}, err
		}
	}
	name, err := f.text("profile name", firstNonBlank(tpl.provider, "custom"))
	if err != nil {
		return config.Profile{}, err
	}
	modelID, err := f.text("model id", tpl.model)
	if err != nil {
		return config.Profile{}, err
	}
	baseURL, err := f.text("API base URL", tpl.baseURL)
	if err != nil {
		return config.Profile{}, err
	}

	p := config.NewProfile(name, provider, modelID)
	p.BaseURL = baseURL
	if err := p.Validate(); err != nil {
		return config.Profile{}, err
	}

	fmt.Fprintln(f.out, bold.Sprint("How will you provide the API key?"))
	fmt.Fprintln(f.out, "  1) environment variable (recommended)")
	fmt.Fprintln(f.out, "  2) enter the API key now (saved in the system keyring)")
	fmt.Fprintln(f.out, "  3) configure later")
	mode, err := f.choice("auth", 3, authEnv)
	if err != nil {
		return config.Profile{}, err
	}
	switch mode {
	case authEnv:
		env, err := f.text("environment variable name", tpl.env)
		if err != nil {
			return config.Profile{}, err
		}
		p.APIKeyEnv = env
		if err := credential.ValidatePlacement(p); err != nil {
			return config.Profile{}, err
		}
	case authStoreNow:
		key, err := f.in.ReadSecret("API key: ")
		if err != nil {
			return config.Profile{}, err
		}
		if strings.TrimSpace(key) == "" {
			fmt.Fprintln(f.out, faint.Sprint("No key entered; configure it later."))
			break
		}
		backend, err := f.keys.Store(p.Name, key)
		if err != nil {
			return config.Profile{}, err
		}
		if backend == credential.BackendFile {
			fmt.Fprintln(f.out, yellow.Sprint("System keyring unavailable; key saved to a local file with owner-only permissions."))
		} else {
			fmt.Fprintln(f.out, faint.Sprint("Key saved to the system keyring."))
		}
	case authLater:
		if tpl.env != "" {
			fmt.Fprintln(f.out, faint.Sprintf("Set a key later with /config, or edit api_key_env (e.g. %s).", tpl.env))
		}
	}
	return p, nil
}

func (f profileForm) text(name, defaultValue string) (string, error) {
	prompt := name
	if strings.TrimSpace(defaultValue) != "" {
		prompt += fmt.Sprintf(" [%s]", defaultValue)
	}
	prompt += ": "
	line, err := f.in.ReadLine(prompt)
	if err != nil {
		return "", err
	}
	if line == "" {
		return defaultValue, nil
	}
	return line, nil
}

func (f profileForm) choice(name string, maxValue, defaultValue int) (int, error) {
	text, err := f.text(name, strconv.Itoa(defaultValue))
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || value < 1 || value > maxValue {
		return 0, fmt.Errorf("invalid %s: %q (expected 1..%d)", name, text, maxValue)
	}
	return value, nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
