package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/refrain2333/Refrain/internal/config"
	"github.com/refrain2333/Refrain/kernel/model"
)

func newTestModelCmd(t *testing.T) (modelCmd, *bytes.Buffer, *fakeKeys) {
	t.Helper()
	color.NoColor = true
	var out bytes.Buffer
	keys := &fakeKeys{}
	return modelCmd{store: newTestStore(t), keys: keys, out: &out}, &out, keys
}

func TestModelListMarksActive(t *testing.T) {
	cmd, out, _ := newTestModelCmd(t)
	if err := cmd.store.Add(config.NewProfile("local", "", "llama3")); err != nil {
		t.Fatal(err)
	}
	if err := cmd.run(context.Background(), []string{"list"}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %q", out.String())
	}
	if !strings.HasPrefix(lines[0], "NAME") || !strings.Contains(lines[0], "STATUS") {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "deepseek") || !strings.HasSuffix(lines[1], "active") {
		t.Fatalf("unexpected active row %q", lines[1])
	}
	if !strings.Contains(lines[1], "env DEEPSEEK_API_KEY") {
		t.Fatalf("expected auth column, got %q", lines[1])
	}
	if !strings.Contains(lines[2], " - ") || !strings.Contains(lines[2], "keyring") {
		t.Fatalf("unexpected custom row %q", lines[2])
	}
	// Columns line up.
	if strings.Index(lines[1], "deepseek-chat") != strings.Index(lines[2], "llama3") {
		t.Fatalf("model column misaligned:\n%s", out.String())
	}
}

func TestModelListFlagsMissingKey(t *testing.T) {
	cmd, out, keys := newTestModelCmd(t)
	keys.missing = true
	if err := cmd.run(context.Background(), []string{"list"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "active, key missing") {
		t.Fatalf("expected missing key status, got %q", out.String())
	}
}

func TestModelUse(t *testing.T) {
	cmd, out, _ := newTestModelCmd(t)
	if err := cmd.store.Add(config.NewProfile("gpt4", "openai", "gpt-4o")); err != nil {
		t.Fatal(err)
	}
	if err := cmd.run(context.Background(), []string{"use", "gpt4"}); err != nil {
		t.Fatal(err)
	}
	if cmd.store.ActiveName() != "gpt4" {
		t.Fatalf("expected gpt4 active, got %q", cmd.store.ActiveName())
	}
	if !strings.Contains(out.String(), "Switched to: gpt4") {
		t.Fatalf("unexpected output %q", out.String())
	}

	err := cmd.run(context.Background(), []string{"use", "missing"})
	if !model.IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
	if !strings.Contains(err.Error(), "deepseek, gpt4") {
		t.Fatalf("expected available names in %q", err.Error())
	}
}

func TestModelInfo(t *testing.T) {
	cmd, out, _ := newTestModelCmd(t)
	if err := cmd.run(context.Background(), []string{"info"}); err != nil {
		t.Fatal(err)
	}
	text := out.String()
	for _, want := range []string{
		"Model: deepseek",
		"Routing ID:  deepseek/deepseek-chat",
		"Auth:        env DEEPSEEK_API_KEY",
		"API:         https://api.deepseek.com",
		"Temperature: 0.7",
		"Timeout:     60s",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in:\n%s", want, text)
		}
	}
	err := cmd.run(context.Background(), []string{"info", "nope"})
	if !model.IsConfigError(err) {
		t.Fatalf("expected ERR_CONFIG for unknown profile, got %v", err)
	}
}

func TestModelAddFromFlags(t *testing.T) {
	cmd, out, _ := newTestModelCmd(t)
	err := cmd.run(context.Background(), []string{"add", "-n", "gpt4", "--model", "gpt-4o", "-e", "OPENAI_API_KEY", "--temperature", "0.2"})
	if err != nil {
		t.Fatal(err)
	}
	p, ok := cmd.store.Get("gpt4")
	if !ok {
		t.Fatal("expected gpt4 to be stored")
	}
	if p.Provider != "openai" || p.Model != "gpt-4o" || p.APIKeyEnv != "OPENAI_API_KEY" || p.Temperature != 0.2 {
		t.Fatalf("unexpected profile %+v", p)
	}
	if cmd.store.ActiveName() != config.DefaultProfileName {
		t.Fatal("add must not change the active profile")
	}
	if !strings.Contains(out.String(), "Added model: gpt4") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestModelAddRejectsKeyInEnvField(t *testing.T) {
	cmd, _, _ := newTestModelCmd(t)
	err := cmd.run(context.Background(), []string{"add", "--name", "x", "--model", "y", "--env", "sk-abc123"})
	if !model.IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
	if _, ok := cmd.store.Get("x"); ok {
		t.Fatal("misplaced key must not be stored")
	}
}

func TestModelAddInteractiveStoresKey(t *testing.T) {
	cmd, out, keys := newTestModelCmd(t)
	// Custom template: provider, name, model, url, then "enter the key now".
	editor := &stubLineEditor{lines: []string{"5", "", "local", "llama3", "http://localhost:11434/v1", "2", "secret-key"}}
	closed := false
	cmd.form = func() (prompter, func() error) {
		return editor, func() error {
			closed = true
			return nil
		}
	}
	if err := cmd.run(context.Background(), []string{"add", "-i"}); err != nil {
		t.Fatal(err)
	}
	if !closed {
		t.Fatal("expected form to be closed")
	}
	p, ok := cmd.store.Get("local")
	if !ok {
		t.Fatalf("expected local profile, output:\n%s", out.String())
	}
	if p.Provider != "openai" || p.Model != "llama3" || p.BaseURL != "http://localhost:11434/v1" || !p.UsesSecretStore() {
		t.Fatalf("unexpected profile %+v", p)
	}
	if keys.stored["local"] != "secret-key" {
		t.Fatalf("expected key stored under profile name, got %v", keys.stored)
	}
}

func TestModelAddInteractiveCancelled(t *testing.T) {
	cmd, out, _ := newTestModelCmd(t)
	cmd.form = func() (prompter, func() error) {
		return &stubLineEditor{}, func() error { return nil }
	}
	if err := cmd.run(context.Background(), []string{"add"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Cancelled.") {
		t.Fatalf("unexpected output %q", out.String())
	}
	if len(cmd.store.Names()) != 1 {
		t.Fatalf("expected no new profile, got %v", cmd.store.Names())
	}
}

func TestModelRemove(t *testing.T) {
	cmd, out, _ := newTestModelCmd(t)
	var forgotten []string
	cmd.forget = func(name string) error {
		forgotten = append(forgotten, name)
		return nil
	}
	if err := cmd.store.Add(config.NewProfile("local", "", "llama3")); err != nil {
		t.Fatal(err)
	}

	if err := cmd.run(context.Background(), []string{"remove", "deepseek"}); err != nil {
		t.Fatal(err)
	}
	if cmd.store.ActiveName() != "local" {
		t.Fatalf("expected reassignment to local, got %q", cmd.store.ActiveName())
	}
	if !strings.Contains(out.String(), "switched to: local") {
		t.Fatalf("expected reassignment warning, got %q", out.String())
	}
	if len(forgotten) != 0 {
		t.Fatalf("env-based profile has no stored key, forgot %v", forgotten)
	}

	err := cmd.run(context.Background(), []string{"remove", "local"})
	if !model.IsConfigError(err) {
		t.Fatalf("expected last profile removal to fail, got %v", err)
	}
}

func TestModelRemoveForgetsStoredKey(t *testing.T) {
	cmd, _, _ := newTestModelCmd(t)
	var forgotten []string
	cmd.forget = func(name string) error {
		forgotten = append(forgotten, name)
		return nil
	}
	if err := cmd.store.Add(config.NewProfile("local", "", "llama3")); err != nil {
		t.Fatal(err)
	}
	if err := cmd.run(context.Background(), []string{"rm", "local"}); err != nil {
		t.Fatal(err)
	}
	if len(forgotten) != 1 || forgotten[0] != "local" {
		t.Fatalf("expected stored key to be forgotten, got %v", forgotten)
	}
}

func TestModelUnknownSubcommand(t *testing.T) {
	cmd, _, _ := newTestModelCmd(t)
	if err := cmd.run(context.Background(), nil); err == nil {
		t.Fatal("expected usage error")
	}
	if err := cmd.run(context.Background(), []string{"frobnicate"}); err == nil {
		t.Fatal("expected unknown command error")
	}
}
