package universal

import (
	"context"
	"errors"
	"flag"
	"reflect"
	"strings"
	"testing"

	"github.com/refrain2333/Refrain/cmd/launcher"
	"github.com/refrain2333/Refrain/cmd/launcher/subcommand"
)

type recorder struct {
	name string
	args []string
	hit  *string
}

func (r *recorder) run(_ context.Context, args []string) error {
	*r.hit = r.name
	r.args = args
	return nil
}

func newTestLauncher(hit *string) (launcher.Launcher, *recorder, *recorder) {
	chat := &recorder{name: "chat", hit: hit}
	model := &recorder{name: "model", hit: hit}
	l := NewLauncher(
		subcommand.NewLauncher(subcommand.Spec{Keyword: "chat", Description: "chat", Run: chat.run}),
		subcommand.NewLauncher(subcommand.Spec{Keyword: "model", Description: "models", Run: model.run}),
	)
	return l, chat, model
}

func TestExecuteRoutesByKeyword(t *testing.T) {
	var hit string
	l, _, model := newTestLauncher(&hit)
	if err := l.Execute(context.Background(), []string{"model", "use", "gpt4"}); err != nil {
		t.Fatal(err)
	}
	if hit != "model" {
		t.Fatalf("expected model subcommand, got %q", hit)
	}
	if !reflect.DeepEqual(model.args, []string{"use", "gpt4"}) {
		t.Fatalf("unexpected args %v", model.args)
	}
}

func TestExecuteDefaultsToFirst(t *testing.T) {
	var hit string
	l, chat, _ := newTestLauncher(&hit)
	if err := l.Execute(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if hit != "chat" {
		t.Fatalf("expected chat default, got %q", hit)
	}
	if err := l.Execute(context.Background(), []string{"-model", "ds"}); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(chat.args, []string{"-model", "ds"}) {
		t.Fatalf("unexpected args %v", chat.args)
	}
}

func TestExecuteHelp(t *testing.T) {
	var hit string
	l, _, _ := newTestLauncher(&hit)
	err := l.Execute(context.Background(), []string{"--help"})
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected flag.ErrHelp, got %v", err)
	}
	if hit != "" {
		t.Fatalf("no subcommand should run, got %q", hit)
	}
	syntax := l.CommandLineSyntax()
	rows := map[string]string{}
	for _, line := range strings.Split(syntax, "\n") {
		if fields := strings.Fields(line); len(fields) == 2 {
			rows[fields[0]] = fields[1]
		}
	}
	if rows["chat"] != "chat" || rows["model"] != "models" {
		t.Fatalf("unexpected syntax:\n%s", syntax)
	}
}

func TestExecuteRejectsEmptyLauncher(t *testing.T) {
	if err := NewLauncher().Execute(context.Background(), nil); err == nil {
		t.Fatal("expected error without sublaunchers")
	}
}

func TestExecuteRejectsDuplicateKeywords(t *testing.T) {
	noop := func(context.Context, []string) error { return nil }
	l := NewLauncher(
		subcommand.NewLauncher(subcommand.Spec{Keyword: "chat", Run: noop}),
		subcommand.NewLauncher(subcommand.Spec{Keyword: "chat", Run: noop}),
	)
	if err := l.Execute(context.Background(), nil); err == nil {
		t.Fatal("expected duplicate keyword error")
	}
}
