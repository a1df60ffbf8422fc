package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func TestEditFileValidatesTarget(t *testing.T) {
	color.NoColor = true
	dir := t.TempDir()
	var out bytes.Buffer

	if err := editFile(&out, []string{"main.go"}); err == nil || !strings.Contains(err.Error(), "usage") {
		t.Fatalf("expected usage error, got %v", err)
	}
	err := editFile(&out, []string{filepath.Join(dir, "missing.go"), "add docs"})
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("expected missing file error, got %v", err)
	}
	err = editFile(&out, []string{dir, "add docs"})
	if err == nil || !strings.Contains(err.Error(), "is a directory") {
		t.Fatalf("expected directory error, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("nothing should be printed on validation errors, got %q", out.String())
	}
}

func TestEditFileOutsideRepository(t *testing.T) {
	color.NoColor = true
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := editFile(&out, []string{path, "fix", "typos"}); err != nil {
		t.Fatal(err)
	}
	text := out.String()
	for _, want := range []string{
		"Refrain analyzing notes.txt...",
		"Instruction: fix typos",
		"git: not in a repository",
		"Editing is in development",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in:\n%s", want, text)
		}
	}
}

func TestEditFileReportsGitState(t *testing.T) {
	color.NoColor = true
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "main.go")
	if err := os.WriteFile(path, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("main.go"); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Commit("init", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	}); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := editFile(&out, []string{path, "add a main func"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "git: main.go is clean") {
		t.Fatalf("expected clean state, got:\n%s", out.String())
	}
	if strings.Contains(out.String(), "commit or stash") {
		t.Fatalf("clean file needs no warning:\n%s", out.String())
	}

	if err := os.WriteFile(path, []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := editFile(&out, []string{path, "add a main func"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "git: main.go is modified") || !strings.Contains(out.String(), "commit or stash") {
		t.Fatalf("expected modified warning, got:\n%s", out.String())
	}
}
