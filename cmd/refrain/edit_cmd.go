package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/refrain2333/Refrain/internal/workspace"
)

func runEdit(_ context.Context, args []string) error {
	return editFile(os.Stdout, args)
}

// editFile validates the target and reports what would be edited. The
// rewrite itself is not implemented yet.
func editFile(out io.Writer, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: refrain edit <file> <instruction>")
	}
	path := args[0]
	instruction := strings.TrimSpace(strings.Join(args[1:], " "))
	if instruction == "" {
		return fmt.Errorf("instruction is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file %q does not exist", path)
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%q is a directory", path)
	}

	fmt.Fprintf(out, "%s analyzing %s...\n", bold.Sprint(cyan.Sprint("Refrain")), filepath.Base(path))
	fmt.Fprintln(out, faint.Sprint("Instruction: "+instruction))
	state, ws, err := workspace.Stat(path)
	switch {
	case err != nil:
		fmt.Fprintln(out, faint.Sprintf("git: unavailable (%v)", err))
	case !ws.InRepo():
		fmt.Fprintln(out, faint.Sprint("git: not in a repository"))
	default:
		line := fmt.Sprintf("git: %s is %s", state.Rel, state.Status)
		if ws.Branch != "" {
			line += " on " + ws.Branch
		}
		if state.Status != "clean" && state.Status != "ignored" {
			line += "; commit or stash before applying edits"
		}
		fmt.Fprintln(out, faint.Sprint(line))
	}
	fmt.Fprintln(out, yellow.Sprint("⚠ Editing is in development..."))
	return nil
}
