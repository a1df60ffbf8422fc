// Package workspace inspects the working directory and, when it sits inside
// a git worktree, the branch and per-file state.
package workspace

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Info describes a directory and its enclosing repository, if any.
type Info struct {
	CWD string
	// Key is a stable short identifier of CWD for log correlation.
	Key    string
	Root   string
	Branch string
	Commit string
}

// InRepo reports whether a git worktree was found.
func (i Info) InRepo() bool {
	return i.Root != ""
}

// FileState is the git view of one file.
type FileState struct {
	// Rel is the slash-separated path relative to the worktree root.
	Rel     string
	Tracked bool
	// Status is one of clean, modified, added, deleted, renamed, untracked,
	// ignored, conflicted or outside when the file is not in a repository.
	Status string
}

// Inspect resolves dir and looks for a git worktree above it.
func Inspect(dir string) (Info, error) {
	abs, err := canonical(dir)
	if err != nil {
		return Info{}, err
	}
	info := Info{CWD: abs, Key: key(abs)}
	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return info, nil
		}
		return info, fmt.Errorf("workspace: open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		// Bare repositories have no worktree to report on.
		if errors.Is(err, git.ErrIsBareRepository) {
			return info, nil
		}
		return info, fmt.Errorf("workspace: worktree: %w", err)
	}
	info.Root = wt.Filesystem.Root()
	head, err := repo.Head()
	switch {
	case err == nil:
		if head.Name().IsBranch() {
			info.Branch = head.Name().Short()
		}
		info.Commit = head.Hash().String()[:7]
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// Unborn branch.
	default:
		return info, fmt.Errorf("workspace: head: %w", err)
	}
	return info, nil
}

// Stat returns the git state of path.
func Stat(path string) (FileState, Info, error) {
	abs, err := canonical(path)
	if err != nil {
		return FileState{}, Info{}, err
	}
	info, err := Inspect(filepath.Dir(abs))
	if err != nil {
		return FileState{}, info, err
	}
	if !info.InRepo() {
		return FileState{Status: "outside"}, info, nil
	}
	rel, err := filepath.Rel(info.Root, abs)
	if err != nil {
		return FileState{}, info, fmt.Errorf("workspace: relative path: %w", err)
	}
	rel = filepath.ToSlash(rel)
	repo, err := git.PlainOpenWithOptions(info.Root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return FileState{}, info, fmt.Errorf("workspace: open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return FileState{}, info, fmt.Errorf("workspace: worktree: %w", err)
	}
	// Preload lists unmodified index entries too; a missing entry is ignored.
	status, err := wt.StatusWithOptions(git.StatusOptions{Strategy: git.Preload})
	if err != nil {
		return FileState{}, info, fmt.Errorf("workspace: status: %w", err)
	}
	fs, ok := status[rel]
	if !ok {
		return FileState{Rel: rel, Status: "ignored"}, info, nil
	}
	return FileState{Rel: rel, Tracked: fs.Worktree != git.Untracked, Status: describe(fs)}, info, nil
}

func describe(fs *git.FileStatus) string {
	code := fs.Worktree
	if code == git.Unmodified {
		code = fs.Staging
	}
	switch code {
	case git.Untracked:
		return "untracked"
	case git.Modified:
		return "modified"
	case git.Added:
		return "added"
	case git.Deleted:
		return "deleted"
	case git.Renamed, git.Copied:
		return "renamed"
	case git.UpdatedButUnmerged:
		return "conflicted"
	default:
		return "clean"
	}
}

func canonical(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		path = "."
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("workspace: resolve %q: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("workspace: resolve %q: %w", path, err)
	}
	return abs, nil
}

func key(path string) string {
	sum := sha1.Sum([]byte(filepath.Clean(path)))
	short := hex.EncodeToString(sum[:8])
	base := strings.ToLower(filepath.Base(path))
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, base)
	base = strings.Trim(base, "-")
	if base == "" {
		base = "workspace"
	}
	return base + "-" + short
}
