package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	appDirName         = ".refrain"
	profilesFileName   = "config.yaml"
	settingsFileName   = "settings.yaml"
	systemPromptName   = "system.md"
	credentialFileName = "credentials.yaml"
	usageDBName        = "usage.db"
)

// DataDir returns the per-user data directory. REFRAIN_DATA_DIR overrides the
// default ~/.refrain.
func DataDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("REFRAIN_DATA_DIR")); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve user home: %w", err)
	}
	return filepath.Join(home, appDirName), nil
}

// Paths are the files Refrain keeps under its data directory.
type Paths struct {
	Root        string
	Profiles    string
	Settings    string
	SystemMD    string
	Credentials string
	UsageDB     string
	LogDir      string
	HistoryFile string
	TraceFile   string
}

// ResolvePaths lays out every file under root.
func ResolvePaths(root string) Paths {
	return Paths{
		Root:        root,
		Profiles:    filepath.Join(root, profilesFileName),
		Settings:    filepath.Join(root, settingsFileName),
		SystemMD:    filepath.Join(root, systemPromptName),
		Credentials: filepath.Join(root, credentialFileName),
		UsageDB:     filepath.Join(root, usageDBName),
		LogDir:      filepath.Join(root, "logs"),
		HistoryFile: filepath.Join(root, "history", "chat.history"),
		TraceFile:   filepath.Join(root, "logs", "trace", "spans.jsonl"),
	}
}

// DefaultPaths resolves Paths under DataDir.
func DefaultPaths() (Paths, error) {
	root, err := DataDir()
	if err != nil {
		return Paths{}, err
	}
	return ResolvePaths(root), nil
}
