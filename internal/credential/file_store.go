package credential

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"
)

const fileStoreVersion = 1

type fileEntry struct {
	Token   string    `yaml:"token"`
	Updated time.Time `yaml:"updated,omitempty"`
}

type fileDoc struct {
	Version int                  `yaml:"version"`
	Keys    map[string]fileEntry `yaml:"keys,omitempty"`
}

// fileStore keeps keys in an owner-only YAML file for machines without a
// reachable OS secret service. Refs are normalized so "Local Model" and
// "local-model" share an entry.
type fileStore struct {
	path string

	mu  sync.Mutex
	doc fileDoc
}

func openFileStore(path string) (*fileStore, error) {
	s := &fileStore{path: path, doc: fileDoc{Version: fileStoreVersion, Keys: map[string]fileEntry{}}}
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("credential: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &s.doc); err != nil {
		return nil, fmt.Errorf("credential: parse %q: %w", path, err)
	}
	if s.doc.Keys == nil {
		s.doc.Keys = map[string]fileEntry{}
	}
	s.doc.Version = fileStoreVersion
	if err := restrict(path); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) get(ref string) (string, bool) {
	key := normalizeRef(ref)
	if key == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	token := strings.TrimSpace(s.doc.Keys[key].Token)
	return token, token != ""
}

// set stores token under ref; an empty token deletes the entry.
func (s *fileStore) set(ref, token string) error {
	key := normalizeRef(ref)
	if key == "" {
		return fmt.Errorf("credential: credential ref is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if token = strings.TrimSpace(token); token == "" {
		delete(s.doc.Keys, key)
	} else {
		s.doc.Keys[key] = fileEntry{Token: token, Updated: time.Now().UTC().Truncate(time.Second)}
	}
	return s.flush()
}

func (s *fileStore) flush() error {
	raw, err := yaml.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("credential: encode: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("credential: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("credential: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("credential: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("credential: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credential: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("credential: replace %q: %w", s.path, err)
	}
	return nil
}

// restrict tightens a pre-existing file to 0600.
func restrict(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.Mode().Perm() == 0o600 {
		return nil
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("credential: chmod %q: %w", path, err)
	}
	return nil
}

// normalizeRef lowercases ref and collapses every run of non-alphanumerics
// into one underscore.
func normalizeRef(ref string) string {
	fields := strings.FieldsFunc(strings.ToLower(ref), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, "_")
}
