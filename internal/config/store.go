package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/refrain2333/Refrain/kernel/model"
	"github.com/refrain2333/Refrain/kernel/model/providers"
)

const reloadDebounce = 200 * time.Millisecond

// fileData is the on-disk layout. Profiles stay a yaml node so that the
// order written by the user survives a load/save cycle.
type fileData struct {
	CurrentModel string    `yaml:"current_model"`
	Profiles     yaml.Node `yaml:"profiles"`
}

type state struct {
	current  string
	names    []string
	profiles map[string]Profile
}

func defaultState() state {
	p := defaultProfile()
	return state{
		current:  p.Name,
		names:    []string{p.Name},
		profiles: map[string]Profile{p.Name: p},
	}
}

func (st state) clone() state {
	out := state{
		current:  st.current,
		names:    slices.Clone(st.names),
		profiles: make(map[string]Profile, len(st.profiles)),
	}
	for k, v := range st.profiles {
		out.profiles[k] = v
	}
	return out
}

// Store persists profiles and the active selection in a YAML file. Every
// mutation rewrites the whole file atomically.
type Store struct {
	path   string
	logger *slog.Logger

	mu sync.RWMutex
	st state
}

// OpenStore loads the profile file at path, seeding it with the default
// profile when it does not exist yet. A file that cannot be parsed is
// ignored in favor of the defaults.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger, st: defaultState()}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := writeState(path, s.st); err != nil {
			return nil, err
		}
		logger.Info("profile store initialized", "path", path)
		return s, nil
	}
	st, err := decodeState(raw)
	if err != nil {
		logger.Warn("profile store unreadable, using defaults", "path", path, "error", err)
		st = defaultState()
	}
	s.st = st
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Reload re-reads the backing file. An empty or unparsable file keeps the
// profiles already loaded; editors often truncate before writing.
func (s *Store) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("config: read %q: %w", s.path, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("config: %q is empty", s.path)
	}
	st, err := decodeState(raw)
	if err != nil {
		return fmt.Errorf("config: parse %q: %w", s.path, err)
	}
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
	return nil
}

func decodeState(raw []byte) (state, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return defaultState(), nil
	}
	var data fileData
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return state{}, err
	}
	st := state{current: strings.TrimSpace(data.CurrentModel), profiles: map[string]Profile{}}
	if data.Profiles.Kind == 0 {
		d := defaultState()
		if st.current != "" {
			d.current = st.current
		}
		return d, nil
	}
	if data.Profiles.Kind != yaml.MappingNode {
		return state{}, fmt.Errorf("profiles must be a mapping")
	}
	content := data.Profiles.Content
	for i := 0; i+1 < len(content); i += 2 {
		key := strings.TrimSpace(content[i].Value)
		p := NewProfile(key, "", "")
		if err := content[i+1].Decode(&p); err != nil {
			return state{}, fmt.Errorf("profile %q: %w", key, err)
		}
		// The mapping key is authoritative.
		p.Name = key
		if err := p.Validate(); err != nil {
			return state{}, err
		}
		if _, dup := st.profiles[key]; !dup {
			st.names = append(st.names, key)
		}
		st.profiles[key] = p
	}
	if st.current == "" {
		st.current = DefaultProfileName
	}
	return st, nil
}

func encodeState(st state) ([]byte, error) {
	profiles := yaml.Node{Kind: yaml.MappingNode}
	for _, name := range st.names {
		var value yaml.Node
		if err := value.Encode(st.profiles[name]); err != nil {
			return nil, fmt.Errorf("config: encode profile %q: %w", name, err)
		}
		profiles.Content = append(profiles.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name},
			&value,
		)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	out := struct {
		CurrentModel string     `yaml:"current_model"`
		Profiles     *yaml.Node `yaml:"profiles"`
	}{st.current, &profiles}
	if err := enc.Encode(out); err != nil {
		return nil, fmt.Errorf("config: encode profiles: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("config: encode profiles: %w", err)
	}
	return buf.Bytes(), nil
}

func writeState(path string, st state) error {
	raw, err := encodeState(st)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("config: write tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

// mutate applies fn to a copy of the state and commits it only when the
// file was rewritten successfully.
func (s *Store) mutate(fn func(*state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.st.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := writeState(s.path, next); err != nil {
		return err
	}
	s.st = next
	return nil
}

// Profiles returns every profile in stored order.
func (s *Store) Profiles() []Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Profile, 0, len(s.st.names))
	for _, name := range s.st.names {
		out = append(out, s.st.profiles[name])
	}
	return out
}

// Names returns profile names in stored order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.st.names)
}

func (s *Store) Get(name string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.st.profiles[strings.TrimSpace(name)]
	return p, ok
}

func (s *Store) ActiveName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.current
}

// Active returns the active profile, or a config error naming the available
// profiles when the selection points nowhere.
func (s *Store) Active() (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.st.profiles[s.st.current]
	if !ok {
		return Profile{}, model.NewCodedError(model.ErrorCodeConfig,
			"config: model %q not found; available: %s; switch with `refrain model use <name>`",
			s.st.current, strings.Join(s.st.names, ", "))
	}
	return p, nil
}

func (s *Store) SetActive(name string) error {
	name = strings.TrimSpace(name)
	return s.mutate(func(st *state) error {
		if _, ok := st.profiles[name]; !ok {
			return unknownProfile(name, st.names)
		}
		st.current = name
		return nil
	})
}

// Add inserts p, or replaces the profile with the same name in place.
func (s *Store) Add(p Profile) error {
	p.Name = strings.TrimSpace(p.Name)
	if err := p.Validate(); err != nil {
		return err
	}
	return s.mutate(func(st *state) error {
		if _, ok := st.profiles[p.Name]; !ok {
			st.names = append(st.names, p.Name)
		}
		st.profiles[p.Name] = p
		return nil
	})
}

// Remove deletes a profile. The last profile cannot be removed. When the
// active profile is removed the first remaining one becomes active and its
// name is returned.
func (s *Store) Remove(name string) (reassigned string, err error) {
	name = strings.TrimSpace(name)
	err = s.mutate(func(st *state) error {
		if _, ok := st.profiles[name]; !ok {
			return unknownProfile(name, st.names)
		}
		if len(st.profiles) <= 1 {
			return model.NewCodedError(model.ErrorCodeConfig, "config: cannot remove the last profile; add another one first")
		}
		delete(st.profiles, name)
		st.names = slices.DeleteFunc(st.names, func(n string) bool { return n == name })
		if st.current == name {
			st.current = st.names[0]
			reassigned = st.current
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return reassigned, nil
}

func unknownProfile(name string, names []string) error {
	return model.NewCodedError(model.ErrorCodeConfig, "config: model %q not found; available: %s", name, strings.Join(names, ", "))
}

// ProviderConfig implements providers.ProfileSource.
func (s *Store) ProviderConfig(alias string) (providers.Config, bool) {
	p, ok := s.Get(alias)
	if !ok {
		return providers.Config{}, false
	}
	return p.ProviderConfig(), true
}

// ActiveProviderConfig implements providers.ProfileSource.
func (s *Store) ActiveProviderConfig() (providers.Config, error) {
	p, err := s.Active()
	if err != nil {
		return providers.Config{}, err
	}
	return p.ProviderConfig(), nil
}

// Watch reloads the store when another process rewrites the file and then
// calls onReload. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer watcher.Close()
	// Watch the directory: atomic renames replace the file inode.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("config: watch %q: %w", filepath.Dir(s.path), err)
	}

	target := filepath.Clean(s.path)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	reload := func() {
		if err := s.Reload(); err != nil {
			s.logger.Warn("profile store reload failed", "path", s.path, "error", err)
			return
		}
		s.logger.Info("profile store reloaded", "path", s.path)
		if onReload != nil {
			onReload()
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || (!ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create)) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("profile store watch error", "error", err)
		}
	}
}
