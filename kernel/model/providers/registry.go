package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/refrain2333/Refrain/kernel/model"
)

// ProfileSource exposes stored profiles as backend configs.
type ProfileSource interface {
	// ProviderConfig returns the config stored under alias.
	ProviderConfig(alias string) (Config, bool)
	// ActiveProviderConfig returns the config of the currently active profile.
	ActiveProviderConfig() (Config, error)
}

// CredentialResolver looks up the secret for one profile.
type CredentialResolver interface {
	Resolve(alias string, auth AuthConfig) (string, error)
}

// Selector picks a backend. Empty fields are unset.
type Selector struct {
	Alias    string
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
}

func (s Selector) hasOverrides() bool {
	return strings.TrimSpace(s.Provider) != "" ||
		strings.TrimSpace(s.APIKey) != "" ||
		strings.TrimSpace(s.BaseURL) != "" ||
		strings.TrimSpace(s.Model) != ""
}

// Option customizes a Registry.
type Option func(*Registry)

// WithLogger sets the logger handed to every backend.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.deps.logger = logger }
}

// WithUsageObserver records usage of every successful call.
func WithUsageObserver(observer UsageObserver) Option {
	return func(r *Registry) { r.deps.usage = observer }
}

// WithTokenCounter enables prompt size estimates in request logs.
func WithTokenCounter(counter TokenCounter) Option {
	return func(r *Registry) { r.deps.counter = counter }
}

// WithTransport replaces the base HTTP transport.
func WithTransport(transport http.RoundTripper) Option {
	return func(r *Registry) { r.deps.transport = transport }
}

// Registry resolves selectors into backends and keeps one instance per
// distinct resolved configuration.
type Registry struct {
	profiles ProfileSource
	creds    CredentialResolver
	defaults Defaults
	deps     deps

	mu    sync.Mutex
	cache map[string]cachedBackend
}

type cachedBackend struct {
	alias   string
	backend model.Backend
}

// NewRegistry builds a registry. profiles and creds may be nil, in which case
// only explicit selectors resolve.
func NewRegistry(profiles ProfileSource, creds CredentialResolver, defaults Defaults, opts ...Option) *Registry {
	r := &Registry{
		profiles: profiles,
		creds:    creds,
		defaults: defaults,
		cache:    map[string]cachedBackend{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.deps.logger == nil {
		r.deps.logger = slog.Default()
	}
	return r
}

// Resolve returns the backend for sel, constructing it on first use.
//
// With no overrides, or with an alias, the named (or active) profile is used
// and any override field replaces the stored value. Overrides without an
// alias build a backend from the overrides plus registry defaults.
func (r *Registry) Resolve(ctx context.Context, sel Selector) (model.Backend, error) {
	if r == nil {
		return nil, model.NewCodedError(model.ErrorCodeConfig, "providers: registry is nil")
	}
	cfg, token, err := r.resolveConfig(sel)
	if err != nil {
		return nil, err
	}
	key := cacheKey(cfg, token)

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.cache[key]; ok {
		return cached.backend, nil
	}
	backend, err := r.build(ctx, cfg, token)
	if err != nil {
		return nil, err
	}
	r.cache[key] = cachedBackend{alias: cfg.Alias, backend: backend}
	r.deps.logger.Debug("backend constructed", "alias", cfg.Alias, "provider", cfg.Provider, "api", cfg.API, "model", cfg.Model)
	return backend, nil
}

// Forget drops cached backends built for alias, e.g. after the profile was
// edited or removed. It returns how many instances were dropped.
func (r *Registry) Forget(alias string) int {
	alias = normalizeAlias(alias)
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for key, cached := range r.cache {
		if cached.alias == alias {
			delete(r.cache, key)
			dropped++
		}
	}
	return dropped
}

// Reset drops every cached backend.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = map[string]cachedBackend{}
}

// Len reports how many backends are cached.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

func (r *Registry) resolveConfig(sel Selector) (Config, string, error) {
	var (
		cfg   Config
		token string
	)
	if !sel.hasOverrides() || strings.TrimSpace(sel.Alias) != "" {
		stored, err := r.profileConfig(sel.Alias)
		if err != nil {
			return Config{}, "", err
		}
		cfg = applySelector(stored, sel)
		token = strings.TrimSpace(sel.APIKey)
		if token == "" && r.creds != nil {
			token, err = r.creds.Resolve(cfg.Alias, cfg.Auth)
			if err != nil {
				return Config{}, "", err
			}
		}
	} else {
		cfg = r.explicitConfig(sel)
		token = strings.TrimSpace(sel.APIKey)
	}
	if token == "" {
		token = strings.TrimSpace(r.defaults.APIKey)
	}
	if token == "" {
		return Config{}, "", model.NewCodedError(model.ErrorCodeAuth, "providers: no credential for %q", displayAlias(cfg))
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return Config{}, "", model.NewCodedError(model.ErrorCodeConfig, "providers: no model configured for %q", displayAlias(cfg))
	}
	if cfg.API == "" {
		cfg.API = APIForProvider(cfg.Provider)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = r.defaults.Timeout
	}
	return cfg, token, nil
}

func (r *Registry) profileConfig(alias string) (Config, error) {
	if r.profiles == nil {
		return Config{}, model.NewCodedError(model.ErrorCodeConfig, "providers: no profiles configured")
	}
	alias = normalizeAlias(alias)
	if alias == "" {
		return r.profiles.ActiveProviderConfig()
	}
	cfg, ok := r.profiles.ProviderConfig(alias)
	if !ok {
		return Config{}, model.NewCodedError(model.ErrorCodeConfig, "providers: unknown model alias %q", alias)
	}
	return cfg, nil
}

func applySelector(cfg Config, sel Selector) Config {
	if v := strings.TrimSpace(sel.Provider); v != "" {
		cfg.Provider = v
		cfg.API = APIForProvider(v)
	}
	if v := strings.TrimSpace(sel.BaseURL); v != "" {
		cfg.BaseURL = v
	}
	if v := strings.TrimSpace(sel.Model); v != "" {
		cfg.Model = v
	}
	return cfg
}

func (r *Registry) explicitConfig(sel Selector) Config {
	provider := firstNonEmpty(sel.Provider, r.defaults.Provider, "openai")
	cfg := Config{
		Provider: provider,
		API:      APIForProvider(provider),
		Model:    firstNonEmpty(sel.Model, r.defaults.Model),
		BaseURL:  strings.TrimSpace(sel.BaseURL),
		Timeout:  r.defaults.Timeout,
	}
	// The settings base URL belongs to the OpenAI-compatible default; other
	// dialects fall back to their SDK endpoints.
	if cfg.BaseURL == "" && cfg.API == APIOpenAICompatible {
		cfg.BaseURL = strings.TrimSpace(r.defaults.BaseURL)
	}
	return cfg
}

func (r *Registry) build(ctx context.Context, cfg Config, token string) (model.Backend, error) {
	switch cfg.API {
	case APIDeepSeek:
		return newDeepSeek(cfg, token, r.deps), nil
	case APIAnthropic:
		return newAnthropic(cfg, token, r.deps), nil
	case APIGemini:
		backend, err := newGemini(ctx, cfg, token, r.deps)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case APIOpenAICompatible:
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, model.NewCodedError(model.ErrorCodeConfig, "providers: base url is required for %q", displayAlias(cfg))
		}
		return newOpenAICompat(cfg, token, r.deps), nil
	default:
		return nil, model.NewCodedError(model.ErrorCodeConfig, "providers: unsupported api type %q", cfg.API)
	}
}

// cacheKey is the canonical form of a resolved config. The credential only
// contributes a fingerprint.
func cacheKey(cfg Config, token string) string {
	sum := sha256.Sum256([]byte(token))
	parts := []string{
		"alias=" + cfg.Alias,
		"provider=" + strings.ToLower(cfg.Provider),
		"api=" + string(cfg.API),
		"model=" + cfg.Model,
		"base_url=" + strings.TrimRight(cfg.BaseURL, "/"),
		"credential=" + hex.EncodeToString(sum[:8]),
		"timeout=" + cfg.Timeout.String(),
		"max_tokens=" + strconv.Itoa(cfg.MaxOutputTok),
	}
	if cfg.Temperature != nil {
		parts = append(parts, "temperature="+strconv.FormatFloat(*cfg.Temperature, 'g', -1, 64))
	}
	if len(cfg.Extra) > 0 {
		keys := make([]string, 0, len(cfg.Extra))
		for k := range cfg.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("extra.%s=%v", k, cfg.Extra[k]))
		}
	}
	return strings.Join(parts, "|")
}

func normalizeAlias(alias string) string {
	return strings.TrimSpace(alias)
}

func displayAlias(cfg Config) string {
	if cfg.Alias != "" {
		return cfg.Alias
	}
	return cfg.Provider + "/" + cfg.Model
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
