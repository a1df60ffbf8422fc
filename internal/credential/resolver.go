// Package credential finds API keys for profiles: an environment variable
// named by the profile, or the OS secret store keyed by profile name with a
// file fallback.
package credential

import (
	"errors"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/refrain2333/Refrain/internal/config"
	"github.com/refrain2333/Refrain/kernel/model"
	"github.com/refrain2333/Refrain/kernel/model/providers"
)

// keyringUser is the account name every profile secret is stored under.
const keyringUser = "api_key"

// Backend names where a key was stored.
const (
	BackendKeyring = "keyring"
	BackendFile    = "file"
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// keyPrefixes are the leading bytes of real provider keys. A value like this
// in api_key_env means the key itself was pasted into the name field.
var keyPrefixes = []string{"sk-", "sk_", "AIza", "gsk_", "xai-"}

// ValidatePlacement rejects profiles whose api_key_env holds something that
// is not an environment variable name.
func ValidatePlacement(p config.Profile) error {
	return validateEnvName(p.Name, p.APIKeyEnv)
}

func validateEnvName(alias, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	for _, prefix := range keyPrefixes {
		if strings.HasPrefix(name, prefix) {
			return model.NewCodedError(model.ErrorCodeConfig,
				"credential: profile %q has an API key in api_key_env; it must name an environment variable", alias)
		}
	}
	if !envNamePattern.MatchString(name) {
		return model.NewCodedError(model.ErrorCodeConfig,
			"credential: profile %q api_key_env %q is not a valid environment variable name", alias, name)
	}
	return nil
}

// Resolver looks up credentials. It implements providers.CredentialResolver.
type Resolver struct {
	files     *fileStore
	logger    *slog.Logger
	lookupEnv func(string) (string, bool)
}

// NewResolver returns a resolver whose file fallback lives at path.
func NewResolver(path string, logger *slog.Logger) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	files, err := openFileStore(path)
	if err != nil {
		return nil, err
	}
	return &Resolver{files: files, logger: logger, lookupEnv: os.LookupEnv}, nil
}

// Resolve returns the key for alias, or "" when none is configured.
func (r *Resolver) Resolve(alias string, auth providers.AuthConfig) (string, error) {
	if err := validateEnvName(alias, auth.TokenEnv); err != nil {
		return "", err
	}
	if env := strings.TrimSpace(auth.TokenEnv); env != "" {
		value, _ := r.lookupEnv(env)
		return strings.TrimSpace(value), nil
	}
	ref := strings.TrimSpace(auth.CredentialRef)
	if ref == "" {
		ref = alias
	}
	return r.secret(ref), nil
}

func (r *Resolver) secret(ref string) string {
	if ref == "" {
		return ""
	}
	token, err := keyring.Get(ref, keyringUser)
	switch {
	case err == nil && strings.TrimSpace(token) != "":
		return strings.TrimSpace(token)
	case err != nil && !errors.Is(err, keyring.ErrNotFound):
		r.logger.Debug("keyring lookup failed, trying file store", "ref", ref, "error", err)
	}
	token, _ = r.files.get(ref)
	return token
}

// Available reports whether p has a well-placed, non-empty credential.
func (r *Resolver) Available(p config.Profile) bool {
	token, err := r.Resolve(p.Name, p.ProviderConfig().Auth)
	return err == nil && token != ""
}

// Store saves key for the profile named name and reports which backend took
// it. The OS keyring is preferred.
func (r *Resolver) Store(name, key string) (string, error) {
	name = strings.TrimSpace(name)
	key = strings.TrimSpace(key)
	if name == "" {
		return "", model.NewCodedError(model.ErrorCodeConfig, "credential: profile name is required")
	}
	if key == "" {
		return "", model.NewCodedError(model.ErrorCodeAuth, "credential: empty key for %q", name)
	}
	err := keyring.Set(name, keyringUser, key)
	if err == nil {
		return BackendKeyring, nil
	}
	r.logger.Warn("keyring unavailable, storing key in file", "profile", name, "error", err)
	if err := r.files.set(name, key); err != nil {
		return "", err
	}
	return BackendFile, nil
}

// Forget deletes the stored key for name from both backends.
func (r *Resolver) Forget(name string) error {
	err := keyring.Delete(name, keyringUser)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		r.logger.Debug("keyring delete failed", "profile", name, "error", err)
	}
	if _, ok := r.files.get(name); !ok {
		return nil
	}
	return r.files.set(name, "")
}
