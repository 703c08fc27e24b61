// Package credentials resolves provider API keys from the environment, a local
// JSON key file, or a known-invalid placeholder, and validates them per provider.
package credentials

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/danshapiro/mcpchat/internal/providerspec"
)

// DefaultFile is the key file consulted after the environment.
const DefaultFile = ".api_keys.json"

type Source string

const (
	SourceEnv         Source = "env"
	SourceFile        Source = "file"
	SourcePlaceholder Source = "placeholder"
	SourceNone        Source = "none"
)

// Record is a credential value plus where it came from. Records are built fresh
// on every lookup and never mutated.
type Record struct {
	Name     string
	Provider string
	Value    string
	Source   Source
}

// Usable reports whether the value may be sent to a live provider.
func (r Record) Usable() bool {
	if r.Source == SourceNone || r.Source == SourcePlaceholder {
		return false
	}
	return Valid(r.Provider, r.Value)
}

type Resolver struct {
	Getenv   func(string) string
	FilePath string
	ReadFile func(string) ([]byte, error)
	Logger   *zap.Logger
}

// NewResolver returns a resolver over getenv and the given key file. An empty
// path selects DefaultFile.
func NewResolver(getenv func(string) string, filePath string, logger *zap.Logger) *Resolver {
	if strings.TrimSpace(filePath) == "" {
		filePath = DefaultFile
	}
	return &Resolver{Getenv: getenv, FilePath: filePath, Logger: logger}
}

// Resolve looks up name in the environment, then the key file, then falls back
// to the provider placeholder. Names outside the builtin credential set resolve
// to SourceNone without touching either store.
func (r *Resolver) Resolve(name string) Record {
	spec, ok := providerspec.ByAPIKeyEnv(name)
	if !ok || spec.Credential == nil {
		return Record{Name: name, Source: SourceNone}
	}
	rec := Record{Name: name, Provider: spec.Key}

	if v := r.getenv(name); envValueSet(v) {
		rec.Value, rec.Source = v, SourceEnv
		return rec
	}

	keys := r.loadFile()
	for _, k := range []string{strings.ToLower(name), name} {
		if v := strings.TrimSpace(keys[k]); v != "" {
			rec.Value, rec.Source = v, SourceFile
			return rec
		}
	}

	rec.Value, rec.Source = spec.Credential.Placeholder, SourcePlaceholder
	return rec
}

// ResolveProvider resolves the credential of a provider key or alias.
func (r *Resolver) ResolveProvider(provider string) Record {
	spec, ok := providerspec.Builtin(provider)
	if !ok || spec.API == nil {
		return Record{Provider: providerspec.CanonicalProviderKey(provider), Source: SourceNone}
	}
	return r.Resolve(spec.API.DefaultAPIKeyEnv)
}

// ValidateAll reports validity of the resolved credential of every builtin provider.
func (r *Resolver) ValidateAll() map[string]bool {
	out := map[string]bool{}
	for _, key := range providerspec.Keys() {
		rec := r.ResolveProvider(key)
		out[key] = Valid(key, rec.Value)
	}
	return out
}

func (r *Resolver) getenv(name string) string {
	if r.Getenv == nil {
		return os.Getenv(name)
	}
	return r.Getenv(name)
}

func (r *Resolver) loadFile() map[string]string {
	read := r.ReadFile
	if read == nil {
		read = os.ReadFile
	}
	path := r.FilePath
	if path == "" {
		path = DefaultFile
	}
	b, err := read(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.logger().Warn("credential file read failed", zap.String("path", path), zap.Error(err))
		}
		return nil
	}
	raw := map[string]any{}
	if err := json.Unmarshal(b, &raw); err != nil {
		r.logger().Warn("credential file parse failed", zap.String("path", path), zap.Error(err))
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func (r *Resolver) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// envValueSet filters template values copied verbatim from .env.example.
func envValueSet(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && !strings.HasPrefix(v, "your_") && v != "None"
}
