package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotFound means a referenced secret has no value in its provider.
// Runs must fail on this before any provisioning side effect; this layer
// never substitutes a default.
var ErrNotFound = errors.New("secret not found")

// Ref names one environment variable to inject and the provider reference its
// value comes from. From is "<provider>:<key>", e.g. "env:AIRTABLE_API_KEY"
// or "file:/run/secrets/airtable".
type Ref struct {
	Env  string
	From string
}

// Provider looks up one secret value by key.
//
// Implementations must treat values as opaque: no trimming beyond what the
// medium requires, no logging.
type Provider interface {
	Lookup(ctx context.Context, key string) (string, error)
}

// Resolver maps refs to concrete values via named providers.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver returns a resolver with the built-in providers:
// "env" (process environment) and "file" (file content, trimmed).
func NewResolver() *Resolver {
	return &Resolver{providers: map[string]Provider{
		"env":  envProvider{},
		"file": fileProvider{},
	}}
}

// Register adds or replaces a provider under name.
func (r *Resolver) Register(name string, p Provider) {
	if r.providers == nil {
		r.providers = map[string]Provider{}
	}
	r.providers[strings.ToLower(strings.TrimSpace(name))] = p
}

// Resolve resolves all refs or fails on the first missing one.
//
// The returned map is env name -> value. The error names the env var and the
// provider reference, never the value.
func (r *Resolver) Resolve(ctx context.Context, refs []Ref) (map[string]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(refs))
	for _, ref := range refs {
		envName := strings.TrimSpace(ref.Env)
		if envName == "" {
			return nil, errors.New("secret ref: env name required")
		}
		provider, key, err := splitRef(ref.From)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", envName, err)
		}
		p, ok := r.providers[provider]
		if !ok {
			return nil, fmt.Errorf("secret %s: unknown provider %q", envName, provider)
		}
		v, err := p.Lookup(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("secret %s (%s:%s): %w", envName, provider, key, err)
		}
		out[envName] = v
	}
	return out, nil
}

func splitRef(from string) (provider, key string, err error) {
	s := strings.TrimSpace(from)
	i := strings.Index(s, ":")
	if i <= 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("invalid reference %q (want \"provider:key\")", from)
	}
	return strings.ToLower(s[:i]), s[i+1:], nil
}

type envProvider struct{}

func (envProvider) Lookup(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

type fileProvider struct{}

func (fileProvider) Lookup(_ context.Context, key string) (string, error) {
	b, err := os.ReadFile(key)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	// Secret files commonly end with a trailing newline.
	return strings.TrimSpace(string(b)), nil
}
