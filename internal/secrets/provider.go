// Package secrets supplies the name/value map behind {{secrets.NAME}} and
// {{secret:NAME}} expressions.
package secrets

import (
	"context"
	"maps"
	"os"
	"strings"
)

// DefaultEnvPrefix is the environment prefix read by EnvProvider.
const DefaultEnvPrefix = "NODEFLOW_SECRET_"

// Provider returns the secrets visible to one execution.
type Provider interface {
	Secrets(ctx context.Context) (map[string]string, error)
}

// Static is a fixed set of secrets.
type Static map[string]string

// Secrets returns a copy of s.
func (s Static) Secrets(context.Context) (map[string]string, error) {
	return maps.Clone(map[string]string(s)), nil
}

// EnvProvider exposes environment variables carrying Prefix, with the prefix
// stripped: NODEFLOW_SECRET_API_KEY becomes API_KEY.
type EnvProvider struct {
	Prefix  string
	Environ func() []string
}

// NewEnvProvider returns an EnvProvider over the process environment.
func NewEnvProvider(prefix string) *EnvProvider {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return &EnvProvider{Prefix: prefix, Environ: os.Environ}
}

func (p *EnvProvider) Secrets(context.Context) (map[string]string, error) {
	environ := p.Environ
	if environ == nil {
		environ = os.Environ
	}
	out := make(map[string]string)
	for _, kv := range environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, p.Prefix) {
			continue
		}
		name := strings.TrimPrefix(k, p.Prefix)
		if name == "" {
			continue
		}
		out[name] = v
	}
	return out, nil
}

// Chain merges providers in order; later providers override earlier ones.
type Chain []Provider

func (c Chain) Secrets(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	for _, p := range c {
		if p == nil {
			continue
		}
		m, err := p.Secrets(ctx)
		if err != nil {
			return nil, err
		}
		maps.Copy(out, m)
	}
	return out, nil
}
