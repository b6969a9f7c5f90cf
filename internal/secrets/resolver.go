package secrets

import (
	"context"
	"fmt"
	"strings"
)

const refPrefix = "$SECRET:"

// Resolver materializes the secrets a workflow declares into plain values
// for the expression scope. Resolution happens once per activation, before
// interpretation starts, so a missing secret fails fast instead of midway
// through a task.
type Resolver struct {
	src Source
}

// NewResolver builds a Resolver over a secret source.
func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// Resolve fetches every named secret. Any missing name fails the whole
// resolution; workflows never run with a partial secret set.
func (r *Resolver) Resolve(ctx context.Context, names []string) (map[string]string, error) {
	resolved := make(map[string]string, len(names))
	for _, name := range names {
		value, err := r.src.Get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolve secret %q: %w", name, err)
		}
		resolved[name] = value
	}
	return resolved, nil
}

// ResolveRefs replaces $SECRET:name values in env with the named secrets.
// Plain values pass through untouched.
func (r *Resolver) ResolveRefs(ctx context.Context, env map[string]string) (map[string]string, error) {
	if len(env) == 0 {
		return env, nil
	}
	resolved := make(map[string]string, len(env))
	for k, v := range env {
		if !IsRef(v) {
			resolved[k] = v
			continue
		}
		name := RefName(v)
		if name == "" {
			return nil, fmt.Errorf("env %s: empty secret reference", k)
		}
		value, err := r.src.Get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("env %s: resolve secret %q: %w", k, name, err)
		}
		resolved[k] = value
	}
	return resolved, nil
}

// IsRef reports whether value is a $SECRET:name reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, refPrefix)
}

// RefName extracts the secret name from a $SECRET:name reference, or ""
// when value is not one.
func RefName(value string) string {
	if !IsRef(value) {
		return ""
	}
	return strings.TrimPrefix(value, refPrefix)
}
