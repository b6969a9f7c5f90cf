package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gyre-io/gyre/internal/cache"
	"github.com/gyre-io/gyre/internal/dsl"
	"github.com/gyre-io/gyre/internal/logging"
	"github.com/gyre-io/gyre/internal/store"
)

// Resolver turns (name, version) into a parsed workflow. Definitions are
// immutable per version, so both layers cache forever: parsed trees stay in
// process memory, source bytes optionally sit in a shared cache so restarts
// and sibling consumers skip the definition store.
type Resolver struct {
	defs  store.DefinitionStore
	cache cache.Cache // optional

	mu    sync.RWMutex
	trees map[string]*parsed
}

type parsed struct {
	doc  *dsl.Document
	tree *dsl.Tree
}

// NewResolver builds a Resolver. c may be nil to skip the shared source
// cache.
func NewResolver(defs store.DefinitionStore, c cache.Cache) *Resolver {
	return &Resolver{
		defs:  defs,
		cache: c,
		trees: make(map[string]*parsed),
	}
}

// Resolve loads and parses the definition named by the continuation.
func (r *Resolver) Resolve(ctx context.Context, name, version string) (*dsl.Document, *dsl.Tree, error) {
	key := name + "@" + version

	r.mu.RLock()
	p, ok := r.trees[key]
	r.mu.RUnlock()
	if ok {
		return p.doc, p.tree, nil
	}

	source, err := r.source(ctx, key, name, version)
	if err != nil {
		return nil, nil, err
	}

	doc, tree, err := dsl.Load(source)
	if err != nil {
		return nil, nil, fmt.Errorf("parse definition %s: %w", key, err)
	}

	r.mu.Lock()
	r.trees[key] = &parsed{doc: doc, tree: tree}
	r.mu.Unlock()
	return doc, tree, nil
}

func (r *Resolver) source(ctx context.Context, key, name, version string) ([]byte, error) {
	if r.cache != nil {
		if b, err := r.cache.Get(ctx, key); err == nil {
			return b, nil
		} else if !errors.Is(err, cache.ErrNotFound) {
			logging.Op().Warn("definition cache read failed", "key", key, "error", err)
		}
	}

	def, err := r.defs.GetDefinition(ctx, name, version)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		// No TTL: a (name, version) never changes once uploaded.
		if err := r.cache.Set(ctx, key, def.Source, 0); err != nil {
			logging.Op().Warn("definition cache write failed", "key", key, "error", err)
		}
	}
	return def.Source, nil
}
