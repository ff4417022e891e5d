// Package dispatch runs fixers for failure categories, in parallel where
// their declared resources do not overlap.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vietddude/remedy/internal/core/domain"
)

// Fixer remediates one category of failures.
type Fixer interface {
	Name() string
	// ResourceScope lists the resources the fixer may touch, such as paths
	// or "*" for everything. An empty scope is treated as "*".
	ResourceScope() []string
	Apply(ctx context.Context, category domain.Category, details []domain.FailureDetail) (domain.ActionOutcome, error)
}

// Ordered is implemented by fixers that must run after other categories.
type Ordered interface {
	After() []domain.Category
}

// FixerFunc builds a Fixer from a function.
type FixerFunc struct {
	FixerName string
	Scope     []string
	Fn        func(ctx context.Context, category domain.Category, details []domain.FailureDetail) (domain.ActionOutcome, error)
}

func (f FixerFunc) Name() string            { return f.FixerName }
func (f FixerFunc) ResourceScope() []string { return f.Scope }

func (f FixerFunc) Apply(ctx context.Context, category domain.Category, details []domain.FailureDetail) (domain.ActionOutcome, error) {
	return f.Fn(ctx, category, details)
}

// Registry maps categories to fixers.
type Registry struct {
	mu     sync.RWMutex
	fixers map[domain.Category]Fixer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{fixers: make(map[domain.Category]Fixer)}
}

// Register binds a fixer to a category, replacing any previous binding.
func (r *Registry) Register(category domain.Category, f Fixer) error {
	if category == "" {
		return fmt.Errorf("register %s: empty category", f.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fixers[category] = f
	return nil
}

// Lookup returns the fixer for a category.
func (r *Registry) Lookup(category domain.Category) (Fixer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fixers[category]
	return f, ok
}

// Categories lists registered categories in sorted order.
func (r *Registry) Categories() []domain.Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cats := make([]domain.Category, 0, len(r.fixers))
	for c := range r.fixers {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}

// scopesOverlap reports whether two scopes may touch the same resource.
// Entries overlap when equal or when one is a path prefix of the other.
func scopesOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	for _, x := range a {
		for _, y := range b {
			if x == "*" || y == "*" || pathPrefix(x, y) || pathPrefix(y, x) {
				return true
			}
		}
	}
	return false
}

func pathPrefix(prefix, path string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	path = strings.TrimSuffix(path, "/")
	if prefix == path {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}
