package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/remedy/internal/core/domain"
	"github.com/vietddude/remedy/internal/loop/metrics"
)

// Config controls dispatch parallelism and ordering.
type Config struct {
	MaxConcurrency int `yaml:"max_concurrency"`
	// Order ranks categories that share resources; earlier runs first.
	Order []domain.Category `yaml:"order"`
}

// DefaultConfig runs up to four independent groups at once and fixes
// imports before types before lint before tests.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Order:          []domain.Category{"import", "type", "lint", "test"},
	}
}

// Dispatcher applies fixers for the failing categories of an attempt.
type Dispatcher struct {
	registry *Registry
	cfg      Config
	log      *slog.Logger
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, cfg Config) *Dispatcher {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	return &Dispatcher{
		registry: registry,
		cfg:      cfg,
		log:      slog.Default(),
	}
}

// Dispatch runs one fixer per category and returns an outcome for every
// category. Independent groups run concurrently; a failing fixer never stops
// the others.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	failures map[domain.Category][]domain.FailureDetail,
) map[domain.Category]domain.ActionOutcome {
	outcomes := make(map[domain.Category]domain.ActionOutcome, len(failures))
	var mu sync.Mutex
	record := func(o domain.ActionOutcome) {
		mu.Lock()
		defer mu.Unlock()
		outcomes[o.Category] = o
	}

	var fixable []domain.Category
	for cat := range failures {
		if _, ok := d.registry.Lookup(cat); ok {
			fixable = append(fixable, cat)
			continue
		}
		record(domain.ActionOutcome{
			Category: cat,
			Skipped:  true,
			Notes:    "no fixer registered",
		})
		metrics.FixerRunsTotal.WithLabelValues(string(cat), "skipped").Inc()
	}

	groups := d.Partition(fixable)

	var g errgroup.Group
	g.SetLimit(d.cfg.MaxConcurrency)
	for _, group := range groups {
		g.Go(func() error {
			for _, cat := range group {
				f, _ := d.registry.Lookup(cat)
				record(d.apply(ctx, f, cat, failures[cat]))
			}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// apply runs one fixer, converting errors and panics into outcomes.
func (d *Dispatcher) apply(
	ctx context.Context,
	f Fixer,
	cat domain.Category,
	details []domain.FailureDetail,
) (out domain.ActionOutcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Fixer panicked",
				"fixer", f.Name(),
				"category", cat,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			out = domain.ActionOutcome{Error: fmt.Sprintf("fixer panicked: %v", r)}
		}
		out.Category = cat
		out.Fixer = f.Name()
		out.Duration = time.Since(start)

		result := "success"
		switch {
		case out.Error != "":
			result = "error"
		case !out.Success:
			result = "failed"
		}
		metrics.FixerRunsTotal.WithLabelValues(string(cat), result).Inc()
		metrics.FixerDuration.WithLabelValues(string(cat)).Observe(out.Duration.Seconds())
	}()

	if err := ctx.Err(); err != nil {
		return domain.ActionOutcome{Error: fmt.Sprintf("not started: %v", err)}
	}

	d.log.Info("Applying fixer", "fixer", f.Name(), "category", cat, "failures", len(details))
	out, err := f.Apply(ctx, cat, details)
	if err != nil {
		d.log.Warn("Fixer failed", "fixer", f.Name(), "category", cat, "error", err)
		out.Success = false
		out.Error = err.Error()
	}
	return out
}

// Partition splits categories into groups that may run concurrently. Within
// a group categories share resources and are ordered by Config.Order, then
// by name.
func (d *Dispatcher) Partition(categories []domain.Category) [][]domain.Category {
	cats := append([]domain.Category(nil), categories...)
	sort.Slice(cats, func(i, j int) bool { return d.less(cats[i], cats[j]) })

	parent := make(map[domain.Category]domain.Category, len(cats))
	for _, c := range cats {
		parent[c] = c
	}
	var find func(domain.Category) domain.Category
	find = func(c domain.Category) domain.Category {
		for parent[c] != c {
			parent[c] = parent[parent[c]]
			c = parent[c]
		}
		return c
	}
	union := func(a, b domain.Category) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for i := 0; i < len(cats); i++ {
		fi, _ := d.registry.Lookup(cats[i])
		for j := i + 1; j < len(cats); j++ {
			fj, _ := d.registry.Lookup(cats[j])
			if fi.Name() == fj.Name() || scopesOverlap(fi.ResourceScope(), fj.ResourceScope()) {
				union(cats[i], cats[j])
			}
		}
		if o, ok := fi.(Ordered); ok {
			for _, dep := range o.After() {
				if _, present := parent[dep]; present {
					union(dep, cats[i])
				}
			}
		}
	}

	byRoot := make(map[domain.Category][]domain.Category)
	var roots []domain.Category
	for _, c := range cats {
		r := find(c)
		if _, seen := byRoot[r]; !seen {
			roots = append(roots, r)
		}
		byRoot[r] = append(byRoot[r], c)
	}

	groups := make([][]domain.Category, 0, len(roots))
	for _, r := range roots {
		groups = append(groups, d.orderGroup(byRoot[r]))
	}
	return groups
}

// orderGroup sorts a group so that declared After dependencies run first.
// Ties and cycles fall back to Config.Order.
func (d *Dispatcher) orderGroup(group []domain.Category) []domain.Category {
	inGroup := make(map[domain.Category]bool, len(group))
	for _, c := range group {
		inGroup[c] = true
	}
	deps := make(map[domain.Category][]domain.Category)
	for _, c := range group {
		f, _ := d.registry.Lookup(c)
		if o, ok := f.(Ordered); ok {
			for _, dep := range o.After() {
				if inGroup[dep] && dep != c {
					deps[c] = append(deps[c], dep)
				}
			}
		}
	}

	done := make(map[domain.Category]bool, len(group))
	ordered := make([]domain.Category, 0, len(group))
	for len(ordered) < len(group) {
		progressed := false
		for _, c := range group {
			if done[c] {
				continue
			}
			ready := true
			for _, dep := range deps[c] {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[c] = true
				ordered = append(ordered, c)
				progressed = true
				break
			}
		}
		if !progressed {
			// Cycle: take the first remaining category.
			for _, c := range group {
				if !done[c] {
					done[c] = true
					ordered = append(ordered, c)
					break
				}
			}
		}
	}
	return ordered
}

func (d *Dispatcher) rank(c domain.Category) int {
	for i, o := range d.cfg.Order {
		if o == c {
			return i
		}
	}
	return len(d.cfg.Order)
}

func (d *Dispatcher) less(a, b domain.Category) bool {
	ra, rb := d.rank(a), d.rank(b)
	if ra != rb {
		return ra < rb
	}
	return a < b
}
