package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/remedy/internal/core/config"
	"github.com/vietddude/remedy/internal/infra/storage"
	"github.com/vietddude/remedy/internal/loop/metrics"
)

// Pruner deletes finished sessions based on retention policy.
type Pruner struct {
	cfg  config.StoreConfig
	repo storage.SessionRepository
	now  func() time.Time
	log  *slog.Logger
}

// NewPruner creates a new Pruner worker.
func NewPruner(cfg config.StoreConfig, repo storage.SessionRepository) *Pruner {
	return &Pruner{
		cfg:  cfg,
		repo: repo,
		now:  time.Now,
		log:  slog.Default().With("component", "pruner"),
	}
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if p.cfg.Retention <= 0 {
		return // Retention disabled
	}

	interval := p.cfg.PruneInterval
	if interval <= 0 {
		// 10% of retention period, between 1 minute and 1 hour
		interval = min(p.cfg.Retention/10, time.Hour)
	}
	interval = max(interval, time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial prune
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune removes terminal sessions that finished before the retention cutoff.
func (p *Pruner) Prune(ctx context.Context) int {
	cutoff := p.now().Add(-p.cfg.Retention)

	n, err := p.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		p.log.Error("Failed to prune sessions", "cutoff", cutoff, "error", err)
		return 0
	}
	if n > 0 {
		metrics.SessionsPruned.Add(float64(n))
		p.log.Info("Pruned finished sessions", "count", n, "cutoff", cutoff)
	}
	return n
}
