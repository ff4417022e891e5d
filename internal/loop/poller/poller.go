// Package poller waits on an external status source using backoff delays.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
	"github.com/vietddude/remedy/internal/loop/backoff"
	"github.com/vietddude/remedy/internal/loop/metrics"
)

// Source reports the current status of an external system.
type Source interface {
	Check(ctx context.Context) (domain.Status, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (domain.Status, error)

func (f SourceFunc) Check(ctx context.Context) (domain.Status, error) {
	return f(ctx)
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// DefaultMaxSourceErrors is the number of consecutive source errors
// tolerated before the poll resolves to FAILURE.
const DefaultMaxSourceErrors = 3

// Poller repeatedly checks a Source until it reports a terminal status.
type Poller struct {
	scheduler       backoff.Scheduler
	timeout         time.Duration
	maxSourceErrors int
	sleep           SleepFunc
	now             func() time.Time
	log             *slog.Logger
}

// Option configures a Poller.
type Option func(*Poller)

// WithSleep replaces the wait function, mostly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(p *Poller) { p.sleep = fn }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// WithMaxSourceErrors sets how many consecutive source errors are retried.
func WithMaxSourceErrors(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.maxSourceErrors = n
		}
	}
}

// New creates a poller. A zero timeout waits indefinitely.
func New(scheduler backoff.Scheduler, timeout time.Duration, opts ...Option) *Poller {
	p := &Poller{
		scheduler:       scheduler,
		timeout:         timeout,
		maxSourceErrors: DefaultMaxSourceErrors,
		sleep:           SleepContext,
		now:             time.Now,
		log:             slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SleepContext waits for d unless ctx is cancelled first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll checks src until it reports SUCCESS or FAILURE. It returns TIMEOUT
// once the cumulative wait exceeds the timeout and CANCELLED when ctx ends.
// Source errors are retried with the same backoff; after too many in a row
// the poll resolves to FAILURE carrying the last error.
func (p *Poller) Poll(ctx context.Context, src Source) domain.Status {
	start := p.now()
	defer func() {
		metrics.PollWaitSeconds.Observe(p.now().Sub(start).Seconds())
	}()

	errStreak := 0
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return p.finish(domain.StatusCancelled, "poll cancelled", attempt-1)
		}

		st, err := src.Check(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return p.finish(domain.StatusCancelled, "poll cancelled", attempt)
			}
			errStreak++
			metrics.PollChecksTotal.WithLabelValues("error").Inc()
			p.log.Warn("Status check failed",
				"attempt", attempt,
				"consecutive", errStreak,
				"error", err,
			)
			if errStreak >= p.maxSourceErrors {
				return p.finish(domain.StatusFailure, fmt.Sprintf("status source error: %v", err), attempt)
			}
		case st.Kind == domain.StatusPending || st.Kind == "":
			errStreak = 0
			metrics.PollChecksTotal.WithLabelValues(string(domain.StatusPending)).Inc()
		default:
			metrics.PollChecksTotal.WithLabelValues(string(st.Kind)).Inc()
			st.Polls = attempt
			if st.CheckedAt.IsZero() {
				st.CheckedAt = p.now()
			}
			return st
		}

		elapsed := p.now().Sub(start)
		if p.timeout > 0 && elapsed >= p.timeout {
			return p.finish(domain.StatusTimeout,
				fmt.Sprintf("status still pending after %s", elapsed.Round(time.Second)), attempt)
		}

		delay := p.scheduler.Delay(attempt)
		if p.timeout > 0 {
			if remaining := p.timeout - elapsed; delay > remaining {
				delay = remaining
			}
		}

		p.log.Debug("Status pending, waiting",
			"attempt", attempt,
			"delay", delay,
			"elapsed", elapsed,
		)
		if err := p.sleep(ctx, delay); err != nil {
			return p.finish(domain.StatusCancelled, "poll cancelled", attempt)
		}
	}
}

func (p *Poller) finish(kind domain.StatusKind, payload string, polls int) domain.Status {
	if kind != domain.StatusCancelled {
		metrics.PollChecksTotal.WithLabelValues(string(kind)).Inc()
	}
	return domain.Status{
		Kind:      kind,
		Payload:   payload,
		CheckedAt: p.now(),
		Polls:     polls,
	}
}
