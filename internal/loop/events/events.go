// Package events publishes session progress to observers.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
)

// Kind identifies an event type.
type Kind string

const (
	KindTransition Kind = "transition"
	KindProgress   Kind = "progress"
	KindEscalation Kind = "escalation"
	KindRollback   Kind = "rollback"
)

// Event is one observable step of a session.
type Event struct {
	SessionID     string              `json:"session_id"`
	Kind          Kind                `json:"kind"`
	Iteration     int                 `json:"iteration"`
	MaxIterations int                 `json:"max_iterations"`
	State         domain.SessionState `json:"state"`
	Message       string              `json:"message"`
	Transition    *domain.Transition  `json:"transition,omitempty"`
	At            time.Time           `json:"at"`
}

// ProgressMessage renders the per-iteration progress line.
func ProgressMessage(current, max int, status string) string {
	return fmt.Sprintf("Iteration %d of %d: %s", current, max, status)
}

// Emitter delivers events somewhere.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
	Close() error
}

// Bus fans events out to emitters and channel subscribers. Slow subscribers
// lose events rather than blocking the loop.
type Bus struct {
	mu       sync.RWMutex
	emitters []Emitter
	subs     map[int]chan Event
	nextID   int
	dropped  atomic.Int64
	log      *slog.Logger
}

// NewBus creates a bus delivering to emitters.
func NewBus(emitters ...Emitter) *Bus {
	return &Bus{
		emitters: emitters,
		subs:     make(map[int]chan Event),
		log:      slog.Default(),
	}
}

// Subscribe returns a channel receiving future events and a function that
// unsubscribes and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Emit publishes an event.
func (b *Bus) Emit(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, e := range b.emitters {
		if err := e.Emit(ctx, event); err != nil {
			b.log.Warn("Event emitter failed", "kind", event.Kind, "error", err)
		}
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Dropped returns how many events slow subscribers missed.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels and emitters.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	for _, e := range b.emitters {
		_ = e.Close()
	}
	return nil
}

// LogEmitter writes events to a structured logger.
type LogEmitter struct {
	log *slog.Logger
}

// NewLogEmitter creates an emitter logging to l, or slog.Default when nil.
func NewLogEmitter(l *slog.Logger) *LogEmitter {
	if l == nil {
		l = slog.Default()
	}
	return &LogEmitter{log: l}
}

func (e *LogEmitter) Emit(ctx context.Context, event Event) error {
	attrs := []any{"session", event.SessionID, "state", event.State}
	switch event.Kind {
	case KindProgress:
		e.log.Info(event.Message, attrs...)
	case KindEscalation:
		e.log.Warn(event.Message, attrs...)
	case KindTransition:
		if event.Transition != nil {
			attrs = append(attrs, "from", event.Transition.From, "reason", event.Transition.Reason)
		}
		e.log.Debug(event.Message, attrs...)
	default:
		e.log.Info(event.Message, attrs...)
	}
	return nil
}

func (e *LogEmitter) Close() error {
	return nil
}
