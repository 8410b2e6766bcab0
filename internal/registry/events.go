package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tokenforge/token-registry/internal/metrics"
)

// observerTimeout bounds how long a single observer may run per event.
const observerTimeout = 5 * time.Second

// Event describes a token lifecycle transition. Token is empty for bulk
// revocations.
type Event struct {
	Token    string
	Subject  string
	DeviceID string
	Count    int64
	At       time.Time
}

// Observer receives token lifecycle events. Observers are registered
// values, not subclasses; delivery is best-effort, concurrent, and may be
// out of order across tokens.
type Observer interface {
	OnTokenCreated(ctx context.Context, e Event)
	OnTokenAccessed(ctx context.Context, e Event)
	OnTokenRevoked(ctx context.Context, e Event)
}

// Dispatcher fans events out to registered observers off the critical
// path. Observer panics are logged and swallowed.
type Dispatcher struct {
	mu        sync.RWMutex
	observers []Observer

	logger  *slog.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// NewDispatcher creates an event dispatcher. m may be nil.
func NewDispatcher(logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{logger: logger, metrics: m}
}

// Register adds an observer. Registration happens at wiring time, before
// events start flowing.
func (d *Dispatcher) Register(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

// TokenCreated notifies observers of a successful save.
func (d *Dispatcher) TokenCreated(e Event) {
	d.emit("created", e, func(o Observer, ctx context.Context) { o.OnTokenCreated(ctx, e) })
}

// TokenAccessed notifies observers of a successful mark-used.
func (d *Dispatcher) TokenAccessed(e Event) {
	d.emit("accessed", e, func(o Observer, ctx context.Context) { o.OnTokenAccessed(ctx, e) })
}

// TokenRevoked notifies observers of a delete or revocation.
func (d *Dispatcher) TokenRevoked(e Event) {
	d.emit("revoked", e, func(o Observer, ctx context.Context) { o.OnTokenRevoked(ctx, e) })
}

func (d *Dispatcher) emit(kind string, e Event, deliver func(Observer, context.Context)) {
	d.mu.RLock()
	observers := make([]Observer, len(d.observers))
	copy(observers, d.observers)
	d.mu.RUnlock()

	for _, o := range observers {
		o := o
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("event observer panicked",
						slog.String("event", kind),
						slog.Any("panic", r),
					)
					if d.metrics != nil {
						d.metrics.EventFailuresTotal.WithLabelValues(kind).Inc()
					}
				}
			}()

			ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
			defer cancel()
			deliver(o, ctx)
		}()
	}
}

// Close waits for in-flight observer deliveries up to the context
// deadline. Observers still running past the deadline are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
