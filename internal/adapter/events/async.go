package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/port"
)

var (
	ErrQueueFull = errors.New("event queue is full")
	ErrClosed    = errors.New("event dispatcher is closed")
)

const deliveryTimeout = 5 * time.Second

// queued keeps the publisher's span context with the event, so a worker
// delivers it inside the trace that produced it.
type queued struct {
	event domain.Event
	span  trace.SpanContext
}

// Dispatcher hands events to a fixed pool of workers so a slow sink never
// holds up an order or payment write. Publish fails only when the queue is
// full or the dispatcher is closed.
type Dispatcher struct {
	next  port.EventPublisher
	queue chan queued
	log   *slog.Logger
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(next port.EventPublisher, workers, queueSize int, log *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		next:  next,
		queue: make(chan queued, queueSize),
		log:   log,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			d.workerLoop(id)
		}(i)
	}
	return d
}

func (d *Dispatcher) Publish(ctx context.Context, event domain.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- queued{event: event, span: trace.SpanContextFromContext(ctx)}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) workerLoop(id int) {
	for item := range d.queue {
		// The caller's deadline is gone by now; only its trace carries over.
		ctx := trace.ContextWithSpanContext(context.Background(), item.span)
		ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
		if err := d.next.Publish(ctx, item.event); err != nil {
			d.log.Warn("event_delivery_failed", "worker", id, "event_type", item.event.Type, "key", item.event.Key(), "trace_id", item.span.TraceID().String(), "err", err)
		}
		cancel()
	}
}

var _ port.EventPublisher = (*Dispatcher)(nil)
