// Package eventlog delivers domain events to an append-only sink. Delivery is
// fire-and-forget by contract: a mutation never blocks on, fails from, or
// compensates for event logging, so the pump buffers events and drops with a
// warning when the buffer is full.
package eventlog

import (
	"context"
	log "log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/abstack/abx"
)

// Sink receives domain events from the pump, one at a time.
type Sink interface {
	Post(ctx context.Context, event abx.DomainEvent) error
}

// Config tunes the async pump.
type Config struct {
	// BufferSize is the event queue capacity. Defaults to 256.
	BufferSize int
	// Workers is the number of concurrent sink posters. Defaults to 2.
	Workers int
}

// Async is the buffered EventLog implementation. Post enqueues and returns;
// worker goroutines drain the queue into the sink. Sink errors are logged and
// never surface to the mutation path.
type Async struct {
	sink   Sink
	events chan abx.DomainEvent
	eg     *errgroup.Group
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts the pump with the given sink.
func NewAsync(sink Sink, config Config) *Async {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	// Workers run on their own context: events outlive the requests that
	// produced them, so a request cancellation must not cancel delivery.
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	a := &Async{
		sink:   sink,
		events: make(chan abx.DomainEvent, config.BufferSize),
		eg:     eg,
		cancel: cancel,
	}
	for i := 0; i < config.Workers; i++ {
		eg.Go(func() error {
			for event := range a.events {
				if err := a.sink.Post(ctx, event); err != nil {
					log.Warn("event log post of " + event.EventName() + " failed: " + err.Error())
				}
			}
			return nil
		})
	}
	return a
}

// Post enqueues the event. A full buffer drops it with a warning; a closed
// pump drops silently.
func (a *Async) Post(ctx context.Context, event abx.DomainEvent) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- event:
	default:
		log.Warn("event buffer full, dropping " + event.EventName())
	}
}

// Close drains buffered events into the sink and stops the workers. Posting
// after Close is a no-op.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.events)
	a.mu.Unlock()

	err := a.eg.Wait()
	a.cancel()
	return err
}

// CaptureSink retains posted events in memory. It backs tests and standalone
// deployments that have no broker.
type CaptureSink struct {
	mu     sync.Mutex
	events []abx.DomainEvent
}

// NewCaptureSink returns an empty capture sink.
func NewCaptureSink() *CaptureSink {
	return &CaptureSink{}
}

// Post implements Sink.
func (s *CaptureSink) Post(ctx context.Context, event abx.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a snapshot of everything posted so far.
func (s *CaptureSink) Events() []abx.DomainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]abx.DomainEvent(nil), s.events...)
}
