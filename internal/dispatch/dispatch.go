// Package dispatch fans marketplace events out to notification sinks. Emit
// never blocks the caller and never reports a failure back to it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/example/farm-market/internal/observability"
)

const DefaultTimeout = 3 * time.Second

// Bus is the capability handed to services for publishing state transitions.
type Bus interface {
	Emit(event string, payload map[string]any)
}

type Event struct {
	Name    string         `json:"event"`
	Payload map[string]any `json:"payload"`
	At      time.Time      `json:"at"`
}

// Sink delivers one event to one downstream channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup

	mu     sync.Mutex // orders wg.Add against Close
	closed bool
}

func NewDispatcher(logger *slog.Logger, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sinks: sinks, timeout: timeout, logger: logger}
}

func (d *Dispatcher) Emit(event string, payload map[string]any) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.wg.Add(len(d.sinks))
	d.mu.Unlock()

	ev := Event{Name: event, Payload: payload, At: time.Now().UTC()}
	for _, s := range d.sinks {
		go d.deliver(s, ev)
	}
}

func (d *Dispatcher) deliver(s Sink, ev Event) {
	defer d.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	err := safeDeliver(ctx, s, ev)
	observability.NotificationsTotal.WithLabelValues(s.Name(), observability.Outcome(err)).Inc()
	if err != nil {
		d.logger.Warn("notification dropped", "sink", s.Name(), "event", ev.Name, "error", err)
	}
}

func safeDeliver(ctx context.Context, s Sink, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return s.Deliver(ctx, ev)
}

// Close stops accepting events, waits for in-flight deliveries and closes
// sinks that hold connections.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs []error
	for _, s := range d.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(string, map[string]any) {}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(event string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Name: event, Payload: payload, At: time.Now().UTC()})
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Names lists recorded event names in emission order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Name)
	}
	return out
}
