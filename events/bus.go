package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Handler receives events. Handlers run synchronously in Emit; a panicking
// handler is logged and skipped.
type Handler func(ctx context.Context, ev Event)

// Sink is an out-of-process destination for events.
type Sink interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}

// aborter is implemented by cancellation errors that must never be reported
// as unhandled.
type aborter interface {
	Aborted() bool
}

type subscription struct {
	id uint64
	fn Handler
}

// Bus dispatches events to subscribers and an optional sink. Subscribers
// run inside Emit; the sink is fed from a queue by its own goroutine, so a
// slow sink never holds up the emitter.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	byType map[Type][]subscription
	any    []subscription
	sink   Sink
	logger *slog.Logger

	qmu     sync.RWMutex
	closed  bool
	queue   chan queued
	stop    chan struct{}
	done    chan struct{}
	dropped uint64
}

type queued struct {
	ctx context.Context
	ev  Event
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithQueueSize sets how many events may wait for the sink. Default: 1024.
func WithQueueSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan queued, n)
		}
	}
}

// NewBus creates a Bus. sink may be nil.
func NewBus(logger *slog.Logger, sink Sink, opts ...BusOption) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		byType: make(map[Type][]subscription),
		sink:   sink,
		logger: logger,
		queue:  make(chan queued, 1024),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if sink != nil {
		go b.deliverLoop()
	} else {
		close(b.done)
	}
	return b
}

// On subscribes fn to events of type t. The returned func unsubscribes.
func (b *Bus) On(t Type, fn Handler) (off func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.byType[t] = append(b.byType[t], subscription{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.byType[t] = without(b.byType[t], id)
	}
}

// OnAny subscribes fn to every event.
func (b *Bus) OnAny(fn Handler) (off func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.any = append(b.any, subscription{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.any = without(b.any, id)
	}
}

func without(subs []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Emit delivers ev to subscribers of its type, then to catch-all
// subscribers, then queues it for the sink. A full queue drops the event
// with a warning.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	if b == nil {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.byType[ev.Type])+len(b.any))
	subs = append(subs, b.byType[ev.Type]...)
	subs = append(subs, b.any...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.call(ctx, s.fn, ev)
	}
	if b.sink != nil {
		b.enqueue(ctx, ev)
	}
}

func (b *Bus) enqueue(ctx context.Context, ev Event) {
	b.qmu.RLock()
	defer b.qmu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- queued{ctx: context.WithoutCancel(ctx), ev: ev}:
	default:
		n := atomic.AddUint64(&b.dropped, 1)
		b.logger.Warn("events: sink queue full, event dropped", "type", ev.Type, "dropped", n)
	}
}

func (b *Bus) deliverLoop() {
	defer close(b.done)
	for {
		select {
		case q := <-b.queue:
			b.deliver(q)
		case <-b.stop:
			for {
				select {
				case q := <-b.queue:
					b.deliver(q)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(q queued) {
	if err := b.sink.Send(q.ctx, q.ev); err != nil {
		b.logger.Warn("events: sink send failed", "type", q.ev.Type, "error", err)
	}
}

// Dropped returns how many events were discarded because the sink queue was
// full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return atomic.LoadUint64(&b.dropped)
}

func (b *Bus) call(ctx context.Context, fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("events: handler panicked", "type", ev.Type, "panic", fmt.Sprint(r))
		}
	}()
	fn(ctx, ev)
}

// Report publishes an unhandled error on the Error channel and logs it.
// Aborts are expected and filtered out. Returns true if the error was
// reported.
func (b *Bus) Report(ctx context.Context, err error) bool {
	if b == nil || err == nil || IsExpected(err) {
		return false
	}
	b.logger.Error("events: unhandled error", "error", err)
	b.Emit(ctx, Event{Type: Error, Err: err.Error()})
	return true
}

// IsExpected reports whether err is a cancellation that callers ignore.
func IsExpected(err error) bool {
	var a aborter
	if errors.As(err, &a) && a.Aborted() {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// Close delivers every queued event, then closes the sink. Events emitted
// afterwards only reach subscribers.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.qmu.Lock()
	if b.closed {
		b.qmu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stop)
	b.qmu.Unlock()

	<-b.done
	if b.sink == nil {
		return nil
	}
	return b.sink.Close()
}
