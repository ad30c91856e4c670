package lockin

import (
	"context"
	"sync"
	"sync/atomic"
)

// Sink consumes emitted measurements. Accept may block; that is the
// backpressure signal. Implementations must honor ctx cancellation while
// blocked and must preserve acceptance order.
type Sink interface {
	Accept(ctx context.Context, m Measurement) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, m Measurement) error

// Accept calls f.
func (f SinkFunc) Accept(ctx context.Context, m Measurement) error {
	return f(ctx, m)
}

// ChannelSink delivers measurements on a channel. A full channel blocks
// Accept, applying backpressure to the producer.
type ChannelSink struct {
	C chan Measurement
}

// NewChannelSink creates a ChannelSink with the given channel capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{C: make(chan Measurement, buffer)}
}

// Accept sends m on the channel, or returns the context error.
func (s *ChannelSink) Accept(ctx context.Context, m Measurement) error {
	select {
	case s.C <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BufferedSink decouples a producer from a slow inner sink through a
// bounded queue with an oldest-first drop policy. Drops are counted, never
// silent. Measurements reach the inner sink in order.
//
// Accept must not be called after Close. Close flushes the queue into the
// inner sink before returning.
type BufferedSink struct {
	inner Sink
	queue chan Measurement

	mu sync.Mutex // serializes Accept's drop-then-enqueue sequence

	dropped atomic.Uint64
	failed  atomic.Uint64

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBufferedSink wraps inner with a queue of the given size (minimum 1)
// and starts the forwarding goroutine.
func NewBufferedSink(inner Sink, size int) *BufferedSink {
	if size < 1 {
		size = 1
	}
	b := &BufferedSink{
		inner: inner,
		queue: make(chan Measurement, size),
	}

	b.wg.Add(1)
	go b.forward()

	return b
}

func (b *BufferedSink) forward() {
	defer b.wg.Done()
	for m := range b.queue {
		if err := b.inner.Accept(context.Background(), m); err != nil {
			b.failed.Add(1)
		}
	}
}

// Accept enqueues m without blocking the caller. When the queue is full the
// oldest queued measurement is discarded and counted.
func (b *BufferedSink) Accept(ctx context.Context, m Measurement) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		select {
		case b.queue <- m:
			return nil
		default:
		}
		select {
		case <-b.queue:
			b.dropped.Add(1)
		default:
			// Forwarder emptied the queue in between; retry the send.
		}
	}
}

// Dropped returns how many measurements were discarded under backpressure.
func (b *BufferedSink) Dropped() uint64 {
	return b.dropped.Load()
}

// Failed returns how many measurements the inner sink rejected.
func (b *BufferedSink) Failed() uint64 {
	return b.failed.Load()
}

// Close flushes queued measurements into the inner sink and stops the
// forwarding goroutine. Safe to call more than once.
func (b *BufferedSink) Close() error {
	b.closeOnce.Do(func() {
		close(b.queue)
		b.wg.Wait()
	})
	return nil
}
