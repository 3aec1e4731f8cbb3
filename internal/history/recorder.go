package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueue       = 256
	defaultSendTimeout = 5 * time.Second
)

// Recorder fans events out to sinks from a single background goroutine so
// callers on the acquire path never block on a slow store. When the queue is
// full new events are dropped and counted.
type Recorder struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	closed  bool
	dropped int
	done    chan struct{}
}

type RecorderOption func(*Recorder)

func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan Event, n)
		}
	}
}

func WithSendTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithLogger(lg *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if lg != nil {
			r.logger = lg
		}
	}
}

// NewRecorder starts the delivery goroutine. A recorder without sinks accepts
// and discards events.
func NewRecorder(sinks []Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		sinks:   sinks,
		queue:   make(chan Event, defaultQueue),
		timeout: defaultSendTimeout,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	go r.run()
	return r
}

// Record enqueues e. It never blocks. Safe to call on a nil Recorder.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.dropped++
		r.logger.Warn("history queue full, event dropped", "type", e.Type, "dropped", r.dropped)
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.logger.Warn("history sink send failed", "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}

// Close stops accepting events, flushes the queue until ctx ends and then
// closes every sink that implements io.Closer.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	var errs []error
	select {
	case <-r.done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
