package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	block  chan struct{}
	closed bool
}

func (m *memSink) Send(ctx context.Context, e Event) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSink) snapshot() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func TestRecorderDeliversInOrder(t *testing.T) {
	a, b := &memSink{}, &memSink{err: errors.New("down")}
	r := NewRecorder([]Sink{a, b})
	r.Record(Event{Type: EventLaunched, PID: 10, Port: 50099})
	r.Record(Event{Type: EventReady, PID: 10, Port: 50099, Version: "2024.9.0"})
	require.NoError(t, r.Close(context.Background()))

	got := a.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, EventLaunched, got[0].Type)
	assert.Equal(t, EventReady, got[1].Type)
	assert.False(t, got[0].OccurredAt.IsZero(), "timestamp filled in")
	assert.Len(t, b.snapshot(), 2, "failing sink still receives every event")
	assert.True(t, a.closed)
}

func TestRecorderDropsWhenFull(t *testing.T) {
	s := &memSink{block: make(chan struct{})}
	r := NewRecorder([]Sink{s}, WithQueueSize(1), WithSendTimeout(time.Second))
	for i := 0; i < 10; i++ {
		r.Record(Event{Type: EventStale, PID: i})
	}
	assert.Positive(t, r.Dropped())
	close(s.block)
	require.NoError(t, r.Close(context.Background()))
}

func TestRecorderRecordAfterCloseAndNil(t *testing.T) {
	var nilRec *Recorder
	nilRec.Record(Event{Type: EventReady})
	assert.NoError(t, nilRec.Close(context.Background()))

	r := NewRecorder(nil)
	require.NoError(t, r.Close(context.Background()))
	r.Record(Event{Type: EventReady})
	require.NoError(t, r.Close(context.Background()))
}

func TestRecorderCloseHonorsContext(t *testing.T) {
	s := &memSink{block: make(chan struct{})}
	r := NewRecorder([]Sink{s}, WithSendTimeout(time.Minute))
	r.Record(Event{Type: EventReady})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(s.block)
}
