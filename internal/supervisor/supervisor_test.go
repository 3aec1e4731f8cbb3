package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gridvisor/internal/history"
	"github.com/loykin/gridvisor/internal/process"
)

func newSupervisor(t *testing.T, w *world, mod ...func(*Options)) *Supervisor {
	t.Helper()
	o := w.options()
	for _, m := range mod {
		m(&o)
	}
	s, err := New(o)
	require.NoError(t, err)
	return s
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{Port: 50099})
	assert.Error(t, err)
	w := newWorld()
	o := w.options()
	o.Port = 0
	_, err = New(o)
	assert.Error(t, err)
}

func TestAcquireLaunchesOnceThenReuses(t *testing.T) {
	w := newWorld()
	s := newSupervisor(t, w)
	assert.Equal(t, StateAbsent, s.Status().State)

	ch1, err := s.Acquire(context.Background())
	require.NoError(t, err)
	ch2, err := s.Acquire(context.Background())
	require.NoError(t, err)

	assert.Same(t, ch1, ch2)
	assert.EqualValues(t, 1, w.launches.Load())
	assert.EqualValues(t, 1, w.reaps.Load())
	assert.EqualValues(t, 1, w.probes.Load(), "fast path must not probe")
	assert.Equal(t, 50099, ch1.(*fakeChannel).port)

	st := s.Status()
	assert.Equal(t, StateLive, st.State)
	assert.Equal(t, 1001, st.PID)
	assert.Equal(t, "2024.9.0", st.Version)
	assert.NotEmpty(t, st.InstanceID)
	assert.EqualValues(t, 2, st.Acquires)
	assert.EqualValues(t, 1, st.Launches)
	assert.EqualValues(t, 1001, s.LivePID())
}

func TestAcquireReplacesDeadInstance(t *testing.T) {
	w := newWorld()
	s := newSupervisor(t, w)
	ch1, err := s.Acquire(context.Background())
	require.NoError(t, err)
	first := s.Status()

	// exited or zombie: the prober reports it as not running
	w.kill(first.PID)

	ch2, err := s.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, ch1, ch2)
	assert.True(t, ch1.(*fakeChannel).closed.Load(), "stale channel closed")
	assert.False(t, ch2.(*fakeChannel).closed.Load())
	assert.EqualValues(t, 2, w.launches.Load())
	assert.EqualValues(t, 2, w.reaps.Load())

	second := s.Status()
	assert.NotEqual(t, first.PID, second.PID)
	assert.NotEqual(t, first.InstanceID, second.InstanceID)
}

func TestAcquireLaunchFailureIsUnavailable(t *testing.T) {
	w := newWorld()
	w.launchErr = errors.New("exec format error")
	s := newSupervisor(t, w)

	ch, err := s.Acquire(context.Background())
	assert.Nil(t, ch)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "exec format error")
	assert.EqualValues(t, 0, w.dials.Load())

	st := s.Status()
	assert.Equal(t, StateAbsent, st.State)
	assert.Contains(t, st.LastError, "exec format error")

	// no automatic retry inside the call; the next call starts over
	w.set(func(w *world) { w.launchErr = nil })
	_, err = s.Acquire(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, w.launches.Load())
}

func TestAcquireWithoutPIDIsUnavailable(t *testing.T) {
	w := newWorld()
	w.zeroPID = true
	s := newSupervisor(t, w)
	_, err := s.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.EqualValues(t, 0, w.probes.Load())
}

func TestAcquireProbeFailureIsUnavailable(t *testing.T) {
	w := newWorld()
	w.probeErr = context.DeadlineExceeded
	s := newSupervisor(t, w)

	_, err := s.Acquire(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, w.channels, 1)
	assert.True(t, w.channels[0].closed.Load(), "unprobed channel must be closed")
	st := s.Status()
	assert.Equal(t, StateStale, st.State)
	assert.Positive(t, st.PID, "leftover pid stays visible until reaped")
	assert.NotEmpty(t, st.InstanceID)
	assert.Empty(t, st.Version)
	assert.Zero(t, s.LivePID())

	// the launched but unhealthy engine is reaped before the next launch
	w.set(func(w *world) { w.probeErr = nil })
	_, err = s.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, w.liveCount())
	assert.EqualValues(t, 2, w.launches.Load())
}

func TestUnhealthyLeftoverExitClearsStatus(t *testing.T) {
	w := newWorld()
	w.probeErr = context.DeadlineExceeded
	s := newSupervisor(t, w)

	_, err := s.Acquire(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	leftover := s.Status().PID
	require.Equal(t, StateStale, s.Status().State)

	s.HandleExit(process.Exit{PID: leftover + 1})
	assert.Equal(t, StateStale, s.Status().State, "exit of another pid leaves the leftover")

	s.HandleExit(process.Exit{PID: leftover, ExitCode: 1})
	st := s.Status()
	assert.Equal(t, StateAbsent, st.State)
	assert.Zero(t, st.PID)
}

func TestConcurrentAcquireLaunchesOnce(t *testing.T) {
	w := newWorld()
	s := newSupervisor(t, w)

	const callers = 32
	var wg sync.WaitGroup
	results := make([]any, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, err := s.Acquire(context.Background())
			results[i], errs[i] = ch, err
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.EqualValues(t, 1, w.launches.Load())
	assert.EqualValues(t, 1, w.maxInFlight.Load())
	assert.Equal(t, 1, w.liveCount())
}

func TestWaitingCallerGivesUpOnContext(t *testing.T) {
	w := newWorld()
	w.gate = make(chan struct{})
	s := newSupervisor(t, w)

	done := make(chan error, 1)
	go func() {
		_, err := s.Acquire(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return w.launches.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatePending, s.Status().State)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Acquire(ctx)
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(w.gate)
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, w.launches.Load())
}

func TestCallerCancelDoesNotAbortReconciliation(t *testing.T) {
	w := newWorld()
	w.gate = make(chan struct{})
	s := newSupervisor(t, w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return w.launches.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	close(w.gate)
	require.NoError(t, <-done)
	assert.Equal(t, StateLive, s.Status().State)
}

func TestAcquirePort(t *testing.T) {
	w := newWorld()
	s := newSupervisor(t, w)
	port, err := s.AcquirePort(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50099, port)

	w.set(func(w *world) { w.launchErr = errors.New("boom") })
	w.kill(1001)
	_, err = s.AcquirePort(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestReapDiscardsInstance(t *testing.T) {
	w := newWorld()
	s := newSupervisor(t, w)
	ch, err := s.Acquire(context.Background())
	require.NoError(t, err)

	res, err := s.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
	assert.True(t, ch.(*fakeChannel).closed.Load())
	assert.Equal(t, StateAbsent, s.Status().State)
	assert.Zero(t, s.LivePID())
	assert.Equal(t, 0, w.liveCount())
}

func TestShutdown(t *testing.T) {
	w := newWorld()
	s := newSupervisor(t, w, func(o *Options) { o.StopOnShutdown = true })
	_, err := s.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, 0, w.liveCount())

	_, err = s.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestShutdownLeavesEngineRunningByDefault(t *testing.T) {
	w := newWorld()
	s := newSupervisor(t, w)
	_, err := s.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, 1, w.liveCount())
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func TestLifecycleHistory(t *testing.T) {
	w := newWorld()
	sink := &memSink{}
	rec := history.NewRecorder([]history.Sink{sink})
	s := newSupervisor(t, w, func(o *Options) { o.Recorder = rec })

	_, err := s.Acquire(context.Background())
	require.NoError(t, err)
	w.kill(1001)
	w.set(func(w *world) { w.probeErr = errors.New("unavailable") })
	_, err = s.Acquire(context.Background())
	require.Error(t, err)
	w.set(func(w *world) { w.probeErr = nil })
	_, err = s.Acquire(context.Background())
	require.NoError(t, err)
	s.HandleExit(process.Exit{PID: 1003, ExitCode: 0})
	require.NoError(t, rec.Close(context.Background()))

	var types []history.EventType
	for _, e := range sink.events {
		types = append(types, e.Type)
		assert.Equal(t, 50099, e.Port)
		assert.Equal(t, "ri", e.Engine)
	}
	assert.Equal(t, []history.EventType{
		history.EventLaunched, history.EventReady,
		history.EventStale,
		history.EventLaunched, history.EventProbeFailed,
		history.EventReaped, history.EventLaunched, history.EventReady,
		history.EventExited,
	}, types)
}
