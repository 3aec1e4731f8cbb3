package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"github.com/loykin/gridvisor/internal/detector"
	"github.com/loykin/gridvisor/internal/engine"
	"github.com/loykin/gridvisor/internal/process"
)

// world is a counting double for the OS and the engine. Reaping kills every
// live engine, launching adds one.
type world struct {
	mu        sync.Mutex
	alive     map[int]bool
	nextPID   int
	launchErr error
	zeroPID   bool
	probeErr  error
	gate      chan struct{} // when set, Launch blocks until it is closed

	launches    atomic.Int32
	reaps       atomic.Int32
	probes      atomic.Int32
	dials       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	channels    []*fakeChannel
}

func newWorld() *world { return &world{alive: map[int]bool{}, nextPID: 1000} }

func (w *world) Running(_ context.Context, id detector.Identity) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive[id.PID], nil
}

func (w *world) Reap(context.Context) process.ReapResult {
	w.reaps.Add(1)
	w.mu.Lock()
	defer w.mu.Unlock()
	var res process.ReapResult
	for pid, ok := range w.alive {
		if ok {
			res.PIDs = append(res.PIDs, pid)
			res.Matched++
			res.Terminated++
			w.alive[pid] = false
		}
	}
	return res
}

func (w *world) Launch(context.Context) (process.Started, error) {
	n := w.inFlight.Add(1)
	defer w.inFlight.Add(-1)
	for {
		m := w.maxInFlight.Load()
		if n <= m || w.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	w.launches.Add(1)
	w.mu.Lock()
	gate := w.gate
	w.mu.Unlock()
	if gate != nil {
		<-gate
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.launchErr != nil {
		return process.Started{}, w.launchErr
	}
	if w.zeroPID {
		return process.Started{}, nil
	}
	w.nextPID++
	w.alive[w.nextPID] = true
	return process.Started{PID: w.nextPID, StartedAt: time.Now()}, nil
}

func (w *world) Dial(port int) (engine.Channel, error) {
	w.dials.Add(1)
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := &fakeChannel{id: len(w.channels) + 1, port: port}
	w.channels = append(w.channels, ch)
	return ch, nil
}

func (w *world) Probe(ctx context.Context, _ grpc.ClientConnInterface, _ time.Duration) (engine.Version, error) {
	w.probes.Add(1)
	if err := ctx.Err(); err != nil {
		return engine.Version{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.probeErr != nil {
		return engine.Version{}, w.probeErr
	}
	return engine.Version{Major: 2024, Minor: 9, Patch: 0}, nil
}

func (w *world) kill(pid int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.alive[pid] = false
}

func (w *world) liveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, ok := range w.alive {
		if ok {
			n++
		}
	}
	return n
}

func (w *world) set(f func(w *world)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f(w)
}

func (w *world) options() Options {
	return Options{Name: "ri", Port: 50099, Prober: w, Reaper: w, Launcher: w, Dial: w.Dial, Health: w}
}

type fakeChannel struct {
	id     int
	port   int
	closed atomic.Bool
}

func (c *fakeChannel) Invoke(context.Context, string, any, any, ...grpc.CallOption) error {
	return errors.New("fake channel")
}

func (c *fakeChannel) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("fake channel")
}

func (c *fakeChannel) Close() error {
	c.closed.Store(true)
	return nil
}

func identityOf(pid int) detector.Identity { return detector.Identity{PID: pid} }
