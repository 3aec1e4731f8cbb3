// Package supervisor keeps at most one healthy engine instance available and
// hands out channels to it.
//
// Every Acquire reconciles the stored instance with the OS: a live process is
// reused without an RPC round trip; anything else is discarded, competing
// engines are reaped, a fresh engine is launched and its channel is proven
// with a version handshake before it is stored.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"

	"github.com/loykin/gridvisor/internal/detector"
	"github.com/loykin/gridvisor/internal/engine"
	"github.com/loykin/gridvisor/internal/history"
	"github.com/loykin/gridvisor/internal/metrics"
	"github.com/loykin/gridvisor/internal/process"
)

// ErrUnavailable is returned when no healthy engine could be provided. The
// engine should be treated as momentarily down; a later Acquire retries from
// scratch.
var ErrUnavailable = errors.New("engine unavailable")

// ErrClosed is wrapped into ErrUnavailable after Shutdown.
var ErrClosed = errors.New("supervisor shut down")

type ProcessProber interface {
	Running(ctx context.Context, id detector.Identity) (bool, error)
}

type Reaper interface {
	Reap(ctx context.Context) process.ReapResult
}

type Launcher interface {
	Launch(ctx context.Context) (process.Started, error)
}

type HealthProber interface {
	Probe(ctx context.Context, ch grpc.ClientConnInterface, timeout time.Duration) (engine.Version, error)
}

// Dialer opens a channel to the engine port without connecting.
type Dialer func(port int) (engine.Channel, error)

// Options wires the supervisor. Reaper and Launcher are required; the rest
// default to the OS prober, engine.Dial and engine.Prober.
type Options struct {
	Name         string
	Port         int
	ProbeTimeout time.Duration
	// StopOnShutdown reaps the engine during Shutdown instead of leaving it
	// running for the next supervisor.
	StopOnShutdown bool

	Prober   ProcessProber
	Reaper   Reaper
	Launcher Launcher
	Dial     Dialer
	Health   HealthProber
	Recorder *history.Recorder
	Logger   *slog.Logger
	Tracer   trace.Tracer
}

type instance struct {
	id       string
	identity detector.Identity
	channel  engine.Channel
	version  engine.Version
	started  time.Time
	ready    time.Time
}

// Supervisor owns the single engine instance record.
type Supervisor struct {
	name           string
	port           int
	probeTimeout   time.Duration
	stopOnShutdown bool

	prober   ProcessProber
	reaper   Reaper
	launcher Launcher
	dial     Dialer
	health   HealthProber
	recorder *history.Recorder
	logger   *slog.Logger
	tracer   trace.Tracer

	// sem is the critical section around reconciliation. Only holders of
	// sem touch rec or closed.
	sem    chan struct{}
	rec    *instance
	closed bool

	status statusBox
}

func New(opts Options) (*Supervisor, error) {
	if opts.Reaper == nil || opts.Launcher == nil {
		return nil, errors.New("supervisor: reaper and launcher are required")
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("supervisor: invalid port %d", opts.Port)
	}
	s := &Supervisor{
		name:           opts.Name,
		port:           opts.Port,
		probeTimeout:   opts.ProbeTimeout,
		stopOnShutdown: opts.StopOnShutdown,
		prober:         opts.Prober,
		reaper:         opts.Reaper,
		launcher:       opts.Launcher,
		dial:           opts.Dial,
		health:         opts.Health,
		recorder:       opts.Recorder,
		logger:         opts.Logger,
		tracer:         opts.Tracer,
		sem:            make(chan struct{}, 1),
	}
	if s.name == "" {
		s.name = "engine"
	}
	if s.probeTimeout <= 0 {
		s.probeTimeout = engine.DefaultProbeTimeout
	}
	if s.prober == nil {
		s.prober = detector.Prober{}
	}
	if s.dial == nil {
		s.dial = dialEngine
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "supervisor", "engine", s.name, "port", s.port)
	if s.health == nil {
		s.health = engine.Prober{Logger: s.logger}
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("supervisor")
	}
	s.status.set(func(st *Status) { st.State = StateAbsent; st.Port = s.port })
	return s, nil
}

func dialEngine(port int) (engine.Channel, error) {
	conn, err := engine.Dial(port)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Port is the fixed engine port.
func (s *Supervisor) Port() int { return s.port }

// Acquire returns a channel to a healthy engine, launching one if needed.
// Concurrent callers are serialized; a caller whose ctx ends while waiting
// for another reconciliation gives up with ErrUnavailable. Once started, a
// reconciliation always runs to completion.
func (s *Supervisor) Acquire(ctx context.Context) (engine.Channel, error) {
	ctx, span := s.tracer.Start(ctx, "engine.acquire", trace.WithAttributes(attribute.Int("engine.port", s.port)))
	defer span.End()

	if err := s.lock(ctx); err != nil {
		metrics.IncAcquire("canceled")
		span.SetStatus(codes.Error, "canceled while waiting")
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer s.unlock()

	if s.closed {
		metrics.IncAcquire("unavailable")
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, ErrClosed)
	}

	ch, path, err := s.reconcile(context.WithoutCancel(ctx))
	span.SetAttributes(attribute.String("engine.path", path))
	s.status.set(func(st *Status) { st.Acquires++ })
	if err != nil {
		metrics.IncAcquire("unavailable")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.status.set(func(st *Status) { st.LastError = err.Error(); st.LastErrorAt = time.Now() })
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	metrics.IncAcquire(path)
	return ch, nil
}

// AcquirePort runs the same reconciliation as Acquire but only returns the
// port, for callers that open their own channel.
func (s *Supervisor) AcquirePort(ctx context.Context) (int, error) {
	if _, err := s.Acquire(ctx); err != nil {
		return 0, err
	}
	return s.port, nil
}

// reconcile must be called with sem held. path is "fast" when the stored
// instance was reused and "launched" otherwise.
func (s *Supervisor) reconcile(ctx context.Context) (engine.Channel, string, error) {
	if rec := s.rec; rec != nil {
		ok, err := s.prober.Running(ctx, rec.identity)
		if err != nil {
			s.logger.Debug("liveness check failed", "pid", rec.identity.PID, "error", err)
		}
		if ok {
			return rec.channel, "fast", nil
		}
		s.logger.Info("engine instance no longer running", "pid", rec.identity.PID, "instance", rec.id)
		s.status.set(func(st *Status) { st.State = StateStale })
		s.record(history.EventStale, rec.id, rec.identity.PID, "", "", nil)
		s.discard()
	}

	s.status.set(func(st *Status) { st.State = StatePending })
	s.reap(ctx)

	id := uuid.NewString()
	st, err := s.launcher.Launch(ctx)
	if err == nil && st.PID <= 0 {
		err = errors.New("launcher returned no process id")
	}
	if err != nil {
		metrics.IncLaunchFailure()
		s.record(history.EventLaunchFailed, id, 0, "", "", err)
		s.setAbsent()
		return nil, "launched", fmt.Errorf("launch: %w", err)
	}
	metrics.IncLaunch()
	s.record(history.EventLaunched, id, st.PID, "", "", nil)
	s.status.set(func(x *Status) { x.InstanceID = id; x.PID = st.PID; x.StartedAt = st.StartedAt })

	ch, err := s.dial(s.port)
	if err != nil {
		s.setLeftover()
		return nil, "launched", fmt.Errorf("dial: %w", err)
	}

	start := time.Now()
	v, err := s.health.Probe(ctx, ch, s.probeTimeout)
	metrics.ObserveProbeDuration(time.Since(start).Seconds())
	if err != nil {
		metrics.IncProbeFailure()
		closeQuietly(s.logger, ch)
		s.record(history.EventProbeFailed, id, st.PID, "", "", err)
		s.setLeftover()
		return nil, "launched", fmt.Errorf("health probe: %w", err)
	}

	s.rec = &instance{id: id, identity: st.Identity(), channel: ch, version: v, started: st.StartedAt, ready: time.Now()}
	metrics.SetInstanceUp(true)
	s.record(history.EventReady, id, st.PID, v.String(), "", nil)
	s.status.set(func(x *Status) {
		x.State = StateLive
		x.Version = v.String()
		x.ReadyAt = s.rec.ready
		x.Launches++
	})
	s.logger.Info("engine ready", "pid", st.PID, "version", v.String(), "instance", id,
		"startup", time.Since(st.StartedAt).Round(time.Millisecond))
	return ch, "launched", nil
}

func (s *Supervisor) reap(ctx context.Context) process.ReapResult {
	res := s.reaper.Reap(ctx)
	metrics.ObserveReapDuration(res.Duration.Seconds())
	metrics.AddReaped("SIGTERM", res.Terminated)
	metrics.AddReaped("SIGKILL", res.Killed)
	for _, pid := range res.PIDs {
		s.record(history.EventReaped, "", pid, "", fmt.Sprintf("terminated=%d killed=%d", res.Terminated, res.Killed), nil)
	}
	return res
}

// discard drops the stored instance. Close errors are logged and ignored.
func (s *Supervisor) discard() {
	if s.rec == nil {
		return
	}
	closeQuietly(s.logger, s.rec.channel)
	s.rec = nil
	metrics.SetInstanceUp(false)
}

func (s *Supervisor) setAbsent() {
	s.status.set(func(st *Status) {
		st.State = StateAbsent
		st.InstanceID, st.PID, st.Version = "", 0, ""
		st.StartedAt, st.ReadyAt = time.Time{}, time.Time{}
	})
}

// setLeftover marks a launched but unusable engine. Its pid stays visible
// until the next reconciliation reaps it or it exits.
func (s *Supervisor) setLeftover() {
	s.status.set(func(st *Status) {
		st.State = StateStale
		st.Version, st.ReadyAt = "", time.Time{}
	})
}

// Reap discards the stored instance and terminates every matching engine.
func (s *Supervisor) Reap(ctx context.Context) (process.ReapResult, error) {
	if err := s.lock(ctx); err != nil {
		return process.ReapResult{}, err
	}
	defer s.unlock()
	s.discard()
	res := s.reap(context.WithoutCancel(ctx))
	s.setAbsent()
	return res, nil
}

// HandleExit is meant as the launcher's exit hook. It only records the event:
// the stored instance is re-checked on the next Acquire.
func (s *Supervisor) HandleExit(ex process.Exit) {
	metrics.IncEngineExit()
	detail := fmt.Sprintf("exit_code=%d uptime=%s", ex.ExitCode, ex.Uptime.Round(time.Millisecond))
	s.record(history.EventExited, "", ex.PID, "", detail, nil)
	// a leftover from a failed probe that exits on its own is simply gone
	if st := s.Status(); st.State == StateStale && st.PID == ex.PID {
		s.status.set(func(x *Status) {
			if x.State == StateStale && x.PID == ex.PID {
				x.State = StateAbsent
				x.InstanceID, x.PID = "", 0
				x.StartedAt = time.Time{}
			}
		})
	}
}

// LivePID returns the pid of the stored instance, or 0.
func (s *Supervisor) LivePID() int32 {
	st := s.Status()
	if st.State != StateLive {
		return 0
	}
	return int32(st.PID)
}

// Shutdown closes the stored channel and, with StopOnShutdown, reaps the
// engine. Later Acquire calls fail with ErrUnavailable.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.discard()
	if s.stopOnShutdown {
		s.reap(context.WithoutCancel(ctx))
	}
	s.setAbsent()
	s.logger.Info("supervisor stopped", "reaped", s.stopOnShutdown)
	return nil
}

func (s *Supervisor) lock(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) unlock() { <-s.sem }

func (s *Supervisor) record(t history.EventType, id string, pid int, version, detail string, err error) {
	ev := history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		InstanceID: id,
		Engine:     s.name,
		PID:        pid,
		Port:       s.port,
		Version:    version,
		Detail:     detail,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.recorder.Record(ev)
}

func closeQuietly(log *slog.Logger, ch engine.Channel) {
	if ch == nil {
		return
	}
	if err := ch.Close(); err != nil {
		log.Debug("closing engine channel", "error", err)
	}
}
