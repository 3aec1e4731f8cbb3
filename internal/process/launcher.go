package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/gridvisor/internal/detector"
	"github.com/loykin/gridvisor/internal/env"
)

// Started identifies a freshly launched engine process.
type Started struct {
	PID        int       `json:"pid"`
	CreateTime int64     `json:"create_time,omitempty"` // ms since epoch, 0 if unknown
	StartedAt  time.Time `json:"started_at"`
}

// Identity returns the detector identity of the started process.
func (s Started) Identity() detector.Identity {
	return detector.Identity{PID: s.PID, CreateTime: s.CreateTime}
}

// Exit describes how a launched engine process ended.
type Exit struct {
	PID      int           `json:"pid"`
	Err      error         `json:"-"`
	ExitCode int           `json:"exit_code"`
	Uptime   time.Duration `json:"uptime"`
}

// Launcher starts engine processes. It owns the child after start: output is
// forwarded to the logger and the child is waited for in the background so
// it never lingers as a zombie of this process.
type Launcher struct {
	spec   Spec
	env    *env.Env
	logger *slog.Logger
	onExit func(Exit)
}

type LauncherOption func(*Launcher)

// WithEnv sets the environment composer; the default is the OS environment.
func WithEnv(e *env.Env) LauncherOption {
	return func(l *Launcher) {
		if e != nil {
			l.env = e
		}
	}
}

func WithLauncherLogger(lg *slog.Logger) LauncherOption {
	return func(l *Launcher) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// WithExitHook registers a callback run from the waiter goroutine after the
// child has been collected.
func WithExitHook(f func(Exit)) LauncherOption {
	return func(l *Launcher) { l.onExit = f }
}

func NewLauncher(spec Spec, opts ...LauncherOption) *Launcher {
	l := &Launcher{spec: spec, env: env.New(), logger: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	l.logger = l.logger.With("component", "launcher", "engine", spec.DisplayName())
	return l
}

// Launch starts the engine and returns as soon as the OS reports the process
// started. It does not wait for the engine to accept RPCs. ctx is only used
// for bookkeeping lookups; the engine outlives it.
func (l *Launcher) Launch(ctx context.Context) (Started, error) {
	cmd := l.spec.BuildCommand()
	cmd.Env = l.env.Merge(l.spec.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Started{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Started{}, fmt.Errorf("stderr pipe: %w", err)
	}
	var outTee, errTee io.WriteCloser
	if l.spec.Log.Enabled() {
		outTee, errTee, err = l.spec.Log.Writers(l.spec.DisplayName())
		if err != nil {
			l.logger.Warn("engine log files unavailable", "error", err)
		}
	}

	if err := cmd.Start(); err != nil {
		closeAll(outTee, errTee)
		return Started{}, fmt.Errorf("start %s: %w", l.spec.Executable, err)
	}
	st := Started{PID: cmd.Process.Pid, StartedAt: time.Now()}
	st.CreateTime = detector.CreateTime(ctx, st.PID)
	log := l.logger.With("pid", st.PID)
	log.Info("engine started", "args", cmd.Args[1:])

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		forwardLines(stdout, log, "stdout", writerOrNil(outTee))
	}()
	go func() {
		defer readers.Done()
		forwardLines(stderr, log, "stderr", writerOrNil(errTee))
	}()

	// Wait must not run before the pipes are drained.
	go func() {
		readers.Wait()
		werr := cmd.Wait()
		closeAll(outTee, errTee)
		ex := Exit{PID: st.PID, Err: werr, ExitCode: -1, Uptime: time.Since(st.StartedAt)}
		if cmd.ProcessState != nil {
			ex.ExitCode = cmd.ProcessState.ExitCode()
		}
		log.Info("engine exited", "exit_code", ex.ExitCode, "uptime", ex.Uptime.Round(time.Millisecond), "error", werr)
		if l.onExit != nil {
			l.onExit(ex)
		}
	}()
	return st, nil
}

func writerOrNil(w io.WriteCloser) io.Writer {
	if w == nil {
		return nil
	}
	return w
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
