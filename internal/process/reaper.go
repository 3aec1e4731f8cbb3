package process

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// DefaultReapTimeout bounds the wait between the graceful and forced phases.
const DefaultReapTimeout = 5 * time.Second

const reapPollInterval = 50 * time.Millisecond

// ReapResult summarizes one reap pass.
type ReapResult struct {
	Matched    int           `json:"matched"`
	Terminated int           `json:"terminated"` // exited after the graceful signal
	Killed     int           `json:"killed"`     // needed the forced signal
	PIDs       []int         `json:"pids,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Reaper terminates every process that looks like an engine serving the
// spec's port: graceful signal first, forced kill for survivors.
type Reaper struct {
	spec    Spec
	table   Table
	timeout time.Duration
	logger  *slog.Logger
	selfPID int
}

type ReaperOption func(*Reaper)

// WithTable swaps the process table (tests use a fake).
func WithTable(t Table) ReaperOption { return func(r *Reaper) { r.table = t } }

// WithReapTimeout sets the graceful wait; non-positive means DefaultReapTimeout.
func WithReapTimeout(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithReaperLogger(l *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewReaper(spec Spec, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		spec:    spec,
		table:   OSTable{},
		timeout: DefaultReapTimeout,
		logger:  slog.Default(),
		selfPID: os.Getpid(),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "reaper", "engine", spec.DisplayName())
	return r
}

// Reap never fails the caller. Zero matches is a no-op. The whole pass,
// including the forced phase, is bounded by the reap timeout.
func (r *Reaper) Reap(ctx context.Context) ReapResult {
	start := time.Now()
	res := ReapResult{}

	procs, err := r.table.List(ctx)
	if err != nil {
		r.logger.Warn("process enumeration failed", "error", err)
		res.Duration = time.Since(start)
		return res
	}

	pending := make([]int, 0, 2)
	for _, p := range r.matching(procs) {
		res.Matched++
		res.PIDs = append(res.PIDs, p.PID)
		r.logger.Debug("terminating engine process", "pid", p.PID, "ppid", p.PPID, "cmdline", p.Cmdline)
		if err := r.table.Terminate(ctx, p.PID); err != nil {
			if isGone(err) {
				r.logger.Debug("engine process vanished before terminate", "pid", p.PID)
				res.Terminated++
				continue
			}
			r.logger.Warn("terminate failed", "pid", p.PID, "error", err)
		}
		pending = append(pending, p.PID)
	}
	if len(pending) == 0 {
		res.Duration = time.Since(start)
		return res
	}

	deadline := start.Add(r.timeout)
	for len(pending) > 0 {
		alive := pending[:0]
		for _, pid := range pending {
			if ok, _ := r.table.Running(ctx, pid); ok {
				alive = append(alive, pid)
				continue
			}
			res.Terminated++
			r.logger.Debug("engine process terminated", "pid", pid)
		}
		pending = alive
		if len(pending) == 0 || !time.Now().Before(deadline) {
			break
		}
		wait := min(reapPollInterval, time.Until(deadline))
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(wait):
		}
	}

	for _, pid := range pending {
		r.logger.Info("killing engine process that ignored terminate", "pid", pid, "timeout", r.timeout)
		if err := r.table.Kill(ctx, pid); err != nil && !isGone(err) {
			r.logger.Warn("kill failed", "pid", pid, "error", err)
			continue
		}
		res.Killed++
	}
	res.Duration = time.Since(start)
	return res
}

// Find lists the processes Reap would target, without signaling them.
func (r *Reaper) Find(ctx context.Context) ([]Info, error) {
	procs, err := r.table.List(ctx)
	if err != nil {
		return nil, err
	}
	return r.matching(procs), nil
}

func (r *Reaper) matching(procs []Info) []Info {
	var out []Info
	for _, p := range procs {
		if p.PID != r.selfPID && r.spec.Matches(p.Exe, p.Cmdline) {
			out = append(out, p)
		}
	}
	return out
}
