// Package cron runs periodic supervisor jobs such as keep-warm on standard
// cron schedules ("*/5 * * * *", "@hourly", "@every 30s").
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// Job is a named periodic task. A tick is skipped while the previous run of
// the same job is still active.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error

	running atomic.Bool
	runs    atomic.Int64
	skips   atomic.Int64
}

// Runs reports how many times the job body started.
func (j *Job) Runs() int64 { return j.runs.Load() }

// Skips reports ticks dropped because the previous run was still active.
func (j *Job) Skips() int64 { return j.skips.Load() }

// Parse accepts five-field cron expressions and descriptors (@hourly,
// @every <duration>). Sub-second @every intervals round up to one second.
func Parse(expr string) (robfig.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty schedule")
	}
	// robfig clamps non-positive @every intervals instead of rejecting them.
	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid schedule %q: interval must be > 0", expr)
		}
	}
	sched, err := robfig.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched, nil
}

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Run == nil {
		return fmt.Errorf("cron job %s has no run function", j.Name)
	}
	_, err := Parse(j.Schedule)
	return err
}

// tick runs the job body unless the previous run is still active.
func (j *Job) tick(ctx context.Context, log *slog.Logger) {
	if !j.running.CompareAndSwap(false, true) {
		j.skips.Add(1)
		log.Debug("cron tick skipped, previous run still active", "job", j.Name)
		return
	}
	defer j.running.Store(false)
	j.runs.Add(1)
	start := time.Now()
	if err := j.Run(ctx); err != nil {
		log.Warn("cron job failed", "job", j.Name, "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		return
	}
	log.Debug("cron job done", "job", j.Name, "elapsed", time.Since(start).Round(time.Millisecond))
}

// Scheduler owns the jobs between Start and Stop.
type Scheduler struct {
	logger *slog.Logger
	cron   *robfig.Cron
	jobs   map[string]*Job
	ids    map[string]robfig.EntryID

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewScheduler(lg *slog.Logger) *Scheduler {
	if lg == nil {
		lg = slog.Default()
	}
	lg = lg.With("component", "cron")
	return &Scheduler{
		logger: lg,
		cron:   robfig.New(robfig.WithChain(robfig.Recover(cronLogger{lg}))),
		jobs:   map[string]*Job{},
		ids:    map[string]robfig.EntryID{},
	}
}

func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("cannot add jobs to a started scheduler")
	}
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("duplicate cron job %s", job.Name)
	}
	s.jobs[job.Name] = job
	return nil
}

// Start schedules every job. Runs receive a context that ends with ctx or
// Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	for name, j := range s.jobs {
		sched, _ := Parse(j.Schedule)
		s.ids[name] = s.cron.Schedule(sched, robfig.FuncJob(func() { j.tick(ctx, s.logger) }))
		s.logger.Info("cron job scheduled", "job", name, "schedule", j.Schedule)
	}
	s.cancel = cancel
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	return nil
}

// Next returns the next planned run of the named job, zero when unknown.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.ids[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-s.cron.Stop().Done()
}

// cronLogger adapts slog to the robfig logger interface.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug(msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(msg, append(kv, "error", err)...)
}
