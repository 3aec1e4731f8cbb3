// Package gridvisor keeps exactly one compute engine process alive on a fixed
// local port and hands out ready RPC channels to it.
//
// Embedding:
//
//	cfg, _ := gridvisor.LoadConfig("gridvisor.toml")
//	d, _ := gridvisor.New(ctx, cfg)
//	defer d.Shutdown(context.Background())
//	ch, err := d.Acquire(ctx)
package gridvisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/gridvisor/internal/auth"
	"github.com/loykin/gridvisor/internal/config"
	"github.com/loykin/gridvisor/internal/cron"
	"github.com/loykin/gridvisor/internal/engine"
	"github.com/loykin/gridvisor/internal/history"
	"github.com/loykin/gridvisor/internal/history/factory"
	"github.com/loykin/gridvisor/internal/logger"
	"github.com/loykin/gridvisor/internal/metrics"
	"github.com/loykin/gridvisor/internal/process"
	"github.com/loykin/gridvisor/internal/server"
	"github.com/loykin/gridvisor/internal/supervisor"
	itls "github.com/loykin/gridvisor/internal/tls"
	"github.com/loykin/gridvisor/internal/tracing"
)

// Re-export core types for external consumers.

type Config = config.Config

type Status = supervisor.Status

type ReapResult = process.ReapResult

type Channel = engine.Channel

type HistorySink = history.Sink

// ErrUnavailable is returned by Acquire when no ready engine could be provided.
var ErrUnavailable = supervisor.ErrUnavailable

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Daemon wires the supervisor with its launcher, reaper, history, metrics,
// tracing, keep-warm schedule and HTTP surface.
type Daemon struct {
	cfg       *Config
	logger    *slog.Logger
	logCloser io.Closer
	reg       prometheus.Registerer
	extra     []history.Sink

	sup       *supervisor.Supervisor
	recorder  *history.Recorder
	tracing   *tracing.Provider
	resources *metrics.ResourceCollector
	sched     *cron.Scheduler
	router    *server.Router

	mu      sync.Mutex
	servers []*http.Server
	serveWG sync.WaitGroup
	errs    chan error
}

type Option func(*Daemon)

// WithLogger replaces the logger built from the [log] section.
func WithLogger(lg *slog.Logger) Option {
	return func(d *Daemon) {
		if lg != nil {
			d.logger = lg
		}
	}
}

// WithRegisterer registers metrics on r instead of the default registry. When
// r is also a Gatherer (a *prometheus.Registry is) /metrics serves it.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(d *Daemon) {
		if r != nil {
			d.reg = r
		}
	}
}

// WithHistorySinks adds sinks next to the ones opened from history.dsns.
func WithHistorySinks(s ...HistorySink) Option {
	return func(d *Daemon) { d.extra = append(d.extra, s...) }
}

// New builds the daemon from cfg. Nothing is launched yet; call Start or use
// Acquire directly.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("gridvisor: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Daemon{cfg: cfg, reg: prometheus.DefaultRegisterer, errs: make(chan error, 2)}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		lg, closer, err := logger.New(cfg.Log)
		if err != nil {
			return nil, err
		}
		d.logger, d.logCloser = lg, closer
	}

	ok := false
	defer func() {
		if !ok {
			d.closeAux(context.Background())
		}
	}()

	tp, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	d.tracing = tp

	sinks := d.extra
	if cfg.History.Enabled {
		opened, err := factory.NewSinks(cfg.History.DSNs)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		sinks = append(sinks, opened...)
	}
	if len(sinks) > 0 {
		d.recorder = history.NewRecorder(sinks,
			history.WithQueueSize(cfg.History.QueueSize),
			history.WithLogger(d.logger))
	}

	d.resources = metrics.NewResourceCollector(cfg.Engine.Resources)
	if cfg.Metrics.Enabled {
		if err := metrics.Register(d.reg); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		if err := d.resources.Register(d.reg); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	envc, err := cfg.EngineEnv()
	if err != nil {
		return nil, fmt.Errorf("engine env: %w", err)
	}
	spec := cfg.EngineSpec()

	// the launcher's exit hook needs the supervisor, which needs the launcher
	var sup *supervisor.Supervisor
	launcher := process.NewLauncher(spec,
		process.WithEnv(envc),
		process.WithLauncherLogger(d.logger),
		process.WithExitHook(func(ex process.Exit) {
			if sup != nil {
				sup.HandleExit(ex)
			}
		}))
	reaper := process.NewReaper(spec,
		process.WithReapTimeout(cfg.Engine.ReapTimeout),
		process.WithReaperLogger(d.logger))

	sup, err = supervisor.New(supervisor.Options{
		Name:           spec.DisplayName(),
		Port:           spec.Port,
		ProbeTimeout:   cfg.Engine.ProbeTimeout,
		StopOnShutdown: cfg.Engine.StopOnShutdown,
		Reaper:         reaper,
		Launcher:       launcher,
		Recorder:       d.recorder,
		Logger:         d.logger,
		Tracer:         tp.Tracer(),
	})
	if err != nil {
		return nil, err
	}
	d.sup = sup

	d.sched = cron.NewScheduler(d.logger)
	if cfg.Engine.KeepWarm != "" {
		job := &cron.Job{Name: "keep-warm", Schedule: cfg.Engine.KeepWarm, Run: func(ctx context.Context) error {
			_, err := sup.Acquire(ctx)
			return err
		}}
		if err := d.sched.Add(job); err != nil {
			return nil, err
		}
	}

	authSvc, err := auth.New(cfg.Server.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	ropts := []server.Option{server.WithLogger(d.logger), server.WithResources(d.resources.Last), server.WithAuth(authSvc)}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		ropts = append(ropts, server.WithMetrics(metrics.GathererFor(d.reg)))
	}
	d.router = server.NewRouter(sup, cfg.Server.BasePath, ropts...)
	ok = true
	return d, nil
}

func (d *Daemon) Logger() *slog.Logger { return d.logger }

func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup }

// Acquire returns a channel to a live, answering engine.
func (d *Daemon) Acquire(ctx context.Context) (Channel, error) { return d.sup.Acquire(ctx) }

// AcquirePort ensures the engine is available and returns its port.
func (d *Daemon) AcquirePort(ctx context.Context) (int, error) { return d.sup.AcquirePort(ctx) }

func (d *Daemon) Reap(ctx context.Context) (ReapResult, error) { return d.sup.Reap(ctx) }

func (d *Daemon) Status() Status { return d.sup.Status() }

// Handler returns the HTTP control surface for mounting in another server.
func (d *Daemon) Handler() http.Handler { return d.router.Handler() }

// Mount registers the control routes on an existing gin group.
func (d *Daemon) Mount(g *gin.RouterGroup) { d.router.Mount(g) }

// Start runs the background parts: warm-up, keep-warm, resource sampling and
// the HTTP servers enabled in the config. It returns after the listeners are
// set up; serve errors are reported by Wait.
func (d *Daemon) Start(ctx context.Context) error {
	if d.cfg.Engine.Resources.Enabled {
		d.resources.Start(ctx, d.sup.LivePID)
	}
	if err := d.sched.Start(ctx); err != nil {
		return err
	}
	if d.cfg.Engine.Warmup {
		go func() {
			if _, err := d.sup.Acquire(ctx); err != nil {
				d.logger.Warn("engine warm-up failed", "error", err)
				return
			}
			d.logger.Info("engine warm-up done")
		}()
	}

	if d.cfg.Server.Enabled {
		tlsCfg, err := itls.Setup(d.cfg.Server)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		d.serve("api", server.NewServer(d.cfg.Server.Listen, d.Handler(), tlsCfg))
	}
	if d.cfg.Metrics.Enabled && d.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(metrics.GathererFor(d.reg)))
		d.serve("metrics", server.NewServer(d.cfg.Metrics.Listen, mux, nil))
	}
	return nil
}

func (d *Daemon) serve(name string, srv *http.Server) {
	d.mu.Lock()
	d.servers = append(d.servers, srv)
	d.mu.Unlock()
	d.serveWG.Add(1)
	go func() {
		defer d.serveWG.Done()
		d.logger.Info("http server listening", "server", name, "addr", srv.Addr, "tls", srv.TLSConfig != nil)
		if err := server.Serve(srv); err != nil {
			d.logger.Error("http server failed", "server", name, "error", err)
			select {
			case d.errs <- fmt.Errorf("%s server: %w", name, err):
			default:
			}
		}
	}()
}

// Wait blocks until ctx ends or an HTTP server fails.
func (d *Daemon) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-d.errs:
		return err
	}
}

// Run is Start, Wait and Shutdown in one call.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		d.Shutdown(context.Background())
		return err
	}
	werr := d.Wait(ctx)
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d.Shutdown(sctx)
	return werr
}

// Shutdown stops the servers and the schedule, then the supervisor, then
// flushes history. The engine keeps running unless stop_on_shutdown is set.
func (d *Daemon) Shutdown(ctx context.Context) {
	d.mu.Lock()
	servers := d.servers
	d.servers = nil
	d.mu.Unlock()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			d.logger.Warn("http server shutdown", "addr", srv.Addr, "error", err)
		}
	}
	d.serveWG.Wait()
	d.sched.Stop()
	if err := d.sup.Shutdown(ctx); err != nil {
		d.logger.Warn("supervisor shutdown", "error", err)
	}
	d.closeAux(ctx)
}

func (d *Daemon) closeAux(ctx context.Context) {
	if d.resources != nil {
		d.resources.Stop()
	}
	if err := d.recorder.Close(ctx); err != nil {
		d.logger.Warn("history flush", "error", err)
	}
	d.recorder = nil
	if d.tracing != nil {
		if err := d.tracing.Shutdown(ctx); err != nil {
			d.logger.Warn("tracing shutdown", "error", err)
		}
		d.tracing = nil
	}
	if d.logCloser != nil {
		_ = d.logCloser.Close()
		d.logCloser = nil
	}
}

// RegisterMetrics registers the engine collectors on r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
