package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/gridvisor"
	"github.com/loykin/gridvisor/internal/auth"
	"github.com/loykin/gridvisor/internal/engine"
	"github.com/loykin/gridvisor/internal/process"
	"github.com/loykin/gridvisor/pkg/client"
)

type command struct {
	out io.Writer
}

// LocalStatus is what status prints without a daemon.
type LocalStatus struct {
	Executable string         `json:"executable"`
	Port       int            `json:"port"`
	Processes  []process.Info `json:"processes"`
	Answering  bool           `json:"answering"`
	Version    string         `json:"version,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func (c command) Serve(ctx context.Context, path string, flags ServeFlags) error {
	cfg, err := gridvisor.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Daemonize {
		return daemonize(flags.PIDFile, flags.LogFile)
	}
	if flags.PIDFile != "" {
		if err := writePidFile(flags.PIDFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PIDFile) }()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	d, err := gridvisor.New(ctx, cfg)
	if err != nil {
		return err
	}
	d.Logger().Info("gridvisor starting", "version", version, "config", cfg.Source,
		"executable", cfg.Engine.Executable, "port", cfg.Engine.Port)
	return d.Run(ctx)
}

func (c command) Acquire(ctx context.Context, global GlobalFlags, flags AcquireFlags) error {
	if remote(global) {
		cl, err := newAPIClient(global)
		if err != nil {
			return err
		}
		out, err := cl.Acquire(ctx, flags.Wait)
		if err != nil {
			return err
		}
		printJSON(c.out, out)
		return nil
	}

	cfg, err := gridvisor.LoadConfig(global.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	// the point of a local acquire is an engine that outlives this command
	cfg.Engine.StopOnShutdown = false
	cfg.Server.Enabled = false
	cfg.Metrics.Enabled = false
	d, err := gridvisor.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Shutdown(context.Background())

	if flags.Wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flags.Wait)
		defer cancel()
	}
	if _, err := d.Acquire(ctx); err != nil {
		return err
	}
	st := d.Status()
	printJSON(c.out, client.AcquireResponse{Port: st.Port, PID: st.PID, Version: st.Version, InstanceID: st.InstanceID})
	return nil
}

func (c command) Reap(ctx context.Context, global GlobalFlags) error {
	if remote(global) {
		cl, err := newAPIClient(global)
		if err != nil {
			return err
		}
		out, err := cl.Reap(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, out)
		return nil
	}

	cfg, err := gridvisor.LoadConfig(global.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	res := process.NewReaper(cfg.EngineSpec(),
		process.WithReapTimeout(cfg.Engine.ReapTimeout),
		process.WithReaperLogger(quietLogger())).Reap(ctx)
	printJSON(c.out, client.ReapResponse{
		Matched:    res.Matched,
		Terminated: res.Terminated,
		Killed:     res.Killed,
		PIDs:       res.PIDs,
		Duration:   res.Duration.Round(time.Millisecond).String(),
	})
	return nil
}

func (c command) Status(ctx context.Context, global GlobalFlags) error {
	if remote(global) {
		cl, err := newAPIClient(global)
		if err != nil {
			return err
		}
		st, err := cl.Status(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, st)
		return nil
	}

	cfg, err := gridvisor.LoadConfig(global.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	spec := cfg.EngineSpec()
	out := LocalStatus{Executable: spec.Executable, Port: spec.Port, Processes: []process.Info{}}
	found, err := process.NewReaper(spec, process.WithReaperLogger(quietLogger())).Find(ctx)
	if err != nil {
		out.Error = err.Error()
	} else {
		out.Processes = found
	}
	if len(out.Processes) > 0 {
		if v, err := probePort(ctx, spec.Port, time.Second); err == nil {
			out.Answering, out.Version = true, v.String()
		}
	}
	printJSON(c.out, out)
	return nil
}

func (c command) Probe(ctx context.Context, global GlobalFlags, flags ProbeFlags) error {
	port := flags.Port
	if port == 0 {
		cfg, err := gridvisor.LoadConfig(global.ConfigPath)
		if err != nil {
			return fmt.Errorf("no --port and config unusable: %w", err)
		}
		port = cfg.Engine.Port
	}
	v, err := probePort(ctx, port, flags.Timeout)
	if err != nil {
		return fmt.Errorf("engine on port %d not answering: %w", port, err)
	}
	printJSON(c.out, map[string]any{"port": port, "version": v.String()})
	return nil
}

func (c command) Login(ctx context.Context, global GlobalFlags) error {
	if !remote(global) {
		return errors.New("login needs --api-url")
	}
	if global.User == "" {
		return errors.New("login needs --user")
	}
	global.Token = ""
	cl, err := newAPIClient(global)
	if err != nil {
		return err
	}
	out, err := cl.Login(ctx, global.User, global.Password)
	if err != nil {
		return err
	}
	printJSON(c.out, out)
	return nil
}

func (c command) HashPassword(pw string, flags HashPasswordFlags) error {
	h, err := auth.HashPassword(pw, flags.Cost)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, h)
	return nil
}

func probePort(ctx context.Context, port int, timeout time.Duration) (engine.Version, error) {
	if port <= 0 || port > 65535 {
		return engine.Version{}, errors.New("invalid port")
	}
	ch, err := engine.Dial(port)
	if err != nil {
		return engine.Version{}, err
	}
	defer func() { _ = ch.Close() }()
	return engine.Prober{Logger: quietLogger()}.Probe(ctx, ch, timeout)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
