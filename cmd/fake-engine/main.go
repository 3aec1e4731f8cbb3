// Command fake-engine stands in for the compute engine during development:
// started as "<exe> --console --server <port>" it answers the version
// handshake on that port until terminated.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/gridvisor/internal/engine"
	"github.com/loykin/gridvisor/internal/engine/enginetest"
)

type engineFlags struct {
	Console      bool
	Port         int
	Version      string
	StartupDelay time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "fake-engine:", err)
		os.Exit(2)
	}
}

func newRootCommand() *cobra.Command {
	var f engineFlags
	cmd := &cobra.Command{
		Use:           "fake-engine --console --server <port>",
		Short:         "Stand-in engine answering the version handshake",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		// the real engine takes more options than these
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&f.Console, "console", false, "accepted for compatibility")
	cmd.Flags().IntVar(&f.Port, "server", 0, "port to serve on")
	cmd.Flags().StringVar(&f.Version, "version", "2024.9.0", "version reported by GetVersion")
	cmd.Flags().DurationVar(&f.StartupDelay, "startup-delay", 0, "wait before binding the port")
	return cmd
}

func serve(parent context.Context, f engineFlags, out io.Writer) error {
	v, err := parseVersion(f.Version)
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	lg := slog.New(slog.NewTextHandler(out, nil))
	if f.StartupDelay > 0 {
		lg.Info("delaying startup", "delay", f.StartupDelay)
		select {
		case <-time.After(f.StartupDelay):
		case <-ctx.Done():
			return nil
		}
	}
	lg.Info("serving", "port", f.Port, "version", v.String())
	err = enginetest.Serve(ctx, []string{"--server", strconv.Itoa(f.Port)}, v)
	lg.Info("stopped")
	return err
}

func parseVersion(s string) (engine.Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return engine.Version{}, fmt.Errorf("version %q must be major.minor.patch", s)
	}
	var n [3]int32
	for i, p := range parts {
		x, err := strconv.ParseInt(p, 10, 32)
		if err != nil {
			return engine.Version{}, fmt.Errorf("version %q: %w", s, err)
		}
		n[i] = int32(x)
	}
	return engine.Version{Major: n[0], Minor: n[1], Patch: n[2]}, nil
}
