package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot(command{out: os.Stdout})
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot(c command) *cobra.Command {
	global := &GlobalFlags{}
	root := createRootCommand(global)
	root.AddCommand(
		createServeCommand(c, global),
		createAcquireCommand(c, global),
		createReapCommand(c, global),
		createStatusCommand(c, global),
		createProbeCommand(c, global),
		createLoginCommand(c, global),
		createHashPasswordCommand(c),
		createVersionCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "gridvisor",
		Short: "Supervisor for a single local compute engine",
		Long: `gridvisor keeps exactly one engine process alive on a fixed port, reaping
stale or competing instances and launching a fresh one on demand.

Commands work locally (reading --config) or against a running daemon
when --api-url is given.

Examples:
  gridvisor serve --config gridvisor.toml
  gridvisor acquire --config gridvisor.toml
  gridvisor status --api-url http://127.0.0.1:8087/api
  gridvisor probe --port 50099`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.APIUrl, "api-url", "", "daemon URL (e.g. http://127.0.0.1:8087/api)")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 2*time.Minute, "daemon request timeout")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification of the daemon")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA certificate for the daemon's TLS")
	pf.StringVar(&flags.Token, "token", os.Getenv("GRIDVISOR_TOKEN"), "bearer token for the daemon (env GRIDVISOR_TOKEN)")
	pf.StringVar(&flags.User, "user", "", "basic auth user or client id")
	pf.StringVar(&flags.Password, "password", os.Getenv("GRIDVISOR_PASSWORD"), "basic auth password (env GRIDVISOR_PASSWORD)")
	return root
}

func createServeCommand(c command, global *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor daemon",
		Long: `Run the supervisor with its HTTP control surface until interrupted.

Examples:
  gridvisor serve gridvisor.toml
  gridvisor serve --config gridvisor.toml --daemonize --pidfile /run/gridvisor.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := global.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return c.Serve(cmd.Context(), path, *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&flags.PIDFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to this file")
	return cmd
}

func createAcquireCommand(c command, global *GlobalFlags) *cobra.Command {
	flags := &AcquireFlags{}
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Make sure a live, answering engine is running",
		Long: `Reuse the running engine or reap strays and launch a new one, then wait until
it answers the version handshake. Prints port, pid and version.

Locally the engine is left running when the command exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Acquire(cmd.Context(), *global, *flags)
		},
	}
	cmd.Flags().DurationVar(&flags.Wait, "wait", 0, "give up after this long (0 = no limit)")
	return cmd
}

func createReapCommand(c command, global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Terminate every engine process on the configured port",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Reap(cmd.Context(), *global)
		},
	}
}

func createStatusCommand(c command, global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the engine state",
		Long: `With --api-url, print the daemon's supervisor state. Otherwise list local
engine processes matching the configuration and probe the port.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *global)
		},
	}
}

func createProbeCommand(c command, global *GlobalFlags) *cobra.Command {
	flags := &ProbeFlags{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Ask the engine on a port for its version",
		Long: `Dial the engine port and call GetVersion once. Exits non-zero when the
engine does not answer within --timeout.

Examples:
  gridvisor probe --port 50099
  gridvisor probe --config gridvisor.toml --timeout 10s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Probe(cmd.Context(), *global, *flags)
		},
	}
	cmd.Flags().IntVar(&flags.Port, "port", 0, "engine port (default from config)")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 4*time.Second, "probe deadline")
	return cmd
}

func createLoginCommand(c command, global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Get a bearer token from the daemon",
		Long: `Exchange --user and --password for a bearer token. Pass it to later
commands with --token or GRIDVISOR_TOKEN.

Examples:
  export GRIDVISOR_TOKEN=$(gridvisor login --api-url https://host:8087/api --user ops --password ... | jq -r .token)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Login(cmd.Context(), *global)
		},
	}
}

func createHashPasswordCommand(c command) *cobra.Command {
	flags := &HashPasswordFlags{}
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt hash for a [[server.auth.users]] entry",
		Long:  "Hash the password given as argument, or read from stdin when omitted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw := ""
			if len(args) > 0 {
				pw = args[0]
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				pw = strings.TrimRight(string(b), "\r\n")
			}
			return c.HashPassword(pw, *flags)
		},
	}
	cmd.Flags().IntVar(&flags.Cost, "cost", 0, "bcrypt cost (default 10)")
	return cmd
}

func createVersionCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gridvisor version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(c.out, version)
		},
	}
}
