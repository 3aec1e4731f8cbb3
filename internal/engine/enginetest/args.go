package enginetest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/loykin/gridvisor/internal/engine"
)

// ServerPort extracts the port following --server from an engine command line.
func ServerPort(args []string) (int, error) {
	for i, a := range args {
		if a != "--server" {
			continue
		}
		if i+1 >= len(args) {
			return 0, errors.New("--server needs a port")
		}
		p, err := strconv.Atoi(args[i+1])
		if err != nil || p <= 0 || p > 65535 {
			return 0, fmt.Errorf("invalid --server port %q", args[i+1])
		}
		return p, nil
	}
	return 0, errors.New("missing --server <port>")
}

// Serve behaves like the engine started with args: it answers GetVersion on
// the --server port until ctx ends.
func Serve(ctx context.Context, args []string, v engine.Version) error {
	port, err := ServerPort(args)
	if err != nil {
		return err
	}
	srv, err := Listen(net.JoinHostPort(engine.DefaultHost, strconv.Itoa(port)), v)
	if err != nil {
		return err
	}
	<-ctx.Done()
	srv.Stop()
	return nil
}
