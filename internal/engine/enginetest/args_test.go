package enginetest

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gridvisor/internal/engine"
)

func TestServerPort(t *testing.T) {
	p, err := ServerPort([]string{"--console", "--server", "50099"})
	require.NoError(t, err)
	assert.Equal(t, 50099, p)

	for _, args := range [][]string{nil, {"--console"}, {"--server"}, {"--server", "x"}, {"--server", "70000"}} {
		_, err := ServerPort(args)
		assert.Error(t, err, "%v", args)
	}
}

func TestServeAnswersUntilCancelled(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, []string{"--console", "--server", strconv.Itoa(port)}, engine.Version{Major: 1, Minor: 2, Patch: 3})
	}()

	ch, err := engine.Dial(port)
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()
	v, err := engine.Prober{}.Probe(context.Background(), ch, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", v.String())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}
