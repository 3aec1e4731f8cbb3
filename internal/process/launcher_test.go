package process

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gridvisor/internal/env"
	"github.com/loykin/gridvisor/internal/logger"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh on Unix-like systems")
	}
	p := filepath.Join(t.TempDir(), "engine.sh")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o755))
	return p
}

func TestLaunchForwardsOutputAndReportsExit(t *testing.T) {
	script := writeScript(t, `echo "args: $*"
echo "greeting=$GREETING"
echo "oops" 1>&2
exit 3
`)
	logDir := filepath.Join(t.TempDir(), "logs")
	spec := Spec{Name: "fake", Executable: script, Port: 50123, Env: []string{"GREETING=hello"},
		Log: logger.Config{Dir: logDir}}

	var buf syncBuffer
	lg := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	exits := make(chan Exit, 1)
	l := NewLauncher(spec, WithLauncherLogger(lg), WithEnv(env.New()), WithExitHook(func(e Exit) { exits <- e }))

	st, err := l.Launch(context.Background())
	require.NoError(t, err)
	assert.Positive(t, st.PID)
	assert.False(t, st.StartedAt.IsZero())

	select {
	case ex := <-exits:
		assert.Equal(t, st.PID, ex.PID)
		assert.Equal(t, 3, ex.ExitCode)
		assert.Error(t, ex.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("exit hook not called")
	}

	out := buf.String()
	assert.Contains(t, out, "args: --console --server 50123")
	assert.Contains(t, out, "greeting=hello")
	assert.Contains(t, out, "stream=stderr")

	b, err := os.ReadFile(filepath.Join(logDir, "fake.stdout.log"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), "args: --console --server 50123\n"), "got %q", b)
	b, err = os.ReadFile(filepath.Join(logDir, "fake.stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(b))
}

func TestLaunchDoesNotBlockOnChattyChild(t *testing.T) {
	// Far more output than a pipe buffer holds; the child must still finish.
	script := writeScript(t, `i=0
while [ $i -lt 20000 ]; do echo "line $i padding padding padding"; i=$((i+1)); done
`)
	lg := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelInfo}))
	exits := make(chan Exit, 1)
	l := NewLauncher(Spec{Executable: script, Port: 50124}, WithLauncherLogger(lg), WithExitHook(func(e Exit) { exits <- e }))
	_, err := l.Launch(context.Background())
	require.NoError(t, err)
	select {
	case ex := <-exits:
		assert.Equal(t, 0, ex.ExitCode)
	case <-time.After(20 * time.Second):
		t.Fatal("chatty child did not finish; output is not being drained")
	}
}

func TestLaunchMissingExecutable(t *testing.T) {
	l := NewLauncher(Spec{Executable: filepath.Join(t.TempDir(), "nope"), Port: 50125})
	_, err := l.Launch(context.Background())
	assert.Error(t, err)
}

func TestForwardLinesKeepsGoingAfterOversizedLine(t *testing.T) {
	long := strings.Repeat("x", maxLineBytes+10)
	r := strings.NewReader("short\n" + long + "\ntail-after-long-line\nno newline at end")
	var buf, tee bytes.Buffer
	lg := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	forwardLines(r, lg, "stdout", &tee)

	out := buf.String()
	assert.Contains(t, out, "msg=short")
	assert.Contains(t, out, "truncated=true")
	assert.Contains(t, out, "bytes="+strconv.Itoa(maxLineBytes+10))
	assert.Contains(t, out, "msg=tail-after-long-line")
	assert.Contains(t, out, `msg="no newline at end"`)
	assert.NotContains(t, out, "reader stopped")
	assert.Equal(t, 0, r.Len(), "reader should be fully consumed")

	lines := strings.Split(strings.TrimSuffix(tee.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "short", lines[0])
	assert.Len(t, lines[1], maxLineBytes)
	assert.Equal(t, "tail-after-long-line", lines[2])
	assert.Equal(t, "no newline at end", lines[3])
}

func TestForwardLinesTrimsTrailingSpace(t *testing.T) {
	var buf, tee bytes.Buffer
	lg := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	forwardLines(strings.NewReader("a  \r\nb\t\n"), lg, "stderr", &tee)
	assert.Equal(t, "a\nb\n", tee.String())
	assert.Contains(t, buf.String(), "stream=stderr")
}
