package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProc struct {
	Info
	ignoreTerm bool
	alive      bool
}

// fakeTable is an in-memory process table. Processes exit on terminate
// unless they ignore it; kill always works.
type fakeTable struct {
	mu         sync.Mutex
	procs      map[int]*fakeProc
	listErr    error
	terminated []int
	killed     []int
}

func newFakeTable(ps ...*fakeProc) *fakeTable {
	ft := &fakeTable{procs: map[int]*fakeProc{}}
	for _, p := range ps {
		p.alive = true
		ft.procs[p.PID] = p
	}
	return ft
}

func (f *fakeTable) List(context.Context) ([]Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]Info, 0, len(f.procs))
	for _, p := range f.procs {
		out = append(out, p.Info)
	}
	return out, nil
}

func (f *fakeTable) Terminate(_ context.Context, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[pid]
	if !ok || !p.alive {
		return gopsproc.ErrorProcessNotRunning
	}
	f.terminated = append(f.terminated, pid)
	if !p.ignoreTerm {
		p.alive = false
	}
	return nil
}

func (f *fakeTable) Kill(_ context.Context, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[pid]
	if !ok || !p.alive {
		return gopsproc.ErrorProcessNotRunning
	}
	f.killed = append(f.killed, pid)
	p.alive = false
	return nil
}

func (f *fakeTable) Running(_ context.Context, pid int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[pid]
	return ok && p.alive, nil
}

var testSpec = Spec{Name: "ri", Executable: "/opt/ri/ResInsight", Port: 50099}

func engineProc(pid int) *fakeProc {
	return &fakeProc{Info: Info{PID: pid, PPID: 1, Name: "ResInsight", Exe: testSpec.Executable,
		Cmdline: []string{testSpec.Executable, "--console", "--server", "50099"}}}
}

func TestReapNoMatchesIsNoop(t *testing.T) {
	ft := newFakeTable(&fakeProc{Info: Info{PID: 10, Exe: "/usr/bin/bash", Cmdline: []string{"bash"}}})
	r := NewReaper(testSpec, WithTable(ft), WithReapTimeout(time.Second))

	res := r.Reap(context.Background())
	assert.Zero(t, res.Matched)
	assert.Empty(t, ft.terminated)
	assert.Empty(t, ft.killed)
	assert.Less(t, res.Duration, 500*time.Millisecond)
}

func TestReapListErrorIsSwallowed(t *testing.T) {
	ft := newFakeTable()
	ft.listErr = errors.New("permission denied")
	res := NewReaper(testSpec, WithTable(ft)).Reap(context.Background())
	assert.Zero(t, res.Matched)
}

func TestReapTwoOrphansGracefulThenForced(t *testing.T) {
	polite := engineProc(101)
	stubborn := engineProc(102)
	stubborn.ignoreTerm = true
	other := engineProc(103)
	other.Cmdline = []string{testSpec.Executable, "--server", "50100"}
	ft := newFakeTable(polite, stubborn, other)

	timeout := 200 * time.Millisecond
	r := NewReaper(testSpec, WithTable(ft), WithReapTimeout(timeout))
	res := r.Reap(context.Background())

	assert.Equal(t, 2, res.Matched)
	assert.ElementsMatch(t, []int{101, 102}, ft.terminated)
	assert.Equal(t, []int{102}, ft.killed)
	assert.Equal(t, 1, res.Terminated)
	assert.Equal(t, 1, res.Killed)
	assert.GreaterOrEqual(t, res.Duration, timeout)
	assert.Less(t, res.Duration, timeout+300*time.Millisecond, "reap must stay bounded by its timeout")
	ok, _ := ft.Running(context.Background(), 103)
	assert.True(t, ok, "engine on another port must be left alone")
}

func TestFindDoesNotSignal(t *testing.T) {
	ft := newFakeTable(engineProc(401), engineProc(os.Getpid()),
		&fakeProc{Info: Info{PID: 402, Exe: "/usr/bin/bash", Cmdline: []string{"bash"}}})
	found, err := NewReaper(testSpec, WithTable(ft)).Find(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, 401, found[0].PID)
	assert.Empty(t, ft.terminated)

	ft.listErr = errors.New("denied")
	_, err = NewReaper(testSpec, WithTable(ft)).Find(context.Background())
	assert.Error(t, err)
}

func TestReapBoundedRegardlessOfCount(t *testing.T) {
	var ps []*fakeProc
	for pid := 200; pid < 240; pid++ {
		p := engineProc(pid)
		p.ignoreTerm = true
		ps = append(ps, p)
	}
	ft := newFakeTable(ps...)
	timeout := 150 * time.Millisecond
	res := NewReaper(testSpec, WithTable(ft), WithReapTimeout(timeout)).Reap(context.Background())
	assert.Equal(t, 40, res.Killed)
	assert.Less(t, res.Duration, timeout+300*time.Millisecond)
}

func TestReapSkipsSelfAndVanished(t *testing.T) {
	self := engineProc(os.Getpid())
	ft := newFakeTable(self)
	res := NewReaper(testSpec, WithTable(ft)).Reap(context.Background())
	assert.Zero(t, res.Matched)

	gone := engineProc(300)
	ft = newFakeTable(gone)
	gone.alive = false // exits between enumeration and signaling
	res = NewReaper(testSpec, WithTable(ft)).Reap(context.Background())
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 1, res.Terminated)
	assert.Empty(t, ft.killed)
}

// copyShell makes a private copy of /bin/sh so the reaper can match it by
// executable path without touching unrelated shells.
func copyShell(t *testing.T) string {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("relies on /proc exe resolution")
	}
	b, err := os.ReadFile("/bin/sh")
	if err != nil {
		t.Skipf("no /bin/sh: %v", err)
	}
	p := filepath.Join(t.TempDir(), "fake-engine")
	require.NoError(t, os.WriteFile(p, b, 0o755))
	return p
}

func TestReapRealProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns real processes")
	}
	exe := copyShell(t)
	port := 50000 + os.Getpid()%10000
	spec := Spec{Name: "fake", Executable: exe, Port: port}

	start := func(script string) *exec.Cmd {
		// #nosec G204
		cmd := exec.Command(exe, "-c", script, "x", ServerFlag, strconv.Itoa(port))
		require.NoError(t, cmd.Start())
		t.Cleanup(func() { _ = cmd.Process.Kill(); _ = cmd.Wait() })
		return cmd
	}
	polite := start("while :; do sleep 0.05; done")
	stubborn := start(`trap "" TERM; while :; do sleep 0.05; done`)
	time.Sleep(200 * time.Millisecond) // let the trap install

	timeout := 500 * time.Millisecond
	res := NewReaper(spec, WithReapTimeout(timeout)).Reap(context.Background())
	assert.Equal(t, 2, res.Matched)
	assert.ElementsMatch(t, []int{polite.Process.Pid, stubborn.Process.Pid}, res.PIDs)
	assert.Equal(t, 1, res.Killed)
	assert.Less(t, res.Duration, timeout+time.Second)

	for _, c := range []*exec.Cmd{polite, stubborn} {
		done := make(chan struct{})
		go func() { _ = c.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("pid %d still running after reap", c.Process.Pid)
		}
	}
}
