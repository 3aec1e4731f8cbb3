package process

import (
	"context"
	"errors"
	"os"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/gridvisor/internal/detector"
)

// Info is one row of the OS process table.
type Info struct {
	PID     int      `json:"pid"`
	PPID    int      `json:"ppid"`
	Name    string   `json:"name"`
	Exe     string   `json:"exe"`
	Cmdline []string `json:"cmdline"`
}

// Table is the slice of the OS process table the reaper needs.
// Implementations must be safe for concurrent use.
type Table interface {
	List(ctx context.Context) ([]Info, error)
	Terminate(ctx context.Context, pid int) error
	Kill(ctx context.Context, pid int) error
	Running(ctx context.Context, pid int) (bool, error)
}

// OSTable reads the live process table through gopsutil.
type OSTable struct{}

// List enumerates all processes. Entries whose exe or cmdline cannot be read
// (permissions, exited mid-scan) are returned with those fields empty.
func (OSTable) List(ctx context.Context) ([]Info, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(procs))
	for _, p := range procs {
		in := Info{PID: int(p.Pid)}
		if ppid, err := p.PpidWithContext(ctx); err == nil {
			in.PPID = int(ppid)
		}
		in.Name, _ = p.NameWithContext(ctx)
		in.Exe, _ = p.ExeWithContext(ctx)
		in.Cmdline, _ = p.CmdlineSliceWithContext(ctx)
		out = append(out, in)
	}
	return out, nil
}

// Terminate sends the graceful termination signal (SIGTERM on Unix).
func (OSTable) Terminate(ctx context.Context, pid int) error {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return err
	}
	return p.TerminateWithContext(ctx)
}

// Kill sends the forceful kill signal (SIGKILL on Unix).
func (OSTable) Kill(ctx context.Context, pid int) error {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}

// Running treats zombies as gone.
func (OSTable) Running(ctx context.Context, pid int) (bool, error) {
	return detector.Prober{}.Running(ctx, detector.Identity{PID: pid})
}

// isGone reports whether err means the process no longer exists.
func isGone(err error) bool {
	return errors.Is(err, gopsproc.ErrorProcessNotRunning) ||
		errors.Is(err, syscall.ESRCH) ||
		errors.Is(err, os.ErrProcessDone)
}
