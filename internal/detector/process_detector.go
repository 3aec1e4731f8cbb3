package detector

import (
	"context"
	"errors"
	"slices"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Prober answers "is this process usable" from the OS process table.
// A process that exited but was not yet collected by its parent (zombie)
// is reported as not running.
type Prober struct{}

// Running reports whether the process identified by id exists, is not a
// zombie and, when id.CreateTime is set, is the same process that was
// originally recorded (pid not reused).
func (Prober) Running(ctx context.Context, id Identity) (bool, error) {
	if id.PID <= 0 {
		return false, nil
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(id.PID))
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return false, nil
		}
		return false, err
	}
	if id.CreateTime > 0 {
		ct, err := p.CreateTimeWithContext(ctx)
		if err == nil && ct != id.CreateTime {
			return false, nil
		}
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		// The entry vanished between lookup and status read.
		if ok, _ := gopsproc.PidExistsWithContext(ctx, int32(id.PID)); !ok {
			return false, nil
		}
		return false, err
	}
	if slices.Contains(status, gopsproc.Zombie) {
		return false, nil
	}
	return true, nil
}

// CreateTime returns the creation time of pid in milliseconds since the
// epoch, or 0 when it cannot be determined.
func CreateTime(ctx context.Context, pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0
	}
	ct, err := p.CreateTimeWithContext(ctx)
	if err != nil || ct <= 0 {
		return 0
	}
	return ct
}
