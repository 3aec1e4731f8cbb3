package process

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/gridvisor/internal/logger"
)

const (
	// ServerFlag puts the engine in RPC server mode; it is followed by the port.
	ServerFlag = "--server"
	// ConsoleFlag runs the engine headless.
	ConsoleFlag = "--console"
)

// Spec describes the engine executable and how to start it.
type Spec struct {
	Name       string        `json:"name"`        // label used in logs, metrics and history
	Executable string        `json:"executable"`  // absolute path to the engine binary
	Port       int           `json:"port"`        // fixed RPC port
	ExtraArgs  []string      `json:"extra_args"`  // appended after the fixed arguments
	WorkDir    string        `json:"work_dir"`    // optional working dir
	Env        []string      `json:"env"`         // optional extra env (KEY=VALUE)
	Log        logger.Config `json:"log"`         // optional file tee for engine output
}

// Validate checks the fields the launcher and reaper rely on.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Executable) == "" {
		return errors.New("engine executable is required")
	}
	if !filepath.IsAbs(s.Executable) {
		return fmt.Errorf("engine executable %q must be an absolute path", s.Executable)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("engine port %d out of range", s.Port)
	}
	for i, kv := range s.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("engine env[%d] %q must be KEY=VALUE", i, kv)
		}
	}
	return nil
}

// DisplayName returns Name or a default derived from the executable.
func (s Spec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Executable != "" {
		return filepath.Base(s.Executable)
	}
	return "engine"
}

// Args returns the engine arguments: console mode, server mode on Port, then ExtraArgs.
func (s Spec) Args() []string {
	args := []string{ConsoleFlag, ServerFlag, strconv.Itoa(s.Port)}
	return append(args, s.ExtraArgs...)
}

// BuildCommand constructs the *exec.Cmd for the engine. The engine is never
// run through a shell.
func (s Spec) BuildCommand() *exec.Cmd {
	// #nosec G204
	cmd := exec.Command(s.Executable, s.Args()...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	configureSysProcAttr(cmd)
	return cmd
}

// Matches reports whether a process with the given executable path and
// command line is an engine serving this spec's port.
func (s Spec) Matches(exe string, cmdline []string) bool {
	if exe == "" || !samePath(exe, s.Executable) {
		return false
	}
	port := strconv.Itoa(s.Port)
	var hasServer, hasPort bool
	for _, a := range cmdline {
		switch a {
		case ServerFlag:
			hasServer = true
		case port:
			hasPort = true
		}
	}
	return hasServer && hasPort
}

func samePath(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	if a == b {
		return true
	}
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	return errA == nil && errB == nil && ra == rb
}
