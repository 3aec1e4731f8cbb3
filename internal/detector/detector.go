// Package detector reports whether a previously started process is still
// usable, reading the OS process table rather than asking the process.
package detector

// Identity pins a process by pid and, optionally, its creation time in
// milliseconds since the epoch. A zero CreateTime disables the pid-reuse check.
type Identity struct {
	PID        int   `json:"pid"`
	CreateTime int64 `json:"create_time,omitempty"`
}
