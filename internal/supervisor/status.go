package supervisor

import (
	"sync"
	"time"
)

// State is the lifecycle of the instance record.
type State string

const (
	StateAbsent  State = "absent"
	StatePending State = "pending"
	StateLive    State = "live"
	StateStale   State = "stale"
)

// Status is a snapshot for display. It never blocks on a running
// reconciliation, so it may show pending while one is in progress.
type Status struct {
	State       State     `json:"state"`
	Port        int       `json:"port"`
	InstanceID  string    `json:"instance_id,omitempty"`
	PID         int       `json:"pid,omitempty"`
	Version     string    `json:"version,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	ReadyAt     time.Time `json:"ready_at,omitempty"`
	Acquires    uint64    `json:"acquires"`
	Launches    uint64    `json:"launches"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

type statusBox struct {
	mu sync.RWMutex
	st Status
}

func (b *statusBox) set(f func(*Status)) {
	b.mu.Lock()
	f(&b.st)
	b.mu.Unlock()
}

func (b *statusBox) get() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.st
}

func (s *Supervisor) Status() Status { return s.status.get() }
