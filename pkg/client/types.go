package client

import "time"

// EngineStatus is the response of GET /engine/status.
type EngineStatus struct {
	State       string    `json:"state"`
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
	Resources   *Usage    `json:"resources,omitempty"`
}

// Usage is the latest CPU and memory sample of the engine process.
type Usage struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	SampledAt  time.Time `json:"sampled_at"`
}

// AcquireResponse is returned by POST /engine/acquire.
type AcquireResponse struct {
	Port       int    `json:"port"`
	PID        int    `json:"pid"`
	Version    string `json:"version,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
}

// ReapResponse is returned by POST /engine/reap.
type ReapResponse struct {
	Matched    int    `json:"matched"`
	Terminated int    `json:"terminated"`
	Killed     int    `json:"killed"`
	PIDs       []int  `json:"pids,omitempty"`
	Duration   string `json:"duration"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// LoginRequest is the JSON body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries a bearer token for later requests.
type LoginResponse struct {
	Token     string    `json:"token"`
	Type      string    `json:"type"`
	ExpiresAt time.Time `json:"expires_at"`
	Roles     []string  `json:"roles,omitempty"`
}
