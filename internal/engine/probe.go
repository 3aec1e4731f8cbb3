package engine

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/dynamicpb"
)

// DefaultProbeTimeout covers the engine's start-up until it binds its port.
const DefaultProbeTimeout = 4 * time.Second

// Prober issues the version handshake against a channel.
type Prober struct {
	Logger *slog.Logger
}

// Probe calls GetVersion with wait-for-ready semantics: the call blocks until
// the peer becomes connectable or timeout elapses. Any error means "not
// alive yet" and is returned for logging only.
func (p Prober) Probe(ctx context.Context, ch grpc.ClientConnInterface, timeout time.Duration) (Version, error) {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	req, err := NewEmpty()
	if err != nil {
		return Version{}, err
	}
	resp := dynamicpb.NewMessage(versionDesc)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	log.Debug("probing engine", "timeout", timeout)
	if err := ch.Invoke(ctx, GetVersionMethod, req, resp, grpc.WaitForReady(true)); err != nil {
		log.Warn("engine probe failed", "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		return Version{}, err
	}
	v := VersionFromMessage(resp)
	log.Debug("engine probe ok", "version", v.String(), "elapsed", time.Since(start).Round(time.Millisecond))
	return v, nil
}
