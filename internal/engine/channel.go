// Package engine opens RPC channels to the compute engine and proves the
// peer is alive with a version handshake.
package engine

import (
	"fmt"
	"net"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// MaxRecvMsgSize is raised for the large grid payloads the engine returns.
const MaxRecvMsgSize = 512 * 1024 * 1024

// DefaultHost is where the engine listens; it is always local.
const DefaultHost = "localhost"

// Channel is a client connection to the engine. *grpc.ClientConn satisfies it,
// and generated engine stubs accept it through grpc.ClientConnInterface.
type Channel interface {
	grpc.ClientConnInterface
	Close() error
}

// Target returns the dial target for an engine on port.
func Target(port int) string {
	return net.JoinHostPort(DefaultHost, strconv.Itoa(port))
}

// DialOptions are the channel options every engine connection uses.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithNoProxy(),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(MaxRecvMsgSize)),
	}
}

// Dial opens a channel to the engine on port. It does not connect: the first
// RPC (normally the health probe) triggers the connection attempt.
func Dial(port int, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts := append(DialOptions(), extra...)
	conn, err := grpc.NewClient(Target(port), opts...)
	if err != nil {
		return nil, fmt.Errorf("engine channel: %w", err)
	}
	return conn, nil
}
