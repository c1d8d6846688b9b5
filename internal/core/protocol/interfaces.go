package protocol

import (
	"context"
	"net"
)

// Listener accepts client connections on the local channel.
type Listener interface {
	// Accept blocks until a client connects or ctx is done.
	Accept(ctx context.Context) (Connection, error)
	Addr() net.Addr
	Close() error
}

// Connection is the server's write side of one client connection.
type Connection interface {
	ID() string
	RemoteAddr() net.Addr

	// Write sends one complete frame. Concurrent calls are serialized so the
	// bytes of two frames never interleave. Any failure is reported as a
	// disconnect.
	Write(ctx context.Context, frame []byte) error

	Close() error
}

// KeepAlive is implemented by connections whose transport detects a vanished
// peer on its own. Servers skip heartbeat probing for them.
type KeepAlive interface {
	// Lost is closed once the transport has given up on the peer.
	Lost() <-chan struct{}
}
