// Package unix implements the local channel over a unix domain socket. The
// socket offers no notification when the peer goes away, so connections from
// this package do not implement protocol.KeepAlive and the server probes them.
package unix

import (
	"context"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/tokamak/kantan/internal/core/observability/log"
	"github.com/tokamak/kantan/internal/core/protocol"
)

var _ protocol.Listener = (*Listener)(nil)

// Listener implements protocol.Listener for unix domain sockets
type Listener struct {
	listener *net.UnixListener
	config   protocol.Config
	closed   int32 // atomic bool
	logger   log.Log
}

// Listen binds the endpoint's socket path. A stale socket file left by a
// crashed process is removed first.
func Listen(config protocol.Config, logger log.Log) (*Listener, error) {
	if logger == nil {
		logger = log.Provide()
	}

	path := config.SocketPath()
	if err := removeStaleSocket(path); err != nil {
		return nil, protocol.NewProtocolError(protocol.ErrorCodeListenFailed, "failed to remove stale socket", err)
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, protocol.NewProtocolError(protocol.ErrorCodeInvalidAddress, "failed to resolve socket path", err)
	}

	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		logger.Error("Failed to listen on unix socket", log.String("path", path), log.Error(err))
		return nil, protocol.NewProtocolError(protocol.ErrorCodeListenFailed, "failed to listen on unix socket", err)
	}
	ln.SetUnlinkOnClose(true)

	l := &Listener{
		listener: ln,
		config:   config,
		logger:   logger.With(log.String("transport", "unix"), log.String("path", path)),
	}
	l.logger.Info("Unix listener created")
	return l, nil
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return pkgerrors.Errorf("%s exists and is not a socket", path)
	}
	// A live server still answers; refuse to steal its endpoint.
	if conn, err := net.DialTimeout("unix", path, 100*time.Millisecond); err == nil {
		_ = conn.Close()
		return pkgerrors.Errorf("%s is in use", path)
	}
	return os.Remove(path)
}

// Accept waits for the next client. Cancelling ctx interrupts the wait
// without closing the listener.
func (l *Listener) Accept(ctx context.Context) (protocol.Connection, error) {
	if atomic.LoadInt32(&l.closed) == 1 {
		return nil, protocol.ErrListenerClosed
	}

	stop := context.AfterFunc(ctx, func() {
		_ = l.listener.SetDeadline(time.Now())
	})
	defer stop()

	for {
		_ = l.listener.SetDeadline(time.Time{})
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		conn, err := l.listener.AcceptUnix()
		if err == nil {
			c := NewConnection(conn, l.config, l.logger)
			l.logger.Debug("Unix connection accepted", log.String("connection_id", c.ID()))
			return c, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if atomic.LoadInt32(&l.closed) == 1 {
			return nil, protocol.ErrListenerClosed
		}
		// A deadline set by an earlier, already finished Accept can land late.
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		return nil, protocol.WrapError(err, "failed to accept unix connection")
	}
}

// Addr returns the listener address
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close closes the listener and unlinks the socket file
func (l *Listener) Close() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	l.logger.Info("Closing unix listener")
	return l.listener.Close()
}
