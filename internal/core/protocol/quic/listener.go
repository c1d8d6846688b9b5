package quic

import (
	"context"
	"io"
	"net"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/tokamak/kantan/internal/core/observability/log"
	"github.com/tokamak/kantan/internal/core/protocol"
)

var _ protocol.Listener = (*Listener)(nil)

// Listener implements protocol.Listener for QUIC
type Listener struct {
	listener *quic.Listener
	config   protocol.Config
	closed   int32 // atomic bool
	logger   log.Log
}

// Listen creates a QUIC listener on config.QUIC.Addr
func Listen(config protocol.Config, logger log.Log) (*Listener, error) {
	if logger == nil {
		logger = log.Provide()
	}

	tlsConfig, err := serverTLSConfig()
	if err != nil {
		return nil, protocol.NewProtocolError(protocol.ErrorCodeListenFailed, "failed to create certificate", err)
	}

	ln, err := quic.ListenAddr(config.QUIC.Addr, tlsConfig, buildQUICConfig(config.QUIC))
	if err != nil {
		logger.Error("Failed to create QUIC listener", log.String("addr", config.QUIC.Addr), log.Error(err))
		return nil, protocol.NewProtocolError(protocol.ErrorCodeListenFailed, "failed to create QUIC listener", err)
	}

	l := &Listener{
		listener: ln,
		config:   config,
		logger:   logger.With(log.String("transport", "quic"), log.String("addr", ln.Addr().String())),
	}
	l.logger.Info("QUIC listener created",
		log.Duration("keep_alive", config.QUIC.KeepAlivePeriod),
		log.Duration("idle_timeout", config.QUIC.MaxIdleTimeout))
	return l, nil
}

// Accept accepts a new connection and opens the stream frames travel on
func (l *Listener) Accept(ctx context.Context) (protocol.Connection, error) {
	if atomic.LoadInt32(&l.closed) == 1 {
		return nil, protocol.ErrListenerClosed
	}

	for {
		conn, err := l.listener.Accept(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if atomic.LoadInt32(&l.closed) == 1 {
				return nil, protocol.ErrListenerClosed
			}
			return nil, protocol.WrapError(err, "failed to accept QUIC connection")
		}

		c, err := newConnection(ctx, conn, l.config, l.logger)
		if err != nil {
			// The handshake finished but the peer vanished before the stream
			// opened; wait for the next one.
			l.logger.Warn("Failed to open QUIC stream", log.String("remote_addr", conn.RemoteAddr().String()), log.Error(err))
			_ = conn.CloseWithError(0, "stream setup failed")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		l.logger.Debug("QUIC connection accepted",
			log.String("connection_id", c.ID()),
			log.String("remote_addr", conn.RemoteAddr().String()))
		return c, nil
	}
}

// Addr returns the listener address
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close closes the listener
func (l *Listener) Close() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil // Already closed
	}

	l.logger.Info("Closing QUIC listener")
	return l.listener.Close()
}

// Dial connects to the QUIC endpoint and returns the frame stream.
func Dial(ctx context.Context, config protocol.Config) (io.ReadCloser, error) {
	conn, err := quic.DialAddr(ctx, config.QUIC.Addr, clientTLSConfig(), buildQUICConfig(config.QUIC))
	if err != nil {
		return nil, protocol.NewProtocolError(protocol.ErrorCodeDialFailed, "failed to dial QUIC connection", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, protocol.NewProtocolError(protocol.ErrorCodeDialFailed, "failed to accept QUIC stream", err)
	}
	return &clientStream{conn: conn, stream: stream}, nil
}

type clientStream struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (s *clientStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *clientStream) Close() error {
	s.stream.CancelRead(0)
	return s.conn.CloseWithError(0, "")
}
