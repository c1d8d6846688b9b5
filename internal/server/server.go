package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tokamak/kantan/internal/core/observability/log"
	"github.com/tokamak/kantan/internal/core/protocol"
	"github.com/tokamak/kantan/internal/core/tracking"
)

// State is the position of a Server in its connection lifecycle.
type State int32

const (
	StateIdle State = iota
	StateListening
	// StateConnected covers the whole session, including draining updates
	// and probing. Both run concurrently, so they are not separate states.
	StateConnected
	StateDisconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats counts server activity since construction.
type Stats struct {
	Sessions    uint64
	Frames      uint64
	Heartbeats  uint64
	Disconnects uint64
	// Rejected counts clients turned away while another was being served.
	Rejected uint64
}

// Server relays registry updates to one client at a time. It registers as a
// consumer for each connection, pushes a frame whenever the registry wakes it
// and drops back to listening when the client goes away.
type Server struct {
	config   Config
	consumer tracking.Consumer
	listener protocol.Listener
	logger   log.Log

	state   int32 // State
	running int32 // atomic bool

	sessions    uint64
	frames      uint64
	heartbeats  uint64
	disconnects uint64
	rejected    uint64
}

// New creates a server. The listener is owned by the caller and is not closed
// by Run.
func New(config Config, consumer tracking.Consumer, listener protocol.Listener, logger log.Log) *Server {
	if logger == nil {
		logger = log.Provide()
	}
	return &Server{
		config:   config,
		consumer: consumer,
		listener: listener,
		logger:   logger.With(log.String("component", "server")),
	}
}

func (s *Server) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Server) setState(state State) {
	atomic.StoreInt32(&s.state, int32(state))
}

func (s *Server) Stats() Stats {
	return Stats{
		Sessions:    atomic.LoadUint64(&s.sessions),
		Frames:      atomic.LoadUint64(&s.frames),
		Heartbeats:  atomic.LoadUint64(&s.heartbeats),
		Disconnects: atomic.LoadUint64(&s.disconnects),
		Rejected:    atomic.LoadUint64(&s.rejected),
	}
}

// Run accepts and serves connections one after another until ctx is done.
// It returns nil on cancellation or when the listener is closed.
func (s *Server) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrServerAlreadyRunning
	}
	defer atomic.StoreInt32(&s.running, 0)
	defer s.setState(StateStopped)

	s.logger.Info("Server started", log.String("addr", addrString(s.listener.Addr())))
	defer s.logger.Info("Server stopped")

	for {
		s.setState(StateListening)
		s.logger.Info("Waiting for connection")

		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, protocol.ErrListenerClosed) {
				return nil
			}
			s.logger.Error("Failed to accept connection", log.Error(err))
			select {
			case <-time.After(s.config.AcceptBackoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		s.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// serve runs one connection to completion.
func (s *Server) serve(ctx context.Context, conn protocol.Connection) {
	s.setState(StateConnected)
	atomic.AddUint64(&s.sessions, 1)

	logger := s.logger.With(
		log.String("connection_id", conn.ID()),
		log.String("remote_addr", addrString(conn.RemoteAddr())))
	logger.Info("Client connected")

	wake := tracking.NewSignal()
	consumerID := s.consumer.RegisterConsumer(wake.Notify)

	g, gctx := errgroup.WithContext(ctx)
	if ka, ok := conn.(protocol.KeepAlive); ok {
		g.Go(func() error { return s.watch(gctx, conn, ka, logger) })
	} else {
		g.Go(func() error { return s.probe(gctx, conn, logger) })
	}
	g.Go(func() error { return s.push(gctx, conn, consumerID, wake, logger) })
	g.Go(func() error { return s.reject(gctx, logger) })

	err := g.Wait()

	s.setState(StateDisconnecting)
	s.consumer.UnregisterConsumer(consumerID)
	_ = conn.Close()

	if ctx.Err() != nil {
		logger.Info("Connection closed on shutdown")
		return
	}
	atomic.AddUint64(&s.disconnects, 1)
	logger.Info("Client disconnected", log.Error(err))
}

// probe writes a heartbeat every ProbeInterval. The socket gives no signal
// when the peer vanishes, so a failed write is the disconnect notification.
func (s *Server) probe(ctx context.Context, conn protocol.Connection, logger log.Log) error {
	ticker := time.NewTicker(s.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := conn.Write(ctx, protocol.Heartbeat()); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Info("Client disconnection detected", log.Error(err))
			_ = conn.Close()
			return err
		}
		atomic.AddUint64(&s.heartbeats, 1)
	}
}

// reject closes every client that connects while a session is active, so a
// second client fails fast instead of waiting in the accept backlog. It never
// fails the session.
func (s *Server) reject(ctx context.Context, logger log.Log) error {
	for ctx.Err() == nil {
		extra, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, protocol.ErrListenerClosed) {
				return nil
			}
			select {
			case <-time.After(s.config.AcceptBackoff):
			case <-ctx.Done():
			}
			continue
		}
		atomic.AddUint64(&s.rejected, 1)
		logger.Info("Rejecting client, another client is connected",
			log.String("rejected_addr", addrString(extra.RemoteAddr())))
		_ = extra.Close()
	}
	return nil
}

// watch waits for a transport with native liveness to report the peer lost.
func (s *Server) watch(ctx context.Context, conn protocol.Connection, ka protocol.KeepAlive, logger log.Log) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ka.Lost():
		logger.Info("Client disconnection detected")
		_ = conn.Close()
		return protocol.Disconnected(protocol.ErrConnectionClosed)
	}
}

// push drains the registry on every wake and writes non-empty batches as a
// single frame.
func (s *Server) push(ctx context.Context, conn protocol.Connection, id tracking.ConsumerID, wake *tracking.Signal, logger log.Log) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake.C():
		}

		updates, err := s.consumer.ConsumeUpdates(id)
		if err != nil {
			logger.Error("Failed to consume updates", log.Error(err))
			return err
		}
		if len(updates) == 0 {
			continue
		}

		frame, err := protocol.EncodeFrame(updates)
		if err != nil {
			logger.Error("Failed to serialize updates", log.Error(err))
			return err
		}
		if err = conn.Write(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Info("Failed to write updates, treating as disconnect", log.Error(err))
			_ = conn.Close()
			return err
		}
		atomic.AddUint64(&s.frames, 1)
		logger.Debug("Updates sent",
			log.Int("documents", len(updates)),
			log.Int("events", updates.Len()),
			log.Int("bytes", len(frame)))
	}
}

// addrString tolerates unnamed unix peers, whose address is nil.
func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
