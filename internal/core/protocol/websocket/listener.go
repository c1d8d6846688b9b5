// Package websocket implements the local channel over a loopback websocket.
// Ping and pong control frames give it native liveness, so its connections
// implement protocol.KeepAlive and need no heartbeat probing.
package websocket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tokamak/kantan/internal/core/observability/log"
	"github.com/tokamak/kantan/internal/core/protocol"
)

var _ protocol.Listener = (*Listener)(nil)

// Listener serves the websocket endpoint and hands upgraded connections to
// Accept. An upgrade only happens while an Accept call is waiting, so a second
// client queues at the HTTP layer instead of being half-connected.
type Listener struct {
	ln       net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	config   protocol.Config
	logger   log.Log

	waiters   chan chan *Connection
	done      chan struct{}
	closeOnce sync.Once
}

// Listen starts the HTTP server on config.WebSocket.Addr.
func Listen(config protocol.Config, logger log.Log) (*Listener, error) {
	if logger == nil {
		logger = log.Provide()
	}

	ln, err := net.Listen("tcp", config.WebSocket.Addr)
	if err != nil {
		logger.Error("Failed to listen", log.String("addr", config.WebSocket.Addr), log.Error(err))
		return nil, protocol.NewProtocolError(protocol.ErrorCodeListenFailed, "failed to listen for websocket", err)
	}

	l := &Listener{
		ln:     ln,
		config: config,
		logger: logger.With(log.String("transport", "websocket"), log.String("addr", ln.Addr().String())),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.WebSocket.ReadBufferSize,
			WriteBufferSize: config.WebSocket.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				// Local tools connect without an Origin header; browsers must
				// come from loopback.
				origin := r.Header.Get("Origin")
				return origin == "" || isLoopbackOrigin(origin)
			},
		},
		waiters: make(chan chan *Connection),
		done:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(config.WebSocketPath(), l.handleWebSocket)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("WebSocket server error", log.Error(err))
		}
	}()

	l.logger.Info("WebSocket listener created", log.String("path", config.WebSocketPath()))
	return l, nil
}

func (l *Listener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var waiter chan *Connection
	select {
	case waiter = <-l.waiters:
	case <-r.Context().Done():
		return
	case <-l.done:
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("WebSocket upgrade failed", log.String("remote_addr", r.RemoteAddr), log.Error(err))
		waiter <- nil
		return
	}
	waiter <- NewConnection(ws, l.config, l.logger)
}

// Accept waits for the next upgraded client.
func (l *Listener) Accept(ctx context.Context) (protocol.Connection, error) {
	for {
		waiter := make(chan *Connection, 1)
		select {
		case l.waiters <- waiter:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.done:
			return nil, protocol.ErrListenerClosed
		}

		select {
		case conn := <-waiter:
			if conn == nil {
				continue
			}
			l.logger.Debug("WebSocket connection accepted", log.String("connection_id", conn.ID()))
			return conn, nil
		case <-ctx.Done():
			go discard(waiter)
			return nil, ctx.Err()
		}
	}
}

// discard closes a connection that was upgraded after its Accept gave up.
func discard(waiter chan *Connection) {
	if conn := <-waiter; conn != nil {
		_ = conn.Close()
	}
}

// Addr returns the listener address
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops the HTTP server
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.logger.Info("Closing websocket listener")
		err = l.server.Close()
	})
	return err
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
