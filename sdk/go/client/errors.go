package client

import "errors"

// Client-specific errors
var (
	ErrClientClosed     = errors.New("client is closed")
	ErrNotConnected     = errors.New("client is not connected")
	ErrAlreadyConnected = errors.New("client is already connected")
	ErrReconnectFailed  = errors.New("reconnection failed")
	ErrServerClosed     = errors.New("tracker closed the connection")
)
