// Package errors collects the sentinel errors shared across the engine.
package errors

import "errors"

var (
	// ErrServerShutdown reports a server that is shutting down. No
	// function in this module currently returns it; TcpServer.Stop does
	// not use it.
	ErrServerShutdown = errors.New("greactor: server is shutting down")

	// ErrEmptyEngine is returned by NewTcpServer when the EventHandler is
	// nil.
	ErrEmptyEngine = errors.New("greactor: server has no event handler")

	// ErrAcceptSocket is returned when the acceptor cannot create its
	// listening socket.
	ErrAcceptSocket = errors.New("greactor: failed to create listening socket")

	// ErrConnectionClosed is returned by send-path guard clauses when the
	// connection is no longer in the Connected state.
	ErrConnectionClosed = errors.New("greactor: connection is not connected")

	// ErrUnsupportedProtocol reports a listen address that isn't a plain
	// IPv4 TCP endpoint. No function in this module currently returns it.
	ErrUnsupportedProtocol = errors.New("greactor: only IPv4 TCP is supported")

	// ErrInvalidFD reports an operation against a connection whose file
	// descriptor has already been torn down. No function in this module
	// currently returns it.
	ErrInvalidFD = errors.New("greactor: invalid file descriptor")
)
