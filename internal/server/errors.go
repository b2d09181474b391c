package server

import "errors"

var (
	// ErrHandleTaken is returned when a handle is already registered.
	ErrHandleTaken = errors.New("handle already registered")
	// ErrPeerUnreachable marks an outbound write to a single peer that failed.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrConnectionLost marks a failed read or a peer that closed its side.
	ErrConnectionLost = errors.New("connection lost")
	// ErrListenerBind is returned when the relay cannot bind its listening socket.
	ErrListenerBind = errors.New("unable to bind listener")
	// ErrMalformedCommand marks a command line with missing arguments.
	ErrMalformedCommand = errors.New("malformed command")
)
