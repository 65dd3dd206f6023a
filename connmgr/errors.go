package connmgr

import "errors"

var (
	// ErrAlreadyInProgress indicates a connection attempt to the same
	// endpoint is still in flight. Callers should wait for the earlier
	// attempt rather than retry.
	ErrAlreadyInProgress = errors.New("connection attempt already in progress")

	// ErrSelfConnection indicates the target endpoint is this manager's own
	// external endpoint. Callers should not retry.
	ErrSelfConnection = errors.New("cannot connect to self")

	// ErrConnectionRejected indicates the remote peer (or the local
	// registry) refused the connection and no concurrently admitted
	// connection to the same endpoint was found to take its place.
	ErrConnectionRejected = errors.New("connection rejected")

	// ErrNoPeerAvailable indicates a virtual connection was requested while
	// no peers are connected to relay through.
	ErrNoPeerAvailable = errors.New("no peer available for virtual connection")

	// ErrVirtualConnectTimeout indicates no connected peer reported a route
	// to the target within the virtual-connect deadline.
	ErrVirtualConnectTimeout = errors.New("virtual connection timed out")

	// ErrInvalidHandshakeResponse indicates the peer answered the handshake
	// with an unknown response code.
	ErrInvalidHandshakeResponse = errors.New("invalid handshake response")

	// ErrManagerClosed indicates the manager has been disposed.
	ErrManagerClosed = errors.New("connection manager is closed")
)
