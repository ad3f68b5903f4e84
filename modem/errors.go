package modem

import "errors"

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the chip.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when the Dialer succeeded but produced no
	// Transport.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed, and by every command issued after that.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrLoopRunning is returned by Loop when it has already been started.
	ErrLoopRunning = errors.New("loop already running")

	// ErrTimeout is returned when no terminating sentinel arrived within the
	// time budget of a command, or when a socket receive timed out.
	//
	// The operation may or may not have taken effect on the chip. Retrying is
	// up to the caller.
	ErrTimeout = errors.New("timeout")

	// ErrProtocol is returned when the chip answered a command with its error
	// or failure sentinel. The operation did not happen.
	ErrProtocol = errors.New("command rejected")

	// ErrTruncated is returned together with the number of captured bytes
	// when a reply did not fit into the capture buffer. The command itself
	// succeeded.
	ErrTruncated = errors.New("reply truncated")

	// ErrExhausted is returned when every connection slot is in use.
	ErrExhausted = errors.New("no free connection slot")

	// ErrClosed is returned by socket operations once the connection left
	// service, including a Receive that was blocked when it happened. The
	// handle must not be used afterwards.
	ErrClosed = errors.New("socket closed")

	// ErrMuxRequired is returned by operations that need multiplexing
	// enabled, such as Listen.
	ErrMuxRequired = errors.New("multiplexing required")
)
