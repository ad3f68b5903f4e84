package modem

import (
	"context"
	"io"
)

//go:generate go tool mockgen -source=transport.go -destination=mock_transport.go -package=modem

// Transport represents an established, bidirectional byte stream to the WiFi
// chip.
//
// A Transport is assumed to be already connected and ready for use. Reads are
// performed by a single pump goroutine, writes only by the holder of the
// command slot. Typical implementations include serial ports, TCP bridges to
// a UART, or in-memory fakes used for testing.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to the chip.
//
// Dialer abstracts how the connection is created and is used during Modem
// construction only.
type Dialer interface {
	// Dial creates and returns a connected Transport. It may block and should
	// respect cancellation and deadlines of ctx.
	Dial(ctx context.Context) (Transport, error)
}
