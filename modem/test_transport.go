package modem

import (
	"context"
	"io"
	"sync"
)

// TestTransport is a test helper that simulates the chip side of the link
// using channels. Reads block until data is queued, like a real serial port
// would. Every write is recorded and may be answered by a responder.
//
// TestTransport is also a Dialer that returns itself.
type TestTransport struct {
	mu       sync.Mutex
	readChan chan []byte
	closed   bool
	pending  []byte

	writes  []string
	respond func(p []byte) []string
}

// NewTestTransport creates a new test transport for testing.
// Exported for use in tests.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		readChan: make(chan []byte, 256),
	}
}

// OnWrite installs fn to answer writes. Each string returned by fn is queued
// as a separate read.
func (t *TestTransport) OnWrite(fn func(p []byte) []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.respond = fn
}

func (t *TestTransport) Dial(ctx context.Context) (Transport, error) {
	return t, nil
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	t.writes = append(t.writes, string(p))
	respond := t.respond
	t.mu.Unlock()

	if respond != nil {
		for _, r := range respond(p) {
			t.SendData(r)
		}
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	if len(t.pending) == 0 {
		data, ok := <-t.readChan
		if !ok {
			return 0, io.EOF
		}
		t.pending = data
	}
	n = copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.readChan)
	return nil
}

// SendData queues data to be read by the transport.
// This simulates receiving data from the chip.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- []byte(data)
	}
}

// Writes returns everything written so far, one entry per Write call.
func (t *TestTransport) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.writes...)
}
