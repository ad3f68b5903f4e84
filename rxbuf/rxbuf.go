// Package rxbuf buffers the receive side of a serial link for a single
// consumer that classifies the stream by peeking at its front.
//
// Bytes are read from the link by Pump, which runs in its own goroutine and
// hands chunks to the consumer over a bounded channel. The consumer only sees
// new bytes when it calls Wait, so everything between two Wait calls operates
// on a stable snapshot.
package rxbuf

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"
)

// DefaultDepth is the number of chunks that may be queued between the pump
// and the consumer.
const DefaultDepth = 64

// ErrClosed is returned by Wait after the pump has stopped without a read
// error.
var ErrClosed = errors.New("receive buffer closed")

// Buffer is the consumer side of the receive stream. Except for Pump and
// Wakeup, its methods must only be called from the consumer goroutine.
type Buffer struct {
	chunks chan []byte
	wake   chan struct{}
	done   chan struct{}
	err    error

	buf []byte
}

// New creates a Buffer whose pump may queue up to depth chunks.
func New(depth int) *Buffer {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Buffer{
		chunks: make(chan []byte, depth),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Pump reads from r until it fails or ctx is cancelled, and queues every
// chunk for the consumer. It must be called at most once. The error that
// stopped the pump is reported to the consumer by Wait.
func (b *Buffer) Pump(ctx context.Context, r io.Reader) error {
	defer close(b.done)

	p := make([]byte, 512)
	for {
		n, err := r.Read(p)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, p[:n])
			select {
			case b.chunks <- chunk:
			case <-ctx.Done():
				b.err = ctx.Err()
				return b.err
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			b.err = err
			return err
		}
	}
}

// Wakeup makes a pending or the next Wait return without new data. It never
// blocks and may be called from any goroutine.
func (b *Buffer) Wakeup() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until at least one new chunk has arrived, Wakeup was called or
// ctx is done, then absorbs every chunk already queued. It reports whether new
// bytes were absorbed. Once the pump has stopped and all queued chunks are
// consumed, Wait returns the pump's error.
func (b *Buffer) Wait(ctx context.Context) (bool, error) {
	if b.absorb() {
		return true, nil
	}
	select {
	case chunk := <-b.chunks:
		b.buf = append(b.buf, chunk...)
		b.absorb()
		return true, nil
	case <-b.wake:
		return false, nil
	case <-b.done:
		if b.absorb() {
			return true, nil
		}
		return false, b.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// WaitTimeout is Wait bounded by d.
func (b *Buffer) WaitTimeout(ctx context.Context, d time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return b.Wait(ctx)
}

// WaitLen blocks until at least n bytes are buffered, ignoring wakeups.
func (b *Buffer) WaitLen(ctx context.Context, n int) error {
	for len(b.buf) < n {
		if _, err := b.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (b *Buffer) absorb() bool {
	got := false
	for {
		select {
		case chunk := <-b.chunks:
			b.buf = append(b.buf, chunk...)
			got = true
		default:
			return got
		}
	}
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return len(b.buf)
}

// Bytes returns the unconsumed bytes. The slice is only valid until the next
// call that consumes or absorbs data.
func (b *Buffer) Bytes() []byte {
	return b.buf
}

// Peek returns up to max unconsumed bytes without consuming them.
func (b *Buffer) Peek(max int) []byte {
	if max > len(b.buf) {
		max = len(b.buf)
	}
	return b.buf[:max]
}

// Read consumes up to len(p) bytes into p.
func (b *Buffer) Read(p []byte) int {
	n := copy(p, b.buf)
	b.Skip(n)
	return n
}

// ReadUntil consumes and returns everything up to and including delim. It
// returns false and consumes nothing if delim has not arrived yet.
func (b *Buffer) ReadUntil(delim []byte) ([]byte, bool) {
	end := b.Index(delim)
	if end < 0 {
		return nil, false
	}
	out := make([]byte, end)
	copy(out, b.buf[:end])
	b.Skip(end)
	return out, true
}

// HasPrefix reports whether the unconsumed bytes start with pattern.
func (b *Buffer) HasPrefix(pattern []byte) bool {
	return bytes.HasPrefix(b.buf, pattern)
}

// HasPrefixAt reports whether pattern starts at offset.
func (b *Buffer) HasPrefixAt(pattern []byte, offset int) bool {
	if offset < 0 || offset > len(b.buf) {
		return false
	}
	return bytes.HasPrefix(b.buf[offset:], pattern)
}

// Index returns the offset just past the first occurrence of pattern, or -1.
func (b *Buffer) Index(pattern []byte) int {
	i := bytes.Index(b.buf, pattern)
	if i < 0 {
		return -1
	}
	return i + len(pattern)
}

// Skip consumes n bytes.
func (b *Buffer) Skip(n int) {
	if n >= len(b.buf) {
		b.buf = b.buf[:0]
		return
	}
	b.buf = b.buf[n:]
}

// SkipUntil consumes everything up to and including delim. It returns false
// and consumes nothing if delim has not arrived yet.
func (b *Buffer) SkipUntil(delim []byte) bool {
	end := b.Index(delim)
	if end < 0 {
		return false
	}
	b.Skip(end)
	return true
}
