package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// Conn returns a net.Conn running over the socket, so that ordinary
// networking libraries can use a channel of the chip. Deadlines bound Read
// and Write in addition to the socket's receive timeout, and Close closes
// the socket.
func (s *Socket) Conn() net.Conn {
	s.mustBeValid()
	return &conn{s: s}
}

type conn struct {
	s *Socket

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

func (c *conn) Read(p []byte) (int, error) {
	ctx, cancel := c.context(c.deadline(&c.readDeadline))
	defer cancel()

	n, err := c.s.Receive(ctx, p)
	if err != nil {
		return n, c.opError("read", err)
	}
	return n, nil
}

func (c *conn) Write(p []byte) (int, error) {
	ctx, cancel := c.context(c.deadline(&c.writeDeadline))
	defer cancel()

	n, err := c.s.Send(ctx, p)
	if err != nil {
		return n, c.opError("write", err)
	}
	return n, nil
}

func (c *conn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.s.m.config.ATTimeout)
	defer cancel()
	err := c.s.Close(ctx)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// LocalAddr identifies the channel of the chip the connection runs on.
func (c *conn) LocalAddr() net.Addr { return addr(fmt.Sprintf("esp:%d", c.s.id)) }

// RemoteAddr is the host and port given to OpenTCP. The chip does not report
// the peer of an inbound connection, which is then identified by its channel
// like LocalAddr.
func (c *conn) RemoteAddr() net.Addr {
	c.s.mu.Lock()
	peer := c.s.peer
	c.s.mu.Unlock()
	if peer == "" {
		return c.LocalAddr()
	}
	return peerAddr(peer)
}

func (c *conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline, c.writeDeadline = t, t
	c.mu.Unlock()
	return nil
}

func (c *conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *conn) deadline(d *time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *d
}

func (c *conn) context(deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), deadline)
}

// opError maps socket errors onto what net.Conn users expect: io.EOF once
// the connection is gone and os.ErrDeadlineExceeded for timeouts.
func (c *conn) opError(op string, err error) error {
	switch {
	case errors.Is(err, ErrClosed):
		if op == "read" {
			return io.EOF
		}
		err = net.ErrClosed
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		err = os.ErrDeadlineExceeded
	}
	return &net.OpError{Op: op, Net: "esp", Addr: c.RemoteAddr(), Err: err}
}

// addr identifies a channel of the chip.
type addr string

func (a addr) Network() string { return "esp" }
func (a addr) String() string  { return string(a) }

type peerAddr string

func (a peerAddr) Network() string { return "tcp" }
func (a peerAddr) String() string  { return string(a) }
