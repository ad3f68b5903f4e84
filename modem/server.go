package modem

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"i4.energy/across/wifigw/at"
)

// Handler serves one inbound connection. ServeSocket runs in its own
// goroutine and should return when the socket reports ErrClosed or ctx is
// done. A socket still open when ServeSocket returns is closed.
type Handler interface {
	ServeSocket(ctx context.Context, s *Socket)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, s *Socket)

func (f HandlerFunc) ServeSocket(ctx context.Context, s *Socket) {
	f(ctx, s)
}

// Listen starts the chip's TCP server on port and serves every inbound
// connection with h. Multiplexing must be enabled.
func (m *Modem) Listen(ctx context.Context, port int, h Handler) error {
	if !m.mux.Load() {
		return ErrMuxRequired
	}
	cmd, err := at.Set(at.CmdServer, 1, port)
	if err != nil {
		return err
	}

	m.hmu.Lock()
	m.handler = h
	m.hmu.Unlock()

	if _, err := m.Execute(ctx, Request{Cmd: cmd, Fail: at.ERROR}); err != nil {
		m.hmu.Lock()
		m.handler = nil
		m.hmu.Unlock()
		return fmt.Errorf("start server on port %d: %w", port, err)
	}
	m.log.Info("server listening", "port", port)
	return nil
}

// StopListening stops the chip's TCP server. Connections already being
// served are left alone.
func (m *Modem) StopListening(ctx context.Context) error {
	cmd, err := at.Set(at.CmdServer, 0)
	if err != nil {
		return err
	}
	if _, err := m.Execute(ctx, Request{Cmd: cmd, Fail: at.ERROR}); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}

	m.hmu.Lock()
	m.handler = nil
	m.hmu.Unlock()
	return nil
}

// serve starts the handler on s if s is an open inbound connection with
// nobody serving it yet.
func (m *Modem) serve(s *Socket) {
	m.hmu.Lock()
	h, ctx := m.handler, m.serveCtx
	m.hmu.Unlock()
	if h == nil {
		return
	}

	session := uuid.NewString()
	log := m.log.With("channel", s.id, "session", session)

	s.mu.Lock()
	if s.state != stateActive || s.owned || s.task != nil {
		s.mu.Unlock()
		return
	}
	done := make(chan struct{})
	s.task = done
	s.log = log
	s.mu.Unlock()

	m.metrics.Sessions.Inc()
	log.Info("serving inbound connection")

	go func() {
		defer close(done)
		h.ServeSocket(ctx, s)

		if s.usable() {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.ATTimeout)
			defer cancel()
			if err := s.Close(closeCtx); err != nil {
				log.Warn("closing socket after handler returned", "error", err)
			}
		}
		log.Info("session finished")
	}()
}
