package modem

import (
	"context"
	"time"

	"i4.energy/across/wifigw/at"
)

// runLifecycle consumes socket lifecycle events one at a time.
func (m *Modem) runLifecycle(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.socketEvents:
			m.handleSocketEvent(ctx, ev)
		}
	}
}

func (m *Modem) handleSocketEvent(ctx context.Context, ev SocketEvent) {
	log := m.log.With("channel", ev.Channel, "event", ev.Kind.String())

	s := m.slot(ev.Channel)
	if s == nil {
		log.Warn("lifecycle event for unknown channel")
		m.metrics.ProtocolErrors.Inc()
		return
	}

	switch ev.Kind {
	case at.LifecycleOpen:
		s.mu.Lock()
		switch {
		case s.gen != ev.gen:
			s.mu.Unlock()
			log.Debug("ignoring notification for an earlier connection")
			return
		case s.state == stateDraining:
			s.mu.Unlock()
			log.Warn("connection opened on a slot still being torn down")
			return
		case s.state == stateActive && (s.owned || s.task != nil):
			// Already confirmed by OpenTCP or taken over after ALREADY CONNECTED.
			s.mu.Unlock()
			log.Debug("connection open")
			return
		}
		s.state = stateActive
		s.mu.Unlock()
		log.Debug("connection open")
		m.serve(s)

	case at.LifecycleClose, at.LifecycleConnectFail:
		done, ok := s.drain(ev.gen)
		if !ok {
			log.Debug("ignoring notification for an earlier connection")
			return
		}
		log.Debug("connection closed")
		if done == nil {
			s.free()
			return
		}

		timer := time.NewTimer(m.config.TeardownTimeout)
		defer timer.Stop()

		select {
		case <-done:
			s.free()
		case <-timer.C:
			log.Warn("handler did not exit in time, slot stays reserved until it does",
				"timeout", m.config.TeardownTimeout)
			go m.reap(s, done)
		case <-ctx.Done():
			go m.reap(s, done)
		}
	}
}

// reap frees s once its handler has exited.
func (m *Modem) reap(s *Socket, done <-chan struct{}) {
	<-done
	s.free()
	m.log.Debug("late handler exit, slot freed", "channel", s.id)
}
