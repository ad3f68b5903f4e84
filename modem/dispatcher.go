package modem

import (
	"bytes"
	"context"
	"strconv"

	"i4.energy/across/wifigw/at"
)

var (
	ipdMarker = []byte(at.IPD)
	crlf      = []byte(at.CRLF)
)

// SocketEvent is a connection lifecycle notification for one channel.
type SocketEvent struct {
	Kind    at.LifecycleEvent
	Channel int

	// generation of the slot when the notification arrived
	gen uint64
}

// dispatch is the only consumer of the receive buffer. Every time new bytes
// arrive, or a command was armed, it classifies the front of the buffer until
// nothing more can be done with what has arrived so far.
func (m *Modem) dispatch(ctx context.Context) (err error) {
	defer func() {
		m.abortPending(err)
	}()

	for {
		if _, err := m.rx.Wait(ctx); err != nil {
			return loopError(err)
		}
		for {
			progressed, err := m.step(ctx)
			if err != nil {
				return loopError(err)
			}
			if !progressed {
				break
			}
		}
	}
}

// step handles the message at the front of the buffer. It reports whether
// any bytes were consumed.
func (m *Modem) step(ctx context.Context) (bool, error) {
	if m.rx.Len() == 0 {
		return false, nil
	}

	mux := m.mux.Load()
	frame, err := at.Classify(m.rx.Bytes(), mux)
	if err != nil {
		m.log.Warn("dropping malformed data frame header",
			"error", err, "front", strconv.Quote(string(m.rx.Peek(24))))
		m.metrics.ProtocolErrors.Inc()
		m.rx.Skip(frame.Len)
		return true, nil
	}

	switch frame.Category {
	case at.CategoryPartial:
		return false, nil

	case at.CategoryData:
		m.rx.Skip(frame.Len)
		return true, m.receiveData(ctx, frame.Channel, frame.DataLen)

	case at.CategoryLink:
		m.rx.Skip(frame.Len)
		m.postWiFi(frame.Link)
		return true, nil

	case at.CategoryLifecycle:
		m.rx.Skip(frame.Len)
		ch := frame.Channel
		if !mux {
			ch = at.DefaultChannel
		}
		ev := SocketEvent{Kind: frame.Lifecycle, Channel: ch}
		if s := m.slot(ch); s != nil {
			ev.gen = s.generation()
		}
		return true, m.postSocket(ctx, ev)

	default:
		return m.matchReply(), nil
	}
}

// receiveData drains exactly n payload bytes and delivers them to channel ch.
// It waits for the rest of the payload if it has not fully arrived yet.
func (m *Modem) receiveData(ctx context.Context, ch, n int) error {
	if err := m.rx.WaitLen(ctx, n); err != nil {
		return err
	}
	payload := m.rx.Peek(n)
	label := strconv.Itoa(ch)

	s := m.slot(ch)
	if s == nil {
		m.log.Warn("data for unknown channel", "channel", ch, "bytes", n)
		m.metrics.ProtocolErrors.Inc()
		m.rx.Skip(n)
		return nil
	}

	m.metrics.ReceivedBytes.WithLabelValues(label).Add(float64(n))
	if dropped := s.deliver(payload); dropped > 0 {
		m.log.Error("receive ring overrun", "channel", ch, "dropped", dropped, "frame", n)
		m.metrics.Overruns.WithLabelValues(label).Inc()
	}
	m.rx.Skip(n)
	return nil
}

// postWiFi queues a link notification without blocking.
func (m *Modem) postWiFi(ev at.LinkEvent) {
	select {
	case m.wifiEvents <- ev:
	default:
		m.log.Warn("WiFi event queue full, dropping event", "event", ev.String())
		m.metrics.DroppedEvents.WithLabelValues("wifi").Inc()
	}
}

// postSocket queues a lifecycle notification. Unlike link notifications these
// are never dropped, so the dispatcher waits for room in the queue.
func (m *Modem) postSocket(ctx context.Context, ev SocketEvent) error {
	select {
	case m.socketEvents <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// matchReply consumes a command reply terminated by the armed success or
// error sentinel. The sentinel that ends first wins, and the error sentinel
// wins a tie, so "\r\nERROR\r\n" is never mistaken for a reply ending in an
// "OK" contained in it. With nothing armed and the command slot free, the
// front is stray output and is discarded line by line. While the slot is held
// between two stages of an exchange the bytes are kept for the next stage.
func (m *Modem) matchReply() bool {
	m.pmu.Lock()
	defer m.pmu.Unlock()

	p := m.pending
	if p == nil {
		if len(m.cmd) > 0 {
			return false
		}
		return m.discardLine()
	}

	buf := m.rx.Bytes()
	end, sentinel, st := -1, 0, statusNone
	if i := bytes.Index(buf, p.ok); i >= 0 {
		end, sentinel, st = i+len(p.ok), len(p.ok), statusOK
	}
	if len(p.fail) > 0 {
		if i := bytes.Index(buf, p.fail); i >= 0 && (end < 0 || i+len(p.fail) <= end) {
			end, sentinel, st = i+len(p.fail), len(p.fail), statusError
		}
	}

	// Unsolicited messages in front of the sentinel, or in front of
	// everything when there is no sentinel yet, must not be swallowed into
	// the reply. Hand them back to the classifier once the bytes before them
	// are captured.
	limit := len(buf)
	if end >= 0 {
		limit = end - sentinel
	}
	if i := embedded(buf[:limit], m.mux.Load()); i >= 0 {
		if i == 0 {
			return false
		}
		p.collect(buf[:i])
		m.rx.Skip(i)
		return true
	}

	if end < 0 {
		return false
	}

	p.collect(buf[:end-sentinel])
	m.rx.Skip(end)
	m.pending = nil
	p.finish(st)
	return true
}

// embedded returns the offset of the first data frame marker or the first
// line that starts with a complete link or lifecycle notification, or -1.
func embedded(body []byte, mux bool) int {
	first := bytes.Index(body, ipdMarker)
	for off := 0; ; {
		i := bytes.Index(body[off:], crlf)
		if i < 0 {
			break
		}
		off += i + len(crlf)
		if first >= 0 && off >= first {
			break
		}
		frame, _ := at.Classify(body[off:], mux)
		if frame.Category == at.CategoryLink || frame.Category == at.CategoryLifecycle {
			return off
		}
	}
	return first
}

// discardLine drops one line of output nobody is waiting for. Data frame
// markers further down are left alone.
func (m *Modem) discardLine() bool {
	buf := m.rx.Bytes()
	n := 0
	switch {
	case bytes.HasPrefix(buf, crlf):
		n = len(crlf)
	default:
		if i := bytes.Index(buf, ipdMarker); i > 0 {
			n = i
			break
		}
		if i := bytes.Index(buf, crlf); i >= 0 {
			n = i + len(crlf)
		}
	}
	if n == 0 {
		return false
	}

	m.log.Debug("discarding unsolicited output", "line", strconv.Quote(string(buf[:n])))
	m.metrics.DiscardedBytes.Add(float64(n))
	m.rx.Skip(n)
	return true
}
