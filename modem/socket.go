package modem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"i4.energy/across/wifigw/at"
)

type slotState int

const (
	stateFree slotState = iota
	stateAllocated
	stateActive
	stateDraining
)

func (s slotState) String() string {
	switch s {
	case stateFree:
		return "free"
	case stateAllocated:
		return "allocated"
	case stateActive:
		return "active"
	case stateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Socket is one connection slot of the chip, identified by its channel.
//
// A slot is in use from the moment it is allocated (or an inbound connection
// opens on it) until its close notification has been fully processed and any
// handler serving it has returned. A Socket handle stays valid only while
// the slot is in use; once an operation returned ErrClosed the handle must
// be dropped.
type Socket struct {
	m  *Modem
	id int

	// opMu serializes Send and Close, readMu serializes Receive.
	opMu   sync.Mutex
	readMu sync.Mutex

	// mu guards every field below. It is shared with the dispatcher and the
	// lifecycle task and only held for short, non-blocking sections.
	mu      sync.Mutex
	state   slotState
	owned   bool
	gen     uint64
	peer    string
	ring    ring
	timeout time.Duration
	task    chan struct{}
	log     *slog.Logger

	// arrived is signalled whenever data was delivered or the slot left
	// service.
	arrived chan struct{}
}

func newSocket(m *Modem, id int) *Socket {
	return &Socket{
		m:       m,
		id:      id,
		ring:    newRing(m.config.RingPackets, m.config.PacketSize),
		timeout: m.config.ReceiveTimeout,
		arrived: make(chan struct{}, 1),
	}
}

// ID returns the channel of the slot.
func (s *Socket) ID() int {
	s.mustBeValid()
	return s.id
}

// Logger returns the logger of the session served on this socket, or the
// modem logger tagged with the channel.
func (s *Socket) Logger() *slog.Logger {
	s.mustBeValid()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log != nil {
		return s.log
	}
	return s.m.log.With("channel", s.id)
}

// SetTimeout sets how long Receive waits for data. Zero or less restores the
// configured default.
func (s *Socket) SetTimeout(d time.Duration) {
	s.mustBeValid()
	if d <= 0 {
		d = s.m.config.ReceiveTimeout
	}
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

// Buffered returns the number of received bytes not read yet.
func (s *Socket) Buffered() int {
	s.mustBeValid()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.buffered()
}

// Receive reads at least one byte into p. It blocks until data arrives, the
// receive timeout elapses (ErrTimeout), ctx is done, or the connection
// leaves service (ErrClosed). Data delivered in a single frame may take
// several calls to drain; it is never reordered.
func (s *Socket) Receive(ctx context.Context, p []byte) (int, error) {
	s.mustBeValid()
	if len(p) == 0 {
		return 0, nil
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()

	s.mu.Lock()
	timeout := s.timeout
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		n := s.ring.get(p)
		st := s.state
		s.mu.Unlock()

		if n > 0 {
			return n, nil
		}
		if st == stateDraining || st == stateFree {
			return 0, ErrClosed
		}

		select {
		case <-s.arrived:
		case <-timer.C:
			return 0, fmt.Errorf("receive on channel %d: %w", s.id, ErrTimeout)
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Read implements io.Reader on top of Receive.
func (s *Socket) Read(p []byte) (int, error) {
	return s.Receive(context.Background(), p)
}

// Send transmits p on the connection. Payloads larger than the chip accepts
// at once are split into several transmissions. The returned count is the
// number of bytes the chip confirmed.
func (s *Socket) Send(ctx context.Context, p []byte) (int, error) {
	s.mustBeValid()
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if !s.usable() {
		return 0, ErrClosed
	}
	return s.m.send(ctx, s, p)
}

// Write implements io.Writer on top of Send.
func (s *Socket) Write(p []byte) (int, error) {
	return s.Send(context.Background(), p)
}

// Close closes the connection. For an open connection the chip is asked to
// close it, and the slot returns to the pool once the close notification
// has been processed. A slot that never connected is released right away.
func (s *Socket) Close(ctx context.Context) error {
	s.mustBeValid()
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	st := s.state
	if st == stateAllocated && s.owned {
		s.resetLocked()
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if st != stateActive {
		return ErrClosed
	}

	var (
		cmd string
		err error
	)
	if s.m.mux.Load() {
		cmd, err = at.Set(at.CmdClose, s.id)
	} else {
		cmd = at.CmdClose
	}
	if err != nil {
		return err
	}

	_, err = s.m.Execute(ctx, Request{Cmd: cmd, Fail: at.ERROR})
	if errors.Is(err, ErrProtocol) && !s.usable() {
		// The peer closed first.
		return nil
	}
	return err
}

// usable reports whether the slot is allocated or connected.
func (s *Socket) usable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateAllocated || s.state == stateActive
}

// deliver stores a data frame in the ring and wakes the reader. It returns
// the number of bytes that did not fit.
func (s *Socket) deliver(p []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDraining {
		return 0
	}
	dropped := s.ring.put(p)
	s.signal()
	return dropped
}

// claim takes a free slot for a local caller. Every claim starts a new
// generation of the slot; lifecycle events stamped with an older one are
// ignored.
func (s *Socket) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateFree || s.task != nil || !s.ring.empty() {
		return false
	}
	s.gen++
	s.state = stateAllocated
	s.owned = true
	s.timeout = s.m.config.ReceiveTimeout
	return true
}

func (s *Socket) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// holdsLocked reports whether claim gen still owns the slot. The lifecycle
// task may already have marked it active.
func (s *Socket) holdsLocked(gen uint64) bool {
	return s.gen == gen && s.owned && (s.state == stateAllocated || s.state == stateActive)
}

// connected marks the slot of claim gen as open to peer once the chip
// confirmed the connect.
func (s *Socket) connected(gen uint64, peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holdsLocked(gen) {
		s.state = stateActive
		s.peer = peer
	}
}

// release returns the slot of claim gen after its connect attempt failed.
func (s *Socket) release(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holdsLocked(gen) {
		s.resetLocked()
	}
}

// disown hands the slot of claim gen over to an inbound connection that took
// the same channel.
func (s *Socket) disown(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.holdsLocked(gen) {
		return false
	}
	s.owned = false
	s.state = stateActive
	return true
}

// drain takes the slot out of service: the ring is emptied and a blocked
// reader is woken. It returns the done channel of the serving handler, if
// any. A notification from an earlier generation leaves the slot alone and
// drain reports false.
func (s *Socket) drain(gen uint64) (chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil, false
	}
	s.state = stateDraining
	s.ring.reset()
	s.signal()
	return s.task, true
}

// free returns a drained slot to the pool.
func (s *Socket) free() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Socket) resetLocked() {
	s.state = stateFree
	s.owned = false
	s.peer = ""
	s.task = nil
	s.log = nil
	s.ring.reset()
	s.timeout = s.m.config.ReceiveTimeout
	s.signal()
}

func (s *Socket) signal() {
	select {
	case s.arrived <- struct{}{}:
	default:
	}
}

// SocketInfo is a snapshot of a slot for status reporting.
type SocketInfo struct {
	Channel  int    `json:"channel"`
	State    string `json:"state"`
	Owned    bool   `json:"owned"`
	Serving  bool   `json:"serving"`
	Buffered int    `json:"buffered"`
	Peer     string `json:"peer,omitempty"`
}

// Info returns a snapshot of the slot.
func (s *Socket) Info() SocketInfo {
	s.mustBeValid()
	s.mu.Lock()
	defer s.mu.Unlock()
	return SocketInfo{
		Channel:  s.id,
		State:    s.state.String(),
		Owned:    s.owned,
		Serving:  s.task != nil,
		Buffered: s.ring.buffered(),
		Peer:     s.peer,
	}
}

func (s *Socket) mustBeValid() {
	if s == nil || s.m == nil {
		panic("modem: invalid socket handle")
	}
}

// Allocate reserves a free connection slot for a local caller. In single
// connection mode only the default channel can be allocated. Slots are
// scanned from the highest channel down; callers must not rely on which one
// they get.
func (m *Modem) Allocate() (*Socket, error) {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	mux := m.mux.Load()
	for i := len(m.sockets) - 1; i >= 0; i-- {
		if !mux && i != at.DefaultChannel {
			continue
		}
		if m.sockets[i].claim() {
			return m.sockets[i], nil
		}
	}
	return nil, ErrExhausted
}

// OpenTCP allocates a slot and connects it to host:port.
//
// If the chip reports the channel as already connected, an inbound
// connection won the race for it; the slot is handed to that connection and
// another one is allocated.
func (m *Modem) OpenTCP(ctx context.Context, host string, port int) (*Socket, error) {
	for {
		s, err := m.Allocate()
		if err != nil {
			return nil, err
		}
		gen := s.generation()

		args := []any{"TCP", host, port}
		if m.mux.Load() {
			args = append([]any{s.id}, args...)
		}
		cmd, err := at.Set(at.CmdStart, args...)
		if err != nil {
			s.release(gen)
			return nil, err
		}

		reply := make([]byte, 64)
		n, err := m.Execute(ctx, Request{Cmd: cmd, Fail: at.ERROR, Capture: reply})
		if err == nil || errors.Is(err, ErrTruncated) {
			s.connected(gen, net.JoinHostPort(host, strconv.Itoa(port)))
			return s, nil
		}
		if errors.Is(err, ErrProtocol) && bytes.Contains(reply[:n], []byte(at.AlreadyConn)) {
			m.log.Info("channel taken by inbound connection, retrying", "channel", s.id)
			if s.disown(gen) {
				m.serve(s)
			}
			continue
		}

		s.release(gen)
		return nil, fmt.Errorf("connect %s:%d: %w", host, port, err)
	}
}
