package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"i4.energy/across/wifigw/at"
	"i4.energy/across/wifigw/rxbuf"
)

// Modem drives an ESP8266-style WiFi chip over a single AT command link.
//
// The link carries command replies interleaved with unsolicited traffic:
// incoming data frames, connection lifecycle notifications and WiFi link
// notifications. Modem owns everything needed to demultiplex it: the receive
// buffer, the single pending command, the pool of connection slots and the
// two event queues. Loop runs the tasks that drive them.
type Modem struct {
	// transport provides the physical connection to the chip
	transport Transport
	config    Config
	log       *slog.Logger
	metrics   *metrics

	// rx is the receive buffer, consumed only by the dispatcher
	rx *rxbuf.Buffer

	closed      atomic.Bool
	loopStarted atomic.Bool

	// cmd is the command slot. Holding it grants the right to write to the
	// transport and to arm pending.
	cmd chan struct{}

	// pmu guards pending. The dispatcher holds it while matching sentinels,
	// callers hold it while arming and disarming.
	pmu     sync.Mutex
	pending *pending

	mux  atomic.Bool
	mode atomic.Int32
	link atomic.Int32

	// allocMu makes the scan-and-claim in Allocate atomic.
	allocMu sync.Mutex
	sockets []*Socket

	socketEvents chan SocketEvent
	wifiEvents   chan at.LinkEvent

	apLimiter *rate.Limiter

	// hmu guards handler and serveCtx.
	hmu      sync.Mutex
	handler  Handler
	serveCtx context.Context

	// stop cancels the running Loop.
	stopMu sync.Mutex
	stop   context.CancelFunc
}

// New creates a Modem with the given configuration and opens its Transport.
// No bytes are exchanged until Loop is running; call Init afterwards to put
// the chip into a known state.
func New(ctx context.Context, config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	met := newMetrics()
	if err := met.register(config.Registerer); err != nil {
		transport.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	m := &Modem{
		transport:    transport,
		config:       config,
		log:          config.Logger.With("component", "modem"),
		metrics:      met,
		rx:           rxbuf.New(rxbuf.DefaultDepth),
		cmd:          make(chan struct{}, 1),
		socketEvents: make(chan SocketEvent, config.EventQueue),
		wifiEvents:   make(chan at.LinkEvent, config.EventQueue),
		apLimiter:    rate.NewLimiter(rate.Every(config.APRestartEvery), config.APRestartBurst),
		serveCtx:     ctx,
	}
	m.mux.Store(config.Multiplexing)
	m.mode.Store(int32(config.WiFiMode))

	m.sockets = make([]*Socket, config.MaxConnections)
	for i := range m.sockets {
		m.sockets[i] = newSocket(m, i)
	}

	return m, nil
}

// Loop runs the receive pump, the dispatcher, the socket lifecycle task and
// the WiFi event task. It must be called exactly once after New and before
// any command is issued, and returns when ctx is cancelled, the Modem is
// closed, or the transport fails. A transport that reached end of file is
// reported as io.EOF.
//
// Usage:
//
//	m, err := modem.New(ctx, config)
//	if err != nil { return err }
//	go m.Loop(ctx)
//	if err := m.Init(ctx); err != nil { return err }
func (m *Modem) Loop(ctx context.Context) error {
	if m.closed.Load() {
		return ErrAlreadyClosed
	}
	if !m.loopStarted.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.stopMu.Lock()
	m.stop = cancel
	m.stopMu.Unlock()

	m.hmu.Lock()
	m.serveCtx = ctx
	m.hmu.Unlock()

	// The pump blocks in Read and only returns once the transport fails or
	// is closed, so it is not part of the group.
	go m.rx.Pump(ctx, m.transport)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.dispatch(gctx) })
	g.Go(func() error { return m.runLifecycle(gctx) })
	g.Go(func() error { return m.runWiFi(gctx) })

	err := g.Wait()
	m.log.Debug("loop stopped", "error", err)
	return err
}

// Close shuts down the Modem. It stops the Loop and closes the transport.
// After calling Close, the Modem cannot be reused.
func (m *Modem) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}

	m.stopMu.Lock()
	if m.stop != nil {
		m.stop()
	}
	m.stopMu.Unlock()

	return m.transport.Close()
}

// Init brings the chip into the configured state: it checks that the chip
// answers, disables command echo, sets the multiplexing mode and, if one is
// configured, the WiFi mode. Loop must be running.
func (m *Modem) Init(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.InitTimeout)
	defer cancel()

	if err := m.AT(ctx); err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}
	if err := m.EchoOff(ctx); err != nil {
		return fmt.Errorf("could not disable echo: %w", err)
	}
	if err := m.SetMultiplexing(ctx, m.config.Multiplexing); err != nil {
		return fmt.Errorf("set multiplexing: %w", err)
	}
	if m.config.WiFiMode != 0 {
		if err := m.SetWiFiMode(ctx, m.config.WiFiMode); err != nil {
			return fmt.Errorf("set WiFi mode: %w", err)
		}
	}
	return nil
}

// Multiplexed reports whether the chip is in multiple connection mode.
func (m *Modem) Multiplexed() bool {
	return m.mux.Load()
}

// Socket returns the connection slot of channel ch. It panics if ch is out
// of range.
func (m *Modem) Socket(ch int) *Socket {
	return m.sockets[ch]
}

// Sockets returns all connection slots in channel order.
func (m *Modem) Sockets() []*Socket {
	return append([]*Socket(nil), m.sockets...)
}

// SocketStatus returns a snapshot of every connection slot.
func (m *Modem) SocketStatus() []SocketInfo {
	out := make([]SocketInfo, len(m.sockets))
	for i, s := range m.sockets {
		out[i] = s.Info()
	}
	return out
}

func (m *Modem) slot(ch int) *Socket {
	if ch < 0 || ch >= len(m.sockets) {
		return nil
	}
	return m.sockets[ch]
}

// loopError turns the error that stopped the receive buffer into the error
// returned by Loop.
func loopError(err error) error {
	switch {
	case errors.Is(err, rxbuf.ErrClosed):
		return io.EOF
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("read error: %w", err)
	}
}
