package modem

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Defaults applied by Build and New for every zero field.
const (
	DefaultATTimeout       = 5 * time.Second
	DefaultInitTimeout     = 30 * time.Second
	DefaultSendTimeout     = 10 * time.Second
	DefaultBusyTimeout     = 500 * time.Millisecond
	DefaultReceiveTimeout  = 10 * time.Second
	DefaultTeardownTimeout = 5 * time.Second
	DefaultMaxConnections  = 5
	DefaultRingPackets     = 5
	DefaultPacketSize      = 512
	DefaultEventQueue      = 16
	DefaultAPRestartEvery  = 30 * time.Second
	DefaultAPRestartBurst  = 1
)

// Config holds the settings of a Modem. Use NewConfigBuilder to create one.
type Config struct {
	Dialer Dialer

	// ATTimeout bounds a plain command exchange.
	ATTimeout time.Duration
	// InitTimeout bounds the whole Init sequence.
	InitTimeout time.Duration
	// SendTimeout bounds the wait for SEND OK after a payload was accepted.
	SendTimeout time.Duration
	// BusyTimeout bounds the short waits of a send, such as draining a busy
	// notice.
	BusyTimeout time.Duration

	// Multiplexing enables several concurrent connections (AT+CIPMUX=1).
	Multiplexing bool
	// WiFiMode is applied by Init. Zero leaves the chip's mode untouched.
	WiFiMode WiFiMode

	MaxConnections int
	// RingPackets and PacketSize shape the per-connection receive ring. One
	// packet always stays unused, so RingPackets-1 packets hold data.
	RingPackets     int
	PacketSize      int
	ReceiveTimeout  time.Duration
	TeardownTimeout time.Duration
	EventQueue      int

	// APRestartEvery and APRestartBurst throttle the soft-AP recovery issued
	// on station disconnects.
	APRestartEvery time.Duration
	APRestartBurst int

	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.ATTimeout == 0 {
		c.ATTimeout = DefaultATTimeout
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = DefaultBusyTimeout
	}
	if c.MaxConnections <= 0 || c.MaxConnections > 10 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.RingPackets < 2 {
		c.RingPackets = DefaultRingPackets
	}
	if c.PacketSize <= 0 {
		c.PacketSize = DefaultPacketSize
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.TeardownTimeout == 0 {
		c.TeardownTimeout = DefaultTeardownTimeout
	}
	if c.EventQueue <= 0 {
		c.EventQueue = DefaultEventQueue
	}
	if c.APRestartEvery == 0 {
		c.APRestartEvery = DefaultAPRestartEvery
	}
	if c.APRestartBurst <= 0 {
		c.APRestartBurst = DefaultAPRestartBurst
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConfigBuilder assembles a Config step by step.
//
//	config, err := modem.NewConfigBuilder().
//		WithDialer(modem.SerialDialer{PortName: "/dev/ttyUSB0"}).
//		WithMultiplexing(true).
//		Build()
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.InitTimeout = d
	return b
}

// WithSendTimeouts sets the long wait for the final send result and the
// short waits around it.
func (b *ConfigBuilder) WithSendTimeouts(final, short time.Duration) *ConfigBuilder {
	b.config.SendTimeout = final
	b.config.BusyTimeout = short
	return b
}

func (b *ConfigBuilder) WithMultiplexing(on bool) *ConfigBuilder {
	b.config.Multiplexing = on
	return b
}

func (b *ConfigBuilder) WithWiFiMode(mode WiFiMode) *ConfigBuilder {
	b.config.WiFiMode = mode
	return b
}

func (b *ConfigBuilder) WithMaxConnections(n int) *ConfigBuilder {
	b.config.MaxConnections = n
	return b
}

// WithPacketRing shapes the per-connection receive ring.
func (b *ConfigBuilder) WithPacketRing(packets, size int) *ConfigBuilder {
	b.config.RingPackets = packets
	b.config.PacketSize = size
	return b
}

func (b *ConfigBuilder) WithReceiveTimeout(d time.Duration) *ConfigBuilder {
	b.config.ReceiveTimeout = d
	return b
}

func (b *ConfigBuilder) WithTeardownTimeout(d time.Duration) *ConfigBuilder {
	b.config.TeardownTimeout = d
	return b
}

func (b *ConfigBuilder) WithEventQueue(n int) *ConfigBuilder {
	b.config.EventQueue = n
	return b
}

func (b *ConfigBuilder) WithAPRestartLimit(every time.Duration, burst int) *ConfigBuilder {
	b.config.APRestartEvery = every
	b.config.APRestartBurst = burst
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

// WithMetrics registers the modem's collectors on r.
func (b *ConfigBuilder) WithMetrics(r prometheus.Registerer) *ConfigBuilder {
	b.config.Registerer = r
	return b
}

// Build validates the configuration and fills in defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	c.setDefaults()
	return c, nil
}
