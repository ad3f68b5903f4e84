package modem

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics contains the collectors of one Modem.
type metrics struct {
	Commands       *prometheus.CounterVec
	Overruns       *prometheus.CounterVec
	ReceivedBytes  *prometheus.CounterVec
	DroppedEvents  *prometheus.CounterVec
	ProtocolErrors prometheus.Counter
	DiscardedBytes prometheus.Counter
	LinkState      prometheus.Gauge
	Sessions       prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wifigw",
				Subsystem: "at",
				Name:      "commands_total",
				Help:      "Total number of command exchanges by outcome",
			},
			[]string{"outcome"},
		),

		Overruns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wifigw",
				Subsystem: "socket",
				Name:      "overruns_total",
				Help:      "Total number of data frames dropped because the receive ring was full",
			},
			[]string{"channel"},
		),

		ReceivedBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wifigw",
				Subsystem: "socket",
				Name:      "received_bytes_total",
				Help:      "Total number of payload bytes received in data frames",
			},
			[]string{"channel"},
		),

		DroppedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wifigw",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Total number of unsolicited events dropped because the queue was full",
			},
			[]string{"queue"},
		),

		ProtocolErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wifigw",
				Subsystem: "at",
				Name:      "protocol_errors_total",
				Help:      "Total number of malformed frames seen on the receive stream",
			},
		),

		DiscardedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wifigw",
				Subsystem: "at",
				Name:      "discarded_bytes_total",
				Help:      "Total number of bytes discarded because no command was waiting for them",
			},
		),

		LinkState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "wifigw",
				Subsystem: "wifi",
				Name:      "link_state",
				Help:      "Station link state (0=down, 1=associated, 2=got IP)",
			},
		),

		Sessions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wifigw",
				Subsystem: "server",
				Name:      "sessions_total",
				Help:      "Total number of inbound connections handed to the server handler",
			},
		),
	}
}

func (m *metrics) register(r prometheus.Registerer) error {
	if r == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{
		m.Commands,
		m.Overruns,
		m.ReceivedBytes,
		m.DroppedEvents,
		m.ProtocolErrors,
		m.DiscardedBytes,
		m.LinkState,
		m.Sessions,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
