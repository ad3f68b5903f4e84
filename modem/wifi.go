package modem

import (
	"context"

	"i4.energy/across/wifigw/at"
)

// LinkState is the station link state derived from WiFi notifications.
type LinkState int32

const (
	LinkDown LinkState = iota
	LinkAssociated
	LinkReady
)

func (s LinkState) String() string {
	switch s {
	case LinkAssociated:
		return "associated"
	case LinkReady:
		return "ready"
	default:
		return "down"
	}
}

// LinkState returns the station link state as last reported by the chip.
func (m *Modem) LinkState() LinkState {
	return LinkState(m.link.Load())
}

// runWiFi consumes WiFi link events one at a time.
func (m *Modem) runWiFi(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.wifiEvents:
			m.handleWiFiEvent(ctx, ev)
		}
	}
}

func (m *Modem) handleWiFiEvent(ctx context.Context, ev at.LinkEvent) {
	var state LinkState
	switch ev {
	case at.LinkConnected:
		state = LinkAssociated
	case at.LinkGotIP:
		state = LinkReady
	case at.LinkDisconnected:
		state = LinkDown
	}
	m.metrics.LinkState.Set(float64(state))
	m.link.Store(int32(state))
	m.log.Info("WiFi link changed", "event", ev.String(), "state", state.String())

	if ev != at.LinkDisconnected || WiFiMode(m.mode.Load()) != ModeStationAP {
		return
	}

	// In combined mode a station disconnect leaves the soft AP unstable.
	// Quitting the AP connection makes the radio restart it cleanly.
	if !m.apLimiter.Allow() {
		m.log.Warn("soft AP restart throttled")
		return
	}
	if err := m.QuitAP(ctx); err != nil {
		m.log.Error("soft AP restart failed", "error", err)
	}
}
