package modem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/wifigw/at"
)

// WiFiMode is the radio role of the chip.
type WiFiMode int

const (
	ModeStation   WiFiMode = 1
	ModeSoftAP    WiFiMode = 2
	ModeStationAP WiFiMode = 3
)

func (w WiFiMode) String() string {
	switch w {
	case ModeStation:
		return "station"
	case ModeSoftAP:
		return "softap"
	case ModeStationAP:
		return "station+softap"
	default:
		return "unset"
	}
}

// ParseWiFiMode accepts the names returned by String.
func ParseWiFiMode(s string) (WiFiMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unset":
		return 0, nil
	case "station", "sta":
		return ModeStation, nil
	case "softap", "ap":
		return ModeSoftAP, nil
	case "station+softap", "sta+ap", "both":
		return ModeStationAP, nil
	}
	return 0, fmt.Errorf("unknown WiFi mode %q", s)
}

// Encryption of a soft AP or scanned network.
type Encryption int

const (
	EncOpen       Encryption = 0
	EncWPAPSK     Encryption = 2
	EncWPA2PSK    Encryption = 3
	EncWPAWPA2PSK Encryption = 4
)

// defaultAPChannel is used by SetSoftAP when no radio channel is given.
const defaultAPChannel = 1

// AccessPoint is one entry of a network scan.
type AccessPoint struct {
	Encryption Encryption `json:"encryption"`
	SSID       string     `json:"ssid"`
	RSSI       int        `json:"rssi"`
	MAC        string     `json:"mac"`
	Channel    int        `json:"channel"`
}

// SoftAPConfig is the configuration of the chip's own access point.
type SoftAPConfig struct {
	SSID       string     `json:"ssid" yaml:"ssid"`
	Password   string     `json:"-" yaml:"password"`
	Channel    int        `json:"channel" yaml:"channel"`
	Encryption Encryption `json:"encryption" yaml:"encryption"`
}

// Station is a client associated with the soft AP.
type Station struct {
	IP  string `json:"ip"`
	MAC string `json:"mac"`
}

const (
	replySize     = 128
	listReplySize = 2048
	joinTimeout   = 20 * time.Second
	scanTimeout   = 10 * time.Second
	resetTimeout  = 5 * time.Second
)

// expectOK runs cmd and only checks that it succeeded.
func (m *Modem) expectOK(ctx context.Context, cmd string) error {
	_, err := m.Execute(ctx, Request{Cmd: cmd, Fail: at.ERROR})
	return err
}

// query runs cmd and returns its reply body.
func (m *Modem) query(ctx context.Context, cmd string, size int, timeout time.Duration) (string, error) {
	buf := make([]byte, size)
	n, err := m.Execute(ctx, Request{Cmd: cmd, Fail: at.ERROR, Capture: buf, Timeout: timeout})
	if err != nil && !errors.Is(err, ErrTruncated) {
		return "", err
	}
	return string(buf[:n]), err
}

// field runs a query and extracts its "+NAME:" value.
func (m *Modem) field(ctx context.Context, cmd, name string) (string, error) {
	body, err := m.query(ctx, at.Query(cmd), replySize, 0)
	if err != nil {
		return "", err
	}
	v, ok := at.Field(body, name)
	if !ok {
		return "", fmt.Errorf("%w: no %s in %q", ErrProtocol, name, body)
	}
	return v, nil
}

// AT checks that the chip answers.
func (m *Modem) AT(ctx context.Context) error {
	return m.expectOK(ctx, at.CmdAt)
}

// Reset restarts the chip firmware. Settings made with Init are lost.
func (m *Modem) Reset(ctx context.Context) error {
	_, err := m.Execute(ctx, Request{Cmd: at.CmdReset, Fail: at.ERROR, Timeout: resetTimeout})
	return err
}

// EchoOff stops the chip from echoing commands.
func (m *Modem) EchoOff(ctx context.Context) error {
	return m.expectOK(ctx, at.CmdEchoOff)
}

// Version returns the firmware version report.
func (m *Modem) Version(ctx context.Context) (string, error) {
	body, err := m.query(ctx, at.CmdVersion, replySize, 0)
	return strings.TrimSpace(body), err
}

// SetWiFiMode sets the radio role.
func (m *Modem) SetWiFiMode(ctx context.Context, mode WiFiMode) error {
	cmd, err := at.Set(at.CmdWiFiMode, int(mode))
	if err != nil {
		return err
	}
	if err := m.expectOK(ctx, cmd); err != nil {
		return err
	}
	m.mode.Store(int32(mode))
	return nil
}

// WiFiMode queries the radio role.
func (m *Modem) WiFiMode(ctx context.Context) (WiFiMode, error) {
	v, err := m.field(ctx, at.CmdWiFiMode, strings.TrimPrefix(at.CmdWiFiMode, "AT"))
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: bad WiFi mode %q", ErrProtocol, v)
	}
	mode := WiFiMode(n)
	m.mode.Store(int32(mode))
	return mode, nil
}

// ListAPs scans for access points.
func (m *Modem) ListAPs(ctx context.Context) ([]AccessPoint, error) {
	body, err := m.query(ctx, at.CmdListAP, listReplySize, scanTimeout)
	if err != nil && !errors.Is(err, ErrTruncated) {
		return nil, err
	}

	var aps []AccessPoint
	for _, line := range strings.Split(body, at.CRLF) {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "+CWLAP:")
		if !ok {
			continue
		}
		v = strings.TrimSuffix(strings.TrimPrefix(v, "("), ")")
		f := at.Unquote(v)
		if len(f) < 5 {
			continue
		}
		ap := AccessPoint{SSID: f[1], MAC: f[3]}
		enc, _ := strconv.Atoi(f[0])
		ap.Encryption = Encryption(enc)
		ap.RSSI, _ = strconv.Atoi(f[2])
		ap.Channel, _ = strconv.Atoi(f[4])
		aps = append(aps, ap)
	}
	return aps, err
}

// JoinAP connects the station to an access point.
func (m *Modem) JoinAP(ctx context.Context, ssid, password string) error {
	cmd, err := at.Set(at.CmdJoinAP, ssid, password)
	if err != nil {
		return err
	}
	reply := make([]byte, replySize)
	n, err := m.Execute(ctx, Request{Cmd: cmd, Fail: at.FAIL, Capture: reply, Timeout: joinTimeout})
	if errors.Is(err, ErrProtocol) {
		if code, ok := at.Field(string(reply[:n]), "+CWJAP"); ok {
			return fmt.Errorf("join %q: %w (reason %s)", ssid, ErrProtocol, code)
		}
	}
	if err != nil && !errors.Is(err, ErrTruncated) {
		return fmt.Errorf("join %q: %w", ssid, err)
	}
	return nil
}

// CurrentAP returns the SSID the station is connected to, or "" if none.
func (m *Modem) CurrentAP(ctx context.Context) (string, error) {
	body, err := m.query(ctx, at.Query(at.CmdJoinAP), replySize, 0)
	if err != nil && !errors.Is(err, ErrTruncated) {
		return "", err
	}
	v, ok := at.Field(body, "+CWJAP_CUR")
	if !ok {
		return "", nil
	}
	return at.Unquote(v)[0], nil
}

// QuitAP disconnects the station from its access point.
func (m *Modem) QuitAP(ctx context.Context) error {
	return m.expectOK(ctx, at.CmdQuitAP)
}

// Ping sends an ICMP echo to host and returns the round trip time.
func (m *Modem) Ping(ctx context.Context, host string) (time.Duration, error) {
	cmd, err := at.Set(at.CmdPing, host)
	if err != nil {
		return 0, err
	}
	body, err := m.query(ctx, cmd, replySize, scanTimeout)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(body, at.CRLF) {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "+"); ok {
			if ms, err := strconv.Atoi(v); err == nil {
				return time.Duration(ms) * time.Millisecond, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: no round trip time in %q", ErrProtocol, body)
}

// SetMultiplexing switches between single and multiple connection mode.
// Multiple connection mode is required by Listen.
func (m *Modem) SetMultiplexing(ctx context.Context, on bool) error {
	cmd, err := at.Set(at.CmdMux, on)
	if err != nil {
		return err
	}
	if err := m.expectOK(ctx, cmd); err != nil {
		return err
	}
	m.mux.Store(on)
	return nil
}

// Multiplexing queries the connection mode.
func (m *Modem) Multiplexing(ctx context.Context) (bool, error) {
	v, err := m.field(ctx, at.CmdMux, "+CIPMUX")
	if err != nil {
		return false, err
	}
	on := v == "1"
	m.mux.Store(on)
	return on, nil
}

// SetSoftAP configures the chip's own access point.
func (m *Modem) SetSoftAP(ctx context.Context, c SoftAPConfig) error {
	ch := c.Channel
	if ch == 0 {
		ch = defaultAPChannel
	}
	cmd, err := at.Set(at.CmdSoftAP, c.SSID, c.Password, ch, int(c.Encryption))
	if err != nil {
		return err
	}
	return m.expectOK(ctx, cmd)
}

// SoftAP queries the configuration of the chip's own access point.
func (m *Modem) SoftAP(ctx context.Context) (SoftAPConfig, error) {
	v, err := m.field(ctx, at.CmdSoftAP, "+CWSAP_CUR")
	if err != nil {
		return SoftAPConfig{}, err
	}
	f := at.Unquote(v)
	if len(f) < 4 {
		return SoftAPConfig{}, fmt.Errorf("%w: bad soft AP reply %q", ErrProtocol, v)
	}
	c := SoftAPConfig{SSID: f[0], Password: f[1]}
	c.Channel, _ = strconv.Atoi(f[2])
	enc, _ := strconv.Atoi(f[3])
	c.Encryption = Encryption(enc)
	return c, nil
}

// Stations lists the clients associated with the soft AP.
func (m *Modem) Stations(ctx context.Context) ([]Station, error) {
	body, err := m.query(ctx, at.CmdStations, listReplySize, 0)
	if err != nil && !errors.Is(err, ErrTruncated) {
		return nil, err
	}
	var out []Station
	for _, line := range strings.Split(body, at.CRLF) {
		f := at.Unquote(strings.TrimSpace(line))
		if len(f) < 2 || f[0] == "" {
			continue
		}
		out = append(out, Station{IP: f[0], MAC: f[1]})
	}
	return out, err
}
