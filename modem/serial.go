package modem

import (
	"context"
	"errors"
	"fmt"

	"go.bug.st/serial"
)

// DefaultBaudRate is the factory UART speed of ESP8266 AT firmware.
const DefaultBaudRate = 115200

// SerialDialer opens the chip's UART using go.bug.st/serial.
type SerialDialer struct {
	PortName string
	// BaudRate is used when Mode is nil. Zero means DefaultBaudRate.
	BaudRate int
	// Mode overrides the complete line settings. Nil means 8N1.
	Mode *serial.Mode
}

func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if d.PortName == "" {
		return nil, errors.New("esp: serial port name is required")
	}
	if ctx == nil {
		return nil, errors.New("esp: context is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	port, err := serial.Open(d.PortName, d.mode())
	if err != nil {
		return nil, fmt.Errorf("esp: open %s: %w", d.PortName, err)
	}
	return port, nil
}

// mode returns the line settings used to open the port.
func (d SerialDialer) mode() *serial.Mode {
	if d.Mode != nil {
		return d.Mode
	}
	baud := d.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	return &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
}
