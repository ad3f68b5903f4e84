package main

import (
	"context"
	"errors"

	"i4.energy/across/wifigw/modem"
)

// echo sends every received chunk back until the peer closes the connection
// or stays idle longer than the socket's receive timeout.
func echo(ctx context.Context, s *modem.Socket) {
	log := s.Logger()
	buf := make([]byte, modem.DefaultPacketSize)
	total := 0
	for {
		n, err := s.Receive(ctx, buf)
		if err != nil {
			if !errors.Is(err, modem.ErrClosed) {
				log.Info("Ending echo session", "reason", err)
			}
			log.Debug("Echo session done", "bytes", total)
			return
		}
		if _, err := s.Send(ctx, buf[:n]); err != nil {
			log.Warn("Failed to echo data", "error", err)
			return
		}
		total += n
	}
}
