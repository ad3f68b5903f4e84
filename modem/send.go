package modem

import (
	"context"
	"errors"
	"fmt"

	"i4.energy/across/wifigw/at"
)

// MaxSendChunk is the largest payload the chip accepts per transmission.
const MaxSendChunk = 2048

// send transmits p on s in chunks of at most MaxSendChunk bytes. The command
// slot is held for the whole payload so no other exchange interleaves with
// the stages of a transmission.
func (m *Modem) send(ctx context.Context, s *Socket, p []byte) (int, error) {
	if err := m.acquire(ctx); err != nil {
		return 0, err
	}
	defer m.release()

	sent := 0
	for len(p) > 0 {
		if !s.usable() {
			return sent, ErrClosed
		}
		chunk := p[:min(len(p), MaxSendChunk)]
		if err := m.sendChunk(ctx, s.id, chunk); err != nil {
			return sent, fmt.Errorf("send on channel %d: %w", s.id, err)
		}
		sent += len(chunk)
		p = p[len(chunk):]
	}
	return sent, nil
}

// sendChunk runs one transmission:
//
//  1. AT+CIPSEND announces the length, the chip answers with a prompt.
//  2. The raw payload is written, the chip echoes the received length.
//  3. A busy notice the chip may interleave is drained. A SEND OK that
//     arrives first ends the transmission right away.
//  4. SEND OK or SEND FAIL ends the transmission. If neither arrives in
//     time, one more short wait gives a late SEND FAIL the chance to be
//     recognised before giving up.
func (m *Modem) sendChunk(ctx context.Context, ch int, chunk []byte) error {
	args := []any{len(chunk)}
	if m.mux.Load() {
		args = []any{ch, len(chunk)}
	}
	cmd, err := at.Set(at.CmdSend, args...)
	if err != nil {
		return err
	}

	if _, err := m.exchange(ctx, []byte(cmd+at.CRLF), at.SendPrompt, at.ERROR, nil, m.config.ATTimeout); err != nil {
		return fmt.Errorf("await prompt: %w", err)
	}

	if _, err := m.exchange(ctx, chunk, at.RecvAck(len(chunk)), at.SendFail, nil, m.config.ATTimeout); err != nil {
		return fmt.Errorf("await receive ack: %w", err)
	}

	res := m.await(ctx, nil, at.Busy, at.SendOK, nil, m.config.BusyTimeout)
	switch res.status {
	case statusError:
		// SEND OK came before any busy notice.
		m.metrics.Commands.WithLabelValues("ok").Inc()
		return nil
	case statusAborted:
		return res.err
	}

	_, err = m.exchange(ctx, nil, at.SendOK, at.SendFail, nil, m.config.SendTimeout)
	if !errors.Is(err, ErrTimeout) {
		return err
	}
	if _, retry := m.exchange(ctx, nil, at.SendOK, at.SendFail, nil, m.config.BusyTimeout); !errors.Is(retry, ErrTimeout) {
		return retry
	}
	return err
}
