package modem

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"i4.energy/across/wifigw/at"
)

// Request describes one command exchange.
type Request struct {
	// Cmd is written followed by CRLF.
	Cmd string
	// OK terminates a successful reply. Empty means at.OK.
	OK string
	// Fail terminates a rejected reply. Empty means the reply has no error
	// sentinel and only OK or the timeout end the exchange.
	Fail string
	// Capture receives the reply bytes in front of the sentinel.
	Capture []byte
	// Timeout bounds the exchange. Zero means the configured ATTimeout.
	Timeout time.Duration
}

type status int

const (
	statusNone status = iota
	statusInProgress
	statusOK
	statusError
	statusTimeout
	statusAborted
)

// pending is the context of the one armed command. Every field is guarded by
// Modem.pmu.
type pending struct {
	ok, fail  []byte
	capture   []byte
	n         int
	truncated bool
	status    status
	err       error
	done      chan struct{}
}

// collect appends reply bytes to the capture buffer, flagging what does not
// fit. Without a capture buffer the reply body is dropped.
func (p *pending) collect(b []byte) {
	if len(b) == 0 || p.capture == nil {
		return
	}
	n := copy(p.capture[p.n:], b)
	p.n += n
	if n < len(b) {
		p.truncated = true
	}
}

func (p *pending) finish(s status) {
	p.status = s
	close(p.done)
}

// Execute sends one command and waits for its terminating sentinel.
//
// Only one exchange is in flight at any time; concurrent callers block until
// the command slot is free or ctx is done. On success Execute returns the
// number of bytes captured. A reply that did not fit into Capture returns
// the captured count together with ErrTruncated. The error sentinel yields
// ErrProtocol, no sentinel in time yields ErrTimeout.
//
//	n, err := m.Execute(ctx, modem.Request{
//		Cmd:     at.Query(at.CmdMux),
//		Fail:    at.ERROR,
//		Capture: buf,
//	})
func (m *Modem) Execute(ctx context.Context, req Request) (int, error) {
	if err := m.acquire(ctx); err != nil {
		return 0, err
	}
	defer m.release()

	return m.exchange(ctx, []byte(req.Cmd+at.CRLF), req.OK, req.Fail, req.Capture, req.Timeout)
}

// acquire takes the command slot.
func (m *Modem) acquire(ctx context.Context) error {
	if m.closed.Load() {
		return ErrAlreadyClosed
	}
	select {
	case m.cmd <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("command cancelled before sending: %w", ctx.Err())
	}
}

// release frees the command slot and lets the dispatcher clear out whatever
// output the finished exchange left behind.
func (m *Modem) release() {
	<-m.cmd
	m.rx.Wakeup()
}

// result is the outcome of one armed wait.
type result struct {
	status    status
	n         int
	truncated bool
	err       error
}

// exchange arms the sentinels, writes out, and waits for the dispatcher to
// match one of them. The caller must hold the command slot.
func (m *Modem) exchange(ctx context.Context, out []byte, ok, fail string, capture []byte, timeout time.Duration) (int, error) {
	if ok == "" {
		ok = at.OK
	}
	if timeout <= 0 {
		timeout = m.config.ATTimeout
	}

	res := m.await(ctx, out, ok, fail, capture, timeout)
	switch res.status {
	case statusOK:
		m.metrics.Commands.WithLabelValues("ok").Inc()
		if res.truncated {
			return res.n, ErrTruncated
		}
		return res.n, nil
	case statusError:
		m.metrics.Commands.WithLabelValues("error").Inc()
		reply := strings.TrimSpace(string(capture[:res.n]))
		if reply == "" {
			reply = strings.TrimSpace(fail)
		}
		return res.n, fmt.Errorf("%w: %s", ErrProtocol, reply)
	case statusAborted:
		m.metrics.Commands.WithLabelValues("aborted").Inc()
		return 0, res.err
	default:
		m.metrics.Commands.WithLabelValues("timeout").Inc()
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("command timeout: %w", err)
		}
		return 0, fmt.Errorf("%w after %s waiting for %q", ErrTimeout, timeout, strings.TrimSpace(ok))
	}
}

// await arms ok and fail, writes out and blocks until the dispatcher matched
// one of them, the timeout elapsed or ctx is done. A nil out only arms, which
// is used to wait for a further reply to a command already written.
func (m *Modem) await(ctx context.Context, out []byte, ok, fail string, capture []byte, timeout time.Duration) result {
	if m.closed.Load() {
		return result{status: statusAborted, err: ErrAlreadyClosed}
	}

	p := &pending{
		ok:      []byte(ok),
		capture: capture,
		status:  statusInProgress,
		done:    make(chan struct{}),
	}
	if fail != "" {
		p.fail = []byte(fail)
	}

	m.pmu.Lock()
	m.pending = p
	m.pmu.Unlock()

	if len(out) > 0 {
		if _, err := m.transport.Write(out); err != nil {
			m.disarm(p)
			return result{
				status: statusAborted,
				err:    fmt.Errorf("write command %q: %w", bytes.TrimSpace(out), err),
			}
		}
	}
	m.rx.Wakeup()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	// The dispatcher may have matched between the timer firing and this
	// point, in which case its result stands.
	m.disarm(p)

	m.pmu.Lock()
	defer m.pmu.Unlock()
	return result{status: p.status, n: p.n, truncated: p.truncated, err: p.err}
}

// disarm clears p if it is still the armed command and marks it timed out.
func (m *Modem) disarm(p *pending) {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	if m.pending != p {
		return
	}
	m.pending = nil
	p.finish(statusTimeout)
}

// abortPending fails the armed command, if any, with err.
func (m *Modem) abortPending(err error) {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	if m.pending == nil {
		return
	}
	m.pending.err = err
	m.pending.finish(statusAborted)
	m.pending = nil
}
