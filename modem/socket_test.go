package modem_test

import (
	"context"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/wifigw/modem"
)

func multiplexed(b *modem.ConfigBuilder) {
	b.WithMultiplexing(true)
}

func isFree(s *modem.Socket) func() bool {
	return func() bool { return s.Info().State == "free" }
}

// stallLifecycle serves an inbound connection on channel 0 with a handler
// that does not return, then closes it. The lifecycle task waits for that
// handler until release is called, so notifications for other channels stay
// queued. served lists the channels the handler was started for.
func stallLifecycle(t *testing.T, tt *modem.TestTransport, m *modem.Modem) (release func(), served func() []int) {
	t.Helper()

	var (
		mu       sync.Mutex
		channels []int
	)
	stalled := make(chan struct{})
	release = sync.OnceFunc(func() { close(stalled) })
	t.Cleanup(release)

	err := m.Listen(context.Background(), 80, modem.HandlerFunc(func(ctx context.Context, s *modem.Socket) {
		mu.Lock()
		channels = append(channels, s.ID())
		mu.Unlock()
		if s.ID() == 0 {
			<-stalled
		}
	}))
	require.NoError(t, err)

	tt.SendData("0,CONNECT\r\n")
	require.Eventually(t, func() bool { return m.Socket(0).Info().Serving }, time.Second, 5*time.Millisecond)
	tt.SendData("0,CLOSED\r\n")
	require.Eventually(t, func() bool {
		return m.Socket(0).Info().State == "draining"
	}, time.Second, 5*time.Millisecond)

	return release, func() []int {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(channels)
	}
}

func TestSocketReceive(t *testing.T) {
	t.Run("Frames on one channel arrive in order", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m := startModem(t, tt, multiplexed)

		s, err := m.Allocate()
		require.NoError(t, err)
		assert.Equal(t, 4, s.ID())

		tt.SendData("\r\n+IPD,4,5:HELLO")
		tt.SendData("\r\n+IPD,4,5:WORLD")

		buf := make([]byte, 10)
		_, err = io.ReadFull(s, buf)
		require.NoError(t, err)
		assert.Equal(t, "HELLOWORLD", string(buf))
	})

	t.Run("Single connection frame split across reads", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m := startModem(t, tt)

		s, err := m.Allocate()
		require.NoError(t, err)
		assert.Equal(t, 0, s.ID())

		tt.SendData("\r\n+IPD,0,1")
		tt.SendData("0:HELLO")
		tt.SendData("WORLD")

		buf := make([]byte, 10)
		_, err = io.ReadFull(s, buf)
		require.NoError(t, err)
		assert.Equal(t, "HELLOWORLD", string(buf))
	})

	t.Run("Frames on different channels are kept apart", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m := startModem(t, tt, multiplexed)

		a, err := m.Allocate()
		require.NoError(t, err)
		b, err := m.Allocate()
		require.NoError(t, err)

		tt.SendData("\r\n+IPD,4,3:aaa\r\n+IPD,3,3:bbb\r\n+IPD,4,3:ccc")

		buf := make([]byte, 6)
		_, err = io.ReadFull(a, buf)
		require.NoError(t, err)
		assert.Equal(t, "aaaccc", string(buf))

		buf = make([]byte, 3)
		_, err = io.ReadFull(b, buf)
		require.NoError(t, err)
		assert.Equal(t, "bbb", string(buf))
	})

	t.Run("Large frame spills into the next packets", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m := startModem(t, tt, func(b *modem.ConfigBuilder) {
			b.WithPacketRing(4, 4)
		})

		s, err := m.Allocate()
		require.NoError(t, err)

		tt.SendData("\r\n+IPD,10:HELLOWORLD")
		assert.Eventually(t, func() bool { return s.Buffered() == 10 }, time.Second, 5*time.Millisecond)

		buf := make([]byte, 3)
		var got []byte
		for len(got) < 10 {
			n, err := s.Receive(context.Background(), buf)
			require.NoError(t, err)
			got = append(got, buf[:n]...)
		}
		assert.Equal(t, "HELLOWORLD", string(got))
	})

	t.Run("Overrun drops what does not fit", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		tt := modem.NewTestTransport()
		m := startModem(t, tt, func(b *modem.ConfigBuilder) {
			b.WithPacketRing(4, 4).WithMetrics(reg)
		})

		s, err := m.Allocate()
		require.NoError(t, err)

		tt.SendData("\r\n+IPD,10:HELLOWORLD\r\n+IPD,3:abc\r\nOK\r\n")
		assert.Eventually(t, func() bool {
			return metricValue(t, reg, "wifigw_socket_overruns_total") == 1
		}, time.Second, 5*time.Millisecond)

		buf := make([]byte, 10)
		_, err = io.ReadFull(s, buf)
		require.NoError(t, err)
		assert.Equal(t, "HELLOWORLD", string(buf))
		assert.Equal(t, 0, s.Buffered())
		assert.Equal(t, 13.0, metricValue(t, reg, "wifigw_socket_received_bytes_total"))
	})

	t.Run("Timeout", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m := startModem(t, tt)

		s, err := m.Allocate()
		require.NoError(t, err)
		s.SetTimeout(20 * time.Millisecond)

		_, err = s.Receive(context.Background(), make([]byte, 8))
		assert.ErrorIs(t, err, modem.ErrTimeout)
	})

	t.Run("Empty buffer returns immediately", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m := startModem(t, tt)

		s, err := m.Allocate()
		require.NoError(t, err)

		n, err := s.Receive(context.Background(), nil)
		assert.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Oversized frame header is dropped", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		tt := modem.NewTestTransport()
		m := startModem(t, tt, func(b *modem.ConfigBuilder) {
			b.WithMultiplexing(true).WithMetrics(reg)
		})

		s, err := m.Allocate()
		require.NoError(t, err)

		tt.SendData("\r\n+IPD,0,99999999:\r\n+IPD,4,3:abc")

		buf := make([]byte, 3)
		_, err = io.ReadFull(s, buf)
		require.NoError(t, err)
		assert.Equal(t, "abc", string(buf))
		assert.Equal(t, 1.0, metricValue(t, reg, "wifigw_at_protocol_errors_total"))
	})

	t.Run("Data for a channel out of range is dropped", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		tt := modem.NewTestTransport()
		startModem(t, tt, func(b *modem.ConfigBuilder) {
			b.WithMultiplexing(true).WithMaxConnections(2).WithMetrics(reg)
		})

		tt.SendData("\r\n+IPD,7,3:abc")
		assert.Eventually(t, func() bool {
			return metricValue(t, reg, "wifigw_at_protocol_errors_total") == 1
		}, time.Second, 5*time.Millisecond)
	})
}

func TestSocketAllocate(t *testing.T) {
	t.Run("Exhaustion", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m := startModem(t, tt, func(b *modem.ConfigBuilder) {
			b.WithMultiplexing(true).WithMaxConnections(3)
		})

		var sockets []*modem.Socket
		for range 3 {
			s, err := m.Allocate()
			require.NoError(t, err)
			sockets = append(sockets, s)
		}
		assert.Equal(t, 2, sockets[0].ID())
		assert.Equal(t, 0, sockets[2].ID())

		_, err := m.Allocate()
		assert.ErrorIs(t, err, modem.ErrExhausted)

		require.NoError(t, sockets[1].Close(context.Background()))
		s, err := m.Allocate()
		require.NoError(t, err)
		assert.Equal(t, 1, s.ID())
	})

	t.Run("Concurrent allocation", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m := startModem(t, tt, func(b *modem.ConfigBuilder) {
			b.WithMultiplexing(true).WithMaxConnections(3)
		})

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			ids  []int
			errs []error
		)
		start := make(chan struct{})
		for range 4 {
			wg.Go(func() {
				<-start
				s, err := m.Allocate()
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				ids = append(ids, s.ID())
			})
		}
		close(start)
		wg.Wait()

		slices.Sort(ids)
		assert.Equal(t, []int{0, 1, 2}, ids)
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], modem.ErrExhausted)
	})

	t.Run("Single connection mode has one slot", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m := startModem(t, tt)

		s, err := m.Allocate()
		require.NoError(t, err)
		assert.Equal(t, 0, s.ID())

		_, err = m.Allocate()
		assert.ErrorIs(t, err, modem.ErrExhausted)
	})

	t.Run("Slot with an inbound connection is skipped", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m := startModem(t, tt, multiplexed)

		tt.SendData("4,CONNECT\r\n")
		assert.Eventually(t, func() bool {
			return m.Socket(4).Info().State == "active"
		}, time.Second, 5*time.Millisecond)

		s, err := m.Allocate()
		require.NoError(t, err)
		assert.Equal(t, 3, s.ID())
	})
}

func TestSocketTeardown(t *testing.T) {
	t.Run("Blocked receive returns ErrClosed", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m := startModem(t, tt, multiplexed)

		s, err := m.Allocate()
		require.NoError(t, err)
		tt.SendData("4,CONNECT\r\n")
		assert.Eventually(t, func() bool { return s.Info().State == "active" }, time.Second, 5*time.Millisecond)

		done := make(chan error, 1)
		go func() {
			_, err := s.Receive(context.Background(), make([]byte, 8))
			done <- err
		}()

		tt.SendData("4,CLOSED\r\n")
		select {
		case err := <-done:
			assert.ErrorIs(t, err, modem.ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("receive was not woken by the close notification")
		}
		assert.Eventually(t, isFree(s), time.Second, 5*time.Millisecond)
	})

	t.Run("Connect failure frees the slot", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m := startModem(t, tt, multiplexed)

		s, err := m.Allocate()
		require.NoError(t, err)

		tt.SendData("4,CONNECT FAIL\r\n")
		assert.Eventually(t, isFree(s), time.Second, 5*time.Millisecond)

		_, err = s.Send(context.Background(), []byte("x"))
		assert.ErrorIs(t, err, modem.ErrClosed)
	})

	t.Run("Close of an open connection", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.OnWrite(replies(map[string][]string{
			"AT+CIPCLOSE=4\r\n": {"4,CLOSED\r\n\r\nOK\r\n"},
		}))
		m := startModem(t, tt, multiplexed)

		s, err := m.Allocate()
		require.NoError(t, err)
		tt.SendData("4,CONNECT\r\n")
		assert.Eventually(t, func() bool { return s.Info().State == "active" }, time.Second, 5*time.Millisecond)

		require.NoError(t, s.Close(context.Background()))
		assert.Eventually(t, isFree(s), time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, s.Close(context.Background()), modem.ErrClosed)
	})

	t.Run("Close after the peer already closed", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m := startModem(t, tt)

		s, err := m.Allocate()
		require.NoError(t, err)
		tt.SendData("CONNECT\r\n")
		assert.Eventually(t, func() bool { return s.Info().State == "active" }, time.Second, 5*time.Millisecond)

		tt.SendData("CLOSED\r\n")
		assert.Eventually(t, isFree(s), time.Second, 5*time.Millisecond)

		assert.ErrorIs(t, s.Close(context.Background()), modem.ErrClosed)
		assert.Empty(t, tt.Writes())
	})
}

func TestOpenTCP(t *testing.T) {
	t.Run("Connects the highest free channel", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.OnWrite(replies(map[string][]string{
			"AT+CIPSTART=4,\"TCP\",\"example.com\",80\r\n": {"4,CONNECT\r\n\r\nOK\r\n"},
		}))
		m := startModem(t, tt, multiplexed)

		s, err := m.OpenTCP(context.Background(), "example.com", 80)
		require.NoError(t, err)
		assert.Equal(t, 4, s.ID())
		assert.Eventually(t, func() bool { return s.Info().State == "active" }, time.Second, 5*time.Millisecond)
	})

	t.Run("Single connection mode", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.OnWrite(replies(map[string][]string{
			"AT+CIPSTART=\"TCP\",\"10.0.0.1\",8080\r\n": {"CONNECT\r\n\r\nOK\r\n"},
		}))
		m := startModem(t, tt)

		s, err := m.OpenTCP(context.Background(), "10.0.0.1", 8080)
		require.NoError(t, err)
		assert.Equal(t, 0, s.ID())
	})

	t.Run("Retries when an inbound connection took the channel", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.OnWrite(replies(map[string][]string{
			"AT+CIPSTART=4,\"TCP\",\"example.com\",80\r\n": {"ALREADY CONNECTED\r\n\r\nERROR\r\n"},
			"AT+CIPSTART=3,\"TCP\",\"example.com\",80\r\n": {"3,CONNECT\r\n\r\nOK\r\n"},
		}))
		m := startModem(t, tt, multiplexed)

		s, err := m.OpenTCP(context.Background(), "example.com", 80)
		require.NoError(t, err)
		assert.Equal(t, 3, s.ID())

		taken := m.Socket(4).Info()
		assert.False(t, taken.Owned)
		assert.NotEqual(t, "free", taken.State)
	})

	t.Run("Close before the connect notification was processed", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.OnWrite(replies(map[string][]string{
			"AT+CIPSERVER=1,80\r\n":                        {"\r\nOK\r\n"},
			"AT+CIPSTART=4,\"TCP\",\"example.com\",80\r\n": {"4,CONNECT\r\n\r\nOK\r\n"},
			"AT+CIPCLOSE=4\r\n":                            {"4,CLOSED\r\n\r\nOK\r\n"},
		}))
		m := startModem(t, tt, multiplexed)
		release, served := stallLifecycle(t, tt, m)

		s, err := m.OpenTCP(context.Background(), "example.com", 80)
		require.NoError(t, err)
		assert.Equal(t, 4, s.ID())
		assert.Equal(t, "active", s.Info().State)

		require.NoError(t, s.Close(context.Background()))
		assert.Contains(t, tt.Writes(), "AT+CIPCLOSE=4\r\n")

		release()
		assert.Eventually(t, isFree(s), time.Second, 5*time.Millisecond)
		assert.Equal(t, []int{0}, served())
	})

	t.Run("Late connect failure does not tear down the next connection", func(t *testing.T) {
		var attempts atomic.Int32
		script := replies(map[string][]string{
			"AT+CIPSERVER=1,80\r\n": {"\r\nOK\r\n"},
		})
		tt := modem.NewTestTransport()
		tt.OnWrite(func(p []byte) []string {
			if string(p) != "AT+CIPSTART=4,\"TCP\",\"example.com\",80\r\n" {
				return script(p)
			}
			if attempts.Add(1) == 1 {
				return []string{"4,CONNECT FAIL\r\n\r\nERROR\r\n"}
			}
			return []string{"4,CONNECT\r\n\r\nOK\r\n"}
		})
		reg := prometheus.NewRegistry()
		m := startModem(t, tt, func(b *modem.ConfigBuilder) {
			b.WithMultiplexing(true).WithMetrics(reg)
		})
		release, served := stallLifecycle(t, tt, m)

		_, err := m.OpenTCP(context.Background(), "example.com", 80)
		assert.ErrorIs(t, err, modem.ErrProtocol)

		s, err := m.OpenTCP(context.Background(), "example.com", 80)
		require.NoError(t, err)
		assert.Equal(t, 4, s.ID())

		release()
		// Handled by the lifecycle task after everything queued before it.
		tt.SendData("7,CLOSED\r\n")
		assert.Eventually(t, func() bool {
			return metricValue(t, reg, "wifigw_at_protocol_errors_total") == 1
		}, time.Second, 5*time.Millisecond)

		assert.Equal(t, modem.SocketInfo{Channel: 4, State: "active", Owned: true, Peer: "example.com:80"}, s.Info())
		assert.Equal(t, []int{0}, served())
	})

	t.Run("Rejected connect releases the slot", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.OnWrite(replies(map[string][]string{
			"AT+CIPSTART=4,\"TCP\",\"nowhere\",80\r\n": {"\r\nDNS Fail\r\n\r\nERROR\r\n"},
		}))
		m := startModem(t, tt, multiplexed)

		_, err := m.OpenTCP(context.Background(), "nowhere", 80)
		assert.ErrorIs(t, err, modem.ErrProtocol)
		assert.Equal(t, "free", m.Socket(4).Info().State)
	})
}
