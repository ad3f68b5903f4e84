package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/wifigw/modem"
)

type fakeDevice struct {
	stations []modem.Station
	err      error
	rtt      time.Duration
}

func (f *fakeDevice) LinkState() modem.LinkState { return modem.LinkReady }
func (f *fakeDevice) Multiplexed() bool          { return true }

func (f *fakeDevice) SocketStatus() []modem.SocketInfo {
	return []modem.SocketInfo{
		{Channel: 0, State: "active", Serving: true, Buffered: 3},
		{Channel: 1, State: "free"},
	}
}

func (f *fakeDevice) Stations(ctx context.Context) ([]modem.Station, error) {
	return f.stations, f.err
}

func (f *fakeDevice) Ping(ctx context.Context, host string) (time.Duration, error) {
	return f.rtt, f.err
}

func newTestServer(dev Device) *Server {
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "wifigw_test_total", Help: "test"})
	counter.Inc()
	reg := prometheus.NewRegistry()
	reg.MustRegister(counter)

	return &Server{
		Logger:   slog.New(slog.DiscardHandler),
		Modem:    dev,
		Gatherer: reg,
	}
}

func TestServer(t *testing.T) {
	t.Run("Status", func(t *testing.T) {
		srv := newTestServer(&fakeDevice{})

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

		var got struct {
			Link         string             `json:"link"`
			Multiplexing bool               `json:"multiplexing"`
			Sockets      []modem.SocketInfo `json:"sockets"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		assert.Equal(t, "ready", got.Link)
		assert.True(t, got.Multiplexing)
		require.Len(t, got.Sockets, 2)
		assert.Equal(t, "active", got.Sockets[0].State)
		assert.Equal(t, 3, got.Sockets[0].Buffered)
	})

	t.Run("Request id is kept", func(t *testing.T) {
		srv := newTestServer(&fakeDevice{})

		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.Header.Set("X-Request-ID", "abc")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
	})

	t.Run("Stations", func(t *testing.T) {
		srv := newTestServer(&fakeDevice{stations: []modem.Station{{IP: "192.168.4.2", MAC: "aa:bb:cc:dd:ee:ff"}}})

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stations", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[{"ip":"192.168.4.2","mac":"aa:bb:cc:dd:ee:ff"}]`, rec.Body.String())
	})

	t.Run("No stations", func(t *testing.T) {
		srv := newTestServer(&fakeDevice{})

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stations", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("Stations error", func(t *testing.T) {
		srv := newTestServer(&fakeDevice{err: modem.ErrTimeout})

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stations", nil))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Contains(t, rec.Body.String(), "timeout")
	})

	t.Run("Ping", func(t *testing.T) {
		srv := newTestServer(&fakeDevice{rtt: 12 * time.Millisecond})

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping?host=192.168.4.2", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"host":"192.168.4.2","rtt_ms":12}`, rec.Body.String())
	})

	t.Run("Ping without host", func(t *testing.T) {
		srv := newTestServer(&fakeDevice{})

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Ping failure", func(t *testing.T) {
		srv := newTestServer(&fakeDevice{err: errors.New("unreachable")})

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping?host=10.0.0.1", nil))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("Metrics", func(t *testing.T) {
		srv := newTestServer(&fakeDevice{})

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, strings.Contains(rec.Body.String(), "wifigw_test_total 1"))
	})

	t.Run("Method not allowed", func(t *testing.T) {
		srv := newTestServer(&fakeDevice{})

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
