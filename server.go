package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"i4.energy/across/wifigw/modem"
)

// Device is the part of the modem the admin server reports on.
type Device interface {
	LinkState() modem.LinkState
	Multiplexed() bool
	SocketStatus() []modem.SocketInfo
	Stations(ctx context.Context) ([]modem.Station, error)
	Ping(ctx context.Context, host string) (time.Duration, error)
}

// Server handles incoming HTTP requests for inspecting the configured modem
// instance
type Server struct {
	Logger   *slog.Logger
	Modem    Device
	Gatherer prometheus.Gatherer
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)
	log := s.Logger.With("request_id", requestID)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /stations", func(w http.ResponseWriter, r *http.Request) {
		s.handleStations(w, r, log)
	})
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		s.handlePing(w, r, log)
	})
	if s.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleStatus reports the link state and every connection slot
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type StatusResponse struct {
		Link         string             `json:"link"`
		Multiplexing bool               `json:"multiplexing"`
		Sockets      []modem.SocketInfo `json:"sockets"`
	}

	s.sendJSON(w, StatusResponse{
		Link:         s.Modem.LinkState().String(),
		Multiplexing: s.Modem.Multiplexed(),
		Sockets:      s.Modem.SocketStatus(),
	})
}

// handleStations lists the clients of the chip's soft AP
func (s *Server) handleStations(w http.ResponseWriter, r *http.Request, log *slog.Logger) {
	stations, err := s.Modem.Stations(r.Context())
	if err != nil {
		log.Error("Failed to list stations", "error", err)
		s.sendError(w, err.Error(), http.StatusBadGateway)
		return
	}
	if stations == nil {
		stations = []modem.Station{}
	}
	s.sendJSON(w, stations)
}

// handlePing measures the round trip time from the chip to a host
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request, log *slog.Logger) {
	host := r.URL.Query().Get("host")
	if host == "" {
		s.sendError(w, "'host' parameter is required", http.StatusBadRequest)
		return
	}

	rtt, err := s.Modem.Ping(r.Context(), host)
	if err != nil {
		log.Error("Ping failed", "error", err, "host", host)
		s.sendError(w, err.Error(), http.StatusBadGateway)
		return
	}

	type PingResponse struct {
		Host string `json:"host"`
		RTT  int64  `json:"rtt_ms"`
	}
	s.sendJSON(w, PingResponse{Host: host, RTT: rtt.Milliseconds()})
}
