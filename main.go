package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"i4.energy/across/wifigw/modem"
)

func main() {
	configFile := flag.String("config", "", "Path to a YAML configuration file")
	flag.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the chip")
	flag.Int("baud-rate", modem.DefaultBaudRate, "Baud rate for serial communication")
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the admin HTTP server")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Bool("multiplexing", true, "Enable multiple connections on the chip")
	flag.String("wifi-mode", "", "WiFi mode (station, softap, station+softap)")
	flag.Int("echo-port", 333, "Port of the TCP echo service on the chip, 0 to disable")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithFile(*configFile), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	// Checked by LoadConfig
	wifiMode, _ := modem.ParseWiFiMode(config.WiFiMode)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	modemConfig, err := modem.NewConfigBuilder().
		WithATTimeout(5 * time.Second).
		WithInitTimeout(30 * time.Second).
		WithMultiplexing(config.Multiplexing).
		WithWiFiMode(wifiMode).
		WithLogger(logger).
		WithMetrics(registry).
		WithDialer(modem.SerialDialer{
			PortName: config.SerialPort,
			BaudRate: config.BaudRate,
		}).
		Build()
	if err != nil {
		logger.Error("Failed to create modem config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := modem.New(ctx, modemConfig)
	if err != nil {
		logger.Error("Failed to create modem", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting WiFi Gateway", "serial_port", config.SerialPort, "multiplexing", config.Multiplexing)

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- m.Loop(ctx)
	}()

	if err := bringUp(ctx, m, config, logger); err != nil {
		logger.Error("Failed to bring up the chip", "error", err)
		m.Close()
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger:   logger.With("component", "server"),
			Modem:    m,
			Gatherer: registry,
		},
	}

	// Start HTTP server in a goroutine
	go func() {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal or loss of the chip
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-loopDone:
		if err != nil && !errors.Is(err, io.EOF) {
			logger.Error("Modem loop stopped", "error", err)
		} else {
			logger.Warn("Serial link closed")
		}
	}

	logger.Info("Closing modem connection")
	if err := m.Close(); err != nil && !errors.Is(err, modem.ErrAlreadyClosed) {
		logger.Error("Failed to close modem", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("Closing HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "error", err)
		os.Exit(1)
	}
}

// bringUp puts the chip into the configured state: modes, soft AP, station
// link and the echo service.
func bringUp(ctx context.Context, m *modem.Modem, config *Config, logger *slog.Logger) error {
	if err := m.Init(ctx); err != nil {
		return err
	}

	if version, err := m.Version(ctx); err == nil {
		logger.Info("Chip firmware", "version", version)
	}

	if config.SoftAP.SSID != "" {
		if err := m.SetSoftAP(ctx, config.SoftAP); err != nil {
			return err
		}
		logger.Info("Soft AP configured", "ssid", config.SoftAP.SSID)
	}

	if config.Station.SSID != "" {
		if err := m.JoinAP(ctx, config.Station.SSID, config.Station.Password); err != nil {
			// The chip keeps retrying on its own; link events report the outcome.
			logger.Warn("Failed to join access point", "ssid", config.Station.SSID, "error", err)
		}
	}

	if config.EchoPort > 0 && config.Multiplexing {
		if err := m.Listen(ctx, config.EchoPort, modem.HandlerFunc(echo)); err != nil {
			return err
		}
	}
	return nil
}
