package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"i4.energy/across/wifigw/modem"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the admin server listens on (e.g. "0.0.0.0:8080")
	BindAddress string `yaml:"bind_address"`
	// SerialPort is the path to the chip's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string `yaml:"serial_port"`
	// BaudRate is the baud rate for serial communication with the chip (e.g. 115200)
	BaudRate int `yaml:"baud_rate"`
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string `yaml:"log_level"`

	// Multiplexing enables several concurrent connections on the chip
	Multiplexing bool `yaml:"multiplexing"`
	// WiFiMode is one of "station", "softap" or "station+softap"
	WiFiMode string `yaml:"wifi_mode"`
	// EchoPort is the port of the TCP echo service on the chip, 0 disables it
	EchoPort int `yaml:"echo_port"`

	// Station is the access point to join
	Station StationConfig `yaml:"station"`
	// SoftAP configures the chip's own access point, if SSID is set
	SoftAP modem.SoftAPConfig `yaml:"softap"`
}

// StationConfig holds the credentials of the access point to join
type StationConfig struct {
	SSID     string `yaml:"ssid"`
	Password string `yaml:"password"`
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	if _, err := modem.ParseWiFiMode(config.WiFiMode); err != nil {
		return nil, err
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = modem.DefaultBaudRate
		c.LogLevel = "info"
		c.Multiplexing = true
		c.EchoPort = 333
		return nil
	}
}

// WithFile loads configuration from a YAML file. Keys missing from the file
// keep their current value. An empty path is ignored.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if mux := os.Getenv("MULTIPLEXING"); mux != "" {
			if b, err := strconv.ParseBool(mux); err == nil {
				c.Multiplexing = b
			}
		}

		if mode := os.Getenv("WIFI_MODE"); mode != "" {
			c.WiFiMode = mode
		}

		if port := os.Getenv("ECHO_PORT"); port != "" {
			if p, err := strconv.Atoi(port); err == nil {
				c.EchoPort = p
			}
		}

		if ssid := os.Getenv("WIFI_SSID"); ssid != "" {
			c.Station.SSID = ssid
		}

		if password := os.Getenv("WIFI_PASSWORD"); password != "" {
			c.Station.Password = password
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				if b, err := strconv.Atoi(f.Value.String()); err == nil {
					c.BaudRate = b
				}
			case "log-level":
				c.LogLevel = f.Value.String()
			case "multiplexing":
				if b, err := strconv.ParseBool(f.Value.String()); err == nil {
					c.Multiplexing = b
				}
			case "wifi-mode":
				c.WiFiMode = f.Value.String()
			case "echo-port":
				if p, err := strconv.Atoi(f.Value.String()); err == nil {
					c.EchoPort = p
				}
			}

		})
		return nil
	}

}
