// Package config loads the YAML configuration for the broker and the client
// library. Absent keys keep their defaults; the core reads no environment
// variables.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Broker BrokerConfig `yaml:"broker"`
	Client ClientConfig `yaml:"client"`
	Log    LogConfig    `yaml:"log"`
}

type BrokerConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	HeartbeatSeconds      int    `yaml:"heartbeat_seconds"`
	ClientTimeoutSeconds  int    `yaml:"client_timeout_seconds"`
	YapBufferMs           int    `yaml:"yap_buffer_ms"`
	YapBufferCap          int    `yaml:"yap_buffer_cap"`
	MaxClarificationQueue int    `yaml:"max_clarification_queue"`
	SendQueueSize         int    `yaml:"send_queue_size"`
	MetricsAddr           string `yaml:"metrics_addr"`
}

// Addr is the listen address in host:port form.
func (b BrokerConfig) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

func (b BrokerConfig) Heartbeat() time.Duration {
	return time.Duration(b.HeartbeatSeconds) * time.Second
}

func (b BrokerConfig) ClientTimeout() time.Duration {
	return time.Duration(b.ClientTimeoutSeconds) * time.Second
}

func (b BrokerConfig) YapBufferWindow() time.Duration {
	return time.Duration(b.YapBufferMs) * time.Millisecond
}

type ClientConfig struct {
	ReconnectDelayMs     int `yaml:"reconnect_delay_ms"`
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	HeartbeatSeconds     int `yaml:"heartbeat_seconds"`
	ConnectTimeoutMs     int `yaml:"connect_timeout_ms"`
}

func (c ClientConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

func (c ClientConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

func (c ClientConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:                  "127.0.0.1",
			Port:                  8765,
			HeartbeatSeconds:      5,
			ClientTimeoutSeconds:  15,
			YapBufferMs:           200,
			YapBufferCap:          50,
			MaxClarificationQueue: 10,
			SendQueueSize:         64,
		},
		Client: ClientConfig{
			ReconnectDelayMs:     1000,
			MaxReconnectAttempts: 10,
			HeartbeatSeconds:     5,
			ConnectTimeoutMs:     5000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML file and overlays it on the defaults.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filename, err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	b := c.Broker
	if b.Port < 1 || b.Port > 65535 {
		return fmt.Errorf("broker.port %d out of range", b.Port)
	}
	if b.HeartbeatSeconds <= 0 {
		return fmt.Errorf("broker.heartbeat_seconds must be positive")
	}
	if b.ClientTimeoutSeconds <= b.HeartbeatSeconds {
		return fmt.Errorf("broker.client_timeout_seconds must exceed heartbeat_seconds")
	}
	if b.YapBufferMs <= 0 {
		return fmt.Errorf("broker.yap_buffer_ms must be positive")
	}
	if b.YapBufferCap <= 0 {
		return fmt.Errorf("broker.yap_buffer_cap must be positive")
	}
	if b.MaxClarificationQueue <= 0 {
		return fmt.Errorf("broker.max_clarification_queue must be positive")
	}
	if b.SendQueueSize <= 0 {
		return fmt.Errorf("broker.send_queue_size must be positive")
	}

	cl := c.Client
	if cl.ReconnectDelayMs <= 0 {
		return fmt.Errorf("client.reconnect_delay_ms must be positive")
	}
	if cl.MaxReconnectAttempts < 0 {
		return fmt.Errorf("client.max_reconnect_attempts must not be negative")
	}
	if cl.HeartbeatSeconds <= 0 {
		return fmt.Errorf("client.heartbeat_seconds must be positive")
	}
	if cl.ConnectTimeoutMs <= 0 {
		return fmt.Errorf("client.connect_timeout_ms must be positive")
	}

	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("log.format %q not supported", c.Log.Format)
	}
	return nil
}
