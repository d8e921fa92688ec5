package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/superiorsd10/rubberduck-mcp/internal/config"
)

// commonOpts are the flags every subcommand shares. Overrides apply on top
// of the config file, which applies on top of the built-in defaults.
type commonOpts struct {
	Config    string `long:"config" short:"c" description:"Path to a YAML config file"`
	Addr      string `long:"addr" description:"Broker address (host:port), overrides the config"`
	LogLevel  string `long:"log-level" description:"Log level (trace, debug, info, warn, error)"`
	LogFormat string `long:"log-format" choice:"console" choice:"json" description:"Log output format"`
}

// load resolves the effective configuration for a command.
func (o commonOpts) load() (*config.Config, error) {
	cfg := config.Default()
	if o.Config != "" {
		loaded, err := config.Load(o.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if o.Addr != "" {
		host, portStr, err := net.SplitHostPort(o.Addr)
		if err != nil {
			return nil, fmt.Errorf("invalid --addr %q: %w", o.Addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --addr port %q: %w", portStr, err)
		}
		cfg.Broker.Host, cfg.Broker.Port = host, port
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
	return cfg, nil
}

// newLogger builds the process logger. Console format is for humans at a
// terminal; json keeps the raw zerolog stream for collectors. Logs go to
// stderr so stdout stays reserved for answers and prompts.
func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var output io.Writer = os.Stderr
	if cfg.Format != "json" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.Kitchen,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()
}
