package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/superiorsd10/rubberduck-mcp/internal/broker"
)

type cmdBroker struct {
	commonOpts
	Port    int    `long:"port" description:"Listen port, overrides the config"`
	Metrics string `long:"metrics" description:"Operations listener (host:port) serving /metrics and /healthz"`
}

func (cmd cmdBroker) Execute(args []string) error {
	cfg, err := cmd.load()
	if err != nil {
		return err
	}
	if cmd.Port != 0 {
		cfg.Broker.Port = cmd.Port
	}
	if cmd.Metrics != "" {
		cfg.Broker.MetricsAddr = cmd.Metrics
	}
	log := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return broker.NewService(cfg.Broker, log).Start(ctx)
}
