package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/superiorsd10/rubberduck-mcp/internal/broker"
	"github.com/superiorsd10/rubberduck-mcp/public/client"
)

type cmdDev struct {
	commonOpts
	Port    int    `long:"port" description:"Listen port, overrides the config"`
	Metrics string `long:"metrics" description:"Operations listener (host:port) serving /metrics and /healthz"`
}

func (cmd cmdDev) Execute(args []string) error {
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
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	svc := broker.NewService(cfg.Broker, log)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return svc.Start(gctx) })

	select {
	case <-svc.Ready():
	case <-gctx.Done():
		return g.Wait()
	case <-time.After(5 * time.Second):
		cancel()
		_ = g.Wait()
		return fmt.Errorf("broker did not become ready")
	}

	c := client.New(client.Options{
		Addr:                 svc.Addr(),
		Role:                 client.RoleConsumer,
		Heartbeat:            cfg.Client.Heartbeat(),
		ReconnectDelay:       cfg.Client.ReconnectDelay(),
		MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
		ConnectTimeout:       cfg.Client.ConnectTimeout(),
		Logger:               log,
	})
	if err := c.Connect(); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	fmt.Printf("broker on %s, console attached as %s\n", svc.Addr(), c.ID())
	consoleErr := runConsole(gctx, c, log)

	c.Close()
	cancel()
	if err := g.Wait(); err != nil && consoleErr == nil {
		return err
	}
	return consoleErr
}
