package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/superiorsd10/rubberduck-mcp/public/client"
)

type cmdListen struct {
	commonOpts
	Name string `long:"name" description:"Client id to register under (default cli-<random>)"`
}

func (cmd cmdListen) Execute(args []string) error {
	cfg, err := cmd.load()
	if err != nil {
		return err
	}
	log := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Options{
		Addr:                 cfg.Broker.Addr(),
		ClientID:             cmd.Name,
		Role:                 client.RoleConsumer,
		Heartbeat:            cfg.Client.Heartbeat(),
		ReconnectDelay:       cfg.Client.ReconnectDelay(),
		MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
		ConnectTimeout:       cfg.Client.ConnectTimeout(),
		Logger:               log,
	})
	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("listening on %s as %s, questions will appear below\n", cfg.Broker.Addr(), c.ID())
	return runConsole(ctx, c, log)
}
