package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/superiorsd10/rubberduck-mcp/public/bootstrap"
	"github.com/superiorsd10/rubberduck-mcp/public/client"
)

type cmdAsk struct {
	commonOpts
	Context string        `long:"context" description:"Background shown alongside the question"`
	Urgency string        `long:"urgency" default:"medium" choice:"low" choice:"medium" choice:"high" description:"How prominently the question is flagged"`
	Timeout time.Duration `long:"timeout" default:"5m" description:"How long to wait for an answer"`
	Name    string        `long:"name" description:"Client id to register under (default mcp-server-<random>)"`
}

func (cmd cmdAsk) Execute(args []string) error {
	cfg, err := cmd.load()
	if err != nil {
		return err
	}
	log := newLogger(cfg.Log)

	b, err := bootstrap.Ensure(bootstrap.Options{
		Broker:        cfg.Broker,
		HandleSignals: true,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	defer b.Stop()

	c := client.New(client.Options{
		Addr:                 b.Addr(),
		ClientID:             cmd.Name,
		Role:                 client.RoleProducer,
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

	if len(args) > 0 {
		answer, err := c.Clarify(strings.Join(args, " "), cmd.Context, cmd.Urgency, cmd.Timeout)
		if err != nil {
			return err
		}
		fmt.Println(answer)
		return nil
	}

	// Interactive mode: every stdin line is a question, except ones with a
	// "yap:" prefix, which go out as one-way notifications.
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if msg, ok := strings.CutPrefix(line, "yap:"); ok {
			if err := c.SendYap(client.Yap{Message: strings.TrimSpace(msg)}); err != nil {
				return err
			}
			continue
		}
		answer, err := c.Clarify(line, cmd.Context, cmd.Urgency, cmd.Timeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "no answer: %v\n", err)
			continue
		}
		fmt.Println(answer)
	}
	return scanner.Err()
}
