package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/superiorsd10/rubberduck-mcp/public/client"
)

// runConsole drives one consumer session at the terminal. Incoming
// clarifications print as prompts, yaps as one-liners, and every line typed
// on stdin answers the question currently shown.
//
// The broker shows at most one question at a time per console; the next one
// only arrives after the current one is answered, so a single "active"
// pointer is all the state this loop needs. A clarification arriving in a
// non-pending status is a withdrawal notice for a question whose producer is
// gone, not a new prompt.
//
// Returns when ctx is cancelled, stdin closes, or the client gives up
// reconnecting.
func runConsole(ctx context.Context, c *client.Client, log zerolog.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	var active *client.Clarification
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-c.Wait():
			return fmt.Errorf("lost the broker connection for good")

		case ev := <-c.Events():
			switch ev.Kind {
			case client.EventClarification:
				q := ev.Clarification
				if q.Status != client.StatusPending {
					if active != nil && active.ID == q.ID {
						active = nil
					}
					fmt.Printf("\nwithdrawn: %q (%s)\n", q.Question, q.Response)
					continue
				}
				active = q
				printClarification(q)

			case client.EventYap:
				printYap(ev.Yap)

			case client.EventDisconnected:
				fmt.Fprintln(os.Stderr, "broker connection lost, reconnecting...")

			case client.EventBrokerError:
				log.Warn().Err(ev.Err).Msg("broker rejected a message")
			}

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			answer := strings.TrimSpace(line)
			if answer == "" {
				continue
			}
			if active == nil {
				fmt.Println("no question is waiting for an answer")
				continue
			}
			if err := c.SendResponse(active.ID, answer); err != nil {
				log.Warn().Err(err).Msg("answer not sent")
				continue
			}
			active = nil
		}
	}
}

func printClarification(q *client.Clarification) {
	urgency := q.Urgency
	if urgency == "" {
		urgency = client.UrgencyMedium
	}
	fmt.Printf("\n[%s] %s asks:\n  %s\n", urgency, q.SourceID, q.Question)
	if q.Context != "" {
		fmt.Printf("  context: %s\n", q.Context)
	}
	fmt.Print("> ")
}

func printYap(y *client.Yap) {
	tag := y.Category
	if tag == "" {
		tag = y.Mode
	}
	if tag != "" {
		fmt.Printf("(%s) %s: %s\n", tag, y.SourceID, y.Message)
		return
	}
	fmt.Printf("%s: %s\n", y.SourceID, y.Message)
}
