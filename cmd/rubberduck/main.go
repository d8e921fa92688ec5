// Command rubberduck is the entry point for the clarification broker and its
// terminal front-ends.
//
//	rubberduck broker    run the broker in the foreground
//	rubberduck listen    attach this terminal as an answer console
//	rubberduck ask       ask one question (spawns a broker when none runs)
//	rubberduck dev       broker plus console in a single process
//
// Exit codes: 0 on success, 1 on runtime failures, 2 on flag errors.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	_ "go.uber.org/automaxprocs"
)

func main() {
	parser := flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "broker", "Run the broker in the foreground", `
Run the clarification broker until SIGINT or SIGTERM. Producers and
consumers connect over local TCP; nothing is persisted across restarts.
`, &cmdBroker{})

	addCmd(parser, "listen", "Attach this terminal as an answer console", `
Register as a consumer and print incoming clarification requests and yaps.
Typed lines answer the question currently shown. Requires a running broker.
`, &cmdListen{})

	addCmd(parser, "ask", "Ask a clarification question", `
Connect as a producer and ask the humans a question, waiting for the answer.
When no broker is running one is spawned inside this process and torn down on
exit. With arguments the question is asked once and the answer printed;
without arguments each stdin line becomes a question, and lines starting with
"yap:" are sent as one-way notifications instead.
`, &cmdAsk{})

	addCmd(parser, "dev", "Run a broker and a console together", `
Run the broker and an answer console in one process. Meant for local
development: agents can connect immediately and their questions land in this
terminal.
`, &cmdDev{})

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) {
			if flagsErr.Type == flags.ErrHelp {
				fmt.Println(flagsErr.Message)
				os.Exit(0)
			}
			fmt.Fprintln(os.Stderr, flagsErr.Message)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "rubberduck: %v\n", err)
		os.Exit(1)
	}
}

func addCmd(parser *flags.Parser, name, short, long string, iface interface{}) {
	if _, err := parser.AddCommand(name, short, long, iface); err != nil {
		panic(fmt.Sprintf("failed to add %s command: %v", name, err))
	}
}
