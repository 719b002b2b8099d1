// Command eva operates an Eva arm from the terminal.
//
// Usage:
//
//	eva [flags] <command>
//
// Commands:
//
//	monitor  - live view of the robot state
//	state    - print the current state as YAML
//	lock     - take the control lock and hold it
//	home     - move the arm to its home position
//	version  - client and device versions
//
// Configuration is read from --config (YAML), then EVA_ADDRESS and
// EVA_TOKEN, then --address and --token.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/evarobotics/evago/cmd/eva/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
