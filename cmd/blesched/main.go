// Command blesched drives a Bluetooth LE radio through the task scheduler.
//
// Usage:
//
//	blesched scan --duration 10s
//	blesched connect AA:BB:CC:DD:EE:FF --read 2a19 --notify 2a37 --listen
//	blesched simulate
//	blesched config show
//
// Settings come from --config (YAML), BLESCHED_* environment variables and
// flags. Ctrl-C cancels the running command and powers the session down.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"bluetooth-sched/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
