// Command epochcqrs inspects and repairs the delivery state kept in the local
// storage of a bounded context: pending and dead-lettered inbox records,
// per-shard counts and known tenants.
//
// Usage:
//
//	epochcqrs [--config path/to/config.yaml] [--data-dir dir] <command>
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "epochcqrs: %v\n", err)
		os.Exit(1)
	}
}
