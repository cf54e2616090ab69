package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"rule-backtester/internal/cli"
	"rule-backtester/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.NewLogger()
	ctx = logging.WithLogger(ctx, logger)

	if err := cli.NewRootCmd(logger).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
