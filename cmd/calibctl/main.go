package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"calibra/internal/ctl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctl.NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "calibctl:", err)
		stop()
		os.Exit(1)
	}
}
