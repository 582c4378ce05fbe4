// fzcli is a small command line client for the ftpengine library.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := Execute(ctx, os.Args[1:]); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "fzcli: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
