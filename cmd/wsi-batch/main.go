// wsi-batch submits whole-slide image analysis to a Slurm cluster.
//
// Usage:
//
//	wsi-batch verify --config <file>
//	wsi-batch submit --config <file> [--dry-run]
//	wsi-batch count --anot <ppc.anot> [--fallback <seg.anot>] [--decide]
//	wsi-batch version
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
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
