//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/antonkrylov/cudash/internal/client"
)

func watchResize(ctx context.Context) <-chan client.Size {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGWINCH)
	go func() {
		<-ctx.Done()
		signal.Stop(sigCh)
	}()
	return resizeEvents(ctx, sigCh)
}
