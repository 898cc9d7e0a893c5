//go:build windows

package main

import (
	"context"

	"github.com/antonkrylov/cudash/internal/client"
)

// watchResize has no signal to follow on Windows; the initial size is sent
// with the connection URL.
func watchResize(context.Context) <-chan client.Size {
	return nil
}
