//go:build !((linux || darwin) && (amd64 || arm64))

package main

import (
	"fmt"
	"runtime"

	"github.com/tinyrange/bootload/internal/handoff"
)

func nativeExecutor(memory) (handoff.Executor, error) {
	return nil, fmt.Errorf("entering a kernel natively is not supported on %s/%s: %w", runtime.GOOS, runtime.GOARCH, handoff.ErrUnsupported)
}
