//go:build (linux || darwin) && (amd64 || arm64)

package main

import (
	"fmt"

	"github.com/tinyrange/bootload/internal/handoff"
)

func nativeExecutor(mem memory) (handoff.Executor, error) {
	m, ok := mem.(handoff.ExecutableMemory)
	if !ok {
		return nil, fmt.Errorf("memory %T cannot be made executable", mem)
	}
	return &handoff.NativeExecutor{Memory: m}, nil
}
