//go:build !unix

package main

import (
	"errors"

	"github.com/tinyrange/bootload/internal/physmem"
)

type buffer struct{ *physmem.Buffer }

func (buffer) Close() error { return nil }

func newMemory(dump string, base, size uint64) (memory, error) {
	if dump != "" {
		return nil, errors.New("-dump needs a unix host")
	}
	return buffer{physmem.NewBuffer(base, size)}, nil
}
