package main

import (
	"io"

	"github.com/tinyrange/bootload/internal/physmem"
)

type memory interface {
	physmem.Memory
	io.Closer
}
