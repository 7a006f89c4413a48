//go:build unix

package main

import "github.com/tinyrange/bootload/internal/physmem"

// newMemory maps size bytes of memory at base. Pages are only committed
// when written, so a large memory costs little for a dry run.
func newMemory(dump string, base, size uint64) (memory, error) {
	if dump != "" {
		return physmem.MapFile(dump, base, size)
	}
	return physmem.MapAnonymous(base, size)
}
