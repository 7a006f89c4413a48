package boot

import (
	"errors"
	"fmt"

	"github.com/tinyrange/bootload/internal/handoff"
)

var (
	ErrUnrecognizedFormat = errors.New("boot: unrecognized kernel image format")
	ErrDispatcherUsed     = errors.New("boot: dispatcher already used")
	ErrNoMemory           = errors.New("boot: no physical memory")
)

// MalformedHeaderError reports a recognized magic with an unusable header.
type MalformedHeaderError struct {
	Format Format
	Reason string
	Err    error
}

func (e *MalformedHeaderError) Error() string {
	return fmt.Sprintf("boot: malformed %s header: %s", e.Format, e.Reason)
}

func (e *MalformedHeaderError) Unwrap() error { return e.Err }

// BuildError reports a failure while writing the boot information or
// loading the kernel.
type BuildError struct {
	Format Format
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("boot: build %s: %v", e.Format, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// ArchMismatchError reports an image that cannot run on the target
// architecture.
type ArchMismatchError struct {
	Format Format
	Arch   handoff.Arch
	// Image describes what the image was built for.
	Image string
}

func (e *ArchMismatchError) Error() string {
	return fmt.Sprintf("boot: %s image for %s cannot boot on %s", e.Format, e.Image, e.Arch)
}

// HandoffReturnedError reports that control came back from a kernel entry.
type HandoffReturnedError struct {
	Descriptor handoff.Descriptor
	Err        error
}

func (e *HandoffReturnedError) Error() string {
	return fmt.Sprintf("boot: handoff %s: %v", e.Descriptor, e.Err)
}

func (e *HandoffReturnedError) Unwrap() error { return e.Err }
