//go:build (linux || darwin) && (amd64 || arm64)

package handoff

import (
	"context"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"
)

// ExecutableMemory is host memory whose pages can be made executable.
type ExecutableMemory interface {
	Base() uint64
	Size() uint64
	Slice(addr, size uint64) ([]byte, error)
	Protect(addr, size uint64, prot int) error
}

// NativeExecutor enters a kernel loaded into host memory in this process,
// passing arguments in the C calling convention registers. Physical
// addresses that fall inside Memory are translated to host addresses first.
type NativeExecutor struct {
	Memory ExecutableMemory
	// Text is the physical range to mark executable, normally the kernel
	// region. A zero TextSize covers all of Memory.
	TextBase uint64
	TextSize uint64
}

func hostArch() Arch {
	switch runtime.GOARCH {
	case "amd64":
		return ArchX86_64
	case "arm64":
		return ArchARM64
	}
	return ArchInvalid
}

// Execute implements Executor.
func (e *NativeExecutor) Execute(ctx context.Context, d Descriptor) error {
	if e.Memory == nil {
		return fmt.Errorf("handoff: native executor has no memory")
	}
	if d.Arch != hostArch() {
		return fmt.Errorf("handoff: native entry for %s on %s host: %w", d.Arch, runtime.GOARCH, ErrUnsupported)
	}
	switch d.Shape {
	case ShapeSinglePointer, ShapeThreeRegister, ShapeEntryOnly:
	default:
		return fmt.Errorf("handoff: %s cannot be expressed as a native call: %w", d.Shape, ErrUnsupported)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	entry, err := e.hostAddr(d.Entry)
	if err != nil {
		return fmt.Errorf("handoff: entry: %w", err)
	}
	args := make([]uintptr, len(d.Args))
	for i, arg := range d.Args {
		args[i] = e.translate(arg)
	}

	base, size := e.TextBase, e.TextSize
	if size == 0 {
		base, size = e.Memory.Base(), e.Memory.Size()
	}
	if err := e.Memory.Protect(base, size, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("handoff: make kernel executable: %w", err)
	}
	defer e.Memory.Protect(base, size, unix.PROT_READ|unix.PROT_WRITE)

	purego.SyscallN(entry, args...)

	return ErrReturned
}

func (e *NativeExecutor) hostAddr(phys uint64) (uintptr, error) {
	b, err := e.Memory.Slice(phys, 1)
	if err != nil {
		return 0, err
	}
	return uintptr(unsafe.Pointer(&b[0])), nil
}

func (e *NativeExecutor) translate(v uint64) uintptr {
	if v >= e.Memory.Base() && v < e.Memory.Base()+e.Memory.Size() {
		if addr, err := e.hostAddr(v); err == nil {
			return addr
		}
	}
	return uintptr(v)
}

var (
	_ Executor = &NativeExecutor{}
)
