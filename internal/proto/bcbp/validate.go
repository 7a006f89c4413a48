package bcbp

import (
	"errors"
	"fmt"

	"github.com/tinyrange/bootload/internal/binio"
)

// Validation codes.
const (
	CodeNullHeader         = -1
	CodeBadMagic           = -2
	CodeUnsupportedVersion = -3
	CodeModuleCount        = -4
	CodeModulesPointer     = -5
	CodeModuleType         = -6
	CodeNamePointer        = -7
	CodeNameLength         = -8
	CodeCmdlinePointer     = -9
	CodeCmdlineLength      = -10
)

// ValidationError reports why a built header must not be handed to a
// kernel. Module is the offending record, or -1 for header problems.
type ValidationError struct {
	Code   int
	Module int
}

func (e *ValidationError) Error() string {
	var reason string
	switch e.Code {
	case CodeNullHeader:
		reason = "no header"
	case CodeBadMagic:
		reason = "bad magic"
	case CodeUnsupportedVersion:
		reason = "unsupported major version"
	case CodeModuleCount:
		reason = "implausible module count"
	case CodeModulesPointer:
		reason = "modules pointer out of bounds"
	case CodeModuleType:
		reason = "invalid module type"
	case CodeNamePointer:
		reason = "name pointer out of bounds"
	case CodeNameLength:
		reason = "name too long or unterminated"
	case CodeCmdlinePointer:
		reason = "cmdline pointer out of bounds"
	case CodeCmdlineLength:
		reason = "cmdline too long or unterminated"
	default:
		reason = "unknown"
	}
	if e.Module >= 0 {
		return fmt.Sprintf("bcbp: validate: module %d: %s (code %d)", e.Module, reason, e.Code)
	}
	return fmt.Sprintf("bcbp: validate: %s (code %d)", reason, e.Code)
}

// Code returns the numeric result of Validate: 0 for nil, the validation
// code for a *ValidationError.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return CodeNullHeader
}

func fail(code, module int) error { return &ValidationError{Code: code, Module: module} }

// Validate checks a header as it will appear at physical address base. mem
// holds the bytes from base onward. Every pointer must fall inside the
// structure's own extent: header, records and the strings they reference.
func Validate(mem []byte, base uint64) error {
	if len(mem) < HeaderSize {
		return fail(CodeNullHeader, -1)
	}
	r := binio.NewReader(mem)
	magic, _ := r.U32(offMagic)
	if magic != Magic {
		return fail(CodeBadMagic, -1)
	}
	version, _ := r.U32(offVersion)
	if version>>16 > Version>>16 {
		return fail(CodeUnsupportedVersion, -1)
	}
	count, _ := r.U64(offModuleCount)
	if count > MaxModules {
		return fail(CodeModuleCount, -1)
	}
	if count == 0 {
		return nil
	}

	modules, _ := r.U64(offModules)
	extent := requiredSize(mem, base, modules, count)
	if modules <= base || modules >= base+extent {
		return fail(CodeModulesPointer, -1)
	}
	tableOff := modules - base
	if tableOff+count*ModuleSize > uint64(len(mem)) {
		return fail(CodeModulesPointer, -1)
	}

	inside := func(p uint64) bool { return p >= base && p < base+extent }
	for i := uint64(0); i < count; i++ {
		rec := tableOff + i*ModuleSize
		t, _ := r.U8(rec + modType)
		if ModuleType(t) < ModuleKernel || ModuleType(t) > ModuleDriver {
			return fail(CodeModuleType, int(i))
		}
		if name, _ := r.U64(rec + modName); name != 0 {
			if !inside(name) {
				return fail(CodeNamePointer, int(i))
			}
			if strnlen(mem, name-base, MaxNameLen) == MaxNameLen {
				return fail(CodeNameLength, int(i))
			}
		}
		if cmdline, _ := r.U64(rec + modCmdline); cmdline != 0 {
			if !inside(cmdline) {
				return fail(CodeCmdlinePointer, int(i))
			}
			if strnlen(mem, cmdline-base, MaxCmdlineLen) == MaxCmdlineLen {
				return fail(CodeCmdlineLength, int(i))
			}
		}
	}
	return nil
}

// requiredSize is the structure's extent: the header, count records and
// the terminated strings they point at. Strings outside mem count nothing.
func requiredSize(mem []byte, base, modules, count uint64) uint64 {
	total := HeaderSize + count*ModuleSize
	if modules < base {
		return total
	}
	r := binio.NewReader(mem)
	tableOff := modules - base
	for i := uint64(0); i < count; i++ {
		rec := tableOff + i*ModuleSize
		for _, field := range []uint64{modName, modCmdline} {
			p, err := r.U64(rec + field)
			if err != nil || p < base || p-base >= uint64(len(mem)) {
				continue
			}
			total += strnlen(mem, p-base, uint64(len(mem))) + 1
		}
	}
	return total
}

// strnlen counts bytes before the first NUL at off, up to max. Running off
// the end of mem counts as unterminated.
func strnlen(mem []byte, off, max uint64) uint64 {
	if off >= uint64(len(mem)) {
		return max
	}
	n := uint64(0)
	for n < max {
		if off+n >= uint64(len(mem)) {
			return max
		}
		if mem[off+n] == 0 {
			return n
		}
		n++
	}
	return max
}
