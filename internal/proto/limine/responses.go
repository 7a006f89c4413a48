package limine

import (
	"errors"
	"fmt"

	"github.com/tinyrange/bootload/internal/binio"
	"github.com/tinyrange/bootload/internal/handoff"
	"github.com/tinyrange/bootload/internal/layout"
	"github.com/tinyrange/bootload/internal/memmap"
)

const (
	DefaultHHDMOffset = 0xffff800000000000
	DefaultKernelPath = "/boot/kernel"

	LoaderName    = "bootload"
	LoaderVersion = "1.0"

	pageSize = 0x1000
	fileSize = 112

	// Each carve can split one usable entry into three.
	carveSlack = 2 * 4
)

// Memory map entry types as the kernel sees them.
const (
	MemmapUsable                = 0
	MemmapReserved              = 1
	MemmapACPIReclaimable       = 2
	MemmapACPINVS               = 3
	MemmapBadMemory             = 4
	MemmapBootloaderReclaimable = 5
	MemmapKernelAndModules      = 6
	MemmapFramebuffer           = 7
)

func memmapType(t memmap.Type) uint64 {
	switch t {
	case memmap.TypeUsable:
		return MemmapUsable
	case memmap.TypeACPI:
		return MemmapACPIReclaimable
	case memmap.TypeNVS:
		return MemmapACPINVS
	case memmap.TypeBad:
		return MemmapBadMemory
	case memmap.TypeLoader:
		return MemmapBootloaderReclaimable
	case memmap.TypeKernel:
		return MemmapKernelAndModules
	default:
		return MemmapReserved
	}
}

// Params are the machine facts the responses report.
type Params struct {
	Arch       handoff.Arch
	MemorySize uint64
	MemoryMap  []memmap.Entry
	// KernelBase is where probing for a higher-half kernel starts.
	KernelBase uint64
	// HHDMOffset of zero selects DefaultHHDMOffset.
	HHDMOffset uint64
	KernelPath string
	ACPIRSDP   uint64
	SMBIOS32   uint64
	SMBIOS64   uint64
	// BootTime is the UNIX time reported to the kernel.
	BootTime int64
}

func (p Params) hhdm() uint64 {
	if p.HHDMOffset == 0 {
		return DefaultHHDMOffset
	}
	return p.HHDMOffset
}

func (p Params) kernelPath() string {
	if p.KernelPath == "" {
		return DefaultKernelPath
	}
	return p.KernelPath
}

func (p Params) entries() []memmap.Entry {
	if len(p.MemoryMap) > 0 {
		return p.MemoryMap
	}
	return memmap.Default(p.MemorySize)
}

// arena lays responses out in the info region. With a nil writer it only
// measures.
type arena struct {
	w    *binio.Writer
	base uint64
	hhdm uint64
	pos  uint64
	errs []error
}

func (a *arena) alloc(n uint64) uint64 {
	off := binio.AlignUp(a.pos, 8)
	a.pos = off + n
	return off
}

// ptr converts an arena offset to the HHDM address the kernel dereferences.
func (a *arena) ptr(off uint64) uint64 { return a.base + off + a.hhdm }

func (a *arena) put64(off, v uint64) {
	if a.w != nil {
		a.errs = append(a.errs, a.w.PutU64(off, v))
	}
}

func (a *arena) put32(off uint64, v uint32) {
	if a.w != nil {
		a.errs = append(a.errs, a.w.PutU32(off, v))
	}
}

// str stores s with a terminator and returns its HHDM address.
func (a *arena) str(s string) uint64 {
	off := a.alloc(uint64(len(s)) + 1)
	if a.w != nil {
		a.errs = append(a.errs, a.w.PutCString(off, s))
	}
	return a.ptr(off)
}

// file writes a limine_file and returns its HHDM address.
func (a *arena) file(addr, size uint64, path, cmdline string) uint64 {
	off := a.alloc(fileSize)
	a.put64(off, 0)
	a.put64(off+8, addr+a.hhdm)
	a.put64(off+16, size)
	a.put64(off+24, a.str(path))
	a.put64(off+32, a.str(cmdline))
	return a.ptr(off)
}

// facts are the addresses the responses describe.
type facts struct {
	kernelPhys, kernelVirt uint64
	kernelFile, fileSize   uint64
	initrd, initrdSize     uint64
	entries                []memmap.Entry
	cmdline                string
}

// emit writes one response per requested kind and returns their HHDM
// addresses.
func emit(a *arena, img *Image, f facts, p Params) map[Kind]uint64 {
	out := make(map[Kind]uint64)
	for _, req := range img.Requests {
		if _, done := out[req.Kind]; done {
			continue
		}
		var off uint64
		switch req.Kind {
		case KindBootloaderInfo:
			off = a.alloc(24)
			a.put64(off+8, a.str(LoaderName))
			a.put64(off+16, a.str(LoaderVersion))
		case KindHHDM:
			off = a.alloc(16)
			a.put64(off+8, p.hhdm())
		case KindMemmap:
			off = a.alloc(24)
			n := uint64(len(f.entries))
			ptrs := a.alloc(8 * n)
			recs := a.alloc(24 * n)
			a.put64(off+8, n)
			a.put64(off+16, a.ptr(ptrs))
			for i, e := range f.entries {
				rec := recs + uint64(i)*24
				a.put64(ptrs+uint64(i)*8, a.ptr(rec))
				a.put64(rec, e.Addr)
				a.put64(rec+8, e.Size)
				a.put64(rec+16, memmapType(e.Type))
			}
		case KindKernelFile:
			off = a.alloc(16)
			a.put64(off+8, a.file(f.kernelFile, f.fileSize, p.kernelPath(), f.cmdline))
		case KindModule:
			if f.initrdSize == 0 {
				continue
			}
			off = a.alloc(24)
			list := a.alloc(8)
			a.put64(off+8, 1)
			a.put64(off+16, a.ptr(list))
			a.put64(list, a.file(f.initrd, f.initrdSize, "initrd", ""))
		case KindRSDP:
			if p.ACPIRSDP == 0 {
				continue
			}
			off = a.alloc(16)
			a.put64(off+8, p.ACPIRSDP)
		case KindSMBIOS:
			if p.SMBIOS32 == 0 && p.SMBIOS64 == 0 {
				continue
			}
			off = a.alloc(24)
			a.put64(off+8, p.SMBIOS32)
			a.put64(off+16, p.SMBIOS64)
		case KindBootTime:
			off = a.alloc(16)
			a.put64(off+8, uint64(p.BootTime))
		case KindKernelAddress:
			off = a.alloc(24)
			a.put64(off+8, f.kernelPhys)
			a.put64(off+16, f.kernelVirt)
		case KindEntryPoint:
			off = a.alloc(8)
		default:
			continue
		}
		a.put64(off, 0)
		out[req.Kind] = a.ptr(off)
	}
	return out
}

// infoSize measures the response area for img.
func infoSize(img *Image, initrd []byte, cmdline string, p Params) uint64 {
	a := &arena{}
	f := facts{
		entries:    make([]memmap.Entry, len(p.entries())+carveSlack),
		initrdSize: uint64(len(initrd)),
		cmdline:    cmdline,
	}
	emit(a, img, f, p)
	return max(a.pos, 8)
}

// Requests places the kernel by its ELF layout, then the initrd, the kernel
// file copy when requested and the response area.
func Requests(img *Image, image, initrd []byte, cmdline string, p Params) []layout.Request {
	reqs := []layout.Request{img.ELF.Request(p.KernelBase)}
	if len(initrd) > 0 {
		reqs = append(reqs, layout.Request{Role: layout.RoleInitrd, Size: binio.AlignUp(uint64(len(initrd)), pageSize), Align: pageSize, Mode: layout.Probe})
	}
	reqs = append(reqs, layout.Request{Role: layout.RoleInfo, Size: binio.AlignUp(infoSize(img, initrd, cmdline, p), pageSize), Align: pageSize, Mode: layout.Probe})
	if img.Has(KindKernelFile) {
		reqs = append(reqs, layout.Request{Role: layout.RoleModuleTable, Size: binio.AlignUp(uint64(len(image)), pageSize), Align: pageSize, Mode: layout.Probe})
	}
	return reqs
}

// staged is a planned Limine boot: its windows and the facts the responses
// report.
type staged struct {
	kernel, info *layout.Window
	initrd, file *layout.Window
	f            facts
}

func collect(ws *layout.Windows, img *Image, image, initrd []byte, cmdline string, p Params) (*staged, error) {
	st := &staged{}
	var err error
	if st.kernel, err = ws.For(layout.RoleKernel); err != nil {
		return nil, err
	}
	if st.info, err = ws.For(layout.RoleInfo); err != nil {
		return nil, err
	}
	if len(initrd) > 0 {
		if st.initrd, err = ws.For(layout.RoleInitrd); err != nil {
			return nil, err
		}
	}
	if img.Has(KindKernelFile) {
		if st.file, err = ws.For(layout.RoleModuleTable); err != nil {
			return nil, err
		}
	}

	kbase := st.kernel.Region().Base
	f := facts{
		kernelPhys: kbase,
		kernelVirt: img.ELF.VirtBase(kbase),
		cmdline:    cmdline,
		entries:    p.entries(),
	}
	f.entries = memmap.Carve(f.entries, kbase, st.kernel.Region().Size, memmap.TypeKernel)
	if st.initrd != nil {
		f.initrd, f.initrdSize = st.initrd.Region().Base, uint64(len(initrd))
		f.entries = memmap.Carve(f.entries, f.initrd, st.initrd.Region().Size, memmap.TypeKernel)
	}
	if st.file != nil {
		f.kernelFile, f.fileSize = st.file.Region().Base, uint64(len(image))
		f.entries = memmap.Carve(f.entries, f.kernelFile, st.file.Region().Size, memmap.TypeKernel)
	}
	f.entries = memmap.Carve(f.entries, st.info.Region().Base, st.info.Region().Size, memmap.TypeLoader)
	st.f = f
	return st, nil
}

// respond lays out the responses. A nil writer only computes addresses.
func (st *staged) respond(img *Image, p Params, w *binio.Writer) (*arena, map[Kind]uint64, error) {
	a := &arena{w: w, base: st.info.Region().Base, hhdm: p.hhdm()}
	responses := emit(a, img, st.f, p)
	if a.pos > st.info.Region().Size {
		return nil, nil, fmt.Errorf("limine: responses need %#x bytes, info region %s: %w", a.pos, st.info.Region(), layout.ErrOutsideRegion)
	}
	if err := errors.Join(a.errs...); err != nil {
		return nil, nil, fmt.Errorf("limine: fill responses: %w", err)
	}
	return a, responses, nil
}

type patch struct {
	off uint64
	ptr uint64
}

// patches lists the response pointers to store into the loaded kernel and
// the entry point, which an entry point request may override.
func (st *staged) patches(img *Image, responses map[Kind]uint64) ([]patch, uint64, error) {
	region := st.kernel.Region()
	kbase := region.Base
	entry := img.ELF.Phys(img.ELF.Entry, kbase)
	var out []patch
	for _, req := range img.Requests {
		ptr, ok := responses[req.Kind]
		if !ok {
			continue
		}
		phys := img.ELF.Phys(req.Vaddr, kbase) + offResponse
		if phys < kbase || phys+8 > region.End() {
			return nil, 0, fmt.Errorf("limine: %s request at %#x outside %s: %w", req.Kind, req.Vaddr, region, layout.ErrOutsideRegion)
		}
		out = append(out, patch{off: phys - kbase, ptr: ptr})
		if req.Kind == KindEntryPoint && req.Entry != 0 {
			entry = img.ELF.Phys(req.Entry, kbase)
		}
	}
	return out, entry, nil
}

// Build answers every request: it writes the responses, the initrd and the
// kernel file copy. The kernel segments and the response pointers inside
// them are written by Load.
func Build(ws *layout.Windows, img *Image, image, initrd []byte, cmdline string, p Params) (handoff.Descriptor, error) {
	st, err := collect(ws, img, image, initrd, cmdline, p)
	if err != nil {
		return handoff.Descriptor{}, err
	}
	a, responses, err := st.respond(img, p, binio.NewWriter(int(st.info.Region().Size)))
	if err != nil {
		return handoff.Descriptor{}, err
	}
	_, entry, err := st.patches(img, responses)
	if err != nil {
		return handoff.Descriptor{}, err
	}

	if st.initrd != nil {
		if err := st.initrd.Fill(initrd); err != nil {
			return handoff.Descriptor{}, fmt.Errorf("limine: load module: %w", err)
		}
	}
	if st.file != nil {
		if err := st.file.Fill(image); err != nil {
			return handoff.Descriptor{}, fmt.Errorf("limine: copy kernel file: %w", err)
		}
	}
	if err := st.info.Fill(a.w.Bytes()); err != nil {
		return handoff.Descriptor{}, fmt.Errorf("limine: write responses: %w", err)
	}

	return handoff.NewDescriptor(handoff.ProtocolLimine, p.Arch, entry)
}

// Load copies the kernel segments and points each answered request at its
// response.
func Load(ws *layout.Windows, img *Image, image, initrd []byte, cmdline string, p Params) error {
	st, err := collect(ws, img, image, initrd, cmdline, p)
	if err != nil {
		return err
	}
	_, responses, err := st.respond(img, p, nil)
	if err != nil {
		return err
	}
	patches, _, err := st.patches(img, responses)
	if err != nil {
		return err
	}

	if _, err := img.ELF.Load(st.kernel); err != nil {
		return err
	}
	var word [8]byte
	for _, pt := range patches {
		w := binio.WrapWriter(word[:])
		_ = w.PutU64(0, pt.ptr)
		if _, err := st.kernel.WriteAt(word[:], int64(pt.off)); err != nil {
			return fmt.Errorf("limine: patch response pointer: %w", err)
		}
	}
	return nil
}
