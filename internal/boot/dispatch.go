package boot

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/bootload/internal/handoff"
	"github.com/tinyrange/bootload/internal/layout"
	"github.com/tinyrange/bootload/internal/memmap"
	"github.com/tinyrange/bootload/internal/physmem"
	"github.com/tinyrange/bootload/internal/proto/bcbp"
	"github.com/tinyrange/bootload/internal/proto/limine"
	"github.com/tinyrange/bootload/internal/proto/linux"
	"github.com/tinyrange/bootload/internal/proto/multiboot1"
	"github.com/tinyrange/bootload/internal/proto/multiboot2"
	"github.com/tinyrange/bootload/internal/trace"
)

// State is a step of a boot attempt. States only move forward.
type State int

const (
	StateIdle State = iota
	StateDetecting
	StatePlanningLayout
	StateBuildingInfo
	StateLoadingSegments
	StateHandingOff
	StateDiverged
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDetecting:
		return "detecting"
	case StatePlanningLayout:
		return "planning-layout"
	case StateBuildingInfo:
		return "building-info"
	case StateLoadingSegments:
		return "loading-segments"
	case StateHandingOff:
		return "handing-off"
	case StateDiverged:
		return "diverged"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var phaseKinds = map[State]trace.KindID{
	StateDetecting:       trace.RegisterKind("detect", trace.FlagPhase),
	StatePlanningLayout:  trace.RegisterKind("plan", trace.FlagPhase),
	StateBuildingInfo:    trace.RegisterKind("build", trace.FlagPhase),
	StateLoadingSegments: trace.RegisterKind("load", trace.FlagPhase),
	StateHandingOff:      trace.RegisterKind("handoff", trace.FlagPhase),
}

// Input is everything one boot attempt needs from the firmware front end.
type Input struct {
	Kernel  []byte
	Initrd  []byte
	Cmdline string
	// Arch is the target architecture. Empty means the image's own
	// architecture when it names one, else x86_64.
	Arch handoff.Arch

	BootDevice  uint64
	ACPIRSDP    uint64
	SMBIOS      uint64
	Framebuffer uint64
	SecureBoot  bool
	TPM         bool
	UEFI64      bool
	// BootTime is the UNIX time reported to kernels that ask for it.
	BootTime int64
}

type Options struct {
	Memory physmem.Memory
	// MemoryMap is the firmware memory map. Unusable entries are kept out
	// of the layout.
	MemoryMap []memmap.Entry
	// Loader is the loader's own image.
	Loader   layout.Region
	Reserved []layout.Region
	Executor handoff.Executor
	// Quiesce hooks run just before control leaves the loader.
	Quiesce  []handoff.Quiesce
	Logger   *slog.Logger
	Trace    *trace.Recorder
	Profiles Profiles
}

// Prepared is a boot attempt ready to hand off: the kernel and its boot
// information are in memory.
type Prepared struct {
	Protocol   Protocol
	Arch       handoff.Arch
	Plan       *layout.Plan
	Descriptor handoff.Descriptor
}

// Dispatcher runs one boot attempt. It is not safe for concurrent use and
// cannot be reused; start a fresh attempt with a new Dispatcher.
type Dispatcher struct {
	opts  Options
	log   *slog.Logger
	state State
	err   error
	used  bool
}

func New(opts Options) *Dispatcher {
	if opts.Profiles == nil {
		opts.Profiles = DefaultProfiles()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{opts: opts, log: log}
}

// State reports where the attempt is.
func (d *Dispatcher) State() State { return d.state }

// Err is the error that moved the attempt to StateFailed.
func (d *Dispatcher) Err() error { return d.err }

func (d *Dispatcher) enter(s State, args ...any) {
	if kind, ok := phaseKinds[d.state]; ok {
		d.opts.Trace.Record(kind)
	}
	d.state = s
	d.log.Debug("boot: state", append([]any{"state", s.String()}, args...)...)
}

func (d *Dispatcher) fail(err error) error {
	if d.state != StateFailed {
		if kind, ok := phaseKinds[d.state]; ok {
			d.opts.Trace.Record(kind)
		}
		d.log.Debug("boot: state", "state", StateFailed.String(), "from", d.state.String(), "error", err)
		d.state = StateFailed
		d.err = err
	}
	return err
}

// Prepare detects the image, plans its layout and writes the kernel and its
// boot information into memory.
func (d *Dispatcher) Prepare(ctx context.Context, in Input) (*Prepared, error) {
	if d.used {
		return nil, ErrDispatcherUsed
	}
	d.used = true
	return d.prepare(ctx, in)
}

// Boot prepares the attempt and transfers control to the kernel. It only
// returns when the transfer failed.
func (d *Dispatcher) Boot(ctx context.Context, in Input) error {
	if d.used {
		return ErrDispatcherUsed
	}
	d.used = true
	if d.opts.Executor == nil {
		return d.fail(errors.New("boot: no executor"))
	}
	prep, err := d.prepare(ctx, in)
	if err != nil {
		return err
	}

	d.enter(StateHandingOff, "descriptor", prep.Descriptor.String())
	// A kernel that takes over never comes back, so StateDiverged is never
	// observed from here; any return is a failure.
	err = handoff.Execute(ctx, d.opts.Executor, prep.Descriptor, d.opts.Quiesce...)
	return d.fail(&HandoffReturnedError{Descriptor: prep.Descriptor, Err: err})
}

func (d *Dispatcher) prepare(ctx context.Context, in Input) (*Prepared, error) {
	if err := ctx.Err(); err != nil {
		return nil, d.fail(err)
	}
	mem := d.opts.Memory
	if mem == nil {
		return nil, d.fail(ErrNoMemory)
	}
	d.opts.Trace.Reset()

	d.enter(StateDetecting, "size", len(in.Kernel))
	p, err := DetectFor(in.Kernel, in.Arch)
	if err != nil {
		return nil, d.fail(err)
	}
	arch, err := ResolveArch(p, in.Arch)
	if err != nil {
		return nil, d.fail(err)
	}
	prof, err := d.opts.Profiles.Lookup(arch)
	if err != nil {
		return nil, d.fail(err)
	}
	d.log.Debug("boot: detected", "format", string(p.Format), "arch", string(arch))

	st, err := d.stage(p, arch, prof, in)
	if err != nil {
		return nil, d.fail(err)
	}

	d.enter(StatePlanningLayout, "format", string(p.Format), "requests", len(st.requests))
	planner := layout.New(layout.Options{Loader: d.opts.Loader, Limit: mem.Base() + mem.Size()})
	plan, err := planner.Plan(st.requests, d.reserved(mem))
	if err != nil {
		return nil, d.fail(fmt.Errorf("boot: plan %s: %w", p.Format, err))
	}
	for _, r := range plan.Regions() {
		d.log.Debug("boot: placed", "role", r.Name, "base", fmt.Sprintf("%#x", r.Base), "size", r.Size)
	}

	ws := layout.NewWindows(mem, plan)
	d.enter(StateBuildingInfo, "format", string(p.Format))
	desc, err := st.build(ws)
	if err != nil {
		return nil, d.fail(&BuildError{Format: p.Format, Err: err})
	}

	if st.load != nil {
		d.enter(StateLoadingSegments, "entry", fmt.Sprintf("%#x", desc.Entry))
		kernel, _ := plan.Region(layout.RoleKernel)
		if desc.Entry < kernel.Base || desc.Entry >= kernel.End() {
			return nil, d.fail(&BuildError{Format: p.Format, Err: fmt.Errorf("entry %#x outside loaded kernel %s: %w", desc.Entry, kernel, layout.ErrOutsideRegion)})
		}
		if err := st.load(ws); err != nil {
			return nil, d.fail(&BuildError{Format: p.Format, Err: err})
		}
	}

	return &Prepared{Protocol: p, Arch: arch, Plan: plan, Descriptor: desc}, nil
}

// reserved lists the ranges no region may use: the caller's, the firmware's
// unusable memory and anything below the start of memory.
func (d *Dispatcher) reserved(mem physmem.Memory) []layout.Region {
	out := append([]layout.Region(nil), d.opts.Reserved...)
	for _, e := range memmap.Unusable(d.opts.MemoryMap) {
		out = append(out, layout.Region{Name: "firmware " + e.Type.String(), Base: e.Addr, Size: e.Size})
	}
	if mem.Base() > 0 {
		out = append(out, layout.Region{Name: "below memory", Base: 0, Size: mem.Base()})
	}
	return out
}

// memoryMap is the map reported to kernels that need one even when the
// firmware gave none.
func (d *Dispatcher) memoryMap(mem physmem.Memory) []memmap.Entry {
	if len(d.opts.MemoryMap) > 0 {
		return d.opts.MemoryMap
	}
	if mem.Base() == 0 {
		return memmap.Default(mem.Size())
	}
	return []memmap.Entry{{Addr: mem.Base(), Size: mem.Size(), Type: memmap.TypeUsable}}
}

// ResolveArch picks the architecture to boot p on. An empty want means the
// image's own architecture, else x86_64.
func ResolveArch(p Protocol, want handoff.Arch) (handoff.Arch, error) {
	image := "x86"
	var native handoff.Arch
	switch p.Format {
	case FormatLinuxImage:
		native = p.Image.Arch
		image = string(native)
	case FormatELF:
		native = archForMachine(p.Limine.ELF.Machine)
		image = p.Limine.ELF.Machine.String()
	case FormatMultiboot2:
		if p.Multiboot2.Arch != multiboot2.ArchI386 {
			return "", &ArchMismatchError{Format: p.Format, Arch: cmp.Or(want, handoff.ArchI386), Image: p.Multiboot2.Arch.String()}
		}
	case FormatBCBP:
		image = "any"
	}

	arch := cmp.Or(want, native, handoff.ArchX86_64)
	if native != "" && native != arch {
		return "", &ArchMismatchError{Format: p.Format, Arch: arch, Image: image}
	}
	if _, err := handoff.Resolve(p.Handoff(), arch); err != nil {
		return "", &ArchMismatchError{Format: p.Format, Arch: arch, Image: image}
	}
	return arch, nil
}

// stage is one format's plan: what to place and how to fill it.
type stage struct {
	requests []layout.Request
	build    func(ws *layout.Windows) (handoff.Descriptor, error)
	// load copies the kernel segment by segment. Formats that copy the
	// image whole do so in build and leave it nil.
	load func(ws *layout.Windows) error
}

func (d *Dispatcher) stage(p Protocol, arch handoff.Arch, prof Profile, in Input) (*stage, error) {
	mem := d.opts.Memory
	kernel, initrd, cmdline := in.Kernel, in.Initrd, in.Cmdline

	switch p.Format {
	case FormatLinux:
		params := linux.Params{Arch: arch, MemorySize: mem.Base() + mem.Size(), MemoryMap: d.opts.MemoryMap}
		return &stage{
			requests: linux.Requests(p.Linux, kernel, initrd),
			build: func(ws *layout.Windows) (handoff.Descriptor, error) {
				return linux.Build(ws, p.Linux, kernel, initrd, cmdline, params)
			},
		}, nil

	case FormatLinuxImage:
		params := linux.ImageParams{KernelBase: prof.ImageBase, MemoryBase: mem.Base(), MemorySize: mem.Size()}
		if arch == handoff.ArchLoongArch64 {
			params.Arch0 = in.ACPIRSDP
		}
		return &stage{
			requests: linux.ImageRequests(p.Image, kernel, initrd, cmdline, params),
			build: func(ws *layout.Windows) (handoff.Descriptor, error) {
				return linux.BuildImage(ws, p.Image, kernel, initrd, cmdline, params)
			},
		}, nil

	case FormatMultiboot1:
		params := multiboot1.Params{Arch: arch, MemorySize: mem.Base() + mem.Size(), MemoryMap: d.opts.MemoryMap, BootDevice: uint32(in.BootDevice)}
		reqs, err := multiboot1.Requests(p.Multiboot1, kernel, initrd, cmdline)
		if err != nil {
			return nil, &MalformedHeaderError{Format: p.Format, Reason: err.Error(), Err: err}
		}
		return &stage{
			requests: reqs,
			build: func(ws *layout.Windows) (handoff.Descriptor, error) {
				return multiboot1.Build(ws, p.Multiboot1, kernel, initrd, cmdline, params)
			},
			load: func(ws *layout.Windows) error {
				return multiboot1.Load(ws, p.Multiboot1, kernel)
			},
		}, nil

	case FormatMultiboot2:
		params := multiboot2.Params{Arch: arch, MemorySize: mem.Base() + mem.Size(), MemoryMap: d.opts.MemoryMap, BootDevice: uint32(in.BootDevice)}
		reqs, err := multiboot2.Requests(p.Multiboot2, kernel, initrd, cmdline, params)
		if err != nil {
			return nil, &MalformedHeaderError{Format: p.Format, Reason: err.Error(), Err: err}
		}
		return &stage{
			requests: reqs,
			build: func(ws *layout.Windows) (handoff.Descriptor, error) {
				return multiboot2.Build(ws, p.Multiboot2, kernel, initrd, cmdline, params)
			},
			load: func(ws *layout.Windows) error {
				return multiboot2.Load(ws, p.Multiboot2, kernel)
			},
		}, nil

	case FormatBCBP:
		params := bcbp.Params{
			Arch:        arch,
			KernelBase:  prof.KernelBase,
			InfoBase:    prof.InfoBase,
			BootDevice:  in.BootDevice,
			ACPIRSDP:    in.ACPIRSDP,
			SMBIOS:      in.SMBIOS,
			Framebuffer: in.Framebuffer,
			SecureBoot:  in.SecureBoot,
			TPM:         in.TPM,
			UEFI64:      in.UEFI64,
		}
		return &stage{
			requests: bcbp.Requests(p.BCBP, kernel, initrd, cmdline, params),
			build: func(ws *layout.Windows) (handoff.Descriptor, error) {
				return bcbp.Build(ws, p.BCBP, kernel, initrd, cmdline, params)
			},
		}, nil

	case FormatELF:
		params := limine.Params{
			Arch:       arch,
			MemorySize: mem.Base() + mem.Size(),
			MemoryMap:  d.memoryMap(mem),
			KernelBase: prof.ImageBase,
			ACPIRSDP:   in.ACPIRSDP,
			SMBIOS64:   in.SMBIOS,
			BootTime:   in.BootTime,
		}
		return &stage{
			requests: limine.Requests(p.Limine, kernel, initrd, cmdline, params),
			build: func(ws *layout.Windows) (handoff.Descriptor, error) {
				return limine.Build(ws, p.Limine, kernel, initrd, cmdline, params)
			},
			load: func(ws *layout.Windows) error {
				return limine.Load(ws, p.Limine, kernel, initrd, cmdline, params)
			},
		}, nil
	}
	return nil, fmt.Errorf("boot: no builder for %s: %w", p.Format, ErrUnrecognizedFormat)
}
