package bcbp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/tinyrange/bootload/internal/handoff"
	"github.com/tinyrange/bootload/internal/layout"
	"github.com/tinyrange/bootload/internal/physmem"
)

const testBase = 0x80000

func newBlock(t *testing.T, capacity int, strs uint64) *Block {
	t.Helper()
	buf := make([]byte, HeaderSize+TableSize(capacity, strs))
	b, err := New(buf, testBase, capacity, 0x100000, 0x80)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestRoundTrip(t *testing.T) {
	for _, k := range []int{0, 1, 2, 17, 1023, 1024} {
		t.Run(fmt.Sprint(k), func(t *testing.T) {
			b := newBlock(t, k, uint64(k)*32)
			for i := range k {
				m := Module{Start: uint64(0x200000 + i*0x1000), Size: 0x1000, Name: fmt.Sprintf("mod%d", i), Type: ModuleDriver}
				if i%2 == 0 {
					m.Cmdline = "x=1"
				}
				if err := b.AddModule(m); err != nil {
					t.Fatalf("AddModule(%d): %v", i, err)
				}
			}
			if got := b.Count(); got != k {
				t.Fatalf("Count = %d, want %d", got, k)
			}
			if err := Validate(b.Bytes(), testBase); err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if k > 0 {
				m, ok := b.FindModule(fmt.Sprintf("mod%d", k-1))
				if !ok || m.Start != uint64(0x200000+(k-1)*0x1000) {
					t.Fatalf("FindModule = %+v, %v", m, ok)
				}
			}
		})
	}
}

func TestLengthLimits(t *testing.T) {
	tests := []struct {
		name   string
		module Module
		want   int
	}{
		{"name 255", Module{Name: strings.Repeat("n", 255)}, 0},
		{"name 256", Module{Name: strings.Repeat("n", 256)}, CodeNameLength},
		{"cmdline 4095", Module{Name: "k", Cmdline: strings.Repeat("c", 4095)}, 0},
		{"cmdline 4096", Module{Name: "k", Cmdline: strings.Repeat("c", 4096)}, CodeCmdlineLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBlock(t, 1, 8192)
			m := tt.module
			m.Size, m.Type = 1, ModuleKernel
			if err := b.AddModule(m); err != nil {
				t.Fatalf("AddModule: %v", err)
			}
			err := Validate(b.Bytes(), testBase)
			if got := Code(err); got != tt.want {
				t.Fatalf("Validate code = %d (%v), want %d", got, err, tt.want)
			}
		})
	}
}

func TestValidateCodes(t *testing.T) {
	le := binary.LittleEndian
	rec := HeaderSize
	tests := []struct {
		name   string
		mutate func(buf []byte)
		want   int
	}{
		{"magic", func(buf []byte) { le.PutUint32(buf[offMagic:], 0) }, CodeBadMagic},
		{"version", func(buf []byte) { le.PutUint32(buf[offVersion:], 0x00020000) }, CodeUnsupportedVersion},
		{"minor version", func(buf []byte) { le.PutUint32(buf[offVersion:], 0x0001ffff) }, 0},
		{"count", func(buf []byte) { le.PutUint64(buf[offModuleCount:], MaxModules+1) }, CodeModuleCount},
		{"modules at header", func(buf []byte) { le.PutUint64(buf[offModules:], testBase) }, CodeModulesPointer},
		{"modules past end", func(buf []byte) { le.PutUint64(buf[offModules:], testBase+0x10000) }, CodeModulesPointer},
		{"type zero", func(buf []byte) { buf[rec+modType] = 0 }, CodeModuleType},
		{"type nine", func(buf []byte) { buf[rec+modType] = 9 }, CodeModuleType},
		{"name below", func(buf []byte) { le.PutUint64(buf[rec+modName:], testBase-1) }, CodeNamePointer},
		{"name above", func(buf []byte) { le.PutUint64(buf[rec+modName:], testBase+0x10000) }, CodeNamePointer},
		{"cmdline above", func(buf []byte) { le.PutUint64(buf[rec+modCmdline:], testBase+0x10000) }, CodeCmdlinePointer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBlock(t, 1, 64)
			if err := b.AddModule(Module{Start: 0x100000, Size: 1, Name: "kernel", Cmdline: "quiet", Type: ModuleKernel}); err != nil {
				t.Fatalf("AddModule: %v", err)
			}
			tt.mutate(b.buf)
			if got := Code(Validate(b.Bytes(), testBase)); got != tt.want {
				t.Fatalf("code = %d, want %d", got, tt.want)
			}
		})
	}

	if got := Code(Validate(nil, testBase)); got != CodeNullHeader {
		t.Fatalf("nil header code = %d, want %d", got, CodeNullHeader)
	}
}

func TestStringAreaOverflow(t *testing.T) {
	b := newBlock(t, 2, 8)
	if err := b.AddModule(Module{Start: 1, Size: 1, Name: "kernel", Type: ModuleKernel}); err != nil {
		t.Fatalf("AddModule: %v", err)
	}
	err := b.AddModule(Module{Start: 2, Size: 1, Name: "initrd", Type: ModuleInitrd})
	if !errors.Is(err, ErrStringAreaOverflow) {
		t.Fatalf("err = %v, want ErrStringAreaOverflow", err)
	}
	if b.Count() != 1 {
		t.Fatalf("Count = %d after failed add, want 1", b.Count())
	}
	if err := b.AddModule(Module{Start: 3, Size: 1, Name: "x", Type: ModuleConfig}); err == nil {
		t.Fatalf("third module accepted")
	}
}

func TestSettersIgnoreBadMagic(t *testing.T) {
	b := newBlock(t, 0, 0)
	b.SetACPIRSDP(0xe0000)
	b.SetSecureBoot(true)
	if got := b.u64(offACPIRSDP); got != 0xe0000 {
		t.Fatalf("acpi_rsdp = %#x", got)
	}
	if b.buf[offSecureBoot] != 1 {
		t.Fatalf("secure_boot not set")
	}

	binary.LittleEndian.PutUint32(b.buf[offMagic:], 0xdeadbeef)
	b.SetACPIRSDP(0x1234)
	b.SetSMBIOS(0x5678)
	b.SetFramebuffer(0x9abc)
	b.SetTPMAvailable(true)
	if got := b.u64(offACPIRSDP); got != 0xe0000 {
		t.Fatalf("acpi_rsdp = %#x after bad-magic set", got)
	}
	if b.u64(offSMBIOS) != 0 || b.u64(offFramebuffer) != 0 || b.buf[offTPM] != 0 {
		t.Fatalf("setter wrote through a bad magic")
	}
	if !errors.Is(b.AddModule(Module{Size: 1, Name: "k"}), ErrBadMagic) {
		t.Fatalf("AddModule accepted a bad magic")
	}
	if _, ok := b.FindModule("k"); ok {
		t.Fatalf("FindModule matched under a bad magic")
	}
}

func TestDetect(t *testing.T) {
	image := make([]byte, 64)
	le := binary.LittleEndian
	le.PutUint32(image[0:], Magic)
	le.PutUint32(image[4:], Version)
	le.PutUint64(image[8:], 0x100200)
	h, err := Detect(image)
	if err != nil || h == nil {
		t.Fatalf("Detect = %v, %v", h, err)
	}
	if h.Entry != 0x100200 {
		t.Fatalf("entry = %#x", h.Entry)
	}

	le.PutUint32(image[4:], 0x00020000)
	if _, err := Detect(image); !errors.Is(err, ErrMalformed) {
		t.Fatalf("major 2 err = %v, want ErrMalformed", err)
	}
	if h, err := Detect([]byte{1, 2, 3}); h != nil || err != nil {
		t.Fatalf("Detect(short) = %v, %v", h, err)
	}
}

func TestBuild(t *testing.T) {
	image := make([]byte, 0x1800)
	le := binary.LittleEndian
	le.PutUint32(image[0:], Magic)
	le.PutUint32(image[4:], Version)
	h, err := Detect(image)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	initrd := []byte("initramfs")
	p := Params{Arch: handoff.ArchX86_64, InfoBase: 0x10000, BootDevice: 0x80, ACPIRSDP: 0xe0000, UEFI64: true}

	pl, err := layout.New(layout.Options{}).Plan(Requests(h, image, initrd, "", p), nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	mem := physmem.NewBuffer(0, 8<<20)
	d, err := Build(layout.NewWindows(mem, pl), h, image, initrd, "", p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	info, _ := pl.Region(layout.RoleInfo)
	if info.Base != 0x10000 {
		t.Fatalf("header at %#x, want 0x10000", info.Base)
	}
	if d.Entry != DefaultKernelBase || len(d.Args) != 1 || d.Args[0] != info.Base {
		t.Fatalf("descriptor = %s", d)
	}

	raw := mem.Bytes()[info.Base:]
	if err := Validate(raw, info.Base); err != nil {
		t.Fatalf("Validate in memory: %v", err)
	}
	if count := le.Uint64(raw[offModuleCount:]); count != 2 {
		t.Fatalf("module_count = %d, want 2", count)
	}
	if rsdp := le.Uint64(raw[offACPIRSDP:]); rsdp != 0xe0000 {
		t.Fatalf("acpi_rsdp = %#x", rsdp)
	}
	if raw[offUEFI64] != 1 {
		t.Fatalf("uefi_64bit not set")
	}

	extent := uint64(HeaderSize + 2*ModuleSize + len("kernel\x00initrd\x00"))
	for i, want := range []string{"kernel", "initrd"} {
		rec := raw[HeaderSize+i*ModuleSize:]
		name := le.Uint64(rec[modName:])
		if name < info.Base || name >= info.Base+extent {
			t.Fatalf("module %d name pointer %#x outside [%#x, %#x)", i, name, info.Base, info.Base+extent)
		}
		if got := string(raw[name-info.Base : name-info.Base+uint64(len(want))]); got != want {
			t.Fatalf("module %d name = %q, want %q", i, got, want)
		}
		if cmd := le.Uint64(rec[modCmdline:]); cmd != 0 {
			t.Fatalf("module %d cmdline = %#x, want 0", i, cmd)
		}
	}
	initrdRegion, _ := pl.Region(layout.RoleInitrd)
	if start := le.Uint64(raw[HeaderSize+ModuleSize+modStart:]); start != initrdRegion.Base {
		t.Fatalf("initrd start = %#x, want %#x", start, initrdRegion.Base)
	}
}
