package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/bootload/internal/handoff"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	yamlContent := `version: "1.2"
default: rescue
machine:
  arch: amd64
  memory: 512MiB
  acpiRSDP: 0xe0000
  uefi64: true
entries:
  - name: linux
    kernel: vmlinuz
    initrd: /boot/initrd.img
    cmdline: console=ttyS0 quiet
  - name: rescue
    kernel: rescue.elf
    arch: x86_64
`
	path := filepath.Join(dir, Filename)
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Version != "v1.2" {
		t.Errorf("Version = %q, want %q", cfg.Version, "v1.2")
	}
	size, err := cfg.Machine.MemorySize()
	if err != nil || size != 512<<20 {
		t.Errorf("MemorySize = %d, %v; want %d", size, err, 512<<20)
	}
	if cfg.Machine.ACPIRSDP != 0xe0000 || !cfg.Machine.UEFI64 {
		t.Errorf("Machine = %+v", cfg.Machine)
	}

	e, err := cfg.Entry("")
	if err != nil {
		t.Fatalf("Entry(default): %v", err)
	}
	if e.Name != "rescue" {
		t.Errorf("default entry = %q, want rescue", e.Name)
	}
	linux, err := cfg.Entry("linux")
	if err != nil {
		t.Fatalf("Entry(linux): %v", err)
	}
	if got := cfg.Path(linux.Kernel); got != filepath.Join(dir, "vmlinuz") {
		t.Errorf("kernel path = %q", got)
	}
	if got := cfg.Path(linux.Initrd); got != "/boot/initrd.img" {
		t.Errorf("absolute initrd path rewritten to %q", got)
	}
	if arch, err := cfg.Arch(linux); err != nil || arch != handoff.ArchX86_64 {
		t.Errorf("Arch = %s, %v", arch, err)
	}
	if _, err := cfg.Entry("missing"); !errors.Is(err, ErrUnknownEntry) {
		t.Errorf("Entry(missing) err = %v, want ErrUnknownEntry", err)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"newer major", "version: v2.0.0\nentries: [{name: a, kernel: k}]\n", ErrUnsupportedVersion},
		{"not a version", "version: banana\nentries: [{name: a, kernel: k}]\n", ErrUnsupportedVersion},
		{"no entries", "version: v1\n", ErrNoEntries},
		{"unknown default", "default: b\nentries: [{name: a, kernel: k}]\n", ErrUnknownEntry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	for _, bad := range []string{
		"machine: {memory: lots}\nentries: [{name: a, kernel: k}]\n",
		"machine: {arch: pdp11}\nentries: [{name: a, kernel: k}]\n",
		"entries: [{name: a, kernel: k}, {name: a, kernel: k}]\n",
		"entries: [{name: a}]\n",
	} {
		if _, err := Parse([]byte(bad)); err == nil {
			t.Errorf("Parse(%q) succeeded", bad)
		}
	}
}

func TestWriteTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot", Filename)
	cfg := Config{
		Entries: []Entry{{Name: "linux", Kernel: "bzImage", Cmdline: "console=ttyS0"}},
	}
	if err := WriteTemplate(path, cfg); err != nil {
		t.Fatalf("WriteTemplate failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteTemplate failed: %v", err)
	}
	if loaded.Version != SchemaVersion {
		t.Errorf("Version = %q, want %q", loaded.Version, SchemaVersion)
	}
	if loaded.Machine.Memory != defaultMemory || loaded.Machine.Arch != "x86_64" {
		t.Errorf("Machine = %+v", loaded.Machine)
	}
	if loaded.Default != "linux" || loaded.Entries[0].Cmdline != "console=ttyS0" {
		t.Errorf("loaded = %+v", loaded)
	}
}
