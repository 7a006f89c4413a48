// Package config reads boot entry files: which kernels to offer and the
// machine facts to hand them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/bootload/internal/handoff"
)

const (
	Filename = "bootload.yaml"
	// SchemaVersion is the newest schema this loader reads. Files with the
	// same major version are accepted.
	SchemaVersion = "v1.0.0"

	defaultMemory = "2GiB"
)

var (
	ErrUnsupportedVersion = errors.New("config: unsupported schema version")
	ErrNoEntries          = errors.New("config: no boot entries")
	ErrUnknownEntry       = errors.New("config: unknown boot entry")
)

// Config is one boot entry file.
type Config struct {
	Version string `yaml:"version"`
	// Default names the entry booted when none is chosen.
	Default string  `yaml:"default,omitempty"`
	Machine Machine `yaml:"machine"`
	Entries []Entry `yaml:"entries"`

	// dir is where relative paths are resolved from.
	dir string
}

// Machine describes the target the kernels boot on.
type Machine struct {
	Arch string `yaml:"arch"`
	// Memory accepts sizes like "512MiB" or "2 GB".
	Memory     string `yaml:"memory"`
	BootDevice uint64 `yaml:"bootDevice,omitempty"`

	ACPIRSDP    uint64 `yaml:"acpiRSDP,omitempty"`
	SMBIOS      uint64 `yaml:"smbios,omitempty"`
	Framebuffer uint64 `yaml:"framebuffer,omitempty"`
	SecureBoot  bool   `yaml:"secureBoot,omitempty"`
	TPM         bool   `yaml:"tpm,omitempty"`
	UEFI64      bool   `yaml:"uefi64,omitempty"`
}

// Entry is one bootable kernel.
type Entry struct {
	Name    string `yaml:"name"`
	Kernel  string `yaml:"kernel"`
	Initrd  string `yaml:"initrd,omitempty"`
	Cmdline string `yaml:"cmdline,omitempty"`
	// Arch overrides the machine architecture for this entry.
	Arch string `yaml:"arch,omitempty"`
}

func (c *Config) normalize() {
	if c.Version == "" {
		c.Version = SchemaVersion
	}
	if !strings.HasPrefix(c.Version, "v") {
		c.Version = "v" + c.Version
	}
	if c.Machine.Arch == "" {
		c.Machine.Arch = string(handoff.ArchX86_64)
	}
	if c.Machine.Memory == "" {
		c.Machine.Memory = defaultMemory
	}
	if c.Default == "" && len(c.Entries) > 0 {
		c.Default = c.Entries[0].Name
	}
}

func (c *Config) validate() error {
	if !semver.IsValid(c.Version) {
		return fmt.Errorf("%w: %q is not a version", ErrUnsupportedVersion, c.Version)
	}
	if semver.Major(c.Version) != semver.Major(SchemaVersion) {
		return fmt.Errorf("%w: %s, this loader reads %s", ErrUnsupportedVersion, c.Version, semver.Major(SchemaVersion))
	}
	if _, err := handoff.ParseArch(c.Machine.Arch); err != nil {
		return fmt.Errorf("config: machine: %w", err)
	}
	if _, err := c.Machine.MemorySize(); err != nil {
		return err
	}
	if len(c.Entries) == 0 {
		return ErrNoEntries
	}
	seen := make(map[string]bool, len(c.Entries))
	for i, e := range c.Entries {
		if e.Name == "" {
			return fmt.Errorf("config: entry %d has no name", i)
		}
		if seen[e.Name] {
			return fmt.Errorf("config: duplicate entry %q", e.Name)
		}
		seen[e.Name] = true
		if e.Kernel == "" {
			return fmt.Errorf("config: entry %q has no kernel", e.Name)
		}
		if e.Arch != "" {
			if _, err := handoff.ParseArch(e.Arch); err != nil {
				return fmt.Errorf("config: entry %q: %w", e.Name, err)
			}
		}
	}
	if !seen[c.Default] {
		return fmt.Errorf("%w: default %q", ErrUnknownEntry, c.Default)
	}
	return nil
}

// MemorySize parses the memory field.
func (m Machine) MemorySize() (uint64, error) {
	size, err := humanize.ParseBytes(m.Memory)
	if err != nil {
		return 0, fmt.Errorf("config: memory %q: %w", m.Memory, err)
	}
	if size == 0 {
		return 0, fmt.Errorf("config: memory %q is empty", m.Memory)
	}
	return size, nil
}

// Load reads and validates a boot entry file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// Parse decodes and validates a boot entry file held in memory. Relative
// paths resolve against the working directory.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Entry returns the named entry, or the default one for an empty name.
func (c Config) Entry(name string) (Entry, error) {
	if name == "" {
		name = c.Default
	}
	for _, e := range c.Entries {
		if e.Name == name {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %q", ErrUnknownEntry, name)
}

// Path resolves a path from the file against its directory.
func (c Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// Arch is the architecture e boots on.
func (c Config) Arch(e Entry) (handoff.Arch, error) {
	if e.Arch != "" {
		return handoff.ParseArch(e.Arch)
	}
	return handoff.ParseArch(c.Machine.Arch)
}

// WriteTemplate writes cfg as YAML to path, creating its directory.
func WriteTemplate(path string, cfg Config) error {
	cfg.normalize()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
