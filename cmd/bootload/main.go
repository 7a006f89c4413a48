package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/bootload/internal/boot"
	"github.com/tinyrange/bootload/internal/config"
	"github.com/tinyrange/bootload/internal/handoff"
	"github.com/tinyrange/bootload/internal/report"
	"github.com/tinyrange/bootload/internal/trace"
)

const (
	defaultMemory = "2GiB"
	// Images smaller than this load without a progress bar.
	progressThreshold = 16 << 20
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bootload: %v\n", err)
		os.Exit(1)
	}
}

type target struct {
	name    string
	kernel  string
	initrd  string
	cmdline string
	arch    string
	machine config.Machine
}

func run() error {
	configPath := flag.String("config", "", "boot entry file (default ./"+config.Filename+" when no kernel is given)")
	entryName := flag.String("entry", "", "entry to boot (default: the file's default entry)")
	kernelPath := flag.String("kernel", "", "kernel image to boot instead of a configured entry")
	initrdPath := flag.String("initrd", "", "initial ramdisk")
	cmdline := flag.String("cmdline", "", "kernel command line")
	archName := flag.String("arch", "", "target architecture (default: the image's own, else x86_64)")
	memory := flag.String("memory", "", "memory size, e.g. 512MiB (default "+defaultMemory+")")
	debug := flag.Bool("debug", false, "log every boot state transition")
	tracePath := flag.String("trace", "", "write phase timings to this file")
	dumpPath := flag.String("dump", "", "back memory with this file so the loaded image outlives the run")
	execute := flag.Bool("exec", false, "enter the kernel in this process instead of printing its entry state")
	list := flag.Bool("list", false, "list configured entries and exit")
	initPath := flag.String("init", "", "write a boot entry file for -kernel to this path and exit")
	reportPath := flag.String("report", "", "summarize a trace file and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [kernel]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Detects the kernel's boot protocol, lays it out in memory with its boot\n")
		fmt.Fprintf(os.Stderr, "information and prints the entry state. With -exec the kernel is entered.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *kernelPath == "" && flag.NArg() > 0 {
		*kernelPath = flag.Arg(0)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ropts := report.Options{Color: term.IsTerminal(int(os.Stdout.Fd()))}

	if *reportPath != "" {
		return summarize(*reportPath, ropts)
	}
	if *initPath != "" {
		if *kernelPath == "" {
			return errors.New("-init needs -kernel")
		}
		name := strings.TrimSuffix(filepath.Base(*kernelPath), filepath.Ext(*kernelPath))
		return config.WriteTemplate(*initPath, config.Config{
			Machine: config.Machine{Arch: *archName, Memory: *memory},
			Entries: []config.Entry{{Name: name, Kernel: *kernelPath, Initrd: *initrdPath, Cmdline: *cmdline}},
		})
	}

	var t target
	if *kernelPath == "" || *configPath != "" || *list {
		path := *configPath
		if path == "" {
			path = config.Filename
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if *list {
			report.Entries(os.Stdout, cfg, ropts)
			return nil
		}
		e, err := cfg.Entry(*entryName)
		if err != nil {
			return err
		}
		arch, err := cfg.Arch(e)
		if err != nil {
			return err
		}
		t = target{
			name:    e.Name,
			kernel:  cfg.Path(e.Kernel),
			initrd:  cfg.Path(e.Initrd),
			cmdline: e.Cmdline,
			arch:    string(arch),
			machine: cfg.Machine,
		}
	}

	// Flags override the entry.
	if *kernelPath != "" {
		t.kernel = *kernelPath
		t.name = filepath.Base(*kernelPath)
	}
	if *initrdPath != "" {
		t.initrd = *initrdPath
	}
	if *cmdline != "" {
		t.cmdline = *cmdline
	}
	if *archName != "" {
		t.arch = *archName
	}
	if *memory != "" {
		t.machine.Memory = *memory
	}
	if t.machine.Memory == "" {
		t.machine.Memory = defaultMemory
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return bootTarget(ctx, t, bootFlags{
		trace:   *tracePath,
		dump:    *dumpPath,
		execute: *execute,
		report:  ropts,
	})
}

type bootFlags struct {
	trace   string
	dump    string
	execute bool
	report  report.Options
}

func bootTarget(ctx context.Context, t target, f bootFlags) error {
	var want handoff.Arch
	if t.arch != "" {
		a, err := handoff.ParseArch(t.arch)
		if err != nil {
			return err
		}
		want = a
	}
	size, err := t.machine.MemorySize()
	if err != nil {
		return err
	}

	kernel, err := readImage(t.kernel, "kernel")
	if err != nil {
		return err
	}
	var initrd []byte
	if t.initrd != "" {
		if initrd, err = readImage(t.initrd, "initrd"); err != nil {
			return err
		}
	}
	slog.Info("boot: loading", "entry", t.name, "kernel", humanize.IBytes(uint64(len(kernel))), "initrd", humanize.IBytes(uint64(len(initrd))))

	profiles := boot.DefaultProfiles()
	mem, err := newMemory(f.dump, memoryBase(profiles, kernel, want), size)
	if err != nil {
		return fmt.Errorf("allocate memory: %w", err)
	}
	defer mem.Close()

	opts := boot.Options{
		Memory:   mem,
		Logger:   slog.Default(),
		Profiles: profiles,
	}

	if f.trace != "" {
		out, err := os.Create(f.trace)
		if err != nil {
			return fmt.Errorf("create trace: %w", err)
		}
		defer out.Close()
		tw, err := trace.Open(out)
		if err != nil {
			return err
		}
		defer tw.Close()
		opts.Trace = trace.NewRecorder(tw)
		// The kernel does not return, so timings are flushed on the way out.
		opts.Quiesce = append(opts.Quiesce, tw.Close)
	}

	in := boot.Input{
		Kernel:      kernel,
		Initrd:      initrd,
		Cmdline:     t.cmdline,
		Arch:        want,
		BootDevice:  t.machine.BootDevice,
		ACPIRSDP:    t.machine.ACPIRSDP,
		SMBIOS:      t.machine.SMBIOS,
		Framebuffer: t.machine.Framebuffer,
		SecureBoot:  t.machine.SecureBoot,
		TPM:         t.machine.TPM,
		UEFI64:      t.machine.UEFI64,
		BootTime:    time.Now().Unix(),
	}

	if f.execute {
		ex, err := nativeExecutor(mem)
		if err != nil {
			return err
		}
		opts.Executor = ex
		return boot.New(opts).Boot(ctx, in)
	}

	prep, err := boot.New(opts).Prepare(ctx, in)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s: %s kernel for %s\n", t.name, prep.Protocol.Format, prep.Arch)
	report.Plan(os.Stdout, prep.Plan, f.report)
	return report.Descriptor(os.Stdout, prep.Descriptor, f.report)
}

// memoryBase places memory where the image's architecture expects it. The
// dispatcher reports images that cannot be resolved here.
func memoryBase(profiles boot.Profiles, kernel []byte, want handoff.Arch) uint64 {
	p, err := boot.DetectFor(kernel, want)
	if err != nil {
		return 0
	}
	arch, err := boot.ResolveArch(p, want)
	if err != nil {
		return 0
	}
	prof, err := profiles.Lookup(arch)
	if err != nil {
		return 0
	}
	return prof.MemoryBase
}

func readImage(path, title string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", title, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", title, err)
	}

	var buf bytes.Buffer
	buf.Grow(int(info.Size()))

	var writer io.Writer = &buf
	if info.Size() >= progressThreshold && term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(info.Size(), "reading "+title)
		defer bar.Close()
		writer = io.MultiWriter(&buf, bar)
	}

	if _, err := io.Copy(writer, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", title, err)
	}
	return buf.Bytes(), nil
}

func summarize(path string, opts report.Options) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()

	totals, err := report.Summarize(f)
	if err != nil {
		return err
	}
	report.Phases(os.Stdout, totals, opts)
	return nil
}
