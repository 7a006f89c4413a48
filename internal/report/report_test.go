package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/bootload/internal/config"
	"github.com/tinyrange/bootload/internal/handoff"
	"github.com/tinyrange/bootload/internal/layout"
	"github.com/tinyrange/bootload/internal/trace"
)

func TestPlan(t *testing.T) {
	plan, err := layout.New(layout.Options{}).Plan([]layout.Request{
		{Role: layout.RoleKernel, Size: 0x200000, Align: 0x1000, Base: 0x100000, Mode: layout.Fixed},
		{Role: layout.RoleInfo, Size: 0x1000, Align: 0x1000, Base: 0x10000, Mode: layout.Probe},
	}, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	var buf bytes.Buffer
	Plan(&buf, plan, Options{})
	out := buf.String()
	for _, want := range []string{"kernel", "0x100000", "0x300000", "2.0 MiB", "info", "0x10000", "4.0 KiB"} {
		if !strings.Contains(out, want) {
			t.Fatalf("plan table missing %q:\n%s", want, out)
		}
	}
}

func TestDescriptor(t *testing.T) {
	d, err := handoff.NewDescriptor(handoff.ProtocolMultiboot1, handoff.ArchI386, 0x100020, 0x2badb002, 0x90000)
	if err != nil {
		t.Fatalf("NewDescriptor: %v", err)
	}
	var buf bytes.Buffer
	if err := Descriptor(&buf, d, Options{}); err != nil {
		t.Fatalf("Descriptor: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"multiboot1/i386", "rax", "0x2badb002", "rbx", "0x90000", "rip", "0x100020"} {
		if !strings.Contains(out, want) {
			t.Fatalf("descriptor missing %q:\n%s", want, out)
		}
	}
}

func TestEntriesStripsEscapes(t *testing.T) {
	cfg, err := config.Parse([]byte("entries:\n  - name: \"\\e[31mred\\e[0m\"\n    kernel: vmlinuz\n    cmdline: quiet\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var buf bytes.Buffer
	Entries(&buf, cfg, Options{})
	out := buf.String()
	if strings.Contains(out, "\x1b") {
		t.Fatalf("escape sequence survived:\n%q", out)
	}
	if !strings.Contains(out, "red") || !strings.Contains(out, "*") {
		t.Fatalf("entries table = \n%s", out)
	}
}

var (
	kindFast = trace.RegisterKind("fast", trace.FlagPhase)
	kindSlow = trace.RegisterKind("slow", trace.FlagPhase)
)

func TestSummarize(t *testing.T) {
	var buf bytes.Buffer
	w, err := trace.Open(&buf)
	if err != nil {
		t.Fatalf("trace.Open: %v", err)
	}
	w.Record(kindFast, time.Millisecond)
	w.Record(kindSlow, time.Second)
	w.Record(kindFast, 2*time.Millisecond)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	totals, err := Summarize(&buf)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(totals) != 2 || totals[0].Name != "slow" || totals[1].Total != 3*time.Millisecond || totals[1].Count != 2 {
		t.Fatalf("totals = %+v", totals)
	}

	var out bytes.Buffer
	Phases(&out, totals, Options{})
	if !strings.Contains(out.String(), "3ms") {
		t.Fatalf("phase table = \n%s", out.String())
	}
}
