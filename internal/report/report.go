// Package report renders boot attempts for people: placement plans, entry
// descriptors, configured entries and phase timings.
package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/tinyrange/bootload/internal/config"
	"github.com/tinyrange/bootload/internal/handoff"
	"github.com/tinyrange/bootload/internal/layout"
	"github.com/tinyrange/bootload/internal/trace"
)

// Options control table styling.
type Options struct {
	// Color highlights headers; set it only for terminals.
	Color bool
}

func newTable(w io.Writer, opts Options, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	if opts.Color {
		colors := make([]tablewriter.Colors, len(header))
		for i := range colors {
			colors[i] = tablewriter.Colors{tablewriter.Bold, tablewriter.FgCyanColor}
		}
		table.SetHeaderColor(colors...)
	}
	return table
}

func hex(v uint64) string { return fmt.Sprintf("%#x", v) }

// Plan writes one row per placed region in placement order.
func Plan(w io.Writer, plan *layout.Plan, opts Options) {
	table := newTable(w, opts, "Role", "Base", "End", "Size", "Align")
	for _, r := range plan.Regions() {
		table.Append([]string{r.Name, hex(r.Base), hex(r.End()), humanize.IBytes(r.Size), hex(r.Align)})
	}
	table.Render()
}

// Descriptor writes the entry descriptor and the registers it sets.
func Descriptor(w io.Writer, d handoff.Descriptor, opts Options) error {
	regs, err := handoff.Registers(d)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s/%s via %s\n", d.Protocol, d.Arch, d.Shape)
	table := newTable(w, opts, "Register", "Value")
	for _, r := range regs.Sorted() {
		table.Append([]string{r.String(), hex(regs[r])})
	}
	table.Render()
	return nil
}

// Entries lists the configured boot entries. Strings from the file are
// stripped of terminal escapes.
func Entries(w io.Writer, cfg config.Config, opts Options) {
	table := newTable(w, opts, "", "Name", "Kernel", "Arch", "Cmdline")
	for _, e := range cfg.Entries {
		mark := ""
		if e.Name == cfg.Default {
			mark = "*"
		}
		arch := e.Arch
		if arch == "" {
			arch = cfg.Machine.Arch
		}
		table.Append([]string{mark, ansi.Strip(e.Name), ansi.Strip(e.Kernel), ansi.Strip(arch), ansi.Strip(e.Cmdline)})
	}
	table.Render()
}

// PhaseTotal is the summed time of one record kind.
type PhaseTotal struct {
	Name  string
	Flags trace.Flags
	Count int
	Total time.Duration
}

// Summarize totals a trace file by kind, longest first.
func Summarize(r io.Reader) ([]PhaseTotal, error) {
	byName := make(map[string]*PhaseTotal)
	var order []string
	err := trace.ReadAll(r, func(name string, flags trace.Flags, d time.Duration) error {
		pt, ok := byName[name]
		if !ok {
			pt = &PhaseTotal{Name: name, Flags: flags}
			byName[name] = pt
			order = append(order, name)
		}
		pt.Count++
		pt.Total += d
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]PhaseTotal, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Total > out[j].Total })
	return out, nil
}

// Phases writes trace totals.
func Phases(w io.Writer, totals []PhaseTotal, opts Options) {
	table := newTable(w, opts, "Phase", "Kind", "Count", "Total")
	for _, pt := range totals {
		table.Append([]string{pt.Name, pt.Flags.String(), humanize.Comma(int64(pt.Count)), pt.Total.String()})
	}
	table.Render()
}
