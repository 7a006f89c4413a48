// Package layout decides where each piece of a boot attempt lives in
// physical memory.
package layout

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrConflict      = errors.New("layout: region conflict")
	ErrExhausted     = errors.New("layout: no space for region")
	ErrInvalid       = errors.New("layout: invalid request")
	ErrOutsideRegion = errors.New("layout: access outside region")
)

// Role names what a region holds.
type Role int

const (
	RoleKernel Role = iota
	RoleInitrd
	RoleCmdline
	RoleInfo
	RoleModuleTable
)

// roleOrder is the placement priority. The kernel is the least flexible and
// goes first; loader-owned structures are fully relocatable and go last.
var roleOrder = []Role{RoleKernel, RoleInitrd, RoleCmdline, RoleInfo, RoleModuleTable}

func (r Role) String() string {
	switch r {
	case RoleKernel:
		return "kernel"
	case RoleInitrd:
		return "initrd"
	case RoleCmdline:
		return "cmdline"
	case RoleInfo:
		return "info"
	case RoleModuleTable:
		return "module-table"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Region is a named half-open physical range [Base, Base+Size).
type Region struct {
	Name  string
	Base  uint64
	Size  uint64
	Align uint64
}

func (r Region) End() uint64 { return r.Base + r.Size }

// Overlaps reports whether r and o share at least one byte.
func (r Region) Overlaps(o Region) bool {
	if r.Size == 0 || o.Size == 0 {
		return false
	}
	return r.Base < o.End() && o.Base < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("%s [%#x-%#x)", r.Name, r.Base, r.End())
}

// Mode selects how a request is placed.
type Mode int

const (
	// Probe starts at the preferred base and walks forward in alignment
	// steps until the region fits.
	Probe Mode = iota
	// Fixed places the region exactly at the preferred base.
	Fixed
	// Adjacent places the region exactly at the aligned end of the most
	// recently placed region.
	Adjacent
)

func (m Mode) String() string {
	switch m {
	case Probe:
		return "probe"
	case Fixed:
		return "fixed"
	case Adjacent:
		return "adjacent"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Request asks for Size bytes for Role. A zero Base in Probe mode means "just
// past the previously placed region".
type Request struct {
	Role  Role
	Size  uint64
	Align uint64
	Base  uint64
	Mode  Mode
}

// ConflictError reports a fixed placement that collides with another region.
type ConflictError struct {
	Role   Role
	Region Region
	With   Region
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("layout: fixed region %s overlaps %s", e.Region, e.With)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ExhaustedError reports a probed placement that found no room.
type ExhaustedError struct {
	Role Role
	Size uint64
	From uint64
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("layout: no room for %s (%#x bytes) searching from %#x", e.Role, e.Size, e.From)
}

func (e *ExhaustedError) Unwrap() error { return ErrExhausted }

const (
	defaultWindow = 1 << 30
)

// Options bound the planner.
type Options struct {
	// Loader is the loader's own code and data.
	Loader Region
	// Window bounds how far past its starting point a probe may search.
	// Default: 1 GiB.
	Window uint64
	// Limit is the first address past usable physical memory. Zero means
	// the full 64-bit space.
	Limit uint64
}

// Planner produces layout plans. It holds no per-attempt state.
type Planner struct {
	opts Options
}

func New(opts Options) *Planner {
	if opts.Window == 0 {
		opts.Window = defaultWindow
	}
	return &Planner{opts: opts}
}

// Plan places every request in role priority order. Regions never overlap
// each other, the loader, or any reserved region.
func (p *Planner) Plan(requests []Request, reserved []Region) (*Plan, error) {
	byRole := make(map[Role]Request, len(requests))
	for _, req := range requests {
		if _, dup := byRole[req.Role]; dup {
			return nil, fmt.Errorf("layout: duplicate request for %s: %w", req.Role, ErrInvalid)
		}
		if req.Align == 0 {
			req.Align = 1
		}
		if req.Align&(req.Align-1) != 0 {
			return nil, fmt.Errorf("layout: alignment %#x is not a power of 2 for %s: %w", req.Align, req.Role, ErrInvalid)
		}
		byRole[req.Role] = req
	}

	blocked := make([]Region, 0, len(reserved)+1+len(requests))
	if p.opts.Loader.Size != 0 {
		loader := p.opts.Loader
		if loader.Name == "" {
			loader.Name = "loader"
		}
		blocked = append(blocked, loader)
	}
	blocked = append(blocked, reserved...)

	plan := &Plan{regions: make(map[Role]Region, len(requests))}
	var last Region
	var havePlaced bool

	for _, role := range roleOrder {
		req, ok := byRole[role]
		if !ok || req.Size == 0 {
			continue
		}

		var region Region
		var err error
		switch req.Mode {
		case Fixed:
			region, err = p.fixed(req, req.Base, blocked)
		case Adjacent:
			if !havePlaced {
				return nil, fmt.Errorf("layout: %s is adjacent but nothing precedes it: %w", role, ErrInvalid)
			}
			region, err = p.fixed(req, alignUp(last.End(), req.Align), blocked)
		case Probe:
			start := req.Base
			if start == 0 && havePlaced {
				start = last.End()
			}
			region, err = p.probe(req, start, blocked)
		default:
			return nil, fmt.Errorf("layout: unknown mode %s for %s: %w", req.Mode, role, ErrInvalid)
		}
		if err != nil {
			return nil, err
		}

		blocked = append(blocked, region)
		plan.order = append(plan.order, role)
		plan.regions[role] = region
		last = region
		havePlaced = true
	}

	return plan, nil
}

func (p *Planner) fixed(req Request, base uint64, blocked []Region) (Region, error) {
	region := Region{Name: req.Role.String(), Base: base, Size: req.Size, Align: req.Align}
	if base%req.Align != 0 {
		return Region{}, &ConflictError{Role: req.Role, Region: region, With: Region{Name: fmt.Sprintf("alignment %#x", req.Align), Base: base}}
	}
	if end := base + req.Size; end < base || (p.opts.Limit != 0 && end > p.opts.Limit) {
		return Region{}, &ConflictError{Role: req.Role, Region: region, With: Region{Name: "memory limit", Base: p.opts.Limit, Size: math.MaxUint64 - p.opts.Limit}}
	}
	for _, other := range blocked {
		if region.Overlaps(other) {
			return Region{}, &ConflictError{Role: req.Role, Region: region, With: other}
		}
	}
	return region, nil
}

// probe returns the first aligned candidate at or after start that fits.
// When a candidate collides, the search resumes at the aligned end of the
// colliding region; every aligned step in between would collide too.
func (p *Planner) probe(req Request, start uint64, blocked []Region) (Region, error) {
	from := alignUp(start, req.Align)
	windowEnd := from + p.opts.Window
	if windowEnd < from {
		windowEnd = math.MaxUint64
	}

	candidate := from
	for candidate >= from && candidate < windowEnd {
		region := Region{Name: req.Role.String(), Base: candidate, Size: req.Size, Align: req.Align}
		end := candidate + req.Size
		if end < candidate || (p.opts.Limit != 0 && end > p.opts.Limit) {
			break
		}
		collided := false
		for _, other := range blocked {
			if region.Overlaps(other) {
				next := alignUp(other.End(), req.Align)
				if next <= candidate {
					next = candidate + req.Align
				}
				candidate = next
				collided = true
				break
			}
		}
		if !collided {
			return region, nil
		}
	}
	return Region{}, &ExhaustedError{Role: req.Role, Size: req.Size, From: from}
}

// Plan is the placement chosen for one boot attempt.
type Plan struct {
	order   []Role
	regions map[Role]Region
}

// Region returns the region assigned to role.
func (p *Plan) Region(role Role) (Region, bool) {
	r, ok := p.regions[role]
	return r, ok
}

// Roles returns the placed roles in placement order.
func (p *Plan) Roles() []Role {
	out := make([]Role, len(p.order))
	copy(out, p.order)
	return out
}

// Regions returns the placed regions in placement order.
func (p *Plan) Regions() []Region {
	out := make([]Region, 0, len(p.order))
	for _, role := range p.order {
		out = append(out, p.regions[role])
	}
	return out
}

func (p *Plan) String() string {
	var sb strings.Builder
	for i, r := range p.Regions() {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(r.String())
	}
	return sb.String()
}

func alignUp(value, align uint64) uint64 {
	if align <= 1 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
