// Package trace records how long each phase of a boot attempt took. The
// file format is a small header, a JSON table of kinds padded to a page, and
// fixed-size binary records.
package trace

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	Magic   uint32 = 0x52544c42 // "BLTR"
	Version uint32 = 1

	pageSize = 4096
)

var (
	ErrClosed     = errors.New("trace: writer closed")
	ErrBadMagic   = errors.New("trace: invalid magic")
	ErrBadVersion = errors.New("trace: unsupported version")
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

type KindID uint64

const InvalidKind = KindID(0)

type Flags uint32

const (
	// FlagPhase marks a dispatcher state.
	FlagPhase Flags = 1 << iota
	// FlagIO marks time spent reading images before the pipeline starts.
	FlagIO
)

func (f Flags) String() string {
	var flags []string
	if f&FlagPhase != 0 {
		flags = append(flags, "phase")
	}
	if f&FlagIO != 0 {
		flags = append(flags, "io")
	}
	return strings.Join(flags, ",")
}

type KindInfo struct {
	Name  string
	Flags Flags
}

var kinds = make(map[KindID]KindInfo)

// RegisterKind adds a record kind. Call it from package initialization only.
func RegisterKind(name string, flags Flags) KindID {
	id := KindID(len(kinds) + 1)
	kinds[id] = KindInfo{Name: name, Flags: flags}
	return id
}

type record struct {
	ID       KindID
	Duration int64
}

var recordSize = binary.Size(record{})

// Writer streams records to an io.Writer from a background goroutine.
type Writer struct {
	w       io.Writer
	records chan record
	done    chan error
	closed  bool
}

// Open writes the header and kind table to w and starts the writer.
func Open(w io.Writer) (*Writer, error) {
	table, err := json.Marshal(kinds)
	if err != nil {
		return nil, fmt.Errorf("trace: marshal kinds: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("trace: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("trace: write kinds: %w", err)
	}
	if pad := padding(binary.Size(header{}) + len(table)); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("trace: write padding: %w", err)
		}
	}

	tw := &Writer{
		w:       w,
		records: make(chan record, 256),
		done:    make(chan error, 1),
	}
	go tw.run()
	return tw, nil
}

func padding(off int) int {
	if off%pageSize == 0 {
		return 0
	}
	return pageSize - off%pageSize
}

func (tw *Writer) run() {
	var buf [pageSize]byte
	off := 0
	for rec := range tw.records {
		if off+recordSize > len(buf) {
			if _, err := tw.w.Write(buf[:off]); err != nil {
				tw.done <- err
				for range tw.records {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint64(buf[off:], uint64(rec.ID))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(rec.Duration))
		off += recordSize
	}
	if off > 0 {
		if _, err := tw.w.Write(buf[:off]); err != nil {
			tw.done <- err
			return
		}
	}
	tw.done <- nil
}

// Record queues one record. Records after Close are dropped.
func (tw *Writer) Record(id KindID, d time.Duration) {
	if tw == nil || tw.closed {
		return
	}
	tw.records <- record{ID: id, Duration: d.Nanoseconds()}
}

// Close flushes queued records. It is safe to call as a handoff quiesce
// hook and again afterwards.
func (tw *Writer) Close() error {
	if tw.closed {
		return nil
	}
	tw.closed = true
	close(tw.records)
	if err := <-tw.done; err != nil {
		return fmt.Errorf("trace: flush: %w", err)
	}
	return nil
}

// Recorder measures the time between successive marks. A nil Recorder
// records nothing.
type Recorder struct {
	w    *Writer
	last time.Time
	now  func() time.Time
}

func NewRecorder(w *Writer) *Recorder {
	return &Recorder{w: w, last: time.Now(), now: time.Now}
}

// Record charges the time since the previous mark to id.
func (r *Recorder) Record(id KindID) {
	if r == nil {
		return
	}
	now := r.now()
	r.w.Record(id, now.Sub(r.last))
	r.last = now
}

// Reset starts a new interval without recording the elapsed one.
func (r *Recorder) Reset() {
	if r == nil {
		return
	}
	r.last = r.now()
}

// ReadAll decodes a trace file, calling fn for each record in order.
func ReadAll(r io.Reader, fn func(name string, flags Flags, d time.Duration) error) error {
	buf := bufio.NewReaderSize(r, pageSize)

	var h header
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("trace: read header: %w", err)
	}
	if h.Magic != Magic {
		return ErrBadMagic
	}
	if h.Version != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}

	var table map[KindID]KindInfo
	if err := json.NewDecoder(io.LimitReader(buf, int64(h.KindsLength))).Decode(&table); err != nil {
		return fmt.Errorf("trace: decode kinds: %w", err)
	}
	if pad := padding(binary.Size(h) + int(h.KindsLength)); pad > 0 {
		if _, err := buf.Discard(pad); err != nil {
			return fmt.Errorf("trace: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("trace: read record: %w", err)
		}
		kind, ok := table[rec.ID]
		if !ok {
			return fmt.Errorf("trace: unknown kind %d", rec.ID)
		}
		if err := fn(kind.Name, kind.Flags, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}
