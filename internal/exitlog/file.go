package exitlog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/tinyrange/vps/internal/vmcs"
)

// The file format is a sequence of entries, each a 16 byte header followed by
// a payload:
//   - 2 bytes kind (0 = invalid, 1 = exit record)
//   - 2 bytes core
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - payload (Record, little endian)
//
// Writers reserve space by atomically advancing the file offset, so several
// cores can share one file.

const headerSize = 16

type Kind uint16

const (
	KindInvalid Kind = iota
	KindRecord
)

var ErrInvalidEntry = errors.New("exitlog: invalid entry")

var recordSize = binary.Size(Record{})

func encodeHeader(kind Kind, core uint16, length int, ts time.Time) [headerSize]byte {
	var h [headerSize]byte
	binary.LittleEndian.PutUint16(h[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(h[2:4], core)
	binary.LittleEndian.PutUint32(h[4:8], uint32(length))
	binary.LittleEndian.PutUint64(h[8:16], uint64(ts.UnixNano()))
	return h
}

func decodeHeader(h [headerSize]byte) (kind Kind, core uint16, length uint32, ts int64) {
	kind = Kind(binary.LittleEndian.Uint16(h[0:2]))
	core = binary.LittleEndian.Uint16(h[2:4])
	length = binary.LittleEndian.Uint32(h[4:8])
	ts = int64(binary.LittleEndian.Uint64(h[8:16]))
	return
}

// Writer appends records to an io.WriterAt. It is safe for concurrent use.
type Writer struct {
	w      io.WriterAt
	c      io.Closer
	offset atomic.Int64
	now    func() time.Time
}

func NewWriter(w io.WriterAt) *Writer {
	wr := &Writer{w: w, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		wr.c = c
	}
	return wr
}

// Create truncates filename and returns a Writer for it.
func Create(filename string) (*Writer, error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("exitlog: %w", err)
	}
	return NewWriter(f), nil
}

// WriteRecord implements Sink.
func (w *Writer) WriteRecord(core uint16, rec *Record) error {
	var buf bytes.Buffer
	buf.Grow(headerSize + recordSize)

	header := encodeHeader(KindRecord, core, recordSize, w.now())
	buf.Write(header[:])
	if err := binary.Write(&buf, binary.LittleEndian, rec); err != nil {
		return fmt.Errorf("exitlog: encode record: %w", err)
	}

	size := int64(buf.Len())
	off := w.offset.Add(size) - size
	if _, err := w.w.WriteAt(buf.Bytes(), off); err != nil {
		return fmt.Errorf("exitlog: write record: %w", err)
	}
	return nil
}

func (w *Writer) Close() error {
	if w.c == nil {
		return nil
	}
	return w.c.Close()
}

var _ Sink = &Writer{}

// Entry is a decoded record with the header information that came with it.
type Entry struct {
	Time   time.Time
	Core   uint16
	Record Record
}

// Filter selects entries in Reader.Search. Zero values match everything.
type Filter struct {
	Start time.Time
	End   time.Time

	// Cores restricts results to the listed cores.
	Cores []uint16

	// Reasons restricts results to the listed basic exit reasons.
	Reasons []vmcs.ExitReason

	// Limit keeps only the last Limit matches.
	Limit int
}

func (f *Filter) match(e *indexEntry) bool {
	if !f.Start.IsZero() && e.unixNano < f.Start.UnixNano() {
		return false
	}
	if !f.End.IsZero() && e.unixNano > f.End.UnixNano() {
		return false
	}
	if len(f.Cores) > 0 {
		found := false
		for _, c := range f.Cores {
			if c == e.core {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f *Filter) matchReason(r vmcs.ExitReason) bool {
	if len(f.Reasons) == 0 {
		return true
	}
	for _, want := range f.Reasons {
		if r.Basic() == want.Basic() {
			return true
		}
	}
	return false
}

type indexEntry struct {
	offset   int64
	core     uint16
	unixNano int64
}

// Reader indexes an exit log file.
type Reader struct {
	r        io.ReaderAt
	entries  []indexEntry
	earliest int64
	latest   int64
}

// NewReader indexes the log readable through r. indexReader must read the
// same bytes from the start; it is consumed sequentially.
func NewReader(r io.ReaderAt, indexReader io.Reader) (*Reader, error) {
	ret := &Reader{r: r}
	if err := ret.index(indexReader); err != nil {
		return nil, fmt.Errorf("exitlog: index: %w", err)
	}
	sort.SliceStable(ret.entries, func(i, j int) bool {
		return ret.entries[i].unixNano < ret.entries[j].unixNano
	})
	return ret, nil
}

// Open indexes filename. The returned closer releases the file.
func Open(filename string) (*Reader, io.Closer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("exitlog: %w", err)
	}
	r, err := NewReader(f, f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}

func (r *Reader) index(src io.Reader) error {
	br := bufio.NewReader(src)
	var off int64
	var h [headerSize]byte
	for {
		if _, err := io.ReadFull(br, h[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read header at %d: %w", off, err)
		}
		kind, core, length, ts := decodeHeader(h)
		if kind != KindRecord || int(length) != recordSize {
			return fmt.Errorf("%w: kind %d length %d at offset %d", ErrInvalidEntry, kind, length, off)
		}
		if _, err := br.Discard(int(length)); err != nil {
			return fmt.Errorf("skip record at %d: %w", off, err)
		}

		if r.earliest == 0 || ts < r.earliest {
			r.earliest = ts
		}
		if ts > r.latest {
			r.latest = ts
		}
		r.entries = append(r.entries, indexEntry{offset: off, core: core, unixNano: ts})
		off += headerSize + int64(length)
	}
}

// Len returns the number of records in the file.
func (r *Reader) Len() int { return len(r.entries) }

// TimeRange returns the earliest and latest timestamps in the log.
func (r *Reader) TimeRange() (time.Time, time.Time) {
	return time.Unix(0, r.earliest), time.Unix(0, r.latest)
}

// Cores returns the distinct cores present, in ascending order.
func (r *Reader) Cores() []uint16 {
	seen := make(map[uint16]bool)
	var out []uint16
	for _, e := range r.entries {
		if !seen[e.core] {
			seen[e.core] = true
			out = append(out, e.core)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Reader) load(e indexEntry) (Entry, error) {
	buf := make([]byte, recordSize)
	if _, err := r.r.ReadAt(buf, e.offset+headerSize); err != nil {
		return Entry{}, fmt.Errorf("exitlog: read record at %d: %w", e.offset, err)
	}
	out := Entry{Time: time.Unix(0, e.unixNano), Core: e.core}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &out.Record); err != nil {
		return Entry{}, fmt.Errorf("exitlog: decode record at %d: %w", e.offset, err)
	}
	return out, nil
}

// Search calls fn for every entry matching f in timestamp order.
func (r *Reader) Search(f Filter, fn func(Entry) error) error {
	var matched []Entry
	for _, ie := range r.entries {
		if !f.match(&ie) {
			continue
		}
		e, err := r.load(ie)
		if err != nil {
			return err
		}
		if !f.matchReason(e.Record.Reason) {
			continue
		}
		matched = append(matched, e)
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[len(matched)-f.Limit:]
	}
	for _, e := range matched {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Each calls fn for every entry in timestamp order.
func (r *Reader) Each(fn func(Entry) error) error {
	return r.Search(Filter{}, fn)
}
