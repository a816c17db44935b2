// Package exitlog records VM exits taken on a core.
package exitlog

import (
	"sync"
	"time"

	"github.com/tinyrange/vps/internal/hv"
	"github.com/tinyrange/vps/internal/vmcs"
)

// Record is one VM exit. All fields are fixed size so records can be
// encoded with encoding/binary directly.
type Record struct {
	VMID  uint16
	VPID  uint16
	VPSID uint16

	Reason          vmcs.ExitReason
	Qualification   uint64
	InstructionInfo uint64

	GPRs hv.GPRs
	Rsp  uint64
	Rip  uint64

	// Guest is the wall clock time between entry and exit.
	Guest time.Duration
}

// Sink receives every record appended to a Log.
type Sink interface {
	WriteRecord(core uint16, rec *Record) error
}

// Log is a bounded ring of the most recent exits on one core. When full the
// oldest record is overwritten.
type Log struct {
	mu      sync.Mutex
	core    uint16
	enabled bool
	ring    []Record
	next    int
	count   int
	total   uint64
	sink    Sink
	sinkErr error
}

// New creates an enabled log holding up to capacity records. A capacity of
// zero still counts exits but keeps none.
func New(core uint16, capacity int) *Log {
	if capacity < 0 {
		capacity = 0
	}
	return &Log{
		core:    core,
		enabled: true,
		ring:    make([]Record, capacity),
	}
}

// Enabled reports whether Append records anything. A nil Log is disabled.
func (l *Log) Enabled() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

func (l *Log) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// SetSink mirrors every appended record to s. Pass nil to detach.
func (l *Log) SetSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = s
	l.sinkErr = nil
}

// Append adds rec. The first sink error is retained and reported by Err;
// later records are still kept in the ring.
func (l *Log) Append(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	l.total++
	if l.sink != nil && l.sinkErr == nil {
		l.sinkErr = l.sink.WriteRecord(l.core, &rec)
	}
	if len(l.ring) == 0 {
		return
	}
	l.ring[l.next] = rec
	l.next = (l.next + 1) % len(l.ring)
	if l.count < len(l.ring) {
		l.count++
	}
}

// Len returns the number of records currently held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Total returns the number of records appended since the last Reset,
// including ones that have been overwritten.
func (l *Log) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Records returns the held records, oldest first.
func (l *Log) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, 0, l.count)
	start := (l.next - l.count + len(l.ring)) % max(len(l.ring), 1)
	for i := 0; i < l.count; i++ {
		out = append(out, l.ring[(start+i)%len(l.ring)])
	}
	return out
}

// Last returns the most recent record.
func (l *Log) Last() (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return Record{}, false
	}
	return l.ring[(l.next-1+len(l.ring))%len(l.ring)], true
}

// Err returns the first error reported by the sink.
func (l *Log) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sinkErr
}

// Reset drops all held records.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.ring)
	l.next = 0
	l.count = 0
	l.total = 0
}
