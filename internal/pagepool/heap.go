package pagepool

import (
	"log/slog"
)

// DefaultPhysBase is where HeapPool places its first page.
const DefaultPhysBase uint64 = 0x0000000100000000

// HeapPool serves pages from the Go heap. Physical addresses are synthetic
// but stable, which is all a simulated processor needs.
type HeapPool struct {
	p *pool
}

// NewHeapPool creates a pool of n pages.
func NewHeapPool(n int) *HeapPool {
	p, err := newPool(make([]byte, n*PageSize), DefaultPhysBase)
	if err != nil {
		// DefaultPhysBase is aligned.
		panic(err)
	}
	return &HeapPool{p: p}
}

// Allocate implements Allocator.
func (h *HeapPool) Allocate(tag Tag) (*Page, error) { return h.p.allocate(tag) }

// Free implements Allocator.
func (h *HeapPool) Free(page *Page, tag Tag) {
	if err := h.p.release(page, tag); err != nil {
		slog.Error("pagepool: free", "error", err)
	}
}

// VirtToPhys implements Allocator.
func (h *HeapPool) VirtToPhys(page *Page) (uint64, error) { return h.p.virtToPhys(page) }

// Lookup returns the bytes of the allocated page at phys, or nil.
func (h *HeapPool) Lookup(phys uint64) []byte { return h.p.lookup(phys) }

// Outstanding returns the number of allocated pages per tag.
func (h *HeapPool) Outstanding() Stats { return h.p.snapshot() }

var _ Allocator = &HeapPool{}
