//go:build linux

package pagepool

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// MmapPool serves pages from one anonymous mapping locked into memory so the
// pages are never swapped out from under a loaded control structure.
type MmapPool struct {
	p   *pool
	mem []byte
}

// NewMmapPool maps n pages. physBase is the address the first page is
// reported at.
func NewMmapPool(n int, physBase uint64) (*MmapPool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("pagepool: invalid page count %d", n)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		n*PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("pagepool: mmap %d pages: %w", n, err)
	}

	// Locking can fail under RLIMIT_MEMLOCK; the pool still works unlocked.
	if err := unix.Mlock(mem); err != nil {
		slog.Debug("pagepool: mlock", "pages", n, "error", err)
	}

	p, err := newPool(mem, physBase)
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return &MmapPool{p: p, mem: mem}, nil
}

// Allocate implements Allocator.
func (m *MmapPool) Allocate(tag Tag) (*Page, error) { return m.p.allocate(tag) }

// Free implements Allocator. The page contents are dropped back to the kernel.
func (m *MmapPool) Free(page *Page, tag Tag) {
	if page == nil {
		return
	}
	virt := page.Bytes()
	if err := m.p.release(page, tag); err != nil {
		slog.Error("pagepool: free", "error", err)
		return
	}
	if err := unix.Madvise(virt, unix.MADV_DONTNEED); err != nil {
		slog.Debug("pagepool: madvise", "error", err)
	}
}

// VirtToPhys implements Allocator.
func (m *MmapPool) VirtToPhys(page *Page) (uint64, error) { return m.p.virtToPhys(page) }

// Lookup returns the bytes of the allocated page at phys, or nil.
func (m *MmapPool) Lookup(phys uint64) []byte { return m.p.lookup(phys) }

// Outstanding returns the number of allocated pages per tag.
func (m *MmapPool) Outstanding() Stats { return m.p.snapshot() }

// Close unmaps the pool. Pages still allocated become invalid.
func (m *MmapPool) Close() error {
	if m.mem == nil {
		return nil
	}
	mem := m.mem
	m.mem = nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("pagepool: munmap: %w", err)
	}
	return nil
}

var _ Allocator = &MmapPool{}
