// Package pagepool supplies zeroed, page aligned storage for control
// structures together with its physical address.
package pagepool

import (
	"errors"
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/hostarch"
)

var (
	ErrExhausted   = errors.New("pagepool: no pages left")
	ErrForeignPage = errors.New("pagepool: page not owned by this pool")
)

// Tag records what a page was allocated for. Frees must present the tag the
// page was allocated with.
type Tag string

const (
	TagVMCS Tag = "vmcs"
)

// PageSize is the size of every page handed out.
const PageSize = hostarch.PageSize

// Page is an owned page handle. The virtual mapping and the physical address
// travel together so holders never pair them up by hand.
type Page struct {
	virt []byte
	phys uint64
	tag  Tag
}

// Bytes returns the page contents.
func (p *Page) Bytes() []byte { return p.virt }

// Allocator is the page supply consumed by the virtual processor.
type Allocator interface {
	Allocate(tag Tag) (*Page, error)
	Free(page *Page, tag Tag)
	VirtToPhys(page *Page) (uint64, error)
}

// Stats counts outstanding pages per tag.
type Stats map[Tag]int

// pool is the bookkeeping shared by every Allocator in this package. Pages
// are carved from one backing slice; the physical address of page i is
// physBase + i*PageSize.
type pool struct {
	mu       sync.Mutex
	backing  []byte
	physBase uint64
	free     []int
	inUse    map[uint64]Tag
	stats    Stats
}

func newPool(backing []byte, physBase uint64) (*pool, error) {
	if physBase%PageSize != 0 {
		return nil, fmt.Errorf("pagepool: physical base 0x%x is not page aligned", physBase)
	}
	n := len(backing) / PageSize
	p := &pool{
		backing:  backing,
		physBase: physBase,
		free:     make([]int, 0, n),
		inUse:    make(map[uint64]Tag),
		stats:    make(Stats),
	}
	// Hand out low addresses first.
	for i := n - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p, nil
}

func (p *pool) allocate(tag Tag) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, ErrExhausted
	}
	i := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	virt := p.backing[i*PageSize : (i+1)*PageSize : (i+1)*PageSize]
	clear(virt)

	page := &Page{virt: virt, phys: p.physBase + uint64(i)*PageSize, tag: tag}
	p.inUse[page.phys] = tag
	p.stats[tag]++
	return page, nil
}

func (p *pool) release(page *Page, tag Tag) error {
	if page == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	owner, ok := p.inUse[page.phys]
	if !ok {
		return ErrForeignPage
	}
	if owner != tag {
		return fmt.Errorf("pagepool: page 0x%x allocated as %q freed as %q", page.phys, owner, tag)
	}
	delete(p.inUse, page.phys)
	p.stats[tag]--
	if p.stats[tag] == 0 {
		delete(p.stats, tag)
	}
	p.free = append(p.free, int((page.phys-p.physBase)/PageSize))
	page.virt = nil
	return nil
}

func (p *pool) virtToPhys(page *Page) (uint64, error) {
	if page == nil || page.virt == nil {
		return 0, ErrForeignPage
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[page.phys]; !ok {
		return 0, ErrForeignPage
	}
	return page.phys, nil
}

// lookup returns the bytes of the in-use page at phys.
func (p *pool) lookup(phys uint64) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[phys]; !ok {
		return nil
	}
	i := (phys - p.physBase) / PageSize
	return p.backing[i*PageSize : (i+1)*PageSize]
}

func (p *pool) snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(Stats, len(p.stats))
	for k, v := range p.stats {
		out[k] = v
	}
	return out
}
