package vps

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vps/internal/pagepool"
)

var ErrPoolExhausted = errors.New("vps: pool exhausted")

// Pool is a fixed set of VPSs with IDs 1 through n. Free VPSs are threaded
// through their next links; an allocated VPS links to itself.
type Pool struct {
	vpss []*VPS
	head *VPS
	free int
}

// NewPool creates n VPSs drawing VMCS pages from pages.
func NewPool(n int, pages pagepool.Allocator) (*Pool, error) {
	if n <= 0 || n >= int(SentinelID) {
		return nil, fmt.Errorf("vps: invalid pool size %d", n)
	}
	p := &Pool{vpss: make([]*VPS, n)}
	for i := n - 1; i >= 0; i-- {
		v := New(pages)
		if err := v.Initialize(uint16(i + 1)); err != nil {
			return nil, err
		}
		v.SetNext(p.head)
		p.head = v
		p.vpss[i] = v
	}
	p.free = n
	return p, nil
}

// Allocate takes the lowest free VPS and allocates it on c.
func (p *Pool) Allocate(c *Core) (*VPS, error) {
	v := p.head
	if v == nil {
		return nil, ErrPoolExhausted
	}
	next := v.Next()

	if v.ID() == InvalidID {
		id := p.indexOf(v) + 1
		if err := v.Initialize(uint16(id)); err != nil {
			return nil, err
		}
	}
	if err := v.Allocate(c); err != nil {
		return nil, err
	}
	p.head = next
	p.free--
	return v, nil
}

// Free deallocates v and returns it to the pool.
func (p *Pool) Free(c *Core, v *VPS) error {
	if p.indexOf(v) < 0 {
		return fmt.Errorf("vps: vps %d does not belong to this pool", v.ID())
	}
	if !v.IsAllocated() {
		return fmt.Errorf("%w: vps %d", ErrNotAllocated, v.ID())
	}
	v.Deallocate(c)
	v.SetNext(p.head)
	p.head = v
	p.free++
	return nil
}

// Get returns the VPS with the given ID.
func (p *Pool) Get(id uint16) (*VPS, bool) {
	if id == InvalidID || int(id) > len(p.vpss) {
		return nil, false
	}
	return p.vpss[id-1], true
}

// Len returns the pool size.
func (p *Pool) Len() int { return len(p.vpss) }

// Available returns the number of free VPSs.
func (p *Pool) Available() int { return p.free }

// Release releases every allocated VPS on c.
func (p *Pool) Release(c *Core) {
	for _, v := range p.vpss {
		if v.IsAllocated() {
			if err := p.Free(c, v); err != nil {
				c.Logger().Warn("vps: pool release", "vps", v.ID(), "error", err)
			}
		}
	}
}

func (p *Pool) indexOf(v *VPS) int {
	for i, candidate := range p.vpss {
		if candidate == v {
			return i
		}
	}
	return -1
}
