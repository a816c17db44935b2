package vps

import (
	"encoding/binary"
	"fmt"

	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/vps/internal/hv"
	"github.com/tinyrange/vps/internal/intrinsic"
	"github.com/tinyrange/vps/internal/pagepool"
	"github.com/tinyrange/vps/internal/vmcs"
)

const (
	// InvalidID marks an uninitialized VPS and a core with nothing loaded.
	InvalidID uint16 = 0
	// SentinelID is reserved and can never be assigned.
	SentinelID uint16 = 0xFFFF
	// Unassigned is the VP and PP assignment of a fresh VPS.
	Unassigned uint16 = 0xFFFF
)

// InvalidValue may never be written to a field. Only the full 64-bit value
// is rejected; all ones in a narrower field, such as a flat segment limit, is
// an ordinary value.
const InvalidValue uint64 = 0xFFFFFFFFFFFFFFFF

// shadow holds guest state with no VMCS field.
type shadow struct {
	cr2          uint64
	dr6          uint64
	star         uint64
	lstar        uint64
	cstar        uint64
	fmask        uint64
	kernelGsBase uint64

	launched bool
}

// VPS is one virtual processor state. The zero value is not usable; create
// one with New.
type VPS struct {
	id         uint16
	assignedVP uint16
	assignedPP uint16

	pages pagepool.Allocator
	page  *pagepool.Page
	phys  uint64

	// next threads the VPS through its pool. It points at the VPS itself
	// exactly while the VPS is allocated.
	next *VPS

	// gprs is the register bank while the VPS is not active on a core.
	gprs   hv.GPRs
	shadow shadow
}

// New returns an uninitialized VPS drawing its VMCS page from pages.
func New(pages pagepool.Allocator) *VPS {
	return &VPS{
		pages:      pages,
		assignedVP: Unassigned,
		assignedPP: Unassigned,
	}
}

// Initialize assigns the VPS its ID.
func (v *VPS) Initialize(id uint16) error {
	if v.id != InvalidID {
		return fmt.Errorf("%w: id %d", ErrAlreadyInitialized, v.id)
	}
	if id == InvalidID || id == SentinelID {
		return fmt.Errorf("%w: %#x", ErrInvalidID, id)
	}
	v.id = id
	return nil
}

// Allocate obtains the VMCS page, makes it current on c and captures the
// host state of c into it. Nothing is left allocated when it fails.
func (v *VPS) Allocate(c *Core) error {
	if v.id == InvalidID {
		return ErrNotInitialized
	}
	if v.IsAllocated() {
		return fmt.Errorf("%w: vps %d", ErrAlreadyAllocated, v.id)
	}

	page, err := v.pages.Allocate(pagepool.TagVMCS)
	if err != nil || page == nil {
		return fmt.Errorf("%w: vps %d: %v", ErrAllocationFailed, v.id, err)
	}

	cu := cleanup.Make(func() {
		if c.LoadedVPS == v.id {
			if err := c.Intrinsics.VMClear(v.phys); err != nil {
				c.log.Warn("vps: clear after failed allocate", "vps", v.id, "error", err)
			}
			c.LoadedVPS = InvalidID
		}
		v.pages.Free(page, pagepool.TagVMCS)
		v.page = nil
		v.phys = 0
		v.shadow = shadow{}
	})
	defer cu.Clean()

	phys, err := v.pages.VirtToPhys(page)
	if err != nil {
		return fmt.Errorf("%w: vps %d: %v", ErrAllocationFailed, v.id, err)
	}
	v.page = page
	v.phys = phys

	basic, err := c.Intrinsics.ReadMSR(intrinsic.MSRIA32VMXBasic)
	if err != nil {
		return fmt.Errorf("%w: vps %d: read IA32_VMX_BASIC: %v", ErrAllocationFailed, v.id, err)
	}
	binary.LittleEndian.PutUint32(page.Bytes()[:4], uint32(basic&vmcs.RevisionIDMask))

	if err := c.Intrinsics.VMClear(phys); err != nil {
		return fmt.Errorf("%w: vps %d: vmclear: %w", ErrLoadFailed, v.id, err)
	}
	// A previous VPS with this ID may still be recorded as loaded here.
	if c.LoadedVPS == v.id {
		c.LoadedVPS = InvalidID
	}
	if err := v.load(c); err != nil {
		return err
	}
	if err := v.initVMCS(c); err != nil {
		return err
	}

	v.next = v
	cu.Release()

	c.log.Debug("vps: allocated", "vps", v.id, "phys", fmt.Sprintf("%#x", phys))
	return nil
}

// Deallocate returns the VMCS page and resets all guest state. It does
// nothing when the VPS is not allocated.
func (v *VPS) Deallocate(c *Core) {
	if !v.IsAllocated() {
		return
	}

	if err := c.Intrinsics.VMClear(v.phys); err != nil {
		c.log.Warn("vps: vmclear on deallocate", "vps", v.id, "error", err)
	}
	if c.LoadedVPS == v.id {
		c.LoadedVPS = InvalidID
	}
	if c.ActiveVPS == v.id {
		c.GPRs = hv.GPRs{}
		c.ActiveVPS = InvalidID
		c.ActiveVP = Unassigned
		c.active = nil
	}

	v.gprs = hv.GPRs{}
	v.shadow = shadow{}
	v.pages.Free(v.page, pagepool.TagVMCS)
	v.page = nil
	v.phys = 0
	v.assignedVP = Unassigned
	v.assignedPP = Unassigned
	v.next = nil

	c.log.Debug("vps: deallocated", "vps", v.id)
}

// Release deallocates the VPS and forgets its ID. It is safe to call in any
// state, any number of times.
func (v *VPS) Release(c *Core) {
	v.Deallocate(c)
	v.id = InvalidID
}

// IsAllocated reports whether the VPS owns a VMCS.
func (v *VPS) IsAllocated() bool { return v.next == v }

func (v *VPS) ID() uint16 { return v.id }

// Next returns the pool link.
func (v *VPS) Next() *VPS { return v.next }

// SetNext sets the pool link. Pointing it anywhere but the VPS itself marks
// the VPS as not allocated, so it is only meant for threading free VPSs.
func (v *VPS) SetNext(next *VPS) { v.next = next }

func (v *VPS) AssignVP(id uint16) { v.assignedVP = id }
func (v *VPS) AssignPP(id uint16) { v.assignedPP = id }
func (v *VPS) AssignedVP() uint16 { return v.assignedVP }
func (v *VPS) AssignedPP() uint16 { return v.assignedPP }

// PhysAddr returns the physical address of the VMCS, or 0.
func (v *VPS) PhysAddr() uint64 { return v.phys }

// IsActive reports whether the register bank of v lives in c.GPRs.
func (v *VPS) IsActive(c *Core) bool {
	return v.id != InvalidID && c.ActiveVPS == v.id
}

// SetActive moves the register bank into the transient area of c. Any other
// VPS active on c is deactivated first.
func (v *VPS) SetActive(c *Core) {
	if v.id == InvalidID || v.IsActive(c) {
		return
	}
	if prev := c.active; prev != nil && prev != v {
		prev.SetInactive(c)
	}
	c.GPRs = v.gprs
	c.ActiveVPS = v.id
	c.ActiveVP = v.assignedVP
	c.active = v
}

// SetInactive copies the transient area back into the VPS.
func (v *VPS) SetInactive(c *Core) {
	if !v.IsActive(c) {
		return
	}
	v.gprs = c.GPRs
	c.GPRs = hv.GPRs{}
	c.ActiveVPS = InvalidID
	c.ActiveVP = Unassigned
	c.active = nil
}

// bank selects where the register bank currently lives.
func (v *VPS) bank(c *Core) *hv.GPRs {
	if v.IsActive(c) {
		return &c.GPRs
	}
	return &v.gprs
}

// load makes the VMCS current on c unless it already is.
func (v *VPS) load(c *Core) error {
	if c.LoadedVPS == v.id {
		return nil
	}
	if err := c.Intrinsics.VMPtrLd(v.phys); err != nil {
		return fmt.Errorf("%w: vps %d on core %d: %w", ErrLoadFailed, v.id, c.ID, err)
	}
	c.LoadedVPS = v.id
	return nil
}
