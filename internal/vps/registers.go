package vps

import (
	"fmt"

	"github.com/tinyrange/vps/internal/hv"
	"github.com/tinyrange/vps/internal/vmcs"
)

// lookup resolves f and checks that the caller asked for its native width.
func lookup(f vmcs.Field, width vmcs.Width) (vmcs.Info, error) {
	info, ok := vmcs.Lookup(f)
	if !ok {
		return vmcs.Info{}, fmt.Errorf("%w: field %d", ErrUnsupportedField, uint16(f))
	}
	if info.Width != width {
		return vmcs.Info{}, fmt.Errorf("%w: %s is %s, accessed as %s", ErrUnsupportedField, info.Name, info.Width, width)
	}
	return info, nil
}

func (v *VPS) vmread(c *Core, info vmcs.Info) (uint64, error) {
	if err := v.load(c); err != nil {
		return 0, err
	}
	val, err := c.Intrinsics.VMRead(info.Encoding)
	if err != nil {
		return 0, fmt.Errorf("%w: vmread %s: %w", ErrAccessFailed, info.Name, err)
	}
	return val & info.Width.Mask(), nil
}

// vmwrite stores val into the field described by info, forcing the
// mandatory control bits on.
func (v *VPS) vmwrite(c *Core, f vmcs.Field, info vmcs.Info, val uint64) error {
	if mask, ok := vmcs.ForcedBits(f); ok {
		val |= mask
	}
	if err := v.load(c); err != nil {
		return err
	}
	if err := c.Intrinsics.VMWrite(info.Encoding, val&info.Width.Mask()); err != nil {
		return fmt.Errorf("%w: vmwrite %s: %w", ErrAccessFailed, info.Name, err)
	}
	return nil
}

// setField writes a field known to exist during host state capture.
func (v *VPS) setField(c *Core, f vmcs.Field, val uint64) error {
	return v.vmwrite(c, f, vmcs.MustLookup(f), val)
}

// Read reads field f, which must have the given width.
func (v *VPS) Read(c *Core, f vmcs.Field, width vmcs.Width) (uint64, error) {
	if !v.IsAllocated() {
		return 0, ErrNotAllocated
	}
	info, err := lookup(f, width)
	if err != nil {
		return 0, err
	}
	return v.vmread(c, info)
}

// Write writes field f, which must have the given width. The pin-based,
// VM-exit and VM-entry controls always have their mandatory bits set.
func (v *VPS) Write(c *Core, f vmcs.Field, width vmcs.Width, val uint64) error {
	if !v.IsAllocated() {
		return ErrNotAllocated
	}
	info, err := lookup(f, width)
	if err != nil {
		return err
	}
	if val == InvalidValue {
		return fmt.Errorf("%w: %#x to %s", ErrInvalidValue, val, info.Name)
	}
	return v.vmwrite(c, f, info, val)
}

func (v *VPS) Read16(c *Core, f vmcs.Field) (uint16, error) {
	val, err := v.Read(c, f, vmcs.Width16)
	return uint16(val), err
}

func (v *VPS) Read32(c *Core, f vmcs.Field) (uint32, error) {
	val, err := v.Read(c, f, vmcs.Width32)
	return uint32(val), err
}

func (v *VPS) Read64(c *Core, f vmcs.Field) (uint64, error) {
	return v.Read(c, f, vmcs.Width64)
}

func (v *VPS) Write16(c *Core, f vmcs.Field, val uint16) error {
	return v.Write(c, f, vmcs.Width16, uint64(val))
}

func (v *VPS) Write32(c *Core, f vmcs.Field, val uint32) error {
	return v.Write(c, f, vmcs.Width32, uint64(val))
}

func (v *VPS) Write64(c *Core, f vmcs.Field, val uint64) error {
	return v.Write(c, f, vmcs.Width64, val)
}

// registerFields maps every register kept in the VMCS to its field.
var registerFields = map[hv.Register]vmcs.Field{
	hv.RegisterAMD64Rsp:    vmcs.GuestRSP,
	hv.RegisterAMD64Rip:    vmcs.GuestRIP,
	hv.RegisterAMD64Rflags: vmcs.GuestRFLAGS,

	hv.RegisterAMD64GdtrBase:  vmcs.GuestGDTRBase,
	hv.RegisterAMD64GdtrLimit: vmcs.GuestGDTRLimit,
	hv.RegisterAMD64IdtrBase:  vmcs.GuestIDTRBase,
	hv.RegisterAMD64IdtrLimit: vmcs.GuestIDTRLimit,

	hv.RegisterAMD64EsSelector:   vmcs.GuestESSelector,
	hv.RegisterAMD64EsAttrib:     vmcs.GuestESAccessRights,
	hv.RegisterAMD64EsLimit:      vmcs.GuestESLimit,
	hv.RegisterAMD64EsBase:       vmcs.GuestESBase,
	hv.RegisterAMD64CsSelector:   vmcs.GuestCSSelector,
	hv.RegisterAMD64CsAttrib:     vmcs.GuestCSAccessRights,
	hv.RegisterAMD64CsLimit:      vmcs.GuestCSLimit,
	hv.RegisterAMD64CsBase:       vmcs.GuestCSBase,
	hv.RegisterAMD64SsSelector:   vmcs.GuestSSSelector,
	hv.RegisterAMD64SsAttrib:     vmcs.GuestSSAccessRights,
	hv.RegisterAMD64SsLimit:      vmcs.GuestSSLimit,
	hv.RegisterAMD64SsBase:       vmcs.GuestSSBase,
	hv.RegisterAMD64DsSelector:   vmcs.GuestDSSelector,
	hv.RegisterAMD64DsAttrib:     vmcs.GuestDSAccessRights,
	hv.RegisterAMD64DsLimit:      vmcs.GuestDSLimit,
	hv.RegisterAMD64DsBase:       vmcs.GuestDSBase,
	hv.RegisterAMD64FsSelector:   vmcs.GuestFSSelector,
	hv.RegisterAMD64FsAttrib:     vmcs.GuestFSAccessRights,
	hv.RegisterAMD64FsLimit:      vmcs.GuestFSLimit,
	hv.RegisterAMD64FsBase:       vmcs.GuestFSBase,
	hv.RegisterAMD64GsSelector:   vmcs.GuestGSSelector,
	hv.RegisterAMD64GsAttrib:     vmcs.GuestGSAccessRights,
	hv.RegisterAMD64GsLimit:      vmcs.GuestGSLimit,
	hv.RegisterAMD64GsBase:       vmcs.GuestGSBase,
	hv.RegisterAMD64LdtrSelector: vmcs.GuestLDTRSelector,
	hv.RegisterAMD64LdtrAttrib:   vmcs.GuestLDTRAccessRights,
	hv.RegisterAMD64LdtrLimit:    vmcs.GuestLDTRLimit,
	hv.RegisterAMD64LdtrBase:     vmcs.GuestLDTRBase,
	hv.RegisterAMD64TrSelector:   vmcs.GuestTRSelector,
	hv.RegisterAMD64TrAttrib:     vmcs.GuestTRAccessRights,
	hv.RegisterAMD64TrLimit:      vmcs.GuestTRLimit,
	hv.RegisterAMD64TrBase:       vmcs.GuestTRBase,

	hv.RegisterAMD64Cr0: vmcs.GuestCR0,
	hv.RegisterAMD64Cr3: vmcs.GuestCR3,
	hv.RegisterAMD64Cr4: vmcs.GuestCR4,
	hv.RegisterAMD64Dr7: vmcs.GuestDR7,

	hv.RegisterAMD64Efer:        vmcs.GuestIA32EFER,
	hv.RegisterAMD64Pat:         vmcs.GuestIA32PAT,
	hv.RegisterAMD64DebugCtl:    vmcs.GuestIA32DebugCtl,
	hv.RegisterAMD64SysenterCs:  vmcs.GuestIA32SysenterCS,
	hv.RegisterAMD64SysenterEsp: vmcs.GuestIA32SysenterESP,
	hv.RegisterAMD64SysenterEip: vmcs.GuestIA32SysenterEIP,
}

// shadowRef returns the shadow slot for registers the VMCS does not hold.
func (v *VPS) shadowRef(r hv.Register) *uint64 {
	switch r {
	case hv.RegisterAMD64Cr2:
		return &v.shadow.cr2
	case hv.RegisterAMD64Dr6:
		return &v.shadow.dr6
	case hv.RegisterAMD64Star:
		return &v.shadow.star
	case hv.RegisterAMD64Lstar:
		return &v.shadow.lstar
	case hv.RegisterAMD64Cstar:
		return &v.shadow.cstar
	case hv.RegisterAMD64Fmask:
		return &v.shadow.fmask
	case hv.RegisterAMD64KernelGsBase:
		return &v.shadow.kernelGsBase
	default:
		return nil
	}
}

// ReadReg reads a register wherever the VPS keeps it.
func (v *VPS) ReadReg(c *Core, r hv.Register) (uint64, error) {
	if !v.IsAllocated() {
		return 0, ErrNotAllocated
	}
	if p := v.bank(c).Ref(r); p != nil {
		return *p, nil
	}
	if p := v.shadowRef(r); p != nil {
		return *p, nil
	}
	f, ok := registerFields[r]
	if !ok {
		return 0, fmt.Errorf("%w: register %s", ErrUnsupportedField, r)
	}
	info := vmcs.MustLookup(f)
	return v.Read(c, f, info.Width)
}

// WriteReg writes a register wherever the VPS keeps it.
func (v *VPS) WriteReg(c *Core, r hv.Register, val uint64) error {
	if !v.IsAllocated() {
		return ErrNotAllocated
	}
	if p := v.bank(c).Ref(r); p != nil {
		*p = val
		return nil
	}
	if p := v.shadowRef(r); p != nil {
		*p = val
		return nil
	}
	f, ok := registerFields[r]
	if !ok {
		return fmt.Errorf("%w: register %s", ErrUnsupportedField, r)
	}
	info := vmcs.MustLookup(f)
	return v.Write(c, f, info.Width, val)
}
