package vps

import (
	"github.com/tinyrange/vps/internal/statesave"
	"github.com/tinyrange/vps/internal/vmcs"
)

type segmentFields struct {
	selector, attrib, limit, base vmcs.Field
}

// segmentTable lists the guest segment fields in statesave.Segments order.
var segmentTable = [...]segmentFields{
	{vmcs.GuestESSelector, vmcs.GuestESAccessRights, vmcs.GuestESLimit, vmcs.GuestESBase},
	{vmcs.GuestCSSelector, vmcs.GuestCSAccessRights, vmcs.GuestCSLimit, vmcs.GuestCSBase},
	{vmcs.GuestSSSelector, vmcs.GuestSSAccessRights, vmcs.GuestSSLimit, vmcs.GuestSSBase},
	{vmcs.GuestDSSelector, vmcs.GuestDSAccessRights, vmcs.GuestDSLimit, vmcs.GuestDSBase},
	{vmcs.GuestFSSelector, vmcs.GuestFSAccessRights, vmcs.GuestFSLimit, vmcs.GuestFSBase},
	{vmcs.GuestGSSelector, vmcs.GuestGSAccessRights, vmcs.GuestGSLimit, vmcs.GuestGSBase},
	{vmcs.GuestLDTRSelector, vmcs.GuestLDTRAccessRights, vmcs.GuestLDTRLimit, vmcs.GuestLDTRBase},
	{vmcs.GuestTRSelector, vmcs.GuestTRAccessRights, vmcs.GuestTRLimit, vmcs.GuestTRBase},
}

// writeSegment stores seg. A null selector makes the segment unusable and
// discards everything else the caller supplied.
func (v *VPS) writeSegment(c *Core, fields segmentFields, seg *statesave.Segment) error {
	out := *seg
	if out.Selector == 0 {
		out = statesave.Segment{Attrib: uint32(vmcs.UnusableSegment)}
	}
	if err := v.Write16(c, fields.selector, out.Selector); err != nil {
		return err
	}
	if err := v.Write32(c, fields.attrib, out.Attrib); err != nil {
		return err
	}
	if err := v.Write32(c, fields.limit, out.Limit); err != nil {
		return err
	}
	return v.Write64(c, fields.base, out.Base)
}

// readSegment loads a segment. An unusable segment reads back as all zero.
func (v *VPS) readSegment(c *Core, fields segmentFields, seg *statesave.Segment) error {
	selector, err := v.Read16(c, fields.selector)
	if err != nil {
		return err
	}
	attrib, err := v.Read32(c, fields.attrib)
	if err != nil {
		return err
	}
	limit, err := v.Read32(c, fields.limit)
	if err != nil {
		return err
	}
	base, err := v.Read64(c, fields.base)
	if err != nil {
		return err
	}

	if uint64(attrib) == vmcs.UnusableSegment {
		*seg = statesave.Segment{}
		return nil
	}
	*seg = statesave.Segment{Selector: selector, Attrib: attrib, Limit: limit, Base: base}
	return nil
}
