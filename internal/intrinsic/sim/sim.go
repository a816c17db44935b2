// Package sim is a software model of an Intel VMX processor. It implements
// intrinsic.Intrinsics per core with VMCS regions keyed by physical address,
// a current-VMCS pointer per core, launch state tracking, VM-entry control
// checks and scripted VM exits, so the virtual processor can run without
// VMX root operation.
package sim

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/tinyrange/vps/internal/hv"
	"github.com/tinyrange/vps/internal/intrinsic"
	"github.com/tinyrange/vps/internal/vmcs"
)

// FailInvalidCode is reported in the low bits of a failed entry when there
// was no current VMCS to hold an instruction error.
const FailInvalidCode uint32 = 0xFFFFFFFF

// DefaultRevision is the VMCS revision identifier reported through
// IA32_VMX_BASIC.
const DefaultRevision uint32 = 0x00000004

// Exit describes one VM exit the simulated guest will take.
type Exit struct {
	Reason            vmcs.ExitReason
	Qualification     uint64
	InstructionLength uint32
	InstructionInfo   uint32

	// Guest runs before the exit is taken and may modify the guest
	// general purpose registers as the exiting instruction would.
	Guest func(gprs *hv.GPRs)
}

// HostState is what the simulated core reports for its own registers.
type HostState struct {
	CR0, CR3, CR4  uint64
	Selectors      intrinsic.Selectors
	GDTR, IDTR     intrinsic.DescriptorTable
	TRBase         uint64
	ExitEntryPoint uint64
	MSRs           map[uint32]uint64
}

// DefaultHostState resembles a 64-bit kernel with paging enabled.
func DefaultHostState() HostState {
	return HostState{
		CR0: 0x80050033,
		CR3: 0x0000000001C0A000,
		CR4: 0x00000000003626E0,
		Selectors: intrinsic.Selectors{
			ES: 0x0000, CS: 0x0010, SS: 0x0018, DS: 0x0000,
			FS: 0x0000, GS: 0x0000, TR: 0x0040,
		},
		GDTR:           intrinsic.DescriptorTable{Base: 0xFFFFFE0000001000, Limit: 0x7F},
		IDTR:           intrinsic.DescriptorTable{Base: 0xFFFFFE0000000000, Limit: 0xFFF},
		TRBase:         0xFFFFFE0000003000,
		ExitEntryPoint: 0xFFFFFFFF81E00000,
		MSRs: map[uint32]uint64{
			intrinsic.MSRIA32VMXBasic:    0x00DA040000000000 | uint64(DefaultRevision),
			intrinsic.MSRIA32SysenterCS:  0x10,
			intrinsic.MSRIA32SysenterESP: 0xFFFFFE0000005200,
			intrinsic.MSRIA32SysenterEIP: 0xFFFFFFFF81A01B20,
			intrinsic.MSRIA32PAT:         0x0407050600070106,
			intrinsic.MSRIA32DebugCtl:    0,
			intrinsic.MSRIA32EFER:        0xD01,
			intrinsic.MSRStar:            0x0023001000000000,
			intrinsic.MSRLStar:           0xFFFFFFFF81A00080,
			intrinsic.MSRCStar:           0xFFFFFFFF81A01640,
			intrinsic.MSRSyscallMask:     0x47700,
			intrinsic.MSRFsBase:          0x00007F0000000000,
			intrinsic.MSRGsBase:          0xFFFF888000000000,
			intrinsic.MSRKernelGsBase:    0,
		},
	}
}

// Option configures a Processor.
type Option func(*Processor)

// WithMemory backs VMCS regions with memory. VMPTRLD checks the revision
// identifier in the first four bytes, VMCLEAR writes the region's fields back
// to memory and drops them from the processor, and a later VMPTRLD reads them
// again. Without it the check is skipped and regions live only in the
// processor, keyed by address.
func WithMemory(memory func(phys uint64) []byte) Option {
	return func(p *Processor) { p.memory = memory }
}

// WithHostState replaces DefaultHostState.
func WithHostState(host HostState) Option {
	return func(p *Processor) { p.host = host }
}

type region struct {
	fields   map[uint32]uint64
	launched bool
}

// Processor is a package of simulated cores sharing VMCS memory.
type Processor struct {
	mu      sync.Mutex
	host    HostState
	memory  func(phys uint64) []byte
	regions map[uint64]*region
	cpus    map[int]*CPU
}

func New(opts ...Option) *Processor {
	p := &Processor{
		host:    DefaultHostState(),
		regions: make(map[uint64]*region),
		cpus:    make(map[int]*CPU),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CPU returns the simulated core with the given ID, creating it on first use.
func (p *Processor) CPU(id int) *CPU {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.cpus[id]; ok {
		return c
	}
	c := &CPU{
		p:         p,
		id:        id,
		failRead:  make(map[uint32]error),
		failWrite: make(map[uint32]error),
	}
	p.cpus[id] = c
	return c
}

// Field returns the raw stored value of a field in the region at phys,
// looking in memory for regions that were cleared.
func (p *Processor) Field(phys uint64, encoding uint32) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := p.regions[phys]; ok {
		v, ok := r.fields[encoding]
		return v, ok
	}
	if p.memory == nil {
		return 0, false
	}
	mem := p.memory(phys)
	f, ok := vmcs.ByEncoding(encoding)
	if !ok || len(mem) < regionSize() {
		return 0, false
	}
	off := regionHeader + 8*(int(f)-1)
	return binary.LittleEndian.Uint64(mem[off : off+8]), true
}

// Launched reports the launch state of the region at phys.
func (p *Processor) Launched(phys uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.regions[phys]
	return ok && r.launched
}

// regionHeader is the revision identifier and the abort indicator. Field
// values follow as 64-bit words in field table order.
const regionHeader = 8

func regionSize() int { return regionHeader + 8*len(vmcs.Fields()) }

// writeBackLocked stores the fields of the region at phys into its memory
// and forgets the region.
func (p *Processor) writeBackLocked(phys uint64) {
	r, ok := p.regions[phys]
	if !ok {
		return
	}
	mem := p.memory(phys)
	if len(mem) < regionSize() {
		// Memory is gone, so are the contents.
		delete(p.regions, phys)
		return
	}
	for i, f := range vmcs.Fields() {
		off := regionHeader + 8*i
		binary.LittleEndian.PutUint64(mem[off:off+8], r.fields[vmcs.MustLookup(f).Encoding])
	}
	delete(p.regions, phys)
}

// readBackLocked loads the region at phys from memory unless the processor
// already holds it.
func (p *Processor) readBackLocked(phys uint64, mem []byte) *region {
	if r, ok := p.regions[phys]; ok {
		return r
	}
	r := p.regionLocked(phys)
	if len(mem) < regionSize() {
		return r
	}
	for i, f := range vmcs.Fields() {
		off := regionHeader + 8*i
		if v := binary.LittleEndian.Uint64(mem[off : off+8]); v != 0 {
			r.fields[vmcs.MustLookup(f).Encoding] = v
		}
	}
	return r
}

func (p *Processor) regionLocked(phys uint64) *region {
	r, ok := p.regions[phys]
	if !ok {
		r = &region{fields: make(map[uint32]uint64)}
		p.regions[phys] = r
	}
	return r
}

// CPU is one simulated logical core.
type CPU struct {
	p  *Processor
	id int

	current uint64
	script  []Exit
	entries int

	failEntry uint32
	failLoad  error
	failRead  map[uint32]error
	failWrite map[uint32]error
}

var _ intrinsic.Intrinsics = &CPU{}

func (c *CPU) ID() int { return c.id }

// Current returns the physical address of the current VMCS, or 0.
func (c *CPU) Current() uint64 {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.current
}

// Entries counts successful VM entries.
func (c *CPU) Entries() int {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.entries
}

// Script queues exits the guest will take on subsequent entries. Once the
// queue is empty every entry exits with HLT.
func (c *CPU) Script(exits ...Exit) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.script = append(c.script, exits...)
}

// Pending returns the number of scripted exits not yet taken.
func (c *CPU) Pending() int {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return len(c.script)
}

// FailNextEntry makes the next VMRun fail with code.
func (c *CPU) FailNextEntry(code uint32) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.failEntry = code
}

// FailLoad makes every VMPTRLD fail with err until called with nil.
func (c *CPU) FailLoad(err error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.failLoad = err
}

// FailRead makes VMREAD of encoding fail with err until called with nil.
func (c *CPU) FailRead(encoding uint32, err error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if err == nil {
		delete(c.failRead, encoding)
		return
	}
	c.failRead[encoding] = err
}

// FailWrite makes VMWRITE of encoding fail with err until called with nil.
func (c *CPU) FailWrite(encoding uint32, err error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if err == nil {
		delete(c.failWrite, encoding)
		return
	}
	c.failWrite[encoding] = err
}

// VMClear implements intrinsic.Intrinsics.
func (c *CPU) VMClear(phys uint64) error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()

	if phys == 0 || phys&0xFFF != 0 {
		return c.failLocked(vmcs.ErrVMClearInvalidAddress)
	}
	if c.p.memory != nil {
		c.p.writeBackLocked(phys)
	} else {
		c.p.regionLocked(phys).launched = false
	}
	// The region is no longer current anywhere.
	for _, other := range c.p.cpus {
		if other.current == phys {
			other.current = 0
		}
	}
	return nil
}

// VMPtrLd implements intrinsic.Intrinsics.
func (c *CPU) VMPtrLd(phys uint64) error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()

	if c.failLoad != nil {
		return c.failLoad
	}
	if phys == 0 || phys&0xFFF != 0 {
		return c.failLocked(vmcs.ErrVMPtrLdInvalidAddress)
	}
	if c.p.memory != nil {
		mem := c.p.memory(phys)
		if len(mem) < 4 || binary.LittleEndian.Uint32(mem[:4])&uint32(vmcs.RevisionIDMask) != c.revision() {
			return c.failLocked(vmcs.ErrVMPtrLdBadRevision)
		}
		c.p.readBackLocked(phys, mem)
	} else {
		c.p.regionLocked(phys)
	}
	c.current = phys
	return nil
}

func (c *CPU) revision() uint32 {
	return uint32(c.p.host.MSRs[intrinsic.MSRIA32VMXBasic] & vmcs.RevisionIDMask)
}

// failLocked reports VMfailValid when a VMCS is current, else VMfailInvalid.
func (c *CPU) failLocked(number vmcs.InstructionError) error {
	if c.current == 0 {
		return intrinsic.ErrVMFailInvalid
	}
	c.p.regions[c.current].fields[vmcs.MustLookup(vmcs.VMInstructionError).Encoding] = uint64(number)
	return &intrinsic.VMFailValidError{Number: number}
}

// VMRead implements intrinsic.Intrinsics.
func (c *CPU) VMRead(encoding uint32) (uint64, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()

	if c.current == 0 {
		return 0, intrinsic.ErrVMFailInvalid
	}
	if err := c.failRead[encoding]; err != nil {
		return 0, err
	}
	f, ok := vmcs.ByEncoding(encoding)
	if !ok {
		return 0, c.failLocked(vmcs.ErrUnsupportedComponent)
	}
	info := vmcs.MustLookup(f)
	return c.p.regions[c.current].fields[encoding] & info.Width.Mask(), nil
}

// VMWrite implements intrinsic.Intrinsics.
func (c *CPU) VMWrite(encoding uint32, value uint64) error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()

	if c.current == 0 {
		return intrinsic.ErrVMFailInvalid
	}
	if err := c.failWrite[encoding]; err != nil {
		return err
	}
	f, ok := vmcs.ByEncoding(encoding)
	if !ok {
		return c.failLocked(vmcs.ErrUnsupportedComponent)
	}
	info := vmcs.MustLookup(f)
	if info.ReadOnly() {
		return c.failLocked(vmcs.ErrWriteReadOnly)
	}
	c.p.regions[c.current].fields[encoding] = value & info.Width.Mask()
	return nil
}

func (c *CPU) entryFailure(code uint32) uint64 {
	if c.current != 0 && code != FailInvalidCode {
		c.p.regions[c.current].fields[vmcs.MustLookup(vmcs.VMInstructionError).Encoding] = uint64(code)
	}
	return vmcs.EntryFailureSentinel | uint64(code)
}

// checkControls reports the first VM-entry check that fails, or 0.
func (c *CPU) checkControls(r *region) uint32 {
	for _, f := range []vmcs.Field{vmcs.PinBasedVMExecutionControls, vmcs.VMExitControls, vmcs.VMEntryControls} {
		mask, _ := vmcs.ForcedBits(f)
		if r.fields[vmcs.MustLookup(f).Encoding]&mask != mask {
			return uint32(vmcs.ErrEntryInvalidControls)
		}
	}
	if r.fields[vmcs.MustLookup(vmcs.HostRIP).Encoding] == 0 {
		return uint32(vmcs.ErrEntryInvalidHostState)
	}
	return 0
}

// VMRun implements intrinsic.Intrinsics.
func (c *CPU) VMRun(gprs *hv.GPRs, launch bool) uint64 {
	c.p.mu.Lock()

	if c.current == 0 {
		c.p.mu.Unlock()
		return vmcs.EntryFailureSentinel | uint64(FailInvalidCode)
	}
	if code := c.failEntry; code != 0 {
		c.failEntry = 0
		ret := c.entryFailure(code)
		c.p.mu.Unlock()
		return ret
	}

	r := c.p.regions[c.current]
	if launch && r.launched {
		ret := c.entryFailure(uint32(vmcs.ErrVMLaunchNonClear))
		c.p.mu.Unlock()
		return ret
	}
	if !launch && !r.launched {
		ret := c.entryFailure(uint32(vmcs.ErrVMResumeNonLaunched))
		c.p.mu.Unlock()
		return ret
	}
	if code := c.checkControls(r); code != 0 {
		ret := c.entryFailure(code)
		c.p.mu.Unlock()
		return ret
	}

	r.launched = true
	c.entries++

	exit := Exit{Reason: vmcs.ExitHLT, InstructionLength: 1}
	if len(c.script) > 0 {
		exit = c.script[0]
		c.script = c.script[1:]
	}
	c.p.mu.Unlock()

	// The guest runs without the processor lock held.
	if exit.Guest != nil && gprs != nil {
		exit.Guest(gprs)
	}

	c.p.mu.Lock()
	defer c.p.mu.Unlock()

	r.fields[vmcs.MustLookup(vmcs.ExitReasonField).Encoding] = uint64(exit.Reason) & 0xFFFFFFFF
	r.fields[vmcs.MustLookup(vmcs.ExitQualification).Encoding] = exit.Qualification
	r.fields[vmcs.MustLookup(vmcs.VMExitInstructionLength).Encoding] = uint64(exit.InstructionLength)
	r.fields[vmcs.MustLookup(vmcs.VMExitInstructionInformation).Encoding] = uint64(exit.InstructionInfo)
	return uint64(exit.Reason)
}

// ReadMSR implements intrinsic.Intrinsics.
func (c *CPU) ReadMSR(msr uint32) (uint64, error) {
	v, ok := c.p.host.MSRs[msr]
	if !ok {
		return 0, errMSRNotPresent
	}
	return v, nil
}

var errMSRNotPresent = errors.New("sim: #GP reading unimplemented MSR")

func (c *CPU) ReadCR0() uint64                 { return c.p.host.CR0 }
func (c *CPU) ReadCR3() uint64                 { return c.p.host.CR3 }
func (c *CPU) ReadCR4() uint64                 { return c.p.host.CR4 }
func (c *CPU) Selectors() intrinsic.Selectors  { return c.p.host.Selectors }
func (c *CPU) GDTR() intrinsic.DescriptorTable { return c.p.host.GDTR }
func (c *CPU) IDTR() intrinsic.DescriptorTable { return c.p.host.IDTR }
func (c *CPU) TRBase() uint64                  { return c.p.host.TRBase }
func (c *CPU) ExitEntryPoint() uint64          { return c.p.host.ExitEntryPoint }
