// Package vmcs describes the Intel virtual machine control structure: the
// encoding and width of every field the virtual processor touches, the
// mandatory control bits, and the exit reason and instruction error codes the
// processor reports.
package vmcs

import "fmt"

// Width is the access width of a control structure field in bits.
type Width uint8

const (
	Width16 Width = 16
	Width32 Width = 32
	Width64 Width = 64
)

func (w Width) String() string {
	switch w {
	case Width16, Width32, Width64:
		return fmt.Sprintf("%d-bit", uint8(w))
	default:
		return fmt.Sprintf("width(%d)", uint8(w))
	}
}

// Mask returns the value mask for the width.
func (w Width) Mask() uint64 {
	switch w {
	case Width16:
		return 0xFFFF
	case Width32:
		return 0xFFFFFFFF
	default:
		return ^uint64(0)
	}
}

// Field is the logical index of a control structure field. It is dense so it
// can index the field table; the hardware encoding lives in Info.
type Field uint16

// Info is the hardware description of a field.
type Info struct {
	Name     string
	Encoding uint32
	Width    Width
}

// ReadOnly reports whether the encoding belongs to the VM-exit information
// area, which software cannot write.
func (i Info) ReadOnly() bool {
	return (i.Encoding>>10)&0x3 == 1
}

const (
	FieldInvalid Field = iota

	// 16-bit control fields
	VirtualProcessorIdentifier
	PostedInterruptNotificationVector
	EPTPIndex

	// 16-bit guest state
	GuestESSelector
	GuestCSSelector
	GuestSSSelector
	GuestDSSelector
	GuestFSSelector
	GuestGSSelector
	GuestLDTRSelector
	GuestTRSelector
	GuestInterruptStatus
	GuestPMLIndex

	// 16-bit host state
	HostESSelector
	HostCSSelector
	HostSSSelector
	HostDSSelector
	HostFSSelector
	HostGSSelector
	HostTRSelector

	// 64-bit control fields
	IOBitmapA
	IOBitmapB
	MSRBitmaps
	VMExitMSRStoreAddress
	VMExitMSRLoadAddress
	VMEntryMSRLoadAddress
	ExecutiveVMCSPointer
	PMLAddress
	TSCOffset
	VirtualAPICAddress
	APICAccessAddress
	PostedInterruptDescriptorAddress
	VMFunctionControls
	EPTPointer
	EOIExitBitmap0
	EOIExitBitmap1
	EOIExitBitmap2
	EOIExitBitmap3
	EPTPListAddress
	VMReadBitmapAddress
	VMWriteBitmapAddress
	VirtualizationExceptionInformationAddress
	XSSExitingBitmap
	TSCMultiplier

	// 64-bit read-only data
	GuestPhysicalAddress

	// 64-bit guest state
	VMCSLinkPointer
	GuestIA32DebugCtl
	GuestIA32PAT
	GuestIA32EFER
	GuestIA32PerfGlobalCtrl
	GuestPDPTE0
	GuestPDPTE1
	GuestPDPTE2
	GuestPDPTE3

	// 64-bit host state
	HostIA32PAT
	HostIA32EFER
	HostIA32PerfGlobalCtrl

	// 32-bit control fields
	PinBasedVMExecutionControls
	PrimaryProcessorBasedVMExecutionControls
	ExceptionBitmap
	PageFaultErrorCodeMask
	PageFaultErrorCodeMatch
	CR3TargetCount
	VMExitControls
	VMExitMSRStoreCount
	VMExitMSRLoadCount
	VMEntryControls
	VMEntryMSRLoadCount
	VMEntryInterruptionInformation
	VMEntryExceptionErrorCode
	VMEntryInstructionLength
	TPRThreshold
	SecondaryProcessorBasedVMExecutionControls
	PLEGap
	PLEWindow

	// 32-bit read-only data
	VMInstructionError
	ExitReasonField
	VMExitInterruptionInformation
	VMExitInterruptionErrorCode
	IDTVectoringInformation
	IDTVectoringErrorCode
	VMExitInstructionLength
	VMExitInstructionInformation

	// 32-bit guest state
	GuestESLimit
	GuestCSLimit
	GuestSSLimit
	GuestDSLimit
	GuestFSLimit
	GuestGSLimit
	GuestLDTRLimit
	GuestTRLimit
	GuestGDTRLimit
	GuestIDTRLimit
	GuestESAccessRights
	GuestCSAccessRights
	GuestSSAccessRights
	GuestDSAccessRights
	GuestFSAccessRights
	GuestGSAccessRights
	GuestLDTRAccessRights
	GuestTRAccessRights
	GuestInterruptibilityState
	GuestActivityState
	GuestSMBASE
	GuestIA32SysenterCS
	VMXPreemptionTimerValue

	// 32-bit host state
	HostIA32SysenterCS

	// natural-width control fields
	CR0GuestHostMask
	CR4GuestHostMask
	CR0ReadShadow
	CR4ReadShadow
	CR3Target0
	CR3Target1
	CR3Target2
	CR3Target3

	// natural-width read-only data
	ExitQualification
	IORCX
	IORSI
	IORDI
	IORIP
	GuestLinearAddress

	// natural-width guest state
	GuestCR0
	GuestCR3
	GuestCR4
	GuestESBase
	GuestCSBase
	GuestSSBase
	GuestDSBase
	GuestFSBase
	GuestGSBase
	GuestLDTRBase
	GuestTRBase
	GuestGDTRBase
	GuestIDTRBase
	GuestDR7
	GuestRSP
	GuestRIP
	GuestRFLAGS
	GuestPendingDebugExceptions
	GuestIA32SysenterESP
	GuestIA32SysenterEIP

	// natural-width host state
	HostCR0
	HostCR3
	HostCR4
	HostFSBase
	HostGSBase
	HostTRBase
	HostGDTRBase
	HostIDTRBase
	HostIA32SysenterESP
	HostIA32SysenterEIP
	HostRSP
	HostRIP

	fieldCount
)

// Natural-width fields are 64 bits wide on processors that support Intel 64.
var table = [fieldCount]Info{
	VirtualProcessorIdentifier:        {"virtual_processor_identifier", 0x0000, Width16},
	PostedInterruptNotificationVector: {"posted_interrupt_notification_vector", 0x0002, Width16},
	EPTPIndex:                         {"eptp_index", 0x0004, Width16},

	GuestESSelector:      {"guest_es_selector", 0x0800, Width16},
	GuestCSSelector:      {"guest_cs_selector", 0x0802, Width16},
	GuestSSSelector:      {"guest_ss_selector", 0x0804, Width16},
	GuestDSSelector:      {"guest_ds_selector", 0x0806, Width16},
	GuestFSSelector:      {"guest_fs_selector", 0x0808, Width16},
	GuestGSSelector:      {"guest_gs_selector", 0x080A, Width16},
	GuestLDTRSelector:    {"guest_ldtr_selector", 0x080C, Width16},
	GuestTRSelector:      {"guest_tr_selector", 0x080E, Width16},
	GuestInterruptStatus: {"guest_interrupt_status", 0x0810, Width16},
	GuestPMLIndex:        {"guest_pml_index", 0x0812, Width16},

	HostESSelector: {"host_es_selector", 0x0C00, Width16},
	HostCSSelector: {"host_cs_selector", 0x0C02, Width16},
	HostSSSelector: {"host_ss_selector", 0x0C04, Width16},
	HostDSSelector: {"host_ds_selector", 0x0C06, Width16},
	HostFSSelector: {"host_fs_selector", 0x0C08, Width16},
	HostGSSelector: {"host_gs_selector", 0x0C0A, Width16},
	HostTRSelector: {"host_tr_selector", 0x0C0C, Width16},

	IOBitmapA:                        {"io_bitmap_a", 0x2000, Width64},
	IOBitmapB:                        {"io_bitmap_b", 0x2002, Width64},
	MSRBitmaps:                       {"msr_bitmaps", 0x2004, Width64},
	VMExitMSRStoreAddress:            {"vmexit_msr_store_address", 0x2006, Width64},
	VMExitMSRLoadAddress:             {"vmexit_msr_load_address", 0x2008, Width64},
	VMEntryMSRLoadAddress:            {"vmentry_msr_load_address", 0x200A, Width64},
	ExecutiveVMCSPointer:             {"executive_vmcs_pointer", 0x200C, Width64},
	PMLAddress:                       {"pml_address", 0x200E, Width64},
	TSCOffset:                        {"tsc_offset", 0x2010, Width64},
	VirtualAPICAddress:               {"virtual_apic_address", 0x2012, Width64},
	APICAccessAddress:                {"apic_access_address", 0x2014, Width64},
	PostedInterruptDescriptorAddress: {"posted_interrupt_descriptor_address", 0x2016, Width64},
	VMFunctionControls:               {"vm_function_controls", 0x2018, Width64},
	EPTPointer:                       {"ept_pointer", 0x201A, Width64},
	EOIExitBitmap0:                   {"eoi_exit_bitmap0", 0x201C, Width64},
	EOIExitBitmap1:                   {"eoi_exit_bitmap1", 0x201E, Width64},
	EOIExitBitmap2:                   {"eoi_exit_bitmap2", 0x2020, Width64},
	EOIExitBitmap3:                   {"eoi_exit_bitmap3", 0x2022, Width64},
	EPTPListAddress:                  {"eptp_list_address", 0x2024, Width64},
	VMReadBitmapAddress:              {"vmread_bitmap_address", 0x2026, Width64},
	VMWriteBitmapAddress:             {"vmwrite_bitmap_address", 0x2028, Width64},
	VirtualizationExceptionInformationAddress: {"virtualization_exception_information_address", 0x202A, Width64},
	XSSExitingBitmap: {"xss_exiting_bitmap", 0x202C, Width64},
	TSCMultiplier:    {"tsc_multiplier", 0x2032, Width64},

	GuestPhysicalAddress: {"guest_physical_address", 0x2400, Width64},

	VMCSLinkPointer:         {"vmcs_link_pointer", 0x2800, Width64},
	GuestIA32DebugCtl:       {"guest_ia32_debugctl", 0x2802, Width64},
	GuestIA32PAT:            {"guest_ia32_pat", 0x2804, Width64},
	GuestIA32EFER:           {"guest_ia32_efer", 0x2806, Width64},
	GuestIA32PerfGlobalCtrl: {"guest_ia32_perf_global_ctrl", 0x2808, Width64},
	GuestPDPTE0:             {"guest_pdpte0", 0x280A, Width64},
	GuestPDPTE1:             {"guest_pdpte1", 0x280C, Width64},
	GuestPDPTE2:             {"guest_pdpte2", 0x280E, Width64},
	GuestPDPTE3:             {"guest_pdpte3", 0x2810, Width64},

	HostIA32PAT:            {"host_ia32_pat", 0x2C00, Width64},
	HostIA32EFER:           {"host_ia32_efer", 0x2C02, Width64},
	HostIA32PerfGlobalCtrl: {"host_ia32_perf_global_ctrl", 0x2C04, Width64},

	PinBasedVMExecutionControls:              {"pin_based_vm_execution_controls", 0x4000, Width32},
	PrimaryProcessorBasedVMExecutionControls: {"primary_processor_based_vm_execution_controls", 0x4002, Width32},
	ExceptionBitmap:                          {"exception_bitmap", 0x4004, Width32},
	PageFaultErrorCodeMask:                   {"page_fault_error_code_mask", 0x4006, Width32},
	PageFaultErrorCodeMatch:                  {"page_fault_error_code_match", 0x4008, Width32},
	CR3TargetCount:                           {"cr3_target_count", 0x400A, Width32},
	VMExitControls:                           {"vmexit_controls", 0x400C, Width32},
	VMExitMSRStoreCount:                      {"vmexit_msr_store_count", 0x400E, Width32},
	VMExitMSRLoadCount:                       {"vmexit_msr_load_count", 0x4010, Width32},
	VMEntryControls:                          {"vmentry_controls", 0x4012, Width32},
	VMEntryMSRLoadCount:                      {"vmentry_msr_load_count", 0x4014, Width32},
	VMEntryInterruptionInformation:           {"vmentry_interruption_information", 0x4016, Width32},
	VMEntryExceptionErrorCode:                {"vmentry_exception_error_code", 0x4018, Width32},
	VMEntryInstructionLength:                 {"vmentry_instruction_length", 0x401A, Width32},
	TPRThreshold:                             {"tpr_threshold", 0x401C, Width32},
	SecondaryProcessorBasedVMExecutionControls: {"secondary_processor_based_vm_execution_controls", 0x401E, Width32},
	PLEGap:    {"ple_gap", 0x4020, Width32},
	PLEWindow: {"ple_window", 0x4022, Width32},

	VMInstructionError:            {"vm_instruction_error", 0x4400, Width32},
	ExitReasonField:               {"exit_reason", 0x4402, Width32},
	VMExitInterruptionInformation: {"vmexit_interruption_information", 0x4404, Width32},
	VMExitInterruptionErrorCode:   {"vmexit_interruption_error_code", 0x4406, Width32},
	IDTVectoringInformation:       {"idt_vectoring_information", 0x4408, Width32},
	IDTVectoringErrorCode:         {"idt_vectoring_error_code", 0x440A, Width32},
	VMExitInstructionLength:       {"vmexit_instruction_length", 0x440C, Width32},
	VMExitInstructionInformation:  {"vmexit_instruction_information", 0x440E, Width32},

	GuestESLimit:               {"guest_es_limit", 0x4800, Width32},
	GuestCSLimit:               {"guest_cs_limit", 0x4802, Width32},
	GuestSSLimit:               {"guest_ss_limit", 0x4804, Width32},
	GuestDSLimit:               {"guest_ds_limit", 0x4806, Width32},
	GuestFSLimit:               {"guest_fs_limit", 0x4808, Width32},
	GuestGSLimit:               {"guest_gs_limit", 0x480A, Width32},
	GuestLDTRLimit:             {"guest_ldtr_limit", 0x480C, Width32},
	GuestTRLimit:               {"guest_tr_limit", 0x480E, Width32},
	GuestGDTRLimit:             {"guest_gdtr_limit", 0x4810, Width32},
	GuestIDTRLimit:             {"guest_idtr_limit", 0x4812, Width32},
	GuestESAccessRights:        {"guest_es_access_rights", 0x4814, Width32},
	GuestCSAccessRights:        {"guest_cs_access_rights", 0x4816, Width32},
	GuestSSAccessRights:        {"guest_ss_access_rights", 0x4818, Width32},
	GuestDSAccessRights:        {"guest_ds_access_rights", 0x481A, Width32},
	GuestFSAccessRights:        {"guest_fs_access_rights", 0x481C, Width32},
	GuestGSAccessRights:        {"guest_gs_access_rights", 0x481E, Width32},
	GuestLDTRAccessRights:      {"guest_ldtr_access_rights", 0x4820, Width32},
	GuestTRAccessRights:        {"guest_tr_access_rights", 0x4822, Width32},
	GuestInterruptibilityState: {"guest_interruptibility_state", 0x4824, Width32},
	GuestActivityState:         {"guest_activity_state", 0x4826, Width32},
	GuestSMBASE:                {"guest_smbase", 0x4828, Width32},
	GuestIA32SysenterCS:        {"guest_ia32_sysenter_cs", 0x482A, Width32},
	VMXPreemptionTimerValue:    {"vmx_preemption_timer_value", 0x482E, Width32},

	HostIA32SysenterCS: {"host_ia32_sysenter_cs", 0x4C00, Width32},

	CR0GuestHostMask: {"cr0_guest_host_mask", 0x6000, Width64},
	CR4GuestHostMask: {"cr4_guest_host_mask", 0x6002, Width64},
	CR0ReadShadow:    {"cr0_read_shadow", 0x6004, Width64},
	CR4ReadShadow:    {"cr4_read_shadow", 0x6006, Width64},
	CR3Target0:       {"cr3_target0", 0x6008, Width64},
	CR3Target1:       {"cr3_target1", 0x600A, Width64},
	CR3Target2:       {"cr3_target2", 0x600C, Width64},
	CR3Target3:       {"cr3_target3", 0x600E, Width64},

	ExitQualification:  {"exit_qualification", 0x6400, Width64},
	IORCX:              {"io_rcx", 0x6402, Width64},
	IORSI:              {"io_rsi", 0x6404, Width64},
	IORDI:              {"io_rdi", 0x6406, Width64},
	IORIP:              {"io_rip", 0x6408, Width64},
	GuestLinearAddress: {"guest_linear_address", 0x640A, Width64},

	GuestCR0:                    {"guest_cr0", 0x6800, Width64},
	GuestCR3:                    {"guest_cr3", 0x6802, Width64},
	GuestCR4:                    {"guest_cr4", 0x6804, Width64},
	GuestESBase:                 {"guest_es_base", 0x6806, Width64},
	GuestCSBase:                 {"guest_cs_base", 0x6808, Width64},
	GuestSSBase:                 {"guest_ss_base", 0x680A, Width64},
	GuestDSBase:                 {"guest_ds_base", 0x680C, Width64},
	GuestFSBase:                 {"guest_fs_base", 0x680E, Width64},
	GuestGSBase:                 {"guest_gs_base", 0x6810, Width64},
	GuestLDTRBase:               {"guest_ldtr_base", 0x6812, Width64},
	GuestTRBase:                 {"guest_tr_base", 0x6814, Width64},
	GuestGDTRBase:               {"guest_gdtr_base", 0x6816, Width64},
	GuestIDTRBase:               {"guest_idtr_base", 0x6818, Width64},
	GuestDR7:                    {"guest_dr7", 0x681A, Width64},
	GuestRSP:                    {"guest_rsp", 0x681C, Width64},
	GuestRIP:                    {"guest_rip", 0x681E, Width64},
	GuestRFLAGS:                 {"guest_rflags", 0x6820, Width64},
	GuestPendingDebugExceptions: {"guest_pending_debug_exceptions", 0x6822, Width64},
	GuestIA32SysenterESP:        {"guest_ia32_sysenter_esp", 0x6824, Width64},
	GuestIA32SysenterEIP:        {"guest_ia32_sysenter_eip", 0x6826, Width64},

	HostCR0:             {"host_cr0", 0x6C00, Width64},
	HostCR3:             {"host_cr3", 0x6C02, Width64},
	HostCR4:             {"host_cr4", 0x6C04, Width64},
	HostFSBase:          {"host_fs_base", 0x6C06, Width64},
	HostGSBase:          {"host_gs_base", 0x6C08, Width64},
	HostTRBase:          {"host_tr_base", 0x6C0A, Width64},
	HostGDTRBase:        {"host_gdtr_base", 0x6C0C, Width64},
	HostIDTRBase:        {"host_idtr_base", 0x6C0E, Width64},
	HostIA32SysenterESP: {"host_ia32_sysenter_esp", 0x6C10, Width64},
	HostIA32SysenterEIP: {"host_ia32_sysenter_eip", 0x6C12, Width64},
	HostRSP:             {"host_rsp", 0x6C14, Width64},
	HostRIP:             {"host_rip", 0x6C16, Width64},
}

var byEncoding = func() map[uint32]Field {
	m := make(map[uint32]Field, fieldCount)
	for f := FieldInvalid + 1; f < fieldCount; f++ {
		m[table[f].Encoding] = f
	}
	return m
}()

// Lookup returns the hardware description of f.
func Lookup(f Field) (Info, bool) {
	if f == FieldInvalid || f >= fieldCount {
		return Info{}, false
	}
	return table[f], true
}

// MustLookup is Lookup for fields known at compile time. An unknown field is
// a programming error.
func MustLookup(f Field) Info {
	info, ok := Lookup(f)
	if !ok {
		panic(fmt.Sprintf("vmcs: unknown field %d", uint16(f)))
	}
	return info
}

// ByEncoding maps a hardware encoding back to its logical field.
func ByEncoding(enc uint32) (Field, bool) {
	f, ok := byEncoding[enc]
	return f, ok
}

// ByName finds a field by its table name.
func ByName(name string) (Field, bool) {
	for f := FieldInvalid + 1; f < fieldCount; f++ {
		if table[f].Name == name {
			return f, true
		}
	}
	return FieldInvalid, false
}

// Fields returns every field in table order.
func Fields() []Field {
	out := make([]Field, 0, fieldCount-1)
	for f := FieldInvalid + 1; f < fieldCount; f++ {
		out = append(out, f)
	}
	return out
}

func (f Field) String() string {
	if info, ok := Lookup(f); ok {
		return info.Name
	}
	return fmt.Sprintf("field(%d)", uint16(f))
}
