package vmcs

import (
	"fmt"
	"strconv"
	"strings"
)

// ExitReason is the value of the exit reason field as returned by a
// successful run of the virtual processor.
type ExitReason uint64

// Basic returns the basic exit reason in bits 15:0.
func (r ExitReason) Basic() ExitReason { return r & 0xFFFF }

// EntryFailure reports bit 31, set when VM entry failed after the processor
// started loading guest state.
func (r ExitReason) EntryFailure() bool { return r&(1<<31) != 0 }

const (
	ExitExceptionOrNMI          ExitReason = 0
	ExitExternalInterrupt       ExitReason = 1
	ExitTripleFault             ExitReason = 2
	ExitINITSignal              ExitReason = 3
	ExitSIPI                    ExitReason = 4
	ExitIOSMI                   ExitReason = 5
	ExitOtherSMI                ExitReason = 6
	ExitInterruptWindow         ExitReason = 7
	ExitNMIWindow               ExitReason = 8
	ExitTaskSwitch              ExitReason = 9
	ExitCPUID                   ExitReason = 10
	ExitGETSEC                  ExitReason = 11
	ExitHLT                     ExitReason = 12
	ExitINVD                    ExitReason = 13
	ExitINVLPG                  ExitReason = 14
	ExitRDPMC                   ExitReason = 15
	ExitRDTSC                   ExitReason = 16
	ExitRSM                     ExitReason = 17
	ExitVMCALL                  ExitReason = 18
	ExitVMCLEAR                 ExitReason = 19
	ExitVMLAUNCH                ExitReason = 20
	ExitVMPTRLD                 ExitReason = 21
	ExitVMPTRST                 ExitReason = 22
	ExitVMREAD                  ExitReason = 23
	ExitVMRESUME                ExitReason = 24
	ExitVMWRITE                 ExitReason = 25
	ExitVMXOFF                  ExitReason = 26
	ExitVMXON                   ExitReason = 27
	ExitControlRegisterAccess   ExitReason = 28
	ExitMovDR                   ExitReason = 29
	ExitIOInstruction           ExitReason = 30
	ExitRDMSR                   ExitReason = 31
	ExitWRMSR                   ExitReason = 32
	ExitInvalidGuestState       ExitReason = 33
	ExitMSRLoading              ExitReason = 34
	ExitMWAIT                   ExitReason = 36
	ExitMonitorTrapFlag         ExitReason = 37
	ExitMONITOR                 ExitReason = 39
	ExitPAUSE                   ExitReason = 40
	ExitMachineCheckEvent       ExitReason = 41
	ExitTPRBelowThreshold       ExitReason = 43
	ExitAPICAccess              ExitReason = 44
	ExitVirtualizedEOI          ExitReason = 45
	ExitGDTRIDTRAccess          ExitReason = 46
	ExitLDTRTRAccess            ExitReason = 47
	ExitEPTViolation            ExitReason = 48
	ExitEPTMisconfiguration     ExitReason = 49
	ExitINVEPT                  ExitReason = 50
	ExitRDTSCP                  ExitReason = 51
	ExitPreemptionTimerExpired  ExitReason = 52
	ExitINVVPID                 ExitReason = 53
	ExitWBINVD                  ExitReason = 54
	ExitXSETBV                  ExitReason = 55
	ExitAPICWrite               ExitReason = 56
	ExitRDRAND                  ExitReason = 57
	ExitINVPCID                 ExitReason = 58
	ExitVMFUNC                  ExitReason = 59
	ExitENCLS                   ExitReason = 60
	ExitRDSEED                  ExitReason = 61
	ExitPageModificationLogFull ExitReason = 62
	ExitXSAVES                  ExitReason = 63
	ExitXRSTORS                 ExitReason = 64
)

var exitNames = map[ExitReason]string{
	ExitExceptionOrNMI:          "exception_or_nmi",
	ExitExternalInterrupt:       "external_interrupt",
	ExitTripleFault:             "triple_fault",
	ExitINITSignal:              "init_signal",
	ExitSIPI:                    "sipi",
	ExitIOSMI:                   "io_smi",
	ExitOtherSMI:                "other_smi",
	ExitInterruptWindow:         "interrupt_window",
	ExitNMIWindow:               "nmi_window",
	ExitTaskSwitch:              "task_switch",
	ExitCPUID:                   "cpuid",
	ExitGETSEC:                  "getsec",
	ExitHLT:                     "hlt",
	ExitINVD:                    "invd",
	ExitINVLPG:                  "invlpg",
	ExitRDPMC:                   "rdpmc",
	ExitRDTSC:                   "rdtsc",
	ExitRSM:                     "rsm",
	ExitVMCALL:                  "vmcall",
	ExitVMCLEAR:                 "vmclear",
	ExitVMLAUNCH:                "vmlaunch",
	ExitVMPTRLD:                 "vmptrld",
	ExitVMPTRST:                 "vmptrst",
	ExitVMREAD:                  "vmread",
	ExitVMRESUME:                "vmresume",
	ExitVMWRITE:                 "vmwrite",
	ExitVMXOFF:                  "vmxoff",
	ExitVMXON:                   "vmxon",
	ExitControlRegisterAccess:   "control_register_access",
	ExitMovDR:                   "mov_dr",
	ExitIOInstruction:           "io_instruction",
	ExitRDMSR:                   "rdmsr",
	ExitWRMSR:                   "wrmsr",
	ExitInvalidGuestState:       "invalid_guest_state",
	ExitMSRLoading:              "msr_loading",
	ExitMWAIT:                   "mwait",
	ExitMonitorTrapFlag:         "monitor_trap_flag",
	ExitMONITOR:                 "monitor",
	ExitPAUSE:                   "pause",
	ExitMachineCheckEvent:       "machine_check_event",
	ExitTPRBelowThreshold:       "tpr_below_threshold",
	ExitAPICAccess:              "apic_access",
	ExitVirtualizedEOI:          "virtualized_eoi",
	ExitGDTRIDTRAccess:          "gdtr_idtr_access",
	ExitLDTRTRAccess:            "ldtr_tr_access",
	ExitEPTViolation:            "ept_violation",
	ExitEPTMisconfiguration:     "ept_misconfiguration",
	ExitINVEPT:                  "invept",
	ExitRDTSCP:                  "rdtscp",
	ExitPreemptionTimerExpired:  "preemption_timer_expired",
	ExitINVVPID:                 "invvpid",
	ExitWBINVD:                  "wbinvd",
	ExitXSETBV:                  "xsetbv",
	ExitAPICWrite:               "apic_write",
	ExitRDRAND:                  "rdrand",
	ExitINVPCID:                 "invpcid",
	ExitVMFUNC:                  "vmfunc",
	ExitENCLS:                   "encls",
	ExitRDSEED:                  "rdseed",
	ExitPageModificationLogFull: "page_modification_log_full",
	ExitXSAVES:                  "xsaves",
	ExitXRSTORS:                 "xrstors",
}

func (r ExitReason) String() string {
	name, ok := exitNames[r.Basic()]
	if !ok {
		name = fmt.Sprintf("unknown(%d)", uint64(r.Basic()))
	}
	if r.EntryFailure() {
		return "entry_failure:" + name
	}
	return name
}

// ParseExitReason looks up a basic exit reason by name, or accepts a decimal
// number.
func ParseExitReason(name string) (ExitReason, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for r, n := range exitNames {
		if n == name {
			return r, nil
		}
	}
	if n, err := strconv.ParseUint(name, 10, 16); err == nil {
		return ExitReason(n), nil
	}
	return 0, fmt.Errorf("vmcs: unknown exit reason %q", name)
}

// InstructionError is the value of the VM-instruction error field.
type InstructionError uint32

var instructionErrors = map[InstructionError]string{
	1:  "VMCALL executed in VMX root operation",
	2:  "VMCLEAR with invalid physical address",
	3:  "VMCLEAR with VMXON pointer",
	4:  "VMLAUNCH with non-clear VMCS",
	5:  "VMRESUME with non-launched VMCS",
	6:  "VMRESUME after VMXOFF",
	7:  "VM entry with invalid control field(s)",
	8:  "VM entry with invalid host-state field(s)",
	9:  "VMPTRLD with invalid physical address",
	10: "VMPTRLD with VMXON pointer",
	11: "VMPTRLD with incorrect VMCS revision identifier",
	12: "VMREAD/VMWRITE from/to unsupported VMCS component",
	13: "VMWRITE to read-only VMCS component",
	15: "VMXON executed in VMX root operation",
	16: "VM entry with invalid executive-VMCS pointer",
	17: "VM entry with non-launched executive VMCS",
	18: "VM entry with executive-VMCS pointer not VMXON pointer",
	19: "VMCALL with non-clear VMCS",
	20: "VMCALL with invalid VM-exit control fields",
	22: "VMCALL with incorrect MSEG revision identifier",
	23: "VMXOFF under dual-monitor treatment of SMIs and SMM",
	24: "VMCALL with invalid SMM-monitor features",
	25: "VM entry with invalid VM-execution control fields in executive VMCS",
	26: "VM entry with events blocked by MOV SS",
	28: "invalid operand to INVEPT/INVVPID",
}

const (
	ErrVMClearInvalidAddress InstructionError = 2
	ErrVMLaunchNonClear      InstructionError = 4
	ErrVMResumeNonLaunched   InstructionError = 5
	ErrEntryInvalidControls  InstructionError = 7
	ErrEntryInvalidHostState InstructionError = 8
	ErrVMPtrLdInvalidAddress InstructionError = 9
	ErrVMPtrLdBadRevision    InstructionError = 11
	ErrUnsupportedComponent  InstructionError = 12
	ErrWriteReadOnly         InstructionError = 13
)

func (e InstructionError) String() string {
	if s, ok := instructionErrors[e]; ok {
		return s
	}
	return fmt.Sprintf("VM-instruction error %d", uint32(e))
}
