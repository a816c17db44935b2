package vps

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vps/internal/vmcs"
)

var (
	ErrNotInitialized     = errors.New("vps: not initialized")
	ErrAlreadyInitialized = errors.New("vps: already initialized")
	ErrInvalidID          = errors.New("vps: invalid id")
	ErrNotAllocated       = errors.New("vps: not allocated")
	ErrAlreadyAllocated   = errors.New("vps: already allocated")
	ErrAllocationFailed   = errors.New("vps: allocation failed")
	ErrNullState          = errors.New("vps: nil state save")
	ErrInvalidValue       = errors.New("vps: invalid value")
	ErrLoadFailed         = errors.New("vps: vmcs load failed")
	ErrAccessFailed       = errors.New("vps: vmcs access failed")
	ErrEntryFailed        = errors.New("vps: vm entry failed")
	ErrUnsupportedField   = errors.New("vps: unsupported field")
)

// EntryFailedError carries the code reported by a failed VM entry. It
// matches ErrEntryFailed under errors.Is.
type EntryFailedError struct {
	Code uint32
}

func (e *EntryFailedError) Error() string {
	return fmt.Sprintf("vps: vm entry failed: %s", vmcs.InstructionError(e.Code))
}

func (e *EntryFailedError) Is(target error) bool {
	return target == ErrEntryFailed
}
