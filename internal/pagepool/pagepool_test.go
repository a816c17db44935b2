package pagepool

import (
	"errors"
	"testing"
)

func TestHeapPoolAllocateFree(t *testing.T) {
	pool := NewHeapPool(2)

	a, err := pool.Allocate(TagVMCS)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b, err := pool.Allocate(TagVMCS)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := pool.Allocate(TagVMCS); !errors.Is(err, ErrExhausted) {
		t.Fatalf("third Allocate error = %v, want ErrExhausted", err)
	}

	physA, err := pool.VirtToPhys(a)
	if err != nil {
		t.Fatalf("VirtToPhys: %v", err)
	}
	physB, _ := pool.VirtToPhys(b)
	if physA%PageSize != 0 || physB%PageSize != 0 {
		t.Errorf("physical addresses not page aligned: 0x%x 0x%x", physA, physB)
	}
	if physA == physB {
		t.Errorf("two pages share physical address 0x%x", physA)
	}
	if len(a.Bytes()) != PageSize {
		t.Errorf("page is %d bytes, want %d", len(a.Bytes()), PageSize)
	}
	if got := pool.Outstanding()[TagVMCS]; got != 2 {
		t.Errorf("outstanding = %d, want 2", got)
	}

	a.Bytes()[0] = 0xAA
	pool.Free(a, TagVMCS)
	if _, err := pool.VirtToPhys(a); !errors.Is(err, ErrForeignPage) {
		t.Errorf("VirtToPhys after Free error = %v, want ErrForeignPage", err)
	}

	c, err := pool.Allocate(TagVMCS)
	if err != nil {
		t.Fatalf("Allocate after Free: %v", err)
	}
	if c.Bytes()[0] != 0 {
		t.Errorf("reused page was not zeroed")
	}
	if got := pool.Lookup(physA); got == nil {
		t.Errorf("Lookup(0x%x) returned nil for an allocated page", physA)
	}

	pool.Free(b, TagVMCS)
	pool.Free(c, TagVMCS)
	if got := len(pool.Outstanding()); got != 0 {
		t.Errorf("outstanding tags after freeing everything = %d", got)
	}
}

func TestHeapPoolTagMismatch(t *testing.T) {
	pool := NewHeapPool(1)
	page, err := pool.Allocate(TagVMCS)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	// The mismatched free is logged and ignored.
	pool.Free(page, Tag("other"))
	if got := pool.Outstanding()[TagVMCS]; got != 1 {
		t.Fatalf("outstanding = %d after mismatched free, want 1", got)
	}
	pool.Free(page, TagVMCS)
	if got := pool.Outstanding()[TagVMCS]; got != 0 {
		t.Fatalf("outstanding = %d, want 0", got)
	}
}

func TestNewPoolRejectsUnalignedBase(t *testing.T) {
	if _, err := newPool(make([]byte, PageSize), 0x1001); err == nil {
		t.Fatalf("newPool accepted an unaligned physical base")
	}
}
