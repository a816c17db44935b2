package statesave

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/vps/internal/hv"
)

// Write encodes s in the binary state file format: a little endian header of
// magic, version, architecture and reserved flags followed by the fields in
// declaration order.
func Write(w io.Writer, s *StateSave) error {
	header := []uint32{
		hv.SnapshotMagic,
		hv.SnapshotVersion,
		hv.ArchToSnapshotArch(hv.ArchitectureX86_64),
		0,
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, s); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// Read decodes a state written by Write.
func Read(r io.Reader) (*StateSave, error) {
	var magic, version, arch, flags uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &arch); err != nil {
		return nil, fmt.Errorf("read arch: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return nil, fmt.Errorf("read flags: %w", err)
	}

	if magic != hv.SnapshotMagic {
		return nil, fmt.Errorf("%w: expected magic %#x, got %#x", ErrInvalidFormat, hv.SnapshotMagic, magic)
	}
	if version != hv.SnapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidFormat, version)
	}
	if hv.SnapshotArchToArch(arch) != hv.ArchitectureX86_64 {
		return nil, fmt.Errorf("%w: unsupported architecture %d", ErrInvalidFormat, arch)
	}
	_ = flags // reserved

	var s StateSave
	if err := binary.Read(r, binary.LittleEndian, &s); err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	return &s, nil
}
