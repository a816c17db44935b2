package hv

// State file format constants
const (
	SnapshotMagic   uint32 = 0x53535056 // "VPSS"
	SnapshotVersion uint32 = 1
)

// Architecture encoding for state files
const (
	SnapshotArchInvalid uint32 = 0
	SnapshotArchX86_64  uint32 = 1
)

// ArchToSnapshotArch converts a CpuArchitecture to its state file encoding.
func ArchToSnapshotArch(arch CpuArchitecture) uint32 {
	switch arch {
	case ArchitectureX86_64:
		return SnapshotArchX86_64
	default:
		return SnapshotArchInvalid
	}
}

// SnapshotArchToArch converts a state file architecture encoding to CpuArchitecture.
func SnapshotArchToArch(arch uint32) CpuArchitecture {
	switch arch {
	case SnapshotArchX86_64:
		return ArchitectureX86_64
	default:
		return ArchitectureInvalid
	}
}
