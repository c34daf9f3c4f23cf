package compactvd

// OptimizeFlags selects which passes Optimize runs. The passes are independent and
// can be combined with a bitwise OR.
type OptimizeFlags uint

const (
	// FreeBlocksZeroed frees every stored block whose bytes are all zero.
	FreeBlocksZeroed OptimizeFlags = 1 << iota
	// FreeBlocksUnused frees stored blocks the guest file systems don't use. It needs
	// a DiskLayout and is skipped without one.
	FreeBlocksUnused
)

const OptimizeAll = FreeBlocksZeroed | FreeBlocksUnused

func (f OptimizeFlags) Zeroed() bool {
	return f&FreeBlocksZeroed != 0
}

func (f OptimizeFlags) Unused() bool {
	return f&FreeBlocksUnused != 0
}
