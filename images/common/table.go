package common

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/compactvd"
)

// BlockTable maps every logical block of a virtual device to the physical slot
// holding its data, or to nothing at all.
//
// Logical block arguments must be in the range [0, BlocksCount()). Passing
// anything else is a programming error and panics.
type BlockTable interface {
	// BlocksCount is the number of logical blocks in the virtual device.
	BlocksCount() uint32
	Exists(block LogicalBlock) bool
	// Slot returns the physical slot of a block, or AbsentSlot if it has none.
	Slot(block LogicalBlock) PhysicalSlot
	// Free marks a block as absent. It returns true if the block existed before
	// the call; freeing an absent block changes nothing.
	Free(block LogicalBlock) bool
	// Create assigns the next slot of the data arena to an absent block and
	// returns it.
	Create(block LogicalBlock) PhysicalSlot
	// Map points an existing block to another slot. Only compaction uses this.
	Map(block LogicalBlock, slot PhysicalSlot)
	// Reset marks all blocks absent and empties the data arena.
	Reset()
	// Allocated is the number of slots in the data arena, including holes left by
	// freed blocks. New slots are appended here.
	Allocated() uint32
	// SetAllocated moves the end of the data arena, e.g. after compaction moved
	// every block below `count`.
	SetAllocated(count uint32)
	// Mapped is the number of blocks that exist.
	Mapped() uint32
	// CountMapped counts the existing blocks in [start, end).
	CountMapped(start, end LogicalBlock) uint32
	// ReverseMap returns, for every slot in the data arena, the logical block
	// stored there or AbsentBlock if the slot is a hole.
	ReverseMap() []LogicalBlock
}

// SlotDecoder converts a raw table entry into a physical slot, returning
// AbsentSlot for the format's absent sentinels. It returns an error if the entry
// can't be a valid slot (e.g. misaligned sector numbers).
type SlotDecoder func(entry uint32) (PhysicalSlot, error)

// SlotTable is the BlockTable of the sparse formats: a plain array indexed by
// logical block, plus the arena's append cursor.
type SlotTable struct {
	slots     []PhysicalSlot
	allocated uint32
	mapped    uint32
}

// NewSlotTable creates a table with every block absent and an empty arena.
func NewSlotTable(blocksCount uint32) *SlotTable {
	table := &SlotTable{slots: make([]PhysicalSlot, blocksCount)}
	table.Reset()
	return table
}

// DecodeSlotTable builds a table from its on-disk entries. `capacity` is the
// number of slots the file declares in its data arena; every existing entry
// must reference a distinct slot below it. Violations are reported as
// [compactvd.ErrCorruptMetadata].
func DecodeSlotTable(
	entries []uint32,
	capacity uint32,
	decode SlotDecoder,
) (*SlotTable, error) {
	table := &SlotTable{
		slots:     make([]PhysicalSlot, len(entries)),
		allocated: capacity,
	}
	seen := bitmap.New(int(capacity))

	for i, entry := range entries {
		slot, err := decode(entry)
		if err != nil {
			return nil, compactvd.ErrCorruptMetadata.WithMessage(
				fmt.Sprintf("table entry %d (0x%08x): %s", i, entry, err.Error()))
		}

		table.slots[i] = slot
		if slot == AbsentSlot {
			continue
		}
		if uint32(slot) >= capacity {
			return nil, compactvd.ErrCorruptMetadata.WithMessage(
				fmt.Sprintf(
					"table entry %d points to slot %d, not in range [0, %d)",
					i,
					slot,
					capacity,
				),
			)
		}
		if seen.Get(int(slot)) {
			return nil, compactvd.ErrCorruptMetadata.WithMessage(
				fmt.Sprintf("table entry %d points to slot %d, already in use", i, slot))
		}
		seen.Set(int(slot), true)
		table.mapped++
	}
	return table, nil
}

func (table *SlotTable) BlocksCount() uint32 {
	return uint32(len(table.slots))
}

func (table *SlotTable) Exists(block LogicalBlock) bool {
	return table.slots[block] != AbsentSlot
}

func (table *SlotTable) Slot(block LogicalBlock) PhysicalSlot {
	return table.slots[block]
}

func (table *SlotTable) Free(block LogicalBlock) bool {
	if table.slots[block] == AbsentSlot {
		return false
	}
	table.slots[block] = AbsentSlot
	table.mapped--
	return true
}

func (table *SlotTable) Create(block LogicalBlock) PhysicalSlot {
	if table.slots[block] != AbsentSlot {
		panic(fmt.Sprintf("block %d already has slot %d", block, table.slots[block]))
	}
	slot := PhysicalSlot(table.allocated)
	table.slots[block] = slot
	table.allocated++
	table.mapped++
	return slot
}

func (table *SlotTable) Map(block LogicalBlock, slot PhysicalSlot) {
	if table.slots[block] == AbsentSlot {
		panic(fmt.Sprintf("can't relocate block %d, it has no slot", block))
	}
	table.slots[block] = slot
}

func (table *SlotTable) Reset() {
	for i := range table.slots {
		table.slots[i] = AbsentSlot
	}
	table.allocated = 0
	table.mapped = 0
}

func (table *SlotTable) Allocated() uint32 {
	return table.allocated
}

func (table *SlotTable) SetAllocated(count uint32) {
	table.allocated = count
}

func (table *SlotTable) Mapped() uint32 {
	return table.mapped
}

func (table *SlotTable) CountMapped(start, end LogicalBlock) uint32 {
	count := uint32(0)
	for i := start; i < end; i++ {
		if table.slots[i] != AbsentSlot {
			count++
		}
	}
	return count
}

func (table *SlotTable) ReverseMap() []LogicalBlock {
	reverse := make([]LogicalBlock, table.allocated)
	for i := range reverse {
		reverse[i] = AbsentBlock
	}
	for block, slot := range table.slots {
		if slot != AbsentSlot && uint32(slot) < table.allocated {
			reverse[slot] = LogicalBlock(block)
		}
	}
	return reverse
}

// Encode converts the table back into on-disk entries using the format's own
// encoding of slots.
func (table *SlotTable) Encode(encode func(slot PhysicalSlot) uint32) []uint32 {
	entries := make([]uint32, len(table.slots))
	for i, slot := range table.slots {
		entries[i] = encode(slot)
	}
	return entries
}

////////////////////////////////////////////////////////////////////////////////

// BitmapTable is the BlockTable of flat images. Every block has a fixed position
// in the file, so a block's slot is its own index and the table only records
// which blocks still hold wanted data.
type BitmapTable struct {
	present     bitmap.Bitmap
	blocksCount uint32
	mapped      uint32
}

// NewBitmapTable creates a table where every block exists.
func NewBitmapTable(blocksCount uint32) *BitmapTable {
	table := &BitmapTable{
		present:     bitmap.New(int(blocksCount)),
		blocksCount: blocksCount,
	}
	table.Reset()
	return table
}

func (table *BitmapTable) checkBounds(block LogicalBlock) {
	if uint32(block) >= table.blocksCount {
		panic(
			fmt.Sprintf(
				"invalid block %d: not in range [0, %d)",
				block,
				table.blocksCount,
			),
		)
	}
}

func (table *BitmapTable) BlocksCount() uint32 {
	return table.blocksCount
}

func (table *BitmapTable) Exists(block LogicalBlock) bool {
	table.checkBounds(block)
	return table.present.Get(int(block))
}

func (table *BitmapTable) Slot(block LogicalBlock) PhysicalSlot {
	if !table.Exists(block) {
		return AbsentSlot
	}
	return PhysicalSlot(block)
}

func (table *BitmapTable) Free(block LogicalBlock) bool {
	if !table.Exists(block) {
		return false
	}
	table.present.Set(int(block), false)
	table.mapped--
	return true
}

func (table *BitmapTable) Create(block LogicalBlock) PhysicalSlot {
	if !table.Exists(block) {
		table.present.Set(int(block), true)
		table.mapped++
	}
	return PhysicalSlot(block)
}

func (table *BitmapTable) Map(block LogicalBlock, slot PhysicalSlot) {
	panic("blocks of a flat image can't be relocated")
}

// Reset marks every block as existing, since a flat image always stores all of
// them.
func (table *BitmapTable) Reset() {
	for i := 0; i < int(table.blocksCount); i++ {
		table.present.Set(i, true)
	}
	table.mapped = table.blocksCount
}

func (table *BitmapTable) Allocated() uint32 {
	return table.blocksCount
}

func (table *BitmapTable) SetAllocated(count uint32) {}

func (table *BitmapTable) Mapped() uint32 {
	return table.mapped
}

func (table *BitmapTable) CountMapped(start, end LogicalBlock) uint32 {
	count := uint32(0)
	for i := start; i < end; i++ {
		if table.Exists(i) {
			count++
		}
	}
	return count
}

func (table *BitmapTable) ReverseMap() []LogicalBlock {
	reverse := make([]LogicalBlock, table.blocksCount)
	for i := range reverse {
		reverse[i] = LogicalBlock(i)
	}
	return reverse
}
