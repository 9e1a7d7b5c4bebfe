// Package paging builds and walks AArch64 4-level translation tables in
// guest physical memory, supporting 4 KiB pages and 2 MiB / 1 GiB blocks.
package paging

import (
	"errors"
	"fmt"

	"github.com/tinyrange/raspiboot/internal/machine"
)

var (
	// ErrMisaligned rejects map/unmap addresses off the mapping-size boundary.
	ErrMisaligned = errors.New("paging: address not aligned to mapping size")
	// ErrAlreadyMapped rejects mapping over a valid leaf descriptor.
	ErrAlreadyMapped = errors.New("paging: descriptor already mapped")
	// ErrNotMapped is returned by a walk that hits an invalid descriptor.
	ErrNotMapped = errors.New("paging: address not mapped")
)

// FrameSource provides the table frames. Allocated frames arrive zeroed,
// which table construction relies on: a fresh table is all-invalid.
type FrameSource interface {
	AllocateFrame() (uint64, error)
	DeallocateFrame(addr uint64) error
}

// Table owns a level-0 table frame and, transitively, every descendant
// table frame allocated while mapping. Block and page entries describe
// their target frames without owning them.
type Table struct {
	mem   machine.PhysicalMemory
	alloc FrameSource
	root  uint64
}

// New allocates an empty table. Even an empty table owns its level-0 frame.
func New(mem machine.PhysicalMemory, alloc FrameSource) (*Table, error) {
	root, err := alloc.AllocateFrame()
	if err != nil {
		return nil, fmt.Errorf("paging: allocate level 0 table: %w", err)
	}
	return &Table{mem: mem, alloc: alloc, root: root}, nil
}

// FromRawPtr reconstructs a table around an existing root frame, e.g. when
// the kernel adopts the TTBR1 tree the bootloader built.
func FromRawPtr(mem machine.PhysicalMemory, alloc FrameSource, root uint64) *Table {
	return &Table{mem: mem, alloc: alloc, root: root}
}

// RawPtr returns the level-0 table's physical address for TTBRn.
func (t *Table) RawPtr() uint64 { return t.root }

func (t *Table) readDesc(table uint64, index uint64) (Descriptor, error) {
	word, err := machine.ReadUint64(t.mem, table+index*descSize)
	if err != nil {
		return 0, fmt.Errorf("paging: read descriptor %d of table %#x: %w", index, table, err)
	}
	return Descriptor(word), nil
}

func (t *Table) writeDesc(table uint64, index uint64, d Descriptor) error {
	if err := machine.WriteUint64(t.mem, table+index*descSize, uint64(d)); err != nil {
		return fmt.Errorf("paging: write descriptor %d of table %#x: %w", index, table, err)
	}
	return nil
}

// descend returns the child table behind the descriptor at (table, index),
// allocating and installing a fresh one when the slot is invalid.
func (t *Table) descend(table uint64, index uint64) (uint64, error) {
	desc, err := t.readDesc(table, index)
	if err != nil {
		return 0, err
	}
	if !desc.Valid() {
		child, err := t.alloc.AllocateFrame()
		if err != nil {
			return 0, fmt.Errorf("paging: allocate table frame: %w", err)
		}
		if err := t.writeDesc(table, index, tableDescriptor(child)); err != nil {
			return 0, err
		}
		return child, nil
	}
	if !desc.IsTable() {
		// A block already covers this range; descending through it would
		// reinterpret its output address as a table pointer.
		return 0, ErrAlreadyMapped
	}
	return desc.NextTableAddr(), nil
}

// VirtToPhys walks the tree, composing block output addresses with the
// low bits of the virtual address.
func (t *Table) VirtToPhys(va VirtualAddr) (uint64, error) {
	l0, err := t.readDesc(t.root, va.L0Index())
	if err != nil {
		return 0, err
	}
	if !l0.Valid() {
		return 0, ErrNotMapped
	}

	l1, err := t.readDesc(l0.NextTableAddr(), va.L1Index())
	if err != nil {
		return 0, err
	}
	if !l1.Valid() {
		return 0, ErrNotMapped
	}
	if !l1.IsTable() {
		return l1.OutputAddr1GiB() | uint64(va)&(BlockSize1GiB-1), nil
	}

	l2, err := t.readDesc(l1.NextTableAddr(), va.L2Index())
	if err != nil {
		return 0, err
	}
	if !l2.Valid() {
		return 0, ErrNotMapped
	}
	if !l2.IsTable() {
		return l2.OutputAddr2MiB() | uint64(va)&(BlockSize2MiB-1), nil
	}

	l3, err := t.readDesc(l2.NextTableAddr(), va.L3Index())
	if err != nil {
		return 0, err
	}
	if !l3.Valid() {
		return 0, ErrNotMapped
	}
	return l3.OutputAddr4KiB() | va.PageOffset(), nil
}

// Map1GiBPage installs a level-1 block mapping phys at virt.
func (t *Table) Map1GiBPage(phys uint64, virt VirtualAddr, mt MemoryType) error {
	if phys%BlockSize1GiB != 0 || uint64(virt)%BlockSize1GiB != 0 {
		return ErrMisaligned
	}
	l1Table, err := t.descend(t.root, virt.L0Index())
	if err != nil {
		return err
	}
	leaf, err := t.readDesc(l1Table, virt.L1Index())
	if err != nil {
		return err
	}
	if leaf.Valid() {
		return ErrAlreadyMapped
	}
	return t.writeDesc(l1Table, virt.L1Index(), blockDescriptor(phys, addrMask1GiB, mt))
}

// Map2MiBPage installs a level-2 block mapping phys at virt.
func (t *Table) Map2MiBPage(phys uint64, virt VirtualAddr, mt MemoryType) error {
	if phys%BlockSize2MiB != 0 || uint64(virt)%BlockSize2MiB != 0 {
		return ErrMisaligned
	}
	l1Table, err := t.descend(t.root, virt.L0Index())
	if err != nil {
		return err
	}
	l2Table, err := t.descend(l1Table, virt.L1Index())
	if err != nil {
		return err
	}
	leaf, err := t.readDesc(l2Table, virt.L2Index())
	if err != nil {
		return err
	}
	if leaf.Valid() {
		return ErrAlreadyMapped
	}
	return t.writeDesc(l2Table, virt.L2Index(), blockDescriptor(phys, addrMask2MiB, mt))
}

// MapPage installs a 4 KiB page mapping phys at virt.
func (t *Table) MapPage(phys uint64, virt VirtualAddr, mt MemoryType) error {
	if phys%PageSize4KiB != 0 || uint64(virt)%PageSize4KiB != 0 {
		return ErrMisaligned
	}
	l1Table, err := t.descend(t.root, virt.L0Index())
	if err != nil {
		return err
	}
	l2Table, err := t.descend(l1Table, virt.L1Index())
	if err != nil {
		return err
	}
	l3Table, err := t.descend(l2Table, virt.L2Index())
	if err != nil {
		return err
	}
	leaf, err := t.readDesc(l3Table, virt.L3Index())
	if err != nil {
		return err
	}
	if leaf.Valid() {
		return ErrAlreadyMapped
	}
	return t.writeDesc(l3Table, virt.L3Index(), pageDescriptor(phys, mt))
}

// Unmap1GiBPage zeroes the level-1 block descriptor for virt. Intermediate
// tables stay allocated; Drop returns them.
func (t *Table) Unmap1GiBPage(virt VirtualAddr) bool {
	if uint64(virt)%BlockSize1GiB != 0 {
		return false
	}
	l0, err := t.readDesc(t.root, virt.L0Index())
	if err != nil || !l0.Valid() {
		return false
	}
	l1, err := t.readDesc(l0.NextTableAddr(), virt.L1Index())
	if err != nil || !l1.Valid() || l1.IsTable() {
		return false
	}
	return t.writeDesc(l0.NextTableAddr(), virt.L1Index(), 0) == nil
}

// Drop walks the whole tree and returns every table frame to the
// allocator, the level-0 frame last. Block and page targets are external
// memory owned by the caller and are left alone.
func (t *Table) Drop() error {
	if t.root == 0 {
		return nil
	}
	if err := t.dropTable(t.root, 0); err != nil {
		return err
	}
	t.root = 0
	return nil
}

// dropTable frees the subtree rooted at table, which sits at the given
// level. Only descriptors that point at tables are followed.
func (t *Table) dropTable(table uint64, level int) error {
	if level < 3 {
		for i := uint64(0); i < tableEntries; i++ {
			desc, err := t.readDesc(table, i)
			if err != nil {
				return err
			}
			if desc.Valid() && desc.IsTable() {
				if err := t.dropTable(desc.NextTableAddr(), level+1); err != nil {
					return err
				}
			}
		}
	}
	return t.alloc.DeallocateFrame(table)
}
