// Package memmap maintains the physical memory map the bootloader builds
// during discovery and hands to the kernel. The map exists before any heap,
// so it is a fixed-capacity ordered interval set.
package memmap

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tinyrange/raspiboot/internal/memsize"
)

// MaxEntries bounds the map. Discovery plus every reservation the boot path
// makes stays comfortably under this; exceeding it is fatal during boot.
const MaxEntries = 32

// ErrFull is returned when an insertion would exceed MaxEntries.
var ErrFull = errors.New("memmap: entry capacity exceeded")

// Kind tags what a physical interval is used for.
type Kind int

const (
	Free Kind = iota
	Stack
	DtReserved
	Firmware
	Bootloader
	BLReserved
	Kernel
	Mmio
)

var kindNames = map[Kind]string{
	Free:       "Free",
	Stack:      "Stack",
	DtReserved: "DeviceTree",
	Firmware:   "Firmware",
	Bootloader: "Bootloader",
	BLReserved: "BLReserved",
	Kernel:     "Kernel",
	Mmio:       "MMIO",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Entry is a half-open physical interval [Base, End) of a single kind.
type Entry struct {
	Base uint64
	End  uint64
	Size memsize.Size
	Kind Kind
}

// NewEntry builds an entry with a consistent size field.
func NewEntry(kind Kind, base, end uint64) Entry {
	return Entry{Base: base, End: end, Size: memsize.Size(end - base), Kind: kind}
}

func (e Entry) fullyContains(other Entry) bool {
	return e.Base <= other.Base && other.End <= e.End
}

func (e Entry) overlaps(other Entry) bool {
	return e.Base < other.End && other.Base < e.End
}

// reduce trims e so it no longer overlaps other. When other sits strictly
// inside e, the high remainder is returned as a new Free entry.
func (e *Entry) reduce(other Entry) (Entry, bool) {
	if !e.overlaps(other) {
		return Entry{}, false
	}
	switch {
	case other.Base <= e.Base:
		e.Base = other.End
		e.Size = memsize.Size(e.End - e.Base)
	case other.End >= e.End:
		e.End = other.Base
		e.Size = memsize.Size(e.End - e.Base)
	default:
		oldEnd := e.End
		e.End = other.Base
		e.Size = memsize.Size(e.End - e.Base)
		return NewEntry(Free, other.End, oldEnd), true
	}
	return Entry{}, false
}

// Map is a bounded ordered set of non-overlapping entries plus the total
// physical extent. Mutated only on the primary core during discovery;
// logically immutable after the final reservation.
type Map struct {
	entries []Entry
	addrEnd uint64
}

// New creates an empty map.
func New() *Map {
	return &Map{entries: make([]Entry, 0, MaxEntries)}
}

// SetTotalMem records the end of the physical address space.
func (m *Map) SetTotalMem(max uint64) { m.addrEnd = max }

// TotalMem returns the total physical extent.
func (m *Map) TotalMem() memsize.Size { return memsize.Size(m.addrEnd) }

// FreeMem sums the sizes of all Free entries.
func (m *Map) FreeMem() memsize.Size {
	var bytes memsize.Size
	for _, e := range m.entries {
		if e.Kind == Free {
			bytes += e.Size
		}
	}
	return bytes
}

// ReservedBytes sums the sizes of all entries of the given kind.
func (m *Map) ReservedBytes(kind Kind) memsize.Size {
	var bytes memsize.Size
	for _, e := range m.entries {
		if e.Kind == kind {
			bytes += e.Size
		}
	}
	return bytes
}

// Entries returns a read-only view of the map, sorted by base address.
func (m *Map) Entries() []Entry { return m.entries }

// Clone copies the map. The kernel clones the inherited map into its own
// storage before the bootloader's frames are reclaimed.
func (m *Map) Clone() *Map {
	out := &Map{entries: make([]Entry, len(m.entries), MaxEntries), addrEnd: m.addrEnd}
	copy(out.entries, m.entries)
	return out
}

// AddEntry inserts entry, coalescing with same-kind neighbours, removing
// entries it fully contains and trimming the ones it overlaps. Overlapped
// regions are assumed to be displacing Free space, so split remainders come
// back as Free.
func (m *Map) AddEntry(entry Entry) error {
	entry.Size = memsize.Size(entry.End - entry.Base)

	// Merge adjacent entries of the same kind into the incoming entry; the
	// absorbed neighbours fall to the fully-contained rule below.
	for _, existing := range m.entries {
		if existing.End == entry.Base && existing.Kind == entry.Kind {
			entry.Base = existing.Base
			entry.Size = memsize.Size(entry.End - entry.Base)
		}
	}
	for _, existing := range m.entries {
		if existing.Base == entry.End && existing.Kind == entry.Kind {
			entry.End = existing.End
			entry.Size = memsize.Size(entry.End - entry.Base)
		}
	}

	kept := make([]Entry, 0, MaxEntries)
	for _, existing := range m.entries {
		if entry.fullyContains(existing) {
			continue
		}
		kept = append(kept, existing)
	}

	var splits []Entry
	for i := range kept {
		if extra, ok := kept[i].reduce(entry); ok {
			splits = append(splits, extra)
		}
	}

	if len(kept)+len(splits)+1 > MaxEntries {
		return ErrFull
	}

	kept = append(kept, splits...)
	kept = append(kept, entry)
	sort.Slice(kept, func(i, j int) bool { return kept[i].Base < kept[j].Base })
	m.entries = kept
	return nil
}

// String renders the map as the boot banner table, skipping empty entries.
func (m *Map) String() string {
	var sb strings.Builder
	for _, e := range m.entries {
		if e.Size == 0 {
			continue
		}
		sb.WriteString(e.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (e Entry) String() string {
	return fmt.Sprintf("Type: %-10s | 0x%016x - 0x%016x | %s", e.Kind, e.Base, e.End, e.Size)
}
