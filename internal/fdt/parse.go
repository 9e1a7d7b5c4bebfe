package fdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// ErrParse wraps every malformed-device-tree failure.
var ErrParse = errors.New("fdt: malformed device tree")

// MemoryRegion is one (base, size) tuple from a memory node's reg property.
type MemoryRegion struct {
	Base uint64
	Size uint64
}

// DeviceTree is the parsed view the boot path needs: root cell widths, the
// blob's total size (for reserving its pages), and the memory nodes.
type DeviceTree struct {
	TotalSize    uint32
	AddressCells uint32
	SizeCells    uint32
	Memory       []MemoryRegion
}

// Parse reads a flattened device tree. Required root properties are
// #address-cells and #size-cells (each 1 or 2); nodes whose name starts
// with "memory@" contribute their reg tuples.
func Parse(blob []byte) (*DeviceTree, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("%w: %d byte blob is smaller than the header", ErrParse, len(blob))
	}
	if got := binary.BigEndian.Uint32(blob[0:4]); got != magic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrParse, got)
	}
	totalSize := binary.BigEndian.Uint32(blob[4:8])
	offStruct := binary.BigEndian.Uint32(blob[8:12])
	offStrings := binary.BigEndian.Uint32(blob[12:16])
	compVer := binary.BigEndian.Uint32(blob[24:28])
	sizeStrings := binary.BigEndian.Uint32(blob[32:36])
	sizeStruct := binary.BigEndian.Uint32(blob[36:40])

	if compVer > version {
		return nil, fmt.Errorf("%w: last compatible version %d is newer than %d", ErrParse, compVer, version)
	}
	if uint64(totalSize) > uint64(len(blob)) {
		return nil, fmt.Errorf("%w: total size %#x exceeds blob length %#x", ErrParse, totalSize, len(blob))
	}
	if uint64(offStruct)+uint64(sizeStruct) > uint64(totalSize) ||
		uint64(offStrings)+uint64(sizeStrings) > uint64(totalSize) {
		return nil, fmt.Errorf("%w: block offsets exceed total size", ErrParse)
	}

	dt := &DeviceTree{TotalSize: totalSize}
	structure := blob[offStruct : offStruct+sizeStruct]
	stringsBlock := blob[offStrings : offStrings+sizeStrings]

	var (
		depth    int
		nodeName string
		pos      int
	)
	for {
		if pos+4 > len(structure) {
			return nil, fmt.Errorf("%w: structure block ends without FDT_END", ErrParse)
		}
		token := binary.BigEndian.Uint32(structure[pos:])
		pos += 4

		switch token {
		case tokenBeginNode:
			end := pos
			for end < len(structure) && structure[end] != 0 {
				end++
			}
			if end == len(structure) {
				return nil, fmt.Errorf("%w: unterminated node name", ErrParse)
			}
			nodeName = string(structure[pos:end])
			pos = align4(end + 1)
			depth++

		case tokenEndNode:
			if depth == 0 {
				return nil, fmt.Errorf("%w: unbalanced FDT_END_NODE", ErrParse)
			}
			depth--
			nodeName = ""

		case tokenProp:
			if pos+8 > len(structure) {
				return nil, fmt.Errorf("%w: truncated property header", ErrParse)
			}
			propLen := binary.BigEndian.Uint32(structure[pos:])
			nameOff := binary.BigEndian.Uint32(structure[pos+4:])
			pos += 8
			if pos+int(propLen) > len(structure) {
				return nil, fmt.Errorf("%w: truncated property value", ErrParse)
			}
			value := structure[pos : pos+int(propLen)]
			pos = align4(pos + int(propLen))

			name, err := propName(stringsBlock, nameOff)
			if err != nil {
				return nil, err
			}
			if err := dt.visitProp(depth, nodeName, name, value); err != nil {
				return nil, err
			}

		case tokenNop:

		case tokenEnd:
			if depth != 0 {
				return nil, fmt.Errorf("%w: FDT_END inside node", ErrParse)
			}
			if dt.AddressCells == 0 || dt.SizeCells == 0 {
				return nil, fmt.Errorf("%w: root #address-cells/#size-cells missing", ErrParse)
			}
			return dt, nil

		default:
			return nil, fmt.Errorf("%w: unknown token %#x", ErrParse, token)
		}
	}
}

func (dt *DeviceTree) visitProp(depth int, nodeName, propName string, value []byte) error {
	switch {
	case depth == 1 && propName == "#address-cells":
		cells, err := cellValue(value)
		if err != nil {
			return err
		}
		dt.AddressCells = cells
	case depth == 1 && propName == "#size-cells":
		cells, err := cellValue(value)
		if err != nil {
			return err
		}
		dt.SizeCells = cells
	case strings.HasPrefix(nodeName, "memory@") && propName == "reg":
		if dt.AddressCells == 0 || dt.SizeCells == 0 {
			return fmt.Errorf("%w: memory reg before root cell widths", ErrParse)
		}
		regions, err := parseReg(value, dt.AddressCells, dt.SizeCells)
		if err != nil {
			return err
		}
		dt.Memory = append(dt.Memory, regions...)
	}
	return nil
}

func cellValue(value []byte) (uint32, error) {
	if len(value) != 4 {
		return 0, fmt.Errorf("%w: cell-count property has length %d", ErrParse, len(value))
	}
	cells := binary.BigEndian.Uint32(value)
	if cells != 1 && cells != 2 {
		return 0, fmt.Errorf("%w: unsupported cell count %d", ErrParse, cells)
	}
	return cells, nil
}

func parseReg(value []byte, addressCells, sizeCells uint32) ([]MemoryRegion, error) {
	tuple := int(addressCells+sizeCells) * 4
	if len(value) == 0 || len(value)%tuple != 0 {
		return nil, fmt.Errorf("%w: reg length %d not a multiple of tuple size %d", ErrParse, len(value), tuple)
	}
	var out []MemoryRegion
	for pos := 0; pos < len(value); pos += tuple {
		base := readCells(value[pos:], addressCells)
		size := readCells(value[pos+int(addressCells)*4:], sizeCells)
		out = append(out, MemoryRegion{Base: base, Size: size})
	}
	return out, nil
}

func readCells(value []byte, cells uint32) uint64 {
	if cells == 1 {
		return uint64(binary.BigEndian.Uint32(value))
	}
	return binary.BigEndian.Uint64(value)
}

func propName(stringsBlock []byte, off uint32) (string, error) {
	if uint64(off) >= uint64(len(stringsBlock)) {
		return "", fmt.Errorf("%w: property name offset %#x outside strings block", ErrParse, off)
	}
	end := off
	for end < uint32(len(stringsBlock)) && stringsBlock[end] != 0 {
		end++
	}
	return string(stringsBlock[off:end]), nil
}

func align4(v int) int {
	return (v + 3) &^ 3
}
