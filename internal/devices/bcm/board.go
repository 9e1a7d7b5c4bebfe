// Package bcm models the Raspberry Pi peripherals the boot path talks to:
// the VideoCore property mailbox and the PL011 UART, plus the per-board
// physical constants selected from MIDR_EL1.
package bcm

import "fmt"

// Board carries the physical layout constants that differ between the
// Pi 3 and Pi 4 (low-peripheral mode assumed throughout).
type Board struct {
	Name            string
	PeripheralsBase uint64
	PeripheralsEnd  uint64
	MMIOBase        uint64
	EMMCOffset      uint64
}

var (
	Pi3 = Board{
		Name:            "raspi3",
		PeripheralsBase: 0x3f000000,
		PeripheralsEnd:  0x40000000,
		MMIOBase:        0x3f000000,
		EMMCOffset:      0x300000,
	}
	Pi4 = Board{
		Name:            "raspi4",
		PeripheralsBase: 0xfc000000,
		PeripheralsEnd:  0x100000000,
		MMIOBase:        0xfe000000,
		EMMCOffset:      0x340000,
	}
)

// MIDR_EL1 partno values for the Cortex-A53 (Pi 3) and Cortex-A72 (Pi 4).
const (
	partnoCortexA53 = 0xd03
	partnoCortexA72 = 0xd08
)

// MidrFor returns a MIDR_EL1 value whose partno selects the given board.
func MidrFor(b Board) uint64 {
	if b.Name == Pi4.Name {
		return partnoCortexA72 << 4
	}
	return partnoCortexA53 << 4
}

// DetectBoard selects the board from MIDR_EL1 partno bits 15:4.
func DetectBoard(midr uint64) (Board, error) {
	switch (midr >> 4) & 0xfff {
	case partnoCortexA53:
		return Pi3, nil
	case partnoCortexA72:
		return Pi4, nil
	default:
		return Board{}, fmt.Errorf("bcm: unknown CPU partno %#x", (midr>>4)&0xfff)
	}
}

// Peripheral offsets within the MMIO window.
const (
	MailboxOffset = 0xb880
	UARTOffset    = 0x201000
)

func (b Board) MailboxBase() uint64 { return b.MMIOBase + MailboxOffset }
func (b Board) UARTBase() uint64    { return b.MMIOBase + UARTOffset }
