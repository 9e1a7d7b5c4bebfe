// Package mmu programs the EL1 translation registers and turns the MMU on,
// with the barrier ordering the architecture requires.
package mmu

import (
	"fmt"

	"github.com/tinyrange/raspiboot/internal/machine"
)

// MAIR attribute encodings. Index 0 is Device-nGnRnE; index 1 is Normal
// memory, inner+outer write-back non-transient, read/write-allocate.
const (
	attrDeviceNGnRnE    = 0x00
	attrNormalWriteBack = 0xff

	// MAIRValue packs the two attributes at their indices.
	MAIRValue = attrDeviceNGnRnE<<0 | attrNormalWriteBack<<8
)

// TCR fields: 4 KiB granule for both halves, 48-bit IPS, 48-bit virtual
// address space per half (T0SZ = T1SZ = 64 - 48).
const (
	tcrT0SZ      = 64 - 48
	tcrT1SZ      = 64 - 48
	tcrTG0_4KiB  = 0 << 14
	tcrTG1_4KiB  = 2 << 30
	tcrIPS48Bits = 5 << 32

	TCRValue = tcrT0SZ<<0 | tcrT1SZ<<16 | tcrTG0_4KiB | tcrTG1_4KiB | tcrIPS48Bits
)

// SCTLR bits enabled at activation: MMU, data cache, instruction cache.
const (
	SctlrM = 1 << 0
	SctlrC = 1 << 2
	SctlrI = 1 << 12

	SCTLREnableBits = SctlrM | SctlrC | SctlrI
)

// Activate programs MAIR, both translation table roots and TCR, then
// enables the MMU and caches. The ISB before the SCTLR write retires the
// register programming; the ISB after it makes the new translation regime
// visible to the next instruction. Called once per core with roots shared
// across all four cores.
func Activate(core *machine.Core, ttbr0Root, ttbr1Root uint64) error {
	if ttbr0Root == 0 || ttbr1Root == 0 {
		return fmt.Errorf("mmu: nil translation table root (ttbr0=%#x ttbr1=%#x)", ttbr0Root, ttbr1Root)
	}
	if ttbr0Root%0x1000 != 0 || ttbr1Root%0x1000 != 0 {
		return fmt.Errorf("mmu: misaligned translation table root (ttbr0=%#x ttbr1=%#x)", ttbr0Root, ttbr1Root)
	}

	core.WriteSysReg(machine.RegisterMairEL1, MAIRValue)
	core.WriteSysReg(machine.RegisterTtbr0EL1, ttbr0Root)
	core.WriteSysReg(machine.RegisterTtbr1EL1, ttbr1Root)
	core.WriteSysReg(machine.RegisterTcrEL1, TCRValue)
	core.ISB()
	core.WriteSysReg(machine.RegisterSctlrEL1, core.Register(machine.RegisterSctlrEL1)|SCTLREnableBits)
	core.ISB()
	return nil
}

// InvalidateTLB performs the maintenance sequence required after changing
// an installed mapping: TLBI VMALLE1, DSB ISH, ISB.
func InvalidateTLB(core *machine.Core) {
	core.TLBIVMAllE1()
	core.DSB()
	core.ISB()
}
