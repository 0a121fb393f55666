// Package vmgen synthesizes, from scratch, the x86-64 interpreter for the
// bytecode lifted by package liftcore: an entry handler, a dispatch table,
// one handler per opcode, and an exit handler, laid out as a page-aligned
// code/data pair that gets injected into the target binary as the
// `.covirt0` section (spec §4.4, §6).
package vmgen

import "github.com/mewmew/covirt/bytecode"

const pageSize = 0x1000

// Config configures one VM build (CLI flags -vcode/-vstack, spec §6).
type Config struct {
	// CodeSize is the capacity in bytes of the bytecode buffer (vcode).
	CodeSize int
	// StackSize is the capacity in bytes of the virtual stack (vstack).
	StackSize int
	// MBA enables the mixed-boolean-arithmetic pass over the interpreter's
	// own ALU handlers and constant loads (-no_mba disables it, spec §6).
	MBA bool
	// SMC enables the self-modifying-code pass over the interpreter's own
	// eligible instructions (-no_smc disables it, spec §6).
	SMC bool
}

// DefaultConfig matches the CLI defaults in spec §6.
func DefaultConfig() Config {
	return Config{CodeSize: 2048, StackSize: 2048, MBA: true, SMC: true}
}

// Layout records the byte offset of each data symbol within the VM's data
// section (spec §4.4: "vcode bytecode buffer ... saved_rsp, _vsp, _vip,
// vstack ..., retaddr, vtable").
type Layout struct {
	VCodeOff    int64
	VCodeSize   int64
	SavedRSPOff int64
	VSPOff      int64 // _vsp shadow
	VIPOff      int64 // _vip shadow
	VStackOff   int64
	VStackSize  int64
	RetAddrOff  int64
	VTableOff   int64
	VTableSize  int64
	// VRegFileSize is the size in bytes of the 16-entry virtual register
	// file. It does not live in the data section: per spec §4.4 it lives
	// on the host stack at saved_rsp-16*8, addressed relative to the
	// saved_rsp snapshot at runtime.
	VRegFileSize int64
	// DataSize is the total size of the data section.
	DataSize int64
}

// buildLayout computes the data-section symbol table for the given config.
// Fields are laid out in the order spec §4.4 lists them, 8-byte aligned.
func buildLayout(cfg Config) Layout {
	var l Layout
	off := int64(0)

	l.VCodeOff = off
	l.VCodeSize = int64(cfg.CodeSize)
	off += l.VCodeSize

	off = align8(off)
	l.SavedRSPOff = off
	off += 8

	l.VSPOff = off
	off += 8

	l.VIPOff = off
	off += 8

	l.VStackOff = off
	l.VStackSize = int64(cfg.StackSize)
	off += l.VStackSize

	off = align8(off)
	l.RetAddrOff = off
	off += 8

	l.VTableOff = off
	l.VTableSize = int64(bytecode.VTableSlots) * 8
	off += l.VTableSize

	l.VRegFileSize = 16 * 8
	l.DataSize = off
	return l
}

func align8(v int64) int64 {
	return (v + 7) &^ 7
}

func alignPage(v int64) int64 {
	return (v + pageSize - 1) &^ (pageSize - 1)
}

// symbolOffsets returns the symbol->offset-within-data-section map vmasm.Patch
// needs to resolve every DataRef emitted while assembling the interpreter.
func (l Layout) symbolOffsets() map[string]int64 {
	return map[string]int64{
		"vcode":     l.VCodeOff,
		"saved_rsp": l.SavedRSPOff,
		"_vsp":      l.VSPOff,
		"_vip":      l.VIPOff,
		"vstack":    l.VStackOff,
		"retaddr":   l.RetAddrOff,
		"vtable":    l.VTableOff,
	}
}
