package liftcore

import "golang.org/x/arch/x86/x86asm"

// regInfo maps a decoded x86asm register operand to the VM's v-register
// index (spec §3: 16 virtual registers, one per host GPR) and its width in
// bytes, regardless of which sub-register width the instruction addressed
// it through (AL/AX/EAX/RAX all resolve to v-reg 0).
func regInfo(r x86asm.Reg) (idx int, size int, ok bool) {
	switch r {
	case x86asm.AL:
		return 0, 1, true
	case x86asm.CL:
		return 1, 1, true
	case x86asm.DL:
		return 2, 1, true
	case x86asm.BL:
		return 3, 1, true
	case x86asm.SPB:
		return 4, 1, true
	case x86asm.BPB:
		return 5, 1, true
	case x86asm.SIB:
		return 6, 1, true
	case x86asm.DIB:
		return 7, 1, true
	case x86asm.R8B:
		return 8, 1, true
	case x86asm.R9B:
		return 9, 1, true
	case x86asm.R10B:
		return 10, 1, true
	case x86asm.R11B:
		return 11, 1, true
	case x86asm.R12B:
		return 12, 1, true
	case x86asm.R13B:
		return 13, 1, true
	case x86asm.R14B:
		return 14, 1, true
	case x86asm.R15B:
		return 15, 1, true

	case x86asm.AX:
		return 0, 2, true
	case x86asm.CX:
		return 1, 2, true
	case x86asm.DX:
		return 2, 2, true
	case x86asm.BX:
		return 3, 2, true
	case x86asm.SP:
		return 4, 2, true
	case x86asm.BP:
		return 5, 2, true
	case x86asm.SI:
		return 6, 2, true
	case x86asm.DI:
		return 7, 2, true
	case x86asm.R8W:
		return 8, 2, true
	case x86asm.R9W:
		return 9, 2, true
	case x86asm.R10W:
		return 10, 2, true
	case x86asm.R11W:
		return 11, 2, true
	case x86asm.R12W:
		return 12, 2, true
	case x86asm.R13W:
		return 13, 2, true
	case x86asm.R14W:
		return 14, 2, true
	case x86asm.R15W:
		return 15, 2, true

	case x86asm.EAX:
		return 0, 4, true
	case x86asm.ECX:
		return 1, 4, true
	case x86asm.EDX:
		return 2, 4, true
	case x86asm.EBX:
		return 3, 4, true
	case x86asm.ESP:
		return 4, 4, true
	case x86asm.EBP:
		return 5, 4, true
	case x86asm.ESI:
		return 6, 4, true
	case x86asm.EDI:
		return 7, 4, true
	case x86asm.R8L:
		return 8, 4, true
	case x86asm.R9L:
		return 9, 4, true
	case x86asm.R10L:
		return 10, 4, true
	case x86asm.R11L:
		return 11, 4, true
	case x86asm.R12L:
		return 12, 4, true
	case x86asm.R13L:
		return 13, 4, true
	case x86asm.R14L:
		return 14, 4, true
	case x86asm.R15L:
		return 15, 4, true

	case x86asm.RAX:
		return 0, 8, true
	case x86asm.RCX:
		return 1, 8, true
	case x86asm.RDX:
		return 2, 8, true
	case x86asm.RBX:
		return 3, 8, true
	case x86asm.RSP:
		return 4, 8, true
	case x86asm.RBP:
		return 5, 8, true
	case x86asm.RSI:
		return 6, 8, true
	case x86asm.RDI:
		return 7, 8, true
	case x86asm.R8:
		return 8, 8, true
	case x86asm.R9:
		return 9, 8, true
	case x86asm.R10:
		return 10, 8, true
	case x86asm.R11:
		return 11, 8, true
	case x86asm.R12:
		return 12, 8, true
	case x86asm.R13:
		return 13, 8, true
	case x86asm.R14:
		return 14, 8, true
	case x86asm.R15:
		return 15, 8, true
	}
	return 0, 0, false
}

// scratchVReg is the v-register index the lifter borrows for intermediate
// values during address computation and write-back — never a register a
// real instruction could legally name as an operand in the subset this
// tool translates, so reusing it can't collide with live program state
// within a single translated instruction.
const scratchVReg = 11
