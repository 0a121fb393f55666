package vmgen

import (
	"github.com/mewmew/covirt/mba"
	"github.com/mewmew/covirt/smc"
	"github.com/mewmew/covirt/vmasm"
)

// execNativeScratchSize is the length, in bytes, of the execute_native
// handler's in-line scratch pad — long enough for any single x86-64
// instruction this tool needs to fall back on natively (cpuid, rdtsc, and
// similar unsupported opcodes all fit comfortably under it).
const execNativeScratchSize = 15

// vsizes enumerates the four operand widths the VM's size field encodes,
// in size-code order (00,01,10,11).
var vsizes = [4]int{1, 2, 4, 8}

// loadVRegBase loads the saved_rsp snapshot into r10 — the base every
// v-register-file access is computed from (`r10 - 128 + idx*8`).
func loadVRegBase(a *vmasm.Asm) {
	a.MovRegData(vmasm.R10, "saved_rsp", 8)
}

// branchOnSize reads the 2-bit size code out of the opcode byte at VIP and
// branches to one of four handler-local labels named name+"_sz1/2/4/8".
// This stands in for the spec's runtime jump-table indirection: the four
// targets are fixed at assembly time, so a short compare chain reaches the
// same dispatch outcome without needing a relocatable in-line pointer
// table (see DESIGN.md).
func branchOnSize(a *vmasm.Asm, name string) {
	emitSizeCode(a, vmasm.RDX)
	a.CmpRegImm32(vmasm.RDX, 0)
	mustJcc(a, "jz", name+"_sz1")
	a.CmpRegImm32(vmasm.RDX, 1)
	mustJcc(a, "jz", name+"_sz2")
	a.CmpRegImm32(vmasm.RDX, 2)
	mustJcc(a, "jz", name+"_sz4")
	a.JmpLabel(name + "_sz8")
}

func mustJcc(a *vmasm.Asm, cc, label string) {
	if err := a.JccLabel(cc, label); err != nil {
		panic(err)
	}
}

// emitPushImm builds push_imm: decrements VSP by size and stores the
// sign-extended immediate that follows the opcode byte in vcode.
func emitPushImm(a *vmasm.Asm) {
	a.Label("h_push_imm")
	branchOnSize(a, "h_push_imm")
	for _, sz := range vsizes {
		a.Label(labelSz("h_push_imm", sz))
		a.XorRegReg(vmasm.R11, vmasm.R11, 8)
		a.MovRegMem(vmasm.R11, vmasm.RAX, 1, sz)
		a.SubRegImm32(vmasm.RSI, int32(sz))
		a.MovMemReg(vmasm.RSI, 0, vmasm.R11, sz)
		a.AddRegImm32(vmasm.RAX, int32(1+sz))
		a.JmpLabel("next")
	}
}

// emitPushReg builds push_reg: decrements VSP by size, stores the v-reg
// value named by the index byte following the opcode.
func emitPushReg(a *vmasm.Asm) {
	a.Label("h_push_reg")
	a.XorRegReg(vmasm.R11, vmasm.R11, 8)
	a.MovRegMem(vmasm.R11, vmasm.RAX, 1, 1) // v-reg index
	loadVRegBase(a)
	branchOnSize(a, "h_push_reg")
	for _, sz := range vsizes {
		a.Label(labelSz("h_push_reg", sz))
		a.MovRegMemScaled(vmasm.R9, vmasm.R10, vmasm.R11, 8, -128, 8)
		a.SubRegImm32(vmasm.RSI, int32(sz))
		a.MovMemReg(vmasm.RSI, 0, vmasm.R9, sz)
		a.AddRegImm32(vmasm.RAX, 2)
		a.JmpLabel("next")
	}
}

// emitPop builds pop: reads the top of vstack, advances VSP, and writes
// the value into the v-reg file slot named by the index byte.
func emitPop(a *vmasm.Asm) {
	a.Label("h_pop")
	a.XorRegReg(vmasm.R11, vmasm.R11, 8)
	a.MovRegMem(vmasm.R11, vmasm.RAX, 1, 1)
	loadVRegBase(a)
	branchOnSize(a, "h_pop")
	for _, sz := range vsizes {
		a.Label(labelSz("h_pop", sz))
		a.XorRegReg(vmasm.R9, vmasm.R9, 8)
		a.MovRegMem(vmasm.R9, vmasm.RSI, 0, sz)
		a.AddRegImm32(vmasm.RSI, int32(sz))
		a.MovMemScaledReg(vmasm.R10, vmasm.R11, 8, -128, vmasm.R9, 8)
		a.AddRegImm32(vmasm.RAX, 2)
		a.JmpLabel("next")
	}
}

// emitRead builds read: pops a 64-bit address, reads size bytes from it,
// and pushes the result (net VSP movement is 8-size).
func emitRead(a *vmasm.Asm) {
	a.Label("h_read")
	a.MovRegMem(vmasm.R9, vmasm.RSI, 0, 8)
	a.AddRegImm32(vmasm.RSI, 8)
	branchOnSize(a, "h_read")
	for _, sz := range vsizes {
		a.Label(labelSz("h_read", sz))
		a.XorRegReg(vmasm.R11, vmasm.R11, 8)
		a.MovRegMem(vmasm.R11, vmasm.R9, 0, sz)
		a.SubRegImm32(vmasm.RSI, int32(sz))
		a.MovMemReg(vmasm.RSI, 0, vmasm.R11, sz)
		a.AddRegImm32(vmasm.RAX, 1)
		a.JmpLabel("next")
	}
}

// emitWrite builds write: pops an address, writes the named v-reg's value
// to it at the given size, advances VSP by 8.
func emitWrite(a *vmasm.Asm) {
	a.Label("h_write")
	a.MovRegMem(vmasm.R9, vmasm.RSI, 0, 8) // target address
	a.AddRegImm32(vmasm.RSI, 8)
	a.XorRegReg(vmasm.R11, vmasm.R11, 8)
	a.MovRegMem(vmasm.R11, vmasm.RAX, 1, 1) // src v-reg index
	loadVRegBase(a)
	branchOnSize(a, "h_write")
	for _, sz := range vsizes {
		a.Label(labelSz("h_write", sz))
		a.MovRegMemScaled(vmasm.R8, vmasm.R10, vmasm.R11, 8, -128, 8)
		a.MovMemReg(vmasm.R9, 0, vmasm.R8, sz)
		a.AddRegImm32(vmasm.RAX, 2)
		a.JmpLabel("next")
	}
}

// aluOpEmit is a vmasm register-register ALU emitter shape, satisfied by
// AddRegReg/SubRegReg/XorRegReg/AndRegReg/OrRegReg.
type aluOpEmit func(a *vmasm.Asm, dst, src vmasm.Reg, size int)

// emitAlu builds one of add/sub/xor/and/or: pops the top two operands,
// combines them, pushes the single result.
func emitAlu(a *vmasm.Asm, name string, op aluOpEmit) {
	a.Label("h_" + name)
	branchOnSize(a, "h_"+name)
	for _, sz := range vsizes {
		a.Label(labelSz("h_"+name, sz))
		a.XorRegReg(vmasm.R9, vmasm.R9, 8)
		a.MovRegMem(vmasm.R9, vmasm.RSI, 0, sz) // b (top)
		a.XorRegReg(vmasm.R8, vmasm.R8, 8)
		a.MovRegMem(vmasm.R8, vmasm.RSI, int32(sz), sz) // a
		a.AddRegImm32(vmasm.RSI, int32(sz))              // pop b's slot
		op(a, vmasm.R8, vmasm.R9, sz)
		a.MovMemReg(vmasm.RSI, 0, vmasm.R8, sz)
		a.AddRegImm32(vmasm.RAX, 1)
		a.JmpLabel("next")
	}
}

// emitCmp builds cmp: compares the top two operands, replaces them with a
// 16-bit EFLAGS snapshot. Unlike emitCall's resume-VIP stash, no step here is
// routed through the self-modifying-code pass: the only candidate step is
// the post-pushfq pop restoring the snapshot into a register, and a pop's
// destination holds freshly-popped state the next instruction overwrites,
// which the pass excludes categorically (see package smc).
func emitCmp(a *vmasm.Asm) {
	a.Label("h_cmp")
	branchOnSize(a, "h_cmp")
	for _, sz := range vsizes {
		a.Label(labelSz("h_cmp", sz))
		a.XorRegReg(vmasm.R9, vmasm.R9, 8)
		a.MovRegMem(vmasm.R9, vmasm.RSI, 0, sz)
		a.XorRegReg(vmasm.R8, vmasm.R8, 8)
		a.MovRegMem(vmasm.R8, vmasm.RSI, int32(sz), sz)
		a.AddRegImm32(vmasm.RSI, int32(2*sz))
		a.CmpRegReg(vmasm.R8, vmasm.R9, sz)
		a.Pushfq()
		a.PopReg(vmasm.R9)
		a.SubRegImm32(vmasm.RSI, 2)
		a.MovMemReg(vmasm.RSI, 0, vmasm.R9, 2)
		a.AddRegImm32(vmasm.RAX, 1)
		a.JmpLabel("next")
	}
}

// emitJmp builds the unconditional jmp: loads VIP from vcode+[VIP+1] (a
// 16-bit offset into vcode resolved by the lifter's fill-in-gap pass).
func emitJmp(a *vmasm.Asm) {
	a.Label("h_jmp")
	a.XorRegReg(vmasm.RCX, vmasm.RCX, 8)
	a.MovRegMem(vmasm.RCX, vmasm.RAX, 1, 2)
	a.LeaRegData(vmasm.RDX, "vcode")
	a.AddRegReg(vmasm.RDX, vmasm.RCX, 8)
	a.MovRegReg(vmasm.RAX, vmasm.RDX)
	a.JmpLabel("next")
}

// jccCond maps each conditional-jump opcode's handler name to the native
// x86 condition it reuses: the VM's predicate bits (ZF, CF, SF, OF, PF)
// come straight from a genuine EFLAGS snapshot, so restoring that snapshot
// into the live flags register lets the VM reuse the real `jcc` predicate
// logic instead of reimplementing it bit by bit.
var jccCond = map[string]string{
	"jz": "jz", "jnz": "jnz", "jb": "jb", "jnb": "jnb", "jbe": "jbe",
	"jnbe": "jnbe", "jl": "jl", "jle": "jle", "jnl": "jnl", "jnle": "jnle",
}

// emitJcc builds one conditional-jump handler: restores the flag snapshot
// into EFLAGS via push+popfq, then branches using the matching native jcc.
func emitJcc(a *vmasm.Asm, name string) {
	a.Label("h_" + name)
	a.XorRegReg(vmasm.R9, vmasm.R9, 8)
	a.MovRegMem(vmasm.R9, vmasm.RSI, 0, 2)
	a.AddRegImm32(vmasm.RSI, 2)
	a.PushReg(vmasm.R9)
	a.Popfq()
	mustJcc(a, jccCond[name], "h_"+name+"_taken")
	a.AddRegImm32(vmasm.RAX, 3) // not taken: skip opcode byte + 2-byte target
	a.JmpLabel("next")
	a.Label("h_" + name + "_taken")
	a.XorRegReg(vmasm.RCX, vmasm.RCX, 8)
	a.MovRegMem(vmasm.RCX, vmasm.RAX, 1, 2)
	a.LeaRegData(vmasm.RDX, "vcode")
	a.AddRegReg(vmasm.RDX, vmasm.RCX, 8)
	a.MovRegReg(vmasm.RAX, vmasm.RDX)
	a.JmpLabel("next")
}

// emitExitToNative restores the guest's real register context — captured
// once by venter and otherwise untouched on the host stack directly below
// the current frame — and undoes the entry stub's red-zone reserve
// together with the stub's two pushed words (offset_into_lift and the call's
// return address, both already consumed by venter), so that code falling
// through afterward sees the exact stack and registers
// the protected region's native caller would see. r11's slot is popped
// into a throwaway spot rather than r11 itself, the same way vexit already
// treats rsp's slot as unrestorable in place: both emitCall and
// emitExecuteNative park a value in r11 just before calling this that must
// survive the restore (the native call target, or nothing at all for
// execute_native, where r11 is simply left alone). Mirrors vm_enter_emitter's
// `revert_effects` bracket in the original project's vm/v0.hpp, which takes
// the identical shortcut of never restoring r11 (there by an apparent
// pop-into-r12 typo rather than deliberately, but with the same net effect).
func emitExitToNative(a *vmasm.Asm) {
	a.Popfq()
	for _, r := range vregPopOrder {
		if r == vmasm.RSP || r == vmasm.R11 {
			a.AddRegImm32(vmasm.RSP, 8)
			continue
		}
		a.PopReg(r)
	}
	a.AddRegImm32(vmasm.RSP, PreludeReserve+16)
}

// emitReenterFromNative is emitExitToNative's mirror: re-reserves the red
// zone and the stub's two words, so the frame lines up with venter's
// saved_rsp again, and re-saves the register context (possibly modified by the native
// code just run) in venter's exact push order, so dispatch can resume as
// if nothing had left the interpreter. r11's re-saved slot is therefore
// whatever the native call left behind rather than the guest's true r11 —
// an accepted approximation inherited from the same source quirk noted on
// emitExitToNative (see DESIGN.md).
func emitReenterFromNative(a *vmasm.Asm) {
	a.SubRegImm32(vmasm.RSP, PreludeReserve+16)
	for _, r := range vregPushOrder {
		a.PushReg(r)
	}
	a.Pushfq()
}

// emitStashVSP records the live VSP (rsi) as an offset from the vstack
// base into the "_vsp" shadow data slot: emitExitToNative is about to pop
// a guest value into rsi along with every other GPR, so a plain register
// can't carry VSP across the round trip — it has to live in memory.
func emitStashVSP(a *vmasm.Asm) {
	a.LeaRegData(vmasm.R9, "vstack")
	a.MovRegReg(vmasm.RDX, vmasm.RSI)
	a.SubRegReg(vmasm.RDX, vmasm.R9, 8)
	a.MovDataReg("_vsp", vmasm.RDX, 8)
}

// emitRecoverVSP is emitStashVSP's mirror: rebuilds rsi from the "_vsp"
// offset once emitReenterFromNative has finished clobbering it again.
func emitRecoverVSP(a *vmasm.Asm) {
	a.LeaRegData(vmasm.RSI, "vstack")
	a.MovRegData(vmasm.RDX, "_vsp", 8)
	a.AddRegReg(vmasm.RSI, vmasm.RDX, 8)
}

// emitCall builds call: computes the absolute native target from retaddr
// plus the signed rel32, then brackets the native call with a full
// register-context handoff (emitExitToNative/emitReenterFromNative) so the
// callee sees the guest's actual registers rather than the interpreter's
// own housekeeping values — spec §4.4's "nested calls out of the protected
// region survive" contract depends on this, not merely on VIP/VSP/retaddr
// surviving. VIP (rax) and VSP (rsi) live in registers the restore
// clobbers, so the resume VIP and the current retaddr are stashed on the
// vstack first (retaddr, not just VIP: a nested call that re-enters a
// different virtualized subroutine would overwrite the global "retaddr"
// symbol with that subroutine's own base) and recovered afterward. Grounded
// on the `call` handler in the original project's vm/v0.hpp. When useSMC is
// set, the resume-VIP stash is passed through smc.Emit; that store encodes
// to 7 bytes, outside smc.Eligible's 1, 2 and 4, so smc.Emit emits it
// unchanged and the interpreter contains no self-modifying sequence.
func emitCall(a *vmasm.Asm, useSMC bool) {
	a.Label("h_call")
	a.MovsxdRegMem(vmasm.RCX, vmasm.RAX, 1)
	a.MovRegData(vmasm.RDX, "retaddr", 8)
	a.AddRegReg(vmasm.RCX, vmasm.RDX, 8)
	a.MovRegReg(vmasm.R11, vmasm.RCX) // native target, parked where emitExitToNative spares it

	a.MovRegReg(vmasm.R8, vmasm.RAX)
	a.AddRegImm32(vmasm.R8, 5) // resume VIP, past the 1-byte opcode + 4-byte rel32

	a.MovRegData(vmasm.RDX, "retaddr", 8)
	a.SubRegImm32(vmasm.RSI, 8)
	a.MovMemReg(vmasm.RSI, 0, vmasm.RDX, 8) // vstack: stash retaddr
	a.SubRegImm32(vmasm.RSI, 8)
	if useSMC {
		smc.Emit(a, func(s *vmasm.Asm) { s.MovMemReg(vmasm.RSI, 0, vmasm.R8, 8) })
	} else {
		a.MovMemReg(vmasm.RSI, 0, vmasm.R8, 8) // vstack: stash resume VIP
	}
	emitStashVSP(a)

	emitExitToNative(a)
	a.CallReg(vmasm.R11)
	emitReenterFromNative(a)

	emitRecoverVSP(a)
	a.MovRegMem(vmasm.RAX, vmasm.RSI, 0, 8) // resume VIP
	a.AddRegImm32(vmasm.RSI, 8)
	a.MovRegMem(vmasm.RDX, vmasm.RSI, 0, 8) // saved retaddr
	a.MovDataReg("retaddr", vmasm.RDX, 8)
	a.AddRegImm32(vmasm.RSI, 8)
	a.JmpLabel("next")
}

// emitLea builds lea: computes retaddr + sign_extend(rel32) and pushes it.
func emitLea(a *vmasm.Asm) {
	a.Label("h_lea")
	a.MovsxdRegMem(vmasm.RCX, vmasm.RAX, 1)
	a.MovRegData(vmasm.RDX, "retaddr", 8)
	a.AddRegReg(vmasm.RCX, vmasm.RDX, 8)
	a.SubRegImm32(vmasm.RSI, 8)
	a.MovMemReg(vmasm.RSI, 0, vmasm.RCX, 8)
	a.AddRegImm32(vmasm.RAX, 5)
	a.JmpLabel("next")
}

// emitExecuteNative builds execute_native: copies the inline native bytes
// into a scratch pad, brackets it with the same guest register
// restore/re-save emitCall uses (emitExitToNative/emitReenterFromNative —
// an unsupported opcode embedded here needs the guest's real registers
// exactly as much as a virtualized call does), runs it, then wipes the pad
// back to nops. When useMBA is set the nop-fill constant (0x90) is
// materialized through the MBA pass instead of a bare mov imm (spec §4.6's
// "mov imm -> transform_constant" rule).
func emitExecuteNative(a *vmasm.Asm, useMBA bool) {
	a.Label("h_execute_native")
	a.XorRegReg(vmasm.RCX, vmasm.RCX, 8)
	a.MovRegMem(vmasm.RCX, vmasm.RAX, 1, 1) // n
	a.LeaRegLabel(vmasm.RDX, "exec_scratch")
	a.MovRegReg(vmasm.R8, vmasm.RAX)
	a.AddRegImm32(vmasm.R8, 2) // source = raw bytes right after length byte

	a.XorRegReg(vmasm.R9, vmasm.R9, 8)
	a.Label("exec_copy_loop")
	a.CmpRegReg(vmasm.R9, vmasm.RCX, 8)
	mustJcc(a, "jz", "exec_copy_done")
	a.XorRegReg(vmasm.R11, vmasm.R11, 8)
	a.MovRegMemScaled(vmasm.R11, vmasm.R8, vmasm.R9, 1, 0, 1)
	a.MovMemScaledReg(vmasm.RDX, vmasm.R9, 1, 0, vmasm.R11, 1)
	a.AddRegImm32(vmasm.R9, 1)
	a.JmpLabel("exec_copy_loop")
	a.Label("exec_copy_done")

	a.MovRegReg(vmasm.R8, vmasm.RAX)
	a.AddRegImm32(vmasm.R8, 2)
	a.AddRegReg(vmasm.R8, vmasm.RCX, 8) // resume VIP after the native blob

	// Stash the resume VIP and VSP exactly as emitCall does: the guest
	// register restore below is about to clobber rax/rsi, and the inlined
	// native instruction needs the guest's own register values instead of
	// whatever the interpreter's housekeeping left in them.
	a.SubRegImm32(vmasm.RSI, 8)
	a.MovMemReg(vmasm.RSI, 0, vmasm.R8, 8) // vstack: stash resume VIP
	emitStashVSP(a)

	emitExitToNative(a)
	a.CallLabel("exec_scratch")
	emitReenterFromNative(a)

	emitRecoverVSP(a)
	a.MovRegMem(vmasm.RAX, vmasm.RSI, 0, 8) // resume VIP
	a.AddRegImm32(vmasm.RSI, 8)

	// Blank the scratch pad back to nops regardless of n: the callee may
	// itself have clobbered rcx (cpuid does), so the restore loop uses a
	// fixed bound instead of trusting it.
	if useMBA {
		mba.ImmEmit(a, vmasm.R10, 0x90, 4)
	} else {
		a.MovRegImm32(vmasm.R10, 0x90)
	}
	a.XorRegReg(vmasm.R9, vmasm.R9, 8)
	a.LeaRegLabel(vmasm.RDX, "exec_scratch")
	a.Label("exec_wipe_loop")
	a.CmpRegImm32(vmasm.R9, execNativeScratchSize)
	mustJcc(a, "jz", "exec_wipe_done")
	a.MovMemScaledReg(vmasm.RDX, vmasm.R9, 1, 0, vmasm.R10, 1)
	a.AddRegImm32(vmasm.R9, 1)
	a.JmpLabel("exec_wipe_loop")
	a.Label("exec_wipe_done")
	a.JmpLabel("next")

	a.Label("exec_scratch")
	for i := 0; i < execNativeScratchSize; i++ {
		a.Nop()
	}
	a.Ret()
}

func labelSz(prefix string, sz int) string {
	switch sz {
	case 1:
		return prefix + "_sz1"
	case 2:
		return prefix + "_sz2"
	case 4:
		return prefix + "_sz4"
	default:
		return prefix + "_sz8"
	}
}
