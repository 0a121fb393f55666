package vmgen

import (
	"github.com/mewmew/covirt/bytecode"
	"github.com/mewmew/covirt/vmasm"
)

// vregPushOrder is the fixed order venter pushes host GPRs in — R15 down to
// RAX, highest v-reg index first — so that after the push the lowest
// address among them (closest to the new RSP) holds v-reg 0 (RAX) and the
// slot formula `saved_rsp - 16*8 + idx*8` lands on the right register for
// every index (the slot ordering is the contract that defines v-reg index
// semantics).
var vregPushOrder = []vmasm.Reg{
	vmasm.R15, vmasm.R14, vmasm.R13, vmasm.R12, vmasm.R11, vmasm.R10, vmasm.R9, vmasm.R8,
	vmasm.RDI, vmasm.RSI, vmasm.RBP, vmasm.RSP, vmasm.RBX, vmasm.RDX, vmasm.RCX, vmasm.RAX,
}

// vregPopOrder is the mirror restore order, ascending index. RSP's slot is
// never literally popped back into the live RSP register — doing so would
// hijack the host stack pointer mid-unwind before the remaining pops run —
// so that one slot is skipped with `add rsp, 8` instead; the real stack
// pointer ends up exactly restored by the symmetry of the other 16
// push/pops plus vexit's trailing cleanup.
var vregPopOrder = []vmasm.Reg{
	vmasm.RAX, vmasm.RCX, vmasm.RDX, vmasm.RBX, vmasm.RSP, vmasm.RBP, vmasm.RSI, vmasm.RDI,
	vmasm.R8, vmasm.R9, vmasm.R10, vmasm.R11, vmasm.R12, vmasm.R13, vmasm.R14, vmasm.R15,
}

// emitVEnter builds the venter label: captures the host register context
// into the v-register file, derives VIP from the stub-pushed lift offset,
// lazily initializes the dispatch table, and falls into dispatch.
func emitVEnter(a *vmasm.Asm, l Layout) {
	a.Label("venter")

	// Snapshot the incoming host RSP before touching anything else: this
	// is the reference point every v-reg slot offset is computed from.
	a.MovDataReg("saved_rsp", vmasm.RSP, 8)

	for _, r := range vregPushOrder {
		a.PushReg(r)
	}
	a.Pushfq()

	// The stub's two pushed words (offset_into_lift, then the call's own
	// return address) are still sitting above our 17 pushes, untouched.
	a.MovRegMem(vmasm.RAX, vmasm.RSP, 17*8, 8) // architectural retaddr
	a.MovDataReg("retaddr", vmasm.RAX, 8)
	a.MovRegMem(vmasm.RAX, vmasm.RSP, 18*8, 8) // offset_into_lift

	a.LeaRegData(vmasm.RCX, "vcode")
	a.AddRegReg(vmasm.RAX, vmasm.RCX, 8) // RAX (VIP) = vcode + offset_into_lift

	emitVTableInit(a)

	a.LeaRegData(vmasm.RSI, "vstack")
	a.AddRegImm32(vmasm.RSI, int32(l.VStackSize)) // VSP starts one-past-end; pushes decrement first
	a.JmpLabel("next")
}

// emitVTableInit writes the lazily-initialized dispatch table: one handler
// address per opcode, guarded by vtable[0] != 0 so re-entrant calls into
// venter (the `call` handler's nested re-entry) don't redo the work.
func emitVTableInit(a *vmasm.Asm) {
	a.LeaRegData(vmasm.R9, "vtable")
	a.MovRegMem(vmasm.RDX, vmasm.R9, 0, 8)
	a.TestRegReg(vmasm.RDX, vmasm.RDX, 8)
	if err := a.JccLabel("jnz", "vtable_ready"); err != nil {
		panic(err)
	}
	for _, op := range allOps() {
		a.LeaRegData(vmasm.RDX, "h_"+op.String())
		a.MovMemReg(vmasm.R9, int32(op)*8, vmasm.RDX, 8)
	}
	a.Label("vtable_ready")
}

func allOps() []bytecode.Op {
	ops := make([]bytecode.Op, 0, bytecode.NumOps)
	for op := bytecode.Op(0); op < bytecode.NumOps; op++ {
		ops = append(ops, op)
	}
	return ops
}

// emitDispatch builds the `next` label: load the opcode byte at VIP, mask
// the low 6 bits, and indirect-jump through vtable[opcode*8].
func emitDispatch(a *vmasm.Asm) {
	a.Label("next")
	a.XorRegReg(vmasm.RCX, vmasm.RCX, 8)
	a.MovRegMem(vmasm.RCX, vmasm.RAX, 0, 1)
	a.AndRegImm32(vmasm.RCX, 0x3F)
	a.LeaRegData(vmasm.R9, "vtable")
	a.JmpMemScaled(vmasm.R9, vmasm.RCX, 8, 0)
}

// emitSizeCode loads the 2-bit size code (bits 6-7 of the opcode byte at
// VIP) into dst, zero-extended.
func emitSizeCode(a *vmasm.Asm, dst vmasm.Reg) {
	a.XorRegReg(dst, dst, 8)
	a.MovRegMem(dst, vmasm.RAX, 0, 1)
	a.ShrRegImm8(dst, 6, 8)
}

// emitVExit builds the vm_exit handler: reads the 16-bit skip amount
// inline at VIP, folds it into retaddr, restores the host register
// context in exact reverse of venter's push order, undoes the
// architectural prelude, and jumps to the resume address — without ever
// loading that address into a general-purpose register, so none of the
// just-restored registers gets clobbered on the way out.
func emitVExit(a *vmasm.Asm) {
	a.Label("h_vm_exit")

	a.XorRegReg(vmasm.RCX, vmasm.RCX, 8)
	a.MovRegMem(vmasm.RCX, vmasm.RAX, 1, 2) // skip amount follows the opcode byte
	a.MovRegData(vmasm.RDX, "retaddr", 8)
	a.AddRegReg(vmasm.RDX, vmasm.RCX, 8)
	a.MovDataReg("retaddr", vmasm.RDX, 8)

	a.Popfq()
	for _, r := range vregPopOrder {
		if r == vmasm.RSP {
			a.AddRegImm32(vmasm.RSP, 8)
			continue
		}
		a.PopReg(r)
	}

	a.AddRegImm32(vmasm.RSP, 16) // discard the stub's pushed offset/retaddr words
	a.AddRegImm32(vmasm.RSP, PreludeReserve)
	a.JmpData("retaddr")
}
