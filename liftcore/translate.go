package liftcore

import (
	"github.com/mewmew/covirt/addr"
	"github.com/mewmew/covirt/bbdecomp"
	"github.com/mewmew/covirt/bytecode"
	"github.com/mewmew/covirt/covirterr"
	"github.com/mewmew/covirt/disasm"
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// scratchVReg2 is a second scratch slot, needed when a translation must
// hold both an address and a value alive at once (read-modify-write memory
// operands). Same caveat as scratchVReg: borrowed from the guest's
// register file, so it is unsafe only if the source program itself
// addresses r10/r11 at the same point a scratch is live, which cannot
// happen within the span of a single translated instruction.
const scratchVReg2 = 10

// jccTable maps the x86asm conditional-jump mnemonics the VM can express
// natively (plain CF/ZF/SF/OF comparisons; spec §3 lists 10 jcc opcodes) to
// their bytecode opcode. Parity, sign-only, overflow-only and (e/r)cx-zero
// jumps have no VM opcode and fall back to native embedding.
var jccTable = map[x86asm.Op]bytecode.Op{
	x86asm.JA:  bytecode.Jnbe,
	x86asm.JAE: bytecode.Jnb,
	x86asm.JB:  bytecode.Jb,
	x86asm.JBE: bytecode.Jbe,
	x86asm.JE:  bytecode.Jz,
	x86asm.JG:  bytecode.Jnle,
	x86asm.JGE: bytecode.Jnl,
	x86asm.JL:  bytecode.Jl,
	x86asm.JLE: bytecode.Jle,
	x86asm.JNE: bytecode.Jnz,
}

// aluTable maps x86 mnemonics to the bytecode ALU opcode with identical
// two-operand, flag-setting semantics.
var aluTable = map[x86asm.Op]bytecode.Op{
	x86asm.ADD: bytecode.Add,
	x86asm.SUB: bytecode.Sub,
	x86asm.XOR: bytecode.Xor,
	x86asm.AND: bytecode.And,
	x86asm.OR:  bytecode.Or,
}

// translateInst lowers one x86 instruction into the emitter's bytecode
// stream. A returned *unsupportedOperand is not fatal: the caller embeds
// the instruction's raw bytes via ExecuteNative instead (spec §4.3).
func translateInst(e *bytecode.Emitter, sub *bbdecomp.Subroutine, ins *disasm.Instruction) error {
	op := ins.Inst.Op
	switch {
	case op == x86asm.MOV:
		return translateMov(e, ins)
	case op == x86asm.CMP:
		return translateCmp(e, ins)
	case op == x86asm.LEA:
		return translateLea(e, sub, ins)
	case op == x86asm.JMP:
		return translateJmp(e, sub, ins, bytecode.Jmp)
	case op == x86asm.CALL:
		return translateCall(e, sub, ins)
	}
	if bcOp, ok := aluTable[op]; ok {
		return translateAlu(e, ins, bcOp)
	}
	if bcOp, ok := jccTable[op]; ok {
		return translateJmp(e, sub, ins, bcOp)
	}
	return errUnsupportedOperand("unrecognized mnemonic " + op.String())
}

func regArg(arg x86asm.Arg) (idx, size int, ok bool) {
	r, isReg := arg.(x86asm.Reg)
	if !isReg {
		return 0, 0, false
	}
	return regInfo(r)
}

func memArg(arg x86asm.Arg) (x86asm.Mem, bool) {
	m, ok := arg.(x86asm.Mem)
	return m, ok
}

func immArg(arg x86asm.Arg) (int64, bool) {
	imm, ok := arg.(x86asm.Imm)
	return int64(imm), ok
}

// translateMov lowers MOV's five operand shapes: reg<-imm, reg<-reg,
// reg<-mem, mem<-reg, mem<-imm. mem<-mem cannot occur in valid x86.
func translateMov(e *bytecode.Emitter, ins *disasm.Instruction) error {
	args := ins.Inst.Args
	dstReg, dstSize, dstIsReg := regArg(args[0])
	dstMem, dstIsMem := memArg(args[0])

	switch {
	case dstIsReg:
		if srcIdx, srcSize, ok := regArg(args[1]); ok {
			if err := emitPushReg(e, srcIdx, srcSize); err != nil {
				return err
			}
			return emitPop(e, dstReg, dstSize)
		}
		if srcMem, ok := memArg(args[1]); ok {
			if srcMem.Base == x86asm.RIP {
				return errUnsupportedOperand("RIP-relative MOV source")
			}
			if err := emitAddrCompute(e, srcMem); err != nil {
				return err
			}
			if err := emitRead(e, dstSize); err != nil {
				return err
			}
			return emitPop(e, dstReg, dstSize)
		}
		if val, ok := immArg(args[1]); ok {
			if err := emitPushImm(e, val, dstSize); err != nil {
				return err
			}
			return emitPop(e, dstReg, dstSize)
		}
		return errUnsupportedOperand("unsupported MOV source operand")

	case dstIsMem:
		if dstMem.Base == x86asm.RIP {
			return errUnsupportedOperand("RIP-relative MOV destination")
		}
		if srcIdx, srcSize, ok := regArg(args[1]); ok {
			if err := emitAddrCompute(e, dstMem); err != nil {
				return err
			}
			return emitWrite(e, srcIdx, srcSize)
		}
		if val, ok := immArg(args[1]); ok {
			size := operandSize(ins)
			if err := emitPushImm(e, val, size); err != nil {
				return err
			}
			if err := emitPop(e, scratchVReg, size); err != nil {
				return err
			}
			if err := emitAddrCompute(e, dstMem); err != nil {
				return err
			}
			return emitWrite(e, scratchVReg, size)
		}
		return errUnsupportedOperand("unsupported MOV source operand")
	}
	return errUnsupportedOperand("unsupported MOV destination operand")
}

// operandSize recovers a memory operand's width in bytes when no register
// operand is available to read it from (store-immediate forms, in-place
// memory ALU, memory CMP operands). MemBytes is the decoder's own count of
// the addressed operand's size and is accurate for 8-bit forms, unlike
// DataSize which only distinguishes 16/32/64-bit operand-size overrides.
func operandSize(ins *disasm.Instruction) int {
	switch ins.Inst.MemBytes {
	case 1, 2, 4, 8:
		return ins.Inst.MemBytes
	default:
		return ins.Inst.DataSize / 8
	}
}

// translateAlu lowers a two-operand ALU instruction: dst {op}= src. Per
// the handler contract (vmgen), the bytecode ALU ops pop a single operand
// (the top-of-stack "b") and combine it with the operand pushed just
// beneath it ("a"), leaving the result in a's former slot. Register and
// immediate source operands need no staging; memory destinations need
// their address materialized once via a scratch v-register so it can be
// read and then written back.
func translateAlu(e *bytecode.Emitter, ins *disasm.Instruction, op bytecode.Op) error {
	args := ins.Inst.Args
	dstReg, dstSize, dstIsReg := regArg(args[0])
	dstMem, dstIsMem := memArg(args[0])

	pushSrc := func(size int) error {
		if srcIdx, _, ok := regArg(args[1]); ok {
			return emitPushReg(e, srcIdx, size)
		}
		if srcMem, ok := memArg(args[1]); ok {
			if srcMem.Base == x86asm.RIP {
				return errUnsupportedOperand("RIP-relative ALU source")
			}
			if err := emitAddrCompute(e, srcMem); err != nil {
				return err
			}
			return emitRead(e, size)
		}
		if val, ok := immArg(args[1]); ok {
			return emitPushImm(e, val, size)
		}
		return errUnsupportedOperand("unsupported ALU source operand")
	}

	switch {
	case dstIsReg:
		if err := emitPushReg(e, dstReg, dstSize); err != nil {
			return err
		}
		if err := pushSrc(dstSize); err != nil {
			return err
		}
		if err := e.EmitOp(op, dstSize); err != nil {
			return err
		}
		return emitPop(e, dstReg, dstSize)

	case dstIsMem:
		if dstMem.Base == x86asm.RIP {
			return errUnsupportedOperand("RIP-relative ALU destination")
		}
		size := operandSize(ins)
		if err := emitAddrCompute(e, dstMem); err != nil {
			return err
		}
		if err := emitPop(e, scratchVReg, 8); err != nil {
			return err
		}
		if err := emitPushReg(e, scratchVReg, 8); err != nil {
			return err
		}
		if err := emitRead(e, size); err != nil {
			return err
		}
		if err := pushSrc(size); err != nil {
			return err
		}
		if err := e.EmitOp(op, size); err != nil {
			return err
		}
		if err := emitPop(e, scratchVReg2, size); err != nil {
			return err
		}
		if err := emitPushReg(e, scratchVReg, 8); err != nil {
			return err
		}
		return emitWrite(e, scratchVReg2, size)
	}
	return errUnsupportedOperand("unsupported ALU destination operand")
}

// translateCmp lowers CMP: push both operands and let the cmp handler push
// the resulting 16-bit flag snapshot, consumed later by a Jcc.
func translateCmp(e *bytecode.Emitter, ins *disasm.Instruction) error {
	args := ins.Inst.Args
	aIdx, aSize, aIsReg := regArg(args[0])
	aMem, aIsMem := memArg(args[0])

	var size int
	switch {
	case aIsReg:
		size = aSize
		if err := emitPushReg(e, aIdx, size); err != nil {
			return err
		}
	case aIsMem:
		if aMem.Base == x86asm.RIP {
			return errUnsupportedOperand("RIP-relative CMP operand")
		}
		size = operandSize(ins)
		if err := emitAddrCompute(e, aMem); err != nil {
			return err
		}
		if err := emitRead(e, size); err != nil {
			return err
		}
	default:
		return errUnsupportedOperand("unsupported CMP left operand")
	}

	if srcIdx, _, ok := regArg(args[1]); ok {
		if err := emitPushReg(e, srcIdx, size); err != nil {
			return err
		}
	} else if srcMem, ok := memArg(args[1]); ok {
		if srcMem.Base == x86asm.RIP {
			return errUnsupportedOperand("RIP-relative CMP operand")
		}
		if err := emitAddrCompute(e, srcMem); err != nil {
			return err
		}
		if err := emitRead(e, size); err != nil {
			return err
		}
	} else if val, ok := immArg(args[1]); ok {
		if err := emitPushImm(e, val, size); err != nil {
			return err
		}
	} else {
		return errUnsupportedOperand("unsupported CMP right operand")
	}
	return e.EmitOp(bytecode.Cmp, size)
}

// translateLea supports only the RIP-relative form (spec §4.3, §9): the
// computed absolute address is re-expressed as a 32-bit displacement from
// the subroutine's start_va, recovered at runtime by adding the venter-
// captured retaddr (see vmgen.EntryPrologueLength doc).
func translateLea(e *bytecode.Emitter, sub *bbdecomp.Subroutine, ins *disasm.Instruction) error {
	args := ins.Inst.Args
	dstReg, _, dstIsReg := regArg(args[0])
	if !dstIsReg {
		return errUnsupportedOperand("LEA destination must be a register")
	}
	mem, ok := memArg(args[1])
	if !ok || mem.Base != x86asm.RIP {
		return errUnsupportedOperand("LEA source must be RIP-relative")
	}
	target := ins.Addr + addr.Addr(ins.Inst.Len) + addr.Addr(mem.Disp)
	rel := int64(target) - int64(sub.StartVA)
	if rel > 0x7fffffff || rel < -0x80000000 {
		return errUnsupportedOperand("LEA target too far from subroutine start")
	}
	if err := e.EmitOp(bytecode.Lea, 8); err != nil {
		return err
	}
	if err := e.EmitImm(4, rel); err != nil {
		return err
	}
	return emitPop(e, dstReg, 8)
}

// translateCall supports only direct, rel32 calls; indirect calls (through
// a register or memory operand) have no statically known target and fall
// back to native embedding.
func translateCall(e *bytecode.Emitter, sub *bbdecomp.Subroutine, ins *disasm.Instruction) error {
	rel, ok := ins.Inst.Args[0].(x86asm.Rel)
	if !ok {
		return errUnsupportedOperand("indirect CALL")
	}
	target := ins.Addr + addr.Addr(ins.Inst.Len) + addr.Addr(int64(rel))
	off := int64(target) - int64(sub.StartVA)
	if off > 0x7fffffff || off < -0x80000000 {
		return errUnsupportedOperand("CALL target too far from subroutine start")
	}
	if err := e.EmitOp(bytecode.Call, 8); err != nil {
		return err
	}
	return e.EmitImm(4, off)
}

// translateJmp lowers an intra-region direct jump (conditional or not) by
// reserving a 16-bit placeholder and registering a fill-in-gap, resolved
// once every block's OffsetIntoLift is known (package liftcore's lift.go).
func translateJmp(e *bytecode.Emitter, sub *bbdecomp.Subroutine, ins *disasm.Instruction, op bytecode.Op) error {
	rel, ok := ins.Inst.Args[0].(x86asm.Rel)
	if !ok {
		return errUnsupportedOperand("indirect jump")
	}
	target := ins.Addr + addr.Addr(ins.Inst.Len) + addr.Addr(int64(rel))
	blockIdx := sub.BlockContaining(target)
	if blockIdx < 0 {
		return errors.WithStack(&covirterr.JumpEscapesRegion{
			Target: uint64(target), Start: uint64(sub.StartVA), End: uint64(sub.EndVA),
		})
	}
	if err := e.EmitOp(op, 8); err != nil {
		return err
	}
	at, err := e.EmitRel16Placeholder()
	if err != nil {
		return err
	}
	e.AddGap(blockIdx, at)
	return nil
}
