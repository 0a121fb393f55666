package liftcore

import (
	"github.com/mewmew/covirt/bytecode"
	"golang.org/x/arch/x86/x86asm"
)

// execNativeScratchSize mirrors vmgen's unexported scratch pad size: the
// interpreter's execute_native handler copies however many bytes the
// length operand names into its fixed code pad without checking them
// against this size, so the lifter rejects oversized instructions before
// emitting them.
const execNativeScratchSize = 15

// emitPushReg emits `push_reg size, idx`.
func emitPushReg(e *bytecode.Emitter, idx, size int) error {
	if err := e.EmitOp(bytecode.PushReg, size); err != nil {
		return err
	}
	return e.EmitReg(idx)
}

// emitPushImm emits `push_imm size, val` with val sign-extended and
// truncated to size.
func emitPushImm(e *bytecode.Emitter, val int64, size int) error {
	if err := e.EmitOp(bytecode.PushImm, size); err != nil {
		return err
	}
	return e.EmitImm(size, val)
}

// emitPop emits `pop size, idx`.
func emitPop(e *bytecode.Emitter, idx, size int) error {
	if err := e.EmitOp(bytecode.Pop, size); err != nil {
		return err
	}
	return e.EmitReg(idx)
}

// emitWrite emits `write size, idx`.
func emitWrite(e *bytecode.Emitter, idx, size int) error {
	if err := e.EmitOp(bytecode.Write, size); err != nil {
		return err
	}
	return e.EmitReg(idx)
}

// emitRead emits `read size`.
func emitRead(e *bytecode.Emitter, size int) error {
	return e.EmitOp(bytecode.Read, size)
}

// emitAddrCompute pushes the 8-byte effective address of mem onto the
// vstack (spec §4.3): index pushed and added scale-1 times, each addition
// re-materialized through the scratch v-register to keep the running
// total at pointer width, then base pushed and added, then displacement
// pushed and added. Missing base/index are skipped.
func emitAddrCompute(e *bytecode.Emitter, mem x86asm.Mem) error {
	started := false
	if mem.Index != 0 {
		idx, _, ok := regInfo(mem.Index)
		if !ok {
			return errUnsupportedOperand("unrecognized index register")
		}
		if err := emitPushReg(e, idx, 8); err != nil {
			return err
		}
		for i := 1; i < int(mem.Scale); i++ {
			if err := emitPushReg(e, idx, 8); err != nil {
				return err
			}
			if err := e.EmitOp(bytecode.Add, 8); err != nil {
				return err
			}
			if err := emitPop(e, scratchVReg, 8); err != nil {
				return err
			}
			if err := emitPushReg(e, scratchVReg, 8); err != nil {
				return err
			}
		}
		started = true
	}
	if mem.Base != 0 {
		idx, _, ok := regInfo(mem.Base)
		if !ok {
			return errUnsupportedOperand("unrecognized base register")
		}
		if err := emitPushReg(e, idx, 8); err != nil {
			return err
		}
		if started {
			if err := e.EmitOp(bytecode.Add, 8); err != nil {
				return err
			}
		}
		started = true
	}
	if mem.Disp != 0 || !started {
		if err := emitPushImm(e, mem.Disp, 8); err != nil {
			return err
		}
		if started {
			if err := e.EmitOp(bytecode.Add, 8); err != nil {
				return err
			}
		}
	}
	return nil
}

// unsupportedOperand signals a translator declining an instruction; the
// lifter falls back to NATIVE embedding when it sees this.
type unsupportedOperand struct{ reason string }

func (e *unsupportedOperand) Error() string { return "unsupported operand: " + e.reason }

func errUnsupportedOperand(reason string) error { return &unsupportedOperand{reason: reason} }

func isUnsupportedOperand(err error) bool {
	_, ok := err.(*unsupportedOperand)
	return ok
}
