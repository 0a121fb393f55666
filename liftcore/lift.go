// Package liftcore lowers a decomposed subroutine (package bbdecomp) into
// the VM's bytecode (package bytecode), instruction by instruction, ending
// with the vm_exit that hands control back to the host (spec §4.3, §9).
package liftcore

import (
	"log"
	"os"

	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/covirt/bbdecomp"
	"github.com/mewmew/covirt/bytecode"
	"github.com/mewmew/covirt/disasm"
	"github.com/mewmew/covirt/vmgen"
	"github.com/pkg/errors"
)

var warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)

// Lift walks every basic block of sub in order, translating each
// instruction into bytecode, and appends the subroutine epilogue. Errors
// returned are fatal (jump escapes the region, code_size exhausted);
// instructions the translator declines are logged as warnings and
// embedded verbatim via ExecuteNative instead of aborting the run (spec
// §4.3: "untranslatable instructions are executed natively").
func Lift(sub *bbdecomp.Subroutine, e *bytecode.Emitter) error {
	for _, block := range sub.Blocks {
		block.OffsetIntoLift = e.Offset()
		for _, ins := range block.Insts {
			if err := liftOne(e, sub, ins); err != nil {
				return err
			}
		}
		if block.VMExit() {
			if err := emitEpilogue(e, sub); err != nil {
				return errors.WithStack(err)
			}
		}
	}
	for _, gap := range e.Gaps {
		target := sub.Blocks[gap.BlockIndex].OffsetIntoLift
		if err := e.PatchGap(gap.PatchAt, target); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// liftOne translates a single instruction, falling back to ExecuteNative
// embedding (and a logged warning) when the translator doesn't recognize
// its mnemonic or operand shape.
func liftOne(e *bytecode.Emitter, sub *bbdecomp.Subroutine, ins *disasm.Instruction) error {
	start := e.Offset()
	err := translateInst(e, sub, ins)
	if err == nil {
		e.Note(start, ins.String())
		return nil
	}
	if !isUnsupportedOperand(err) {
		return err
	}
	warn.Printf("%v: %v -- embedding natively", ins.Addr, err)
	if execErr := emitExecuteNativeInst(e, ins); execErr != nil {
		return execErr
	}
	e.Note(start, ins.String()+" (native)")
	return nil
}

// emitExecuteNativeInst embeds ins's raw bytes behind an ExecuteNative
// opcode (spec §4.3, §9): one length byte followed by the instruction's
// source bytes, copied into the interpreter's fixed-size scratch pad and
// called at VM-exec time (package vmgen's execute_native handler).
func emitExecuteNativeInst(e *bytecode.Emitter, ins *disasm.Instruction) error {
	if len(ins.Raw) > execNativeScratchSize {
		return errUnsupportedOperand("instruction too long for the native scratch pad")
	}
	if err := e.EmitOp(bytecode.ExecuteNative, 8); err != nil {
		return err
	}
	if err := e.EmitRaw([]byte{byte(len(ins.Raw))}); err != nil {
		return err
	}
	return e.EmitRaw(ins.Raw)
}

// emitEpilogue closes out the subroutine with a vm_exit, whose 16-bit
// operand tells the host how many bytes past the region's own footprint
// to skip before resuming native execution: the marked region itself,
// plus a second copy of the entry stub's footprint for the exit
// transition, minus the entry prologue that has already been consumed
// (spec §4.3 External Interfaces; vmgen.EntryPrologueLength documents the
// retaddr identity this arithmetic depends on).
func emitEpilogue(e *bytecode.Emitter, sub *bbdecomp.Subroutine) error {
	regionLen := int(sub.EndVA - sub.StartVA)
	skip := regionLen + 2*vmgen.StubLength - vmgen.EntryPrologueLength()
	if err := e.EmitOp(bytecode.VMExit, 8); err != nil {
		return err
	}
	if skip < 0 || skip > 0xFFFF {
		return errors.Errorf("liftcore: vm_exit skip %d does not fit in 16 bits", skip)
	}
	return e.EmitImm(2, int64(skip))
}
