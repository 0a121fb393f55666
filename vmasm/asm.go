package vmasm

import (
	"encoding/binary"

	"github.com/mewmew/covirt/covirterr"
	"github.com/pkg/errors"
)

// codeRef is a deferred relative reference to a label defined within the
// same code buffer (handler-to-handler jumps and calls).
type codeRef struct {
	patchAt int // offset of the 4-byte rel32 field
	label   string
	instEnd int // offset immediately after the rel32 field
}

// DataRef is a deferred RIP-relative reference to a named data symbol
// living in the VM's data section (spec §4.4 layout: vcode, saved_rsp,
// _vsp, _vip, vstack, retaddr, vtable). Resolved by the caller (vmgen)
// once the data section's base offset within the assembled VM is known.
type DataRef struct {
	PatchAt int    // offset of the 4-byte disp32 field
	Symbol  string // data symbol name
	InstEnd int    // offset immediately after the disp32 field (RIP base)
}

// Asm accumulates machine code for one assembled program (the VM
// interpreter, or a single MBA/SMC-replacement instruction sequence).
type Asm struct {
	buf      []byte
	labels   map[string]int
	codeRefs []codeRef
	dataRefs []DataRef
}

// New returns an empty assembler.
func New() *Asm {
	return &Asm{labels: make(map[string]int)}
}

// Len returns the number of bytes emitted so far.
func (a *Asm) Len() int { return len(a.buf) }

// Bytes returns the raw, not-yet-relocated buffer. Callers needing a fully
// resolved program should use Finalize.
func (a *Asm) Bytes() []byte { return a.buf }

// Label binds name to the current write position. Label names are only
// meaningful within one Asm instance.
func (a *Asm) Label(name string) {
	a.labels[name] = len(a.buf)
}

// Pos returns the current write offset.
func (a *Asm) Pos() int { return len(a.buf) }

// LabelOffset returns the byte offset name was bound to, if it has been
// defined yet.
func (a *Asm) LabelOffset(name string) (int, bool) {
	off, ok := a.labels[name]
	return off, ok
}

func (a *Asm) emit(b ...byte) {
	a.buf = append(a.buf, b...)
}

func (a *Asm) emitU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	a.emit(tmp[:]...)
}

func (a *Asm) emitU64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	a.emit(tmp[:]...)
}

// rex builds a REX prefix: w sets 64-bit operand size, r/x/b extend the
// ModRM.reg, SIB.index, and ModRM.rm/SIB.base fields respectively.
func rex(w, r, x, b bool) byte {
	var v byte = 0x40
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

// modrm builds a ModRM byte from a 2-bit mod field and two 3-bit register
// fields.
func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&0x7)<<3 | (rm & 0x7)
}

// Raw appends already-encoded bytes verbatim (used by SMC to splice in
// stand-in filler and by tests).
func (a *Asm) Raw(b []byte) {
	a.emit(b...)
}

// --- data movement ----------------------------------------------------

// MovRegImm64 emits `mov dst, imm64` (opcode B8+r with REX.W, full 8-byte
// immediate) — the only MOV form that can hold an arbitrary 64-bit
// constant, used for v-register initialization and symbolic constant
// materialization.
func (a *Asm) MovRegImm64(dst Reg, imm uint64) {
	a.emit(rex(true, false, false, dst.isExt()), 0xB8+dst.low3())
	a.emitU64(imm)
}

// MovRegImm32 emits `mov dst, imm32` sign-extended to 64 bits (REX.W +
// C7 /0), used when the full 64-bit encoding isn't needed.
func (a *Asm) MovRegImm32(dst Reg, imm uint32) {
	a.emit(rex(true, false, false, dst.isExt()), 0xC7, modrm(3, 0, byte(dst)))
	a.emitU32(imm)
}

// MovRegReg emits `mov dst, src` (64-bit).
func (a *Asm) MovRegReg(dst, src Reg) {
	a.emit(rex(true, src.isExt(), false, dst.isExt()), 0x89, modrm(3, byte(src), byte(dst)))
}

// MovMemReg emits `mov [base+disp32], src` at the given width (store).
func (a *Asm) MovMemReg(base Reg, disp int32, src Reg, size int) {
	a.emitMemOp(0x89, size, src, base, disp, true)
}

// MovRegMem emits `mov dst, [base+disp32]` at the given width (load).
func (a *Asm) MovRegMem(dst Reg, base Reg, disp int32, size int) {
	a.emitMemOp(0x8B, size, dst, base, disp, true)
}

// emitMemOp emits a register/memory instruction of the form
// `op reg, [base+disp32]` (or the reverse direction, same encoding with
// opcode 0x89 vs 0x8B chosen by the caller), always using the disp32 form
// for simplicity (never disp8), and a 16-bit operand-size override prefix
// when size == 2. size == 1 swaps in the byte-sized opcode forms (0x88/0x8A
// for 0x89/0x8B) and always emits a REX prefix so SPL/BPL/SIL/DIL address
// their low byte instead of the legacy AH/CH/DH/BH encoding.
func (a *Asm) emitMemOp(op byte, size int, reg, base Reg, disp int32, wide bool) {
	if size == 2 {
		a.emit(0x66)
	}
	if size == 1 {
		switch op {
		case 0x89:
			op = 0x88
		case 0x8B:
			op = 0x8A
		}
		a.emit(rex(false, reg.isExt(), false, base.isExt()), op, modrm(2, byte(reg), byte(base)))
	} else {
		a.emit(rex(size == 8, reg.isExt(), false, base.isExt()), op, modrm(2, byte(reg), byte(base)))
	}
	if base.low3() == 4 {
		// RSP/R12 as base requires a SIB byte with no index.
		a.emit(0x24)
	}
	a.emitU32(uint32(disp))
}

// MovsxdRegMem emits `movsxd dst, dword [base+disp32]` (63 /r with REX.W):
// loads a 32-bit value and sign-extends it to 64 bits in one instruction,
// used to recover the VM's signed rel32 operands.
func (a *Asm) MovsxdRegMem(dst Reg, base Reg, disp int32) {
	a.emit(rex(true, dst.isExt(), false, base.isExt()), 0x63, modrm(2, byte(dst), byte(base)))
	if base.low3() == 4 {
		a.emit(0x24)
	}
	a.emitU32(uint32(disp))
}

// LeaRegLabel emits `lea dst, [rip+disp32]` referencing a label defined
// within this same code buffer (as opposed to LeaRegData's external data
// symbol), resolved alongside jump/call targets by Finalize. Used to take
// the address of an in-line scratch pad (execute_native).
func (a *Asm) LeaRegLabel(dst Reg, label string) {
	a.emit(rex(true, dst.isExt(), false, false), 0x8D, modrm(0, byte(dst), 5))
	patchAt := len(a.buf)
	a.emitU32(0)
	a.codeRefs = append(a.codeRefs, codeRef{patchAt: patchAt, label: label, instEnd: len(a.buf)})
}

// MovLabelImm emits `mov [rip+disp32], imm` storing directly into an
// intra-buffer label rather than a named data symbol, sized 1, 2, or 4
// bytes. Used by package smc to write an instruction's own encoded bytes
// into its filler slot an instant before falling through to them (spec
// §4.7); the RIP-relative displacement is resolved against the end of
// the whole instruction, immediate included, the same way every other
// RIP-relative form here is.
func (a *Asm) MovLabelImm(label string, imm uint32, size int) {
	var op byte
	switch size {
	case 1:
		op = 0xC6
	case 2:
		a.emit(0x66)
		op = 0xC7
	case 4:
		op = 0xC7
	default:
		panic("vmasm: MovLabelImm only supports 1, 2, or 4-byte immediates")
	}
	a.emit(op, modrm(0, 0, 5))
	patchAt := len(a.buf)
	a.emitU32(0)
	instEnd := patchAt + 4 + size
	a.codeRefs = append(a.codeRefs, codeRef{patchAt: patchAt, label: label, instEnd: instEnd})
	for i := 0; i < size; i++ {
		a.emit(byte(imm >> (8 * i)))
	}
}

// MovRegMemScaled emits `mov dst, [base+index*scale+disp32]` (load),
// used to address the virtual register file by a runtime-computed index
// (`saved_rsp - 128 + idx*8`, idx only known at interpretation time).
func (a *Asm) MovRegMemScaled(dst Reg, base, index Reg, scale byte, disp int32, size int) {
	a.emitMemOpScaled(0x8B, size, dst, base, index, scale, disp)
}

// MovMemScaledReg emits `mov [base+index*scale+disp32], src` (store), the
// write-side counterpart of MovRegMemScaled.
func (a *Asm) MovMemScaledReg(base, index Reg, scale byte, disp int32, src Reg, size int) {
	a.emitMemOpScaled(0x89, size, src, base, index, scale, disp)
}

func (a *Asm) emitMemOpScaled(op byte, size int, reg, base, index Reg, scale byte, disp int32) {
	if size == 2 {
		a.emit(0x66)
	}
	if size == 1 {
		switch op {
		case 0x89:
			op = 0x88
		case 0x8B:
			op = 0x8A
		}
		a.emit(rex(false, reg.isExt(), index.isExt(), base.isExt()), op, modrm(2, byte(reg), 4))
	} else {
		a.emit(rex(size == 8, reg.isExt(), index.isExt(), base.isExt()), op, modrm(2, byte(reg), 4))
	}
	a.emit(sib(scale, index, base))
	a.emitU32(uint32(disp))
}

// LeaRegData emits `lea dst, [rip+disp32]` referencing a named data
// symbol, deferred until the data section's layout is known (spec §4.4:
// vcode, saved_rsp, _vsp, _vip, vstack, retaddr, vtable all live there).
func (a *Asm) LeaRegData(dst Reg, symbol string) {
	a.emit(rex(true, dst.isExt(), false, false), 0x8D, modrm(0, byte(dst), 5))
	patchAt := len(a.buf)
	a.emitU32(0)
	a.dataRefs = append(a.dataRefs, DataRef{PatchAt: patchAt, Symbol: symbol, InstEnd: len(a.buf)})
}

// MovRegData emits `mov dst, [rip+disp32]` referencing a data symbol.
func (a *Asm) MovRegData(dst Reg, symbol string, size int) {
	if size == 2 {
		a.emit(0x66)
	}
	a.emit(rex(size == 8, dst.isExt(), false, false), 0x8B, modrm(0, byte(dst), 5))
	patchAt := len(a.buf)
	a.emitU32(0)
	a.dataRefs = append(a.dataRefs, DataRef{PatchAt: patchAt, Symbol: symbol, InstEnd: len(a.buf)})
}

// MovDataReg emits `mov [rip+disp32], src` storing into a data symbol.
func (a *Asm) MovDataReg(symbol string, src Reg, size int) {
	if size == 2 {
		a.emit(0x66)
	}
	a.emit(rex(size == 8, src.isExt(), false, false), 0x89, modrm(0, byte(src), 5))
	patchAt := len(a.buf)
	a.emitU32(0)
	a.dataRefs = append(a.dataRefs, DataRef{PatchAt: patchAt, Symbol: symbol, InstEnd: len(a.buf)})
}

// --- stack ops ----------------------------------------------------------

// PushReg emits `push reg`.
func (a *Asm) PushReg(r Reg) {
	if r.isExt() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x50 + r.low3())
}

// PopReg emits `pop reg`.
func (a *Asm) PopReg(r Reg) {
	if r.isExt() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x58 + r.low3())
}

// Pushfq emits `pushfq`.
func (a *Asm) Pushfq() { a.emit(0x9C) }

// Popfq emits `popfq`.
func (a *Asm) Popfq() { a.emit(0x9D) }

// --- arithmetic -----------------------------------------------------------

type aluOp byte

const (
	aluAdd aluOp = 0x01
	aluSub aluOp = 0x29
	aluXor aluOp = 0x31
	aluAnd aluOp = 0x21
	aluOr  aluOp = 0x09
	aluCmp aluOp = 0x39
)

func (a *Asm) aluRegReg(op aluOp, dst, src Reg, size int) {
	if size == 2 {
		a.emit(0x66)
	}
	a.emit(rex(size == 8, src.isExt(), false, dst.isExt()), byte(op), modrm(3, byte(src), byte(dst)))
}

func (a *Asm) AddRegReg(dst, src Reg, size int) { a.aluRegReg(aluAdd, dst, src, size) }
func (a *Asm) SubRegReg(dst, src Reg, size int) { a.aluRegReg(aluSub, dst, src, size) }
func (a *Asm) XorRegReg(dst, src Reg, size int) { a.aluRegReg(aluXor, dst, src, size) }
func (a *Asm) AndRegReg(dst, src Reg, size int) { a.aluRegReg(aluAnd, dst, src, size) }
func (a *Asm) OrRegReg(dst, src Reg, size int)  { a.aluRegReg(aluOr, dst, src, size) }
func (a *Asm) CmpRegReg(dst, src Reg, size int) { a.aluRegReg(aluCmp, dst, src, size) }

// NotReg emits `not dst` (F7 /2).
func (a *Asm) NotReg(dst Reg, size int) {
	if size == 2 {
		a.emit(0x66)
	}
	a.emit(rex(size == 8, false, false, dst.isExt()), 0xF7, modrm(3, 2, byte(dst)))
}

// NegReg emits `neg dst` (F7 /3).
func (a *Asm) NegReg(dst Reg, size int) {
	if size == 2 {
		a.emit(0x66)
	}
	a.emit(rex(size == 8, false, false, dst.isExt()), 0xF7, modrm(3, 3, byte(dst)))
}

// AddRegImm32 emits `add dst, imm32`.
func (a *Asm) AddRegImm32(dst Reg, imm int32) {
	a.emit(rex(true, false, false, dst.isExt()), 0x81, modrm(3, 0, byte(dst)))
	a.emitU32(uint32(imm))
}

// SubRegImm32 emits `sub dst, imm32`.
func (a *Asm) SubRegImm32(dst Reg, imm int32) {
	a.emit(rex(true, false, false, dst.isExt()), 0x81, modrm(3, 5, byte(dst)))
	a.emitU32(uint32(imm))
}

// CmpRegImm32 emits `cmp dst, imm32` (81 /7).
func (a *Asm) CmpRegImm32(dst Reg, imm uint32) {
	a.emit(rex(true, false, false, dst.isExt()), 0x81, modrm(3, 7, byte(dst)))
	a.emitU32(imm)
}

// AndRegImm32 emits `and dst, imm32` (81 /4).
func (a *Asm) AndRegImm32(dst Reg, imm uint32) {
	a.emit(rex(true, false, false, dst.isExt()), 0x81, modrm(3, 4, byte(dst)))
	a.emitU32(imm)
}

// ShrRegImm8 emits `shr dst, imm8` (C1 /5).
func (a *Asm) ShrRegImm8(dst Reg, imm uint8, size int) {
	if size == 2 {
		a.emit(0x66)
	}
	a.emit(rex(size == 8, false, false, dst.isExt()), 0xC1, modrm(3, 5, byte(dst)), imm)
}

// ShlRegImm8 emits `shl dst, imm8` (C1 /4).
func (a *Asm) ShlRegImm8(dst Reg, imm uint8, size int) {
	if size == 2 {
		a.emit(0x66)
	}
	a.emit(rex(size == 8, false, false, dst.isExt()), 0xC1, modrm(3, 4, byte(dst)), imm)
}

// TestRegReg emits `test dst, src` (85 /r), used for zero checks.
func (a *Asm) TestRegReg(dst, src Reg, size int) {
	if size == 2 {
		a.emit(0x66)
	}
	a.emit(rex(size == 8, src.isExt(), false, dst.isExt()), 0x85, modrm(3, byte(src), byte(dst)))
}

// RolRegImm8 emits `rol dst, imm8` (C1 /0), used by expr's decoy rotation
// pairs (spec §4.5).
func (a *Asm) RolRegImm8(dst Reg, imm uint8, size int) {
	if size == 2 {
		a.emit(0x66)
	}
	a.emit(rex(size == 8, false, false, dst.isExt()), 0xC1, modrm(3, 0, byte(dst)), imm)
}

// RorRegImm8 emits `ror dst, imm8` (C1 /1).
func (a *Asm) RorRegImm8(dst Reg, imm uint8, size int) {
	if size == 2 {
		a.emit(0x66)
	}
	a.emit(rex(size == 8, false, false, dst.isExt()), 0xC1, modrm(3, 1, byte(dst)), imm)
}

// --- control flow ---------------------------------------------------------

// JmpLabel emits a near `jmp rel32` to a label defined later in this same
// Asm (or already defined), resolved by Finalize.
func (a *Asm) JmpLabel(label string) {
	a.emit(0xE9)
	a.addCodeRef(label)
}

// CallLabel emits a near `call rel32` to a label in this Asm.
func (a *Asm) CallLabel(label string) {
	a.emit(0xE8)
	a.addCodeRef(label)
}

func (a *Asm) addCodeRef(label string) {
	patchAt := len(a.buf)
	a.emitU32(0)
	a.codeRefs = append(a.codeRefs, codeRef{patchAt: patchAt, label: label, instEnd: len(a.buf)})
}

// CallReg emits a call whose target is a runtime-computed absolute
// address already materialized in a register: `call reg` (FF /2), used by the `call` handler to invoke the original native callee
// (spec §4.4).
func (a *Asm) CallReg(r Reg) {
	if r.isExt() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xFF, modrm(3, 2, byte(r)))
}

// JmpReg emits `jmp reg` (FF /4), used for register-indirect dispatch.
func (a *Asm) JmpReg(r Reg) {
	if r.isExt() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xFF, modrm(3, 4, byte(r)))
}

// JmpMemScaled emits `jmp [base + index*scale]` (FF /4 with SIB), used by
// the VM's opcode dispatch (`jmp [vtable + opcode*8]`).
func (a *Asm) JmpMemScaled(base, index Reg, scale byte, disp int32) {
	a.emit(rex(false, false, index.isExt(), base.isExt()), 0xFF, modrm(2, 4, 4))
	a.emit(sib(scale, index, base))
	a.emitU32(uint32(disp))
}

// CallMemScaled is JmpMemScaled's CALL counterpart (FF /2 with SIB).
func (a *Asm) CallMemScaled(base, index Reg, scale byte, disp int32) {
	a.emit(rex(false, false, index.isExt(), base.isExt()), 0xFF, modrm(2, 2, 4))
	a.emit(sib(scale, index, base))
	a.emitU32(uint32(disp))
}

func sib(scale byte, index, base Reg) byte {
	ss := map[byte]byte{1: 0, 2: 1, 4: 2, 8: 3}[scale]
	return ss<<6 | index.low3()<<3 | base.low3()
}

// JmpData emits `jmp [rip+disp32]` — an absolute indirect jump through a
// data symbol's stored value, touching no general-purpose register. Used by
// the exit handler to transfer control to the resume address without
// clobbering any of the just-restored host registers.
func (a *Asm) JmpData(symbol string) {
	a.emit(0xFF, modrm(0, 4, 5))
	patchAt := len(a.buf)
	a.emitU32(0)
	a.dataRefs = append(a.dataRefs, DataRef{PatchAt: patchAt, Symbol: symbol, InstEnd: len(a.buf)})
}

// jccOpcode maps a VM conditional-jump opcode name to its native Jcc
// secondary opcode byte (0F 8x).
var jccOpcode = map[string]byte{
	"jz": 0x84, "jnz": 0x85, "jb": 0x82, "jnb": 0x83, "jbe": 0x86,
	"jnbe": 0x87, "jl": 0x8C, "jle": 0x8E, "jnl": 0x8D, "jnle": 0x8F,
}

// JccLabel emits `jcc rel32` (0F 8x) for the named condition.
func (a *Asm) JccLabel(cc string, label string) error {
	op, ok := jccOpcode[cc]
	if !ok {
		return errors.Errorf("vmasm: unknown condition code %q", cc)
	}
	a.emit(0x0F, op)
	a.addCodeRef(label)
	return nil
}

// Ret emits `ret`.
func (a *Asm) Ret() { a.emit(0xC3) }

// Nop emits a single-byte `nop`.
func (a *Asm) Nop() { a.emit(0x90) }

// Int3 emits a breakpoint trap, used as SMC filler that is always
// overwritten before being reached.
func (a *Asm) Int3() { a.emit(0xCC) }

// Finalize resolves every intra-buffer label reference and returns the
// final machine code plus the list of data-symbol references still
// outstanding (resolved by the caller once the data section layout is
// fixed, see DataRef and Patch).
func (a *Asm) Finalize() ([]byte, []DataRef, error) {
	for _, ref := range a.codeRefs {
		target, ok := a.labels[ref.label]
		if !ok {
			return nil, nil, errors.Errorf("vmasm: undefined label %q", ref.label)
		}
		rel := int32(target - ref.instEnd)
		binary.LittleEndian.PutUint32(a.buf[ref.patchAt:], uint32(rel))
	}
	return a.buf, a.dataRefs, nil
}

// Patch applies disp32 values for a set of already-finalized DataRefs onto
// buf in place, given the resolved absolute offset of each symbol and the
// offset of the code buffer itself within the larger section (codeBase is
// 0 for the interpreter's own code; non-zero when patching a fragment that
// will be spliced into a larger buffer at a known position).
func Patch(buf []byte, refs []DataRef, codeBase int64, symbolOffset map[string]int64) error {
	for _, ref := range refs {
		off, ok := symbolOffset[ref.Symbol]
		if !ok {
			return errors.WithStack(&covirterr.SerializerFailure{Name: "vmasm", Msg: "undefined data symbol " + ref.Symbol})
		}
		rel := int32(off - (codeBase + int64(ref.InstEnd)))
		if ref.PatchAt+4 > len(buf) {
			return errors.Errorf("vmasm: data ref patch offset out of range")
		}
		binary.LittleEndian.PutUint32(buf[ref.PatchAt:], uint32(rel))
	}
	return nil
}
