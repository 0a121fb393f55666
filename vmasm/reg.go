// Package vmasm is a small, purpose-built x86-64 machine code encoder. It
// exists because the corpus this tool is grounded on has no assembler
// library to reach for (golang.org/x/arch/x86/x86asm only decodes); the
// wdamron-wagon native JIT backend and the wazero amd64 backend both hand
// emit raw instruction bytes for exactly this kind of embedded-interpreter
// problem, so a narrow hand-rolled encoder is this corpus's own idiom
// rather than a deviation from it (see DESIGN.md).
//
// vmasm only implements the instruction shapes vmgen and expr actually
// need to synthesize the interpreter and its obfuscation passes — it is
// not a general-purpose assembler.
package vmasm

// Reg is a host general-purpose register, indexed the way the VM's own
// virtual register file is (spec §4.4): 0..15 map to RAX..R15.
type Reg byte

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var regNames = [...]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return "?"
}

// isExt reports whether r requires the REX.B/R/X extension bit (R8..R15).
func (r Reg) isExt() bool { return r >= R8 }

// low3 returns the register's 3-bit encoding within a ModRM/opcode byte.
func (r Reg) low3() byte { return byte(r) & 0x7 }
