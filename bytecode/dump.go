package bytecode

import (
	"bytes"
	"fmt"
)

// Disassemble renders buf alongside its dump table as human-readable text
// (spec §4.3, CLI flag -d): one line per VM instruction showing its offset,
// opcode mnemonic with size suffix, and the x86 source text it was lifted
// from, in the style of mewmew-x's BasicBlock.String().
func Disassemble(buf []byte, dump []DumpEntry) string {
	src := make(map[int]string, len(dump))
	for _, d := range dump {
		src[d.Offset] = d.Source
	}

	out := &bytes.Buffer{}
	off := 0
	for off < len(buf) {
		op, size := DecodeOpByte(buf[off])
		text, ok := src[off]
		if !ok {
			text = "?"
		}
		fmt.Fprintf(out, "%04x: %-16s ; %s\n", off, fmt.Sprintf("%v.%d", op, size), text)
		width := operandWidth(op, size)
		if op == ExecuteNative && off+1 < len(buf) {
			// The length byte after the opcode counts the raw native bytes
			// that follow it.
			width += int(buf[off+1])
		}
		off += width
	}
	return out.String()
}

// operandWidth returns the number of inline operand bytes that follow an
// opcode byte for op at the given size, so Disassemble can step through
// the stream without re-running the lifter. This mirrors the operand
// shapes fixed by liftcore's translators (spec §4.3).
func operandWidth(op Op, size int) int {
	switch op {
	case PushImm:
		return 1 + size
	case PushReg, Pop, Write:
		return 1 + 1
	case Jmp, Jz, Jnz, Jb, Jnb, Jbe, Jnbe, Jl, Jle, Jnl, Jnle:
		return 1 + 2
	case Call, Lea:
		return 1 + 4
	case ExecuteNative:
		// 1 length byte followed by that many raw bytes; the raw bytes are
		// not counted here, Disassemble adds them from the length byte.
		return 1 + 1
	case VMExit:
		return 1 + 2
	case Read:
		return 1
	case Add, Sub, Xor, And, Or, Cmp:
		return 1
	default:
		return 1
	}
}
