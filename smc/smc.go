// Package smc implements the self-modifying-code obfuscation pass (spec
// §4.7): a short instruction's own encoded bytes are written into a
// filler slot an instant before execution falls through to it, instead
// of being present at that address from the start, so a static
// disassembly of the interpreter's code section finds filler where a
// real instruction will briefly exist only at runtime.
//
// As with package mba, vmgen emits its handler bodies directly through
// vmasm rather than through a generic instruction list, so this pass is
// wired in as a substitute for a single vmasm call at the handful of
// call sites vmgen chooses to obfuscate, rather than as a walk over a
// generic "VM-IR program" — see DESIGN.md.
package smc

import "github.com/mewmew/covirt/vmasm"

var labelSeq int

// Eligible reports whether an instruction's encoded length can be
// carried by the replacement mov's immediate (spec §4.7: 1, 2, or 4
// bytes only — the encoding has no 8-byte immediate-to-memory form).
func Eligible(n int) bool { return n == 1 || n == 2 || n == 4 }

// Emit assembles exactly one instruction via assembleOne into a private
// scratch buffer. If the resulting encoding is not Eligible, it is
// spliced into a verbatim and nothing else happens. Otherwise it is
// replaced with:
//
//	pushfq
//	mov [rip+L], <the instruction's own bytes as an immediate>
//	popfq
//	L: <len(bytes) filler bytes>
//
// pushfq/popfq bracket the mov so the flags the surrounding handler
// relies on survive a mov that (on this encoding) never touches them
// anyway — kept for symmetry with the spec's literal sequence. assembleOne
// must emit exactly one instruction, and must never be pop or nop (spec
// §4.7 excludes both).
func Emit(a *vmasm.Asm, assembleOne func(*vmasm.Asm)) {
	scratch := vmasm.New()
	assembleOne(scratch)
	code := scratch.Bytes()

	if !Eligible(len(code)) {
		a.Raw(code)
		return
	}

	var lit uint32
	for i, b := range code {
		lit |= uint32(b) << (8 * i)
	}

	label := nextLabel()
	a.Pushfq()
	a.MovLabelImm(label, lit, len(code))
	a.Popfq()
	a.Label(label)
	for range code {
		a.Int3()
	}
}

// nextLabel hands out a fresh, process-unique label name; vmgen's build
// pipeline runs single-threaded, so a bare counter is enough.
func nextLabel() string {
	labelSeq++
	return "smc_fill_" + itoa(labelSeq)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
