// Package disasm decodes x86-64 instructions from a binary's executable
// sections and scans for the paired 16-byte marker sentinels that delimit a
// virtualizable region (spec §4.1, §6).
package disasm

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"

	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/covirt/addr"
	"github.com/mewmew/covirt/covirterr"
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

var (
	// dbg is a logger which logs debug messages with "disasm:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("disasm:")+" ", 0)
)

// cpuMode is the processor mode used to decode instructions; covirt targets
// x86-64 exclusively (spec Non-goals).
const cpuMode = 64

// StartMarker and EndMarker are the 16-byte multi-byte NOP sentinels a user
// places immediately before and after a region to be virtualized (spec §6).
var (
	StartMarker = [16]byte{0x67, 0x48, 0x0F, 0x1F, 0x84, 0x00, 0xDE, 0xAD, 0xBE, 0xEF, 0x66, 0x67, 0x0F, 0x1F, 0x04, 0x00}
	EndMarker   = [16]byte{0x67, 0x48, 0x0F, 0x1F, 0x84, 0x00, 0xDE, 0xAD, 0xBE, 0xEF, 0x66, 0x67, 0x0F, 0x1F, 0x04, 0x01}
)

// Instruction is a decoded x86 instruction, annotated with its runtime
// address and the raw bytes it was decoded from.
type Instruction struct {
	// Addr is the instruction's virtual address.
	Addr addr.Addr
	// Raw is the instruction's source bytes.
	Raw []byte
	// Inst is the decoded instruction.
	Inst x86asm.Inst
}

// Len returns the length in bytes of the instruction.
func (i *Instruction) Len() int {
	return i.Inst.Len
}

// End returns the address immediately following the instruction.
func (i *Instruction) End() addr.Addr {
	return i.Addr + addr.Addr(i.Len())
}

func (i *Instruction) String() string {
	return fmt.Sprintf("%v: %v", i.Addr, i.Inst)
}

// RawRegion is a single marked, but not yet basic-block-decomposed, region:
// every instruction found strictly between a start and end marker pair.
type RawRegion struct {
	StartVA, EndVA addr.Addr
	Insts          []*Instruction
}

// ScanSection linearly disassembles data (loaded at virtual address base)
// and returns every region delimited by a matching start/end marker pair.
// Fails with *covirterr.MissingMarker if a start has no end, or an end is
// reached with no preceding start.
func ScanSection(base addr.Addr, data []byte) ([]*RawRegion, error) {
	var regions []*RawRegion
	var cur *RawRegion

	off := 0
	for off < len(data) {
		if isMarkerAt(data, off, StartMarker) {
			if cur != nil {
				return nil, errors.WithStack(&covirterr.MissingMarker{Kind: "start"})
			}
			cur = &RawRegion{StartVA: base + addr.Addr(off)}
			off += len(StartMarker)
			continue
		}
		if isMarkerAt(data, off, EndMarker) {
			if cur == nil {
				return nil, errors.WithStack(&covirterr.MissingMarker{Kind: "end"})
			}
			cur.EndVA = base + addr.Addr(off)
			regions = append(regions, cur)
			cur = nil
			off += len(EndMarker)
			continue
		}

		inst, err := x86asm.Decode(data[off:], cpuMode)
		if err != nil {
			end := off + 16
			if end > len(data) {
				end = len(data)
			}
			fmt.Fprintln(os.Stderr, hex.Dump(data[off:end]))
			return nil, errors.Wrapf(err, "unable to decode instruction at %v", base+addr.Addr(off))
		}
		if cur != nil {
			ins := &Instruction{
				Addr: base + addr.Addr(off),
				Raw:  append([]byte(nil), data[off:off+inst.Len]...),
				Inst: inst,
			}
			cur.Insts = append(cur.Insts, ins)
			dbg.Println("  ", ins)
		}
		off += inst.Len
	}
	if cur != nil {
		return nil, errors.WithStack(&covirterr.MissingMarker{Kind: "start"})
	}
	return regions, nil
}

// isMarkerAt reports whether data[off:] begins with marker. The start
// sentinel is matched against the 16 bytes *preceding* the current decode
// offset by the caller's scan position (per spec §4.1); since ScanSection
// advances byte-by-instruction through the stream in lockstep with the
// decoder, checking at the current offset is equivalent and simpler to
// reason about than re-deriving a trailing window.
func isMarkerAt(data []byte, off int, marker [16]byte) bool {
	if off+16 > len(data) {
		return false
	}
	for i := 0; i < 16; i++ {
		if data[off+i] != marker[i] {
			return false
		}
	}
	return true
}
