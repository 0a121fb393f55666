package bytecode

import (
	"encoding/binary"

	"github.com/mewmew/covirt/covirterr"
	"github.com/pkg/errors"
)

// DumpEntry is one row of the vm_offset -> source_text dump table (spec
// §4.3), used by -d to print a human-readable disassembly of the lifted
// bytecode next to the x86 it came from.
type DumpEntry struct {
	Offset int
	Source string
}

// Gap is a pending intra-region jump fix-up: the target basic block's
// index, the byte offset inside Buf where the 16-bit target offset must be
// written, and its width (always 2 bytes, spec §3). Indexing the block by
// position rather than holding a pointer lets the subroutine's block slice
// reallocate freely during decomposition (spec §9 design notes).
type Gap struct {
	BlockIndex int
	PatchAt    int
}

// Emitter accumulates a subroutine's lifted bytecode and its parallel dump
// table and fill-in-gap list.
type Emitter struct {
	Buf   []byte
	Dump  []DumpEntry
	Gaps  []Gap
	limit int
}

// NewEmitter returns an Emitter whose buffer is capped at limit bytes
// (the configured code_size, spec §4.8); limit <= 0 means unbounded.
func NewEmitter(limit int) *Emitter {
	return &Emitter{limit: limit}
}

// Offset returns the current write position, i.e. the offset the next
// emitted instruction will start at.
func (e *Emitter) Offset() int {
	return len(e.Buf)
}

func (e *Emitter) checkCapacity(n int) error {
	if e.limit > 0 && len(e.Buf)+n > e.limit {
		return errors.WithStack(&covirterr.CodeSpaceExhausted{Required: len(e.Buf) + n, Capacity: e.limit})
	}
	return nil
}

func (e *Emitter) write(b ...byte) error {
	if err := e.checkCapacity(len(b)); err != nil {
		return err
	}
	e.Buf = append(e.Buf, b...)
	return nil
}

// Note records a dump-table row at the given start offset.
func (e *Emitter) Note(startOffset int, source string) {
	e.Dump = append(e.Dump, DumpEntry{Offset: startOffset, Source: source})
}

// EmitOp writes one opcode byte.
func (e *Emitter) EmitOp(op Op, size int) error {
	return e.write(EncodeOpByte(op, size))
}

// EmitReg writes a register-index operand byte (0..15).
func (e *Emitter) EmitReg(idx int) error {
	if idx < 0 || idx > 15 {
		return errors.Errorf("bytecode: register index %d out of range", idx)
	}
	return e.write(byte(idx))
}

// EmitImm writes a sign-extended immediate truncated to size bytes,
// little-endian (spec §3, §4.3).
func (e *Emitter) EmitImm(size int, val int64) error {
	buf := make([]byte, size)
	switch size {
	case 1:
		buf[0] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(val))
	case 8:
		binary.LittleEndian.PutUint64(buf, uint64(val))
	default:
		return errors.Errorf("bytecode: invalid immediate size %d", size)
	}
	return e.write(buf...)
}

// EmitRel16Placeholder reserves a 2-byte placeholder for a not-yet-known
// intra-region jump target and returns the offset it was written at, for
// use in a Gap (spec §3, §4.3).
func (e *Emitter) EmitRel16Placeholder() (int, error) {
	at := len(e.Buf)
	if err := e.write(0, 0); err != nil {
		return 0, err
	}
	return at, nil
}

// AddGap records a pending fill-in-gap targeting blockIndex at patchAt.
func (e *Emitter) AddGap(blockIndex, patchAt int) {
	e.Gaps = append(e.Gaps, Gap{BlockIndex: blockIndex, PatchAt: patchAt})
}

// PatchGap overwrites the 2-byte placeholder at offset with a little-endian
// 16-bit lift offset, once the target block's OffsetIntoLift is known.
func (e *Emitter) PatchGap(offset int, liftOffset int) error {
	if liftOffset < 0 || liftOffset > 0xFFFF {
		return errors.Errorf("bytecode: lift offset %d does not fit in 16 bits", liftOffset)
	}
	if offset < 0 || offset+2 > len(e.Buf) {
		return errors.Errorf("bytecode: gap patch offset %d out of range", offset)
	}
	binary.LittleEndian.PutUint16(e.Buf[offset:offset+2], uint16(liftOffset))
	return nil
}

// EmitRaw appends n raw bytes verbatim, used by the NATIVE fallback (spec
// §4.3) to embed an untranslatable instruction's original bytes.
func (e *Emitter) EmitRaw(b []byte) error {
	return e.write(b...)
}
