package vmgen

import "encoding/binary"

// StubLength is the entry stub's footprint in bytes, used throughout the
// pipeline (liftcore's retaddr arithmetic, patch's placement offsets). The
// 17-byte template below is the concrete, unambiguous source of truth for
// this constant; see DESIGN.md for how this was reconciled against the
// external-interfaces section's "stub_length = 16" figure.
const StubLength = 17

// PreludeReserve is the size of the red zone the entry stub's architectural
// prelude reserves (`sub rsp, 0x200`) before transferring to the VM, undone
// by vm_exit's matching `add rsp, 0x200` on the way out.
const PreludeReserve = 0x200

// entryStubTemplate is `sub rsp, 0x200; push imm32; call rel32`.
var entryStubTemplate = [StubLength]byte{
	0x48, 0x81, 0xEC, 0x00, 0x02, 0x00, 0x00,
	0x68, 0, 0, 0, 0,
	0xE8, 0, 0, 0, 0,
}

// EncodeEntryStub renders the entry stub placed immediately before a
// virtualized region: the architectural prelude, `push offsetIntoLift`,
// and `call` to venter at the given rel32 offset.
func EncodeEntryStub(offsetIntoLift uint32, callRel32 int32) []byte {
	buf := entryStubTemplate
	binary.LittleEndian.PutUint32(buf[7:11], offsetIntoLift)
	binary.LittleEndian.PutUint32(buf[13:17], uint32(callRel32))
	out := make([]byte, StubLength)
	copy(out, buf[:])
	return out
}

// EntryPrologueLength is the constant the lifter needs for its RIP-relative
// fix-up and subroutine-epilogue arithmetic. venter's first instruction
// reads the host RSP before doing anything else, and the call instruction
// ending the stub is its last byte, so the address venter pops as the
// architectural return point is exactly the region's start_va: this
// implementation defines vm_entry_length to equal StubLength so that
// identity holds by construction rather than by counting assembled
// prologue bytes (see DESIGN.md, "retaddr reconciliation").
func EntryPrologueLength() int {
	return StubLength
}
