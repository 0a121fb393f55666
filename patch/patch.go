// Package patch applies the finished virtualization to a target binary:
// it lifts every discovered subroutine into the VM's shared bytecode
// buffer, assembles the interpreter, appends it as a new section, and
// overwrites each original region with random filler and an entry stub
// that calls into the interpreter (spec §4.8). It is the only package
// that talks to binfmt.Binary directly on the write side — disasm,
// bbdecomp, liftcore, mba, and smc all work in terms of raw bytes and
// addr.Addr, oblivious to ELF vs. PE.
package patch

import (
	"github.com/mewmew/covirt/addr"
	"github.com/mewmew/covirt/bbdecomp"
	"github.com/mewmew/covirt/binfmt"
	"github.com/mewmew/covirt/bytecode"
	"github.com/mewmew/covirt/covirterr"
	"github.com/mewmew/covirt/liftcore"
	"github.com/mewmew/covirt/rngutil"
	"github.com/mewmew/covirt/vmgen"
	"github.com/pkg/errors"
)

// Result summarizes one applied patch run.
type Result struct {
	Subroutines int
	VCodeUsed   int
	VCodeCap    int

	// Disassembly holds one bytecode.Disassemble rendering per lifted
	// subroutine, in the same order they were passed to Apply (spec §4.3,
	// CLI flag -d).
	Disassembly []string
}

// lifted pairs a subroutine with its own 0-based Emitter and the offset
// within the shared vcode buffer its bytes are ultimately placed at.
type lifted struct {
	sub  *bbdecomp.Subroutine
	e    *bytecode.Emitter
	base int
}

// Apply lifts every subroutine in subs, assembles the VM interpreter per
// cfg, appends it to bin as a new section, and rewrites every subroutine's
// original region in place with an entry stub (spec §4.8). bin is mutated
// through its Section.Data slices; the caller calls bin.Write to persist
// the result.
func Apply(bin binfmt.Binary, subs []*bbdecomp.Subroutine, cfg vmgen.Config) (*Result, error) {
	all, vcodeUsed, err := liftAll(subs, cfg.CodeSize)
	if err != nil {
		return nil, err
	}

	prog, err := vmgen.Build(cfg)
	if err != nil {
		return nil, err
	}

	work := make([]byte, len(prog.Bytes))
	copy(work, prog.Bytes)
	fillRandom(work[prog.CodeSize:prog.DataOffset]) // page-alignment gap, spec §4.8

	vcodeAt := prog.DataOffset + prog.Layout.VCodeOff
	for _, l := range all {
		copy(work[vcodeAt+int64(l.base):], l.e.Buf)
	}
	fillRandom(work[vcodeAt+int64(vcodeUsed) : vcodeAt+prog.Layout.VCodeSize])

	vmSection, err := bin.AddSection(".covirt0", work, binfmt.SectionFlags{Exec: true, Write: true})
	if err != nil {
		return nil, err
	}
	entryVA := vmSection.VA + addr.Addr(prog.EntryOffset)

	for _, l := range all {
		if err := patchRegion(bin, l, entryVA); err != nil {
			return nil, err
		}
	}

	disasm := make([]string, len(all))
	for i, l := range all {
		disasm[i] = bytecode.Disassemble(l.e.Buf, l.e.Dump)
	}

	return &Result{
		Subroutines: len(all),
		VCodeUsed:   vcodeUsed,
		VCodeCap:    cfg.CodeSize,
		Disassembly: disasm,
	}, nil
}

// liftAll lifts every subroutine into its own Emitter, rebases each one's
// already-resolved intra-subroutine jump targets onto the shared vcode
// buffer's coordinate space (they come back 0-based, since Lift knows
// nothing about where its caller will place the result), and returns the
// cumulative size the shared buffer needs.
func liftAll(subs []*bbdecomp.Subroutine, codeSize int) ([]lifted, int, error) {
	var all []lifted
	used := 0
	for _, sub := range subs {
		e := bytecode.NewEmitter(0)
		if err := liftcore.Lift(sub, e); err != nil {
			return nil, 0, err
		}
		base := used
		rebaseGaps(e, base)
		used += len(e.Buf)
		if used > codeSize {
			return nil, 0, errors.WithStack(&covirterr.CodeSpaceExhausted{Required: used, Capacity: codeSize})
		}
		all = append(all, lifted{sub: sub, e: e, base: base})
	}
	return all, used, nil
}

// rebaseGaps adds base to every already-patched intra-subroutine jump
// target in e.Buf. Lift resolves every Gap against its own Emitter's
// 0-based offsets before returning; once that subroutine's bytes are
// placed at base within the shared vcode buffer, every such target needs
// the same shift so `vcode + target` still lands inside this subroutine's
// own bytecode instead of a neighboring one's.
func rebaseGaps(e *bytecode.Emitter, base int) {
	if base == 0 {
		return
	}
	for _, g := range e.Gaps {
		cur := int(e.Buf[g.PatchAt]) | int(e.Buf[g.PatchAt+1])<<8
		rebased := cur + base
		e.Buf[g.PatchAt] = byte(rebased)
		e.Buf[g.PatchAt+1] = byte(rebased >> 8)
	}
}

// patchRegion overwrites l.sub's original region with random bytes and
// writes the entry stub immediately before it, computing the stub's call
// target as the rel32 distance to the VM's entry point (spec §4.8).
func patchRegion(bin binfmt.Binary, l lifted, entryVA addr.Addr) error {
	sect, ok := bin.SectionContaining(l.sub.StartVA)
	if !ok {
		return errors.Errorf("patch: no section contains subroutine at %v", l.sub.StartVA)
	}
	regionOff := int64(l.sub.StartVA - sect.VA)
	regionLen := int64(l.sub.EndVA - l.sub.StartVA)
	fillRandom(sect.Data[regionOff : regionOff+regionLen])

	stubOff := regionOff - int64(vmgen.StubLength)
	if stubOff < 0 {
		return errors.Errorf("patch: subroutine at %v leaves no room before it for the entry stub", l.sub.StartVA)
	}
	callFrom := sect.VA + addr.Addr(stubOff) + addr.Addr(vmgen.StubLength)
	callRel32 := int32(int64(entryVA) - int64(callFrom))
	stub := vmgen.EncodeEntryStub(uint32(l.base), callRel32)
	copy(sect.Data[stubOff:], stub)
	return nil
}

func fillRandom(b []byte) {
	rngutil.Bytes(b)
}
