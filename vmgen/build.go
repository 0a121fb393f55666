package vmgen

import (
	"github.com/mewmew/covirt/covirterr"
	"github.com/mewmew/covirt/mba"
	"github.com/mewmew/covirt/vmasm"
	"github.com/pkg/errors"
)

// Program is one assembled VM: a page-aligned code section (the
// interpreter) followed by a page-aligned data section (bytecode buffer,
// virtual stack, dispatch table, and the handful of singleton slots the
// interpreter's handlers share).
type Program struct {
	Bytes      []byte
	Layout     Layout
	CodeSize   int64
	DataOffset int64
	// EntryOffset is venter's byte offset within Bytes — the target every
	// virtualized region's entry stub calls into (spec §4.8).
	EntryOffset int64
}

// Build assembles the full interpreter for the given configuration:
// dispatch, entry, exit, and every opcode handler, then resolves every
// RIP-relative data reference against the final section layout.
func Build(cfg Config) (*Program, error) {
	l := buildLayout(cfg)
	a := vmasm.New()

	emitDispatch(a)
	emitVEnter(a, l)
	emitVExit(a)

	emitPushImm(a)
	emitPushReg(a)
	emitPop(a)
	emitRead(a)
	emitWrite(a)

	aluOps := map[string]func(a *vmasm.Asm, dst, src vmasm.Reg, size int){
		"add": func(a *vmasm.Asm, dst, src vmasm.Reg, size int) { a.AddRegReg(dst, src, size) },
		"sub": func(a *vmasm.Asm, dst, src vmasm.Reg, size int) { a.SubRegReg(dst, src, size) },
		"xor": func(a *vmasm.Asm, dst, src vmasm.Reg, size int) { a.XorRegReg(dst, src, size) },
		"and": func(a *vmasm.Asm, dst, src vmasm.Reg, size int) { a.AndRegReg(dst, src, size) },
		"or":  func(a *vmasm.Asm, dst, src vmasm.Reg, size int) { a.OrRegReg(dst, src, size) },
	}
	for _, name := range []string{"add", "sub", "xor", "and", "or"} {
		op := aluOps[name]
		if cfg.MBA {
			op = mba.AluEmit(name)
		}
		emitAlu(a, name, op)
	}
	emitCmp(a)

	emitJmp(a)
	for _, cc := range []string{"jz", "jnz", "jb", "jnb", "jbe", "jnbe", "jl", "jle", "jnl", "jnle"} {
		emitJcc(a, cc)
	}

	emitCall(a, cfg.SMC)
	emitLea(a)
	emitExecuteNative(a, cfg.MBA)

	entryOff, ok := a.LabelOffset("venter")
	if !ok {
		return nil, errors.New("vmgen: venter label never defined")
	}

	code, dataRefs, err := a.Finalize()
	if err != nil {
		return nil, errors.WithStack(&covirterr.SerializerFailure{Name: "vmgen", Msg: err.Error()})
	}

	dataOffset := alignPage(int64(len(code)))
	symOff := l.symbolOffsets()
	absSym := make(map[string]int64, len(symOff))
	for name, off := range symOff {
		absSym[name] = dataOffset + off
	}
	if err := vmasm.Patch(code, dataRefs, 0, absSym); err != nil {
		return nil, err
	}

	total := make([]byte, dataOffset+l.DataSize)
	copy(total, code)
	// The gap between code and data (the page-alignment pad) is left
	// zeroed here; patch fills it with random bytes once the section is
	// placed in the target binary (spec: "the gap ... is filled with
	// random bytes").

	return &Program{
		Bytes:       total,
		Layout:      l,
		CodeSize:    int64(len(code)),
		DataOffset:  dataOffset,
		EntryOffset: int64(entryOff),
	}, nil
}
