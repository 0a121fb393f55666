package binfmt

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/mewmew/covirt/addr"
	"github.com/pkg/errors"
)

const pageSize = 0x1000

// elfBinary is the ELF64 implementation of Binary. The target is always
// x86-64 (spec Non-goals exclude other architectures), so section and
// program headers are always the 64-bit variants and always little-endian.
type elfBinary struct {
	path string
	raw  []byte
	base addr.Addr

	sections []*Section
	// fileOff maps each original section to the byte offset of its data
	// inside raw, so Write can splice patched bytes back in place.
	fileOff map[*Section]int64

	added []*addedSection
}

type addedSection struct {
	sec   *Section
	flags SectionFlags
}

func openELF(path string, raw []byte) (*elfBinary, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	b := &elfBinary{
		path:    path,
		raw:     raw,
		fileOff: make(map[*Section]int64),
	}
	// ELF has no single "image base" field; the lowest PT_LOAD vaddr plays
	// that role for a non-PIE binary, which is what the virtualized inputs
	// are assumed to be (the tool patches absolute VAs in place).
	b.base = 0
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD {
			if b.base == 0 || addr.Addr(prog.Vaddr) < b.base {
				b.base = addr.Addr(prog.Vaddr)
			}
		}
	}

	for _, sect := range f.Sections {
		if sect.Type == elf.SHT_NOBITS || sect.Size == 0 {
			continue
		}
		data, err := sect.Data()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		s := &Section{
			Name:  sect.Name,
			VA:    addr.Addr(sect.Addr),
			Data:  data,
			Exec:  sect.Flags&elf.SHF_EXECINSTR != 0,
			Write: sect.Flags&elf.SHF_WRITE != 0,
		}
		b.sections = append(b.sections, s)
		// Only sections stored uncompressed at a fixed file offset are
		// patchable in place; that always holds for the executable
		// sections covirt targets.
		if sect.Flags&elf.SHF_COMPRESSED == 0 {
			b.fileOff[s] = int64(sect.Offset)
		}
	}
	return b, nil
}

func (b *elfBinary) Format() string       { return "elf" }
func (b *elfBinary) ImageBase() addr.Addr { return b.base }
func (b *elfBinary) Sections() []*Section { return b.sections }

func (b *elfBinary) SectionByName(name string) (*Section, bool) {
	for _, s := range b.sections {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

func (b *elfBinary) SectionContaining(va addr.Addr) (*Section, bool) {
	for _, s := range b.sections {
		if s.Contains(va) {
			return s, true
		}
	}
	return nil, false
}

func (b *elfBinary) AddSection(name string, data []byte, flags SectionFlags) (*Section, error) {
	// The VA is fixed here, at the end of the last known section rounded
	// up to a page boundary, and Write maps the new segment at exactly this
	// VA, so callers may compute addresses from it before Write runs.
	last := b.highestSectionEnd()
	va := addr.Addr((uint64(last) + pageSize - 1) &^ (pageSize - 1))
	s := &Section{
		Name:  name,
		VA:    va,
		Data:  data,
		Exec:  flags.Exec,
		Write: flags.Write,
	}
	b.sections = append(b.sections, s)
	b.added = append(b.added, &addedSection{sec: s, flags: flags})
	return s, nil
}

func (b *elfBinary) highestSectionEnd() addr.Addr {
	var max addr.Addr
	for _, s := range b.sections {
		if e := s.End(); e > max {
			max = e
		}
	}
	return max
}

// Write patches in-place edited sections directly into the original file
// image, then appends every section registered via AddSection as a new
// PT_LOAD segment plus a rewritten section header table (and, if needed, a
// relocated program header table) at the end of the file — the standard
// "append a loadable segment" technique for injecting code into an existing
// ELF image without disturbing anything already mapped.
func (b *elfBinary) Write(path string) error {
	out := make([]byte, len(b.raw))
	copy(out, b.raw)

	for s, off := range b.fileOff {
		if off < 0 || off+int64(len(s.Data)) > int64(len(out)) {
			return errors.Errorf("section %q no longer fits at its original file offset", s.Name)
		}
		copy(out[off:], s.Data)
	}

	if len(b.added) == 0 {
		if err := writeFile(path, out); err != nil {
			return errors.WithStack(err)
		}
		return nil
	}

	var hdr elf.Header64
	if err := binary.Read(bytes.NewReader(out), binary.LittleEndian, &hdr); err != nil {
		return errors.WithStack(err)
	}

	// Read the existing section and program header tables so they can be
	// copied forward into the new, relocated tables.
	shdrs, err := readSection64Table(out, hdr)
	if err != nil {
		return errors.WithStack(err)
	}
	phdrs, err := readProg64Table(out, hdr)
	if err != nil {
		return errors.WithStack(err)
	}

	shstrndx := int(hdr.Shstrndx)
	var shstrtab []byte
	if shstrndx < len(shdrs) {
		sh := shdrs[shstrndx]
		shstrtab = append(shstrtab, out[sh.Off:sh.Off+sh.Size]...)
	}

	for _, a := range b.added {
		// Page-align the append point so the new segment can be mapped
		// with its own protection bits.
		fileOff := (uint64(len(out)) + pageSize - 1) &^ (pageSize - 1)
		pad := make([]byte, int(fileOff)-len(out))
		rngPad(pad)
		out = append(out, pad...)

		va := uint64(a.sec.VA)

		nameOff := uint32(len(shstrtab))
		shstrtab = append(shstrtab, []byte(a.sec.Name)...)
		shstrtab = append(shstrtab, 0)

		out = append(out, a.sec.Data...)

		flags := elf.SHF_ALLOC
		if a.flags.Exec {
			flags |= elf.SHF_EXECINSTR
		}
		if a.flags.Write {
			flags |= elf.SHF_WRITE
		}
		shdrs = append(shdrs, elf.Section64{
			Name:      nameOff,
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(flags),
			Addr:      va,
			Off:       fileOff,
			Size:      uint64(len(a.sec.Data)),
			Addralign: pageSize,
		})

		var progFlags elf.ProgFlag = elf.PF_R
		if a.flags.Exec {
			progFlags |= elf.PF_X
		}
		if a.flags.Write {
			progFlags |= elf.PF_W
		}
		phdrs = append(phdrs, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(progFlags),
			Off:    fileOff,
			Vaddr:  va,
			Paddr:  va,
			Filesz: uint64(len(a.sec.Data)),
			Memsz:  uint64(len(a.sec.Data)),
			Align:  pageSize,
		})
	}

	// Append the (possibly extended) shstrtab blob and repoint its header.
	shstrOff := uint64(len(out))
	out = append(out, shstrtab...)
	if shstrndx < len(shdrs) {
		shdrs[shstrndx].Off = shstrOff
		shdrs[shstrndx].Size = uint64(len(shstrtab))
	}

	// Relocate the program header table to the end of the file: growing it
	// in place is almost never safe, since the very next bytes after a
	// typical PT_PHDR table are program-defined.
	phOff := (uint64(len(out)) + 7) &^ 7
	out = append(out, make([]byte, int(phOff)-len(out))...)
	for _, p := range phdrs {
		buf := &bytes.Buffer{}
		if err := binary.Write(buf, binary.LittleEndian, p); err != nil {
			return errors.WithStack(err)
		}
		out = append(out, buf.Bytes()...)
	}

	// Relocate the section header table likewise.
	shOff := (uint64(len(out)) + 7) &^ 7
	out = append(out, make([]byte, int(shOff)-len(out))...)
	for _, s := range shdrs {
		buf := &bytes.Buffer{}
		if err := binary.Write(buf, binary.LittleEndian, s); err != nil {
			return errors.WithStack(err)
		}
		out = append(out, buf.Bytes()...)
	}

	hdr.Phoff = phOff
	hdr.Phnum = uint16(len(phdrs))
	hdr.Shoff = shOff
	hdr.Shnum = uint16(len(shdrs))

	hdrBuf := &bytes.Buffer{}
	if err := binary.Write(hdrBuf, binary.LittleEndian, hdr); err != nil {
		return errors.WithStack(err)
	}
	copy(out[:len(hdrBuf.Bytes())], hdrBuf.Bytes())

	if err := writeFile(path, out); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (b *elfBinary) highestVA() addr.Addr {
	var max addr.Addr
	for _, s := range b.sections {
		if e := s.End(); e > max {
			max = e
		}
	}
	return max
}

func readSection64Table(raw []byte, hdr elf.Header64) ([]elf.Section64, error) {
	shdrs := make([]elf.Section64, hdr.Shnum)
	r := bytes.NewReader(raw[hdr.Shoff:])
	for i := range shdrs {
		if err := binary.Read(r, binary.LittleEndian, &shdrs[i]); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return shdrs, nil
}

func readProg64Table(raw []byte, hdr elf.Header64) ([]elf.Prog64, error) {
	phdrs := make([]elf.Prog64, hdr.Phnum)
	r := bytes.NewReader(raw[hdr.Phoff:])
	for i := range phdrs {
		if err := binary.Read(r, binary.LittleEndian, &phdrs[i]); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return phdrs, nil
}

// rngPad fills buf with filler bytes for the gap between appended file
// regions. Kept as a thin indirection so tests can substitute a
// deterministic filler without reaching into the rngutil package directly.
var rngPad = func(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
