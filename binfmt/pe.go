package binfmt

import (
	"bytes"
	"debug/pe"
	"encoding/binary"

	"github.com/mewmew/covirt/addr"
	"github.com/pkg/errors"
)

const (
	peCodeMask     = 0x00000020 // IMAGE_SCN_CNT_CODE
	peExecMask     = 0x20000000 // IMAGE_SCN_MEM_EXECUTE
	peWriteMask    = 0x80000000 // IMAGE_SCN_MEM_WRITE
	peInitDataMask = 0x00000040 // IMAGE_SCN_CNT_INITIALIZED_DATA
	peSectHdrSize  = 40
)

// peBinary is the PE+ (64-bit) implementation of Binary.
type peBinary struct {
	path       string
	raw        []byte
	base       addr.Addr
	peOff      int64 // file offset of the "PE\0\0" signature
	fileHdr    pe.FileHeader
	optHdr     pe.OptionalHeader64
	sectAlign  uint32
	fileAlign  uint32
	sections   []*Section
	fileOff    map[*Section]int64
	added      []*addedSection
}

func openPE(path string, raw []byte) (*peBinary, error) {
	f, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	optHdr, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return nil, errors.New("32-bit PE images are not supported (spec is x86-64 only)")
	}

	signOff := int64(binary.LittleEndian.Uint32(raw[0x3c:]))

	b := &peBinary{
		path:      path,
		raw:       raw,
		base:      addr.Addr(optHdr.ImageBase),
		peOff:     signOff,
		fileHdr:   f.FileHeader,
		optHdr:    *optHdr,
		sectAlign: optHdr.SectionAlignment,
		fileAlign: optHdr.FileAlignment,
		fileOff:   make(map[*Section]int64),
	}

	for _, sect := range f.Sections {
		data, err := sect.Data()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		s := &Section{
			Name:  sect.Name,
			VA:    b.base + addr.Addr(sect.VirtualAddress),
			Data:  data,
			Exec:  sect.Characteristics&peExecMask != 0 || sect.Characteristics&peCodeMask != 0,
			Write: sect.Characteristics&peWriteMask != 0,
		}
		b.sections = append(b.sections, s)
		b.fileOff[s] = int64(sect.Offset)
	}
	return b, nil
}

func (b *peBinary) Format() string       { return "pe" }
func (b *peBinary) ImageBase() addr.Addr { return b.base }
func (b *peBinary) Sections() []*Section { return b.sections }

func (b *peBinary) SectionByName(name string) (*Section, bool) {
	for _, s := range b.sections {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

func (b *peBinary) SectionContaining(va addr.Addr) (*Section, bool) {
	for _, s := range b.sections {
		if s.Contains(va) {
			return s, true
		}
	}
	return nil, false
}

func (b *peBinary) AddSection(name string, data []byte, flags SectionFlags) (*Section, error) {
	if len(name) > 8 {
		return nil, errors.Errorf("PE section name %q exceeds 8 bytes", name)
	}
	rva := alignUp(b.highestRVAEnd(), b.sectAlign)
	s := &Section{
		Name:  name,
		VA:    b.base + addr.Addr(rva),
		Data:  data,
		Exec:  flags.Exec,
		Write: flags.Write,
	}
	b.sections = append(b.sections, s)
	b.added = append(b.added, &addedSection{sec: s, flags: flags})
	return s, nil
}

func (b *peBinary) highestRVAEnd() uint32 {
	var max uint32
	for _, s := range b.sections {
		rva := uint32(s.VA - b.base)
		if e := rva + uint32(len(s.Data)); e > max {
			max = e
		}
	}
	return max
}

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// Write patches existing section bytes in place and appends every section
// registered via AddSection as a new COFF section header plus raw data,
// following the layout strategy of a standard PE section-injection patcher:
// append to the section header table, grow SizeOfImage, and place the new
// section's file data after the current end of file, file-aligned.
func (b *peBinary) Write(path string) error {
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

	coffOff := b.peOff + 4
	optOff := coffOff + 20
	sectTblOff := optOff + int64(b.fileHdr.SizeOfOptionalHeader)
	// The new section headers are written right after the existing table,
	// into the padding between its end and SizeOfHeaders, so no section's
	// file data moves; Write fails if that padding is too small.
	insertOff := sectTblOff + int64(b.fileHdr.NumberOfSections)*peSectHdrSize
	if insertOff+int64(peSectHdrSize*len(b.added)) > int64(b.optHdr.SizeOfHeaders) {
		return errors.Errorf("no room for %d new section header(s) within SizeOfHeaders", len(b.added))
	}
	newHdrBytes := make([]byte, 0, peSectHdrSize*len(b.added))

	for _, a := range b.added {
		fileOff := alignUp(uint32(len(out)), b.fileAlign)
		pad := make([]byte, int(fileOff)-len(out))
		rngPad(pad)
		out = append(out, pad...)

		rva := uint32(a.sec.VA - b.base)
		out = append(out, a.sec.Data...)
		paddedSize := alignUp(uint32(len(a.sec.Data)), b.fileAlign)
		out = append(out, make([]byte, int(paddedSize)-len(a.sec.Data))...)

		var chars uint32 = peInitDataMask
		if a.flags.Exec {
			chars = peCodeMask | peExecMask
		}
		if a.flags.Write {
			chars |= peWriteMask
		}

		var nameBuf [8]byte
		copy(nameBuf[:], a.sec.Name)
		sh := struct {
			Name                 [8]byte
			VirtualSize          uint32
			VirtualAddress       uint32
			SizeOfRawData        uint32
			PointerToRawData     uint32
			PointerToRelocations uint32
			PointerToLineNumbers uint32
			NumberOfRelocations  uint16
			NumberOfLineNumbers  uint16
			Characteristics      uint32
		}{
			Name:             nameBuf,
			VirtualSize:      uint32(len(a.sec.Data)),
			VirtualAddress:   rva,
			SizeOfRawData:    paddedSize,
			PointerToRawData: fileOff,
			Characteristics:  chars,
		}
		buf := &bytes.Buffer{}
		if err := binary.Write(buf, binary.LittleEndian, sh); err != nil {
			return errors.WithStack(err)
		}
		newHdrBytes = append(newHdrBytes, buf.Bytes()...)

		b.fileHdr.NumberOfSections++
		if e := alignUp(rva+uint32(len(a.sec.Data)), b.sectAlign); e > b.optHdr.SizeOfImage {
			b.optHdr.SizeOfImage = e
		}
	}

	copy(out[insertOff:], newHdrBytes)

	coffBuf := &bytes.Buffer{}
	if err := binary.Write(coffBuf, binary.LittleEndian, b.fileHdr); err != nil {
		return errors.WithStack(err)
	}
	copy(out[coffOff:], coffBuf.Bytes())

	optBuf := &bytes.Buffer{}
	if err := binary.Write(optBuf, binary.LittleEndian, b.optHdr); err != nil {
		return errors.WithStack(err)
	}
	copy(out[optOff:], optBuf.Bytes())

	if err := writeFile(path, out); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
