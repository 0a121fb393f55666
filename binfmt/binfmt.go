// Package binfmt is a format-abstracted wrapper around ELF64 and PE+
// executables: it enumerates sections, answers whether a section is
// executable, reports the image base, locates a section by name or by the
// virtual address it contains, appends a new section with given
// characteristics, and writes the result back out.
//
// This is the "LIEF-style" external collaborator named in spec §6: the
// virtualization core (disasm, liftcore, vmgen, mba, smc, patch) only ever
// talks to the Binary interface below, never to debug/elf or debug/pe
// directly.
package binfmt

import (
	"bytes"

	"github.com/mewmew/covirt/addr"
	"github.com/mewmew/covirt/covirterr"
	"github.com/pkg/errors"
)

// Section is one section of the target binary.
type Section struct {
	// Name is the section name (e.g. ".text", ".covirt0").
	Name string
	// VA is the section's virtual address once loaded.
	VA addr.Addr
	// Data is the section's raw bytes. Mutating Data in place and calling
	// Binary.Write persists the change (used by the patcher, §4.8).
	Data []byte
	// Exec reports whether the section is mapped executable.
	Exec bool
	// Write reports whether the section is mapped writable.
	Write bool
}

// End returns the section's exclusive upper virtual address bound.
func (s *Section) End() addr.Addr {
	return s.VA + addr.Addr(len(s.Data))
}

// Contains reports whether va falls within [s.VA, s.End()).
func (s *Section) Contains(va addr.Addr) bool {
	return s.VA <= va && va < s.End()
}

// SectionFlags describes the characteristics of a section being added.
// The caller never has to know whether the target is ELF or PE: binfmt
// translates to EXECINSTR|WRITE for ELF and MEM_EXECUTE|MEM_WRITE for PE
// (spec §6).
type SectionFlags struct {
	Exec  bool
	Write bool
}

// Binary is the uniform interface the virtualization core consumes.
type Binary interface {
	// Format returns "elf" or "pe".
	Format() string
	// ImageBase returns the base address the loader maps the image at.
	ImageBase() addr.Addr
	// Sections returns every section in file order.
	Sections() []*Section
	// SectionByName looks up a section by exact name.
	SectionByName(name string) (*Section, bool)
	// SectionContaining returns the section whose [VA, End) contains va.
	SectionContaining(va addr.Addr) (*Section, bool)
	// AddSection appends a new section with the given name, contents, and
	// flags, returning the appended Section.
	AddSection(name string, data []byte, flags SectionFlags) (*Section, error)
	// Write serializes the (possibly patched) binary to path.
	Write(path string) error
}

// elfMagic and mzMagic are the leading bytes used to sniff the format of
// path before dispatching to the ELF or PE reader.
var (
	elfMagic = []byte{0x7f, 'E', 'L', 'F'}
	mzMagic  = []byte{'M', 'Z'}
)

// Open detects the format of the file at path and returns a Binary wrapping
// it. It fails with *covirterr.UnknownFormat if the file is neither ELF nor
// PE.
func Open(path string) (Binary, error) {
	raw, err := readFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	switch {
	case bytes.HasPrefix(raw, elfMagic):
		b, err := openELF(path, raw)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return b, nil
	case bytes.HasPrefix(raw, mzMagic):
		b, err := openPE(path, raw)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return b, nil
	default:
		return nil, errors.WithStack(&covirterr.UnknownFormat{Path: path})
	}
}
