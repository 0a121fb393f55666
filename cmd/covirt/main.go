// Command covirt virtualizes every marker-delimited region of an x86-64
// ELF or PE executable: each region is lifted to a small stack-bytecode
// form, folded into a freshly synthesized VM interpreter, and the
// original bytes are replaced with an entry stub into that interpreter
// (spec §4, §6).
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"time"

	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/covirt/bbdecomp"
	"github.com/mewmew/covirt/binfmt"
	"github.com/mewmew/covirt/covirterr"
	"github.com/mewmew/covirt/disasm"
	"github.com/mewmew/covirt/irdump"
	"github.com/mewmew/covirt/patch"
	"github.com/mewmew/covirt/rngutil"
	"github.com/mewmew/covirt/vmgen"
	"github.com/pkg/errors"
)

// info is a logger which logs progress messages with a "covirt:" prefix
// to standard error.
var info = log.New(os.Stderr, term.MagentaBold("covirt:")+" ", 0)

func main() {
	var (
		output = flag.String("o", "", "output path (default: input path with a .covirt suffix)")
		vcode  = flag.Int("vcode", 2048, "capacity in bytes of the VM's bytecode buffer")
		vstack = flag.Int("vstack", 2048, "capacity in bytes of the VM's virtual stack")
		noMBA  = flag.Bool("no_mba", false, "disable the mixed-boolean-arithmetic obfuscation pass")
		noSMC  = flag.Bool("no_smc", false, "disable the self-modifying-code obfuscation pass")
		seed   = flag.Int64("seed", 0, "seed for the obfuscation passes' RNG (0: derive from current time)")
		quiet  = flag.Bool("q", false, "suppress progress messages")
		dump   = flag.Bool("d", false, "show_dump_table: print each virtualized subroutine's VM disassembly (offset, opcode, source) to standard error, alongside an LLVM IR block-structure sketch")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <binary>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if *quiet {
		info.SetOutput(ioutil.Discard)
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	if *vcode <= 0 || *vstack <= 0 {
		log.Fatalf("-vcode and -vstack must be positive (got %d and %d)", *vcode, *vstack)
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rngutil.Seed(*seed)

	out := *output
	if out == "" {
		out = path + ".covirt"
	}

	cfg := vmgen.Config{
		CodeSize:  *vcode,
		StackSize: *vstack,
		MBA:       !*noMBA,
		SMC:       !*noSMC,
	}

	if err := run(path, out, cfg, *dump); err != nil {
		log.Fatalf("%+v", err)
	}
}

// run performs the full pipeline: open, scan every executable section for
// marker pairs, decompose and collect every subroutine, then hand them to
// patch.Apply.
func run(path, out string, cfg vmgen.Config, showDump bool) error {
	bin, err := binfmt.Open(path)
	if err != nil {
		return errors.WithStack(err)
	}

	var subs []*bbdecomp.Subroutine
	for _, sect := range bin.Sections() {
		if !sect.Exec {
			continue
		}
		regions, err := disasm.ScanSection(sect.VA, sect.Data)
		if err != nil {
			return errors.Wrapf(err, "scanning section %q", sect.Name)
		}
		for _, region := range regions {
			subs = append(subs, bbdecomp.Decompose(region))
		}
	}
	if len(subs) == 0 {
		return errors.WithStack(&covirterr.NoRegions{})
	}
	info.Printf("found %d virtualizable region(s)", len(subs))

	result, err := patch.Apply(bin, subs, cfg)
	if err != nil {
		return err
	}
	info.Printf("lifted %d subroutine(s), %d/%d vcode bytes used",
		result.Subroutines, result.VCodeUsed, result.VCodeCap)
	if showDump {
		for i, sub := range subs {
			fmt.Fprintf(os.Stderr, "--- subroutine %s ---\n", sub.StartVA)
			if i < len(result.Disassembly) {
				fmt.Fprint(os.Stderr, result.Disassembly[i])
			}
			fmt.Fprintln(os.Stderr, irdump.String(sub))
		}
	}

	if err := bin.Write(out); err != nil {
		return errors.Wrapf(err, "writing %q", out)
	}
	info.Printf("wrote %q", out)
	return nil
}
