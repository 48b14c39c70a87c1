package monitor

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/panda-re/panda-go-plugins/arch"
	"github.com/panda-re/panda-go-plugins/panda"
)

// HandleCommand parses and runs one monitor command with the parked CPU,
// writing all output to out.
func HandleCommand(cmd string, cpu panda.CPU, host panda.Host, a arch.Arch, out io.Writer) {
	cmd = strings.TrimSpace(cmd)
	parsed, err := Parse(cmd)
	if err != nil {
		printParseError(out, cmd, err)
		return
	}
	switch {
	case parsed.Taint != nil:
		handleTaint(parsed.Taint, cpu, host, a, out)
	case parsed.Check != nil:
		handleCheckTaint(parsed.Check.Target, cpu, host, a, out)
	case parsed.Get != nil:
		handleGetTaint(parsed.Get.Target, cpu, host, a, out)
	case parsed.MemInfo:
		printMemoryMap(cpu, host, out)
	case parsed.Help:
		printHelpText(out)
	}
}

// handleTaint labels a memory byte (after translating the virtual address to
// physical) or a register.
func handleTaint(cmd *TaintCmd, cpu panda.CPU, host panda.Host, a arch.Arch, out io.Writer) {
	label := uint32(cmd.Label.Value())
	if cmd.Target.Addr != nil {
		paddr := host.VirtToPhys(cpu, cmd.Target.Addr.Value())
		host.Taint().LabelRAM(paddr, label)
		fmt.Fprintf(out, "Memory location %#x tainted.\n", paddr)
		return
	}
	reg := strings.ToLower(cmd.Target.Reg)
	if !a.IsRegister(reg) {
		fmt.Fprintf(out, "Invalid register name %q.\n", cmd.Target.Reg)
		return
	}
	host.Taint().LabelReg(reg, label)
	fmt.Fprintf(out, "Register %s tainted.\n", reg)
}

// handleCheckTaint reports whether the target carries any label.
func handleCheckTaint(target *Target, cpu panda.CPU, host panda.Host, a arch.Arch, out io.Writer) {
	if target.Addr != nil {
		paddr := host.VirtToPhys(cpu, target.Addr.Value())
		fmt.Fprintf(out, "%t\n", host.Taint().CheckRAM(paddr))
		return
	}
	reg := strings.ToLower(target.Reg)
	if !a.IsRegister(reg) {
		fmt.Fprintf(out, "Invalid register name %q.\n", target.Reg)
		return
	}
	fmt.Fprintf(out, "%t\n", host.Taint().CheckReg(reg))
}

// handleGetTaint reports the label set of the target, or [] when unlabeled.
func handleGetTaint(target *Target, cpu panda.CPU, host panda.Host, a arch.Arch, out io.Writer) {
	if target.Addr != nil {
		paddr := host.VirtToPhys(cpu, target.Addr.Value())
		if host.Taint().CheckRAM(paddr) {
			fmt.Fprintf(out, "%v\n", host.Taint().GetRAM(paddr))
		} else {
			fmt.Fprintln(out, "[]")
		}
		return
	}
	reg := strings.ToLower(target.Reg)
	if !a.IsRegister(reg) {
		fmt.Fprintf(out, "Invalid register name %q.\n", target.Reg)
		return
	}
	if host.Taint().CheckReg(reg) {
		fmt.Fprintf(out, "%v\n", host.Taint().GetReg(reg))
	} else {
		fmt.Fprintln(out, "[]")
	}
}

// printMemoryMap renders the memory map of the current process.
func printMemoryMap(cpu panda.CPU, host panda.Host, out io.Writer) {
	mappings, err := host.MemoryMap(cpu)
	if err != nil {
		fmt.Fprintf(out, "Unable to read memory map: %v\n", err)
		return
	}
	fmt.Fprintf(out, "%-18s %-18s %-20s %s\n", "base", "size", "name", "file")
	for _, m := range mappings {
		fmt.Fprintf(out, "%#-18x %#-18x %-20s %s\n", m.Base, m.Size, m.Name, m.File)
	}
}

// printHelpText renders the command summary.
func printHelpText(out io.Writer) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  meminfo - print out the current memory map")
	fmt.Fprintln(out, "  taint - apply taint to a given register/memory location")
	fmt.Fprintln(out, "  check_taint - check if a given register/memory location is tainted")
	fmt.Fprintln(out, "  get_taint - get the taint labels for a given register/memory location")
}

// printParseError renders a column-pointed diagnostic naming the tokens
// expected at the failure site.
func printParseError(out io.Writer, cmd string, err error) {
	column := 1
	expected := err.Error()
	var uerr participle.UnexpectedTokenError
	if perr, ok := err.(participle.Error); ok {
		column = perr.Position().Column
		expected = perr.Message()
	}
	if errAs(err, &uerr) && uerr.Expect != "" {
		expected = uerr.Expect
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Error:")
	fmt.Fprintf(out, "    %s\n", cmd)
	fmt.Fprintf(out, "   %s^------ Invalid syntax, expected %s\n", strings.Repeat(" ", column), expected)
	fmt.Fprintln(out)
}

// errAs unwraps err into an UnexpectedTokenError.
func errAs(err error, target *participle.UnexpectedTokenError) bool {
	uerr, ok := err.(*participle.UnexpectedTokenError)
	if !ok {
		return false
	}
	*target = *uerr
	return true
}
