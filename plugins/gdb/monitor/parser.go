// Package monitor implements the monitor command sublanguage routed to the
// plugin through qRcmd: taint application and queries, the guest memory map,
// and help. All output goes through the caller-provided sink; a parse error
// renders a column-pointed diagnostic and changes no state.
package monitor

import (
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// monitorLexer tokenizes monitor commands; numbers are hexadecimal with a 0x
// prefix or decimal.
var monitorLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Hex", Pattern: `0x[0-9a-fA-F]+`},
	{Name: "Number", Pattern: `[0-9]+`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Star", Pattern: `\*`},
	{Name: "Whitespace", Pattern: `[ \t\n]+`},
})

// parser is the monitor command grammar.
var parser = participle.MustBuild[Command](
	participle.Lexer(monitorLexer),
	participle.Elide("Whitespace"),
)

// Command is one parsed monitor command.
type Command struct {
	Taint   *TaintCmd `  @@`
	Check   *CheckCmd `| @@`
	Get     *GetCmd   `| @@`
	MemInfo bool      `| @"meminfo"`
	Help    bool      `| @"help"`
}

// TaintCmd applies a taint label to a target.
type TaintCmd struct {
	Target *Target `"taint" @@`
	Label  *Number `@@`
}

// CheckCmd reports whether a target is tainted.
type CheckCmd struct {
	Target *Target `"check_taint" @@`
}

// GetCmd reports the taint labels of a target.
type GetCmd struct {
	Target *Target `"get_taint" @@`
}

// Target is a taint target; a guest virtual address or a register name.
type Target struct {
	Addr *Number `"*" @@`
	Reg  string  `| @Ident`
}

// Number is a hexadecimal or decimal literal.
type Number struct {
	Hex string `  @Hex`
	Dec string `| @Number`
}

// Value returns the numeric value of the literal.
func (n *Number) Value() uint64 {
	if n.Hex != "" {
		v, _ := strconv.ParseUint(n.Hex[len("0x"):], 16, 64)
		return v
	}
	v, _ := strconv.ParseUint(n.Dec, 10, 64)
	return v
}

// Parse parses one monitor command.
func Parse(cmd string) (*Command, error) {
	return parser.ParseString("", strings.TrimSpace(cmd))
}
