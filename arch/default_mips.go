//go:build guest_mips

package arch

import "encoding/binary"

// Default returns the architecture selected by the build.
func Default() Arch {
	return newMIPS("mips", binary.BigEndian)
}
