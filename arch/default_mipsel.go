//go:build guest_mipsel

package arch

import "encoding/binary"

// Default returns the architecture selected by the build.
func Default() Arch {
	return newMIPS("mipsel", binary.LittleEndian)
}
