//go:build guest_i386

package arch

// Default returns the architecture selected by the build.
func Default() Arch {
	return newX86("i386", 32)
}
