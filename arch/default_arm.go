//go:build guest_arm

package arch

// Default returns the architecture selected by the build.
func Default() Arch {
	return newARM()
}
