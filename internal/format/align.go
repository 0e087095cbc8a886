package format

import "math"

// AlignUp returns n aligned up to the next AllocAlign boundary.
//
// Example:
//
//	AlignUp(1)  = 8
//	AlignUp(8)  = 8
//	AlignUp(9)  = 16
func AlignUp(n int) int {
	return (n + AllocAlignMask) &^ AllocAlignMask
}

// CanAlignUp reports whether AlignUp(n) can be computed without overflow. Negative sizes
// cannot be aligned either.
func CanAlignUp(n int) bool {
	return n >= 0 && n <= math.MaxInt-AllocAlignMask
}

// AlignPage returns n aligned up to the next PageSize boundary.
//
// Example:
//
//	AlignPage(1)    = 4096
//	AlignPage(4096) = 4096
//	AlignPage(4097) = 8192
func AlignPage(n int) int {
	return (n + PageMask) &^ PageMask
}

// IsAligned reports whether n is a multiple of AllocAlign.
func IsAligned(n int) bool {
	return n&AllocAlignMask == 0
}
