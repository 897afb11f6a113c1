//go:build windows && (amd64 || 386)

package resolve

import "unsafe"

// getPEB reads the PEB pointer from the thread environment block.
func getPEB() uintptr

func currentPEB() *PEB {
	return (*PEB)(unsafe.Pointer(getPEB()))
}
