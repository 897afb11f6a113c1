//go:build windows && !amd64 && !386

package resolve

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func currentPEB() *PEB {
	return (*PEB)(unsafe.Pointer(windows.RtlGetCurrentPeb()))
}
