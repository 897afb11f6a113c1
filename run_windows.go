package main

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// invoke calls a void(const char*) export.
func invoke(addr uintptr, arg string) error {
	p, err := windows.BytePtrFromString(arg)
	if err != nil {
		return err
	}
	syscall.SyscallN(addr, uintptr(unsafe.Pointer(p)))
	return nil
}
