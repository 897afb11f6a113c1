package manualmap

import "syscall"

func callEntry(entry, base uintptr, reason uint32) (bool, error) {
	r1, _, _ := syscall.SyscallN(entry, base, uintptr(reason), 0)
	return uint32(r1) != 0, nil
}
