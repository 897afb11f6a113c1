package winapi

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"stab/pkg/image"
	"stab/pkg/resolve"
)

const (
	fnGetModuleHandleA = iota
	fnGetModuleHandleW
	fnLoadLibraryA
	fnLoadLibraryW
	fnFreeLibrary
	fnVirtualAlloc
	fnVirtualFree
	fnVirtualQuery
	fnVirtualProtect
	numFns
)

var fnNames = [numFns]string{
	"GetModuleHandleA", "GetModuleHandleW", "LoadLibraryA", "LoadLibraryW", "FreeLibrary",
	"VirtualAlloc", "VirtualFree", "VirtualQuery", "VirtualProtect",
}

// bootstrapped finds kernel32 and GetProcAddress by walking the module list
// and export table, then asks GetProcAddress for everything else. The
// lookup runs once; its outcome, success or failure, is reused by every
// later call.
type bootstrapped struct {
	r *resolve.Resolver

	once           sync.Once
	err            error
	kernel32       uintptr
	getProcAddress uintptr
	fns            [numFns]uintptr
}

// NewBootstrapped returns a provider that resolves its primitives through r
// on first use.
func NewBootstrapped(r *resolve.Resolver) (Provider, error) {
	return &bootstrapped{r: r}, nil
}

func (b *bootstrapped) load() error {
	b.once.Do(func() {
		b.kernel32, b.err = b.r.ModuleBase("kernel32.dll")
		if b.err != nil {
			return
		}
		b.getProcAddress, b.err = b.r.Resolve(b.kernel32, image.ByName("GetProcAddress"))
		if b.err != nil {
			b.err = fmt.Errorf("resolving GetProcAddress: %w", b.err)
			return
		}
		for i, name := range fnNames {
			if b.fns[i], b.err = b.lookup(b.kernel32, image.ByName(name)); b.err != nil {
				return
			}
		}
	})
	return b.err
}

func (b *bootstrapped) lookup(module uintptr, sel image.Selector) (uintptr, error) {
	if sel.IsOrdinal() {
		r1, _, e1 := syscall.SyscallN(b.getProcAddress, module, uintptr(sel.Ordinal()))
		if r1 == 0 {
			return 0, fmt.Errorf("GetProcAddress %v: %w", sel, e1)
		}
		return r1, nil
	}
	p, err := windows.BytePtrFromString(sel.Name())
	if err != nil {
		return 0, err
	}
	r1, _, e1 := syscall.SyscallN(b.getProcAddress, module, uintptr(unsafe.Pointer(p)))
	runtime.KeepAlive(p)
	if r1 == 0 {
		return 0, fmt.Errorf("GetProcAddress %v: %w", sel, e1)
	}
	return r1, nil
}

// proc returns the resolved address of fn. Callers pass pointer arguments
// to syscall.SyscallN directly so the pointees stay live and in place.
func (b *bootstrapped) proc(fn int) (uintptr, error) {
	if err := b.load(); err != nil {
		return 0, err
	}
	return b.fns[fn], nil
}

var errCallFailed = errors.New("call failed without setting a last error")

func result(fn int, r1 uintptr, e1 syscall.Errno) (uintptr, error) {
	if r1 != 0 {
		return r1, nil
	}
	if e1 == 0 {
		return 0, fmt.Errorf("%s: %w", fnNames[fn], errCallFailed)
	}
	return 0, fmt.Errorf("%s: %w", fnNames[fn], e1)
}

func (b *bootstrapped) GetProcAddress(module Handle, sel image.Selector) (uintptr, error) {
	if err := b.load(); err != nil {
		return 0, err
	}
	return b.lookup(uintptr(module), sel)
}

func (b *bootstrapped) narrow(fn int, name string) (Handle, error) {
	addr, err := b.proc(fn)
	if err != nil {
		return 0, err
	}
	p, err := windows.BytePtrFromString(name)
	if err != nil {
		return 0, err
	}
	r1, _, e1 := syscall.SyscallN(addr, uintptr(unsafe.Pointer(p)))
	runtime.KeepAlive(p)
	h, err := result(fn, r1, e1)
	return Handle(h), err
}

func (b *bootstrapped) wide(fn int, name string) (Handle, error) {
	addr, err := b.proc(fn)
	if err != nil {
		return 0, err
	}
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return 0, err
	}
	r1, _, e1 := syscall.SyscallN(addr, uintptr(unsafe.Pointer(p)))
	runtime.KeepAlive(p)
	h, err := result(fn, r1, e1)
	return Handle(h), err
}

func (b *bootstrapped) GetModuleHandleA(name string) (Handle, error) {
	return b.narrow(fnGetModuleHandleA, name)
}

func (b *bootstrapped) GetModuleHandleW(name string) (Handle, error) {
	return b.wide(fnGetModuleHandleW, name)
}

func (b *bootstrapped) LoadLibraryA(name string) (Handle, error) {
	return b.narrow(fnLoadLibraryA, name)
}

func (b *bootstrapped) LoadLibraryW(name string) (Handle, error) {
	return b.wide(fnLoadLibraryW, name)
}

func (b *bootstrapped) FreeLibrary(module Handle) error {
	addr, err := b.proc(fnFreeLibrary)
	if err != nil {
		return err
	}
	r1, _, e1 := syscall.SyscallN(addr, uintptr(module))
	_, err = result(fnFreeLibrary, r1, e1)
	return err
}

func (b *bootstrapped) VirtualAlloc(addr, size uintptr, allocType, protect uint32) (uintptr, error) {
	fn, err := b.proc(fnVirtualAlloc)
	if err != nil {
		return 0, err
	}
	r1, _, e1 := syscall.SyscallN(fn, addr, size, uintptr(allocType), uintptr(protect))
	return result(fnVirtualAlloc, r1, e1)
}

func (b *bootstrapped) VirtualFree(addr, size uintptr, freeType uint32) error {
	fn, err := b.proc(fnVirtualFree)
	if err != nil {
		return err
	}
	r1, _, e1 := syscall.SyscallN(fn, addr, size, uintptr(freeType))
	_, err = result(fnVirtualFree, r1, e1)
	return err
}

func (b *bootstrapped) VirtualQuery(addr uintptr) (MemoryBasicInformation, error) {
	fn, err := b.proc(fnVirtualQuery)
	if err != nil {
		return MemoryBasicInformation{}, err
	}
	var mbi windows.MemoryBasicInformation
	r1, _, e1 := syscall.SyscallN(fn, addr, uintptr(unsafe.Pointer(&mbi)), unsafe.Sizeof(mbi))
	if _, err := result(fnVirtualQuery, r1, e1); err != nil {
		return MemoryBasicInformation{}, err
	}
	return fromWindows(&mbi), nil
}

func (b *bootstrapped) VirtualProtect(addr, size uintptr, protect uint32) (uint32, error) {
	fn, err := b.proc(fnVirtualProtect)
	if err != nil {
		return 0, err
	}
	var old uint32
	r1, _, e1 := syscall.SyscallN(fn, addr, size, uintptr(protect), uintptr(unsafe.Pointer(&old)))
	_, err = result(fnVirtualProtect, r1, e1)
	return old, err
}
