package winapi

import (
	"os"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"stab/pkg/image"
)

var (
	kernel32DLL          = windows.NewLazySystemDLL("kernel32.dll")
	procGetProcAddress   = kernel32DLL.NewProc("GetProcAddress")
	procGetModuleHandleA = kernel32DLL.NewProc("GetModuleHandleA")
	procGetModuleHandleW = kernel32DLL.NewProc("GetModuleHandleW")
	procLoadLibraryA     = kernel32DLL.NewProc("LoadLibraryA")
)

// static binds every primitive to the system loader.
type static struct{}

// NewStatic returns the provider bound to kernel32 through the Go runtime's
// own DLL loading.
func NewStatic() (Provider, error) {
	return static{}, nil
}

func (static) GetProcAddress(module Handle, sel image.Selector) (uintptr, error) {
	if sel.IsOrdinal() {
		return getProcAddressByOrdinal(syscall.Handle(module), uintptr(sel.Ordinal()))
	}
	return windows.GetProcAddress(windows.Handle(module), sel.Name())
}

// getProcAddressByOrdinal retrieves the address of the exported
// function from module by ordinal.
func getProcAddressByOrdinal(module syscall.Handle, ordinal uintptr) (uintptr, error) {
	r0, _, e1 := syscall.Syscall(procGetProcAddress.Addr(), 2, uintptr(module), ordinal, 0)
	if r0 == 0 {
		return 0, os.NewSyscallError("GetProcAddress", e1)
	}
	return r0, nil
}

func (static) GetModuleHandleA(name string) (Handle, error) {
	p, err := windows.BytePtrFromString(name)
	if err != nil {
		return 0, err
	}
	r1, _, e1 := procGetModuleHandleA.Call(uintptr(unsafe.Pointer(p)))
	runtime.KeepAlive(p)
	if r1 == 0 {
		return 0, os.NewSyscallError("GetModuleHandleA", e1)
	}
	return Handle(r1), nil
}

func (static) GetModuleHandleW(name string) (Handle, error) {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return 0, err
	}
	r1, _, e1 := procGetModuleHandleW.Call(uintptr(unsafe.Pointer(p)))
	runtime.KeepAlive(p)
	if r1 == 0 {
		return 0, os.NewSyscallError("GetModuleHandleW", e1)
	}
	return Handle(r1), nil
}

func (static) LoadLibraryA(name string) (Handle, error) {
	p, err := windows.BytePtrFromString(name)
	if err != nil {
		return 0, err
	}
	r1, _, e1 := procLoadLibraryA.Call(uintptr(unsafe.Pointer(p)))
	runtime.KeepAlive(p)
	if r1 == 0 {
		return 0, os.NewSyscallError("LoadLibraryA", e1)
	}
	return Handle(r1), nil
}

func (static) LoadLibraryW(name string) (Handle, error) {
	h, err := windows.LoadLibrary(name)
	return Handle(h), err
}

func (static) FreeLibrary(module Handle) error {
	return windows.FreeLibrary(windows.Handle(module))
}

func (static) VirtualAlloc(addr, size uintptr, allocType, protect uint32) (uintptr, error) {
	return windows.VirtualAlloc(addr, size, allocType, protect)
}

func (static) VirtualFree(addr, size uintptr, freeType uint32) error {
	return windows.VirtualFree(addr, size, freeType)
}

func (static) VirtualQuery(addr uintptr) (MemoryBasicInformation, error) {
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi)); err != nil {
		return MemoryBasicInformation{}, err
	}
	return fromWindows(&mbi), nil
}

func (static) VirtualProtect(addr, size uintptr, protect uint32) (uint32, error) {
	var old uint32
	err := windows.VirtualProtect(addr, size, protect, &old)
	return old, err
}

func fromWindows(mbi *windows.MemoryBasicInformation) MemoryBasicInformation {
	return MemoryBasicInformation{
		BaseAddress:       mbi.BaseAddress,
		AllocationBase:    mbi.AllocationBase,
		AllocationProtect: mbi.AllocationProtect,
		RegionSize:        mbi.RegionSize,
		State:             mbi.State,
		Protect:           mbi.Protect,
		Type:              mbi.Type,
	}
}
