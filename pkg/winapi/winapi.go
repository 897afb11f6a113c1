// Package winapi is the small set of OS primitives the module mapper needs,
// behind an interface so the mapper can run on primitives it resolved itself.
package winapi

import (
	"errors"
	"fmt"

	"stab/pkg/image"
	"stab/pkg/resolve"
)

const (
	MEM_COMMIT   = 0x00001000
	MEM_RESERVE  = 0x00002000
	MEM_DECOMMIT = 0x00004000
	MEM_RELEASE  = 0x00008000
	MEM_FREE     = 0x00010000

	PAGE_NOACCESS          = 0x01
	PAGE_READONLY          = 0x02
	PAGE_READWRITE         = 0x04
	PAGE_WRITECOPY         = 0x08
	PAGE_EXECUTE           = 0x10
	PAGE_EXECUTE_READ      = 0x20
	PAGE_EXECUTE_READWRITE = 0x40
	PAGE_EXECUTE_WRITECOPY = 0x80
	PAGE_NOCACHE           = 0x200

	DLL_PROCESS_DETACH = 0
	DLL_PROCESS_ATTACH = 1
)

var ErrUnsupported = errors.New("OS primitives are only available on windows")

// Handle is a module handle, which is the module's base address.
type Handle uintptr

// MemoryBasicInformation describes a range of pages as VirtualQuery reports
// it.
type MemoryBasicInformation struct {
	BaseAddress       uintptr
	AllocationBase    uintptr
	AllocationProtect uint32
	RegionSize        uintptr
	State             uint32
	Protect           uint32
	Type              uint32
}

// Provider is the OS surface used to map a module.
type Provider interface {
	GetProcAddress(module Handle, sel image.Selector) (uintptr, error)
	GetModuleHandleA(name string) (Handle, error)
	GetModuleHandleW(name string) (Handle, error)
	LoadLibraryA(name string) (Handle, error)
	LoadLibraryW(name string) (Handle, error)
	FreeLibrary(module Handle) error

	VirtualAlloc(addr, size uintptr, allocType, protect uint32) (uintptr, error)
	VirtualFree(addr, size uintptr, freeType uint32) error
	VirtualQuery(addr uintptr) (MemoryBasicInformation, error)
	VirtualProtect(addr, size uintptr, protect uint32) (old uint32, err error)
}

const (
	KindStatic    = "static"
	KindBootstrap = "bootstrap"
)

// New builds the provider named by kind. r is only used by the bootstrapped
// provider and may be nil, in which case the current process is resolved.
func New(kind string, r *resolve.Resolver) (Provider, error) {
	switch kind {
	case "", KindStatic:
		return NewStatic()
	case KindBootstrap:
		if r == nil {
			r = resolve.New()
		}
		return NewBootstrapped(r)
	}
	return nil, fmt.Errorf("unknown provider %q", kind)
}
