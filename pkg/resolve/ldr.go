// Package resolve finds loaded modules and their exports by reading the
// process loader structures directly, without calling the loader.
package resolve

import (
	"errors"
	"unicode/utf16"
	"unsafe"

	"stab/pkg/cursor"
)

var (
	ErrUnsupported    = errors.New("module list is not available on this platform")
	ErrModuleNotFound = errors.New("module not found")
	ErrForwarderLoop  = errors.New("forwarder chain too long")
)

// ListEntry is LIST_ENTRY.
type ListEntry struct {
	Flink *ListEntry
	Blink *ListEntry
}

// UnicodeString is UNICODE_STRING. Length is in bytes and the buffer is not
// guaranteed to be NUL terminated.
type UnicodeString struct {
	Length        uint16
	MaximumLength uint16
	Buffer        *uint16
}

func (s UnicodeString) String() string {
	if s.Buffer == nil || s.Length < 2 {
		return ""
	}
	return string(utf16.Decode(unsafe.Slice(s.Buffer, s.Length/2)))
}

// LdrDataTableEntry is the leading, stable part of LDR_DATA_TABLE_ENTRY.
type LdrDataTableEntry struct {
	InLoadOrderLinks           ListEntry
	InMemoryOrderLinks         ListEntry
	InInitializationOrderLinks ListEntry
	DllBase                    uintptr
	EntryPoint                 uintptr
	SizeOfImage                uintptr
	FullDllName                UnicodeString
	BaseDllName                UnicodeString
}

// PebLdrData is PEB_LDR_DATA.
type PebLdrData struct {
	Length                          uint32
	Initialized                     uint32
	SsHandle                        uintptr
	InLoadOrderModuleList           ListEntry
	InMemoryOrderModuleList         ListEntry
	InInitializationOrderModuleList ListEntry
}

// PEB holds the fields of the process environment block up to Ldr.
type PEB struct {
	InheritedAddressSpace    byte
	ReadImageFileExecOptions byte
	BeingDebugged            byte
	BitField                 byte
	Mutant                   uintptr
	ImageBaseAddress         uintptr
	Ldr                      *PebLdrData
}

// ListOrder selects one of the three module lists.
type ListOrder int

const (
	LoadOrder ListOrder = iota
	MemoryOrder
	InitOrder
)

func (o ListOrder) Head(ldr *PebLdrData) *ListEntry {
	switch o {
	case MemoryOrder:
		return &ldr.InMemoryOrderModuleList
	case InitOrder:
		return &ldr.InInitializationOrderModuleList
	}
	return &ldr.InLoadOrderModuleList
}

func (o ListOrder) offset() uintptr {
	switch o {
	case MemoryOrder:
		return unsafe.Offsetof(LdrDataTableEntry{}.InMemoryOrderLinks)
	case InitOrder:
		return unsafe.Offsetof(LdrDataTableEntry{}.InInitializationOrderLinks)
	}
	return 0
}

// Link returns the list node of e that belongs to order.
func (o ListOrder) Link(e *LdrDataTableEntry) *ListEntry {
	switch o {
	case MemoryOrder:
		return &e.InMemoryOrderLinks
	case InitOrder:
		return &e.InInitializationOrderLinks
	}
	return &e.InLoadOrderLinks
}

func (o ListOrder) entry(link *ListEntry) *LdrDataTableEntry {
	return (*LdrDataTableEntry)(unsafe.Add(unsafe.Pointer(link), -int(o.offset())))
}

// Modules walks the list rooted at head. The list belongs to the OS loader
// and is read without any locking; a module loaded or unloaded by another
// thread during the walk can produce a torn read. Callers that care must
// serialize loader activity themselves.
func Modules(head *ListEntry, order ListOrder) *cursor.Cursor[*LdrDataTableEntry] {
	if head == nil {
		return cursor.Empty[*LdrDataTableEntry]()
	}
	step := func(link *ListEntry) (*LdrDataTableEntry, error) {
		if link == nil || link == head {
			return nil, nil
		}
		return order.entry(link), nil
	}
	return cursor.New(
		func() (*LdrDataTableEntry, error) { return step(head.Flink) },
		func(e *LdrDataTableEntry) (*LdrDataTableEntry, error) { return step(order.Link(e).Flink) },
		func(e *LdrDataTableEntry) bool { return e == nil || e.DllBase == 0 },
	)
}

// NameEqual compares module names ignoring ASCII case and an optional
// ".dll" suffix on either side.
func NameEqual(a, b string) bool {
	return asciiEqualFold(trimDLL(a), trimDLL(b))
}

func trimDLL(s string) string {
	if len(s) >= 4 && asciiEqualFold(s[len(s)-4:], ".dll") {
		return s[:len(s)-4]
	}
	return s
}

func asciiEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if lower(a[i]) != lower(b[i]) {
			return false
		}
	}
	return true
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}
