package resolve

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"stab/pkg/image"
)

// DefaultMaxHops bounds forwarder chains when Resolver.MaxHops is zero.
const DefaultMaxHops = 16

const (
	dosHeaderSize = 64
	// SizeOfImage sits at the same optional header offset in both widths.
	sizeOfImageOffset = 4 + 20 + 56
	maxNTHeaderOffset = 0x1000
)

// Resolver looks modules and exports up in a module list.
type Resolver struct {
	// Head returns the load-order list head. CurrentModuleList is used when
	// it is nil.
	Head func() (*ListEntry, error)
	// MaxHops limits how many forwarders a single Resolve follows.
	MaxHops int
}

// New returns a resolver over the current process.
func New() *Resolver {
	return &Resolver{Head: CurrentModuleList, MaxHops: DefaultMaxHops}
}

func (r *Resolver) head() (*ListEntry, error) {
	if r.Head == nil {
		return CurrentModuleList()
	}
	return r.Head()
}

func (r *Resolver) maxHops() int {
	if r.MaxHops <= 0 {
		return DefaultMaxHops
	}
	return r.MaxHops
}

// FindModule returns the first load-order entry accepted by match.
func (r *Resolver) FindModule(match func(*LdrDataTableEntry) bool) (*LdrDataTableEntry, error) {
	head, err := r.head()
	if err != nil {
		return nil, err
	}
	mods := Modules(head, LoadOrder)
	for mods.Next() {
		if match(mods.Value()) {
			return mods.Value(), nil
		}
	}
	if err := mods.Err(); err != nil {
		return nil, err
	}
	return nil, ErrModuleNotFound
}

// ModuleBase returns the base address of a loaded module by base name.
func (r *Resolver) ModuleBase(name string) (uintptr, error) {
	e, err := r.FindModule(func(e *LdrDataTableEntry) bool {
		return NameEqual(e.BaseDllName.String(), name)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %s", err, name)
	}
	return e.DllBase, nil
}

// Export is an export table hit inside a loaded module.
type Export struct {
	image.Export
	Module uintptr
	// Target is the forwarder string when Forwarder is set.
	Target string
}

// Address is the absolute address of a non-forwarded export.
func (e Export) Address() uintptr {
	return e.Module + uintptr(e.RVA)
}

// FindExport looks sel up in the export table of the module at base without
// following forwarders.
func (r *Resolver) FindExport(base uintptr, sel image.Selector) (Export, error) {
	im, err := imageAt(base)
	if err != nil {
		return Export{}, err
	}
	exports, err := im.Exports()
	if err != nil {
		return Export{}, err
	}
	e, err := exports.Find(sel)
	if err != nil {
		return Export{}, err
	}
	out := Export{Export: e, Module: base}
	if e.Forwarder {
		if out.Target, err = exports.Forwarder(e); err != nil {
			return Export{}, err
		}
	}
	return out, nil
}

// Resolve returns the address of sel in the module at base, following
// forwarders into other loaded modules.
func (r *Resolver) Resolve(base uintptr, sel image.Selector) (uintptr, error) {
	for hop := 0; ; hop++ {
		e, err := r.FindExport(base, sel)
		if err != nil {
			return 0, err
		}
		if !e.Forwarder {
			if e.RVA == 0 {
				return 0, fmt.Errorf("%w: %v has no address", image.ErrExportNotFound, sel)
			}
			return e.Address(), nil
		}
		if hop >= r.maxHops() {
			return 0, fmt.Errorf("%w: gave up at %s after %d hops", ErrForwarderLoop, e.Target, hop)
		}

		module, next, err := image.ParseForwarder(e.Target)
		if err != nil {
			return 0, err
		}
		if base, err = r.ModuleBase(module); err != nil {
			return 0, err
		}
		sel = next
	}
}

// imageAt views a loaded module as a mapped image. SizeOfImage is read from
// the headers before the full view is built.
func imageAt(base uintptr) (*image.Image, error) {
	if base == 0 {
		return nil, ErrModuleNotFound
	}
	dos := unsafe.Slice((*byte)(unsafe.Pointer(base)), dosHeaderSize)
	if binary.LittleEndian.Uint16(dos) != image.DOSSignature {
		return nil, image.ErrNotPE
	}
	lfanew := binary.LittleEndian.Uint32(dos[0x3c:])
	if lfanew < dosHeaderSize || lfanew > maxNTHeaderOffset {
		return nil, fmt.Errorf("%w: e_lfanew %#x", image.ErrNotPE, lfanew)
	}
	hdr := unsafe.Slice((*byte)(unsafe.Pointer(base)), lfanew+sizeOfImageOffset+4)
	size := binary.LittleEndian.Uint32(hdr[lfanew+sizeOfImageOffset:])
	if size < uint32(len(hdr)) {
		return nil, fmt.Errorf("%w: SizeOfImage %#x", image.ErrTruncated, size)
	}
	return image.Mapped(unsafe.Slice((*byte)(unsafe.Pointer(base)), size))
}
