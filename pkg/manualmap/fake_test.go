package manualmap_test

import (
	"errors"
	"strings"
	"testing"
	"unsafe"

	"github.com/edsrzf/mmap-go"

	"stab/internal/imagetest"
	"stab/pkg/image"
	"stab/pkg/winapi"
)

const pageSize = 0x1000

var errFake = errors.New("simulated failure")

type region struct {
	mem       mmap.MMap
	base      uintptr
	committed []bool
}

func (r *region) contains(addr uintptr) bool {
	return addr >= r.base && addr < r.base+uintptr(len(r.mem))
}

type library struct {
	handle  winapi.Handle
	exports map[string]uintptr
	ords    map[uint16]uintptr
	refs    int
}

type protectCall struct {
	offset  uintptr
	size    uintptr
	protect uint32
}

// fakeOS implements winapi.Provider over anonymous mappings. Preferred
// addresses are only granted for regions handed to it with spare.
type fakeOS struct {
	t *testing.T

	regions []*region
	spares  []*region
	libs    map[string]*library

	reserves    int
	failReserve bool
	failCommit  uintptr // offset of a commit to refuse, zero for none

	protects  []protectCall
	decommits []protectCall
}

var _ winapi.Provider = (*fakeOS)(nil)

func newFakeOS(t *testing.T) *fakeOS {
	f := &fakeOS{t: t, libs: map[string]*library{}}
	t.Cleanup(func() {
		for _, r := range append(f.regions, f.spares...) {
			r.mem.Unmap()
		}
	})
	return f
}

func (f *fakeOS) newRegion(size uintptr) (*region, error) {
	mem, err := imagetest.Anonymous(int(size))
	if err != nil {
		return nil, err
	}
	return &region{
		mem:       mem,
		base:      uintptr(unsafe.Pointer(&mem[0])),
		committed: make([]bool, (size+pageSize-1)/pageSize),
	}, nil
}

// spare reserves size bytes whose address the next image can prefer.
func (f *fakeOS) spare(size uintptr) uintptr {
	r, err := f.newRegion(size)
	if err != nil {
		f.t.Fatal(err)
	}
	f.spares = append(f.spares, r)
	return r.base
}

func (f *fakeOS) addLibrary(name string, exports map[string]uintptr, ords map[uint16]uintptr) *library {
	lib := &library{
		handle:  winapi.Handle(0x70000000 + 0x10000*len(f.libs)),
		exports: exports,
		ords:    ords,
	}
	f.libs[libKey(name)] = lib
	return lib
}

func libKey(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".dll")
}

func (f *fakeOS) find(addr uintptr) *region {
	for _, r := range f.regions {
		if r.contains(addr) {
			return r
		}
	}
	return nil
}

func (f *fakeOS) pages(r *region, addr, size uintptr) (first, last int) {
	off := addr - r.base
	return int(off / pageSize), int((off + size + pageSize - 1) / pageSize)
}

func (f *fakeOS) VirtualAlloc(addr, size uintptr, allocType, protect uint32) (uintptr, error) {
	switch allocType {
	case winapi.MEM_RESERVE:
		f.reserves++
		if f.failReserve {
			return 0, errFake
		}
		if addr != 0 {
			for i, r := range f.spares {
				if r.base == addr && uintptr(len(r.mem)) >= size {
					f.spares = append(f.spares[:i], f.spares[i+1:]...)
					f.regions = append(f.regions, r)
					return r.base, nil
				}
			}
			return 0, errFake
		}
		r, err := f.newRegion(size)
		if err != nil {
			return 0, err
		}
		f.regions = append(f.regions, r)
		return r.base, nil

	case winapi.MEM_COMMIT:
		r := f.find(addr)
		if r == nil || addr+size > r.base+uintptr(len(r.mem)) {
			return 0, errFake
		}
		if f.failCommit != 0 && addr-r.base == f.failCommit {
			return 0, errFake
		}
		first, last := f.pages(r, addr, size)
		for i := first; i < last; i++ {
			r.committed[i] = true
		}
		return addr, nil
	}
	return 0, errFake
}

func (f *fakeOS) VirtualFree(addr, size uintptr, freeType uint32) error {
	r := f.find(addr)
	if r == nil {
		return errFake
	}
	switch freeType {
	case winapi.MEM_RELEASE:
		if addr != r.base || size != 0 {
			return errFake
		}
		for i, other := range f.regions {
			if other == r {
				f.regions = append(f.regions[:i], f.regions[i+1:]...)
				break
			}
		}
		return r.mem.Unmap()
	case winapi.MEM_DECOMMIT:
		first, last := f.pages(r, addr, size)
		for i := first; i < last && i < len(r.committed); i++ {
			r.committed[i] = false
		}
		f.decommits = append(f.decommits, protectCall{offset: addr - r.base, size: size})
		return nil
	}
	return errFake
}

func (f *fakeOS) VirtualQuery(addr uintptr) (winapi.MemoryBasicInformation, error) {
	r := f.find(addr)
	if r == nil {
		return winapi.MemoryBasicInformation{
			BaseAddress: addr &^ (pageSize - 1),
			RegionSize:  pageSize,
			State:       winapi.MEM_FREE,
			Protect:     winapi.PAGE_NOACCESS,
		}, nil
	}
	page := int((addr - r.base) / pageSize)
	state := uint32(winapi.MEM_RESERVE)
	if r.committed[page] {
		state = winapi.MEM_COMMIT
	}
	return winapi.MemoryBasicInformation{
		BaseAddress:    r.base + uintptr(page)*pageSize,
		AllocationBase: r.base,
		RegionSize:     pageSize,
		State:          state,
		Protect:        winapi.PAGE_READWRITE,
	}, nil
}

func (f *fakeOS) VirtualProtect(addr, size uintptr, protect uint32) (uint32, error) {
	r := f.find(addr)
	if r == nil {
		return 0, errFake
	}
	f.protects = append(f.protects, protectCall{offset: addr - r.base, size: size, protect: protect})
	return winapi.PAGE_READWRITE, nil
}

func (f *fakeOS) LoadLibraryA(name string) (winapi.Handle, error) {
	lib, ok := f.libs[libKey(name)]
	if !ok {
		return 0, errFake
	}
	lib.refs++
	return lib.handle, nil
}

func (f *fakeOS) LoadLibraryW(name string) (winapi.Handle, error) {
	return f.LoadLibraryA(name)
}

func (f *fakeOS) GetModuleHandleA(name string) (winapi.Handle, error) {
	lib, ok := f.libs[libKey(name)]
	if !ok || lib.refs == 0 {
		return 0, errFake
	}
	return lib.handle, nil
}

func (f *fakeOS) GetModuleHandleW(name string) (winapi.Handle, error) {
	return f.GetModuleHandleA(name)
}

func (f *fakeOS) FreeLibrary(module winapi.Handle) error {
	for _, lib := range f.libs {
		if lib.handle == module && lib.refs > 0 {
			lib.refs--
			return nil
		}
	}
	return errFake
}

func (f *fakeOS) GetProcAddress(module winapi.Handle, sel image.Selector) (uintptr, error) {
	for _, lib := range f.libs {
		if lib.handle != module {
			continue
		}
		var addr uintptr
		if sel.IsOrdinal() {
			addr = lib.ords[sel.Ordinal()]
		} else {
			addr = lib.exports[sel.Name()]
		}
		if addr == 0 {
			return 0, errFake
		}
		return addr, nil
	}
	return 0, errFake
}

type entryCall struct {
	entry, base uintptr
	reason      uint32
}

// entryRecorder stands in for the native entry call.
type entryRecorder struct {
	calls  []entryCall
	accept bool
}

func (e *entryRecorder) call(entry, base uintptr, reason uint32) (bool, error) {
	e.calls = append(e.calls, entryCall{entry, base, reason})
	return e.accept, nil
}
