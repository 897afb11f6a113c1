// Package manualmap maps a PE image from memory into the current process:
// it reserves the image range, copies headers and sections, applies base
// relocations, links imports, protects sections and runs the entry point.
package manualmap

import (
	"fmt"
	"unsafe"

	"go.uber.org/zap"

	"stab/pkg/image"
	"stab/pkg/winapi"
)

// EntryCaller invokes a DllMain style entry point and reports whether it
// returned TRUE.
type EntryCaller func(entry, base uintptr, reason uint32) (bool, error)

type Option func(*Module)

// WithEntryCaller replaces the native entry point call.
func WithEntryCaller(call EntryCaller) Option {
	return func(m *Module) { m.call = call }
}

// WithMachine sets the machine type images must be built for. It defaults to
// the host's.
func WithMachine(machine image.Machine) Option {
	return func(m *Module) { m.machine = machine }
}

// Module is one manually mapped image. The zero state is closed; a Module
// holds at most one image at a time.
type Module struct {
	api     winapi.Provider
	call    EntryCaller
	machine image.Machine

	base   uintptr
	size   uintptr
	image  *image.Image
	deps   []string
	mapped bool
}

func New(api winapi.Provider, opts ...Option) *Module {
	m := &Module{
		api:     api,
		call:    callEntry,
		machine: image.HostMachine(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsMapped reports whether an image is currently open.
func (m *Module) IsMapped() bool { return m.mapped }

// Base is the address the image was mapped at, zero when closed.
func (m *Module) Base() uintptr { return m.base }

// EntryPoint returns the absolute entry point address of the open image.
func (m *Module) EntryPoint() (uintptr, bool) {
	if !m.mapped {
		return 0, false
	}
	rva := m.image.EntryPoint()
	if rva == 0 {
		return 0, false
	}
	return m.base + uintptr(rva), true
}

// Open maps data into the process. data is not referenced after Open
// returns. On failure nothing stays allocated.
func (m *Module) Open(data []byte) (err error) {
	if m.mapped {
		return loadError(KindAlreadyOpen, "open", nil)
	}

	src, err := image.Parse(data)
	if err != nil {
		return loadError(KindNotPEImage, "parse", err)
	}
	if src.Machine() != m.machine || src.PointerSize() != uint32(unsafe.Sizeof(uintptr(0))) {
		return loadError(KindArchMismatch, "parse", fmt.Errorf("image is %v, want %v", src.Machine(), m.machine))
	}
	if err := validateLayout(src, len(data)); err != nil {
		return loadError(KindNotPEImage, "layout", err)
	}

	log := Logger()
	size := uintptr(src.SizeOfImage())
	preferred := uintptr(src.ImageBase())

	base, err := m.api.VirtualAlloc(preferred, size, winapi.MEM_RESERVE, winapi.PAGE_READWRITE)
	if err != nil {
		log.Debug("preferred base unavailable", zap.Uintptr("base", preferred), zap.Error(err))
		if base, err = m.api.VirtualAlloc(0, size, winapi.MEM_RESERVE, winapi.PAGE_READWRITE); err != nil {
			return loadError(KindAllocationFailed, "reserve", err)
		}
	}
	m.base, m.size = base, size
	defer func() {
		if err != nil && !m.mapped {
			m.unwind()
		}
	}()

	delta := uint64(base) - src.ImageBase()
	log.Debug("reserved image", zap.Uintptr("base", base), zap.Uint64("delta", delta), zap.Uintptr("size", size))

	region := unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
	if err := m.commit(0, src.SizeOfHeaders()); err != nil {
		return loadError(KindAllocationFailed, "headers", err)
	}
	copy(region, data[:src.SizeOfHeaders()])

	loaded, err := image.Mapped(region)
	if err != nil {
		return loadError(KindNotPEImage, "headers", err)
	}
	loaded.SetImageBase(uint64(base))

	if err := m.copySections(loaded, region, data); err != nil {
		return err
	}

	if delta != 0 {
		n, err := relocate(loaded, delta)
		if err != nil {
			return loadError(KindNotPEImage, "relocate", err)
		}
		log.Debug("applied relocations", zap.Int("entries", n), zap.Uint64("delta", delta))
	}

	if err := m.link(loaded); err != nil {
		return loadError(KindNotPEImage, "imports", err)
	}

	m.protect(loaded)

	m.image = loaded
	m.mapped = true

	if entry, ok := m.EntryPoint(); ok {
		accepted, err := m.call(entry, base, winapi.DLL_PROCESS_ATTACH)
		if err != nil || !accepted {
			m.Close()
			return loadError(KindEntryRejected, "attach", err)
		}
	}

	log.Info("mapped image", zap.Uintptr("base", base), zap.Int("dependencies", len(m.deps)))
	return nil
}

// Close runs the detach notification, releases the dependencies loaded by
// Open and frees the image. It does nothing when no image is open.
func (m *Module) Close() error {
	if !m.mapped {
		return nil
	}
	if entry, ok := m.EntryPoint(); ok {
		m.call(entry, m.base, winapi.DLL_PROCESS_DETACH)
	}
	return m.unwind()
}

// unwind releases dependencies and the region without notifying the image.
func (m *Module) unwind() error {
	for _, dep := range m.deps {
		h, err := m.api.GetModuleHandleA(dep)
		if err != nil {
			continue
		}
		m.api.FreeLibrary(h)
	}

	var err error
	if m.base != 0 {
		if err = m.api.VirtualFree(m.base, 0, winapi.MEM_RELEASE); err != nil {
			Logger().Warn("cannot release image", zap.Uintptr("base", m.base), zap.Error(err))
		}
	}
	*m = Module{api: m.api, call: m.call, machine: m.machine}
	return err
}

func (m *Module) commit(rva, size uint32) error {
	_, err := m.api.VirtualAlloc(m.base+uintptr(rva), uintptr(size), winapi.MEM_COMMIT, winapi.PAGE_READWRITE)
	return err
}

func (m *Module) copySections(im *image.Image, region, data []byte) error {
	align := im.SectionAlignment()
	for _, s := range im.Sections() {
		if s.SizeOfRawData == 0 {
			if align == 0 {
				continue
			}
			if err := m.commit(s.VirtualAddress, align); err != nil {
				return loadError(KindAllocationFailed, "section "+s.String(), err)
			}
			clear(region[s.VirtualAddress : s.VirtualAddress+align])
			continue
		}
		if err := m.commit(s.VirtualAddress, s.SizeOfRawData); err != nil {
			return loadError(KindAllocationFailed, "section "+s.String(), err)
		}
		copy(region[s.VirtualAddress:], data[s.PointerToRawData:s.PointerToRawData+s.SizeOfRawData])
	}
	return nil
}

// validateLayout checks that the headers and every section fit both the
// source buffer and the image range, so the copy steps cannot go out of
// bounds.
func validateLayout(im *image.Image, n int) error {
	size := uint64(im.SizeOfImage())
	headers := uint64(im.SizeOfHeaders())
	if size == 0 || headers == 0 || headers > uint64(n) || headers > size {
		return fmt.Errorf("headers of %#x bytes do not fit image of %#x", headers, size)
	}
	for _, s := range im.Sections() {
		span := uint64(s.SizeOfRawData)
		if span == 0 {
			span = uint64(im.SectionAlignment())
		}
		if uint64(s.VirtualAddress)+span > size {
			return fmt.Errorf("section %s ends past SizeOfImage", s)
		}
		if s.SizeOfRawData != 0 && uint64(s.PointerToRawData)+uint64(s.SizeOfRawData) > uint64(n) {
			return fmt.Errorf("section %s raw data ends past the buffer", s)
		}
	}
	return nil
}

// Proc returns the address of an export of the open image. Forwarded
// exports are looked up in their target module through the provider.
func (m *Module) Proc(sel image.Selector) (uintptr, error) {
	if !m.mapped {
		return 0, loadError(KindNotMapped, "proc", nil)
	}
	exports, err := m.image.Exports()
	if err != nil {
		return 0, err
	}
	e, err := exports.Find(sel)
	if err != nil {
		return 0, err
	}
	if !e.Forwarder {
		if e.RVA == 0 {
			return 0, fmt.Errorf("%w: %v", image.ErrExportNotFound, sel)
		}
		return m.base + uintptr(e.RVA), nil
	}

	target, err := exports.Forwarder(e)
	if err != nil {
		return 0, err
	}
	module, next, err := image.ParseForwarder(target)
	if err != nil {
		return 0, err
	}
	h, err := m.api.GetModuleHandleA(module)
	if err != nil {
		if h, err = m.api.LoadLibraryA(module); err != nil {
			return 0, err
		}
		// Released with the imports on Close.
		m.deps = append(m.deps, module)
	}
	return m.api.GetProcAddress(h, next)
}
