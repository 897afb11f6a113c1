package manualmap

import (
	"go.uber.org/zap"

	"stab/pkg/image"
	"stab/pkg/winapi"
)

// sectionProtection turns section characteristics into a page protection.
func sectionProtection(s image.Section) uint32 {
	var p uint32
	switch {
	case s.Readable() && s.Writable():
		p = winapi.PAGE_READWRITE
	case s.Writable():
		p = winapi.PAGE_WRITECOPY
	case s.Readable():
		p = winapi.PAGE_READONLY
	default:
		p = winapi.PAGE_NOACCESS
	}
	if s.Executable() {
		p <<= 4
	}
	if s.NotCached() {
		p |= winapi.PAGE_NOCACHE
	}
	return p
}

// sectionSize is the span a protection change covers: the raw size, or for
// sections without file data the image-wide data size for their content
// kind.
func sectionSize(im *image.Image, s image.Section) uint32 {
	switch {
	case s.SizeOfRawData != 0:
		return s.SizeOfRawData
	case s.Characteristics&image.ScnCntInitializedData != 0:
		return im.SizeOfInitializedData()
	case s.Characteristics&image.ScnCntUninitializedData != 0:
		return im.SizeOfUninitializedData()
	}
	return 0
}

// discardSize is the block copySections committed for s: its raw size, or
// one alignment unit for sections without file data.
func discardSize(im *image.Image, s image.Section) uint32 {
	if s.SizeOfRawData != 0 {
		return s.SizeOfRawData
	}
	return im.SectionAlignment()
}

// protect decommits discardable sections and applies final protections to
// the rest. Failures are logged; the image stays usable with read-write
// pages.
func (m *Module) protect(im *image.Image) {
	log := Logger()
	for _, s := range im.Sections() {
		addr := m.base + uintptr(s.VirtualAddress)
		if s.Discardable() {
			size := discardSize(im, s)
			if size == 0 {
				continue
			}
			if err := m.api.VirtualFree(addr, uintptr(size), winapi.MEM_DECOMMIT); err != nil {
				log.Warn("cannot decommit section", zap.Stringer("section", s), zap.Error(err))
			}
			continue
		}
		size := sectionSize(im, s)
		if size == 0 {
			continue
		}
		if _, err := m.api.VirtualProtect(addr, uintptr(size), sectionProtection(s)); err != nil {
			log.Warn("cannot protect section", zap.Stringer("section", s), zap.Error(err))
		}
	}
}
