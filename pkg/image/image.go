// Package image is a bounds-checked overlay over the bytes of a PE image.
//
// Nothing here copies the image: an Image keeps the caller's slice and reads
// tables in place. The same code serves the on-disk layout, where RVAs are
// translated through the section table, and the mapped layout produced by a
// loader, where an RVA is simply an offset from the base.
package image

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	DOSSignature = 0x5A4D     // MZ
	NTSignature  = 0x00004550 // PE\0\0

	Magic32 = 0x10b
	Magic64 = 0x20b

	NumDirectoryEntries = 16

	dosHeaderSize        = 64
	lfanewOffset         = 0x3c
	fileHeaderSize       = 20
	sectionHeaderSize    = 40
	importDescriptorSize = 20
	optionalHeader32Size = 224
	optionalHeader64Size = 240
	imageBaseOffset32    = 28
	imageBaseOffset64    = 24
)

var (
	ErrNotPE        = errors.New("not a PE image")
	ErrUnknownMagic = errors.New("unknown optional header magic")
	ErrTruncated    = errors.New("image truncated")
)

// Layout tells how RVAs map onto the underlying bytes.
type Layout int

const (
	// FileLayout is the image as stored on disk.
	FileLayout Layout = iota
	// MappedLayout is the image as laid out in memory by a loader.
	MappedLayout
)

type Image struct {
	data   []byte
	layout Layout

	ntOff  uint32
	optOff uint32
	file   pe.FileHeader
	opt32  *pe.OptionalHeader32
	opt64  *pe.OptionalHeader64

	sections []Section
}

// Parse reads an image in file layout.
func Parse(data []byte) (*Image, error) {
	return parse(data, FileLayout)
}

// Mapped reads an image in mapped layout, for example a module already
// loaded into memory.
func Mapped(data []byte) (*Image, error) {
	return parse(data, MappedLayout)
}

func parse(data []byte, layout Layout) (*Image, error) {
	if len(data) < 2 || binary.LittleEndian.Uint16(data) != DOSSignature {
		return nil, fmt.Errorf("%w: bad DOS signature", ErrNotPE)
	}
	if len(data) < dosHeaderSize {
		return nil, fmt.Errorf("%w: DOS header", ErrTruncated)
	}

	im := &Image{data: data, layout: layout}
	im.ntOff = binary.LittleEndian.Uint32(data[lfanewOffset:])
	if !im.inBounds(im.ntOff, 4+fileHeaderSize+2) {
		return nil, fmt.Errorf("%w: NT headers at %#x", ErrTruncated, im.ntOff)
	}
	if binary.LittleEndian.Uint32(data[im.ntOff:]) != NTSignature {
		return nil, fmt.Errorf("%w: bad NT signature", ErrNotPE)
	}

	fhOff := im.ntOff + 4
	if err := binary.Read(bytes.NewReader(data[fhOff:fhOff+fileHeaderSize]), binary.LittleEndian, &im.file); err != nil {
		return nil, err
	}

	im.optOff = fhOff + fileHeaderSize
	switch magic := binary.LittleEndian.Uint16(data[im.optOff:]); magic {
	case Magic32:
		if !im.inBounds(im.optOff, optionalHeader32Size) {
			return nil, fmt.Errorf("%w: optional header", ErrTruncated)
		}
		im.opt32 = new(pe.OptionalHeader32)
		if err := binary.Read(bytes.NewReader(data[im.optOff:im.optOff+optionalHeader32Size]), binary.LittleEndian, im.opt32); err != nil {
			return nil, err
		}
	case Magic64:
		if !im.inBounds(im.optOff, optionalHeader64Size) {
			return nil, fmt.Errorf("%w: optional header", ErrTruncated)
		}
		im.opt64 = new(pe.OptionalHeader64)
		if err := binary.Read(bytes.NewReader(data[im.optOff:im.optOff+optionalHeader64Size]), binary.LittleEndian, im.opt64); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %#x", ErrUnknownMagic, magic)
	}

	secOff := im.optOff + uint32(im.file.SizeOfOptionalHeader)
	n := uint32(im.file.NumberOfSections)
	if !im.inBounds(secOff, n*sectionHeaderSize) {
		return nil, fmt.Errorf("%w: section table", ErrTruncated)
	}
	im.sections = make([]Section, n)
	for i := range im.sections {
		off := secOff + uint32(i)*sectionHeaderSize
		if err := binary.Read(bytes.NewReader(data[off:off+sectionHeaderSize]), binary.LittleEndian, &im.sections[i].SectionHeader32); err != nil {
			return nil, err
		}
	}

	return im, nil
}

func (im *Image) inBounds(off, n uint32) bool {
	return uint64(off)+uint64(n) <= uint64(len(im.data))
}

// Bytes returns the underlying buffer.
func (im *Image) Bytes() []byte { return im.data }

func (im *Image) Layout() Layout { return im.layout }

// NTHeaderOffset is e_lfanew.
func (im *Image) NTHeaderOffset() uint32 { return im.ntOff }

func (im *Image) FileHeader() pe.FileHeader { return im.file }

func (im *Image) Machine() Machine { return Machine(im.file.Machine) }

// Is64 reports whether the image carries a PE32+ optional header.
func (im *Image) Is64() bool { return im.opt64 != nil }

// Optional32 returns the PE32 optional header, or nil for PE32+ images.
func (im *Image) Optional32() *pe.OptionalHeader32 { return im.opt32 }

// Optional64 returns the PE32+ optional header, or nil for PE32 images.
func (im *Image) Optional64() *pe.OptionalHeader64 { return im.opt64 }

func (im *Image) ImageBase() uint64 {
	if im.opt64 != nil {
		return im.opt64.ImageBase
	}
	return uint64(im.opt32.ImageBase)
}

// SetImageBase patches the ImageBase field in the underlying bytes.
func (im *Image) SetImageBase(base uint64) {
	if im.opt64 != nil {
		binary.LittleEndian.PutUint64(im.data[im.optOff+imageBaseOffset64:], base)
		im.opt64.ImageBase = base
		return
	}
	binary.LittleEndian.PutUint32(im.data[im.optOff+imageBaseOffset32:], uint32(base))
	im.opt32.ImageBase = uint32(base)
}

func (im *Image) SizeOfImage() uint32 {
	if im.opt64 != nil {
		return im.opt64.SizeOfImage
	}
	return im.opt32.SizeOfImage
}

func (im *Image) SizeOfHeaders() uint32 {
	if im.opt64 != nil {
		return im.opt64.SizeOfHeaders
	}
	return im.opt32.SizeOfHeaders
}

func (im *Image) SectionAlignment() uint32 {
	if im.opt64 != nil {
		return im.opt64.SectionAlignment
	}
	return im.opt32.SectionAlignment
}

// EntryPoint is the RVA of the entry point, zero when there is none.
func (im *Image) EntryPoint() uint32 {
	if im.opt64 != nil {
		return im.opt64.AddressOfEntryPoint
	}
	return im.opt32.AddressOfEntryPoint
}

func (im *Image) SizeOfInitializedData() uint32 {
	if im.opt64 != nil {
		return im.opt64.SizeOfInitializedData
	}
	return im.opt32.SizeOfInitializedData
}

func (im *Image) SizeOfUninitializedData() uint32 {
	if im.opt64 != nil {
		return im.opt64.SizeOfUninitializedData
	}
	return im.opt32.SizeOfUninitializedData
}

// Directory returns a data directory entry. Entries past
// NumberOfRvaAndSizes read as empty.
func (im *Image) Directory(idx DirectoryEntry) pe.DataDirectory {
	if idx < 0 || idx >= NumDirectoryEntries {
		return pe.DataDirectory{}
	}
	if im.opt64 != nil {
		if uint32(idx) >= im.opt64.NumberOfRvaAndSizes {
			return pe.DataDirectory{}
		}
		return im.opt64.DataDirectory[idx]
	}
	if uint32(idx) >= im.opt32.NumberOfRvaAndSizes {
		return pe.DataDirectory{}
	}
	return im.opt32.DataDirectory[idx]
}

// Sections returns the section table.
func (im *Image) Sections() []Section { return im.sections }

// PointerSize is the width of a thunk: 8 for PE32+, 4 otherwise.
func (im *Image) PointerSize() uint32 {
	if im.opt64 != nil {
		return 8
	}
	return 4
}

// Offset translates an RVA to an offset into Bytes.
func (im *Image) Offset(rva uint32) (uint32, error) {
	if im.layout == MappedLayout || rva < im.SizeOfHeaders() {
		return rva, nil
	}
	for i := range im.sections {
		s := &im.sections[i]
		size := s.VirtualSize
		if size < s.SizeOfRawData {
			size = s.SizeOfRawData
		}
		if rva >= s.VirtualAddress && uint64(rva) < uint64(s.VirtualAddress)+uint64(size) {
			delta := rva - s.VirtualAddress
			if delta >= s.SizeOfRawData {
				return 0, fmt.Errorf("%w: rva %#x has no file backing in %s", ErrTruncated, rva, s)
			}
			return s.PointerToRawData + delta, nil
		}
	}
	return 0, fmt.Errorf("%w: rva %#x is outside every section", ErrTruncated, rva)
}

// Slice returns n bytes starting at rva.
func (im *Image) Slice(rva, n uint32) ([]byte, error) {
	off, err := im.Offset(rva)
	if err != nil {
		return nil, err
	}
	if !im.inBounds(off, n) {
		return nil, fmt.Errorf("%w: %d bytes at rva %#x", ErrTruncated, n, rva)
	}
	return im.data[off : off+n], nil
}

func (im *Image) Uint16(rva uint32) (uint16, error) {
	b, err := im.Slice(rva, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (im *Image) Uint32(rva uint32) (uint32, error) {
	b, err := im.Slice(rva, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (im *Image) Uint64(rva uint32) (uint64, error) {
	b, err := im.Slice(rva, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// CString reads a NUL-terminated string at rva.
func (im *Image) CString(rva uint32) (string, error) {
	off, err := im.Offset(rva)
	if err != nil {
		return "", err
	}
	if off >= uint32(len(im.data)) {
		return "", fmt.Errorf("%w: string at rva %#x", ErrTruncated, rva)
	}
	rest := im.data[off:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string at rva %#x", ErrTruncated, rva)
	}
	return string(rest[:end]), nil
}
