// Package imagetest builds small synthetic PE images for tests.
package imagetest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"unsafe"

	"stab/pkg/image"
)

type Section struct {
	Name            string
	RVA             uint32
	VirtualSize     uint32
	Data            []byte
	Characteristics uint32
}

// Builder lays out a PE image: headers first, then the raw data of every
// section in the order added.
type Builder struct {
	Machine          image.Machine
	Wide             bool
	ImageBase        uint64
	EntryPoint       uint32
	SectionAlignment uint32
	FileAlignment    uint32

	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32

	Directories [image.NumDirectoryEntries]pe.DataDirectory
	Sections    []*Section

	next uint32
}

func New(machine image.Machine, wide bool, base uint64) *Builder {
	return &Builder{
		Machine:          machine,
		Wide:             wide,
		ImageBase:        base,
		SectionAlignment: 0x1000,
		FileAlignment:    0x200,
		next:             0x1000,
	}
}

// Host returns a builder for the machine running the test.
func Host(base uint64) *Builder {
	return New(image.HostMachine(), unsafe.Sizeof(uintptr(0)) == 8, base)
}

// NextRVA is the RVA the next added section will get.
func (b *Builder) NextRVA() uint32 { return b.next }

func (b *Builder) AddSection(name string, characteristics uint32, data []byte, virtualSize uint32) *Section {
	if virtualSize < uint32(len(data)) {
		virtualSize = uint32(len(data))
	}
	s := &Section{
		Name:            name,
		RVA:             b.next,
		VirtualSize:     virtualSize,
		Data:            data,
		Characteristics: characteristics,
	}
	b.Sections = append(b.Sections, s)
	span := virtualSize
	if span == 0 {
		span = 1
	}
	b.next += alignUp(span, b.SectionAlignment)
	return s
}

func (b *Builder) SetDirectory(idx image.DirectoryEntry, rva, size uint32) {
	b.Directories[idx] = pe.DataDirectory{VirtualAddress: rva, Size: size}
}

func (b *Builder) optionalHeaderSize() uint32 {
	if b.Wide {
		return 240
	}
	return 224
}

// SizeOfHeaders is the file-aligned size of all headers.
func (b *Builder) SizeOfHeaders() uint32 {
	raw := 64 + 4 + 20 + b.optionalHeaderSize() + 40*uint32(len(b.Sections))
	return alignUp(raw, b.FileAlignment)
}

// Bytes renders the image in file layout.
func (b *Builder) Bytes() []byte {
	headers := b.SizeOfHeaders()
	sizeOfImage := b.next
	if len(b.Sections) == 0 {
		sizeOfImage = alignUp(headers, b.SectionAlignment)
	}

	secHdrs := make([]pe.SectionHeader32, len(b.Sections))
	raw := headers
	for i, s := range b.Sections {
		h := &secHdrs[i]
		copy(h.Name[:], s.Name)
		h.VirtualSize = s.VirtualSize
		h.VirtualAddress = s.RVA
		h.Characteristics = s.Characteristics
		if len(s.Data) > 0 {
			h.PointerToRawData = raw
			h.SizeOfRawData = alignUp(uint32(len(s.Data)), b.FileAlignment)
			raw += h.SizeOfRawData
		}
	}

	var buf bytes.Buffer
	dos := make([]byte, 64)
	binary.LittleEndian.PutUint16(dos, image.DOSSignature)
	binary.LittleEndian.PutUint32(dos[0x3c:], 64)
	buf.Write(dos)
	binary.Write(&buf, binary.LittleEndian, uint32(image.NTSignature))
	binary.Write(&buf, binary.LittleEndian, pe.FileHeader{
		Machine:              uint16(b.Machine),
		NumberOfSections:     uint16(len(b.Sections)),
		SizeOfOptionalHeader: uint16(b.optionalHeaderSize()),
		Characteristics:      0x2022,
	})
	if b.Wide {
		binary.Write(&buf, binary.LittleEndian, pe.OptionalHeader64{
			Magic:                   image.Magic64,
			SizeOfInitializedData:   b.SizeOfInitializedData,
			SizeOfUninitializedData: b.SizeOfUninitializedData,
			AddressOfEntryPoint:     b.EntryPoint,
			ImageBase:               b.ImageBase,
			SectionAlignment:        b.SectionAlignment,
			FileAlignment:           b.FileAlignment,
			SizeOfImage:             sizeOfImage,
			SizeOfHeaders:           headers,
			Subsystem:               2,
			NumberOfRvaAndSizes:     image.NumDirectoryEntries,
			DataDirectory:           b.Directories,
		})
	} else {
		binary.Write(&buf, binary.LittleEndian, pe.OptionalHeader32{
			Magic:                   image.Magic32,
			SizeOfInitializedData:   b.SizeOfInitializedData,
			SizeOfUninitializedData: b.SizeOfUninitializedData,
			AddressOfEntryPoint:     b.EntryPoint,
			ImageBase:               uint32(b.ImageBase),
			SectionAlignment:        b.SectionAlignment,
			FileAlignment:           b.FileAlignment,
			SizeOfImage:             sizeOfImage,
			SizeOfHeaders:           headers,
			Subsystem:               2,
			NumberOfRvaAndSizes:     image.NumDirectoryEntries,
			DataDirectory:           b.Directories,
		})
	}
	for i := range secHdrs {
		binary.Write(&buf, binary.LittleEndian, &secHdrs[i])
	}

	out := make([]byte, raw)
	copy(out, buf.Bytes())
	for i, s := range b.Sections {
		copy(out[secHdrs[i].PointerToRawData:], s.Data)
	}
	return out
}

// Map renders file into mapped layout: headers at offset zero and every
// section at its RVA.
func Map(file []byte) ([]byte, error) {
	im, err := image.Parse(file)
	if err != nil {
		return nil, err
	}
	out := make([]byte, im.SizeOfImage())
	copy(out, file[:im.SizeOfHeaders()])
	for _, s := range im.Sections() {
		if s.SizeOfRawData == 0 {
			continue
		}
		copy(out[s.VirtualAddress:], file[s.PointerToRawData:s.PointerToRawData+s.SizeOfRawData])
	}
	return out, nil
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}
