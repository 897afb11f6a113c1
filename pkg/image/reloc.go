package image

import (
	"encoding/binary"
	"fmt"

	"stab/pkg/cursor"
)

// RelocType is the 4-bit type tag of a base relocation entry.
type RelocType uint8

const (
	RelAbsolute RelocType = 0
	RelHigh     RelocType = 1
	RelLow      RelocType = 2
	RelHighLow  RelocType = 3
	RelHighAdj  RelocType = 4
	RelDir64    RelocType = 10
)

const relocBlockHeaderSize = 8

// RelocEntry is a decoded 16-bit relocation entry.
type RelocEntry struct {
	Type   RelocType
	Offset uint16
}

func DecodeReloc(v uint16) RelocEntry {
	return RelocEntry{Type: RelocType(v >> 12), Offset: v & 0x0fff}
}

// RelocBlock is one IMAGE_BASE_RELOCATION block and its entries.
type RelocBlock struct {
	VirtualAddress uint32
	SizeOfBlock    uint32
	RVA            uint32

	entries []byte
	end     bool
}

// Len is the number of 16-bit entries in the block.
func (b RelocBlock) Len() int { return len(b.entries) / 2 }

// Raw returns entry i undecoded.
func (b RelocBlock) Raw(i int) uint16 {
	return binary.LittleEndian.Uint16(b.entries[2*i:])
}

func (b RelocBlock) Entry(i int) RelocEntry { return DecodeReloc(b.Raw(i)) }

// Param returns the entry following i as a raw value. A HIGHADJ entry uses it
// as the low half of the adjusted value; it is not a relocation of its own.
func (b RelocBlock) Param(i int) (uint16, bool) {
	if i+1 >= b.Len() {
		return 0, false
	}
	return b.Raw(i + 1), true
}

// Relocations walks the base relocation chain. The chain ends at a block
// whose VirtualAddress is zero or at the end of the directory, whichever
// comes first.
func (im *Image) Relocations() *cursor.Cursor[RelocBlock] {
	dir := im.Directory(DirBaseReloc)
	if dir.Size == 0 || dir.VirtualAddress == 0 {
		return cursor.Empty[RelocBlock]()
	}
	limit := uint64(dir.VirtualAddress) + uint64(dir.Size)
	blockAt := func(rva uint64) (RelocBlock, error) {
		if rva+relocBlockHeaderSize > limit {
			return RelocBlock{end: true}, nil
		}
		return im.relocBlockAt(uint32(rva))
	}
	return cursor.New(
		func() (RelocBlock, error) { return blockAt(uint64(dir.VirtualAddress)) },
		func(b RelocBlock) (RelocBlock, error) { return blockAt(uint64(b.RVA) + uint64(b.SizeOfBlock)) },
		func(b RelocBlock) bool { return b.end || b.VirtualAddress == 0 },
	)
}

func (im *Image) relocBlockAt(rva uint32) (RelocBlock, error) {
	hdr, err := im.Slice(rva, relocBlockHeaderSize)
	if err != nil {
		return RelocBlock{}, err
	}
	b := RelocBlock{
		VirtualAddress: binary.LittleEndian.Uint32(hdr[0:4]),
		SizeOfBlock:    binary.LittleEndian.Uint32(hdr[4:8]),
		RVA:            rva,
	}
	if b.VirtualAddress == 0 {
		return b, nil
	}
	if b.SizeOfBlock < relocBlockHeaderSize {
		return RelocBlock{}, fmt.Errorf("%w: relocation block at %#x declares %d bytes", ErrTruncated, rva, b.SizeOfBlock)
	}
	n := (b.SizeOfBlock - relocBlockHeaderSize) &^ 1
	if b.entries, err = im.Slice(rva+relocBlockHeaderSize, n); err != nil {
		return RelocBlock{}, err
	}
	return b, nil
}
