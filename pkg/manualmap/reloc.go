package manualmap

import (
	"encoding/binary"
	"fmt"

	"stab/pkg/image"
)

// relocate adds delta to every location named by the base relocation chain
// of the mapped image im. It returns the number of entries dispatched; the
// parameter entry following a HIGHADJ is consumed by it and not counted.
func relocate(im *image.Image, delta uint64) (int, error) {
	mem := im.Bytes()
	blocks := im.Relocations()
	dispatched := 0
	for blocks.Next() {
		b := blocks.Value()
		param := false
		for i := 0; i < b.Len(); i++ {
			if param {
				param = false
				continue
			}
			e := b.Entry(i)
			dispatched++

			width := relocWidth(e.Type)
			if width == 0 {
				continue
			}
			at := uint64(b.VirtualAddress) + uint64(e.Offset)
			if at+width > uint64(len(mem)) {
				return dispatched, fmt.Errorf("%w: relocation at %#x", image.ErrTruncated, at)
			}
			p := mem[at : at+width]

			switch e.Type {
			case image.RelHigh:
				binary.LittleEndian.PutUint16(p, binary.LittleEndian.Uint16(p)+uint16(uint32(delta)>>16))
			case image.RelLow:
				binary.LittleEndian.PutUint16(p, binary.LittleEndian.Uint16(p)+uint16(delta))
			case image.RelHighLow:
				binary.LittleEndian.PutUint32(p, binary.LittleEndian.Uint32(p)+uint32(delta))
			case image.RelHighAdj:
				low, _ := b.Param(i)
				adj := uint32(delta) + uint32(low) + 0x8000
				binary.LittleEndian.PutUint16(p, binary.LittleEndian.Uint16(p)+uint16(adj>>16))
				param = true
			case image.RelDir64:
				binary.LittleEndian.PutUint64(p, binary.LittleEndian.Uint64(p)+delta)
			}
		}
	}
	return dispatched, blocks.Err()
}

// relocWidth is the size of the patched field, zero for entries that patch
// nothing.
func relocWidth(t image.RelocType) uint64 {
	switch t {
	case image.RelHigh, image.RelLow, image.RelHighAdj:
		return 2
	case image.RelHighLow:
		return 4
	case image.RelDir64:
		return 8
	}
	return 0
}
