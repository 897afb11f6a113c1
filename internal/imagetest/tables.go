package imagetest

import (
	"encoding/binary"

	"github.com/edsrzf/mmap-go"

	"stab/pkg/image"
)

// Import is one dependency of an import directory.
type Import struct {
	DLL     string
	Symbols []image.Selector
}

// Imports lays out an import directory meant to sit at rva. Address tables
// are left zeroed. It returns the section contents, the size of the
// descriptor array and the RVA of each dependency's address table.
func Imports(rva uint32, wide bool, imports []Import) (data []byte, dirSize uint32, iat []uint32) {
	ptr := 4
	flag := uint64(0x80000000)
	if wide {
		ptr = 8
		flag = 0x8000000000000000
	}

	descSize := (len(imports) + 1) * 20
	buf := make([]byte, descSize)
	iat = make([]uint32, len(imports))
	for i, imp := range imports {
		n := len(imp.Symbols) + 1
		ilt := len(buf)
		buf = append(buf, make([]byte, n*ptr)...)
		addr := len(buf)
		buf = append(buf, make([]byte, n*ptr)...)
		name := len(buf)
		buf = append(buf, imp.DLL...)
		buf = append(buf, 0)

		for j, sym := range imp.Symbols {
			var v uint64
			if sym.IsOrdinal() {
				v = flag | uint64(sym.Ordinal())
			} else {
				if len(buf)%2 == 1 {
					buf = append(buf, 0)
				}
				v = uint64(rva) + uint64(len(buf))
				buf = append(buf, 0, 0)
				buf = append(buf, sym.Name()...)
				buf = append(buf, 0)
			}
			putWord(buf[ilt+j*ptr:], v, wide)
		}

		desc := buf[i*20:]
		binary.LittleEndian.PutUint32(desc[0:], rva+uint32(ilt))
		binary.LittleEndian.PutUint32(desc[12:], rva+uint32(name))
		binary.LittleEndian.PutUint32(desc[16:], rva+uint32(addr))
		iat[i] = rva + uint32(addr)
	}
	return buf, uint32(descSize), iat
}

// ExportSpec describes an export directory field by field so tests can
// control ordering exactly.
type ExportSpec struct {
	DLL       string
	Base      uint32
	Functions []uint32
	// Forwarders replaces the function RVA at an index with a forwarder
	// string stored inside the directory.
	Forwarders map[int]string
	Names      []string
	NameIndex  []uint16
}

// Exports lays out an export directory meant to sit at rva. The whole result
// is the directory range.
func Exports(rva uint32, spec ExportSpec) []byte {
	const dirSize = 40
	nf, nn := len(spec.Functions), len(spec.Names)
	funcs := dirSize
	names := funcs + 4*nf
	ords := names + 4*nn
	buf := make([]byte, ords+2*nn)

	dllName := len(buf)
	buf = append(buf, spec.DLL...)
	buf = append(buf, 0)

	d := buf[:dirSize]
	binary.LittleEndian.PutUint32(d[12:], rva+uint32(dllName))
	binary.LittleEndian.PutUint32(d[16:], spec.Base)
	binary.LittleEndian.PutUint32(d[20:], uint32(nf))
	binary.LittleEndian.PutUint32(d[24:], uint32(nn))
	binary.LittleEndian.PutUint32(d[28:], rva+uint32(funcs))
	binary.LittleEndian.PutUint32(d[32:], rva+uint32(names))
	binary.LittleEndian.PutUint32(d[36:], rva+uint32(ords))

	for i, name := range spec.Names {
		off := len(buf)
		buf = append(buf, name...)
		buf = append(buf, 0)
		binary.LittleEndian.PutUint32(buf[names+4*i:], rva+uint32(off))
		binary.LittleEndian.PutUint16(buf[ords+2*i:], spec.NameIndex[i])
	}
	for i, fn := range spec.Functions {
		if fwd, ok := spec.Forwarders[i]; ok {
			off := len(buf)
			buf = append(buf, fwd...)
			buf = append(buf, 0)
			fn = rva + uint32(off)
		}
		binary.LittleEndian.PutUint32(buf[funcs+4*i:], fn)
	}
	return buf
}

// RelocBlock is one page worth of relocation entries.
type RelocBlock struct {
	Page    uint32
	Entries []uint16
}

func RelocEntry(t image.RelocType, offset uint16) uint16 {
	return uint16(t)<<12 | offset&0x0fff
}

// Relocs renders a relocation chain without a terminating block.
func Relocs(blocks []RelocBlock) []byte {
	var buf []byte
	for _, b := range blocks {
		size := 8 + 2*len(b.Entries)
		hdr := make([]byte, 8, size)
		binary.LittleEndian.PutUint32(hdr[0:], b.Page)
		binary.LittleEndian.PutUint32(hdr[4:], uint32(size))
		for _, e := range b.Entries {
			hdr = binary.LittleEndian.AppendUint16(hdr, e)
		}
		buf = append(buf, hdr...)
	}
	return buf
}

func putWord(b []byte, v uint64, wide bool) {
	if wide {
		binary.LittleEndian.PutUint64(b, v)
		return
	}
	binary.LittleEndian.PutUint32(b, uint32(v))
}

// Anonymous maps size bytes of zeroed read-write memory outside the Go heap,
// so its address can be handed around as a uintptr.
func Anonymous(size int) (mmap.MMap, error) {
	return mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
}
