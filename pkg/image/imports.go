package image

import (
	"encoding/binary"

	"stab/pkg/cursor"
)

const ordinalFlag32 = 0x80000000
const ordinalFlag64 = 0x8000000000000000

// ImportDescriptor is one IMAGE_IMPORT_DESCRIPTOR.
type ImportDescriptor struct {
	OriginalFirstThunk uint32
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32
	FirstThunk         uint32

	// RVA of the descriptor itself.
	RVA uint32
}

// IsZero reports whether d is the terminating all-zero descriptor.
func (d ImportDescriptor) IsZero() bool {
	return d.OriginalFirstThunk == 0 && d.TimeDateStamp == 0 &&
		d.ForwarderChain == 0 && d.Name == 0 && d.FirstThunk == 0
}

// LookupTable is the RVA of the thunks to read names and ordinals from.
// Images without a hint table only carry FirstThunk.
func (d ImportDescriptor) LookupTable() uint32 {
	if d.OriginalFirstThunk != 0 {
		return d.OriginalFirstThunk
	}
	return d.FirstThunk
}

func (im *Image) importAt(rva uint32) (ImportDescriptor, error) {
	b, err := im.Slice(rva, importDescriptorSize)
	if err != nil {
		return ImportDescriptor{}, err
	}
	return ImportDescriptor{
		OriginalFirstThunk: binary.LittleEndian.Uint32(b[0:4]),
		TimeDateStamp:      binary.LittleEndian.Uint32(b[4:8]),
		ForwarderChain:     binary.LittleEndian.Uint32(b[8:12]),
		Name:               binary.LittleEndian.Uint32(b[12:16]),
		FirstThunk:         binary.LittleEndian.Uint32(b[16:20]),
		RVA:                rva,
	}, nil
}

// Imports walks the import descriptors up to the all-zero sentinel.
func (im *Image) Imports() *cursor.Cursor[ImportDescriptor] {
	dir := im.Directory(DirImport)
	if dir.Size == 0 || dir.VirtualAddress == 0 {
		return cursor.Empty[ImportDescriptor]()
	}
	return cursor.New(
		func() (ImportDescriptor, error) { return im.importAt(dir.VirtualAddress) },
		func(d ImportDescriptor) (ImportDescriptor, error) { return im.importAt(d.RVA + importDescriptorSize) },
		ImportDescriptor.IsZero,
	)
}

// DLLName returns the name of the module d imports from.
func (im *Image) DLLName(d ImportDescriptor) (string, error) {
	return im.CString(d.Name)
}

// Thunk is one slot of an import lookup or address table.
type Thunk struct {
	Value uint64
	RVA   uint32
	wide  bool
}

// IsOrdinal reports whether the top bit marks an import by ordinal.
func (t Thunk) IsOrdinal() bool {
	if t.wide {
		return t.Value&ordinalFlag64 != 0
	}
	return t.Value&ordinalFlag32 != 0
}

func (t Thunk) Ordinal() uint16 { return uint16(t.Value) }

// NameRVA points at the hint/name record. Only 31 bits are used for both
// widths.
func (t Thunk) NameRVA() uint32 { return uint32(t.Value) & 0x7fffffff }

func (im *Image) thunkAt(rva uint32) (Thunk, error) {
	t := Thunk{RVA: rva, wide: im.Is64()}
	var err error
	if t.wide {
		t.Value, err = im.Uint64(rva)
	} else {
		var v uint32
		v, err = im.Uint32(rva)
		t.Value = uint64(v)
	}
	return t, err
}

// Thunks walks a thunk array starting at rva up to the zero thunk.
func (im *Image) Thunks(rva uint32) *cursor.Cursor[Thunk] {
	if rva == 0 {
		return cursor.Empty[Thunk]()
	}
	size := im.PointerSize()
	return cursor.New(
		func() (Thunk, error) { return im.thunkAt(rva) },
		func(t Thunk) (Thunk, error) { return im.thunkAt(t.RVA + size) },
		func(t Thunk) bool { return t.Value == 0 },
	)
}

// ImportName reads the hint/name record at rva.
func (im *Image) ImportName(rva uint32) (hint uint16, name string, err error) {
	if hint, err = im.Uint16(rva); err != nil {
		return 0, "", err
	}
	name, err = im.CString(rva + 2)
	return hint, name, err
}

// ThunkSelector turns a lookup thunk into the export it asks for.
func (im *Image) ThunkSelector(t Thunk) (Selector, error) {
	if t.IsOrdinal() {
		return ByOrdinal(t.Ordinal()), nil
	}
	_, name, err := im.ImportName(t.NameRVA())
	if err != nil {
		return Selector{}, err
	}
	return ByName(name), nil
}

// PutThunk overwrites the slot at rva with v, using the image's thunk width.
func (im *Image) PutThunk(rva uint32, v uint64) error {
	b, err := im.Slice(rva, im.PointerSize())
	if err != nil {
		return err
	}
	if im.Is64() {
		binary.LittleEndian.PutUint64(b, v)
	} else {
		binary.LittleEndian.PutUint32(b, uint32(v))
	}
	return nil
}
