package image

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrNoExports      = errors.New("image has no export directory")
	ErrExportNotFound = errors.New("export not found")
	ErrBadForwarder   = errors.New("malformed forwarder string")
)

const exportDirectorySize = 40

// ExportDirectory is IMAGE_EXPORT_DIRECTORY.
type ExportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// ExportTable gives access to the three parallel export arrays.
type ExportTable struct {
	ExportDirectory
	im    *Image
	Range pe.DataDirectory
}

// Export is a resolved export table slot.
type Export struct {
	Name    string
	Index   uint32
	Ordinal uint32
	RVA     uint32
	// Forwarder is set when RVA points back into the export directory, at a
	// "Module.Target" string rather than at code or data.
	Forwarder bool
}

func (im *Image) Exports() (*ExportTable, error) {
	dir := im.Directory(DirExport)
	if dir.Size == 0 || dir.VirtualAddress == 0 {
		return nil, ErrNoExports
	}
	b, err := im.Slice(dir.VirtualAddress, exportDirectorySize)
	if err != nil {
		return nil, err
	}
	t := &ExportTable{im: im, Range: dir}
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &t.ExportDirectory); err != nil {
		return nil, err
	}
	return t, nil
}

// ModuleName is the DLL name recorded in the export directory.
func (t *ExportTable) ModuleName() (string, error) {
	return t.im.CString(t.ExportDirectory.Name)
}

// NameAt returns the i-th entry of the sorted name table.
func (t *ExportTable) NameAt(i uint32) (string, error) {
	rva, err := t.im.Uint32(t.AddressOfNames + 4*i)
	if err != nil {
		return "", err
	}
	return t.im.CString(rva)
}

func (t *ExportTable) slot(index uint32) (Export, error) {
	if index >= t.NumberOfFunctions {
		return Export{}, fmt.Errorf("%w: function index %d of %d", ErrExportNotFound, index, t.NumberOfFunctions)
	}
	rva, err := t.im.Uint32(t.AddressOfFunctions + 4*index)
	if err != nil {
		return Export{}, err
	}
	return Export{
		Index:     index,
		Ordinal:   t.Base + index,
		RVA:       rva,
		Forwarder: rva >= t.Range.VirtualAddress && uint64(rva) < uint64(t.Range.VirtualAddress)+uint64(t.Range.Size),
	}, nil
}

// Find looks an export up. Names are matched by binary search, which relies
// on the name table being sorted as the format requires; an unsorted table
// gives wrong answers rather than an error.
func (t *ExportTable) Find(sel Selector) (Export, error) {
	if sel.IsOrdinal() {
		ord := uint32(sel.Ordinal())
		if ord < t.Base {
			return Export{}, fmt.Errorf("%w: ordinal %d below base %d", ErrExportNotFound, ord, t.Base)
		}
		return t.slot(ord - t.Base)
	}

	name := sel.Name()
	var readErr error
	n := int(t.NumberOfNames)
	pos := sort.Search(n, func(i int) bool {
		s, err := t.NameAt(uint32(i))
		if err != nil && readErr == nil {
			readErr = err
		}
		return s >= name
	})
	if readErr != nil {
		return Export{}, readErr
	}
	if pos == n {
		return Export{}, fmt.Errorf("%w: %q", ErrExportNotFound, name)
	}
	if s, _ := t.NameAt(uint32(pos)); s != name {
		return Export{}, fmt.Errorf("%w: %q", ErrExportNotFound, name)
	}
	index, err := t.im.Uint16(t.AddressOfNameOrdinals + 2*uint32(pos))
	if err != nil {
		return Export{}, err
	}
	e, err := t.slot(uint32(index))
	e.Name = name
	return e, err
}

// Forwarder reads the forwarder string of e.
func (t *ExportTable) Forwarder(e Export) (string, error) {
	if !e.Forwarder {
		return "", nil
	}
	return t.im.CString(e.RVA)
}

// All lists every named export in name order, followed by the exports that
// are reachable by ordinal only.
func (t *ExportTable) All() ([]Export, error) {
	named := make(map[uint32]bool, t.NumberOfNames)
	out := make([]Export, 0, t.NumberOfFunctions)
	for i := uint32(0); i < t.NumberOfNames; i++ {
		name, err := t.NameAt(i)
		if err != nil {
			return nil, err
		}
		index, err := t.im.Uint16(t.AddressOfNameOrdinals + 2*i)
		if err != nil {
			return nil, err
		}
		e, err := t.slot(uint32(index))
		if err != nil {
			return nil, err
		}
		e.Name = name
		named[e.Index] = true
		out = append(out, e)
	}
	for i := uint32(0); i < t.NumberOfFunctions; i++ {
		if named[i] {
			continue
		}
		e, err := t.slot(i)
		if err != nil {
			return nil, err
		}
		if e.RVA != 0 {
			out = append(out, e)
		}
	}
	return out, nil
}

// ParseForwarder splits "Module.Name" or "Module.#Ordinal".
func ParseForwarder(s string) (module string, sel Selector, err error) {
	dot := strings.IndexByte(s, '.')
	if dot <= 0 || dot == len(s)-1 {
		return "", Selector{}, fmt.Errorf("%w: %q", ErrBadForwarder, s)
	}
	module, target := s[:dot], s[dot+1:]
	if target[0] != '#' {
		return module, ByName(target), nil
	}
	ord, err := strconv.ParseUint(target[1:], 10, 16)
	if err != nil {
		return "", Selector{}, fmt.Errorf("%w: %q: %v", ErrBadForwarder, s, err)
	}
	return module, ByOrdinal(uint16(ord)), nil
}
