package image

import (
	"bytes"
	"debug/pe"
)

// Section characteristics.
const (
	ScnCntCode              = 0x00000020
	ScnCntInitializedData   = 0x00000040
	ScnCntUninitializedData = 0x00000080
	ScnAlignMask            = 0x00F00000
	ScnMemDiscardable       = 0x02000000
	ScnMemNotCached         = 0x04000000
	ScnMemNotPaged          = 0x08000000
	ScnMemShared            = 0x10000000
	ScnMemExecute           = 0x20000000
	ScnMemRead              = 0x40000000
	ScnMemWrite             = 0x80000000
)

// Section is one entry of the section table.
type Section struct {
	pe.SectionHeader32
}

func (s Section) String() string {
	name := s.Name[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name)
}

func (s Section) Readable() bool    { return s.Characteristics&ScnMemRead != 0 }
func (s Section) Writable() bool    { return s.Characteristics&ScnMemWrite != 0 }
func (s Section) Executable() bool  { return s.Characteristics&ScnMemExecute != 0 }
func (s Section) Discardable() bool { return s.Characteristics&ScnMemDiscardable != 0 }
func (s Section) NotCached() bool   { return s.Characteristics&ScnMemNotCached != 0 }

// Alignment decodes the IMAGE_SCN_ALIGN_* class into bytes. It is only
// meaningful for object files and reads zero when unset.
func (s Section) Alignment() uint32 {
	class := (s.Characteristics & ScnAlignMask) >> 20
	if class == 0 || class > 14 {
		return 0
	}
	return 1 << (class - 1)
}
