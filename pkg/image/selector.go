package image

import "strconv"

// Selector names an export either by name or by ordinal.
type Selector struct {
	name      string
	ordinal   uint16
	byOrdinal bool
}

func ByName(name string) Selector { return Selector{name: name} }

func ByOrdinal(ordinal uint16) Selector { return Selector{ordinal: ordinal, byOrdinal: true} }

func (s Selector) IsOrdinal() bool { return s.byOrdinal }

func (s Selector) Name() string { return s.name }

func (s Selector) Ordinal() uint16 { return s.ordinal }

func (s Selector) String() string {
	if s.byOrdinal {
		return "#" + strconv.Itoa(int(s.ordinal))
	}
	return s.name
}
