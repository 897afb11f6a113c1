package image

import (
	"encoding/binary"
	"fmt"
)

// Certificate is one WIN_CERTIFICATE entry of the attribute certificate table.
type Certificate struct {
	Revision uint16
	Type     uint16
	Data     []byte
}

const (
	CertTypePKCSSignedData = 0x0002
	winCertificateHeader   = 8
)

// Certificates returns the attribute certificate table. The security
// directory holds a file offset, not an RVA, so mapped images never carry one.
func (im *Image) Certificates() ([]Certificate, error) {
	dir := im.Directory(DirSecurity)
	if im.layout == MappedLayout || dir.Size == 0 || dir.VirtualAddress == 0 {
		return nil, nil
	}
	if !im.inBounds(dir.VirtualAddress, dir.Size) {
		return nil, fmt.Errorf("%w: certificate table", ErrTruncated)
	}
	table := im.data[dir.VirtualAddress : dir.VirtualAddress+dir.Size]

	var out []Certificate
	for len(table) >= winCertificateHeader {
		length := binary.LittleEndian.Uint32(table[0:4])
		if length < winCertificateHeader || uint64(length) > uint64(len(table)) {
			return out, fmt.Errorf("%w: certificate entry of %d bytes", ErrTruncated, length)
		}
		out = append(out, Certificate{
			Revision: binary.LittleEndian.Uint16(table[4:6]),
			Type:     binary.LittleEndian.Uint16(table[6:8]),
			Data:     table[winCertificateHeader:length],
		})
		next := (uint64(length) + 7) &^ 7
		if next >= uint64(len(table)) {
			break
		}
		table = table[next:]
	}
	return out, nil
}
