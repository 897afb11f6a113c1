package image

import (
	"fmt"
	"runtime"
)

// Machine is the COFF file header machine tag.
type Machine uint16

const (
	MachineUnknown Machine = 0
	MachineI386    Machine = 0x014c
	MachineARMNT   Machine = 0x01c4
	MachineIA64    Machine = 0x0200
	MachineAMD64   Machine = 0x8664
	MachineARM64   Machine = 0xaa64
)

func (m Machine) String() string {
	switch m {
	case MachineI386:
		return "i386"
	case MachineARMNT:
		return "armnt"
	case MachineIA64:
		return "ia64"
	case MachineAMD64:
		return "amd64"
	case MachineARM64:
		return "arm64"
	}
	return fmt.Sprintf("machine(%#04x)", uint16(m))
}

// HostMachine is the machine tag matching the running program.
func HostMachine() Machine {
	switch runtime.GOARCH {
	case "386":
		return MachineI386
	case "amd64":
		return MachineAMD64
	case "arm":
		return MachineARMNT
	case "arm64":
		return MachineARM64
	}
	return MachineUnknown
}

// DirectoryEntry indexes the optional header data directory.
type DirectoryEntry int

const (
	DirExport DirectoryEntry = iota
	DirImport
	DirResource
	DirException
	DirSecurity
	DirBaseReloc
	DirDebug
	DirArchitecture
	DirGlobalPtr
	DirTLS
	DirLoadConfig
	DirBoundImport
	DirIAT
	DirDelayImport
	DirCOMDescriptor
	DirReserved
)

var directoryNames = [NumDirectoryEntries]string{
	"export", "import", "resource", "exception", "security", "basereloc",
	"debug", "architecture", "globalptr", "tls", "load_config",
	"bound_import", "iat", "delay_import", "com_descriptor", "reserved",
}

func (d DirectoryEntry) String() string {
	if d < 0 || d >= NumDirectoryEntries {
		return fmt.Sprintf("directory(%d)", int(d))
	}
	return directoryNames[d]
}
