//go:build !windows

package manualmap

import "stab/pkg/winapi"

func callEntry(entry, base uintptr, reason uint32) (bool, error) {
	return false, winapi.ErrUnsupported
}
