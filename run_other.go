//go:build !windows

package main

import "stab/pkg/winapi"

func invoke(addr uintptr, arg string) error {
	return winapi.ErrUnsupported
}
