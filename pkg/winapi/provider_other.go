//go:build !windows

package winapi

import "stab/pkg/resolve"

func NewStatic() (Provider, error) {
	return nil, ErrUnsupported
}

func NewBootstrapped(r *resolve.Resolver) (Provider, error) {
	return nil, ErrUnsupported
}
