//go:build !windows

package resolve

func CurrentModuleList() (*ListEntry, error) {
	return nil, ErrUnsupported
}
