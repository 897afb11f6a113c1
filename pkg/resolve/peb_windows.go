package resolve

// CurrentModuleList returns the head of the load-order module list of the
// running process.
func CurrentModuleList() (*ListEntry, error) {
	peb := currentPEB()
	if peb == nil || peb.Ldr == nil {
		return nil, ErrUnsupported
	}
	return LoadOrder.Head(peb.Ldr), nil
}
