package manualmap

import (
	"go.uber.org/zap"

	"stab/pkg/image"
)

// link fills the import address tables of the mapped image im. A dependency
// that cannot be loaded is skipped and its slots keep their file contents; a
// symbol that cannot be resolved gets a zero slot. Only malformed tables are
// errors.
func (m *Module) link(im *image.Image) error {
	log := Logger()
	descs := im.Imports()
	for descs.Next() {
		d := descs.Value()
		name, err := im.DLLName(d)
		if err != nil {
			return err
		}
		h, err := m.api.LoadLibraryA(name)
		if err != nil {
			log.Warn("dependency not loaded, imports left unresolved", zap.String("dependency", name), zap.Error(err))
			continue
		}
		m.deps = append(m.deps, name)

		slot := d.FirstThunk
		thunks := im.Thunks(d.LookupTable())
		for thunks.Next() {
			sel, err := im.ThunkSelector(thunks.Value())
			if err != nil {
				return err
			}
			addr, err := m.api.GetProcAddress(h, sel)
			if err != nil {
				log.Warn("unresolved import", zap.String("dependency", name), zap.Stringer("symbol", sel), zap.Error(err))
				addr = 0
			}
			if err := im.PutThunk(slot, uint64(addr)); err != nil {
				return err
			}
			slot += im.PointerSize()
		}
		if err := thunks.Err(); err != nil {
			return err
		}
	}
	return descs.Err()
}
