package virtgpu

import "fmt"

// CapsetInfo describes one registered capability set.
type CapsetInfo struct {
	ID      CapsetID
	Version uint32
	Size    uint32
}

// Capset is a versioned capability descriptor registered at broker
// initialization. Data is opaque to the broker and backend-defined.
type Capset struct {
	ID      CapsetID
	Version uint32
	Data    []byte
}

// capsetRegistry is the immutable capability-set table. It is populated
// once when the broker is built and never mutated after, so lookups need
// no locking.
type capsetRegistry struct {
	sets []Capset
}

// newCapsetRegistry copies the given sets into a registry. Later entries
// with the same (id, version) shadow earlier ones, letting options override
// what the backend advertises.
func newCapsetRegistry(sets []Capset) *capsetRegistry {
	r := &capsetRegistry{}
	for _, s := range sets {
		data := make([]byte, len(s.Data))
		copy(data, s.Data)
		entry := Capset{ID: s.ID, Version: s.Version, Data: data}
		if i, ok := r.index(s.ID, s.Version); ok {
			r.sets[i] = entry
			continue
		}
		r.sets = append(r.sets, entry)
	}
	return r
}

// List returns the registered sets in registration order.
func (r *capsetRegistry) List() []CapsetInfo {
	infos := make([]CapsetInfo, 0, len(r.sets))
	for _, s := range r.sets {
		infos = append(infos, CapsetInfo{ID: s.ID, Version: s.Version, Size: uint32(len(s.Data))})
	}
	return infos
}

// Lookup returns the descriptor bytes for (id, version).
func (r *capsetRegistry) Lookup(id CapsetID, version uint32) ([]byte, error) {
	if i, ok := r.index(id, version); ok {
		return r.sets[i].Data, nil
	}
	return nil, fmt.Errorf("%w: capset (%d, %d)", ErrUnsupportedCapset, id, version)
}

// Supports reports whether (id, version) is registered.
func (r *capsetRegistry) Supports(id CapsetID, version uint32) bool {
	_, ok := r.index(id, version)
	return ok
}

func (r *capsetRegistry) index(id CapsetID, version uint32) (int, bool) {
	for i, s := range r.sets {
		if s.ID == id && s.Version == version {
			return i, true
		}
	}
	return 0, false
}
