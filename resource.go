package virtgpu

import (
	"fmt"
	"math"

	"github.com/gogpu/virtgpu/backend"
)

// BackingKind is the memory state of a resource.
type BackingKind int

const (
	// BackingNone means the resource was created but has no memory yet.
	BackingNone BackingKind = iota

	// BackingGuest means the resource is backed by a guest scatter list.
	BackingGuest

	// BackingHost means the resource is backed by a broker-owned host
	// memory region that guest transfers copy into and out of.
	BackingHost

	// BackingOpaque means the memory lives entirely inside the backend and
	// is reachable only through backend calls.
	BackingOpaque
)

// String returns the backing kind name.
func (k BackingKind) String() string {
	switch k {
	case BackingNone:
		return "unbacked"
	case BackingGuest:
		return "guest"
	case BackingHost:
		return "host"
	case BackingOpaque:
		return "opaque"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Resource is one tracked GPU resource. All fields are guarded by the
// broker mutex; callers outside the package only see copies via accessors.
type Resource struct {
	id     ResourceID
	size   uint64
	format Format
	usage  Usage
	width  uint32
	height uint32
	depth  uint32

	backing BackingKind
	iovs    []Iovec // BackingGuest
	hostMem []byte  // BackingHost
	handle  backend.Handle

	// generation counts backing attach/detach cycles. Export handles and
	// mappings are cached per generation.
	generation uint32

	export    *ExportHandle
	exportGen uint32

	mapping []byte
	mapGen  uint32

	// bindCount is the number of contexts currently binding this resource.
	// Destroy is rejected while it is non-zero.
	bindCount int

	info3D *Resource3DInfo
}

// ID returns the resource id.
func (r *Resource) ID() ResourceID { return r.id }

// Size returns the declared size in bytes.
func (r *Resource) Size() uint64 { return r.size }

// Format returns the format tag.
func (r *Resource) Format() Format { return r.format }

// Backing returns the current backing kind.
func (r *Resource) Backing() BackingKind { return r.backing }

// rowPitch returns the byte pitch of one row of the resource.
func (r *Resource) rowPitch() uint64 {
	if r.width == 0 {
		return r.size
	}
	return uint64(r.width) * uint64(r.format.BytesPerPixel())
}

// resourceTable owns every live resource, keyed by a monotonically
// increasing id. Exhausting the 32-bit id space is a fatal configuration
// error, never a silent reuse.
type resourceTable struct {
	next    uint32
	entries map[ResourceID]*Resource
}

func newResourceTable() *resourceTable {
	return &resourceTable{
		next:    0,
		entries: make(map[ResourceID]*Resource),
	}
}

// create allocates a fresh, never-before-live id.
func (t *resourceTable) create(size uint64, format Format, usage Usage) *Resource {
	if t.next == math.MaxUint32 {
		// Broker state can no longer be trusted once ids wrap.
		panic("virtgpu: resource id space exhausted")
	}
	t.next++
	res := &Resource{
		id:     ResourceID(t.next),
		size:   size,
		format: format,
		usage:  usage,
	}
	t.entries[res.id] = res
	return res
}

// get returns the live resource for id.
func (t *resourceTable) get(id ResourceID) (*Resource, error) {
	res, ok := t.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidResourceID, id)
	}
	return res, nil
}

// attachGuest attaches a guest scatter list. The resource must be unbacked.
func (t *resourceTable) attachGuest(id ResourceID, iovs []Iovec) error {
	res, err := t.get(id)
	if err != nil {
		return err
	}
	if res.backing != BackingNone {
		return fmt.Errorf("%w: resource %d already has %s backing", ErrInvalidState, id, res.backing)
	}
	var total uint64
	for _, iov := range iovs {
		total += uint64(len(iov.Base))
	}
	if total < res.size {
		return fmt.Errorf("%w: scatter list covers %d of %d bytes", ErrInvalidState, total, res.size)
	}
	res.iovs = iovs
	res.backing = BackingGuest
	res.generation++
	return nil
}

// attachHost allocates a broker-owned host region for the resource.
func (t *resourceTable) attachHost(id ResourceID) error {
	res, err := t.get(id)
	if err != nil {
		return err
	}
	if res.backing != BackingNone {
		return fmt.Errorf("%w: resource %d already has %s backing", ErrInvalidState, id, res.backing)
	}
	res.hostMem = make([]byte, res.size)
	res.backing = BackingHost
	res.generation++
	return nil
}

// attachOpaque records a backend allocation as the resource's backing.
// Called internally during 3D and host-blob creation.
func (t *resourceTable) attachOpaque(id ResourceID, h backend.Handle) error {
	res, err := t.get(id)
	if err != nil {
		return err
	}
	if res.backing != BackingNone {
		return fmt.Errorf("%w: resource %d already has %s backing", ErrInvalidState, id, res.backing)
	}
	res.handle = h
	res.backing = BackingOpaque
	res.generation++
	return nil
}

// detach reverts the resource to unbacked. The caller releases any backend
// allocation; detach only drops the broker-side references.
func (t *resourceTable) detach(id ResourceID) error {
	res, err := t.get(id)
	if err != nil {
		return err
	}
	if res.backing == BackingNone {
		return fmt.Errorf("%w: resource %d is unbacked", ErrInvalidState, id)
	}
	res.iovs = nil
	res.hostMem = nil
	if res.backing == BackingOpaque {
		// Image resources keep their backend shadow allocation across
		// backing cycles; opaque backings are the allocation.
		res.handle = nil
	}
	res.backing = BackingNone
	res.mapping = nil
	res.generation++
	return nil
}

// destroy removes a live resource. Rejected while any context still binds
// the id; the caller must detach-resource first.
func (t *resourceTable) destroy(id ResourceID) (*Resource, error) {
	res, err := t.get(id)
	if err != nil {
		return nil, err
	}
	if res.bindCount > 0 {
		return nil, fmt.Errorf("%w: resource %d still bound to %d context(s)", ErrInvalidState, id, res.bindCount)
	}
	delete(t.entries, id)
	return res, nil
}

// len returns the number of live resources.
func (t *resourceTable) len() int { return len(t.entries) }

// each visits all live resources.
func (t *resourceTable) each(fn func(*Resource)) {
	for _, res := range t.entries {
		fn(res)
	}
}
