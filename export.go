package virtgpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/gogpu/virtgpu/backend"
)

// ExportHandle is a cross-process shareable reference to a resource's
// backing memory. A handle is exclusively owned: the resource it was
// derived from (or, after Import, the resource that adopted it) is
// responsible for closing it exactly once.
type ExportHandle struct {
	id  uuid.UUID
	typ HandleType

	// mem is the host-visible view for shm-style handles, nil for opaque
	// ones.
	mem []byte

	// share is the backend handle for backend-owned memory, nil when the
	// region is broker-owned.
	share backend.ShareHandle

	info3D *Resource3DInfo

	mu     sync.Mutex
	closed bool
}

// ID returns the unique handle identity.
func (h *ExportHandle) ID() uuid.UUID { return h.id }

// Type returns the OS handle flavor.
func (h *ExportHandle) Type() HandleType { return h.typ }

// Bytes returns the shared region for host-visible handles, nil otherwise.
func (h *ExportHandle) Bytes() []byte { return h.mem }

// Info3D returns scanout metadata for exported images, or nil for buffers.
func (h *ExportHandle) Info3D() *Resource3DInfo { return h.info3D }

// Close releases the handle. Closing an already-closed handle is an error:
// masking a double free here would hide guest driver bugs.
func (h *ExportHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("%w: export handle already closed", ErrInvalidState)
	}
	h.closed = true
	if h.share != nil {
		if err := h.share.Close(); err != nil {
			return backendErr("export handle close", err)
		}
	}
	return nil
}

func (h *ExportHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// export implements the broker Export operation. Caller holds the broker
// mutex.
func (b *Broker) export(res *Resource) (*ExportHandle, error) {
	// Re-export within one backing generation returns the cached handle
	// rather than creating a duplicate live reference.
	if res.export != nil && res.exportGen == res.generation && !res.export.isClosed() {
		return res.export, nil
	}

	var h *ExportHandle
	switch res.backing {
	case BackingNone:
		return nil, fmt.Errorf("%w: export of unbacked resource %d", ErrInvalidState, res.id)
	case BackingGuest:
		// A plain scatter list has no host-side allocation to share.
		return nil, fmt.Errorf("%w: guest scatter-list backing is not shareable", ErrUnsupported)
	case BackingHost:
		h = &ExportHandle{
			id:  uuid.New(),
			typ: HandleTypeShm,
			mem: res.hostMem,
		}
	case BackingOpaque:
		sh, err := b.be.ExportHandle(res.handle)
		if err != nil {
			if errors.Is(err, backend.ErrUnsupported) {
				return nil, fmt.Errorf("%w: backend cannot share this allocation", ErrUnsupported)
			}
			return nil, fmt.Errorf("%w: %v", ErrExportFailed, err)
		}
		h = &ExportHandle{
			id:    uuid.New(),
			typ:   HandleType(sh.Type()),
			mem:   sh.Bytes(),
			share: sh,
		}
	}

	if res.width > 0 {
		h.info3D = &Resource3DInfo{
			Width:   res.width,
			Height:  res.height,
			Strides: [4]uint32{uint32(res.rowPitch())},
		}
	}

	res.export = h
	res.exportGen = res.generation
	return h, nil
}

// importHandle implements the broker Import operation. Caller holds the
// broker mutex. Ownership of the handle transfers to the new resource.
func (b *Broker) importHandle(h *ExportHandle, size uint64, format Format) (ResourceID, error) {
	if h == nil || h.isClosed() {
		return 0, fmt.Errorf("%w: import of closed handle", ErrInvalidState)
	}

	var sh backend.ShareHandle
	if h.share != nil {
		sh = h.share
	} else {
		sh = &importedRegion{mem: h.mem}
	}
	bh, err := b.be.ImportHandle(sh, size)
	if err != nil {
		if errors.Is(err, backend.ErrUnsupported) {
			return 0, fmt.Errorf("%w: backend cannot import this handle", ErrUnsupported)
		}
		return 0, backendErr("import", err)
	}

	// Ownership moves exclusively to the importer: the exporting resource
	// drops its cached claim so only one owner ever closes the handle.
	b.resources.each(func(r *Resource) {
		if r.export == h {
			r.export = nil
		}
	})

	res := b.resources.create(size, format, UsageBlob)
	if err := b.resources.attachOpaque(res.id, bh); err != nil {
		// Freshly created and unbacked; attach cannot fail.
		return 0, err
	}
	res.export = h
	res.exportGen = res.generation
	return res.id, nil
}

// importedRegion adapts a broker-owned host region into the backend's
// ShareHandle shape for import.
type importedRegion struct {
	mem    []byte
	mu     sync.Mutex
	closed bool
}

func (r *importedRegion) Type() uint32 { return uint32(HandleTypeShm) }

func (r *importedRegion) Bytes() []byte { return r.mem }

func (r *importedRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return backend.ErrInvalidHandle
	}
	r.closed = true
	return nil
}

// mapResource implements the broker Map operation: a scoped acquisition
// yielding a host view valid until Unmap or resource destruction. Caller
// holds the broker mutex.
func (b *Broker) mapResource(res *Resource) ([]byte, error) {
	// Map is idempotent while the backing is unchanged.
	if res.mapping != nil && res.mapGen == res.generation {
		return res.mapping, nil
	}
	res.mapping = nil

	switch res.backing {
	case BackingHost:
		res.mapping = res.hostMem
	case BackingOpaque:
		m, err := b.be.Map(res.handle)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMappingFailed, err)
		}
		res.mapping = m
	case BackingGuest:
		return nil, fmt.Errorf("%w: scatter-list backing has no contiguous host view", ErrMappingFailed)
	default:
		return nil, fmt.Errorf("%w: map of unbacked resource %d", ErrInvalidState, res.id)
	}
	res.mapGen = res.generation
	return res.mapping, nil
}

// unmapResource releases the mapping. Caller holds the broker mutex.
func (b *Broker) unmapResource(res *Resource) error {
	if res.mapping == nil || res.mapGen != res.generation {
		return fmt.Errorf("%w: resource %d is not mapped", ErrInvalidState, res.id)
	}
	if res.backing == BackingOpaque {
		if err := b.be.Unmap(res.handle); err != nil {
			return backendErr("unmap", err)
		}
	}
	res.mapping = nil
	return nil
}

// releaseResource drops every scoped acquisition a resource holds: active
// mapping, export handle, backend allocation. Called on destroy and on
// broker shutdown, so a guest that forgot to unmap cannot leak.
func (b *Broker) releaseResource(res *Resource) {
	if res.mapping != nil && res.backing == BackingOpaque {
		if err := b.be.Unmap(res.handle); err != nil {
			Logger().Warn("unmap during release failed", "resource", uint32(res.id), "err", err)
		}
	}
	res.mapping = nil

	if res.export != nil && !res.export.isClosed() {
		if err := res.export.Close(); err != nil {
			Logger().Warn("export close during release failed", "resource", uint32(res.id), "err", err)
		}
	}
	res.export = nil

	if res.handle != nil {
		b.be.Destroy(res.handle)
		res.handle = nil
	}
	res.iovs = nil
	res.hostMem = nil
	res.backing = BackingNone
}
