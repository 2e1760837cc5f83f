package virtgpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/virtgpu/backend"
)

// Broker owns the authoritative state of every GPU resource and rendering
// context and routes protocol operations to the selected backend variant.
//
// Mutating entry points execute under one broker-wide mutex: at most one
// proceeds at a time, so id allocation, backing state and binding sets
// never race. Fence completion arrives through the tracker's own lock and
// never contends with resource operations.
type Broker struct {
	mu sync.Mutex

	be        backend.Backend
	resources *resourceTable
	contexts  *contextTable
	capsets   *capsetRegistry
	fences    *fenceTracker
	transfers *transferEngine

	suspended bool
	closed    bool
}

// New creates a broker over the configured backend. Without options the
// best available registered backend is selected, falling back to software.
func New(opts ...Option) (*Broker, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	be := o.be
	if be == nil && o.backendName != "" {
		be = backend.Get(o.backendName)
		if be == nil {
			return nil, fmt.Errorf("%w: backend %q not registered", ErrUnsupported, o.backendName)
		}
	}
	if be == nil {
		be = backend.Default()
	}
	if be == nil {
		return nil, fmt.Errorf("%w: no backend available", ErrUnsupported)
	}

	b := &Broker{
		be:        be,
		resources: newResourceTable(),
		contexts:  newContextTable(),
		fences:    newFenceTracker(),
	}
	b.transfers = &transferEngine{be: be}

	propagateLogger(be, Logger())
	be.SetFenceHandler(b.fences.handler())
	if err := be.Init(); err != nil {
		return nil, b.normalize("init", err)
	}

	var sets []Capset
	for _, cs := range be.Capsets() {
		sets = append(sets, Capset{ID: CapsetID(cs.ID), Version: cs.Version, Data: cs.Data})
	}
	sets = append(sets, o.capsets...)
	b.capsets = newCapsetRegistry(sets)

	Logger().Info("virtgpu broker initialized", slog.String("backend", be.Name()))
	return b, nil
}

// Backend returns the active backend. Intended for display integration
// (scanout access) and tests.
func (b *Broker) Backend() backend.Backend { return b.be }

// ---------------------------------------------------------------------------
// Resource operations

// CreateResource2D creates a 2D image resource. The resource starts
// unbacked; attach a guest scatter list or a host region before
// transferring. A backend shadow allocation is created alongside so the
// resource can be flushed to the scanout.
func (b *Broker) CreateResource2D(spec ResourceCreate2D) (ResourceID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return 0, err
	}
	if spec.Width == 0 || spec.Height == 0 {
		return 0, fmt.Errorf("%w: zero 2D dimensions", ErrInvalidState)
	}

	size := uint64(spec.Width) * uint64(spec.Height) * uint64(spec.Format.BytesPerPixel())
	h, err := b.be.CreateResource(backend.ResourceSpec{
		Width:  spec.Width,
		Height: spec.Height,
		Depth:  1,
		Format: uint32(spec.Format),
		Bind:   uint32(UsageScanout | UsageSampling),
		Size:   size,
	})
	if err != nil {
		return 0, b.normalize("create-2d", err)
	}

	res := b.resources.create(size, spec.Format, UsageScanout|UsageSampling)
	res.width = spec.Width
	res.height = spec.Height
	res.depth = 1
	res.handle = h
	return res.id, nil
}

// CreateResource3D creates a 3D resource. Its memory lives inside the
// backend, so the backing is attached as backend-opaque during creation.
func (b *Broker) CreateResource3D(spec ResourceCreate3D) (ResourceID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return 0, err
	}
	if spec.Width == 0 || spec.Height == 0 {
		return 0, fmt.Errorf("%w: zero 3D dimensions", ErrInvalidState)
	}

	depth := maxU32(spec.Depth, 1)
	size := uint64(spec.Width) * uint64(spec.Height) * uint64(depth) *
		uint64(spec.Format.BytesPerPixel()) * uint64(maxU32(spec.ArraySize, 1))
	h, err := b.be.CreateResource(backend.ResourceSpec{
		Width:  spec.Width,
		Height: spec.Height,
		Depth:  depth,
		Format: uint32(spec.Format),
		Bind:   uint32(spec.Bind),
		Size:   size,
	})
	if err != nil {
		return 0, b.normalize("create-3d", err)
	}

	res := b.resources.create(size, spec.Format, spec.Bind)
	res.width = spec.Width
	res.height = spec.Height
	res.depth = depth
	if err := b.resources.attachOpaque(res.id, h); err != nil {
		return 0, err
	}
	return res.id, nil
}

// CreateResourceBlob creates a blob resource. Guest blobs start unbacked
// and await a scatter list; host blobs are allocated by the backend and
// attached as backend-opaque.
func (b *Broker) CreateResourceBlob(spec ResourceCreateBlob) (ResourceID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return 0, err
	}
	if spec.Size == 0 {
		return 0, fmt.Errorf("%w: zero blob size", ErrInvalidState)
	}

	res := b.resources.create(spec.Size, FormatBuffer, UsageBlob)
	if spec.Mem == BlobMemGuest {
		return res.id, nil
	}

	h, err := b.be.CreateResource(backend.ResourceSpec{
		Width:     uint32(spec.Size),
		Height:    1,
		Depth:     1,
		Size:      spec.Size,
		Blob:      true,
		BlobFlags: uint32(spec.Flags),
	})
	if err != nil {
		// Roll the fresh id back out of the table; it was never visible.
		_, _ = b.resources.destroy(res.id)
		return 0, b.normalize("create-blob", err)
	}
	if err := b.resources.attachOpaque(res.id, h); err != nil {
		return 0, err
	}
	return res.id, nil
}

// AttachBacking attaches a guest scatter list to an unbacked resource.
func (b *Broker) AttachBacking(id ResourceID, iovs []Iovec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	return b.resources.attachGuest(id, iovs)
}

// AttachHostBacking allocates a broker-owned host region as the backing of
// an unbacked resource.
func (b *Broker) AttachHostBacking(id ResourceID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	return b.resources.attachHost(id)
}

// DetachBacking detaches the current backing, returning the resource to
// the unbacked state. Backend-opaque allocations are destroyed; image
// shadow allocations survive for the next backing generation.
func (b *Broker) DetachBacking(id ResourceID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	res, err := b.resources.get(id)
	if err != nil {
		return err
	}
	if res.backing == BackingOpaque && res.handle != nil {
		b.be.Destroy(res.handle)
	}
	return b.resources.detach(id)
}

// TransferToHost moves bytes from the transport into the resource backing.
// Synchronous: when it returns, the bytes are visible.
func (b *Broker) TransferToHost(id ResourceID, box Box3D, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	res, err := b.resources.get(id)
	if err != nil {
		return err
	}
	return b.transfers.toHost(res, box, data)
}

// TransferFromHost reads bytes out of the resource backing into dst and
// returns the number of bytes written.
func (b *Broker) TransferFromHost(id ResourceID, box Box3D, dst []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return 0, err
	}
	res, err := b.resources.get(id)
	if err != nil {
		return 0, err
	}
	return b.transfers.fromHost(res, box, dst)
}

// Flush publishes a resource's current contents to the scanout. For guest
// and host backed images the broker first syncs the backing into the
// backend shadow allocation.
func (b *Broker) Flush(id ResourceID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	res, err := b.resources.get(id)
	if err != nil {
		return err
	}
	if res.handle == nil {
		return fmt.Errorf("%w: flush of resource without backend allocation", ErrUnsupported)
	}

	if res.backing == BackingGuest || res.backing == BackingHost {
		buf := make([]byte, res.size)
		full := Box3D{W: res.width, H: res.height, D: 1}
		if _, err := b.transfers.fromHost(res, full, buf); err != nil {
			return err
		}
		region := backend.Region{W: res.width, H: res.height, D: 1}
		if err := b.be.Transfer(res.handle, region, backend.ToBackend, buf); err != nil {
			return b.normalize("flush", err)
		}
	}
	if err := b.be.Flush(res.handle); err != nil {
		return b.normalize("flush", err)
	}
	return nil
}

// Export converts the resource's backing into a cross-process shareable
// handle. Within one backing generation the cached handle is returned
// rather than a duplicate live reference.
func (b *Broker) Export(id ResourceID) (*ExportHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return nil, err
	}
	res, err := b.resources.get(id)
	if err != nil {
		return nil, err
	}
	return b.export(res)
}

// Import creates a new backend-opaque resource from a shareable handle.
// Ownership of the handle transfers to the new resource.
func (b *Broker) Import(h *ExportHandle, size uint64, format Format) (ResourceID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return 0, err
	}
	return b.importHandle(h, size, format)
}

// Map yields a host view of the resource backing, valid until Unmap or
// resource destruction. Mapping twice without an intervening Unmap returns
// the same view.
func (b *Broker) Map(id ResourceID) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return nil, err
	}
	res, err := b.resources.get(id)
	if err != nil {
		return nil, err
	}
	return b.mapResource(res)
}

// Unmap releases the view returned by Map.
func (b *Broker) Unmap(id ResourceID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	res, err := b.resources.get(id)
	if err != nil {
		return err
	}
	return b.unmapResource(res)
}

// Unref destroys a resource. Rejected while any context still binds the
// id: callers must detach-resource first, so a stale binding can never
// reach freed memory. Unref of an unknown id is an error, never a no-op.
func (b *Broker) Unref(id ResourceID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	res, err := b.resources.destroy(id)
	if err != nil {
		return err
	}
	b.releaseResource(res)
	return nil
}

// ---------------------------------------------------------------------------
// Context operations

// CreateContext creates a rendering context for the given capability set.
func (b *Broker) CreateContext(capsetID CapsetID, capsetVersion uint32) (ContextID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return 0, err
	}
	if !b.capsets.Supports(capsetID, capsetVersion) {
		return 0, fmt.Errorf("%w: capset (%d, %d)", ErrUnsupportedCapset, capsetID, capsetVersion)
	}

	bctx, err := b.be.AttachContext(uint32(capsetID), capsetVersion)
	if err != nil {
		return 0, b.normalize("create-context", err)
	}
	ctx := b.contexts.create(capsetID, capsetVersion, bctx)
	return ctx.id, nil
}

// DestroyContext tears down a context. Rejected while any fence submitted
// by this context is still pending; callers drain fences first. Teardown
// unbinds all resources.
func (b *Broker) DestroyContext(id ContextID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	ctx, err := b.contexts.get(id)
	if err != nil {
		return err
	}
	if n := b.fences.pendingFor(id); n > 0 {
		return fmt.Errorf("%w: context %d has %d pending fence(s)", ErrInvalidState, id, n)
	}

	if _, err := b.contexts.destroy(id); err != nil {
		return err
	}
	for resID := range ctx.bound {
		if res, err := b.resources.get(resID); err == nil {
			res.bindCount--
		}
	}
	b.be.DestroyContext(ctx.bctx)
	return nil
}

// AttachResource binds a resource to a context. Idempotent.
func (b *Broker) AttachResource(ctxID ContextID, resID ResourceID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	ctx, err := b.contexts.get(ctxID)
	if err != nil {
		return err
	}
	res, err := b.resources.get(resID)
	if err != nil {
		return err
	}
	ctx.bind(res)
	return nil
}

// DetachResource removes a resource binding.
func (b *Broker) DetachResource(ctxID ContextID, resID ResourceID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	ctx, err := b.contexts.get(ctxID)
	if err != nil {
		return err
	}
	res, err := b.resources.get(resID)
	if err != nil {
		return err
	}
	return ctx.unbind(res)
}

// Submit executes a command stream on the given ring and returns the
// implicit fence for the submission. If the backend rejects the stream the
// fence resolves signaled-with-error, so teardown is never blocked by a
// backend fault.
func (b *Broker) Submit(ctxID ContextID, ring uint32, commands []byte) (*Fence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return nil, err
	}
	if b.suspended {
		return nil, fmt.Errorf("%w: broker is suspended", ErrInvalidState)
	}
	ctx, err := b.contexts.get(ctxID)
	if err != nil {
		return nil, err
	}

	f := b.fences.submit(ctxID, ring)
	if err := b.be.Submit(ctx.bctx, ring, f.seq, commands); err != nil {
		norm := b.normalize("submit", err)
		b.fences.fail(f, norm)
		return f, norm
	}
	return f, nil
}

// SubmitFence inserts a fence-only submission on the given ring.
func (b *Broker) SubmitFence(ctxID ContextID, ring uint32) (*Fence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return nil, err
	}
	if b.suspended {
		return nil, fmt.Errorf("%w: broker is suspended", ErrInvalidState)
	}
	ctx, err := b.contexts.get(ctxID)
	if err != nil {
		return nil, err
	}

	f := b.fences.submit(ctxID, ring)
	if err := b.be.CreateFence(ctx.bctx, ring, f.seq); err != nil {
		norm := b.normalize("submit-fence", err)
		b.fences.fail(f, norm)
		return f, norm
	}
	return f, nil
}

// ---------------------------------------------------------------------------
// Fence operations

// PollFences returns all fences signaled on the ring since the last poll,
// in ascending sequence order. Non-blocking and safe to call from a
// different goroutine than Submit.
func (b *Broker) PollFences(ring uint32) []*Fence {
	return b.fences.poll(ring)
}

// WaitFence blocks until the fence resolves or the timeout elapses.
// Returns ErrTimeout when the deadline passes first. A resolved fence may
// still carry an error; check Fence.Err.
func (b *Broker) WaitFence(f *Fence, timeout time.Duration) error {
	return b.fences.wait(f, timeout)
}

// ---------------------------------------------------------------------------
// Capability operations

// ListCapsets returns the registered capability sets in registration order.
func (b *Broker) ListCapsets() []CapsetInfo {
	return b.capsets.List()
}

// GetCapset returns a copy of the descriptor bytes for (id, version).
func (b *Broker) GetCapset(id CapsetID, version uint32) ([]byte, error) {
	data, err := b.capsets.Lookup(id, version)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// ---------------------------------------------------------------------------
// Lifecycle

// Suspend quiesces submission: new Submit and SubmitFence calls fail with
// ErrInvalidState while pending fences keep draining. Used by VMM snapshot
// paths.
func (b *Broker) Suspend() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suspended = true
}

// Resume re-enables submission after Suspend.
func (b *Broker) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suspended = false
}

// Close shuts the broker down. Live resources or contexts at shutdown are
// a guest leak: they are force-released and logged as a diagnostic, not a
// fatal error.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: broker already closed", ErrInvalidState)
	}
	b.closed = true

	if n := b.contexts.len(); n > 0 {
		Logger().Warn("contexts leaked at shutdown", slog.Int("count", n))
		b.contexts.each(func(ctx *Context) {
			b.be.DestroyContext(ctx.bctx)
		})
	}
	if n := b.resources.len(); n > 0 {
		Logger().Warn("resources leaked at shutdown", slog.Int("count", n))
		b.resources.each(func(res *Resource) {
			b.releaseResource(res)
		})
	}

	b.be.Close()
	Logger().Info("virtgpu broker closed")
	return nil
}

// usable reports whether operations may proceed. Caller holds the mutex.
func (b *Broker) usable() error {
	if b.closed {
		return fmt.Errorf("%w: broker is closed", ErrInvalidState)
	}
	return nil
}

// normalize converts a backend error into the broker taxonomy. Capability
// gaps surface as ErrUnsupported; everything else is an opaque backend
// failure carrying the diagnostic.
func (b *Broker) normalize(op string, err error) error {
	switch {
	case errors.Is(err, backend.ErrUnsupported):
		return fmt.Errorf("%w: %s: %v", ErrUnsupported, op, err)
	case errors.Is(err, backend.ErrNotAvailable):
		return fmt.Errorf("%w: %s: %v", ErrUnsupported, op, err)
	default:
		return backendErr(op, err)
	}
}
