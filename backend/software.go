package backend

import (
	"fmt"
	"image"
	"sync"

	xdraw "golang.org/x/image/draw"
)

// Backend name constants.
const (
	// NameSoftware is the CPU-based backend. Always available.
	NameSoftware = "software"
	// NameWgpu is the Vulkan/Metal/DX12 passthrough backend (gogpu/wgpu).
	NameWgpu = "wgpu"
	// NameVirgl is the command-stream translation backend.
	NameVirgl = "virgl"
	// NameStream is the accelerated streaming backend.
	NameStream = "stream"
)

// init registers the software backend on package import.
func init() {
	Register(NameSoftware, func() Backend {
		return NewSoftware()
	})
}

// softwareResource is a host-memory allocation owned by the software
// backend.
type softwareResource struct {
	mem    []byte
	width  uint32
	height uint32
	format uint32
	blob   bool
	flags  uint32
}

// Size returns the allocation size in bytes.
func (r *softwareResource) Size() uint64 { return uint64(len(r.mem)) }

// softwareContext carries no state beyond its capability set: the software
// variant executes commands directly against resource memory.
type softwareContext struct {
	capsetID      uint32
	capsetVersion uint32
}

func (c *softwareContext) Capset() (uint32, uint32) { return c.capsetID, c.capsetVersion }

// softwareShare is an in-process stand-in for a shm handle: the shared
// region aliases the allocation, so both sides observe writes.
type softwareShare struct {
	mem    []byte
	closed bool
	mu     sync.Mutex
}

func (s *softwareShare) Type() uint32 { return 0x0004 } // shm

func (s *softwareShare) Bytes() []byte { return s.mem }

func (s *softwareShare) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrInvalidHandle
	}
	s.closed = true
	return nil
}

// Software is the CPU-based backend variant. Every operation is a direct
// memory copy and every submission completes inline, so fences signal
// before Submit returns.
type Software struct {
	mu          sync.Mutex
	initialized bool
	closed      bool
	handler     FenceHandler
	handles     map[*softwareResource]struct{}
	scanout     *image.RGBA
}

// NewSoftware creates a new software backend.
func NewSoftware() *Software {
	return &Software{
		handles: make(map[*softwareResource]struct{}),
	}
}

// Name returns the backend identifier.
func (b *Software) Name() string { return NameSoftware }

// Init initializes the backend.
func (b *Software) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = true
	return nil
}

// Close releases all backend resources.
func (b *Software) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.initialized = false
	b.handles = make(map[*softwareResource]struct{})
	b.scanout = nil
}

// Capsets advertises the virgl capset family at version 0. The software
// variant accepts virgl-family contexts; command streams are validated and
// executed as direct copies, never translated.
func (b *Software) Capsets() []Capset {
	return []Capset{
		{ID: 1, Version: 0, Data: []byte("virtgpu-software-2d")},
	}
}

// SetFenceHandler installs the completion consumer.
func (b *Software) SetFenceHandler(h FenceHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// CreateResource allocates host memory for the resource.
func (b *Software) CreateResource(spec ResourceSpec) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil, ErrNotInitialized
	}

	size := spec.Size
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-size allocation", ErrInvalidHandle)
	}

	res := &softwareResource{
		mem:    make([]byte, size),
		width:  spec.Width,
		height: spec.Height,
		format: spec.Format,
		blob:   spec.Blob,
		flags:  spec.BlobFlags,
	}
	b.handles[res] = struct{}{}
	return res, nil
}

// AttachContext creates a backend context.
func (b *Software) AttachContext(capsetID, capsetVersion uint32) (Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil, ErrNotInitialized
	}
	return &softwareContext{capsetID: capsetID, capsetVersion: capsetVersion}, nil
}

// DestroyContext tears down a backend context. No backend-side state to
// release for the software variant.
func (b *Software) DestroyContext(ctx Context) {}

// Submit validates and executes a command stream, then signals the fence
// inline. The software variant never produces asynchronous completions.
func (b *Software) Submit(ctx Context, ring uint32, seq uint64, commands []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if !b.initialized {
		b.mu.Unlock()
		return ErrNotInitialized
	}
	handler := b.handler
	b.mu.Unlock()

	cmds, err := DecodeCommands(commands)
	if err != nil {
		return err
	}
	for _, c := range cmds {
		switch c.Op {
		case OpNop, OpClear, OpCopy:
			// Direct-memory ops: nothing to schedule, memory effects are
			// applied through Transfer.
		case OpShader:
			// No shader pipeline on the CPU path.
			return fmt.Errorf("%w: shader command on software backend", ErrUnsupported)
		default:
			return fmt.Errorf("%w: unknown op %d", ErrInvalidCommand, c.Op)
		}
	}

	if handler != nil {
		handler(Completion{Ring: ring, Seq: seq})
	}
	return nil
}

// Transfer copies between buf and the allocation. Software transfers are
// plain memory copies; the region was already validated by the broker.
func (b *Software) Transfer(h Handle, region Region, dir Direction, buf []byte) error {
	res, err := b.resource(h)
	if err != nil {
		return err
	}

	off := int(region.Offset)
	if off+len(buf) > len(res.mem) {
		return fmt.Errorf("%w: transfer beyond allocation", ErrInvalidHandle)
	}
	if dir == ToBackend {
		copy(res.mem[off:], buf)
	} else {
		copy(buf, res.mem[off:off+len(buf)])
	}
	return nil
}

// CreateFence signals the fence inline.
func (b *Software) CreateFence(ctx Context, ring uint32, seq uint64) error {
	b.mu.Lock()
	handler := b.handler
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if handler != nil {
		handler(Completion{Ring: ring, Seq: seq})
	}
	return nil
}

// ExportHandle wraps the allocation in an shm-style handle. Blobs must have
// been created shareable; plain image allocations are always exportable
// because their memory is host-owned.
func (b *Software) ExportHandle(h Handle) (ShareHandle, error) {
	res, err := b.resource(h)
	if err != nil {
		return nil, err
	}
	const blobFlagShareable = 0x0002
	if res.blob && res.flags&blobFlagShareable == 0 {
		return nil, ErrUnsupported
	}
	return &softwareShare{mem: res.mem}, nil
}

// ImportHandle adopts a shareable handle as a new allocation. Host-visible
// handles import zero-copy: the allocation aliases the shared region.
func (b *Software) ImportHandle(sh ShareHandle, size uint64) (Handle, error) {
	mem := sh.Bytes()
	if mem == nil {
		return nil, ErrUnsupported
	}
	if uint64(len(mem)) < size {
		return nil, fmt.Errorf("%w: shared region holds %d of %d bytes", ErrInvalidHandle, len(mem), size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil, ErrNotInitialized
	}
	res := &softwareResource{mem: mem[:size], blob: true, flags: 0x0002}
	b.handles[res] = struct{}{}
	return res, nil
}

// Map exposes the allocation memory directly.
func (b *Software) Map(h Handle) ([]byte, error) {
	res, err := b.resource(h)
	if err != nil {
		return nil, err
	}
	return res.mem, nil
}

// Unmap releases the mapping. Nothing to do for host memory.
func (b *Software) Unmap(h Handle) error {
	_, err := b.resource(h)
	return err
}

// Flush publishes the resource contents to the scanout image, converting
// from the resource format to RGBA.
func (b *Software) Flush(h Handle) error {
	res, err := b.resource(h)
	if err != nil {
		return err
	}
	if res.width == 0 || res.height == 0 {
		return fmt.Errorf("%w: flush of non-image resource", ErrUnsupported)
	}

	src := image.NewRGBA(image.Rect(0, 0, int(res.width), int(res.height)))
	toRGBA(src.Pix, res.mem, res.format)

	b.mu.Lock()
	defer b.mu.Unlock()
	bounds := image.Rect(0, 0, int(res.width), int(res.height))
	if b.scanout == nil || b.scanout.Bounds() != bounds {
		b.scanout = image.NewRGBA(bounds)
	}
	xdraw.Copy(b.scanout, image.Point{}, src, bounds, xdraw.Src, nil)
	return nil
}

// Scanout returns the last flushed image, or nil if nothing was flushed.
// Used by the display side and by tests.
func (b *Software) Scanout() *image.RGBA {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scanout
}

// Destroy releases a backend allocation.
func (b *Software) Destroy(h Handle) {
	res, ok := h.(*softwareResource)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handles, res)
}

// resource validates and unwraps a handle.
func (b *Software) resource(h Handle) (*softwareResource, error) {
	res, ok := h.(*softwareResource)
	if !ok {
		return nil, ErrInvalidHandle
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, live := b.handles[res]; !live {
		return nil, ErrInvalidHandle
	}
	return res, nil
}

// toRGBA converts resource pixels into RGBA order. Format values follow the
// virtio-gpu 2D namespace; the BGRA family needs a channel swap, the RGBA
// family copies through.
func toRGBA(dst, src []byte, format uint32) {
	n := min(len(dst), len(src))
	switch format {
	case 1, 2, 3, 4: // BGRA / BGRX / ARGB / XRGB
		for i := 0; i+3 < n; i += 4 {
			dst[i+0] = src[i+2]
			dst[i+1] = src[i+1]
			dst[i+2] = src[i+0]
			dst[i+3] = src[i+3]
		}
	default:
		copy(dst[:n], src[:n])
	}
}
