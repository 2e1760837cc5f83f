package virgl

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/naga"

	"github.com/gogpu/virtgpu/backend"
	"github.com/gogpu/virtgpu/internal/cache"
)

// init registers the virgl backend on package import.
func init() {
	backend.Register(backend.NameVirgl, func() backend.Backend {
		return New()
	})
}

// shaderCacheSize caps the number of cached compiled shaders.
const shaderCacheSize = 128

// virglResource is a host-memory allocation owned by the translation
// backend.
type virglResource struct {
	mem    []byte
	width  uint32
	height uint32
	blob   bool
	flags  uint32
}

func (r *virglResource) Size() uint64 { return uint64(len(r.mem)) }

type virglContext struct {
	capsetID      uint32
	capsetVersion uint32
}

func (c *virglContext) Capset() (uint32, uint32) { return c.capsetID, c.capsetVersion }

// virglShare aliases an allocation as an in-process shm-style handle.
type virglShare struct {
	mem    []byte
	mu     sync.Mutex
	closed bool
}

func (s *virglShare) Type() uint32 { return 0x0004 } // shm

func (s *virglShare) Bytes() []byte { return s.mem }

func (s *virglShare) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.ErrInvalidHandle
	}
	s.closed = true
	return nil
}

// translated is one decoded submission queued for completion.
type translated struct {
	ring uint32
	seq  uint64
	err  error
}

// Backend is the translation variant. Command streams are validated and
// shader payloads compiled at Submit time; completions are reported
// asynchronously from the worker goroutine in FIFO order.
type Backend struct {
	mu          sync.Mutex
	initialized bool
	closed      bool
	handler     backend.FenceHandler
	handles     map[*virglResource]struct{}

	// shaders caches compiled SPIR-V by WGSL source.
	shaders *cache.Cache[string, []byte]

	work chan translated
	wg   sync.WaitGroup
}

// New creates an uninitialized virgl backend.
func New() *Backend {
	return &Backend{
		handles: make(map[*virglResource]struct{}),
		shaders: cache.New[string, []byte](shaderCacheSize, nil),
	}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return backend.NameVirgl }

// SetLogger propagates logger configuration into this package.
func (b *Backend) SetLogger(l *slog.Logger) { setLogger(l) }

// Init starts the completion worker.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}
	b.work = make(chan translated, 64)
	b.wg.Add(1)
	go b.completionLoop()
	b.initialized = true
	return nil
}

// Close stops the worker and releases all allocations.
func (b *Backend) Close() {
	b.mu.Lock()
	if b.closed || !b.initialized {
		b.closed = true
		b.mu.Unlock()
		return
	}
	b.closed = true
	work := b.work
	b.mu.Unlock()

	close(work)
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handles = make(map[*virglResource]struct{})
	b.shaders.Clear()
	b.initialized = false
}

// Capsets advertises both virgl protocol generations.
func (b *Backend) Capsets() []backend.Capset {
	return []backend.Capset{
		{ID: 1, Version: 0, Data: []byte("virtgpu-virgl")},
		{ID: 2, Version: 0, Data: []byte("virtgpu-virgl2")},
	}
}

// SetFenceHandler installs the completion consumer.
func (b *Backend) SetFenceHandler(h backend.FenceHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// CreateResource allocates host memory for the resource.
func (b *Backend) CreateResource(spec backend.ResourceSpec) (backend.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil, backend.ErrNotInitialized
	}
	if spec.Size == 0 {
		return nil, fmt.Errorf("%w: zero-size allocation", backend.ErrInvalidHandle)
	}
	res := &virglResource{
		mem:    make([]byte, spec.Size),
		width:  spec.Width,
		height: spec.Height,
		blob:   spec.Blob,
		flags:  spec.BlobFlags,
	}
	b.handles[res] = struct{}{}
	return res, nil
}

// AttachContext creates a backend context.
func (b *Backend) AttachContext(capsetID, capsetVersion uint32) (backend.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil, backend.ErrNotInitialized
	}
	return &virglContext{capsetID: capsetID, capsetVersion: capsetVersion}, nil
}

// DestroyContext tears down a backend context.
func (b *Backend) DestroyContext(ctx backend.Context) {}

// Submit translates a command stream and queues its completion. Framing
// errors and unknown ops are synchronous; shader compilation failures are
// reported through the fence, matching how a device would fault.
func (b *Backend) Submit(ctx backend.Context, ring uint32, seq uint64, commands []byte) error {
	cmds, err := backend.DecodeCommands(commands)
	if err != nil {
		return err
	}

	var terr error
	for _, c := range cmds {
		switch c.Op {
		case backend.OpNop, backend.OpClear, backend.OpCopy:
		case backend.OpShader:
			if cerr := b.compileShader(c.Payload); cerr != nil && terr == nil {
				terr = cerr
			}
		default:
			return fmt.Errorf("%w: unknown op %d", backend.ErrInvalidCommand, c.Op)
		}
	}
	return b.enqueue(translated{ring: ring, seq: seq, err: terr})
}

// compileShader translates a WGSL payload to SPIR-V, serving repeats from
// the cache.
func (b *Backend) compileShader(payload []byte) error {
	src := string(payload)
	if _, ok := b.shaders.Get(src); ok {
		return nil
	}
	spirv, err := naga.Compile(src)
	if err != nil {
		return fmt.Errorf("%w: shader translation: %v", backend.ErrInvalidCommand, err)
	}
	b.shaders.Put(src, spirv)
	slogger().Debug("virgl: shader compiled", "wgsl_bytes", len(src), "spirv_bytes", len(spirv))
	return nil
}

// CreateFence queues a fence-only completion behind prior submissions.
func (b *Backend) CreateFence(ctx backend.Context, ring uint32, seq uint64) error {
	return b.enqueue(translated{ring: ring, seq: seq})
}

func (b *Backend) enqueue(t translated) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return backend.ErrClosed
	}
	if !b.initialized {
		b.mu.Unlock()
		return backend.ErrNotInitialized
	}
	work := b.work
	b.mu.Unlock()

	work <- t
	return nil
}

// completionLoop reports completions in FIFO order.
func (b *Backend) completionLoop() {
	defer b.wg.Done()
	for t := range b.work {
		b.mu.Lock()
		handler := b.handler
		b.mu.Unlock()
		if handler != nil {
			handler(backend.Completion{Ring: t.ring, Seq: t.seq, Err: t.err})
		}
	}
}

// Transfer copies between buf and the allocation.
func (b *Backend) Transfer(h backend.Handle, region backend.Region, dir backend.Direction, buf []byte) error {
	res, err := b.resource(h)
	if err != nil {
		return err
	}
	off := int(region.Offset)
	if off+len(buf) > len(res.mem) {
		return fmt.Errorf("%w: transfer beyond allocation", backend.ErrInvalidHandle)
	}
	if dir == backend.ToBackend {
		copy(res.mem[off:], buf)
	} else {
		copy(buf, res.mem[off:off+len(buf)])
	}
	return nil
}

// ExportHandle wraps the allocation in an shm-style handle. Blobs must
// have been created shareable.
func (b *Backend) ExportHandle(h backend.Handle) (backend.ShareHandle, error) {
	res, err := b.resource(h)
	if err != nil {
		return nil, err
	}
	const blobFlagShareable = 0x0002
	if res.blob && res.flags&blobFlagShareable == 0 {
		return nil, backend.ErrUnsupported
	}
	return &virglShare{mem: res.mem}, nil
}

// ImportHandle adopts a host-visible shared region zero-copy.
func (b *Backend) ImportHandle(sh backend.ShareHandle, size uint64) (backend.Handle, error) {
	mem := sh.Bytes()
	if mem == nil {
		return nil, backend.ErrUnsupported
	}
	if uint64(len(mem)) < size {
		return nil, fmt.Errorf("%w: shared region holds %d of %d bytes", backend.ErrInvalidHandle, len(mem), size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil, backend.ErrNotInitialized
	}
	res := &virglResource{mem: mem[:size], blob: true, flags: 0x0002}
	b.handles[res] = struct{}{}
	return res, nil
}

// Map exposes the allocation memory directly.
func (b *Backend) Map(h backend.Handle) ([]byte, error) {
	res, err := b.resource(h)
	if err != nil {
		return nil, err
	}
	return res.mem, nil
}

// Unmap releases the mapping. Nothing to do for host memory.
func (b *Backend) Unmap(h backend.Handle) error {
	_, err := b.resource(h)
	return err
}

// Flush validates the handle. The translation variant has no scanout of
// its own; display integration reads the resource through Transfer.
func (b *Backend) Flush(h backend.Handle) error {
	res, err := b.resource(h)
	if err != nil {
		return err
	}
	if res.width == 0 || res.height == 0 {
		return fmt.Errorf("%w: flush of non-image resource", backend.ErrUnsupported)
	}
	return nil
}

// Destroy releases a backend allocation.
func (b *Backend) Destroy(h backend.Handle) {
	res, ok := h.(*virglResource)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handles, res)
}

// resource validates and unwraps a handle.
func (b *Backend) resource(h backend.Handle) (*virglResource, error) {
	res, ok := h.(*virglResource)
	if !ok {
		return nil, backend.ErrInvalidHandle
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, live := b.handles[res]; !live {
		return nil, backend.ErrInvalidHandle
	}
	return res, nil
}
