package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/virtgpu/backend"
)

// init registers the stream backend on package import.
func init() {
	backend.Register(backend.NameStream, func() backend.Backend {
		return New()
	})
}

// ringQueueDepth is the per-ring submission queue depth.
const ringQueueDepth = 64

// streamResource is a host-memory allocation owned by the streaming
// backend.
type streamResource struct {
	mem    []byte
	width  uint32
	height uint32
	blob   bool
	flags  uint32
}

func (r *streamResource) Size() uint64 { return uint64(len(r.mem)) }

type streamContext struct {
	capsetID      uint32
	capsetVersion uint32
}

func (c *streamContext) Capset() (uint32, uint32) { return c.capsetID, c.capsetVersion }

// streamShare aliases an allocation as an in-process shm-style handle.
type streamShare struct {
	mem    []byte
	mu     sync.Mutex
	closed bool
}

func (s *streamShare) Type() uint32 { return 0x0004 } // shm

func (s *streamShare) Bytes() []byte { return s.mem }

func (s *streamShare) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.ErrInvalidHandle
	}
	s.closed = true
	return nil
}

// item is one queued submission on a ring.
type item struct {
	seq      uint64
	commands []backend.Command
}

// Backend is the streaming variant. Command streams are forwarded to the
// ring's worker and executed there, so heavy streams on one ring never
// block submissions on another.
type Backend struct {
	mu          sync.Mutex
	initialized bool
	closed      bool
	handler     backend.FenceHandler
	handles     map[*streamResource]struct{}

	// rings maps ring index to its submission queue. Workers are started
	// lazily on first use of a ring.
	rings map[uint32]chan item

	group  *errgroup.Group
	cancel context.CancelFunc
	gctx   context.Context
}

// New creates an uninitialized stream backend.
func New() *Backend {
	return &Backend{
		handles: make(map[*streamResource]struct{}),
	}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return backend.NameStream }

// SetLogger propagates logger configuration into this package.
func (b *Backend) SetLogger(l *slog.Logger) { setLogger(l) }

// Init prepares the worker supervision group. Ring workers start lazily.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.group, b.gctx = errgroup.WithContext(ctx)
	b.cancel = cancel
	b.rings = make(map[uint32]chan item)
	b.initialized = true
	return nil
}

// Close stops every ring worker and releases all allocations. The first
// worker failure, if any, is logged.
func (b *Backend) Close() {
	b.mu.Lock()
	if b.closed || !b.initialized {
		b.closed = true
		b.mu.Unlock()
		return
	}
	b.closed = true
	rings := b.rings
	group := b.group
	b.mu.Unlock()

	for _, q := range rings {
		close(q)
	}
	if err := group.Wait(); err != nil {
		slogger().Warn("stream: ring worker exited with error", "err", err)
	}
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handles = make(map[*streamResource]struct{})
	b.rings = nil
	b.initialized = false
}

// Capsets advertises the streaming capset family.
func (b *Backend) Capsets() []backend.Capset {
	return []backend.Capset{
		{ID: 3, Version: 0, Data: []byte("virtgpu-stream-vulkan")},
		{ID: 5, Version: 0, Data: []byte("virtgpu-stream-cross-domain")},
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
	res := &streamResource{
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
	return &streamContext{capsetID: capsetID, capsetVersion: capsetVersion}, nil
}

// DestroyContext tears down a backend context.
func (b *Backend) DestroyContext(ctx backend.Context) {}

// Submit decodes the stream and forwards it to the ring's worker. Framing
// errors are synchronous; execution happens on the worker.
func (b *Backend) Submit(ctx backend.Context, ring uint32, seq uint64, commands []byte) error {
	cmds, err := backend.DecodeCommands(commands)
	if err != nil {
		return err
	}
	for _, c := range cmds {
		switch c.Op {
		case backend.OpNop, backend.OpClear, backend.OpCopy, backend.OpShader:
		default:
			return fmt.Errorf("%w: unknown op %d", backend.ErrInvalidCommand, c.Op)
		}
	}
	return b.forward(ring, item{seq: seq, commands: cmds})
}

// CreateFence forwards a fence-only item behind the ring's prior work.
func (b *Backend) CreateFence(ctx backend.Context, ring uint32, seq uint64) error {
	return b.forward(ring, item{seq: seq})
}

// forward places an item on the ring's queue, starting the ring worker on
// first use.
func (b *Backend) forward(ring uint32, it item) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return backend.ErrClosed
	}
	if !b.initialized {
		b.mu.Unlock()
		return backend.ErrNotInitialized
	}
	q, ok := b.rings[ring]
	if !ok {
		q = make(chan item, ringQueueDepth)
		b.rings[ring] = q
		b.group.Go(func() error {
			return b.ringWorker(ring, q)
		})
		slogger().Debug("stream: ring worker started", "ring", ring)
	}
	b.mu.Unlock()

	// Sent outside the lock so a full queue on one ring cannot wedge
	// submissions on every other ring.
	q <- it
	return nil
}

// ringWorker executes queued items for one ring in FIFO order and reports
// each completion.
func (b *Backend) ringWorker(ring uint32, q chan item) error {
	for {
		select {
		case <-b.gctx.Done():
			return b.gctx.Err()
		case it, ok := <-q:
			if !ok {
				return nil
			}
			var execErr error
			for _, c := range it.commands {
				if c.Op == backend.OpShader && len(c.Payload) == 0 {
					execErr = fmt.Errorf("%w: empty shader payload", backend.ErrInvalidCommand)
					break
				}
			}

			b.mu.Lock()
			handler := b.handler
			b.mu.Unlock()
			if handler != nil {
				handler(backend.Completion{Ring: ring, Seq: it.seq, Err: execErr})
			}
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
	return &streamShare{mem: res.mem}, nil
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
	res := &streamResource{mem: mem[:size], blob: true, flags: 0x0002}
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

// Flush validates the handle. Scanout for the streaming variant is
// handled by the embedder's display pipeline.
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
	res, ok := h.(*streamResource)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handles, res)
}

// resource validates and unwraps a handle.
func (b *Backend) resource(h backend.Handle) (*streamResource, error) {
	res, ok := h.(*streamResource)
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
