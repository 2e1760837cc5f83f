package wgpu

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Import the Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/virtgpu/backend"
	"github.com/gogpu/virtgpu/internal/cache"
)

// init registers the wgpu backend on package import.
func init() {
	backend.Register(backend.NameWgpu, func() backend.Backend {
		return New()
	})
}

// fenceWaitTimeoutNs bounds a single device fence wait.
const fenceWaitTimeoutNs = 5_000_000_000

// stagingPoolSize caps the number of pooled staging buffers.
const stagingPoolSize = 8

// Option configures the backend during creation.
type Option func(*Backend)

// WithProvider shares an existing GPU device instead of opening a
// standalone one. The provider must expose HAL types (HalDevice and
// HalQueue), as gogpu's device provider does. Shared devices are not
// destroyed on Close.
func WithProvider(p gpucontext.DeviceProvider) Option {
	return func(b *Backend) {
		b.provider = p
	}
}

// resource is a device-local buffer plus a host shadow copy.
type resource struct {
	buf    hal.Buffer
	shadow []byte
	width  uint32
	height uint32
	blob   bool
	flags  uint32
}

func (r *resource) Size() uint64 { return uint64(len(r.shadow)) }

type wgpuContext struct {
	capsetID      uint32
	capsetVersion uint32
}

func (c *wgpuContext) Capset() (uint32, uint32) { return c.capsetID, c.capsetVersion }

// shadowShare exposes a resource's shadow copy as a shareable region.
type shadowShare struct {
	mem    []byte
	mu     sync.Mutex
	closed bool
}

func (s *shadowShare) Type() uint32 { return 0x0004 } // shm

func (s *shadowShare) Bytes() []byte { return s.mem }

func (s *shadowShare) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.ErrInvalidHandle
	}
	s.closed = true
	return nil
}

// submission is one unit of work awaiting device completion.
type submission struct {
	ring  uint32
	seq   uint64
	fence hal.Fence
}

// Backend is the hardware-accelerated variant on gogpu/wgpu's HAL layer.
//
// Completions are asynchronous: Submit returns once the work is queued,
// and a worker goroutine reports each fence after the device signals it.
// Per ring, completions arrive in submission order because the worker
// drains the queue FIFO.
type Backend struct {
	mu sync.Mutex

	provider gpucontext.DeviceProvider
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	// externalDevice is true when the device is shared; shared devices are
	// not destroyed on Close.
	externalDevice bool

	initialized bool
	closed      bool
	handler     backend.FenceHandler
	handles     map[*resource]struct{}

	// staging pools readback buffers by size class.
	staging *cache.Cache[uint64, hal.Buffer]

	work chan submission
	wg   sync.WaitGroup
}

// New creates an uninitialized wgpu backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		handles: make(map[*resource]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return backend.NameWgpu }

// SetLogger propagates logger configuration into this package.
func (b *Backend) SetLogger(l *slog.Logger) { setLogger(l) }

// Init opens the GPU device and starts the completion worker. Returns
// backend.ErrNotAvailable when no adapter can be opened, so broker
// creation can fall back to another variant.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}

	if b.provider != nil {
		if err := b.adoptProvider(); err != nil {
			return err
		}
	} else if err := b.openStandalone(); err != nil {
		return err
	}

	b.staging = cache.New[uint64, hal.Buffer](stagingPoolSize, func(_ uint64, buf hal.Buffer) {
		b.device.DestroyBuffer(buf)
	})
	b.work = make(chan submission, 64)
	b.wg.Add(1)
	go b.completionLoop()

	b.initialized = true
	return nil
}

// adoptProvider takes the device and queue from a shared provider.
// Caller holds the mutex.
func (b *Backend) adoptProvider() error {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := b.provider.(halProvider)
	if !ok {
		return fmt.Errorf("%w: provider does not expose HAL types", backend.ErrNotAvailable)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return fmt.Errorf("%w: provider HalDevice is not hal.Device", backend.ErrNotAvailable)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return fmt.Errorf("%w: provider HalQueue is not hal.Queue", backend.ErrNotAvailable)
	}
	b.device = device
	b.queue = queue
	b.externalDevice = true
	slogger().Debug("wgpu: using shared GPU device")
	return nil
}

// openStandalone creates a device on the best available adapter,
// preferring discrete over integrated GPUs. Caller holds the mutex.
func (b *Backend) openStandalone() error {
	hb, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return fmt.Errorf("%w: vulkan backend not available", backend.ErrNotAvailable)
	}
	instance, err := hb.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("%w: create instance: %v", backend.ErrNotAvailable, err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return fmt.Errorf("%w: no GPU adapters found", backend.ErrNotAvailable)
	}

	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		for i := range adapters {
			if adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
				selected = &adapters[i]
				break
			}
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return fmt.Errorf("%w: open device: %v", backend.ErrNotAvailable, err)
	}

	b.instance = instance
	b.device = openDev.Device
	b.queue = openDev.Queue
	slogger().Info("wgpu: GPU initialized", "adapter", selected.Info.Name)
	return nil
}

// Close stops the completion worker and releases the device.
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
	b.staging.Clear()
	for res := range b.handles {
		if res.buf != nil {
			b.device.DestroyBuffer(res.buf)
		}
	}
	b.handles = make(map[*resource]struct{})

	if !b.externalDevice {
		if b.device != nil {
			b.device.Destroy()
		}
		if b.instance != nil {
			b.instance.Destroy()
		}
	}
	b.device = nil
	b.queue = nil
	b.instance = nil
	b.initialized = false
}

// Capsets advertises the venus and virgl capset families.
func (b *Backend) Capsets() []backend.Capset {
	return []backend.Capset{
		{ID: 4, Version: 0, Data: []byte("virtgpu-wgpu-venus")},
		{ID: 1, Version: 0, Data: []byte("virtgpu-wgpu-virgl")},
	}
}

// SetFenceHandler installs the completion consumer.
func (b *Backend) SetFenceHandler(h backend.FenceHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// CreateResource allocates a device-local buffer and its host shadow.
func (b *Backend) CreateResource(spec backend.ResourceSpec) (backend.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil, backend.ErrNotInitialized
	}
	if spec.Size == 0 {
		return nil, fmt.Errorf("%w: zero-size allocation", backend.ErrInvalidHandle)
	}

	buf, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "virtgpu-resource",
		Size:  spec.Size,
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst | gputypes.BufferUsageStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create buffer: %w", err)
	}

	res := &resource{
		buf:    buf,
		shadow: make([]byte, spec.Size),
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
	return &wgpuContext{capsetID: capsetID, capsetVersion: capsetVersion}, nil
}

// DestroyContext tears down a backend context. Contexts carry no
// device-side state in this variant.
func (b *Backend) DestroyContext(ctx backend.Context) {}

// Submit queues a command stream and schedules an asynchronous
// completion for its fence.
func (b *Backend) Submit(ctx backend.Context, ring uint32, seq uint64, commands []byte) error {
	cmds, err := backend.DecodeCommands(commands)
	if err != nil {
		return err
	}
	for _, c := range cmds {
		switch c.Op {
		case backend.OpNop, backend.OpClear, backend.OpCopy, backend.OpShader:
			// Streams in the venus family are consumed by the device driver;
			// the host only validates framing.
		default:
			return fmt.Errorf("%w: unknown op %d", backend.ErrInvalidCommand, c.Op)
		}
	}
	return b.enqueue(ring, seq)
}

// CreateFence schedules a fence-only completion behind prior work.
func (b *Backend) CreateFence(ctx backend.Context, ring uint32, seq uint64) error {
	return b.enqueue(ring, seq)
}

// enqueue submits a device fence for the work queued so far and hands it
// to the completion worker.
func (b *Backend) enqueue(ring uint32, seq uint64) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return backend.ErrClosed
	}
	if !b.initialized {
		b.mu.Unlock()
		return backend.ErrNotInitialized
	}

	fence, err := b.device.CreateFence()
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("create fence: %w", err)
	}
	if err := b.queue.Submit(nil, fence, 1); err != nil {
		b.device.DestroyFence(fence)
		b.mu.Unlock()
		return fmt.Errorf("submit: %w", err)
	}
	work := b.work
	b.mu.Unlock()

	// Sent outside the lock: the worker takes the lock between receives,
	// so holding it here could deadlock on a full queue.
	work <- submission{ring: ring, seq: seq, fence: fence}
	return nil
}

// completionLoop waits for each device fence and reports the completion.
// Draining FIFO preserves per-ring submission order.
func (b *Backend) completionLoop() {
	defer b.wg.Done()
	for s := range b.work {
		var werr error
		if s.fence != nil {
			if _, err := b.device.Wait(s.fence, 1, fenceWaitTimeoutNs); err != nil {
				werr = fmt.Errorf("fence wait: %w", err)
			}
			b.device.DestroyFence(s.fence)
		}

		b.mu.Lock()
		handler := b.handler
		b.mu.Unlock()
		if handler != nil {
			handler(backend.Completion{Ring: s.ring, Seq: s.seq, Err: werr})
		}
	}
}

// Transfer copies between buf and the allocation. Uploads write through
// the shadow copy into the device buffer; readback is served from the
// shadow after the device copy retires, since HAL buffer mapping is not
// implemented yet.
func (b *Backend) Transfer(h backend.Handle, region backend.Region, dir backend.Direction, buf []byte) error {
	res, err := b.resource(h)
	if err != nil {
		return err
	}

	off := int(region.Offset)
	if off+len(buf) > len(res.shadow) {
		return fmt.Errorf("%w: transfer beyond allocation", backend.ErrInvalidHandle)
	}

	if dir == backend.ToBackend {
		copy(res.shadow[off:], buf)
		b.queue.WriteBuffer(res.buf, region.Offset, buf)
		return nil
	}

	if err := b.readback(res.buf, region.Offset, uint64(len(buf))); err != nil {
		return err
	}
	copy(buf, res.shadow[off:off+len(buf)])
	return nil
}

// readback copies a device buffer range into a pooled staging buffer and
// waits for the copy to retire.
func (b *Backend) readback(src hal.Buffer, offset, size uint64) error {
	if size == 0 {
		return nil
	}
	class := sizeClass(size)

	b.mu.Lock()
	staging, ok := b.staging.Take(class)
	b.mu.Unlock()
	if !ok {
		var err error
		staging, err = b.device.CreateBuffer(&hal.BufferDescriptor{
			Label: "virtgpu-staging",
			Size:  class,
			Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("create staging buffer: %w", err)
		}
	}
	defer func() {
		b.mu.Lock()
		b.staging.Put(class, staging)
		b.mu.Unlock()
	}()

	encoder, err := b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "virtgpu-readback",
	})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("readback"); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}
	encoder.CopyBufferToBuffer(src, staging, []hal.BufferCopy{
		{SrcOffset: offset, DstOffset: 0, Size: size},
	})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	defer cmdBuf.Destroy()

	fence, err := b.device.CreateFence()
	if err != nil {
		return fmt.Errorf("create fence: %w", err)
	}
	defer b.device.DestroyFence(fence)

	if err := b.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("submit readback: %w", err)
	}
	if _, err := b.device.Wait(fence, 1, fenceWaitTimeoutNs); err != nil {
		return fmt.Errorf("wait readback: %w", err)
	}
	return nil
}

// ExportHandle shares a blob's host-visible shadow. Device-local images
// have no host-sharable memory in this variant.
func (b *Backend) ExportHandle(h backend.Handle) (backend.ShareHandle, error) {
	res, err := b.resource(h)
	if err != nil {
		return nil, err
	}
	const blobFlagShareable = 0x0002
	if !res.blob || res.flags&blobFlagShareable == 0 {
		return nil, backend.ErrUnsupported
	}
	return &shadowShare{mem: res.shadow}, nil
}

// ImportHandle adopts a host-visible shared region as a new allocation.
// The shadow aliases the region; the device copy is seeded from it.
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

	buf, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "virtgpu-imported",
		Size:  size,
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst | gputypes.BufferUsageStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create buffer: %w", err)
	}
	b.queue.WriteBuffer(buf, 0, mem[:size])

	res := &resource{buf: buf, shadow: mem[:size], blob: true, flags: 0x0002}
	b.handles[res] = struct{}{}
	return res, nil
}

// Map exposes the shadow copy of a blob.
func (b *Backend) Map(h backend.Handle) ([]byte, error) {
	res, err := b.resource(h)
	if err != nil {
		return nil, err
	}
	if !res.blob {
		return nil, backend.ErrUnsupported
	}
	if err := b.readback(res.buf, 0, uint64(len(res.shadow))); err != nil {
		return nil, err
	}
	return res.shadow, nil
}

// Unmap flushes shadow writes back to the device buffer.
func (b *Backend) Unmap(h backend.Handle) error {
	res, err := b.resource(h)
	if err != nil {
		return err
	}
	b.queue.WriteBuffer(res.buf, 0, res.shadow)
	return nil
}

// Flush validates the handle. Presentation is owned by the embedder's
// display integration, not the backend.
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
	res, ok := h.(*resource)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, live := b.handles[res]; !live {
		return
	}
	delete(b.handles, res)
	if res.buf != nil && b.device != nil {
		b.device.DestroyBuffer(res.buf)
		res.buf = nil
	}
}

// resource validates and unwraps a handle.
func (b *Backend) resource(h backend.Handle) (*resource, error) {
	res, ok := h.(*resource)
	if !ok {
		return nil, backend.ErrInvalidHandle
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil, backend.ErrNotInitialized
	}
	if _, live := b.handles[res]; !live {
		return nil, backend.ErrInvalidHandle
	}
	return res, nil
}

// sizeClass rounds up to the next power of two so pooled staging buffers
// are reusable across nearby sizes.
func sizeClass(n uint64) uint64 {
	if n <= 4096 {
		return 4096
	}
	return 1 << bits.Len64(n-1)
}
