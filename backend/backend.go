package backend

import "errors"

// Common backend errors. The broker normalizes these into its own error
// taxonomy; backends never import the root package.
var (
	// ErrNotAvailable is returned when a requested backend is not available
	// on this host (no device, no renderer process).
	ErrNotAvailable = errors.New("backend: not available")

	// ErrNotInitialized is returned when operations are called before Init.
	ErrNotInitialized = errors.New("backend: not initialized")

	// ErrUnsupported is returned when the variant cannot express the
	// requested operation.
	ErrUnsupported = errors.New("backend: unsupported")

	// ErrInvalidHandle is returned when a handle does not belong to this
	// backend or was already destroyed.
	ErrInvalidHandle = errors.New("backend: invalid handle")

	// ErrInvalidCommand is returned when a submitted command stream is
	// malformed.
	ErrInvalidCommand = errors.New("backend: invalid command stream")

	// ErrClosed is returned when submitting against a closed backend.
	ErrClosed = errors.New("backend: closed")
)

// Handle identifies a backend-owned resource allocation.
type Handle interface {
	// Size returns the allocation size in bytes.
	Size() uint64
}

// Context is a backend-side rendering context.
type Context interface {
	// Capset returns the capability set the context was created with.
	Capset() (id, version uint32)
}

// Capset is one capability set a backend advertises.
type Capset struct {
	// ID is the capability set family (virgl, venus, ...).
	ID uint32

	// Version is the highest supported version of the family.
	Version uint32

	// Data is the serialized descriptor, opaque to the broker.
	Data []byte
}

// ResourceSpec describes a resource allocation request.
type ResourceSpec struct {
	// Width, Height and Depth are the image dimensions. Linear buffers use
	// Width as the byte length with Height and Depth of 1.
	Width, Height, Depth uint32

	// Format is the resource format tag.
	Format uint32

	// Bind carries the usage flags the guest declared.
	Bind uint32

	// Size is the total allocation size in bytes.
	Size uint64

	// Blob marks an opaque allocation request.
	Blob bool

	// BlobFlags carries mappable/shareable/cross-device flags for blobs.
	BlobFlags uint32
}

// Direction selects which way a Transfer moves bytes.
type Direction int

const (
	// ToBackend copies caller bytes into the backend allocation.
	ToBackend Direction = iota

	// FromBackend copies backend bytes into the caller buffer.
	FromBackend
)

// Region is the backend-facing view of a transfer box.
type Region struct {
	X, Y, Z uint32
	W, H, D uint32

	// Stride is the row pitch in bytes; zero means tightly packed.
	Stride uint32

	// LayerStride is the slice pitch in bytes; zero means tightly packed.
	LayerStride uint32

	// Offset is the starting byte offset for linear transfers.
	Offset uint64
}

// Completion reports one resolved fence. Err is nil for success; a non-nil
// Err marks the fence signaled-with-error.
type Completion struct {
	Ring    uint32
	Seq     uint64
	Err     error
	Payload []byte
}

// FenceHandler consumes fence completions. The broker installs one handler
// before Init; backends may invoke it from any goroutine.
type FenceHandler func(Completion)

// ShareHandle is a cross-process shareable view of a backend allocation.
type ShareHandle interface {
	// Type returns the OS handle flavor (shm, dmabuf, opaque fd).
	Type() uint32

	// Bytes returns the shared region for host-visible handles, or nil for
	// opaque ones.
	Bytes() []byte

	// Close releases the handle. Closing twice is an error.
	Close() error
}

// Backend is the interface implemented by every virtgpu backend variant.
//
// Backends must be registered via Register and are selected via Get or
// Default. A backend instance serves exactly one broker.
type Backend interface {
	// Name returns the backend identifier (e.g. "software", "wgpu").
	Name() string

	// Init initializes the backend. The fence handler must be installed
	// before Init is called.
	Init() error

	// Close releases all backend resources and stops completion delivery.
	// The backend should not be used after Close.
	Close()

	// Capsets returns the capability sets this variant advertises.
	Capsets() []Capset

	// SetFenceHandler installs the completion consumer.
	SetFenceHandler(FenceHandler)

	// CreateResource allocates backend storage for a resource.
	CreateResource(spec ResourceSpec) (Handle, error)

	// AttachContext creates a backend context for the given capability set.
	AttachContext(capsetID, capsetVersion uint32) (Context, error)

	// DestroyContext tears down a backend context.
	DestroyContext(ctx Context)

	// Submit executes a command stream on the given ring. seq is the fence
	// sequence number the broker assigned to this submission; its
	// completion must eventually reach the fence handler.
	Submit(ctx Context, ring uint32, seq uint64, commands []byte) error

	// Transfer moves bytes between buf and the backend allocation. The call
	// blocks until the bytes are visible, even if the variant can only
	// queue the copy internally.
	Transfer(h Handle, region Region, dir Direction, buf []byte) error

	// CreateFence inserts a fence-only submission on the given ring.
	CreateFence(ctx Context, ring uint32, seq uint64) error

	// ExportHandle converts an allocation into a shareable handle, or
	// returns ErrUnsupported when the allocation cannot be shared.
	ExportHandle(h Handle) (ShareHandle, error)

	// ImportHandle adopts a shareable handle as a new allocation of the
	// given size. Ownership of the handle transfers to the backend.
	ImportHandle(sh ShareHandle, size uint64) (Handle, error)

	// Map exposes a host-visible view of the allocation.
	Map(h Handle) ([]byte, error)

	// Unmap releases the view returned by Map.
	Unmap(h Handle) error

	// Flush publishes the allocation's current contents to the scanout.
	Flush(h Handle) error

	// Destroy releases a backend allocation.
	Destroy(h Handle)
}
