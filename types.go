package virtgpu

import "github.com/google/uuid"

// ResourceID identifies a live resource. Ids are broker-assigned from a
// monotonic counter and are never reused while the broker lives.
type ResourceID uint32

// ContextID identifies a live rendering context.
type ContextID uint32

// Format is a resource pixel or buffer format tag. The values follow the
// virtio-gpu 2D format namespace; backends interpret 3D formats through
// their own capability sets.
type Format uint32

// Supported 2D formats.
const (
	FormatB8G8R8A8 Format = 1
	FormatB8G8R8X8 Format = 2
	FormatA8R8G8B8 Format = 3
	FormatX8R8G8B8 Format = 4
	FormatR8G8B8A8 Format = 67
	FormatX8B8G8R8 Format = 68
	FormatA8B8G8R8 Format = 121
	FormatR8G8B8X8 Format = 134

	// FormatBuffer tags linear buffer resources (blobs, vertex data).
	FormatBuffer Format = 0
)

// BytesPerPixel returns the pixel stride of the format in bytes.
// Buffer resources report 1 so sizes and offsets stay byte-addressed.
func (f Format) BytesPerPixel() uint32 {
	switch f {
	case FormatBuffer:
		return 1
	default:
		// All supported image formats are 32-bit.
		return 4
	}
}

// Usage describes how a resource is bound, mirroring Gallium bind flags.
type Usage uint32

const (
	// UsageSampling allows the resource to be sampled by shaders.
	UsageSampling Usage = 1 << 0

	// UsageRenderTarget allows the resource to be rendered into.
	UsageRenderTarget Usage = 1 << 1

	// UsageScanout allows the resource to be scanned out to a display.
	UsageScanout Usage = 1 << 2

	// UsageBlob marks an opaque backend-owned allocation.
	UsageBlob Usage = 1 << 3
)

// BlobMem selects where a blob resource's memory lives.
type BlobMem uint32

const (
	// BlobMemGuest places the blob in guest memory; backing is attached
	// later as a scatter list.
	BlobMemGuest BlobMem = 0x0001

	// BlobMemHost3D places the blob inside the backend.
	BlobMemHost3D BlobMem = 0x0002

	// BlobMemHost3DGuest places the blob inside the backend with a guest
	// shadow for transfers.
	BlobMemHost3DGuest BlobMem = 0x0003
)

// BlobFlags describe how a blob resource may be used.
type BlobFlags uint32

const (
	// BlobFlagMappable allows Map on the blob.
	BlobFlagMappable BlobFlags = 0x0001

	// BlobFlagShareable allows Export on the blob.
	BlobFlagShareable BlobFlags = 0x0002

	// BlobFlagCrossDevice allows sharing across devices.
	BlobFlagCrossDevice BlobFlags = 0x0004
)

// MapInfo describes caching and access attributes of a mapping, following
// the virtio-gpu map info encoding.
type MapInfo uint32

const (
	MapCacheMask     MapInfo = 0x0f
	MapCacheCached   MapInfo = 0x01
	MapCacheUncached MapInfo = 0x02
	MapCacheWC       MapInfo = 0x03

	MapAccessMask  MapInfo = 0xf0
	MapAccessRead  MapInfo = 0x10
	MapAccessWrite MapInfo = 0x20
	MapAccessRW    MapInfo = 0x30
)

// HandleType identifies the OS flavor of a shareable handle. Memory and
// signal handles share one namespace.
type HandleType uint32

const (
	HandleTypeOpaqueFD    HandleType = 0x0001
	HandleTypeDmabuf      HandleType = 0x0002
	HandleTypeOpaqueWin32 HandleType = 0x0003
	HandleTypeShm         HandleType = 0x0004
)

// CapsetID identifies a capability set family.
type CapsetID uint32

const (
	CapsetVirgl           CapsetID = 1
	CapsetVirgl2          CapsetID = 2
	CapsetGfxstreamVulkan CapsetID = 3
	CapsetVenus           CapsetID = 4
	CapsetCrossDomain     CapsetID = 5
)

// Iovec is one segment of a guest scatter-list backing. The transport layer
// resolves guest physical addresses into host slices before handing them to
// the broker; Addr is retained for diagnostics only.
type Iovec struct {
	// Base is the host view of the guest pages.
	Base []byte

	// Addr is the guest physical address the segment was resolved from.
	Addr uint64
}

// Box3D is a transfer sub-region: an XYZ box plus the strides needed to
// interpret it. Transfers of 1D buffers use W with H=D=1; a Stride of zero
// means rows are tightly packed.
type Box3D struct {
	X, Y, Z uint32
	W, H, D uint32

	// Level is the target mipmap level (backend resources only).
	Level uint32

	// Stride is the row pitch in bytes within the linear data.
	Stride uint32

	// LayerStride is the slice pitch in bytes for 3D boxes.
	LayerStride uint32

	// Offset is the starting byte offset for buffer transfers.
	Offset uint64
}

// NewBox2D constructs an XY box with unit depth and no Z displacement.
func NewBox2D(x, y, w, h uint32, offset uint64) Box3D {
	return Box3D{X: x, Y: y, W: w, H: h, D: 1, Offset: offset}
}

// Empty reports whether the box encloses zero bytes.
func (b Box3D) Empty() bool {
	return b.W == 0 || b.H == 0 || b.D == 0
}

// ResourceCreate2D describes a 2D resource.
type ResourceCreate2D struct {
	Width  uint32
	Height uint32
	Format Format
}

// ResourceCreate3D describes a 3D resource. The field set follows Gallium's
// resource templates, which is what 3D-capable backends consume.
type ResourceCreate3D struct {
	Target    uint32
	Format    Format
	Bind      Usage
	Width     uint32
	Height    uint32
	Depth     uint32
	ArraySize uint32
	LastLevel uint32
	Samples   uint32
	Flags     uint32
}

// ResourceCreateBlob describes a blob resource.
type ResourceCreateBlob struct {
	Mem    BlobMem
	Flags  BlobFlags
	BlobID uint64
	Size   uint64
}

// Resource3DInfo is the scanout metadata attached to exported images.
type Resource3DInfo struct {
	Width    uint32
	Height   uint32
	FourCC   uint32
	Strides  [4]uint32
	Offsets  [4]uint32
	Modifier uint64

	// GuestCPUMappable reports whether the guest may map the buffer.
	GuestCPUMappable bool
}

// DeviceID uniquely identifies the physical device a passthrough resource
// was allocated on.
type DeviceID struct {
	DeviceUUID uuid.UUID
	DriverUUID uuid.UUID
}

// VulkanInfo locates the device memory behind a passthrough resource.
type VulkanInfo struct {
	MemoryIdx uint32
	Device    DeviceID
}
