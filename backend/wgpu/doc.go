// Package wgpu implements the hardware-accelerated backend variant on top
// of gogpu/wgpu's HAL layer (Vulkan, Metal, DX12).
//
// Resources live in device-local buffers with a host shadow copy for
// readback. Submissions complete asynchronously: a worker goroutine waits
// on the device fence for each submission and reports completions in
// submission order per ring.
//
// The backend registers itself under the name "wgpu" on import:
//
//	import _ "github.com/gogpu/virtgpu/backend/wgpu"
//
// By default Init opens a standalone device on the best available
// adapter. Embedders that already own a device (for example a gogpu app)
// can share it through WithProvider instead.
package wgpu
