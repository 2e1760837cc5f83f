// Package virgl implements the command-stream translation backend
// variant. Guest command streams are decoded and validated on the host;
// shader payloads carry WGSL source and are translated to SPIR-V through
// gogpu/naga, with compiled modules cached by source.
//
// Resources live in host memory. Submissions complete asynchronously on a
// single worker goroutine that drains the submission queue FIFO, so
// completions on one ring always arrive in submission order.
//
// The backend registers itself under the name "virgl" on import:
//
//	import _ "github.com/gogpu/virtgpu/backend/virgl"
package virgl
