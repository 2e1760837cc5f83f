// Package backend defines the uniform interface every virtgpu backend
// variant implements, and a registry for selecting one at broker
// construction.
//
// A backend owns the storage and execution side of broker operations:
// backend-allocated resources, context state, command execution and fence
// resolution. The broker validates ids and bookkeeping; the backend never
// sees broker tables, and the broker never branches on the backend variant.
//
// All backend calls are synchronous except fence resolution, which arrives
// through the FenceHandler installed at init. The software variant signals
// the handler inline from Submit; the asynchronous variants signal it from
// backend-owned goroutines.
package backend
