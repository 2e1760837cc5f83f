// Package virtgpu implements the host-side resource and command broker for
// a virtio-gpu device.
//
// # Overview
//
// virtgpu sits between a virtual-machine-monitor's GPU device emulation and
// a concrete graphics backend. The guest driver creates resources, submits
// command streams, synchronizes through fences and shares buffers with the
// host compositor; the broker owns the authoritative state for all of it and
// routes backend-specific work through a single uniform interface.
//
// # Quick Start
//
//	import "github.com/gogpu/virtgpu"
//
//	// Software backend, default capsets.
//	b, err := virtgpu.New()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer b.Close()
//
//	ctx, _ := b.CreateContext(virtgpu.CapsetVirgl, 0)
//	res, _ := b.CreateResource2D(virtgpu.ResourceCreate2D{
//		Width: 64, Height: 64, Format: virtgpu.FormatB8G8R8A8,
//	})
//	_ = b.AttachResource(ctx, res)
//
// # Architecture
//
// The broker is organized into:
//   - Tables: resources, contexts and capability sets, guarded by one
//     broker-wide mutex.
//   - Fence tracker: per-ring monotonic sequence numbers, safe to signal
//     from backend-owned threads.
//   - Transfer engine: structured guest/host copies for scatter-list and
//     host-mapped backings, delegation for backend-owned ones.
//   - Export manager: shareable handles and scoped map/unmap lifetimes.
//   - Backends: software (always available), wgpu passthrough, virgl-style
//     translation and a streaming variant, under backend/.
//
// Backends may complete submissions asynchronously; completion always
// arrives through the fence tracker, never as a direct return value.
//
// # Logging
//
// virtgpu produces no log output by default. Call [SetLogger] to enable it.
package virtgpu
