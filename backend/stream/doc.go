// Package stream implements the accelerated streaming backend variant.
//
// Each timeline ring gets its own worker goroutine fed by a dedicated
// queue, so rings progress independently: a stalled ring never delays
// completions on another. Within one ring, completions arrive in
// submission order. Workers run under an errgroup so Close observes the
// first worker failure.
//
// The backend registers itself under the name "stream" on import:
//
//	import _ "github.com/gogpu/virtgpu/backend/stream"
package stream
