package virtgpu

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gogpu/virtgpu/backend"
)

// FenceFlags qualify a fence submission, following the virtio-gpu fence
// flag encoding.
type FenceFlags uint32

const (
	// FenceFlagFence requests a fence for the submission.
	FenceFlagFence FenceFlags = 1 << 0

	// FenceFlagRingInfo indicates the ring index field is meaningful.
	FenceFlagRingInfo FenceFlags = 1 << 1

	// FenceFlagShareable requests a host-shareable fence.
	FenceFlagShareable FenceFlags = 1 << 2
)

// Fence is a completion token for one submission. Fences are created by
// Submit and resolved by the backend; (ring, seq) pairs are unique for the
// lifetime of the broker.
//
// Signaled, Err and Payload are safe to call from any goroutine. Err and
// Payload are only meaningful once Signaled reports true.
type Fence struct {
	ring uint32
	seq  uint64
	ctx  ContextID

	// done is closed exactly once when the fence resolves; err and payload
	// are written before the close and never after.
	done    chan struct{}
	err     error
	payload []byte
}

// Ring returns the ring the fence was submitted on.
func (f *Fence) Ring() uint32 { return f.ring }

// Seq returns the per-ring sequence number.
func (f *Fence) Seq() uint64 { return f.seq }

// Context returns the id of the context that submitted the fence.
func (f *Fence) Context() ContextID { return f.ctx }

// Signaled reports whether the fence has resolved, successfully or not.
func (f *Fence) Signaled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the backend error for a fence signaled-with-error, or nil.
func (f *Fence) Err() error {
	if !f.Signaled() {
		return nil
	}
	return f.err
}

// Payload returns the opaque completion payload, if the backend attached
// one.
func (f *Fence) Payload() []byte {
	if !f.Signaled() {
		return nil
	}
	return f.payload
}

// Done returns a channel closed when the fence resolves.
func (f *Fence) Done() <-chan struct{} { return f.done }

// ringFences is the per-ring bookkeeping of the tracker.
type ringFences struct {
	// lastSeq is the last assigned sequence number. Sequence numbers are
	// strictly increasing and never reused.
	lastSeq uint64

	pending map[uint64]*Fence

	// completed holds fences signaled since the last poll, kept in
	// ascending sequence order.
	completed []*Fence
}

// fenceTracker owns fence state for all rings. It has its own mutex,
// independent of the broker-wide one, so backend completion threads never
// contend with unrelated resource operations.
type fenceTracker struct {
	mu           sync.Mutex
	rings        map[uint32]*ringFences
	pendingByCtx map[ContextID]int
}

func newFenceTracker() *fenceTracker {
	return &fenceTracker{
		rings:        make(map[uint32]*ringFences),
		pendingByCtx: make(map[ContextID]int),
	}
}

func (t *fenceTracker) ring(idx uint32) *ringFences {
	r, ok := t.rings[idx]
	if !ok {
		r = &ringFences{pending: make(map[uint64]*Fence)}
		t.rings[idx] = r
	}
	return r
}

// submit assigns the next sequence number on the ring and returns the new
// pending fence.
func (t *fenceTracker) submit(ctx ContextID, ringIdx uint32) *Fence {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.ring(ringIdx)
	r.lastSeq++
	f := &Fence{
		ring: ringIdx,
		seq:  r.lastSeq,
		ctx:  ctx,
		done: make(chan struct{}),
	}
	r.pending[f.seq] = f
	t.pendingByCtx[ctx]++
	return f
}

// handler returns the completion consumer installed into the backend.
func (t *fenceTracker) handler() backend.FenceHandler {
	return func(c backend.Completion) {
		t.signal(c.Ring, c.Seq, c.Err, c.Payload)
	}
}

// signal resolves fences on a ring up to and including seq. Rings are
// timelines: a completion at seq implies every earlier submission on the
// same ring finished, so all pending fences at or below seq resolve with
// it. err attaches to the exact sequence number only.
//
// Safe to call from backend-owned goroutines concurrently with submit,
// poll and wait.
func (t *fenceTracker) signal(ringIdx uint32, seq uint64, err error, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rings[ringIdx]
	if !ok {
		Logger().Warn("discarding completion for unknown ring",
			slog.Uint64("ring", uint64(ringIdx)), slog.Uint64("seq", seq))
		return
	}

	var batch []*Fence
	for s, f := range r.pending {
		if s <= seq {
			batch = append(batch, f)
		}
	}
	if len(batch) == 0 {
		// Completion for an already-resolved or abandoned fence; observe
		// and discard per the cancellation contract.
		Logger().Warn("discarding stale completion",
			slog.Uint64("ring", uint64(ringIdx)), slog.Uint64("seq", seq))
		return
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].seq < batch[j].seq })

	for _, f := range batch {
		delete(r.pending, f.seq)
		if f.seq == seq {
			f.err = err
			f.payload = payload
		}
		close(f.done)
		t.pendingByCtx[f.ctx]--
		if t.pendingByCtx[f.ctx] == 0 {
			delete(t.pendingByCtx, f.ctx)
		}
	}
	r.completed = mergeCompleted(r.completed, batch)
}

// fail resolves exactly the rejected fence as signaled-with-error. Used
// when the backend rejects a submission synchronously, so teardown is
// never blocked by a backend fault. A rejection says nothing about earlier
// submissions on the ring: those stay pending until their own completions
// arrive.
func (t *fenceTracker) fail(f *Fence, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rings[f.ring]
	if !ok {
		return
	}
	if _, live := r.pending[f.seq]; !live {
		return
	}
	delete(r.pending, f.seq)
	f.err = err
	close(f.done)
	t.pendingByCtx[f.ctx]--
	if t.pendingByCtx[f.ctx] == 0 {
		delete(t.pendingByCtx, f.ctx)
	}
	r.completed = mergeCompleted(r.completed, []*Fence{f})
}

// poll returns all fences signaled on the ring since the last poll, in
// ascending sequence order. Non-blocking; safe to call from a different
// goroutine than submit.
func (t *fenceTracker) poll(ringIdx uint32) []*Fence {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rings[ringIdx]
	if !ok || len(r.completed) == 0 {
		return nil
	}
	out := r.completed
	r.completed = nil
	return out
}

// wait blocks until the fence resolves or the timeout elapses.
func (t *fenceTracker) wait(f *Fence, timeout time.Duration) error {
	if f == nil {
		return fmt.Errorf("%w: nil fence", ErrInvalidState)
	}
	select {
	case <-f.done:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: ring %d seq %d after %v", ErrTimeout, f.ring, f.seq, timeout)
	}
}

// pendingFor returns the number of unresolved fences submitted by ctx.
func (t *fenceTracker) pendingFor(ctx ContextID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingByCtx[ctx]
}

// mergeCompleted merges an ascending batch into the ascending completed
// list. Batches normally extend the tail; the merge only matters when a
// synchronous failure resolved a later sequence number first.
func mergeCompleted(completed, batch []*Fence) []*Fence {
	if len(completed) == 0 {
		return append(completed, batch...)
	}
	if completed[len(completed)-1].seq < batch[0].seq {
		return append(completed, batch...)
	}
	out := make([]*Fence, 0, len(completed)+len(batch))
	i, j := 0, 0
	for i < len(completed) && j < len(batch) {
		if completed[i].seq < batch[j].seq {
			out = append(out, completed[i])
			i++
		} else {
			out = append(out, batch[j])
			j++
		}
	}
	out = append(out, completed[i:]...)
	out = append(out, batch[j:]...)
	return out
}
