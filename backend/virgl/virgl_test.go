package virgl

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/virtgpu/backend"
)

const validWGSL = "@compute @workgroup_size(1) fn main() {}"

// collector gathers completions from the worker goroutine.
type collector struct {
	mu   sync.Mutex
	seqs []uint64
	errs []error
	ch   chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 256)}
}

func (c *collector) handler(comp backend.Completion) {
	c.mu.Lock()
	c.seqs = append(c.seqs, comp.Seq)
	c.errs = append(c.errs, comp.Err)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for completion %d of %d", i+1, n)
		}
	}
}

func newInitialized(t *testing.T) (*Backend, *collector) {
	t.Helper()
	b := New()
	col := newCollector()
	b.SetFenceHandler(col.handler)
	if err := b.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return b, col
}

func TestVirglRingFIFO(t *testing.T) {
	b, col := newInitialized(t)
	defer b.Close()

	ctx, err := b.AttachContext(1, 0)
	if err != nil {
		t.Fatalf("AttachContext: %v", err)
	}

	stream := backend.EncodeCommand(nil, backend.OpNop, nil)
	for seq := uint64(1); seq <= 10; seq++ {
		if err := b.Submit(ctx, 0, seq, stream); err != nil {
			t.Fatalf("Submit seq %d: %v", seq, err)
		}
	}
	col.waitFor(t, 10)

	col.mu.Lock()
	defer col.mu.Unlock()
	for i, s := range col.seqs {
		if s != uint64(i+1) {
			t.Fatalf("completion order = %v", col.seqs)
		}
	}
}

func TestVirglShaderCompiledAndCached(t *testing.T) {
	b, col := newInitialized(t)
	defer b.Close()

	ctx, err := b.AttachContext(1, 0)
	if err != nil {
		t.Fatalf("AttachContext: %v", err)
	}

	stream := backend.EncodeCommand(nil, backend.OpShader, []byte(validWGSL))
	if err := b.Submit(ctx, 0, 1, stream); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := b.Submit(ctx, 0, 2, stream); err != nil {
		t.Fatalf("repeat Submit: %v", err)
	}
	col.waitFor(t, 2)

	col.mu.Lock()
	defer col.mu.Unlock()
	for i, err := range col.errs {
		if err != nil {
			t.Fatalf("completion %d err = %v", i, err)
		}
	}
	// The repeat was served from the cache, not recompiled.
	if n := b.shaders.Len(); n != 1 {
		t.Fatalf("shader cache holds %d entries, want 1", n)
	}
}

func TestVirglShaderFailureReportedViaFence(t *testing.T) {
	b, col := newInitialized(t)
	defer b.Close()

	ctx, err := b.AttachContext(1, 0)
	if err != nil {
		t.Fatalf("AttachContext: %v", err)
	}

	// The stream frames correctly, so Submit accepts it; the translation
	// fault arrives through the completion like a device fault would.
	stream := backend.EncodeCommand(nil, backend.OpShader, []byte("not wgsl at all"))
	if err := b.Submit(ctx, 0, 1, stream); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	col.waitFor(t, 1)

	col.mu.Lock()
	defer col.mu.Unlock()
	if !errors.Is(col.errs[0], backend.ErrInvalidCommand) {
		t.Fatalf("completion err = %v, want ErrInvalidCommand", col.errs[0])
	}
	if n := b.shaders.Len(); n != 0 {
		t.Fatalf("failed shader cached: %d entries", n)
	}
}

func TestVirglUnknownOpSynchronous(t *testing.T) {
	b, col := newInitialized(t)
	defer b.Close()

	ctx, err := b.AttachContext(1, 0)
	if err != nil {
		t.Fatalf("AttachContext: %v", err)
	}

	stream := backend.EncodeCommand(nil, 99, nil)
	if err := b.Submit(ctx, 0, 1, stream); !errors.Is(err, backend.ErrInvalidCommand) {
		t.Fatalf("Submit err = %v, want ErrInvalidCommand", err)
	}

	col.mu.Lock()
	defer col.mu.Unlock()
	if len(col.seqs) != 0 {
		t.Fatalf("rejected submission produced completions: %v", col.seqs)
	}
}

func TestVirglFenceOrderedBehindSubmissions(t *testing.T) {
	b, col := newInitialized(t)
	defer b.Close()

	ctx, err := b.AttachContext(1, 0)
	if err != nil {
		t.Fatalf("AttachContext: %v", err)
	}

	stream := backend.EncodeCommand(nil, backend.OpShader, []byte(validWGSL))
	if err := b.Submit(ctx, 0, 1, stream); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := b.CreateFence(ctx, 0, 2); err != nil {
		t.Fatalf("CreateFence: %v", err)
	}
	col.waitFor(t, 2)

	col.mu.Lock()
	defer col.mu.Unlock()
	if col.seqs[0] != 1 || col.seqs[1] != 2 {
		t.Fatalf("completion order = %v, want [1 2]", col.seqs)
	}
}

func TestVirglSubmitAfterClose(t *testing.T) {
	b, _ := newInitialized(t)
	ctx, err := b.AttachContext(1, 0)
	if err != nil {
		t.Fatalf("AttachContext: %v", err)
	}
	b.Close()

	stream := backend.EncodeCommand(nil, backend.OpNop, nil)
	if err := b.Submit(ctx, 0, 1, stream); !errors.Is(err, backend.ErrClosed) {
		t.Fatalf("Submit after Close err = %v, want ErrClosed", err)
	}
}

func TestVirglTransferAndExport(t *testing.T) {
	b, _ := newInitialized(t)
	defer b.Close()

	h, err := b.CreateResource(backend.ResourceSpec{Size: 8, Blob: true, BlobFlags: 0x0002})
	if err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	if err := b.Transfer(h, backend.Region{}, backend.ToBackend, []byte{5, 6}); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	sh, err := b.ExportHandle(h)
	if err != nil {
		t.Fatalf("ExportHandle: %v", err)
	}
	if sh.Bytes()[0] != 5 || sh.Bytes()[1] != 6 {
		t.Fatalf("share bytes = % x", sh.Bytes()[:2])
	}
}
