package virtgpu

import (
	"errors"
	"testing"

	"github.com/gogpu/virtgpu/backend"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := New(WithBackend(backend.NewSoftware()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestExportHostBacking(t *testing.T) {
	b := newTestBroker(t)

	id, err := b.CreateResourceBlob(ResourceCreateBlob{Mem: BlobMemGuest, Size: 32})
	if err != nil {
		t.Fatalf("CreateResourceBlob: %v", err)
	}
	if err := b.AttachHostBacking(id); err != nil {
		t.Fatalf("AttachHostBacking: %v", err)
	}

	h, err := b.Export(id)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if h.Type() != HandleTypeShm {
		t.Fatalf("handle type = %d, want shm", h.Type())
	}
	if len(h.Bytes()) != 32 {
		t.Fatalf("handle bytes = %d, want 32", len(h.Bytes()))
	}

	// Re-export within the same backing generation returns the cached handle.
	h2, err := b.Export(id)
	if err != nil {
		t.Fatalf("re-Export: %v", err)
	}
	if h2 != h {
		t.Fatal("re-export created a second live handle")
	}

	// A new backing generation gets a new handle.
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.DetachBacking(id); err != nil {
		t.Fatalf("DetachBacking: %v", err)
	}
	if err := b.AttachHostBacking(id); err != nil {
		t.Fatalf("re-AttachHostBacking: %v", err)
	}
	h3, err := b.Export(id)
	if err != nil {
		t.Fatalf("Export after re-attach: %v", err)
	}
	if h3 == h {
		t.Fatal("export reused handle across backing generations")
	}
}

func TestExportGuestScatterUnsupported(t *testing.T) {
	b := newTestBroker(t)

	id, err := b.CreateResourceBlob(ResourceCreateBlob{Mem: BlobMemGuest, Size: 16})
	if err != nil {
		t.Fatalf("CreateResourceBlob: %v", err)
	}
	if err := b.AttachBacking(id, []Iovec{{Base: make([]byte, 16)}}); err != nil {
		t.Fatalf("AttachBacking: %v", err)
	}
	if _, err := b.Export(id); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Export of scatter backing err = %v, want ErrUnsupported", err)
	}
}

func TestExportUnbacked(t *testing.T) {
	b := newTestBroker(t)
	id, err := b.CreateResourceBlob(ResourceCreateBlob{Mem: BlobMemGuest, Size: 16})
	if err != nil {
		t.Fatalf("CreateResourceBlob: %v", err)
	}
	if _, err := b.Export(id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Export of unbacked err = %v, want ErrInvalidState", err)
	}
}

func TestExportHandleDoubleClose(t *testing.T) {
	b := newTestBroker(t)
	id, err := b.CreateResourceBlob(ResourceCreateBlob{
		Mem: BlobMemHost3D, Flags: BlobFlagMappable | BlobFlagShareable, Size: 16,
	})
	if err != nil {
		t.Fatalf("CreateResourceBlob: %v", err)
	}
	h, err := b.Export(id)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double Close err = %v, want ErrInvalidState", err)
	}
}

func TestImportSharesMemory(t *testing.T) {
	b := newTestBroker(t)

	src, err := b.CreateResourceBlob(ResourceCreateBlob{
		Mem: BlobMemHost3D, Flags: BlobFlagMappable | BlobFlagShareable, Size: 16,
	})
	if err != nil {
		t.Fatalf("CreateResourceBlob: %v", err)
	}
	h, err := b.Export(src)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	imported, err := b.Import(h, 16, FormatBuffer)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if imported == src {
		t.Fatal("import returned the source id")
	}

	// The software backend imports zero-copy, so writes through the source
	// are visible through the imported resource.
	if err := b.TransferToHost(src, Box3D{W: 4, H: 1, D: 1}, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("TransferToHost: %v", err)
	}
	m, err := b.Map(imported)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if m[0] != 1 || m[3] != 4 {
		t.Fatalf("imported view = % x", m[:4])
	}
}

func TestImportTransfersHandleOwnership(t *testing.T) {
	b := newTestBroker(t)

	src, err := b.CreateResourceBlob(ResourceCreateBlob{
		Mem: BlobMemHost3D, Flags: BlobFlagMappable | BlobFlagShareable, Size: 16,
	})
	if err != nil {
		t.Fatalf("CreateResourceBlob: %v", err)
	}
	h, err := b.Export(src)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	imported, err := b.Import(h, 16, FormatBuffer)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	// The exporter no longer owns the handle: releasing it must leave the
	// importer's handle open.
	if err := b.Unref(src); err != nil {
		t.Fatalf("Unref(src): %v", err)
	}
	if h.isClosed() {
		t.Fatal("exporter release closed the importer's handle")
	}

	if err := b.Unref(imported); err != nil {
		t.Fatalf("Unref(imported): %v", err)
	}
	if !h.isClosed() {
		t.Fatal("importer release left the handle open")
	}
	if err := h.Close(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Close after release err = %v, want ErrInvalidState", err)
	}
}

func TestImportClosedHandleRejected(t *testing.T) {
	b := newTestBroker(t)
	id, err := b.CreateResourceBlob(ResourceCreateBlob{
		Mem: BlobMemHost3D, Flags: BlobFlagShareable, Size: 16,
	})
	if err != nil {
		t.Fatalf("CreateResourceBlob: %v", err)
	}
	h, err := b.Export(id)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := b.Import(h, 16, FormatBuffer); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Import of closed handle err = %v, want ErrInvalidState", err)
	}
	if _, err := b.Import(nil, 16, FormatBuffer); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Import of nil handle err = %v, want ErrInvalidState", err)
	}
}

func TestMapLifecycle(t *testing.T) {
	b := newTestBroker(t)
	id, err := b.CreateResourceBlob(ResourceCreateBlob{
		Mem: BlobMemHost3D, Flags: BlobFlagMappable, Size: 16,
	})
	if err != nil {
		t.Fatalf("CreateResourceBlob: %v", err)
	}

	if err := b.Unmap(id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Unmap before Map err = %v, want ErrInvalidState", err)
	}

	m1, err := b.Map(id)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	m2, err := b.Map(id)
	if err != nil {
		t.Fatalf("re-Map: %v", err)
	}
	if &m1[0] != &m2[0] {
		t.Fatal("repeated Map returned a different view")
	}

	if err := b.Unmap(id); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if err := b.Unmap(id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double Unmap err = %v, want ErrInvalidState", err)
	}
}

func TestMapGuestScatterFails(t *testing.T) {
	b := newTestBroker(t)
	id, err := b.CreateResourceBlob(ResourceCreateBlob{Mem: BlobMemGuest, Size: 16})
	if err != nil {
		t.Fatalf("CreateResourceBlob: %v", err)
	}
	if err := b.AttachBacking(id, []Iovec{{Base: make([]byte, 16)}}); err != nil {
		t.Fatalf("AttachBacking: %v", err)
	}
	if _, err := b.Map(id); !errors.Is(err, ErrMappingFailed) {
		t.Fatalf("Map of scatter backing err = %v, want ErrMappingFailed", err)
	}
}
