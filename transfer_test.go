package virtgpu

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gogpu/virtgpu/backend"
)

func newHostImage(t *testing.T, w, h uint32) (*resourceTable, *Resource) {
	t.Helper()
	tbl := newResourceTable()
	res := tbl.create(uint64(w)*uint64(h)*4, FormatB8G8R8A8, UsageSampling)
	res.width = w
	res.height = h
	res.depth = 1
	if err := tbl.attachHost(res.ID()); err != nil {
		t.Fatalf("attachHost: %v", err)
	}
	return tbl, res
}

func TestTransferHostRoundTrip(t *testing.T) {
	e := &transferEngine{}
	_, res := newHostImage(t, 4, 4)

	src := make([]byte, 64)
	for i := range src {
		src[i] = byte(i)
	}
	box := NewBox2D(0, 0, 4, 4, 0)
	if err := e.toHost(res, box, src); err != nil {
		t.Fatalf("toHost: %v", err)
	}

	dst := make([]byte, 64)
	n, err := e.fromHost(res, box, dst)
	if err != nil {
		t.Fatalf("fromHost: %v", err)
	}
	if n != 64 {
		t.Fatalf("fromHost n = %d, want 64", n)
	}
	if !bytes.Equal(dst, src) {
		t.Fatal("roundtrip mismatch")
	}
}

func TestTransferSubRegionWithStride(t *testing.T) {
	e := &transferEngine{}
	_, res := newHostImage(t, 4, 4)

	// Write a 2x2 sub-box at (1,1) from a buffer with a 16-byte row stride,
	// twice the packed 8-byte row.
	src := make([]byte, 16+8)
	copy(src[0:8], []byte{1, 1, 1, 1, 2, 2, 2, 2})
	copy(src[16:24], []byte{3, 3, 3, 3, 4, 4, 4, 4})
	box := Box3D{X: 1, Y: 1, W: 2, H: 2, D: 1, Stride: 16}
	if err := e.toHost(res, box, src); err != nil {
		t.Fatalf("toHost: %v", err)
	}

	// Row 1 of the 4x4 image starts at byte 16; x=1 is byte offset 4.
	if res.hostMem[16+4] != 1 || res.hostMem[16+8] != 2 {
		t.Fatalf("row 1 = % x", res.hostMem[16:32])
	}
	if res.hostMem[32+4] != 3 || res.hostMem[32+8] != 4 {
		t.Fatalf("row 2 = % x", res.hostMem[32:48])
	}

	// Read it back packed.
	dst := make([]byte, 16)
	packed := Box3D{X: 1, Y: 1, W: 2, H: 2, D: 1}
	if _, err := e.fromHost(res, packed, dst); err != nil {
		t.Fatalf("fromHost: %v", err)
	}
	want := []byte{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4}
	if !bytes.Equal(dst, want) {
		t.Fatalf("packed readback = % x, want % x", dst, want)
	}
}

func TestTransferGuestScatterCrossesSegments(t *testing.T) {
	e := &transferEngine{}
	tbl := newResourceTable()
	res := tbl.create(32, FormatBuffer, UsageBlob)

	// Three segments of uneven size; rows land across the seams.
	iovs := []Iovec{
		{Base: make([]byte, 5)},
		{Base: make([]byte, 20)},
		{Base: make([]byte, 7)},
	}
	if err := tbl.attachGuest(res.ID(), iovs); err != nil {
		t.Fatalf("attachGuest: %v", err)
	}

	src := make([]byte, 32)
	for i := range src {
		src[i] = byte(i + 1)
	}
	box := Box3D{W: 32, H: 1, D: 1}
	if err := e.toHost(res, box, src); err != nil {
		t.Fatalf("toHost: %v", err)
	}

	if iovs[0].Base[4] != 5 {
		t.Fatalf("segment 0 tail = %d, want 5", iovs[0].Base[4])
	}
	if iovs[1].Base[0] != 6 {
		t.Fatalf("segment 1 head = %d, want 6", iovs[1].Base[0])
	}
	if iovs[2].Base[6] != 32 {
		t.Fatalf("segment 2 tail = %d, want 32", iovs[2].Base[6])
	}

	dst := make([]byte, 32)
	if _, err := e.fromHost(res, box, dst); err != nil {
		t.Fatalf("fromHost: %v", err)
	}
	if !bytes.Equal(dst, src) {
		t.Fatal("scatter roundtrip mismatch")
	}
}

func TestTransferBufferOffset(t *testing.T) {
	e := &transferEngine{}
	tbl := newResourceTable()
	res := tbl.create(16, FormatBuffer, UsageBlob)
	if err := tbl.attachHost(res.ID()); err != nil {
		t.Fatalf("attachHost: %v", err)
	}

	if err := e.toHost(res, Box3D{W: 4, H: 1, D: 1, Offset: 8}, []byte{9, 9, 9, 9}); err != nil {
		t.Fatalf("toHost: %v", err)
	}
	if res.hostMem[8] != 9 || res.hostMem[11] != 9 || res.hostMem[7] != 0 || res.hostMem[12] != 0 {
		t.Fatalf("hostMem = % x", res.hostMem)
	}
}

func newOpaqueImage(t *testing.T, w, h uint32) (*transferEngine, *Resource) {
	t.Helper()
	be := backend.NewSoftware()
	if err := be.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	handle, err := be.CreateResource(backend.ResourceSpec{
		Width: w, Height: h, Depth: 1,
		Format: uint32(FormatB8G8R8A8),
		Size:   uint64(w) * uint64(h) * 4,
	})
	if err != nil {
		t.Fatalf("CreateResource: %v", err)
	}

	tbl := newResourceTable()
	res := tbl.create(uint64(w)*uint64(h)*4, FormatB8G8R8A8, UsageSampling)
	res.width = w
	res.height = h
	res.depth = 1
	if err := tbl.attachOpaque(res.ID(), handle); err != nil {
		t.Fatalf("attachOpaque: %v", err)
	}
	return &transferEngine{be: be}, res
}

func TestTransferOpaqueSubBox(t *testing.T) {
	e, res := newOpaqueImage(t, 4, 4)

	// A 2x2 write at (1,1) must land inside the box: row y starts at byte
	// y*16 in the 4x4 image, x=1 at byte offset 4 within the row.
	src := []byte{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4}
	if err := e.toHost(res, Box3D{X: 1, Y: 1, W: 2, H: 2, D: 1}, src); err != nil {
		t.Fatalf("toHost: %v", err)
	}

	full := make([]byte, 64)
	if _, err := e.fromHost(res, NewBox2D(0, 0, 4, 4, 0), full); err != nil {
		t.Fatalf("fromHost: %v", err)
	}
	for i, b := range full[:16] {
		if b != 0 {
			t.Fatalf("row 0 dirtied at byte %d: % x", i, full[:16])
		}
	}
	if full[16+4] != 1 || full[16+8] != 2 {
		t.Fatalf("row 1 = % x", full[16:32])
	}
	if full[32+4] != 3 || full[32+8] != 4 {
		t.Fatalf("row 2 = % x", full[32:48])
	}
	if full[16] != 0 || full[16+12] != 0 {
		t.Fatalf("columns outside the box dirtied: % x", full[16:32])
	}

	// Sub-box readback returns the packed rows.
	dst := make([]byte, 16)
	if _, err := e.fromHost(res, Box3D{X: 1, Y: 1, W: 2, H: 2, D: 1}, dst); err != nil {
		t.Fatalf("fromHost sub-box: %v", err)
	}
	if !bytes.Equal(dst, src) {
		t.Fatalf("sub-box readback = % x, want % x", dst, src)
	}
}

func TestTransferOpaqueStridedSubBox(t *testing.T) {
	e, res := newOpaqueImage(t, 4, 4)

	// Caller rows 16 bytes apart, twice the packed 8-byte row.
	src := make([]byte, 16+8)
	copy(src[0:8], []byte{1, 1, 1, 1, 2, 2, 2, 2})
	copy(src[16:24], []byte{3, 3, 3, 3, 4, 4, 4, 4})
	if err := e.toHost(res, Box3D{X: 1, Y: 1, W: 2, H: 2, D: 1, Stride: 16}, src); err != nil {
		t.Fatalf("toHost: %v", err)
	}

	dst := make([]byte, 16)
	if _, err := e.fromHost(res, Box3D{X: 1, Y: 1, W: 2, H: 2, D: 1}, dst); err != nil {
		t.Fatalf("fromHost: %v", err)
	}
	want := []byte{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4}
	if !bytes.Equal(dst, want) {
		t.Fatalf("readback = % x, want % x", dst, want)
	}
}

func TestTransferValidation(t *testing.T) {
	e := &transferEngine{}
	tbl := newResourceTable()

	buffer := tbl.create(16, FormatBuffer, UsageBlob)
	if err := tbl.attachHost(buffer.ID()); err != nil {
		t.Fatalf("attachHost: %v", err)
	}
	_, image := newHostImage(t, 4, 4)
	unbacked := tbl.create(16, FormatBuffer, UsageBlob)

	tests := []struct {
		name string
		res  *Resource
		box  Box3D
		buf  int
		want error
	}{
		{"buffer range past end", buffer, Box3D{W: 8, H: 1, D: 1, Offset: 12}, 8, ErrInvalidRegion},
		{"buffer box must be flat", buffer, Box3D{W: 4, H: 2, D: 1}, 8, ErrInvalidRegion},
		{"image x overflow", image, NewBox2D(3, 0, 2, 1, 0), 8, ErrInvalidRegion},
		{"image y overflow", image, NewBox2D(0, 3, 1, 2, 0), 8, ErrInvalidRegion},
		{"image z overflow", image, Box3D{W: 1, H: 1, D: 2}, 8, ErrInvalidRegion},
		{"short caller buffer", image, NewBox2D(0, 0, 4, 4, 0), 32, ErrInvalidRegion},
		{"unbacked resource", unbacked, Box3D{W: 4, H: 1, D: 1}, 4, ErrInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.toHost(tt.res, tt.box, make([]byte, tt.buf))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTransferEmptyBoxIsNoOp(t *testing.T) {
	e := &transferEngine{}
	tbl := newResourceTable()
	res := tbl.create(16, FormatBuffer, UsageBlob)

	// Empty boxes succeed even against an unbacked resource.
	if err := e.toHost(res, Box3D{W: 0, H: 1, D: 1}, nil); err != nil {
		t.Fatalf("toHost empty: %v", err)
	}
	n, err := e.fromHost(res, Box3D{}, nil)
	if err != nil || n != 0 {
		t.Fatalf("fromHost empty = (%d, %v), want (0, nil)", n, err)
	}
}

func TestWalkScatterExhaustion(t *testing.T) {
	iovs := []Iovec{{Base: make([]byte, 4)}}
	err := writeScatter(iovs, 0, make([]byte, 8))
	if !errors.Is(err, ErrInvalidRegion) {
		t.Fatalf("err = %v, want ErrInvalidRegion", err)
	}
}
