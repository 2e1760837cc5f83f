package virtgpu

import (
	"fmt"

	"github.com/gogpu/virtgpu/backend"
)

// transferEngine implements guest/host data movement. Scatter-list and
// host-mapped backings are structured copies performed by the broker;
// backend-opaque backings delegate to the backend, which blocks until the
// bytes are visible.
type transferEngine struct {
	be backend.Backend
}

// toHost moves src into the resource backing at the given box. Transfers
// are synchronous: when toHost returns, the bytes are visible.
func (e *transferEngine) toHost(res *Resource, box Box3D, src []byte) error {
	return e.run(res, box, src, true)
}

// fromHost reads the given box out of the resource backing into dst and
// returns the number of bytes written.
func (e *transferEngine) fromHost(res *Resource, box Box3D, dst []byte) (int, error) {
	if box.Empty() {
		return 0, nil
	}
	if err := e.run(res, box, dst, false); err != nil {
		return 0, err
	}
	n, _ := boxExtent(res, box)
	return int(n), nil
}

func (e *transferEngine) run(res *Resource, box Box3D, buf []byte, toRes bool) error {
	if box.Empty() {
		return nil
	}
	if _, err := validateBox(res, box); err != nil {
		return err
	}
	// With a caller stride wider than the row, the linear buffer spans more
	// than the packed byte count.
	need := linearExtent(res, box)
	if uint64(len(buf)) < need {
		return fmt.Errorf("%w: buffer holds %d of %d bytes", ErrInvalidRegion, len(buf), need)
	}

	switch res.backing {
	case BackingNone:
		return fmt.Errorf("%w: transfer against unbacked resource %d", ErrInvalidState, res.id)
	case BackingOpaque:
		dir := backend.FromBackend
		if toRes {
			dir = backend.ToBackend
		}
		return e.transferOpaque(res, box, buf[:need], dir)
	default:
		return e.copyStructured(res, box, buf, toRes)
	}
}

// transferOpaque delegates to the backend, which copies linearly at a byte
// offset into the allocation. Linear buffers and whole-row boxes go down in
// one call; image sub-boxes decompose into per-row transfers with computed
// offsets so the bytes land inside the box, not at its starting offset.
func (e *transferEngine) transferOpaque(res *Resource, box Box3D, buf []byte, dir backend.Direction) error {
	if res.width == 0 {
		region := backend.Region{W: box.W, H: 1, D: 1, Offset: box.Offset}
		if err := e.be.Transfer(res.handle, region, dir, buf); err != nil {
			return backendErr("transfer", err)
		}
		return nil
	}

	bpp := uint64(res.format.BytesPerPixel())
	rowLen := uint64(box.W) * bpp
	srcStride := uint64(box.Stride)
	if srcStride == 0 {
		srcStride = rowLen
	}
	srcLayer := uint64(box.LayerStride)
	if srcLayer == 0 {
		srcLayer = srcStride * uint64(box.H)
	}
	pitch := res.rowPitch()
	layer := pitch * uint64(maxU32(res.height, 1))

	// Full-width rows with a packed caller stride are contiguous on both
	// sides, so one linear copy covers the whole slice.
	if box.D == 1 && box.X == 0 && rowLen == pitch && srcStride == pitch {
		off := box.Offset + uint64(box.Z)*layer + uint64(box.Y)*pitch
		region := backend.Region{Y: box.Y, Z: box.Z, W: box.W, H: box.H, D: 1, Offset: off}
		if err := e.be.Transfer(res.handle, region, dir, buf); err != nil {
			return backendErr("transfer", err)
		}
		return nil
	}

	for z := uint64(0); z < uint64(box.D); z++ {
		for y := uint64(0); y < uint64(box.H); y++ {
			bufOff := z*srcLayer + y*srcStride
			resOff := box.Offset +
				(uint64(box.Z)+z)*layer +
				(uint64(box.Y)+y)*pitch +
				uint64(box.X)*bpp
			region := backend.Region{
				X: box.X,
				Y: uint32(uint64(box.Y) + y),
				Z: uint32(uint64(box.Z) + z),
				W: box.W, H: 1, D: 1,
				Offset: resOff,
			}
			if err := e.be.Transfer(res.handle, region, dir, buf[bufOff:bufOff+rowLen]); err != nil {
				return backendErr("transfer", err)
			}
		}
	}
	return nil
}

// copyStructured walks the box row by row, honoring the caller stride on
// the linear side and the resource pitch on the backing side.
func (e *transferEngine) copyStructured(res *Resource, box Box3D, buf []byte, toRes bool) error {
	bpp := uint64(res.format.BytesPerPixel())
	rowLen := uint64(box.W) * bpp

	srcStride := uint64(box.Stride)
	if srcStride == 0 {
		srcStride = rowLen
	}
	srcLayer := uint64(box.LayerStride)
	if srcLayer == 0 {
		srcLayer = srcStride * uint64(box.H)
	}

	pitch := res.rowPitch()
	layer := pitch * uint64(maxU32(res.height, 1))

	for z := uint64(0); z < uint64(box.D); z++ {
		for y := uint64(0); y < uint64(box.H); y++ {
			bufOff := z*srcLayer + y*srcStride
			resOff := box.Offset +
				(uint64(box.Z)+z)*layer +
				(uint64(box.Y)+y)*pitch +
				uint64(box.X)*bpp
			if err := e.copyRow(res, resOff, buf[bufOff:bufOff+rowLen], toRes); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *transferEngine) copyRow(res *Resource, off uint64, row []byte, toRes bool) error {
	switch res.backing {
	case BackingHost:
		if toRes {
			copy(res.hostMem[off:], row)
		} else {
			copy(row, res.hostMem[off:])
		}
		return nil
	case BackingGuest:
		if toRes {
			return writeScatter(res.iovs, off, row)
		}
		return readScatter(res.iovs, off, row)
	default:
		return fmt.Errorf("%w: backing %s", ErrInvalidState, res.backing)
	}
}

// validateBox checks the box against the resource bounds and returns the
// number of linear bytes the box describes.
func validateBox(res *Resource, box Box3D) (uint64, error) {
	n, ok := boxExtent(res, box)
	if !ok {
		return 0, fmt.Errorf("%w: box %dx%dx%d at (%d,%d,%d) offset %d on resource %d",
			ErrInvalidRegion, box.W, box.H, box.D, box.X, box.Y, box.Z, box.Offset, res.id)
	}
	return n, nil
}

// boxExtent computes the linear byte count of a box and whether it lies
// within the resource's declared bounds.
func boxExtent(res *Resource, box Box3D) (uint64, bool) {
	bpp := uint64(res.format.BytesPerPixel())
	rowLen := uint64(box.W) * bpp
	total := rowLen * uint64(box.H) * uint64(box.D)

	if res.width == 0 {
		// Linear buffer: the box is a byte range at Offset.
		if box.H != 1 || box.D != 1 {
			return 0, false
		}
		if box.Offset+rowLen > res.size {
			return 0, false
		}
		return rowLen, true
	}

	if uint64(box.X)+uint64(box.W) > uint64(res.width) {
		return 0, false
	}
	if uint64(box.Y)+uint64(box.H) > uint64(res.height) {
		return 0, false
	}
	depth := maxU32(res.depth, 1)
	if uint64(box.Z)+uint64(box.D) > uint64(depth) {
		return 0, false
	}
	pitch := res.rowPitch()
	layer := pitch * uint64(res.height)
	end := box.Offset +
		(uint64(box.Z)+uint64(box.D)-1)*layer +
		(uint64(box.Y)+uint64(box.H)-1)*pitch +
		(uint64(box.X)+uint64(box.W))*bpp
	if end > res.size {
		return 0, false
	}
	return total, true
}

// linearExtent returns how many bytes of the caller buffer the box spans,
// accounting for row and layer strides.
func linearExtent(res *Resource, box Box3D) uint64 {
	bpp := uint64(res.format.BytesPerPixel())
	rowLen := uint64(box.W) * bpp
	stride := uint64(box.Stride)
	if stride == 0 {
		stride = rowLen
	}
	layer := uint64(box.LayerStride)
	if layer == 0 {
		layer = stride * uint64(box.H)
	}
	return layer*uint64(box.D-1) + stride*uint64(box.H-1) + rowLen
}

// writeScatter copies p into the scatter list at the given linear offset.
func writeScatter(iovs []Iovec, off uint64, p []byte) error {
	return walkScatter(iovs, off, uint64(len(p)), func(seg []byte, at uint64) {
		copy(seg, p[at:])
	})
}

// readScatter copies from the scatter list at the given linear offset into p.
func readScatter(iovs []Iovec, off uint64, p []byte) error {
	return walkScatter(iovs, off, uint64(len(p)), func(seg []byte, at uint64) {
		copy(p[at:], seg)
	})
}

// walkScatter visits the scatter-list segments covering [off, off+n),
// calling fn with each segment slice and its offset within the range.
func walkScatter(iovs []Iovec, off, n uint64, fn func(seg []byte, at uint64)) error {
	var pos, done uint64
	for _, iov := range iovs {
		segLen := uint64(len(iov.Base))
		if pos+segLen <= off {
			pos += segLen
			continue
		}
		start := uint64(0)
		if off > pos {
			start = off - pos
		}
		avail := segLen - start
		want := n - done
		if avail > want {
			avail = want
		}
		fn(iov.Base[start:start+avail], done)
		done += avail
		pos += segLen
		if done == n {
			return nil
		}
	}
	return fmt.Errorf("%w: scatter list exhausted with %d of %d bytes", ErrInvalidRegion, done, n)
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
