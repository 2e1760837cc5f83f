// Command virtgpu-demo drives the resource broker end to end on the
// software backend: it creates a scanout resource, uploads a test
// pattern, flushes it and saves the scanout as a PNG.
package main

import (
	"flag"
	"image/png"
	"log"
	"os"
	"time"

	"github.com/gogpu/virtgpu"
	"github.com/gogpu/virtgpu/backend"
)

func main() {
	var (
		width   = flag.Int("width", 640, "scanout width")
		height  = flag.Int("height", 480, "scanout height")
		name    = flag.String("backend", backend.NameSoftware, "backend variant")
		output  = flag.String("output", "scanout.png", "output file")
		submits = flag.Int("submits", 4, "fence-only submissions to run")
	)
	flag.Parse()

	b, err := virtgpu.New(virtgpu.WithBackendName(*name))
	if err != nil {
		log.Fatalf("broker: %v", err)
	}
	defer b.Close()

	for _, cs := range b.ListCapsets() {
		log.Printf("capset id=%d version=%d size=%d", cs.ID, cs.Version, cs.Size)
	}

	res, err := b.CreateResource2D(virtgpu.ResourceCreate2D{
		Width:  uint32(*width),
		Height: uint32(*height),
		Format: virtgpu.FormatB8G8R8A8,
	})
	if err != nil {
		log.Fatalf("create resource: %v", err)
	}
	if err := b.AttachHostBacking(res); err != nil {
		log.Fatalf("attach backing: %v", err)
	}

	pixels := testPattern(*width, *height)
	box := virtgpu.NewBox2D(0, 0, uint32(*width), uint32(*height), 0)
	if err := b.TransferToHost(res, box, pixels); err != nil {
		log.Fatalf("transfer: %v", err)
	}
	if err := b.Flush(res); err != nil {
		log.Fatalf("flush: %v", err)
	}

	ctx, err := b.CreateContext(virtgpu.CapsetVirgl, 0)
	if err != nil {
		log.Fatalf("create context: %v", err)
	}
	for i := 0; i < *submits; i++ {
		f, err := b.SubmitFence(ctx, 0)
		if err != nil {
			log.Fatalf("submit fence: %v", err)
		}
		if err := b.WaitFence(f, time.Second); err != nil {
			log.Fatalf("wait fence: %v", err)
		}
	}
	log.Printf("ran %d fence submissions on ring 0", *submits)

	if sw, ok := b.Backend().(*backend.Software); ok {
		if err := savePNG(*output, sw); err != nil {
			log.Fatalf("save: %v", err)
		}
		log.Printf("scanout saved to %s (%dx%d)", *output, *width, *height)
	} else {
		log.Printf("backend %q has no software scanout; skipping PNG", *name)
	}

	if err := b.DestroyContext(ctx); err != nil {
		log.Fatalf("destroy context: %v", err)
	}
	if err := b.Unref(res); err != nil {
		log.Fatalf("unref: %v", err)
	}
}

// testPattern fills a BGRA gradient with a color ramp per axis.
func testPattern(w, h int) []byte {
	buf := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 4
			buf[i+0] = byte(255 * x / w) // B
			buf[i+1] = byte(255 * y / h) // G
			buf[i+2] = byte(255 * (x + y) / (w + h))
			buf[i+3] = 0xff
		}
	}
	return buf
}

func savePNG(path string, sw *backend.Software) error {
	scan := sw.Scanout()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, scan)
}
