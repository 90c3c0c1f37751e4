// Command rhidemo renders a few cleared tiles headlessly with rhi and
// writes them to a BMP or TIFF file.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/draw"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/gogpu/rhi"
)

var tileColors = []rhi.Color{rhi.Red, rhi.Green, rhi.Blue, rhi.White}

func main() {
	var (
		tile    = flag.Int("tile", 128, "tile size in pixels")
		backend = flag.String("backend", rhi.BackendSoftware, "backend name")
		output  = flag.String("output", "tiles.bmp", "output file (.bmp or .tiff)")
		verbose = flag.Bool("v", false, "log device activity")
	)
	flag.Parse()

	if *verbose {
		rhi.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	img, err := render(*backend, uint32(*tile))
	if err != nil {
		log.Fatalf("Render failed: %v", err)
	}
	if err := save(*output, img); err != nil {
		log.Fatalf("Failed to save: %v", err)
	}
	log.Printf("Tiles saved to %s (%dx%d)\n", *output, img.Bounds().Dx(), img.Bounds().Dy())
}

// render clears one texture per color, batches the recordings into a single
// submission and composes the readbacks into a 2x2 grid.
func render(backend string, size uint32) (*image.RGBA, error) {
	dev, err := rhi.Open(rhi.WithBackend(backend), rhi.WithLabel("rhidemo"))
	if err != nil {
		return nil, err
	}
	defer dev.Close()

	recs := make([]*rhi.CommandRecorder, len(tileColors))
	readbacks := make([]*rhi.Buffer, len(tileColors))
	submitted := false
	defer func() {
		if submitted {
			return
		}
		for _, rec := range recs {
			if rec != nil {
				rec.Discard()
			}
		}
	}()
	for i, c := range tileColors {
		target, err := dev.CreateTexture(rhi.TextureDescription{
			Label:  fmt.Sprintf("tile %d", i),
			Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
			Format: gputypes.TextureFormatRGBA8Unorm,
			Width:  size, Height: size, Depth: 1,
		})
		if err != nil {
			return nil, err
		}
		readback, err := dev.CreateBuffer(gputypes.BufferUsageCopyDst, rhi.MemoryHostVisible, uint64(size)*uint64(size)*4)
		if err != nil {
			target.Release()
			return nil, err
		}
		defer readback.Release()
		readbacks[i] = readback

		rec := dev.NewCommandRecorder()
		recs[i] = rec
		if err := rec.Begin(); err != nil {
			target.Release()
			return nil, err
		}
		if err := rec.BeginRenderPass(target); err != nil {
			target.Release()
			return nil, err
		}
		rec.ClearColor(c)
		rec.EndRenderPass()
		rec.CopyTextureToBuffer(target, readback)
		if err := rec.End(); err != nil {
			target.Release()
			return nil, err
		}
		// The recording keeps the target alive until the GPU is done.
		target.Release()
	}

	receipt, err := dev.SubmitGraphics(recs)
	if err != nil {
		return nil, err
	}
	submitted = true
	if err := receipt.Wait(); err != nil {
		return nil, err
	}

	s := int(size)
	img := image.NewRGBA(image.Rect(0, 0, 2*s, 2*s))
	for i, readback := range readbacks {
		t := image.NewRGBA(image.Rect(0, 0, s, s))
		if err := readback.Read(0, t.Pix); err != nil {
			return nil, err
		}
		at := image.Pt((i%2)*s, (i/2)*s)
		draw.Draw(img, t.Bounds().Add(at), t, image.Point{}, draw.Src)
	}
	return img, nil
}

func save(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		err = tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		err = bmp.Encode(f, img)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
