package sources

import (
	"bufio"
	"fmt"
	"image"
	"image/gif"
	"os"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/breeze-rmm/capturemgr/internal/capture"
	"github.com/breeze-rmm/capturemgr/internal/gpu"
)

// Browsers treat delays below 20ms as 100ms; match that.
const (
	minGIFDelay     = 20 * time.Millisecond
	defaultGIFDelay = 100 * time.Millisecond
)

func newAnimatedImage(desc capture.Descriptor) (capture.Backend, error) {
	return &animatedImage{path: desc.Locator}, nil
}

func resolveAnimatedImage(desc capture.Descriptor) (image.Rectangle, error) {
	f, err := os.Open(desc.Locator)
	if err != nil {
		return image.Rectangle{}, openError(desc.Locator, err)
	}
	defer f.Close()
	cfg, err := gif.DecodeConfig(bufio.NewReader(f))
	if err != nil {
		return image.Rectangle{}, fmt.Errorf("decode gif %s: %w", desc.Locator, err)
	}
	return image.Rect(0, 0, cfg.Width, cfg.Height), nil
}

// animatedImage plays a GIF in a loop, paced by the per-frame delays.
type animatedImage struct {
	frameBuffer
	path string

	frames []*image.RGBA
	delays []time.Duration
	index  int
	pace   pacer
}

func (a *animatedImage) StartCapture(capture.Descriptor) error {
	f, err := os.Open(a.path)
	if err != nil {
		return openError(a.path, err)
	}
	defer f.Close()
	g, err := gif.DecodeAll(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("decode gif %s: %w", a.path, err)
	}
	if len(g.Image) == 0 {
		return fmt.Errorf("decode gif %s: no frames", a.path)
	}
	a.frames, a.delays = composeGIF(g)
	a.index = -1
	log.Debug("gif loaded", "locator", a.path, "frames", len(a.frames))
	return nil
}

func (a *animatedImage) AcquireNextFrame(timeout time.Duration) error {
	if !a.pace.wait(timeout) {
		return gpu.ErrWaitTimeout
	}
	a.index = (a.index + 1) % len(a.frames)
	a.img = a.frames[a.index]
	a.dirty = true
	a.pace.advance(a.delays[a.index])
	return nil
}

// composeGIF renders every GIF frame onto the logical screen, applying the
// disposal method of the previous frame.
func composeGIF(g *gif.GIF) ([]*image.RGBA, []time.Duration) {
	w, h := g.Config.Width, g.Config.Height
	if w == 0 || h == 0 {
		b := g.Image[0].Bounds()
		w, h = b.Max.X, b.Max.Y
	}
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	frames := make([]*image.RGBA, len(g.Image))
	delays := make([]time.Duration, len(g.Image))

	var previous *image.RGBA
	for i, frame := range g.Image {
		disposal := byte(0)
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}
		if disposal == gif.DisposalPrevious {
			previous = cloneRGBA(canvas)
		}

		xdraw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, xdraw.Over)
		frames[i] = cloneRGBA(canvas)

		delay := defaultGIFDelay
		if i < len(g.Delay) {
			delay = time.Duration(g.Delay[i]) * 10 * time.Millisecond
		}
		if delay < minGIFDelay {
			delay = defaultGIFDelay
		}
		delays[i] = delay

		switch disposal {
		case gif.DisposalBackground:
			xdraw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, xdraw.Src)
		case gif.DisposalPrevious:
			if previous != nil {
				copy(canvas.Pix, previous.Pix)
			}
		}
	}
	return frames, delays
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}
