package sources

import (
	"fmt"
	"image"
	"image/color"
	"net/url"
	"strconv"
	"strings"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/breeze-rmm/capturemgr/internal/capture"
	"github.com/breeze-rmm/capturemgr/internal/gpu"
)

const (
	defaultVirtualFPS = 30
	maxVirtualFPS     = 240
	cursorSize        = 16
)

var testBars = []color.RGBA{
	{0xC0, 0xC0, 0xC0, 0xFF},
	{0xC0, 0xC0, 0x00, 0xFF},
	{0x00, 0xC0, 0xC0, 0xFF},
	{0x00, 0xC0, 0x00, 0xFF},
	{0xC0, 0x00, 0xC0, 0xFF},
	{0xC0, 0x00, 0x00, 0xFF},
	{0x00, 0x00, 0xC0, 0xFF},
	{0x10, 0x10, 0x10, 0xFF},
}

// VirtualDisplay is a parsed virtual display locator:
//
//	WxH[@X,Y][?fps=N&fail=<code>&after=N]
//
// fail makes the display return the given result code once it has produced
// after frames.
type VirtualDisplay struct {
	Rect  image.Rectangle
	FPS   int
	Fail  gpu.Code
	After int
}

// ParseVirtualDisplay parses a virtual display locator.
func ParseVirtualDisplay(locator string) (VirtualDisplay, error) {
	vd := VirtualDisplay{FPS: defaultVirtualFPS}
	geom, query, _ := strings.Cut(strings.TrimSpace(locator), "?")

	size, pos, hasPos := strings.Cut(geom, "@")
	ws, hs, ok := strings.Cut(strings.ToLower(size), "x")
	if !ok {
		return vd, fmt.Errorf("virtual display %q: size must be WxH", locator)
	}
	w, err := strconv.Atoi(ws)
	if err != nil || w <= 0 {
		return vd, fmt.Errorf("virtual display %q: invalid width", locator)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h <= 0 {
		return vd, fmt.Errorf("virtual display %q: invalid height", locator)
	}
	var origin image.Point
	if hasPos {
		xs, ys, ok := strings.Cut(pos, ",")
		if !ok {
			return vd, fmt.Errorf("virtual display %q: position must be X,Y", locator)
		}
		if origin.X, err = strconv.Atoi(xs); err != nil {
			return vd, fmt.Errorf("virtual display %q: invalid x", locator)
		}
		if origin.Y, err = strconv.Atoi(ys); err != nil {
			return vd, fmt.Errorf("virtual display %q: invalid y", locator)
		}
	}
	vd.Rect = image.Rectangle{Min: origin, Max: origin.Add(image.Pt(w, h))}

	if query == "" {
		return vd, nil
	}
	opts, err := url.ParseQuery(query)
	if err != nil {
		return vd, fmt.Errorf("virtual display %q: %w", locator, err)
	}
	if v := opts.Get("fps"); v != "" {
		fps, err := strconv.Atoi(v)
		if err != nil || fps <= 0 || fps > maxVirtualFPS {
			return vd, fmt.Errorf("virtual display %q: fps must be 1-%d", locator, maxVirtualFPS)
		}
		vd.FPS = fps
	}
	if v := opts.Get("fail"); v != "" {
		code, err := gpu.ParseCode(v)
		if err != nil {
			return vd, fmt.Errorf("virtual display %q: %w", locator, err)
		}
		vd.Fail = code
		vd.After = 1
	}
	if v := opts.Get("after"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return vd, fmt.Errorf("virtual display %q: invalid after", locator)
		}
		vd.After = n
	}
	return vd, nil
}

func resolveVirtualDisplay(desc capture.Descriptor) (image.Rectangle, error) {
	vd, err := ParseVirtualDisplay(desc.Locator)
	if err != nil {
		return image.Rectangle{}, err
	}
	return vd.Rect, nil
}

func newVirtualDisplay(desc capture.Descriptor) (capture.Backend, error) {
	vd, err := ParseVirtualDisplay(desc.Locator)
	if err != nil {
		return nil, err
	}
	return &virtualDisplay{cfg: vd}, nil
}

// virtualDisplay renders color bars with a moving band and a synthetic
// pointer that walks diagonally across the screen.
type virtualDisplay struct {
	frameBuffer
	cfg VirtualDisplay

	base   *image.RGBA
	cursor *image.RGBA
	frame  int
	pace   pacer
}

func (v *virtualDisplay) StartCapture(capture.Descriptor) error {
	if err := v.dev.Err(); err != nil {
		return err
	}
	size := v.cfg.Rect.Size()
	v.base = image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	barWidth := max(size.X/len(testBars), 1)
	for i, c := range testBars {
		r := image.Rect(i*barWidth, 0, (i+1)*barWidth, size.Y)
		if i == len(testBars)-1 {
			r.Max.X = size.X
		}
		xdraw.Draw(v.base, r, &image.Uniform{C: c}, image.Point{}, xdraw.Src)
	}
	v.img = image.NewRGBA(v.base.Rect)
	v.cursor = drawCursor()
	return nil
}

func (v *virtualDisplay) AcquireNextFrame(timeout time.Duration) error {
	if v.cfg.Fail != 0 && v.frame >= v.cfg.After {
		return v.cfg.Fail
	}
	if err := v.dev.Err(); err != nil {
		return err
	}
	if !v.pace.wait(timeout) {
		return gpu.ErrWaitTimeout
	}
	v.pace.advance(time.Second / time.Duration(v.cfg.FPS))
	v.render()
	v.frame++
	v.dirty = true
	return nil
}

func (v *virtualDisplay) render() {
	copy(v.img.Pix, v.base.Pix)
	h := v.img.Rect.Dy()
	bandH := max(h/20, 2)
	y := (v.frame * 4) % h
	band := image.Rect(0, y, v.img.Rect.Dx(), y+bandH).Intersect(v.img.Rect)
	xdraw.Draw(v.img, band, image.White, image.Point{}, xdraw.Src)
}

func (v *virtualDisplay) cursorPos() image.Point {
	size := v.cfg.Rect.Size()
	return image.Pt((v.frame*5)%size.X, (v.frame*3)%size.Y)
}

func (v *virtualDisplay) GetMouse(ptr *capture.PointerState, cursorEnabled bool, frameRect image.Rectangle, offset image.Point) error {
	if !cursorEnabled {
		return nil
	}
	buf := ptr.EnsureShapeBuffer(len(v.cursor.Pix))
	copy(buf, v.cursor.Pix)
	ptr.ShapeInfo = capture.PointerShapeInfo{
		Type:   capture.PointerShapeColor,
		Width:  cursorSize,
		Height: cursorSize,
		Pitch:  v.cursor.Stride,
	}
	ptr.Position = frameRect.Min.Add(offset).Add(v.cursorPos())
	ptr.Visible = true
	return nil
}

// drawCursor draws a white arrow with a black outline, hot spot at 0,0.
func drawCursor() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, cursorSize, cursorSize))
	for y := 0; y < cursorSize; y++ {
		for x := 0; x <= y && x < cursorSize; x++ {
			c := color.RGBA{0xFF, 0xFF, 0xFF, 0xFF}
			if x == 0 || x == y || y == cursorSize-1 {
				c = color.RGBA{0, 0, 0, 0xFF}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}
