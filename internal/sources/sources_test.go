package sources

import (
	"errors"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/breeze-rmm/capturemgr/internal/capture"
	"github.com/breeze-rmm/capturemgr/internal/gpu"
)

func TestParseVirtualDisplay(t *testing.T) {
	tests := []struct {
		locator string
		want    VirtualDisplay
		wantErr bool
	}{
		{locator: "1920x1080", want: VirtualDisplay{Rect: image.Rect(0, 0, 1920, 1080), FPS: 30}},
		{locator: "800x600@-800,0", want: VirtualDisplay{Rect: image.Rect(-800, 0, 0, 600), FPS: 30}},
		{locator: "64x64?fps=60", want: VirtualDisplay{Rect: image.Rect(0, 0, 64, 64), FPS: 60}},
		{
			locator: "64x64?fail=access-lost",
			want:    VirtualDisplay{Rect: image.Rect(0, 0, 64, 64), FPS: 30, Fail: gpu.ErrAccessLost, After: 1},
		},
		{
			locator: "64x64@10,20?fail=0x887A0005&after=3",
			want:    VirtualDisplay{Rect: image.Rect(10, 20, 74, 84), FPS: 30, Fail: gpu.ErrDeviceRemoved, After: 3},
		},
		{locator: "64", wantErr: true},
		{locator: "0x64", wantErr: true},
		{locator: "64x64@10", wantErr: true},
		{locator: "64x64?fps=0", wantErr: true},
		{locator: "64x64?fail=bogus", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseVirtualDisplay(tt.locator)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseVirtualDisplay(%q) succeeded, want error", tt.locator)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseVirtualDisplay(%q): %v", tt.locator, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseVirtualDisplay(%q) = %+v, want %+v", tt.locator, got, tt.want)
		}
	}
}

func newTarget(t *testing.T, w, h int) (*gpu.Device, *gpu.Texture) {
	t.Helper()
	dev, _, err := gpu.NewDevice("target")
	if err != nil {
		t.Fatal(err)
	}
	tex, err := dev.CreateTexture(gpu.TextureDesc{Width: w, Height: h})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tex.Release() })
	return dev, tex
}

func startBackend(t *testing.T, reg *capture.Registry, desc capture.Descriptor) capture.Backend {
	t.Helper()
	b, err := reg.NewBackend(desc)
	if err != nil {
		t.Fatalf("NewBackend(%s): %v", desc, err)
	}
	t.Cleanup(func() { b.Close() })
	dev, ctx, _ := gpu.NewDevice("source")
	if err := b.Initialize(ctx, dev); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := b.StartCapture(desc); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	return b
}

func TestVirtualDisplayWritesAndFails(t *testing.T) {
	reg := NewRegistry()
	on := true
	desc := capture.Descriptor{Kind: capture.KindDisplay, Locator: "32x16@100,0?fps=240&fail=access-lost&after=2", CursorCapture: &on}

	rect, err := reg.Resolve(desc)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rect != image.Rect(100, 0, 132, 16) {
		t.Fatalf("Resolve = %v", rect)
	}

	b := startBackend(t, reg, desc)
	_, dst := newTarget(t, 64, 16)
	offset := image.Pt(-68, 0) // lands the frame at x=32 of the target

	for i := 0; i < 2; i++ {
		if err := waitAcquire(b); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		var ptr capture.PointerState
		if err := b.GetMouse(&ptr, true, rect, offset); err != nil {
			t.Fatalf("GetMouse: %v", err)
		}
		if !ptr.Visible || !ptr.Position.In(image.Rect(32, 0, 64, 16)) {
			t.Fatalf("pointer = %+v, want visible inside the display", ptr)
		}
		updated, err := b.WriteNextFrameToSharedSurface(0, dst, offset, rect, image.Rect(0, 0, 32, 16))
		if err != nil || !updated {
			t.Fatalf("write %d = %v, %v", i, updated, err)
		}
	}
	if got := dst.RGBA().RGBAAt(0, 0); got != (color.RGBA{}) {
		t.Fatalf("pixel left of the display = %v, want untouched", got)
	}
	if got := dst.RGBA().RGBAAt(33, 15); got.A != 0xFF {
		t.Fatalf("pixel inside the display = %v, want opaque", got)
	}

	if err := b.AcquireNextFrame(10 * time.Millisecond); !errors.Is(err, gpu.ErrAccessLost) {
		t.Fatalf("third acquire = %v, want ErrAccessLost", err)
	}
}

func waitAcquire(b capture.Backend) error {
	for i := 0; i < 100; i++ {
		err := b.AcquireNextFrame(10 * time.Millisecond)
		if !errors.Is(err, gpu.ErrWaitTimeout) {
			return err
		}
	}
	return gpu.ErrWaitTimeout
}

func TestImageSourceProducesOneFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "still.png")
	img := image.NewRGBA(image.Rect(0, 0, 8, 4))
	for i := range img.Pix {
		img.Pix[i] = 0xFF
	}
	writePNG(t, path, img)

	reg := NewRegistry()
	desc := capture.Descriptor{Kind: capture.KindImage, Locator: path}
	rect, err := reg.Resolve(desc)
	if err != nil || rect != image.Rect(0, 0, 8, 4) {
		t.Fatalf("Resolve = %v, %v", rect, err)
	}

	b := startBackend(t, reg, desc)
	if _, ok := b.(*imageSource); !ok {
		t.Fatalf("backend = %T, want *imageSource", b)
	}
	_, dst := newTarget(t, 8, 4)

	if err := b.AcquireNextFrame(time.Millisecond); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if updated, err := b.WriteNextFrameToSharedSurface(0, dst, image.Point{}, rect, rect); err != nil || !updated {
		t.Fatalf("write = %v, %v", updated, err)
	}
	if err := b.AcquireNextFrame(time.Millisecond); !errors.Is(err, gpu.ErrWaitTimeout) {
		t.Fatalf("second acquire = %v, want ErrWaitTimeout", err)
	}
	if updated, _ := b.WriteNextFrameToSharedSurface(0, dst, image.Point{}, rect, rect); updated {
		t.Fatal("second write reported an update")
	}
	if got := dst.RGBA().RGBAAt(7, 3); got != (color.RGBA{0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Fatalf("pixel = %v, want white", got)
	}
}

func TestImageKindDispatchesGIF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anim.png") // misleading extension on purpose
	writeGIF(t, path, 3)

	reg := NewRegistry()
	desc := capture.Descriptor{Kind: capture.KindImage, Locator: path}
	if rect, err := reg.Resolve(desc); err != nil || rect != image.Rect(0, 0, 4, 4) {
		t.Fatalf("Resolve = %v, %v", rect, err)
	}
	b := startBackend(t, reg, desc)
	a, ok := b.(*animatedImage)
	if !ok {
		t.Fatalf("backend = %T, want *animatedImage", b)
	}
	if len(a.frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(a.frames))
	}

	for i := 0; i < 4; i++ {
		if err := waitAcquire(b); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if a.index != 0 {
		t.Fatalf("index after 4 frames = %d, want 0 (looped)", a.index)
	}
}

func TestMissingImageFails(t *testing.T) {
	reg := NewRegistry()
	desc := capture.Descriptor{Kind: capture.KindImage, Locator: filepath.Join(t.TempDir(), "nope.png")}
	if _, err := reg.Resolve(desc); err == nil {
		t.Fatal("expected Resolve to fail")
	}
	if _, err := reg.NewBackend(desc); err == nil {
		t.Fatal("expected NewBackend to fail")
	}
}

func TestUnsupportedKinds(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.NewBackend(capture.Descriptor{Kind: capture.KindCamera, Locator: "0"})
	if !errors.Is(err, gpu.ErrUnsupported) {
		t.Fatalf("camera backend error = %v, want ErrUnsupported", err)
	}
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func writeGIF(t *testing.T, path string, frames int) {
	t.Helper()
	g := &gif.GIF{Config: image.Config{Width: 4, Height: 4, ColorModel: color.Palette(palette.Plan9)}}
	for i := 0; i < frames; i++ {
		p := image.NewPaletted(image.Rect(0, 0, 4, 4), palette.Plan9)
		for j := range p.Pix {
			p.Pix[j] = uint8(i * 40)
		}
		g.Image = append(g.Image, p)
		g.Delay = append(g.Delay, 2)
		g.Disposal = append(g.Disposal, gif.DisposalNone)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := gif.EncodeAll(f, g); err != nil {
		t.Fatal(err)
	}
}
