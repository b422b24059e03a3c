package gpu

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newShared(t *testing.T, w, h int) (*Device, *Context, *Texture) {
	t.Helper()
	dev, ctx, err := NewDevice("test")
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	tex, err := dev.CreateTexture(TextureDesc{Width: w, Height: h, Shared: true})
	if err != nil {
		t.Fatalf("CreateTexture: %v", err)
	}
	return dev, ctx, tex
}

func TestKeyedMutexKeyHandoff(t *testing.T) {
	_, _, tex := newShared(t, 2, 2)
	defer tex.Release()
	km, err := tex.KeyedMutex()
	if err != nil {
		t.Fatalf("KeyedMutex: %v", err)
	}

	if err := km.AcquireSync(KeyReader, 0); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("reader acquire on fresh mutex = %v, want timeout", err)
	}
	if err := km.AcquireSync(KeyWriter, 0); err != nil {
		t.Fatalf("writer acquire: %v", err)
	}
	if err := km.AcquireSync(KeyWriter, 10*time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("second writer acquire while held = %v, want timeout", err)
	}
	if err := km.ReleaseSync(KeyReader); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := km.AcquireSync(KeyWriter, 0); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("writer acquire after handoff = %v, want timeout", err)
	}
	if err := km.AcquireSync(KeyReader, 0); err != nil {
		t.Fatalf("reader acquire: %v", err)
	}
	if err := km.ReleaseSync(KeyWriter); err != nil {
		t.Fatalf("reader release: %v", err)
	}
	if err := km.ReleaseSync(KeyWriter); !errors.Is(err, ErrInvalidCall) {
		t.Fatalf("release while not held = %v, want ErrInvalidCall", err)
	}
}

func TestKeyedMutexWakesWaiter(t *testing.T) {
	_, _, tex := newShared(t, 1, 1)
	defer tex.Release()
	km, _ := tex.KeyedMutex()

	if err := km.AcquireSync(KeyWriter, 0); err != nil {
		t.Fatalf("writer acquire: %v", err)
	}
	got := make(chan error, 1)
	go func() { got <- km.AcquireSync(KeyReader, Infinite) }()

	time.Sleep(10 * time.Millisecond)
	km.ReleaseSync(KeyReader)
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("waiting reader: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reader not woken by release")
	}
}

func TestKeyedMutexAbandonedOnLastRelease(t *testing.T) {
	dev, _, tex := newShared(t, 1, 1)
	h, err := tex.SharedHandle()
	if err != nil {
		t.Fatalf("SharedHandle: %v", err)
	}
	other, err := dev.OpenSharedResource(h)
	if err != nil {
		t.Fatalf("OpenSharedResource: %v", err)
	}
	km, _ := tex.KeyedMutex()

	waiting := make(chan error, 1)
	go func() { waiting <- km.AcquireSync(KeyReader, Infinite) }()

	tex.Release()
	select {
	case err := <-waiting:
		t.Fatalf("mutex abandoned while a reference remains: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	other.Release()
	select {
	case err := <-waiting:
		if !errors.Is(err, ErrAbandoned) {
			t.Fatalf("waiter = %v, want ErrAbandoned", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released when the resource was freed")
	}
	if _, err := dev.OpenSharedResource(h); err == nil {
		t.Fatal("freed handle still opens")
	}
}

func TestKeyedMutexMutualExclusion(t *testing.T) {
	_, _, tex := newShared(t, 1, 1)
	defer tex.Release()
	km, _ := tex.KeyedMutex()

	var inside, overlap atomic.Int32
	var writes atomic.Int32
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if km.AcquireSync(KeyWriter, 5*time.Millisecond) != nil {
					continue
				}
				if inside.Add(1) != 1 {
					overlap.Add(1)
				}
				writes.Add(1)
				inside.Add(-1)
				km.ReleaseSync(KeyReader)
			}
		}()
	}

	for reads := 0; reads < 200; {
		if km.AcquireSync(KeyReader, 5*time.Millisecond) != nil {
			continue
		}
		if inside.Add(1) != 1 {
			overlap.Add(1)
		}
		inside.Add(-1)
		reads++
		km.ReleaseSync(KeyWriter)
	}
	close(stop)
	wg.Wait()

	if overlap.Load() != 0 {
		t.Fatalf("%d overlapping critical sections", overlap.Load())
	}
	if writes.Load() < 200 {
		t.Fatalf("writes = %d, want at least one per read", writes.Load())
	}
}

func TestTextureDoubleRelease(t *testing.T) {
	dev, _, err := NewDevice("release")
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	before := SharedCount()
	tex, err := dev.CreateTexture(TextureDesc{Width: 4, Height: 4, Shared: true})
	if err != nil {
		t.Fatalf("CreateTexture: %v", err)
	}
	if SharedCount() != before+1 {
		t.Fatalf("SharedCount = %d, want %d", SharedCount(), before+1)
	}
	if err := tex.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := tex.Release(); !errors.Is(err, ErrHandleClosed) {
		t.Fatalf("second Release = %v, want ErrHandleClosed", err)
	}
	st := dev.Stats()
	if st.LiveTextures != 0 || st.Releases != 1 || st.DoubleReleases != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if SharedCount() != before {
		t.Fatalf("SharedCount = %d, want %d", SharedCount(), before)
	}
	if tex.RGBA() != nil {
		t.Fatal("released texture still exposes pixels")
	}
}

func TestRemovedDeviceFailsCalls(t *testing.T) {
	dev, ctx, err := NewDevice("removed")
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	tex, _ := dev.CreateTexture(TextureDesc{Width: 2, Height: 2})
	defer tex.Release()

	dev.Remove(ErrDeviceReset)
	if _, err := dev.CreateTexture(TextureDesc{Width: 2, Height: 2}); !errors.Is(err, ErrDeviceReset) {
		t.Fatalf("CreateTexture after removal = %v", err)
	}
	if err := ctx.CopyResource(tex, tex); !errors.Is(err, ErrDeviceReset) {
		t.Fatalf("CopyResource after removal = %v", err)
	}
}

func TestCopyImageClips(t *testing.T) {
	dev, ctx, err := NewDevice("copy")
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	dst, _ := dev.CreateTexture(TextureDesc{Width: 4, Height: 4})
	defer dst.Release()

	src := image.NewRGBA(image.Rect(0, 0, 3, 3))
	red := color.RGBA{R: 255, A: 255}
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			src.SetRGBA(x, y, red)
		}
	}

	// Lands partly outside on both sides.
	if err := ctx.CopyImage(dst, image.Pt(-1, 2), src, src.Rect); err != nil {
		t.Fatalf("CopyImage: %v", err)
	}
	img := dst.RGBA()
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			want := x <= 1 && y >= 2
			got := img.RGBAAt(x, y) == red
			if got != want {
				t.Errorf("pixel (%d,%d) painted=%v, want %v", x, y, got, want)
			}
		}
	}

	if err := ctx.CopyImage(dst, image.Pt(10, 10), src, src.Rect); err != nil {
		t.Fatalf("fully clipped copy: %v", err)
	}
}

func TestTextureManagerCloneAndDrawScaled(t *testing.T) {
	dev, ctx, err := NewDevice("texmgr")
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	tm, err := NewTextureManager(ctx, dev)
	if err != nil {
		t.Fatalf("NewTextureManager: %v", err)
	}

	src, _ := dev.CreateTexture(TextureDesc{Width: 8, Height: 8, Shared: true})
	defer src.Release()
	blue := color.RGBA{B: 255, A: 255}
	src.RGBA().SetRGBA(3, 3, blue)

	clone, err := tm.Clone(src)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	defer clone.Release()
	if clone.Desc().Shared {
		t.Fatal("clone must not be shared")
	}
	if clone.RGBA().RGBAAt(3, 3) != blue {
		t.Fatal("clone lost pixel data")
	}
	src.RGBA().SetRGBA(3, 3, color.RGBA{})
	if clone.RGBA().RGBAAt(3, 3) != blue {
		t.Fatal("clone shares storage with its source")
	}

	tile := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for i := range tile.Pix {
		tile.Pix[i] = 0xFF
	}
	if err := tm.DrawScaled(clone, image.Rect(4, 4, 8, 8), tile, tile.Rect); err != nil {
		t.Fatalf("DrawScaled: %v", err)
	}
	white := color.RGBA{255, 255, 255, 255}
	for _, p := range []image.Point{{4, 4}, {7, 7}, {5, 6}} {
		if got := clone.RGBA().RGBAAt(p.X, p.Y); got != white {
			t.Errorf("scaled pixel %v = %v, want white", p, got)
		}
	}
	if got := clone.RGBA().RGBAAt(3, 3); got != blue {
		t.Errorf("pixel outside the draw rect changed to %v", got)
	}
}

func TestParseCode(t *testing.T) {
	tests := []struct {
		in      string
		want    Code
		wantErr bool
	}{
		{"access-lost", ErrAccessLost, false},
		{"device removed", ErrDeviceRemoved, false},
		{"operation-aborted", ErrAbort, false},
		{"0x887A0022", ErrNotCurrentlyAvailable, false},
		{"bogus", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseCode(%q) = %v, %v", tt.in, got, err)
		}
	}

	wrapped := fmt.Errorf("frame: %w", ErrAccessLost)
	if !errors.Is(wrapped, ErrAccessLost) {
		t.Fatal("wrapped code does not match its sentinel")
	}
}
