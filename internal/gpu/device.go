// Package gpu models the small slice of a D3D11-style device the capture
// manager relies on: a device/context pair, 2D textures, cross-thread shared
// handles and keyed mutexes. Textures are CPU-backed RGBA surfaces so the
// orchestration code runs unchanged on every platform; a hardware binding only
// needs to provide the same behavior.
package gpu

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/capturemgr/internal/logging"
)

var log = logging.L("gpu")

var deviceSeq atomic.Uint64

// Device creates textures and opens shared resources. A device can be
// removed (driver reset, adapter unplugged); every call made after removal
// fails with the removal reason.
type Device struct {
	id   uint64
	name string

	mu      sync.Mutex
	removed error
	closed  bool

	live           atomic.Int64
	releases       atomic.Int64
	doubleReleases atomic.Int64
}

// Context issues copy commands against textures owned by its device.
type Context struct {
	dev *Device
}

// DeviceStats is a point-in-time view of a device's texture bookkeeping.
type DeviceStats struct {
	LiveTextures   int64
	Releases       int64
	DoubleReleases int64
}

// NewDevice creates a device and its immediate context.
func NewDevice(name string) (*Device, *Context, error) {
	if name == "" {
		name = "default"
	}
	dev := &Device{
		id:   deviceSeq.Add(1),
		name: name,
	}
	log.Debug("device created", "device", dev.id, "name", name)
	return dev, &Context{dev: dev}, nil
}

// ID returns the process-unique device id.
func (d *Device) ID() uint64 { return d.id }

// Name returns the label given at creation.
func (d *Device) Name() string { return d.name }

// Err reports why the device is unusable, or nil.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed != nil {
		return d.removed
	}
	if d.closed {
		return ErrDeviceRemoved
	}
	return nil
}

// Remove marks the device as lost. Subsequent calls fail with reason, which
// defaults to ErrDeviceRemoved.
func (d *Device) Remove(reason error) {
	if reason == nil {
		reason = ErrDeviceRemoved
	}
	d.mu.Lock()
	if d.removed == nil {
		d.removed = reason
	}
	d.mu.Unlock()
	log.Warn("device removed", "device", d.id, "reason", reason)
}

// Close releases the device. Textures created from it stay valid until
// released, matching COM reference semantics.
func (d *Device) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// Stats returns texture bookkeeping counters.
func (d *Device) Stats() DeviceStats {
	return DeviceStats{
		LiveTextures:   d.live.Load(),
		Releases:       d.releases.Load(),
		DoubleReleases: d.doubleReleases.Load(),
	}
}

// CreateTexture allocates a texture. Shared textures carry a keyed mutex and
// can be exported with SharedHandle.
func (d *Device) CreateTexture(desc TextureDesc) (*Texture, error) {
	if err := d.Err(); err != nil {
		return nil, err
	}
	if desc.Width <= 0 || desc.Height <= 0 {
		return nil, fmt.Errorf("create texture %dx%d: %w", desc.Width, desc.Height, ErrInvalidArg)
	}
	res := &resource{
		img:  image.NewRGBA(image.Rect(0, 0, desc.Width, desc.Height)),
		desc: desc,
	}
	if desc.Shared {
		res.mutex = newKeyedMutex()
		registerShared(res)
	}
	return d.bind(res), nil
}

// OpenSharedResource opens a texture exported by another device.
func (d *Device) OpenSharedResource(h SharedHandle) (*Texture, error) {
	if err := d.Err(); err != nil {
		return nil, err
	}
	res, ok := lookupShared(h)
	if !ok {
		return nil, fmt.Errorf("open shared resource %d: %w", h, ErrInvalidArg)
	}
	return d.bind(res), nil
}

func (d *Device) bind(res *resource) *Texture {
	res.refs.Add(1)
	d.live.Add(1)
	return &Texture{res: res, dev: d}
}

// Device returns the context's device.
func (c *Context) Device() *Device { return c.dev }

// CopyResource copies the whole of src into dst. Both textures must have the
// same dimensions.
func (c *Context) CopyResource(dst, src *Texture) error {
	if err := c.dev.Err(); err != nil {
		return err
	}
	d, s := dst.RGBA(), src.RGBA()
	if d == nil || s == nil {
		return ErrHandleClosed
	}
	if d.Rect != s.Rect {
		return fmt.Errorf("copy resource %v into %v: %w", s.Rect, d.Rect, ErrInvalidArg)
	}
	copy(d.Pix, s.Pix)
	return nil
}

// CopySubresourceRegion copies srcRect of src so that its top-left lands on
// dstPt in dst. The region is clipped to both textures.
func (c *Context) CopySubresourceRegion(dst *Texture, dstPt image.Point, src *Texture, srcRect image.Rectangle) error {
	if err := c.dev.Err(); err != nil {
		return err
	}
	s := src.RGBA()
	if s == nil {
		return ErrHandleClosed
	}
	return c.CopyImage(dst, dstPt, s, srcRect)
}

// CopyImage uploads srcRect of a CPU image into dst at dstPt.
func (c *Context) CopyImage(dst *Texture, dstPt image.Point, src *image.RGBA, srcRect image.Rectangle) error {
	if err := c.dev.Err(); err != nil {
		return err
	}
	d := dst.RGBA()
	if d == nil {
		return ErrHandleClosed
	}
	srcRect = srcRect.Intersect(src.Rect)
	dr := image.Rectangle{Min: dstPt, Max: dstPt.Add(srcRect.Size())}.Intersect(d.Rect)
	if dr.Empty() {
		return nil
	}
	srcRect.Min = srcRect.Min.Add(dr.Min.Sub(dstPt))
	rowBytes := dr.Dx() * 4
	for y := 0; y < dr.Dy(); y++ {
		di := d.PixOffset(dr.Min.X, dr.Min.Y+y)
		si := src.PixOffset(srcRect.Min.X, srcRect.Min.Y+y)
		copy(d.Pix[di:di+rowBytes], src.Pix[si:si+rowBytes])
	}
	return nil
}
