package gpu

import (
	"image"
	"sync"
	"sync/atomic"
)

// SharedHandle identifies an exported texture across threads (and, for a
// hardware binding, across processes).
type SharedHandle uint64

// TextureDesc describes a texture to allocate.
type TextureDesc struct {
	Width  int
	Height int
	// Shared textures get a keyed mutex and an exportable handle.
	Shared bool
}

// resource is the storage behind one or more Texture references.
type resource struct {
	img    *image.RGBA
	desc   TextureDesc
	mutex  *KeyedMutex
	handle SharedHandle
	refs   atomic.Int32
}

// Texture is one device's reference to a resource. Release drops the
// reference; the storage is freed with the last reference.
type Texture struct {
	res      *resource
	dev      *Device
	released atomic.Bool
}

// Desc returns the texture description.
func (t *Texture) Desc() TextureDesc { return t.res.desc }

// Bounds returns the texture rectangle, origin at 0,0.
func (t *Texture) Bounds() image.Rectangle {
	return image.Rect(0, 0, t.res.desc.Width, t.res.desc.Height)
}

// Device returns the device the reference was created or opened on.
func (t *Texture) Device() *Device { return t.dev }

// RGBA returns the pixel storage, or nil once released. Writers must hold the
// texture's keyed mutex when the texture is shared.
func (t *Texture) RGBA() *image.RGBA {
	if t == nil || t.released.Load() {
		return nil
	}
	return t.res.img
}

// Released reports whether Release has been called on this reference.
func (t *Texture) Released() bool { return t.released.Load() }

// SharedHandle exports the texture.
func (t *Texture) SharedHandle() (SharedHandle, error) {
	if t.released.Load() {
		return 0, ErrHandleClosed
	}
	if t.res.mutex == nil {
		return 0, ErrInvalidCall
	}
	return t.res.handle, nil
}

// KeyedMutex returns the synchronization object of a shared texture.
func (t *Texture) KeyedMutex() (*KeyedMutex, error) {
	if t.released.Load() {
		return nil, ErrHandleClosed
	}
	if t.res.mutex == nil {
		return nil, ErrInvalidCall
	}
	return t.res.mutex, nil
}

// Release drops this reference. Releasing twice is reported as
// ErrHandleClosed and counted on the device; it never frees storage twice.
func (t *Texture) Release() error {
	if !t.released.CompareAndSwap(false, true) {
		t.dev.doubleReleases.Add(1)
		log.Warn("texture released twice", "device", t.dev.id)
		return ErrHandleClosed
	}
	t.dev.live.Add(-1)
	t.dev.releases.Add(1)
	if t.res.refs.Add(-1) == 0 {
		if t.res.mutex != nil {
			unregisterShared(t.res.handle)
			t.res.mutex.abandon()
		}
	}
	return nil
}

var shared = struct {
	mu   sync.Mutex
	next SharedHandle
	m    map[SharedHandle]*resource
}{m: make(map[SharedHandle]*resource)}

func registerShared(res *resource) {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	shared.next++
	res.handle = shared.next
	shared.m[res.handle] = res
}

func lookupShared(h SharedHandle) (*resource, bool) {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	res, ok := shared.m[h]
	return res, ok
}

func unregisterShared(h SharedHandle) {
	shared.mu.Lock()
	delete(shared.m, h)
	shared.mu.Unlock()
}

// SharedCount returns the number of exported resources still alive.
func SharedCount() int {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	return len(shared.m)
}
