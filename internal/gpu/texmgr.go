package gpu

import (
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"
)

// TextureManager bundles the texture helpers used when composing frames:
// allocation, whole-texture copies and scaled draws.
type TextureManager struct {
	ctx *Context
	dev *Device
}

// NewTextureManager binds a manager to a device/context pair.
func NewTextureManager(ctx *Context, dev *Device) (*TextureManager, error) {
	if ctx == nil || dev == nil {
		return nil, fmt.Errorf("texture manager: %w", ErrInvalidArg)
	}
	if err := dev.Err(); err != nil {
		return nil, fmt.Errorf("texture manager: %w", err)
	}
	return &TextureManager{ctx: ctx, dev: dev}, nil
}

// Device returns the bound device.
func (m *TextureManager) Device() *Device { return m.dev }

// Context returns the bound context.
func (m *TextureManager) Context() *Context { return m.ctx }

// Clone allocates a non-shared texture with src's size and copies src into it.
func (m *TextureManager) Clone(src *Texture) (*Texture, error) {
	b := src.Bounds()
	dst, err := m.dev.CreateTexture(TextureDesc{Width: b.Dx(), Height: b.Dy()})
	if err != nil {
		return nil, err
	}
	if err := m.ctx.CopyResource(dst, src); err != nil {
		dst.Release()
		return nil, err
	}
	return dst, nil
}

// DrawScaled blends src (over) into dstRect of dst, scaling with bilinear
// filtering when the sizes differ.
func (m *TextureManager) DrawScaled(dst *Texture, dstRect image.Rectangle, src image.Image, srcRect image.Rectangle) error {
	if err := m.dev.Err(); err != nil {
		return err
	}
	d := dst.RGBA()
	if d == nil {
		return ErrHandleClosed
	}
	if dstRect.Size() == srcRect.Size() {
		xdraw.Draw(d, dstRect, src, srcRect.Min, xdraw.Over)
		return nil
	}
	xdraw.ApproxBiLinear.Scale(d, dstRect, src, srcRect, xdraw.Over, nil)
	return nil
}
