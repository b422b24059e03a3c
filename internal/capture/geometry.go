package capture

import (
	"fmt"
	"image"
)

// PlacedSource is one resolved source of a Layout.
type PlacedSource struct {
	Index      int
	Descriptor Descriptor
	// FrameRect is where the source sits in desktop coordinates.
	FrameRect image.Rectangle
	// Offset translates FrameRect into composite coordinates.
	Offset image.Point
	// SourceRect is the region of the native frame that is captured.
	SourceRect image.Rectangle
}

// CompositeRect returns the region the source occupies in the composite.
func (p PlacedSource) CompositeRect() image.Rectangle {
	return p.FrameRect.Add(p.Offset)
}

// Layout is the resolved geometry of a capture session.
type Layout struct {
	// Bounds encloses every placed source, in desktop coordinates, with even
	// width and height. The composite surface has Bounds' size.
	Bounds  image.Rectangle
	Sources []PlacedSource
}

// Size returns the composite surface size.
func (l Layout) Size() image.Point { return l.Bounds.Size() }

// ResolveLayout resolves every descriptor's capture rectangle and places them
// in one composite. A single unresolvable source fails the whole layout.
func ResolveLayout(reg *Registry, sources []Descriptor) (Layout, error) {
	if len(sources) == 0 {
		return Layout{}, ErrNoSources
	}

	frames := make([]image.Rectangle, len(sources))
	crops := make([]image.Rectangle, len(sources))
	for i, desc := range sources {
		native, err := reg.Resolve(desc)
		if err != nil {
			return Layout{}, fmt.Errorf("resolve source %d %s: %w", i, desc, err)
		}
		if native.Empty() {
			return Layout{}, fmt.Errorf("resolve source %d %s: empty rectangle %v", i, desc, native)
		}
		frame, crop, err := frameRect(desc, native)
		if err != nil {
			return Layout{}, fmt.Errorf("resolve source %d %s: %w", i, desc, err)
		}
		frames[i] = frame
		crops[i] = crop
	}

	bounds, placed := CombineRects(frames)
	bounds = MakeRectEven(bounds)

	layout := Layout{Bounds: bounds, Sources: make([]PlacedSource, len(sources))}
	for i, desc := range sources {
		layout.Sources[i] = PlacedSource{
			Index:      i,
			Descriptor: desc,
			FrameRect:  frames[i],
			Offset:     placed[i].Min.Sub(frames[i].Min).Sub(bounds.Min),
			SourceRect: crops[i],
		}
	}
	return layout, nil
}

// frameRect applies the descriptor's crop and position to a native
// rectangle. It returns the frame rectangle in desktop coordinates and the
// captured region in frame-local coordinates.
func frameRect(desc Descriptor, native image.Rectangle) (image.Rectangle, image.Rectangle, error) {
	local := native.Sub(native.Min)
	crop := local
	if desc.Crop != nil {
		crop = desc.Crop.Canon().Intersect(local)
		if crop.Empty() {
			return image.Rectangle{}, image.Rectangle{}, fmt.Errorf("crop %v outside frame %v", *desc.Crop, local)
		}
	}
	origin := native.Min
	if desc.Position != nil && desc.Kind != KindDisplay {
		origin = *desc.Position
	}
	return image.Rectangle{Min: origin, Max: origin.Add(crop.Size())}, crop, nil
}

// CombineRects places rects without overlap and returns their bounding
// rectangle. Rectangles are taken in order; one that collides with an
// already placed rectangle is moved right of it until it is free.
func CombineRects(rects []image.Rectangle) (image.Rectangle, []image.Rectangle) {
	placed := make([]image.Rectangle, 0, len(rects))
	var bounds image.Rectangle
	for _, r := range rects {
		for moved := true; moved; {
			moved = false
			for _, p := range placed {
				if r.Overlaps(p) {
					r = r.Add(image.Pt(p.Max.X-r.Min.X, 0))
					moved = true
				}
			}
		}
		if len(placed) == 0 {
			bounds = r
		} else {
			bounds = bounds.Union(r)
		}
		placed = append(placed, r)
	}
	return bounds, placed
}

// MakeRectEven grows r by one pixel on the right and/or bottom so its width
// and height are even, as required by 4:2:0 surface formats.
func MakeRectEven(r image.Rectangle) image.Rectangle {
	if r.Dx()%2 != 0 {
		r.Max.X++
	}
	if r.Dy()%2 != 0 {
		r.Max.Y++
	}
	return r
}
