package capture

import "image"

// PointerShapeType mirrors the pointer shape encodings reported by capture
// APIs.
type PointerShapeType int

const (
	PointerShapeMonochrome PointerShapeType = iota + 1
	PointerShapeColor
	PointerShapeMaskedColor
)

// PointerShapeInfo describes the bitmap held in PointerState.ShapeBuffer.
type PointerShapeInfo struct {
	Type    PointerShapeType
	Width   int
	Height  int
	Pitch   int
	HotSpot image.Point
}

// PointerState is the session-wide cursor record. Workers write it while
// holding the writer key of the shared surface and the manager snapshots it
// while holding the reader key, so the surface lock is its only guard. The
// last writer wins.
type PointerState struct {
	ShapeBuffer []byte
	ShapeInfo   PointerShapeInfo
	// Position is in composite coordinates.
	Position image.Point
	Visible  bool
	// LastUpdate is the clock tick of the last position update; UpdatedBy is
	// the index of the source that made it, or -1.
	LastUpdate int64
	UpdatedBy  int
}

// EnsureShapeBuffer returns a shape buffer of exactly size bytes, growing the
// backing array only when it is too small.
func (p *PointerState) EnsureShapeBuffer(size int) []byte {
	if cap(p.ShapeBuffer) < size {
		p.ShapeBuffer = make([]byte, size)
	}
	p.ShapeBuffer = p.ShapeBuffer[:size]
	return p.ShapeBuffer
}

// Snapshot returns a deep copy safe to hand to the consumer.
func (p *PointerState) Snapshot() PointerState {
	cp := *p
	if p.ShapeBuffer != nil {
		cp.ShapeBuffer = append([]byte(nil), p.ShapeBuffer...)
	}
	return cp
}

func (p *PointerState) reset() {
	*p = PointerState{UpdatedBy: -1}
}
