package capture

import (
	"fmt"
	"image"
	"strings"
)

// Kind is the type of a capture source.
type Kind string

const (
	KindDisplay       Kind = "display"
	KindWindow        Kind = "window"
	KindCamera        Kind = "camera"
	KindVideo         Kind = "video"
	KindImage         Kind = "image"
	KindAnimatedImage Kind = "animated-image"
)

// API selects the capture technique for display sources.
type API string

const (
	APIDefault         API = ""
	APIDuplication     API = "duplication"
	APIGraphicsCapture API = "graphics-capture"
)

var knownKinds = map[Kind]bool{
	KindDisplay:       true,
	KindWindow:        true,
	KindCamera:        true,
	KindVideo:         true,
	KindImage:         true,
	KindAnimatedImage: true,
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if k == "gif" {
		k = KindAnimatedImage
	}
	if !knownKinds[k] {
		return "", fmt.Errorf("unknown source kind %q", s)
	}
	return k, nil
}

// ParseAPI validates a display API hint.
func ParseAPI(s string) (API, error) {
	switch a := API(strings.ToLower(strings.TrimSpace(s))); a {
	case APIDefault, APIDuplication, APIGraphicsCapture:
		return a, nil
	case "wgc":
		return APIGraphicsCapture, nil
	case "dxgi":
		return APIDuplication, nil
	default:
		return "", fmt.Errorf("unknown capture api %q", s)
	}
}

// Descriptor describes one capture source. It is copied when capture starts
// and never modified afterwards.
type Descriptor struct {
	Kind    Kind
	Locator string
	// CursorCapture overrides the per-kind default (off).
	CursorCapture *bool
	API           API
	// Position places a non-display source in desktop coordinates. Displays
	// always use their own desktop position.
	Position *image.Point
	// Crop selects a region of the native frame, in frame-local coordinates.
	Crop *image.Rectangle
}

// CursorEnabled reports whether pointer data should be captured.
func (d Descriptor) CursorEnabled() bool {
	return d.CursorCapture != nil && *d.CursorCapture
}

// EffectiveAPI returns the API hint with the per-kind default applied.
func (d Descriptor) EffectiveAPI() API {
	switch {
	case d.Kind == KindDisplay && d.API == APIDefault:
		return APIDuplication
	case d.Kind == KindWindow:
		return APIGraphicsCapture
	default:
		return d.API
	}
}

func (d Descriptor) String() string {
	if d.Kind == KindDisplay {
		return fmt.Sprintf("%s(%s,%s)", d.Kind, d.Locator, d.EffectiveAPI())
	}
	return fmt.Sprintf("%s(%s)", d.Kind, d.Locator)
}

// Anchor pins an overlay to a corner or the center of the composite.
type Anchor string

const (
	AnchorTopLeft     Anchor = "top-left"
	AnchorTopRight    Anchor = "top-right"
	AnchorBottomLeft  Anchor = "bottom-left"
	AnchorBottomRight Anchor = "bottom-right"
	AnchorCenter      Anchor = "center"
)

// ParseAnchor validates an anchor name; empty means top-left.
func ParseAnchor(s string) (Anchor, error) {
	switch a := Anchor(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return AnchorTopLeft, nil
	case AnchorTopLeft, AnchorTopRight, AnchorBottomLeft, AnchorBottomRight, AnchorCenter:
		return a, nil
	default:
		return "", fmt.Errorf("unknown overlay anchor %q", s)
	}
}

// OverlayDescriptor describes an auxiliary layer drawn over the composite at
// read time.
type OverlayDescriptor struct {
	Source Descriptor
	Anchor Anchor
	// Offset moves the overlay away from its anchor, towards the center.
	Offset image.Point
	// Size scales the overlay; zero keeps its native size.
	Size image.Point
}

// Place returns the overlay's destination rectangle inside a canvas for a
// frame of the given native size.
func (o OverlayDescriptor) Place(canvas image.Rectangle, native image.Point) image.Rectangle {
	size := native
	if o.Size.X > 0 && o.Size.Y > 0 {
		size = o.Size
	}
	var min image.Point
	switch o.Anchor {
	case AnchorTopRight:
		min = image.Pt(canvas.Max.X-size.X-o.Offset.X, canvas.Min.Y+o.Offset.Y)
	case AnchorBottomLeft:
		min = image.Pt(canvas.Min.X+o.Offset.X, canvas.Max.Y-size.Y-o.Offset.Y)
	case AnchorBottomRight:
		min = image.Pt(canvas.Max.X-size.X-o.Offset.X, canvas.Max.Y-size.Y-o.Offset.Y)
	case AnchorCenter:
		c := canvas.Min.Add(canvas.Size().Div(2))
		min = c.Sub(size.Div(2)).Add(o.Offset)
	default:
		min = canvas.Min.Add(o.Offset)
	}
	return image.Rectangle{Min: min, Max: min.Add(size)}
}
