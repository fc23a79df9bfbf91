// Package position computes pixel placement for image overlays and text
// within a container, from a caller-supplied position specification.
//
// A specification carries up to three shapes: a compass preset, custom
// per-axis coordinates (pixels or percentages), and legacy direct pixel
// coordinates. Exactly one shape is active per placement; when a caller
// supplies more than one, precedence is preset > custom > legacy.
package position

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Compass preset names.
const (
	TopLeft      = "top-left"
	TopCenter    = "top-center"
	TopRight     = "top-right"
	CenterLeft   = "center-left"
	Center       = "center"
	CenterRight  = "center-right"
	BottomLeft   = "bottom-left"
	BottomCenter = "bottom-center"
	BottomRight  = "bottom-right"
)

// Horizontal text anchors.
const (
	AlignStart  = "start"
	AlignMiddle = "middle"
	AlignEnd    = "end"
)

const (
	// DefaultMargin is applied to presets when the spec carries no margin.
	DefaultMargin = 20

	// Fallback coordinates when a spec resolves to nothing usable.
	defaultOverlayTop  = 100
	defaultOverlayLeft = 20

	// DefaultFontSize is used when a text style carries no font size.
	DefaultFontSize = 40
)

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Point is a resolved overlay placement (bounding-box top-left).
type Point struct {
	Top  int `json:"top"`
	Left int `json:"left"`
}

// Anchor is a resolved text placement: an anchor point plus the horizontal
// anchoring of the glyph run relative to it.
type Anchor struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Align string `json:"align"`
}

// Dimension is a single-axis coordinate: either absolute pixels or a
// percentage of the corresponding container dimension. It round-trips
// through JSON as a bare number (pixels) or a "NN%" string.
type Dimension struct {
	Value   float64
	Percent bool
}

func Px(v float64) *Dimension  { return &Dimension{Value: v} }
func Pct(v float64) *Dimension { return &Dimension{Value: v, Percent: true} }

func (d *Dimension) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		return nil
	}
	if s[0] == '"' {
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		pct := strings.HasSuffix(raw, "%")
		raw = strings.TrimSuffix(raw, "%")
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("position: invalid dimension %q", string(b))
		}
		d.Value, d.Percent = v, pct
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("position: invalid dimension %q", string(b))
	}
	d.Value, d.Percent = v, false
	return nil
}

func (d Dimension) MarshalJSON() ([]byte, error) {
	if d.Percent {
		return json.Marshal(strconv.FormatFloat(d.Value, 'f', -1, 64) + "%")
	}
	return json.Marshal(d.Value)
}

// Resolve converts the dimension to pixels against a container dimension.
func (d Dimension) Resolve(container int) float64 {
	if d.Percent {
		return d.Value / 100 * float64(container)
	}
	return d.Value
}

// Custom holds per-axis coordinates. Top/Left are used for overlay
// placement, X/Y for text. Align, when set, overrides the preset-derived
// text anchor.
type Custom struct {
	Top   *Dimension `json:"top,omitempty"`
	Left  *Dimension `json:"left,omitempty"`
	X     *Dimension `json:"x,omitempty"`
	Y     *Dimension `json:"y,omitempty"`
	Align string     `json:"align,omitempty"`
}

// Spec is the wire-format position specification. All fields are optional;
// see the package comment for the precedence rules.
type Spec struct {
	Preset string  `json:"preset,omitempty"`
	Margin *int    `json:"margin,omitempty"`
	Custom *Custom `json:"custom,omitempty"`

	// Legacy direct coordinates (no margin semantics).
	Top  *float64 `json:"top,omitempty"`
	Left *float64 `json:"left,omitempty"`
	X    *float64 `json:"x,omitempty"`
	Y    *float64 `json:"y,omitempty"`
}

// Kind reports which shape would drive placement for this spec.
func (s *Spec) Kind() string {
	switch {
	case s == nil:
		return "legacy"
	case s.Preset != "":
		return "preset"
	case s.Custom != nil:
		return "custom"
	default:
		return "legacy"
	}
}

func (s *Spec) margin() float64 {
	if s != nil && s.Margin != nil {
		return float64(*s.Margin)
	}
	return DefaultMargin
}

// TextStyle describes how recipient-name text is burned into an image.
type TextStyle struct {
	Enabled           bool    `json:"enabled"`
	FontSize          int     `json:"font_size,omitempty"`
	Color             string  `json:"color,omitempty"`
	FontFamily        string  `json:"font_family,omitempty"`
	FontWeight        string  `json:"font_weight,omitempty"`
	BackgroundColor   string  `json:"background_color,omitempty"`
	BackgroundOpacity float64 `json:"background_opacity,omitempty"`
	Padding           int     `json:"padding,omitempty"`
	CornerRadius      int     `json:"corner_radius,omitempty"`
	Position          *Spec   `json:"position,omitempty"`
}

// FontSizeOrDefault returns the effective font size in pixels.
func (t *TextStyle) FontSizeOrDefault() int {
	if t != nil && t.FontSize > 0 {
		return t.FontSize
	}
	return DefaultFontSize
}

// PlaceOverlay resolves the top-left corner for an overlay of the given size
// inside the container. The result is always clamped into the container;
// when the overlay exceeds the container on an axis the clamp interval
// collapses and that coordinate pins to 0.
func PlaceOverlay(container, overlay Size, spec *Spec) Point {
	W, H := float64(container.Width), float64(container.Height)
	w, h := float64(overlay.Width), float64(overlay.Height)

	var top, left float64
	switch {
	case spec != nil && spec.Preset != "":
		m := spec.margin()
		switch spec.Preset {
		case TopLeft:
			top, left = m, m
		case TopCenter:
			top, left = m, (W-w)/2
		case TopRight:
			top, left = m, W-w-m
		case CenterLeft:
			top, left = (H-h)/2, m
		case Center:
			top, left = (H-h)/2, (W-w)/2
		case CenterRight:
			top, left = (H-h)/2, W-w-m
		case BottomLeft:
			top, left = H-h-m, m
		case BottomCenter:
			top, left = H-h-m, (W-w)/2
		case BottomRight:
			top, left = H-h-m, W-w-m
		default:
			top, left = defaultOverlayTop, defaultOverlayLeft
		}
	case spec != nil && spec.Custom != nil:
		top, left = defaultOverlayTop, defaultOverlayLeft
		if spec.Custom.Top != nil {
			top = spec.Custom.Top.Resolve(container.Height)
		}
		if spec.Custom.Left != nil {
			left = spec.Custom.Left.Resolve(container.Width)
		}
	default:
		top, left = defaultOverlayTop, defaultOverlayLeft
		if spec != nil {
			if spec.Top != nil {
				top = *spec.Top
			}
			if spec.Left != nil {
				left = *spec.Left
			}
		}
	}

	top = clamp(top, 0, math.Max(0, H-h))
	left = clamp(left, 0, math.Max(0, W-w))
	return Point{Top: int(math.Round(top)), Left: int(math.Round(left))}
}

// PlaceText resolves the anchor point for a text run. Vertical preset offsets
// use the font size instead of an overlay height; the default shape when no
// preset matches is bottom-center.
func PlaceText(container Size, style *TextStyle) Anchor {
	W, H := float64(container.Width), float64(container.Height)
	fs := float64(style.FontSizeOrDefault())

	var spec *Spec
	if style != nil {
		spec = style.Position
	}

	var x, y float64
	align := AlignMiddle
	switch {
	case spec != nil && spec.Preset != "":
		m := spec.margin()
		switch spec.Preset {
		case TopLeft:
			x, y, align = m, m+fs, AlignStart
		case TopCenter:
			x, y, align = W/2, m+fs, AlignMiddle
		case TopRight:
			x, y, align = W-m, m+fs, AlignEnd
		case CenterLeft:
			x, y, align = m, (H+fs)/2, AlignStart
		case Center:
			x, y, align = W/2, (H+fs)/2, AlignMiddle
		case CenterRight:
			x, y, align = W-m, (H+fs)/2, AlignEnd
		case BottomLeft:
			x, y, align = m, H-m, AlignStart
		case BottomCenter:
			x, y, align = W/2, H-m, AlignMiddle
		case BottomRight:
			x, y, align = W-m, H-m, AlignEnd
		default:
			x, y, align = W/2, H-m, AlignMiddle
		}
	case spec != nil && spec.Custom != nil:
		x, y = W/2, H-50
		if spec.Custom.X != nil {
			x = spec.Custom.X.Resolve(container.Width)
		}
		if spec.Custom.Y != nil {
			y = spec.Custom.Y.Resolve(container.Height)
		}
		if spec.Custom.Align != "" {
			align = spec.Custom.Align
		}
	default:
		x, y = W/2, H-50
		if spec != nil {
			if spec.X != nil {
				x = *spec.X
			}
			if spec.Y != nil {
				y = *spec.Y
			}
		}
	}

	x = clamp(x, 0, W)
	y = clamp(y, fs, H)
	return Anchor{X: int(math.Round(x)), Y: int(math.Round(y)), Align: align}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
