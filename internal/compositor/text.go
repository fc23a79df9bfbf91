package compositor

import (
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/praveen-singh01/whatsapp-automation/internal/position"
)

const (
	shadowOffset           = 2
	defaultBackgroundAlpha = 0.7
)

var (
	fontOnce    sync.Once
	fontRegular *opentype.Font
	fontBold    *opentype.Font
	fontErr     error

	faceMu    sync.Mutex
	faceCache = map[string]font.Face{}
)

func loadFonts() {
	fontRegular, fontErr = opentype.Parse(goregular.TTF)
	if fontErr != nil {
		return
	}
	fontBold, fontErr = opentype.Parse(gobold.TTF)
}

func faceFor(weight string, size int) (font.Face, error) {
	fontOnce.Do(loadFonts)
	if fontErr != nil {
		return nil, fontErr
	}

	bold := strings.EqualFold(weight, "bold") || weight == "700" || weight == "800" || weight == "900"
	key := strconv.Itoa(size)
	src := fontRegular
	if bold {
		src = fontBold
		key = "b" + key
	}

	faceMu.Lock()
	defer faceMu.Unlock()
	if f, ok := faceCache[key]; ok {
		return f, nil
	}
	f, err := opentype.NewFace(src, &opentype.FaceOptions{
		Size:    float64(size),
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, err
	}
	faceCache[key] = f
	return f, nil
}

// DrawText flattens a text run into img at the given anchor. When the style
// carries a background color, a rounded plate sized to the estimated text
// bounding box is painted first; the glyph run itself is drawn twice (shadow
// then fill) for legibility on busy posters.
func DrawText(img image.Image, text string, style *position.TextStyle, anchor position.Anchor) (image.Image, error) {
	if text == "" || style == nil {
		return img, nil
	}
	fs := style.FontSizeOrDefault()
	face, err := faceFor(style.FontWeight, fs)
	if err != nil {
		return nil, err
	}

	dst := imaging.Clone(img)

	if style.BackgroundColor != "" {
		pad := style.Padding
		// Estimated box; measuring is not used here so the plate stays
		// stable across fonts the caller cannot see.
		w := int(math.Round(float64(len(text))*float64(fs)*0.6)) + 2*pad
		h := fs + 2*pad
		left := anchor.X
		switch anchor.Align {
		case position.AlignEnd:
			left -= w
		case position.AlignMiddle:
			left -= w / 2
		}
		top := anchor.Y - fs - pad

		opacity := style.BackgroundOpacity
		if opacity <= 0 || opacity > 1 {
			opacity = defaultBackgroundAlpha
		}
		bg := parseHexColor(style.BackgroundColor, color.NRGBA{A: 0xff})
		fillRoundedRect(dst, image.Rect(left, top, left+w, top+h), style.CornerRadius, bg, opacity)
	}

	// Horizontal anchoring uses the real glyph advance.
	adv := font.MeasureString(face, text).Round()
	x := anchor.X
	switch anchor.Align {
	case position.AlignEnd:
		x -= adv
	case position.AlignMiddle:
		x -= adv / 2
	}

	drawString(dst, face, text, x+shadowOffset, anchor.Y+shadowOffset, color.NRGBA{A: 0xb4})
	fill := parseHexColor(style.Color, color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff})
	drawString(dst, face, text, x, anchor.Y, fill)
	return dst, nil
}

func drawString(dst *image.NRGBA, face font.Face, s string, x, y int, c color.NRGBA) {
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// fillRoundedRect paints a rounded rectangle with per-pixel alpha blending.
// radius is clamped so opposite corners never overlap.
func fillRoundedRect(dst *image.NRGBA, rect image.Rectangle, radius int, c color.NRGBA, opacity float64) {
	rect = rect.Intersect(dst.Bounds())
	if rect.Empty() {
		return
	}
	maxR := rect.Dx() / 2
	if rect.Dy()/2 < maxR {
		maxR = rect.Dy() / 2
	}
	if radius > maxR {
		radius = maxR
	}
	if radius < 0 {
		radius = 0
	}

	alpha := opacity * float64(c.A) / 255
	r2 := float64(radius * radius)

	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			if radius > 0 {
				dx, dy := 0, 0
				if x < rect.Min.X+radius {
					dx = rect.Min.X + radius - x
				} else if x >= rect.Max.X-radius {
					dx = x - (rect.Max.X - radius - 1)
				}
				if y < rect.Min.Y+radius {
					dy = rect.Min.Y + radius - y
				} else if y >= rect.Max.Y-radius {
					dy = y - (rect.Max.Y - radius - 1)
				}
				if dx > 0 && dy > 0 && float64(dx*dx+dy*dy) > r2 {
					continue
				}
			}
			blendPixel(dst, x, y, c, alpha)
		}
	}
}

func blendPixel(dst *image.NRGBA, x, y int, c color.NRGBA, alpha float64) {
	i := dst.PixOffset(x, y)
	p := dst.Pix[i : i+4 : i+4]
	p[0] = mix(p[0], c.R, alpha)
	p[1] = mix(p[1], c.G, alpha)
	p[2] = mix(p[2], c.B, alpha)
	if a := float64(p[3]) + alpha*float64(255-int(p[3])); a > 255 {
		p[3] = 255
	} else {
		p[3] = uint8(a)
	}
}

func mix(under, over uint8, alpha float64) uint8 {
	v := float64(under)*(1-alpha) + float64(over)*alpha
	if v > 255 {
		v = 255
	}
	return uint8(v)
}

// parseHexColor accepts #RGB, #RRGGBB and #RRGGBBAA.
func parseHexColor(s string, fallback color.NRGBA) color.NRGBA {
	s = strings.TrimSpace(strings.TrimPrefix(s, "#"))
	hex := func(a, b byte) (uint8, bool) {
		v, err := strconv.ParseUint(string([]byte{a, b}), 16, 8)
		if err != nil {
			return 0, false
		}
		return uint8(v), true
	}
	switch len(s) {
	case 3:
		r, ok1 := hex(s[0], s[0])
		g, ok2 := hex(s[1], s[1])
		b, ok3 := hex(s[2], s[2])
		if ok1 && ok2 && ok3 {
			return color.NRGBA{R: r, G: g, B: b, A: 0xff}
		}
	case 6:
		r, ok1 := hex(s[0], s[1])
		g, ok2 := hex(s[2], s[3])
		b, ok3 := hex(s[4], s[5])
		if ok1 && ok2 && ok3 {
			return color.NRGBA{R: r, G: g, B: b, A: 0xff}
		}
	case 8:
		r, ok1 := hex(s[0], s[1])
		g, ok2 := hex(s[2], s[3])
		b, ok3 := hex(s[4], s[5])
		a, ok4 := hex(s[6], s[7])
		if ok1 && ok2 && ok3 && ok4 {
			return color.NRGBA{R: r, G: g, B: b, A: a}
		}
	}
	return fallback
}
