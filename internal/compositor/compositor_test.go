package compositor

import (
	"context"
	"errors"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/praveen-singh01/whatsapp-automation/internal/position"
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	return imaging.New(w, h, c)
}

func TestCompositePlacesOverlay(t *testing.T) {
	t.Parallel()
	base := solid(400, 300, color.NRGBA{R: 0x10, G: 0x10, B: 0x10, A: 0xff})
	overlay := solid(50, 50, color.NRGBA{R: 0xff, A: 0xff})

	p := position.PlaceOverlay(position.Size{Width: 400, Height: 300}, position.Size{Width: 100, Height: 100}, &position.Spec{Preset: position.Center})
	out, err := Composite(base, overlay, position.Size{Width: 100, Height: 100}, p, 1)
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}

	nrgba := imaging.Clone(out)
	// Center of the placed overlay must be overlay-red.
	got := nrgba.NRGBAAt(p.Left+50, p.Top+50)
	if got.R != 0xff || got.G > 0x10 {
		t.Fatalf("overlay pixel = %+v, want red", got)
	}
	// A corner far away from the overlay keeps the base color.
	got = nrgba.NRGBAAt(1, 1)
	if got.R != 0x10 {
		t.Fatalf("base pixel = %+v, want untouched base", got)
	}
}

func TestCompositeCoverCrop(t *testing.T) {
	t.Parallel()
	base := solid(200, 200, color.NRGBA{A: 0xff})
	// Wide overlay: cover fit must crop, not letterbox, so the full 80x80
	// target region is overlay-colored.
	overlay := solid(160, 40, color.NRGBA{G: 0xff, A: 0xff})

	out, err := Composite(base, overlay, position.Size{Width: 80, Height: 80}, position.Point{Top: 0, Left: 0}, 1)
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}
	nrgba := imaging.Clone(out)
	for _, pt := range []image.Point{{0, 0}, {79, 0}, {0, 79}, {79, 79}, {40, 40}} {
		if got := nrgba.NRGBAAt(pt.X, pt.Y); got.G < 0x80 {
			t.Fatalf("pixel %v = %+v, want overlay green (no letterboxing)", pt, got)
		}
	}
}

func TestCompositeErrors(t *testing.T) {
	t.Parallel()
	base := solid(10, 10, color.NRGBA{A: 0xff})
	overlay := solid(5, 5, color.NRGBA{A: 0xff})

	if _, err := Composite(nil, overlay, position.Size{Width: 5, Height: 5}, position.Point{}, 1); !errors.Is(err, ErrComposition) {
		t.Fatalf("nil base: err = %v, want ErrComposition", err)
	}
	if _, err := Composite(base, overlay, position.Size{Width: 0, Height: 5}, position.Point{}, 1); !errors.Is(err, ErrComposition) {
		t.Fatalf("zero target: err = %v, want ErrComposition", err)
	}
	if _, err := Composite(solid(0, 0, color.NRGBA{}), overlay, position.Size{Width: 5, Height: 5}, position.Point{}, 1); !errors.Is(err, ErrComposition) {
		t.Fatalf("zero base: err = %v, want ErrComposition", err)
	}
}

func TestDecodeBytesRejectsGarbage(t *testing.T) {
	t.Parallel()
	if _, err := DecodeBytes([]byte("definitely not an image")); !errors.Is(err, ErrImageDecode) {
		t.Fatalf("err = %v, want ErrImageDecode", err)
	}
}

func TestEncodePNGRoundTrip(t *testing.T) {
	t.Parallel()
	img := solid(20, 20, color.NRGBA{R: 0x42, G: 0x43, B: 0x44, A: 0xff})
	b, err := EncodePNG(img)
	if err != nil {
		t.Fatalf("EncodePNG: %v", err)
	}
	back, err := DecodeBytes(b)
	if err != nil {
		t.Fatalf("decode of encoded png: %v", err)
	}
	if got := imaging.Clone(back).NRGBAAt(10, 10); got.R != 0x42 {
		t.Fatalf("pixel = %+v, want lossless round-trip", got)
	}
}

func TestDrawText(t *testing.T) {
	t.Parallel()
	base := solid(600, 200, color.NRGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xff})
	style := &position.TextStyle{
		Enabled:         true,
		FontSize:        36,
		Color:           "#ffffff",
		BackgroundColor: "#000000",
		Padding:         8,
		CornerRadius:    6,
	}
	anchor := position.Anchor{X: 300, Y: 150, Align: position.AlignMiddle}

	out, err := DrawText(base, "Aarav Sharma", style, anchor)
	if err != nil {
		t.Fatalf("DrawText: %v", err)
	}
	nrgba := imaging.Clone(out)

	changed := 0
	for y := 100; y < 160; y++ {
		for x := 150; x < 450; x++ {
			if nrgba.NRGBAAt(x, y) != base.NRGBAAt(x, y) {
				changed++
			}
		}
	}
	if changed == 0 {
		t.Fatal("DrawText left the image untouched")
	}

	// Pixels far from the anchor stay untouched.
	if nrgba.NRGBAAt(5, 5) != base.NRGBAAt(5, 5) {
		t.Fatal("DrawText modified pixels far outside the text box")
	}
}

func TestDrawTextEmptyIsNoop(t *testing.T) {
	t.Parallel()
	base := solid(50, 50, color.NRGBA{A: 0xff})
	out, err := DrawText(base, "", &position.TextStyle{Enabled: true}, position.Anchor{X: 10, Y: 20})
	if err != nil {
		t.Fatalf("DrawText: %v", err)
	}
	if out != image.Image(base) {
		t.Fatal("empty text should return the input image unchanged")
	}
}

func TestParseHexColor(t *testing.T) {
	t.Parallel()
	fallback := color.NRGBA{R: 1, G: 2, B: 3, A: 4}
	tests := []struct {
		in   string
		want color.NRGBA
	}{
		{"#fff", color.NRGBA{0xff, 0xff, 0xff, 0xff}},
		{"#ff8800", color.NRGBA{0xff, 0x88, 0x00, 0xff}},
		{"#ff880080", color.NRGBA{0xff, 0x88, 0x00, 0x80}},
		{"112233", color.NRGBA{0x11, 0x22, 0x33, 0xff}},
		{"nope", fallback},
		{"", fallback},
	}
	for _, tt := range tests {
		if got := parseHexColor(tt.in, fallback); got != tt.want {
			t.Fatalf("parseHexColor(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestFetcher(t *testing.T) {
	t.Parallel()
	png, err := EncodePNG(solid(10, 10, color.NRGBA{R: 0xaa, A: 0xff}))
	if err != nil {
		t.Fatalf("EncodePNG: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(png)
		case "/junk":
			_, _ = w.Write([]byte("not an image"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := NewFetcher(5*time.Second, 1<<20)

	img, err := f.Fetch(context.Background(), srv.URL+"/ok.png")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if img.Bounds().Dx() != 10 {
		t.Fatalf("decoded width = %d, want 10", img.Bounds().Dx())
	}

	var fe *FetchError
	if _, err := f.Fetch(context.Background(), srv.URL+"/missing"); !errors.As(err, &fe) {
		t.Fatalf("404: err = %v, want FetchError", err)
	}
	if _, err := f.Fetch(context.Background(), srv.URL+"/junk"); !errors.Is(err, ErrImageDecode) {
		t.Fatalf("junk body: err = %v, want ErrImageDecode", err)
	}
}
