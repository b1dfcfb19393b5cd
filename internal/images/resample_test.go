package images

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func TestBase64Len(t *testing.T) {
	cases := []struct{ n, want int }{
		{0, 0},
		{1, 4},
		{2, 4},
		{3, 4},
		{4, 8},
		{300, 400},
	}
	for _, c := range cases {
		if got := Base64Len(c.n); got != c.want {
			t.Errorf("Base64Len(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestResampleToFit_PassthroughUnderBudget(t *testing.T) {
	data := []byte("small payload")
	got, mimeType, err := ResampleToFit(data, "image/png", 1<<20)
	if err != nil {
		t.Fatalf("ResampleToFit: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("under-budget bytes were modified")
	}
	if mimeType != "image/png" {
		t.Errorf("mime = %q, want image/png", mimeType)
	}
}

func noisyPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x*7 + y*13), uint8(x * y), uint8(x ^ y), 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestResampleToFit_ShrinksOversized(t *testing.T) {
	data := noisyPNG(t, 400, 400)
	budget := Base64Len(len(data)) / 4
	got, mimeType, err := ResampleToFit(data, "image/png", budget)
	if err != nil {
		t.Fatalf("ResampleToFit: %v", err)
	}
	if Base64Len(len(got)) > budget {
		t.Errorf("result base64 size %d exceeds budget %d", Base64Len(len(got)), budget)
	}
	if mimeType != "image/jpeg" {
		t.Errorf("mime = %q, want image/jpeg after re-encode", mimeType)
	}
}

func TestResampleToFit_Deterministic(t *testing.T) {
	data := noisyPNG(t, 300, 200)
	budget := Base64Len(len(data)) / 3
	a, _, err := ResampleToFit(data, "image/png", budget)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	b, _, err := ResampleToFit(data, "image/png", budget)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("same input produced different output bytes")
	}
}

func TestResampleToFit_ImpossibleBudget(t *testing.T) {
	data := noisyPNG(t, 256, 256)
	if _, _, err := ResampleToFit(data, "image/png", 8); err == nil {
		t.Error("expected error for impossible budget")
	}
}
