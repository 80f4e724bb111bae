package texture

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"golang.org/x/image/bmp"
)

func testImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	img.Set(1, 0, color.NRGBA{G: 255, A: 255})
	img.Set(0, 1, color.NRGBA{B: 255, A: 255})
	img.Set(1, 1, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	return img
}

func TestToPNGPassthrough(t *testing.T) {
	data, err := EncodePNG(testImage())
	if err != nil {
		t.Fatal(err)
	}

	out, err := ToPNG(data, FormatPNG)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("expected a valid png payload to pass through unchanged")
	}
}

func TestToPNGRejectsMistaggedPayload(t *testing.T) {
	if _, err := ToPNG([]byte("not a png"), FormatPNG); err == nil {
		t.Fatal("expected an error for a png-tagged payload without the signature")
	}
}

func TestToPNGReencodes(t *testing.T) {
	var buf bytes.Buffer
	if err := bmp.Encode(&buf, testImage()); err != nil {
		t.Fatal(err)
	}

	out, err := ToPNG(buf.Bytes(), FormatBMP)
	if err != nil {
		t.Fatal(err)
	}
	if !IsPNG(out) {
		t.Fatal("expected the re-encoded payload to carry the png signature")
	}

	img, err := Decode(out, FormatPNG)
	if err != nil {
		t.Fatal(err)
	}
	r, g, b, _ := img.At(0, 0).RGBA()
	if r>>8 != 255 || g>>8 != 0 || b>>8 != 0 {
		t.Fatalf("expected the top-left pixel to stay red; got %d %d %d", r>>8, g>>8, b>>8)
	}
}

func TestDecodeSniffsUnknownFormat(t *testing.T) {
	data, err := EncodePNG(testImage())
	if err != nil {
		t.Fatal(err)
	}
	if _, err = Decode(data, FormatUnknown); err != nil {
		t.Fatalf("expected the sniffer to handle an untagged png payload; got %v", err)
	}
}

func TestFromPixelsFlipsRows(t *testing.T) {
	// One column, two rows, stored bottom-up: red below green.
	pixels := []float32{
		1, 0, 0, 1, // bottom row
		0, 1, 0, 1, // top row
	}

	img, err := FromPixels(1, 2, pixels)
	if err != nil {
		t.Fatal(err)
	}

	top := img.At(0, 0).(color.NRGBA)
	bottom := img.At(0, 1).(color.NRGBA)
	if top.G != 255 || top.R != 0 {
		t.Fatalf("expected the top output row to be green; got %+v", top)
	}
	if bottom.R != 255 || bottom.G != 0 {
		t.Fatalf("expected the bottom output row to be red; got %+v", bottom)
	}
}

func TestFromPixelsValidatesSize(t *testing.T) {
	if _, err := FromPixels(2, 2, make([]float32, 7)); err == nil {
		t.Fatal("expected an error for a mis-sized pixel buffer")
	}
	if _, err := FromPixels(0, 2, nil); err == nil {
		t.Fatal("expected an error for zero dimensions")
	}
}

func TestFormatFromExt(t *testing.T) {
	cases := []struct {
		ext    string
		format Format
	}{
		{".png", FormatPNG},
		{"PNG", FormatPNG},
		{"jpg", FormatJPEG},
		{".jpeg", FormatJPEG},
		{".tga", FormatTGA},
		{".bmp", FormatBMP},
		{"tiff", FormatTIFF},
		{".xyz", FormatUnknown},
	}
	for _, tc := range cases {
		if got := FormatFromExt(tc.ext); got != tc.format {
			t.Fatalf("expected %q to map to %q; got %q", tc.ext, tc.format, got)
		}
	}
}
