package texture

import (
	"bytes"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/ftrvxmtrx/tga"
	"github.com/pkg/errors"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// pngMagic is the 8-byte PNG file signature.
var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// A decoder turns an encoded payload into pixels.
type decoder func(r io.Reader) (image.Image, error)

// Decode strategies keyed by encoding tag. The M3D packer never cares which
// host format a texture came from; anything registered here can be re-encoded
// to the one encoding the format embeds (PNG).
var decoders = map[Format]decoder{
	FormatPNG:  png.Decode,
	FormatJPEG: jpeg.Decode,
	FormatGIF:  gif.Decode,
	FormatTGA:  tga.Decode,
	FormatBMP:  bmp.Decode,
	FormatTIFF: tiff.Decode,
}

// IsPNG reports whether the payload already carries the PNG signature.
func IsPNG(data []byte) bool {
	return len(data) >= len(pngMagic) && bytes.Equal(data[:len(pngMagic)], pngMagic)
}

// Decode converts an encoded payload to pixels. When the format tag is
// unknown the payload is sniffed with the stdlib registry.
func Decode(data []byte, format Format) (image.Image, error) {
	if dec, exists := decoders[format]; exists {
		img, err := dec(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrapf(err, "texture: decoding %s payload", format)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "texture: decoding payload of unknown encoding")
	}
	return img, nil
}

// EncodePNG serializes pixels with the default supported encoding.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.Wrap(err, "texture: encoding png")
	}
	return buf.Bytes(), nil
}

// ToPNG returns a PNG payload for arbitrarily encoded input, passing
// through payloads that already are valid PNG streams.
func ToPNG(data []byte, format Format) ([]byte, error) {
	if format == FormatPNG || IsPNG(data) {
		if !IsPNG(data) {
			return nil, errors.New("texture: payload tagged png lacks the png signature")
		}
		return data, nil
	}

	img, err := Decode(data, format)
	if err != nil {
		return nil, err
	}
	return EncodePNG(img)
}

// FromPixels builds an image from a host-internal raw pixel buffer: RGBA
// float components in 0..1, rows stored bottom-up the way DCC image stores
// keep them.
func FromPixels(width, height int, pixels []float32) (image.Image, error) {
	if width <= 0 || height <= 0 || len(pixels) != width*height*4 {
		return nil, errors.Errorf("texture: raw pixel buffer of %d floats does not match %dx%d rgba", len(pixels), width, height)
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		// flip rows so the first output row is the top one
		src := (height - 1 - y) * width * 4
		dst := img.PixOffset(0, y)
		for x := 0; x < width*4; x++ {
			img.Pix[dst+x] = floatByte(pixels[src+x])
		}
	}
	return img, nil
}

func floatByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
