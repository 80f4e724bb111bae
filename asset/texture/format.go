package texture

import "strings"

// Format tags the encoding of a texture payload as reported by the host
// document or guessed from the file extension.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatGIF  Format = "gif"
	FormatTGA  Format = "tga"
	FormatBMP  Format = "bmp"
	FormatTIFF Format = "tiff"

	// Raw host-internal pixel buffer (float RGBA rows, bottom-up).
	FormatRaw Format = "raw"

	FormatUnknown Format = ""
)

// FormatFromExt maps a file extension (with or without the leading dot) to
// an encoding tag.
func FormatFromExt(ext string) Format {
	ext = strings.ToLower(ext)
	if len(ext) > 0 && ext[0] == '.' {
		ext = ext[1:]
	}
	switch ext {
	case "png":
		return FormatPNG
	case "jpg", "jpeg":
		return FormatJPEG
	case "gif":
		return FormatGIF
	case "tga":
		return FormatTGA
	case "bmp":
		return FormatBMP
	case "tif", "tiff":
		return FormatTIFF
	}
	return FormatUnknown
}
