package images

import "bytes"

// Image format signatures. Extension and content type come from the
// bytes, never from the upstream filename.
var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	riffMagic = []byte("RIFF")
	webpMagic = []byte("WEBP")
)

// minSniffLen is the shortest buffer that can carry a recognizable
// signature (RIFF header plus WEBP tag).
const minSniffLen = 12

// sniffFormat identifies JPEG, PNG, or WebP content by magic bytes.
// Returns the format name, file extension, and content type, or ok=false
// for anything else.
func sniffFormat(data []byte) (format, ext, contentType string, ok bool) {
	if len(data) < minSniffLen {
		return "", "", "", false
	}

	switch {
	case bytes.HasPrefix(data, jpegMagic):
		return "jpeg", "jpg", "image/jpeg", true
	case bytes.HasPrefix(data, pngMagic):
		return "png", "png", "image/png", true
	case bytes.HasPrefix(data, riffMagic) && bytes.Equal(data[8:12], webpMagic):
		return "webp", "webp", "image/webp", true
	default:
		return "", "", "", false
	}
}
