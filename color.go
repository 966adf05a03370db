package fractal

import (
	"errors"
	"fmt"
	"image"
)

// Pixels are packed 32-bit ARGB values, alpha in the high byte. The colour
// channels are not premultiplied by alpha.

// Common colours.
const (
	Black       uint32 = 0xFF000000
	White       uint32 = 0xFFFFFFFF
	Transparent uint32 = 0x00000000
)

// ErrBadColor is returned by ParseHexColor for malformed input.
var ErrBadColor = errors.New("fractal: malformed colour")

// PackARGB packs four 8-bit channels into one pixel.
func PackARGB(a, r, g, b uint8) uint32 {
	return uint32(a)<<24 | uint32(r)<<16 | uint32(g)<<8 | uint32(b)
}

// UnpackARGB splits a pixel into its channels.
func UnpackARGB(c uint32) (a, r, g, b uint8) {
	return uint8(c >> 24), uint8(c >> 16), uint8(c >> 8), uint8(c)
}

// ParseHexColor parses "RGB", "RRGGBB" or "AARRGGBB", with an optional
// leading '#'. Colours without an alpha component are opaque.
func ParseHexColor(s string) (uint32, error) {
	if s != "" && s[0] == '#' {
		s = s[1:]
	}

	var v uint32
	for i := 0; i < len(s); i++ {
		d, ok := hexDigit(s[i])
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrBadColor, s)
		}
		v = v<<4 | d
	}

	switch len(s) {
	case 3: // RGB
		r, g, b := (v>>8)&0xF, (v>>4)&0xF, v&0xF
		return PackARGB(0xFF, uint8(r*17), uint8(g*17), uint8(b*17)), nil
	case 6: // RRGGBB
		return 0xFF000000 | v, nil
	case 8: // AARRGGBB
		return v, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadColor, s)
	}
}

func hexDigit(c byte) (uint32, bool) {
	switch {
	case '0' <= c && c <= '9':
		return uint32(c - '0'), true
	case 'a' <= c && c <= 'f':
		return uint32(c - 'a' + 10), true
	case 'A' <= c && c <= 'F':
		return uint32(c - 'A' + 10), true
	}
	return 0, false
}

// ToNRGBA converts a packed ARGB raster to a standard library image.
// NRGBA is the matching layout because the channels are not premultiplied.
func ToNRGBA(px []uint32, width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		row := px[y*width : (y+1)*width]
		off := y * img.Stride
		for _, c := range row {
			a, r, g, b := UnpackARGB(c)
			img.Pix[off] = r
			img.Pix[off+1] = g
			img.Pix[off+2] = b
			img.Pix[off+3] = a
			off += 4
		}
	}
	return img
}
