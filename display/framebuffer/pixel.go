// Package framebuffer writes RGBA images to Linux fbdev.
package framebuffer

import (
	"encoding/binary"
	"image"
	"image/color"

	"github.com/juju/errors"
)

type bitField struct {
	Offset   uint32
	Length   uint32
	MSBRight uint32
}

// Layout describes pixel format of the device.
type Layout struct {
	BitsPerPixel uint32
	LineLength   int
	Red          bitField
	Green        bitField
	Blue         bitField
}

var rgb565 = Layout{
	BitsPerPixel: 16,
	Red:          bitField{Offset: 11, Length: 5},
	Green:        bitField{Offset: 5, Length: 6},
	Blue:         bitField{Offset: 0, Length: 5},
}

func (l Layout) is565() bool {
	return l.BitsPerPixel == 16 && l.Red == rgb565.Red && l.Green == rgb565.Green && l.Blue == rgb565.Blue
}

func encode565(c color.RGBA) uint16 {
	return (uint16(c.R) & 0xf8 << 8) | (uint16(c.G) & 0xfc << 3) | (uint16(c.B) & 0xf8 >> 3)
}

func encode32(l *Layout, c color.RGBA) uint32 {
	return uint32(c.R)<<l.Red.Offset | uint32(c.G)<<l.Green.Offset | uint32(c.B)<<l.Blue.Offset
}

// encode converts img into device buffer dst, fbdev words are little endian.
func encode(l *Layout, dst []byte, img *image.RGBA) error {
	size := img.Rect.Size()
	switch {
	case l.is565():
		for y := 0; y < size.Y; y++ {
			row := dst[y*l.LineLength:]
			src := img.Pix[y*img.Stride:]
			for x := 0; x < size.X; x++ {
				c := color.RGBA{src[4*x], src[4*x+1], src[4*x+2], src[4*x+3]}
				binary.LittleEndian.PutUint16(row[2*x:], encode565(c))
			}
		}
		return nil

	case l.BitsPerPixel == 32 && l.Red.Length == 8 && l.Green.Length == 8 && l.Blue.Length == 8:
		for y := 0; y < size.Y; y++ {
			row := dst[y*l.LineLength:]
			src := img.Pix[y*img.Stride:]
			for x := 0; x < size.X; x++ {
				c := color.RGBA{src[4*x], src[4*x+1], src[4*x+2], src[4*x+3]}
				binary.LittleEndian.PutUint32(row[4*x:], encode32(l, c))
			}
		}
		return nil
	}
	return errors.NotSupportedf("framebuffer color model bpp=%d", l.BitsPerPixel)
}
