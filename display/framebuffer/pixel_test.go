package framebuffer

import (
	"encoding/binary"
	"image"
	"image/color"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRGB565(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input  color.RGBA
		expect uint16
	}{
		{color.RGBA{0, 0, 0, 0}, 0},
		{color.RGBA{0, 0, 0, 0xff}, 0},
		{color.RGBA{0xff, 0xff, 0xff, 0xff}, 0xffff},
		{color.RGBA{0xff, 0x00, 0x00, 0xff}, 0xf800},
		{color.RGBA{0x00, 0xff, 0x00, 0xff}, 0x07e0},
		{color.RGBA{0x00, 0x00, 0xff, 0xff}, 0x001f},
		{color.RGBA{0x0c, 0x0c, 0x0c, 0xff}, 0x0861},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, encode565(c.input), c.input)
	}
}

func TestEncode(t *testing.T) {
	t.Parallel()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.SetRGBA(1, 1, color.RGBA{0x11, 0x22, 0x33, 0xff})

	l565 := rgb565
	l565.LineLength = 6 // padded rows
	buf := make([]byte, l565.LineLength*2)
	require.NoError(t, encode(&l565, buf, img))
	assert.Equal(t, encode565(color.RGBA{0x11, 0x22, 0x33, 0xff}), binary.LittleEndian.Uint16(buf[6+2:]))
	assert.Equal(t, uint16(0), binary.LittleEndian.Uint16(buf[0:]))

	xrgb := Layout{
		BitsPerPixel: 32,
		LineLength:   8,
		Red:          bitField{Offset: 16, Length: 8},
		Green:        bitField{Offset: 8, Length: 8},
		Blue:         bitField{Offset: 0, Length: 8},
	}
	buf = make([]byte, 16)
	require.NoError(t, encode(&xrgb, buf, img))
	assert.Equal(t, uint32(0x112233), binary.LittleEndian.Uint32(buf[12:]))

	gray := Layout{BitsPerPixel: 8}
	err := encode(&gray, buf, img)
	assert.True(t, errors.IsNotSupported(err), "err=%v", err)
}
