package video

import (
	"image"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const overlayMargin = 4

// drawOverlay prints lines at top left corner, white with dark shadow.
func drawOverlay(dst *image.RGBA, lines []string) {
	face := basicfont.Face7x13
	lineHeight := face.Metrics().Height.Ceil()
	d := font.Drawer{Dst: dst, Face: face}
	for i, line := range lines {
		y := overlayMargin + face.Metrics().Ascent.Ceil() + i*lineHeight
		if y > dst.Rect.Dy() {
			break
		}
		d.Src = image.Black
		d.Dot = fixed.P(overlayMargin+1, y+1)
		d.DrawString(line)
		d.Src = image.White
		d.Dot = fixed.P(overlayMargin, y)
		d.DrawString(line)
	}
}
