// Package display shows published video frames on a local screen and a QR code
// of the link address while disconnected.
package display

import (
	"expvar"
	"image"
	"image/color"
	"strings"
	"sync"
	"time"

	"github.com/dronelink/dronelink/display/framebuffer"
	"github.com/dronelink/dronelink/link"
	"github.com/dronelink/dronelink/log2"
	"github.com/dronelink/dronelink/packet"
	"github.com/dronelink/dronelink/video"
	"github.com/juju/errors"
	"github.com/skip2/go-qrcode"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

type device interface {
	Size() image.Point
	Update(*image.RGBA) error
	Flush() error
	Close() error
}

// MaxFrameAge drops frames that waited too long behind a slow screen.
const MaxFrameAge = time.Second

type Stat struct {
	Frames  expvar.Int
	Skipped expvar.Int // not connected
	Stale   expvar.Int
	Errors  expvar.Int
}

type Display struct {
	mu     sync.Mutex
	dev    device // nil for mock
	screen *image.RGBA
	scaler draw.Scaler
	idleQR string
	state  link.State
	status string
	log    *log2.Log
	stat   Stat
}

func NewFb(dev string, log *log2.Log) (*Display, error) {
	fb, err := framebuffer.New(dev)
	if err != nil {
		return nil, errors.Annotatef(err, "framebuffer device=%s", dev)
	}
	d := newDisplay(fb.Size(), log)
	d.dev = fb
	return d, nil
}

func NewMock(size image.Point) *Display { return newDisplay(size, nil) }

func newDisplay(size image.Point, log *log2.Log) *Display {
	return &Display{
		screen: image.NewRGBA(image.Rectangle{Max: size}),
		scaler: draw.ApproxBiLinear,
		log:    log,
	}
}

func (d *Display) Stat() *Stat { return &d.stat }

// SetIdleQR sets text encoded as QR code while link is not connected.
func (d *Display) SetIdleQR(text string) {
	d.mu.Lock()
	d.idleQR = text
	d.mu.Unlock()
}

func (d *Display) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clear()
	return d.flush()
}

func (d *Display) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flush()
}

func (d *Display) QR(text string, border bool, level qrcode.RecoveryLevel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.qr(text, border, level)
}

func (d *Display) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return nil
	}
	err := d.dev.Close()
	d.dev = nil
	return err
}

// Image returns copy of screen contents.
func (d *Display) Image() *image.RGBA {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &image.RGBA{
		Pix:    append([]byte(nil), d.screen.Pix...),
		Stride: d.screen.Stride,
		Rect:   d.screen.Rect,
	}
}

// Dump renders screen as text, black is blank.
func (d *Display) Dump() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	size := d.screen.Rect.Size()
	b := strings.Builder{}
	b.Grow((2*size.X + 1) * size.Y)
	for y := 0; y < size.Y; y++ {
		for x := 0; x < size.X; x++ {
			c := d.screen.RGBAAt(x, y)
			if c.R == 0 && c.G == 0 && c.B == 0 {
				b.WriteString("  ")
			} else {
				b.WriteString("██")
			}
		}
		b.WriteRune('\n')
	}
	return b.String()
}

func (d *Display) OnConnectionStateChanged(s link.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
	var err error
	if s != link.Connected && d.idleQR != "" {
		err = d.qr(d.idleQR, true, qrcode.Medium)
	} else {
		d.clear()
		err = d.flush()
	}
	if err != nil {
		d.stat.Errors.Add(1)
		d.log.Errorf("display: state=%s err=%v", s, err)
	}
}

func (d *Display) OnPixelFramePublished(ref video.FrameRef) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != link.Connected {
		d.stat.Skipped.Add(1)
		return
	}
	if at := ref.At(); !at.IsZero() && time.Since(at) > MaxFrameAge {
		d.stat.Stale.Add(1)
		return
	}
	ok := ref.View(func(img *image.RGBA, _ uint64) {
		d.scaler.Scale(d.screen, d.screen.Rect, img, img.Rect, draw.Src, nil)
	})
	if !ok {
		return
	}
	d.drawStatus()
	if err := d.flush(); err != nil {
		d.stat.Errors.Add(1)
		d.log.Errorf("display: frame err=%v", err)
		return
	}
	d.stat.Frames.Add(1)
}

// OnTextMessageReceived keeps last message as status line under video.
func (d *Display) OnTextMessageReceived(subtype packet.TextSubtype, text string) {
	d.mu.Lock()
	d.status = subtype.String() + ": " + text
	d.mu.Unlock()
}

func (d *Display) clear() {
	draw.Draw(d.screen, d.screen.Rect, image.Black, image.Point{}, draw.Src)
}

func (d *Display) flush() error {
	if d.dev == nil {
		return nil
	}
	if err := d.dev.Update(d.screen); err != nil {
		return err
	}
	return d.dev.Flush()
}

func (d *Display) qr(text string, border bool, level qrcode.RecoveryLevel) error {
	qr, err := qrcode.New(text, level)
	if err != nil {
		return errors.Annotate(err, "QR")
	}
	qr.DisableBorder = !border
	size := d.screen.Rect.Size()
	img, ok := qr.Image(minInt(size.X, size.Y)).(*image.Paletted)
	if !ok {
		return errors.Errorf("code error QR image type")
	}
	if !img.Rect.In(d.screen.Rect) {
		return errors.Errorf("QR image size=%s > display size=%s", img.Rect.Max, size)
	}
	d.clear()
	d.paletted2(img)
	return d.flush()
}

func (d *Display) paletted2(img *image.Paletted) {
	min, max := img.Bounds().Min, img.Bounds().Max
	bg := toRGBA(img.Palette[0])
	fg := toRGBA(img.Palette[1])
	for y := min.Y; y < max.Y; y++ {
		for x := min.X; x < max.X; x++ {
			c := bg
			if img.Pix[img.PixOffset(x, y)] != 0 {
				c = fg
			}
			d.screen.SetRGBA(x, y, c)
		}
	}
}

func (d *Display) drawStatus() {
	if d.status == "" {
		return
	}
	face := basicfont.Face7x13
	drawer := font.Drawer{Dst: d.screen, Src: image.White, Face: face}
	drawer.Dot = fixed.P(2, d.screen.Rect.Dy()-face.Metrics().Descent.Ceil()-1)
	drawer.DrawString(d.status)
}

func minInt(i1, i2 int) int {
	if i1 <= i2 {
		return i1
	}
	return i2
}

func toRGBA(c color.Color) color.RGBA {
	r, g, b, a := c.RGBA()
	return color.RGBA{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), uint8(a >> 8)}
}
