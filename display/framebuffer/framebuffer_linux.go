package framebuffer

import (
	"image"
	"os"
	"unsafe"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

const (
	getVariableScreenInfo = 0x4600 // FBIOGET_VSCREENINFO
	getFixedScreenInfo    = 0x4602 // FBIOGET_FSCREENINFO
)

// linux/fb.h struct fb_var_screeninfo
type variableScreenInfo struct {
	Xres, Yres               uint32
	XresVirtual, YresVirtual uint32
	Xoffset, Yoffset         uint32
	BitsPerPixel             uint32
	Grayscale                uint32
	Red, Green, Blue, Transp bitField
	Nonstd, Activate         uint32
	Height, Width            uint32
	AccelFlags               uint32
	Pixclock                 uint32
	LeftMargin, RightMargin  uint32
	UpperMargin, LowerMargin uint32
	HsyncLen, VsyncLen       uint32
	Sync, Vmode              uint32
	Rotate, Colorspace       uint32
	Reserved                 [4]uint32
}

// linux/fb.h struct fb_fix_screeninfo
type fixedScreenInfo struct {
	ID                             [16]byte
	SmemStart                      uintptr
	SmemLen, Type, TypeAux, Visual uint32
	XPanStep, YPanStep, YWrapStep  uint16
	LineLength                     uint32
	MmioStart                      uintptr
	MmioLen, Accel                 uint32
	Capabilities                   uint16
	Reserved                       [2]uint16
}

type Framebuffer struct {
	buf    []byte
	dev    *os.File
	layout Layout
	size   image.Point
}

func New(dev string) (*Framebuffer, error) {
	f, err := os.OpenFile(dev, os.O_RDWR, os.ModeDevice)
	if err != nil {
		return nil, errors.Annotate(err, "open")
	}
	var finfo fixedScreenInfo
	var vinfo variableScreenInfo
	if err = ioctl(f.Fd(), getFixedScreenInfo, unsafe.Pointer(&finfo)); err != nil {
		f.Close()
		return nil, errors.Annotate(err, "getFixedScreenInfo")
	}
	if err = ioctl(f.Fd(), getVariableScreenInfo, unsafe.Pointer(&vinfo)); err != nil {
		f.Close()
		return nil, errors.Annotate(err, "getVariableScreenInfo")
	}
	fb := &Framebuffer{
		dev: f,
		layout: Layout{
			BitsPerPixel: vinfo.BitsPerPixel,
			LineLength:   int(finfo.LineLength),
			Red:          vinfo.Red,
			Green:        vinfo.Green,
			Blue:         vinfo.Blue,
		},
		size: image.Pt(int(vinfo.Xres), int(vinfo.Yres)),
	}
	if fb.layout.LineLength == 0 {
		fb.layout.LineLength = int(vinfo.XresVirtual * vinfo.BitsPerPixel / 8)
	}
	fb.buf = make([]byte, fb.layout.LineLength*fb.size.Y)
	return fb, nil
}

func (fb *Framebuffer) Close() error      { return fb.dev.Close() }
func (fb *Framebuffer) Size() image.Point { return fb.size }

// Update converts img into internal buffer, call Flush to write to hardware.
func (fb *Framebuffer) Update(img *image.RGBA) error {
	if !img.Rect.Size().Eq(fb.size) {
		return errors.NotValidf("image size=%s framebuffer=%s", img.Rect.Size(), fb.size)
	}
	return encode(&fb.layout, fb.buf, img)
}

func (fb *Framebuffer) Flush() error {
	_, err := fb.dev.WriteAt(fb.buf, 0)
	return err
}

func ioctl(fd uintptr, cmd uintptr, data unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, cmd, uintptr(data)); errno != 0 {
		return os.NewSyscallError("ioctl", errno)
	}
	return nil
}
