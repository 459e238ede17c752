package video

import (
	"fmt"
	"image"
)

type Format uint8

const (
	FormatI420 Format = iota + 1 // planar Y, U, V, chroma 2x2 subsampled
	FormatNV12                   // planar Y, interleaved UV in Cb
)

func (f Format) String() string {
	switch f {
	case FormatI420:
		return "i420"
	case FormatNV12:
		return "nv12"
	}
	return fmt.Sprintf("format(%d)", uint8(f))
}

// DecodedFrame is camera decoder output. Plane memory belongs to the caller
// and is only read during OnFrame.
type DecodedFrame struct {
	Format  Format
	Width   int
	Height  int
	Y       []byte
	Cb      []byte // U plane, or interleaved UV for NV12
	Cr      []byte // V plane, unused for NV12
	YStride int
	CStride int
}

// FrameConversionError means decoded frame can not be converted, frame is dropped.
type FrameConversionError struct {
	Format Format
	Reason string
}

func (e *FrameConversionError) Error() string {
	return fmt.Sprintf("frame conversion format=%s: %s", e.Format, e.Reason)
}

func conversionError(f Format, format string, args ...interface{}) error {
	return &FrameConversionError{Format: f, Reason: fmt.Sprintf(format, args...)}
}

func planeLen(stride, width, rows int) int {
	if rows == 0 {
		return 0
	}
	return stride*(rows-1) + width
}

// ycbcr wraps f planes as image.YCbCr, NV12 chroma is deinterleaved into scratch.
func (f *DecodedFrame) ycbcr(scratch *[]byte) (*image.YCbCr, error) {
	if f == nil {
		return nil, conversionError(0, "nil frame")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return nil, conversionError(f.Format, "size=%dx%d", f.Width, f.Height)
	}
	cw, ch := (f.Width+1)/2, (f.Height+1)/2
	if f.YStride < f.Width {
		return nil, conversionError(f.Format, "y stride=%d width=%d", f.YStride, f.Width)
	}
	if n := planeLen(f.YStride, f.Width, f.Height); len(f.Y) < n {
		return nil, conversionError(f.Format, "y plane length=%d expected=%d", len(f.Y), n)
	}
	img := &image.YCbCr{
		Y:              f.Y,
		YStride:        f.YStride,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, f.Width, f.Height),
	}
	switch f.Format {
	case FormatI420:
		if f.CStride < cw {
			return nil, conversionError(f.Format, "c stride=%d width=%d", f.CStride, cw)
		}
		n := planeLen(f.CStride, cw, ch)
		if len(f.Cb) < n || len(f.Cr) < n {
			return nil, conversionError(f.Format, "chroma plane length=%d/%d expected=%d", len(f.Cb), len(f.Cr), n)
		}
		img.Cb, img.Cr, img.CStride = f.Cb, f.Cr, f.CStride

	case FormatNV12:
		if f.CStride < 2*cw {
			return nil, conversionError(f.Format, "uv stride=%d width=%d", f.CStride, 2*cw)
		}
		if n := planeLen(f.CStride, 2*cw, ch); len(f.Cb) < n {
			return nil, conversionError(f.Format, "uv plane length=%d expected=%d", len(f.Cb), n)
		}
		size := cw * ch
		if cap(*scratch) < 2*size {
			*scratch = make([]byte, 2*size)
		}
		buf := (*scratch)[:2*size]
		cb, cr := buf[:size], buf[size:]
		for y := 0; y < ch; y++ {
			row := f.Cb[y*f.CStride:]
			for x := 0; x < cw; x++ {
				cb[y*cw+x] = row[2*x]
				cr[y*cw+x] = row[2*x+1]
			}
		}
		img.Cb, img.Cr, img.CStride = cb, cr, cw

	default:
		return nil, conversionError(f.Format, "unsupported")
	}
	return img, nil
}

// Pattern returns a synthetic frame: horizontal luma gradient moving with phase
// and constant chroma. Used by the simulator and tests.
func Pattern(format Format, width, height, phase int, cb, cr byte) *DecodedFrame {
	cw, ch := (width+1)/2, (height+1)/2
	f := &DecodedFrame{
		Format:  format,
		Width:   width,
		Height:  height,
		Y:       make([]byte, width*height),
		YStride: width,
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			f.Y[y*width+x] = byte(16 + (x+phase)%220)
		}
	}
	switch format {
	case FormatNV12:
		f.CStride = 2 * cw
		f.Cb = make([]byte, 2*cw*ch)
		for i := 0; i < len(f.Cb); i += 2 {
			f.Cb[i], f.Cb[i+1] = cb, cr
		}
	default:
		f.CStride = cw
		f.Cb = make([]byte, cw*ch)
		f.Cr = make([]byte, cw*ch)
		for i := range f.Cb {
			f.Cb[i], f.Cr[i] = cb, cr
		}
	}
	return f
}
