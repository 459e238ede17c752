package video

import (
	"image"
	"sync"
	"time"
)

// PixelFrame is one of two retained RGBA buffers.
// Writer holds mu exclusively for the whole conversion.
type PixelFrame struct {
	mu  sync.RWMutex
	img *image.RGBA
	seq uint64
	at  time.Time
}

// FrameRef is read-only access to a published PixelFrame.
// Contents are never observed half written, though a slow reader may see
// a newer complete frame than the one published to it.
type FrameRef struct {
	f *PixelFrame
}

func (r FrameRef) Valid() bool { return r.f != nil }

// View calls fn with the image under read lock. fn must not retain img.
// Returns false when frame is empty or pipeline closed.
func (r FrameRef) View(fn func(img *image.RGBA, seq uint64)) bool {
	if r.f == nil {
		return false
	}
	r.f.mu.RLock()
	defer r.f.mu.RUnlock()
	if r.f.img == nil || r.f.seq == 0 {
		return false
	}
	fn(r.f.img, r.f.seq)
	return true
}

func (r FrameRef) Seq() uint64 {
	if r.f == nil {
		return 0
	}
	r.f.mu.RLock()
	defer r.f.mu.RUnlock()
	return r.f.seq
}

func (r FrameRef) At() time.Time {
	if r.f == nil {
		return time.Time{}
	}
	r.f.mu.RLock()
	defer r.f.mu.RUnlock()
	return r.f.at
}

// Snapshot returns a private copy, nil when frame is empty.
func (r FrameRef) Snapshot() *image.RGBA {
	var out *image.RGBA
	r.View(func(img *image.RGBA, _ uint64) {
		out = &image.RGBA{
			Pix:    append([]byte(nil), img.Pix...),
			Stride: img.Stride,
			Rect:   img.Rect,
		}
	})
	return out
}
