//go:build !linux

package framebuffer

import (
	"image"

	"github.com/juju/errors"
)

type Framebuffer struct{}

func New(dev string) (*Framebuffer, error) {
	return nil, errors.NotSupportedf("framebuffer on this platform")
}

func (fb *Framebuffer) Close() error                 { return nil }
func (fb *Framebuffer) Size() image.Point            { return image.Point{} }
func (fb *Framebuffer) Update(img *image.RGBA) error { return errors.NotSupportedf("framebuffer") }
func (fb *Framebuffer) Flush() error                 { return nil }
