package display

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"
	"sync"

	"github.com/jkaberg/powermon/internal/mathx"
)

// Framebuffer is a drivers.Displayer over a 16 bpp Linux framebuffer such as
// the one fbtft exposes for an ST7789 panel. Pixels are kept in memory and
// written out on Display.
type Framebuffer struct {
	dev           io.WriterAt
	closer        io.Closer
	width, height int16

	mu  sync.Mutex
	buf []byte
}

// OpenFramebuffer opens the device at path, e.g. /dev/fb1.
func OpenFramebuffer(path string, width, height int16) (*Framebuffer, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.New("framebuffer size must be positive")
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open framebuffer %s: %w", path, err)
	}
	fb := NewFramebuffer(f, width, height)
	fb.closer = f
	return fb, nil
}

// NewFramebuffer wraps any WriterAt laid out as width x height RGB565 pixels.
func NewFramebuffer(dev io.WriterAt, width, height int16) *Framebuffer {
	return &Framebuffer{
		dev:    dev,
		width:  width,
		height: height,
		buf:    make([]byte, int(width)*int(height)*2),
	}
}

// Size returns the panel size in pixels.
func (fb *Framebuffer) Size() (x, y int16) {
	return fb.width, fb.height
}

// SetPixel stores one pixel. Out of range coordinates are ignored.
func (fb *Framebuffer) SetPixel(x, y int16, c color.RGBA) {
	if x < 0 || y < 0 || x >= fb.width || y >= fb.height {
		return
	}
	fb.mu.Lock()
	fb.put(x, y, RGB565(c))
	fb.mu.Unlock()
}

// FillRectangle fills a clipped rectangle.
func (fb *Framebuffer) FillRectangle(x, y, width, height int16, c color.RGBA) error {
	if width < 0 || height < 0 {
		return fmt.Errorf("invalid rectangle %dx%d", width, height)
	}
	x0, y0 := mathx.Clamp(x, 0, fb.width), mathx.Clamp(y, 0, fb.height)
	x1, y1 := mathx.Clamp(x+width, 0, fb.width), mathx.Clamp(y+height, 0, fb.height)
	v := RGB565(c)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	for j := y0; j < y1; j++ {
		for i := x0; i < x1; i++ {
			fb.put(i, j, v)
		}
	}
	return nil
}

func (fb *Framebuffer) put(x, y int16, v uint16) {
	off := (int(y)*int(fb.width) + int(x)) * 2
	fb.buf[off] = byte(v)
	fb.buf[off+1] = byte(v >> 8)
}

// Display flushes the in-memory frame to the device.
func (fb *Framebuffer) Display() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if _, err := fb.dev.WriteAt(fb.buf, 0); err != nil {
		return fmt.Errorf("failed to write framebuffer: %w", err)
	}
	return nil
}

// Close releases the device.
func (fb *Framebuffer) Close() error {
	if fb.closer == nil {
		return nil
	}
	return fb.closer.Close()
}

// RGB565 packs c into the panel's native 16-bit format.
func RGB565(c color.RGBA) uint16 {
	return uint16(c.R&0xF8)<<8 | uint16(c.G&0xFC)<<3 | uint16(c.B)>>3
}
