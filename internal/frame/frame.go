// Package frame defines the immutable video frame shared between the capture
// loop and every downstream consumer, and the Source contract that produces it.
package frame

import (
	"fmt"
	"image"
	"time"
)

// Layout describes how the pixel bytes of a Frame are ordered.
type Layout int

const (
	// BGR is 8-bit, 3-channel, blue-green-red interleaved. OpenCV's native order.
	BGR Layout = iota
	// Gray is 8-bit single channel.
	Gray
)

// Channels returns the number of bytes per pixel for the layout.
func (l Layout) Channels() int {
	switch l {
	case Gray:
		return 1
	default:
		return 3
	}
}

func (l Layout) String() string {
	switch l {
	case BGR:
		return "bgr"
	case Gray:
		return "gray"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// Frame is a captured image plus its capture metadata.
//
// A Frame never exposes its backing buffer: Bytes returns a copy and Crop
// allocates a new Frame. Values can therefore be handed to any number of
// subscribers and goroutines without synchronisation.
type Frame struct {
	pix       []byte
	width     int
	height    int
	layout    Layout
	seq       int64
	timestamp time.Time
}

// New builds a Frame from a copy of pix. It fails when the buffer size does
// not match width*height*channels.
func New(pix []byte, width, height int, layout Layout, ts time.Time) (Frame, error) {
	if err := checkSize(len(pix), width, height, layout); err != nil {
		return Frame{}, err
	}
	buf := make([]byte, len(pix))
	copy(buf, pix)
	return Frame{pix: buf, width: width, height: height, layout: layout, timestamp: ts}, nil
}

// Adopt is like New but takes ownership of pix instead of copying it.
// The caller must not touch pix after the call.
func Adopt(pix []byte, width, height int, layout Layout, ts time.Time) (Frame, error) {
	if err := checkSize(len(pix), width, height, layout); err != nil {
		return Frame{}, err
	}
	return Frame{pix: pix, width: width, height: height, layout: layout, timestamp: ts}, nil
}

func checkSize(n, width, height int, layout Layout) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("frame: invalid dimensions %dx%d", width, height)
	}
	if want := width * height * layout.Channels(); n != want {
		return fmt.Errorf("frame: buffer is %d bytes, want %d for %dx%d %s", n, want, width, height, layout)
	}
	return nil
}

// Width in pixels.
func (f Frame) Width() int { return f.width }

// Height in pixels.
func (f Frame) Height() int { return f.height }

// Layout of the pixel data.
func (f Frame) Layout() Layout { return f.layout }

// Seq is the per-worker sequence number, starting at 1.
func (f Frame) Seq() int64 { return f.seq }

// Timestamp is the capture time.
func (f Frame) Timestamp() time.Time { return f.timestamp }

// Empty reports whether the frame carries no pixels.
func (f Frame) Empty() bool { return len(f.pix) == 0 }

// Bounds returns the frame rectangle anchored at the origin.
func (f Frame) Bounds() image.Rectangle { return image.Rect(0, 0, f.width, f.height) }

// Bytes returns a copy of the pixel buffer.
func (f Frame) Bytes() []byte {
	buf := make([]byte, len(f.pix))
	copy(buf, f.pix)
	return buf
}

// WithMeta returns the same pixels stamped with a new sequence number and
// timestamp. The pixel buffer is shared, which is safe because it is never
// written after construction.
func (f Frame) WithMeta(seq int64, ts time.Time) Frame {
	f.seq = seq
	f.timestamp = ts
	return f
}

// Crop copies the part of the frame inside r. The rectangle is clipped to
// the frame bounds; an empty intersection is an error.
func (f Frame) Crop(r image.Rectangle) (Frame, error) {
	r = r.Canon().Intersect(f.Bounds())
	if r.Empty() {
		return Frame{}, fmt.Errorf("frame: crop %v outside %dx%d frame", r, f.width, f.height)
	}

	ch := f.layout.Channels()
	w, h := r.Dx(), r.Dy()
	out := make([]byte, w*h*ch)
	rowLen := w * ch
	for y := 0; y < h; y++ {
		src := ((r.Min.Y+y)*f.width + r.Min.X) * ch
		copy(out[y*rowLen:(y+1)*rowLen], f.pix[src:src+rowLen])
	}

	return Frame{
		pix:       out,
		width:     w,
		height:    h,
		layout:    f.layout,
		seq:       f.seq,
		timestamp: f.timestamp,
	}, nil
}
