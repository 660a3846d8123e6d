// Package image holds the in-memory representation of a CCD frame and the
// geometric primitives (rotation, cropping) the extraction stages need.
// Frame data is ADU counts in row-major order; frames are treated as
// immutable once built, every transform returns a new Frame.
package image

import (
	"fmt"
	"math"
)

// Frame is a single CCD exposure.
type Frame struct {
	Width  int
	Height int
	Data   []float64 // ADU counts, row-major, Data[y*Width+x]

	Gain      float64 // e-/ADU
	MaxADU    float64 // saturation level
	ReadNoise float64 // e- rms
}

// NewFrame allocates a zeroed frame.
func NewFrame(width, height int, gain, maxADU, readNoise float64) *Frame {
	return &Frame{
		Width:     width,
		Height:    height,
		Data:      make([]float64, width*height),
		Gain:      gain,
		MaxADU:    maxADU,
		ReadNoise: readNoise,
	}
}

// At returns the ADU count at (x, y).
func (f *Frame) At(x, y int) float64 {
	return f.Data[y*f.Width+x]
}

// Set stores an ADU count at (x, y).
func (f *Frame) Set(x, y int, v float64) {
	f.Data[y*f.Width+x] = v
}

// Saturated reports whether the pixel at (x, y) is at or above saturation.
func (f *Frame) Saturated(x, y int) bool {
	return f.At(x, y) >= f.MaxADU
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Data = make([]float64, len(f.Data))
	copy(c.Data, f.Data)
	return &c
}

// ErrorMap returns the per-pixel statistical uncertainty in ADU, from
// Poisson noise on the counts plus the read noise.
func (f *Frame) ErrorMap() []float64 {
	errs := make([]float64, len(f.Data))
	rn := f.ReadNoise / f.Gain
	for i, v := range f.Data {
		shot := 0.0
		if v > 0 {
			shot = v / f.Gain
		}
		e := math.Sqrt(shot + rn*rn)
		if e <= 0 {
			e = 1
		}
		errs[i] = e
	}
	return errs
}

// BilinearAt samples the frame at a fractional position. Samples outside
// the frame return 0.
func (f *Frame) BilinearAt(x, y float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	if x0 < 0 || y0 < 0 || x0+1 >= f.Width || y0+1 >= f.Height {
		return 0
	}
	fx := x - float64(x0)
	fy := y - float64(y0)
	v00 := f.At(x0, y0)
	v10 := f.At(x0+1, y0)
	v01 := f.At(x0, y0+1)
	v11 := f.At(x0+1, y0+1)
	return v00*(1-fx)*(1-fy) + v10*fx*(1-fy) + v01*(1-fx)*fy + v11*fx*fy
}

// Derotate returns a copy of the frame rotated by -angle degrees about
// (cx, cy), so that a trace inclined at +angle becomes horizontal. Bilinear
// resampling; pixels sampled from outside the original frame are zero.
func (f *Frame) Derotate(angleDeg, cx, cy float64) *Frame {
	out := NewFrame(f.Width, f.Height, f.Gain, f.MaxADU, f.ReadNoise)
	theta := angleDeg * math.Pi / 180
	cos := math.Cos(theta)
	sin := math.Sin(theta)
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			// Inverse mapping: output pixel pulls from the rotated source position
			dx := float64(x) - cx
			dy := float64(y) - cy
			sx := cx + dx*cos - dy*sin
			sy := cy + dx*sin + dy*cos
			out.Set(x, y, f.BilinearAt(sx, sy))
		}
	}
	return out
}

// Crop returns the sub-frame [x0, x1) x [y0, y1), clamped to the frame.
func (f *Frame) Crop(x0, x1, y0, y1 int) (*Frame, error) {
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 > f.Width {
		x1 = f.Width
	}
	if y1 > f.Height {
		y1 = f.Height
	}
	if x1 <= x0 || y1 <= y0 {
		return nil, fmt.Errorf("image: empty crop [%d:%d, %d:%d]", x0, x1, y0, y1)
	}
	out := NewFrame(x1-x0, y1-y0, f.Gain, f.MaxADU, f.ReadNoise)
	for y := y0; y < y1; y++ {
		copy(out.Data[(y-y0)*out.Width:(y-y0+1)*out.Width], f.Data[y*f.Width+x0:y*f.Width+x1])
	}
	return out, nil
}
