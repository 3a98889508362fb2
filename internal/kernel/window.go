package kernel

// Window is the part of the image touched by one PSF subtraction: the
// rectangle where the PSF, shifted so that its own peak lands on the residual
// peak, still overlaps the image. Bounds are inclusive.
//
// Pixels of the shifted PSF that fall outside the image are dropped. This is
// the clipping policy of the algorithm, equivalent to zero-padding the PSF.
type Window struct {
	Width int

	StartX, StopX int
	StartY, StopY int

	// DX, DY shift image coordinates into PSF coordinates:
	// psf index = (y-DY)*Width + (x-DX).
	DX, DY int
}

// NewWindow computes the subtraction window for a residual peak at peakPos
// and a PSF whose own peak sits at psfPeakPos, both in an image of the given
// width.
func NewWindow(width, peakPos, psfPeakPos int) Window {
	rx, ry := peakPos%width, peakPos/width
	px, py := psfPeakPos%width, psfPeakPos/width
	dx, dy := rx-px, ry-py

	return Window{
		Width:  width,
		StartX: max(0, dx),
		StopX:  min(width-1, rx+(width-px-1)),
		StartY: max(0, dy),
		StopY:  min(width-1, ry+(width-py-1)),
		DX:     dx,
		DY:     dy,
	}
}

// Cols returns the number of columns in the window.
func (w Window) Cols() int { return w.StopX - w.StartX + 1 }

// Rows returns the number of rows in the window.
func (w Window) Rows() int { return w.StopY - w.StartY + 1 }

// Empty reports whether the window covers no pixel.
func (w Window) Empty() bool { return w.StartX > w.StopX || w.StartY > w.StopY }

// Contains reports whether pixel (x, y) is inside the window.
func (w Window) Contains(x, y int) bool {
	return x >= w.StartX && x <= w.StopX && y >= w.StartY && y <= w.StopY
}

// Subtract applies residual -= scale*psf over the whole window.
func Subtract(residual, psf []float32, w Window, scale float32) {
	if w.Empty() {
		return
	}
	SubtractRows(residual, psf, w, scale, w.StartY, w.StopY+1)
}

// SubtractRows applies residual -= scale*psf for window rows y in [y0, y1).
// Rows outside the window are skipped, so callers may split the window into
// arbitrary row ranges and run them concurrently: distinct rows never share
// an output element.
//
// The product is rounded to float32 before the subtraction so the compiler
// cannot fuse it into an FMA; every backend then produces the same bits.
func SubtractRows(residual, psf []float32, w Window, scale float32, y0, y1 int) {
	y0 = max(y0, w.StartY)
	y1 = min(y1, w.StopY+1)
	cols := w.Cols()
	if cols <= 0 {
		return
	}
	for y := y0; y < y1; y++ {
		dst := residual[y*w.Width+w.StartX : y*w.Width+w.StartX+cols]
		srcOff := (y-w.DY)*w.Width + (w.StartX - w.DX)
		src := psf[srcOff : srcOff+cols]
		for i := range dst {
			dst[i] -= float32(scale * src[i])
		}
	}
}

// SubtractAt applies the update for a single pixel (x, y) inside the window.
// It is the per-element body used by device kernels that run one output
// element per execution unit.
func SubtractAt(residual, psf []float32, w Window, scale float32, x, y int) {
	residual[y*w.Width+x] -= float32(scale * psf[(y-w.DY)*w.Width+(x-w.DX)])
}
