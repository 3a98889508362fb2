// Package imageio reads and writes CLEAN images.
//
// Images are square, row-major float32 buffers. Two on-disk formats are
// supported: raw little-endian float32 (".img", ".raw"), the format of the
// classic benchmark data sets, and grayscale TIFF (".tif", ".tiff"), which
// is read through golang.org/x/image/tiff.
package imageio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/tiff"
)

var (
	// ErrUnsupportedFormat is returned for file extensions Load does not know.
	ErrUnsupportedFormat = errors.New("imageio: unsupported format")

	// ErrNotSquare is returned when an image is not W x W.
	ErrNotSquare = errors.New("imageio: image is not square")
)

// PreviewMaxSide bounds the side of a preview written by SavePreview.
// Larger images are downscaled.
const PreviewMaxSide = 2048

// Load reads an image and returns its pixels in row-major order.
func Load(path string) ([]float32, error) {
	f, err := os.Open(path) //nolint:gosec // path is user-provided intentionally
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".img", ".raw":
		st, err := f.Stat()
		if err != nil {
			return nil, err
		}
		return ReadRaw(bufio.NewReader(f), st.Size())
	case ".tif", ".tiff":
		img, err := tiff.Decode(bufio.NewReader(f))
		if err != nil {
			return nil, fmt.Errorf("imageio: decode %s: %w", path, err)
		}
		return FromImage(img)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// ReadRaw reads size bytes of little-endian float32 values from r.
func ReadRaw(r io.Reader, size int64) ([]float32, error) {
	if size%4 != 0 {
		return nil, fmt.Errorf("imageio: raw image size %d is not a multiple of 4", size)
	}
	data := make([]float32, size/4)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return nil, fmt.Errorf("imageio: read raw image: %w", err)
	}
	return data, nil
}

// FromImage converts a square image to float32 gray values in [0, 65535].
func FromImage(img image.Image) ([]float32, error) {
	b := img.Bounds()
	if b.Dx() != b.Dy() {
		return nil, fmt.Errorf("%w: %d x %d", ErrNotSquare, b.Dx(), b.Dy())
	}
	data := make([]float32, 0, b.Dx()*b.Dy())
	if g, ok := img.(*image.Gray16); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				data = append(data, float32(g.Gray16At(x, y).Y))
			}
		}
		return data, nil
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
			data = append(data, float32(c.Y))
		}
	}
	return data, nil
}

// CheckSquare returns W for an image of W*W pixels.
func CheckSquare(data []float32) (int, error) {
	n := len(data)
	if n == 0 {
		return 0, fmt.Errorf("%w: empty image", ErrNotSquare)
	}
	w := int(math.Sqrt(float64(n)))
	for w*w > n {
		w--
	}
	for (w+1)*(w+1) <= n {
		w++
	}
	if w*w != n {
		return 0, fmt.Errorf("%w: %d pixels", ErrNotSquare, n)
	}
	return w, nil
}

// Save writes data as raw little-endian float32.
func Save(path string, data []float32) error {
	f, err := os.Create(path) //nolint:gosec // path is user-provided intentionally
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, data); err != nil {
		_ = f.Close()
		return fmt.Errorf("imageio: write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Preview maps data linearly from [min, max] onto 16-bit gray. A constant
// image maps to black.
func Preview(data []float32, width int) (*image.Gray16, error) {
	if width <= 0 || len(data) != width*width {
		return nil, fmt.Errorf("%w: %d pixels for width %d", ErrNotSquare, len(data), width)
	}
	lo, hi := float64(data[0]), float64(data[0])
	for _, v := range data[1:] {
		lo = math.Min(lo, float64(v))
		hi = math.Max(hi, float64(v))
	}
	span := hi - lo

	img := image.NewGray16(image.Rect(0, 0, width, width))
	for i, v := range data {
		var y uint16
		if span > 0 {
			y = uint16(math.Round((float64(v) - lo) / span * math.MaxUint16))
		}
		img.SetGray16(i%width, i/width, color.Gray16{Y: y})
	}
	return img, nil
}

// SavePreview writes data as a normalized 16-bit grayscale TIFF. Images
// wider than PreviewMaxSide are downscaled.
func SavePreview(path string, data []float32, width int) error {
	img, err := Preview(data, width)
	if err != nil {
		return err
	}
	var out image.Image = img
	if width > PreviewMaxSide {
		dst := image.NewGray16(image.Rect(0, 0, PreviewMaxSide, PreviewMaxSide))
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
		out = dst
	}

	f, err := os.Create(path) //nolint:gosec // path is user-provided intentionally
	if err != nil {
		return err
	}
	if err := tiff.Encode(f, out, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		_ = f.Close()
		return fmt.Errorf("imageio: encode %s: %w", path, err)
	}
	return f.Close()
}
