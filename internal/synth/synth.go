package synth

import (
	"math"
	"math/rand/v2"

	"github.com/gogpu/clean/internal/kernel"
)

// Source is a point source of the given flux at pixel (X, Y).
type Source struct {
	X, Y int
	Flux float32
}

// gaussianProfile returns exp(-(i-centre)²/(2σ²)) for i in [0, width).
// The centre sample is exactly 1.
func gaussianProfile(width int, sigma float64) []float32 {
	profile := make([]float32, width)
	centre := width / 2
	if sigma <= 0 {
		profile[centre] = 1
		return profile
	}

	twoSigmaSq := 2 * sigma * sigma
	for i := range profile {
		x := float64(i - centre)
		profile[i] = float32(math.Exp(-(x * x) / twoSigmaSq))
	}
	return profile
}

// GaussianPSF returns a width x width separable Gaussian PSF with its peak
// of exactly 1 at (width/2, width/2).
//
// For sigma <= 0, returns a delta function at the centre.
func GaussianPSF(width int, sigma float64) []float32 {
	if width <= 0 {
		return nil
	}
	g := gaussianProfile(width, sigma)
	psf := make([]float32, width*width)
	for y := range width {
		row := psf[y*width : (y+1)*width]
		for x := range row {
			row[x] = g[x] * g[y]
		}
	}
	return psf
}

// Dirty returns the image formed by convolving sources with psf: the PSF,
// shifted so its peak lands on each source and scaled by its flux, clipped
// to the image. Sources outside the image are ignored.
func Dirty(psf []float32, width int, sources []Source) []float32 {
	dirty := make([]float32, width*width)
	if len(psf) != width*width || width <= 0 {
		return dirty
	}
	peak := kernel.FindPeak(psf)
	for _, s := range sources {
		if s.X < 0 || s.X >= width || s.Y < 0 || s.Y >= width {
			continue
		}
		w := kernel.NewWindow(width, s.Y*width+s.X, peak.Pos)
		kernel.Subtract(dirty, psf, w, -s.Flux)
	}
	return dirty
}

// RandomSources returns n sources with fluxes in [minFlux, maxFlux) at
// positions drawn uniformly from the image. The same seed always yields the
// same sources.
func RandomSources(width, n int, minFlux, maxFlux float32, seed uint64) []Source {
	if width <= 0 || n <= 0 {
		return nil
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	sources := make([]Source, n)
	for i := range sources {
		sources[i] = Source{
			X:    rng.IntN(width),
			Y:    rng.IntN(width),
			Flux: minFlux + rng.Float32()*(maxFlux-minFlux),
		}
	}
	return sources
}

// AddNoise adds Gaussian noise with standard deviation sigma to data in
// place.
func AddNoise(data []float32, sigma float64, seed uint64) {
	if sigma <= 0 {
		return
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range data {
		data[i] += float32(rng.NormFloat64() * sigma)
	}
}
