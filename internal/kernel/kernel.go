// Package kernel holds the numeric primitives shared by every CLEAN backend.
//
// Serial, parallel and device backends differ only in how they schedule
// work. Peak selection, the tie rule, the PSF window geometry and the
// subtraction arithmetic all live here so that the backends cannot drift
// apart numerically.
//
// All images are flat row-major float32 slices of a square width W, indexed
// as i = y*W + x.
package kernel

// Peak is the element of maximum absolute value found by a scan or reduction.
// Value keeps its sign.
type Peak struct {
	Value float32
	Pos   int
}

// Abs returns |Value|.
func (p Peak) Abs() float32 {
	return abs32(p.Value)
}

// XY splits Pos into column and row for an image of the given width.
func (p Peak) XY(width int) (x, y int) {
	return p.Pos % width, p.Pos / width
}

// Better reports whether a should replace b as the peak: a larger magnitude
// wins, and on equal magnitude the lower linear index wins.
//
// The rule is a total order on distinct positions, so merging candidates in
// any order yields the same peak.
func Better(a, b Peak) bool {
	av, bv := abs32(a.Value), abs32(b.Value)
	if av != bv {
		return av > bv
	}
	return a.Pos < b.Pos
}

// ScanPeak returns the peak of data[lo:hi]. Positions are absolute indices
// into data. The scan is ascending and only a strictly larger magnitude
// replaces the current candidate, so the lowest index wins ties.
//
// ScanPeak requires lo < hi.
func ScanPeak(data []float32, lo, hi int) Peak {
	best := Peak{Value: data[lo], Pos: lo}
	bestAbs := abs32(best.Value)
	for i := lo + 1; i < hi; i++ {
		if a := abs32(data[i]); a > bestAbs {
			bestAbs = a
			best = Peak{Value: data[i], Pos: i}
		}
	}
	return best
}

// FindPeak returns the peak of the whole buffer.
// An empty buffer yields the zero Peak.
func FindPeak(data []float32) Peak {
	if len(data) == 0 {
		return Peak{}
	}
	return ScanPeak(data, 0, len(data))
}

// Merge folds a set of candidates into a single peak using Better.
// ok is false when candidates is empty.
func Merge(candidates []Peak) (p Peak, ok bool) {
	for i, c := range candidates {
		if i == 0 || Better(c, p) {
			p = c
		}
	}
	return p, len(candidates) > 0
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
