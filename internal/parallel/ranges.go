package parallel

// Range is a half-open index interval [Lo, Hi).
type Range struct {
	Lo, Hi int
}

// Len returns Hi - Lo.
func (r Range) Len() int { return r.Hi - r.Lo }

// Ranges splits [0, n) into at most parts contiguous, non-empty ranges of
// near-equal length, in ascending order. The first n%parts ranges get one
// extra element. It returns nil when n <= 0.
func Ranges(n, parts int) []Range {
	if n <= 0 {
		return nil
	}
	parts = max(1, min(parts, n))

	out := make([]Range, parts)
	base, extra := n/parts, n%parts
	lo := 0
	for i := range out {
		size := base
		if i < extra {
			size++
		}
		out[i] = Range{Lo: lo, Hi: lo + size}
		lo += size
	}
	return out
}
