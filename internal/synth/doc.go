// Package synth generates synthetic CLEAN inputs: Gaussian point-spread
// functions and dirty images built from point sources.
//
// Dirty images are produced with the same window geometry the solvers use
// for subtraction, so cleaning a synthetic image with its own PSF and a gain
// of 1 recovers the sources exactly when they do not overlap.
package synth
