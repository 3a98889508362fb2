package clean

// warmupWidth is the width of the image used by Warmup.
const warmupWidth = 4

// Warmup builds the backend named by token, runs a single iteration on a
// tiny image and closes it. For device backends this opens the device,
// compiles its kernels and performs one reduction, so a following timed run
// does not pay for driver initialization.
//
// Warmup is a no-op for backends that are not device backends.
func Warmup(token string, cfg Config) error {
	if !IsRegistered(token) {
		return configErrorf("backend", "unknown token %q", token)
	}
	if !IsDeviceBackend(token) {
		return nil
	}

	n := warmupWidth * warmupWidth
	dirty := make([]float32, n)
	psf := make([]float32, n)
	dirty[n/2] = 1
	psf[0] = 1

	cfg.MaxIterations = 1
	cfg.ReportEvery = 0
	s, err := New(token, NewBuffers(dirty, psf, warmupWidth), cfg)
	if err != nil {
		return err
	}
	_, runErr := s.Deconvolve()
	closeErr := s.Close()
	if runErr != nil {
		return runErr
	}
	if closeErr == nil {
		Logger().Debug("clean: warmup complete", "backend", token)
	}
	return closeErr
}
