package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"golang.org/x/sys/cpu"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/clean"
	"github.com/gogpu/clean/internal/compare"
	"github.com/gogpu/clean/internal/imageio"
	"github.com/gogpu/clean/internal/runconfig"
	"github.com/gogpu/clean/internal/synth"
)

// bench is one reference-versus-test run.
type bench struct {
	cfg    runconfig.Config
	out    io.Writer
	log    *slog.Logger
	logger io.Closer
	runID  uuid.UUID
	p      *message.Printer
}

// timings collects the wall-clock phases of a run.
type timings struct {
	read      time.Duration
	reference time.Duration
	test      time.Duration
}

func newBench(cfg runconfig.Config, stdout, stderr io.Writer) (*bench, error) {
	runID := uuid.New()
	log, closer, err := newLogger(cfg, runID, stderr)
	if err != nil {
		return nil, err
	}
	return &bench{
		cfg:    cfg,
		out:    stdout,
		log:    log,
		logger: closer,
		runID:  runID,
		p:      message.NewPrinter(language.English),
	}, nil
}

func (b *bench) close() {
	if b.logger != nil {
		_ = b.logger.Close()
	}
}

// run executes the benchmark and reports whether the backend under test
// matched the reference.
func (b *bench) run() (bool, error) {
	b.banner()

	var t timings
	start := time.Now()
	dirty, psf, width, err := b.inputs()
	if err != nil {
		return false, err
	}
	t.read = time.Since(start)
	b.p.Fprintf(b.out, "Image: %d x %d (%d pixels)\n", width, width, width*width)

	solverCfg := b.cfg.Solver()
	for _, token := range []string{b.cfg.Reference, b.cfg.Backend} {
		if !b.cfg.Warmup || !clean.IsDeviceBackend(token) {
			continue
		}
		b.log.Info("cleanbench: warming up", "backend", token)
		if err := clean.Warmup(token, solverCfg); err != nil {
			return false, fmt.Errorf("warm up %s: %w", token, err)
		}
	}

	ref := clean.NewBuffers(dirty, psf, width)
	t.reference, err = b.solve(b.cfg.Reference, ref, solverCfg)
	if err != nil {
		return false, err
	}
	test := clean.NewBuffers(dirty, psf, width)
	t.test, err = b.solve(b.cfg.Backend, test, solverCfg)
	if err != nil {
		return false, err
	}

	passed, err := b.verify(ref, test)
	if err != nil {
		return false, err
	}
	b.reportTimings(t)

	if b.cfg.OutputDir != "" {
		if err := b.save(ref, test); err != nil {
			return passed, err
		}
	}
	return passed, nil
}

// banner prints the host description.
func (b *bench) banner() {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	header := color.New(color.FgCyan, color.Bold)
	header.Fprintf(b.out, "cleanbench %s\n", clean.Version)
	fmt.Fprintf(b.out, "Run %s on %s (%s/%s, GOMAXPROCS %d, %s)\n",
		b.runID, host, runtime.GOOS, runtime.GOARCH, runtime.GOMAXPROCS(0), cpuFeatures())
	fmt.Fprintf(b.out, "Reference %q, test %q, backends available: %s\n",
		b.cfg.Reference, b.cfg.Backend, strings.Join(clean.Available(), ", "))
}

// cpuFeatures lists the SIMD extensions of the host.
func cpuFeatures() string {
	var f []string
	switch runtime.GOARCH {
	case "amd64", "386":
		for _, c := range []struct {
			name string
			has  bool
		}{
			{"sse4.1", cpu.X86.HasSSE41},
			{"avx", cpu.X86.HasAVX},
			{"avx2", cpu.X86.HasAVX2},
			{"fma", cpu.X86.HasFMA},
			{"avx512f", cpu.X86.HasAVX512F},
		} {
			if c.has {
				f = append(f, c.name)
			}
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			f = append(f, "asimd")
		}
		if cpu.ARM64.HasSVE {
			f = append(f, "sve")
		}
	}
	if len(f) == 0 {
		return "no SIMD"
	}
	return strings.Join(f, " ")
}

// inputs loads the dirty image and PSF, or generates them.
func (b *bench) inputs() (dirty, psf []float32, width int, err error) {
	if b.cfg.Dirty == "" {
		s := b.cfg.Synthetic
		psf = synth.GaussianPSF(s.Width, s.Sigma)
		dirty = synth.Dirty(psf, s.Width, synth.RandomSources(s.Width, s.Sources, 0.1, 10, s.Seed))
		synth.AddNoise(dirty, s.Noise, s.Seed)
		b.log.Info("cleanbench: synthetic input", "width", s.Width, "sources", s.Sources, "sigma", s.Sigma)
		return dirty, psf, s.Width, nil
	}

	fmt.Fprintf(b.out, "Reading dirty image %s and PSF %s\n", b.cfg.Dirty, b.cfg.PSF)
	if dirty, err = imageio.Load(b.cfg.Dirty); err != nil {
		return nil, nil, 0, fmt.Errorf("read dirty image: %w", err)
	}
	if psf, err = imageio.Load(b.cfg.PSF); err != nil {
		return nil, nil, 0, fmt.Errorf("read psf: %w", err)
	}
	dw, err := imageio.CheckSquare(dirty)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("dirty image: %w", err)
	}
	pw, err := imageio.CheckSquare(psf)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("psf: %w", err)
	}
	if dw != pw {
		return nil, nil, 0, fmt.Errorf("%w: dirty image is %d wide, psf %d", clean.ErrConfiguration, dw, pw)
	}
	return dirty, psf, dw, nil
}

// solve runs one backend and returns its wall time.
func (b *bench) solve(token string, buf clean.Buffers, cfg clean.Config) (time.Duration, error) {
	fmt.Fprintf(b.out, "+++ %s +++\n", token)
	s, err := clean.New(token, buf, cfg)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	res, runErr := s.Deconvolve()
	elapsed := time.Since(start)
	if err := errors.Join(runErr, s.Close()); err != nil {
		return 0, err
	}

	b.p.Fprintf(b.out, "    Iterations: %d (converged: %v)\n", res.Iterations, res.Converged)
	b.p.Fprintf(b.out, "    Time: %.3f s\n", elapsed.Seconds())
	if res.Iterations > 0 {
		b.p.Fprintf(b.out, "    Time per iteration: %.3f ms\n",
			float64(elapsed.Microseconds())/float64(res.Iterations)/1000)
	}
	return elapsed, nil
}

// verify compares the test outputs with the reference.
func (b *bench) verify(ref, test clean.Buffers) (bool, error) {
	passed := true
	fmt.Fprintln(b.out, "Verifying:")
	for _, c := range []struct {
		name      string
		ref, test []float32
	}{
		{"model", ref.Model, test.Model},
		{"residual", ref.Residual, test.Residual},
	} {
		r, err := compare.MaxError(c.test, c.ref)
		if err != nil {
			return false, err
		}
		x, y := r.Location(ref.Width)
		ok := r.Within(b.cfg.Tolerance)
		passed = passed && ok
		b.p.Fprintf(b.out, "    %-8s max error %g (relative %.3g) at (%d, %d): test %g, reference %g ",
			c.name, r.MaxError, r.Relative(), x, y, r.Test, r.Ref)
		printVerdict(b.out, ok)
		b.log.Info("cleanbench: verified", "image", c.name, "max_error", r.MaxError,
			"relative", r.Relative(), "index", r.Index, "pass", ok)
	}
	return passed, nil
}

func printVerdict(w io.Writer, ok bool) {
	if ok {
		color.New(color.FgGreen, color.Bold).Fprintln(w, "PASS")
		return
	}
	color.New(color.FgRed, color.Bold).Fprintln(w, "FAIL")
}

func (b *bench) reportTimings(t timings) {
	fmt.Fprintln(b.out, "Runtimes:")
	b.p.Fprintf(b.out, "    Read image: %.3f s\n", t.read.Seconds())
	b.p.Fprintf(b.out, "    Reference (%s): %.3f s\n", b.cfg.Reference, t.reference.Seconds())
	b.p.Fprintf(b.out, "    Test (%s): %.3f s\n", b.cfg.Backend, t.test.Seconds())
	if t.test > 0 {
		b.p.Fprintf(b.out, "    Speedup: %.2fx\n", t.reference.Seconds()/t.test.Seconds())
	}
}

// save writes the test outputs as raw images with TIFF previews.
func (b *bench) save(ref, test clean.Buffers) error {
	if err := os.MkdirAll(b.cfg.OutputDir, 0o755); err != nil {
		return err
	}
	for _, img := range []struct {
		name string
		data []float32
	}{
		{"model", test.Model},
		{"residual", test.Residual},
	} {
		base := filepath.Join(b.cfg.OutputDir, img.name)
		if err := imageio.Save(base+".img", img.data); err != nil {
			return err
		}
		if err := imageio.SavePreview(base+".tiff", img.data, ref.Width); err != nil {
			return err
		}
	}
	b.log.Info("cleanbench: outputs written", "dir", b.cfg.OutputDir)
	return nil
}
