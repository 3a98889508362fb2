package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gogpu/clean"
	"github.com/gogpu/clean/internal/imageio"
	"github.com/gogpu/clean/internal/synth"
)

func runMain(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Cleanup(func() { clean.SetLogger(nil) })

	var stdout, stderr bytes.Buffer
	code := realMain(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestSyntheticRun(t *testing.T) {
	out := t.TempDir()
	code, stdout, stderr := runMain(t,
		"-synthetic-width", "32",
		"-synthetic-sources", "5",
		"-max-iterations", "50",
		"-backend", clean.BackendDeviceHost,
		"-output-dir", out,
		"-log-level", "warn",
	)
	if code != 0 {
		t.Fatalf("exit status %d\nstdout:\n%s\nstderr:\n%s", code, stdout, stderr)
	}
	for _, want := range []string{"+++ cpu +++", "+++ gpu-host +++", "PASS", "Speedup", "1,024 pixels"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, stdout)
		}
	}
	if strings.Contains(stdout, "FAIL") {
		t.Errorf("unexpected FAIL:\n%s", stdout)
	}
	for _, name := range []string{"model.img", "model.tiff", "residual.img", "residual.tiff"} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Errorf("output %s: %v", name, err)
		}
	}
}

func TestFileRun(t *testing.T) {
	dir := t.TempDir()
	const w = 16
	psf := synth.GaussianPSF(w, 1)
	dirty := synth.Dirty(psf, w, []synth.Source{{X: 3, Y: 4, Flux: 2}, {X: 10, Y: 12, Flux: 5}})
	dirtyPath := filepath.Join(dir, "dirty.img")
	psfPath := filepath.Join(dir, "psf.img")
	if err := imageio.Save(dirtyPath, dirty); err != nil {
		t.Fatal(err)
	}
	if err := imageio.Save(psfPath, psf); err != nil {
		t.Fatal(err)
	}

	logPath := filepath.Join(dir, "bench.log")
	code, stdout, stderr := runMain(t, "-dirty", dirtyPath, "-psf", psfPath, "-max-iterations", "20", "-log-file", logPath)
	if code != 0 {
		t.Fatalf("exit status %d\nstdout:\n%s\nstderr:\n%s", code, stdout, stderr)
	}
	if !strings.Contains(stdout, "Reading dirty image") {
		t.Errorf("stdout missing read line:\n%s", stdout)
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("log file: %v", err)
	}
	if !strings.Contains(string(data), "run=") || !strings.Contains(string(data), "clean: PSF peak") {
		t.Errorf("log file missing run ID or progress lines:\n%s", data)
	}
}

func TestMismatchedWidths(t *testing.T) {
	dir := t.TempDir()
	dirtyPath := filepath.Join(dir, "dirty.img")
	psfPath := filepath.Join(dir, "psf.img")
	if err := imageio.Save(dirtyPath, make([]float32, 16)); err != nil {
		t.Fatal(err)
	}
	if err := imageio.Save(psfPath, make([]float32, 25)); err != nil {
		t.Fatal(err)
	}
	code, _, stderr := runMain(t, "-dirty", dirtyPath, "-psf", psfPath)
	if code != 1 || !strings.Contains(stderr, "invalid configuration") {
		t.Errorf("exit status %d, stderr %q; want 1 with a configuration error", code, stderr)
	}
}

func TestUnknownBackend(t *testing.T) {
	code, _, stderr := runMain(t, "-synthetic-width", "8", "-backend", "abacus")
	if code != 1 || !strings.Contains(stderr, "abacus") {
		t.Errorf("exit status %d, stderr %q; want 1 naming the backend", code, stderr)
	}
}

func TestUsageErrors(t *testing.T) {
	if code, _, _ := runMain(t); code != 2 {
		t.Errorf("no input: exit status %d, want 2", code)
	}
	if code, _, _ := runMain(t, "-h"); code != 0 {
		t.Errorf("-h: exit status %d, want 0", code)
	}
}

func TestCPUFeatures(t *testing.T) {
	if cpuFeatures() == "" {
		t.Error("cpuFeatures() is empty")
	}
}
