// Command cleanbench runs CLEAN deconvolution on a reference backend and a
// backend under test, compares their outputs and reports the speedup.
//
// Usage:
//
//	cleanbench -dirty dirty.img -psf psf.img -backend gpu
//	cleanbench -synthetic-width 1024 -backend cpu-parallel -output-dir out
//
// See package internal/runconfig for the configuration file, .env and
// CLEAN_* environment variables.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gogpu/clean/internal/runconfig"
)

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout, os.Stderr))
}

// realMain returns the process exit status.
func realMain(args []string, stdout, stderr io.Writer) int {
	cfg, err := runconfig.Load("cleanbench", args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	b, err := newBench(cfg, stdout, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer b.close()

	passed, err := b.run()
	if err != nil {
		b.log.Error("cleanbench: run failed", "err", err)
		fmt.Fprintln(stderr, err)
		return 1
	}
	if !passed {
		return 1
	}
	return 0
}
