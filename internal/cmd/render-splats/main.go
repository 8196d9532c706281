// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Command render-splats renders a Gaussian splat scene from one or more
// cameras into image files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"honnef.co/go/gsplat"
	"honnef.co/go/gsplat/encoding"
	"honnef.co/go/gsplat/engine/cpu_engine"
	"honnef.co/go/gsplat/internal/config"
	"honnef.co/go/gsplat/internal/logger"
	"honnef.co/go/gsplat/loaders"
	"honnef.co/go/gsplat/renderer"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"golang.org/x/image/bmp"
	"golang.org/x/term"
)

// pipeName is the output name that writes to stdout.
const pipeName = "-"

// frameTimeout bounds the time a single frame may take before the device
// is considered lost.
const frameTimeout = 5 * time.Minute

type view struct {
	name   string
	params []float32
	size   [2]uint32
}

func main() {
	fs := flag.CommandLine
	flag.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags] -scene <file.ply> [-cameras <cameras.json>] [-o <out.png>]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flags := config.RegisterFlags(fs)
	flag.Parse()
	if len(flag.Args()) != 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging.Level, cfg.Logging.LogFile)
	defer log.Sync()

	overflowed, err := run(cfg, log)
	if err != nil {
		log.Error("rendering failed", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
	if overflowed {
		log.Sync()
		os.Exit(2)
	}
}

func run(cfg *config.Config, log *zap.Logger) (overflowed bool, err error) {
	start := time.Now()
	scene, err := loaders.LoadPLY(cfg.Input.Scene)
	if err != nil {
		return false, err
	}
	log.Info("loaded scene",
		zap.String("path", cfg.Input.Scene),
		zap.Int("gaussians", len(scene.Gaussians)),
		zap.Uint32("sh_degree", scene.SHDegree),
		zap.Duration("elapsed", time.Since(start)))

	views, err := collectViews(cfg, scene)
	if err != nil {
		return false, err
	}
	if cfg.Output.Path == pipeName {
		if len(views) > 1 {
			return false, errors.New("can't write more than one image to stdout")
		}
		if term.IsTerminal(int(os.Stdout.Fd())) {
			return false, errors.New("refusing to write an image to a terminal")
		}
	}

	var prof *cpu_engine.Profiler
	if cfg.Render.Profile {
		prof = cpu_engine.NewProfiler()
	}
	eng := cpu_engine.New(cpu_engine.Options{
		Workers: cfg.Render.Workers,
		Logger:  log.Named("engine"),
	})
	defer eng.Close()

	presenter := gsplat.NewImagePresenter()
	rcfg := cfg.ToRenderer(views[0].size[0], views[0].size[1])
	rcfg.SHDegree = min(rcfg.SHDegree, scene.SHDegree)
	p, err := gsplat.New(rcfg,
		gsplat.WithLogger(log.Named("pipeline")),
		gsplat.WithPresenter(presenter),
		gsplat.WithEngine(eng),
		gsplat.WithProfiler(prof),
	)
	if err != nil {
		return false, err
	}
	defer p.Close()

	for i, v := range views {
		ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
		stats, err := p.Render(ctx, scene.Gaussians, len(scene.Gaussians), v.params, v.size)
		cancel()
		var capErr *renderer.CapacityError
		switch {
		case errors.As(err, &capErr):
			overflowed = true
			log.Warn("frame is missing tile instances",
				zap.String("view", v.name),
				zap.Uint32("total", capErr.Total),
				zap.Uint32("capacity", capErr.Capacity))
		case err != nil:
			return overflowed, fmt.Errorf("rendering %s: %w", v.name, err)
		}
		log.Info("rendered view",
			zap.String("view", v.name),
			zap.Uint32("width", stats.Width),
			zap.Uint32("height", stats.Height),
			zap.Uint32("instances", stats.Total),
			zap.Duration("elapsed", stats.Elapsed))

		path := cfg.Output.Path
		if len(views) > 1 {
			path = indexedPath(path, i)
		}
		img := presenter.Image()
		if err := writeImage(path, img, cfg.Output.Quality); err != nil {
			return overflowed, err
		}
		if cfg.Output.Preview > 0 && path != pipeName {
			preview := imaging.Resize(img, cfg.Output.Preview, 0, imaging.Lanczos)
			if err := writeImage(indexedPath(path, -1), preview, cfg.Output.Quality); err != nil {
				return overflowed, err
			}
		}
	}

	if prof != nil {
		printProfile(os.Stderr, prof.Collect())
	}
	return overflowed, nil
}

// collectViews returns the cameras to render. Without a camera list, a single
// camera frames the whole scene.
func collectViews(cfg *config.Config, scene *loaders.Scene) ([]view, error) {
	if cfg.Input.Cameras == "" {
		lo, hi, ok := encoding.Bounds(scene.Gaussians)
		if !ok {
			lo, hi = [3]float32{-1, -1, -1}, [3]float32{1, 1, 1}
		}
		w, h := cfg.Render.Width, cfg.Render.Height
		if w == 0 {
			w, h = 1280, 720
		}
		return []view{{
			name:   "overview",
			params: encoding.FramingParams(lo, hi, w, h, math.Pi/3),
			size:   [2]uint32{w, h},
		}}, nil
	}

	cams, err := loaders.LoadCameras(cfg.Input.Cameras)
	if err != nil {
		return nil, err
	}
	if len(cams) == 0 {
		return nil, fmt.Errorf("%s contains no cameras", cfg.Input.Cameras)
	}
	if cfg.Input.Camera >= 0 {
		if cfg.Input.Camera >= len(cams) {
			return nil, fmt.Errorf("camera %d out of range, %s has %d", cfg.Input.Camera, cfg.Input.Cameras, len(cams))
		}
		cams = cams[cfg.Input.Camera : cfg.Input.Camera+1]
	}
	out := make([]view, len(cams))
	for i, ci := range cams {
		if cfg.Render.Width > 0 {
			ci = ci.ScaledTo(cfg.Render.Width)
		}
		out[i] = view{
			name:   ci.ImgName,
			params: ci.CameraParams(),
			size:   ci.ScreenSize(),
		}
	}
	return out, nil
}

// indexedPath inserts i before the extension of path, or "preview" if i is
// negative.
func indexedPath(path string, i int) string {
	if path == pipeName {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	if i < 0 {
		return base + "_preview" + ext
	}
	return fmt.Sprintf("%s_%03d%s", base, i, ext)
}

func writeImage(path string, img image.Image, quality int) (err error) {
	if path == pipeName {
		return imaging.Encode(os.Stdout, img, imaging.PNG)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return encodeImage(f, filepath.Ext(path), img, quality)
}

func encodeImage(w io.Writer, ext string, img image.Image, quality int) error {
	switch strings.ToLower(ext) {
	case ".bmp":
		return bmp.Encode(w, img)
	case "":
		return imaging.Encode(w, img, imaging.PNG)
	}
	format, err := imaging.FormatFromExtension(ext)
	if err != nil {
		return fmt.Errorf("unsupported image format %q", ext)
	}
	return imaging.Encode(w, img, format, imaging.JPEGQuality(quality))
}

func printProfile(w io.Writer, results []cpu_engine.ProfilerResult) {
	var printResult func(res *cpu_engine.ProfilerResult, depth int)
	printResult = func(res *cpu_engine.ProfilerResult, depth int) {
		indent := strings.Repeat("  ", depth)
		label := res.Label
		if depth == 0 {
			label = fmt.Sprintf("frame %d", res.Tag)
		}
		fmt.Fprintf(w, "%s%s: %s\n", indent, label, res.CPUEnd.Sub(res.CPUStart))
		for _, pass := range res.Passes {
			fmt.Fprintf(w, "%s  %-24s %s\n", indent, pass.Label, pass.Duration())
		}
		for i := range res.Children {
			printResult(&res.Children[i], depth+1)
		}
	}
	for i := range results {
		printResult(&results[i], 0)
	}
}
