// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package gsplat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"honnef.co/go/gsplat/engine/cpu_engine"
	"honnef.co/go/gsplat/renderer"
	"honnef.co/go/safeish"

	"go.uber.org/zap"
)

// FrameStats are the diagnostics read back with every frame.
type FrameStats struct {
	Frame        uint64
	NumGaussians int
	// Total is the number of tile instances the scene produced.
	Total uint32
	// Sorted is the number of instances that were sorted and rasterized.
	Sorted   uint32
	Capacity uint32
	Overflow bool
	Width    uint32
	Height   uint32
	// Elapsed is the time from submission until the frame was presented.
	Elapsed time.Duration
}

type Pipeline struct {
	log        *zap.Logger
	presenter  Presenter
	eng        *cpu_engine.Engine
	ownsEngine bool
	profiler   *cpu_engine.Profiler

	mu     sync.Mutex
	rd     *renderer.Renderer
	frames uint64
	closed bool
}

// New creates a pipeline for cfg. All configuration errors are reported
// here, before any resources exist.
func New(cfg renderer.Config, opts ...Option) (*Pipeline, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	for _, fn := range o.configure {
		fn(&cfg)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.presenter == nil {
		return nil, renderer.ErrNoPresenter
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		log:       o.log,
		presenter: o.presenter,
		eng:       o.engine,
		profiler:  o.profiler,
	}
	if p.eng == nil {
		p.eng = cpu_engine.New(cpu_engine.Options{
			Workers: o.workers,
			Logger:  o.log.Named("engine"),
		})
		p.ownsEngine = true
	}
	rd, err := renderer.New(cfg, p.eng.Shaders())
	if err != nil {
		p.Close()
		return nil, err
	}
	p.rd = rd
	p.log.Debug("created pipeline",
		zap.Uint32("width", cfg.Width),
		zap.Uint32("height", cfg.Height),
		zap.Uint32("capacity", cfg.Capacity),
		zap.Uint32("tile_size", cfg.TileSize))
	return p, nil
}

func (p *Pipeline) Config() renderer.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rd.Config()
}

// Submit records and submits one frame without waiting for it. The
// Gaussians must not be modified until the frame has been waited for.
//
// cameraParams holds eye (3), target (3), up (3), focal x and focal y.
// A screen size different from the current configuration reconfigures the
// pipeline.
func (p *Pipeline) Submit(gaussians []renderer.Gaussian, cameraParams []float32, screenSize [2]uint32) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("%w: pipeline closed", renderer.ErrDeviceLost)
	}
	if err := p.eng.Err(); err != nil {
		return nil, err
	}

	if screenSize[0] < 1 || screenSize[1] < 1 {
		return nil, fmt.Errorf("%w: screen size %dx%d", renderer.ErrInvalidConfig, screenSize[0], screenSize[1])
	}
	if err := p.rd.Resize(screenSize[0], screenSize[1]); err != nil {
		return nil, err
	}
	cfg := p.rd.Config()
	cam, err := renderer.CameraFromParams(cameraParams, screenSize, cfg.Near, cfg.Far)
	if err != nil {
		return nil, err
	}

	p.frames++
	frame := p.frames
	pgroup := p.profiler.Start(frame)
	var rec renderer.Recording
	outs, err := p.rd.RecordFrame(&rec, gaussians, &cam, pgroup)
	if err != nil {
		pgroup.End()
		return nil, err
	}
	sub := p.eng.Submit(&rec, pgroup)
	pgroup.End()

	p.log.Debug("submitted frame",
		zap.Uint64("frame", frame),
		zap.Int("gaussians", len(gaussians)),
		zap.Int("commands", len(rec.Commands)))
	return &Frame{
		p:         p,
		sub:       sub,
		outputs:   outs,
		submitted: time.Now(),
		stats: FrameStats{
			Frame:        frame,
			NumGaussians: len(gaussians),
			Width:        outs.Width,
			Height:       outs.Height,
		},
	}, nil
}

// Render submits a frame and waits for it. Only the first numGaussian
// Gaussians are drawn.
func (p *Pipeline) Render(
	ctx context.Context,
	gaussians []renderer.Gaussian,
	numGaussian int,
	cameraParams []float32,
	screenSize [2]uint32,
) (FrameStats, error) {
	if numGaussian < 0 || numGaussian > len(gaussians) {
		return FrameStats{}, fmt.Errorf("%w: %d Gaussians requested, %d given",
			renderer.ErrInvalidConfig, numGaussian, len(gaussians))
	}
	f, err := p.Submit(gaussians[:numGaussian], cameraParams, screenSize)
	if err != nil {
		return FrameStats{}, err
	}
	return f.Wait(ctx)
}

// Close releases the pipeline. It waits for submitted frames to finish
// executing if it created its own engine.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.ownsEngine {
		p.eng.Close()
	}
}

// Frame is a submitted frame.
type Frame struct {
	p         *Pipeline
	sub       *cpu_engine.Submission
	outputs   renderer.FrameOutputs
	submitted time.Time

	once  sync.Once
	stats FrameStats
	err   error
}

// Wait waits for the frame to finish, presents it and returns its
// statistics. If the scene overflowed the tile instance capacity, the frame
// is presented anyway and the error is a *renderer.CapacityError. If ctx is
// done before the frame finished, the device is considered lost.
//
// Wait may be called more than once; the frame is only presented once.
func (f *Frame) Wait(ctx context.Context) (FrameStats, error) {
	f.once.Do(func() { f.stats, f.err = f.wait(ctx) })
	return f.stats, f.err
}

func (f *Frame) wait(ctx context.Context) (FrameStats, error) {
	stats := f.stats
	log := f.p.log.With(zap.Uint64("frame", stats.Frame))
	if err := f.sub.Wait(ctx); err != nil {
		log.Error("frame failed", zap.Error(err))
		return stats, fmt.Errorf("rendering frame %d: %w", stats.Frame, err)
	}

	countersData, ok1 := f.sub.Download(f.outputs.Counters)
	pixelData, ok2 := f.sub.Download(f.outputs.Pixels)
	if !ok1 || !ok2 {
		panic("frame is missing its downloads")
	}
	counters := *safeish.Cast[*renderer.Counters](&countersData[0])
	stats.Total = counters.Total
	stats.Sorted = counters.Sorted
	stats.Capacity = counters.Capacity
	stats.Overflow = counters.Overflow != 0

	n := int(f.outputs.Width) * int(f.outputs.Height)
	pixels := safeish.SliceCast[[]renderer.Pixel](pixelData)[:n]
	if err := f.p.presenter.Present(int(f.outputs.Width), int(f.outputs.Height), pixels); err != nil {
		return stats, fmt.Errorf("presenting frame %d: %w", stats.Frame, err)
	}
	stats.Elapsed = time.Since(f.submitted)

	if err := renderer.CheckCounters(&counters); err != nil {
		log.Warn("tile instance capacity exceeded",
			zap.Uint32("total", counters.Total),
			zap.Uint32("capacity", counters.Capacity))
		return stats, err
	}
	log.Debug("presented frame",
		zap.Uint32("instances", counters.Total),
		zap.Duration("elapsed", stats.Elapsed))
	return stats, nil
}
