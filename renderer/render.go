// Copyright 2022 the Vello Authors
// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package renderer records the splat pipeline as a device independent
// batch of commands. It owns the layout of every buffer and the order of the
// passes, but executes nothing itself.
package renderer

import (
	"fmt"

	"honnef.co/go/gsplat/profiler"
	"honnef.co/go/safeish"
)

type FullShaders struct {
	Preprocess      ShaderID
	PrefixSumReduce ShaderID
	PrefixSumScan   ShaderID
	PrefixSumFinish ShaderID
	CopyKeyValue    ShaderID
	SortSetup       ShaderID
	SortHistogram   ShaderID
	SortScan        ShaderID
	SortScatter     ShaderID
	RangeClear      ShaderID
	RangeBoundary   ShaderID
	Rasterize       ShaderID
}

// FrameOutputs are the buffers a recorded frame leaves behind for the host.
type FrameOutputs struct {
	// Pixels holds Width×Height Pixel values in row-major order.
	Pixels BufferProxy
	// Counters holds a single Counters value.
	Counters BufferProxy
	Width    uint32
	Height   uint32
}

// Renderer owns the buffers of one pipeline configuration and records
// frames against them. Buffers persist across recordings; a Renderer must
// only be used with a single engine.
type Renderer struct {
	cfg         Config
	shaders     *FullShaders
	sizes       BufferSizes
	gaussianCap uint32

	config         BufferProxy
	projector      projector
	bucketCounter  bucketCounter
	materializer   materializer
	sorter         sorter
	rangeExtractor rangeExtractor
	rasterizer     rasterizer

	staticUploaded bool
	// buffers replaced since the last recording
	pendingFree []BufferProxy
}

// New validates cfg and creates a renderer for it. No device resources
// exist before the first recording is executed.
func New(cfg Config, shaders *FullShaders) (*Renderer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rd := &Renderer{shaders: shaders}
	rd.configure(cfg, gaussianSizeClass(0))
	return rd, nil
}

func (rd *Renderer) Config() Config { return rd.cfg }

func (rd *Renderer) configure(cfg Config, gaussianCap uint32) {
	rd.cfg = cfg
	rd.gaussianCap = gaussianCap
	rd.sizes = NewBufferSizes(&rd.cfg, gaussianCap)
	rd.config = newBuffer(rd.sizes.Config, "config")
	rd.projector = newProjector(&rd.sizes)
	rd.bucketCounter = newBucketCounter(&rd.sizes)
	rd.materializer = newMaterializer(&rd.sizes)
	rd.sorter = newSorter(&rd.cfg, &rd.sizes)
	rd.rangeExtractor = newRangeExtractor(&rd.sizes)
	rd.rasterizer = newRasterizer(&rd.sizes)
	rd.staticUploaded = false
}

func (rd *Renderer) allBuffers() []BufferProxy {
	out := []BufferProxy{
		rd.config,
		rd.bucketCounter.counters,
		rd.materializer.keys,
		rd.materializer.values,
		rd.rangeExtractor.ranges,
		rd.rasterizer.pixels,
	}
	out = append(out, rd.projector.buffers()...)
	out = append(out, rd.bucketCounter.buffers()...)
	out = append(out, rd.sorter.buffers()...)
	return out
}

// Reconfigure replaces the configuration. The old buffers are freed by the
// next recording.
func (rd *Renderer) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	rd.pendingFree = append(rd.pendingFree, rd.allBuffers()...)
	rd.configure(cfg, rd.gaussianCap)
	return nil
}

// Resize is Reconfigure with a new resolution.
func (rd *Renderer) Resize(width, height uint32) error {
	if width == rd.cfg.Width && height == rd.cfg.Height {
		return nil
	}
	cfg := rd.cfg
	cfg.Width = width
	cfg.Height = height
	return rd.Reconfigure(cfg)
}

func (rd *Renderer) growGaussians(n uint32) {
	class := gaussianSizeClass(n)
	if class <= rd.gaussianCap {
		return
	}
	rd.pendingFree = append(rd.pendingFree, rd.projector.buffers()...)
	rd.pendingFree = append(rd.pendingFree, rd.bucketCounter.buffers()...)
	rd.gaussianCap = class
	rd.sizes = NewBufferSizes(&rd.cfg, class)
	rd.projector = newProjector(&rd.sizes)
	counters := rd.bucketCounter.counters
	rd.bucketCounter = newBucketCounter(&rd.sizes)
	rd.bucketCounter.counters = counters
}

// RecordFrame appends one frame to rec: all passes from projection to
// rasterization, followed by the downloads of the counters and the pixels.
//
// The Gaussians are uploaded by every recording and must not be modified
// until it has executed.
func (rd *Renderer) RecordFrame(
	rec *Recording,
	gaussians []Gaussian,
	cam *Camera,
	pgroup profiler.ProfilerGroup,
) (FrameOutputs, error) {
	pgroup = profiler.OrNop(pgroup).Start("RecordFrame")
	defer pgroup.End()

	cfg := &rd.cfg
	if cam.Width != cfg.Width || cam.Height != cfg.Height {
		return FrameOutputs{}, fmt.Errorf(
			"%w: camera is %dx%d, pipeline is configured for %dx%d",
			ErrInvalidConfig, cam.Width, cam.Height, cfg.Width, cfg.Height)
	}
	if uint64(len(gaussians)) > 1<<32-1 {
		return FrameOutputs{}, fmt.Errorf("%w: %d Gaussians", ErrLimitExceeded, len(gaussians))
	}
	n := uint32(len(gaussians))
	if err := cfg.checkScene(n); err != nil {
		return FrameOutputs{}, err
	}
	rd.growGaussians(n)

	for _, buf := range rd.pendingFree {
		rec.FreeBuffer(buf)
	}
	rd.pendingFree = rd.pendingFree[:0]

	if !rd.staticUploaded {
		for i, buf := range rd.sorter.passes {
			rec.UploadUniform(buf, safeish.AsBytes(&rd.sorter.passData[i]))
		}
		rd.staticUploaded = true
	}
	if n > 0 {
		rec.Upload(rd.projector.gaussians, safeish.SliceCast[[]byte](gaussians))
	}

	// Every frame gets its own uniform so that a recording still executing
	// never sees the next frame's camera.
	rc := NewRenderConfig(cfg, cam, n)
	wgs := rc.WorkgroupCounts()
	rec.UploadUniform(rd.config, safeish.AsBytes(rc.Uniform()))

	sh := rd.shaders
	rd.projector.record(rec, sh, wgs, rd.config)
	rd.bucketCounter.record(rec, sh, wgs, rd.config, rd.projector.counts)
	rd.materializer.record(rec, sh, wgs, rd.config, rd.projector.splats, rd.bucketCounter.offsets)
	keys, values := rd.sorter.record(
		rec, sh, wgs,
		rd.config, rd.bucketCounter.counters, rd.materializer.keys, rd.materializer.values,
	)
	rd.rangeExtractor.record(rec, sh, wgs, rd.config, rd.sorter.state, rd.sorter.dispatch, keys)
	rd.rasterizer.record(rec, sh, wgs, rd.config, rd.projector.splats, keys, values, rd.rangeExtractor.ranges)

	rec.Download(rd.bucketCounter.counters)
	rec.Download(rd.rasterizer.pixels)
	return FrameOutputs{
		Pixels:   rd.rasterizer.pixels,
		Counters: rd.bucketCounter.counters,
		Width:    cfg.Width,
		Height:   cfg.Height,
	}, nil
}
