// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package gsplat

import (
	"honnef.co/go/color"
	"honnef.co/go/gsplat/engine/cpu_engine"
	"honnef.co/go/gsplat/gfx"
	"honnef.co/go/gsplat/renderer"

	"go.uber.org/zap"
)

type options struct {
	log       *zap.Logger
	presenter Presenter
	engine    *cpu_engine.Engine
	profiler  *cpu_engine.Profiler
	workers   int
	configure []func(*renderer.Config)
}

type Option func(*options)

// WithLogger sets the logger of the pipeline and of the engine it creates.
// The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithPresenter sets where finished frames go. It is required.
func WithPresenter(p Presenter) Option {
	return func(o *options) { o.presenter = p }
}

// WithEngine runs the pipeline on an existing engine, which the pipeline
// won't close. Pipelines sharing an engine have their frames executed in
// submission order.
func WithEngine(eng *cpu_engine.Engine) Option {
	return func(o *options) { o.engine = eng }
}

// WithProfiler records the host and device time of every frame.
func WithProfiler(p *cpu_engine.Profiler) Option {
	return func(o *options) { o.profiler = p }
}

// WithWorkers sets the number of goroutines of the engine the pipeline
// creates. It has no effect together with WithEngine.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithBackground sets the color composited under the splats. nil is
// transparent black.
func WithBackground(c *color.Color) Option {
	return func(o *options) {
		bg := gfx.Premul32(c)
		o.configure = append(o.configure, func(cfg *renderer.Config) { cfg.Background = bg })
	}
}
