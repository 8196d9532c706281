// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package shaders describes the compute kernels of the splat pipeline: their
// names and the layout of the resources they bind.
package shaders

import "honnef.co/go/gsplat/renderer"

type ComputeShader struct {
	Name     string
	Bindings []renderer.BindType
}

// Collection lists every kernel of the pipeline. Field names match those of
// renderer.FullShaders.
type Collection struct {
	Preprocess      ComputeShader
	PrefixSumReduce ComputeShader
	PrefixSumScan   ComputeShader
	PrefixSumFinish ComputeShader
	CopyKeyValue    ComputeShader
	SortSetup       ComputeShader
	SortHistogram   ComputeShader
	SortScan        ComputeShader
	SortScatter     ComputeShader
	RangeClear      ComputeShader
	RangeBoundary   ComputeShader
	Rasterize       ComputeShader
}

const (
	u  = renderer.BindTypeUniform
	ro = renderer.BindTypeBufReadOnly
	rw = renderer.BindTypeBuffer
)

var Shaders = Collection{
	Preprocess: ComputeShader{
		Name:     "preprocess",
		Bindings: []renderer.BindType{u, ro, rw, rw},
	},
	PrefixSumReduce: ComputeShader{
		Name:     "prefix_sum_reduce",
		Bindings: []renderer.BindType{u, ro, rw, rw},
	},
	PrefixSumScan: ComputeShader{
		Name:     "prefix_sum_scan",
		Bindings: []renderer.BindType{u, rw, rw},
	},
	PrefixSumFinish: ComputeShader{
		Name:     "prefix_sum_finish",
		Bindings: []renderer.BindType{u, ro, rw},
	},
	CopyKeyValue: ComputeShader{
		Name:     "copy_key_value",
		Bindings: []renderer.BindType{u, ro, ro, rw, rw},
	},
	SortSetup: ComputeShader{
		Name:     "sort_setup",
		Bindings: []renderer.BindType{u, ro, rw, rw},
	},
	SortHistogram: ComputeShader{
		Name:     "sort_histogram",
		Bindings: []renderer.BindType{u, u, ro, ro, rw},
	},
	SortScan: ComputeShader{
		Name:     "sort_scan",
		Bindings: []renderer.BindType{u, u, ro, rw},
	},
	SortScatter: ComputeShader{
		Name:     "sort_scatter",
		Bindings: []renderer.BindType{u, u, ro, ro, ro, ro, rw, rw},
	},
	RangeClear: ComputeShader{
		Name:     "range_clear",
		Bindings: []renderer.BindType{u, rw},
	},
	RangeBoundary: ComputeShader{
		Name:     "range_boundary",
		Bindings: []renderer.BindType{u, ro, ro, rw},
	},
	Rasterize: ComputeShader{
		Name:     "rasterize",
		Bindings: []renderer.BindType{u, ro, ro, ro, ro, rw},
	},
}
