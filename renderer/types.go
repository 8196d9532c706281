// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package renderer

import (
	"structs"
)

// The types in this file are device records. Their layout is what the
// kernels see in their buffers and must not change without updating every
// kernel that reads them.

// SHCoeffs is the maximum number of spherical-harmonics coefficients per
// color channel (degree 3).
const SHCoeffs = 16

// Gaussian is one scene primitive, with all activations already applied.
type Gaussian struct {
	_ structs.HostLayout

	Mean    [3]float32
	Opacity float32
	Scale   [3]float32
	_       float32
	// Rotation is a quaternion in (w, x, y, z) order. It doesn't need to be
	// normalized.
	Rotation [4]float32
	// SH holds the RGB spherical-harmonics coefficients; the fourth
	// component is padding.
	SH [SHCoeffs][4]float32
}

// Splat is the screen-space projection of a Gaussian.
type Splat struct {
	_ structs.HostLayout

	// Mean in pixel coordinates. Pixel (x, y) covers [x, x+1) × [y, y+1).
	Mean [2]float32
	// Conic holds a, b, c of the inverse 2D covariance [[a b] [b c]].
	Conic [3]float32
	// Depth is the view-space z of the mean.
	Depth float32
	// Color is RGB plus opacity.
	Color [4]float32
	// TileMin and TileMax are the inclusive tile bounding box.
	TileMin  [2]uint32
	TileMax  [2]uint32
	NumTiles uint32
	_        uint32
}

// Range delimits the entries of a tile in the sorted key array.
type Range struct {
	_ structs.HostLayout

	Start uint32
	End   uint32
}

func (r Range) Len() uint32 { return r.End - r.Start }

// Pixel is premultiplied RGBA.
type Pixel = [4]float32

// Counters is written by the bucket counter and read by the host after the
// frame.
type Counters struct {
	_ structs.HostLayout

	// Total number of tile instances the scene produced.
	Total uint32
	// Capacity copied from the configuration, for the host's convenience.
	Capacity uint32
	// Sorted is min(Total, Capacity), the number of entries that were
	// materialized and sorted.
	Sorted uint32
	// Overflow is non-zero if Total exceeded Capacity.
	Overflow uint32
}

// SortState is written by the sort setup kernel. It carries the run-time
// length of the key array to all sort and range kernels.
type SortState struct {
	_ structs.HostLayout

	Count     uint32
	NumBlocks uint32
	_         [2]uint32
}

// SortPass is the per-pass uniform of the radix sort.
type SortPass struct {
	_ structs.HostLayout

	Shift uint32
	Bits  uint32
	_     [2]uint32
}

// IndirectCount stores indirect dispatch size values.
type IndirectCount struct {
	_ structs.HostLayout

	X uint32
	Y uint32
	Z uint32
	_ uint32 // padding
}

// SortDispatch is the set of launch parameters the sort setup kernel
// derives from the on-device instance count.
type SortDispatch struct {
	_ structs.HostLayout

	// Blocks launches one workgroup per block of sort entries.
	Blocks IndirectCount
	// Scan launches the single-workgroup histogram scan, or nothing if there
	// is nothing to sort.
	Scan IndirectCount
}

// Byte offsets of the SortDispatch fields, for indirect dispatches.
const (
	offsetSortBlocks = 0
	offsetSortScan   = 16
)
