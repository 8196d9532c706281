// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package encoding converts between scene data and the renderer's Gaussian
// records.
package encoding

import (
	"fmt"
	"math"
	"unsafe"

	"honnef.co/go/gsplat/jmath"
	"honnef.co/go/gsplat/renderer"
	"honnef.co/go/safeish"
)

// GaussianFloats is the number of float32 values making up one Gaussian in
// its flat representation.
const GaussianFloats = int(unsafe.Sizeof(renderer.Gaussian{}) / 4)

// SHC0 is the degree 0 spherical-harmonics basis constant.
const SHC0 = 0.28209479177387814

// GaussiansFromFloats views the first n Gaussians of raw, a flat array of
// GaussianFloats values per Gaussian in the layout of renderer.Gaussian. The
// returned slice aliases raw.
func GaussiansFromFloats(raw []float32, n int) ([]renderer.Gaussian, error) {
	if n < 0 || n > len(raw)/GaussianFloats {
		return nil, fmt.Errorf("%d floats don't hold %d Gaussians", len(raw), n)
	}
	if n == 0 {
		return nil, nil
	}
	return safeish.SliceCast[[]renderer.Gaussian](raw[:n*GaussianFloats]), nil
}

// Floats is the inverse of GaussiansFromFloats.
func Floats(gaussians []renderer.Gaussian) []float32 {
	if len(gaussians) == 0 {
		return nil
	}
	return safeish.SliceCast[[]float32](gaussians)
}

func Sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// SHFromRGB returns the degree 0 coefficient that evaluates to the color c
// from every direction.
func SHFromRGB(c [3]float32) [4]float32 {
	return [4]float32{
		(c[0] - 0.5) / SHC0,
		(c[1] - 0.5) / SHC0,
		(c[2] - 0.5) / SHC0,
		0,
	}
}

// RGBFromSH is the inverse of SHFromRGB.
func RGBFromSH(sh [4]float32) [3]float32 {
	return [3]float32{
		sh[0]*SHC0 + 0.5,
		sh[1]*SHC0 + 0.5,
		sh[2]*SHC0 + 0.5,
	}
}

// NewGaussian returns an isotropically colored Gaussian. scale and opacity
// are already activated.
func NewGaussian(mean, scale [3]float32, rotation [4]float32, opacity float32, rgb [3]float32) renderer.Gaussian {
	g := renderer.Gaussian{
		Mean:     mean,
		Opacity:  opacity,
		Scale:    scale,
		Rotation: rotation,
	}
	g.SH[0] = SHFromRGB(rgb)
	return g
}

// Bounds returns the axis-aligned bounding box of the Gaussians' means,
// ignoring non-finite ones. ok is false if there is no finite mean.
func Bounds(gaussians []renderer.Gaussian) (lo, hi jmath.Vec3, ok bool) {
	for i := range gaussians {
		m := jmath.Vec3(gaussians[i].Mean)
		if !m.IsFinite() {
			continue
		}
		if !ok {
			lo, hi, ok = m, m, true
			continue
		}
		for j := range 3 {
			lo[j] = min(lo[j], m[j])
			hi[j] = max(hi[j], m[j])
		}
	}
	return lo, hi, ok
}

// FramingParams returns camera parameters that look at the center of the
// box [lo, hi] along +z from far enough away for the box to fit into a
// screen of the given size with a vertical field of view of fovY radians.
func FramingParams(lo, hi jmath.Vec3, width, height uint32, fovY float32) []float32 {
	center := lo.Add(hi).Mul(0.5)
	radius := hi.Sub(lo).Length() / 2
	if radius == 0 {
		radius = 1
	}
	tanHalf := jmath.Tan32(fovY / 2)
	focal := float32(height) / (2 * tanHalf)
	aspect := float32(width) / float32(height)
	dist := radius / (tanHalf * min(aspect, 1))
	eye := center.Sub(jmath.Vec3{0, 0, dist + radius})
	return []float32{
		eye[0], eye[1], eye[2],
		center[0], center[1], center[2],
		0, 1, 0,
		focal, focal,
	}
}
