// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT OR Unlicense

package cpu

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"honnef.co/go/gsplat/jmath"
	"honnef.co/go/gsplat/renderer"
)

func TestProjectVisible(t *testing.T) {
	config := forwardConfig(t, 23, 23, 20, 1)
	g := gaussianAt([3]float32{0, 0, 5}, 0.15, 0.8)
	splat, ok := project(config, &g)
	require.True(t, ok)

	assert.Equal(t, [2]float32{11.5, 11.5}, splat.Mean)
	assert.Equal(t, float32(5), splat.Depth)
	// A radius of 3 keeps the pixel box [8, 14] inside the center tile.
	assert.Equal(t, [2]uint32{1, 1}, splat.TileMin)
	assert.Equal(t, [2]uint32{1, 1}, splat.TileMax)
	assert.Equal(t, uint32(1), splat.NumTiles)
	assert.Equal(t, float32(0.8), splat.Color[3])

	// 2D covariance is 16·0.15² plus the dilation on both axes.
	assert.InDelta(t, 1/0.66, splat.Conic[0], 1e-4)
	assert.InDelta(t, 0, splat.Conic[1], 1e-6)
	assert.InDelta(t, 1/0.66, splat.Conic[2], 1e-4)
}

func TestProjectImageAxes(t *testing.T) {
	config := forwardConfig(t, 100, 100, 50, 1)
	// Right of and above the view axis lands right of and above the center.
	g := gaussianAt([3]float32{1, 1, 10}, 0.05, 1)
	splat, ok := project(config, &g)
	require.True(t, ok)
	assert.InDelta(t, 55, splat.Mean[0], 1e-4)
	assert.InDelta(t, 45, splat.Mean[1], 1e-4)
}

func TestProjectAnisotropic(t *testing.T) {
	config := forwardConfig(t, 64, 64, 32, 1)

	g := gaussianAt([3]float32{0, 0, 4}, 0, 1)
	g.Scale = [3]float32{0.3, 0.01, 0.01}
	splat, ok := project(config, &g)
	require.True(t, ok)
	// Wide along x means a small inverse covariance along x.
	assert.Less(t, splat.Conic[0], splat.Conic[2])

	// Rotated by 90° about z, the same Gaussian is tall.
	s := float32(math.Sqrt2 / 2)
	g.Rotation = [4]float32{s, 0, 0, s}
	splat, ok = project(config, &g)
	require.True(t, ok)
	assert.Greater(t, splat.Conic[0], splat.Conic[2])
}

func TestProjectCulled(t *testing.T) {
	tests := []struct {
		name   string
		modify func(g *renderer.Gaussian)
	}{
		{"zero opacity", func(g *renderer.Gaussian) { g.Opacity = 0 }},
		{"nan opacity", func(g *renderer.Gaussian) { g.Opacity = float32(math.NaN()) }},
		{"behind camera", func(g *renderer.Gaussian) { g.Mean = [3]float32{0, 0, -5} }},
		{"closer than near", func(g *renderer.Gaussian) { g.Mean = [3]float32{0, 0, 0.001} }},
		{"beyond far", func(g *renderer.Gaussian) { g.Mean = [3]float32{0, 0, 2000} }},
		{"outside guard band", func(g *renderer.Gaussian) { g.Mean = [3]float32{5, 0, 5} }},
		{"non-finite mean", func(g *renderer.Gaussian) { g.Mean[1] = float32(math.Inf(1)) }},
		{"zero scale", func(g *renderer.Gaussian) { g.Scale = [3]float32{} }},
		{"zero rotation", func(g *renderer.Gaussian) { g.Rotation = [4]float32{} }},
		{"non-finite color", func(g *renderer.Gaussian) { g.SH[0][0] = float32(math.NaN()) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := forwardConfig(t, 23, 23, 20, 1)
			g := gaussianAt([3]float32{0, 0, 5}, 0.15, 0.8)
			tt.modify(&g)
			_, ok := project(config, &g)
			assert.False(t, ok)
		})
	}
}

func TestProjectGuardBand(t *testing.T) {
	// tan_fov is 23/40, so the guard band ends at x/z = 1.3·0.575 = 0.7475.
	config := forwardConfig(t, 23, 23, 20, 1)
	inside := gaussianAt([3]float32{7.4, 0, 10}, 1, 1)
	_, ok := project(config, &inside)
	assert.True(t, ok)

	outside := gaussianAt([3]float32{7.6, 0, 10}, 1, 1)
	_, ok = project(config, &outside)
	assert.False(t, ok)
	outside.Mean = [3]float32{0, -7.6, 10}
	_, ok = project(config, &outside)
	assert.False(t, ok)

	config.GuardBand = 2
	_, ok = project(config, &outside)
	assert.True(t, ok)
}

func TestProjectClampsToScreen(t *testing.T) {
	config := forwardConfig(t, 23, 23, 20, 1)
	// A huge Gaussian covers the whole screen.
	g := gaussianAt([3]float32{0, 0, 5}, 10, 1)
	splat, ok := project(config, &g)
	require.True(t, ok)
	assert.Equal(t, [2]uint32{0, 0}, splat.TileMin)
	assert.Equal(t, [2]uint32{2, 2}, splat.TileMax)
	assert.Equal(t, uint32(9), splat.NumTiles)
}

func TestPreprocessWritesCounts(t *testing.T) {
	gaussians := []renderer.Gaussian{
		gaussianAt([3]float32{0, 0, 5}, 0.15, 0.8),
		gaussianAt([3]float32{0, 0, -5}, 0.15, 0.8),
		gaussianAt([3]float32{0, 0, 5}, 10, 1),
	}
	config := forwardConfig(t, 23, 23, 20, uint32(len(gaussians)))
	splats := make([]renderer.Splat, len(gaussians))
	counts := []uint32{99, 99, 99}
	splats[1].NumTiles = 42

	run(Preprocess, [3]uint32{1, 1, 1},
		asBuffer(config), sliceBuffer(gaussians), sliceBuffer(splats), sliceBuffer(counts))
	assert.Equal(t, []uint32{1, 0, 9}, counts)
	// Culled Gaussians leave no stale splat behind.
	assert.Equal(t, renderer.Splat{}, splats[1])
}

func TestEvalSH(t *testing.T) {
	var sh [renderer.SHCoeffs][4]float32
	rgb := [3]float32{0.2, 0.5, 0.9}
	for c := range 3 {
		sh[0][c] = (rgb[c] - 0.5) / SH_C0
	}
	dir := jmath.Vec3{0, 0, 1}
	got := evalSH(3, &sh, dir)
	for c := range 3 {
		assert.InDelta(t, rgb[c], got[c], 1e-6)
	}

	// Degree 1 along +z only sees the z coefficient.
	sh = [renderer.SHCoeffs][4]float32{}
	sh[2] = [4]float32{0.2, 0.2, 0.2}
	sh[1] = [4]float32{5, 5, 5}
	sh[3] = [4]float32{5, 5, 5}
	got = evalSH(1, &sh, dir)
	assert.InDelta(t, 0.5+SH_C1*0.2, got[0], 1e-6)
	// Higher degree coefficients are ignored at degree 0.
	got = evalSH(0, &sh, dir)
	assert.InDelta(t, 0.5, got[0], 1e-6)

	// Colors are clamped at zero.
	sh = [renderer.SHCoeffs][4]float32{}
	sh[0] = [4]float32{-10, -10, -10}
	assert.Equal(t, jmath.Vec3{}, evalSH(0, &sh, dir))
}
