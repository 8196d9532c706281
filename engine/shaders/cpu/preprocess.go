// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT OR Unlicense

package cpu

import (
	"honnef.co/go/gsplat/jmath"
	"honnef.co/go/gsplat/renderer"
	"honnef.co/go/safeish"
)

// Spherical-harmonics basis constants for degrees 0 to 3.
const SH_C0 = 0.28209479177387814
const SH_C1 = 0.4886025119029199

var SH_C2 = [5]float32{
	1.0925484305920792,
	-1.0925484305920792,
	0.31539156525252005,
	-1.0925484305920792,
	0.5462742152960396,
}

var SH_C3 = [7]float32{
	-0.5900435899266435,
	2.890611442640554,
	-0.4570457994644658,
	0.3731763325901154,
	-0.4570457994644658,
	1.445305721320277,
	-0.5900435899266435,
}

// The Jacobian is evaluated at most this far outside the frustum.
const JACOBIAN_CLAMP = 1.3

func Preprocess(wg Workgroup, resources []CPUBinding) {
	config := fromBytes[renderer.ConfigUniform](resources[0].(CPUBuffer))
	gaussians := safeish.SliceCast[[]renderer.Gaussian](resources[1].(CPUBuffer))
	splats := safeish.SliceCast[[]renderer.Splat](resources[2].(CPUBuffer))
	counts := safeish.SliceCast[[]uint32](resources[3].(CPUBuffer))

	for local_ix := range config.WorkgroupSize {
		ix := wg.ID[0]*config.WorkgroupSize + local_ix
		if ix >= config.NumGaussians {
			return
		}
		splat, ok := project(config, &gaussians[ix])
		if !ok {
			splat = renderer.Splat{}
		}
		splats[ix] = splat
		counts[ix] = splat.NumTiles
	}
}

func project(config *renderer.ConfigUniform, g *renderer.Gaussian) (renderer.Splat, bool) {
	mean := jmath.Vec3(g.Mean)
	if !(g.Opacity > 0) || !jmath.IsFinite32(g.Opacity) || !mean.IsFinite() {
		return renderer.Splat{}, false
	}
	scale := jmath.Vec3(g.Scale).Mul(config.ScaleModifier)
	if !scale.IsFinite() || !(max(jmath.Abs32(scale[0]), jmath.Abs32(scale[1]), jmath.Abs32(scale[2])) > 0) {
		return renderer.Splat{}, false
	}

	// View space
	view := config.View
	h := view.MulPoint(mean)
	t := jmath.Vec3{h[0], h[1], h[2]}
	if !(t[2] > config.Near) || t[2] > config.Far {
		return renderer.Splat{}, false
	}
	// Clip space. w is the view-space depth, which is positive past here.
	clip := config.ViewProj.MulPoint(mean)
	if jmath.Abs32(clip[0]) > config.GuardBand*clip[3] || jmath.Abs32(clip[1]) > config.GuardBand*clip[3] {
		return renderer.Splat{}, false
	}
	tan_x, tan_y := config.TanFov[0], config.TanFov[1]

	// 3D covariance Σ = R·S·Sᵀ·Rᵀ
	rot, ok := jmath.QuatToMat3(g.Rotation)
	if !ok {
		return renderer.Splat{}, false
	}
	m := rot.Mul(jmath.Mat3{
		scale[0], 0, 0,
		0, scale[1], 0,
		0, 0, scale[2],
	})
	sigma := m.Mul(m.Transpose())

	// 2D covariance J·W·Σ·Wᵀ·Jᵀ
	fx, fy := config.Focal[0], config.Focal[1]
	tz := t[2]
	txz := jmath.Clamp(t[0]/tz, -JACOBIAN_CLAMP*tan_x, JACOBIAN_CLAMP*tan_x)
	tyz := jmath.Clamp(t[1]/tz, -JACOBIAN_CLAMP*tan_y, JACOBIAN_CLAMP*tan_y)
	j := jmath.Mat3{
		fx / tz, 0, -fx * txz / tz,
		0, -fy / tz, fy * tyz / tz,
		0, 0, 0,
	}
	jw := j.Mul(view.Rotation())
	cov := jw.Mul(sigma).Mul(jw.Transpose())
	a := cov.At(0, 0) + config.Dilation
	b := cov.At(0, 1)
	c := cov.At(1, 1) + config.Dilation
	det := a*c - b*b
	if !(det > 0) || !jmath.IsFinite32(det) {
		return renderer.Splat{}, false
	}
	inv_det := 1 / det
	conic := [3]float32{c * inv_det, -b * inv_det, a * inv_det}

	// Bounding radius from the larger eigenvalue.
	mid := 0.5 * (a + c)
	lambda := mid + jmath.Sqrt32(max(0.1, mid*mid-det))
	radius := jmath.Ceil32(3 * jmath.Sqrt32(lambda))

	width := float32(config.TargetWidth)
	height := float32(config.TargetHeight)
	px := width/2 + fx*t[0]/tz
	py := height/2 - fy*t[1]/tz

	x0 := jmath.Floor32(px - radius)
	x1 := jmath.Floor32(px + radius)
	y0 := jmath.Floor32(py - radius)
	y1 := jmath.Floor32(py + radius)
	if x1 < 0 || y1 < 0 || x0 > width-1 || y0 > height-1 {
		return renderer.Splat{}, false
	}
	x0 = jmath.Clamp(x0, 0, width-1)
	x1 = jmath.Clamp(x1, 0, width-1)
	y0 = jmath.Clamp(y0, 0, height-1)
	y1 = jmath.Clamp(y1, 0, height-1)

	tile_min := [2]uint32{uint32(x0) / config.TileSize, uint32(y0) / config.TileSize}
	tile_max := [2]uint32{uint32(x1) / config.TileSize, uint32(y1) / config.TileSize}
	num_tiles := (tile_max[0] - tile_min[0] + 1) * (tile_max[1] - tile_min[1] + 1)

	dir := mean.Sub(jmath.Vec3(config.CameraPos)).Normalize()
	rgb := evalSH(config.SHDegree, &g.SH, dir)
	if !rgb.IsFinite() {
		return renderer.Splat{}, false
	}

	return renderer.Splat{
		Mean:     [2]float32{px, py},
		Conic:    conic,
		Depth:    tz,
		Color:    [4]float32{rgb[0], rgb[1], rgb[2], g.Opacity},
		TileMin:  tile_min,
		TileMax:  tile_max,
		NumTiles: num_tiles,
	}, true
}

func evalSH(degree uint32, sh *[renderer.SHCoeffs][4]float32, dir jmath.Vec3) jmath.Vec3 {
	coeff := func(i int) jmath.Vec3 { return jmath.Vec3{sh[i][0], sh[i][1], sh[i][2]} }

	result := coeff(0).Mul(SH_C0)
	if degree > 0 {
		x, y, z := dir[0], dir[1], dir[2]
		result = result.
			Sub(coeff(1).Mul(SH_C1 * y)).
			Add(coeff(2).Mul(SH_C1 * z)).
			Sub(coeff(3).Mul(SH_C1 * x))
		if degree > 1 {
			xx, yy, zz := x*x, y*y, z*z
			xy, yz, xz := x*y, y*z, x*z
			result = result.
				Add(coeff(4).Mul(SH_C2[0] * xy)).
				Add(coeff(5).Mul(SH_C2[1] * yz)).
				Add(coeff(6).Mul(SH_C2[2] * (2*zz - xx - yy))).
				Add(coeff(7).Mul(SH_C2[3] * xz)).
				Add(coeff(8).Mul(SH_C2[4] * (xx - yy)))
			if degree > 2 {
				result = result.
					Add(coeff(9).Mul(SH_C3[0] * y * (3*xx - yy))).
					Add(coeff(10).Mul(SH_C3[1] * xy * z)).
					Add(coeff(11).Mul(SH_C3[2] * y * (4*zz - xx - yy))).
					Add(coeff(12).Mul(SH_C3[3] * z * (2*zz - 3*xx - 3*yy))).
					Add(coeff(13).Mul(SH_C3[4] * x * (4*zz - xx - yy))).
					Add(coeff(14).Mul(SH_C3[5] * z * (xx - yy))).
					Add(coeff(15).Mul(SH_C3[6] * x * (xx - 3*yy)))
			}
		}
	}
	return jmath.Vec3{
		max(result[0]+0.5, 0),
		max(result[1]+0.5, 0),
		max(result[2]+0.5, 0),
	}
}
