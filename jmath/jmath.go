// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package jmath contains the small amount of linear algebra and float32
// helpers shared by the renderer and the compute kernels.
package jmath

import (
	"math"

	"golang.org/x/exp/constraints"
)

const Epsilon = 1e-12

func Abs32(f float32) float32   { return float32(math.Abs(float64(f))) }
func Sqrt32(f float32) float32  { return float32(math.Sqrt(float64(f))) }
func Exp32(f float32) float32   { return float32(math.Exp(float64(f))) }
func Floor32(f float32) float32 { return float32(math.Floor(float64(f))) }
func Ceil32(f float32) float32  { return float32(math.Ceil(float64(f))) }
func Tan32(f float32) float32   { return float32(math.Tan(float64(f))) }
func Atan32(f float32) float32  { return float32(math.Atan(float64(f))) }

func IsFinite32(f float32) bool {
	return !math.IsNaN(float64(f)) && !math.IsInf(float64(f), 0)
}

// AlignUp rounds n up to a multiple of alignment, which must be a power of
// two.
func AlignUp[T constraints.Integer](n, alignment T) T {
	return (n + alignment - 1) &^ (alignment - 1)
}

// DivCeil returns ⌈a/b⌉.
func DivCeil[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}

func Clamp[T constraints.Ordered](x, lo, hi T) T {
	return min(max(x, lo), hi)
}

func IsPowerOfTwo[T constraints.Integer](x T) bool {
	return x > 0 && x&(x-1) == 0
}

// BitsFor returns the number of bits needed to represent every value in
// [0, n).
func BitsFor[T constraints.Unsigned](n T) uint32 {
	var b uint32
	for v := n - 1; n > 1 && v > 0; v >>= 1 {
		b++
	}
	return b
}

type Vec3 [3]float32

func (v Vec3) Add(o Vec3) Vec3    { return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]} }
func (v Vec3) Sub(o Vec3) Vec3    { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }
func (v Vec3) Mul(f float32) Vec3 { return Vec3{v[0] * f, v[1] * f, v[2] * f} }
func (v Vec3) Dot(o Vec3) float32 { return v[0]*o[0] + v[1]*o[1] + v[2]*o[2] }
func (v Vec3) Length() float32    { return Sqrt32(v.Dot(v)) }
func (v Vec3) IsFinite() bool     { return IsFinite32(v[0]) && IsFinite32(v[1]) && IsFinite32(v[2]) }
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v[1]*o[2] - v[2]*o[1],
		v[2]*o[0] - v[0]*o[2],
		v[0]*o[1] - v[1]*o[0],
	}
}

// Normalize returns v scaled to unit length. The zero vector is returned
// unchanged.
func (v Vec3) Normalize() Vec3 {
	l := v.Length()
	if l == 0 {
		return v
	}
	return v.Mul(1 / l)
}

// Mat3 is a row-major 3×3 matrix.
type Mat3 [9]float32

func (m Mat3) At(row, col int) float32 { return m[row*3+col] }

func (m Mat3) Transpose() Mat3 {
	return Mat3{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}
}

func (m Mat3) Mul(o Mat3) Mat3 {
	var out Mat3
	for r := range 3 {
		for c := range 3 {
			out[r*3+c] = m[r*3]*o[c] + m[r*3+1]*o[3+c] + m[r*3+2]*o[6+c]
		}
	}
	return out
}

func (m Mat3) MulVec(v Vec3) Vec3 {
	return Vec3{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2],
		m[3]*v[0] + m[4]*v[1] + m[5]*v[2],
		m[6]*v[0] + m[7]*v[1] + m[8]*v[2],
	}
}

// QuatToMat3 returns the rotation matrix of the quaternion (w, x, y, z). The
// quaternion is normalized first; ok is false if it has zero length.
func QuatToMat3(q [4]float32) (m Mat3, ok bool) {
	n := Sqrt32(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if n == 0 || !IsFinite32(n) {
		return Mat3{}, false
	}
	w, x, y, z := q[0]/n, q[1]/n, q[2]/n, q[3]/n
	return Mat3{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}, true
}

// Mat4 is a column-major 4×4 matrix, the layout WGSL's mat4x4<f32> uses.
type Mat4 [16]float32

var Identity4 = Mat4{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 1, 0,
	0, 0, 0, 1,
}

func (m Mat4) At(row, col int) float32 { return m[col*4+row] }

func (m Mat4) Mul(o Mat4) Mat4 {
	var out Mat4
	for c := range 4 {
		for r := range 4 {
			var s float32
			for k := range 4 {
				s += m[k*4+r] * o[c*4+k]
			}
			out[c*4+r] = s
		}
	}
	return out
}

// MulPoint transforms the point (v, 1) and returns the homogeneous result.
func (m Mat4) MulPoint(v Vec3) [4]float32 {
	var out [4]float32
	for r := range 4 {
		out[r] = m[r]*v[0] + m[4+r]*v[1] + m[8+r]*v[2] + m[12+r]
	}
	return out
}

// Rotation returns the upper-left 3×3 block of m.
func (m Mat4) Rotation() Mat3 {
	return Mat3{
		m.At(0, 0), m.At(0, 1), m.At(0, 2),
		m.At(1, 0), m.At(1, 1), m.At(1, 2),
		m.At(2, 0), m.At(2, 1), m.At(2, 2),
	}
}

// LookAtLH builds a left-handed view matrix: +x right, +y up, +z towards
// target.
func LookAtLH(eye, target, up Vec3) Mat4 {
	f := target.Sub(eye).Normalize()
	s := up.Cross(f).Normalize()
	u := f.Cross(s)
	return Mat4{
		s[0], u[0], f[0], 0,
		s[1], u[1], f[1], 0,
		s[2], u[2], f[2], 0,
		-s.Dot(eye), -u.Dot(eye), -f.Dot(eye), 1,
	}
}

// PerspectiveLH maps view-space depth [near, far] to clip depth [0, 1].
func PerspectiveLH(tanHalfFovX, tanHalfFovY, near, far float32) Mat4 {
	return Mat4{
		1 / tanHalfFovX, 0, 0, 0,
		0, 1 / tanHalfFovY, 0, 0,
		0, 0, far / (far - near), 1,
		0, 0, -near * far / (far - near), 0,
	}
}
