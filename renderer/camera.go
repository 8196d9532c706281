// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package renderer

import (
	"fmt"
	"math"

	"honnef.co/go/curve"
	"honnef.co/go/gsplat/jmath"
)

// NumCameraParams is the length of the positional camera parameter list:
// eye (3), target (3), up (3), focal x, focal y.
const NumCameraParams = 11

// Camera is a pinhole camera. Image x grows to the right of the view
// direction and image y grows against Up.
type Camera struct {
	Eye    jmath.Vec3
	Target jmath.Vec3
	Up     jmath.Vec3
	// Focal lengths in pixels.
	Focal curve.Vec2
	// Screen size in pixels.
	Width  uint32
	Height uint32
	Near   float32
	Far    float32
}

// CameraFromParams parses the positional camera parameters for a screen of
// the given size. Additional trailing parameters are ignored.
func CameraFromParams(params []float32, screenSize [2]uint32, near, far float32) (Camera, error) {
	if len(params) < NumCameraParams {
		return Camera{}, fmt.Errorf("%w: %d camera parameters, need %d", ErrInvalidConfig, len(params), NumCameraParams)
	}
	cam := Camera{
		Eye:    jmath.Vec3(params[0:3]),
		Target: jmath.Vec3(params[3:6]),
		Up:     jmath.Vec3(params[6:9]),
		Focal:  curve.Vec(float64(params[9]), float64(params[10])),
		Width:  screenSize[0],
		Height: screenSize[1],
		Near:   near,
		Far:    far,
	}
	if err := cam.Validate(); err != nil {
		return Camera{}, err
	}
	return cam, nil
}

func (cam *Camera) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: camera: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if cam.Width < 1 || cam.Height < 1 {
		return invalid("screen size %dx%d", cam.Width, cam.Height)
	}
	if !cam.Eye.IsFinite() || !cam.Target.IsFinite() || !cam.Up.IsFinite() {
		return invalid("non-finite eye, target or up")
	}
	dir := cam.Target.Sub(cam.Eye)
	if dir.Length() == 0 {
		return invalid("eye and target coincide")
	}
	if dir.Normalize().Cross(cam.Up.Normalize()).Length() < 1e-6 {
		return invalid("up %v is parallel to the view direction", cam.Up)
	}
	if !(cam.Focal.X > 0 && cam.Focal.Y > 0) || math.IsInf(cam.Focal.X, 0) || math.IsInf(cam.Focal.Y, 0) {
		return invalid("focal lengths %v", cam.Focal)
	}
	return nil
}

// Fov returns the horizontal and vertical field of view in radians.
func (cam *Camera) Fov() curve.Vec2 {
	return curve.Vec(
		2*math.Atan(float64(cam.Width)/(2*cam.Focal.X)),
		2*math.Atan(float64(cam.Height)/(2*cam.Focal.Y)),
	)
}

// TanHalfFov returns tan(fov/2). It equals size / (2·focal).
func (cam *Camera) TanHalfFov() curve.Vec2 {
	fov := cam.Fov()
	return curve.Vec(math.Tan(fov.X/2), math.Tan(fov.Y/2))
}

func (cam *Camera) View() jmath.Mat4 {
	return jmath.LookAtLH(cam.Eye, cam.Target, cam.Up)
}

func (cam *Camera) Projection() jmath.Mat4 {
	t := cam.TanHalfFov()
	return jmath.PerspectiveLH(float32(t.X), float32(t.Y), cam.Near, cam.Far)
}

func (cam *Camera) ViewProj() jmath.Mat4 {
	return cam.Projection().Mul(cam.View())
}
