// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package loaders

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"honnef.co/go/gsplat/jmath"
	"honnef.co/go/gsplat/renderer"
)

// CameraInfo is one entry of a cameras.json file.
type CameraInfo struct {
	ID      int    `json:"id"`
	ImgName string `json:"img_name"`
	Width   uint32 `json:"width"`
	Height  uint32 `json:"height"`
	// Position of the camera in world space.
	Position [3]float32 `json:"position"`
	// Rotation is the camera-to-world rotation, stored row by row. Its
	// columns are the camera's right, down and forward axes.
	Rotation [3][3]float32 `json:"rotation"`
	Fx       float32       `json:"fx"`
	Fy       float32       `json:"fy"`
}

func (ci *CameraInfo) column(i int) jmath.Vec3 {
	return jmath.Vec3{ci.Rotation[0][i], ci.Rotation[1][i], ci.Rotation[2][i]}
}

// CameraParams returns the positional camera parameters: eye, a target one
// unit in front of the camera, up and the focal lengths.
func (ci *CameraInfo) CameraParams() []float32 {
	eye := jmath.Vec3(ci.Position)
	target := eye.Add(ci.column(2))
	up := ci.column(1).Mul(-1)
	return []float32{
		eye[0], eye[1], eye[2],
		target[0], target[1], target[2],
		up[0], up[1], up[2],
		ci.Fx, ci.Fy,
	}
}

func (ci *CameraInfo) ScreenSize() [2]uint32 {
	return [2]uint32{ci.Width, ci.Height}
}

// ScaledTo returns the camera for an image of the given width, keeping the
// aspect ratio and scaling the focal lengths to match.
func (ci CameraInfo) ScaledTo(width uint32) CameraInfo {
	if ci.Width == 0 || width == ci.Width {
		return ci
	}
	f := float32(width) / float32(ci.Width)
	ci.Height = max(1, uint32(float32(ci.Height)*f+0.5))
	ci.Width = width
	ci.Fx *= f
	ci.Fy *= f
	return ci
}

func (ci *CameraInfo) validate() error {
	if ci.Width < 1 || ci.Height < 1 {
		return fmt.Errorf("camera %d: image size %dx%d", ci.ID, ci.Width, ci.Height)
	}
	if !(ci.Fx > 0 && ci.Fy > 0) {
		return fmt.Errorf("camera %d: focal lengths %g, %g", ci.ID, ci.Fx, ci.Fy)
	}
	if !jmath.Vec3(ci.Position).IsFinite() {
		return fmt.Errorf("camera %d: non-finite position", ci.ID)
	}
	for i := range 3 {
		if l := ci.column(i).Length(); jmath.Abs32(l-1) > 1e-3 {
			return fmt.Errorf("camera %d: rotation column %d has length %g", ci.ID, i, l)
		}
	}
	return nil
}

// ReadCameras reads a cameras.json list.
func ReadCameras(r io.Reader) ([]CameraInfo, error) {
	var cams []CameraInfo
	if err := json.NewDecoder(r).Decode(&cams); err != nil {
		return nil, fmt.Errorf("decoding cameras: %w", err)
	}
	for i := range cams {
		if err := cams[i].validate(); err != nil {
			return nil, fmt.Errorf("%w: %s", renderer.ErrInvalidConfig, err)
		}
	}
	return cams, nil
}

func LoadCameras(path string) ([]CameraInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cams, err := ReadCameras(f)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return cams, nil
}
