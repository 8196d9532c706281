// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package gfx converts between the renderer's float pixels and the colors
// and images the rest of the world uses.
package gfx

import (
	"image"

	"honnef.co/go/color"
)

// Premul32 converts c to premultiplied linear sRGB. A nil color is
// transparent black.
func Premul32(c *color.Color) [4]float32 {
	if c == nil {
		return [4]float32{}
	}
	cc := c.Convert(color.LinearSRGB)
	r := cc.Values[0]
	g := cc.Values[1]
	b := cc.Values[2]
	a := cc.Alpha

	return [4]float32{
		float32(r * a),
		float32(g * a),
		float32(b * a),
		float32(a),
	}
}

func unorm8(f float32) uint8 {
	switch {
	case f <= 0 || f != f:
		return 0
	case f >= 1:
		return 255
	default:
		return uint8(f*255 + 0.5)
	}
}

// PackRGBA8 quantizes premultiplied float pixels into dst, which must hold
// 4 bytes per pixel.
func PackRGBA8(dst []byte, pixels [][4]float32) {
	for i, p := range pixels {
		d := dst[i*4 : i*4+4 : i*4+4]
		d[0] = unorm8(p[0])
		d[1] = unorm8(p[1])
		d[2] = unorm8(p[2])
		d[3] = unorm8(p[3])
	}
}

// ToRGBA returns the pixels as an image. The pixels are premultiplied, the
// same convention image.RGBA uses.
func ToRGBA(width, height int, pixels [][4]float32) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	PackRGBA8(img.Pix, pixels[:width*height])
	return img
}
