// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package gsplat

import (
	"image"
	"slices"
	"sync"

	"honnef.co/go/gsplat/gfx"
	"honnef.co/go/gsplat/renderer"
)

// Presenter is the final consumer of a frame. pixels holds width×height
// premultiplied RGBA values in row-major order and is only valid for the
// duration of the call.
type Presenter interface {
	Present(width, height int, pixels []renderer.Pixel) error
}

// ImagePresenter keeps the last presented frame in memory.
type ImagePresenter struct {
	mu     sync.Mutex
	img    *image.RGBA
	pixels []renderer.Pixel
}

func NewImagePresenter() *ImagePresenter {
	return &ImagePresenter{}
}

func (ip *ImagePresenter) Present(width, height int, pixels []renderer.Pixel) error {
	img := gfx.ToRGBA(width, height, pixels)
	ip.mu.Lock()
	defer ip.mu.Unlock()
	ip.img = img
	ip.pixels = slices.Clone(pixels[:width*height])
	return nil
}

// Image returns the last frame quantized to 8 bits per channel, or nil.
func (ip *ImagePresenter) Image() *image.RGBA {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return ip.img
}

// Pixels returns the last frame at full precision, or nil.
func (ip *ImagePresenter) Pixels() []renderer.Pixel {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return ip.pixels
}

// PresenterFunc adapts a function to the Presenter interface.
type PresenterFunc func(width, height int, pixels []renderer.Pixel) error

func (fn PresenterFunc) Present(width, height int, pixels []renderer.Pixel) error {
	return fn(width, height, pixels)
}
