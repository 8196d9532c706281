// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package wgpu_engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"honnef.co/go/gsplat"
	"honnef.co/go/gsplat/engine/wgpu_engine"
	"honnef.co/go/gsplat/renderer"
)

var _ gsplat.Presenter = (*wgpu_engine.SurfacePresenter)(nil)

func TestPresentRejectsBadFrames(t *testing.T) {
	// None of these reach the device.
	var sp wgpu_engine.SurfacePresenter
	assert.Error(t, sp.Present(0, 10, nil))
	assert.Error(t, sp.Present(10, -1, nil))
	assert.Error(t, sp.Present(4, 4, make([]renderer.Pixel, 15)))
}
