// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package gsplat renders 3D Gaussian-splat scenes.
//
// A Pipeline owns the buffers of one configuration and turns every call to
// Submit into a single recording: projection, tile-instance counting, key
// generation, an indirect radix sort, range extraction and tile
// rasterization. The host only synchronizes with the device when it waits
// for a Frame, which reads back the image and the instance counters and
// hands the image to a Presenter.
//
// Scenes that produce more tile instances than the configured capacity are
// still rendered, without the instances that didn't fit, and report an
// error wrapping renderer.ErrCapacityExceeded.
package gsplat
