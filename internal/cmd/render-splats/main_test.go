// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/image/bmp"

	"honnef.co/go/gsplat/engine/cpu_engine"
	"honnef.co/go/gsplat/internal/config"
	"honnef.co/go/gsplat/loaders"
	"honnef.co/go/gsplat/renderer"
)

func TestIndexedPath(t *testing.T) {
	assert.Equal(t, "out_000.png", indexedPath("out.png", 0))
	assert.Equal(t, "dir/out_012.jpg", indexedPath("dir/out.jpg", 12))
	assert.Equal(t, "out_preview.png", indexedPath("out.png", -1))
	assert.Equal(t, "out_003", indexedPath("out", 3))
	assert.Equal(t, pipeName, indexedPath(pipeName, 3))
}

func TestEncodeImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	for _, ext := range []string{".png", ".PNG", ".jpg", ".bmp", ""} {
		var buf bytes.Buffer
		require.NoError(t, encodeImage(&buf, ext, img, 90), ext)
		var decoded image.Image
		var err error
		if strings.EqualFold(ext, ".bmp") {
			decoded, err = bmp.Decode(&buf)
		} else {
			decoded, err = imaging.Decode(&buf)
		}
		require.NoError(t, err, ext)
		assert.Equal(t, img.Bounds(), decoded.Bounds(), ext)
	}
	assert.Error(t, encodeImage(&bytes.Buffer{}, ".xyz", img, 90))
}

func TestPrintProfile(t *testing.T) {
	start := time.Unix(0, 0)
	results := []cpu_engine.ProfilerResult{{
		Tag:      4,
		CPUStart: start,
		CPUEnd:   start.Add(3 * time.Millisecond),
		Children: []cpu_engine.ProfilerResult{{
			Label:    "RecordFrame",
			CPUStart: start,
			CPUEnd:   start.Add(time.Millisecond),
		}},
		Passes: []cpu_engine.ProfilerPassResult{{Label: "rasterize", Start: start, End: start.Add(2 * time.Millisecond)}},
	}}
	var buf bytes.Buffer
	printProfile(&buf, results)
	out := buf.String()
	assert.Contains(t, out, "frame 4: 3ms\n")
	assert.Contains(t, out, "rasterize")
	assert.Contains(t, out, "  RecordFrame: 1ms\n")
}

// writeScene writes a binary PLY with one Gaussian per mean.
func writeScene(t *testing.T, path string, means [][3]float32) {
	t.Helper()
	props := []string{
		"x", "y", "z", "f_dc_0", "f_dc_1", "f_dc_2", "opacity",
		"scale_0", "scale_1", "scale_2", "rot_0", "rot_1", "rot_2", "rot_3",
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "ply\nformat binary_little_endian 1.0\nelement vertex %d\n", len(means))
	for _, p := range props {
		fmt.Fprintf(&buf, "property float %s\n", p)
	}
	buf.WriteString("end_header\n")
	for _, m := range means {
		// Bright, opaque and fairly large.
		row := []float32{m[0], m[1], m[2], 1.5, 1.5, 1.5, 5, -1.5, -1.5, -1.5, 1, 0, 0, 0}
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, row))
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Input.Scene = filepath.Join(dir, "scene.ply")
	cfg.Output.Path = filepath.Join(dir, "out.png")
	cfg.Render.Workers = 2
	writeScene(t, cfg.Input.Scene, [][3]float32{{-1, 0, 0}, {1, 0, 0}, {0, 1, 0.5}})
	return cfg
}

func TestRunFramesScene(t *testing.T) {
	cfg := testConfig(t)
	cfg.Render.Width, cfg.Render.Height = 64, 48
	cfg.Output.Preview = 16
	overflowed, err := run(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, overflowed)

	img, err := imaging.Open(cfg.Output.Path)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())
	// The scene is in view.
	covered := 0
	for y := range 48 {
		for x := range 64 {
			if _, _, _, a := img.At(x, y).RGBA(); a > 0 {
				covered++
			}
		}
	}
	assert.Greater(t, covered, 10)

	preview, err := imaging.Open(indexedPath(cfg.Output.Path, -1))
	require.NoError(t, err)
	assert.Equal(t, 16, preview.Bounds().Dx())
	assert.Equal(t, 12, preview.Bounds().Dy())
}

const testCameras = `[
	{"id": 0, "img_name": "front", "width": 40, "height": 30,
	 "position": [0, 0, -6], "rotation": [[1, 0, 0], [0, 1, 0], [0, 0, 1]], "fx": 40, "fy": 40},
	{"id": 1, "img_name": "back", "width": 40, "height": 30,
	 "position": [0, 0, 6], "rotation": [[-1, 0, 0], [0, 1, 0], [0, 0, -1]], "fx": 40, "fy": 40}
]`

func TestRunCameras(t *testing.T) {
	cfg := testConfig(t)
	cfg.Input.Cameras = filepath.Join(filepath.Dir(cfg.Input.Scene), "cameras.json")
	require.NoError(t, os.WriteFile(cfg.Input.Cameras, []byte(testCameras), 0o644))
	cfg.Input.Camera = -1

	_, err := run(cfg, zap.NewNop())
	require.NoError(t, err)
	for i := range 2 {
		img, err := imaging.Open(indexedPath(cfg.Output.Path, i))
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 40, 30), img.Bounds())
	}
}

func TestRunOverflow(t *testing.T) {
	cfg := testConfig(t)
	cfg.Render.Width, cfg.Render.Height = 64, 48
	cfg.Render.Capacity = 1
	overflowed, err := run(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, overflowed)
	_, err = os.Stat(cfg.Output.Path)
	assert.NoError(t, err)
}

func TestCollectViews(t *testing.T) {
	cfg := testConfig(t)
	scene, err := loaders.LoadPLY(cfg.Input.Scene)
	require.NoError(t, err)

	views, err := collectViews(cfg, scene)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, [2]uint32{1280, 720}, views[0].size)
	assert.Len(t, views[0].params, renderer.NumCameraParams)

	cfg.Input.Cameras = filepath.Join(t.TempDir(), "cameras.json")
	require.NoError(t, os.WriteFile(cfg.Input.Cameras, []byte(testCameras), 0o644))

	cfg.Input.Camera = 1
	views, err = collectViews(cfg, scene)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "back", views[0].name)

	cfg.Input.Camera = 2
	_, err = collectViews(cfg, scene)
	assert.Error(t, err)

	cfg.Input.Camera = -1
	cfg.Render.Width = 80
	views, err = collectViews(cfg, scene)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, [2]uint32{80, 60}, views[1].size)
}
