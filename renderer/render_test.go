// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package renderer

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testShaders = FullShaders{
	Preprocess:      0,
	PrefixSumReduce: 1,
	PrefixSumScan:   2,
	PrefixSumFinish: 3,
	CopyKeyValue:    4,
	SortSetup:       5,
	SortHistogram:   6,
	SortScan:        7,
	SortScatter:     8,
	RangeClear:      9,
	RangeBoundary:   10,
	Rasterize:       11,
}

func newTestRenderer(t *testing.T, width, height uint32) *Renderer {
	t.Helper()
	shaders := testShaders
	rd, err := New(DefaultConfig(width, height), &shaders)
	require.NoError(t, err)
	return rd
}

func testCamera(t *testing.T, width, height uint32) *Camera {
	t.Helper()
	cam, err := CameraFromParams(forwardParams(20), [2]uint32{width, height}, 0.01, 1000)
	require.NoError(t, err)
	return &cam
}

func shaderSequence(rec *Recording) []ShaderID {
	var out []ShaderID
	for _, cmd := range rec.Commands {
		switch cmd := cmd.(type) {
		case *Dispatch:
			out = append(out, cmd.Shader)
		case *DispatchIndirect:
			out = append(out, cmd.Shader)
		}
	}
	return out
}

func countCommands[T Command](rec *Recording) int {
	n := 0
	for _, cmd := range rec.Commands {
		if _, ok := cmd.(T); ok {
			n++
		}
	}
	return n
}

func findDispatch(rec *Recording, shader ShaderID) *Dispatch {
	for _, cmd := range rec.Commands {
		if d, ok := cmd.(*Dispatch); ok && d.Shader == shader {
			return d
		}
	}
	return nil
}

func TestRecordFrameOrder(t *testing.T) {
	rd := newTestRenderer(t, 23, 23)
	gaussians := make([]Gaussian, 3)

	var rec Recording
	out, err := rd.RecordFrame(&rec, gaussians, testCamera(t, 23, 23), nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(23), out.Width)
	assert.Equal(t, uint32(23), out.Height)

	want := []ShaderID{0, 1, 2, 3, 4, 5}
	for range rd.cfg.SortPasses() {
		want = append(want, 6, 7, 8)
	}
	want = append(want, 9, 10, 11)
	assert.Equal(t, want, shaderSequence(&rec))

	// The pixels and the counters are the last thing in the recording.
	n := len(rec.Commands)
	require.IsType(t, &Download{}, rec.Commands[n-2])
	require.IsType(t, &Download{}, rec.Commands[n-1])
	assert.Equal(t, out.Counters, rec.Commands[n-2].(*Download).Buffer)
	assert.Equal(t, out.Pixels, rec.Commands[n-1].(*Download).Buffer)
	assert.Equal(t, uint64(23*23*unsafe.Sizeof(Pixel{})), out.Pixels.Size)

	assert.Equal(t, 1, countCommands[*Upload](&rec))
	// One uniform per sort pass plus the frame's configuration.
	assert.Equal(t, int(rd.cfg.SortPasses())+1, countCommands[*UploadUniform](&rec))
	for _, cmd := range rec.Commands {
		if up, ok := cmd.(*Upload); ok {
			assert.Len(t, up.Data, 3*int(unsafe.Sizeof(Gaussian{})))
		}
	}
}

func TestRecordFrameSortOutput(t *testing.T) {
	// 23×23 sorts in an odd number of passes, 1920×1080 in an even number.
	// The rasterizer must read whichever buffer the last pass wrote.
	for _, tt := range []struct {
		width, height uint32
		keys          string
	}{
		{23, 23, "sorted keys"},
		{1920, 1080, "keys"},
	} {
		rd := newTestRenderer(t, tt.width, tt.height)
		var rec Recording
		_, err := rd.RecordFrame(&rec, nil, testCamera(t, tt.width, tt.height), nil)
		require.NoError(t, err)
		raster := findDispatch(&rec, testShaders.Rasterize)
		require.NotNil(t, raster)
		assert.Equal(t, tt.keys, raster.Bindings[2].Name)
	}
}

func TestRecordFrameUploadsSceneEveryFrame(t *testing.T) {
	rd := newTestRenderer(t, 23, 23)
	cam := testCamera(t, 23, 23)
	gaussians := make([]Gaussian, 10)

	var rec Recording
	_, err := rd.RecordFrame(&rec, gaussians, cam, nil)
	require.NoError(t, err)

	// The same slice again, as a caller would pass it after editing it in
	// place.
	for _, gs := range [][]Gaussian{gaussians, gaussians, gaussians[:5]} {
		rec = Recording{}
		_, err = rd.RecordFrame(&rec, gs, cam, nil)
		require.NoError(t, err)
		require.Equal(t, 1, countCommands[*Upload](&rec))
		assert.Equal(t, 1, countCommands[*UploadUniform](&rec))
		assert.Equal(t, 0, countCommands[*FreeBuffer](&rec))
		for _, cmd := range rec.Commands {
			if up, ok := cmd.(*Upload); ok {
				assert.Len(t, up.Data, len(gs)*int(unsafe.Sizeof(Gaussian{})))
			}
		}
	}

	rec = Recording{}
	_, err = rd.RecordFrame(&rec, nil, cam, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, countCommands[*Upload](&rec))
}

func TestRecordFrameCameraMismatch(t *testing.T) {
	rd := newTestRenderer(t, 23, 23)
	var rec Recording
	_, err := rd.RecordFrame(&rec, nil, testCamera(t, 24, 23), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Empty(t, rec.Commands)
}

func TestResizeFreesBuffers(t *testing.T) {
	rd := newTestRenderer(t, 23, 23)
	var rec Recording
	_, err := rd.RecordFrame(&rec, make([]Gaussian, 1), testCamera(t, 23, 23), nil)
	require.NoError(t, err)
	old := rd.allBuffers()

	require.NoError(t, rd.Resize(23, 23))
	assert.Empty(t, rd.pendingFree)

	require.NoError(t, rd.Resize(32, 32))
	rec = Recording{}
	_, err = rd.RecordFrame(&rec, make([]Gaussian, 1), testCamera(t, 32, 32), nil)
	require.NoError(t, err)

	var freed []BufferProxy
	for _, cmd := range rec.Commands {
		if f, ok := cmd.(*FreeBuffer); ok {
			freed = append(freed, f.Buffer)
		}
	}
	assert.ElementsMatch(t, old, freed)
	// The new buffers need their static data again.
	assert.Equal(t, int(rd.cfg.SortPasses())+1, countCommands[*UploadUniform](&rec))
	assert.Equal(t, 1, countCommands[*Upload](&rec))

	assert.ErrorIs(t, rd.Resize(0, 32), ErrInvalidConfig)
}

func TestGrowGaussians(t *testing.T) {
	rd := newTestRenderer(t, 23, 23)
	cam := testCamera(t, 23, 23)

	var rec Recording
	_, err := rd.RecordFrame(&rec, make([]Gaussian, 1000), cam, nil)
	require.NoError(t, err)
	counters := rd.bucketCounter.counters
	gaussianBuf := rd.projector.gaussians
	assert.Equal(t, uint32(1024), rd.gaussianCap)

	rec = Recording{}
	_, err = rd.RecordFrame(&rec, make([]Gaussian, 2000), cam, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(2048), rd.gaussianCap)
	assert.Equal(t, 5, countCommands[*FreeBuffer](&rec))
	assert.NotEqual(t, gaussianBuf.ID, rd.projector.gaussians.ID)
	assert.Equal(t, counters, rd.bucketCounter.counters)

	// Shrinking keeps the larger buffers.
	rec = Recording{}
	_, err = rd.RecordFrame(&rec, make([]Gaussian, 10), cam, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(2048), rd.gaussianCap)
	assert.Equal(t, 0, countCommands[*FreeBuffer](&rec))
}

func TestUploadLargerThanBuffer(t *testing.T) {
	var rec Recording
	buf := NewBufferProxy(4, "small")
	assert.Panics(t, func() { rec.Upload(buf, make([]byte, 5)) })
	assert.NotPanics(t, func() { rec.Upload(buf, make([]byte, 4)) })
}
