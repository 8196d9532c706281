// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package loaders

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"honnef.co/go/gsplat/encoding"
)

var baseProps = []string{
	"x", "y", "z",
	"f_dc_0", "f_dc_1", "f_dc_2",
	"opacity",
	"scale_0", "scale_1", "scale_2",
	"rot_0", "rot_1", "rot_2", "rot_3",
}

func restProps(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("f_rest_%d", i)
	}
	return out
}

func plyHeader(format string, props []string, count int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ply\nformat %s 1.0\ncomment generated\nelement vertex %d\n", format, count)
	for _, p := range props {
		fmt.Fprintf(&sb, "property float %s\n", p)
	}
	sb.WriteString("end_header\n")
	return sb.String()
}

func binaryPLY(t *testing.T, order binary.ByteOrder, props []string, rows [][]float32) []byte {
	t.Helper()
	format := "binary_little_endian"
	if order == binary.BigEndian {
		format = "binary_big_endian"
	}
	var buf bytes.Buffer
	buf.WriteString(plyHeader(format, props, len(rows)))
	for _, row := range rows {
		require.Len(t, row, len(props))
		require.NoError(t, binary.Write(&buf, order, row))
	}
	return buf.Bytes()
}

func TestReadPLYASCII(t *testing.T) {
	data := plyHeader("ascii", baseProps, 2) +
		"1 2 3 0.1 0.2 0.3 0 0 0 0 2 0 0 0\n" +
		"-1 -2 -3 0 0 0 2 -1 0 1 0 0 0 3\n"
	scene, err := ReadPLY(strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, scene.Gaussians, 2)
	assert.Equal(t, uint32(0), scene.SHDegree)
	assert.Equal(t, []string{"generated"}, scene.Header.Comments)
	assert.Equal(t, ASCII, scene.Header.Format)

	g := scene.Gaussians[0]
	assert.Equal(t, [3]float32{1, 2, 3}, g.Mean)
	assert.Equal(t, [4]float32{0.1, 0.2, 0.3, 0}, g.SH[0])
	assert.Equal(t, float32(0.5), g.Opacity)
	assert.Equal(t, [3]float32{1, 1, 1}, g.Scale)
	assert.Equal(t, [4]float32{1, 0, 0, 0}, g.Rotation)

	g = scene.Gaussians[1]
	assert.InDelta(t, encoding.Sigmoid(2), g.Opacity, 1e-6)
	assert.InDelta(t, 0.36787944, g.Scale[0], 1e-6)
	assert.InDelta(t, 2.7182817, g.Scale[2], 1e-6)
	assert.Equal(t, [4]float32{0, 0, 0, 1}, g.Rotation)
}

func TestReadPLYBinary(t *testing.T) {
	props := append(append([]string{}, baseProps...), restProps(9)...)
	props = append(props, "nx")
	row := []float32{
		1, 2, 3,
		0.5, 0.6, 0.7,
		0,
		0, 0, 0,
		0, 0, 0, 2,
		10, 11, 12, 13, 14, 15, 16, 17, 18,
		42,
	}
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		t.Run(order.String(), func(t *testing.T) {
			scene, err := ReadPLY(bytes.NewReader(binaryPLY(t, order, props, [][]float32{row, row})))
			require.NoError(t, err)
			require.Len(t, scene.Gaussians, 2)
			assert.Equal(t, uint32(1), scene.SHDegree)

			g := scene.Gaussians[1]
			assert.Equal(t, [3]float32{1, 2, 3}, g.Mean)
			assert.Equal(t, [4]float32{0, 0, 0, 1}, g.Rotation)
			assert.Equal(t, [4]float32{0.5, 0.6, 0.7, 0}, g.SH[0])
			// Coefficients are stored per channel.
			assert.Equal(t, [4]float32{10, 13, 16, 0}, g.SH[1])
			assert.Equal(t, [4]float32{11, 14, 17, 0}, g.SH[2])
			assert.Equal(t, [4]float32{12, 15, 18, 0}, g.SH[3])
			assert.Equal(t, [4]float32{}, g.SH[4])
		})
	}
}

func TestReadPLYSkipsLeadingElements(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("ply\nformat binary_little_endian 1.0\n")
	buf.WriteString("element meta 2\nproperty uchar a\nproperty list uchar int idx\n")
	buf.WriteString("element vertex 1\n")
	for _, p := range baseProps {
		fmt.Fprintf(&buf, "property float %s\n", p)
	}
	buf.WriteString("element face 1\nproperty list uchar int vertex_indices\n")
	buf.WriteString("end_header\n")

	// meta: a=7, [1, 2] and a=8, []
	buf.Write([]byte{7, 2})
	binary.Write(&buf, binary.LittleEndian, []int32{1, 2})
	buf.Write([]byte{8, 0})
	binary.Write(&buf, binary.LittleEndian, []float32{4, 5, 6, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0})
	// The face element is never read.
	buf.WriteString("garbage")

	scene, err := ReadPLY(&buf)
	require.NoError(t, err)
	require.Len(t, scene.Gaussians, 1)
	assert.Equal(t, [3]float32{4, 5, 6}, scene.Gaussians[0].Mean)
	assert.Len(t, scene.Header.Elements, 3)
}

func TestReadPLYRGB(t *testing.T) {
	data := "ply\nformat ascii 1.0\nelement vertex 1\n" +
		"property float x\nproperty float y\nproperty float z\n" +
		"property uchar red\nproperty uchar green\nproperty uchar blue\n" +
		"property float opacity\n" +
		"property float scale_0\nproperty float scale_1\nproperty float scale_2\n" +
		"property float rot_0\nproperty float rot_1\nproperty float rot_2\nproperty float rot_3\n" +
		"end_header\n" +
		"0 0 0 255 0 51 0 0 0 0 1 0 0 0\n"
	scene, err := ReadPLY(strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, scene.Gaussians, 1)
	rgb := encoding.RGBFromSH(scene.Gaussians[0].SH[0])
	assert.InDelta(t, 1, rgb[0], 1e-6)
	assert.InDelta(t, 0, rgb[1], 1e-6)
	assert.InDelta(t, 0.2, rgb[2], 1e-6)
}

func TestReadPLYHeader(t *testing.T) {
	hdr, err := ReadPLYHeader(bufio.NewReader(strings.NewReader(
		"ply\r\nformat binary_little_endian 1.0\r\nobj_info scanner\r\n" +
			"element vertex 12\r\nproperty double x\r\nproperty list uint8 uint32 idx\r\n" +
			"end_header\r\nBODY")))
	require.NoError(t, err)
	assert.Equal(t, BinaryLittleEndian, hdr.Format)
	assert.Equal(t, "1.0", hdr.Version)
	assert.Equal(t, []string{"scanner"}, hdr.Comments)
	el := hdr.Element("vertex")
	require.NotNil(t, el)
	assert.Equal(t, 12, el.Count)
	assert.Equal(t, []PLYProperty{
		{Name: "x", Type: Float64},
		{Name: "idx", Type: Uint32, CountType: Uint8, IsList: true},
	}, el.Properties)
	assert.Equal(t, 1, el.Property("idx"))
	assert.Equal(t, -1, el.Property("y"))
	assert.Nil(t, hdr.Element("face"))
}

func TestReadPLYErrors(t *testing.T) {
	vertex := func(props ...string) string {
		var sb strings.Builder
		sb.WriteString("element vertex 1\n")
		for _, p := range props {
			fmt.Fprintf(&sb, "property float %s\n", p)
		}
		return sb.String()
	}
	tests := []struct {
		name string
		data string
	}{
		{"magic", "plx\nformat ascii 1.0\nend_header\n"},
		{"no end_header", "ply\nformat ascii 1.0\n"},
		{"no format", "ply\nelement vertex 0\nend_header\n"},
		{"unknown format", "ply\nformat binary_middle_endian 1.0\nend_header\n"},
		{"unknown keyword", "ply\nformat ascii 1.0\nfoo bar\nend_header\n"},
		{"property outside element", "ply\nformat ascii 1.0\nproperty float x\nend_header\n"},
		{"unknown type", "ply\nformat ascii 1.0\nelement vertex 1\nproperty quad x\nend_header\n"},
		{"float list count", "ply\nformat ascii 1.0\nelement vertex 1\nproperty list float int x\nend_header\n"},
		{"negative count", "ply\nformat ascii 1.0\nelement vertex -1\nend_header\n"},
		{"no vertex", "ply\nformat ascii 1.0\nelement face 0\nend_header\n"},
		{"missing opacity", "ply\nformat ascii 1.0\n" + vertex("x", "y", "z", "f_dc_0", "f_dc_1", "f_dc_2") + "end_header\n"},
		{"no color", "ply\nformat ascii 1.0\n" + vertex(
			"x", "y", "z", "opacity", "scale_0", "scale_1", "scale_2", "rot_0", "rot_1", "rot_2", "rot_3",
		) + "end_header\n"},
		{"partial f_rest", plyHeader("ascii", append(append([]string{}, baseProps...), restProps(5)...), 1)},
		{"huge binary count", plyHeader("binary_little_endian", baseProps, 100_000_000_000) + "tiny"},
		{"huge ascii count", plyHeader("ascii", baseProps, 100_000_000_000) + "1 2 3\n"},
		{"huge leading element", "ply\nformat binary_big_endian 1.0\nelement meta 1000000\nproperty list uchar int idx\n" +
			vertex(baseProps...) + "end_header\n" + strings.Repeat("\x00", 100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadPLY(strings.NewReader(tt.data))
			assert.ErrorIs(t, err, ErrInvalidPLY)
		})
	}
}

func TestReadPLYTruncated(t *testing.T) {
	data := binaryPLY(t, binary.LittleEndian, baseProps, [][]float32{make([]float32, len(baseProps))})
	_, err := ReadPLY(bytes.NewReader(data[:len(data)-3]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadPLY(strings.NewReader(plyHeader("ascii", baseProps, 1) + "1 2 3"))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadPLY(strings.NewReader(plyHeader("ascii", baseProps, 1) + "1 2 x"))
	assert.Error(t, err)
}

func TestReadPLYHugeCountUnknownSize(t *testing.T) {
	// Without a known size the count is only trusted as far as the body
	// goes.
	data := plyHeader("binary_little_endian", baseProps, 100_000_000_000) + "tiny"
	_, err := ReadPLY(io.MultiReader(strings.NewReader(data)))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestLoadPLYHugeCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scene.ply")
	data := binaryPLY(t, binary.LittleEndian, baseProps, [][]float32{make([]float32, len(baseProps))})
	data = bytes.Replace(data, []byte("element vertex 1\n"), []byte("element vertex 4611686018427387904\n"), 1)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	_, err := LoadPLY(path)
	assert.ErrorIs(t, err, ErrInvalidPLY)
}

func TestLoadPLY(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scene.ply")
	require.NoError(t, os.WriteFile(path, binaryPLY(t, binary.LittleEndian, baseProps, [][]float32{make([]float32, len(baseProps))}), 0o644))
	scene, err := LoadPLY(path)
	require.NoError(t, err)
	assert.Len(t, scene.Gaussians, 1)

	bad := filepath.Join(dir, "bad.ply")
	require.NoError(t, os.WriteFile(bad, []byte("not a ply"), 0o644))
	_, err = LoadPLY(bad)
	assert.ErrorIs(t, err, ErrInvalidPLY)
	assert.Contains(t, err.Error(), bad)

	_, err = LoadPLY(filepath.Join(dir, "missing.ply"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
