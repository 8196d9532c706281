// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package loaders reads scenes and cameras in the formats produced by 3D
// Gaussian splatting training.
package loaders

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"honnef.co/go/gsplat/encoding"
	"honnef.co/go/gsplat/jmath"
	"honnef.co/go/gsplat/renderer"
)

var ErrInvalidPLY = errors.New("invalid PLY file")

type PLYFormat int

const (
	ASCII PLYFormat = iota + 1
	BinaryLittleEndian
	BinaryBigEndian
)

type PLYType int

const (
	Int8 PLYType = iota + 1
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Float32
	Float64
)

var plyTypes = map[string]PLYType{
	"char":    Int8,
	"int8":    Int8,
	"uchar":   Uint8,
	"uint8":   Uint8,
	"short":   Int16,
	"int16":   Int16,
	"ushort":  Uint16,
	"uint16":  Uint16,
	"int":     Int32,
	"int32":   Int32,
	"uint":    Uint32,
	"uint32":  Uint32,
	"float":   Float32,
	"float32": Float32,
	"double":  Float64,
	"float64": Float64,
}

func (typ PLYType) Size() int {
	switch typ {
	case Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Float64:
		return 8
	default:
		panic(fmt.Sprintf("unhandled value %d", typ))
	}
}

type PLYProperty struct {
	Name string
	Type PLYType
	// For list properties, the type of the count. Type is the type of the
	// items.
	CountType PLYType
	IsList    bool
}

type PLYElement struct {
	Name       string
	Count      int
	Properties []PLYProperty
}

func (el *PLYElement) Property(name string) int {
	for i, p := range el.Properties {
		if p.Name == name {
			return i
		}
	}
	return -1
}

type PLYHeader struct {
	Format   PLYFormat
	Version  string
	Comments []string
	Elements []PLYElement
}

// Element returns the element called name, or nil.
func (hdr *PLYHeader) Element(name string) *PLYElement {
	for i := range hdr.Elements {
		if hdr.Elements[i].Name == name {
			return &hdr.Elements[i]
		}
	}
	return nil
}

// ReadPLYHeader reads the header up to and including the end_header line.
// r is left at the first byte of the body.
func ReadPLYHeader(r *bufio.Reader) (*PLYHeader, error) {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidPLY, fmt.Sprintf(format, args...))
	}

	hdr := &PLYHeader{}
	for lineNo := 1; ; lineNo++ {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil, invalid("missing end_header")
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		fields := strings.Fields(line)
		if lineNo == 1 {
			if line != "ply" {
				return nil, invalid("missing magic number")
			}
			continue
		}
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "format":
			if len(fields) != 3 {
				return nil, invalid("line %d: malformed format", lineNo)
			}
			switch fields[1] {
			case "ascii":
				hdr.Format = ASCII
			case "binary_little_endian":
				hdr.Format = BinaryLittleEndian
			case "binary_big_endian":
				hdr.Format = BinaryBigEndian
			default:
				return nil, invalid("line %d: unknown format %q", lineNo, fields[1])
			}
			hdr.Version = fields[2]
		case "comment", "obj_info":
			hdr.Comments = append(hdr.Comments, strings.TrimSpace(strings.TrimPrefix(line, fields[0])))
		case "element":
			if len(fields) != 3 {
				return nil, invalid("line %d: malformed element", lineNo)
			}
			count, err := strconv.Atoi(fields[2])
			if err != nil || count < 0 {
				return nil, invalid("line %d: element count %q", lineNo, fields[2])
			}
			hdr.Elements = append(hdr.Elements, PLYElement{Name: fields[1], Count: count})
		case "property":
			if len(hdr.Elements) == 0 {
				return nil, invalid("line %d: property outside of element", lineNo)
			}
			prop, err := parsePLYProperty(fields[1:])
			if err != nil {
				return nil, invalid("line %d: %s", lineNo, err)
			}
			el := &hdr.Elements[len(hdr.Elements)-1]
			el.Properties = append(el.Properties, prop)
		case "end_header":
			if hdr.Format == 0 {
				return nil, invalid("missing format")
			}
			return hdr, nil
		default:
			return nil, invalid("line %d: unknown keyword %q", lineNo, fields[0])
		}
	}
}

func parsePLYProperty(fields []string) (PLYProperty, error) {
	typeOf := func(s string) (PLYType, error) {
		typ, ok := plyTypes[s]
		if !ok {
			return 0, fmt.Errorf("unknown type %q", s)
		}
		return typ, nil
	}

	if len(fields) == 4 && fields[0] == "list" {
		countType, err := typeOf(fields[1])
		if err != nil {
			return PLYProperty{}, err
		}
		if countType == Float32 || countType == Float64 {
			return PLYProperty{}, fmt.Errorf("list count of type %q", fields[1])
		}
		typ, err := typeOf(fields[2])
		if err != nil {
			return PLYProperty{}, err
		}
		return PLYProperty{Name: fields[3], Type: typ, CountType: countType, IsList: true}, nil
	}
	if len(fields) != 2 {
		return PLYProperty{}, errors.New("malformed property")
	}
	typ, err := typeOf(fields[0])
	if err != nil {
		return PLYProperty{}, err
	}
	return PLYProperty{Name: fields[1], Type: typ}, nil
}

// valueReader reads the body one scalar at a time.
type valueReader interface {
	read(typ PLYType) (float64, error)
}

type binaryReader struct {
	r     io.Reader
	order binary.ByteOrder
	buf   [8]byte
}

func (br *binaryReader) read(typ PLYType) (float64, error) {
	b := br.buf[:typ.Size()]
	if _, err := io.ReadFull(br.r, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	switch typ {
	case Int8:
		return float64(int8(b[0])), nil
	case Uint8:
		return float64(b[0]), nil
	case Int16:
		return float64(int16(br.order.Uint16(b))), nil
	case Uint16:
		return float64(br.order.Uint16(b)), nil
	case Int32:
		return float64(int32(br.order.Uint32(b))), nil
	case Uint32:
		return float64(br.order.Uint32(b)), nil
	case Float32:
		return float64(math.Float32frombits(br.order.Uint32(b))), nil
	case Float64:
		return math.Float64frombits(br.order.Uint64(b)), nil
	default:
		panic(fmt.Sprintf("unhandled value %d", typ))
	}
}

type asciiReader struct {
	s *bufio.Scanner
}

func newASCIIReader(r io.Reader) *asciiReader {
	s := bufio.NewScanner(r)
	s.Split(bufio.ScanWords)
	return &asciiReader{s: s}
}

func (ar *asciiReader) read(typ PLYType) (float64, error) {
	if !ar.s.Scan() {
		if err := ar.s.Err(); err != nil {
			return 0, err
		}
		return 0, io.ErrUnexpectedEOF
	}
	tok := ar.s.Text()
	switch typ {
	case Float32, Float64:
		return strconv.ParseFloat(tok, 64)
	default:
		v, err := strconv.ParseInt(tok, 10, 64)
		return float64(v), err
	}
}

// readElement reads all rows of el, calling fn with the scalar properties
// of each row. Values of list properties are skipped, and their slot in
// row is left at zero.
func readElement(vr valueReader, el *PLYElement, fn func(row []float64)) error {
	row := make([]float64, len(el.Properties))
	for i := range el.Count {
		for j, p := range el.Properties {
			if !p.IsList {
				v, err := vr.read(p.Type)
				if err != nil {
					return fmt.Errorf("element %s %d, property %s: %w", el.Name, i, p.Name, err)
				}
				row[j] = v
				continue
			}
			n, err := vr.read(p.CountType)
			if err != nil {
				return fmt.Errorf("element %s %d, property %s: %w", el.Name, i, p.Name, err)
			}
			if n < 0 {
				return fmt.Errorf("%w: element %s %d, property %s: negative list length", ErrInvalidPLY, el.Name, i, p.Name)
			}
			for range int(n) {
				if _, err := vr.read(p.Type); err != nil {
					return fmt.Errorf("element %s %d, property %s: %w", el.Name, i, p.Name, err)
				}
			}
			row[j] = 0
		}
		if fn != nil {
			fn(row)
		}
	}
	return nil
}

// Scene is a loaded splat scene.
type Scene struct {
	Gaussians []renderer.Gaussian
	// SHDegree is the spherical-harmonics degree stored in the file, or 0
	// for plain colors.
	SHDegree uint32
	Header   *PLYHeader
}

// vertexLayout maps Gaussian attributes to property indices.
type vertexLayout struct {
	pos      [3]int
	opacity  int
	scale    [3]int
	rot      [4]int
	dc       [3]int
	rest     []int
	rgb      [3]int
	rgbScale float64
	degree   uint32
}

func newVertexLayout(el *PLYElement) (*vertexLayout, error) {
	missing := func(name string) error {
		return fmt.Errorf("%w: vertex property %s missing", ErrInvalidPLY, name)
	}
	require := func(names ...string) ([]int, error) {
		out := make([]int, len(names))
		for i, name := range names {
			idx := el.Property(name)
			if idx == -1 {
				return nil, missing(name)
			}
			if el.Properties[idx].IsList {
				return nil, fmt.Errorf("%w: vertex property %s is a list", ErrInvalidPLY, name)
			}
			out[i] = idx
		}
		return out, nil
	}

	var l vertexLayout
	idx, err := require("x", "y", "z")
	if err != nil {
		return nil, err
	}
	copy(l.pos[:], idx)
	if idx, err = require("opacity"); err != nil {
		return nil, err
	}
	l.opacity = idx[0]
	if idx, err = require("scale_0", "scale_1", "scale_2"); err != nil {
		return nil, err
	}
	copy(l.scale[:], idx)
	if idx, err = require("rot_0", "rot_1", "rot_2", "rot_3"); err != nil {
		return nil, err
	}
	copy(l.rot[:], idx)

	if el.Property("f_dc_0") != -1 {
		if idx, err = require("f_dc_0", "f_dc_1", "f_dc_2"); err != nil {
			return nil, err
		}
		copy(l.dc[:], idx)
		for i := 0; ; i++ {
			j := el.Property("f_rest_" + strconv.Itoa(i))
			if j == -1 {
				break
			}
			l.rest = append(l.rest, j)
		}
		switch len(l.rest) {
		case 0:
			l.degree = 0
		case 9:
			l.degree = 1
		case 24:
			l.degree = 2
		case 45:
			l.degree = 3
		default:
			return nil, fmt.Errorf("%w: %d f_rest properties don't make a spherical-harmonics degree", ErrInvalidPLY, len(l.rest))
		}
		return &l, nil
	}

	l.dc = [3]int{-1, -1, -1}
	if idx, err = require("red", "green", "blue"); err != nil {
		return nil, fmt.Errorf("%w: neither f_dc nor red/green/blue present", ErrInvalidPLY)
	}
	copy(l.rgb[:], idx)
	switch el.Properties[idx[0]].Type {
	case Float32, Float64:
		l.rgbScale = 1
	case Uint8:
		l.rgbScale = 1.0 / 255
	case Uint16:
		l.rgbScale = 1.0 / 65535
	default:
		return nil, fmt.Errorf("%w: color of type %d", ErrInvalidPLY, el.Properties[idx[0]].Type)
	}
	return &l, nil
}

// gaussian converts one vertex row, applying the activations of the
// training format: scales are stored as logarithms and opacity as a logit.
func (l *vertexLayout) gaussian(row []float64) renderer.Gaussian {
	var g renderer.Gaussian
	for i := range 3 {
		g.Mean[i] = float32(row[l.pos[i]])
		g.Scale[i] = jmath.Exp32(float32(row[l.scale[i]]))
	}
	g.Opacity = encoding.Sigmoid(float32(row[l.opacity]))

	var q [4]float64
	var norm float64
	for i := range 4 {
		q[i] = row[l.rot[i]]
		norm += q[i] * q[i]
	}
	norm = math.Sqrt(norm)
	for i := range 4 {
		if norm > 0 {
			g.Rotation[i] = float32(q[i] / norm)
		}
	}

	if l.dc[0] == -1 {
		g.SH[0] = encoding.SHFromRGB([3]float32{
			float32(row[l.rgb[0]] * l.rgbScale),
			float32(row[l.rgb[1]] * l.rgbScale),
			float32(row[l.rgb[2]] * l.rgbScale),
		})
		return g
	}
	for c := range 3 {
		g.SH[0][c] = float32(row[l.dc[c]])
	}
	// f_rest is stored channel by channel: all red coefficients, then all
	// green, then all blue.
	perChannel := len(l.rest) / 3
	for c := range 3 {
		for k := range perChannel {
			g.SH[1+k][c] = float32(row[l.rest[c*perChannel+k]])
		}
	}
	return g
}

// maxPrealloc bounds the number of Gaussians allocated before any vertex
// has been read.
const maxPrealloc = 1 << 20

// minRowSize returns the smallest number of bytes a row of el can occupy in
// the body.
func (el *PLYElement) minRowSize(format PLYFormat) int64 {
	if format == ASCII {
		// Every value is at least one digit and one separator.
		return 2 * int64(len(el.Properties))
	}
	var n int64
	for _, p := range el.Properties {
		if p.IsList {
			n += int64(p.CountType.Size())
		} else {
			n += int64(p.Type.Size())
		}
	}
	return n
}

// checkBodySize rejects bodies too short to hold the elements up to and
// including vertex.
func checkBodySize(hdr *PLYHeader, vertex *PLYElement, body int64) error {
	if hdr.Format == ASCII {
		// The last value needs no separator.
		body++
	}
	for i := range hdr.Elements {
		el := &hdr.Elements[i]
		row := el.minRowSize(hdr.Format)
		if row > 0 && int64(el.Count) > body/row {
			return fmt.Errorf("%w: %d %s rows need at least %d bytes, body has %d: %w",
				ErrInvalidPLY, el.Count, el.Name, row, body, io.ErrUnexpectedEOF)
		}
		body -= int64(el.Count) * row
		if el == vertex {
			break
		}
	}
	return nil
}

// remaining returns the number of unread bytes in r, or -1 if it can't be
// known without reading.
func remaining(r io.Reader) int64 {
	switch r := r.(type) {
	case interface{ Len() int }:
		return int64(r.Len())
	case *os.File:
		fi, err := r.Stat()
		if err != nil || !fi.Mode().IsRegular() {
			return -1
		}
		pos, err := r.Seek(0, io.SeekCurrent)
		if err != nil {
			return -1
		}
		return fi.Size() - pos
	}
	return -1
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(b []byte) (int, error) {
	n, err := cr.r.Read(b)
	cr.n += int64(n)
	return n, err
}

// ReadPLY reads a splat scene. If the size of r is known, element counts
// that don't fit in it are rejected before anything is allocated for them.
func ReadPLY(r io.Reader) (*Scene, error) {
	size := remaining(r)
	cr := &countingReader{r: r}
	br := bufio.NewReaderSize(cr, 1<<20)
	hdr, err := ReadPLYHeader(br)
	if err != nil {
		return nil, err
	}
	vertex := hdr.Element("vertex")
	if vertex == nil {
		return nil, fmt.Errorf("%w: no vertex element", ErrInvalidPLY)
	}
	layout, err := newVertexLayout(vertex)
	if err != nil {
		return nil, err
	}
	if size >= 0 {
		body := size - (cr.n - int64(br.Buffered()))
		if err := checkBodySize(hdr, vertex, body); err != nil {
			return nil, err
		}
	}

	var vr valueReader
	switch hdr.Format {
	case ASCII:
		vr = newASCIIReader(br)
	case BinaryLittleEndian:
		vr = &binaryReader{r: br, order: binary.LittleEndian}
	case BinaryBigEndian:
		vr = &binaryReader{r: br, order: binary.BigEndian}
	}

	scene := &Scene{
		Gaussians: make([]renderer.Gaussian, 0, min(vertex.Count, maxPrealloc)),
		SHDegree:  layout.degree,
		Header:    hdr,
	}
	for i := range hdr.Elements {
		el := &hdr.Elements[i]
		if el == vertex {
			err = readElement(vr, el, func(row []float64) {
				scene.Gaussians = append(scene.Gaussians, layout.gaussian(row))
			})
			if err != nil {
				return nil, err
			}
			// Nothing after the vertices is of interest.
			break
		}
		if err := readElement(vr, el, nil); err != nil {
			return nil, err
		}
	}
	return scene, nil
}

// LoadPLY reads a splat scene from a file.
func LoadPLY(path string) (*Scene, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scene, err := ReadPLY(f)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return scene, nil
}
