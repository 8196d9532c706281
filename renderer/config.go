// Copyright 2023 the Vello Authors
// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package renderer

import (
	"fmt"
	"structs"
	"unsafe"

	"golang.org/x/exp/constraints"
	"honnef.co/go/gsplat/jmath"
)

type WorkgroupSize [3]uint32

// rangeClearWg is the side length, in tiles, of a range clear workgroup.
const rangeClearWg = 8

// Limits are the device limits a configuration is checked against.
type Limits struct {
	MaxWorkgroupsPerDimension uint32
	MaxBufferSize             uint64
}

// DefaultLimits matches the limits the pipeline requests from WebGPU
// adapters.
var DefaultLimits = Limits{
	MaxWorkgroupsPerDimension: 65535,
	MaxBufferSize:             2147483640,
}

// Config holds everything that is fixed for the lifetime of a set of
// pipeline buffers.
type Config struct {
	Width  uint32
	Height uint32

	// TileSize is the side length of a screen tile in pixels. Must be a power
	// of two.
	TileSize uint32
	// Capacity is the maximum number of tile instances (the sum over all
	// splats of the tiles they overlap).
	Capacity uint32
	// WorkgroupSize is the number of Gaussians per projector and
	// materializer workgroup. The prefix sum groups twice as many elements.
	// Must be a power of two.
	WorkgroupSize uint32
	// SortBlockSize is the number of key-value pairs per sort workgroup.
	SortBlockSize uint32
	// RadixBits is the number of key bits sorted per radix pass.
	RadixBits uint32

	Near float32
	Far  float32
	// GuardBand is the multiple of the viewport, in normalized device
	// coordinates, outside of which means are culled.
	GuardBand float32
	// Dilation is added to the diagonal of every 2D covariance so that no
	// splat is smaller than about a pixel.
	Dilation      float32
	ScaleModifier float32
	// SHDegree is the highest spherical-harmonics degree evaluated, 0 to 3.
	SHDegree uint32

	MaxAlpha               float32
	MinAlpha               float32
	TransmittanceThreshold float32
	// Background is composited under the splats, as premultiplied linear
	// RGBA. See gfx.Premul32 for converting colors.
	Background [4]float32

	Limits Limits
}

func DefaultConfig(width, height uint32) Config {
	return Config{
		Width:                  width,
		Height:                 height,
		TileSize:               8,
		Capacity:               1 << 23,
		WorkgroupSize:          64,
		SortBlockSize:          1024,
		RadixBits:              8,
		Near:                   0.01,
		Far:                    1000,
		GuardBand:              1.3,
		Dilation:               0.3,
		ScaleModifier:          1,
		SHDegree:               3,
		MaxAlpha:               0.99,
		MinAlpha:               1.0 / 255.0,
		TransmittanceThreshold: 1e-4,
		Limits:                 DefaultLimits,
	}
}

func (cfg *Config) WidthInTiles() uint32  { return jmath.DivCeil(cfg.Width, cfg.TileSize) }
func (cfg *Config) HeightInTiles() uint32 { return jmath.DivCeil(cfg.Height, cfg.TileSize) }
func (cfg *Config) NumTiles() uint32      { return cfg.WidthInTiles() * cfg.HeightInTiles() }

// KeyBits is the number of significant bits of a sort key: the tile id
// above 32 bits of depth.
func (cfg *Config) KeyBits() uint32 { return 32 + jmath.BitsFor(cfg.NumTiles()) }

// SortPasses is the number of radix passes needed to sort all key bits.
func (cfg *Config) SortPasses() uint32 { return jmath.DivCeil(cfg.KeyBits(), cfg.RadixBits) }

func (cfg *Config) scanGroupSize() uint32 { return 2 * cfg.WorkgroupSize }

func (cfg *Config) sortBlocks() uint32 { return jmath.DivCeil(cfg.Capacity, cfg.SortBlockSize) }

// Validate checks the configuration for values the pipeline can't run
// with. All errors wrap ErrInvalidConfig or ErrLimitExceeded.
func (cfg *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case cfg.Width < 1 || cfg.Height < 1:
		return invalid("resolution %dx%d", cfg.Width, cfg.Height)
	case !jmath.IsPowerOfTwo(cfg.TileSize):
		return invalid("tile size %d is not a power of two", cfg.TileSize)
	case cfg.Capacity < 1 || cfg.Capacity > 1<<31:
		return invalid("capacity %d out of range", cfg.Capacity)
	case !jmath.IsPowerOfTwo(cfg.WorkgroupSize):
		return invalid("workgroup size %d is not a power of two", cfg.WorkgroupSize)
	case cfg.SortBlockSize < 1:
		return invalid("sort block size %d", cfg.SortBlockSize)
	case cfg.RadixBits < 1 || cfg.RadixBits > 16:
		return invalid("radix bits %d out of range [1, 16]", cfg.RadixBits)
	case !(cfg.Near > 0) || !(cfg.Far > cfg.Near):
		return invalid("clip planes near=%g far=%g", cfg.Near, cfg.Far)
	case !(cfg.GuardBand >= 1):
		return invalid("guard band %g smaller than the viewport", cfg.GuardBand)
	case !(cfg.Dilation >= 0):
		return invalid("dilation %g", cfg.Dilation)
	case !(cfg.ScaleModifier > 0):
		return invalid("scale modifier %g", cfg.ScaleModifier)
	case cfg.SHDegree > 3:
		return invalid("spherical harmonics degree %d", cfg.SHDegree)
	case !(cfg.MaxAlpha > 0 && cfg.MaxAlpha <= 1):
		return invalid("max alpha %g", cfg.MaxAlpha)
	case !(cfg.MinAlpha >= 0 && cfg.MinAlpha < cfg.MaxAlpha):
		return invalid("min alpha %g", cfg.MinAlpha)
	case !(cfg.TransmittanceThreshold >= 0 && cfg.TransmittanceThreshold < 1):
		return invalid("transmittance threshold %g", cfg.TransmittanceThreshold)
	case !validPremul(cfg.Background):
		return invalid("background %v", cfg.Background)
	}

	limit := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrLimitExceeded, fmt.Sprintf(format, args...))
	}
	maxWgs := cfg.Limits.MaxWorkgroupsPerDimension
	if cfg.WidthInTiles() > maxWgs || cfg.HeightInTiles() > maxWgs {
		return limit("tile grid %dx%d", cfg.WidthInTiles(), cfg.HeightInTiles())
	}
	if cfg.sortBlocks() > maxWgs {
		return limit("%d sort blocks for capacity %d", cfg.sortBlocks(), cfg.Capacity)
	}
	if uint64(NewBufferSize[uint64](cfg.Capacity).sizeInBytes()) > cfg.Limits.MaxBufferSize {
		return limit("key buffer for capacity %d", cfg.Capacity)
	}
	if uint64(cfg.Width)*uint64(cfg.Height)*uint64(unsafe.Sizeof(Pixel{})) > cfg.Limits.MaxBufferSize {
		return limit("output buffer for %dx%d", cfg.Width, cfg.Height)
	}
	if (uint64(1)<<cfg.RadixBits)*uint64(cfg.sortBlocks())*4 > cfg.Limits.MaxBufferSize {
		return limit("sort histogram for capacity %d", cfg.Capacity)
	}
	return nil
}

func validPremul(c [4]float32) bool {
	for _, v := range c {
		if !jmath.IsFinite32(v) {
			return false
		}
	}
	return c[3] >= 0 && c[3] <= 1
}

func (cfg *Config) histogramLen() uint32 { return (1 << cfg.RadixBits) * cfg.sortBlocks() }

// checkScene verifies that a scene of n Gaussians stays inside the device
// limits.
func (cfg *Config) checkScene(n uint32) error {
	maxWgs := cfg.Limits.MaxWorkgroupsPerDimension
	if wgs := jmath.DivCeil(uint64(n), uint64(cfg.WorkgroupSize)); wgs > uint64(maxWgs) {
		return fmt.Errorf("%w: %d Gaussians need %d workgroups", ErrLimitExceeded, n, wgs)
	}
	if size := uint64(n) * uint64(unsafe.Sizeof(Gaussian{})); size > cfg.Limits.MaxBufferSize {
		return fmt.Errorf("%w: %d Gaussians need %d bytes", ErrLimitExceeded, n, size)
	}
	return nil
}

// ConfigUniform contains uniform render configuration data used by all
// kernels.
type ConfigUniform struct {
	_ structs.HostLayout

	NumGaussians uint32
	// Size of the target in pixels.
	TargetWidth  uint32
	TargetHeight uint32
	TileSize     uint32
	// Size of the target in tiles.
	WidthInTiles  uint32
	HeightInTiles uint32
	NumTiles      uint32
	// Capacity of the key-value buffers, in entries.
	Capacity      uint32
	WorkgroupSize uint32
	SortBlockSize uint32
	SHDegree      uint32
	_             uint32

	Focal  [2]float32
	TanFov [2]float32

	Near                   float32
	Far                    float32
	GuardBand              float32
	Dilation               float32
	ScaleModifier          float32
	MaxAlpha               float32
	MinAlpha               float32
	TransmittanceThreshold float32

	CameraPos [3]float32
	_         float32
	// Premultiplied linear RGBA.
	Background [4]float32
	View       jmath.Mat4
	ViewProj   jmath.Mat4
}

type RenderConfig struct {
	gpu             ConfigUniform
	workgroupCounts WorkgroupCounts
}

func NewRenderConfig(cfg *Config, cam *Camera, numGaussians uint32) *RenderConfig {
	tanFov := cam.TanHalfFov()
	workgroupCounts := NewWorkgroupCounts(cfg, numGaussians)
	return &RenderConfig{
		gpu: ConfigUniform{
			NumGaussians:           numGaussians,
			TargetWidth:            cfg.Width,
			TargetHeight:           cfg.Height,
			TileSize:               cfg.TileSize,
			WidthInTiles:           cfg.WidthInTiles(),
			HeightInTiles:          cfg.HeightInTiles(),
			NumTiles:               cfg.NumTiles(),
			Capacity:               cfg.Capacity,
			WorkgroupSize:          cfg.WorkgroupSize,
			SortBlockSize:          cfg.SortBlockSize,
			SHDegree:               cfg.SHDegree,
			Focal:                  [2]float32{float32(cam.Focal.X), float32(cam.Focal.Y)},
			TanFov:                 [2]float32{float32(tanFov.X), float32(tanFov.Y)},
			Near:                   cfg.Near,
			Far:                    cfg.Far,
			GuardBand:              cfg.GuardBand,
			Dilation:               cfg.Dilation,
			ScaleModifier:          cfg.ScaleModifier,
			MaxAlpha:               cfg.MaxAlpha,
			MinAlpha:               cfg.MinAlpha,
			TransmittanceThreshold: cfg.TransmittanceThreshold,
			CameraPos:              cam.Eye,
			Background:             cfg.Background,
			View:                   cam.View(),
			ViewProj:               cam.ViewProj(),
		},
		workgroupCounts: workgroupCounts,
	}
}

func (rc *RenderConfig) Uniform() *ConfigUniform           { return &rc.gpu }
func (rc *RenderConfig) WorkgroupCounts() *WorkgroupCounts { return &rc.workgroupCounts }

// WorkgroupCounts holds the sizes of all directly dispatched kernels. The
// sort and range boundary kernels are dispatched indirectly.
type WorkgroupCounts struct {
	Preprocess      WorkgroupSize
	PrefixSumReduce WorkgroupSize
	PrefixSumScan   WorkgroupSize
	PrefixSumFinish WorkgroupSize
	CopyKeyValue    WorkgroupSize
	SortSetup       WorkgroupSize
	RangeClear      WorkgroupSize
	Rasterize       WorkgroupSize
}

func NewWorkgroupCounts(cfg *Config, numGaussians uint32) WorkgroupCounts {
	gaussianWgs := jmath.DivCeil(numGaussians, cfg.WorkgroupSize)
	scanWgs := jmath.DivCeil(numGaussians, cfg.scanGroupSize())
	widthInTiles := cfg.WidthInTiles()
	heightInTiles := cfg.HeightInTiles()
	return WorkgroupCounts{
		Preprocess:      [3]uint32{gaussianWgs, 1, 1},
		PrefixSumReduce: [3]uint32{scanWgs, 1, 1},
		PrefixSumScan:   [3]uint32{1, 1, 1},
		PrefixSumFinish: [3]uint32{scanWgs, 1, 1},
		CopyKeyValue:    [3]uint32{gaussianWgs, 1, 1},
		SortSetup:       [3]uint32{1, 1, 1},
		RangeClear: [3]uint32{
			jmath.DivCeil(widthInTiles, rangeClearWg),
			jmath.DivCeil(heightInTiles, rangeClearWg),
			1,
		},
		Rasterize: [3]uint32{widthInTiles, heightInTiles, 1},
	}
}

// BufferSizes holds the sizes of every buffer the pipeline owns. Sizes that
// depend on the number of Gaussians use the allocated size class, not the
// scene's exact count.
type BufferSizes struct {
	// Per Gaussian
	Gaussians BufferSize[Gaussian]
	Splats    BufferSize[Splat]
	Counts    BufferSize[uint32]
	Offsets   BufferSize[uint32]
	GroupSums BufferSize[uint32]
	// Per configuration
	Counters     BufferSize[Counters]
	Keys         BufferSize[uint64]
	Values       BufferSize[uint32]
	Histogram    BufferSize[uint32]
	SortState    BufferSize[SortState]
	SortDispatch BufferSize[SortDispatch]
	SortPass     BufferSize[SortPass]
	Ranges       BufferSize[Range]
	Pixels       BufferSize[Pixel]
	Config       BufferSize[ConfigUniform]
}

func NewBufferSizes(cfg *Config, gaussianCapacity uint32) BufferSizes {
	return BufferSizes{
		Gaussians: NewBufferSize[Gaussian](gaussianCapacity),
		Splats:    NewBufferSize[Splat](gaussianCapacity),
		Counts:    NewBufferSize[uint32](gaussianCapacity),
		Offsets:   NewBufferSize[uint32](gaussianCapacity),
		GroupSums: NewBufferSize[uint32](jmath.DivCeil(gaussianCapacity, cfg.scanGroupSize())),

		Counters:     NewBufferSize[Counters](1),
		Keys:         NewBufferSize[uint64](cfg.Capacity),
		Values:       NewBufferSize[uint32](cfg.Capacity),
		Histogram:    NewBufferSize[uint32](cfg.histogramLen()),
		SortState:    NewBufferSize[SortState](1),
		SortDispatch: NewBufferSize[SortDispatch](1),
		SortPass:     NewBufferSize[SortPass](1),
		Ranges:       NewBufferSize[Range](cfg.NumTiles()),
		Pixels:       NewBufferSize[Pixel](cfg.Width * cfg.Height),
		Config:       NewBufferSize[ConfigUniform](1),
	}
}

type BufferSize[T any] uint32

func NewBufferSize[T any](x uint32) BufferSize[T] {
	return BufferSize[T](max(x, 1))
}

func (s BufferSize[T]) Len() uint32 { return uint32(s) }

func (s BufferSize[T]) sizeInBytes() uint64 {
	return uint64(s) * uint64(unsafe.Sizeof(*new(T)))
}

// gaussianSizeClass rounds n up so that scenes of similar size share
// buffers.
func gaussianSizeClass(n uint32) uint32 {
	const minClass = 1024
	if n <= minClass {
		return minClass
	}
	return nextPowerOfTwo(n)
}

func nextPowerOfTwo[T constraints.Unsigned](x T) T {
	p := T(1)
	for p < x {
		p <<= 1
	}
	return p
}
