// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package wgpu_engine presents rendered frames on a WebGPU surface.
package wgpu_engine

import (
	"fmt"

	"honnef.co/go/gsplat/gfx"
	"honnef.co/go/gsplat/renderer"
	"honnef.co/go/wgpu"
)

// Surface is the part of a window surface the presenter needs. Creating and
// configuring the surface is up to the caller.
type Surface interface {
	// CurrentTexture returns the texture to draw the next frame into.
	CurrentTexture() (*wgpu.SurfaceTexture, error)
	// Present shows the texture returned by CurrentTexture.
	Present()
}

// blitVertices is the number of vertices of the two triangles covering the
// viewport.
const blitVertices = 6

// The frame is drawn at the top left of the surface, one texel per pixel.
// Pixels are already premultiplied and are copied unchanged; fragments
// outside the frame are discarded and keep the clear color.
const blitWGSL = `
@vertex
fn vs_main(@builtin(vertex_index) ix: u32) -> @builtin(position) vec4<f32> {
	var corners = array<vec2<f32>, 6>(
		vec2(-1.0, 1.0), vec2(-1.0, -1.0), vec2(1.0, -1.0),
		vec2(-1.0, 1.0), vec2(1.0, -1.0), vec2(1.0, 1.0),
	);
	return vec4(corners[ix], 0.0, 1.0);
}

@group(0) @binding(0)
var frame: texture_2d<f32>;

@fragment
fn fs_main(@builtin(position) pos: vec4<f32>) -> @location(0) vec4<f32> {
	let texel = vec2<u32>(pos.xy);
	if any(texel >= textureDimensions(frame)) {
		discard;
	}
	return textureLoad(frame, texel, 0);
}
`

type blitPipeline struct {
	BindLayout *wgpu.BindGroupLayout
	Pipeline   *wgpu.RenderPipeline
}

func newBlitPipeline(dev *wgpu.Device, format wgpu.TextureFormat) *blitPipeline {
	shader := dev.CreateShaderModule(wgpu.ShaderModuleDescriptor{
		Label:  "blit shaders",
		Source: wgpu.ShaderSourceWGSL(blitWGSL),
	})
	bindLayout := dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Entries: []wgpu.BindGroupLayoutEntry{
			{
				Visibility: wgpu.ShaderStageFragment,
				Binding:    0,
				Texture: &wgpu.TextureBindingLayout{
					SampleType:    wgpu.TextureSampleTypeFloat,
					ViewDimension: wgpu.TextureViewDimension2D,
					Multisampled:  false,
				},
			},
		},
	})
	pipelineLayout := dev.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "blit pipeline layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{bindLayout},
	})
	defer pipelineLayout.Release()
	pipeline := dev.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label:  "blit pipeline",
		Layout: pipelineLayout,
		Vertex: &wgpu.VertexState{
			Module:     shader,
			EntryPoint: "vs_main",
		},
		Fragment: &wgpu.FragmentState{
			Module:     shader,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{
				{
					Format:    format,
					WriteMask: wgpu.ColorWriteMaskAll,
				},
			},
		},
		Primitive: &wgpu.PrimitiveState{
			Topology:         wgpu.PrimitiveTopologyTriangleList,
			StripIndexFormat: ^wgpu.IndexFormat(0),
			FrontFace:        wgpu.FrontFaceCCW,
			CullMode:         wgpu.CullModeBack,
		},
		Multisample: &wgpu.MultisampleState{
			Count:                  1,
			Mask:                   ^uint32(0),
			AlphaToCoverageEnabled: false,
		},
	})
	return &blitPipeline{
		BindLayout: bindLayout,
		Pipeline:   pipeline,
	}
}

type frameTexture struct {
	Texture *wgpu.Texture
	View    *wgpu.TextureView
	Width   uint32
	Height  uint32
}

func newFrameTexture(dev *wgpu.Device, width, height uint32) *frameTexture {
	tex := dev.CreateTexture(&wgpu.TextureDescriptor{
		Label: "frame texture",
		Size: wgpu.Extent3D{
			Width:              width,
			Height:             height,
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Usage:         wgpu.TextureUsageTextureBinding | wgpu.TextureUsageCopyDst,
		Format:        wgpu.TextureFormatRGBA8Unorm,
	})
	return &frameTexture{
		Texture: tex,
		View:    tex.CreateView(nil),
		Width:   width,
		Height:  height,
	}
}

func (ft *frameTexture) release() {
	ft.View.Release()
	ft.Texture.Release()
}

// packFrame quantizes the first width×height pixels into staging, growing
// it if needed, and returns the staging bytes together with the layout and
// extent of the texture upload. Rows are tightly packed, which
// Queue.WriteTexture allows regardless of the copy alignment.
func packFrame(
	staging []byte,
	width, height uint32,
	pixels []renderer.Pixel,
) ([]byte, wgpu.TextureDataLayout, wgpu.Extent3D) {
	n := int(width) * int(height)
	if cap(staging) < n*4 {
		staging = make([]byte, n*4)
	}
	staging = staging[:n*4]
	gfx.PackRGBA8(staging, pixels[:n])
	layout := wgpu.TextureDataLayout{
		Offset:       0,
		BytesPerRow:  width * 4,
		RowsPerImage: height,
	}
	extent := wgpu.Extent3D{
		Width:              width,
		Height:             height,
		DepthOrArrayLayers: 1,
	}
	return staging, layout, extent
}

// SurfacePresenter uploads frames into a texture and draws it over the
// whole surface.
type SurfacePresenter struct {
	dev     *wgpu.Device
	queue   *wgpu.Queue
	surface Surface
	blit    *blitPipeline
	clear   wgpu.Color

	target *frameTexture
	// staging holds the quantized pixels of the last frame.
	staging []byte
}

// NewSurfacePresenter creates a presenter for a surface configured with
// format. Parts of the surface not covered by a frame are cleared to
// background, a premultiplied RGBA color.
func NewSurfacePresenter(
	dev *wgpu.Device,
	queue *wgpu.Queue,
	surface Surface,
	format wgpu.TextureFormat,
	background [4]float32,
) *SurfacePresenter {
	return &SurfacePresenter{
		dev:     dev,
		queue:   queue,
		surface: surface,
		blit:    newBlitPipeline(dev, format),
		clear: wgpu.Color{
			R: float64(background[0]),
			G: float64(background[1]),
			B: float64(background[2]),
			A: float64(background[3]),
		},
	}
}

func (sp *SurfacePresenter) Present(width, height int, pixels []renderer.Pixel) error {
	if width < 1 || height < 1 || len(pixels) < width*height {
		return fmt.Errorf("presenting %dx%d frame from %d pixels", width, height, len(pixels))
	}
	w, h := uint32(width), uint32(height)
	if sp.target == nil {
		sp.target = newFrameTexture(sp.dev, w, h)
	} else if sp.target.Width != w || sp.target.Height != h {
		sp.target.release()
		sp.target = newFrameTexture(sp.dev, w, h)
	}

	var layout wgpu.TextureDataLayout
	var extent wgpu.Extent3D
	sp.staging, layout, extent = packFrame(sp.staging, w, h, pixels)
	sp.queue.WriteTexture(
		&wgpu.ImageCopyTexture{
			Texture:  sp.target.Texture,
			MipLevel: 0,
			Origin:   wgpu.Origin3D{X: 0, Y: 0, Z: 0},
			Aspect:   wgpu.TextureAspectAll,
		},
		sp.staging,
		&layout,
		&extent,
	)

	surface, err := sp.surface.CurrentTexture()
	if err != nil {
		return fmt.Errorf("acquiring surface texture: %w", err)
	}
	surfaceView := surface.Texture.CreateView(nil)
	defer surfaceView.Release()

	bindGroup := sp.dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Layout: sp.blit.BindLayout,
		Entries: []wgpu.BindGroupEntry{
			{
				Binding:     0,
				TextureView: sp.target.View,
			},
		},
	})
	defer bindGroup.Release()

	encoder := sp.dev.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: "blitter"})
	defer encoder.Release()
	renderPass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{
			{
				View:       surfaceView,
				LoadOp:     wgpu.LoadOpClear,
				StoreOp:    wgpu.StoreOpStore,
				ClearValue: sp.clear,
			},
		},
	})
	defer renderPass.Release()

	renderPass.SetPipeline(sp.blit.Pipeline)
	renderPass.SetBindGroup(0, bindGroup, nil)
	renderPass.Draw(blitVertices, 1, 0, 0)
	renderPass.End()

	cmd := encoder.Finish(nil)
	defer cmd.Release()
	sp.queue.Submit(cmd)
	sp.surface.Present()
	return nil
}

// Release frees the presenter's device resources.
func (sp *SurfacePresenter) Release() {
	if sp.target != nil {
		sp.target.release()
		sp.target = nil
	}
	sp.blit.Pipeline.Release()
	sp.blit.BindLayout.Release()
}
