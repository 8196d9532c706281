// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT OR Unlicense

package cpu

import (
	"honnef.co/go/gsplat/jmath"
	"honnef.co/go/gsplat/renderer"
	"honnef.co/go/safeish"
)

// Rasterize composites one tile, front to back in key order.
//
// Entries with identical keys are exact depth ties. They are blended as one
// layer whose coverage is 1 - Π(1-αᵢ) and whose color is the α-weighted mean,
// which doesn't depend on the order the sort left them in. For a single
// entry this is the usual over operator.
func Rasterize(wg Workgroup, resources []CPUBinding) {
	config := fromBytes[renderer.ConfigUniform](resources[0].(CPUBuffer))
	splats := safeish.SliceCast[[]renderer.Splat](resources[1].(CPUBuffer))
	keys := safeish.SliceCast[[]uint64](resources[2].(CPUBuffer))
	values := safeish.SliceCast[[]uint32](resources[3].(CPUBuffer))
	ranges := safeish.SliceCast[[]renderer.Range](resources[4].(CPUBuffer))
	pixels := safeish.SliceCast[[]renderer.Pixel](resources[5].(CPUBuffer))

	tile_x, tile_y := wg.ID[0], wg.ID[1]
	r := ranges[tile_y*config.WidthInTiles+tile_x]
	bg := config.Background

	for y := range config.TileSize {
		py := tile_y*config.TileSize + y
		if py >= config.TargetHeight {
			return
		}
		for x := range config.TileSize {
			px := tile_x*config.TileSize + x
			if px >= config.TargetWidth {
				break
			}
			center := [2]float32{float32(px) + 0.5, float32(py) + 0.5}

			transmittance := float32(1)
			var rgb [3]float32
			for i := r.Start; i < r.End && transmittance >= config.TransmittanceThreshold; {
				j := i + 1
				for j < r.End && keys[j] == keys[i] {
					j++
				}

				if j == i+1 {
					splat := &splats[values[i]]
					if alpha, ok := splatAlpha(config, splat, center); ok {
						for c := range 3 {
							rgb[c] += transmittance * alpha * splat.Color[c]
						}
						transmittance *= 1 - alpha
					}
					i = j
					continue
				}

				// Fold the run [i, j).
				keep := float32(1)
				var sum_alpha float32
				var sum_rgb [3]float32
				for k := i; k < j; k++ {
					splat := &splats[values[k]]
					alpha, ok := splatAlpha(config, splat, center)
					if !ok {
						continue
					}
					keep *= 1 - alpha
					sum_alpha += alpha
					for c := range 3 {
						sum_rgb[c] += alpha * splat.Color[c]
					}
				}
				if sum_alpha > 0 {
					coverage := transmittance * (1 - keep)
					for c := range 3 {
						rgb[c] += coverage * (sum_rgb[c] / sum_alpha)
					}
					transmittance *= keep
				}
				i = j
			}

			pixels[py*config.TargetWidth+px] = renderer.Pixel{
				rgb[0] + transmittance*bg[0],
				rgb[1] + transmittance*bg[1],
				rgb[2] + transmittance*bg[2],
				(1 - transmittance) + transmittance*bg[3],
			}
		}
	}
}

// splatAlpha evaluates the splat's opacity at a pixel center.
func splatAlpha(config *renderer.ConfigUniform, splat *renderer.Splat, center [2]float32) (float32, bool) {
	dx := splat.Mean[0] - center[0]
	dy := splat.Mean[1] - center[1]
	a, b, c := splat.Conic[0], splat.Conic[1], splat.Conic[2]
	power := -0.5*(a*dx*dx+c*dy*dy) - b*dx*dy
	if power > 0 {
		return 0, false
	}
	alpha := min(config.MaxAlpha, splat.Color[3]*jmath.Exp32(power))
	if alpha < config.MinAlpha {
		return 0, false
	}
	return alpha, true
}
