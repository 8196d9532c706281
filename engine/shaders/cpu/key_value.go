// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT OR Unlicense

package cpu

import (
	"honnef.co/go/gsplat/renderer"
	"honnef.co/go/safeish"
)

// CopyKeyValue writes one key-value pair per tile a splat overlaps, starting
// at the splat's offset. Pairs that would land at or past the capacity are
// dropped; the bucket counter has already flagged the overflow.
func CopyKeyValue(wg Workgroup, resources []CPUBinding) {
	config := fromBytes[renderer.ConfigUniform](resources[0].(CPUBuffer))
	splats := safeish.SliceCast[[]renderer.Splat](resources[1].(CPUBuffer))
	offsets := safeish.SliceCast[[]uint32](resources[2].(CPUBuffer))
	keys := safeish.SliceCast[[]uint64](resources[3].(CPUBuffer))
	values := safeish.SliceCast[[]uint32](resources[4].(CPUBuffer))

	capacity := uint64(config.Capacity)
	for local_ix := range config.WorkgroupSize {
		ix := wg.ID[0]*config.WorkgroupSize + local_ix
		if ix >= config.NumGaussians {
			return
		}
		splat := &splats[ix]
		if splat.NumTiles == 0 {
			continue
		}
		pos := uint64(offsets[ix])
	tiles:
		for y := splat.TileMin[1]; y <= splat.TileMax[1]; y++ {
			for x := splat.TileMin[0]; x <= splat.TileMax[0]; x++ {
				if pos >= capacity {
					break tiles
				}
				keys[pos] = sortKey(y*config.WidthInTiles+x, splat.Depth)
				values[pos] = ix
				pos++
			}
		}
	}
}
