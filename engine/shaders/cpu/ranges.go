// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT OR Unlicense

package cpu

import (
	"honnef.co/go/gsplat/renderer"
	"honnef.co/go/safeish"
)

// Side length, in tiles, of a RangeClear workgroup.
const RANGE_CLEAR_WG = 8

// RangeClear resets the range of every tile, so that tiles without any
// instances end up with an empty range instead of last frame's.
func RangeClear(wg Workgroup, resources []CPUBinding) {
	config := fromBytes[renderer.ConfigUniform](resources[0].(CPUBuffer))
	ranges := safeish.SliceCast[[]renderer.Range](resources[1].(CPUBuffer))

	for y := range uint32(RANGE_CLEAR_WG) {
		tile_y := wg.ID[1]*RANGE_CLEAR_WG + y
		if tile_y >= config.HeightInTiles {
			return
		}
		for x := range uint32(RANGE_CLEAR_WG) {
			tile_x := wg.ID[0]*RANGE_CLEAR_WG + x
			if tile_x >= config.WidthInTiles {
				break
			}
			ranges[tile_y*config.WidthInTiles+tile_x] = renderer.Range{}
		}
	}
}

// RangeBoundary finds the tile boundaries in the sorted keys. Each range
// field is written by exactly one entry: the first entry of a tile writes its
// start and the end of the previous tile.
func RangeBoundary(wg Workgroup, resources []CPUBinding) {
	config := fromBytes[renderer.ConfigUniform](resources[0].(CPUBuffer))
	state := fromBytes[renderer.SortState](resources[1].(CPUBuffer))
	keys := safeish.SliceCast[[]uint64](resources[2].(CPUBuffer))
	ranges := safeish.SliceCast[[]renderer.Range](resources[3].(CPUBuffer))

	start, end := blockRange(config, state, wg.ID[0])
	for i := start; i < end; i++ {
		tile := keyTile(keys[i])
		if i == 0 {
			ranges[tile].Start = 0
		} else if prev := keyTile(keys[i-1]); prev != tile {
			ranges[tile].Start = i
			ranges[prev].End = i
		}
		if i == state.Count-1 {
			ranges[tile].End = state.Count
		}
	}
}
