// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT OR Unlicense

package cpu

import (
	"honnef.co/go/gsplat/jmath"
	"honnef.co/go/gsplat/renderer"
	"honnef.co/go/safeish"
)

// The radix sort is a stable LSD sort. Each pass builds a per-block digit
// histogram, stored digit-major so that an exclusive scan over it yields the
// destination of every (digit, block) pair, and then scatters every block in
// input order.

// SortSetup runs as a single workgroup. It derives the size of the sort from
// the instance count and writes the launch parameters of all following sort
// and range kernels.
func SortSetup(_ Workgroup, resources []CPUBinding) {
	config := fromBytes[renderer.ConfigUniform](resources[0].(CPUBuffer))
	counters := fromBytes[renderer.Counters](resources[1].(CPUBuffer))
	state := fromBytes[renderer.SortState](resources[2].(CPUBuffer))
	dispatch := fromBytes[renderer.SortDispatch](resources[3].(CPUBuffer))

	count := min(counters.Sorted, config.Capacity)
	num_blocks := jmath.DivCeil(count, config.SortBlockSize)
	state.Count = count
	state.NumBlocks = num_blocks

	dispatch.Blocks = renderer.IndirectCount{X: num_blocks, Y: 1, Z: 1}
	var scan uint32
	if count > 0 {
		scan = 1
	}
	dispatch.Scan = renderer.IndirectCount{X: scan, Y: 1, Z: 1}
}

func blockRange(config *renderer.ConfigUniform, state *renderer.SortState, block uint32) (start, end uint32) {
	start = block * config.SortBlockSize
	end = min(start+config.SortBlockSize, state.Count)
	return start, end
}

func digitOf(key uint64, pass *renderer.SortPass) uint32 {
	return uint32(key>>pass.Shift) & (1<<pass.Bits - 1)
}

func SortHistogram(wg Workgroup, resources []CPUBinding) {
	config := fromBytes[renderer.ConfigUniform](resources[0].(CPUBuffer))
	pass := fromBytes[renderer.SortPass](resources[1].(CPUBuffer))
	state := fromBytes[renderer.SortState](resources[2].(CPUBuffer))
	keys := safeish.SliceCast[[]uint64](resources[3].(CPUBuffer))
	histogram := safeish.SliceCast[[]uint32](resources[4].(CPUBuffer))

	block := wg.ID[0]
	// OPT(dh): use arena
	counts := make([]uint32, 1<<pass.Bits)
	start, end := blockRange(config, state, block)
	for i := start; i < end; i++ {
		counts[digitOf(keys[i], pass)]++
	}
	for digit, n := range counts {
		histogram[uint32(digit)*state.NumBlocks+block] = n
	}
}

// SortScan runs as a single workgroup and turns the histogram into an
// exclusive prefix sum in place.
func SortScan(_ Workgroup, resources []CPUBinding) {
	pass := fromBytes[renderer.SortPass](resources[1].(CPUBuffer))
	state := fromBytes[renderer.SortState](resources[2].(CPUBuffer))
	histogram := safeish.SliceCast[[]uint32](resources[3].(CPUBuffer))

	var sum uint32
	for i := range (uint32(1) << pass.Bits) * state.NumBlocks {
		n := histogram[i]
		histogram[i] = sum
		sum += n
	}
}

func SortScatter(wg Workgroup, resources []CPUBinding) {
	config := fromBytes[renderer.ConfigUniform](resources[0].(CPUBuffer))
	pass := fromBytes[renderer.SortPass](resources[1].(CPUBuffer))
	state := fromBytes[renderer.SortState](resources[2].(CPUBuffer))
	src_keys := safeish.SliceCast[[]uint64](resources[3].(CPUBuffer))
	src_values := safeish.SliceCast[[]uint32](resources[4].(CPUBuffer))
	histogram := safeish.SliceCast[[]uint32](resources[5].(CPUBuffer))
	dst_keys := safeish.SliceCast[[]uint64](resources[6].(CPUBuffer))
	dst_values := safeish.SliceCast[[]uint32](resources[7].(CPUBuffer))

	block := wg.ID[0]
	// OPT(dh): use arena
	next := make([]uint32, 1<<pass.Bits)
	for digit := range next {
		next[digit] = histogram[uint32(digit)*state.NumBlocks+block]
	}
	start, end := blockRange(config, state, block)
	for i := start; i < end; i++ {
		digit := digitOf(src_keys[i], pass)
		dst := next[digit]
		next[digit]++
		dst_keys[dst] = src_keys[i]
		dst_values[dst] = src_values[i]
	}
}
