// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT OR Unlicense

package cpu

import (
	"honnef.co/go/gsplat/jmath"
	"honnef.co/go/gsplat/renderer"
	"honnef.co/go/safeish"
)

// The prefix sum scans groups of two elements per invocation.

func PrefixSumReduce(wg Workgroup, resources []CPUBinding) {
	config := fromBytes[renderer.ConfigUniform](resources[0].(CPUBuffer))
	counts := safeish.SliceCast[[]uint32](resources[1].(CPUBuffer))
	offsets := safeish.SliceCast[[]uint32](resources[2].(CPUBuffer))
	group_sums := safeish.SliceCast[[]uint32](resources[3].(CPUBuffer))

	group := 2 * config.WorkgroupSize
	base := wg.ID[0] * group
	// OPT(dh): use arena
	sh_scratch := make([]uint32, group)
	for i := range group {
		if ix := base + i; ix < config.NumGaussians {
			sh_scratch[i] = counts[ix]
		}
	}

	// Up-sweep
	for d := uint32(1); d < group; d <<= 1 {
		for i := 2*d - 1; i < group; i += 2 * d {
			sh_scratch[i] = satAdd(sh_scratch[i], sh_scratch[i-d])
		}
	}
	total := sh_scratch[group-1]
	sh_scratch[group-1] = 0
	// Down-sweep
	for d := group / 2; d >= 1; d >>= 1 {
		for i := 2*d - 1; i < group; i += 2 * d {
			t := sh_scratch[i-d]
			sh_scratch[i-d] = sh_scratch[i]
			sh_scratch[i] = satAdd(sh_scratch[i], t)
		}
	}

	for i := range group {
		if ix := base + i; ix < config.NumGaussians {
			offsets[ix] = sh_scratch[i]
		}
	}
	group_sums[wg.ID[0]] = total
}

// PrefixSumScan runs as a single workgroup. It turns the group sums into group
// bases and publishes the total instance count.
func PrefixSumScan(_ Workgroup, resources []CPUBinding) {
	config := fromBytes[renderer.ConfigUniform](resources[0].(CPUBuffer))
	group_sums := safeish.SliceCast[[]uint32](resources[1].(CPUBuffer))
	counters := fromBytes[renderer.Counters](resources[2].(CPUBuffer))

	num_groups := jmath.DivCeil(config.NumGaussians, 2*config.WorkgroupSize)
	var total uint32
	for i := range num_groups {
		sum := group_sums[i]
		group_sums[i] = total
		total = satAdd(total, sum)
	}

	counters.Total = total
	counters.Capacity = config.Capacity
	counters.Sorted = min(total, config.Capacity)
	counters.Overflow = 0
	if total > config.Capacity {
		counters.Overflow = 1
	}
}

func PrefixSumFinish(wg Workgroup, resources []CPUBinding) {
	config := fromBytes[renderer.ConfigUniform](resources[0].(CPUBuffer))
	group_sums := safeish.SliceCast[[]uint32](resources[1].(CPUBuffer))
	offsets := safeish.SliceCast[[]uint32](resources[2].(CPUBuffer))

	group := 2 * config.WorkgroupSize
	group_base := group_sums[wg.ID[0]]
	for i := range group {
		ix := wg.ID[0]*group + i
		if ix >= config.NumGaussians {
			return
		}
		offsets[ix] = satAdd(offsets[ix], group_base)
	}
}
