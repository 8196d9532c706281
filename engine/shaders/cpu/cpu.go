// Copyright 2023 the Vello Authors
// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT OR Unlicense

// Package cpu provides CPU implementations of the compute kernels.
//
// The kernels replicate what a compute shader would do, one workgroup per
// call, instead of using more CPU-friendly alternatives. Workgroups of the
// same dispatch may run concurrently and in any order; a kernel must only
// write memory that no other workgroup of the dispatch reads or writes.
package cpu

import (
	"fmt"
	"math"
	"unsafe"

	"honnef.co/go/safeish"
)

type CPUBinding interface {
	// One of CPUBuffer
}

type CPUBuffer []byte

// Workgroup identifies one workgroup of a dispatch.
type Workgroup struct {
	ID    [3]uint32
	Count [3]uint32
}

// Kernel executes a single workgroup.
type Kernel func(wg Workgroup, resources []CPUBinding)

// XXX move this into safeish
func fromBytes[E any, T *E](b []byte) T {
	if uintptr(len(b)) < unsafe.Sizeof(*new(E)) {
		panic(fmt.Sprintf(
			"buffer of size %d cannot represent object of size %d", len(b), unsafe.Sizeof(*new(E))))
	}

	return safeish.Cast[T](&b[0])
}

func sortKey(tile uint32, depth float32) uint64 {
	return uint64(tile)<<32 | uint64(math.Float32bits(depth))
}

func keyTile(key uint64) uint32 {
	return uint32(key >> 32)
}

// satAdd adds without wrapping around, so that an overflowing instance count
// stays larger than any capacity.
func satAdd(a, b uint32) uint32 {
	s := a + b
	if s < a {
		return math.MaxUint32
	}
	return s
}
