// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package profiler defines the interface through which device independent
// code opens profiling scopes, so that it doesn't need to depend on a
// particular engine.
package profiler

type ProfilerGroup interface {
	// Start opens a nested group. The returned group must be ended with End.
	Start(label string) ProfilerGroup
	End()
}

// Nop is a ProfilerGroup that records nothing.
var Nop ProfilerGroup = nop{}

type nop struct{}

func (nop) Start(string) ProfilerGroup { return nop{} }
func (nop) End()                       {}

// OrNop returns g, or Nop if g is nil.
func OrNop(g ProfilerGroup) ProfilerGroup {
	if g == nil {
		return Nop
	}
	return g
}
