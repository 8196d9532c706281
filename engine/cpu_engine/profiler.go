// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package cpu_engine

import (
	"sync"
	"time"

	"honnef.co/go/gsplat/profiler"
)

// Profiler records host-side scopes and the time the engine spent in each
// dispatch. A nil *Profiler, and the nil groups it returns, record nothing.
type Profiler struct {
	// guards all groups, which are written by the host and the device
	// goroutine
	mu sync.Mutex

	// started top-level groups that haven't been collected yet
	groups []*ProfilerGroup
	// free list of profiler groups
	freeGroups []*ProfilerGroup
	// free list of profiler results
	results []ProfilerResult
}

func NewProfiler() *Profiler {
	return &Profiler{}
}

func NewNopProfiler() *Profiler {
	return nil
}

// Start begins a top-level group, usually one per frame. Its results become
// available to Collect once the group has ended and the submission it was
// passed to has completed.
func (p *Profiler) Start(tag uint64) *ProfilerGroup {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	g := p.getGroup()
	g.profiler = p
	g.Tag = tag
	g.cpuStart = time.Now()
	p.groups = append(p.groups, g)
	return g
}

func (p *Profiler) getGroup() *ProfilerGroup {
	if len(p.freeGroups) > 0 {
		g := p.freeGroups[len(p.freeGroups)-1]
		p.freeGroups = p.freeGroups[:len(p.freeGroups)-1]
		clear(g.children)
		g.children = g.children[:0]
		g.passes = g.passes[:0]
		g.Label = ""
		g.cpuEnd = time.Time{}
		g.parent = nil
		g.resolved = false
		return g
	}
	return &ProfilerGroup{}
}

type ProfilerGroup struct {
	Tag      uint64
	Label    string
	cpuStart time.Time
	cpuEnd   time.Time
	children []*ProfilerGroup
	passes   []ProfilerPassResult
	profiler *Profiler
	parent   *ProfilerGroup
	// set for top-level groups once the engine is done with them
	resolved bool
}

func (g *ProfilerGroup) End() {
	if g == nil {
		return
	}
	g.profiler.mu.Lock()
	defer g.profiler.mu.Unlock()
	if !g.cpuEnd.IsZero() {
		panic("trying to end same group twice")
	}
	g.cpuEnd = time.Now()
}

// Start implements profiler.ProfilerGroup.
func (g *ProfilerGroup) Start(label string) profiler.ProfilerGroup {
	if g == nil {
		return (*ProfilerGroup)(nil)
	}
	return g.Nest(label)
}

func (g *ProfilerGroup) Nest(label string) *ProfilerGroup {
	if g == nil {
		return nil
	}
	p := g.profiler
	p.mu.Lock()
	defer p.mu.Unlock()
	cg := p.getGroup()
	cg.profiler = p
	cg.Label = label
	cg.cpuStart = time.Now()
	cg.parent = g
	g.children = append(g.children, cg)
	return cg
}

func (g *ProfilerGroup) pass(label string, start, end time.Time) {
	if g == nil {
		return
	}
	g.profiler.mu.Lock()
	defer g.profiler.mu.Unlock()
	g.passes = append(g.passes, ProfilerPassResult{Label: label, Start: start, End: end})
}

func (g *ProfilerGroup) resolve() {
	if g == nil {
		return
	}
	g.profiler.mu.Lock()
	defer g.profiler.mu.Unlock()
	for g.parent != nil {
		g = g.parent
	}
	g.resolved = true
}

type ProfilerResult struct {
	Tag      uint64
	Label    string
	CPUStart time.Time
	CPUEnd   time.Time
	Passes   []ProfilerPassResult
	Children []ProfilerResult
}

// ProfilerPassResult is the time the engine spent executing one dispatch.
type ProfilerPassResult struct {
	Label string
	Start time.Time
	End   time.Time
}

func (r ProfilerPassResult) Duration() time.Duration { return r.End.Sub(r.Start) }

func (p *Profiler) populateResult(g *ProfilerGroup, res *ProfilerResult) {
	// Don't use *res = ProfilerResult{...} so that we reuse res.Children and
	// res.Passes.
	res.Tag = g.Tag
	res.Label = g.Label
	res.CPUStart = g.cpuStart
	res.CPUEnd = g.cpuEnd
	res.Passes = append(res.Passes[:0], g.passes...)
	if cap(res.Children) >= len(g.children) {
		res.Children = res.Children[:len(g.children)]
	} else {
		res.Children = make([]ProfilerResult, len(g.children))
	}
	for ci, c := range g.children {
		p.populateResult(c, &res.Children[ci])
	}
}

// Collect returns the results of all finished top-level groups, in the order
// they were started. The return value is only valid until the next call to
// Collect.
func (p *Profiler) Collect() []ProfilerResult {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var returnGroups func(gs ...*ProfilerGroup)
	returnGroups = func(gs ...*ProfilerGroup) {
		p.freeGroups = append(p.freeGroups, gs...)
		for _, g := range gs {
			returnGroups(g.children...)
		}
	}

	out := p.results[:0]
	n := 0
	for _, g := range p.groups {
		// Stop at the first unfinished group so that groups are returned in
		// order of creation.
		if !g.resolved || g.cpuEnd.IsZero() {
			break
		}
		if cap(out) > len(out) {
			out = out[:len(out)+1]
		} else {
			out = append(out, ProfilerResult{})
		}
		p.populateResult(g, &out[len(out)-1])
		n++
	}
	returnGroups(p.groups[:n]...)
	copy(p.groups, p.groups[n:])
	clear(p.groups[len(p.groups)-n:])
	p.groups = p.groups[:len(p.groups)-n]
	p.results = out[:0]
	return out
}
