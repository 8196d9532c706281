// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package renderer

// Each pass owns the buffers it produces. Inputs are passed to record, so
// that every pass can be recorded against arbitrary buffers in tests.

type projector struct {
	gaussians BufferProxy
	splats    BufferProxy
	counts    BufferProxy
}

func newProjector(sizes *BufferSizes) projector {
	return projector{
		gaussians: newBuffer(sizes.Gaussians, "gaussians"),
		splats:    newBuffer(sizes.Splats, "splats"),
		counts:    newBuffer(sizes.Counts, "tile counts"),
	}
}

func (p *projector) record(rec *Recording, shaders *FullShaders, wgs *WorkgroupCounts, config BufferProxy) {
	rec.Dispatch(
		shaders.Preprocess,
		wgs.Preprocess,
		[]BufferProxy{config, p.gaussians, p.splats, p.counts},
	)
}

func (p *projector) buffers() []BufferProxy {
	return []BufferProxy{p.gaussians, p.splats, p.counts}
}

type bucketCounter struct {
	offsets   BufferProxy
	groupSums BufferProxy
	counters  BufferProxy
}

func newBucketCounter(sizes *BufferSizes) bucketCounter {
	return bucketCounter{
		offsets:   newBuffer(sizes.Offsets, "offsets"),
		groupSums: newBuffer(sizes.GroupSums, "group sums"),
		counters:  newBuffer(sizes.Counters, "counters"),
	}
}

func (bc *bucketCounter) record(rec *Recording, shaders *FullShaders, wgs *WorkgroupCounts, config, counts BufferProxy) {
	rec.Dispatch(
		shaders.PrefixSumReduce,
		wgs.PrefixSumReduce,
		[]BufferProxy{config, counts, bc.offsets, bc.groupSums},
	)
	// The scan always runs, even without any Gaussians, because it writes
	// the counters everything downstream is sized from.
	rec.Dispatch(
		shaders.PrefixSumScan,
		wgs.PrefixSumScan,
		[]BufferProxy{config, bc.groupSums, bc.counters},
	)
	rec.Dispatch(
		shaders.PrefixSumFinish,
		wgs.PrefixSumFinish,
		[]BufferProxy{config, bc.groupSums, bc.offsets},
	)
}

func (bc *bucketCounter) buffers() []BufferProxy {
	return []BufferProxy{bc.offsets, bc.groupSums}
}

// materializer owns the unsorted key-value arrays, which double as the
// sorter's first ping-pong pair.
type materializer struct {
	keys   BufferProxy
	values BufferProxy
}

func newMaterializer(sizes *BufferSizes) materializer {
	return materializer{
		keys:   newBuffer(sizes.Keys, "keys"),
		values: newBuffer(sizes.Values, "values"),
	}
}

func (m *materializer) record(rec *Recording, shaders *FullShaders, wgs *WorkgroupCounts, config, splats, offsets BufferProxy) {
	rec.Dispatch(
		shaders.CopyKeyValue,
		wgs.CopyKeyValue,
		[]BufferProxy{config, splats, offsets, m.keys, m.values},
	)
}

type sorter struct {
	keys      BufferProxy
	values    BufferProxy
	histogram BufferProxy
	state     BufferProxy
	dispatch  BufferProxy
	passes    []BufferProxy
	passData  []SortPass
}

func newSorter(cfg *Config, sizes *BufferSizes) sorter {
	numPasses := cfg.SortPasses()
	s := sorter{
		keys:      newBuffer(sizes.Keys, "sorted keys"),
		values:    newBuffer(sizes.Values, "sorted values"),
		histogram: newBuffer(sizes.Histogram, "sort histogram"),
		state:     newBuffer(sizes.SortState, "sort state"),
		dispatch:  newBuffer(sizes.SortDispatch, "sort dispatch"),
		passes:    make([]BufferProxy, numPasses),
		passData:  make([]SortPass, numPasses),
	}
	for i := range numPasses {
		s.passes[i] = newBuffer(sizes.SortPass, "sort pass")
		s.passData[i] = SortPass{
			Shift: i * cfg.RadixBits,
			Bits:  cfg.RadixBits,
		}
	}
	return s
}

// record sorts the pairs in (keys, values) and returns the pair of buffers
// holding the result. The number of entries is read from counters on the
// device.
func (s *sorter) record(
	rec *Recording,
	shaders *FullShaders,
	wgs *WorkgroupCounts,
	config, counters, keys, values BufferProxy,
) (sortedKeys, sortedValues BufferProxy) {
	rec.Dispatch(
		shaders.SortSetup,
		wgs.SortSetup,
		[]BufferProxy{config, counters, s.state, s.dispatch},
	)
	bufs := [2][2]BufferProxy{{keys, values}, {s.keys, s.values}}
	for i, pass := range s.passes {
		src, dst := bufs[i%2], bufs[(i+1)%2]
		rec.DispatchIndirect(
			shaders.SortHistogram,
			s.dispatch,
			offsetSortBlocks,
			[]BufferProxy{config, pass, s.state, src[0], s.histogram},
		)
		rec.DispatchIndirect(
			shaders.SortScan,
			s.dispatch,
			offsetSortScan,
			[]BufferProxy{config, pass, s.state, s.histogram},
		)
		rec.DispatchIndirect(
			shaders.SortScatter,
			s.dispatch,
			offsetSortBlocks,
			[]BufferProxy{config, pass, s.state, src[0], src[1], s.histogram, dst[0], dst[1]},
		)
	}
	out := bufs[len(s.passes)%2]
	return out[0], out[1]
}

func (s *sorter) buffers() []BufferProxy {
	return append([]BufferProxy{s.keys, s.values, s.histogram, s.state, s.dispatch}, s.passes...)
}

type rangeExtractor struct {
	ranges BufferProxy
}

func newRangeExtractor(sizes *BufferSizes) rangeExtractor {
	return rangeExtractor{ranges: newBuffer(sizes.Ranges, "ranges")}
}

func (r *rangeExtractor) record(
	rec *Recording,
	shaders *FullShaders,
	wgs *WorkgroupCounts,
	config, sortState, sortDispatch, keys BufferProxy,
) {
	rec.Dispatch(
		shaders.RangeClear,
		wgs.RangeClear,
		[]BufferProxy{config, r.ranges},
	)
	rec.DispatchIndirect(
		shaders.RangeBoundary,
		sortDispatch,
		offsetSortBlocks,
		[]BufferProxy{config, sortState, keys, r.ranges},
	)
}

type rasterizer struct {
	pixels BufferProxy
}

func newRasterizer(sizes *BufferSizes) rasterizer {
	return rasterizer{pixels: newBuffer(sizes.Pixels, "pixels")}
}

func (r *rasterizer) record(
	rec *Recording,
	shaders *FullShaders,
	wgs *WorkgroupCounts,
	config, splats, keys, values, ranges BufferProxy,
) {
	rec.Dispatch(
		shaders.Rasterize,
		wgs.Rasterize,
		[]BufferProxy{config, splats, keys, values, ranges, r.pixels},
	)
}
