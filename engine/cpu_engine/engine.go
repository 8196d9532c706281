// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package cpu_engine executes recordings with the CPU kernels of package cpu.
//
// The engine behaves like a device queue: recordings are submitted without
// blocking and run in order on a single device goroutine, and the workgroups
// of each dispatch run in parallel on a worker pool. Buffers persist across
// recordings until they are freed.
package cpu_engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"honnef.co/go/gsplat/engine/shaders"
	"honnef.co/go/gsplat/engine/shaders/cpu"
	"honnef.co/go/gsplat/internal/parallel"
	"honnef.co/go/gsplat/renderer"
	"honnef.co/go/safeish"

	"go.uber.org/zap"
)

// errClosed is reported for submissions made after Close.
var errClosed = fmt.Errorf("%w: engine closed", renderer.ErrDeviceLost)

var kernels = map[string]cpu.Kernel{
	"Preprocess":      cpu.Preprocess,
	"PrefixSumReduce": cpu.PrefixSumReduce,
	"PrefixSumScan":   cpu.PrefixSumScan,
	"PrefixSumFinish": cpu.PrefixSumFinish,
	"CopyKeyValue":    cpu.CopyKeyValue,
	"SortSetup":       cpu.SortSetup,
	"SortHistogram":   cpu.SortHistogram,
	"SortScan":        cpu.SortScan,
	"SortScatter":     cpu.SortScatter,
	"RangeClear":      cpu.RangeClear,
	"RangeBoundary":   cpu.RangeBoundary,
	"Rasterize":       cpu.Rasterize,
}

type Options struct {
	// Workers is the number of goroutines workgroups run on. Zero uses
	// GOMAXPROCS.
	Workers int
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

type shader struct {
	label    string
	bindings []renderer.BindType
	kernel   cpu.Kernel
}

type materializedBuffer struct {
	data  cpu.CPUBuffer
	label string
}

type Engine struct {
	log         *zap.Logger
	pool        *parallel.WorkerPool
	fullShaders *renderer.FullShaders

	shadersMu sync.RWMutex
	shaders   []shader

	// Only accessed by the device goroutine.
	buffers map[renderer.ResourceID]*materializedBuffer

	mu      sync.Mutex
	pending []*Submission
	err     error
	closed  bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	eng := &Engine{
		log:     log,
		pool:    parallel.NewWorkerPool(opts.Workers),
		buffers: make(map[renderer.ResourceID]*materializedBuffer),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	eng.fullShaders = eng.newFullShaders()
	go eng.device()
	log.Debug("started CPU engine", zap.Int("workers", eng.pool.Workers()))
	return eng
}

func (eng *Engine) newFullShaders() *renderer.FullShaders {
	var out renderer.FullShaders
	outV := reflect.ValueOf(&out).Elem()
	v := reflect.ValueOf(&shaders.Shaders).Elem()
	for i := range v.NumField() {
		fieldName := v.Type().Field(i).Name
		outField := outV.FieldByName(fieldName)
		if !outField.IsValid() {
			continue
		}
		sh := v.Field(i).Addr().Interface().(*shaders.ComputeShader)
		kernel, ok := kernels[fieldName]
		if !ok {
			panic(fmt.Sprintf("shader %q has no CPU kernel", sh.Name))
		}
		id := eng.AddShader(sh.Name, sh.Bindings, kernel)
		outField.Set(reflect.ValueOf(id))
	}
	return &out
}

// Shaders returns the IDs of the pipeline's kernels, for use with
// renderer.New.
func (eng *Engine) Shaders() *renderer.FullShaders { return eng.fullShaders }

// AddShader registers an additional kernel.
func (eng *Engine) AddShader(label string, bindings []renderer.BindType, kernel cpu.Kernel) renderer.ShaderID {
	eng.shadersMu.Lock()
	defer eng.shadersMu.Unlock()
	id := len(eng.shaders)
	eng.shaders = append(eng.shaders, shader{label: label, bindings: bindings, kernel: kernel})
	return renderer.ShaderID(id)
}

func (eng *Engine) shader(id renderer.ShaderID) (shader, bool) {
	eng.shadersMu.RLock()
	defer eng.shadersMu.RUnlock()
	if id < 0 || int(id) >= len(eng.shaders) {
		return shader{}, false
	}
	return eng.shaders[id], true
}

// Err returns the error that made the engine unusable, if any.
func (eng *Engine) Err() error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return eng.err
}

func (eng *Engine) markLost(err error) {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.err != nil {
		return
	}
	if !errors.Is(err, renderer.ErrDeviceLost) {
		err = fmt.Errorf("%w: %w", renderer.ErrDeviceLost, err)
	}
	eng.err = err
	eng.log.Error("device lost", zap.Error(err))
}

// Submit queues rec for execution and returns immediately. The recording's
// upload data must stay unmodified until the submission has completed.
// pgroup may be nil.
func (eng *Engine) Submit(rec *renderer.Recording, pgroup *ProfilerGroup) *Submission {
	sub := &Submission{
		rec:    rec,
		pgroup: pgroup,
		done:   make(chan struct{}),
		eng:    eng,
	}

	eng.mu.Lock()
	if eng.closed || eng.err != nil {
		err := eng.err
		if err == nil {
			err = errClosed
		}
		eng.mu.Unlock()
		sub.err = err
		close(sub.done)
		return sub
	}
	eng.pending = append(eng.pending, sub)
	eng.mu.Unlock()

	select {
	case eng.wake <- struct{}{}:
	default:
	}
	return sub
}

func (eng *Engine) device() {
	defer close(eng.done)
	for {
		eng.mu.Lock()
		batch := eng.pending
		eng.pending = nil
		closed := eng.closed
		eng.mu.Unlock()

		for _, sub := range batch {
			eng.run(sub)
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-eng.wake:
		case <-eng.quit:
		}
	}
}

func (eng *Engine) run(sub *Submission) {
	defer close(sub.done)
	if err := eng.Err(); err != nil {
		sub.err = err
		return
	}
	start := time.Now()
	downloads, err := eng.runRecording(sub.rec, sub.pgroup)
	sub.downloads = downloads
	sub.pgroup.resolve()
	if err != nil {
		sub.err = err
		eng.markLost(err)
		return
	}
	eng.log.Debug("ran recording",
		zap.Int("commands", len(sub.rec.Commands)),
		zap.Duration("elapsed", time.Since(start)))
}

// Close waits for all submitted recordings and stops the engine.
func (eng *Engine) Close() {
	eng.mu.Lock()
	if eng.closed {
		eng.mu.Unlock()
		<-eng.done
		return
	}
	eng.closed = true
	eng.mu.Unlock()
	close(eng.quit)
	<-eng.done
	eng.pool.Close()
	eng.buffers = nil
}

func (eng *Engine) materialize(proxy renderer.BufferProxy) *materializedBuffer {
	if buf, ok := eng.buffers[proxy.ID]; ok {
		return buf
	}
	buf := &materializedBuffer{
		data:  make(cpu.CPUBuffer, proxy.Size),
		label: proxy.Name,
	}
	eng.buffers[proxy.ID] = buf
	return buf
}

func (eng *Engine) runRecording(
	rec *renderer.Recording,
	pgroup *ProfilerGroup,
) (downloads map[renderer.ResourceID][]byte, err error) {
	downloads = make(map[renderer.ResourceID][]byte)
	for _, cmd := range rec.Commands {
		if err := eng.runCommand(cmd, downloads, pgroup); err != nil {
			return downloads, err
		}
	}
	return downloads, nil
}

func (eng *Engine) runCommand(
	cmd renderer.Command,
	downloads map[renderer.ResourceID][]byte,
	pgroup *ProfilerGroup,
) (err error) {
	label := fmt.Sprintf("%T", cmd)
	defer func() {
		if r := recover(); r != nil {
			err = &renderer.DeviceFaultError{Label: label, Cause: r}
			eng.log.Error("command faulted", zap.String("command", label), zap.Any("cause", r))
		}
	}()

	switch cmd := cmd.(type) {
	case *renderer.Upload:
		buf := eng.materialize(cmd.Buffer)
		copy(buf.data, cmd.Data)

	case *renderer.UploadUniform:
		buf := eng.materialize(cmd.Buffer)
		copy(buf.data, cmd.Data)

	case *renderer.Dispatch:
		sh, ok := eng.shader(cmd.Shader)
		if !ok {
			return &renderer.DeviceFaultError{Label: label, Cause: fmt.Errorf("unknown shader %d", cmd.Shader)}
		}
		label = sh.label
		return eng.dispatch(sh, cmd.WorkgroupSize, cmd.Bindings, pgroup)

	case *renderer.DispatchIndirect:
		sh, ok := eng.shader(cmd.Shader)
		if !ok {
			return &renderer.DeviceFaultError{Label: label, Cause: fmt.Errorf("unknown shader %d", cmd.Shader)}
		}
		label = sh.label
		buf, ok := eng.buffers[cmd.Buffer.ID]
		if !ok {
			return &renderer.DeviceFaultError{
				Label: label,
				Cause: errors.New("tried using unavailable buffer for indirect dispatch"),
			}
		}
		count := safeish.Cast[*renderer.IndirectCount](&buf.data[cmd.Offset:][:16][0])
		return eng.dispatch(sh, renderer.WorkgroupSize{count.X, count.Y, count.Z}, cmd.Bindings, pgroup)

	case *renderer.Download:
		buf, ok := eng.buffers[cmd.Buffer.ID]
		if !ok {
			return &renderer.DeviceFaultError{
				Label: label,
				Cause: errors.New("tried using unavailable buffer for download"),
			}
		}
		downloads[cmd.Buffer.ID] = bytes.Clone(buf.data)

	case *renderer.FreeBuffer:
		delete(eng.buffers, cmd.Buffer.ID)

	default:
		panic(fmt.Sprintf("unhandled command %T", cmd))
	}
	return nil
}

func (eng *Engine) dispatch(
	sh shader,
	wgSize renderer.WorkgroupSize,
	bindings []renderer.BufferProxy,
	pgroup *ProfilerGroup,
) error {
	if len(bindings) != len(sh.bindings) {
		return &renderer.DeviceFaultError{
			Label: sh.label,
			Cause: fmt.Errorf("got %d bindings, layout has %d", len(bindings), len(sh.bindings)),
		}
	}
	resources := make([]cpu.CPUBinding, len(bindings))
	for i, proxy := range bindings {
		resources[i] = eng.materialize(proxy).data
	}

	x, y, z := int(wgSize[0]), int(wgSize[1]), int(wgSize[2])
	total := x * y * z
	if total == 0 {
		return nil
	}

	start := time.Now()
	var (
		faultOnce sync.Once
		fault     any
	)
	chunk := max(total/(eng.pool.Workers()*4), 1)
	eng.pool.Range(total, chunk, func(i int) {
		defer func() {
			if r := recover(); r != nil {
				faultOnce.Do(func() { fault = r })
			}
		}()
		sh.kernel(cpu.Workgroup{
			ID:    [3]uint32{uint32(i % x), uint32(i / x % y), uint32(i / (x * y))},
			Count: wgSize,
		}, resources)
	})
	pgroup.pass(sh.label, start, time.Now())

	if fault != nil {
		eng.log.Error("kernel faulted", zap.String("shader", sh.label), zap.Any("cause", fault))
		return &renderer.DeviceFaultError{Label: sh.label, Cause: fault}
	}
	return nil
}

// Submission is a recording queued on an engine.
type Submission struct {
	eng       *Engine
	rec       *renderer.Recording
	pgroup    *ProfilerGroup
	done      chan struct{}
	err       error
	downloads map[renderer.ResourceID][]byte
}

// Done is closed once the submission has completed or failed.
func (sub *Submission) Done() <-chan struct{} { return sub.done }

// Wait blocks until the submission has completed. If ctx is done first, the
// device is considered lost: Wait returns an error wrapping
// renderer.ErrDeviceLost and the engine rejects all further work.
func (sub *Submission) Wait(ctx context.Context) error {
	select {
	case <-sub.done:
		return sub.err
	default:
	}
	select {
	case <-sub.done:
		return sub.err
	case <-ctx.Done():
		err := fmt.Errorf("%w: waiting for submission: %w", renderer.ErrDeviceLost, ctx.Err())
		sub.eng.markLost(err)
		return err
	}
}

// Download returns the contents buf had when the submission downloaded it.
// It is only valid after Wait returned.
func (sub *Submission) Download(buf renderer.BufferProxy) ([]byte, bool) {
	select {
	case <-sub.done:
	default:
		return nil, false
	}
	data, ok := sub.downloads[buf.ID]
	return data, ok
}
