// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package renderer

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned for configurations and inputs that can
	// never render, such as a zero resolution.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrLimitExceeded is returned when a configuration or scene would need a
	// dispatch or buffer larger than the device limits allow.
	ErrLimitExceeded = errors.New("device limit exceeded")
	// ErrNoPresenter is returned when a pipeline is created without a
	// surface to present to.
	ErrNoPresenter = errors.New("no presenter")
	// ErrCapacityExceeded is the recoverable condition of a scene producing
	// more tile instances than the configured capacity. The frame is still
	// rendered, without the instances that didn't fit.
	ErrCapacityExceeded = errors.New("tile instance capacity exceeded")
	// ErrDeviceLost is returned once the device stopped responding or
	// faulted. The engine that returned it can't be used anymore.
	ErrDeviceLost = errors.New("device lost")
	// ErrDeviceFault is wrapped by DeviceFaultError.
	ErrDeviceFault = errors.New("device fault")
)

// CapacityError reports a frame whose tile instance count exceeded the
// capacity.
type CapacityError struct {
	Total    uint32
	Capacity uint32
}

func (err *CapacityError) Error() string {
	return fmt.Sprintf("%s: %d instances, capacity %d", ErrCapacityExceeded, err.Total, err.Capacity)
}

func (err *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// DeviceFaultError describes a failure while executing a recording, such as
// a kernel crashing or a command referencing a buffer that doesn't exist.
type DeviceFaultError struct {
	// Label of the shader or command that failed.
	Label string
	// Cause is the recovered panic value or the underlying error.
	Cause any
}

func (err *DeviceFaultError) Error() string {
	return fmt.Sprintf("%s in %s: %v", ErrDeviceFault, err.Label, err.Cause)
}

func (err *DeviceFaultError) Unwrap() []error {
	if cause, ok := err.Cause.(error); ok {
		return []error{ErrDeviceFault, cause}
	}
	return []error{ErrDeviceFault}
}

// IsFatal reports whether err leaves the pipeline unusable.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDeviceLost) || errors.Is(err, ErrDeviceFault)
}

// CheckCounters returns a *CapacityError if the device reported more tile
// instances than it had room for.
func CheckCounters(c *Counters) error {
	if c.Overflow != 0 {
		return &CapacityError{Total: c.Total, Capacity: c.Capacity}
	}
	return nil
}
