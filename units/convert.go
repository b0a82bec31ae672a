// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package units // import "github.com/symphony-das/symphony/units"

import (
	"fmt"
	"sync"
)

// ConverterFunc converts a measurement expressed in one base unit into
// an equivalent measurement in another. Implementations must be pure.
type ConverterFunc func(Measurement) (Measurement, error)

// UnsupportedConversionError reports a conversion with no registered
// converter for its (from, to) unit pair.
type UnsupportedConversionError struct {
	From string
	To   string
}

func (e *UnsupportedConversionError) Error() string {
	return fmt.Sprintf("units: no conversion registered for %q -> %q", e.From, e.To)
}

type unitPair struct {
	from string
	to   string
}

// ConversionRegistry maps (source, target) unit pairs to converters.
// Only direct registrations are consulted: lookup does not chain
// converters transitively. Each hardware family registers the direct
// pairs it needs at setup.
//
// A registry is safe for concurrent use. Construct one per controller
// (or per test) rather than sharing process-wide state.
type ConversionRegistry struct {
	mu    sync.RWMutex
	conns map[unitPair]ConverterFunc
}

// NewConversionRegistry returns an empty registry.
func NewConversionRegistry() *ConversionRegistry {
	return &ConversionRegistry{conns: make(map[unitPair]ConverterFunc)}
}

// Register installs fn as the converter for from -> to, replacing any
// previous registration for that pair.
func (reg *ConversionRegistry) Register(from, to string, fn ConverterFunc) {
	reg.mu.Lock()
	reg.conns[unitPair{from, to}] = fn
	reg.mu.Unlock()
}

// Convert expresses m in the target unit. Identity conversions
// (m already in the target unit) succeed without a registration.
func (reg *ConversionRegistry) Convert(m Measurement, to string) (Measurement, error) {
	if m.BaseUnit() == to {
		return m, nil
	}
	reg.mu.RLock()
	fn, ok := reg.conns[unitPair{m.BaseUnit(), to}]
	reg.mu.RUnlock()
	if !ok {
		return Measurement{}, &UnsupportedConversionError{From: m.BaseUnit(), To: to}
	}
	return fn(m)
}

// TestTo reports whether a conversion from -> to could succeed, without
// performing one. Validation uses it to fail before a run starts.
func (reg *ConversionRegistry) TestTo(from, to string) bool {
	if from == to || to == Unitless {
		return true
	}
	reg.mu.RLock()
	_, ok := reg.conns[unitPair{from, to}]
	reg.mu.RUnlock()
	return ok
}

// ConvertAll converts every sample of a block to the target unit.
func (reg *ConversionRegistry) ConvertAll(ms []Measurement, to string) ([]Measurement, error) {
	out := make([]Measurement, len(ms))
	for i, m := range ms {
		c, err := reg.Convert(m, to)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// Scale returns a ConverterFunc that rescales the base-unit value by
// 10^shift and relabels it, the common case of exact metric-prefix and
// count<->physical conversions.
func Scale(to string, shift int32) ConverterFunc {
	return func(m Measurement) (Measurement, error) {
		return New(m.Quantity(), m.Exponent()+shift, to), nil
	}
}

// Linear returns a ConverterFunc applying value*gain in the target
// unit, for adapters whose counts-per-unit gain is not a power of ten.
func Linear(to string, gain Measurement) ConverterFunc {
	return func(m Measurement) (Measurement, error) {
		q := m.BaseUnitQuantity().Mul(gain.BaseUnitQuantity())
		return New(q, 0, to), nil
	}
}
