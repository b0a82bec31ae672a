// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package device holds helpers shared by the hardware device adapters.
package device // import "github.com/symphony-das/symphony/device"

import (
	"golang.org/x/xerrors"

	"github.com/symphony-das/symphony/units"
)

// ElemType tags the native element type of a driver sample buffer.
// The set is closed: adapters dispatch over it with a switch, never
// with reflection.
type ElemType uint8

const (
	ElemInvalid ElemType = iota
	ElemInt8
	ElemInt16
	ElemInt32
	ElemInt64
	ElemFloat32
	ElemFloat64
	ElemBool
)

func (et ElemType) String() string {
	switch et {
	case ElemInt8:
		return "int8"
	case ElemInt16:
		return "int16"
	case ElemInt32:
		return "int32"
	case ElemInt64:
		return "int64"
	case ElemFloat32:
		return "float32"
	case ElemFloat64:
		return "float64"
	case ElemBool:
		return "bool"
	default:
		return "invalid"
	}
}

// Raw is a typed native sample buffer. Exactly one slice, selected by
// Type, is populated.
type Raw struct {
	Type ElemType

	I8  []int8
	I16 []int16
	I32 []int32
	I64 []int64
	F32 []float32
	F64 []float64
	B   []bool
}

// Len returns the number of samples held.
func (r Raw) Len() int {
	switch r.Type {
	case ElemInt8:
		return len(r.I8)
	case ElemInt16:
		return len(r.I16)
	case ElemInt32:
		return len(r.I32)
	case ElemInt64:
		return len(r.I64)
	case ElemFloat32:
		return len(r.F32)
	case ElemFloat64:
		return len(r.F64)
	case ElemBool:
		return len(r.B)
	default:
		return 0
	}
}

// Encode flattens a block of measurements into a native buffer of
// element type et. The measurements must already be expressed in the
// adapter's raw unit; only the numeric value is taken.
func Encode(et ElemType, ms []units.Measurement) (Raw, error) {
	raw := Raw{Type: et}
	switch et {
	case ElemInt8:
		raw.I8 = make([]int8, len(ms))
		for i, m := range ms {
			raw.I8[i] = int8(m.Int64())
		}
	case ElemInt16:
		raw.I16 = make([]int16, len(ms))
		for i, m := range ms {
			raw.I16[i] = int16(m.Int64())
		}
	case ElemInt32:
		raw.I32 = make([]int32, len(ms))
		for i, m := range ms {
			raw.I32[i] = int32(m.Int64())
		}
	case ElemInt64:
		raw.I64 = make([]int64, len(ms))
		for i, m := range ms {
			raw.I64[i] = m.Int64()
		}
	case ElemFloat32:
		raw.F32 = make([]float32, len(ms))
		for i, m := range ms {
			raw.F32[i] = float32(m.Float64())
		}
	case ElemFloat64:
		raw.F64 = make([]float64, len(ms))
		for i, m := range ms {
			raw.F64[i] = m.Float64()
		}
	case ElemBool:
		raw.B = make([]bool, len(ms))
		for i, m := range ms {
			raw.B[i] = m.Int64() != 0
		}
	default:
		return Raw{}, xerrors.Errorf("device: cannot encode element type %v", et)
	}
	return raw, nil
}

// Decode expands a native buffer into measurements in the given unit,
// all with exponent zero.
func Decode(raw Raw, unit string) ([]units.Measurement, error) {
	ms := make([]units.Measurement, raw.Len())
	switch raw.Type {
	case ElemInt8:
		for i, v := range raw.I8 {
			ms[i] = units.FromInt64(int64(v), unit)
		}
	case ElemInt16:
		for i, v := range raw.I16 {
			ms[i] = units.FromInt64(int64(v), unit)
		}
	case ElemInt32:
		for i, v := range raw.I32 {
			ms[i] = units.FromInt64(int64(v), unit)
		}
	case ElemInt64:
		for i, v := range raw.I64 {
			ms[i] = units.FromInt64(v, unit)
		}
	case ElemFloat32:
		for i, v := range raw.F32 {
			ms[i] = units.FromFloat64(float64(v), unit)
		}
	case ElemFloat64:
		for i, v := range raw.F64 {
			ms[i] = units.FromFloat64(v, unit)
		}
	case ElemBool:
		for i, v := range raw.B {
			var b int64
			if v {
				b = 1
			}
			ms[i] = units.FromInt64(b, unit)
		}
	default:
		return nil, xerrors.Errorf("device: cannot decode element type %v", raw.Type)
	}
	return ms, nil
}
