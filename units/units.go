// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package units provides exact physical quantities and unit conversions
// for acquisition pipelines.
//
// A Measurement is an immutable (quantity, exponent, base-unit) triple
// representing quantity*10^exponent base-units. The mantissa is an
// arbitrary-precision decimal so raw hardware counts (exponent 0) and
// derived physical values (say, exponent -12 for picoamps) can both be
// stored without rounding.
package units // import "github.com/symphony-das/symphony/units"

import (
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"
)

// Unitless is the sentinel base unit of dimensionless quantities.
// Conversion targets set to Unitless are exempt from registry lookup.
const Unitless = "_unitless_"

// Measurement is an immutable quantity*10^exponent in a base unit.
type Measurement struct {
	quantity decimal.Decimal
	exponent int32
	unit     string
}

// New builds a Measurement of quantity*10^exponent unit.
func New(quantity decimal.Decimal, exponent int32, unit string) Measurement {
	return Measurement{quantity: quantity, exponent: exponent, unit: unit}
}

// MustParse builds a Measurement from a decimal literal, panicking on a
// malformed literal. Intended for constants and tests.
func MustParse(quantity string, exponent int32, unit string) Measurement {
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		panic(xerrors.Errorf("units: could not parse quantity %q: %w", quantity, err))
	}
	return New(q, exponent, unit)
}

// FromInt64 builds an exponent-0 Measurement from a raw integer count.
func FromInt64(v int64, unit string) Measurement {
	return New(decimal.New(v, 0), 0, unit)
}

// FromFloat64 builds an exponent-0 Measurement from a float value.
func FromFloat64(v float64, unit string) Measurement {
	return New(decimal.NewFromFloat(v), 0, unit)
}

// Quantity returns the mantissa, without the power-of-ten scale.
func (m Measurement) Quantity() decimal.Decimal { return m.quantity }

// Exponent returns the power-of-ten scale factor.
func (m Measurement) Exponent() int32 { return m.exponent }

// BaseUnit returns the unit the measurement is expressed in.
func (m Measurement) BaseUnit() string { return m.unit }

// BaseUnitQuantity returns quantity*10^exponent as an exact decimal.
func (m Measurement) BaseUnitQuantity() decimal.Decimal {
	return m.quantity.Shift(m.exponent)
}

// Float64 returns quantity*10^exponent as a float, for adapters that
// hand raw values to a native driver.
func (m Measurement) Float64() float64 {
	f, _ := m.BaseUnitQuantity().Float64()
	return f
}

// Int64 truncates quantity*10^exponent to an integer count.
func (m Measurement) Int64() int64 {
	return m.BaseUnitQuantity().IntPart()
}

// Equal reports structural equality: quantity, exponent and unit must
// all match. 1500*10^0 mV and 1.5*10^0 V are NOT equal; neither are
// 1500*10^0 mV and 1.5*10^3 mV. Normalization is never implied.
func (m Measurement) Equal(o Measurement) bool {
	return m.unit == o.unit &&
		m.exponent == o.exponent &&
		m.quantity.Equal(o.quantity)
}

// EqualBaseValue reports whether two measurements denote the same value
// in the same base unit, regardless of how the exponent splits it.
func (m Measurement) EqualBaseValue(o Measurement) bool {
	return m.unit == o.unit && m.BaseUnitQuantity().Equal(o.BaseUnitQuantity())
}

// Add returns m+o. The base units must match.
func (m Measurement) Add(o Measurement) (Measurement, error) {
	if m.unit != o.unit {
		return Measurement{}, xerrors.Errorf("units: cannot add %q to %q", o.unit, m.unit)
	}
	return New(m.BaseUnitQuantity().Add(o.BaseUnitQuantity()), 0, m.unit), nil
}

// Sub returns m-o. The base units must match.
func (m Measurement) Sub(o Measurement) (Measurement, error) {
	if m.unit != o.unit {
		return Measurement{}, xerrors.Errorf("units: cannot subtract %q from %q", o.unit, m.unit)
	}
	return New(m.BaseUnitQuantity().Sub(o.BaseUnitQuantity()), 0, m.unit), nil
}

// String prints the measurement in "quantity x10^exp unit" form.
func (m Measurement) String() string {
	if m.exponent == 0 {
		return fmt.Sprintf("%v %s", m.quantity, m.unit)
	}
	return fmt.Sprintf("%vE%d %s", m.quantity, m.exponent, m.unit)
}
