// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symphony // import "github.com/symphony-das/symphony"

import (
	"fmt"
)

// DAQError reports a fatal acquisition-pipeline fault: mismatched
// buffer lengths, sample-rate disagreement, out-of-range digital
// values. A DAQError escaping the process loop ends the run through
// the exceptional-stop path. Recoverable configuration problems are
// reported as a Validation value instead, never as a DAQError.
type DAQError struct {
	msg string
	err error
}

func daqErrorf(format string, a ...interface{}) *DAQError {
	return &DAQError{msg: fmt.Sprintf(format, a...)}
}

func daqWrap(err error, format string, a ...interface{}) *DAQError {
	return &DAQError{msg: fmt.Sprintf(format, a...), err: err}
}

func (e *DAQError) Error() string {
	if e.err != nil {
		return "symphony: " + e.msg + ": " + e.err.Error()
	}
	return "symphony: " + e.msg
}

func (e *DAQError) Unwrap() error { return e.err }

// HardwareError carries a raw vendor-driver error code. Adapters wrap
// every non-success driver return in one; the controller never
// retries it.
type HardwareError struct {
	Op   string // driver operation that failed
	Code int32  // raw vendor error code
	Msg  string
}

func (e *HardwareError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("symphony: %s: %s (code=0x%X)", e.Op, e.Msg, uint32(e.Code))
	}
	return fmt.Sprintf("symphony: %s failed (code=0x%X)", e.Op, uint32(e.Code))
}

// Validation is the result of a pre-run configuration check: either
// valid, or invalid with the first failing reason. It is a value, not
// an error; a failed validation rejects a Start request without
// entering the exceptional-stop path.
type Validation struct {
	ok     bool
	reason string
}

// Valid returns a passing validation.
func Valid() Validation { return Validation{ok: true} }

// Invalid returns a failing validation with a human-readable reason.
func Invalid(format string, a ...interface{}) Validation {
	return Validation{reason: fmt.Sprintf(format, a...)}
}

// OK reports whether the validation passed.
func (v Validation) OK() bool { return v.ok }

// Reason returns the first failing reason, or "" when valid.
func (v Validation) Reason() string { return v.reason }

func (v Validation) String() string {
	if v.ok {
		return "valid"
	}
	return "invalid: " + v.reason
}
